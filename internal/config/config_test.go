package config

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault_MatchesCompiledInTable(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].ListenAddr != "0.0.0.0:80" {
		t.Fatalf("listeners=%#v", cfg.Listeners)
	}
	if cfg.BufferSize != MinBufferSize {
		t.Fatalf("buffer_size=%d want %d", cfg.BufferSize, MinBufferSize)
	}
	if cfg.UpstreamDialTimeout != 0 || cfg.Timeouts != (Timeouts{}) {
		t.Fatalf("timeouts should default to disabled: dial=%v %+v", cfg.UpstreamDialTimeout, cfg.Timeouts)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" || cfg.Logging.Output != "stderr" {
		t.Fatalf("logging=%+v", cfg.Logging)
	}

	tbl, err := cfg.Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	want := map[int]string{
		80:    "172.90.0.20:3000",
		443:   "172.90.0.20:3000",
		8000:  "172.90.0.10:8000",
		5432:  "172.90.0.40:5432",
		50051: "172.90.0.30:50051",
	}
	for port, addr := range want {
		if got := tbl.ResolveByPort(port).Addr(); got != addr {
			t.Fatalf("port %d: got %s want %s", port, got, addr)
		}
	}
	if got := cfg.SortedPorts(); len(got) != 5 || got[0] != 80 || got[4] != 50051 {
		t.Fatalf("SortedPorts=%v", got)
	}
}

func TestDefaultConfigProvider(t *testing.T) {
	cfg, err := DefaultConfigProvider{}.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Services) != 4 {
		t.Fatalf("services=%v", cfg.Services)
	}
}

func TestFileConfigProvider_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gatehouse.toml")
	writeFile(t, path, `
buffer_size = 16384
proxy_protocol_v2 = true
upstream_dial_timeout_ms = 1500

[[listeners]]
listen_addr = ":80"

[[listeners]]
listen_addr = ":8000"

[services]
backend = "10.1.0.10:9000"
cache = "10.1.0.50:6379"

[ports]
80 = "frontend"
6379 = "cache"

[[rules]]
pattern = "GET /cache/"
service = "cache"

[timeouts]
handshake_timeout_ms = 3000
idle_timeout_ms = 60000

[logging]
level = "debug"
format = "json"
`)

	cfg, err := NewFileConfigProvider(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Listeners) != 2 || cfg.Listeners[1].ListenAddr != ":8000" {
		t.Fatalf("listeners=%#v", cfg.Listeners)
	}
	if cfg.BufferSize != 16384 || !cfg.ProxyProtocolV2 {
		t.Fatalf("buffer_size=%d proxy_protocol_v2=%v", cfg.BufferSize, cfg.ProxyProtocolV2)
	}
	if cfg.UpstreamDialTimeout != 1500*time.Millisecond {
		t.Fatalf("dial timeout=%v", cfg.UpstreamDialTimeout)
	}
	if cfg.Timeouts.HandshakeTimeout != 3*time.Second || cfg.Timeouts.IdleTimeout != time.Minute {
		t.Fatalf("timeouts=%+v", cfg.Timeouts)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
		t.Fatalf("logging=%+v", cfg.Logging)
	}
	// Services merge with the defaults.
	if cfg.Services["backend"] != "10.1.0.10:9000" || cfg.Services["frontend"] != "172.90.0.20:3000" {
		t.Fatalf("services=%v", cfg.Services)
	}
	// Ports and rules replace the defaults.
	if len(cfg.Ports) != 2 || cfg.Ports[6379] != "cache" {
		t.Fatalf("ports=%v", cfg.Ports)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].Service != "cache" {
		t.Fatalf("rules=%v", cfg.Rules)
	}

	tbl, err := cfg.Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	r := tbl.Classify([]byte("GET /cache/k HTTP/1.1\r\n\r\n"), 80)
	if r.Service != "cache" || r.Endpoint.Addr() != "10.1.0.50:6379" {
		t.Fatalf("route=%+v", r)
	}
	// 8000 is no longer in the port table.
	if got := tbl.ResolveByPort(8000).Addr(); got != "172.90.0.20:3000" {
		t.Fatalf("port 8000 -> %s want frontend", got)
	}
}

func TestFileConfigProvider_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gatehouse.yaml")
	writeFile(t, path, `
listeners:
  - listen_addr: "127.0.0.1:8080"
ports:
  8080: backend
default_service: database
logging:
  output: discard
  add_source: true
`)

	cfg, err := NewFileConfigProvider(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ports[8080] != "backend" || len(cfg.Ports) != 1 {
		t.Fatalf("ports=%v", cfg.Ports)
	}
	if cfg.DefaultService != "database" {
		t.Fatalf("default_service=%q", cfg.DefaultService)
	}
	if cfg.Logging.Output != "discard" || !cfg.Logging.AddSource || cfg.Logging.Level != "info" {
		t.Fatalf("logging=%+v", cfg.Logging)
	}
	// Rules were not set: the compiled-in rules stay.
	if len(cfg.Rules) != 2 {
		t.Fatalf("rules=%v", cfg.Rules)
	}
	tbl, err := cfg.Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if got := tbl.ResolveByPort(1).Addr(); got != "172.90.0.40:5432" {
		t.Fatalf("default endpoint=%s", got)
	}
}

func TestFileConfigProvider_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gatehouse.json")
	writeFile(t, path, `{
  "listeners": [{"listen_addr": ":443"}],
  "rules": [],
  "timeouts": {"idle_timeout_ms": 250}
}`)

	cfg, err := NewFileConfigProvider(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Rules) != 0 {
		t.Fatalf("rules=%v want none", cfg.Rules)
	}
	if cfg.Timeouts.IdleTimeout != 250*time.Millisecond {
		t.Fatalf("idle=%v", cfg.Timeouts.IdleTimeout)
	}
	if len(cfg.Ports) != 5 {
		t.Fatalf("ports=%v want compiled-in", cfg.Ports)
	}
}

func TestFileConfigProvider_Errors(t *testing.T) {
	cases := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown extension", "gatehouse.ini", "x=1", "unsupported config extension"},
		{"bad port key", "gatehouse.yaml", "ports:\n  http: frontend\n", "invalid port"},
		{"unknown service", "gatehouse.yaml", "ports:\n  80: nowhere\n", "unknown service"},
		{"bad endpoint", "gatehouse.yaml", "services:\n  backend: \"10.0.0.1\"\n", "service \"backend\""},
		{"bad pattern", "gatehouse.yaml", "rules:\n  - pattern: \"(\"\n    service: backend\n", "rule 0"},
		{"small buffer", "gatehouse.yaml", "buffer_size: 1024\n", "buffer_size"},
		{"duplicate listener", "gatehouse.yaml", "listeners:\n  - listen_addr: \":80\"\n  - listen_addr: \":80\"\n", "duplicate"},
		{"bad listener", "gatehouse.yaml", "listeners:\n  - listen_addr: \"80\"\n", "listeners[0]"},
		{"negative timeout", "gatehouse.yaml", "timeouts:\n  idle_timeout_ms: -1\n", "negative"},
		{"malformed toml", "gatehouse.toml", "listeners = [", "parse"},
	}
	for _, tc := range cases {
		path := filepath.Join(t.TempDir(), tc.file)
		writeFile(t, path, tc.body)
		_, err := NewFileConfigProvider(path).Load(context.Background())
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err=%v want substring %q", tc.name, err, tc.want)
		}
	}
}

func TestListenPort(t *testing.T) {
	for addr, want := range map[string]int{":80": 80, "0.0.0.0:8000": 8000, "[::]:443": 443, "127.0.0.1:0": 0} {
		got, err := ListenPort(addr)
		if err != nil {
			t.Fatalf("%s: %v", addr, err)
		}
		if got != want {
			t.Fatalf("%s: got %d want %d", addr, got, want)
		}
	}
	if _, err := ListenPort("nope"); err == nil {
		t.Fatalf("expected error")
	}
}
