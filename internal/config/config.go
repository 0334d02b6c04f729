package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"gatehouse/internal/router"
)

// MinBufferSize is the smallest per-direction relay buffer accepted. The
// classification read uses one buffer, so this also bounds how much of the
// first request line is visible to the rules.
const MinBufferSize = 8 * 1024

// Timeouts are all disabled (zero) by default: a silent peer holds its session
// until it closes.
type Timeouts struct {
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
}

type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string
	// Format is one of: text, json.
	Format string
	// Output is one of: stderr, stdout, discard; or a file path.
	Output string
	// AddSource enables source file/line reporting (slightly higher overhead).
	AddSource bool
}

type ListenerConfig struct {
	ListenAddr string
}

type RuleConfig struct {
	Pattern string
	Service string
}

type Config struct {
	Listeners []ListenerConfig

	Logging LoggingConfig

	// Services maps a service name to its "host:port" endpoint.
	Services map[string]string
	// Ports maps a listening port to a service name.
	Ports map[int]string
	// Rules are evaluated in order against the first line of HTTP traffic.
	Rules          []RuleConfig
	DefaultService string

	ProxyProtocolV2     bool
	BufferSize          int
	UpstreamDialTimeout time.Duration
	Timeouts            Timeouts
}

// Default returns the compiled-in configuration.
func Default() *Config {
	spec := router.DefaultSpec()
	cfg := &Config{
		Listeners: []ListenerConfig{{ListenAddr: "0.0.0.0:80"}},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Services:       make(map[string]string, len(spec.Services)),
		Ports:          make(map[int]string, len(spec.Ports)),
		DefaultService: spec.DefaultService,
		BufferSize:     MinBufferSize,
	}
	for name, ep := range spec.Services {
		cfg.Services[name] = ep.Addr()
	}
	for port, svc := range spec.Ports {
		cfg.Ports[port] = svc
	}
	for _, r := range spec.Rules {
		cfg.Rules = append(cfg.Rules, RuleConfig{Pattern: r.Pattern, Service: r.Service})
	}
	return cfg
}

// RoutingSpec converts the routing sections into a router.Spec.
func (c *Config) RoutingSpec() (router.Spec, error) {
	spec := router.Spec{
		Services:       make(map[string]router.Endpoint, len(c.Services)),
		Ports:          make(map[int]string, len(c.Ports)),
		DefaultService: c.DefaultService,
	}
	for name, addr := range c.Services {
		ep, err := router.ParseEndpoint(addr)
		if err != nil {
			return router.Spec{}, fmt.Errorf("config: service %q: %w", name, err)
		}
		spec.Services[name] = ep
	}
	for port, svc := range c.Ports {
		spec.Ports[port] = svc
	}
	for _, r := range c.Rules {
		spec.Rules = append(spec.Rules, router.RuleSpec{Pattern: r.Pattern, Service: r.Service})
	}
	return spec, nil
}

// Table builds the immutable routing table described by c.
func (c *Config) Table() (*router.Table, error) {
	spec, err := c.RoutingSpec()
	if err != nil {
		return nil, err
	}
	return router.NewTable(spec)
}

type ConfigProvider interface {
	Load(ctx context.Context) (*Config, error)
}

// DefaultConfigProvider serves the compiled-in configuration.
type DefaultConfigProvider struct{}

func (DefaultConfigProvider) Load(_ context.Context) (*Config, error) {
	return Default(), nil
}

// FileConfigProvider overlays a TOML, YAML or JSON file on top of Default().
type FileConfigProvider struct {
	Path string
}

func NewFileConfigProvider(path string) *FileConfigProvider {
	return &FileConfigProvider{Path: path}
}

type fileConfig struct {
	Listeners []struct {
		ListenAddr string `json:"listen_addr" toml:"listen_addr" yaml:"listen_addr"`
	} `json:"listeners" toml:"listeners" yaml:"listeners"`
	Logging *struct {
		Level     string `json:"level" toml:"level" yaml:"level"`
		Format    string `json:"format" toml:"format" yaml:"format"`
		Output    string `json:"output" toml:"output" yaml:"output"`
		AddSource bool   `json:"add_source" toml:"add_source" yaml:"add_source"`
	} `json:"logging" toml:"logging" yaml:"logging"`

	Services map[string]string `json:"services" toml:"services" yaml:"services"`
	Ports    map[string]string `json:"ports" toml:"ports" yaml:"ports"`
	Rules    []struct {
		Pattern string `json:"pattern" toml:"pattern" yaml:"pattern"`
		Service string `json:"service" toml:"service" yaml:"service"`
	} `json:"rules" toml:"rules" yaml:"rules"`
	DefaultService string `json:"default_service" toml:"default_service" yaml:"default_service"`

	ProxyProtocolV2       bool `json:"proxy_protocol_v2" toml:"proxy_protocol_v2" yaml:"proxy_protocol_v2"`
	BufferSize            int  `json:"buffer_size" toml:"buffer_size" yaml:"buffer_size"`
	UpstreamDialTimeoutMs int  `json:"upstream_dial_timeout_ms" toml:"upstream_dial_timeout_ms" yaml:"upstream_dial_timeout_ms"`
	Timeouts              struct {
		HandshakeTimeoutMs int `json:"handshake_timeout_ms" toml:"handshake_timeout_ms" yaml:"handshake_timeout_ms"`
		IdleTimeoutMs      int `json:"idle_timeout_ms" toml:"idle_timeout_ms" yaml:"idle_timeout_ms"`
	} `json:"timeouts" toml:"timeouts" yaml:"timeouts"`
}

func (p *FileConfigProvider) Load(_ context.Context) (*Config, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}

	var fc fileConfig
	if err := decodeFile(p.Path, data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", p.Path, err)
	}

	cfg := Default()
	if len(fc.Listeners) > 0 {
		cfg.Listeners = cfg.Listeners[:0]
		for _, l := range fc.Listeners {
			cfg.Listeners = append(cfg.Listeners, ListenerConfig{ListenAddr: strings.TrimSpace(l.ListenAddr)})
		}
	}
	if fc.Logging != nil {
		if fc.Logging.Level != "" {
			cfg.Logging.Level = fc.Logging.Level
		}
		if fc.Logging.Format != "" {
			cfg.Logging.Format = fc.Logging.Format
		}
		if fc.Logging.Output != "" {
			cfg.Logging.Output = fc.Logging.Output
		}
		cfg.Logging.AddSource = fc.Logging.AddSource
	}

	// Service endpoints merge into the defaults; ports and rules replace them
	// wholesale so a file can drop a compiled-in mapping.
	for name, addr := range fc.Services {
		cfg.Services[strings.TrimSpace(name)] = strings.TrimSpace(addr)
	}
	if fc.Ports != nil {
		cfg.Ports = make(map[int]string, len(fc.Ports))
		for k, svc := range fc.Ports {
			port, err := strconv.Atoi(strings.TrimSpace(k))
			if err != nil || port <= 0 || port > 65535 {
				return nil, fmt.Errorf("config: ports: invalid port %q", k)
			}
			cfg.Ports[port] = strings.TrimSpace(svc)
		}
	}
	if fc.Rules != nil {
		cfg.Rules = make([]RuleConfig, 0, len(fc.Rules))
		for _, r := range fc.Rules {
			cfg.Rules = append(cfg.Rules, RuleConfig{Pattern: r.Pattern, Service: strings.TrimSpace(r.Service)})
		}
	}
	if s := strings.TrimSpace(fc.DefaultService); s != "" {
		cfg.DefaultService = s
	}

	cfg.ProxyProtocolV2 = fc.ProxyProtocolV2
	if fc.BufferSize > 0 {
		cfg.BufferSize = fc.BufferSize
	}
	cfg.UpstreamDialTimeout = time.Duration(fc.UpstreamDialTimeoutMs) * time.Millisecond
	cfg.Timeouts = Timeouts{
		HandshakeTimeout: time.Duration(fc.Timeouts.HandshakeTimeoutMs) * time.Millisecond,
		IdleTimeout:      time.Duration(fc.Timeouts.IdleTimeoutMs) * time.Millisecond,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks listener addresses, buffer sizing and that the routing
// sections build a table.
func (c *Config) Validate() error {
	if len(c.Listeners) == 0 {
		return fmt.Errorf("config: no listeners")
	}
	seen := map[string]bool{}
	for i, l := range c.Listeners {
		if l.ListenAddr == "" {
			return fmt.Errorf("config: listeners[%d]: empty listen_addr", i)
		}
		if _, _, err := splitListenAddr(l.ListenAddr); err != nil {
			return fmt.Errorf("config: listeners[%d]: %w", i, err)
		}
		if seen[l.ListenAddr] {
			return fmt.Errorf("config: listeners[%d]: duplicate listen_addr %q", i, l.ListenAddr)
		}
		seen[l.ListenAddr] = true
	}
	if c.BufferSize < MinBufferSize {
		return fmt.Errorf("config: buffer_size %d is below the minimum of %d", c.BufferSize, MinBufferSize)
	}
	if c.UpstreamDialTimeout < 0 || c.Timeouts.HandshakeTimeout < 0 || c.Timeouts.IdleTimeout < 0 {
		return fmt.Errorf("config: timeouts must not be negative")
	}
	if _, err := c.Table(); err != nil {
		return err
	}
	return nil
}

// ListenPort returns the numeric port of a listen address such as ":80" or
// "0.0.0.0:8000".
func ListenPort(addr string) (int, error) {
	_, port, err := splitListenAddr(addr)
	return port, err
}

func splitListenAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", addr)
	}
	return host, port, nil
}

// SortedPorts returns the port table in ascending port order.
func (c *Config) SortedPorts() []int {
	out := make([]int, 0, len(c.Ports))
	for p := range c.Ports {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func decodeFile(path string, data []byte, fc *fileConfig) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.NewDecoder(bytes.NewReader(data)).Decode(fc)
		return err
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, fc)
	case ".json":
		return json.Unmarshal(data, fc)
	default:
		return fmt.Errorf("unsupported config extension %q (expected .toml, .yaml/.yml or .json)", filepath.Ext(path))
	}
}
