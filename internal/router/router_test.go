package router

import (
	"strings"
	"testing"
)

func mustDefaultTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := NewTable(DefaultSpec())
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return tbl
}

func TestResolveByPort_MappedPorts(t *testing.T) {
	tbl := mustDefaultTable(t)
	spec := DefaultSpec()
	for port, svc := range spec.Ports {
		want := spec.Services[svc]
		if got := tbl.ResolveByPort(port); got != want {
			t.Fatalf("port %d: got %v want %v", port, got, want)
		}
	}
}

func TestResolveByPort_UnmappedFallsBackToFrontend(t *testing.T) {
	tbl := mustDefaultTable(t)
	want := Endpoint{Host: "172.90.0.20", Port: 3000}
	for _, port := range []int{0, 1, 22, 8080, 65535} {
		if got := tbl.ResolveByPort(port); got != want {
			t.Fatalf("port %d: got %v want %v", port, got, want)
		}
	}
}

func TestResolveByContent_HTTPRules(t *testing.T) {
	tbl := mustDefaultTable(t)
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"api get", "GET /api/x HTTP/1.1\r\nHost: a\r\n\r\n", "172.90.0.10:8000"},
		{"api patch", "PATCH /api/users/1 HTTP/1.1\r\n\r\n", "172.90.0.10:8000"},
		{"grpc post", "POST /grpc/y HTTP/1.1\r\n\r\n", "172.90.0.30:50051"},
		{"grpc put is not a grpc verb", "PUT /grpc/y HTTP/1.1\r\n\r\n", "172.90.0.20:3000"},
		{"plain page", "GET /index.html HTTP/1.1\r\n\r\n", "172.90.0.20:3000"},
		{"api only in header", "GET / HTTP/1.1\r\nReferer: GET /api/x\r\n\r\n", "172.90.0.20:3000"},
		{"bare newline", "DELETE /api/z HTTP/1.0\nHost: a\n\n", "172.90.0.10:8000"},
	}
	for _, tc := range cases {
		ep, ok := tbl.ResolveByContent([]byte(tc.in))
		if !ok {
			t.Fatalf("%s: expected HTTP classification", tc.name)
		}
		if ep.Addr() != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, ep.Addr(), tc.want)
		}
	}
}

func TestResolveByContent_NonHTTP(t *testing.T) {
	tbl := mustDefaultTable(t)
	for _, in := range []string{"", "\x16\x03\x01\x00", "GET /api/x", "hello world"} {
		if _, ok := tbl.ResolveByContent([]byte(in)); ok {
			t.Fatalf("%q: expected non-HTTP", in)
		}
	}
}

func TestClassify_ContentBeatsPort(t *testing.T) {
	tbl := mustDefaultTable(t)

	r := tbl.Classify([]byte("GET /api/users HTTP/1.1\r\nHost: x\r\n\r\n"), 80)
	if r.Service != "backend" || r.Reason != ReasonContent {
		t.Fatalf("route=%+v want backend/content", r)
	}
	if r.Endpoint.Addr() != "172.90.0.10:8000" {
		t.Fatalf("endpoint=%s", r.Endpoint.Addr())
	}

	// HTTP traffic without a matching rule goes to the default service even on
	// a port mapped elsewhere.
	r = tbl.Classify([]byte("GET / HTTP/1.1\r\n\r\n"), 5432)
	if r.Service != "frontend" || r.Reason != ReasonContent {
		t.Fatalf("route=%+v want frontend/content", r)
	}
}

func TestClassify_NonHTTPUsesPort(t *testing.T) {
	tbl := mustDefaultTable(t)

	r := tbl.Classify([]byte{0x00, 0x00, 0x00, 0x08, 0x04, 0xd2, 0x16, 0x2f}, 8000)
	if r.Service != "backend" || r.Reason != ReasonPort {
		t.Fatalf("route=%+v want backend/port", r)
	}
	if r.Endpoint.Addr() != "172.90.0.10:8000" {
		t.Fatalf("endpoint=%s", r.Endpoint.Addr())
	}

	r = tbl.Classify([]byte("ping"), 5432)
	if r.Service != "database" {
		t.Fatalf("route=%+v want database", r)
	}
}

func TestClassify_FirstRuleWins(t *testing.T) {
	tbl, err := NewTable(Spec{
		Services: map[string]Endpoint{
			"frontend": {Host: "10.0.0.1", Port: 1},
			"a":        {Host: "10.0.0.2", Port: 2},
			"b":        {Host: "10.0.0.3", Port: 3},
		},
		Rules: []RuleSpec{
			{Pattern: `GET /x`, Service: "a"},
			{Pattern: `GET /x/y`, Service: "b"},
		},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	r := tbl.Classify([]byte("GET /x/y HTTP/1.1\r\n"), 0)
	if r.Service != "a" {
		t.Fatalf("service=%q want a", r.Service)
	}
}

func TestNewTable_Validation(t *testing.T) {
	base := func() Spec {
		return Spec{Services: map[string]Endpoint{"frontend": {Host: "h", Port: 1}}}
	}

	s := base()
	s.Ports = map[int]string{80: "missing"}
	if _, err := NewTable(s); err == nil || !strings.Contains(err.Error(), "unknown service") {
		t.Fatalf("port->unknown service: err=%v", err)
	}

	s = base()
	s.Rules = []RuleSpec{{Pattern: "(", Service: "frontend"}}
	if _, err := NewTable(s); err == nil {
		t.Fatalf("bad regexp: expected error")
	}

	s = base()
	s.DefaultService = "nope"
	if _, err := NewTable(s); err == nil {
		t.Fatalf("missing default: expected error")
	}

	s = base()
	s.Services["bad"] = Endpoint{Host: "", Port: 10}
	if _, err := NewTable(s); err == nil {
		t.Fatalf("empty host: expected error")
	}
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("172.90.0.10:8000")
	if err != nil {
		t.Fatalf("ParseEndpoint: %v", err)
	}
	if ep != (Endpoint{Host: "172.90.0.10", Port: 8000}) {
		t.Fatalf("ep=%+v", ep)
	}
	if ep, err := ParseEndpoint("[::1]:53"); err != nil || ep.Addr() != "[::1]:53" {
		t.Fatalf("ipv6: ep=%v err=%v", ep, err)
	}
	for _, bad := range []string{"nohost", ":80", "h:0", "h:abc", "h:70000"} {
		if _, err := ParseEndpoint(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}
