package router

import (
	"bytes"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DefaultService is the service used when neither the port table nor an HTTP
// rule names one.
const DefaultService = "frontend"

var httpMarker = []byte("HTTP/")

// Endpoint identifies a dialable backend.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string { return e.Addr() }

// ParseEndpoint parses "host:port".
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Endpoint{}, fmt.Errorf("router: endpoint %q: %w", s, err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("router: endpoint %q: empty host", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("router: endpoint %q: invalid port", s)
	}
	return Endpoint{Host: host, Port: port}, nil
}

type Reason string

const (
	ReasonContent Reason = "content"
	ReasonPort    Reason = "port"
)

// Route is the outcome of classifying one connection.
type Route struct {
	Service  string
	Endpoint Endpoint
	Reason   Reason
}

// Resolver decides where a connection goes from its first bytes and the port
// it arrived on.
type Resolver interface {
	Classify(initial []byte, port int) Route
}

// RuleSpec is the uncompiled form of a content rule.
type RuleSpec struct {
	Pattern string
	Service string
}

type rule struct {
	re      *regexp.Regexp
	service string
}

// Spec describes a routing table before validation.
type Spec struct {
	Services       map[string]Endpoint
	Ports          map[int]string
	Rules          []RuleSpec
	DefaultService string
}

// Table maps listening ports and HTTP request lines to backend endpoints.
// It is immutable after NewTable and safe for concurrent use without locking.
type Table struct {
	services   map[string]Endpoint
	ports      map[int]string
	rules      []rule
	defaultSvc string
}

// NewTable validates spec and compiles its rules. Every service referenced by
// a port, a rule or the default must exist in spec.Services.
func NewTable(spec Spec) (*Table, error) {
	t := &Table{
		services:   make(map[string]Endpoint, len(spec.Services)),
		ports:      make(map[int]string, len(spec.Ports)),
		defaultSvc: strings.TrimSpace(spec.DefaultService),
	}
	if t.defaultSvc == "" {
		t.defaultSvc = DefaultService
	}
	for name, ep := range spec.Services {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("router: empty service name")
		}
		if ep.Host == "" || ep.Port <= 0 || ep.Port > 65535 {
			return nil, fmt.Errorf("router: service %q: invalid endpoint %q", name, ep.Addr())
		}
		t.services[name] = ep
	}
	if _, ok := t.services[t.defaultSvc]; !ok {
		return nil, fmt.Errorf("router: default service %q is not defined", t.defaultSvc)
	}
	for port, svc := range spec.Ports {
		if port <= 0 || port > 65535 {
			return nil, fmt.Errorf("router: invalid port %d", port)
		}
		svc = strings.TrimSpace(svc)
		if _, ok := t.services[svc]; !ok {
			return nil, fmt.Errorf("router: port %d references unknown service %q", port, svc)
		}
		t.ports[port] = svc
	}
	for i, rs := range spec.Rules {
		svc := strings.TrimSpace(rs.Service)
		if _, ok := t.services[svc]; !ok {
			return nil, fmt.Errorf("router: rule %d references unknown service %q", i, rs.Service)
		}
		re, err := regexp.Compile(rs.Pattern)
		if err != nil {
			return nil, fmt.Errorf("router: rule %d: %w", i, err)
		}
		t.rules = append(t.rules, rule{re: re, service: svc})
	}
	return t, nil
}

// ResolveByPort returns the endpoint mapped to port, or the default endpoint.
func (t *Table) ResolveByPort(port int) Endpoint {
	return t.endpoint(t.serviceForPort(port))
}

// ResolveByContent applies the HTTP rules to the first line of initial.
// ok is false when initial does not look like HTTP.
func (t *Table) ResolveByContent(initial []byte) (Endpoint, bool) {
	svc, ok := t.serviceForContent(initial)
	if !ok {
		return Endpoint{}, false
	}
	return t.endpoint(svc), true
}

// Classify prefers the content rules for HTTP traffic and falls back to the
// port table for everything else.
func (t *Table) Classify(initial []byte, port int) Route {
	if svc, ok := t.serviceForContent(initial); ok {
		return Route{Service: svc, Endpoint: t.endpoint(svc), Reason: ReasonContent}
	}
	svc := t.serviceForPort(port)
	return Route{Service: svc, Endpoint: t.endpoint(svc), Reason: ReasonPort}
}

func (t *Table) serviceForPort(port int) string {
	if svc, ok := t.ports[port]; ok {
		return svc
	}
	return t.defaultSvc
}

func (t *Table) serviceForContent(initial []byte) (string, bool) {
	if !bytes.Contains(initial, httpMarker) {
		return "", false
	}
	line := firstLine(initial)
	for _, r := range t.rules {
		if r.re.Match(line) {
			return r.service, true
		}
	}
	return t.defaultSvc, true
}

func (t *Table) endpoint(svc string) Endpoint {
	if ep, ok := t.services[svc]; ok {
		return ep
	}
	return t.services[t.defaultSvc]
}

// Services returns the service names in sorted order.
func (t *Table) Services() []string {
	out := make([]string, 0, len(t.services))
	for name := range t.services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Endpoint returns the endpoint registered for a service.
func (t *Table) Endpoint(service string) (Endpoint, bool) {
	ep, ok := t.services[service]
	return ep, ok
}

// Ports returns a copy of the port table.
func (t *Table) Ports() map[int]string {
	out := make(map[int]string, len(t.ports))
	for k, v := range t.ports {
		out[k] = v
	}
	return out
}

func (t *Table) DefaultService() string { return t.defaultSvc }

func (t *Table) RuleCount() int { return len(t.rules) }

func firstLine(b []byte) []byte {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return bytes.TrimSuffix(b, []byte("\r"))
}

var _ Resolver = (*Table)(nil)
