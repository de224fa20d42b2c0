// Package route holds the route table: the route model, an atomically
// swapped snapshot store, and a YAML file source with hot reload.
package route

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/portcullis-proxy/portcullis/internal/config"
)

// Status gates whether a route participates in matching.
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusDisabled    Status = "disabled"
	StatusMaintenance Status = "maintenance"
)

// Definition is the wire/config form of a route.
type Definition struct {
	ID      string   `yaml:"id" json:"id"`
	Path    string   `yaml:"path" json:"path"`
	Methods []string `yaml:"methods,omitempty" json:"methods,omitempty"`
	// Headers maps header names to required values; values may use * globs.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Target is a literal upstream URL; Service is a logical registry name.
	// Exactly one must be set.
	Target  string `yaml:"target,omitempty" json:"target,omitempty"`
	Service string `yaml:"service,omitempty" json:"service,omitempty"`

	StripPrefix   int               `yaml:"strip_prefix,omitempty" json:"strip_prefix,omitempty"`
	AddHeaders    map[string]string `yaml:"add_headers,omitempty" json:"add_headers,omitempty"`
	RemoveHeaders []string          `yaml:"remove_headers,omitempty" json:"remove_headers,omitempty"`
	PreserveHost  bool              `yaml:"preserve_host,omitempty" json:"preserve_host,omitempty"`

	Priority    int    `yaml:"priority" json:"priority"`
	Status      Status `yaml:"status,omitempty" json:"status,omitempty"`
	FallbackURI string `yaml:"fallback_uri,omitempty" json:"fallback_uri,omitempty"`

	// Per-route policy overrides; zero values fall back to gateway defaults.
	Timeouts     *config.TimeoutConfig      `yaml:"timeouts,omitempty" json:"timeouts,omitempty"`
	Retry        *config.RetryConfig        `yaml:"retry,omitempty" json:"retry,omitempty"`
	Breaker      *config.BreakerConfig      `yaml:"breaker,omitempty" json:"breaker,omitempty"`
	LoadBalancer *config.LoadBalancerConfig `yaml:"load_balancer,omitempty" json:"load_balancer,omitempty"`
}

// Route is a compiled, immutable route. Fields are read-only after Compile.
type Route struct {
	Definition

	// literalPrefix is the pattern text before the first glob metacharacter,
	// used to reject non-matching paths without running the glob.
	literalPrefix string
	headerNames   []string
	headerGlobs   []bool
	headerValues  []string
}

// Compile validates a definition and prepares its matchers.
func Compile(def Definition) (*Route, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("route: id is required")
	}
	if def.Path == "" {
		return nil, fmt.Errorf("route %s: path is required", def.ID)
	}
	if !doublestar.ValidatePattern(def.Path) {
		return nil, fmt.Errorf("route %s: invalid path pattern %q", def.ID, def.Path)
	}
	if (def.Target == "") == (def.Service == "") {
		return nil, fmt.Errorf("route %s: exactly one of target or service must be set", def.ID)
	}
	if def.Status == "" {
		def.Status = StatusActive
	}
	switch def.Status {
	case StatusActive, StatusInactive, StatusDisabled, StatusMaintenance:
	default:
		return nil, fmt.Errorf("route %s: unknown status %q", def.ID, def.Status)
	}
	for i, m := range def.Methods {
		def.Methods[i] = strings.ToUpper(m)
	}
	if def.FallbackURI != "" && !strings.HasPrefix(def.FallbackURI, "/") {
		u, err := url.Parse(def.FallbackURI)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("route %s: fallback_uri must be an absolute URL or begin with /", def.ID)
		}
	}

	r := &Route{
		Definition:    def,
		literalPrefix: literalPrefix(def.Path),
	}
	for name, value := range def.Headers {
		r.headerNames = append(r.headerNames, http.CanonicalHeaderKey(name))
		r.headerValues = append(r.headerValues, value)
		r.headerGlobs = append(r.headerGlobs, strings.ContainsAny(value, "*?["))
		if r.headerGlobs[len(r.headerGlobs)-1] && !doublestar.ValidatePattern(value) {
			return nil, fmt.Errorf("route %s: invalid header pattern %q", def.ID, value)
		}
	}
	return r, nil
}

// Matches reports whether the request satisfies every predicate.
func (r *Route) Matches(method, path string, header http.Header) bool {
	if !strings.HasPrefix(path, r.literalPrefix) {
		return false
	}
	if len(r.Methods) > 0 && !containsString(r.Methods, method) {
		return false
	}
	if ok, _ := doublestar.Match(r.Path, path); !ok {
		return false
	}
	for i, name := range r.headerNames {
		got := header.Get(name)
		if r.headerGlobs[i] {
			if ok, _ := doublestar.Match(r.headerValues[i], got); !ok {
				return false
			}
		} else if got != r.headerValues[i] {
			return false
		}
	}
	return true
}

// RewritePath applies strip-prefix to the request path.
func (r *Route) RewritePath(path string) string {
	if r.StripPrefix <= 0 {
		return path
	}
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if r.StripPrefix >= len(segments) {
		return "/"
	}
	return "/" + strings.Join(segments[r.StripPrefix:], "/")
}

// literalPrefix returns the pattern text before the first metacharacter.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?[{"); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
