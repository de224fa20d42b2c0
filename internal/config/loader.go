package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, parses and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as-is so validation can flag them.
func expandEnvVars(input string) string {
	return envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

var validAlgorithms = map[string]bool{
	"sliding_window": true,
	"token_bucket":   true,
	"fixed_window":   true,
}

var validLBAlgorithms = map[string]bool{
	"round-robin":            true,
	"random":                 true,
	"least-connections":      true,
	"weighted-response-time": true,
}

// Validate checks the configuration for errors.
func Validate(cfg *Config) error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be >= 0")
	}

	for name, dim := range map[string]DimensionConfig{
		"ip": cfg.RateLimit.IP, "user": cfg.RateLimit.User,
		"api": cfg.RateLimit.API, "tenant": cfg.RateLimit.Tenant,
		"global": cfg.RateLimit.Global,
	} {
		if dim.Enabled != nil && !*dim.Enabled {
			continue
		}
		if dim.Limit < 0 {
			return fmt.Errorf("rate_limit.%s.limit must be >= 0", name)
		}
		if dim.Algorithm != "" && !validAlgorithms[dim.Algorithm] {
			return fmt.Errorf("rate_limit.%s.algorithm: unknown algorithm %q", name, dim.Algorithm)
		}
		if dim.Algorithm != "token_bucket" && dim.WindowSeconds <= 0 {
			return fmt.Errorf("rate_limit.%s.window_seconds must be > 0", name)
		}
	}

	if cfg.Breaker.FailureRateThreshold < 0 || cfg.Breaker.FailureRateThreshold > 1 {
		return fmt.Errorf("breaker.failure_rate_threshold must be in [0, 1]")
	}
	if cfg.Breaker.SlowRateThreshold < 0 || cfg.Breaker.SlowRateThreshold > 1 {
		return fmt.Errorf("breaker.slow_rate_threshold must be in [0, 1]")
	}
	if wt := cfg.Breaker.WindowType; wt != "" && wt != "count" && wt != "time" {
		return fmt.Errorf("breaker.window_type: must be count or time, got %q", wt)
	}
	if cfg.Breaker.HalfOpenPermits < 1 {
		return fmt.Errorf("breaker.half_open_permits must be >= 1")
	}

	if !validLBAlgorithms[cfg.LoadBalancer.Algorithm] {
		return fmt.Errorf("load_balancer.algorithm: unknown algorithm %q", cfg.LoadBalancer.Algorithm)
	}

	if t := cfg.Registry.Type; t != "" && t != "static" && t != "consul" {
		return fmt.Errorf("registry.type: must be static or consul, got %q", t)
	}

	for _, cidr := range cfg.Security.Whitelist.CIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("security.whitelist.cidr: invalid CIDR %q", cidr)
		}
	}
	for _, ip := range cfg.Security.Whitelist.IPs {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("security.whitelist.ip: invalid IP %q", ip)
		}
	}

	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if cfg.Trace.Capacity < 1 {
		return fmt.Errorf("trace.capacity must be >= 1")
	}
	if s := cfg.Trace.Sink; s != "" && s != "log" && s != "file" {
		return fmt.Errorf("trace.sink: must be log or file, got %q", s)
	}
	if cfg.Trace.Sink == "file" && cfg.Trace.SinkPath == "" {
		return fmt.Errorf("trace.sink_path is required for the file sink")
	}

	return nil
}
