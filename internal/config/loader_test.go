package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.Listen != ":8080" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.RateLimit.IP.Limit != 100 {
		t.Errorf("ip limit = %d", cfg.RateLimit.IP.Limit)
	}
	if cfg.Breaker.WaitInOpen != 30*time.Second {
		t.Errorf("wait_in_open = %v", cfg.Breaker.WaitInOpen)
	}
	if cfg.Server.MaxBodyBytes != 10<<20 {
		t.Errorf("max_body_bytes = %d", cfg.Server.MaxBodyBytes)
	}
}

func TestParseOverrides(t *testing.T) {
	yaml := `
server:
  listen: ":9999"
rate_limit:
  ip:
    limit: 5
    window_seconds: 10
    algorithm: token_bucket
    refill_rate: 0.5
breaker:
  failure_rate_threshold: 0.25
  window_type: time
  window_size: 60
load_balancer:
  algorithm: least-connections
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.Listen != ":9999" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.RateLimit.IP.Limit != 5 || cfg.RateLimit.IP.Algorithm != "token_bucket" {
		t.Errorf("ip dim = %+v", cfg.RateLimit.IP)
	}
	if cfg.Breaker.FailureRateThreshold != 0.25 {
		t.Errorf("failure threshold = %v", cfg.Breaker.FailureRateThreshold)
	}
	if cfg.LoadBalancer.Algorithm != "least-connections" {
		t.Errorf("lb algorithm = %q", cfg.LoadBalancer.Algorithm)
	}
	// Untouched defaults survive
	if cfg.RateLimit.User.Limit != 200 {
		t.Errorf("user limit = %d", cfg.RateLimit.User.Limit)
	}
}

func TestParseEnvExpansion(t *testing.T) {
	os.Setenv("GW_TEST_ADDR", ":7777")
	defer os.Unsetenv("GW_TEST_ADDR")

	cfg, err := Parse([]byte("server:\n  listen: \"${GW_TEST_ADDR}\"\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Listen != ":7777" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
}

func TestRedactedMasksSecrets(t *testing.T) {
	yaml := `
redis:
  password: hunter2
security:
  jwt:
    secret: supersecret
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	red := cfg.Redacted()
	if red.Redis.Password != "[redacted]" || red.Security.JWT.Secret != "[redacted]" {
		t.Errorf("redacted = %q / %q", red.Redis.Password, red.Security.JWT.Secret)
	}
	// The original is untouched.
	if cfg.Redis.Password != "hunter2" || cfg.Security.JWT.Secret != "supersecret" {
		t.Errorf("original mutated: %q / %q", cfg.Redis.Password, cfg.Security.JWT.Secret)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad algorithm", "rate_limit:\n  ip:\n    algorithm: leaky_bucket\n    limit: 1\n    window_seconds: 1\n", "unknown algorithm"},
		{"bad threshold", "breaker:\n  failure_rate_threshold: 1.5\n", "failure_rate_threshold"},
		{"bad lb", "load_balancer:\n  algorithm: fastest\n", "load_balancer.algorithm"},
		{"bad cidr", "security:\n  whitelist:\n    cidr: [\"300.0.0.0/8\"]\n", "invalid CIDR"},
		{"bad registry", "registry:\n  type: zookeeper\n", "registry.type"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Errorf("error %q does not mention %q", err, c.want)
			}
		})
	}
}
