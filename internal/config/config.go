package config

import (
	"time"
)

// Config is the root gateway configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Redis        RedisConfig        `yaml:"redis"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Security     SecurityConfig     `yaml:"security"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	RouteStore   RouteStoreConfig   `yaml:"route_store"`
	Registry     RegistryConfig     `yaml:"registry"`
	HealthCheck  HealthCheckConfig  `yaml:"health_check"`
	Timeouts     TimeoutConfig      `yaml:"timeouts"`
	Retry        RetryConfig        `yaml:"retry"`
	LoadBalancer LoadBalancerConfig `yaml:"load_balancer"`
	Trace        TraceConfig        `yaml:"trace"`
}

// Redacted returns a copy of the configuration with secrets masked,
// safe to include in log output.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Redis.Password != "" {
		cp.Redis.Password = "[redacted]"
	}
	if cp.Security.JWT.Secret != "" {
		cp.Security.JWT.Secret = "[redacted]"
	}
	if cp.Security.JWT.PublicKey != "" {
		cp.Security.JWT.PublicKey = "[redacted]"
	}
	return &cp
}

// ServerConfig configures the ingress and admin listeners.
type ServerConfig struct {
	Listen            string        `yaml:"listen"`
	AdminListen       string        `yaml:"admin_listen"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// RedisConfig configures the shared counter/revocation store.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Timeout  time.Duration `yaml:"timeout"` // per-operation deadline
}

// DimensionConfig configures one rate-limit dimension.
type DimensionConfig struct {
	Enabled       *bool   `yaml:"enabled"`
	Limit         int     `yaml:"limit"`
	WindowSeconds int     `yaml:"window_seconds"`
	Algorithm     string  `yaml:"algorithm"`   // sliding_window | token_bucket | fixed_window
	RefillRate    float64 `yaml:"refill_rate"` // token_bucket only, tokens/sec
}

// RateLimitConfig configures the multi-dimension rate limit engine.
type RateLimitConfig struct {
	IP             DimensionConfig `yaml:"ip"`
	User           DimensionConfig `yaml:"user"`
	API            DimensionConfig `yaml:"api"`
	Tenant         DimensionConfig `yaml:"tenant"`
	Global         DimensionConfig `yaml:"global"`
	WhitelistPaths []string        `yaml:"whitelist_paths"`
	KeyPrefix      string          `yaml:"key_prefix"`
}

// JWTConfig configures the JWT token validator.
type JWTConfig struct {
	Secret     string   `yaml:"secret"`
	PublicKey  string   `yaml:"public_key"`
	Issuer     string   `yaml:"issuer"`
	Audiences  []string `yaml:"audiences"`
	Algorithms []string `yaml:"algorithms"`
	Header     string   `yaml:"header"`
	Prefix     string   `yaml:"prefix"`
}

// WhitelistConfig configures auth bypass and trusted clients.
type WhitelistConfig struct {
	IPs       []string `yaml:"ip"`
	CIDRs     []string `yaml:"cidr"`
	SkipPaths []string `yaml:"skip_paths"`
}

// SecurityConfig groups authentication settings.
type SecurityConfig struct {
	JWT             JWTConfig       `yaml:"jwt"`
	Whitelist       WhitelistConfig `yaml:"whitelist"`
	AdminPathPrefix string          `yaml:"admin_path_prefix"`
	RevocationKey   string          `yaml:"revocation_key"` // redis set holding revoked token ids
}

// BreakerConfig holds default circuit breaker settings; routes may override.
type BreakerConfig struct {
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"` // 0..1
	SlowRateThreshold    float64       `yaml:"slow_rate_threshold"`    // 0..1
	SlowCallDuration     time.Duration `yaml:"slow_call_duration"`
	WindowSize           int           `yaml:"window_size"` // calls (count window) or seconds (time window)
	WindowType           string        `yaml:"window_type"` // "count" or "time"
	MinCalls             int           `yaml:"min_calls"`
	HalfOpenPermits      int           `yaml:"half_open_permits"`
	WaitInOpen           time.Duration `yaml:"wait_in_open"`
}

// RouteStoreConfig configures the route snapshot source.
type RouteStoreConfig struct {
	Path            string        `yaml:"path"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// ConsulConfig configures the Consul registry client.
type ConsulConfig struct {
	Address    string `yaml:"address"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token"`
}

// StaticInstanceConfig declares one instance of a static service.
type StaticInstanceConfig struct {
	ID     string `yaml:"id"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Scheme string `yaml:"scheme"`
	Weight int    `yaml:"weight"`
}

// RegistryConfig selects the service registry backend.
type RegistryConfig struct {
	Type          string                            `yaml:"type"` // "static" or "consul"
	Consul        ConsulConfig                      `yaml:"consul"`
	Static        map[string][]StaticInstanceConfig `yaml:"static"`      // service name -> instances
	StaleAfter    time.Duration                     `yaml:"stale_after"` // instance set older than this is unusable
	WatchInterval time.Duration                     `yaml:"watch_interval"`
}

// HealthCheckConfig configures the instance health loop.
type HealthCheckConfig struct {
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	HealthyThreshold   int           `yaml:"healthy_threshold"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	Path               string        `yaml:"path"`
	ExpectedStatus     int           `yaml:"expected_status"`
}

// TimeoutConfig holds default upstream timeouts; routes may override.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
	Write   time.Duration `yaml:"write"`
	Request time.Duration `yaml:"request"` // whole-request deadline
}

// RetryConfig holds default retry policy; routes may override.
type RetryConfig struct {
	MaxAttempts          int           `yaml:"max_attempts"`
	BackoffInitial       time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier    float64       `yaml:"backoff_multiplier"`
	BackoffMax           time.Duration `yaml:"backoff_max"`
	RetryableStatusCodes []int         `yaml:"retryable_status_codes"`
}

// LoadBalancerConfig selects the default instance selection policy.
type LoadBalancerConfig struct {
	Algorithm  string `yaml:"algorithm"` // round-robin | random | least-connections | weighted-response-time
	Sticky     bool   `yaml:"sticky"`
	CookieName string `yaml:"cookie_name"`
}

// TraceConfig configures the trace recorder.
type TraceConfig struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
	Sink     string        `yaml:"sink"`      // "log" or "file"
	SinkPath string        `yaml:"sink_path"` // file sink only
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	enabled := true
	return &Config{
		Server: ServerConfig{
			Listen:            ":8080",
			AdminListen:       ":9090",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       90 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			MaxBodyBytes:      10 << 20,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Redis: RedisConfig{
			Addr:    "127.0.0.1:6379",
			Timeout: 100 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			IP:        DimensionConfig{Enabled: &enabled, Limit: 100, WindowSeconds: 60, Algorithm: "sliding_window"},
			User:      DimensionConfig{Enabled: &enabled, Limit: 200, WindowSeconds: 60, Algorithm: "sliding_window"},
			API:       DimensionConfig{Enabled: &enabled, Limit: 1000, WindowSeconds: 60, Algorithm: "sliding_window"},
			Tenant:    DimensionConfig{Enabled: &enabled, Limit: 2000, WindowSeconds: 60, Algorithm: "sliding_window"},
			Global:    DimensionConfig{Enabled: &enabled, Limit: 10000, WindowSeconds: 60, Algorithm: "fixed_window"},
			KeyPrefix: "gw:rl:",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Algorithms: []string{"HS256"},
				Header:     "Authorization",
				Prefix:     "Bearer",
			},
			Whitelist: WhitelistConfig{
				SkipPaths: []string{
					"/api/auth/login", "/api/auth/register", "/api/auth/refresh",
					"/api/public/", "/api/health", "/actuator/health",
					"/swagger-ui/", "/v3/api-docs/",
				},
			},
			AdminPathPrefix: "/api/admin/",
			RevocationKey:   "gw:revoked",
		},
		Breaker: BreakerConfig{
			FailureRateThreshold: 0.5,
			SlowRateThreshold:    1.0,
			SlowCallDuration:     2 * time.Second,
			WindowSize:           100,
			WindowType:           "count",
			MinCalls:             10,
			HalfOpenPermits:      3,
			WaitInOpen:           30 * time.Second,
		},
		RouteStore: RouteStoreConfig{
			Path:            "routes.yaml",
			RefreshInterval: 30 * time.Second,
		},
		Registry: RegistryConfig{
			Type:          "static",
			StaleAfter:    5 * time.Minute,
			WatchInterval: 10 * time.Second,
		},
		HealthCheck: HealthCheckConfig{
			Interval:           10 * time.Second,
			Timeout:            2 * time.Second,
			HealthyThreshold:   2,
			UnhealthyThreshold: 3,
			Path:               "/health",
			ExpectedStatus:     200,
		},
		Timeouts: TimeoutConfig{
			Connect: 5 * time.Second,
			Read:    30 * time.Second,
			Write:   30 * time.Second,
			Request: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:          3,
			BackoffInitial:       100 * time.Millisecond,
			BackoffMultiplier:    2.0,
			BackoffMax:           10 * time.Second,
			RetryableStatusCodes: []int{502, 503, 504},
		},
		LoadBalancer: LoadBalancerConfig{
			Algorithm:  "round-robin",
			CookieName: "JSESSIONID",
		},
		Trace: TraceConfig{
			Capacity: 10000,
			TTL:      5 * time.Minute,
			Sink:     "log",
		},
	}
}
