// Package health actively probes upstream instances and reports status
// transitions so the balancers stop routing to failing backends.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/portcullis-proxy/portcullis/internal/config"
	"github.com/portcullis-proxy/portcullis/internal/logging"
	"github.com/portcullis-proxy/portcullis/internal/registry"
)

// Status is an instance's probe-derived health state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult is one instance's latest probe outcome, exposed to the
// admin plane.
type CheckResult struct {
	Service   string        `json:"service"`
	Addr      string        `json:"addr"`
	Status    Status        `json:"status"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

type target struct {
	service  string
	instance *registry.Instance

	status    Status
	pass      int
	fail      int
	latency   time.Duration
	lastErr   error
	lastCheck time.Time
}

// Checker runs the probe loop. Instances enter and leave the probe set
// via SetInstances, which is shaped to hang off the registry cache's
// update callback. Status changes fire the onChange callback; new
// instances start as unknown and are treated as healthy until proven
// otherwise.
type Checker struct {
	cfg      config.HealthCheckConfig
	client   *http.Client
	onChange func(service, addr string, healthy bool)

	mu      sync.RWMutex
	targets map[string]*target

	done chan struct{}
	wg   sync.WaitGroup
}

// NewChecker creates a checker from config. onChange may be nil.
func NewChecker(cfg config.HealthCheckConfig, onChange func(service, addr string, healthy bool)) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.HealthyThreshold <= 0 {
		cfg.HealthyThreshold = 2
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.Path == "" {
		cfg.Path = "/health"
	}

	return &Checker{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		onChange: onChange,
		targets:  make(map[string]*target),
		done:     make(chan struct{}),
	}
}

func targetKey(service, addr string) string { return service + "/" + addr }

// SetInstances replaces the probe set for one service. Instances no
// longer present are dropped; surviving instances keep their counters.
func (c *Checker) SetInstances(service string, instances []*registry.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keep := make(map[string]bool, len(instances))
	for _, inst := range instances {
		key := targetKey(service, inst.Addr())
		keep[key] = true
		if _, ok := c.targets[key]; !ok {
			c.targets[key] = &target{
				service:  service,
				instance: inst,
				status:   StatusUnknown,
			}
		}
	}
	for key, t := range c.targets {
		if t.service == service && !keep[key] {
			delete(c.targets, key)
		}
	}
}

// Start launches the probe loop.
func (c *Checker) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop terminates the probe loop and waits for in-flight probes.
func (c *Checker) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Checker) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.sweep()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep probes every tracked instance concurrently and waits for the
// round to finish before returning.
func (c *Checker) sweep() {
	c.mu.RLock()
	keys := make([]string, 0, len(c.targets))
	for key := range c.targets {
		keys = append(keys, key)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			c.probe(key)
		}(key)
	}
	wg.Wait()
}

func (c *Checker) probe(key string) {
	c.mu.RLock()
	t, ok := c.targets[key]
	c.mu.RUnlock()
	if !ok {
		return
	}

	url := t.instance.URL() + c.cfg.Path
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.record(key, false, time.Since(start), err)
		return
	}

	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		c.record(key, false, latency, err)
		return
	}
	defer resp.Body.Close()

	healthy := c.statusOK(resp.StatusCode)
	var probeErr error
	if !healthy {
		probeErr = fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	c.record(key, healthy, latency, probeErr)
}

func (c *Checker) statusOK(code int) bool {
	if c.cfg.ExpectedStatus > 0 {
		return code == c.cfg.ExpectedStatus
	}
	return code >= 200 && code < 400
}

// record applies the consecutive-threshold logic and fires onChange on
// transitions. Unknown counts as healthy for routing, so only the
// unhealthy transition and the recovery are reported.
func (c *Checker) record(key string, healthy bool, latency time.Duration, err error) {
	c.mu.Lock()
	t, ok := c.targets[key]
	if !ok {
		c.mu.Unlock()
		return
	}

	t.lastCheck = time.Now()
	t.lastErr = err
	t.latency = latency

	old := t.status
	if healthy {
		t.fail = 0
		t.pass++
		if t.pass >= c.cfg.HealthyThreshold {
			t.status = StatusHealthy
		}
	} else {
		t.pass = 0
		t.fail++
		if t.fail >= c.cfg.UnhealthyThreshold {
			t.status = StatusUnhealthy
		}
	}
	service, addr, status := t.service, t.instance.Addr(), t.status
	c.mu.Unlock()

	if old == status {
		return
	}
	switch status {
	case StatusUnhealthy:
		logging.Warn("instance marked unhealthy",
			zap.String("service", service),
			zap.String("instance", addr),
			zap.Error(err))
	case StatusHealthy:
		if old == StatusUnhealthy {
			logging.Info("instance recovered",
				zap.String("service", service),
				zap.String("instance", addr))
		}
	}
	if c.onChange != nil {
		c.onChange(service, addr, status != StatusUnhealthy)
	}
}

// Snapshot returns the latest probe outcome for every tracked instance.
func (c *Checker) Snapshot() []CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]CheckResult, 0, len(c.targets))
	for _, t := range c.targets {
		res := CheckResult{
			Service:   t.service,
			Addr:      t.instance.Addr(),
			Status:    t.status,
			Latency:   t.latency,
			Timestamp: t.lastCheck,
		}
		if t.lastErr != nil {
			res.Error = t.lastErr.Error()
		}
		out = append(out, res)
	}
	return out
}

// IsHealthy reports whether an instance is currently routable. Unknown
// instances are routable until the unhealthy threshold trips.
func (c *Checker) IsHealthy(service, addr string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.targets[targetKey(service, addr)]; ok {
		return t.status != StatusUnhealthy
	}
	return false
}
