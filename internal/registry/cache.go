package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/portcullis-proxy/portcullis/internal/logging"
)

// instanceSet is one atomically published generation of a service's
// instances.
type instanceSet struct {
	instances []*Instance
	fetchedAt time.Time
}

type serviceEntry struct {
	set atomic.Pointer[instanceSet]
}

// Cache sits between the resolver and a Source. Reads are lock-free
// pointer loads; a background loop refreshes tracked services. When the
// source is down the last set keeps serving until it goes stale.
type Cache struct {
	source     Source
	staleAfter time.Duration
	interval   time.Duration

	mu       sync.RWMutex
	services map[string]*serviceEntry

	onUpdate func(service string, instances []*Instance)
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewCache creates a cache over source. staleAfter bounds how long a set
// may be served without a successful refresh.
func NewCache(source Source, staleAfter, watchInterval time.Duration) *Cache {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	if watchInterval <= 0 {
		watchInterval = 10 * time.Second
	}
	return &Cache{
		source:     source,
		staleAfter: staleAfter,
		interval:   watchInterval,
		services:   make(map[string]*serviceEntry),
		done:       make(chan struct{}),
	}
}

// OnUpdate registers a callback invoked after each successful refresh.
// Must be set before Start.
func (c *Cache) OnUpdate(fn func(service string, instances []*Instance)) {
	c.onUpdate = fn
}

// Track registers a service for refreshing and fetches it once.
func (c *Cache) Track(ctx context.Context, service string) error {
	c.mu.Lock()
	if _, ok := c.services[service]; ok {
		c.mu.Unlock()
		return nil
	}
	entry := &serviceEntry{}
	c.services[service] = entry
	c.mu.Unlock()

	return c.refresh(ctx, service, entry)
}

// Instances returns the cached set for service. Sets older than the
// staleness threshold are refused so traffic never lands on long-gone
// instances.
func (c *Cache) Instances(service string) ([]*Instance, error) {
	c.mu.RLock()
	entry, ok := c.services[service]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownService
	}

	set := entry.set.Load()
	if set == nil {
		return nil, ErrUnknownService
	}
	if time.Since(set.fetchedAt) > c.staleAfter {
		return nil, ErrStaleInstances
	}
	return set.instances, nil
}

// Start launches the refresh loop.
func (c *Cache) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop terminates the refresh loop and closes the source.
func (c *Cache) Stop() {
	close(c.done)
	c.wg.Wait()
	c.source.Close()
}

func (c *Cache) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.refreshAll()
		}
	}
}

func (c *Cache) refreshAll() {
	c.mu.RLock()
	names := make([]string, 0, len(c.services))
	entries := make([]*serviceEntry, 0, len(c.services))
	for name, entry := range c.services {
		names = append(names, name)
		entries = append(entries, entry)
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	for i, name := range names {
		if err := c.refresh(ctx, name, entries[i]); err != nil {
			logging.Warn("registry refresh failed, serving last known set",
				zap.String("service", name), zap.Error(err))
		}
	}
}

func (c *Cache) refresh(ctx context.Context, service string, entry *serviceEntry) error {
	instances, err := c.source.Fetch(ctx, service)
	if err != nil {
		return err
	}

	entry.set.Store(&instanceSet{instances: instances, fetchedAt: time.Now()})
	if c.onUpdate != nil {
		c.onUpdate(service, instances)
	}
	return nil
}
