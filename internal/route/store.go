package route

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of the route table. Routes are ordered by
// ascending priority, ties broken lexicographically by id.
type Snapshot struct {
	Routes  []*Route
	Version uint64
	BuiltAt time.Time
	byID    map[string]*Route
}

// Get returns the route with the given id, or nil.
func (s *Snapshot) Get(id string) *Route {
	return s.byID[id]
}

// Store holds the current snapshot. Readers load it atomically and never
// block; writers rebuild and swap under a mutex.
type Store struct {
	mu       sync.Mutex
	current  atomic.Pointer[Snapshot]
	version  uint64
	onChange []func(*Snapshot)
}

// NewStore creates a store with an empty snapshot.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&Snapshot{byID: map[string]*Route{}, BuiltAt: time.Now()})
	return s
}

// Snapshot returns the current route table.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// OnChange registers a callback invoked after each snapshot swap.
func (s *Store) OnChange(fn func(*Snapshot)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Replace swaps the whole route table.
func (s *Store) Replace(defs []Definition) error {
	routes := make([]*Route, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if seen[def.ID] {
			return fmt.Errorf("route: duplicate id %q", def.ID)
		}
		seen[def.ID] = true
		r, err := Compile(def)
		if err != nil {
			return err
		}
		routes = append(routes, r)
	}

	s.mu.Lock()
	s.swap(routes)
	s.mu.Unlock()
	return nil
}

// Put inserts or replaces a single route.
func (s *Store) Put(def Definition) error {
	r, err := Compile(def)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	routes := make([]*Route, 0, len(old.Routes)+1)
	for _, existing := range old.Routes {
		if existing.ID != r.ID {
			routes = append(routes, existing)
		}
	}
	routes = append(routes, r)
	s.swap(routes)
	return nil
}

// Delete removes a route by id. Returns false if it did not exist.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	if old.byID[id] == nil {
		return false
	}
	routes := make([]*Route, 0, len(old.Routes)-1)
	for _, r := range old.Routes {
		if r.ID != id {
			routes = append(routes, r)
		}
	}
	s.swap(routes)
	return true
}

// SetStatus changes a route's status. Returns false if the route is unknown.
func (s *Store) SetStatus(id string, status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	existing := old.byID[id]
	if existing == nil {
		return false
	}

	def := existing.Definition
	def.Status = status
	updated, err := Compile(def)
	if err != nil {
		return false
	}

	routes := make([]*Route, 0, len(old.Routes))
	for _, r := range old.Routes {
		if r.ID == id {
			routes = append(routes, updated)
		} else {
			routes = append(routes, r)
		}
	}
	s.swap(routes)
	return true
}

// swap publishes a new snapshot. Caller must hold s.mu.
func (s *Store) swap(routes []*Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].Priority != routes[j].Priority {
			return routes[i].Priority < routes[j].Priority
		}
		return routes[i].ID < routes[j].ID
	})

	byID := make(map[string]*Route, len(routes))
	for _, r := range routes {
		byID[r.ID] = r
	}

	s.version++
	snap := &Snapshot{
		Routes:  routes,
		Version: s.version,
		BuiltAt: time.Now(),
		byID:    byID,
	}
	s.current.Store(snap)
	for _, fn := range s.onChange {
		fn(snap)
	}
}
