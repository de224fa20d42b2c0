package loadbalancer

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/portcullis-proxy/portcullis/internal/config"
	"github.com/portcullis-proxy/portcullis/internal/registry"
)

func instances(n int) []*registry.Instance {
	out := make([]*registry.Instance, n)
	for i := range out {
		out[i] = &registry.Instance{
			Service: "svc",
			Host:    "10.0.0." + string(rune('1'+i)),
			Port:    8080,
			Weight:  1,
		}
	}
	return out
}

func TestRoundRobinCycles(t *testing.T) {
	rr := NewRoundRobin()
	rr.UpdateInstances(instances(3))

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		be := rr.Pick(nil)
		if be == nil {
			t.Fatal("nil backend")
		}
		seen[be.Instance.Addr()]++
	}
	for addr, count := range seen {
		if count != 3 {
			t.Errorf("%s picked %d times, want 3", addr, count)
		}
	}
}

func TestPickSkipsUnhealthy(t *testing.T) {
	rr := NewRoundRobin()
	insts := instances(3)
	rr.UpdateInstances(insts)
	rr.MarkUnhealthy(insts[0].Addr())

	if rr.HealthyCount() != 2 {
		t.Fatalf("healthy = %d", rr.HealthyCount())
	}
	for i := 0; i < 10; i++ {
		if be := rr.Pick(nil); be.Instance.Addr() == insts[0].Addr() {
			t.Fatal("picked unhealthy backend")
		}
	}

	rr.MarkHealthy(insts[0].Addr())
	if rr.HealthyCount() != 3 {
		t.Errorf("healthy after recovery = %d", rr.HealthyCount())
	}
}

func TestPickReturnsNilWhenAllDown(t *testing.T) {
	rr := NewRoundRobin()
	insts := instances(2)
	rr.UpdateInstances(insts)
	rr.MarkUnhealthy(insts[0].Addr())
	rr.MarkUnhealthy(insts[1].Addr())

	if be := rr.Pick(nil); be != nil {
		t.Errorf("picked %v from an empty healthy set", be.Instance)
	}
}

func TestUpdateInstancesPreservesState(t *testing.T) {
	rr := NewRoundRobin()
	insts := instances(2)
	rr.UpdateInstances(insts)
	rr.MarkUnhealthy(insts[1].Addr())

	first := rr.Pick(nil)
	first.IncrActive()

	// Same instances plus one new; health and counters must survive
	rr.UpdateInstances(append(instances(2), &registry.Instance{
		Service: "svc", Host: "10.0.0.9", Port: 8080, Weight: 1,
	}))

	if rr.HealthyCount() != 2 {
		t.Errorf("healthy = %d, want 2 (one carried unhealthy)", rr.HealthyCount())
	}
	for _, be := range rr.Backends() {
		if be.Instance.Addr() == first.Instance.Addr() && be.Active() != 1 {
			t.Errorf("active count lost on update: %d", be.Active())
		}
	}
}

func TestLeastConnectionsPrefersIdle(t *testing.T) {
	lc := NewLeastConnections()
	lc.UpdateInstances(instances(3))

	backends := lc.Backends()
	backends[0].IncrActive()
	backends[0].IncrActive()
	backends[1].IncrActive()

	be := lc.Pick(nil)
	if be.Instance.Addr() != backends[2].Instance.Addr() {
		t.Errorf("picked %s, want idle %s", be.Instance.Addr(), backends[2].Instance.Addr())
	}
}

func TestLeastConnectionsRotatesTies(t *testing.T) {
	lc := NewLeastConnections()
	lc.UpdateInstances(instances(2))

	seen := make(map[string]int)
	for i := 0; i < 10; i++ {
		seen[lc.Pick(nil).Instance.Addr()]++
	}
	if len(seen) != 2 {
		t.Errorf("ties not rotated: %v", seen)
	}
}

func TestWeightedResponseTimeFavorsFast(t *testing.T) {
	wrt := NewWeightedResponseTime()
	wrt.UpdateInstances(instances(2))

	backends := wrt.Backends()
	for i := 0; i < 10; i++ {
		backends[0].RecordResponse(10 * time.Millisecond)
		backends[1].RecordResponse(200 * time.Millisecond)
	}

	fast, slow := 0, 0
	for i := 0; i < 2000; i++ {
		switch wrt.Pick(nil).Instance.Addr() {
		case backends[0].Instance.Addr():
			fast++
		default:
			slow++
		}
	}
	if fast <= slow*2 {
		t.Errorf("fast backend picked %d vs slow %d, expected strong skew", fast, slow)
	}
}

func TestStickySessionsPinAndReshard(t *testing.T) {
	sticky := NewSticky(NewRoundRobin(), "JSESSIONID")
	insts := instances(3)
	sticky.UpdateInstances(insts)

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Cookie", "JSESSIONID=abc123")

	first := sticky.Pick(r)
	for i := 0; i < 10; i++ {
		if got := sticky.Pick(r); got != first {
			t.Fatal("sticky session moved between picks")
		}
	}

	// Requests without the cookie spread across backends
	bare := httptest.NewRequest("GET", "/", nil)
	seen := make(map[*Backend]bool)
	for i := 0; i < 12; i++ {
		seen[sticky.Pick(bare)] = true
	}
	if len(seen) < 2 {
		t.Error("cookieless requests did not spread")
	}

	// Shrinking the set reshards rather than failing
	sticky.UpdateInstances(insts[:1])
	if got := sticky.Pick(r); got == nil {
		t.Error("no backend after reshard")
	}
}

func TestEWMAConverges(t *testing.T) {
	be := &Backend{}
	for i := 0; i < 50; i++ {
		be.RecordResponse(100 * time.Millisecond)
	}
	ewma := be.ResponseEWMA()
	if ewma < 90_000 || ewma > 110_000 {
		t.Errorf("ewma = %dus, want ~100000us", ewma)
	}
}

func TestManagerAlgorithmsAndHealth(t *testing.T) {
	m := NewManager(config.LoadBalancerConfig{Algorithm: "round-robin"})

	b1 := m.Get("orders")
	if b1 != m.Get("orders") {
		t.Error("manager created two balancers for one service")
	}

	m.UpdateInstances("orders", instances(2))
	if b1.HealthyCount() != 2 {
		t.Fatalf("healthy = %d", b1.HealthyCount())
	}

	m.SetHealth("orders", instances(2)[0].Addr(), false)
	if b1.HealthyCount() != 1 {
		t.Errorf("healthy after mark = %d", b1.HealthyCount())
	}

	sticky := m.GetWith("carts", config.LoadBalancerConfig{Algorithm: "random", Sticky: true})
	if _, ok := sticky.(*Sticky); !ok {
		t.Errorf("expected sticky wrapper, got %T", sticky)
	}
}
