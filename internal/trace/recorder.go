// Package trace records per-request traces: active requests are held in
// a live table, completed ones in a bounded TTL cache, and every
// completed trace is emitted to a sink.
package trace

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/portcullis-proxy/portcullis/internal/config"
	"github.com/portcullis-proxy/portcullis/internal/reqctx"
)

// Event is a timestamped annotation on a trace.
type Event struct {
	At     time.Time `json:"at"`
	Name   string    `json:"name"`
	Detail string    `json:"detail,omitempty"`
}

// Record is the retained form of one request trace.
type Record struct {
	TraceID    string    `json:"traceId"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	ClientIP   string    `json:"clientIp,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	TenantID   string    `json:"tenantId,omitempty"`
	RouteID    string    `json:"routeId,omitempty"`
	Upstream   string    `json:"upstream,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`

	Outcome      string        `json:"outcome"`
	StatusCode   int           `json:"statusCode,omitempty"`
	Duration     time.Duration `json:"duration"`
	UpstreamTime time.Duration `json:"upstreamTime,omitempty"`

	RateDimension string  `json:"rateDimension,omitempty"`
	BreakerState  string  `json:"breakerState,omitempty"`
	Events        []Event `json:"events,omitempty"`
}

// Stats aggregates completed traces since the recorder started.
type Stats struct {
	Total       int64            `json:"total"`
	Active      int              `json:"active"`
	ByOutcome   map[string]int64 `json:"byOutcome"`
	ByStatus    map[string]int64 `json:"byStatusClass"`
	AvgDuration time.Duration    `json:"avgDuration"`
}

// Sink receives every completed trace.
type Sink interface {
	Emit(*Record)
}

// Recorder tracks request traces. Completed traces age out of the cache
// by TTL or capacity; aggregate counters never reset.
type Recorder struct {
	sink Sink

	mu     sync.RWMutex
	active map[string]*Record

	completed *expirable.LRU[string, *Record]

	statsMu       sync.Mutex
	total         int64
	totalDuration time.Duration
	byOutcome     map[string]int64
	byStatus      map[string]int64
}

// NewRecorder creates a recorder with the configured retention. sink may
// be nil.
func NewRecorder(cfg config.TraceConfig, sink Sink) *Recorder {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 10000
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Recorder{
		sink:      sink,
		active:    make(map[string]*Record),
		completed: expirable.NewLRU[string, *Record](capacity, nil, ttl),
		byOutcome: make(map[string]int64),
		byStatus:  make(map[string]int64),
	}
}

// Begin registers rc as an in-flight trace.
func (rec *Recorder) Begin(rc *reqctx.Context) {
	r := &Record{
		TraceID:    rc.TraceID,
		Method:     rc.Method,
		Path:       rc.Path,
		ReceivedAt: rc.ReceivedAt,
		Outcome:    reqctx.OutcomeInFlight.String(),
	}
	rec.mu.Lock()
	rec.active[rc.TraceID] = r
	rec.mu.Unlock()
}

// Annotate appends an event to an in-flight trace. Unknown trace ids are
// ignored; the request may already have completed.
func (rec *Recorder) Annotate(traceID, name, detail string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if r, ok := rec.active[traceID]; ok {
		r.Events = append(r.Events, Event{At: time.Now(), Name: name, Detail: detail})
	}
}

// Complete finalizes the trace from the request context, moves it to the
// completed cache, and emits it to the sink.
func (rec *Recorder) Complete(rc *reqctx.Context) {
	rec.mu.Lock()
	r, ok := rec.active[rc.TraceID]
	if !ok {
		rec.mu.Unlock()
		return
	}
	// Finalize under the lock: Get and Active copy records while holding it.
	r.Outcome = rc.Outcome.String()
	r.StatusCode = rc.StatusCode
	r.Duration = rc.Duration
	r.UpstreamTime = rc.UpstreamTime
	r.RouteID = rc.RouteID
	r.Upstream = rc.UpstreamAddr
	if rc.Client != nil {
		r.ClientIP = rc.Client.IP
	}
	if rc.Identity != nil {
		r.UserID = rc.Identity.UserID
		r.TenantID = rc.Identity.TenantID
	}
	if rc.RateDecision != nil && !rc.RateDecision.Allowed {
		r.RateDimension = rc.RateDecision.Dimension
	}
	if rc.BreakerDecision != nil {
		r.BreakerState = rc.BreakerDecision.State
	}
	delete(rec.active, rc.TraceID)
	rec.mu.Unlock()

	rec.completed.Add(r.TraceID, r)
	rec.recordStats(r)
	if rec.sink != nil {
		rec.sink.Emit(r)
	}
}

func (rec *Recorder) recordStats(r *Record) {
	rec.statsMu.Lock()
	defer rec.statsMu.Unlock()
	rec.total++
	rec.totalDuration += r.Duration
	rec.byOutcome[r.Outcome]++
	rec.byStatus[statusClass(r.StatusCode)]++
}

// Get looks up a trace by id, checking in-flight traces first. In-flight
// records are returned as copies; completed records are immutable.
func (rec *Recorder) Get(traceID string) (*Record, bool) {
	rec.mu.RLock()
	if r, ok := rec.active[traceID]; ok {
		cp := *r
		rec.mu.RUnlock()
		return &cp, true
	}
	rec.mu.RUnlock()
	return rec.completed.Get(traceID)
}

// Active returns copies of all in-flight traces.
func (rec *Recorder) Active() []*Record {
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	out := make([]*Record, 0, len(rec.active))
	for _, r := range rec.active {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// Stats returns aggregate counters over completed traces.
func (rec *Recorder) Stats() Stats {
	rec.mu.RLock()
	active := len(rec.active)
	rec.mu.RUnlock()

	rec.statsMu.Lock()
	defer rec.statsMu.Unlock()

	s := Stats{
		Total:     rec.total,
		Active:    active,
		ByOutcome: make(map[string]int64, len(rec.byOutcome)),
		ByStatus:  make(map[string]int64, len(rec.byStatus)),
	}
	for k, v := range rec.byOutcome {
		s.ByOutcome[k] = v
	}
	for k, v := range rec.byStatus {
		s.ByStatus[k] = v
	}
	if rec.total > 0 {
		s.AvgDuration = rec.totalDuration / time.Duration(rec.total)
	}
	return s
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "none"
	}
}
