// Package reqctx holds the per-request state carrier threaded through the
// filter pipeline. Exactly one Context exists per inflight request and it is
// only ever mutated by the goroutine handling that request.
package reqctx

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// TraceHeader carries the trace id end to end.
const TraceHeader = "X-Trace-ID"

// Outcome is the terminal state of a request.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeInFlight
	OutcomeCompleted
	OutcomeFailed
	OutcomeTimeout
	OutcomeClientCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInFlight:
		return "in_flight"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeClientCancelled:
		return "client_cancelled"
	default:
		return "pending"
	}
}

// DeviceKind classifies the client device from its user agent.
type DeviceKind int

const (
	DeviceDesktop DeviceKind = iota
	DeviceMobile
	DeviceTablet
	DeviceBot
)

func (d DeviceKind) String() string {
	switch d {
	case DeviceMobile:
		return "mobile"
	case DeviceTablet:
		return "tablet"
	case DeviceBot:
		return "bot"
	default:
		return "desktop"
	}
}

// Identity is the authenticated principal attached by the auth verifier.
type Identity struct {
	UserID   string
	TenantID string
	Roles    []string
	ClientID string
	IsAdmin  bool
}

// RolesHeader renders the role list for the X-User-Roles header.
func (id *Identity) RolesHeader() string {
	return strings.Join(id.Roles, ",")
}

// ClientInfo describes the calling client as seen by the gateway edge.
type ClientInfo struct {
	IP      string
	UA      string
	Device  DeviceKind
	Bot     bool
	Trusted bool
}

// RateDecision is the admission decision of one rate-limit dimension.
type RateDecision struct {
	Dimension string
	Algorithm string
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// BreakerDecision records the breaker admission for the selected route.
type BreakerDecision struct {
	RouteID  string
	Admitted bool
	State    string
	RetryIn  time.Duration // wait remaining in Open, zero otherwise
}

// Context is the per-request state carrier.
type Context struct {
	TraceID    string
	Method     string
	Scheme     string
	Path       string
	Query      string
	Header     http.Header
	RemoteAddr string
	ReceivedAt time.Time

	// Overlay of headers the gateway adds to the outbound request.
	HeaderOverlay http.Header

	Identity *Identity
	Client   *ClientInfo

	RateDecision    *RateDecision
	RouteID         string
	UpstreamAddr    string
	BreakerDecision *BreakerDecision

	Outcome      Outcome
	StatusCode   int
	Duration     time.Duration
	UpstreamTime time.Duration
}

var contextPool = sync.Pool{
	New: func() any { return &Context{} },
}

// New acquires a Context for r, adopting a well-formed inbound trace id or
// minting a fresh one.
func New(r *http.Request) *Context {
	c := contextPool.Get().(*Context)

	c.TraceID = TraceIDFor(r)
	c.Method = r.Method
	c.Scheme = "http"
	if r.TLS != nil {
		c.Scheme = "https"
	}
	c.Path = r.URL.Path
	c.Query = r.URL.RawQuery
	c.Header = r.Header
	c.RemoteAddr = r.RemoteAddr
	c.ReceivedAt = time.Now()
	c.HeaderOverlay = make(http.Header, 8)
	c.HeaderOverlay.Set(TraceHeader, c.TraceID)
	return c
}

// Release zeroes all fields and returns c to the pool. The caller must
// ensure no goroutine reads from c after this call.
func Release(c *Context) {
	if c == nil {
		return
	}
	*c = Context{}
	contextPool.Put(c)
}

// WithIdentity attaches the validated identity and stages its propagation
// headers onto the outbound overlay.
func (c *Context) WithIdentity(id *Identity) {
	c.Identity = id
	if id == nil {
		return
	}
	if id.UserID != "" {
		c.HeaderOverlay.Set("X-User-ID", id.UserID)
	}
	if id.TenantID != "" {
		c.HeaderOverlay.Set("X-Tenant-ID", id.TenantID)
	}
	if len(id.Roles) > 0 {
		c.HeaderOverlay.Set("X-User-Roles", id.RolesHeader())
	}
	if id.ClientID != "" {
		c.HeaderOverlay.Set("X-Client-ID", id.ClientID)
	}
}

// WithRateDecision records the (last) rate-limit decision.
func (c *Context) WithRateDecision(dec *RateDecision) {
	c.RateDecision = dec
}

// AddResponseHeader stages a header for the downstream response.
func (c *Context) AddResponseHeader(k, v string) {
	c.HeaderOverlay.Set(k, v)
}

// Mark sets the terminal outcome and freezes the duration.
func (c *Context) Mark(outcome Outcome) {
	c.Outcome = outcome
	c.Duration = time.Since(c.ReceivedAt)
}

// TraceIDFor adopts the inbound X-Trace-ID when it is exactly 32 hex
// characters, otherwise mints a new id.
func TraceIDFor(r *http.Request) string {
	if inbound := r.Header.Get(TraceHeader); isHex32(inbound) {
		return inbound
	}
	return NewTraceID()
}

// NewTraceID returns a fresh 32-hex-character trace id.
func NewTraceID() string {
	u := uuid.New()
	const hexdigits = "0123456789abcdef"
	var b [32]byte
	for i, v := range u {
		b[i*2] = hexdigits[v>>4]
		b[i*2+1] = hexdigits[v&0x0f]
	}
	return string(b[:])
}

func isHex32(s string) bool {
	if len(s) != 32 {
		return false
	}
	for i := 0; i < 32; i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
