package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind classifies a request-fatal gateway error. The zero value is
// KindInternal so an unclassified error never leaks a misleading status.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidRequest
	KindUnauthorized
	KindForbidden
	KindRateLimited
	KindBreakerOpen
	KindNoRoute
	KindNoHealthyInstance
	KindUpstreamTimeout
	KindUpstreamError
	KindStoreUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindBreakerOpen:
		return "breaker_open"
	case KindNoRoute:
		return "no_route"
	case KindNoHealthyInstance:
		return "no_healthy_instance"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamError:
		return "upstream_error"
	case KindStoreUnavailable:
		return "store_unavailable"
	default:
		return "internal"
	}
}

// StatusCode maps an error kind to its downstream HTTP status.
func (k Kind) StatusCode() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBreakerOpen, KindNoHealthyInstance:
		return http.StatusServiceUnavailable
	case KindNoRoute:
		return http.StatusNotFound
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// GatewayError is the uniform JSON envelope returned to clients.
type GatewayError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	TraceID    string `json:"traceId,omitempty"`
	LimitType  string `json:"limitType,omitempty"`
	Algorithm  string `json:"algorithm,omitempty"`
	Remaining  *int   `json:"remaining,omitempty"`
	ResetTime  int64  `json:"resetTime,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`

	kind       Kind
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// Kind returns the error's classification.
func (e *GatewayError) Kind() Kind {
	return e.kind
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no trace id or extras), uses pre-serialized JSON to
// avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common base errors
var (
	ErrBadRequest = &GatewayError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
		kind:    KindInvalidRequest,
	}

	ErrUnauthorized = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "Unauthorized",
		kind:    KindUnauthorized,
	}

	ErrForbidden = &GatewayError{
		Code:    http.StatusForbidden,
		Message: "Forbidden",
		kind:    KindForbidden,
	}

	ErrNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
		kind:    KindNoRoute,
	}

	ErrTooManyRequests = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
		kind:    KindRateLimited,
	}

	ErrBadGateway = &GatewayError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
		kind:    KindUpstreamError,
	}

	ErrServiceUnavailable = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
		kind:    KindNoHealthyInstance,
	}

	ErrGatewayTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
		kind:    KindUpstreamTimeout,
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
		kind:    KindInternal,
	}

	ErrRequestEntityTooLarge = &GatewayError{
		Code:    http.StatusRequestEntityTooLarge,
		Message: "Request Entity Too Large",
		kind:    KindInvalidRequest,
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrBadRequest, ErrUnauthorized, ErrForbidden, ErrNotFound,
		ErrTooManyRequests, ErrBadGateway, ErrServiceUnavailable,
		ErrGatewayTimeout, ErrInternalServer, ErrRequestEntityTooLarge,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError of the given kind.
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{
		Code:    kind.StatusCode(),
		Message: message,
		kind:    kind,
	}
}

// Wrap wraps an error in a GatewayError of the given kind.
func Wrap(err error, kind Kind, message string) *GatewayError {
	return &GatewayError{
		Code:       kind.StatusCode(),
		Message:    message,
		kind:       kind,
		underlying: err,
	}
}

// WithTraceID returns a copy carrying the trace id.
func (e *GatewayError) WithTraceID(traceID string) *GatewayError {
	c := *e
	c.TraceID = traceID
	return &c
}

// WithMessage returns a copy with a replacement message.
func (e *GatewayError) WithMessage(message string) *GatewayError {
	c := *e
	c.Message = message
	return &c
}

// WithRateLimit returns a copy carrying rate-limit decision fields.
func (e *GatewayError) WithRateLimit(limitType, algorithm string, remaining int, resetTime int64, retryAfter int) *GatewayError {
	c := *e
	c.LimitType = limitType
	c.Algorithm = algorithm
	c.Remaining = &remaining
	c.ResetTime = resetTime
	c.RetryAfter = retryAfter
	return &c
}

// WithRetryAfter returns a copy carrying a Retry-After hint in seconds.
func (e *GatewayError) WithRetryAfter(seconds int) *GatewayError {
	c := *e
	c.RetryAfter = seconds
	return &c
}

// AsGatewayError extracts a *GatewayError from err, or wraps err as an
// internal error when it is not one.
func AsGatewayError(err error) *GatewayError {
	if ge, ok := err.(*GatewayError); ok {
		return ge
	}
	return Wrap(err, KindInternal, "Internal Server Error")
}
