package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/harbor_report/internal/ratelimit"
)

// Kind is the classification of one delivery attempt.
type Kind int

const (
	Success Kind = iota
	RateLimited
	ClientOrServerError
	CommunicationFailure
	InternalFailure
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case ClientOrServerError:
		return "api_error"
	case CommunicationFailure:
		return "communication_error"
	case InternalFailure:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Outcome is what the client observed. It never carries side effects; the
// queue decides what to do with it.
type Outcome struct {
	Kind       Kind
	StatusCode int
	RateLimit  *ratelimit.State // nil when the response had no quota headers
	Err        error
	Latency    time.Duration
}

// Throttled reports a delivered bundle whose response also exhausted the
// quota window. The queue treats it as a rate-limit signal after the reset.
func (o Outcome) Throttled() bool {
	return o.Kind == Success && o.RateLimit.Exhausted()
}

// Label names the outcome in metrics, spans and logs. A throttled success
// gets its own label so quota pressure on 2xx responses stays visible.
func (o Outcome) Label() string {
	if o.Throttled() {
		return "success_throttled"
	}
	return o.Kind.String()
}

// Retryable reports whether sending the same bundle again may succeed.
func (o Outcome) Retryable() bool {
	return o.Kind == CommunicationFailure || o.Kind == RateLimited
}

// APIError is a response the destination used to reject the payload.
type APIError struct {
	StatusCode int
	Body       string // truncated response body
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("destination rejected payload: status %d", e.StatusCode)
	}
	return fmt.Sprintf("destination rejected payload: status %d: %s", e.StatusCode, e.Body)
}

// CommunicationError wraps a transport failure.
type CommunicationError struct {
	Reason string // timeout, connection_refused, dns_error, network
	Err    error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("communication failure (%s): %v", e.Reason, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// InternalError is a defect on our side, such as an unserializable payload.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// TimeoutError is returned to synchronous callers whose bundle could not be
// delivered in time. Last is the final underlying failure, if any.
type TimeoutError struct {
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	msg := "delivery timed out"
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// Reason turns a failed attempt into a low-cardinality label.
func Reason(doErr error, status int) string {
	if doErr != nil {
		if errors.Is(doErr, context.DeadlineExceeded) {
			return "timeout"
		}
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
