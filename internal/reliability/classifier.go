package reliability

import (
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Class buckets a channel closure or failure into one recovery strategy.
type Class string

const (
	ClassNormal            Class = "normal"
	ClassTransient         Class = "transient"
	ClassProtocolViolation Class = "protocol_violation"
	ClassOversize          Class = "oversize"
	ClassServerFault       Class = "server_fault"
	ClassRateLimited       Class = "rate_limited"
	ClassAuthFailed        Class = "auth_failed"
)

// Error taxonomy shared by the relay and the client pipeline.
var (
	ErrConnectTimeout         = errors.New("connect timeout")
	ErrProtocolViolation      = errors.New("protocol violation")
	ErrOversize               = errors.New("message too large")
	ErrServerFault            = errors.New("server fault")
	ErrRateLimited            = errors.New("rate limited")
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrMicrophoneAccessDenied = errors.New("microphone access denied")
	ErrReconnectExhausted     = errors.New("reconnect attempts exhausted")
)

// ClassifyClose maps a websocket close code to its recovery class.
// Unknown abnormal codes are treated as transient so a flaky middlebox
// cannot permanently kill a session.
func ClassifyClose(code int) Class {
	switch code {
	case websocket.CloseNormalClosure:
		return ClassNormal
	case websocket.CloseGoingAway, websocket.CloseAbnormalClosure:
		return ClassTransient
	case websocket.CloseProtocolError, websocket.CloseUnsupportedData:
		return ClassProtocolViolation
	case websocket.CloseMessageTooBig:
		return ClassOversize
	case websocket.CloseInternalServerErr:
		return ClassServerFault
	default:
		return ClassTransient
	}
}

// ClassifyUpstreamError maps the error.type string of an upstream realtime
// error event to a recovery class.
func ClassifyUpstreamError(errorType string) Class {
	switch strings.ToLower(strings.TrimSpace(errorType)) {
	case "rate_limit_exceeded", "rate_limited", "resource_exhausted":
		return ClassRateLimited
	case "invalid_api_key", "authentication_error", "invalid_request_error.unauthorized":
		return ClassAuthFailed
	case "server_error", "internal_error":
		return ClassServerFault
	case "invalid_request_error", "protocol_error":
		return ClassProtocolViolation
	default:
		return ClassTransient
	}
}

// Retryable reports whether a class may be recovered by reconnecting.
func (c Class) Retryable() bool {
	switch c {
	case ClassTransient, ClassServerFault, ClassOversize, ClassRateLimited:
		return true
	default:
		return false
	}
}

// ClassOf maps taxonomy errors back to their class, for reporting and for
// deciding whether a failed dial is worth another attempt.
func ClassOf(err error) Class {
	switch {
	case err == nil:
		return ClassNormal
	case errors.Is(err, ErrProtocolViolation):
		return ClassProtocolViolation
	case errors.Is(err, ErrOversize):
		return ClassOversize
	case errors.Is(err, ErrServerFault):
		return ClassServerFault
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrAuthenticationFailed):
		return ClassAuthFailed
	default:
		return ClassTransient
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
// Attempt 1 returns base, attempt N returns base * 2^(N-1).
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 1 {
		return base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if cap > 0 && d >= cap {
			return cap
		}
	}
	return d
}
