// Package cortexerr defines the structured error kinds surfaced across the
// client and admin HTTP surfaces, and their encoding to JSON responses.
package cortexerr

import (
	"encoding/json"
	"net/http"
)

// Kind is a stable error identifier independent of its HTTP status code.
type Kind string

const (
	KindUnauthenticated      Kind = "UNAUTHENTICATED"
	KindForbiddenScope       Kind = "FORBIDDEN_SCOPE"
	KindRateLimited          Kind = "RATE_LIMITED"
	KindConcurrencyLimited   Kind = "CONCURRENCY_LIMITED"
	KindNoUpstream           Kind = "NO_UPSTREAM"
	KindTaskMismatch         Kind = "TASK_MISMATCH"
	KindUpstreamTimeout      Kind = "UPSTREAM_TIMEOUT"
	KindUpstreamError        Kind = "UPSTREAM_ERROR"
	KindChatTemplateMissing  Kind = "CHAT_TEMPLATE_MISSING" // internal only, never surfaced
	KindImageUnavailable     Kind = "IMAGE_UNAVAILABLE"
	KindIncompleteSplitSet   Kind = "INCOMPLETE_SPLIT_SET"
	KindOfflineRemoteRefused Kind = "OFFLINE_REMOTE_REFUSED"
	KindInvalidRequest       Kind = "INVALID_REQUEST"
	KindNotFound             Kind = "NOT_FOUND"
	KindConflict             Kind = "CONFLICT"
	KindInternal             Kind = "INTERNAL"
)

// httpStatus maps each Kind to the status code it produces on the client
// or admin surface, per the error handling table.
var httpStatus = map[Kind]int{
	KindUnauthenticated:      http.StatusUnauthorized,
	KindForbiddenScope:       http.StatusForbidden,
	KindRateLimited:          http.StatusTooManyRequests,
	KindConcurrencyLimited:   http.StatusTooManyRequests,
	KindNoUpstream:           http.StatusServiceUnavailable,
	KindTaskMismatch:         http.StatusBadRequest,
	KindUpstreamTimeout:      http.StatusGatewayTimeout,
	KindUpstreamError:        http.StatusBadGateway,
	KindImageUnavailable:     http.StatusBadRequest,
	KindIncompleteSplitSet:   http.StatusBadRequest,
	KindOfflineRemoteRefused: http.StatusBadRequest,
	KindInvalidRequest:       http.StatusBadRequest,
	KindNotFound:             http.StatusNotFound,
	KindConflict:             http.StatusConflict,
	KindInternal:             http.StatusInternalServerError,
}

// Error is the structured error type carried through the call stack and
// rendered to clients as {"error":{"code","message","detail"}}.
type Error struct {
	KindVal    Kind   `json:"code"`
	Message    string `json:"message"`
	Detail     any    `json:"detail,omitempty"`
	RetryAfter int    `json:"-"` // seconds; set only for KindRateLimited
}

func (e *Error) Error() string { return string(e.KindVal) + ": " + e.Message }

// Status returns the HTTP status code this error kind renders as.
func (e *Error) Status() int {
	if s, ok := httpStatus[e.KindVal]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds a structured error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{KindVal: kind, Message: message}
}

// Newf builds a structured error with a detail string, useful when the
// message is a fixed phrase and the detail carries the offending value.
func Newf(kind Kind, message, detail string) *Error {
	return &Error{KindVal: kind, Message: message, Detail: detail}
}

// NewWithDetail builds a structured error with an arbitrary JSON-encodable
// detail payload, e.g. {"missing": [...]} for an incomplete split set.
func NewWithDetail(kind Kind, message string, detail any) *Error {
	return &Error{KindVal: kind, Message: message, Detail: detail}
}

// WithRetryAfter attaches a Retry-After seconds value, used by RATE_LIMITED.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

type envelope struct {
	Error *Error `json:"error"`
}

// WriteJSON renders the error as the standard JSON envelope and sets the
// Retry-After header when present.
func WriteJSON(w http.ResponseWriter, err *Error) {
	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", itoa(err.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status())
	_ = json.NewEncoder(w).Encode(envelope{Error: err})
}

// SSEEvent renders the error as an SSE "error" event body for mid-stream
// failures.
func SSEEvent(err *Error) string {
	body, _ := json.Marshal(envelope{Error: err})
	return "event: error\ndata: " + string(body) + "\n\n"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
