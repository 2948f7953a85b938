// Package errs provides structured error envelopes shared across tradecore.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies an error category from the framework taxonomy.
type Code string

const (
	// CodeConfig indicates a missing or invalid configuration parameter.
	// Fatal to the component being constructed; never retried.
	CodeConfig Code = "config"
	// CodeTransport indicates a broker or venue connection failure.
	// Recovered by the owning component's reconnect path.
	CodeTransport Code = "transport"
	// CodeRequest indicates a single REST request failure surfaced to the caller.
	CodeRequest Code = "request"
	// CodeProtocol indicates an unparseable or unrecognized message.
	// The offending message is dropped; the connection stays up.
	CodeProtocol Code = "protocol"
	// CodeAuth indicates authentication or signature failures.
	CodeAuth Code = "auth"
	// CodeRateLimited indicates the venue rejected the request for rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid"
	// CodeUnavailable indicates the component cannot serve right now.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the tradecore stack.
type E struct {
	Venue   string
	Code    Code
	HTTP    int
	RawCode string
	RawMsg  string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue (or subsystem) and code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue:   strings.TrimSpace(venue),
		Code:    code,
		HTTP:    0,
		RawCode: "",
		RawMsg:  "",
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from err, walking the cause chain.
func CodeOf(err error) Code {
	for err != nil {
		if envelope, ok := err.(*E); ok {
			return envelope.Code
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = unwrapper.Unwrap()
	}
	return ""
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool { return CodeOf(err) == CodeConfig }

// IsTransport reports whether err is a transport error.
func IsTransport(err error) bool { return CodeOf(err) == CodeTransport }

// IsProtocol reports whether err is a protocol error.
func IsProtocol(err error) bool { return CodeOf(err) == CodeProtocol }
