package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code classifies a failure so callers (HTTP handlers, the socket router)
// can map it without inspecting messages.
type Code int

const (
	CodeInternal Code = iota
	// CodeNotFound: lobby, question, or connection does not exist.
	CodeNotFound
	// CodeUnauthorized: caller is not authenticated.
	CodeUnauthorized
	// CodeForbidden: authenticated but not permitted (wrong role, blacklisted, not a member).
	CodeForbidden
	// CodeConflict: lost a race on a conditional update, duplicate answer,
	// or wrong lobby status for the requested action.
	CodeConflict
	// CodeCapacity: lobby or process connection ceiling reached.
	CodeCapacity
	// CodeValidation: malformed input, out-of-range answer index.
	CodeValidation
	// CodeTokenInvalid: expired, used, or unknown session token.
	CodeTokenInvalid
)

var code2http = map[Code]int{
	CodeNotFound:     http.StatusNotFound,
	CodeUnauthorized: http.StatusUnauthorized,
	CodeForbidden:    http.StatusForbidden,
	CodeConflict:     http.StatusConflict,
	CodeCapacity:     http.StatusTooManyRequests,
	CodeValidation:   http.StatusBadRequest,
	CodeTokenInvalid: http.StatusUnauthorized,
	CodeInternal:     http.StatusInternalServerError,
}

var code2grpc = map[Code]codes.Code{
	CodeNotFound:     codes.NotFound,
	CodeUnauthorized: codes.Unauthenticated,
	CodeForbidden:    codes.PermissionDenied,
	CodeConflict:     codes.Aborted,
	CodeCapacity:     codes.ResourceExhausted,
	CodeValidation:   codes.InvalidArgument,
	CodeTokenInvalid: codes.Unauthenticated,
	CodeInternal:     codes.Internal,
}

var code2string = map[Code]string{
	CodeNotFound:     "not_found",
	CodeUnauthorized: "unauthorized",
	CodeForbidden:    "forbidden",
	CodeConflict:     "conflict",
	CodeCapacity:     "capacity",
	CodeValidation:   "validation",
	CodeTokenInvalid: "token_invalid",
	CodeInternal:     "internal",
}

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: code.String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (c Code) String() string {
	if s, ok := code2string[c]; ok {
		return s
	}

	return "internal"
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %s, message: %s", e.Code, e.Message)
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) GRPCStatus() *status.Status {
	c, ok := code2grpc[e.Code]
	if !ok {
		c = codes.Internal
	}

	return status.New(c, e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

// Convert normalizes any error into *Error, wrapping unknown ones as internal.
func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Code == code
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}
