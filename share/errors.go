package share

import (
	"errors"
	"fmt"
)

// Kind classifies failures that cross component boundaries
type Kind int

const (
	KindUnknown Kind = iota
	KindAddressParse
	KindBindConflict
	KindBindFailure
	KindConnectFailure
	KindTransport
	KindUnknownScope
	KindUnknownTunnel
	KindUnauthorized
)

var kindNames = [...]string{
	"unknown error",
	"address parse error",
	"bind conflict",
	"bind failure",
	"connect failure",
	"transport error",
	"unknown scope",
	"unknown tunnel",
	"unauthorized",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// Sentinels for errors.Is comparisons. They match any *Error of the same Kind.
var (
	ErrAddressParse   = &Error{Kind: KindAddressParse}
	ErrBindConflict   = &Error{Kind: KindBindConflict}
	ErrBindFailure    = &Error{Kind: KindBindFailure}
	ErrConnectFailure = &Error{Kind: KindConnectFailure}
	ErrTransport      = &Error{Kind: KindTransport}
	ErrUnknownScope   = &Error{Kind: KindUnknownScope}
	ErrUnknownTunnel  = &Error{Kind: KindUnknownTunnel}
	ErrUnauthorized   = &Error{Kind: KindUnauthorized}
)

// Error is a classified error. Msg is the human-readable part shown to API callers;
// Err, if set, is the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// NewError creates a classified error with a formatted message
func NewError(kind Kind, f string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(f, args...)}
}

// WrapError creates a classified error with a formatted message around cause
func WrapError(kind Kind, cause error, f string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(f, args...), Err: cause}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
