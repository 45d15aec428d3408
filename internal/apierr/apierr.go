// Package apierr carries HTTP-mappable errors from domain code to the
// transport layer.
package apierr

import "errors"

// Error is a client-facing failure with a stable detail code.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string { return e.Detail }

// New builds an Error.
func New(status int, detail string) *Error {
	return &Error{Status: status, Detail: detail}
}

// From extracts an *Error from an error chain.
func From(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
