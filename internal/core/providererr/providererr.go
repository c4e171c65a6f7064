// Package providererr defines the error kinds surfaced by feature providers.
package providererr

import (
	"errors"
	"strings"
)

var (
	// store unreachable, auth or network failure
	ErrConnection = errors.New("provider connection error")
	// table or identifier column missing
	ErrSchema = errors.New("provider schema error")
	// malformed filter, bbox, sort or projection request
	ErrQuery = errors.New("provider query error")
	// identifier absent from the table
	ErrNotFound = errors.New("provider item not found")
	// create payload rejected
	ErrValidation = errors.New("provider invalid data")
)

var kinds = []error{ErrConnection, ErrSchema, ErrQuery, ErrNotFound, ErrValidation}

// Error carries a kind together with the operation and underlying cause.
// errors.Is matches both the kind and the cause.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func New(kind error, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the first kind err matches, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// HasKind reports whether err already carries one of the provider kinds.
func HasKind(err error) bool { return KindOf(err) != nil }
