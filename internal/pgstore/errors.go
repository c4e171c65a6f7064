package pgstore

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
)

// Translate maps a pgx error onto one of the provider error kinds.
// Errors that already carry a kind pass through untouched.
func Translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if providererr.HasKind(err) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return providererr.Wrap(kindForCode(pgErr.Code), op, err)
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connErr),
		errors.As(err, &netErr),
		pgconn.Timeout(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return providererr.Wrap(providererr.ErrConnection, op, err)
	}
	return providererr.Wrap(providererr.ErrQuery, op, err)
}

func kindForCode(code string) error {
	switch {
	case strings.HasPrefix(code, "08"), // connection exception
		strings.HasPrefix(code, "28"),  // invalid authorization
		strings.HasPrefix(code, "57P"), // operator intervention
		code == "53300":                // too many connections
		return providererr.ErrConnection
	case code == "42P01", code == "3F000": // undefined table, invalid schema
		return providererr.ErrSchema
	default:
		return providererr.ErrQuery
	}
}

// IsInvalidInput reports whether a value could not be cast to, or does not
// fit, the column type.
func IsInvalidInput(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "22P02", "22003", "22007", "22008", // invalid text, out of range, datetime format/overflow
		"22001": // string too long for the column
		return true
	}
	return false
}
