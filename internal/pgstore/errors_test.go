package pgstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
)

func TestTranslate(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"undefined table", &pgconn.PgError{Code: "42P01"}, providererr.ErrSchema},
		{"invalid schema", &pgconn.PgError{Code: "3F000"}, providererr.ErrSchema},
		{"auth failed", &pgconn.PgError{Code: "28P01"}, providererr.ErrConnection},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, providererr.ErrConnection},
		{"too many connections", &pgconn.PgError{Code: "53300"}, providererr.ErrConnection},
		{"syntax error", &pgconn.PgError{Code: "42601"}, providererr.ErrQuery},
		{"undefined column", &pgconn.PgError{Code: "42703"}, providererr.ErrQuery},
		{"deadline", context.DeadlineExceeded, providererr.ErrConnection},
		{"eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), providererr.ErrConnection},
		{"plain", errors.New("boom"), providererr.ErrQuery},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Translate("op", tc.err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("Translate(%v) = %v, want kind %v", tc.err, got, tc.want)
			}
			if !errors.Is(got, tc.err) {
				t.Fatalf("cause lost: %v", got)
			}
		})
	}
}

func TestTranslate_PassThroughAndNil(t *testing.T) {
	if Translate("op", nil) != nil {
		t.Fatal("nil should stay nil")
	}
	orig := providererr.New(providererr.ErrNotFound, "get", "missing")
	if got := Translate("other", orig); got != orig {
		t.Fatalf("kinded error rewrapped: %v", got)
	}
}

func TestIsInvalidInput(t *testing.T) {
	if !IsInvalidInput(fmt.Errorf("q: %w", &pgconn.PgError{Code: "22P02"})) {
		t.Fatal("22P02 should be invalid input")
	}
	if !IsInvalidInput(&pgconn.PgError{Code: "22001"}) {
		t.Fatal("22001 should be invalid input")
	}
	if IsInvalidInput(&pgconn.PgError{Code: "42P01"}) {
		t.Fatal("42P01 is not invalid input")
	}
	if IsInvalidInput(errors.New("x")) {
		t.Fatal("plain error is not invalid input")
	}
}
