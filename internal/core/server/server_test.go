package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mohammed-shakir/pgfeatures/internal/core/health"
	"github.com/mohammed-shakir/pgfeatures/internal/core/router"
	"github.com/mohammed-shakir/pgfeatures/internal/metrics"
	"github.com/mohammed-shakir/pgfeatures/internal/provider"
)

func TestNewHandler_Routes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mp := metrics.Init(metrics.Config{})
	h := router.New(logger, router.FromRegistry(provider.NewRegistry()), router.Limits{})
	failing := health.Check{Name: "db", Fn: func(context.Context) error { return errors.New("down") }}

	srv := httptest.NewServer(NewHandler(logger, h, Options{
		Metrics: mp.Handler(), MetricsPath: mp.Path(), Ready: []health.Check{failing},
	}))
	t.Cleanup(srv.Close)

	for path, want := range map[string]int{
		"/healthz":                     http.StatusOK,
		"/readyz":                      http.StatusServiceUnavailable,
		"/metrics":                     http.StatusOK,
		"/collections":                 http.StatusOK,
		"/collections/waterways/items": http.StatusNotFound,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("%s: status=%d want %d", path, resp.StatusCode, want)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("%s: missing request id", path)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, logger, http.NotFoundHandler(), Options{Addr: "127.0.0.1:0"})
	}()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
