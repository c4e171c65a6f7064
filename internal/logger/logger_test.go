package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestSlogBridge_CarriesContextFields(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "debug", Component: "provider"}, &buf)
	l := NewSlog(&zl)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithCollection(ctx, "waterways")
	l.InfoContext(ctx, "query served", "matched", 14, "err", errors.New("none"))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("lines=%d want 1", len(lines))
	}
	got := lines[0]
	for k, want := range map[string]any{
		"msg":        "query served",
		"level":      "info",
		"request_id": "req-1",
		"collection": "waterways",
		"component":  "provider",
		"matched":    float64(14),
		"err":        "none",
	} {
		if got[k] != want {
			t.Fatalf("%s=%v want %v (line %v)", k, got[k], want, got)
		}
	}
	if _, ok := got["timestamp"]; !ok {
		t.Fatalf("missing timestamp: %v", got)
	}
}

func TestSlogBridge_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "warn"}, &buf)
	t.Cleanup(func() { Build(Config{Level: "info"}, &bytes.Buffer{}) })
	l := NewSlog(&zl)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["msg"] != "shown" || lines[0]["level"] != "warn" {
		t.Fatalf("lines=%v", lines)
	}
}

func TestWithHelpers_EmptyValues(t *testing.T) {
	ctx := context.Background()
	if WithCollection(ctx, "") != ctx || WithComponent(ctx, "") != ctx {
		t.Fatalf("empty values should not wrap the context")
	}
	if id := RequestID(WithRequestID(ctx, "")); len(id) != 16 {
		t.Fatalf("generated id=%q want 16 hex chars", id)
	}
}
