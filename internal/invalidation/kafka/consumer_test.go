package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammed-shakir/pgfeatures/internal/invalidation"
)

type fakeInvalidator struct {
	mu        sync.Mutex
	calls     []string
	failFirst bool
}

func (f *fakeInvalidator) Invalidate(_ context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, collection)
	if f.failFirst {
		f.failFirst = false
		return errors.New("redis: connection refused")
	}
	return nil
}

func (f *fakeInvalidator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return map[string][]int32{"pgfeatures-changes": {0, 1}} }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "pgfeatures-changes" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

var eventTS = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func eventBytes(t *testing.T, featureID any, source string) []byte {
	t.Helper()
	ev := invalidation.Event{
		Version: 1, Op: invalidation.OpInsert, Collection: "waterways",
		TS: eventTS, FeatureID: featureID, Source: source,
		BBox: &invalidation.BBox{X1: 29.1, Y1: -3.4, X2: 29.2, Y2: -3.3, SRID: "EPSG:4326"},
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func newTestConsumer(inv Invalidator, reg prometheus.Registerer) *Consumer {
	cfg := Config{Enabled: true, Brokers: []string{"x"}, Topic: "pgfeatures-changes", GroupID: "g", InstanceID: "node-a"}
	return NewConsumer(cfg, inv, Options{Register: reg})
}

func TestHandleMessage_AppliesAndDedupes(t *testing.T) {
	inv := &fakeInvalidator{}
	reg := prometheus.NewRegistry()
	c := newTestConsumer(inv, reg)
	ctx := context.Background()

	msg := &sarama.ConsumerMessage{Topic: "pgfeatures-changes", Offset: 1, Timestamp: time.Now(), Value: eventBytes(t, 123, "node-b")}
	if err := c.handleMessage(ctx, msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if err := c.handleMessage(ctx, msg); err != nil {
		t.Fatalf("redelivered handleMessage: %v", err)
	}
	if got := inv.Calls(); len(got) != 1 || got[0] != "waterways" {
		t.Fatalf("invalidations=%v want [waterways]", got)
	}
	if v := testutil.ToFloat64(c.ms.msgs.WithLabelValues("duplicate")); v != 1 {
		t.Fatalf("duplicate count=%v want 1", v)
	}

	// a different feature is a different event
	msg2 := &sarama.ConsumerMessage{Topic: "pgfeatures-changes", Offset: 2, Value: eventBytes(t, 124, "node-b")}
	if err := c.handleMessage(ctx, msg2); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if got := inv.Calls(); len(got) != 2 {
		t.Fatalf("invalidations=%v want 2", got)
	}
}

func TestHandleMessage_SkipsOwnEvents(t *testing.T) {
	inv := &fakeInvalidator{}
	c := newTestConsumer(inv, nil)
	msg := &sarama.ConsumerMessage{Value: eventBytes(t, 123, "node-a")}
	if err := c.handleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if got := inv.Calls(); len(got) != 0 {
		t.Fatalf("own event should not invalidate; calls=%v", got)
	}
}

func TestHandleMessage_BadMessagesAreSkipped(t *testing.T) {
	inv := &fakeInvalidator{}
	c := newTestConsumer(inv, nil)
	ctx := context.Background()

	bad := []struct {
		name  string
		value []byte
	}{
		{"not json", []byte("{")},
		{"wrong version", []byte(`{"version":2,"op":"insert","collection":"waterways","ts":"2024-05-01T12:00:00Z"}`)},
		{"no collection", []byte(`{"version":1,"op":"insert","ts":"2024-05-01T12:00:00Z"}`)},
		{"bad op", []byte(`{"version":1,"op":"upsert","collection":"waterways","ts":"2024-05-01T12:00:00Z"}`)},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			if err := c.handleMessage(ctx, &sarama.ConsumerMessage{Value: tc.value}); err != nil {
				t.Fatalf("bad message should be skipped, got %v", err)
			}
		})
	}
	if got := inv.Calls(); len(got) != 0 {
		t.Fatalf("bad messages should not invalidate; calls=%v", got)
	}
}

func TestConsumeClaim_OrderAndCommitAfterWork(t *testing.T) {
	inv := &fakeInvalidator{}
	c := newTestConsumer(inv, nil)
	g := &groupHandler{process: c.handleMessage}
	s := &sess{ctx: t.Context()}

	ch := make(chan *sarama.ConsumerMessage, 2)
	ch <- &sarama.ConsumerMessage{Topic: "pgfeatures-changes", Offset: 10, Value: eventBytes(t, 1, "node-b")}
	ch <- &sarama.ConsumerMessage{Topic: "pgfeatures-changes", Offset: 11, Value: eventBytes(t, 2, "node-b")}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 2 || s.marked[0] != 10 || s.marked[1] != 11 {
		t.Fatalf("marked offsets=%v want [10 11]", s.marked)
	}
}

func TestRetry_MarkOnlyAfterSuccess(t *testing.T) {
	inv := &fakeInvalidator{failFirst: true}
	c := newTestConsumer(inv, nil)
	g := &groupHandler{process: c.handleMessage}
	msg := &sarama.ConsumerMessage{Topic: "pgfeatures-changes", Offset: 5, Value: eventBytes(t, 7, "node-b")}

	s := &sess{ctx: context.Background()}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- msg
	close(ch)
	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err == nil {
		t.Fatalf("expected error on first attempt")
	}
	if len(s.marked) != 0 {
		t.Fatalf("failed message must not be marked; marked=%v", s.marked)
	}

	// redelivery succeeds and is not suppressed as a duplicate
	ch = make(chan *sarama.ConsumerMessage, 1)
	ch <- msg
	close(ch)
	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if len(s.marked) != 1 || s.marked[0] != 5 {
		t.Fatalf("marked=%v want [5]", s.marked)
	}
	if got := inv.Calls(); len(got) != 2 {
		t.Fatalf("invalidations=%v want 2", got)
	}
}

func TestReadiness_FollowsAssignment(t *testing.T) {
	c := newTestConsumer(&fakeInvalidator{}, nil)
	if ok, _ := c.Readiness(); ok {
		t.Fatalf("ready before assignment")
	}
	h := &groupHandler{setup: func(s sarama.ConsumerGroupSession) {
		c.assignMu.Lock()
		c.assigned.Store(true)
		for _, parts := range s.Claims() {
			for _, p := range parts {
				c.assign[p] = struct{}{}
			}
		}
		c.assignMu.Unlock()
	}}
	_ = h.Setup(&sess{ctx: context.Background()})
	ok, parts := c.Readiness()
	if !ok || len(parts) != 2 {
		t.Fatalf("ready=%v parts=%v", ok, parts)
	}
}

func TestStart_Disabled(t *testing.T) {
	c := NewConsumer(Config{}, nil, Options{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("disabled Start: %v", err)
	}
	c.Stop()
}
