package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/pgfeatures/internal/core/observability"
	"github.com/mohammed-shakir/pgfeatures/internal/invalidation"
)

// Invalidator drops cached results of one collection.
type Invalidator interface {
	Invalidate(ctx context.Context, collection string) error
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
}

type Consumer struct {
	log      *slog.Logger
	cfg      Config
	inv      Invalidator
	ms       *metricSet
	seen     *seenEvents
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

func NewConsumer(cfg Config, inv Invalidator, opts Options) *Consumer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Consumer{
		log:    opts.Logger,
		cfg:    cfg,
		inv:    inv,
		ms:     newMetricSet(opts.Register),
		seen:   newSeenEvents(cfg.DedupeSize),
		assign: map[int32]struct{}{},
	}
}

// Start joins the consumer group and returns; consumption runs until ctx
// is done or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.log.Info("change event consumer disabled")
		return nil
	}
	if c.inv == nil {
		return errors.New("kafka consumer: invalidator is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	sc.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	sc.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, sc)
	if err != nil {
		cancel()
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			c.assignMu.Lock()
			c.assigned.Store(true)
			c.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					c.assign[p] = struct{}{}
				}
			}
			c.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			c.assignMu.Lock()
			c.assigned.Store(false)
			c.assign = map[int32]struct{}{}
			c.assignMu.Unlock()
		},
		process: c.handleMessage,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				c.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{c.cfg.Topic}, h); err != nil {
				c.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range group.Errors() {
			observability.IncKafkaConsumerError("group")
			c.log.Error("kafka group error", "err", err)
		}
	}()

	c.log.Info("change event consumer started",
		"topic", c.cfg.Topic, "group", c.cfg.GroupID, "brokers", c.cfg.Brokers)
	return nil
}

func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.log.Info("change event consumer stopped")
}

// Readiness reports whether the group has assigned partitions to us.
func (c *Consumer) Readiness() (ready bool, partitions []int32) {
	if !c.assigned.Load() {
		return false, nil
	}
	c.assignMu.RLock()
	defer c.assignMu.RUnlock()
	for p := range c.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// handleMessage applies one event. Undecodable or invalid events are
// counted and skipped so they cannot wedge the partition; a failed
// invalidation is returned so the message is redelivered.
func (c *Consumer) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	if !msg.Timestamp.IsZero() {
		c.ms.lagGauge.Set(time.Since(msg.Timestamp).Seconds())
	}

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.skip("decode", msg, err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		c.skip("validate", msg, err)
		return nil
	}

	if c.cfg.InstanceID != "" && ev.Source == c.cfg.InstanceID {
		c.ms.msgs.WithLabelValues("own").Inc()
		return nil
	}
	key := ev.Key()
	if c.seen.seen(key) {
		c.ms.msgs.WithLabelValues("duplicate").Inc()
		return nil
	}

	err := c.inv.Invalidate(ctx, ev.Collection)
	observability.IncInvalidationEvent("applied", err)
	c.ms.proc.WithLabelValues(ev.Op).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.IncKafkaConsumerError("invalidate")
		c.ms.msgs.WithLabelValues("error").Inc()
		return fmt.Errorf("invalidate %s: %w", ev.Collection, err)
	}
	c.seen.mark(key)
	c.ms.msgs.WithLabelValues("ok").Inc()
	c.log.DebugContext(ctx, "applied change event",
		"collection", ev.Collection, "op", ev.Op, "feature_id", ev.FeatureID)
	return nil
}

func (c *Consumer) skip(kind string, msg *sarama.ConsumerMessage, err error) {
	observability.IncKafkaConsumerError(kind)
	c.ms.msgs.WithLabelValues("skipped").Inc()
	c.log.Warn("skipping change event",
		"kind", kind,
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"err", err)
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

// ConsumeClaim marks each message only after it has been applied.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return fmt.Errorf("process failed (topic=%s, part=%d, off=%d): %w",
				msg.Topic, msg.Partition, msg.Offset, err)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
