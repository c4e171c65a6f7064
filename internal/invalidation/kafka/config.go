package kafka

import (
	"os"
	"strings"
	"time"
)

type Config struct {
	Enabled bool

	Brokers []string
	Topic   string
	GroupID string
	// InstanceID is stamped on published events as Source; the consumer
	// skips events carrying its own id.
	InstanceID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool
	DedupeSize       int
}

// WithDefaults fills timeouts, topic, group and dedupe size.
func (c Config) WithDefaults() Config {
	if c.Topic == "" {
		c.Topic = "pgfeatures-changes"
	}
	if c.GroupID == "" {
		c.GroupID = "pgfeatures-invalidator"
	}
	if c.InstanceID == "" {
		c.InstanceID, _ = os.Hostname()
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 3 * time.Second
	}
	if c.RebalanceTimeout <= 0 {
		c.RebalanceTimeout = 30 * time.Second
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = 8192
	}
	return c
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(s string) []string { return split(s) }

func split(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
