package kafka

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// seenEvents remembers recently applied event keys. Redelivered events
// after a rebalance are dropped instead of bumping the cache generation
// again.
type seenEvents struct {
	lru *lru.Cache[string, struct{}]
}

func newSeenEvents(size int) *seenEvents {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, struct{}](size)
	return &seenEvents{lru: c}
}

func (s *seenEvents) seen(key string) bool { return s.lru.Contains(key) }

func (s *seenEvents) mark(key string) { s.lru.Add(key, struct{}{}) }
