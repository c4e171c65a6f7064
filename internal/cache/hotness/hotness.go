// Package hotness keeps exponentially decaying request counts per query
// so the result cache only admits pages that are asked for repeatedly.
package hotness

import (
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	numShards = 64
	// shardCap bounds each shard; a full shard drops its coldest entries.
	shardCap  = 4096
	coldScore = 0.05
)

type Tracker struct {
	HalfLife time.Duration

	now func() time.Time

	shards [numShards]shard
}

type shard struct {
	mu sync.Mutex
	m  map[string]*counter
}

type counter struct {
	score float64
	last  time.Time
}

func New(halfLife time.Duration) *Tracker {
	if halfLife <= 0 {
		halfLife = time.Minute
	}
	t := &Tracker{HalfLife: halfLife, now: time.Now}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*counter)
	}
	return t
}

// Inc records one request for key and returns its new score.
func (t *Tracker) Inc(key string) float64 {
	if key == "" {
		return 0
	}
	s := t.pick(key)
	n := t.now()
	hl := t.HalfLife.Seconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.m[key]
	if c == nil {
		if len(s.m) >= shardCap {
			s.sweep(n, hl)
		}
		s.m[key] = &counter{score: 1, last: n}
		return 1
	}
	c.score = decay(c.score, n.Sub(c.last).Seconds(), hl) + 1
	c.last = n
	return c.score
}

// Admit records one request for key and reports whether it has now been
// seen threshold times. Scores start decaying as soon as the clock moves,
// so a score within half a request of threshold counts. A repeat inside
// one half-life reaches 2, and n-1 requests never reach n.
func (t *Tracker) Admit(key string, threshold float64) bool {
	return Reached(t.Inc(key), threshold)
}

func Reached(score, threshold float64) bool {
	return score >= threshold-0.5
}

func (t *Tracker) Score(key string) float64 {
	if key == "" {
		return 0
	}
	s := t.pick(key)
	n := t.now()

	s.mu.Lock()
	c := s.m[key]
	if c == nil {
		s.mu.Unlock()
		return 0
	}
	score, last := c.score, c.last
	s.mu.Unlock()

	return decay(score, n.Sub(last).Seconds(), t.HalfLife.Seconds())
}

func (t *Tracker) Reset(keys ...string) {
	for _, k := range keys {
		if k == "" {
			continue
		}
		s := t.pick(k)
		s.mu.Lock()
		delete(s.m, k)
		s.mu.Unlock()
	}
}

func (t *Tracker) Size() int {
	total := 0
	for i := range t.shards {
		t.shards[i].mu.Lock()
		total += len(t.shards[i].m)
		t.shards[i].mu.Unlock()
	}
	return total
}

// sweep drops cold entries; if none are cold it halves the shard.
// Callers hold s.mu.
func (s *shard) sweep(n time.Time, halfLife float64) {
	for k, c := range s.m {
		if decay(c.score, n.Sub(c.last).Seconds(), halfLife) < coldScore {
			delete(s.m, k)
		}
	}
	if len(s.m) < shardCap {
		return
	}
	drop := len(s.m) / 2
	for k := range s.m {
		if drop == 0 {
			break
		}
		delete(s.m, k)
		drop--
	}
}

func decay(score, dt, halfLife float64) float64 {
	if score == 0 || dt <= 0 || halfLife <= 0 {
		return score
	}
	return score * math.Exp(-math.Ln2/halfLife*dt)
}

func (t *Tracker) pick(key string) *shard {
	h := xxhash.Sum64String(key)
	return &t.shards[h&(numShards-1)]
}
