package hotness

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestTracker(hl time.Duration) (*Tracker, *fakeClock) {
	fc := &fakeClock{now: time.Unix(0, 0).UTC()}
	tr := New(hl)
	tr.now = fc.Now
	return tr, fc
}

func almostEq(t *testing.T, got, want, eps float64) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Fatalf("got=%g want=%g (eps=%g)", got, want, eps)
	}
}

const query = "waterways|bbox=29,-3,29.5,-2.5|limit=10"

func TestInc_Accumulates(t *testing.T) {
	tr, _ := newTestTracker(time.Minute)
	for i := 1; i <= 3; i++ {
		almostEq(t, tr.Inc(query), float64(i), 1e-9)
	}
	almostEq(t, tr.Score(query), 3, 1e-9)
}

func TestHalfLife_DecaysByHalf(t *testing.T) {
	hl := 2 * time.Second
	tr, fc := newTestTracker(hl)
	tr.Inc(query)

	fc.Add(hl)
	almostEq(t, tr.Score(query), 0.5, 1e-6)
	fc.Add(hl)
	almostEq(t, tr.Score(query), 0.25, 1e-6)

	// decayed score carries into the next increment
	almostEq(t, tr.Inc(query), 1.25, 1e-6)
}

func TestAdmit_SecondWithinHalfLife(t *testing.T) {
	hl := time.Minute
	tr, fc := newTestTracker(hl)
	if tr.Admit(query, 2) {
		t.Fatal("first request admitted")
	}
	fc.Add(hl - time.Millisecond)
	if !tr.Admit(query, 2) {
		t.Fatalf("repeat inside one half-life not admitted (score %g)", tr.Score(query))
	}
}

func TestAdmit_ExactCount(t *testing.T) {
	hl := time.Minute
	for _, n := range []int{1, 2, 3, 5, 8} {
		tr, fc := newTestTracker(hl)
		key := fmt.Sprintf("%s|n=%d", query, n)
		var admitted bool
		for i := 0; i < n; i++ {
			if i > 0 {
				fc.Add(hl / 20 / time.Duration(n))
			}
			admitted = tr.Admit(key, float64(n))
			if i < n-1 && admitted {
				t.Fatalf("n=%d: admitted after %d requests", n, i+1)
			}
		}
		if !admitted {
			t.Fatalf("n=%d: %d close requests not admitted (score %g)", n, n, tr.Score(key))
		}
	}
}

func TestAdmit_SpreadOut(t *testing.T) {
	tr, fc := newTestTracker(time.Second)
	if tr.Admit(query, 2) {
		t.Fatal("first request admitted")
	}
	fc.Add(3 * time.Second)
	if tr.Admit(query, 2) {
		t.Fatal("requests three half-lives apart admitted")
	}
	fc.Add(time.Nanosecond)
	if !tr.Admit(query, 2) {
		t.Fatal("back to back requests not admitted")
	}
}

func TestReached(t *testing.T) {
	cases := []struct {
		score, threshold float64
		want             bool
	}{
		{0, 0, true},
		{1, 1, true},
		{1.9999998, 2, true},
		{1.5, 2, true},
		{1.49, 2, false},
		{2, 3, false},
	}
	for _, tc := range cases {
		if got := Reached(tc.score, tc.threshold); got != tc.want {
			t.Fatalf("Reached(%g, %g)=%v want %v", tc.score, tc.threshold, got, tc.want)
		}
	}
}

func TestConcurrentInc(t *testing.T) {
	tr, _ := newTestTracker(time.Minute)
	const n = 256
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Inc(query)
		}()
	}
	wg.Wait()
	almostEq(t, tr.Score(query), n, 1e-9)
}

func TestReset(t *testing.T) {
	tr, _ := newTestTracker(30 * time.Second)
	tr.Inc("a")
	tr.Inc("b")
	tr.Reset("a", "")
	if tr.Score("a") != 0 || tr.Score("b") <= 0 {
		t.Fatalf("a=%g b=%g", tr.Score("a"), tr.Score("b"))
	}
	if tr.Inc("") != 0 || tr.Score("") != 0 {
		t.Fatal("empty key must be ignored")
	}
}

func TestSweep_BoundsShards(t *testing.T) {
	tr, fc := newTestTracker(time.Second)
	for i := range numShards * shardCap {
		tr.Inc(fmt.Sprintf("q%d", i))
	}
	// every entry is cold after many half-lives
	fc.Add(time.Minute)
	for i := range numShards * 4 {
		tr.Inc(fmt.Sprintf("fresh%d", i))
	}
	if got := tr.Size(); got > numShards*shardCap {
		t.Fatalf("size=%d exceeds cap", got)
	}
	if tr.Score("fresh0") != 1 {
		t.Fatalf("fresh key lost: %g", tr.Score("fresh0"))
	}
}

func TestDecay_Edges(t *testing.T) {
	if got := decay(0, 10, 60); got != 0 {
		t.Fatalf("got %g", got)
	}
	if got := decay(5, 0, 60); got != 5 {
		t.Fatalf("got %g", got)
	}
	if got := decay(5, 10, 0); got != 5 {
		t.Fatalf("got %g", got)
	}
}
