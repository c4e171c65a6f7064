package main

import (
	"math/rand"
	"net/url"
	"testing"
	"time"
)

func TestMakeBBoxes_StayInsideExtent(t *testing.T) {
	extent := BBox{28.9, -4.5, 30.9, -2.3}
	boxes := makeBBoxes(64, extent, rand.New(rand.NewSource(1)))
	if len(boxes) != 64 {
		t.Fatalf("len=%d want 64", len(boxes))
	}
	for i, b := range boxes {
		if b.X1 < extent.X1 || b.Y1 < extent.Y1 || b.X2 > extent.X2 || b.Y2 > extent.Y2 {
			t.Fatalf("box %d %v escapes extent", i, b)
		}
		if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
			t.Fatalf("box %d %v is empty", i, b)
		}
	}
}

func TestParseExtent(t *testing.T) {
	b, err := parseExtent("29, -3.5, 30, -3")
	if err != nil {
		t.Fatal(err)
	}
	if b != (BBox{29, -3.5, 30, -3}) {
		t.Fatalf("got %v", b)
	}
	for _, bad := range []string{"", "1,2,3", "30,-3,29,-3.5"} {
		if _, err := parseExtent(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestItemsURL(t *testing.T) {
	cfg := Config{BaseURL: "http://localhost:8090/", Collection: "waterways", Limit: 50, Filter: `waterway == "river"`}
	u, err := url.Parse(itemsURL(cfg, BBox{29, -3.5, 30, -3}))
	if err != nil {
		t.Fatal(err)
	}
	if u.Path != "/collections/waterways/items" {
		t.Fatalf("path=%q", u.Path)
	}
	q := u.Query()
	if q.Get("bbox") != "29.00000,-3.50000,30.00000,-3.00000" || q.Get("limit") != "50" {
		t.Fatalf("query=%v", q)
	}
	if q.Get("filter-lang") != "cel" || q.Get("filter") != `waterway == "river"` {
		t.Fatalf("filter params=%v", q)
	}
}

func TestCollect(t *testing.T) {
	ch := make(chan sample, 4)
	ch <- sample{latency: 10 * time.Millisecond, status: 200}
	ch <- sample{latency: 30 * time.Millisecond, status: 200}
	ch <- sample{status: 400}
	ch <- sample{err: errTest{}}
	close(ch)

	s := collect(ch)
	if s.Total != 4 || s.Success != 2 || s.Errors != 2 {
		t.Fatalf("counts=%+v", s)
	}
	if s.Statuses["200"] != 2 || s.Statuses["400"] != 1 || s.Statuses["error"] != 1 {
		t.Fatalf("statuses=%v", s.Statuses)
	}
	if s.P50Ms != 20 {
		t.Fatalf("p50=%v want 20", s.P50Ms)
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }

func TestPercentile(t *testing.T) {
	vals := []float64{1, 2, 3, 4}
	cases := []struct {
		p, want float64
	}{
		{0, 1}, {100, 4}, {50, 2.5},
	}
	for _, c := range cases {
		if got := percentile(vals, c.p); got != c.want {
			t.Fatalf("p%v=%v want %v", c.p, got, c.want)
		}
	}
	if got := percentile(nil, 50); got != 0 {
		t.Fatalf("empty=%v", got)
	}
}
