// Command loadgen replays a Zipf-skewed mix of bbox queries against one
// collection's items endpoint and writes a latency summary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammed-shakir/pgfeatures/internal/logger"
)

type Config struct {
	BaseURL        string
	Collection     string
	Filter         string
	Limit          int
	Concurrency    int
	Duration       time.Duration
	ZipfS          float64
	ZipfV          float64
	BBoxCount      int
	Extent         string
	Output         string
	RequestTimeout time.Duration
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "base", "http://localhost:8090", "featureserver base URL")
	flag.StringVar(&cfg.Collection, "collection", "waterways", "collection to query")
	flag.StringVar(&cfg.Filter, "filter", "", "optional CEL filter sent with every request")
	flag.IntVar(&cfg.Limit, "limit", 100, "page size")
	flag.IntVar(&cfg.Concurrency, "concurrency", 16, "concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 30*time.Second, "test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.BBoxCount, "bboxes", 128, "distinct bboxes in the pool")
	flag.StringVar(&cfg.Extent, "extent", "28.9,-4.5,30.9,-2.3", "lon/lat extent bboxes are drawn from")
	flag.StringVar(&cfg.Output, "out", "", "summary JSON path (stdout when empty)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 10*time.Second, "per-request timeout")
	flag.Parse()
	return cfg
}

type BBox struct{ X1, Y1, X2, Y2 float64 }

func (b BBox) String() string {
	return fmt.Sprintf("%.5f,%.5f,%.5f,%.5f", b.X1, b.Y1, b.X2, b.Y2)
}

func parseExtent(s string) (BBox, error) {
	var b BBox
	if _, err := fmt.Sscanf(strings.ReplaceAll(s, " ", ""), "%f,%f,%f,%f", &b.X1, &b.Y1, &b.X2, &b.Y2); err != nil {
		return BBox{}, fmt.Errorf("parse extent %q: %w", s, err)
	}
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return BBox{}, fmt.Errorf("extent %q is empty", s)
	}
	return b, nil
}

// makeBBoxes returns count boxes inside extent. The first quarter cluster
// around a few fixed points so a Zipf draw keeps hitting the same pages.
func makeBBoxes(count int, extent BBox, r *rand.Rand) []BBox {
	w, h := extent.X2-extent.X1, extent.Y2-extent.Y1
	hot := [][2]float64{
		{extent.X1 + w*0.25, extent.Y1 + h*0.25},
		{extent.X1 + w*0.50, extent.Y1 + h*0.50},
		{extent.X1 + w*0.75, extent.Y1 + h*0.60},
	}
	out := make([]BBox, 0, count)
	hotCount := max(count/4, 1)
	for i := 0; i < hotCount && len(out) < count; i++ {
		c := hot[i%len(hot)]
		size := w * (0.02 + r.Float64()*0.03)
		out = append(out, BBox{c[0] - size, c[1] - size, c[0] + size, c[1] + size})
	}
	for len(out) < count {
		size := w * (0.01 + r.Float64()*0.05)
		x := extent.X1 + size + r.Float64()*(w-2*size)
		y := extent.Y1 + size + r.Float64()*(h-2*size)
		out = append(out, BBox{x - size, y - size, x + size, y + size})
	}
	return out
}

type summary struct {
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	DurationSec   float64        `json:"duration_sec"`
	Total         int64          `json:"total"`
	Success       int64          `json:"success"`
	Errors        int64          `json:"errors"`
	ThroughputRPS float64        `json:"throughput_rps"`
	P50Ms         float64        `json:"p50_ms"`
	P95Ms         float64        `json:"p95_ms"`
	P99Ms         float64        `json:"p99_ms"`
	Statuses      map[string]int `json:"statuses"`
	Concurrency   int            `json:"concurrency"`
	BBoxes        int            `json:"bboxes"`
	Target        string         `json:"target"`
}

type sample struct {
	latency time.Duration
	status  int
	err     error
}

func itemsURL(cfg Config, box BBox) string {
	u, _ := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	u.Path += "/collections/" + url.PathEscape(cfg.Collection) + "/items"
	q := url.Values{}
	q.Set("bbox", box.String())
	q.Set("limit", fmt.Sprint(cfg.Limit))
	if cfg.Filter != "" {
		q.Set("filter-lang", "cel")
		q.Set("filter", cfg.Filter)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func main() {
	cfg := loadConfig()
	zl := logger.Build(logger.Config{Level: "info", Console: true, Component: "loadgen"}, os.Stderr)
	log := logger.NewSlog(&zl)

	extent, err := parseExtent(cfg.Extent)
	if err != nil {
		log.Error("bad extent", "err", err)
		os.Exit(2)
	}
	if cfg.BBoxCount < 1 || cfg.Concurrency < 1 {
		log.Error("bboxes and concurrency must be positive")
		os.Exit(2)
	}
	if cfg.ZipfS <= 1 || cfg.ZipfV < 1 {
		log.Error("zipf-s must be > 1 and zipf-v >= 1")
		os.Exit(2)
	}

	seed := time.Now().UnixNano()
	bboxes := makeBBoxes(cfg.BBoxCount, extent, rand.New(rand.NewSource(seed)))

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:        1024,
			MaxIdleConnsPerHost: 256,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: cfg.RequestTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	log.Info("loadgen start",
		"base", cfg.BaseURL,
		"collection", cfg.Collection,
		"duration", cfg.Duration,
		"concurrency", cfg.Concurrency,
		"bboxes", len(bboxes))

	samples := make(chan sample, 4096)
	var wg sync.WaitGroup
	for id := range cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(id) + 1))
			zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, uint64(len(bboxes)-1))
			for ctx.Err() == nil {
				target := itemsURL(cfg, bboxes[zipf.Uint64()])
				s := do(ctx, client, target)
				select {
				case samples <- s:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(samples)
	}()

	start := time.Now()
	sum := collect(samples)
	sum.Start, sum.End = start.UTC(), time.Now().UTC()
	sum.DurationSec = sum.End.Sub(sum.Start).Seconds()
	if sum.DurationSec > 0 {
		sum.ThroughputRPS = float64(sum.Total) / sum.DurationSec
	}
	sum.Concurrency = cfg.Concurrency
	sum.BBoxes = len(bboxes)
	sum.Target = cfg.BaseURL + "/collections/" + cfg.Collection + "/items"

	if err := writeSummary(cfg.Output, sum); err != nil {
		log.Error("write summary", "err", err)
		os.Exit(1)
	}
	log.Info("loadgen done",
		"total", sum.Total,
		"errors", sum.Errors,
		"rps", sum.ThroughputRPS,
		"p50_ms", sum.P50Ms,
		"p99_ms", sum.P99Ms)
}

func do(ctx context.Context, client *http.Client, target string) sample {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return sample{err: err}
	}
	req.Header.Set("Accept", "application/geo+json")
	resp, err := client.Do(req)
	if err != nil {
		return sample{latency: time.Since(start), err: err}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return sample{latency: time.Since(start), status: resp.StatusCode}
}

func collect(samples <-chan sample) summary {
	var sum summary
	sum.Statuses = map[string]int{}
	lat := make([]float64, 0, 1<<16)
	for s := range samples {
		sum.Total++
		switch {
		case s.err != nil:
			sum.Errors++
			sum.Statuses["error"]++
		case s.status >= 200 && s.status < 300:
			sum.Success++
			sum.Statuses[fmt.Sprint(s.status)]++
			lat = append(lat, float64(s.latency.Microseconds())/1000.0)
		default:
			sum.Errors++
			sum.Statuses[fmt.Sprint(s.status)]++
		}
	}
	sort.Float64s(lat)
	sum.P50Ms = percentile(lat, 50)
	sum.P95Ms = percentile(lat, 95)
	sum.P99Ms = percentile(lat, 99)
	return sum
}

func writeSummary(path string, sum summary) error {
	out := io.Writer(os.Stdout)
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return err
		}
		f, err := os.Create(filepath.Clean(path))
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	k := (p / 100.0) * float64(len(sorted)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	d := k - f
	return sorted[i]*(1-d) + sorted[i+1]*d
}
