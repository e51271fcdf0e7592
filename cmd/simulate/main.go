// Command simulate streams synthetic sensor telemetry at a running
// server. Each simulated location emits steady readings with Gaussian
// noise; after the configured delay one location develops a leak, so
// the full detect-alert-actuate path can be watched end to end.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hydrowatch/backend/internal/core"
)

// SimConfig holds the traffic shape.
type SimConfig struct {
	URL            string
	Locations      int
	Rate           float64 // samples per second per location
	Duration       time.Duration
	LeakAfter      time.Duration
	LeakDropPct    float64
	ReportInterval time.Duration
	Seed           int64
}

// SimStats tracks delivery metrics.
type SimStats struct {
	Sent       uint64
	Accepted   uint64
	Throttled  uint64
	Failed     uint64
	MaxLatency time.Duration
	MinLatency time.Duration
	AvgLatency time.Duration
	P95Latency time.Duration
}

func main() {
	url := flag.String("url", "http://localhost:8080", "server base URL")
	locations := flag.Int("locations", 3, "number of simulated locations")
	rate := flag.Float64("rate", 2, "samples per second per location")
	duration := flag.Duration("duration", 2*time.Minute, "how long to stream")
	leakAfter := flag.Duration("leak-after", 1*time.Minute, "when the leak starts (0 = never)")
	leakDrop := flag.Float64("leak-drop", 0.30, "fractional pressure drop of the leak")
	reportInterval := flag.Duration("report", 5*time.Second, "stats reporting interval")
	seed := flag.Int64("seed", 0, "RNG seed (0 = time-seeded)")
	flag.Parse()

	cfg := SimConfig{
		URL:            *url,
		Locations:      *locations,
		Rate:           *rate,
		Duration:       *duration,
		LeakAfter:      *leakAfter,
		LeakDropPct:    *leakDrop,
		ReportInterval: *reportInterval,
		Seed:           *seed,
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	slog.Info("🚰 Starting sensor stream simulation")
	slog.Info("Target", "url", cfg.URL, "locations", cfg.Locations, "rate_hz", cfg.Rate)
	slog.Info("Leak scenario", "after", cfg.LeakAfter, "drop_pct", cfg.LeakDropPct)

	stats := runSimulation(cfg)
	printResults(stats)
}

func runSimulation(cfg SimConfig) *SimStats {
	stats := &SimStats{MinLatency: time.Hour}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	client := &http.Client{Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()
	go reportStats(ctx, stats, cfg.ReportInterval)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < cfg.Locations; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			streamLocation(ctx, cfg, client, idx, start, stats, &latencies, &latenciesMu)
		}(i)
	}
	wg.Wait()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
	}
	latenciesMu.Unlock()
	return stats
}

// streamLocation emits one location's telemetry until ctx expires.
// Location 0 is the leaking one.
func streamLocation(
	ctx context.Context,
	cfg SimConfig,
	client *http.Client,
	idx int,
	start time.Time,
	stats *SimStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	rng := rand.New(rand.NewSource(cfg.Seed + int64(idx)))
	location := fmt.Sprintf("zone-%d", idx+1)
	basePressure := 48.0 + rng.Float64()*6 // bar, per-location offset
	baseFlow := 9.0 + rng.Float64()*3      // L/s

	interval := time.Duration(float64(time.Second) / cfg.Rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pressure := basePressure + rng.NormFloat64()*0.4
			flow := baseFlow + rng.NormFloat64()*0.2

			leaking := idx == 0 && cfg.LeakAfter > 0 && now.Sub(start) >= cfg.LeakAfter
			if leaking {
				// A leak drops pressure and pushes flow up as water escapes.
				pressure *= 1 - cfg.LeakDropPct
				flow *= 1 + cfg.LeakDropPct
			}

			sample := core.RawSample{
				Timestamp:  now.UTC(),
				Pressure:   pressure,
				Flow:       flow,
				ValveState: core.ValveOpen,
				Location:   location,
			}
			postSample(ctx, client, cfg.URL, sample, stats, latencies, latenciesMu)
		}
	}
}

func postSample(
	ctx context.Context,
	client *http.Client,
	baseURL string,
	sample core.RawSample,
	stats *SimStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	body, err := json.Marshal(sample)
	if err != nil {
		atomic.AddUint64(&stats.Failed, 1)
		return
	}
	req, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/api/v1/samples", bytes.NewReader(body))
	if err != nil {
		atomic.AddUint64(&stats.Failed, 1)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	atomic.AddUint64(&stats.Sent, 1)
	begin := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(begin)
	if err != nil {
		atomic.AddUint64(&stats.Failed, 1)
		return
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		atomic.AddUint64(&stats.Accepted, 1)
	case http.StatusTooManyRequests:
		atomic.AddUint64(&stats.Throttled, 1)
	default:
		atomic.AddUint64(&stats.Failed, 1)
	}

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func reportStats(ctx context.Context, stats *SimStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			slog.Info("Progress",
				"sent", atomic.LoadUint64(&stats.Sent),
				"accepted", atomic.LoadUint64(&stats.Accepted),
				"throttled", atomic.LoadUint64(&stats.Throttled),
				"failed", atomic.LoadUint64(&stats.Failed),
			)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *SimStats) {
	separator := "================================================================================"

	fmt.Println("\n" + separator)
	fmt.Println("📊 SIMULATION RESULTS")
	fmt.Println(separator)
	fmt.Printf("Samples Sent:       %d\n", stats.Sent)
	fmt.Printf("Accepted:           %d\n", stats.Accepted)
	fmt.Printf("Throttled (429):    %d\n", stats.Throttled)
	fmt.Printf("Failed:             %d\n", stats.Failed)
	fmt.Printf("Latency (min):      %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):      %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):      %v\n", stats.P95Latency)
	fmt.Printf("Latency (max):      %v\n", stats.MaxLatency)
	fmt.Println(separator)

	if stats.Sent > 0 && stats.Failed == 0 {
		fmt.Println("✅ PASS: all samples delivered")
	} else {
		fmt.Printf("⚠️  WARN: %d samples failed\n", stats.Failed)
	}
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
