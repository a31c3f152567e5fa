// Package health assembles a point-in-time system health report consumed
// by the sentinelctl status command (the dream cycle's phase-5 step builds
// its own dreamcycle.HealthReport and does not use this package). Exposing this over
// HTTP is the excluded transport surface (§1 non-goals); this package
// only produces the Report value.
package health

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelrun/sentinel/internal/cloudbreaker"
	"github.com/kestrelrun/sentinel/internal/kvstore"
	"github.com/kestrelrun/sentinel/internal/localmodel"
	"github.com/kestrelrun/sentinel/internal/vectorstore"
)

// Report is the assembled health snapshot.
type Report struct {
	CollectedAt     time.Time `json:"collected_at"`
	GoroutineCount  int       `json:"goroutine_count"`
	HeapAllocBytes  uint64    `json:"heap_alloc_bytes"`
	LoadAverage1m   float64   `json:"load_average_1m"`
	KVReachable     bool      `json:"kv_reachable"`
	VectorReachable bool      `json:"vector_reachable"`
	LocalAvailable  bool      `json:"local_available"`
	BreakerState    string    `json:"breaker_state"`
	TokensUsedToday int64     `json:"tokens_used_today"`
}

// Collector gathers a Report from the process's own runtime stats and the
// reachability of every external dependency.
type Collector struct {
	kv      *kvstore.Store
	vectors *vectorstore.Store
	local   *localmodel.Client
	breaker *cloudbreaker.Breaker
	cloud   tokenTracker
}

// tokenTracker is the subset of *cloudclient.Client health needs.
type tokenTracker interface {
	TokensUsedToday() int64
}

// New constructs a Collector.
func New(kv *kvstore.Store, vectors *vectorstore.Store, local *localmodel.Client, breaker *cloudbreaker.Breaker, cloud tokenTracker) *Collector {
	return &Collector{kv: kv, vectors: vectors, local: local, breaker: breaker, cloud: cloud}
}

// Collect assembles a Report. Every dependency probe is best-effort: an
// unreachable dependency is reflected as false/zero rather than failing
// the whole collection.
func (c *Collector) Collect(ctx context.Context) (Report, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	report := Report{
		CollectedAt:     time.Now(),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAllocBytes:  mem.HeapAlloc,
		LoadAverage1m:   readLoadAverage(),
		KVReachable:     c.kv != nil && c.kv.Ping(ctx) == nil,
		VectorReachable: c.vectors != nil && c.vectors.Ping(ctx) == nil,
		LocalAvailable:  c.local != nil && c.local.Available(ctx),
	}
	if c.breaker != nil {
		report.BreakerState = c.breaker.State().String()
	}
	if c.cloud != nil {
		report.TokensUsedToday = c.cloud.TokensUsedToday()
	}
	return report, nil
}

// readLoadAverage reads the 1-minute load average from /proc/loadavg.
// Returns 0 on any platform or read failure rather than erroring the
// whole report — this is an informational field only.
func readLoadAverage() float64 {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return v
}
