// Package dreamcycle runs the daily five-phase maintenance worker (§4.11):
// KV snapshot, vector prune, log rotation, zombie-process scan, and health
// report. Scheduling is grounded in the teacher's cron wiring
// (internal/scheduler/scheduler.go), adapted to a single fixed job instead
// of a dynamic per-tenant schedule store, with the mandated max_instances=1
// guard and a 30-minute hard wall-clock cap enforced before every phase.
package dreamcycle

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kestrelrun/sentinel/internal/audit"
	"github.com/kestrelrun/sentinel/internal/kvstore"
	"github.com/kestrelrun/sentinel/internal/logging"
	"github.com/kestrelrun/sentinel/internal/vectorstore"
)

// Config holds the cron schedule and phase limits.
type Config struct {
	CronExpr          string        // e.g. "0 3 * * *" for 03:00 local
	HardCap           time.Duration // default: 30m
	MemoryPruneAge    time.Duration // default: 30 * 24h
	PruneBatchSize    int           // default: 5000
	LogGzipThreshold  int64         // default: 10MiB
	LogDir            string
	HealthReportTTL   time.Duration // default: 48h
}

// HealthReport is the phase-5 summary stored to KV.
type HealthReport struct {
	RanAt            time.Time `json:"ran_at"`
	DurationMs       int64     `json:"duration_ms"`
	PhasesCompleted  int       `json:"phases_completed"`
	MemoryPruned     int64     `json:"memory_pruned"`
	LogsCompressed   int       `json:"logs_compressed"`
	ZombieProcesses  int       `json:"zombie_processes"`
	CappedEarly      bool      `json:"capped_early"`
}

// Worker runs the dream cycle on a cron schedule, refusing concurrent
// executions.
type Worker struct {
	cfg     Config
	kv      *kvstore.Store
	vectors *vectorstore.Store
	log     *audit.Log

	cron    *cron.Cron
	running atomic.Bool
}

var memoryCollections = []string{
	vectorstore.CollectionConversationHistory,
	vectorstore.CollectionKnowledgeBase,
	vectorstore.CollectionSkillMemory,
}

// New constructs a Worker. Start schedules it; TriggerNow runs it
// immediately, subject to the same single-instance guard.
func New(cfg Config, kv *kvstore.Store, vectors *vectorstore.Store, log *audit.Log) *Worker {
	return &Worker{
		cfg:     cfg,
		kv:      kv,
		vectors: vectors,
		log:     log,
		cron:    cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow))),
	}
}

// Start registers the daily cron entry and begins the scheduler loop.
func (w *Worker) Start() error {
	_, err := w.cron.AddFunc(w.cfg.CronExpr, func() {
		w.TriggerNow(context.Background())
	})
	if err != nil {
		return fmt.Errorf("register dream cycle schedule: %w", err)
	}
	w.cron.Start()
	return nil
}

// Stop halts the scheduler. In-flight runs are not interrupted.
func (w *Worker) Stop() {
	w.cron.Stop()
}

// TriggerNow runs the cycle immediately. Concurrent triggers are refused
// per §4.11's max_instances=1 requirement.
func (w *Worker) TriggerNow(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("dream cycle already running")
	}
	defer w.running.Store(false)

	start := time.Now()
	deadline := start.Add(w.cfg.HardCap)
	report := HealthReport{RanAt: start}

	phases := []func(context.Context, *HealthReport) error{
		w.phaseKVSnapshot,
		w.phaseVectorPrune,
		w.phaseLogRotation,
		w.phaseZombieScan,
	}

	for _, phase := range phases {
		if time.Now().After(deadline) {
			report.CappedEarly = true
			logging.Op().Warn("dream cycle hit hard cap before completing all phases")
			break
		}
		if err := phase(ctx, &report); err != nil {
			logging.Op().Error("dream cycle phase failed", "error", err)
			continue
		}
		report.PhasesCompleted++
	}

	report.DurationMs = time.Since(start).Milliseconds()
	if !time.Now().After(deadline) {
		if err := w.phaseHealthReport(ctx, &report); err != nil {
			logging.Op().Error("dream cycle health report phase failed", "error", err)
		} else {
			report.PhasesCompleted++
		}
	}

	return nil
}

// phaseKVSnapshot is phase 1: a point-in-time snapshot marker. The actual
// KV backend (Redis) already persists to disk on its own schedule; this
// phase only checks that the KV store is reachable and writes nothing.
func (w *Worker) phaseKVSnapshot(ctx context.Context, report *HealthReport) error {
	return w.kv.Ping(ctx)
}

// phaseVectorPrune is phase 2: delete temporary entries older than
// MemoryPruneAge across every collection, bounded per collection.
func (w *Worker) phaseVectorPrune(ctx context.Context, report *HealthReport) error {
	if w.vectors == nil {
		return fmt.Errorf("vector store not configured, skipping memory prune")
	}
	cutoff := time.Now().Add(-w.cfg.MemoryPruneAge)
	var total int64
	for _, collection := range memoryCollections {
		n, err := w.vectors.PruneTemporaryStale(ctx, collection, cutoff, w.cfg.PruneBatchSize)
		if err != nil {
			return fmt.Errorf("prune collection %s: %w", collection, err)
		}
		total += n
	}
	report.MemoryPruned = total
	return nil
}

// phaseLogRotation is phase 3: gzip any log file larger than the
// configured threshold, then remove the original. Only files directly in
// LogDir are considered; subdirectories are not searched.
func (w *Worker) phaseLogRotation(ctx context.Context, report *HealthReport) error {
	if w.cfg.LogDir == "" {
		return nil
	}
	entries, err := os.ReadDir(w.cfg.LogDir)
	if err != nil {
		return fmt.Errorf("read log dir: %w", err)
	}
	compressed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.cfg.LogDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() <= w.cfg.LogGzipThreshold {
			continue
		}
		if err := gzipAndRemove(path); err != nil {
			logging.Op().Warn("failed to gzip log file", "path", path, "error", err)
			continue
		}
		compressed++
	}
	report.LogsCompressed = compressed
	return nil
}

func gzipAndRemove(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer dst.Close()

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	src.Close()
	return os.Remove(path)
}

// phaseZombieScan is phase 4: an informational scan for zombie child
// processes. No remediation is taken; results are counted only. Go's
// stdlib has no process-table inspection equivalent to psutil, so this
// shells out to ps and counts rows whose STAT column carries a Z —
// Linux-only, best-effort, and never fatal to the cycle.
func (w *Worker) phaseZombieScan(ctx context.Context, report *HealthReport) error {
	count, err := countZombies(ctx)
	if err != nil {
		logging.Op().Warn("zombie process scan failed", "error", err)
		report.ZombieProcesses = 0
		return nil
	}
	report.ZombieProcesses = count
	return nil
}

func countZombies(ctx context.Context) (int, error) {
	out, err := exec.CommandContext(ctx, "ps", "-e", "-o", "stat=").Output()
	if err != nil {
		return 0, fmt.Errorf("ps: %w", err)
	}
	count := 0
	for _, line := range strings.Split(string(out), "\n") {
		stat := strings.TrimSpace(line)
		if stat == "" {
			continue
		}
		if strings.ContainsRune(stat, 'Z') {
			count++
		}
	}
	return count, nil
}

// phaseHealthReport is phase 5: assemble and store the cycle's summary
// with a fixed TTL.
func (w *Worker) phaseHealthReport(ctx context.Context, report *HealthReport) error {
	return w.kv.SetHealthReport(ctx, report, w.cfg.HealthReportTTL)
}
