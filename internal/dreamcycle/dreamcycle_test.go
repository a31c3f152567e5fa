package dreamcycle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kestrelrun/sentinel/internal/kvstore"
)

func newTestWorker(t *testing.T, logDir string) *Worker {
	t.Helper()
	mr := miniredis.RunT(t)
	kv, err := kvstore.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("kvstore.New: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	cfg := Config{
		CronExpr:         "0 3 * * *",
		HardCap:          30 * time.Minute,
		MemoryPruneAge:   30 * 24 * time.Hour,
		PruneBatchSize:   5000,
		LogGzipThreshold: 10 << 20,
		LogDir:           logDir,
		HealthReportTTL:  48 * time.Hour,
	}
	// Worker is constructed without a vectorstore here since these tests
	// don't exercise phaseVectorPrune against a live Postgres instance.
	return New(cfg, kv, nil, nil)
}

func TestTriggerNowRefusesConcurrentRuns(t *testing.T) {
	w := newTestWorker(t, t.TempDir())
	w.running.Store(true)
	defer w.running.Store(false)

	if err := w.TriggerNow(t.Context()); err == nil {
		t.Fatalf("expected concurrent trigger to be refused")
	}
}

func TestPhaseLogRotationCompressesLargeFiles(t *testing.T) {
	dir := t.TempDir()
	big := filepath.Join(dir, "ops.jsonl")
	if err := os.WriteFile(big, make([]byte, 11<<20), 0o644); err != nil {
		t.Fatalf("write big log: %v", err)
	}
	small := filepath.Join(dir, "small.jsonl")
	if err := os.WriteFile(small, []byte("tiny\n"), 0o644); err != nil {
		t.Fatalf("write small log: %v", err)
	}

	w := newTestWorker(t, dir)
	var report HealthReport
	if err := w.phaseLogRotation(t.Context(), &report); err != nil {
		t.Fatalf("phaseLogRotation: %v", err)
	}
	if report.LogsCompressed != 1 {
		t.Fatalf("LogsCompressed = %d, want 1", report.LogsCompressed)
	}
	if _, err := os.Stat(big + ".gz"); err != nil {
		t.Fatalf("expected gzipped file: %v", err)
	}
	if _, err := os.Stat(big); !os.IsNotExist(err) {
		t.Fatalf("expected original large log to be removed")
	}
	if _, err := os.Stat(small); err != nil {
		t.Fatalf("small log should be left untouched: %v", err)
	}
}

func TestPhaseHealthReportStoresSummary(t *testing.T) {
	w := newTestWorker(t, t.TempDir())
	report := HealthReport{PhasesCompleted: 4}
	if err := w.phaseHealthReport(t.Context(), &report); err != nil {
		t.Fatalf("phaseHealthReport: %v", err)
	}

	var got HealthReport
	found, err := w.kv.GetHealthReport(t.Context(), &got)
	if err != nil {
		t.Fatalf("GetHealthReport: %v", err)
	}
	if !found {
		t.Fatalf("expected a stored health report")
	}
	if got.PhasesCompleted != 4 {
		t.Fatalf("PhasesCompleted = %d, want 4", got.PhasesCompleted)
	}
}

func TestPhaseZombieScanNeverFailsTheCycle(t *testing.T) {
	w := newTestWorker(t, t.TempDir())
	report := HealthReport{}
	if err := w.phaseZombieScan(t.Context(), &report); err != nil {
		t.Fatalf("phaseZombieScan: %v", err)
	}
	if report.ZombieProcesses < 0 {
		t.Fatalf("ZombieProcesses = %d, want >= 0", report.ZombieProcesses)
	}
}
