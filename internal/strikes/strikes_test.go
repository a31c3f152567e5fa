package strikes

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kestrelrun/sentinel/internal/audit"
	"github.com/kestrelrun/sentinel/internal/codes"
	"github.com/kestrelrun/sentinel/internal/kvstore"
	"github.com/kestrelrun/sentinel/internal/skills"
)

func newTestTracker(t *testing.T, limit int) (*Tracker, *skills.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv, err := kvstore.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("kvstore.New: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := audit.Open(logPath)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	reg := skills.New(skills.Config{
		RootDir:           t.TempDir(),
		MaxCodeSizeBytes:  1 << 20,
		CleanRunsRequired: 3,
		SandboxTimeout:    time.Second,
		SandboxKillGrace:  time.Second,
		StdoutHeadBytes:   1000,
		StderrHeadBytes:   500,
	}, codes.New(300*time.Second), log)

	return New(kv, reg, limit), reg
}

func promoteDirectly(t *testing.T, reg *skills.Registry, id string) {
	t.Helper()
	_, err := reg.Submit(id, "v1", skills.LanguagePython, skills.Source{}, []byte("pass\n"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// The skill is only submitted and stays pending: this package has no
	// way to promote it without the full run_test/promote flow.
	m, err := reg.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_ = m
}

func TestRecordFailureBelowLimitDoesNotDeprecate(t *testing.T) {
	tr, reg := newTestTracker(t, 3)
	promoteDirectly(t, reg, "skill-a")

	if err := tr.RecordFailure(t.Context(), "skill-a"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	m, err := reg.Get("skill-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.StrikeCount != 1 {
		t.Fatalf("StrikeCount = %d, want 1", m.StrikeCount)
	}
	if m.QuarantineState == skills.StateDeprecated {
		t.Fatalf("skill deprecated below strike limit")
	}
}

func TestRecordFailureAtLimitResetsCounter(t *testing.T) {
	tr, reg := newTestTracker(t, 1)
	promoteDirectly(t, reg, "skill-b")

	// kvCount 0 is below the limit: this only bumps the metadata strike
	// counter; the skill stays pending.
	reg.RecordStrikeAndMaybeDeprecate("skill-b", 0, 1)

	if err := tr.RecordFailure(t.Context(), "skill-b"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	count, err := tr.kv.StrikeCount(t.Context(), "skill-b")
	if err != nil {
		t.Fatalf("StrikeCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("KV strike counter after reaching limit = %d, want reset to 0", count)
	}
}
