package skills

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrelrun/sentinel/internal/audit"
	"github.com/kestrelrun/sentinel/internal/codes"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	root := t.TempDir()
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := audit.Open(logPath)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	cfg := Config{
		RootDir:           root,
		MaxCodeSizeBytes:  1 << 20,
		CleanRunsRequired: 3,
		SandboxTimeout:    2 * time.Second,
		SandboxKillGrace:  500 * time.Millisecond,
		StdoutHeadBytes:   1000,
		StderrHeadBytes:   500,
	}
	return New(cfg, codes.New(300*time.Second), log)
}

func TestSubmitWritesPendingState(t *testing.T) {
	r := newTestRegistry(t)
	m, err := r.Submit("skill-1", "v1", LanguagePython, Source{Type: "manual", Origin: "test"}, []byte("print('hi')\n"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if m.QuarantineState != StatePending {
		t.Fatalf("state = %v, want pending", m.QuarantineState)
	}
	dir := filepath.Join(r.cfg.RootDir, "quarantine", "skill-1")
	if _, err := os.Stat(filepath.Join(dir, "metadata.json")); err != nil {
		t.Fatalf("metadata.json missing: %v", err)
	}
}

func TestSubmitRejectsOversizedCode(t *testing.T) {
	r := newTestRegistry(t)
	r.cfg.MaxCodeSizeBytes = 4
	_, err := r.Submit("skill-big", "v1", LanguagePython, Source{}, []byte("toolong"))
	if err == nil {
		t.Fatalf("expected oversized code to be rejected")
	}
}

func TestRunTestDetectsTamper(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Submit("skill-2", "v1", LanguagePython, Source{}, []byte("print('hi')\n"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	dir := filepath.Join(r.cfg.RootDir, "quarantine", "skill-2")
	if err := os.WriteFile(filepath.Join(dir, "skill.py"), []byte("print('tampered')\n"), 0o644); err != nil {
		t.Fatalf("tamper write: %v", err)
	}
	if _, err := r.RunTest(t.Context(), "skill-2"); err == nil {
		t.Fatalf("expected tamper detection error")
	}
}

func TestPromotionFlowRequiresThreeCleanRuns(t *testing.T) {
	if _, err := os.Stat("/usr/bin/python3"); err != nil {
		t.Skip("python3 not available in sandbox")
	}
	r := newTestRegistry(t)
	_, err := r.Submit("skill-3", "v1", LanguagePython, Source{}, []byte("print('ok')\n"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var m *Metadata
	for i := 0; i < 3; i++ {
		m, err = r.RunTest(t.Context(), "skill-3")
		if err != nil {
			t.Fatalf("RunTest %d: %v", i, err)
		}
	}
	if m.QuarantineState != StateAwaitingPromotion {
		t.Fatalf("state after 3 clean runs = %v, want awaiting_promotion", m.QuarantineState)
	}

	code, err := r.RequestPromotion("skill-3")
	if err != nil {
		t.Fatalf("RequestPromotion: %v", err)
	}
	m, err = r.Promote("skill-3", code)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if m.QuarantineState != StatePromoted {
		t.Fatalf("state after promote = %v, want promoted", m.QuarantineState)
	}
	if _, err := os.Stat(filepath.Join(r.cfg.RootDir, "active", "skill-3")); err != nil {
		t.Fatalf("expected skill directory under active/: %v", err)
	}
}

func TestPromoteWithWrongCodeFails(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Submit("skill-4", "v1", LanguagePython, Source{}, []byte("print('ok')\n"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	dir := filepath.Join(r.cfg.RootDir, "quarantine", "skill-4")
	m, err := r.readMetadata(dir)
	if err != nil {
		t.Fatalf("readMetadata: %v", err)
	}
	m.QuarantineState = StateAwaitingPromotion
	if err := r.writeMetadata(dir, m); err != nil {
		t.Fatalf("writeMetadata: %v", err)
	}

	if _, err := r.Promote("skill-4", "0000"); err == nil {
		t.Fatalf("expected promote with no issued code to fail")
	}
}

func TestDeprecateRequiresPromotedState(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Submit("skill-5", "v1", LanguagePython, Source{}, []byte("print('ok')\n"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := r.Deprecate("skill-5", "manual"); err == nil {
		t.Fatalf("expected deprecate from pending to fail")
	}
}
