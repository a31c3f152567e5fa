// Package skills implements the quarantine registry and state machine
// (§4.8). Directory layout is the authoritative state: moving a skill's
// directory between quarantine/, active/, and deprecated/ is the
// transition's durable effect, matching the metadata's quarantine_state
// field after every successful transition.
package skills

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kestrelrun/sentinel/internal/audit"
	"github.com/kestrelrun/sentinel/internal/codes"
	"github.com/kestrelrun/sentinel/internal/errs"
	"github.com/kestrelrun/sentinel/internal/sandbox"
)

// State is a quarantine_state value (§3).
type State string

const (
	StatePending            State = "pending"
	StateExecuting          State = "executing"
	StatePassed             State = "passed"
	StateFailed             State = "failed"
	StateAwaitingPromotion  State = "awaiting_promotion"
	StatePromoted           State = "promoted"
	StateRejected           State = "rejected"
	StateDeprecated         State = "deprecated"
)

// bucket maps a state to the directory subtree it must live in.
func bucket(s State) string {
	switch s {
	case StatePromoted:
		return "active"
	case StateDeprecated:
		return "deprecated"
	default:
		return "quarantine"
	}
}

// Language is a supported skill language (§3).
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageTypeScript Language = "typescript"
)

// TestResult is one append-only execution_tests record.
type TestResult struct {
	TestID     string    `json:"test_id"`
	Status     string    `json:"status"` // "passed" or "failed"
	ExecutedAt time.Time `json:"executed_at"`
	DurationMs int64     `json:"duration_ms"`
	ExitCode   int       `json:"exit_code"`
	StdoutHead string    `json:"stdout_head"`
	StderrHead string    `json:"stderr_head"`
}

// Source describes where a skill's code came from.
type Source struct {
	Type   string `json:"type"`
	Origin string `json:"origin"`
}

// CodeInfo records the on-disk code's hash, size, and language.
type CodeInfo struct {
	Hash      string   `json:"hash"`
	SizeBytes int64    `json:"size_bytes"`
	Language  Language `json:"language"`
}

// Metadata is the full per-skill record, serialized to metadata.json
// alongside the code file (§3).
type Metadata struct {
	SkillID         string       `json:"skill_id"`
	Version         string       `json:"version"`
	Language        Language     `json:"language"`
	QuarantineState State        `json:"quarantine_state"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	Source          Source       `json:"source"`
	Code            CodeInfo     `json:"code"`
	ExecutionTests  []TestResult `json:"execution_tests"`
	StrikeCount     int          `json:"strike_count"`

	// PromotionRequirements is carried through from the original prototype
	// (backend/skills/registry.py); it is descriptive metadata only and
	// does not change the clean-runs-required check, which uses the
	// registry-wide Config.CleanRunsRequired for every skill.
	PromotionRequirements map[string]any `json:"promotion_requirements,omitempty"`
}

func extensionFor(lang Language) string {
	switch lang {
	case LanguagePython:
		return "py"
	case LanguageJavaScript:
		return "js"
	case LanguageTypeScript:
		return "ts"
	default:
		return "txt"
	}
}

func (m *Metadata) codeFileName() string {
	return "skill." + extensionFor(m.Language)
}

// Config holds registry-wide limits (§4.8, §4.8.1).
type Config struct {
	RootDir           string
	MaxCodeSizeBytes  int64
	CleanRunsRequired int
	SandboxTimeout    time.Duration
	SandboxKillGrace  time.Duration
	StdoutHeadBytes   int
	StderrHeadBytes   int
}

// Registry owns the on-disk quarantine/active/deprecated subtrees. Each
// skill's transitions are serialized by skillLock so concurrent promote
// and deprecate calls for the same skill yield one winner, one failure,
// never interleaved state (§5).
type Registry struct {
	cfg    Config
	codes  *codes.Issuer
	log    *audit.Log

	mu         sync.Mutex
	skillLocks map[string]*sync.Mutex
}

// New constructs a Registry rooted at cfg.RootDir.
func New(cfg Config, issuer *codes.Issuer, log *audit.Log) *Registry {
	return &Registry{cfg: cfg, codes: issuer, log: log, skillLocks: make(map[string]*sync.Mutex)}
}

func (r *Registry) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.skillLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.skillLocks[id] = l
	}
	return l
}

func (r *Registry) dirFor(state State, id string) string {
	return filepath.Join(r.cfg.RootDir, bucket(state), id)
}

func (r *Registry) metadataPath(dir string) string {
	return filepath.Join(dir, "metadata.json")
}

func (r *Registry) readMetadata(dir string) (*Metadata, error) {
	raw, err := os.ReadFile(r.metadataPath(dir))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &m, nil
}

func (r *Registry) writeMetadata(dir string, m *Metadata) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(r.metadataPath(dir), raw, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// locate finds a skill's current directory by scanning all three buckets.
func (r *Registry) locate(id string) (dir string, m *Metadata, err error) {
	for _, b := range []string{"quarantine", "active", "deprecated"} {
		dir := filepath.Join(r.cfg.RootDir, b, id)
		if _, statErr := os.Stat(dir); statErr != nil {
			continue
		}
		m, err := r.readMetadata(dir)
		if err != nil {
			return "", nil, err
		}
		return dir, m, nil
	}
	return "", nil, errs.New(errs.KindNotFound, fmt.Sprintf("skill %s not found", id))
}

// Submit writes a new skill's code to quarantine/<id>/ and records its
// hash and state as pending. Rejects code exceeding MaxCodeSizeBytes.
func (r *Registry) Submit(id, version string, lang Language, source Source, code []byte) (*Metadata, error) {
	if int64(len(code)) > r.cfg.MaxCodeSizeBytes {
		return nil, errs.New(errs.KindInvalidState, "skill code exceeds maximum size")
	}
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	m := &Metadata{
		SkillID:         id,
		Version:         version,
		Language:        lang,
		QuarantineState: StatePending,
		CreatedAt:       now,
		UpdatedAt:       now,
		Source:          source,
		Code: CodeInfo{
			Hash:      hashBytes(code),
			SizeBytes: int64(len(code)),
			Language:  lang,
		},
	}

	dir := r.dirFor(StatePending, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create skill directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, m.codeFileName()), code, 0o644); err != nil {
		return nil, fmt.Errorf("write skill code: %w", err)
	}
	if err := r.writeMetadata(dir, m); err != nil {
		return nil, err
	}
	return m, nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// RunTest executes the skill's current code in the sandbox and records
// the outcome (§4.8, §4.8.1). Requires state in {pending, passed,
// failed}; refuses with KindTamper if the on-disk hash has drifted.
func (r *Registry) RunTest(ctx context.Context, id string) (*Metadata, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dir, m, err := r.locate(id)
	if err != nil {
		return nil, err
	}
	if m.QuarantineState != StatePending && m.QuarantineState != StatePassed && m.QuarantineState != StateFailed {
		return nil, errs.New(errs.KindInvalidState, fmt.Sprintf("run_test not allowed from state %s", m.QuarantineState))
	}

	codePath := filepath.Join(dir, m.codeFileName())
	onDisk, err := os.ReadFile(codePath)
	if err != nil {
		return nil, fmt.Errorf("read skill code: %w", err)
	}
	if hashBytes(onDisk) != m.Code.Hash {
		return nil, errs.New(errs.KindTamper, fmt.Sprintf("skill %s code hash mismatch", id))
	}

	m.QuarantineState = StateExecuting
	m.UpdatedAt = time.Now()
	if err := r.writeMetadata(dir, m); err != nil {
		return nil, err
	}

	sandboxCfg := sandbox.Config{
		Timeout:         r.cfg.SandboxTimeout,
		KillGrace:       r.cfg.SandboxKillGrace,
		StdoutHeadBytes: r.cfg.StdoutHeadBytes,
		StderrHeadBytes: r.cfg.StderrHeadBytes,
	}
	start := time.Now()
	res := sandbox.Run(ctx, sandboxCfg, sandbox.Language(m.Language), dir, codePath)
	duration := time.Since(start)

	status := "passed"
	if res.Err != nil {
		status = "failed"
	}
	test := TestResult{
		TestID:     fmt.Sprintf("%s-%d", id, len(m.ExecutionTests)+1),
		Status:     status,
		ExecutedAt: start,
		DurationMs: duration.Milliseconds(),
		ExitCode:   res.ExitCode,
		StdoutHead: res.StdoutHead,
		StderrHead: res.StderrHead,
	}
	m.ExecutionTests = append(m.ExecutionTests, test)
	m.UpdatedAt = time.Now()

	if status == "failed" {
		m.QuarantineState = StateFailed
		if err := r.writeMetadata(dir, m); err != nil {
			return nil, err
		}
		return m, nil
	}

	m.QuarantineState = StatePassed
	if r.countPassed(m) >= r.cfg.CleanRunsRequired {
		m.QuarantineState = StateAwaitingPromotion
	}
	if err := r.writeMetadata(dir, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Registry) countPassed(m *Metadata) int {
	n := 0
	for _, t := range m.ExecutionTests {
		if t.Status == "passed" {
			n++
		}
	}
	return n
}

// RequestPromotion issues a short-lived code for a skill awaiting
// promotion (§4.6, §4.8).
func (r *Registry) RequestPromotion(id string) (string, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	_, m, err := r.locate(id)
	if err != nil {
		return "", err
	}
	if m.QuarantineState != StateAwaitingPromotion {
		return "", errs.New(errs.KindInvalidState, "request_promotion requires state awaiting_promotion")
	}
	return r.codes.Issue(id)
}

// Promote verifies the short-lived code and, on success, moves the
// skill's directory from quarantine/ to active/ and sets state promoted.
func (r *Registry) Promote(id, code string) (*Metadata, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dir, m, err := r.locate(id)
	if err != nil {
		return nil, err
	}
	if m.QuarantineState != StateAwaitingPromotion {
		return nil, errs.New(errs.KindInvalidState, "promote requires state awaiting_promotion")
	}
	if !r.codes.Verify(id, code) {
		return nil, errs.New(errs.KindInvalidCode, "promotion code invalid or expired")
	}

	newDir := r.dirFor(StatePromoted, id)
	if err := r.moveDir(dir, newDir); err != nil {
		return nil, err
	}
	m.QuarantineState = StatePromoted
	m.UpdatedAt = time.Now()
	if err := r.writeMetadata(newDir, m); err != nil {
		return nil, err
	}
	r.audit("SKILL_PROMOTED", id, audit.SeverityInfo, "")
	return m, nil
}

// Reject moves a skill awaiting promotion to rejected.
func (r *Registry) Reject(id, reason string) (*Metadata, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dir, m, err := r.locate(id)
	if err != nil {
		return nil, err
	}
	if m.QuarantineState != StateAwaitingPromotion {
		return nil, errs.New(errs.KindInvalidState, "reject requires state awaiting_promotion")
	}
	m.QuarantineState = StateRejected
	m.UpdatedAt = time.Now()
	if err := r.writeMetadata(dir, m); err != nil {
		return nil, err
	}
	r.audit("SKILL_REJECTED", id, audit.SeverityInfo, reason)
	return m, nil
}

// Deprecate moves a promoted skill from active/ to deprecated/.
func (r *Registry) Deprecate(id, reason string) (*Metadata, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return r.deprecateLocked(id, reason)
}

// deprecateLocked assumes the caller already holds the skill's lock
// (used by strikes auto-deprecation to avoid a second lock acquisition).
func (r *Registry) deprecateLocked(id, reason string) (*Metadata, error) {
	dir, m, err := r.locate(id)
	if err != nil {
		return nil, err
	}
	if m.QuarantineState != StatePromoted {
		return nil, errs.New(errs.KindInvalidState, "deprecate requires state promoted")
	}
	newDir := r.dirFor(StateDeprecated, id)
	if err := r.moveDir(dir, newDir); err != nil {
		return nil, err
	}
	m.QuarantineState = StateDeprecated
	m.UpdatedAt = time.Now()
	if err := r.writeMetadata(newDir, m); err != nil {
		return nil, err
	}
	r.audit("SKILL_DEPRECATED", id, audit.SeverityHigh, reason)
	return m, nil
}

// RecordStrikeAndMaybeDeprecate increments the skill's metadata strike
// counter and, if kvCount has reached limit, deprecates it (§4.9). The
// KV counter itself is authoritative for the threshold decision and is
// owned by the caller (package strikes); this only updates metadata and
// performs the directory move when asked.
func (r *Registry) RecordStrikeAndMaybeDeprecate(id string, kvCount, limit int) (*Metadata, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dir, m, err := r.locate(id)
	if err != nil {
		return nil, err
	}
	m.StrikeCount++
	m.UpdatedAt = time.Now()
	if err := r.writeMetadata(dir, m); err != nil {
		return nil, err
	}
	if kvCount >= limit && m.QuarantineState == StatePromoted {
		return r.deprecateLocked(id, fmt.Sprintf("reached %d strikes", kvCount))
	}
	return m, nil
}

// Get returns a skill's current metadata.
func (r *Registry) Get(id string) (*Metadata, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	_, m, err := r.locate(id)
	return m, err
}

func (r *Registry) moveDir(oldDir, newDir string) error {
	if err := os.MkdirAll(filepath.Dir(newDir), 0o755); err != nil {
		return fmt.Errorf("create destination bucket: %w", err)
	}
	if _, err := os.Stat(newDir); err == nil {
		return errs.New(errs.KindInvalidState, "destination already exists")
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		return fmt.Errorf("move skill directory: %w", err)
	}
	return nil
}

func (r *Registry) audit(event, skillID string, sev audit.Severity, reason string) {
	if r.log == nil {
		return
	}
	var detail map[string]any
	if reason != "" {
		detail = map[string]any{"reason": reason}
	}
	r.log.Append(audit.Entry{Event: event, Severity: sev, SkillID: skillID, Detail: detail})
}
