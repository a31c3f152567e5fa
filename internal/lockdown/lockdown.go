// Package lockdown implements the global kill-switch state (§4.7): once
// activated, the orchestrator refuses all message processing except
// unlock.
package lockdown

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/kestrelrun/sentinel/internal/audit"
	"github.com/kestrelrun/sentinel/internal/kvstore"
	"github.com/kestrelrun/sentinel/internal/logging"
)

const lockdownKey = "__lockdown__"

// Gate owns lockdown activation and release. It is a process-global
// singleton constructed once at startup (§9).
type Gate struct {
	kv     *kvstore.Store
	codes  codeIssuer
	audit  *audit.Log
}

// codeIssuer is the subset of *codes.Issuer the gate needs; declared as an
// interface so tests can substitute a deterministic issuer.
type codeIssuer interface {
	Issue(key string) (string, error)
}

// New constructs a Gate. issuer mints the unlock code; it is typically the
// same *codes.Issuer used for skill promotion, keyed separately.
func New(kv *kvstore.Store, issuer codeIssuer, log *audit.Log) *Gate {
	return &Gate{kv: kv, codes: issuer, audit: log}
}

// Activate mints a fresh unlock code and writes an active lockdown record.
// reason is attributed to either a CRITICAL firewall verdict or an
// authenticated panic operation. The audit entry records only a
// two-character prefix of the unlock code; the full code is written to the
// operational log, and only when severity is CRITICAL (§4.7).
func (g *Gate) Activate(ctx context.Context, reason string, severity audit.Severity) (string, error) {
	code, err := g.codes.Issue(lockdownKey)
	if err != nil {
		return "", fmt.Errorf("mint unlock code: %w", err)
	}
	if err := g.kv.SetLockdown(ctx, kvstore.LockdownRecord{
		Active:     true,
		Reason:     reason,
		UnlockCode: code,
	}); err != nil {
		return "", fmt.Errorf("write lockdown record: %w", err)
	}

	g.audit.Append(audit.Entry{
		Event:    "LOCKDOWN_ACTIVATED",
		Severity: audit.SeverityCritical,
		Detail:   map[string]any{"reason": reason, "unlock_code": audit.RedactCode(code)},
	})
	if severity == audit.SeverityCritical {
		logging.Op().Error("security lockdown activated",
			"severity", string(audit.SeverityCritical), "reason", reason, "unlock_code", code)
	}
	return code, nil
}

// Active reports whether lockdown is currently in effect.
func (g *Gate) Active(ctx context.Context) (bool, error) {
	rec, err := g.kv.GetLockdown(ctx)
	if err != nil {
		return false, err
	}
	return rec.Active, nil
}

// Unlock verifies candidate against the stored unlock code using a
// constant-time comparison and, on success, clears the lockdown record.
func (g *Gate) Unlock(ctx context.Context, candidate string) (bool, error) {
	rec, err := g.kv.GetLockdown(ctx)
	if err != nil {
		return false, err
	}
	if !rec.Active {
		return false, nil
	}
	if subtle.ConstantTimeCompare([]byte(rec.UnlockCode), []byte(candidate)) != 1 {
		return false, nil
	}
	if err := g.kv.SetLockdown(ctx, kvstore.LockdownRecord{Active: false}); err != nil {
		return false, err
	}
	g.audit.Append(audit.Entry{Event: "LOCKDOWN_CLEARED", Severity: audit.SeverityInfo})
	return true, nil
}
