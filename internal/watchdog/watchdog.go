// Package watchdog implements the dual-loop liveness sentinel (§4.12): a
// cooperative loop updates a shared heartbeat, and an independent
// OS-thread loop checks it without depending on the cooperative
// scheduler at all — so a stalled event loop still gets detected and
// terminated.
package watchdog

import (
	"context"
	"os"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kestrelrun/sentinel/internal/audit"
)

// Config holds the heartbeat cadence and starvation threshold.
type Config struct {
	HeartbeatInterval  time.Duration // default: 5s
	StarvedThreshold   time.Duration // default: 30s
}

// Sentinel tracks the last heartbeat and terminates the process if the
// cooperative scheduler stalls for longer than the configured threshold.
type Sentinel struct {
	cfg    Config
	log    *audit.Log
	nanos  atomic.Int64 // last heartbeat, unix nanos
	signal func(os.Signal) error
}

// New constructs a Sentinel. The heartbeat is seeded at construction time
// so a slow caller never trips the watchdog before its first beat.
func New(cfg Config, log *audit.Log) *Sentinel {
	s := &Sentinel{cfg: cfg, log: log}
	s.nanos.Store(time.Now().UnixNano())
	s.signal = func(sig os.Signal) error { return terminateSelf(sig) }
	return s
}

func terminateSelf(sig os.Signal) error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return err
	}
	return p.Signal(sig)
}

// Beat records a fresh heartbeat. Callers invoke this from the
// cooperative scheduler's own tick loop, not from this package's loops.
func (s *Sentinel) Beat() {
	s.nanos.Store(time.Now().UnixNano())
}

// RunCooperativeLoop beats every HeartbeatInterval until ctx is
// cancelled. This is the cooperative half: it relies on the scheduler
// actually running this goroutine.
func (s *Sentinel) RunCooperativeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Beat()
		}
	}
}

// RunGuardLoop runs on a locked OS thread so it keeps executing even if
// the cooperative scheduler's goroutines are starved. It never calls
// back into scheduler-dependent code; its only actions are reading the
// heartbeat, appending an audit entry, and sending a termination signal.
func (s *Sentinel) RunGuardLoop(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, s.nanos.Load())
			if time.Since(last) > s.cfg.StarvedThreshold {
				s.onStarved(last)
				return
			}
		}
	}
}

func (s *Sentinel) onStarved(last time.Time) {
	if s.log != nil {
		s.log.Append(audit.Entry{
			Event:    "WATCHDOG_STARVATION_DETECTED",
			Severity: audit.SeverityCritical,
			Detail: map[string]any{
				"reason":         "heartbeat stalled past starvation threshold",
				"last_heartbeat": last.UTC().Format(time.RFC3339Nano),
			},
		})
	}
	_ = s.signal(syscall.SIGTERM)
}
