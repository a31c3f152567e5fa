// Package vram implements the exclusive single-GPU model-swap mutex
// (§4.1). Exactly one logical holder is permitted at a time; waiters
// serialize in FIFO order via a condition variable, the same shape the
// teacher's VM pool used for its acquisition queue.
package vram

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelrun/sentinel/internal/audit"
	"github.com/kestrelrun/sentinel/internal/errs"
	"github.com/kestrelrun/sentinel/internal/kvstore"
	"github.com/kestrelrun/sentinel/internal/logging"
)

// State is one of the five VRAM arbitration states from §3.
type State string

const (
	StateIdle         State = "IDLE"
	StateLoadingCoder State = "LOADING_CODER"
	StateLoadingVL    State = "LOADING_VL"
	StateUnloading    State = "UNLOADING"
	StateError        State = "ERROR"
)

// ModelType identifies which local model a caller wants loaded.
type ModelType string

const (
	ModelCoder ModelType = "coder"
	ModelVL    ModelType = "vl"
	ModelNone  ModelType = "none"
)

// Controller is the narrow surface the mutex needs from the local-inference
// client: warm a model, unload whatever is loaded, and forcibly terminate
// the server process as a last resort.
type Controller interface {
	Warm(ctx context.Context, model ModelType) error
	Unload(ctx context.Context) error
	Kill(ctx context.Context) error
}

// Config holds the timeouts from §5's cancellation-and-timeouts table that
// apply to VRAM arbitration.
type Config struct {
	AcquireTimeout time.Duration
	LoadTimeout    time.Duration
	UnloadTimeout  time.Duration
	KillGrace      time.Duration
	ErrorCooldown  time.Duration
}

// Mutex is the process-global VRAM arbitration singleton (§9: constructed
// once at startup, passed by reference to collaborators).
type Mutex struct {
	cfg  Config
	ctrl Controller
	kv   *kvstore.Store
	log  *audit.Log

	mu          sync.Mutex
	cond        *sync.Cond
	waiters     int
	held        bool
	state       State
	loadedModel ModelType
	erroredAt   time.Time
}

// New constructs a Mutex starting in the IDLE state with no model loaded.
func New(cfg Config, ctrl Controller, kv *kvstore.Store, log *audit.Log) *Mutex {
	m := &Mutex{cfg: cfg, ctrl: ctrl, kv: kv, log: log, state: StateIdle, loadedModel: ModelNone}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// State returns the current observable state and loaded model.
func (m *Mutex) State() (State, ModelType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.loadedModel
}

// Release marks the mutex free for the next FIFO waiter. It does not
// unload the model — models stay warm for reuse across requests (§4.1.4).
func (m *Mutex) Release() {
	m.mu.Lock()
	m.held = false
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Acquire blocks until the mutex is free, swaps the loaded model if
// necessary, and returns with the mutex held for model. Callers MUST call
// Release when done generating.
func (m *Mutex) Acquire(ctx context.Context, model ModelType) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()

	m.mu.Lock()
	for (m.held || m.state != StateIdle) && m.state != StateError {
		if err := m.waitLocked(ctx); err != nil {
			m.mu.Unlock()
			return errs.Wrap(errs.KindVRAMBusy, "acquire timed out waiting for VRAM", err)
		}
	}
	if m.state == StateError {
		if time.Since(m.erroredAt) < m.cfg.ErrorCooldown {
			m.mu.Unlock()
			return errs.New(errs.KindVRAMError, "VRAM is in ERROR state, awaiting cooldown or manual recovery")
		}
		m.state = StateIdle
	}

	m.held = true
	needsSwap := m.loadedModel != model
	m.mu.Unlock()

	if needsSwap && m.loadedModel != ModelNone {
		if err := m.unload(ctx); err != nil {
			m.releaseOnError()
			return err
		}
	}

	if m.currentLoaded() != model {
		if err := m.load(ctx, model); err != nil {
			m.releaseOnError()
			return err
		}
	}

	return nil
}

func (m *Mutex) currentLoaded() ModelType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadedModel
}

func (m *Mutex) releaseOnError() {
	m.mu.Lock()
	m.held = false
	m.cond.Broadcast()
	m.mu.Unlock()
}

// waitLocked suspends the caller until the mutex is signalled free, the
// context is cancelled, or the context deadline elapses. Must be called
// with m.mu held; it releases the lock via cond.Wait and re-acquires it
// before returning — the same cond-wait shape the teacher's pool used to
// translate context cancellation into a broadcast, since sync.Cond has no
// native context-awareness.
func (m *Mutex) waitLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.waiters++
	defer func() { m.waiters-- }()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		case <-done:
		}
	}()

	m.cond.Wait()
	close(done)
	return ctx.Err()
}

func (m *Mutex) unload(ctx context.Context) error {
	m.setState(ctx, StateUnloading, ModelNone)

	unloadCtx, cancel := context.WithTimeout(ctx, m.cfg.UnloadTimeout)
	err := m.ctrl.Unload(unloadCtx)
	cancel()
	if err != nil {
		m.escalateKill(ctx)
	}

	m.setState(ctx, StateIdle, ModelNone)
	return nil
}

// escalateKill calls the controller's Kill with a KillGrace deadline; any
// signalling of the local-inference process is up to that Kill, and its
// error is ignored. A forced termination is always recorded in the audit
// log (§4.1.2).
func (m *Mutex) escalateKill(ctx context.Context) {
	killCtx, cancel := context.WithTimeout(ctx, m.cfg.KillGrace)
	defer cancel()
	_ = m.ctrl.Kill(killCtx)
	m.log.Append(audit.Entry{
		Event:    "VRAM_FORCED_TERMINATION",
		Severity: audit.SeverityHigh,
		Detail:   map[string]any{"reason": "unload did not complete within timeout"},
	})
}

func (m *Mutex) load(ctx context.Context, model ModelType) error {
	loadingState := StateLoadingCoder
	if model == ModelVL {
		loadingState = StateLoadingVL
	}
	m.setState(ctx, loadingState, ModelNone)

	loadCtx, cancel := context.WithTimeout(ctx, m.cfg.LoadTimeout)
	err := m.ctrl.Warm(loadCtx, model)
	cancel()

	if loadCtx.Err() == context.DeadlineExceeded {
		m.setState(ctx, StateUnloading, ModelNone)
		m.setState(ctx, StateIdle, ModelNone)
		return errs.New(errs.KindLoadTimeout, fmt.Sprintf("loading %s timed out", model))
	}
	if err != nil {
		m.mu.Lock()
		m.state = StateError
		m.erroredAt = time.Now()
		m.held = false
		m.cond.Broadcast()
		m.mu.Unlock()
		m.mirrorState(ctx, StateError, ModelNone)
		return errs.Wrap(errs.KindVRAMError, "loading model failed", err)
	}

	m.setState(ctx, StateIdle, model)
	return nil
}

// setState transitions to state/model and mirrors the change to KV for
// observability. The held flag is managed separately by Acquire/Release,
// since intermediate transitions (UNLOADING, LOADING_*) happen while the
// mutex is still held by the in-flight caller.
func (m *Mutex) setState(ctx context.Context, state State, model ModelType) {
	m.mu.Lock()
	m.state = state
	m.loadedModel = model
	m.mu.Unlock()
	m.mirrorState(ctx, state, model)
}

// mirrorState writes the current state to KV for observability. Write
// failures are logged but never block the transition (§4.1).
func (m *Mutex) mirrorState(ctx context.Context, state State, model ModelType) {
	if m.kv == nil {
		return
	}
	if err := m.kv.SetVRAMState(ctx, string(state), string(model)); err != nil {
		logging.Op().Warn("failed to mirror VRAM state to KV", "error", err)
	}
}
