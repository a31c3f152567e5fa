// Package orchestrator implements process_message (§4.13), the single
// pipeline every user message passes through: firewall, lockdown gate,
// RAG retrieval, prompt assembly, routing, and background persistence.
// None of its collaborators depend back on this package, keeping the
// dependency graph acyclic (§9).
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelrun/sentinel/internal/audit"
	"github.com/kestrelrun/sentinel/internal/bgwork"
	"github.com/kestrelrun/sentinel/internal/cloudclient"
	"github.com/kestrelrun/sentinel/internal/firewall"
	"github.com/kestrelrun/sentinel/internal/localmodel"
	"github.com/kestrelrun/sentinel/internal/lockdown"
	"github.com/kestrelrun/sentinel/internal/logging"
	"github.com/kestrelrun/sentinel/internal/rag"
	"github.com/kestrelrun/sentinel/internal/router"
	"github.com/kestrelrun/sentinel/internal/vectorstore"
	"github.com/kestrelrun/sentinel/internal/vram"
)

// Request is one inbound message to process_message.
type Request struct {
	UserInput  string
	SessionID  string
	Images     []string
	ForceCloud bool
}

// Result is process_message's structured outcome. Blocks and errors are
// typed result variants, never thrown to the transport (§9).
type Result struct {
	CorrelationID string
	SessionID     string
	Response      string
	DurationMs    int64
	Blocked       bool
	Reason        string
	Detections    []string
	Err           error
}

// Config holds the orchestrator's routing and firewall thresholds.
type Config struct {
	CloudLengthThreshold int
	FirewallConfig       firewall.Config
}

// defaultPersistWorkers bounds the background-persistence pool. Persisting
// a turn is a handful of network calls to the vector store, not CPU work,
// so a small fixed pool is enough to absorb bursts without fanning out a
// goroutine per message (§6.13).
const defaultPersistWorkers = 4

// Orchestrator wires together every component on the request path.
type Orchestrator struct {
	cfg       Config
	firewall  firewall.Config
	lockdown  *lockdown.Gate
	rag       *rag.Retriever
	vram      *vram.Mutex
	local     *localmodel.Client
	cloud     *cloudclient.Client
	vectors   *vectorstore.Store
	log       *audit.Log
	persist   *bgwork.Pool
}

// New constructs an Orchestrator from its already-constructed
// collaborators (§9: long-lived owned objects, constructed once at
// startup and passed by reference).
func New(cfg Config, gate *lockdown.Gate, retriever *rag.Retriever, vramMutex *vram.Mutex, local *localmodel.Client, cloud *cloudclient.Client, vectors *vectorstore.Store, log *audit.Log) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		firewall: cfg.FirewallConfig,
		lockdown: gate,
		rag:      retriever,
		vram:     vramMutex,
		local:    local,
		cloud:    cloud,
		vectors:  vectors,
		log:      log,
		persist:  bgwork.New(defaultPersistWorkers),
	}
}

// Close stops the background-persistence pool, waiting for in-flight
// writes to finish. Callers should invoke this during shutdown.
func (o *Orchestrator) Close() {
	o.persist.Stop()
}

// ProcessMessage runs the full §4.13 pipeline.
func (o *Orchestrator) ProcessMessage(ctx context.Context, req Request) Result {
	start := time.Now()
	correlationID := uuid.NewString()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = correlationID
	}

	scan := firewall.Scan(o.firewall, req.UserInput)
	o.auditFirewallScan(scan, len(req.UserInput))
	if !scan.Allowed() {
		if scan.Severity == firewall.SeverityCritical {
			if _, err := o.lockdown.Activate(ctx, "prompt_injection_critical", audit.SeverityCritical); err != nil {
				logging.Op().Error("failed to activate lockdown after critical firewall verdict", "error", err)
			}
		}
		return Result{
			CorrelationID: correlationID,
			SessionID:     sessionID,
			Blocked:       true,
			Reason:        "security_policy",
			Detections:    scan.Detections,
			DurationMs:    time.Since(start).Milliseconds(),
		}
	}

	active, err := o.lockdown.Active(ctx)
	if err != nil {
		logging.Op().Warn("failed to read lockdown state, treating as inactive", "error", err)
	}
	if active {
		return Result{
			CorrelationID: correlationID,
			SessionID:     sessionID,
			Blocked:       true,
			Reason:        "system_lockdown",
			DurationMs:    time.Since(start).Milliseconds(),
		}
	}

	contextBlock, err := o.rag.ContextBlock(ctx, req.UserInput, time.Now())
	if err != nil {
		logging.Op().Warn("RAG retrieval failed, continuing without context", "error", err)
		contextBlock = ""
	}

	prompt := req.UserInput
	if contextBlock != "" {
		prompt = contextBlock + "\n\n" + req.UserInput
	}

	localAvailable := func() bool { return o.local.Available(ctx) }
	target := router.Route(router.Request{
		PromptLength: len(req.UserInput),
		HasImages:    len(req.Images) > 0,
		ForceCloud:   req.ForceCloud,
	}, o.cfg.CloudLengthThreshold, localAvailable)

	response, err := o.dispatch(ctx, target, prompt, req.Images)
	if err != nil {
		return Result{
			CorrelationID: correlationID,
			SessionID:     sessionID,
			DurationMs:    time.Since(start).Milliseconds(),
			Err:           err,
		}
	}

	o.persist.Submit(func() {
		o.persistTurn(context.Background(), sessionID, req.UserInput, response)
	})

	return Result{
		CorrelationID: correlationID,
		SessionID:     sessionID,
		Response:      response,
		DurationMs:    time.Since(start).Milliseconds(),
		Blocked:       false,
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, target router.Target, prompt string, images []string) (string, error) {
	switch target {
	case router.TargetLocalVL:
		return o.generateLocal(ctx, vram.ModelVL, prompt, images)
	case router.TargetLocalCoder:
		resp, err := o.generateLocal(ctx, vram.ModelCoder, prompt, nil)
		if err != nil {
			return o.cloud.Generate(ctx, prompt, "")
		}
		return resp, nil
	default:
		return o.cloud.Generate(ctx, prompt, "")
	}
}

func (o *Orchestrator) generateLocal(ctx context.Context, model vram.ModelType, prompt string, images []string) (string, error) {
	if err := o.vram.Acquire(ctx, model); err != nil {
		return "", fmt.Errorf("acquire VRAM: %w", err)
	}
	defer o.vram.Release()
	return o.local.Generate(ctx, model, prompt, "", 0.7, 2048, images)
}

// persistTurn stores the exchange into conversation history with the
// default priority and access bookkeeping from §4.13 step 7. Failures
// never affect the response already returned to the caller.
func (o *Orchestrator) persistTurn(ctx context.Context, sessionID, userInput, response string) {
	now := time.Now()
	doc := fmt.Sprintf("User: %s\nAssistant: %s", userInput, response)
	err := o.vectors.Upsert(ctx, vectorstore.CollectionConversationHistory, vectorstore.Record{
		ID:          fmt.Sprintf("%s-%d", sessionID, now.UnixNano()),
		Document:    doc,
		Priority:    vectorstore.PriorityNormal,
		CreatedAt:   now,
		LastAccess:  now,
		AccessCount: 1,
	})
	if err != nil {
		logging.Op().Warn("failed to persist conversation turn", "error", err)
	}
}

func (o *Orchestrator) auditFirewallScan(scan firewall.Result, inputLength int) {
	if len(scan.Detections) == 0 {
		return
	}
	sev := audit.SeverityInfo
	switch scan.Severity {
	case firewall.SeverityCritical:
		sev = audit.SeverityCritical
	case firewall.SeverityHigh:
		sev = audit.SeverityHigh
	case firewall.SeverityMedium:
		sev = audit.SeverityMedium
	}
	o.log.Append(audit.Entry{
		Event:    "FIREWALL_DETECTION",
		Severity: sev,
		Detail:   map[string]any{"detections": scan.Detections, "input_length": inputLength},
	})
}
