// Package cloudclient calls the external cloud LLM endpoint through the
// breaker, with primary/fallback model arbitration and a daily token
// budget (§4.3). The endpoint's own SDK is opaque; only the error-
// classification substrings from §6 are specified.
package cloudclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kestrelrun/sentinel/internal/cloudbreaker"
	"github.com/kestrelrun/sentinel/internal/errs"
)

// fallbackMaxTries bounds the fallback model attempt to a couple of
// tries with a short exponential backoff — the primary call already
// failed, and the breaker must still see a single outcome quickly.
const fallbackMaxTries = 2

// Config holds the cloud client's connection and model settings.
type Config struct {
	APIKey           string
	BaseURL          string
	PrimaryModel     string
	FallbackModel    string
	DailyTokenBudget int64
	CallTimeout      time.Duration
}

// Client calls the cloud endpoint, arbitrated by a cloudbreaker.Breaker and
// a process-global daily token budget.
type Client struct {
	cfg     Config
	breaker *cloudbreaker.Breaker
	http    *http.Client

	mu          sync.Mutex
	tokensUsed  int64
	budgetDay   string // YYYY-MM-DD in UTC
}

// New constructs a Client backed by breaker.
func New(cfg Config, breaker *cloudbreaker.Breaker) *Client {
	return &Client{cfg: cfg, breaker: breaker, http: &http.Client{Timeout: cfg.CallTimeout}}
}

type chatRequest struct {
	Model  string `json:"model"`
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
}

type chatResponse struct {
	Text       string `json:"text"`
	TokensUsed int64  `json:"tokens_used"`
	Error      string `json:"error,omitempty"`
}

// Generate calls the cloud endpoint with the primary model. On a
// rate-limit/quota failure it tries the fallback model (up to
// fallbackMaxTries attempts with exponential backoff) before recording a
// breaker failure; a successful fallback counts as success.
func (c *Client) Generate(ctx context.Context, prompt, system string) (string, error) {
	if !c.breaker.Allow() {
		return "", errs.New(errs.KindCloudBreakerOpen, "cloud breaker is open")
	}
	if exceeded := c.budgetExceeded(); exceeded {
		return "", errs.New(errs.KindDailyBudgetExceeded, "daily token budget exceeded")
	}

	text, tokens, kind, err := c.call(ctx, c.cfg.PrimaryModel, prompt, system)
	if err == nil {
		c.breaker.RecordSuccess()
		c.addTokens(tokens)
		return text, nil
	}

	if kind == cloudbreaker.FailureRateLimit {
		fbText, fbTokens, fbErr := c.callFallback(ctx, prompt, system)
		if fbErr == nil {
			c.breaker.RecordSuccess()
			c.addTokens(fbTokens)
			return fbText, nil
		}
	}

	c.breaker.RecordFailure(kind)
	return "", errs.Wrap(errs.KindCloudCallFailed, "cloud call failed", err)
}

type fallbackResult struct {
	text   string
	tokens int64
}

// callFallback retries the fallback model a bounded number of times with
// exponential backoff, since a transient network blip on the fallback
// path shouldn't immediately count as a breaker failure after the
// primary model has already failed once.
func (c *Client) callFallback(ctx context.Context, prompt, system string) (string, int64, error) {
	res, err := backoff.Retry(ctx, func() (fallbackResult, error) {
		text, tokens, _, err := c.call(ctx, c.cfg.FallbackModel, prompt, system)
		if err != nil {
			return fallbackResult{}, err
		}
		return fallbackResult{text: text, tokens: tokens}, nil
	}, backoff.WithMaxTries(fallbackMaxTries), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return "", 0, err
	}
	return res.text, res.tokens, nil
}

func (c *Client) call(ctx context.Context, model, prompt, system string) (string, int64, cloudbreaker.FailureKind, error) {
	reqBody := chatRequest{Model: model, System: system, Prompt: prompt}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", 0, cloudbreaker.FailureGeneric, fmt.Errorf("marshal cloud request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return "", 0, cloudbreaker.FailureGeneric, fmt.Errorf("build cloud request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", 0, cloudbreaker.FailureGeneric, fmt.Errorf("cloud request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, cloudbreaker.FailureGeneric, fmt.Errorf("read cloud response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", 0, classifyFailure(resp.StatusCode, string(raw)), fmt.Errorf("cloud returned status %d: %s", resp.StatusCode, string(raw))
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", 0, cloudbreaker.FailureGeneric, fmt.Errorf("parse cloud response: %w", err)
	}
	if out.Error != "" {
		return "", 0, classifyFailure(resp.StatusCode, out.Error), fmt.Errorf("cloud error: %s", out.Error)
	}
	return out.Text, out.TokensUsed, cloudbreaker.FailureGeneric, nil
}

// classifyFailure matches §6's substring rules: 429/RESOURCE_EXHAUSTED/
// quota indicate rate-limit; SAFETY/BLOCKED indicate a safety block.
func classifyFailure(statusCode int, message string) cloudbreaker.FailureKind {
	if statusCode == http.StatusTooManyRequests {
		return cloudbreaker.FailureRateLimit
	}
	upper := strings.ToUpper(message)
	switch {
	case strings.Contains(message, "429"), strings.Contains(upper, "RESOURCE_EXHAUSTED"), strings.Contains(strings.ToLower(message), "quota"):
		return cloudbreaker.FailureRateLimit
	case strings.Contains(upper, "SAFETY"), strings.Contains(upper, "BLOCKED"):
		return cloudbreaker.FailureSafetyBlock
	default:
		return cloudbreaker.FailureGeneric
	}
}

func (c *Client) budgetExceeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()
	return c.tokensUsed >= c.cfg.DailyTokenBudget
}

func (c *Client) addTokens(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()
	c.tokensUsed += n
}

func (c *Client) rolloverLocked() {
	today := time.Now().UTC().Format("2006-01-02")
	if c.budgetDay != today {
		c.budgetDay = today
		c.tokensUsed = 0
	}
}

// TokensUsedToday reports the running total for the current UTC day.
func (c *Client) TokensUsedToday() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()
	return c.tokensUsed
}
