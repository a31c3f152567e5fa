package cloudclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kestrelrun/sentinel/internal/cloudbreaker"
)

func TestGenerateSuccessAddsTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse{Text: "hi there", TokensUsed: 42})
	}))
	defer srv.Close()

	b := cloudbreaker.New(cloudbreaker.Config{ConsecutiveThreshold: 3, OpenCooldown: time.Hour})
	c := New(Config{BaseURL: srv.URL, PrimaryModel: "primary", FallbackModel: "fallback", DailyTokenBudget: 1000, CallTimeout: 2 * time.Second}, b)

	text, err := c.Generate(t.Context(), "hello", "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "hi there" {
		t.Fatalf("text = %q, want %q", text, "hi there")
	}
	if c.TokensUsedToday() != 42 {
		t.Fatalf("tokens used = %d, want 42", c.TokensUsedToday())
	}
}

func TestGenerateRateLimitFallsBackOnce(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model == "primary" {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"429 rate limited"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(chatResponse{Text: "fallback ok", TokensUsed: 10})
	}))
	defer srv.Close()

	b := cloudbreaker.New(cloudbreaker.Config{ConsecutiveThreshold: 3, OpenCooldown: time.Hour})
	c := New(Config{BaseURL: srv.URL, PrimaryModel: "primary", FallbackModel: "fallback", DailyTokenBudget: 1000, CallTimeout: 2 * time.Second}, b)

	text, err := c.Generate(t.Context(), "hello", "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "fallback ok" {
		t.Fatalf("text = %q, want fallback ok", text)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (primary + fallback)", calls)
	}
	if b.State() != cloudbreaker.StateClosed {
		t.Fatalf("successful fallback must count as success for the breaker, state = %v", b.State())
	}
}

func TestGenerateDailyBudgetExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("endpoint must not be contacted once budget is exceeded")
	}))
	defer srv.Close()

	b := cloudbreaker.New(cloudbreaker.Config{ConsecutiveThreshold: 3, OpenCooldown: time.Hour})
	c := New(Config{BaseURL: srv.URL, PrimaryModel: "primary", DailyTokenBudget: 0, CallTimeout: time.Second}, b)

	_, err := c.Generate(t.Context(), "hello", "")
	if err == nil {
		t.Fatalf("expected daily budget exceeded error")
	}
}

func TestGenerateBreakerOpenSkipsCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("endpoint must not be contacted while breaker is open")
	}))
	defer srv.Close()

	b := cloudbreaker.New(cloudbreaker.Config{ConsecutiveThreshold: 1, OpenCooldown: time.Hour})
	b.RecordFailure(cloudbreaker.FailureRateLimit)

	c := New(Config{BaseURL: srv.URL, PrimaryModel: "primary", DailyTokenBudget: 1000, CallTimeout: time.Second}, b)
	_, err := c.Generate(t.Context(), "hello", "")
	if err == nil {
		t.Fatalf("expected breaker-open error")
	}
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		status int
		msg    string
		want   cloudbreaker.FailureKind
	}{
		{429, "429 too many requests", cloudbreaker.FailureRateLimit},
		{400, "RESOURCE_EXHAUSTED", cloudbreaker.FailureRateLimit},
		{400, "quota exceeded", cloudbreaker.FailureRateLimit},
		{400, "blocked by SAFETY filter", cloudbreaker.FailureSafetyBlock},
		{500, "internal error", cloudbreaker.FailureGeneric},
	}
	for _, c := range cases {
		if got := classifyFailure(c.status, c.msg); got != c.want {
			t.Errorf("classifyFailure(%d, %q) = %v, want %v", c.status, c.msg, got, c.want)
		}
	}
}
