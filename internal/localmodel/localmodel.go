// Package localmodel is a narrow client over the local-inference server
// (§4.2, §6 wire format). It only implements generate/warm/unload/probe —
// the server's own protocol and embedding model choice are out of scope
// (§1 non-goals).
package localmodel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kestrelrun/sentinel/internal/vram"
)

// Config holds the local-inference server's base URL and probe timeout.
type Config struct {
	BaseURL      string
	ProbeTimeout time.Duration
}

// Client is a thin JSON-over-HTTP wrapper, the same shape as the teacher's
// AI assistant client: marshal a request struct, POST it, unmarshal the
// response.
type Client struct {
	cfg    Config
	models map[vram.ModelType]string // model type -> concrete model name
	http   *http.Client
}

// New constructs a Client. models maps the two logical model types to the
// concrete model names the local server knows about.
func New(cfg Config, models map[vram.ModelType]string) *Client {
	return &Client{cfg: cfg, models: models, http: &http.Client{}}
}

type generateRequest struct {
	Model      string         `json:"model"`
	Prompt     string         `json:"prompt"`
	System     string         `json:"system,omitempty"`
	Stream     bool           `json:"stream"`
	Options    map[string]any `json:"options,omitempty"`
	Images     []string       `json:"images,omitempty"`
	KeepAlive  string         `json:"keep_alive,omitempty"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate performs a single generation call and returns the full response
// text, assembled from the server's streamed fragments.
func (c *Client) Generate(ctx context.Context, model vram.ModelType, prompt, system string, temperature float64, maxTokens int, images []string) (string, error) {
	var out bytes.Buffer
	if err := c.stream(ctx, model, prompt, system, temperature, maxTokens, images, "", func(fragment string) {
		out.WriteString(fragment)
	}); err != nil {
		return "", err
	}
	return out.String(), nil
}

// GenerateStream performs a streaming generation call, invoking onFragment
// for each text fragment until the server reports done.
func (c *Client) GenerateStream(ctx context.Context, model vram.ModelType, prompt, system string, temperature float64, maxTokens int, images []string, onFragment func(string)) error {
	return c.stream(ctx, model, prompt, system, temperature, maxTokens, images, "", onFragment)
}

func (c *Client) stream(ctx context.Context, model vram.ModelType, prompt, system string, temperature float64, maxTokens int, images []string, keepAlive string, onFragment func(string)) error {
	name, ok := c.models[model]
	if !ok {
		return fmt.Errorf("no local model configured for type %q", model)
	}

	reqBody := generateRequest{
		Model:  name,
		Prompt: prompt,
		System: system,
		Stream: true,
		Options: map[string]any{
			"temperature": temperature,
			"num_predict": maxTokens,
		},
		Images:    images,
		KeepAlive: keepAlive,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("local inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("local inference returned status %d: %s", resp.StatusCode, string(b))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("parse generate chunk: %w", err)
		}
		if chunk.Response != "" {
			onFragment(chunk.Response)
		}
		if chunk.Done {
			break
		}
	}
	return scanner.Err()
}

// Warm instructs the server to load model with a keep-alive hint, via a
// no-op generation. Called only by the VRAM mutex (§5 shared-resource
// policy: no other component calls model warm/unload).
func (c *Client) Warm(ctx context.Context, model vram.ModelType) error {
	return c.stream(ctx, model, "", "", 0, 1, nil, "5m", func(string) {})
}

// Unload instructs the server to release whichever model is currently
// loaded by issuing a zero keep-alive generation.
func (c *Client) Unload(ctx context.Context) error {
	name := c.models[vram.ModelCoder]
	reqBody := generateRequest{Model: name, Prompt: "", Stream: false, KeepAlive: "0"}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("unload request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unload returned status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// Kill has no subprocess to terminate here — the local-inference server is
// an external process out of this binary's control (its protocol is a
// non-goal, §1). Kill does nothing and returns nil, so when this client is
// the VRAM mutex's controller, the kill escalation terminates no process.
func (c *Client) Kill(ctx context.Context) error {
	return nil
}

// Available reports whether the server responds to a listing probe.
func (c *Client) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
