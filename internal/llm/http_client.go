package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPConfig configures HTTPClient, mirroring the teacher's
// builder/ai.LLMConfig shape (provider/APIKey/BaseURL/Model/Timeout)
// narrowed to the single invoke(prompt) contract the core needs.
type HTTPConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	Timeout    time.Duration
}

// HTTPClient is a default Invoker for an Anthropic-Messages-compatible
// HTTP endpoint, adapted from the teacher's claude_client.go: same
// request/response shape, collapsed to the core's one-shot
// invoke(prompt)->Result contract instead of a multi-turn chat API.
type HTTPClient struct {
	config     HTTPConfig
	httpClient *http.Client
}

// NewHTTPClient builds an HTTPClient, applying the teacher's defaults
// (base URL, model, 60s timeout) for any zero-valued fields.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-sonnet-20241022"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPClient{config: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}, nil
}

type messagesRequest struct {
	Model     string                   `json:"model"`
	Messages  []map[string]interface{} `json:"messages"`
	MaxTokens int                      `json:"max_tokens"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Invoke sends req.Prompt as a single user message and returns the
// concatenated text content blocks as Response.
func (c *HTTPClient) Invoke(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	model := c.config.Model
	if req.Model != "" {
		model = req.Model
	}

	body, err := json.Marshal(messagesRequest{
		Model:     model,
		Messages:  []map[string]interface{}{{"role": "user", "content": req.Prompt}},
		MaxTokens: c.config.MaxTokens,
	})
	if err != nil {
		return nil, &InvokeError{Type: ErrorProcess, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &InvokeError{Type: ErrorProcess, Message: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.config.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &InvokeError{Type: ErrorTimeout, Message: err.Error()}
		}
		if ctx.Err() == context.Canceled {
			return nil, &InvokeError{Type: ErrorCancelled, Message: err.Error()}
		}
		return nil, &InvokeError{Type: ErrorProcess, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		code := resp.StatusCode
		return nil, &InvokeError{Type: ErrorProcess, Message: fmt.Sprintf("api error (status %d): %s", code, string(bodyBytes)), ExitCode: &code}
	}

	var parsed messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &InvokeError{Type: ErrorProcess, Message: fmt.Sprintf("decode response: %v", err)}
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &Result{
		Prompt:     req.Prompt,
		Response:   text,
		DurationMs: time.Since(start).Milliseconds(),
		SessionID:  req.SessionID,
	}, nil
}

// CheckAvailable probes the endpoint with a minimal request budget; any
// network or auth failure is treated as unavailable rather than raised.
func (c *HTTPClient) CheckAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", c.config.BaseURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return false
	}
	return true
}
