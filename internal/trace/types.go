// Package trace implements C5 (trace store): an append-only, per-trace
// JSONL span log, assembled into a summary on read.
package trace

import "time"

// Kind classifies a span.
type Kind string

const (
	KindWorkflow Kind = "workflow"
	KindNode     Kind = "node"
	KindLLM      Kind = "llm"
	KindOther    Kind = "other"
)

// Status is the outcome of a span.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusRunning Status = "running"
)

// SpanError carries a classified failure on a span.
type SpanError struct {
	Message  string `json:"message"`
	Category string `json:"category,omitempty"`
}

// TokenUsage records LLM token accounting for a span, when applicable.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens,omitempty"`
	CompletionTokens int `json:"completionTokens,omitempty"`
	TotalTokens      int `json:"totalTokens,omitempty"`
}

// Span is one step of execution within a task. Spans are immutable once
// written: the JSONL file is append-only (§9 design notes).
type Span struct {
	TraceID      string                 `json:"traceId"`
	SpanID       string                 `json:"spanId"`
	ParentSpanID string                 `json:"parentSpanId,omitempty"`
	Name         string                 `json:"name"`
	Kind         Kind                   `json:"kind"`
	StartTime    time.Time              `json:"startTime"`
	EndTime      *time.Time             `json:"endTime,omitempty"`
	DurationMs   int64                  `json:"durationMs,omitempty"`
	Status       Status                 `json:"status"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
	Error        *SpanError             `json:"error,omitempty"`
	TokenUsage   *TokenUsage            `json:"tokenUsage,omitempty"`
	CostUSD      *float64               `json:"costUsd,omitempty"`
}

// Summary is the assembled view produced by GetTrace.
type Summary struct {
	TraceID         string  `json:"traceId"`
	RootSpanID      string  `json:"rootSpanId,omitempty"`
	SpanCount       int     `json:"spanCount"`
	TotalTokens     int     `json:"totalTokens"`
	TotalCost       float64 `json:"totalCost"`
	LLMCallCount    int     `json:"llmCallCount"`
	TotalDurationMs int64   `json:"totalDurationMs"`
	Status          Status  `json:"status"`
	Spans           []Span  `json:"spans"`
}
