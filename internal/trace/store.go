package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/taskflow-core/internal/store"
)

// Store is C5: append-only span log per task/trace.
type Store struct {
	layout *store.Layout
}

// NewStore builds a trace store rooted at layout.
func NewStore(layout *store.Layout) *Store {
	return &Store{layout: layout}
}

// AppendSpan appends one JSON-encoded line to the trace's JSONL file. No
// locking is used: spanId is globally unique and each line is a single
// whole-line write well under PIPE_BUF, so concurrent appenders cannot
// interleave partial lines on POSIX (§4.5).
func (s *Store) AppendSpan(taskID string, span Span) error {
	path := s.layout.TraceFile(taskID, span.TraceID)
	if err := os.MkdirAll(s.layout.TracesDir(taskID), 0o755); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInternal, err)
	}
	data, err := json.Marshal(span)
	if err != nil {
		return fmt.Errorf("%w: marshal span: %v", store.ErrInternal, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open trace file: %v", store.ErrInternal, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: append span: %v", store.ErrInternal, err)
	}
	return nil
}

// ListTraces lists the traceIds available for a task (directory listing).
func (s *Store) ListTraces(taskID string) ([]string, error) {
	entries, err := os.ReadDir(s.layout.TracesDir(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", store.ErrInternal, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ids = append(ids, name[:len(name)-len(".jsonl")])
	}
	return ids, nil
}

// readSpans parses a trace's JSONL file, skipping malformed lines with a
// warning rather than failing the whole read.
func (s *Store) readSpans(taskID, traceID string) ([]Span, error) {
	path := s.layout.TraceFile(taskID, traceID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: trace %s", store.ErrNotFound, traceID)
		}
		return nil, fmt.Errorf("%w: %v", store.ErrInternal, err)
	}
	defer f.Close()

	var spans []Span
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var sp Span
		if err := json.Unmarshal(line, &sp); err != nil {
			log.WithFields(log.Fields{"task_id": taskID, "trace_id": traceID}).Warn("skipping malformed trace span line")
			continue
		}
		spans = append(spans, sp)
	}
	return spans, nil
}

// GetTrace parses the trace's JSONL file and assembles the summary per
// §4.5's rules.
func (s *Store) GetTrace(taskID, traceID string) (*Summary, error) {
	spans, err := s.readSpans(taskID, traceID)
	if err != nil {
		return nil, err
	}

	sum := &Summary{TraceID: traceID, Spans: spans, SpanCount: len(spans), Status: StatusOK}
	var minStart, maxEnd time.Time
	haveWindow := false
	sawError, sawRunning := false, false

	for _, sp := range spans {
		if sp.Kind == KindLLM {
			sum.LLMCallCount++
			if sp.TokenUsage != nil {
				sum.TotalTokens += sp.TokenUsage.TotalTokens
			}
			if sp.CostUSD != nil {
				sum.TotalCost += *sp.CostUSD
			}
		}
		if sp.ParentSpanID == "" {
			sum.RootSpanID = sp.SpanID
			if sp.DurationMs > 0 {
				sum.TotalDurationMs = sp.DurationMs
			}
		}
		if !haveWindow || sp.StartTime.Before(minStart) {
			minStart = sp.StartTime
			haveWindow = true
		}
		end := sp.EndTime
		if end != nil && end.After(maxEnd) {
			maxEnd = *end
		}
		switch sp.Status {
		case StatusError:
			sawError = true
		case StatusRunning:
			sawRunning = true
		}
	}

	if sum.TotalDurationMs == 0 && haveWindow && !maxEnd.IsZero() {
		sum.TotalDurationMs = maxEnd.Sub(minStart).Milliseconds()
	}

	switch {
	case sawError:
		sum.Status = StatusError
	case sawRunning:
		sum.Status = StatusRunning
	default:
		sum.Status = StatusOK
	}

	return sum, nil
}

// QuerySlowSpans filters spans by minDurationMs and returns the slowest
// `limit` of them, descending.
func (s *Store) QuerySlowSpans(taskID, traceID string, minDurationMs int64, limit int) ([]Span, error) {
	spans, err := s.readSpans(taskID, traceID)
	if err != nil {
		return nil, err
	}
	var filtered []Span
	for _, sp := range spans {
		if sp.DurationMs >= minDurationMs {
			filtered = append(filtered, sp)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].DurationMs > filtered[j].DurationMs })
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// GetErrorChain walks parent links from spanID to the root and returns
// the chain in root-first order.
func (s *Store) GetErrorChain(taskID, traceID, spanID string) ([]Span, error) {
	spans, err := s.readSpans(taskID, traceID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Span, len(spans))
	for _, sp := range spans {
		byID[sp.SpanID] = sp
	}

	var chain []Span
	cur, ok := byID[spanID]
	if !ok {
		return nil, fmt.Errorf("%w: span %s", store.ErrNotFound, spanID)
	}
	seen := map[string]bool{}
	for {
		if seen[cur.SpanID] {
			break // defensive: a cyclic parent chain should never occur
		}
		seen[cur.SpanID] = true
		chain = append(chain, cur)
		if cur.ParentSpanID == "" {
			break
		}
		parent, ok := byID[cur.ParentSpanID]
		if !ok {
			break
		}
		cur = parent
	}
	// reverse to root-first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
