package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/brokererr"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/retrieval"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/session"
)

const (
	lowConfidenceEscalateAt = 3
	// lowConfidenceRetryMessage is the context returned while the counter
	// hasn't reached the escalation threshold yet.
	lowConfidenceRetryMessage = "관련 문서를 찾지 못했습니다. 다른 방식으로 다시 질문해 주세요."
	// lowConfidenceEscalationMessage is returned once the counter reaches
	// lowConfidenceEscalateAt.
	lowConfidenceEscalationMessage = "관련 문서를 계속 찾지 못하고 있습니다…"
)

// OutputSender is the narrow surface the Tool Executor needs to hand a
// tool's result back to the upstream session, satisfied by
// *upstream.Session without introducing an import cycle.
type OutputSender interface {
	SendToolOutput(callID, output string) error
}

// Searcher is the narrow surface of the Retrieval Client the executor
// depends on.
type Searcher interface {
	Search(ctx context.Context, query string, opts retrieval.Options) ([]session.Snippet, error)
}

// MetricsRecorder is the narrow surface of the process metrics the executor
// reports through, satisfied by *metrics.Metrics without an import cycle.
type MetricsRecorder interface {
	RecordTool(outcome string, seconds float64)
	RecordCache(hit bool)
	RecordLowConfidence(escalated bool)
}

type Executor struct {
	search  Searcher
	limiter *Limiter
	logger  *slog.Logger
	now     func() time.Time
	metrics MetricsRecorder
}

func New(search Searcher, limiter *Limiter, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{search: search, limiter: limiter, logger: logger, now: time.Now}
}

// SetMetrics attaches a metrics recorder. Nil disables reporting; safe to
// call before or after any dispatch.
func (e *Executor) SetMetrics(m MetricsRecorder) {
	e.metrics = m
}

func (e *Executor) recordTool(outcome string, start time.Time) {
	if e.metrics != nil {
		e.metrics.RecordTool(outcome, e.now().Sub(start).Seconds())
	}
}

type toolArguments struct {
	Query     string  `json:"query"`
	Mode      string  `json:"mode"`
	TopK      int     `json:"topK"`
	Threshold float64 `json:"threshold"`
}

// OnArgumentsDelta coalesces a response.function_call.arguments.delta chunk
// onto the pending call identified by callID.
func (e *Executor) OnArgumentsDelta(domain *session.Session, callID, name, delta string) {
	pending := domain.PendingToolCallFor(callID, name)
	pending.Argument.WriteString(delta)
}

// OnArgumentsDone parses the accumulated arguments for callID, dispatches
// the tool, and emits a tool.output frame via sender. Malformed JSON
// arguments are treated as an empty object rather than failing the call.
func (e *Executor) OnArgumentsDone(ctx context.Context, domain *session.Session, sender OutputSender, callID string) error {
	pending, ok := domain.TakePendingToolCall(callID)
	if !ok {
		return brokererr.ToolFailure(fmt.Sprintf("no pending call for %q", callID))
	}

	if pending.Name != "rag_search" {
		return e.errorOut(sender, callID, brokererr.ToolFailure(fmt.Sprintf("unknown tool %q", pending.Name)), "unknown tool")
	}

	var args toolArguments
	if err := json.Unmarshal([]byte(pending.Argument.String()), &args); err != nil {
		args = toolArguments{}
	}

	return e.runRagSearch(ctx, domain, sender, callID, args)
}

func (e *Executor) runRagSearch(ctx context.Context, domain *session.Session, sender OutputSender, callID string, args toolArguments) error {
	start := e.now()
	query := strings.TrimSpace(args.Query)
	if query == "" {
		e.recordTool("empty_query", start)
		return e.errorOut(sender, callID, brokererr.ToolFailure("empty query"), "empty query")
	}

	now := e.now()
	mode := normalizeMode(args.Mode)

	// A cache hit is served regardless of rate limiting: it costs no
	// upstream request and re-litigating an already-answered question
	// should never trip the dispatch limiter.
	if entry, ok := domain.CacheGet(query, now); ok {
		if e.metrics != nil {
			e.metrics.RecordCache(true)
		}
		e.recordTool("cache_hit", start)
		return e.finish(domain, sender, callID, entry.Context, entry.SourceIDs, mode, len(entry.SourceIDs) == 0)
	}
	if e.metrics != nil {
		e.metrics.RecordCache(false)
	}

	if e.limiter != nil && !e.limiter.Allow(domain.ID) {
		e.recordTool("rate_limited", start)
		return e.skip(sender, callID)
	}
	domain.AllowTool(now, 0) // records the dispatch for session-local observability even when the token bucket above is authoritative.

	opts := resolveOptions(mode, args.TopK, args.Threshold)

	snippets, err := e.search.Search(ctx, query, opts)
	if err != nil {
		e.recordTool("search_error", start)
		return e.errorOut(sender, callID, err, err.Error())
	}

	topScore := 0.0
	if len(snippets) > 0 {
		topScore = snippets[0].Score
	}
	lowConfidence := len(snippets) == 0 || topScore < opts.Threshold

	if lowConfidence {
		e.recordTool("low_confidence", start)
		return e.finish(domain, sender, callID, "", nil, mode, true)
	}

	sourceIDs := retrieval.SourceIDs(snippets)
	ragContext := retrieval.FormatContext(snippets)
	domain.CacheSet(query, session.RagCacheEntry{
		NormalizedQuery: session.NormalizeQuery(query),
		Context:         ragContext,
		SourceIDs:       sourceIDs,
		InsertedAt:      now,
	})

	e.recordTool("ok", start)
	return e.finish(domain, sender, callID, ragContext, sourceIDs, mode, false)
}

// finish emits the tool.output payload for a completed search, either the
// confident {context, sources, count, mode} shape or the low-confidence
// {context, sources:[], count:0, mode, lowConfidence, lowConfidenceCount}
// shape, escalating the message once the counter reaches
// lowConfidenceEscalateAt.
func (e *Executor) finish(domain *session.Session, sender OutputSender, callID string, ragContext string, sourceIDs []string, mode string, lowConfidence bool) error {
	if lowConfidence {
		count := domain.IncrementLowConfidence()
		escalate := count >= lowConfidenceEscalateAt
		if e.metrics != nil {
			e.metrics.RecordLowConfidence(escalate)
		}
		message := lowConfidenceRetryMessage
		if escalate {
			message = lowConfidenceEscalationMessage
		}
		return e.sendJSON(sender, callID, map[string]any{
			"context":            message,
			"sources":            []string{},
			"count":              0,
			"mode":               mode,
			"lowConfidence":      true,
			"lowConfidenceCount": count,
		})
	}

	domain.ResetLowConfidence()
	if sourceIDs == nil {
		sourceIDs = []string{}
	}
	return e.sendJSON(sender, callID, map[string]any{
		"context": ragContext,
		"sources": sourceIDs,
		"count":   len(sourceIDs),
		"mode":    mode,
	})
}

func (e *Executor) sendJSON(sender OutputSender, callID string, out map[string]any) error {
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return sender.SendToolOutput(callID, string(data))
}

func (e *Executor) errorOut(sender OutputSender, callID string, cause error, message string) error {
	e.logger.Warn("tool dispatch failed", "call_id", callID, "error", cause)
	if sendErr := e.sendJSON(sender, callID, map[string]any{"error": message}); sendErr != nil {
		return sendErr
	}
	return cause
}

func (e *Executor) skip(sender OutputSender, callID string) error {
	if sendErr := e.sendJSON(sender, callID, map[string]any{"skipped": true, "reason": "rate_limited"}); sendErr != nil {
		return sendErr
	}
	return brokererr.RateLimited()
}

func normalizeMode(mode string) string {
	if mode == "provisional" {
		return "provisional"
	}
	return "final"
}

// resolveOptions applies the mode's fixed clamps over the caller-supplied
// topK/threshold: provisional always resolves to at most one result at a
// threshold no looser than 0.4, regardless of what the caller asked for.
func resolveOptions(mode string, topK int, threshold float64) retrieval.Options {
	if topK <= 0 {
		topK = 2
	}
	if threshold <= 0 {
		threshold = 0.3
	}
	if mode == "provisional" {
		if topK > 1 {
			topK = 1
		}
		if threshold < 0.4 {
			threshold = 0.4
		}
		return retrieval.Options{TopK: topK, Threshold: threshold, MaxChars: 120}
	}
	return retrieval.Options{TopK: topK, Threshold: threshold, MaxChars: 200}
}
