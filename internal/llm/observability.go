package llm

import (
	"context"
	"encoding/json"

	"manifold/internal/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("manifold/internal/llm")

var (
	promptTokenCounter     metric.Int64Counter
	completionTokenCounter metric.Int64Counter
)

func init() {
	meter := otel.Meter("manifold/internal/llm")
	promptTokenCounter, _ = meter.Int64Counter("llm.tokens.prompt")
	completionTokenCounter, _ = meter.Int64Counter("llm.tokens.completion")
}

// StartRequestSpan starts a span for one provider chat request, tagging it
// with the model and the size of the request so slow/expensive calls are
// easy to spot in traces.
func StartRequestSpan(ctx context.Context, name, model string, msgCount int) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("llm.model", model),
			attribute.Int("llm.message_count", msgCount),
		),
	)
	return ctx, span
}

// RecordTokenAttributes annotates a span with the token accounting for the
// request it covers.
func RecordTokenAttributes(span trace.Span, promptTokens, completionTokens, totalTokens int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.Int("llm.tokens.prompt", promptTokens),
		attribute.Int("llm.tokens.completion", completionTokens),
		attribute.Int("llm.tokens.total", totalTokens),
	)
}

// RecordTokenMetrics increments the package-level prompt/completion token
// counters for the given model.
func RecordTokenMetrics(model string, promptTokens, completionTokens int) {
	RecordTokenMetricsFromContext(context.Background(), model, promptTokens, completionTokens)
}

// RecordTokenMetricsFromContext is RecordTokenMetrics with an explicit
// context, used where the caller already has one in hand for propagation.
func RecordTokenMetricsFromContext(ctx context.Context, model string, promptTokens, completionTokens int) {
	attrs := metric.WithAttributes(attribute.String("llm.model", model))
	if promptTokenCounter != nil {
		promptTokenCounter.Add(ctx, int64(promptTokens), attrs)
	}
	if completionTokenCounter != nil {
		completionTokenCounter.Add(ctx, int64(completionTokens), attrs)
	}
}

// LogRedactedPrompt logs an outgoing request's messages at debug level with
// any API-key-shaped fields scrubbed.
func LogRedactedPrompt(ctx context.Context, msgs []Message) {
	logRedacted(ctx, "llm request", msgs)
}

// LogRedactedResponse logs a provider response at debug level with any
// API-key-shaped fields scrubbed.
func LogRedactedResponse(ctx context.Context, resp any) {
	logRedacted(ctx, "llm response", resp)
}

func logRedacted(ctx context.Context, msg string, v any) {
	logger := observability.LoggerWithTrace(ctx)
	raw, err := json.Marshal(v)
	if err != nil {
		logger.Debug().Msg(msg)
		return
	}
	logger.Debug().RawJSON("payload", observability.RedactJSON(raw)).Msg(msg)
}
