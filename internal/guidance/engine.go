package guidance

import (
	"context"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	SourceOracle    = "oracle"
	SourceHeuristic = "heuristic"
)

// Engine wraps an Oracle. Analyze always returns a valid Signal: oracle
// errors and unparseable output fall back to Heuristic.
type Engine struct {
	oracle  Oracle
	timeout time.Duration
	logger  *slog.Logger

	analyses metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewEngine returns an engine over oracle. A nil oracle means every call
// uses the heuristic.
func NewEngine(oracle Oracle, timeout time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		oracle:  oracle,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "guidance")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-presence/guidance")
	if c, err := meter.Int64Counter("presence.guidance.analyses", metric.WithDescription("Guidance analyses by source")); err == nil {
		e.analyses = c
	}
	if h, err := meter.Float64Histogram("presence.guidance.latency", metric.WithUnit("ms"), metric.WithDescription("Time to a usable signal")); err == nil {
		e.latency = h
	}
	return e
}

func (e *Engine) Analyze(ctx context.Context, req Request) Signal {
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-presence/guidance").Start(ctx, "guidance.analyze")
	defer span.End()

	start := time.Now()
	sig, source := e.analyze(ctx, req)
	attrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("category", string(sig.Category)),
	}
	span.SetAttributes(attrs...)
	if e.analyses != nil {
		e.analyses.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	}
	if e.latency != nil {
		e.latency.Record(context.Background(), float64(time.Since(start).Microseconds())/1000,
			metric.WithAttributes(attribute.String("source", source)))
	}
	return sig
}

func (e *Engine) analyze(ctx context.Context, req Request) (Signal, string) {
	if e.oracle == nil {
		return Heuristic(req.Text), SourceHeuristic
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	logger := e.logger.With(slog.String("session_id", req.SessionID))

	raw, err := e.oracle.Analyze(ctx, req)
	if err != nil {
		logger.Warn("oracle unavailable, using heuristic", slogError(err))
		return Heuristic(req.Text), SourceHeuristic
	}
	sig, err := Parse(raw)
	if err != nil {
		logger.Warn("oracle output rejected, using heuristic", slogError(err))
		return Heuristic(req.Text), SourceHeuristic
	}
	logger.Debug("guidance signal",
		slog.String("category", string(sig.Category)),
		slog.Bool("suggest_silence", sig.SuggestSilence),
		slog.Float64("confidence", sig.Confidence))
	return sig, SourceOracle
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
