package observer

import (
	"context"
	"time"

	"github.com/substratehq/substrate"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// RecordAgentRun emits run-level metrics and a structured log line for
// one completed agent run. Round-level spans come from the loop's
// Tracer; this captures the run envelope that spans alone do not
// aggregate well.
func (i *Instruments) RecordAgentRun(ctx context.Context, session string, result substrate.AgentResult, start time.Time, err error) {
	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	switch {
	case result.Interrupted:
		status = "interrupted"
	case err != nil:
		status = "error"
	}

	i.AgentRuns.Add(ctx, 1, metric.WithAttributes(
		AttrAgentSession.String(session),
		attribute.String("status", status),
	))
	i.AgentDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrAgentSession.String(session),
	))
	i.AgentRounds.Record(ctx, int64(result.Rounds), metric.WithAttributes(
		AttrAgentSession.String(session),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("agent run completed"))
	rec.AddAttributes(
		otellog.String("agent.session", session),
		otellog.String("agent.status", status),
		otellog.Int("agent.rounds", result.Rounds),
		otellog.Int("tokens.input", result.Usage.InputTokens),
		otellog.Int("tokens.output", result.Usage.OutputTokens),
		otellog.Float64("duration_ms", durationMs),
	)
	i.Logger.Emit(ctx, rec)
}
