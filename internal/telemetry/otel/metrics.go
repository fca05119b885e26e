package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records challenge counters. A nil *Metrics is a valid no-op recorder.
type Metrics struct {
	issued   metric.Int64Counter
	resolved metric.Int64Counter
	attempts metric.Int64Counter
	failures metric.Int64Counter
}

// NewMetrics registers the challenge instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	issued, err := meter.Int64Counter("captcha.challenges.issued",
		metric.WithDescription("Challenges delivered to new members."))
	if err != nil {
		return nil, err
	}
	resolved, err := meter.Int64Counter("captcha.challenges.resolved",
		metric.WithDescription("Challenges that reached a terminal state, by reason."))
	if err != nil {
		return nil, err
	}
	attempts, err := meter.Int64Counter("captcha.attempts",
		metric.WithDescription("Answers evaluated, by outcome."))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("captcha.moderation.failures",
		metric.WithDescription("Expel or role grant calls that failed, by action."))
	if err != nil {
		return nil, err
	}
	return &Metrics{issued: issued, resolved: resolved, attempts: attempts, failures: failures}, nil
}

func (m *Metrics) ChallengeIssued(ctx context.Context, guildID string) {
	if m == nil {
		return
	}
	m.issued.Add(ctx, 1, metric.WithAttributes(attribute.String("guild_id", guildID)))
}

func (m *Metrics) ChallengeResolved(ctx context.Context, guildID, reason string) {
	if m == nil {
		return
	}
	m.resolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("guild_id", guildID),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) AttemptEvaluated(ctx context.Context, guildID, outcome string) {
	if m == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("guild_id", guildID),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) ModerationFailed(ctx context.Context, guildID, action string) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("guild_id", guildID),
		attribute.String("action", action),
	))
}
