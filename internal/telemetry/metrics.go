package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/ashureev/agentroom"

// Metrics holds the agentroom instruments. A nil *Metrics records nothing.
type Metrics struct {
	joinAttempts metric.Int64Counter
	retries      metric.Int64Counter
	invites      metric.Int64Counter
	removals     metric.Int64Counter
	latency      metric.Float64Histogram
}

// NewMetrics creates instruments from meter, or from the global provider when nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	m := &Metrics{}
	var err error
	if m.joinAttempts, err = meter.Int64Counter("agentroom.join.attempts",
		metric.WithDescription("Meeting join attempts")); err != nil {
		return nil, fmt.Errorf("create join counter: %w", err)
	}
	if m.retries, err = meter.Int64Counter("agentroom.retries",
		metric.WithDescription("Connection retries started")); err != nil {
		return nil, fmt.Errorf("create retry counter: %w", err)
	}
	if m.invites, err = meter.Int64Counter("agentroom.agent.invites",
		metric.WithDescription("Agent invites by result")); err != nil {
		return nil, fmt.Errorf("create invite counter: %w", err)
	}
	if m.removals, err = meter.Int64Counter("agentroom.agent.removals",
		metric.WithDescription("Agent removals by outcome")); err != nil {
		return nil, fmt.Errorf("create removal counter: %w", err)
	}
	if m.latency, err = meter.Float64Histogram("agentroom.backend.latency_ms",
		metric.WithDescription("Agent backend call latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}
	return m, nil
}

// JoinAttempt counts one join issued to the meeting SDK.
func (m *Metrics) JoinAttempt(ctx context.Context) {
	if m == nil {
		return
	}
	m.joinAttempts.Add(ctx, 1)
}

// Retry counts one retry started.
func (m *Metrics) Retry(ctx context.Context) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1)
}

// Invite counts one invite with its result.
func (m *Metrics) Invite(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.invites.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// Removal counts one removal with its outcome.
func (m *Metrics) Removal(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.removals.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// BackendLatency records the duration of an agent backend call.
func (m *Metrics) BackendLatency(ctx context.Context, op string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(attribute.String("op", op)))
}
