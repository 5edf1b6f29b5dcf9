package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the keepalive instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ProbeDuration    metric.Float64Histogram
	ProbeErrors      metric.Int64Counter
	RateLimitRetries metric.Int64Counter
	LiveTasks        metric.Int64UpDownCounter
	Heartbeats       metric.Int64Counter
	Cleanups         metric.Int64Counter
	Notifications    metric.Int64Counter
	APIRejects       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ProbeDuration, err = meter.Float64Histogram("keepalive.probe.duration",
		metric.WithDescription("External probe call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProbeErrors, err = meter.Int64Counter("keepalive.probe.errors",
		metric.WithDescription("Probe calls that returned an error"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRetries, err = meter.Int64Counter("keepalive.probe.rate_limit_retries",
		metric.WithDescription("Probe calls retried after a rate-limit response"),
	)
	if err != nil {
		return nil, err
	}

	m.LiveTasks, err = meter.Int64UpDownCounter("keepalive.tasks.live",
		metric.WithDescription("Tasks currently in the live index"),
	)
	if err != nil {
		return nil, err
	}

	m.Heartbeats, err = meter.Int64Counter("keepalive.heartbeats",
		metric.WithDescription("Completed heartbeat runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.Cleanups, err = meter.Int64Counter("keepalive.tasks.cleanups",
		metric.WithDescription("Tasks removed, by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.Notifications, err = meter.Int64Counter("keepalive.notifications",
		metric.WithDescription("Lifecycle notifications dispatched, by intent"),
	)
	if err != nil {
		return nil, err
	}

	m.APIRejects, err = meter.Int64Counter("keepalive.api.rate_limit_rejects",
		metric.WithDescription("Admin API requests rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) ObserveProbe(ctx context.Context, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrProbeOp.String(op))
	m.ProbeDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.ProbeErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RateLimitRetry(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.RateLimitRetries.Add(ctx, 1, metric.WithAttributes(AttrProbeOp.String(op)))
}

func (m *Metrics) TaskAdmitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.LiveTasks.Add(ctx, 1)
}

func (m *Metrics) TaskRemoved(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.LiveTasks.Add(ctx, -1)
	m.Cleanups.Add(ctx, 1, metric.WithAttributes(AttrReason.String(reason)))
}

func (m *Metrics) Heartbeat(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.Heartbeats.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

func (m *Metrics) Notified(ctx context.Context, intent string) {
	if m == nil {
		return
	}
	m.Notifications.Add(ctx, 1, metric.WithAttributes(AttrIntent.String(intent)))
}

func (m *Metrics) APIRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.APIRejects.Add(ctx, 1)
}
