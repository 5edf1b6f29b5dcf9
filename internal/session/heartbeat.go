package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-keepalive/internal/bus"
	"github.com/basket/go-keepalive/internal/notify"
	"github.com/basket/go-keepalive/internal/otel"
	"github.com/basket/go-keepalive/internal/shared"
)

var errHeartbeatRejected = errors.New("heartbeat returned false")

// ExecuteHeartbeat probes task id once, applies the outcome and, if the task
// survives, schedules its next run. It is a no-op for a task that has
// already been cleaned up.
func (m *Manager) ExecuteHeartbeat(ctx context.Context, id string) {
	e, ok := m.idx.get(id)
	if !ok {
		m.logger.Debug("heartbeat for absent task skipped", "task_id", id)
		return
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return
	}
	credential := e.task.Credential
	accountID := e.task.ExternalAccountID
	e.mu.Unlock()

	ctx = shared.WithTaskID(ctx, id)
	ctx = shared.WithAccountID(ctx, accountID)
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otel.StartSpan(ctx, m.tracer, "session.heartbeat",
		otel.AttrTaskID.String(id), otel.AttrAccountID.Int64(accountID))

	err := m.probeOnce(ctx, credential)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		// Cleaned up while the probe was in flight.
		otel.EndSpan(span, err)
		return
	}
	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the probe; the run is repeated after restart.
		m.logger.Info("heartbeat interrupted", "task_id", id, "error", err)
		otel.EndSpan(span, err)
		return
	}
	if err == nil {
		// A success that cannot be persisted is reported as a failure.
		err = m.onSuccess(ctx, e)
	}
	if err == nil {
		span.SetAttributes(otel.AttrOutcome.String("success"))
	} else {
		m.onFailure(ctx, e, err)
		span.SetAttributes(otel.AttrOutcome.String("failure"))
	}
	otel.EndSpan(span, err)

	if !e.removed {
		m.scheduleNext(id)
	}
}

// probeOnce runs one heartbeat. A false result and a panic both count as
// failures.
func (m *Manager) probeOnce(ctx context.Context, credential string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("heartbeat panicked: %v", r)
		}
	}()
	ok, err := m.gate.Heartbeat(ctx, credential)
	if err != nil {
		return err
	}
	if !ok {
		return errHeartbeatRejected
	}
	return nil
}

// onSuccess requires e.mu. The in-memory task only changes once the new
// state is on disk; a save error is returned untouched otherwise.
func (m *Manager) onSuccess(ctx context.Context, e *entry) error {
	now := m.now().UTC()
	next := e.task.Clone()
	next.ConsecutiveFailures = 0
	next.LastHeartbeatAt = &now
	if err := m.store.Save(next); err != nil {
		m.logger.Error("persist task failed", "task_id", next.ID, "trace_id", shared.TraceID(ctx), "error", err)
		return fmt.Errorf("persist heartbeat: %w", err)
	}
	e.task = next

	m.metrics.Heartbeat(ctx, true)
	m.sink.NotifySuccess(ctx, e.task.NotifyTarget, e.task.ID)
	m.metrics.Notified(ctx, notify.IntentSuccess)
	m.publish(bus.TopicTaskHeartbeatSucceeded, e.task, "")
	m.logger.Info("heartbeat succeeded", "task_id", e.task.ID, "trace_id", shared.TraceID(ctx))
	return nil
}

// onFailure requires e.mu. It cleans the task up once the failure threshold
// is reached.
func (m *Manager) onFailure(ctx context.Context, e *entry, cause error) {
	e.task.ConsecutiveFailures++
	if err := m.store.Save(e.task); err != nil {
		m.logger.Error("persist task failed", "task_id", e.task.ID, "trace_id", shared.TraceID(ctx), "error", err)
	}

	desc := shared.Redact(cause.Error())
	m.metrics.Heartbeat(ctx, false)
	m.sink.NotifyFailure(ctx, e.task.NotifyTarget, e.task.ID, desc)
	m.metrics.Notified(ctx, notify.IntentFailure)
	m.publish(bus.TopicTaskHeartbeatFailed, e.task, desc)
	m.logger.Warn("heartbeat failed",
		"task_id", e.task.ID,
		"trace_id", shared.TraceID(ctx),
		"consecutive_failures", e.task.ConsecutiveFailures,
		"error", cause)

	if e.task.ConsecutiveFailures >= m.cfg.MaxFailures {
		m.cleanupLocked(ctx, e, ReasonMaxFailures)
	}
}

// NextRun reports when task id is next due, if it has a pending run.
func (m *Manager) NextRun(id string) (time.Time, bool) {
	return m.scheduler.Pending(id)
}
