// Package session owns the live task index and drives each task through its
// heartbeat lifecycle: admission, periodic probing, failure counting and
// cleanup.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-keepalive/internal/bus"
	"github.com/basket/go-keepalive/internal/notify"
	"github.com/basket/go-keepalive/internal/otel"
	"github.com/basket/go-keepalive/internal/persistence"
	"github.com/basket/go-keepalive/internal/probe"
)

// Cleanup reasons.
const (
	ReasonMaxFailures = "max consecutive failures reached"
	ReasonReplacedNew = "replaced by new task"
	ReasonReplacedOld = "replaced by newer task"
	ReasonManual      = "deleted by operator"
)

const (
	DefaultInterval    = 24 * time.Hour
	DefaultJitter      = 300 * time.Second
	DefaultMaxFailures = 3
)


// Prober is the probe capability the manager depends on. *probe.Gate
// satisfies it.
type Prober interface {
	Validate(ctx context.Context, credential string) (probe.AccountInfo, error)
	Heartbeat(ctx context.Context, credential string) (bool, error)
}

// Store is the durable task storage. *persistence.Store satisfies it.
type Store interface {
	Save(task persistence.Task) error
	Delete(id string) error
	LoadAll() ([]persistence.Task, int, error)
}

// Scheduler fires one-shot jobs by name. *cron.Scheduler satisfies it.
type Scheduler interface {
	Schedule(jobID string, at time.Time, fn func(ctx context.Context))
	Cancel(jobID string)
	Pending(jobID string) (time.Time, bool)
	Stop(ctx context.Context) error
}

type Config struct {
	Interval    time.Duration
	Jitter      time.Duration
	MaxFailures int
}

type Deps struct {
	Store     Store
	Gate      Prober
	Sink      notify.Sink
	Scheduler Scheduler
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
	Clock     func() time.Time
	Rand      *rand.Rand
}

// Report summarises startup reconciliation.
type Report struct {
	Loaded   int `json:"loaded"`
	Skipped  int `json:"skipped"`
	Replaced int `json:"replaced"`
	Admitted int `json:"admitted"`
}

type Manager struct {
	cfg       Config
	store     Store
	gate      Prober
	sink      notify.Sink
	scheduler Scheduler
	bus       *bus.Bus
	logger    *slog.Logger
	metrics   *otel.Metrics
	tracer    trace.Tracer
	now       func() time.Time

	randMu sync.Mutex
	rand   *rand.Rand

	// admit serialises replacement and insertion per account so two
	// concurrent creations for one account cannot both end up live. The
	// replaced task's cleanup notification is sent while it is held.
	admit *accountLocks
	idx   *index
}

func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Store == nil || deps.Gate == nil || deps.Scheduler == nil {
		return nil, errors.New("session: store, gate and scheduler are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sink == nil {
		deps.Sink = notify.NewLogSink(deps.Logger)
	}
	if deps.Tracer == nil {
		deps.Tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Manager{
		cfg:       cfg,
		store:     deps.Store,
		gate:      deps.Gate,
		sink:      deps.Sink,
		scheduler: deps.Scheduler,
		bus:       deps.Bus,
		logger:    deps.Logger.With("component", "session"),
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		now:       deps.Clock,
		rand:      deps.Rand,
		idx:       newIndex(),
		admit:     newAccountLocks(),
	}, nil
}

// Initialize loads persisted tasks, retires duplicates per account (newest
// created_at wins) and schedules the survivors.
func (m *Manager) Initialize(ctx context.Context) (Report, error) {
	var rep Report
	tasks, skipped, err := m.store.LoadAll()
	if err != nil {
		return rep, fmt.Errorf("load tasks: %w", err)
	}
	rep.Loaded = len(tasks)
	rep.Skipped = skipped

	newest := make(map[int64]persistence.Task, len(tasks))
	for _, t := range tasks {
		cur, ok := newest[t.ExternalAccountID]
		if !ok || t.CreatedAt.After(cur.CreatedAt) {
			newest[t.ExternalAccountID] = t
		}
	}

	for _, t := range tasks {
		if newest[t.ExternalAccountID].ID == t.ID {
			continue
		}
		rep.Replaced++
		m.logger.Info("retiring duplicate task", "task", t, "winner", newest[t.ExternalAccountID].ID)
		m.notifyCleanup(ctx, t, ReasonReplacedOld)
		if err := m.store.Delete(t.ID); err != nil {
			m.logger.Error("delete duplicate task failed", "task_id", t.ID, "error", err)
		}
		m.metrics.TaskRemoved(ctx, ReasonReplacedOld)
		m.publish(bus.TopicTaskCleanedUp, t, ReasonReplacedOld)
	}

	survivors := make([]persistence.Task, 0, len(newest))
	for _, t := range newest {
		survivors = append(survivors, t)
	}
	sortByCreated(survivors)

	for _, t := range survivors {
		if m.admitLoaded(ctx, t) {
			rep.Admitted++
		}
	}

	m.logger.Info("session manager initialized",
		"loaded", rep.Loaded, "skipped", rep.Skipped,
		"replaced", rep.Replaced, "admitted", rep.Admitted)
	return rep, nil
}

// admitLoaded inserts and schedules a persisted task unless it is already
// live.
func (m *Manager) admitLoaded(ctx context.Context, t persistence.Task) bool {
	unlock := m.admit.lock(t.ExternalAccountID)
	defer unlock()
	if _, exists := m.idx.get(t.ID); exists {
		return false
	}
	m.idx.insert(t)
	m.metrics.TaskAdmitted(ctx)
	m.publish(bus.TopicTaskAdmitted, t, "")
	m.scheduleNext(t.ID)
	return true
}

// CreateTask validates credential, retires any live task for the same
// account and admits a new task. probe.ErrInvalidCredential is returned
// unchanged.
func (m *Manager) CreateTask(ctx context.Context, credential string, notifyTarget int64) (id string, err error) {
	ctx, span := otel.StartSpan(ctx, m.tracer, "session.create_task")
	defer func() { otel.EndSpan(span, err) }()

	info, err := m.gate.Validate(ctx, credential)
	if err != nil {
		return "", err
	}
	span.SetAttributes(otel.AttrAccountID.Int64(info.AccountID))

	unlock := m.admit.lock(info.AccountID)
	defer unlock()

	if oldID, ok := m.idx.lookupAccount(info.AccountID); ok {
		m.logger.Info("replacing live task for account", "task_id", oldID, "account_id", info.AccountID)
		if err := m.CleanupTask(ctx, oldID, ReasonReplacedNew); err != nil {
			return "", err
		}
	}

	task := persistence.Task{
		ID:                uuid.NewString(),
		ExternalAccountID: info.AccountID,
		Credential:        credential,
		NotifyTarget:      notifyTarget,
		CreatedAt:         m.now().UTC(),
	}
	if err := m.store.Save(task); err != nil {
		return "", fmt.Errorf("persist task: %w", err)
	}
	m.idx.insert(task)
	m.scheduleNext(task.ID)

	span.SetAttributes(otel.AttrTaskID.String(task.ID))
	m.metrics.TaskAdmitted(ctx)
	m.publish(bus.TopicTaskCreated, task, "")
	m.logger.Info("task created", "task", task, "username", info.Username)
	return task.ID, nil
}

// ValidateCredential checks credential through the probe gate without
// creating a task.
func (m *Manager) ValidateCredential(ctx context.Context, credential string) (probe.AccountInfo, error) {
	return m.gate.Validate(ctx, credential)
}

// CleanupTask retires a live task: notify, cancel its timer, delete its
// record and drop it from the index. An absent or already cleaned up id is
// a no-op and returns nil.
// has no other effect.
func (m *Manager) CleanupTask(ctx context.Context, id, reason string) error {
	e, ok := m.idx.get(id)
	if !ok {
		m.logger.Debug("cleanup of absent task", "task_id", id, "reason", reason)
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		m.logger.Debug("cleanup of absent task", "task_id", id, "reason", reason)
		return nil
	}
	m.cleanupLocked(ctx, e, reason)
	return nil
}

// cleanupLocked requires e.mu.
func (m *Manager) cleanupLocked(ctx context.Context, e *entry, reason string) {
	t := e.task
	ctx, span := otel.StartSpan(ctx, m.tracer, "session.cleanup",
		otel.AttrTaskID.String(t.ID), otel.AttrReason.String(reason))
	defer span.End()

	m.notifyCleanup(ctx, t, reason)
	m.scheduler.Cancel(t.ID)
	if err := m.store.Delete(t.ID); err != nil {
		m.logger.Error("delete task record failed", "task_id", t.ID, "error", err)
	}
	m.idx.remove(t.ID, t.ExternalAccountID)
	e.removed = true

	m.metrics.TaskRemoved(ctx, reason)
	m.publish(bus.TopicTaskCleanedUp, t, reason)
	m.logger.Info("task cleaned up", "task_id", t.ID, "account_id", t.ExternalAccountID, "reason", reason)
}

// Get returns a copy of the live task id.
func (m *Manager) Get(id string) (persistence.Task, bool) {
	e, ok := m.idx.get(id)
	if !ok {
		return persistence.Task{}, false
	}
	return e.snapshot(), true
}

// List returns copies of all live tasks ordered by creation time.
func (m *Manager) List() []persistence.Task {
	entries := m.idx.entries()
	out := make([]persistence.Task, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sortByCreated(out)
	return out
}

func (m *Manager) Len() int {
	return m.idx.len()
}

// Shutdown stops the scheduler and waits for in-flight heartbeats.
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.scheduler.Stop(ctx); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	m.logger.Info("session manager stopped", "live_tasks", m.idx.len())
	return nil
}

// nextRunAt is now + interval + U[0, jitter], drawn fresh on every call.
func (m *Manager) nextRunAt() time.Time {
	var j time.Duration
	if m.cfg.Jitter > 0 {
		n := int64(m.cfg.Jitter) + 1
		if m.rand != nil {
			m.randMu.Lock()
			j = time.Duration(m.rand.Int64N(n))
			m.randMu.Unlock()
		} else {
			j = time.Duration(rand.Int64N(n))
		}
	}
	return m.now().Add(m.cfg.Interval + j)
}

func (m *Manager) scheduleNext(id string) {
	at := m.nextRunAt()
	m.scheduler.Schedule(id, at, func(ctx context.Context) {
		m.ExecuteHeartbeat(ctx, id)
	})
	m.logger.Debug("heartbeat scheduled", "task_id", id, "at", at)
}

func (m *Manager) notifyCleanup(ctx context.Context, t persistence.Task, reason string) {
	m.sink.NotifyCleanup(ctx, t.NotifyTarget, t.ID, reason)
	m.metrics.Notified(ctx, notify.IntentCleanup)
}

func (m *Manager) publish(topic string, t persistence.Task, detail string) {
	m.bus.Publish(topic, bus.TaskEvent{
		TaskID:              t.ID,
		AccountID:           t.ExternalAccountID,
		ConsecutiveFailures: t.ConsecutiveFailures,
		Detail:              detail,
		At:                  m.now(),
	})
}
