package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/basket/go-keepalive/internal/notify"
	"github.com/basket/go-keepalive/internal/persistence"
	"github.com/basket/go-keepalive/internal/probe"
)

// failingStore wraps a real store and rejects saves while failSave is set.
type failingStore struct {
	*persistence.Store
	mu       sync.Mutex
	failSave bool
}

func (s *failingStore) setFailSave(v bool) {
	s.mu.Lock()
	s.failSave = v
	s.mu.Unlock()
}

func (s *failingStore) Save(task persistence.Task) error {
	s.mu.Lock()
	fail := s.failSave
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Store.Save(task)
}

type fakeProber struct {
	mu       sync.Mutex
	accounts map[string]int64
	results  []error // nil means success; consumed in order, then success
	calls    int
	block    chan struct{}
	started  chan struct{}
	panicNow bool
	falseNow bool
}

func newFakeProber() *fakeProber {
	return &fakeProber{accounts: make(map[string]int64)}
}

func (p *fakeProber) Validate(_ context.Context, credential string) (probe.AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.accounts[credential]
	if !ok {
		return probe.AccountInfo{}, fmt.Errorf("getMe: %w", probe.ErrInvalidCredential)
	}
	return probe.AccountInfo{AccountID: id, Username: "acct"}, nil
}

func (p *fakeProber) Heartbeat(ctx context.Context, _ string) (bool, error) {
	p.mu.Lock()
	p.calls++
	block, started := p.block, p.started
	var res error
	if len(p.results) > 0 {
		res = p.results[0]
		p.results = p.results[1:]
	}
	panicNow, falseNow := p.panicNow, p.falseNow
	p.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if panicNow {
		panic("probe exploded")
	}
	if falseNow {
		return false, nil
	}
	if res != nil {
		return false, res
	}
	return true, nil
}

func (p *fakeProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type note struct {
	intent string
	target int64
	taskID string
	detail string
}

type recordingSink struct {
	mu        sync.Mutex
	notes     []note
	onCleanup func(taskID string)
}

func (s *recordingSink) add(n note) {
	s.mu.Lock()
	s.notes = append(s.notes, n)
	s.mu.Unlock()
}

func (s *recordingSink) NotifySuccess(_ context.Context, target int64, taskID string) {
	s.add(note{intent: notify.IntentSuccess, target: target, taskID: taskID})
}

func (s *recordingSink) NotifyFailure(_ context.Context, target int64, taskID, errDesc string) {
	s.add(note{intent: notify.IntentFailure, target: target, taskID: taskID, detail: errDesc})
}

func (s *recordingSink) NotifyCleanup(_ context.Context, target int64, taskID, reason string) {
	if s.onCleanup != nil {
		s.onCleanup(taskID)
	}
	s.add(note{intent: notify.IntentCleanup, target: target, taskID: taskID, detail: reason})
}

func (s *recordingSink) count(intent, taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.notes {
		if x.intent == intent && (taskID == "" || x.taskID == taskID) {
			n++
		}
	}
	return n
}

func (s *recordingSink) last(intent string) (note, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.notes) - 1; i >= 0; i-- {
		if s.notes[i].intent == intent {
			return s.notes[i], true
		}
	}
	return note{}, false
}

type pendingJob struct {
	at time.Time
	fn func(context.Context)
}

// manualScheduler records registrations; tests fire them explicitly.
type manualScheduler struct {
	mu        sync.Mutex
	jobs      map[string]pendingJob
	scheduled int
	cancelled []string
	stopped   bool
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{jobs: make(map[string]pendingJob)}
}

func (s *manualScheduler) Schedule(jobID string, at time.Time, fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled++
	s.jobs[jobID] = pendingJob{at: at, fn: fn}
}

func (s *manualScheduler) Cancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, jobID)
	delete(s.jobs, jobID)
}

func (s *manualScheduler) Pending(jobID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	return j.at, ok
}

func (s *manualScheduler) Stop(context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

// fire runs the pending job for id, as the cron loop would. It reports
// whether a job was pending.
func (s *manualScheduler) fire(ctx context.Context, jobID string) bool {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	delete(s.jobs, jobID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	j.fn(ctx)
	return true
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
