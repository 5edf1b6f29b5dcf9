package probe_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-keepalive/internal/probe"
	"github.com/basket/go-keepalive/internal/shared"
)

type fakeClient struct {
	mu          sync.Mutex
	inflight    int
	maxInflight int
	starts      []time.Time
	hold        time.Duration
	release     chan struct{}

	heartbeat func(call int) (bool, error)
	validate  func(call int) (probe.AccountInfo, error)
}

func (f *fakeClient) enter() int {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.starts = append(f.starts, time.Now())
	n := len(f.starts)
	f.mu.Unlock()

	if f.release != nil {
		<-f.release
	}
	if f.hold > 0 {
		time.Sleep(f.hold)
	}
	return n
}

func (f *fakeClient) leave() {
	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeClient) Heartbeat(_ context.Context, _ string) (bool, error) {
	n := f.enter()
	defer f.leave()
	if f.heartbeat != nil {
		return f.heartbeat(n)
	}
	return true, nil
}

func (f *fakeClient) Validate(_ context.Context, _ string) (probe.AccountInfo, error) {
	n := f.enter()
	defer f.leave()
	if f.validate != nil {
		return f.validate(n)
	}
	return probe.AccountInfo{AccountID: 42}, nil
}

func TestGate_ConcurrencyBound(t *testing.T) {
	client := &fakeClient{hold: 30 * time.Millisecond}
	gate := probe.NewGate(client, probe.GateConfig{MaxConcurrent: 2})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := gate.Heartbeat(context.Background(), "cred"); err != nil {
				t.Errorf("heartbeat: %v", err)
			}
		}()
	}
	wg.Wait()

	if client.maxInflight > 2 {
		t.Fatalf("expected at most 2 concurrent probes, saw %d", client.maxInflight)
	}
	if client.maxInflight < 2 {
		t.Fatalf("expected the bound to be reached, saw %d", client.maxInflight)
	}
	if got := client.calls(); got != 8 {
		t.Fatalf("expected 8 calls, got %d", got)
	}
}

func TestGate_MinSpacingBetweenStarts(t *testing.T) {
	const spacing = 40 * time.Millisecond
	client := &fakeClient{}
	gate := probe.NewGate(client, probe.GateConfig{MaxConcurrent: 10, MinInterval: spacing})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = gate.Validate(context.Background(), "cred")
		}()
	}
	wg.Wait()

	starts := append([]time.Time(nil), client.starts...)
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	// Allow scheduler slop below the configured spacing.
	const tolerance = 10 * time.Millisecond
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < spacing-tolerance {
			t.Fatalf("starts %d and %d only %s apart", i-1, i, gap)
		}
	}
}

func TestGate_RateLimitedRetriedOnce(t *testing.T) {
	const margin = 25 * time.Millisecond
	client := &fakeClient{
		heartbeat: func(call int) (bool, error) {
			if call == 1 {
				return false, &probe.RateLimitedError{RetryAfter: 10 * time.Millisecond}
			}
			return true, nil
		},
	}
	gate := probe.NewGate(client, probe.GateConfig{RetryMargin: margin})

	start := time.Now()
	ok, err := gate.Heartbeat(context.Background(), "cred")
	if err != nil || !ok {
		t.Fatalf("expected transparent success, got ok=%v err=%v", ok, err)
	}
	if got := client.calls(); got != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", got)
	}
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Fatalf("expected to wait retry_after+margin, waited %s", elapsed)
	}
}

func TestGate_RetryLogCarriesTaskFromContext(t *testing.T) {
	client := &fakeClient{
		heartbeat: func(call int) (bool, error) {
			if call == 1 {
				return false, &probe.RateLimitedError{RetryAfter: time.Millisecond}
			}
			return true, nil
		},
	}
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	gate := probe.NewGate(client, probe.GateConfig{RetryMargin: time.Millisecond, Logger: logger})

	ctx := shared.WithAccountID(shared.WithTaskID(context.Background(), "task-1"), 42)
	if _, err := gate.Heartbeat(ctx, "cred"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"task_id":"task-1"`) || !strings.Contains(out, `"account_id":42`) {
		t.Fatalf("retry log missing task context: %s", out)
	}
}

func TestGate_RateLimitedTwicePropagates(t *testing.T) {
	client := &fakeClient{
		heartbeat: func(int) (bool, error) {
			return false, &probe.RateLimitedError{RetryAfter: time.Millisecond}
		},
	}
	gate := probe.NewGate(client, probe.GateConfig{RetryMargin: time.Millisecond})

	_, err := gate.Heartbeat(context.Background(), "cred")
	if _, ok := probe.IsRateLimited(err); !ok {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if got := client.calls(); got != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", got)
	}
}

func TestGate_InvalidCredentialNotRetried(t *testing.T) {
	client := &fakeClient{
		validate: func(int) (probe.AccountInfo, error) {
			return probe.AccountInfo{}, probe.ErrInvalidCredential
		},
	}
	gate := probe.NewGate(client, probe.GateConfig{})

	_, err := gate.Validate(context.Background(), "cred")
	if !errors.Is(err, probe.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	if got := client.calls(); got != 1 {
		t.Fatalf("expected a single call, got %d", got)
	}
}

func TestGate_OtherErrorsNotRetried(t *testing.T) {
	boom := errors.New("connection reset")
	client := &fakeClient{
		heartbeat: func(int) (bool, error) { return false, boom },
	}
	gate := probe.NewGate(client, probe.GateConfig{})

	if _, err := gate.Heartbeat(context.Background(), "cred"); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if got := client.calls(); got != 1 {
		t.Fatalf("expected a single call, got %d", got)
	}
}

func TestGate_FalseHeartbeatIsNotAnError(t *testing.T) {
	client := &fakeClient{heartbeat: func(int) (bool, error) { return false, nil }}
	gate := probe.NewGate(client, probe.GateConfig{})
	ok, err := gate.Heartbeat(context.Background(), "cred")
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
}

func TestGate_WaitForSlotHonoursContext(t *testing.T) {
	client := &fakeClient{release: make(chan struct{})}
	gate := probe.NewGate(client, probe.GateConfig{MaxConcurrent: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = gate.Heartbeat(context.Background(), "first")
	}()
	for client.calls() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := gate.Heartbeat(ctx, "second")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while waiting for a slot, got %v", err)
	}

	close(client.release)
	<-done
	if got := client.calls(); got != 1 {
		t.Fatalf("second call should never have reached the client, calls=%d", got)
	}
}
