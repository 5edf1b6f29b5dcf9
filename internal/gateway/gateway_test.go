package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-keepalive/internal/audit"
	"github.com/basket/go-keepalive/internal/gateway"
	"github.com/basket/go-keepalive/internal/persistence"
	"github.com/basket/go-keepalive/internal/probe"
	"github.com/basket/go-keepalive/internal/session"
)

const (
	taskID    = "0b6c1f0e-8f5e-4d53-9a43-6a8d4a0f2a11"
	rawSecret = "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw"
)

type fakeManager struct {
	mu        sync.Mutex
	tasks     map[string]persistence.Task
	createErr error
	cleaned   []string
}

func newFakeManager() *fakeManager {
	return &fakeManager{tasks: make(map[string]persistence.Task)}
}

func (f *fakeManager) CreateTask(_ context.Context, credential string, target int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.tasks[taskID] = persistence.Task{ID: taskID, ExternalAccountID: 1, Credential: credential, NotifyTarget: target}
	return taskID, nil
}

func (f *fakeManager) ValidateCredential(_ context.Context, credential string) (probe.AccountInfo, error) {
	if credential == "bad" {
		return probe.AccountInfo{}, fmt.Errorf("getMe: %w", probe.ErrInvalidCredential)
	}
	return probe.AccountInfo{AccountID: 77, Username: "keepalive_bot"}, nil
}

func (f *fakeManager) CleanupTask(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return nil
	}
	delete(f.tasks, id)
	f.cleaned = append(f.cleaned, id+":"+reason)
	return nil
}

func (f *fakeManager) Get(id string) (persistence.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	return t, ok
}

func (f *fakeManager) List() []persistence.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]persistence.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out
}

func (f *fakeManager) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func (f *fakeManager) NextRun(string) (time.Time, bool) {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), true
}

type fakeJournal struct{}

func (fakeJournal) Recent(_ context.Context, id string, _ int) ([]audit.Entry, error) {
	return []audit.Entry{{ID: 1, TaskID: id, Kind: "task.created"}}, nil
}

func newServer(t *testing.T, mgr *fakeManager, token string) http.Handler {
	t.Helper()
	return gateway.New(gateway.Config{
		Manager:      mgr,
		Journal:      fakeJournal{},
		AuthToken:    token,
		RateLimitRPS: 100,
		RateBurst:    100,
		Version:      "test",
	}).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	h := newServer(t, newFakeManager(), "secret-token")
	rec := do(t, h, "GET", "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected body %v", body)
	}
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Fatal("expected trace id header")
	}
}

func TestCreateTask_Created(t *testing.T) {
	mgr := newFakeManager()
	h := newServer(t, mgr, "")
	rec := do(t, h, "POST", "/v1/tasks", `{"credential":"`+rawSecret+`","notify_target":99}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	if id := decode(t, rec)["id"]; id != taskID {
		t.Fatalf("unexpected id %v", id)
	}
	if got, _ := mgr.Get(taskID); got.NotifyTarget != 99 {
		t.Fatalf("notify target not passed through: %+v", got)
	}
}

func TestCreateTask_InvalidCredential(t *testing.T) {
	mgr := newFakeManager()
	mgr.createErr = fmt.Errorf("getMe: %w", probe.ErrInvalidCredential)
	h := newServer(t, mgr, "")
	rec := do(t, h, "POST", "/v1/tasks", `{"credential":"x","notify_target":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decode(t, rec)["code"]; code != "invalid_credential" {
		t.Fatalf("unexpected code %v", code)
	}
}

func TestCreateTask_InternalError(t *testing.T) {
	mgr := newFakeManager()
	mgr.createErr = fmt.Errorf("persist task: disk full")
	h := newServer(t, mgr, "")
	rec := do(t, h, "POST", "/v1/tasks", `{"credential":"x","notify_target":1}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "disk full") {
		t.Fatal("internal error detail leaked to the client")
	}
}

func TestCreateTask_RejectsBadBody(t *testing.T) {
	h := newServer(t, newFakeManager(), "")
	for _, body := range []string{"", `{"credential":""}`, `{"credential":"x","extra":1}`, `not json`} {
		rec := do(t, h, "POST", "/v1/tasks", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestGetTask_MasksCredentialAndIncludesEvents(t *testing.T) {
	mgr := newFakeManager()
	mgr.tasks[taskID] = persistence.Task{ID: taskID, ExternalAccountID: 5, Credential: rawSecret, NotifyTarget: 3}
	h := newServer(t, mgr, "")

	rec := do(t, h, "GET", "/v1/tasks/"+taskID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), rawSecret) {
		t.Fatal("raw credential in response")
	}
	body := decode(t, rec)
	if body["credential"] != "123456789:..." {
		t.Fatalf("unexpected masked credential %v", body["credential"])
	}
	if events, _ := body["events"].([]any); len(events) != 1 {
		t.Fatalf("expected one journal event, got %v", body["events"])
	}
	if body["next_run_at"] == nil {
		t.Fatal("expected next_run_at")
	}
}

func TestGetTask_NotFoundAndInvalidID(t *testing.T) {
	h := newServer(t, newFakeManager(), "")
	if rec := do(t, h, "GET", "/v1/tasks/"+taskID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/v1/tasks/not-a-uuid", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestListTasks(t *testing.T) {
	mgr := newFakeManager()
	mgr.tasks[taskID] = persistence.Task{ID: taskID, Credential: rawSecret}
	h := newServer(t, mgr, "")
	rec := do(t, h, "GET", "/v1/tasks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), rawSecret) {
		t.Fatal("raw credential in list response")
	}
	if n := decode(t, rec)["count"]; n != float64(1) {
		t.Fatalf("expected count 1, got %v", n)
	}
}

func TestDeleteTask(t *testing.T) {
	mgr := newFakeManager()
	mgr.tasks[taskID] = persistence.Task{ID: taskID}
	h := newServer(t, mgr, "")

	if rec := do(t, h, "DELETE", "/v1/tasks/"+taskID, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(mgr.cleaned) != 1 || mgr.cleaned[0] != taskID+":"+session.ReasonManual {
		t.Fatalf("unexpected cleanups %v", mgr.cleaned)
	}
	rec := do(t, h, "DELETE", "/v1/tasks/"+taskID, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
	if code := decode(t, rec)["code"]; code != "not_found" {
		t.Fatalf("unexpected code %v", code)
	}
}

func TestValidate(t *testing.T) {
	h := newServer(t, newFakeManager(), "")
	rec := do(t, h, "POST", "/v1/tasks/validate", `{"credential":"good"}`)
	if rec.Code != http.StatusOK || decode(t, rec)["valid"] != true {
		t.Fatalf("expected valid credential, got %d %s", rec.Code, rec.Body)
	}
	rec = do(t, h, "POST", "/v1/tasks/validate", `{"credential":"bad"}`)
	if rec.Code != http.StatusOK || decode(t, rec)["valid"] != false {
		t.Fatalf("expected invalid credential, got %d %s", rec.Code, rec.Body)
	}
}

func TestAuthRequiredOnAPI(t *testing.T) {
	h := newServer(t, newFakeManager(), "secret-token")
	if rec := do(t, h, "GET", "/v1/tasks", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	req := httptest.NewRequest("GET", "/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}
