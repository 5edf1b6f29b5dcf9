package persistence

import (
	"log/slog"
	"time"

	"github.com/basket/go-keepalive/internal/shared"
)

// Task is one external account's keepalive record. The JSON form is the
// on-disk format, one file per task named after ID.
type Task struct {
	ID                  string     `json:"id"`
	ExternalAccountID   int64      `json:"external_account_id"`
	Credential          string     `json:"credential"`
	NotifyTarget        int64      `json:"notify_target"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CreatedAt           time.Time  `json:"created_at"`
	LastHeartbeatAt     *time.Time `json:"last_heartbeat_at,omitempty"`
}

// Clone returns a deep copy.
func (t Task) Clone() Task {
	out := t
	if t.LastHeartbeatAt != nil {
		ts := *t.LastHeartbeatAt
		out.LastHeartbeatAt = &ts
	}
	return out
}

// MaskedCredential is the credential form that may appear in logs and API
// responses.
func (t Task) MaskedCredential() string {
	return shared.MaskCredential(t.Credential)
}

// LogValue keeps the raw credential out of structured logs.
func (t Task) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", t.ID),
		slog.Int64("account_id", t.ExternalAccountID),
		slog.String("credential", t.MaskedCredential()),
		slog.Int("consecutive_failures", t.ConsecutiveFailures),
	}
	if t.LastHeartbeatAt != nil {
		attrs = append(attrs, slog.Time("last_heartbeat_at", *t.LastHeartbeatAt))
	}
	return slog.GroupValue(attrs...)
}
