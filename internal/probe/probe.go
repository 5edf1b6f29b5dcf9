// Package probe is the only path from the keepalive core to the external
// service. Every call passes through a process-wide concurrency bound and a
// shared rate limiter; rate-limit responses are retried once transparently.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidCredential means the external service reports the credential as
// unusable. It is terminal and never retried.
var ErrInvalidCredential = errors.New("invalid credential")

// RateLimitedError is returned by a Client when the external service asks
// the caller to back off.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// IsRateLimited reports whether err carries a RateLimitedError.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// AccountInfo identifies the external account a credential belongs to.
type AccountInfo struct {
	AccountID int64  `json:"account_id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
}

// Client is the external capability. Implementations classify failures as
// ErrInvalidCredential (wrapped) or *RateLimitedError where applicable.
type Client interface {
	Validate(ctx context.Context, credential string) (AccountInfo, error)
	Heartbeat(ctx context.Context, credential string) (bool, error)
}
