// Package doctor runs local diagnostics for the keepalive daemon.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-keepalive/internal/audit"
	"github.com/basket/go-keepalive/internal/config"
	"github.com/basket/go-keepalive/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	return run(ctx, cfg, version, []check{
		checkConfig,
		checkPermissions,
		checkTaskRecords,
		checkJournal,
		checkBotToken,
		checkAPIExposure,
		checkNetwork,
	})
}

func run(ctx context.Context, cfg *config.Config, version string, checks []check) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration invalid", Detail: err.Error()}
	}
	if cfg.Missing {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "config.yaml not found, using defaults",
			Detail:  config.ConfigPath(cfg.HomeDir),
		}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	for _, dir := range []string{cfg.HomeDir, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		_ = os.Remove(testFile)
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home and data directories writable"}
}

func checkTaskRecords(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Task Records", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DataDir, nil)
	if err != nil {
		return CheckResult{Name: "Task Records", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	tasks, skipped, err := store.LoadAll()
	if err != nil {
		return CheckResult{Name: "Task Records", Status: StatusFail, Message: fmt.Sprintf("Scan failed: %v", err)}
	}

	accounts := make(map[int64]int, len(tasks))
	for _, t := range tasks {
		accounts[t.ExternalAccountID]++
	}
	dupes := len(tasks) - len(accounts)

	msg := fmt.Sprintf("%d valid records for %d accounts", len(tasks), len(accounts))
	switch {
	case skipped > 0:
		return CheckResult{Name: "Task Records", Status: StatusWarn, Message: msg,
			Detail: fmt.Sprintf("%d unreadable records in %s will be skipped", skipped, cfg.DataDir)}
	case dupes > 0:
		return CheckResult{Name: "Task Records", Status: StatusWarn, Message: msg,
			Detail: fmt.Sprintf("%d duplicate records will be retired at startup", dupes)}
	}
	return CheckResult{Name: "Task Records", Status: StatusPass, Message: msg}
}

func checkJournal(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Journal", Status: StatusSkip, Message: "Config missing"}
	}
	j, err := audit.Open(cfg.JournalPath(), nil)
	if err != nil {
		return CheckResult{Name: "Journal", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer j.Close()

	n, err := j.Count(ctx)
	if err != nil {
		return CheckResult{Name: "Journal", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Journal", Status: StatusPass, Message: fmt.Sprintf("Connection and schema valid (%d events)", n)}
}

var botTokenPattern = regexp.MustCompile(`^\d{5,}:[A-Za-z0-9_\-]{30,}$`)

func checkBotToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bot Token", Status: StatusSkip, Message: "Config missing"}
	}
	token := strings.TrimSpace(cfg.Telegram.BotToken)
	if token == "" {
		return CheckResult{
			Name:    "Bot Token",
			Status:  StatusWarn,
			Message: "Bot token not set; notifications are only logged",
			Detail:  "Set KEEPALIVE_BOT_TOKEN or telegram.bot_token",
		}
	}
	if !botTokenPattern.MatchString(token) {
		return CheckResult{Name: "Bot Token", Status: StatusFail, Message: "Bot token is malformed"}
	}
	return CheckResult{Name: "Bot Token", Status: StatusPass, Message: "Bot token is set"}
}

func checkAPIExposure(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Admin API", Status: StatusSkip, Message: "Config missing"}
	}
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return CheckResult{Name: "Admin API", Status: StatusFail, Message: fmt.Sprintf("Invalid bind address %q", cfg.BindAddr)}
	}
	if cfg.APIToken != "" {
		return CheckResult{Name: "Admin API", Status: StatusPass, Message: fmt.Sprintf("Listening on %s with token auth", cfg.BindAddr)}
	}
	if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
		return CheckResult{Name: "Admin API", Status: StatusPass, Message: fmt.Sprintf("Loopback only (%s), no token", cfg.BindAddr)}
	}
	return CheckResult{
		Name:    "Admin API",
		Status:  StatusWarn,
		Message: fmt.Sprintf("%s is reachable off-host without a token", cfg.BindAddr),
		Detail:  "Set KEEPALIVE_API_TOKEN or api_token",
	}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	host := endpointHost(cfg.Telegram.APIEndpoint)

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}

// endpointHost extracts the host from a bot API endpoint format string. The
// endpoint contains %s verbs, so it is not a parseable URL.
func endpointHost(endpoint string) string {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if i := strings.Index(endpoint, "://"); i >= 0 {
		endpoint = endpoint[i+3:]
	}
	if i := strings.IndexByte(endpoint, '/'); i >= 0 {
		endpoint = endpoint[:i]
	}
	if h, _, err := net.SplitHostPort(endpoint); err == nil {
		return h
	}
	return endpoint
}
