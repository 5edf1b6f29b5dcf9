package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-keepalive/internal/audit"
	"github.com/basket/go-keepalive/internal/bus"
	"github.com/basket/go-keepalive/internal/channels"
	"github.com/basket/go-keepalive/internal/config"
	"github.com/basket/go-keepalive/internal/cron"
	"github.com/basket/go-keepalive/internal/gateway"
	"github.com/basket/go-keepalive/internal/notify"
	otelPkg "github.com/basket/go-keepalive/internal/otel"
	"github.com/basket/go-keepalive/internal/persistence"
	"github.com/basket/go-keepalive/internal/probe"
	"github.com/basket/go-keepalive/internal/session"
	"github.com/basket/go-keepalive/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

DAEMON:
  %[1]s                          Start the keepalive daemon (default)

SUBCOMMANDS:
  %[1]s status                   Show daemon health (/healthz)
  %[1]s tasks [-json]            List live tasks
  %[1]s tasks add <credential> <notify-target>
                                 Register a credential
  %[1]s tasks rm <id>            Delete a task
  %[1]s doctor [-json]           Run diagnostic checks
  %[1]s version                  Print the version

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprint(os.Stderr, `
ENVIRONMENT VARIABLES:
  KEEPALIVE_HOME          Home directory (default: ~/.keepalive)
  KEEPALIVE_BOT_TOKEN     Telegram bot token for notifications
  KEEPALIVE_API_TOKEN     Admin API token
  KEEPALIVE_LOG_LEVEL     debug, info, warn or error
`)
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to the log file only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "tasks":
			os.Exit(runTasksCommand(ctx, args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "daemon":
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx, *quiet))
}

func runDaemon(ctx context.Context, quiet bool) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, levelVar, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if cfg.Missing {
		logger.Info("no config.yaml found, running with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil && cfg.APIToken == "" {
		if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			logger.Warn("admin API bound off-host without api_token", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:    cfg.Telemetry.Enabled,
		Exporter:   cfg.Telemetry.Exporter,
		Endpoint:   cfg.Telemetry.Endpoint,
		SampleRate: cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DataDir, logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	logger.Info("startup phase", "phase", "store_opened", "data_dir", store.Dir())

	httpClient := &http.Client{Timeout: 30 * time.Second}
	gate := probe.NewGate(probe.NewTelegramClient(cfg.Telegram.APIEndpoint, httpClient), probe.GateConfig{
		MaxConcurrent: cfg.Probe.MaxConcurrent,
		MinInterval:   cfg.ProbeMinInterval(),
		RetryMargin:   cfg.ProbeRetryMargin(),
		Logger:        logger,
		Metrics:       metrics,
	})

	var sink notify.Sink = notify.NewLogSink(logger)
	if cfg.Telegram.BotToken != "" {
		tg, err := notify.NewTelegramSink(cfg.Telegram.BotToken, cfg.Telegram.APIEndpoint, httpClient, logger)
		if err != nil {
			logger.Warn("telegram notifications disabled", "error", err)
		} else {
			sink = notify.Multi{sink, tg}
		}
	} else {
		logger.Info("no bot token configured, notifications are logged only")
	}

	eventBus := bus.New()
	journal, err := audit.Open(cfg.JournalPath(), logger)
	if err != nil {
		fatalStartup(logger, "E_JOURNAL_OPEN", err)
	}
	journalCtx, stopJournal := context.WithCancel(context.Background())
	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		journal.Consume(journalCtx, eventBus)
	}()
	defer func() {
		stopJournal()
		<-journalDone
		_ = journal.Close()
	}()

	sched := cron.NewScheduler(cron.Config{Logger: logger})
	if retention := cfg.JournalRetention(); retention > 0 {
		err := sched.AddRecurring(cfg.Journal.PruneSchedule, "journal-prune", func(ctx context.Context) {
			n, err := journal.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("journal prune failed", "error", err)
				return
			}
			logger.Info("journal pruned", "deleted", n)
		})
		if err != nil {
			fatalStartup(logger, "E_PRUNE_SCHEDULE", err)
		}
	}
	sched.Start()

	mgr, err := session.NewManager(session.Config{
		Interval:    cfg.Interval(),
		Jitter:      cfg.Jitter(),
		MaxFailures: cfg.Keepalive.MaxFailures,
	}, session.Deps{
		Store:     store,
		Gate:      gate,
		Sink:      sink,
		Scheduler: sched,
		Bus:       eventBus,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    otelProvider.Tracer,
	})
	if err != nil {
		fatalStartup(logger, "E_SESSION_INIT", err)
	}
	if _, err := mgr.Initialize(ctx); err != nil {
		fatalStartup(logger, "E_SESSION_INIT", err)
	}
	logger.Info("startup phase", "phase", "tasks_scheduled", "live_tasks", mgr.Len())

	gw := gateway.New(gateway.Config{
		Manager:           mgr,
		Journal:           journal,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		AuthToken:         cfg.APIToken,
		RateLimitRPS:      cfg.APIRateLimitRPS,
		RateBurst:         cfg.APIRateLimitBurst,
		Version:           Version,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	gw.StartBackgroundTasks(ctx)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if cfg.Telegram.Commands && cfg.Telegram.BotToken != "" {
		pollClient := &http.Client{Timeout: 90 * time.Second}
		var ch channels.Channel = channels.NewTelegramChannel(cfg.Telegram.BotToken, cfg.Telegram.APIEndpoint,
			pollClient, cfg.Telegram.AllowedUserIDs, mgr, logger)
		go func() {
			if err := ch.Start(ctx); err != nil {
				logger.Warn("command channel stopped", "channel", ch.Name(), "error", err)
			}
		}()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()
	go watchConfig(ctx, watcher, cfg, levelVar, logger)

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serverErr:
		logger.Error("admin API failed", "error", err)
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin API shutdown", "error", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session manager shutdown", "error", err)
		exitCode = 1
	}
	logger.Info("shutdown complete")
	return exitCode
}

// watchConfig applies log level changes from config.yaml. Other settings are
// reported and take effect on restart.
func watchConfig(ctx context.Context, w *config.Watcher, current config.Config, level *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.Events():
			next, err := config.LoadFrom(current.HomeDir)
			if err != nil {
				logger.Warn("config reload rejected", "path", ev.Path, "error", err)
				continue
			}
			if next.LogLevel != current.LogLevel {
				level.Set(telemetry.ParseLevel(next.LogLevel))
				logger.Info("log level changed", "from", current.LogLevel, "to", next.LogLevel)
			}
			if next.Fingerprint() != current.Fingerprint() {
				logger.Warn("config changed; restart to apply", "fingerprint", next.Fingerprint())
			}
			current = next
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// colorOutput reports whether stdout is an interactive terminal.
func colorOutput() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("NO_COLOR") == ""
}
