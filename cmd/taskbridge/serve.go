package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskbridge/internal/audit"
	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/config"
	"github.com/basket/taskbridge/internal/cron"
	"github.com/basket/taskbridge/internal/flow"
	"github.com/basket/taskbridge/internal/gateway"
	tbotel "github.com/basket/taskbridge/internal/otel"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/reconcile"
	"github.com/basket/taskbridge/internal/telemetry"
	"github.com/basket/taskbridge/internal/tui"
)

type serveOptions struct {
	quiet   bool
	noSetup bool
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	so := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, so)
		},
	}
	cmd.Flags().BoolVar(&so.quiet, "quiet", false, "log to the log file only")
	cmd.Flags().BoolVar(&so.noSetup, "no-setup", false, "never start the setup wizard, even on a terminal")
	return cmd
}

// startupError is a fatal startup failure tagged with a stable reason code.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func fatal(logger *slog.Logger, code string, err error) error {
	audit.Record(context.Background(), "runtime.startup", audit.OutcomeFailed, code, err.Error())
	if logger != nil {
		logger.Error("startup failure", "reason_code", code, "error", err.Error())
	}
	return &startupError{code: code, err: err}
}

func runServe(ctx context.Context, opts *globalOptions, so *serveOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return fatal(nil, "E_CONFIG_LOAD", err)
	}

	if cfg.NeedsGenesis && !so.noSetup && isTerminal(os.Stdin) && isTerminal(os.Stdout) {
		result, err := tui.RunSetup(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "\n  Setup cancelled. Run `taskbridge setup` to try again.")
			return nil
		}
		if err := tui.WriteSetupFiles(cfg.HomeDir, result); err != nil {
			return fatal(nil, "E_SETUP_WRITE", err)
		}
		fmt.Printf("\n  Paste this token into the extension settings:\n\n    %s\n\n", result.AuthToken)
		if cfg, err = opts.loadConfig(); err != nil {
			return fatal(nil, "E_CONFIG_RELOAD", err)
		}
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fatal(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, so.quiet)
	if err != nil {
		return fatal(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	if cfg.NeedsGenesis {
		logger.Warn("config.yaml missing; gateway runs with defaults and rejects every client until `taskbridge setup` is run", "home", cfg.HomeDir)
	}
	if cfg.AuthToken == "" {
		logger.Warn("auth_token is empty; every gateway request will be rejected")
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil && !isLoopback(host) && len(cfg.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; extension connections will be rejected", "bind_addr", cfg.BindAddr)
	}

	eventBus := bus.New()

	otelProvider, err := tbotel.Init(ctx, tbotel.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fatal(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := tbotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatal(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(config.DBPath(cfg.HomeDir), eventBus)
	if err != nil {
		return fatal(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	links := persistence.NewLinkStore(store, logger)
	mgr := newSessionManager(cfg, store, eventBus, logger, clientFactory(cfg, logger, otelProvider.Tracer, metrics))
	if ok, err := mgr.Init(ctx); err != nil {
		logger.Warn("session not restored", "error", err)
	} else {
		logger.Info("startup phase", "phase", "session_checked", "authenticated", ok)
	}

	pages := reconcile.NewPages(ctx, reconcile.PagesConfig{
		Store:    links,
		Fetcher:  mgr,
		Bus:      eventBus,
		Logger:   logger,
		Metrics:  metrics,
		Tunables: reconcile.TunablesFromConfig(cfg.Reconcile),
	})
	defer pages.CloseAll()

	svc := flow.New(flow.Config{
		Remote:    mgr,
		Links:     links,
		Defaults:  mgr,
		Logger:    logger,
		Tracer:    otelProvider.Tracer,
		Metrics:   metrics,
		ThreadURL: cfg.ThreadURL,
	})

	gw, err := gateway.New(gateway.Config{
		Store:             store,
		Links:             links,
		Session:           mgr,
		Flow:              svc,
		Pages:             pages,
		Bus:               eventBus,
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		CORS:              cfg.CORS,
		RateLimit:         cfg.RateLimit,
		MaxRequestBytes:   cfg.MaxRequestBytes,
	})
	if err != nil {
		return fatal(logger, "E_GATEWAY_INIT", err)
	}
	gw.Start(ctx)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		return fatal(logger, "E_CONFIG_WATCHER_START", err)
	}
	go confWatcher.Reload(ctx, func(next config.Config) {
		pages.SetTunables(reconcile.TunablesFromConfig(next.Reconcile))
		for _, changed := range restartOnlyChanges(cfg, next) {
			logger.Warn("config change takes effect after restart", "field", changed)
		}
	})

	sched, err := cron.NewScheduler(cron.Config{
		Logger: logger,
		Jobs: []cron.Job{
			{
				Name: "fallback-rescan",
				Spec: cfg.Reconcile.FallbackRescan,
				Run:  pages.RescanAll,
			},
			{
				Name: "retention",
				Spec: cfg.Retention.Schedule,
				Run:  retentionJob(store, cfg.Retention, logger),
			},
		},
	})
	if err != nil {
		return fatal(logger, "E_CRON_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr))
		}
		return fatal(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws", "http", "/api/message")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serverErr:
		logger.Error("gateway server failed", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func retentionJob(store *persistence.Store, rc config.RetentionConfig, logger *slog.Logger) func(context.Context) {
	return func(ctx context.Context) {
		result, err := store.RunRetention(ctx, rc.LinkEventDays, rc.AuditLogDays)
		if err != nil {
			logger.Error("retention job failed", "error", err)
			return
		}
		if result.PurgedLinkEvents+result.PurgedAuditLogs > 0 {
			logger.Info("retention job completed",
				"purged_link_events", result.PurgedLinkEvents,
				"purged_audit_logs", result.PurgedAuditLogs,
			)
		}
	}
}

// restartOnlyChanges names the fields that differ between two configs but are
// only read at startup.
func restartOnlyChanges(prev, next config.Config) []string {
	var out []string
	if prev.BindAddr != next.BindAddr {
		out = append(out, "bind_addr")
	}
	if prev.AuthToken != next.AuthToken {
		out = append(out, "auth_token")
	}
	if strings.Join(prev.AllowOrigins, ",") != strings.Join(next.AllowOrigins, ",") {
		out = append(out, "allow_origins")
	}
	if prev.ClickUp != next.ClickUp {
		out = append(out, "clickup")
	}
	if prev.Reconcile.FallbackRescan != next.Reconcile.FallbackRescan {
		out = append(out, "reconcile.fallback_rescan")
	}
	if prev.Retention != next.Retention {
		out = append(out, "retention")
	}
	return out
}

func isLoopback(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.Join(strings.Fields(out), " ")
		return fmt.Sprintf("Port %s is occupied by PID %s. Is `taskbridge serve` already running?", port, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

var execCommandFunc = exec.Command

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}
