package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskbridge/internal/audit"
	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/clickup"
	"github.com/basket/taskbridge/internal/config"
	tbotel "github.com/basket/taskbridge/internal/otel"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/session"
	"github.com/basket/taskbridge/internal/telemetry"
)

// cliEnv is the local state a one-shot command works against.
type cliEnv struct {
	cfg    config.Config
	logger *slog.Logger
	store  *persistence.Store
	links  *persistence.LinkStore
	closer io.Closer
}

// openEnv loads config and opens the database with file-only logging. It
// refuses to run before setup so commands never create an empty install.
func openEnv(opts *globalOptions) (*cliEnv, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.NeedsGenesis {
		return nil, fmt.Errorf("no config.yaml in %s; run `taskbridge setup` first", cfg.HomeDir)
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("init audit: %w", err)
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		_ = audit.Close()
		return nil, fmt.Errorf("init logger: %w", err)
	}
	store, err := persistence.Open(config.DBPath(cfg.HomeDir), nil)
	if err != nil {
		closer.Close()
		_ = audit.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	audit.SetDB(store.DB())
	return &cliEnv{
		cfg:    cfg,
		logger: logger,
		store:  store,
		links:  persistence.NewLinkStore(store, logger),
		closer: closer,
	}, nil
}

func (e *cliEnv) Close() {
	_ = e.store.Close()
	_ = audit.Close()
	_ = e.closer.Close()
}

// clientFactory builds task service clients that honor the configured base
// URL and timeout.
func clientFactory(cfg config.Config, logger *slog.Logger, tracer trace.Tracer, metrics *tbotel.Metrics) session.ClientFactory {
	timeout := time.Duration(cfg.ClickUp.RequestTimeoutSeconds) * time.Second
	return func(token string) clickup.API {
		return clickup.New(token,
			clickup.WithBaseURL(cfg.ClickUp.BaseURL),
			clickup.WithTimeout(timeout),
			clickup.WithLogger(logger),
			clickup.WithTelemetry(tracer, metrics),
		)
	}
}

func newSessionManager(cfg config.Config, store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger, factory session.ClientFactory) *session.Manager {
	return session.NewManager(session.Config{
		Settings:    persistence.NewSettings(store),
		Bus:         eventBus,
		Logger:      logger,
		AuthURL:     cfg.ClickUp.AuthURL,
		TokenURL:    cfg.ClickUp.TokenURL,
		RedirectURL: cfg.RedirectURL(),
		APIToken:    cfg.ClickUp.APIToken,
		NewClient:   factory,
	})
}

// session opens a task service session for commands that talk to the remote.
func (e *cliEnv) session(ctx context.Context) (*session.Manager, error) {
	mgr := newSessionManager(e.cfg, e.store, nil, e.logger, clientFactory(e.cfg, e.logger, nil, nil))
	ok, err := mgr.Init(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: sign in from the extension or set clickup.api_token", session.ErrNotAuthenticated)
	}
	return mgr, nil
}

// isTerminal reports whether v is a file attached to an interactive terminal.
func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
