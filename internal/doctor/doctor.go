// Package doctor runs local health checks for the taskbridge install.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/taskbridge/internal/clickup"
	"github.com/basket/taskbridge/internal/config"
	"github.com/basket/taskbridge/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
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

// probe is the state shared by the checks of one run.
type probe struct {
	cfg      *config.Config
	store    *persistence.Store
	storeErr error
	now      time.Time
}

func (p *probe) settings() *persistence.Settings {
	if p.store == nil {
		return nil
	}
	return persistence.NewSettings(p.store)
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	p := &probe{cfg: cfg, now: time.Now()}
	if cfg != nil && !cfg.NeedsGenesis {
		p.store, p.storeErr = persistence.Open(config.DBPath(cfg.HomeDir), nil)
		if p.store != nil {
			defer p.store.Close()
		}
	}

	checks := []func(context.Context, *probe) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkOAuthCredentials,
		checkSessionToken,
		checkClickUpAPI,
		checkBindAddr,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, p))
	}
	return d
}

func checkConfig(_ context.Context, p *probe) CheckResult {
	if p.cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if p.cfg.NeedsGenesis {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "config.yaml missing",
			Detail:  "Run `taskbridge setup` to create it",
		}
	}
	if p.cfg.AuthToken == "" {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "auth_token is empty; every gateway request will be rejected"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(p.cfg.HomeDir))}
}

func checkPermissions(_ context.Context, p *probe) CheckResult {
	if p.cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(p.cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, p *probe) CheckResult {
	if p.cfg == nil || p.cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	if p.storeErr != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", p.storeErr)}
	}
	if err := p.store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	links := persistence.NewLinkStore(p.store, nil).Get(ctx)
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("%d linked threads", len(links)),
	}
}

func checkOAuthCredentials(ctx context.Context, p *probe) CheckResult {
	settings := p.settings()
	if settings == nil {
		return CheckResult{Name: "OAuth", Status: StatusSkip, Message: "Database unavailable"}
	}
	creds, err := settings.OAuthCredentials(ctx)
	if err != nil {
		return CheckResult{Name: "OAuth", Status: StatusFail, Message: fmt.Sprintf("Read credentials: %v", err)}
	}
	if creds.Configured() {
		return CheckResult{Name: "OAuth", Status: StatusPass, Message: "Client credentials saved", Detail: "redirect " + p.cfg.RedirectURL()}
	}
	if p.cfg.ClickUp.APIToken != "" {
		return CheckResult{Name: "OAuth", Status: StatusSkip, Message: "Using personal API token"}
	}
	return CheckResult{
		Name:    "OAuth",
		Status:  StatusWarn,
		Message: "No OAuth client configured",
		Detail:  "Save a client id and secret from the extension settings",
	}
}

func checkSessionToken(ctx context.Context, p *probe) CheckResult {
	settings := p.settings()
	if settings == nil {
		return CheckResult{Name: "Session", Status: StatusSkip, Message: "Database unavailable"}
	}
	token, expiry, err := settings.Token(ctx)
	if err != nil {
		return CheckResult{Name: "Session", Status: StatusFail, Message: fmt.Sprintf("Read token: %v", err)}
	}
	switch {
	case token == "" && p.cfg.ClickUp.APIToken != "":
		return CheckResult{Name: "Session", Status: StatusPass, Message: "Personal API token configured"}
	case token == "":
		return CheckResult{Name: "Session", Status: StatusWarn, Message: "Not signed in"}
	case !expiry.IsZero() && !expiry.After(p.now):
		return CheckResult{
			Name:    "Session",
			Status:  StatusWarn,
			Message: "Stored token expired",
			Detail:  "expired " + expiry.UTC().Format(time.RFC3339),
		}
	}
	return CheckResult{Name: "Session", Status: StatusPass, Message: "Token stored"}
}

func (p *probe) token(ctx context.Context) string {
	if settings := p.settings(); settings != nil {
		if token, _, err := settings.Token(ctx); err == nil && token != "" {
			return token
		}
	}
	if p.cfg != nil {
		return p.cfg.ClickUp.APIToken
	}
	return ""
}

func checkClickUpAPI(ctx context.Context, p *probe) CheckResult {
	if p.cfg == nil {
		return CheckResult{Name: "ClickUp API", Status: StatusSkip, Message: "Config missing"}
	}
	token := p.token(ctx)
	if token == "" {
		return CheckResult{Name: "ClickUp API", Status: StatusSkip, Message: "No token to test"}
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client := clickup.New(token, clickup.WithBaseURL(p.cfg.ClickUp.BaseURL), clickup.WithTimeout(10*time.Second))

	start := time.Now()
	user, err := client.GetUser(callCtx)
	latency := time.Since(start)
	if err != nil {
		status := StatusFail
		if clickup.StatusOf(err) == 401 || errors.Is(err, clickup.ErrAccessDenied) {
			status = StatusWarn
		}
		return CheckResult{
			Name:    "ClickUp API",
			Status:  status,
			Message: fmt.Sprintf("GET /user failed: %v", err),
			Detail:  fmt.Sprintf("base=%s, latency=%dms", p.cfg.ClickUp.BaseURL, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "ClickUp API",
		Status:  StatusPass,
		Message: fmt.Sprintf("Authenticated as %s (%dms)", user.Username, latency.Milliseconds()),
		Detail:  "base=" + apiHost(p.cfg.ClickUp.BaseURL),
	}
}

func apiHost(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return base
	}
	return u.Host
}

// checkBindAddr warns when the gateway address is taken, which usually means
// a server is already running.
func checkBindAddr(_ context.Context, p *probe) CheckResult {
	if p.cfg == nil {
		return CheckResult{Name: "Bind Address", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", p.cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Bind Address",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s unavailable", p.cfg.BindAddr),
			Detail:  fmt.Sprintf("%v (is `taskbridge serve` already running?)", err),
		}
	}
	_ = ln.Close()
	return CheckResult{Name: "Bind Address", Status: StatusPass, Message: fmt.Sprintf("%s is free", p.cfg.BindAddr)}
}
