// Package session owns the task service session: stored credentials, the
// authenticated client, and the cached user and workspaces.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/taskbridge/internal/audit"
	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/clickup"
	"github.com/basket/taskbridge/internal/persistence"
)

// ErrNotAuthenticated is returned by every remote operation while no session
// is active. Reconciliation treats it as transient.
var ErrNotAuthenticated = clickup.ErrNotAuthenticated

// Session is an authenticated client with the data fetched at login.
type Session struct {
	API   clickup.API
	User  clickup.User
	Teams []clickup.Team
	// Personal is set when the token came from configuration, not OAuth.
	Personal bool
}

// ClientFactory builds a client for a token.
type ClientFactory func(token string) clickup.API

type Config struct {
	Settings *persistence.Settings
	Bus      *bus.Bus
	Logger   *slog.Logger

	AuthURL     string
	TokenURL    string
	RedirectURL string
	// APIToken is a personal token used when no OAuth token is stored.
	APIToken string

	NewClient ClientFactory
	// HTTPClient is used for the OAuth code exchange.
	HTTPClient *http.Client
	Now        func() time.Time
}

// Manager is the explicit session context handed to every handler.
type Manager struct {
	settings *persistence.Settings
	bus      *bus.Bus
	logger   *slog.Logger
	oauth    oauthEndpoints
	apiToken string
	factory  ClientFactory
	http     *http.Client
	now      func() time.Time

	mu      sync.RWMutex
	current *Session
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		settings: cfg.Settings,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		oauth: oauthEndpoints{
			authURL:     cfg.AuthURL,
			tokenURL:    cfg.TokenURL,
			redirectURL: cfg.RedirectURL,
		},
		apiToken: cfg.APIToken,
		factory:  cfg.NewClient,
		http:     cfg.HTTPClient,
		now:      cfg.Now,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "session")
	if m.factory == nil {
		m.factory = func(token string) clickup.API { return clickup.New(token) }
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Init builds a session from the stored token, or the configured personal
// token, and loads the user and workspaces. A stored token the service
// rejects is cleared; one that fails for other reasons is kept. It reports
// whether a session is now active.
func (m *Manager) Init(ctx context.Context) (bool, error) {
	token, _, err := m.settings.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("read token: %w", err)
	}
	personal := false
	if token == "" && m.apiToken != "" {
		token, personal = m.apiToken, true
	}
	if token == "" {
		m.setCurrent(nil)
		return false, nil
	}

	api := m.factory(token)
	user, err := api.GetUser(ctx)
	if err == nil {
		var teams []clickup.Team
		teams, err = api.GetTeams(ctx)
		if err == nil {
			m.setCurrent(&Session{API: api, User: user, Teams: teams, Personal: personal})
			m.logger.Info("session ready", "user", user.Username, "teams", len(teams), "personal_token", personal)
			return true, nil
		}
	}

	m.setCurrent(nil)
	m.logger.Warn("session init failed", "error", err, "personal_token", personal)
	if !personal && tokenRejected(err) {
		if cerr := m.settings.ClearToken(ctx); cerr != nil {
			return false, errors.Join(err, cerr)
		}
		audit.Record(ctx, "session.token_cleared", audit.OutcomeOK, "token rejected", "")
	}
	return false, fmt.Errorf("initialize session: %w", err)
}

// tokenRejected reports whether err means the service refused the token
// itself. Outages and rate limits leave the token in place for the next Init.
func tokenRejected(err error) bool {
	return clickup.StatusOf(err) == http.StatusUnauthorized || clickup.IsGone(err)
}

func (m *Manager) setCurrent(s *Session) {
	m.mu.Lock()
	prev := m.current
	m.current = s
	m.mu.Unlock()

	if (prev == nil) == (s == nil) {
		return
	}
	ev := bus.SessionChangedEvent{Authenticated: s != nil}
	if s != nil {
		ev.Username = s.User.Username
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicSessionChanged, ev)
	}
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) Authenticated() bool { return m.Current() != nil }

// Client returns the client of the active session.
func (m *Manager) Client() (clickup.API, error) {
	s := m.Current()
	if s == nil {
		return nil, ErrNotAuthenticated
	}
	return s.API, nil
}

// TeamID returns the first workspace id of the active session.
func (m *Manager) TeamID() string {
	s := m.Current()
	if s == nil || len(s.Teams) == 0 {
		return ""
	}
	return s.Teams[0].ID
}

// GetTask fetches a task through the active session.
func (m *Manager) GetTask(ctx context.Context, taskID string) (clickup.Task, error) {
	api, err := m.Client()
	if err != nil {
		return clickup.Task{}, err
	}
	return api.GetTask(ctx, taskID)
}

type Status struct {
	Authenticated bool          `json:"authenticated"`
	Configured    bool          `json:"configured"`
	User          *clickup.User `json:"user,omitempty"`
	Teams         int           `json:"teams"`
	TokenExpiry   int64         `json:"tokenExpiry,omitempty"`
	PersonalToken bool          `json:"personalToken,omitempty"`
}

func (m *Manager) Status(ctx context.Context) (Status, error) {
	creds, err := m.settings.OAuthCredentials(ctx)
	if err != nil {
		return Status{}, err
	}
	_, expiry, err := m.settings.Token(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Configured: creds.Configured() || m.apiToken != ""}
	if !expiry.IsZero() {
		st.TokenExpiry = expiry.UnixMilli()
	}
	if s := m.Current(); s != nil {
		user := s.User
		st.Authenticated = true
		st.User = &user
		st.Teams = len(s.Teams)
		st.PersonalToken = s.Personal
	}
	return st, nil
}

// Logout forgets the token, its expiry and the default list. OAuth client
// credentials are kept.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.settings.ClearSession(ctx); err != nil {
		audit.Record(ctx, "session.logout", audit.OutcomeFailed, err.Error(), "")
		return fmt.Errorf("clear session: %w", err)
	}
	m.setCurrent(nil)
	audit.Record(ctx, "session.logout", audit.OutcomeOK, "", "")
	m.logger.Info("logged out")
	return nil
}

// Hierarchy is the workspace tree root returned to the task form.
type Hierarchy struct {
	Teams []clickup.Team `json:"teams"`
}

// Hierarchy returns the cached workspaces, initializing the session first if
// needed. It returns nil when no session can be established.
func (m *Manager) Hierarchy(ctx context.Context) (*Hierarchy, error) {
	s := m.Current()
	if s == nil {
		if ok, _ := m.Init(ctx); !ok {
			return nil, nil
		}
		s = m.Current()
	}
	if s == nil {
		return nil, nil
	}
	return &Hierarchy{Teams: s.Teams}, nil
}

func (m *Manager) Spaces(ctx context.Context, teamID string) ([]clickup.Space, error) {
	api, err := m.Client()
	if err != nil {
		return nil, err
	}
	return api.GetSpaces(ctx, teamID)
}

func (m *Manager) Folders(ctx context.Context, spaceID string) ([]clickup.Folder, error) {
	api, err := m.Client()
	if err != nil {
		return nil, err
	}
	return api.GetFolders(ctx, spaceID)
}

// Lists returns the lists of a folder, or of a space when folderID is empty.
func (m *Manager) Lists(ctx context.Context, folderID, spaceID string) ([]clickup.List, error) {
	api, err := m.Client()
	if err != nil {
		return nil, err
	}
	if folderID != "" {
		return api.GetFolderLists(ctx, folderID)
	}
	return api.GetSpaceLists(ctx, spaceID)
}

func (m *Manager) DefaultList(ctx context.Context) (*persistence.ListRef, error) {
	return m.settings.DefaultList(ctx)
}

func (m *Manager) SaveDefaultList(ctx context.Context, ref persistence.ListRef) error {
	if err := m.settings.SaveDefaultList(ctx, ref); err != nil {
		return err
	}
	m.logger.Info("default list saved", "list_id", ref.ID)
	return nil
}

var _ clickup.TaskFetcher = (*Manager)(nil)
