package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/basket/taskbridge/internal/audit"
	"github.com/basket/taskbridge/internal/persistence"
)

var (
	ErrOAuthNotConfigured = errors.New("OAuth not configured. Please set up your ClickUp OAuth App in settings.")
	ErrStateMismatch      = errors.New("oauth state mismatch")
	ErrMissingCode        = errors.New("no authorization code received")
)

// defaultTokenLifetime applies when the token response has no expires_in.
const defaultTokenLifetime = time.Hour

type oauthEndpoints struct {
	authURL     string
	tokenURL    string
	redirectURL string
}

func (m *Manager) oauthConfig(creds persistence.OAuthCredentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  m.oauth.redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   m.oauth.authURL,
			TokenURL:  m.oauth.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// SaveOAuthConfig stores the OAuth app credentials.
func (m *Manager) SaveOAuthConfig(ctx context.Context, clientID, clientSecret string) error {
	err := m.settings.SaveOAuthCredentials(ctx, persistence.OAuthCredentials{
		ClientID:     clientID,
		ClientSecret: clientSecret,
	})
	if err != nil {
		audit.Record(ctx, "oauth.config_saved", audit.OutcomeFailed, err.Error(), clientID)
		return fmt.Errorf("save oauth config: %w", err)
	}
	audit.Record(ctx, "oauth.config_saved", audit.OutcomeOK, "", clientID)
	return nil
}

// RedirectURL is the callback registered with the OAuth app.
func (m *Manager) RedirectURL() string { return m.oauth.redirectURL }

// StartOAuth persists a fresh state nonce and returns the authorization URL
// the user must visit.
func (m *Manager) StartOAuth(ctx context.Context) (string, error) {
	creds, err := m.settings.OAuthCredentials(ctx)
	if err != nil {
		return "", err
	}
	if !creds.Configured() {
		audit.Record(ctx, "oauth.start", audit.OutcomeFailed, "not configured", "")
		return "", ErrOAuthNotConfigured
	}
	state := uuid.NewString()
	if err := m.settings.SaveOAuthState(ctx, state); err != nil {
		return "", fmt.Errorf("save oauth state: %w", err)
	}
	audit.Record(ctx, "oauth.start", audit.OutcomeOK, "", creds.ClientID)
	return m.oauthConfig(creds).AuthCodeURL(state), nil
}

// CompleteOAuth checks the state nonce, exchanges the code for a token,
// stores it and initializes the session.
func (m *Manager) CompleteOAuth(ctx context.Context, code, state string) (Status, error) {
	if code == "" {
		audit.Record(ctx, "oauth.complete", audit.OutcomeFailed, "missing code", "")
		return Status{}, ErrMissingCode
	}
	want, err := m.settings.OAuthState(ctx)
	if err != nil {
		return Status{}, err
	}
	if want == "" || state != want {
		audit.Record(ctx, "oauth.complete", audit.OutcomeFailed, "state mismatch", "")
		return Status{}, ErrStateMismatch
	}
	if err := m.settings.ClearOAuthState(ctx); err != nil {
		return Status{}, err
	}

	creds, err := m.settings.OAuthCredentials(ctx)
	if err != nil {
		return Status{}, err
	}
	if !creds.Configured() {
		return Status{}, ErrOAuthNotConfigured
	}
	xctx := ctx
	if m.http != nil {
		xctx = context.WithValue(ctx, oauth2.HTTPClient, m.http)
	}
	tok, err := m.oauthConfig(creds).Exchange(xctx, code)
	if err != nil {
		audit.Record(ctx, "oauth.complete", audit.OutcomeFailed, "exchange failed", "")
		return Status{}, fmt.Errorf("exchange code for token: %w", err)
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = m.now().Add(defaultTokenLifetime)
	}
	if err := m.settings.SaveToken(ctx, tok.AccessToken, expiry); err != nil {
		return Status{}, fmt.Errorf("save token: %w", err)
	}
	if _, err := m.Init(ctx); err != nil {
		audit.Record(ctx, "oauth.complete", audit.OutcomeFailed, "session init failed", "")
		return Status{}, err
	}
	audit.Record(ctx, "oauth.complete", audit.OutcomeOK, "", m.Current().User.Username)
	return m.Status(ctx)
}
