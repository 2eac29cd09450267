package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Settings keys in kv_store.
const (
	KeyOAuthClientID     = "oauthClientId"
	KeyOAuthClientSecret = "oauthClientSecret"
	KeyToken             = "clickupToken"
	KeyTokenExpiry       = "tokenExpiry"
	KeyDefaultList       = "defaultList"
	KeyOAuthState        = "oauthState"
)

// ListRef names the list new tasks are created in by default.
type ListRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// OAuthCredentials are the client id and secret registered with the task service.
type OAuthCredentials struct {
	ClientID     string
	ClientSecret string
}

func (c OAuthCredentials) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Settings is a typed view over the kv_store keys the session layer owns.
type Settings struct {
	store *Store
}

func NewSettings(store *Store) *Settings {
	return &Settings{store: store}
}

func (s *Settings) OAuthCredentials(ctx context.Context) (OAuthCredentials, error) {
	id, err := s.store.KVGet(ctx, KeyOAuthClientID)
	if err != nil {
		return OAuthCredentials{}, err
	}
	secret, err := s.store.KVGet(ctx, KeyOAuthClientSecret)
	if err != nil {
		return OAuthCredentials{}, err
	}
	return OAuthCredentials{ClientID: id, ClientSecret: secret}, nil
}

func (s *Settings) SaveOAuthCredentials(ctx context.Context, creds OAuthCredentials) error {
	if err := s.store.KVSet(ctx, KeyOAuthClientID, creds.ClientID); err != nil {
		return err
	}
	return s.store.KVSet(ctx, KeyOAuthClientSecret, creds.ClientSecret)
}

// Token returns the stored session token and its expiry. A zero expiry means
// none was recorded.
func (s *Settings) Token(ctx context.Context) (string, time.Time, error) {
	token, err := s.store.KVGet(ctx, KeyToken)
	if err != nil {
		return "", time.Time{}, err
	}
	raw, err := s.store.KVGet(ctx, KeyTokenExpiry)
	if err != nil {
		return "", time.Time{}, err
	}
	var expiry time.Time
	if raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("parse token expiry: %w", err)
		}
		expiry = time.UnixMilli(ms)
	}
	return token, expiry, nil
}

func (s *Settings) SaveToken(ctx context.Context, token string, expiry time.Time) error {
	if err := s.store.KVSet(ctx, KeyToken, token); err != nil {
		return err
	}
	if expiry.IsZero() {
		return s.store.KVDelete(ctx, KeyTokenExpiry)
	}
	return s.store.KVSet(ctx, KeyTokenExpiry, strconv.FormatInt(expiry.UnixMilli(), 10))
}

// ClearToken removes the session token and expiry.
func (s *Settings) ClearToken(ctx context.Context) error {
	return s.store.KVDelete(ctx, KeyToken, KeyTokenExpiry)
}

// ClearSession removes the token, expiry and default list.
func (s *Settings) ClearSession(ctx context.Context) error {
	return s.store.KVDelete(ctx, KeyToken, KeyTokenExpiry, KeyDefaultList)
}

// DefaultList returns the saved default list, or nil when none is set.
func (s *Settings) DefaultList(ctx context.Context) (*ListRef, error) {
	raw, err := s.store.KVGet(ctx, KeyDefaultList)
	if err != nil || raw == "" {
		return nil, err
	}
	var ref ListRef
	if err := json.Unmarshal([]byte(raw), &ref); err != nil {
		return nil, fmt.Errorf("decode default list: %w", err)
	}
	if ref.ID == "" {
		return nil, nil
	}
	return &ref, nil
}

func (s *Settings) SaveDefaultList(ctx context.Context, ref ListRef) error {
	if ref.ID == "" {
		return fmt.Errorf("default list id required")
	}
	b, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	return s.store.KVSet(ctx, KeyDefaultList, string(b))
}

// OAuthState returns the pending authorization state nonce.
func (s *Settings) OAuthState(ctx context.Context) (string, error) {
	return s.store.KVGet(ctx, KeyOAuthState)
}

func (s *Settings) SaveOAuthState(ctx context.Context, state string) error {
	return s.store.KVSet(ctx, KeyOAuthState, state)
}

func (s *Settings) ClearOAuthState(ctx context.Context) error {
	return s.store.KVDelete(ctx, KeyOAuthState)
}
