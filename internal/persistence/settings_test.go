package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/taskbridge/internal/persistence"
)

func TestSettings_OAuthCredentials(t *testing.T) {
	store, _ := openTestStore(t)
	settings := persistence.NewSettings(store)
	ctx := context.Background()

	creds, err := settings.OAuthCredentials(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if creds.Configured() {
		t.Fatal("expected unconfigured credentials")
	}
	if err := settings.SaveOAuthCredentials(ctx, persistence.OAuthCredentials{ClientID: "id", ClientSecret: "secret"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	creds, _ = settings.OAuthCredentials(ctx)
	if !creds.Configured() || creds.ClientID != "id" || creds.ClientSecret != "secret" {
		t.Fatalf("unexpected creds %+v", creds)
	}
}

func TestSettings_TokenRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	settings := persistence.NewSettings(store)
	ctx := context.Background()

	expiry := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())
	if err := settings.SaveToken(ctx, "tok", expiry); err != nil {
		t.Fatalf("save: %v", err)
	}
	token, gotExpiry, err := settings.Token(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if token != "tok" || !gotExpiry.Equal(expiry) {
		t.Fatalf("got %q %v, want tok %v", token, gotExpiry, expiry)
	}

	if err := settings.ClearToken(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	token, gotExpiry, _ = settings.Token(ctx)
	if token != "" || !gotExpiry.IsZero() {
		t.Fatalf("expected cleared token, got %q %v", token, gotExpiry)
	}
}

func TestSettings_ClearSessionRemovesDefaultList(t *testing.T) {
	store, _ := openTestStore(t)
	settings := persistence.NewSettings(store)
	ctx := context.Background()

	if err := settings.SaveDefaultList(ctx, persistence.ListRef{ID: "L1", Name: "Inbox"}); err != nil {
		t.Fatalf("save list: %v", err)
	}
	if err := settings.SaveOAuthCredentials(ctx, persistence.OAuthCredentials{ClientID: "id", ClientSecret: "s"}); err != nil {
		t.Fatalf("save creds: %v", err)
	}
	_ = settings.SaveToken(ctx, "tok", time.Time{})

	list, err := settings.DefaultList(ctx)
	if err != nil || list == nil || list.Name != "Inbox" {
		t.Fatalf("unexpected list %+v err=%v", list, err)
	}
	if err := settings.ClearSession(ctx); err != nil {
		t.Fatalf("clear session: %v", err)
	}
	if list, _ := settings.DefaultList(ctx); list != nil {
		t.Fatalf("expected default list cleared, got %+v", list)
	}
	creds, _ := settings.OAuthCredentials(ctx)
	if !creds.Configured() {
		t.Fatal("logout must keep oauth client credentials")
	}
}

func TestSettings_SaveDefaultListRequiresID(t *testing.T) {
	store, _ := openTestStore(t)
	if err := persistence.NewSettings(store).SaveDefaultList(context.Background(), persistence.ListRef{Name: "x"}); err == nil {
		t.Fatal("expected error")
	}
}
