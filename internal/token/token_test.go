package token

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nulpointcorp/botgate/internal/secrets"
	"github.com/nulpointcorp/botgate/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T, ttl time.Duration) (*Service, *store.SQLiteStore, *secrets.Box) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	box, err := secrets.NewBox("test-master-key-for-tokens")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	ct, err := box.Encrypt("sk-upstream-secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	cred := store.Credential{
		ID: "cred-1", Vendor: "openai", APIType: "openai",
		SecretCiphertext: ct, CreatedAt: time.Now(),
	}
	if err := st.CreateCredential(context.Background(), cred); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}

	svc := New(st, box, ttl, discardLogger())
	t.Cleanup(func() { _ = svc.Close() })
	return svc, st, box
}

func TestRegisterAndValidate(t *testing.T) {
	svc, _, _ := setup(t, 0)
	ctx := context.Background()

	plain, err := svc.Register(ctx, "bot-1", "openai", "cred-1", []string{"prod"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	id, err := svc.Validate(ctx, plain)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if id.Token.BotID != "bot-1" || id.Credential.ID != "cred-1" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if id.Secret != "sk-upstream-secret" {
		t.Fatalf("secret not opened: %q", id.Secret)
	}
	if id.Token.ExpiresAt != nil {
		t.Fatalf("ttl 0 should mint non-expiring token: %+v", id.Token)
	}
}

func TestRegisterUnknownCredential(t *testing.T) {
	svc, _, _ := setup(t, 0)
	if _, err := svc.Register(context.Background(), "bot-1", "openai", "missing", nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReRegisterInvalidatesOldToken(t *testing.T) {
	svc, _, _ := setup(t, 0)
	ctx := context.Background()

	first, err := svc.Register(ctx, "bot-1", "openai", "cred-1", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	second, err := svc.Register(ctx, "bot-1", "openai", "cred-1", nil)
	if err != nil {
		t.Fatalf("Register (second): %v", err)
	}
	if first == second {
		t.Fatal("re-registration returned the same plaintext")
	}

	if _, err := svc.Validate(ctx, first); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("old token still validates: %v", err)
	}
	if _, err := svc.Validate(ctx, second); err != nil {
		t.Fatalf("new token rejected: %v", err)
	}
}

func TestValidateRejectsRevoked(t *testing.T) {
	svc, _, _ := setup(t, 0)
	ctx := context.Background()

	plain, _ := svc.Register(ctx, "bot-1", "openai", "cred-1", nil)
	if err := svc.Revoke(ctx, "bot-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := svc.Validate(ctx, plain); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("revoked token validates: %v", err)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	svc, st, _ := setup(t, time.Hour)
	ctx := context.Background()

	plain, err := svc.Register(ctx, "bot-1", "openai", "cred-1", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Backdate the expiry directly.
	row, err := st.GetProxyTokenByBot(ctx, "bot-1")
	if err != nil {
		t.Fatalf("GetProxyTokenByBot: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	row.ExpiresAt = &past
	if err := st.UpsertProxyToken(ctx, *row); err != nil {
		t.Fatalf("UpsertProxyToken: %v", err)
	}

	if _, err := svc.Validate(ctx, plain); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token validates: %v", err)
	}
}

func TestValidateRejectsUnknown(t *testing.T) {
	svc, _, _ := setup(t, 0)
	if _, err := svc.Validate(context.Background(), "bg_not-a-real-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateRejectsDeletedCredential(t *testing.T) {
	svc, st, _ := setup(t, 0)
	ctx := context.Background()

	plain, _ := svc.Register(ctx, "bot-1", "openai", "cred-1", nil)
	if err := st.SoftDeleteCredential(ctx, "cred-1"); err != nil {
		t.Fatalf("SoftDeleteCredential: %v", err)
	}
	if _, err := svc.Validate(ctx, plain); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token bound to deleted credential validates: %v", err)
	}
}

func TestValidateBumpsLastUsed(t *testing.T) {
	svc, st, _ := setup(t, 0)
	ctx := context.Background()

	plain, _ := svc.Register(ctx, "bot-1", "openai", "cred-1", nil)
	if _, err := svc.Validate(ctx, plain); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	// Close drains the async bump queue.
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	row, err := st.GetProxyTokenByBot(ctx, "bot-1")
	if err != nil {
		t.Fatalf("GetProxyTokenByBot: %v", err)
	}
	if row.LastUsedAt == nil || row.RequestCount != 1 {
		t.Fatalf("usage not recorded: %+v", row)
	}
}
