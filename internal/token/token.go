// Package token issues, validates, and revokes the proxy tokens bots use to
// authenticate against the data plane.
//
// A bot holds at most one live token. Registering again atomically replaces
// the previous row, so the old plaintext stops working the moment the new one
// is minted. Validation is a single indexed lookup on the SHA-256 hash; the
// plaintext is never persisted.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/botgate/internal/secrets"
	"github.com/nulpointcorp/botgate/internal/store"
)

var (
	// ErrInvalidToken covers unknown, revoked, and expired tokens alike so
	// callers cannot distinguish which case they hit.
	ErrInvalidToken = errors.New("token: invalid token")
)

const bumpBuffer = 4096

// Identity is the result of a successful validation: the token row plus the
// bound credential with its secret already opened.
type Identity struct {
	Token      *store.ProxyToken
	Credential *store.Credential
	Secret     string
}

// Service mints and validates proxy tokens.
type Service struct {
	st  store.Store
	box *secrets.Box
	ttl time.Duration
	log *slog.Logger

	bumps     chan bump
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type bump struct {
	botID string
	at    time.Time
}

// New starts the background last-used updater. ttl of 0 mints tokens that
// never expire.
func New(st store.Store, box *secrets.Box, ttl time.Duration, log *slog.Logger) *Service {
	s := &Service{
		st:    st,
		box:   box,
		ttl:   ttl,
		log:   log,
		bumps: make(chan bump, bumpBuffer),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.runBumps()
	return s
}

// Register mints a fresh token for the bot bound to the given vendor and
// credential. Returns the plaintext exactly once; only the hash is stored.
func (s *Service) Register(ctx context.Context, botID, vendor, credentialID string, tags []string) (string, error) {
	if _, err := s.st.GetCredential(ctx, credentialID); err != nil {
		return "", fmt.Errorf("token: register: %w", err)
	}

	plain, err := secrets.MintToken()
	if err != nil {
		return "", err
	}

	row := store.ProxyToken{
		BotID:        botID,
		TokenHash:    secrets.HashToken(plain),
		Vendor:       vendor,
		CredentialID: credentialID,
		Tags:         tags,
		CreatedAt:    time.Now().UTC(),
	}
	if s.ttl > 0 {
		exp := row.CreatedAt.Add(s.ttl)
		row.ExpiresAt = &exp
	}
	if err := s.st.UpsertProxyToken(ctx, row); err != nil {
		return "", fmt.Errorf("token: register: %w", err)
	}

	s.log.Info("proxy token registered",
		slog.String("bot_id", botID),
		slog.String("vendor", vendor),
		slog.String("credential_id", credentialID),
	)
	return plain, nil
}

// Validate resolves a presented token to its bot identity. Unknown, revoked,
// and expired tokens all fail with ErrInvalidToken.
func (s *Service) Validate(ctx context.Context, plaintext string) (*Identity, error) {
	row, err := s.st.GetProxyTokenByHash(ctx, secrets.HashToken(plaintext))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	now := time.Now()
	if !row.Valid(now) {
		return nil, ErrInvalidToken
	}

	cred, err := s.st.GetCredential(ctx, row.CredentialID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if cred.DeletedAt != nil {
		return nil, ErrInvalidToken
	}

	secret, err := s.box.Decrypt(cred.SecretCiphertext)
	if err != nil {
		return nil, fmt.Errorf("token: open credential: %w", err)
	}

	// Usage accounting happens off the hot path.
	select {
	case s.bumps <- bump{botID: row.BotID, at: now}:
	default:
	}

	return &Identity{Token: row, Credential: cred, Secret: secret}, nil
}

// Revoke marks the bot's token unusable without deleting its audit trail.
func (s *Service) Revoke(ctx context.Context, botID string) error {
	if err := s.st.RevokeProxyToken(ctx, botID, time.Now().UTC()); err != nil {
		return err
	}
	s.log.Info("proxy token revoked", slog.String("bot_id", botID))
	return nil
}

// DeleteForBot removes the bot's token row entirely, used when the bot itself
// is destroyed.
func (s *Service) DeleteForBot(ctx context.Context, botID string) error {
	return s.st.DeleteProxyToken(ctx, botID)
}

// Close stops the background updater after draining pending bumps.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

func (s *Service) runBumps() {
	defer s.wg.Done()
	for {
		select {
		case b := <-s.bumps:
			s.apply(b)
		case <-s.done:
			for {
				select {
				case b := <-s.bumps:
					s.apply(b)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) apply(b bump) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.st.TouchProxyToken(ctx, b.botID, b.at); err != nil {
		s.log.Warn("touch proxy token failed",
			slog.String("bot_id", b.botID),
			slog.String("error", err.Error()),
		)
	}
}
