package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bnema/zerowrap"

	"github.com/bnema/reach/internal/domain"
	"github.com/bnema/reach/pkg/jwtshape"
)

const (
	// StorageKey holds the structured token record.
	StorageKey = "auth_tokens"
	// LegacyStorageKey held a bare access token in older clients. It is migrated once and removed.
	LegacyStorageKey = "access_token"
)

// storedRecord is the persisted form of a token record. expires_at is epoch milliseconds.
type storedRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresAt    int64  `json:"expires_at"`
}

func encodeRecord(rec *domain.TokenRecord) (string, error) {
	data, err := json.Marshal(storedRecord{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		TokenType:    rec.TokenType,
		ExpiresAt:    rec.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("encode token record: %w", err)
	}
	return string(data), nil
}

func decodeRecord(raw string) (*domain.TokenRecord, error) {
	var sr storedRecord
	if err := json.Unmarshal([]byte(raw), &sr); err != nil {
		return nil, fmt.Errorf("decode token record: %w", err)
	}
	if domain.IsPlaceholderToken(sr.AccessToken) || !jwtshape.Valid(sr.AccessToken) {
		return nil, domain.ErrInvalidToken
	}
	if sr.ExpiresAt <= 0 {
		return nil, fmt.Errorf("%w: missing expiry", domain.ErrInvalidToken)
	}

	rec := &domain.TokenRecord{
		AccessToken:  sr.AccessToken,
		RefreshToken: sr.RefreshToken,
		TokenType:    sr.TokenType,
		ExpiresAt:    time.UnixMilli(sr.ExpiresAt),
	}
	if domain.IsPlaceholderToken(rec.RefreshToken) {
		rec.RefreshToken = ""
	}
	if rec.TokenType == "" {
		rec.TokenType = domain.DefaultTokenType
	}
	return rec, nil
}

// Load restores the persisted record. Structurally invalid data is discarded.
// A legacy bare token is migrated into the structured record once and its key removed.
// Only storage backend failures are returned.
func (a *Authority) Load(ctx context.Context) error {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "LoadSession",
	})
	log := zerowrap.FromCtx(ctx)

	rec, err := a.loadStructured(ctx, log)
	if err != nil {
		return err
	}

	legacy, err := a.store.Get(ctx, LegacyStorageKey)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return log.WrapErr(err, "failed to read legacy token")
	default:
		if rec == nil && !domain.IsPlaceholderToken(legacy) && jwtshape.Valid(legacy) {
			migrated := &domain.TokenRecord{
				AccessToken: legacy,
				TokenType:   domain.DefaultTokenType,
				ExpiresAt:   a.expiryOf(legacy),
			}
			raw, err := encodeRecord(migrated)
			if err != nil {
				return err
			}
			if err := a.store.Set(ctx, StorageKey, raw); err != nil {
				return log.WrapErr(err, "failed to persist migrated token")
			}
			rec = migrated
			log.Info().Time("expires_at", migrated.ExpiresAt).Msg("migrated legacy token")
		} else if rec == nil {
			log.Warn().Msg("discarded invalid legacy token")
		}
		if err := a.store.Delete(ctx, LegacyStorageKey); err != nil {
			return log.WrapErr(err, "failed to remove legacy token")
		}
	}

	a.mu.Lock()
	a.record = rec
	a.lastActivity = a.now()
	if a.running {
		a.scheduleCheckLocked()
	}
	a.mu.Unlock()

	if rec != nil {
		log.Debug().Time("expires_at", rec.ExpiresAt).Bool("refreshable", rec.HasRefreshToken()).Msg("session restored")
		a.notify(rec.AccessToken)
	}
	return nil
}

func (a *Authority) loadStructured(ctx context.Context, log zerowrap.Logger) (*domain.TokenRecord, error) {
	raw, err := a.store.Get(ctx, StorageKey)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, log.WrapErr(err, "failed to read token record")
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		log.Warn().Err(err).Msg("discarded invalid stored token record")
		if err := a.store.Delete(ctx, StorageKey); err != nil {
			return nil, log.WrapErr(err, "failed to remove invalid token record")
		}
		return nil, nil
	}
	return rec, nil
}
