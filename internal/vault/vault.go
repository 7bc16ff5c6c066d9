package vault

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/searchlift/searchlift/internal/adapter/searchconsole"
	"github.com/searchlift/searchlift/internal/domain/console"
	"github.com/searchlift/searchlift/internal/repository"
	"github.com/searchlift/searchlift/internal/secrets"
)

// refreshMargin is how far before expiry a token is treated as stale.
const refreshMargin = 60 * time.Second

// Vault hands out valid decrypted access tokens, refreshing them on demand.
// Concurrent refreshes for the same tenant are coalesced into a single
// provider exchange; the provider rejects a refresh token reused before the
// first exchange completes.
type Vault struct {
	connections repository.ConnectionRepo
	provider    searchconsole.Client
	cipher      *secrets.Cipher
	margin      time.Duration
	group       singleflight.Group
	logger      *zap.Logger
	now         func() time.Time
}

// New wires the credential vault.
func New(connections repository.ConnectionRepo, provider searchconsole.Client, cipher *secrets.Cipher, logger *zap.Logger) *Vault {
	return &Vault{
		connections: connections,
		provider:    provider,
		cipher:      cipher,
		margin:      refreshMargin,
		logger:      logger,
		now:         time.Now,
	}
}

// AccessToken returns a decrypted access token valid for at least the refresh
// margin, performing a refresh-token exchange when the stored one is stale.
func (v *Vault) AccessToken(ctx context.Context, tenantID int64) (string, error) {
	conn, err := v.connections.GetByTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if !conn.Active {
		return "", console.ErrReauthRequired
	}
	if conn.TokenExpiry.After(v.now().Add(v.margin)) {
		return v.cipher.Open(conn.AccessCiphertext, conn.AccessNonce)
	}

	token, err, _ := v.group.Do(strconv.FormatInt(tenantID, 10), func() (any, error) {
		return v.refresh(ctx, tenantID)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (v *Vault) refresh(ctx context.Context, tenantID int64) (string, error) {
	// Reload inside the flight: a coalesced follower may arrive after a
	// just-completed refresh.
	conn, err := v.connections.GetByTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if !conn.Active {
		return "", console.ErrReauthRequired
	}
	if conn.TokenExpiry.After(v.now().Add(v.margin)) {
		return v.cipher.Open(conn.AccessCiphertext, conn.AccessNonce)
	}

	refreshToken, err := v.cipher.Open(conn.RefreshCiphertext, conn.RefreshNonce)
	if err != nil {
		return "", err
	}

	grant, err := v.provider.RefreshToken(ctx, refreshToken)
	if err != nil {
		var pe *console.ProviderError
		if errors.As(err, &pe) && !pe.Retryable {
			// The refresh token was rejected outright; the tenant has to
			// reauthorize before any further provider calls can succeed.
			if deactivateErr := v.connections.Deactivate(ctx, tenantID); deactivateErr != nil {
				v.log().Warn("failed to deactivate connection after refresh rejection",
					zap.Int64("tenant_id", tenantID), zap.Error(deactivateErr))
			}
			return "", console.ErrReauthRequired
		}
		return "", fmt.Errorf("refresh access token: %w", err)
	}

	ciphertext, nonce, err := v.cipher.Seal(grant.AccessToken)
	if err != nil {
		return "", fmt.Errorf("seal refreshed token: %w", err)
	}
	expiry := v.now().Add(time.Duration(grant.ExpiresIn) * time.Second)
	if err := v.connections.UpdateAccessToken(ctx, tenantID, ciphertext, nonce, expiry); err != nil {
		return "", err
	}

	v.log().Info("refreshed provider access token",
		zap.Int64("tenant_id", tenantID), zap.Time("expiry", expiry))
	return grant.AccessToken, nil
}

func (v *Vault) log() *zap.Logger {
	if v != nil && v.logger != nil {
		return v.logger
	}
	return zap.L()
}
