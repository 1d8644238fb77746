package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// RefreshFunc exchanges the current credentials for a fresh access token.
type RefreshFunc func(ctx context.Context) (string, error)

// TokenHolder keeps the short-lived access token used by both the REST
// client and the push channel. The token is inspected without signature
// verification: this side only needs the expiry claim, validation is the
// server's job.
type TokenHolder struct {
	mu      sync.Mutex
	token   string
	refresh RefreshFunc
	logger  *zap.Logger
}

// NewTokenHolder builds holder with an initial token and a refresh callback.
func NewTokenHolder(token string, refresh RefreshFunc, logger *zap.Logger) *TokenHolder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenHolder{token: token, refresh: refresh, logger: logger}
}

// Token returns the current access token.
func (h *TokenHolder) Token() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

// SetToken replaces the current access token.
func (h *TokenHolder) SetToken(token string) {
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
}

// ExpiresAt decodes the exp claim of the current token.
func (h *TokenHolder) ExpiresAt() (time.Time, bool) {
	h.mu.Lock()
	token := h.token
	h.mu.Unlock()

	if token == "" {
		return time.Time{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Expiring reports whether the token expires within the given leeway.
// Tokens without a readable exp claim are treated as not expiring.
func (h *TokenHolder) Expiring(leeway time.Duration) bool {
	exp, ok := h.ExpiresAt()
	if !ok {
		return false
	}
	return time.Until(exp) <= leeway
}

// Refresh obtains a new token via the refresh callback and installs it.
func (h *TokenHolder) Refresh(ctx context.Context) error {
	h.mu.Lock()
	refresh := h.refresh
	h.mu.Unlock()

	if refresh == nil {
		return errors.New("auth: no refresh callback configured")
	}

	token, err := refresh(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return errors.New("auth: refresh returned empty token")
	}

	h.SetToken(token)
	return nil
}

// HandleAuthFailure is wired as the channel's authorization-failure callback:
// it attempts a refresh and reports whether a reconnect should proceed.
func (h *TokenHolder) HandleAuthFailure(ctx context.Context) bool {
	if err := h.Refresh(ctx); err != nil {
		h.logger.Warn("auth: token refresh failed", zap.Error(err))
		return false
	}
	h.logger.Info("auth: token refreshed after rejected connection")
	return true
}
