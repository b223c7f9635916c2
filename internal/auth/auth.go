// Package auth issues and checks the bearer tokens that identify callers:
// the single admin token and one token per registered agent.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hivemux/hivemux/internal/common/logger"
	"github.com/hivemux/hivemux/internal/models"
	"github.com/hivemux/hivemux/internal/store"
)

// TokenBytes is the entropy of a minted token before encoding.
const TokenBytes = 32

// Authenticator maps bearer tokens to actors. Lookups happen on every tool
// call, so live tokens are held in memory; the store stays the source of
// truth across restarts via Rehydrate.
type Authenticator struct {
	store  *store.Store
	logger *logger.Logger

	mu         sync.RWMutex
	adminToken string
	byToken    map[string]string // token -> agent ID
}

// New creates an Authenticator. Call Bootstrap and Rehydrate before serving.
func New(st *store.Store, log *logger.Logger) *Authenticator {
	return &Authenticator{
		store:   st,
		logger:  log.WithComponent("auth"),
		byToken: make(map[string]string),
	}
}

// Bootstrap resolves the admin token. An explicit override wins; otherwise
// the persisted value is reused, and on first boot a fresh token is minted
// and saved so later boots keep it stable.
func (a *Authenticator) Bootstrap(ctx context.Context, override string) error {
	if override != "" {
		a.mu.Lock()
		a.adminToken = override
		a.mu.Unlock()
		a.logger.Info("Admin token set from configuration override")
		return nil
	}

	token, err := a.store.GetConfigValue(ctx, store.ConfigKeyAdminToken)
	if err == nil {
		a.mu.Lock()
		a.adminToken = token
		a.mu.Unlock()
		a.logger.Info("Admin token loaded", zap.String("suffix", Last4(token)))
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("load admin token: %w", err)
	}

	token, err = a.MintToken()
	if err != nil {
		return err
	}
	if err := a.store.SetConfigValue(ctx, store.ConfigKeyAdminToken, token); err != nil {
		return fmt.Errorf("persist admin token: %w", err)
	}
	a.mu.Lock()
	a.adminToken = token
	a.mu.Unlock()
	a.logger.Info("Admin token minted", zap.String("suffix", Last4(token)))
	return nil
}

// Rehydrate reloads agent tokens from the store after a restart. Terminated
// agents are skipped; their tokens stay revoked.
func (a *Authenticator) Rehydrate(ctx context.Context) error {
	agents, err := a.store.ListAgents(ctx, false)
	if err != nil {
		return fmt.Errorf("rehydrate agent tokens: %w", err)
	}

	a.mu.Lock()
	for _, agent := range agents {
		if agent.Token != "" {
			a.byToken[agent.Token] = agent.ID
		}
	}
	count := len(a.byToken)
	a.mu.Unlock()

	a.logger.Info("Agent tokens rehydrated", zap.Int("count", count))
	return nil
}

// MintToken generates a fresh URL-safe bearer token.
func (a *Authenticator) MintToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", models.Internalf("generate token: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// AdminToken returns the active admin token.
func (a *Authenticator) AdminToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.adminToken
}

// Register binds an agent token to its agent ID.
func (a *Authenticator) Register(agentID, token string) {
	a.mu.Lock()
	a.byToken[token] = agentID
	a.mu.Unlock()
}

// RevokeAgent drops every token an agent holds. Called on termination.
func (a *Authenticator) RevokeAgent(agentID string) {
	a.mu.Lock()
	for token, id := range a.byToken {
		if id == agentID {
			delete(a.byToken, token)
		}
	}
	a.mu.Unlock()
}

// Identify resolves a bearer token to an actor ID. The admin token yields
// the canonical admin identity.
func (a *Authenticator) Identify(token string) (actorID string, isAdmin bool, err error) {
	if token == "" {
		return "", false, models.Authf("token required")
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.adminToken != "" && token == a.adminToken {
		return models.AdminID, true, nil
	}
	if agentID, ok := a.byToken[token]; ok {
		return agentID, false, nil
	}
	return "", false, models.Authf("unrecognized token")
}

// IsAdmin reports whether the token is the admin token.
func (a *Authenticator) IsAdmin(token string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return token != "" && token == a.adminToken
}

// AgentFor resolves an agent token to its agent ID.
func (a *Authenticator) AgentFor(token string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	agentID, ok := a.byToken[token]
	return agentID, ok
}

// TokenFor returns the live token registered for an agent.
func (a *Authenticator) TokenFor(agentID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for token, id := range a.byToken {
		if id == agentID {
			return token, true
		}
	}
	return "", false
}

// Last4 returns the token's trailing four characters lowercased, the suffix
// woven into tmux session names.
func Last4(token string) string {
	if len(token) > 4 {
		token = token[len(token)-4:]
	}
	return strings.ToLower(token)
}
