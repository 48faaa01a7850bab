package repository

import (
	"context"
	"time"

	"github.com/rayonlabs/squad-api/internal/domain"
	"github.com/rayonlabs/squad-api/internal/domain/oauth"
)

// StateStore persists short-lived PKCE sessions between authorize and callback.
type StateStore interface {
	// Put stores session under its state for ttl. It fails with
	// oauth.ErrStateConflict when a live session already holds the state.
	Put(ctx context.Context, session oauth.PKCESession, ttl time.Duration) error
	// Take atomically reads and removes the session. A second Take of the
	// same state fails with oauth.ErrStateNotFound.
	Take(ctx context.Context, state string) (oauth.PKCESession, error)
}

// AgentRepository reads and writes the X credential columns of agent records.
type AgentRepository interface {
	FindByID(ctx context.Context, agentID string) (domain.Agent, error)
	// FindByPlatformUser matches on the stored X user id first, then on a
	// case-insensitive username among agents not yet linked to an X account.
	FindByPlatformUser(ctx context.Context, platformUserID, username string) (domain.Agent, error)
	UpdateTokens(ctx context.Context, agentID string, creds domain.EncryptedCredentials) error
	// ClearTokens removes the pair only if the stored encrypted refresh token
	// still equals refreshToken, and reports whether it did.
	ClearTokens(ctx context.Context, agentID, refreshToken string) (bool, error)
}
