package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rayonlabs/squad-api/internal/domain"
	"github.com/rayonlabs/squad-api/internal/domain/oauth"
)

// DB is the subset of pgxpool.Pool used by the repositories.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresAgentRepo implements AgentRepository.
type PostgresAgentRepo struct {
	db           DB
	queryTimeout time.Duration
}

var _ AgentRepository = (*PostgresAgentRepo)(nil)

// NewPostgresAgentRepo bounds every statement by queryTimeout. A zero timeout
// leaves the caller's deadline in charge.
func NewPostgresAgentRepo(db DB, queryTimeout time.Duration) *PostgresAgentRepo {
	return &PostgresAgentRepo{db: db, queryTimeout: queryTimeout}
}

func (r *PostgresAgentRepo) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.queryTimeout)
}

func (r *PostgresAgentRepo) queryAgent(ctx context.Context, sql string, args ...any) (domain.Agent, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return scanAgent(r.db.QueryRow(ctx, sql, args...))
}

const selectAgentColumns = `SELECT agent_id, x_user_id, x_username, x_access_token, x_refresh_token, x_token_expires_at, updated_at FROM agents`

func (r *PostgresAgentRepo) FindByID(ctx context.Context, agentID string) (domain.Agent, error) {
	agent, err := r.queryAgent(ctx, selectAgentColumns+` WHERE agent_id = $1`, agentID)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return agent, nil
}

func (r *PostgresAgentRepo) FindByPlatformUser(ctx context.Context, platformUserID, username string) (domain.Agent, error) {
	if platformUserID != "" {
		agent, err := r.queryAgent(ctx, selectAgentColumns+` WHERE x_user_id = $1 LIMIT 1`, platformUserID)
		if err == nil {
			return agent, nil
		}
		if !errors.Is(err, oauth.ErrAgentNotFound) {
			return domain.Agent{}, fmt.Errorf("get agent by x user: %w", err)
		}
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return domain.Agent{}, oauth.ErrAgentNotFound
	}
	// Agents already linked to a different X account never match by handle.
	agent, err := r.queryAgent(ctx, selectAgentColumns+` WHERE lower(x_username) = lower($1) AND (x_user_id IS NULL OR x_user_id = '') ORDER BY agent_id LIMIT 1`, username)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("get agent by x username: %w", err)
	}
	return agent, nil
}

const updateTokensSQL = `UPDATE agents
SET x_user_id = $2,
    x_username = COALESCE(NULLIF($3, ''), x_username),
    x_access_token = $4,
    x_refresh_token = $5,
    x_token_expires_at = $6,
    updated_at = now()
WHERE agent_id = $1`

func (r *PostgresAgentRepo) UpdateTokens(ctx context.Context, agentID string, creds domain.EncryptedCredentials) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	tag, err := r.db.Exec(ctx, updateTokensSQL,
		agentID,
		creds.PlatformUserID,
		creds.PlatformUsername,
		creds.AccessToken,
		creds.RefreshToken,
		creds.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("update agent tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update agent tokens %s: %w", agentID, oauth.ErrAgentNotFound)
	}
	return nil
}

const clearTokensSQL = `UPDATE agents
SET x_access_token = NULL,
    x_refresh_token = NULL,
    x_token_expires_at = NULL,
    updated_at = now()
WHERE agent_id = $1 AND x_refresh_token = $2`

// ClearTokens drops the stored pair only while it still holds refreshToken.
// A pair replaced in the meantime is left alone.
func (r *PostgresAgentRepo) ClearTokens(ctx context.Context, agentID, refreshToken string) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	tag, err := r.db.Exec(ctx, clearTokensSQL, agentID, refreshToken)
	if err != nil {
		return false, fmt.Errorf("clear agent tokens: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanAgent(row pgx.Row) (domain.Agent, error) {
	var (
		agent     domain.Agent
		userID    *string
		username  *string
		access    *string
		refresh   *string
		expiresAt *int64
		updatedAt time.Time
	)
	if err := row.Scan(&agent.ID, &userID, &username, &access, &refresh, &expiresAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Agent{}, oauth.ErrAgentNotFound
		}
		return domain.Agent{}, err
	}
	agent.PlatformUserID = deref(userID)
	agent.PlatformUsername = deref(username)
	agent.EncryptedAccessToken = deref(access)
	agent.EncryptedRefreshToken = deref(refresh)
	if expiresAt != nil {
		agent.TokenExpiresAt = time.Unix(*expiresAt, 0).UTC()
	}
	agent.UpdatedAt = updatedAt
	return agent, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
