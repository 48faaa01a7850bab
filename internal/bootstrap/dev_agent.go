// Package bootstrap seeds local development data.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/rayonlabs/squad-api/internal/config"
	"github.com/rayonlabs/squad-api/internal/repository"
)

// The handle check covers linked and unlinked agents alike, so a dev agent
// that already completed the callback is not duplicated on restart.
const insertAgentSQL = `INSERT INTO agents (agent_id, name, x_username)
SELECT $1, $2, $3
WHERE NOT EXISTS (SELECT 1 FROM agents WHERE lower(x_username) = lower($3))`

// EnsureDevAgent creates an agent bound to DEV_AGENT_X_USERNAME so a local
// X account can complete the authorization callback. It only runs in
// development.
func EnsureDevAgent(lc fx.Lifecycle, cfg config.Config, db repository.DB, node *snowflake.Node, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureDevAgent(ctx, cfg, db, node, logger)
		},
	})
}

func ensureDevAgent(ctx context.Context, cfg config.Config, db repository.DB, node *snowflake.Node, logger *zap.Logger) error {
	username := strings.TrimPrefix(strings.TrimSpace(cfg.DevAgentXUsername), "@")
	if cfg.Environment != "development" || username == "" {
		return nil
	}
	if logger == nil {
		logger = zap.L()
	}

	if cfg.DBQueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DBQueryTimeout)
		defer cancel()
	}

	agentID := node.Generate().String()
	tag, err := db.Exec(ctx, insertAgentSQL, agentID, "dev-"+username, username)
	if err != nil {
		return fmt.Errorf("bootstrap create agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		logger.Debug("dev agent present", zap.String("x_username", username))
		return nil
	}

	logger.Info("bootstrap dev agent created",
		zap.String("agent_id", agentID),
		zap.String("x_username", username),
	)
	return nil
}
