package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rayonlabs/squad-api/internal/domain"
	domainoauth "github.com/rayonlabs/squad-api/internal/domain/oauth"
	"github.com/rayonlabs/squad-api/internal/jwt"
	"github.com/rayonlabs/squad-api/internal/repository"
)

const (
	agentKey  = "agent"
	claimsKey = "agentClaims"
)

// ScopeX grants access to the X action endpoints.
const ScopeX = "x"

// AgentAuth resolves the calling agent from its bearer token.
type AgentAuth struct {
	Verifier *jwt.Verifier
	Agents   repository.AgentRepository
	Logger   *zap.Logger
}

// NewAgentAuth wires the bearer middleware.
func NewAgentAuth(verifier *jwt.Verifier, agents repository.AgentRepository, logger *zap.Logger) *AgentAuth {
	if logger == nil {
		logger = zap.L()
	}
	return &AgentAuth{Verifier: verifier, Agents: agents, Logger: logger}
}

// RequireScope ensures the request carries a valid agent token holding scope.
func (m *AgentAuth) RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authorization header required."})
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Bearer token required."})
			return
		}

		claims, err := m.Verifier.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Invalid access token."})
			return
		}
		if !claims.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient_scope", "error_description": "Token lacks the " + scope + " scope."})
			return
		}

		agent, err := m.Agents.FindByID(c.Request.Context(), claims.Subject)
		if err != nil {
			if errors.Is(err, domainoauth.ErrAgentNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Unknown agent."})
				return
			}
			m.Logger.Error("resolve agent", zap.String("agent_id", claims.Subject), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
			return
		}

		c.Set(claimsKey, claims)
		c.Set(agentKey, agent)
		c.Next()
	}
}

// GetAgent exposes the authenticated agent to handlers.
func GetAgent(c *gin.Context) (domain.Agent, bool) {
	value, ok := c.Get(agentKey)
	if !ok {
		return domain.Agent{}, false
	}
	agent, ok := value.(domain.Agent)
	return agent, ok
}

// GetClaims returns the verified token claims.
func GetClaims(c *gin.Context) (jwt.Claims, bool) {
	value, ok := c.Get(claimsKey)
	if !ok {
		return jwt.Claims{}, false
	}
	claims, ok := value.(jwt.Claims)
	return claims, ok
}
