package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	oauthadapter "github.com/rayonlabs/squad-api/internal/adapter/oauth"
	"github.com/rayonlabs/squad-api/internal/config"
	"github.com/rayonlabs/squad-api/internal/domain"
	domainoauth "github.com/rayonlabs/squad-api/internal/domain/oauth"
	"github.com/rayonlabs/squad-api/internal/metrics"
	"github.com/rayonlabs/squad-api/internal/repository"
)

// TokenService owns the per-agent X token lifecycle.
type TokenService interface {
	StartAuthorization(ctx context.Context, in StartAuthorizationInput) (*StartAuthorizationOutput, error)
	CompleteAuthorization(ctx context.Context, in CallbackInput) (*CompleteAuthorizationOutput, error)
	GetValidAccessToken(ctx context.Context, agentID string) (string, error)
}

// Cipher encrypts tokens at rest.
type Cipher interface {
	EncryptString(plaintext string) (string, error)
	DecryptString(ciphertext string) (string, error)
}

// StartAuthorizationInput carries optional post-authorization routing.
type StartAuthorizationInput struct {
	RedirectPath string
}

// StartAuthorizationOutput returns the prepared authorization URL.
type StartAuthorizationOutput struct {
	AuthorizationURL string
	State            string
}

// CallbackInput captures the provider redirect.
type CallbackInput struct {
	State       string
	CallbackURL string
}

// CompleteAuthorizationOutput reports the agent the tokens were bound to.
type CompleteAuthorizationOutput struct {
	Agent        domain.Agent
	PlatformUser domainoauth.PlatformUser
	RedirectPath string
}

type tokenService struct {
	stateStore     repository.StateStore
	providerClient oauthadapter.ProviderClient
	agents         repository.AgentRepository
	cipher         Cipher
	cfg            config.Config
	tracer         trace.Tracer
	logger         *zap.Logger

	refreshGroup singleflight.Group
	now          func() time.Time
}

// NewTokenService wires the token lifecycle implementation.
func NewTokenService(
	stateStore repository.StateStore,
	providerClient oauthadapter.ProviderClient,
	agents repository.AgentRepository,
	cipher Cipher,
	cfg config.Config,
	tracer trace.Tracer,
	logger *zap.Logger,
) TokenService {
	if tracer == nil {
		tracer = otel.Tracer("github.com/rayonlabs/squad-api/internal/service/auth")
	}
	return &tokenService{
		stateStore:     stateStore,
		providerClient: providerClient,
		agents:         agents,
		cipher:         cipher,
		cfg:            cfg,
		tracer:         tracer,
		logger:         logger,
		now:            time.Now,
	}
}

const (
	verifierEntropyBytes = 64
	defaultSessionTTL    = 10 * time.Minute
	maxStateAttempts     = 3
	defaultHTTPTimeout   = 15 * time.Second
	defaultQueryTimeout  = 5 * time.Second
)

func (s *tokenService) StartAuthorization(ctx context.Context, in StartAuthorizationInput) (_ *StartAuthorizationOutput, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.StartAuthorization")
	defer func() { endSpan(span, err) }()
	defer func() { metrics.AuthorizationsTotal.WithLabelValues("start", outcome(err)).Inc() }()

	redirectPath, err := sanitizeRedirectPath(in.RedirectPath)
	if err != nil {
		return nil, err
	}

	ttl := s.cfg.PKCESessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}

	for attempt := 0; attempt < maxStateAttempts; attempt++ {
		codeVerifier, err := secureRandomString(verifierEntropyBytes)
		if err != nil {
			return nil, fmt.Errorf("generate pkce verifier: %w", err)
		}
		authURL, state, err := s.providerClient.AuthorizationURL(codeVerifier)
		if err != nil {
			return nil, fmt.Errorf("build authorization url: %w", err)
		}

		session := domainoauth.PKCESession{
			State:        state,
			CodeVerifier: codeVerifier,
			RedirectPath: redirectPath,
			CreatedAt:    s.now().UTC(),
		}
		err = s.stateStore.Put(ctx, session, ttl)
		if errors.Is(err, domainoauth.ErrStateConflict) {
			s.log().Warn("pkce state collision, regenerating")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("persist pkce session: %w", err)
		}
		return &StartAuthorizationOutput{AuthorizationURL: authURL, State: state}, nil
	}
	return nil, fmt.Errorf("persist pkce session: %w", domainoauth.ErrStateConflict)
}

func (s *tokenService) CompleteAuthorization(ctx context.Context, in CallbackInput) (_ *CompleteAuthorizationOutput, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.CompleteAuthorization")
	defer func() { endSpan(span, err) }()
	defer func() { metrics.AuthorizationsTotal.WithLabelValues("callback", outcome(err)).Inc() }()

	state := strings.TrimSpace(in.State)
	if state == "" || strings.TrimSpace(in.CallbackURL) == "" {
		return nil, domainoauth.ErrInvalidOrExpiredState
	}

	session, err := s.stateStore.Take(ctx, state)
	if err != nil {
		if errors.Is(err, domainoauth.ErrStateNotFound) {
			return nil, domainoauth.ErrInvalidOrExpiredState
		}
		return nil, fmt.Errorf("load pkce session: %w", err)
	}

	pair, err := s.providerClient.ExchangeCode(ctx, in.CallbackURL, session.CodeVerifier)
	if err != nil {
		return nil, err
	}

	user, err := s.providerClient.IdentifyUser(ctx, pair.AccessToken)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("x.user_id", user.ID))

	agent, err := s.agents.FindByPlatformUser(ctx, user.ID, user.Username)
	if err != nil {
		if errors.Is(err, domainoauth.ErrAgentNotFound) {
			s.log().Warn("no agent bound to x account", zap.String("x_user_id", user.ID), zap.String("x_username", user.Username))
			return nil, fmt.Errorf("%w: @%s", domainoauth.ErrUnknownAgent, user.Username)
		}
		return nil, fmt.Errorf("resolve agent: %w", err)
	}

	creds, err := s.sealPair(user, pair)
	if err != nil {
		return nil, err
	}
	if err := s.agents.UpdateTokens(ctx, agent.ID, creds); err != nil {
		return nil, fmt.Errorf("persist tokens: %w", err)
	}

	agent.PlatformUserID = user.ID
	if user.Username != "" {
		agent.PlatformUsername = user.Username
	}
	agent.EncryptedAccessToken = creds.AccessToken
	agent.EncryptedRefreshToken = creds.RefreshToken
	agent.TokenExpiresAt = creds.ExpiresAt

	s.log().Info("x account linked", zap.String("agent_id", agent.ID), zap.String("x_user_id", user.ID))
	return &CompleteAuthorizationOutput{Agent: agent, PlatformUser: user, RedirectPath: session.RedirectPath}, nil
}

func (s *tokenService) GetValidAccessToken(ctx context.Context, agentID string) (_ string, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.GetValidAccessToken", trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer func() { endSpan(span, err) }()

	agent, err := s.agents.FindByID(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("load agent: %w", err)
	}
	if !agent.HasTokens() {
		return "", domainoauth.ErrNotAuthenticated
	}
	if !agent.TokenExpired(s.now()) {
		return s.cipher.DecryptString(agent.EncryptedAccessToken)
	}

	span.AddEvent("refresh")
	// The flight outlives any single caller but never the refresh budget.
	flight := s.refreshGroup.DoChan(agent.ID, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshBudget())
		defer cancel()
		return s.refresh(refreshCtx, agent.ID)
	})

	select {
	case res := <-flight:
		if res.Shared {
			s.log().Debug("joined in-flight refresh", zap.String("agent_id", agent.ID))
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: await token refresh: %w", domainoauth.ErrTransport, ctx.Err())
	}
}

// refreshBudget covers the provider call plus the reload, persist and clear
// statements of one refresh.
func (s *tokenService) refreshBudget() time.Duration {
	httpTimeout := s.cfg.XHTTPTimeout
	if httpTimeout <= 0 {
		httpTimeout = defaultHTTPTimeout
	}
	queryTimeout := s.cfg.DBQueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return httpTimeout + 3*queryTimeout
}

// refresh reloads the agent, exchanges the stored refresh token and replaces
// the stored pair. A pair stored by an earlier flight is returned as is.
func (s *tokenService) refresh(ctx context.Context, agentID string) (_ string, err error) {
	agent, err := s.agents.FindByID(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("reload agent: %w", err)
	}
	if !agent.HasTokens() {
		return "", domainoauth.ErrNotAuthenticated
	}
	if !agent.TokenExpired(s.now()) {
		return s.cipher.DecryptString(agent.EncryptedAccessToken)
	}

	defer func() { metrics.TokenRefreshTotal.WithLabelValues(outcome(err)).Inc() }()

	refreshToken, err := s.cipher.DecryptString(agent.EncryptedRefreshToken)
	if err != nil {
		return "", err
	}

	pair, err := s.providerClient.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, domainoauth.ErrAuthExchange) && !errors.Is(err, domainoauth.ErrTransport) {
			return s.dropRejected(ctx, agent, err)
		}
		return "", fmt.Errorf("refresh tokens: %w", err)
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}

	creds, err := s.sealPair(domainoauth.PlatformUser{ID: agent.PlatformUserID}, pair)
	if err != nil {
		return "", err
	}
	if err := s.agents.UpdateTokens(ctx, agent.ID, creds); err != nil {
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}
	s.log().Info("x tokens refreshed", zap.String("agent_id", agent.ID), zap.Time("expires_at", pair.ExpiresAt))
	return pair.AccessToken, nil
}

// dropRejected clears the pair whose refresh token the provider rejected.
// When the pair was replaced meanwhile, the replacement is served instead.
func (s *tokenService) dropRejected(ctx context.Context, agent domain.Agent, cause error) (string, error) {
	rejected := fmt.Errorf("%w: %w", domainoauth.ErrNotAuthenticated, cause)

	cleared, err := s.agents.ClearTokens(ctx, agent.ID, agent.EncryptedRefreshToken)
	if err != nil {
		s.log().Error("failed to clear rejected tokens", zap.String("agent_id", agent.ID), zap.Error(err))
		return "", rejected
	}
	if cleared {
		s.log().Warn("refresh token rejected, agent must re-authorize", zap.String("agent_id", agent.ID), zap.Error(cause))
		return "", rejected
	}

	current, err := s.agents.FindByID(ctx, agent.ID)
	if err != nil || !current.HasTokens() || current.TokenExpired(s.now()) {
		return "", rejected
	}
	s.log().Info("rejected refresh token already replaced", zap.String("agent_id", agent.ID))
	return s.cipher.DecryptString(current.EncryptedAccessToken)
}

func (s *tokenService) sealPair(user domainoauth.PlatformUser, pair domainoauth.TokenPair) (domain.EncryptedCredentials, error) {
	access, err := s.cipher.EncryptString(pair.AccessToken)
	if err != nil {
		return domain.EncryptedCredentials{}, fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := s.cipher.EncryptString(pair.RefreshToken)
	if err != nil {
		return domain.EncryptedCredentials{}, fmt.Errorf("encrypt refresh token: %w", err)
	}
	return domain.EncryptedCredentials{
		PlatformUserID:   user.ID,
		PlatformUsername: user.Username,
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresAt:        pair.ExpiresAt,
	}, nil
}

func (s *tokenService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

// sanitizeRedirectPath keeps post-authorization redirects on the application host.
func sanitizeRedirectPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if strings.Contains(path, "://") || strings.HasPrefix(path, "//") || strings.ContainsAny(path, "\\\r\n") {
		return "", fmt.Errorf("%w: redirect_path must be a relative path", domainoauth.ErrInvalidRequest)
	}
	return strings.TrimLeft(path, "/"), nil
}

func secureRandomString(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, domainoauth.ErrAuthExchange),
		errors.Is(err, domainoauth.ErrInvalidOrExpiredState),
		errors.Is(err, domainoauth.ErrUnknownAgent),
		errors.Is(err, domainoauth.ErrNotAuthenticated):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}
