// Package action validates, moderates, and executes outbound X actions.
package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rayonlabs/squad-api/internal/adapter/moderation"
	oauthadapter "github.com/rayonlabs/squad-api/internal/adapter/oauth"
	"github.com/rayonlabs/squad-api/internal/config"
	"github.com/rayonlabs/squad-api/internal/domain"
	domainoauth "github.com/rayonlabs/squad-api/internal/domain/oauth"
	"github.com/rayonlabs/squad-api/internal/metrics"
)

// Gateway executes outbound actions on behalf of an agent.
type Gateway interface {
	Execute(ctx context.Context, agent domain.Agent, req domain.ActionRequest) (*domain.ActionResult, error)
	Post(ctx context.Context, agent domain.Agent, text, inReplyTo string, mediaIDs []string, media *domain.Media) (*domain.ActionResult, error)
	UploadMedia(ctx context.Context, agent domain.Agent, media domain.Media) (*domain.ActionResult, error)
	Follow(ctx context.Context, agent domain.Agent, targetUserID string) (*domain.ActionResult, error)
	Like(ctx context.Context, agent domain.Agent, postID string) (*domain.ActionResult, error)
	Retweet(ctx context.Context, agent domain.Agent, postID string) (*domain.ActionResult, error)
	Quote(ctx context.Context, agent domain.Agent, postID, text string) (*domain.ActionResult, error)
}

// TokenSource hands out a usable access token for an agent.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, agentID string) (string, error)
}

type gateway struct {
	tokens   TokenSource
	provider oauthadapter.ProviderClient
	text     moderation.TextClassifier
	images   moderation.ImageClassifier
	validate *validator.Validate
	cfg      config.Config
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewGateway wires the action gateway.
func NewGateway(
	tokens TokenSource,
	provider oauthadapter.ProviderClient,
	text moderation.TextClassifier,
	images moderation.ImageClassifier,
	cfg config.Config,
	tracer trace.Tracer,
	logger *zap.Logger,
) Gateway {
	if tracer == nil {
		tracer = otel.Tracer("github.com/rayonlabs/squad-api/internal/service/action")
	}
	if cfg.XMaxTextLen <= 0 {
		cfg.XMaxTextLen = 280
	}
	if cfg.VideoModerationPolicy == "" {
		cfg.VideoModerationPolicy = config.VideoModerationAllow
	}
	return &gateway{
		tokens:   tokens,
		provider: provider,
		text:     text,
		images:   images,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
		tracer:   tracer,
		logger:   logger,
	}
}

func (g *gateway) Post(ctx context.Context, agent domain.Agent, text, inReplyTo string, mediaIDs []string, media *domain.Media) (*domain.ActionResult, error) {
	return g.Execute(ctx, agent, domain.ActionRequest{Kind: domain.ActionPost, Text: text, InReplyTo: inReplyTo, MediaIDs: mediaIDs, Media: media})
}

func (g *gateway) UploadMedia(ctx context.Context, agent domain.Agent, media domain.Media) (*domain.ActionResult, error) {
	return g.Execute(ctx, agent, domain.ActionRequest{Kind: domain.ActionMedia, Media: &media})
}

func (g *gateway) Follow(ctx context.Context, agent domain.Agent, targetUserID string) (*domain.ActionResult, error) {
	return g.Execute(ctx, agent, domain.ActionRequest{Kind: domain.ActionFollow, TargetID: targetUserID})
}

func (g *gateway) Like(ctx context.Context, agent domain.Agent, postID string) (*domain.ActionResult, error) {
	return g.Execute(ctx, agent, domain.ActionRequest{Kind: domain.ActionLike, TargetID: postID})
}

func (g *gateway) Retweet(ctx context.Context, agent domain.Agent, postID string) (*domain.ActionResult, error) {
	return g.Execute(ctx, agent, domain.ActionRequest{Kind: domain.ActionRetweet, TargetID: postID})
}

func (g *gateway) Quote(ctx context.Context, agent domain.Agent, postID, text string) (*domain.ActionResult, error) {
	return g.Execute(ctx, agent, domain.ActionRequest{Kind: domain.ActionQuote, TargetID: postID, Text: text})
}

// Execute runs validation, the media gate, and moderation before any call
// that needs the agent's access token.
func (g *gateway) Execute(ctx context.Context, agent domain.Agent, req domain.ActionRequest) (_ *domain.ActionResult, err error) {
	ctx, span := g.tracer.Start(ctx, "action."+string(req.Kind), trace.WithAttributes(
		attribute.String("agent.id", agent.ID),
		attribute.String("action.kind", string(req.Kind)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.ActionsTotal.WithLabelValues(string(req.Kind), outcome(err)).Inc()
	}()

	if err := g.validateShape(req); err != nil {
		return nil, err
	}

	var media *inspectedMedia
	if req.Media != nil {
		media, err = inspectMedia(*req.Media)
		if err != nil {
			return nil, err
		}
	}

	if err := g.moderate(ctx, req.Text, media); err != nil {
		return nil, err
	}

	accessToken, err := g.tokens.GetValidAccessToken(ctx, agent.ID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result, err := g.dispatch(ctx, agent, accessToken, req, media)
	metrics.ActionDuration.WithLabelValues(string(req.Kind)).Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, translate(req.Kind, err)
	}
	g.log().Info("x action completed",
		zap.String("agent_id", agent.ID),
		zap.String("kind", string(req.Kind)),
		zap.String("post_id", result.PostID),
		zap.String("media_id", result.MediaID),
	)
	return result, nil
}

func (g *gateway) dispatch(ctx context.Context, agent domain.Agent, accessToken string, req domain.ActionRequest, media *inspectedMedia) (*domain.ActionResult, error) {
	result := &domain.ActionResult{Kind: req.Kind}

	switch req.Kind {
	case domain.ActionMedia:
		upload, err := g.provider.UploadMedia(ctx, accessToken, media.input())
		if err != nil {
			return nil, err
		}
		result.MediaID, result.MediaStatus = upload.MediaID, upload.Status
		return result, nil

	case domain.ActionPost, domain.ActionQuote:
		in := oauthadapter.PostInput{Text: req.Text, MediaIDs: req.MediaIDs, InReplyTo: req.InReplyTo}
		if req.Kind == domain.ActionQuote {
			in.QuoteOf = req.TargetID
		}
		if media != nil {
			upload, err := g.provider.UploadMedia(ctx, accessToken, media.input())
			if err != nil {
				return nil, err
			}
			result.MediaID, result.MediaStatus = upload.MediaID, upload.Status
			in.MediaIDs = append(append([]string(nil), in.MediaIDs...), upload.MediaID)
		}
		postID, err := g.provider.PostContent(ctx, accessToken, in)
		if err != nil {
			return nil, err
		}
		result.PostID = postID
		return result, nil
	}

	if agent.PlatformUserID == "" {
		return nil, fmt.Errorf("%w: agent has no linked x user id", domainoauth.ErrNotAuthenticated)
	}
	var (
		state bool
		err   error
	)
	switch req.Kind {
	case domain.ActionFollow:
		state, err = g.provider.Follow(ctx, accessToken, agent.PlatformUserID, req.TargetID)
	case domain.ActionLike:
		state, err = g.provider.Like(ctx, accessToken, agent.PlatformUserID, req.TargetID)
	case domain.ActionRetweet:
		state, err = g.provider.Retweet(ctx, accessToken, agent.PlatformUserID, req.TargetID)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", domainoauth.ErrInvalidRequest, req.Kind)
	}
	if err != nil {
		return nil, err
	}
	result.State = state
	return result, nil
}

// translate maps provider rejections to the caller-visible ActionFailed.
func translate(kind domain.ActionKind, err error) error {
	if !errors.Is(err, domainoauth.ErrActionRejected) {
		return err
	}
	failed := &domainoauth.ActionFailedError{Action: string(kind), Detail: err.Error()}
	var perr *domainoauth.ProviderError
	if errors.As(err, &perr) {
		failed.Status = perr.Status
		failed.Detail = perr.Detail
	}
	return failed
}

func (g *gateway) validateShape(req domain.ActionRequest) error {
	if err := g.validate.Struct(newShape(req)); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", domainoauth.ErrInvalidRequest, describe(verrs))
		}
		return fmt.Errorf("%w: %v", domainoauth.ErrInvalidRequest, err)
	}
	if req.Kind == domain.ActionPost || req.Kind == domain.ActionQuote {
		if strings.TrimSpace(req.Text) == "" {
			return fmt.Errorf("%w: text is required", domainoauth.ErrInvalidRequest)
		}
	}
	if n := utf8.RuneCountInString(req.Text); n > g.cfg.XMaxTextLen {
		return fmt.Errorf("%w: text is %d characters, limit is %d", domainoauth.ErrInvalidRequest, n, g.cfg.XMaxTextLen)
	}
	if req.Kind == domain.ActionMedia && req.Media == nil {
		return fmt.Errorf("%w: media is required", domainoauth.ErrInvalidRequest)
	}
	return nil
}

func (g *gateway) log() *zap.Logger {
	if g != nil && g.logger != nil {
		return g.logger
	}
	return zap.L()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, domainoauth.ErrInvalidRequest),
		errors.Is(err, domainoauth.ErrModerationRejected),
		errors.Is(err, domainoauth.ErrUnsupportedMediaType),
		errors.Is(err, domainoauth.ErrMediaTooLarge),
		errors.Is(err, domainoauth.ErrUnsupportedVideoModeration),
		errors.Is(err, domainoauth.ErrActionFailed):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}
