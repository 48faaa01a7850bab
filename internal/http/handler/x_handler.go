package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rayonlabs/squad-api/internal/config"
	"github.com/rayonlabs/squad-api/internal/domain"
	domainoauth "github.com/rayonlabs/squad-api/internal/domain/oauth"
	"github.com/rayonlabs/squad-api/internal/http/middleware"
	"github.com/rayonlabs/squad-api/internal/service/action"
	authsvc "github.com/rayonlabs/squad-api/internal/service/auth"
)

// MaxUploadBytes caps any single media upload read from a request.
const MaxUploadBytes = 512 << 20

const defaultPostAuthPath = "?x_auth_success=true"

// XHandler serves the X authorization and action endpoints.
type XHandler struct {
	Tokens  authsvc.TokenService
	Gateway action.Gateway
	Config  config.Config
	Logger  *zap.Logger
}

// NewXHandler creates the handler set.
func NewXHandler(tokens authsvc.TokenService, gateway action.Gateway, cfg config.Config, logger *zap.Logger) *XHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &XHandler{Tokens: tokens, Gateway: gateway, Config: cfg, Logger: logger}
}

// Authorize starts the PKCE flow and redirects to X.
func (h *XHandler) Authorize(c *gin.Context) {
	out, err := h.Tokens.StartAuthorization(c.Request.Context(), authsvc.StartAuthorizationInput{
		RedirectPath: c.Query("redirect_path"),
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Redirect(http.StatusFound, out.AuthorizationURL)
}

// Callback completes the flow, stores the agent's tokens, and sends the
// browser back to the application.
func (h *XHandler) Callback(c *gin.Context) {
	if code := strings.TrimSpace(c.Query("error")); code != "" {
		desc := strings.TrimSpace(c.Query("error_description"))
		if desc == "" {
			desc = "Authorization was not granted."
		}
		h.Logger.Warn("x authorization denied", zap.String("error", code))
		c.JSON(http.StatusBadRequest, gin.H{"error": code, "error_description": desc})
		return
	}

	out, err := h.Tokens.CompleteAuthorization(c.Request.Context(), authsvc.CallbackInput{
		State:       c.Query("state"),
		CallbackURL: h.callbackURL(c.Request),
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	path := out.RedirectPath
	if path == "" {
		path = defaultPostAuthPath
	}
	c.Redirect(http.StatusFound, h.Config.AppBaseURL+"/"+path)
}

// Tweet posts text with optional reply target, media IDs, or an attached file.
func (h *XHandler) Tweet(c *gin.Context) {
	agent, ok := h.agent(c)
	if !ok {
		return
	}

	var req struct {
		Text      string   `json:"text" form:"text"`
		InReplyTo string   `json:"in_reply_to" form:"in_reply_to"`
		MediaIDs  mediaIDList `json:"media_ids" form:"media_ids"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid request body."})
		return
	}

	media, err := readMedia(c, "media", false)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	res, err := h.Gateway.Post(c.Request.Context(), agent, req.Text, req.InReplyTo, splitIDs(req.MediaIDs), media)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"post_id": res.PostID})
}

// Media uploads a file and returns its media ID for a later post.
func (h *XHandler) Media(c *gin.Context) {
	agent, ok := h.agent(c)
	if !ok {
		return
	}
	media, err := readMedia(c, "media", true)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	res, err := h.Gateway.UploadMedia(c.Request.Context(), agent, *media)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"media_id": res.MediaID, "status": res.MediaStatus})
}

// Follow follows a user.
func (h *XHandler) Follow(c *gin.Context) {
	agent, ok := h.agent(c)
	if !ok {
		return
	}
	var req struct {
		UserID string `json:"user_id" form:"user_id"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid request body."})
		return
	}
	res, err := h.Gateway.Follow(c.Request.Context(), agent, req.UserID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "following": res.State})
}

// Like likes a post.
func (h *XHandler) Like(c *gin.Context) {
	agent, ok := h.agent(c)
	if !ok {
		return
	}
	var req postTarget
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid request body."})
		return
	}
	res, err := h.Gateway.Like(c.Request.Context(), agent, req.TweetID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "liked": res.State})
}

// Retweet reposts a post.
func (h *XHandler) Retweet(c *gin.Context) {
	agent, ok := h.agent(c)
	if !ok {
		return
	}
	var req postTarget
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid request body."})
		return
	}
	res, err := h.Gateway.Retweet(c.Request.Context(), agent, req.TweetID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "retweeted": res.State})
}

// Quote posts text quoting another post.
func (h *XHandler) Quote(c *gin.Context) {
	agent, ok := h.agent(c)
	if !ok {
		return
	}
	var req struct {
		postTarget
		Text string `json:"text" form:"text"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid request body."})
		return
	}
	res, err := h.Gateway.Quote(c.Request.Context(), agent, req.TweetID, req.Text)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"post_id": res.PostID})
}

// Healthz reports liveness.
func (h *XHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type postTarget struct {
	TweetID string `json:"tweet_id" form:"tweet_id"`
}

func (h *XHandler) agent(c *gin.Context) (domain.Agent, bool) {
	agent, ok := middleware.GetAgent(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Agent not resolved."})
		return domain.Agent{}, false
	}
	return agent, true
}

// callbackURL rebuilds the redirect X sent the browser to from the
// registered callback, so proxies cannot alter the URL handed to the
// token exchange.
func (h *XHandler) callbackURL(r *http.Request) string {
	base := h.Config.XRedirectURI
	if base == "" {
		base = fmt.Sprintf("%s://%s%s", schemeOnly(r), r.Host, r.URL.Path)
	}
	if r.URL.RawQuery == "" {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + r.URL.RawQuery
}

func readMedia(c *gin.Context, field string, required bool) (*domain.Media, error) {
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		if required {
			return nil, fmt.Errorf("%w: multipart field %q required", domainoauth.ErrInvalidRequest, field)
		}
		return nil, nil
	}
	header, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		if required {
			return nil, fmt.Errorf("%w: multipart field %q required", domainoauth.ErrInvalidRequest, field)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domainoauth.ErrInvalidRequest, err)
	}
	if header.Size > MaxUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes", domainoauth.ErrMediaTooLarge, header.Size)
	}
	return openMedia(header)
}

func openMedia(header *multipart.FileHeader) (*domain.Media, error) {
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) > MaxUploadBytes {
		return nil, fmt.Errorf("%w: upload exceeds %d bytes", domainoauth.ErrMediaTooLarge, MaxUploadBytes)
	}
	return &domain.Media{
		Data:        data,
		ContentType: header.Header.Get("Content-Type"),
		Filename:    header.Filename,
	}, nil
}

// mediaIDList decodes media_ids given as JSON strings or as integers. X
// media ids exceed 2^53, so numbers are kept as their literal digits.
type mediaIDList []string

func (l *mediaIDList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ids := make(mediaIDList, 0, len(raw))
	for _, item := range raw {
		var id string
		if err := json.Unmarshal(item, &id); err == nil {
			ids = append(ids, id)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item, &n); err != nil {
			return fmt.Errorf("media_ids: %s is not a string or integer", item)
		}
		if _, err := strconv.ParseUint(n.String(), 10, 64); err != nil {
			return fmt.Errorf("media_ids: %s is not a media id", n)
		}
		ids = append(ids, n.String())
	}
	*l = ids
	return nil
}

// splitIDs accepts repeated fields as well as comma-separated lists.
func splitIDs(values []string) []string {
	var ids []string
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func (h *XHandler) respondServiceError(c *gin.Context, err error) {
	logger := h.Logger
	var failed *domainoauth.ActionFailedError
	switch {
	case errors.Is(err, domainoauth.ErrNotAuthenticated):
		logger.Info("agent not authenticated with x", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not_authenticated", "error_description": "Agent has not authorized X access."})
	case errors.Is(err, domainoauth.ErrTransport):
		logger.Warn("x unreachable", zap.Error(err))
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "upstream_timeout", "error_description": "X did not respond in time."})
	case errors.As(err, &failed):
		logger.Warn("x action failed", zap.String("action", failed.Action), zap.Int("status", failed.Status))
		c.JSON(http.StatusBadRequest, gin.H{"error": "action_failed", "error_description": failed.Detail})
	case errors.Is(err, domainoauth.ErrInvalidOrExpiredState):
		logger.Warn("x callback state rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state", "error_description": "Invalid or expired state."})
	case errors.Is(err, domainoauth.ErrUnknownAgent):
		logger.Warn("x account not linked", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_agent", "error_description": err.Error()})
	case errors.Is(err, domainoauth.ErrAuthExchange):
		logger.Warn("x token exchange failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "auth_exchange_failed", "error_description": err.Error()})
	case errors.Is(err, domainoauth.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
	case errors.Is(err, domainoauth.ErrModerationRejected):
		logger.Info("content rejected by moderation", zap.Error(err))
		c.JSON(http.StatusForbidden, gin.H{"error": "content_rejected", "error_description": err.Error()})
	case errors.Is(err, domainoauth.ErrMediaTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "media_too_large", "error_description": err.Error()})
	case errors.Is(err, domainoauth.ErrUnsupportedMediaType):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported_media_type", "error_description": err.Error()})
	case errors.Is(err, domainoauth.ErrUnsupportedVideoModeration):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unsupported_video_moderation", "error_description": "Video content cannot be moderated."})
	case errors.Is(err, domainoauth.ErrStoreUnavailable), errors.Is(err, domainoauth.ErrModerationUnavailable):
		logger.Error("dependency unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily_unavailable", "error_description": "A dependency is unavailable. Retry later."})
	default:
		logger.Error("x service failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
	}
}

func schemeOnly(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return scheme
}
