package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rayonlabs/squad-api/internal/config"
	"github.com/rayonlabs/squad-api/internal/domain"
	domainoauth "github.com/rayonlabs/squad-api/internal/domain/oauth"
	"github.com/rayonlabs/squad-api/internal/http/handler"
	"github.com/rayonlabs/squad-api/internal/http/middleware"
	"github.com/rayonlabs/squad-api/internal/jwt"
	authsvc "github.com/rayonlabs/squad-api/internal/service/auth"
)

var tokenSecret = []byte("agent-token-secret-0123456789abcdef")

type fakeTokenService struct {
	startIn    authsvc.StartAuthorizationInput
	callbackIn authsvc.CallbackInput
	startErr   error
	completeFn func(authsvc.CallbackInput) (*authsvc.CompleteAuthorizationOutput, error)
}

func (f *fakeTokenService) StartAuthorization(_ context.Context, in authsvc.StartAuthorizationInput) (*authsvc.StartAuthorizationOutput, error) {
	f.startIn = in
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &authsvc.StartAuthorizationOutput{AuthorizationURL: "https://x.test/authorize?state=s1", State: "s1"}, nil
}

func (f *fakeTokenService) CompleteAuthorization(_ context.Context, in authsvc.CallbackInput) (*authsvc.CompleteAuthorizationOutput, error) {
	f.callbackIn = in
	return f.completeFn(in)
}

func (f *fakeTokenService) GetValidAccessToken(context.Context, string) (string, error) {
	return "", domainoauth.ErrNotAuthenticated
}

type gatewayCall struct {
	Method   string
	AgentID  string
	Text     string
	Reply    string
	Target   string
	MediaIDs []string
	Media    *domain.Media
}

type fakeGateway struct {
	mu    sync.Mutex
	calls []gatewayCall
	res   *domain.ActionResult
	err   error
}

func (f *fakeGateway) record(c gatewayCall) (*domain.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func (f *fakeGateway) last(t *testing.T) gatewayCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

func (f *fakeGateway) Execute(_ context.Context, agent domain.Agent, req domain.ActionRequest) (*domain.ActionResult, error) {
	return f.record(gatewayCall{Method: string(req.Kind), AgentID: agent.ID, Text: req.Text, Target: req.TargetID})
}

func (f *fakeGateway) Post(_ context.Context, agent domain.Agent, text, inReplyTo string, mediaIDs []string, media *domain.Media) (*domain.ActionResult, error) {
	return f.record(gatewayCall{Method: "post", AgentID: agent.ID, Text: text, Reply: inReplyTo, MediaIDs: mediaIDs, Media: media})
}

func (f *fakeGateway) UploadMedia(_ context.Context, agent domain.Agent, media domain.Media) (*domain.ActionResult, error) {
	return f.record(gatewayCall{Method: "media", AgentID: agent.ID, Media: &media})
}

func (f *fakeGateway) Follow(_ context.Context, agent domain.Agent, target string) (*domain.ActionResult, error) {
	return f.record(gatewayCall{Method: "follow", AgentID: agent.ID, Target: target})
}

func (f *fakeGateway) Like(_ context.Context, agent domain.Agent, target string) (*domain.ActionResult, error) {
	return f.record(gatewayCall{Method: "like", AgentID: agent.ID, Target: target})
}

func (f *fakeGateway) Retweet(_ context.Context, agent domain.Agent, target string) (*domain.ActionResult, error) {
	return f.record(gatewayCall{Method: "retweet", AgentID: agent.ID, Target: target})
}

func (f *fakeGateway) Quote(_ context.Context, agent domain.Agent, target, text string) (*domain.ActionResult, error) {
	return f.record(gatewayCall{Method: "quote", AgentID: agent.ID, Target: target, Text: text})
}

type agentStore struct{}

func (agentStore) FindByID(_ context.Context, agentID string) (domain.Agent, error) {
	if agentID != "agent-1" {
		return domain.Agent{}, domainoauth.ErrAgentNotFound
	}
	return domain.Agent{ID: "agent-1", PlatformUserID: "42"}, nil
}

func (agentStore) FindByPlatformUser(context.Context, string, string) (domain.Agent, error) {
	return domain.Agent{}, domainoauth.ErrAgentNotFound
}

func (agentStore) UpdateTokens(context.Context, string, domain.EncryptedCredentials) error {
	return nil
}

func (agentStore) ClearTokens(context.Context, string, string) (bool, error) {
	return false, nil
}

type harness struct {
	engine  *gin.Engine
	tokens  *fakeTokenService
	gateway *fakeGateway
	bearer  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		AppBaseURL:   "https://squad.test",
		XRedirectURI: "https://api.squad.test/x/callback",
	}
	tokens := &fakeTokenService{}
	gateway := &fakeGateway{res: &domain.ActionResult{PostID: "1001", MediaID: "m1", MediaStatus: "completed", State: true}}
	h := handler.NewXHandler(tokens, gateway, cfg, zap.NewNop())
	auth := middleware.NewAgentAuth(jwt.NewVerifier(tokenSecret, "squad"), agentStore{}, zap.NewNop())

	r := gin.New()
	x := r.Group("/x")
	x.GET("/auth", h.Authorize)
	x.GET("/callback", h.Callback)
	actions := x.Group("", auth.RequireScope(middleware.ScopeX))
	actions.POST("/tweet", h.Tweet)
	actions.POST("/media", h.Media)
	actions.POST("/follow", h.Follow)
	actions.POST("/like", h.Like)
	actions.POST("/retweet", h.Retweet)
	actions.POST("/quote", h.Quote)

	signer, err := jwt.NewSigner(tokenSecret, "squad")
	require.NoError(t, err)
	bearer, err := signer.Sign("agent-1", []string{"x"}, time.Hour)
	require.NoError(t, err)

	return &harness{engine: r, tokens: tokens, gateway: gateway, bearer: bearer}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func (h *harness) postJSON(path string, body any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.bearer)
	return h.do(req)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestAuthorizeRedirects(t *testing.T) {
	h := newHarness(t)

	w := h.do(httptest.NewRequest(http.MethodGet, "/x/auth?redirect_path=agents/7", nil))
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "https://x.test/authorize?state=s1", w.Header().Get("Location"))
	require.Equal(t, "agents/7", h.tokens.startIn.RedirectPath)
}

func TestAuthorizeInvalidRedirectPath(t *testing.T) {
	h := newHarness(t)
	h.tokens.startErr = fmt.Errorf("%w: redirect_path must be a relative path", domainoauth.ErrInvalidRequest)

	w := h.do(httptest.NewRequest(http.MethodGet, "/x/auth?redirect_path=https://evil.test", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_request", decode(t, w)["error"])
}

func TestCallbackSuccess(t *testing.T) {
	h := newHarness(t)
	h.tokens.completeFn = func(authsvc.CallbackInput) (*authsvc.CompleteAuthorizationOutput, error) {
		return &authsvc.CompleteAuthorizationOutput{RedirectPath: "agents/7"}, nil
	}

	w := h.do(httptest.NewRequest(http.MethodGet, "/x/callback?state=s1&code=c1", nil))
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "https://squad.test/agents/7", w.Header().Get("Location"))
	require.Equal(t, "s1", h.tokens.callbackIn.State)

	u, err := url.Parse(h.tokens.callbackIn.CallbackURL)
	require.NoError(t, err)
	require.Equal(t, "api.squad.test", u.Host)
	require.Equal(t, "c1", u.Query().Get("code"))
}

func TestCallbackDefaultRedirect(t *testing.T) {
	h := newHarness(t)
	h.tokens.completeFn = func(authsvc.CallbackInput) (*authsvc.CompleteAuthorizationOutput, error) {
		return &authsvc.CompleteAuthorizationOutput{}, nil
	}

	w := h.do(httptest.NewRequest(http.MethodGet, "/x/callback?state=s1&code=c1", nil))
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "https://squad.test/?x_auth_success=true", w.Header().Get("Location"))
}

func TestCallbackProviderError(t *testing.T) {
	h := newHarness(t)

	w := h.do(httptest.NewRequest(http.MethodGet, "/x/callback?error=access_denied&error_description=nope", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	require.Equal(t, "access_denied", body["error"])
	require.Equal(t, "nope", body["error_description"])
}

func TestCallbackErrorMapping(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
		code   string
	}{
		"expired state": {domainoauth.ErrInvalidOrExpiredState, http.StatusBadRequest, "invalid_state"},
		"unknown agent": {fmt.Errorf("%w: @someone", domainoauth.ErrUnknownAgent), http.StatusBadRequest, "unknown_agent"},
		"exchange":      {domainoauth.NewProviderError(domainoauth.ErrAuthExchange, "exchange", 400, "invalid_grant"), http.StatusBadRequest, "auth_exchange_failed"},
		"store down":    {fmt.Errorf("load pkce session: %w", domainoauth.ErrStoreUnavailable), http.StatusServiceUnavailable, "temporarily_unavailable"},
		"timeout":       {fmt.Errorf("exchange: %w: %w", domainoauth.ErrAuthExchange, domainoauth.ErrTransport), http.StatusGatewayTimeout, "upstream_timeout"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.tokens.completeFn = func(authsvc.CallbackInput) (*authsvc.CompleteAuthorizationOutput, error) {
				return nil, tc.err
			}
			w := h.do(httptest.NewRequest(http.MethodGet, "/x/callback?state=s1&code=c1", nil))
			require.Equal(t, tc.status, w.Code)
			require.Equal(t, tc.code, decode(t, w)["error"])
		})
	}
}

func TestTweetJSON(t *testing.T) {
	h := newHarness(t)

	w := h.postJSON("/x/tweet", map[string]any{"text": "hello", "in_reply_to": "900", "media_ids": []string{"m1", "m2"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "1001", decode(t, w)["post_id"])

	call := h.gateway.last(t)
	require.Equal(t, "post", call.Method)
	require.Equal(t, "agent-1", call.AgentID)
	require.Equal(t, "hello", call.Text)
	require.Equal(t, "900", call.Reply)
	require.Equal(t, []string{"m1", "m2"}, call.MediaIDs)
	require.Nil(t, call.Media)
}

func TestTweetNumericMediaIDs(t *testing.T) {
	h := newHarness(t)

	w := h.postJSON("/x/tweet", map[string]any{"text": "hi", "media_ids": []any{int64(1893456789012345678), "456"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, []string{"1893456789012345678", "456"}, h.gateway.last(t).MediaIDs)

	for name, ids := range map[string]any{
		"fraction": []any{1.5},
		"negative": []any{-7},
		"object":   []any{map[string]string{"id": "1"}},
	} {
		w := h.postJSON("/x/tweet", map[string]any{"text": "hi", "media_ids": ids})
		require.Equal(t, http.StatusBadRequest, w.Code, name)
		require.Equal(t, "invalid_request", decode(t, w)["error"], name)
	}
}

func TestTweetForm(t *testing.T) {
	h := newHarness(t)

	form := url.Values{"text": {"from a form"}, "media_ids": {"m1,m2"}}
	req := httptest.NewRequest(http.MethodPost, "/x/tweet", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+h.bearer)

	w := h.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	call := h.gateway.last(t)
	require.Equal(t, "from a form", call.Text)
	require.Equal(t, []string{"m1", "m2"}, call.MediaIDs)
}

func multipartRequest(t *testing.T, path, bearer string, fields map[string]string, file []byte, contentType string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="media"; filename="pic.png"`)
		header.Set("Content-Type", contentType)
		part, err := mw.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+bearer)
	return req
}

func TestTweetMultipartWithMedia(t *testing.T) {
	h := newHarness(t)
	png := []byte("\x89PNG\r\n\x1a\nrest")

	w := h.do(multipartRequest(t, "/x/tweet", h.bearer, map[string]string{"text": "look"}, png, "image/png"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	call := h.gateway.last(t)
	require.Equal(t, "look", call.Text)
	require.NotNil(t, call.Media)
	require.Equal(t, png, call.Media.Data)
	require.Equal(t, "image/png", call.Media.ContentType)
	require.Equal(t, "pic.png", call.Media.Filename)
}

func TestMediaUpload(t *testing.T) {
	h := newHarness(t)

	w := h.do(multipartRequest(t, "/x/media", h.bearer, nil, []byte("GIF89a..."), "image/gif"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	require.Equal(t, "m1", body["media_id"])
	require.Equal(t, "completed", body["status"])
}

func TestMediaUploadRequiresFile(t *testing.T) {
	h := newHarness(t)

	w := h.do(multipartRequest(t, "/x/media", h.bearer, map[string]string{"text": "no file"}, nil, ""))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_request", decode(t, w)["error"])
}

func TestSocialActionResponses(t *testing.T) {
	cases := []struct {
		path   string
		body   map[string]any
		method string
		target string
		key    string
	}{
		{"/x/follow", map[string]any{"user_id": "77"}, "follow", "77", "following"},
		{"/x/like", map[string]any{"tweet_id": "88"}, "like", "88", "liked"},
		{"/x/retweet", map[string]any{"tweet_id": "99"}, "retweet", "99", "retweeted"},
	}
	for _, tc := range cases {
		t.Run(tc.method, func(t *testing.T) {
			h := newHarness(t)
			w := h.postJSON(tc.path, tc.body)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			body := decode(t, w)
			require.Equal(t, true, body["success"])
			require.Equal(t, true, body[tc.key])

			call := h.gateway.last(t)
			require.Equal(t, tc.method, call.Method)
			require.Equal(t, tc.target, call.Target)
		})
	}
}

func TestQuote(t *testing.T) {
	h := newHarness(t)

	w := h.postJSON("/x/quote", map[string]any{"tweet_id": "555", "text": "this"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "1001", decode(t, w)["post_id"])

	call := h.gateway.last(t)
	require.Equal(t, "quote", call.Method)
	require.Equal(t, "555", call.Target)
	require.Equal(t, "this", call.Text)
}

func TestActionErrorMapping(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
		code   string
	}{
		"invalid":        {fmt.Errorf("%w: text is required", domainoauth.ErrInvalidRequest), http.StatusBadRequest, "invalid_request"},
		"not linked":     {domainoauth.ErrNotAuthenticated, http.StatusUnauthorized, "not_authenticated"},
		"refresh reject": {fmt.Errorf("%w: %w", domainoauth.ErrNotAuthenticated, domainoauth.ErrAuthExchange), http.StatusUnauthorized, "not_authenticated"},
		"moderated":      {domainoauth.ErrModerationRejected, http.StatusForbidden, "content_rejected"},
		"too large":      {domainoauth.ErrMediaTooLarge, http.StatusRequestEntityTooLarge, "media_too_large"},
		"unsupported":    {domainoauth.ErrUnsupportedMediaType, http.StatusUnsupportedMediaType, "unsupported_media_type"},
		"video":          {domainoauth.ErrUnsupportedVideoModeration, http.StatusUnprocessableEntity, "unsupported_video_moderation"},
		"decryption":     {domainoauth.ErrDecryption, http.StatusInternalServerError, "server_error"},
		"moderation down": {
			fmt.Errorf("%w: hate speech", domainoauth.ErrModerationUnavailable), http.StatusServiceUnavailable, "temporarily_unavailable",
		},
		"transport": {fmt.Errorf("post: %w", domainoauth.ErrTransport), http.StatusGatewayTimeout, "upstream_timeout"},
		"other":     {fmt.Errorf("boom"), http.StatusInternalServerError, "server_error"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.gateway.err = tc.err
			w := h.postJSON("/x/tweet", map[string]any{"text": "hi"})
			require.Equal(t, tc.status, w.Code)
			require.Equal(t, tc.code, decode(t, w)["error"])
		})
	}
}

func TestActionFailedCarriesProviderDetail(t *testing.T) {
	h := newHarness(t)
	h.gateway.err = &domainoauth.ActionFailedError{Action: "like", Status: 403, Detail: "You are not allowed to like this Tweet."}

	w := h.postJSON("/x/like", map[string]any{"tweet_id": "1"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	require.Equal(t, "action_failed", body["error"])
	require.Equal(t, "You are not allowed to like this Tweet.", body["error_description"])
}

func TestActionsRequireBearer(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/x/tweet", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	w := h.do(req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Empty(t, h.gateway.calls)
}
