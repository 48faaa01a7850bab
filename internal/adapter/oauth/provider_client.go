package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/rayonlabs/squad-api/internal/domain"
	domainoauth "github.com/rayonlabs/squad-api/internal/domain/oauth"
)

const (
	defaultHTTPTimeout   = 15 * time.Second
	defaultTokenLifetime = 2 * time.Hour
	stateEntropyBytes    = 32
	maxResponseBytes     = 1 << 20
)

// ProviderClient is the X capability surface used by the token and action services.
type ProviderClient interface {
	AuthorizationURL(codeVerifier string) (authURL, state string, err error)
	ExchangeCode(ctx context.Context, callbackURL, codeVerifier string) (domainoauth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (domainoauth.TokenPair, error)
	IdentifyUser(ctx context.Context, accessToken string) (domainoauth.PlatformUser, error)

	PostContent(ctx context.Context, accessToken string, in PostInput) (string, error)
	UploadMedia(ctx context.Context, accessToken string, in MediaInput) (MediaUpload, error)
	Follow(ctx context.Context, accessToken, sourceUserID, targetUserID string) (bool, error)
	Like(ctx context.Context, accessToken, sourceUserID, postID string) (bool, error)
	Retweet(ctx context.Context, accessToken, sourceUserID, postID string) (bool, error)
}

// PostInput describes a post, reply, or quote.
type PostInput struct {
	Text      string
	MediaIDs  []string
	InReplyTo string
	QuoteOf   string
}

// MediaInput is a media payload that already passed the gateway's type gate.
type MediaInput struct {
	Data        []byte
	ContentType string
	Category    domain.MediaCategory
}

// MediaUpload reports the outcome of a media upload.
type MediaUpload struct {
	MediaID string
	// Status is "completed" or "processing".
	Status string
}

// HTTPProviderClient talks to the X OAuth2 and v2 APIs.
type HTTPProviderClient struct {
	cfg        domainoauth.ProviderConfig
	oauth      *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient.
func NewHTTPProviderClient(cfg domainoauth.ProviderConfig, client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPProviderClient{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       append([]string(nil), cfg.Scopes...),
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient: client,
		now:        time.Now,
	}
}

// AuthorizationURL builds the authorize URL with an S256 challenge and a
// freshly generated state.
func (c *HTTPProviderClient) AuthorizationURL(codeVerifier string) (string, string, error) {
	if n := len(codeVerifier); n < 43 || n > 128 {
		return "", "", fmt.Errorf("%w: code verifier must be 43-128 characters", domainoauth.ErrInvalidRequest)
	}
	state, err := randomState()
	if err != nil {
		return "", "", err
	}
	return c.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(codeVerifier)), state, nil
}

// ExchangeCode parses the provider callback and trades its code for tokens.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, callbackURL, codeVerifier string) (domainoauth.TokenPair, error) {
	parsed, err := url.Parse(callbackURL)
	if err != nil {
		return domainoauth.TokenPair{}, fmt.Errorf("%w: malformed callback url", domainoauth.ErrAuthExchange)
	}
	query := parsed.Query()
	if providerErr := strings.TrimSpace(query.Get("error")); providerErr != "" {
		detail := providerErr
		if desc := strings.TrimSpace(query.Get("error_description")); desc != "" {
			detail += ": " + desc
		}
		return domainoauth.TokenPair{}, domainoauth.NewProviderError(domainoauth.ErrAuthExchange, "authorize", 0, detail)
	}
	code := strings.TrimSpace(query.Get("code"))
	if code == "" {
		return domainoauth.TokenPair{}, fmt.Errorf("%w: callback missing code", domainoauth.ErrAuthExchange)
	}

	tok, err := c.oauth.Exchange(c.clientContext(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		if isTransport(err) {
			return domainoauth.TokenPair{}, fmt.Errorf("%w: %w: exchange code: %v", domainoauth.ErrAuthExchange, domainoauth.ErrTransport, err)
		}
		return domainoauth.TokenPair{}, tokenError("exchange code", err)
	}
	return c.tokenPair(tok), nil
}

// Refresh trades a refresh token for a new pair. Rejections are never retried.
func (c *HTTPProviderClient) Refresh(ctx context.Context, refreshToken string) (domainoauth.TokenPair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return domainoauth.TokenPair{}, fmt.Errorf("%w: empty refresh token", domainoauth.ErrAuthExchange)
	}
	tok, err := c.oauth.TokenSource(c.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		if isTransport(err) {
			return domainoauth.TokenPair{}, fmt.Errorf("%w: refresh token: %v", domainoauth.ErrTransport, err)
		}
		return domainoauth.TokenPair{}, tokenError("refresh token", err)
	}
	return c.tokenPair(tok), nil
}

// IdentifyUser resolves the account behind accessToken.
func (c *HTTPProviderClient) IdentifyUser(ctx context.Context, accessToken string) (domainoauth.PlatformUser, error) {
	var resp struct {
		Data struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"data"`
	}
	err := c.doJSON(ctx, "identify user", http.MethodGet, c.apiURL("/2/users/me"), accessToken, nil, &resp)
	if err != nil {
		var perr *domainoauth.ProviderError
		if errors.As(err, &perr) {
			return domainoauth.PlatformUser{}, domainoauth.NewProviderError(domainoauth.ErrAuthExchange, perr.Op, perr.Status, perr.Detail)
		}
		return domainoauth.PlatformUser{}, err
	}
	if resp.Data.ID == "" {
		return domainoauth.PlatformUser{}, fmt.Errorf("%w: identify user: empty user id", domainoauth.ErrAuthExchange)
	}
	return domainoauth.PlatformUser{ID: resp.Data.ID, Username: resp.Data.Username}, nil
}

func (c *HTTPProviderClient) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *HTTPProviderClient) tokenPair(tok *oauth2.Token) domainoauth.TokenPair {
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = c.now().Add(defaultTokenLifetime)
	}
	return domainoauth.TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt.UTC(),
	}
}

func (c *HTTPProviderClient) apiURL(path string) string {
	return strings.TrimRight(c.cfg.APIBaseURL, "/") + path
}

func tokenError(op string, err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		status := 0
		if retrieve.Response != nil {
			status = retrieve.Response.StatusCode
		}
		detail := retrieve.ErrorCode
		if retrieve.ErrorDescription != "" {
			detail = strings.TrimSpace(detail + ": " + retrieve.ErrorDescription)
		}
		if detail == "" {
			detail = providerDetail(retrieve.Body)
		}
		return domainoauth.NewProviderError(domainoauth.ErrAuthExchange, op, status, detail)
	}
	return fmt.Errorf("%w: %s: %v", domainoauth.ErrAuthExchange, op, err)
}

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func randomState() (string, error) {
	buf := make([]byte, stateEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// providerDetail extracts a human-readable message from an X error body.
func providerDetail(body []byte) string {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err == nil {
		var first any
		if list, ok := raw["errors"].([]any); ok && len(list) > 0 {
			if item, ok := list[0].(map[string]any); ok {
				first = coalesce(item["message"], item["detail"])
			}
		}
		if msg := stringValue(coalesce(raw["detail"], raw["error_description"], first, raw["title"], raw["error"])); msg != "" {
			return msg
		}
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > 512 {
		detail = detail[:512]
	}
	if detail == "" {
		return "empty response"
	}
	return detail
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func coalesce(values ...any) any {
	for _, v := range values {
		switch val := v.(type) {
		case string:
			if strings.TrimSpace(val) != "" {
				return v
			}
		case nil:
			continue
		default:
			return v
		}
	}
	return nil
}
