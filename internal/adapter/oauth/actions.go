package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	domainoauth "github.com/rayonlabs/squad-api/internal/domain/oauth"
)

type postRequest struct {
	Text         string     `json:"text"`
	Reply        *postReply `json:"reply,omitempty"`
	Media        *postMedia `json:"media,omitempty"`
	QuoteTweetID string     `json:"quote_tweet_id,omitempty"`
}

type postReply struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

type postMedia struct {
	MediaIDs []string `json:"media_ids"`
}

// PostContent creates a post, a reply when InReplyTo is set, or a quote when
// QuoteOf is set.
func (c *HTTPProviderClient) PostContent(ctx context.Context, accessToken string, in PostInput) (string, error) {
	body := postRequest{Text: in.Text, QuoteTweetID: in.QuoteOf}
	if in.InReplyTo != "" {
		body.Reply = &postReply{InReplyToTweetID: in.InReplyTo}
	}
	if len(in.MediaIDs) > 0 {
		body.Media = &postMedia{MediaIDs: in.MediaIDs}
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, "post", http.MethodPost, c.apiURL("/2/tweets"), accessToken, body, &resp); err != nil {
		return "", err
	}
	if resp.Data.ID == "" {
		return "", domainoauth.NewProviderError(domainoauth.ErrActionRejected, "post", http.StatusOK, "response missing post id")
	}
	return resp.Data.ID, nil
}

func (c *HTTPProviderClient) Follow(ctx context.Context, accessToken, sourceUserID, targetUserID string) (bool, error) {
	var resp struct {
		Data struct {
			Following bool `json:"following"`
			Pending   bool `json:"pending_follow"`
		} `json:"data"`
	}
	endpoint := c.apiURL("/2/users/" + url.PathEscape(sourceUserID) + "/following")
	if err := c.doJSON(ctx, "follow", http.MethodPost, endpoint, accessToken, map[string]string{"target_user_id": targetUserID}, &resp); err != nil {
		return false, err
	}
	return resp.Data.Following || resp.Data.Pending, nil
}

func (c *HTTPProviderClient) Like(ctx context.Context, accessToken, sourceUserID, postID string) (bool, error) {
	var resp struct {
		Data struct {
			Liked bool `json:"liked"`
		} `json:"data"`
	}
	endpoint := c.apiURL("/2/users/" + url.PathEscape(sourceUserID) + "/likes")
	if err := c.doJSON(ctx, "like", http.MethodPost, endpoint, accessToken, map[string]string{"tweet_id": postID}, &resp); err != nil {
		return false, err
	}
	return resp.Data.Liked, nil
}

func (c *HTTPProviderClient) Retweet(ctx context.Context, accessToken, sourceUserID, postID string) (bool, error) {
	var resp struct {
		Data struct {
			Retweeted bool `json:"retweeted"`
		} `json:"data"`
	}
	endpoint := c.apiURL("/2/users/" + url.PathEscape(sourceUserID) + "/retweets")
	if err := c.doJSON(ctx, "retweet", http.MethodPost, endpoint, accessToken, map[string]string{"tweet_id": postID}, &resp); err != nil {
		return false, err
	}
	return resp.Data.Retweeted, nil
}

// doJSON sends an authenticated JSON request. Transport failures wrap
// ErrTransport and non-2xx responses become ErrActionRejected provider errors.
func (c *HTTPProviderClient) doJSON(ctx context.Context, op, method, endpoint, accessToken string, in, out any) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, op, out)
}

func (c *HTTPProviderClient) do(req *http.Request, op string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domainoauth.ErrTransport, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", domainoauth.ErrTransport, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domainoauth.NewProviderError(domainoauth.ErrActionRejected, op, resp.StatusCode, providerDetail(body))
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return domainoauth.NewProviderError(domainoauth.ErrActionRejected, op, resp.StatusCode, "undecodable response: "+err.Error())
	}
	return nil
}
