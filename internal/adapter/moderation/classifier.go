// Package moderation calls the hosted hate-speech and NSFW classifiers.
package moderation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rayonlabs/squad-api/internal/jwt"
)

const (
	labelHateSpeech = "hate speech"
	labelNSFW       = "nsfw"

	serviceTokenTTL  = 5 * time.Minute
	maxResponseBytes = 1 << 20
)

// TextClassifier flags hateful text.
type TextClassifier interface {
	ContainsHateSpeech(ctx context.Context, texts ...string) (bool, error)
}

// ImageClassifier flags NSFW images.
type ImageClassifier interface {
	ContainsNSFW(ctx context.Context, image []byte) (bool, error)
}

// Config holds classifier endpoints and the service identity used to call them.
type Config struct {
	HateSpeechURL string
	NSFWURL       string
	Subject       string
	Timeout       time.Duration
}

// HTTPClassifier implements both classifiers over HTTP with a short-lived
// service bearer token.
type HTTPClassifier struct {
	cfg        Config
	signer     *jwt.Signer
	httpClient *http.Client
	logger     *zap.Logger
}

var (
	_ TextClassifier  = (*HTTPClassifier)(nil)
	_ ImageClassifier = (*HTTPClassifier)(nil)
)

func NewHTTPClassifier(cfg Config, signer *jwt.Signer, client *http.Client, logger *zap.Logger) *HTTPClassifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &HTTPClassifier{cfg: cfg, signer: signer, httpClient: client, logger: logger.Named("moderation")}
}

type labelResult struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// ContainsHateSpeech reports whether any of texts is labelled hate speech.
func (c *HTTPClassifier) ContainsHateSpeech(ctx context.Context, texts ...string) (bool, error) {
	if len(texts) == 0 {
		return false, nil
	}
	var results []labelResult
	if err := c.call(ctx, c.cfg.HateSpeechURL, map[string]any{"texts": texts}, &results); err != nil {
		return false, fmt.Errorf("hate speech classifier: %w", err)
	}
	for idx, item := range results {
		if strings.EqualFold(item.Label, labelHateSpeech) {
			c.logger.Warn("hate speech detected", zap.Int("index", idx), zap.Float64("score", item.Score))
			return true, nil
		}
	}
	return false, nil
}

// ContainsNSFW reports whether image is labelled nsfw.
func (c *HTTPClassifier) ContainsNSFW(ctx context.Context, image []byte) (bool, error) {
	var result labelResult
	payload := map[string]any{"image_b64": base64.StdEncoding.EncodeToString(image)}
	if err := c.call(ctx, c.cfg.NSFWURL, payload, &result); err != nil {
		return false, fmt.Errorf("nsfw classifier: %w", err)
	}
	if strings.EqualFold(result.Label, labelNSFW) {
		c.logger.Warn("nsfw content detected", zap.Float64("score", result.Score))
		return true, nil
	}
	return false, nil
}

func (c *HTTPClassifier) call(ctx context.Context, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.signer != nil {
		token, err := c.signer.Sign(c.cfg.Subject, nil, serviceTokenTTL)
		if err != nil {
			return fmt.Errorf("sign service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
