package moderation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rayonlabs/squad-api/internal/jwt"
)

var testSecret = []byte("classifier-secret-0123456789abcdef")

func newClassifier(t *testing.T, handler http.HandlerFunc) *HTTPClassifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	signer, err := jwt.NewSigner(testSecret, "squad")
	require.NoError(t, err)
	return NewHTTPClassifier(Config{
		HateSpeechURL: srv.URL + "/predict",
		NSFWURL:       srv.URL + "/image",
		Subject:       "default-user",
		Timeout:       time.Second,
	}, signer, nil, zap.NewNop())
}

func TestContainsHateSpeech(t *testing.T) {
	var gotTexts []string
	c := newClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict", r.URL.Path)
		claims, err := jwt.NewVerifier(testSecret, "squad").Verify(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		assert.NoError(t, err)
		assert.Equal(t, "default-user", claims.Subject)

		var body struct {
			Texts []string `json:"texts"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotTexts = body.Texts
		results := make([]map[string]any, len(body.Texts))
		for i, text := range body.Texts {
			label := "neutral"
			if strings.Contains(text, "slur") {
				label = "hate speech"
			}
			results[i] = map[string]any{"label": label, "score": 0.9}
		}
		_ = json.NewEncoder(w).Encode(results)
	})

	flagged, err := c.ContainsHateSpeech(context.Background(), "hello world")
	require.NoError(t, err)
	require.False(t, flagged)
	require.Equal(t, []string{"hello world"}, gotTexts)

	flagged, err = c.ContainsHateSpeech(context.Background(), "fine", "a slur here")
	require.NoError(t, err)
	require.True(t, flagged)
}

func TestContainsNSFW(t *testing.T) {
	image := []byte{0x89, 'P', 'N', 'G'}
	c := newClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/image", r.URL.Path)
		var body struct {
			ImageB64 string `json:"image_b64"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		decoded, err := base64.StdEncoding.DecodeString(body.ImageB64)
		assert.NoError(t, err)
		assert.Equal(t, image, decoded)
		_, _ = w.Write([]byte(`{"label":"nsfw","score":0.97}`))
	})

	flagged, err := c.ContainsNSFW(context.Background(), image)
	require.NoError(t, err)
	require.True(t, flagged)
}

func TestClassifierErrors(t *testing.T) {
	c := newClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.ContainsHateSpeech(context.Background(), "text")
	require.ErrorContains(t, err, "status=502")

	_, err = c.ContainsNSFW(context.Background(), []byte{1})
	require.Error(t, err)
}
