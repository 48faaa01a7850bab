// Package jwt signs and verifies the HS256 bearer tokens exchanged with the
// base API and the moderation classifiers.
package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
)

// ErrInvalidToken is returned for any token that fails parsing, signature, or claim checks.
var ErrInvalidToken = errors.New("jwt: invalid token")

const leeway = 30 * time.Second

// ScopeClaims carries the space-separated scope grant.
type ScopeClaims struct {
	Scope string `json:"scope,omitempty"`
}

// Claims is the verified view of a bearer token.
type Claims struct {
	Subject string
	Scopes  []string
	Expiry  time.Time
}

// HasScope reports whether scope was granted.
func (c Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Signer issues HS256 tokens.
type Signer struct {
	signer gojose.Signer
	issuer string
	now    func() time.Time
}

// NewSigner constructs a Signer over secret.
func NewSigner(secret []byte, issuer string) (*Signer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret required")
	}
	signer, err := gojose.NewSigner(gojose.SigningKey{Algorithm: gojose.HS256, Key: secret}, (&gojose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("new signer: %w", err)
	}
	return &Signer{signer: signer, issuer: issuer, now: time.Now}, nil
}

// Sign produces a token for subject valid for ttl.
func (s *Signer) Sign(subject string, scopes []string, ttl time.Duration) (string, error) {
	now := s.now().UTC()
	std := gojwt.Claims{
		Subject:   subject,
		Issuer:    s.issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		NotBefore: gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := gojwt.Signed(s.signer).Claims(std).Claims(ScopeClaims{Scope: strings.Join(scopes, " ")}).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize jwt: %w", err)
	}
	return token, nil
}

// Verifier validates HS256 tokens issued under a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier constructs a Verifier. An empty issuer disables the issuer check.
func NewVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{secret: secret, issuer: issuer, now: time.Now}
}

// Verify checks signature, expiry, and issuer and returns the claims.
func (v *Verifier) Verify(token string) (Claims, error) {
	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: parse: %v", ErrInvalidToken, err)
	}

	var (
		std    gojwt.Claims
		custom ScopeClaims
	)
	if err := parsed.Claims(v.secret, &std, &custom); err != nil {
		return Claims{}, fmt.Errorf("%w: verify: %v", ErrInvalidToken, err)
	}
	if err := std.ValidateWithLeeway(gojwt.Expected{Issuer: v.issuer, Time: v.now()}, leeway); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if std.Expiry == nil {
		return Claims{}, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}
	if strings.TrimSpace(std.Subject) == "" {
		return Claims{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}

	return Claims{
		Subject: std.Subject,
		Scopes:  strings.Fields(custom.Scope),
		Expiry:  std.Expiry.Time(),
	}, nil
}
