package domain

import "time"

// Agent is the slice of an agent record owned by the X integration. All
// other agent attributes belong to the base API.
type Agent struct {
	ID                    string
	PlatformUserID        string
	PlatformUsername      string
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	TokenExpiresAt        time.Time
	UpdatedAt             time.Time
}

// HasTokens reports whether an encrypted token pair is stored.
func (a Agent) HasTokens() bool {
	return a.EncryptedAccessToken != "" && a.EncryptedRefreshToken != ""
}

// TokenExpired reports whether the stored access token is past its expiry at now.
func (a Agent) TokenExpired(now time.Time) bool {
	return !now.Before(a.TokenExpiresAt)
}

// EncryptedCredentials is the persisted form of a token pair.
type EncryptedCredentials struct {
	PlatformUserID   string
	PlatformUsername string
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
}
