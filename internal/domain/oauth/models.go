package oauth

import "time"

// ProviderConfig is the immutable configuration of the X OAuth application.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	UploadURL    string
}

// PKCESession captures the state/verifier pair persisted between authorize and callback.
type PKCESession struct {
	State        string    `json:"state"`
	CodeVerifier string    `json:"code_verifier"`
	RedirectPath string    `json:"redirect_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TokenPair is a plaintext access/refresh pair. It only lives for the
// duration of a request or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// PlatformUser is the authenticated principal behind an access token.
type PlatformUser struct {
	ID       string
	Username string
}
