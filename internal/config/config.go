package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Video moderation policies.
const (
	VideoModerationAllow  = "allow"
	VideoModerationReject = "reject"
)

// DefaultXScopes is the scope set requested during authorization.
var DefaultXScopes = []string{
	"tweet.read",
	"tweet.write",
	"users.read",
	"follows.read",
	"follows.write",
	"like.read",
	"like.write",
	"mute.read",
	"mute.write",
	"block.read",
	"block.write",
	"offline.access",
	"media.write",
	"bookmark.read",
	"bookmark.write",
}

// Config contains runtime configuration values.
type Config struct {
	Environment         string
	HTTPPort            string
	HTTPShutdownTimeout time.Duration
	ServiceName         string
	DatabaseURL         string
	DBAutoMigrate       bool
	DBQueryTimeout      time.Duration

	RedisURL      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AppBaseURL        string
	DevAgentXUsername string

	XClientID     string
	XClientSecret string
	XRedirectURI  string
	XScopes       []string
	XAuthURL      string
	XTokenURL     string
	XAPIBaseURL   string
	XUploadURL    string
	XHTTPTimeout  time.Duration
	XLiveMode     bool
	XMaxTextLen   int

	CipherKey      []byte
	PKCESessionTTL time.Duration

	AgentTokenSecret string
	AgentTokenIssuer string

	HateSpeechURL         string
	NSFWURL               string
	ClassifierSigningKey  string
	ClassifierSubject     string
	ModerationTimeout     time.Duration
	ModerationFailOpen    bool
	VideoModerationPolicy string

	RateLimitRPM         int
	ActionRateLimitRPM   int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	TelemetrySampleRatio float64
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:         getEnv("APP_ENV", "development"),
		HTTPPort:            getEnv("HTTP_PORT", "8000"),
		HTTPShutdownTimeout: getDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		ServiceName:         getEnv("SERVICE_NAME", "squad-x"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		DBAutoMigrate:       getBool("DB_AUTO_MIGRATE", false),
		DBQueryTimeout:      getDuration("DB_QUERY_TIMEOUT", 5*time.Second),

		RedisURL:      os.Getenv("REDIS_URL"),
		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		AppBaseURL:        strings.TrimRight(getEnv("SQUAD_BASE_URL", "http://localhost:3000"), "/"),
		DevAgentXUsername: os.Getenv("DEV_AGENT_X_USERNAME"),

		XClientID:     strings.TrimSpace(os.Getenv("X_CLIENT_ID")),
		XClientSecret: strings.TrimSpace(os.Getenv("X_CLIENT_SECRET")),
		XRedirectURI:  strings.TrimSpace(os.Getenv("X_API_CALLBACK_URL")),
		XScopes:       getList("X_SCOPES", DefaultXScopes),
		XAuthURL:      getEnv("X_AUTH_URL", "https://x.com/i/oauth2/authorize"),
		XTokenURL:     getEnv("X_TOKEN_URL", "https://api.x.com/2/oauth2/token"),
		XAPIBaseURL:   strings.TrimRight(getEnv("X_API_BASE_URL", "https://api.x.com"), "/"),
		XUploadURL:    getEnv("X_UPLOAD_URL", "https://api.x.com/2/media/upload"),
		XHTTPTimeout:  getDuration("X_HTTP_TIMEOUT", 15*time.Second),
		XLiveMode:     getBool("X_LIVE_MODE", true),
		XMaxTextLen:   getInt("X_MAX_TEXT_LENGTH", 280),

		PKCESessionTTL: getDuration("PKCE_SESSION_TTL", 10*time.Minute),

		AgentTokenSecret: os.Getenv("AGENT_TOKEN_SECRET"),
		AgentTokenIssuer: getEnv("AGENT_TOKEN_ISSUER", "squad"),

		HateSpeechURL:         getEnv("HATE_SPEECH_URL", "https://chutes-hate-speech-detector.chutes.ai/predict"),
		NSFWURL:               getEnv("NSFW_URL", "https://chutes-nsfw-classifier.chutes.ai/image"),
		ClassifierSigningKey:  os.Getenv("CLASSIFIER_SIGNING_KEY"),
		ClassifierSubject:     getEnv("DEFAULT_USER_ID", "squad"),
		ModerationTimeout:     getDuration("MODERATION_TIMEOUT", 10*time.Second),
		ModerationFailOpen:    getBool("MODERATION_FAIL_OPEN", false),
		VideoModerationPolicy: strings.ToLower(getEnv("VIDEO_MODERATION_POLICY", VideoModerationAllow)),

		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		ActionRateLimitRPM:   getInt("ACTION_RATE_LIMIT_RPM", 60),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		TelemetrySampleRatio: getFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.XClientID == "" || cfg.XClientSecret == "" {
		return Config{}, fmt.Errorf("X_CLIENT_ID and X_CLIENT_SECRET are required")
	}
	if cfg.XRedirectURI == "" {
		return Config{}, fmt.Errorf("X_API_CALLBACK_URL is required")
	}
	if strings.TrimSpace(cfg.AgentTokenSecret) == "" {
		return Config{}, fmt.Errorf("AGENT_TOKEN_SECRET is required")
	}

	key, err := parseCipherKey(os.Getenv("AES_SECRET"))
	if err != nil {
		return Config{}, err
	}
	cfg.CipherKey = key

	switch cfg.VideoModerationPolicy {
	case VideoModerationAllow, VideoModerationReject:
	default:
		return Config{}, fmt.Errorf("VIDEO_MODERATION_POLICY must be %q or %q", VideoModerationAllow, VideoModerationReject)
	}

	if cfg.PKCESessionTTL <= 0 {
		cfg.PKCESessionTTL = 10 * time.Minute
	}
	if cfg.DBQueryTimeout <= 0 {
		cfg.DBQueryTimeout = 5 * time.Second
	}
	if cfg.XHTTPTimeout <= 0 {
		cfg.XHTTPTimeout = 15 * time.Second
	}
	if cfg.XMaxTextLen <= 0 {
		cfg.XMaxTextLen = 280
	}

	return cfg, nil
}

func parseCipherKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("AES_SECRET is required")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("AES_SECRET must be hex encoded")
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("AES_SECRET must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
