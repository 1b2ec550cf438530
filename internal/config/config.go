// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	FrontendURL      string
	AllowedOrigins   []string
	DBPath           string
	MaxMessageLength int
	HistoryLimit     int
	MessageTTL       time.Duration
	MaxImageBytes    int64
	MaxAudioBytes    int64
	LLM              LLMConfig
	Router           RouterConfig
	Speech           SpeechConfig
	Auth             AuthConfig
	RateLimit        RateLimitConfig
	Rooms            RoomConfig
}

// LLMConfig points at the OpenAI-compatible chat completion upstream.
type LLMConfig struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	StreamTimeout  time.Duration
	UnifierEnabled bool
}

// RouterConfig tunes agent classification.
type RouterConfig struct {
	MinConfidence float64
}

// SpeechConfig holds transcription and synthesis provider settings.
type SpeechConfig struct {
	BaseURL           string
	APIKey            string
	ElevenLabsBaseURL string
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string
}

// AuthConfig points at the auth provider used to verify bearer tokens.
type AuthConfig struct {
	URL    string
	APIKey string
}

// RateLimitConfig controls per-user request throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// RoomConfig controls study room expiry.
type RoomConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	llmBase := strings.TrimRight(getEnv("LLM_BASE_URL", "https://api.openai.com/v1"), "/")
	llmKey := getEnv("LLM_API_KEY", "")

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		AllowedOrigins:   splitList(getEnv("ALLOWED_ORIGINS", "*")),
		DBPath:           getEnv("DB_PATH", "./data/companion.db"),
		MaxMessageLength: getEnvInt("MAX_MESSAGE_LENGTH", 1000),
		HistoryLimit:     getEnvInt("HISTORY_LIMIT", 10),
		MessageTTL:       getEnvDuration("MESSAGE_TTL", 30*24*time.Hour),
		MaxImageBytes:    int64(getEnvInt("MAX_IMAGE_BYTES", 20<<20)),
		MaxAudioBytes:    int64(getEnvInt("MAX_AUDIO_BYTES", 25<<20)),
		LLM: LLMConfig{
			BaseURL:        llmBase,
			APIKey:         llmKey,
			Timeout:        getEnvDuration("LLM_TIMEOUT", 30*time.Second),
			StreamTimeout:  getEnvDuration("LLM_STREAM_TIMEOUT", 120*time.Second),
			UnifierEnabled: getEnvBool("UNIFIER_ENABLED", true),
		},
		Router: RouterConfig{
			MinConfidence: getEnvFloat("ROUTER_MIN_CONFIDENCE", 0.3),
		},
		Speech: SpeechConfig{
			BaseURL:           strings.TrimRight(getEnv("SPEECH_BASE_URL", llmBase), "/"),
			APIKey:            getEnv("SPEECH_API_KEY", llmKey),
			ElevenLabsBaseURL: strings.TrimRight(getEnv("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"), "/"),
			ElevenLabsAPIKey:  getEnv("ELEVENLABS_API_KEY", ""),
			ElevenLabsVoiceID: getEnv("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		},
		Auth: AuthConfig{
			URL:    strings.TrimRight(getEnv("AUTH_URL", ""), "/"),
			APIKey: getEnv("AUTH_API_KEY", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Rooms: RoomConfig{
			TTL:           getEnvDuration("ROOM_TTL", 2*time.Hour),
			SweepInterval: getEnvDuration("ROOM_SWEEP_INTERVAL", 5*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("LLM_BASE_URL cannot be empty")
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be > 0")
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("HISTORY_LIMIT must be >= 0")
	}
	if c.MessageTTL <= 0 {
		return fmt.Errorf("MESSAGE_TTL must be > 0")
	}
	if c.MaxImageBytes <= 0 || c.MaxAudioBytes <= 0 {
		return fmt.Errorf("MAX_IMAGE_BYTES and MAX_AUDIO_BYTES must be > 0")
	}
	if c.LLM.Timeout <= 0 || c.LLM.StreamTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT and LLM_STREAM_TIMEOUT must be > 0")
	}
	if c.Router.MinConfidence < 0 || c.Router.MinConfidence > 1 {
		return fmt.Errorf("ROUTER_MIN_CONFIDENCE must be within [0,1]")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Rooms.TTL <= 0 || c.Rooms.SweepInterval <= 0 {
		return fmt.Errorf("ROOM_TTL and ROOM_SWEEP_INTERVAL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
