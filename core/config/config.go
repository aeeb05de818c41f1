package config

import (
	"os"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
)

// Config holds all application configuration in a structured way.
type Config struct {
	App       AppConfig
	Edge      EdgeConfig
	Paths     PathsConfig
	Discovery DiscoveryConfig
	Lock      LockConfig
	Outbound  OutboundConfig
	BadMac    BadMacConfig
	Contacts  ContactsConfig
	Whatsapp  WhatsappConfig
}

type AppConfig struct {
	Version     string
	Port        string
	Debug       bool
	Environment string
	OS          string
	Platform    waCompanionReg.DeviceProps_PlatformType
	OwnerID     string
}

type EdgeConfig struct {
	BaseURL   string
	Secret    string
	TimeoutMs int
}

type PathsConfig struct {
	AuthBase  string
	MediaBase string
}

type DiscoveryConfig struct {
	PollMs            int
	EligibleLimit     int
	FallbackMaxActive int
	StopCooldownMs    int
}

type LockConfig struct {
	TTLMs   int
	RenewMs int // 0 means ttl/2, floored at 2s
}

type OutboundConfig struct {
	PollMs           int
	MaxSendAttempts  int
	RefreshBackoffMs []int
}

type BadMacConfig struct {
	WindowMs   int
	Threshold  int
	CooldownMs int
}

type ContactsConfig struct {
	ErrorCooldownMs     int
	DuplicateCooldownMs int
	SuccessCooldownMs   int
	CacheMax            int
}

type WhatsappConfig struct {
	LogLevel string
	// MediaTimeoutMs bounds outbound media downloads. Media blobs need a
	// larger budget than the control-plane HTTP timeout.
	MediaTimeoutMs int
}

// Global provides access to the loaded configuration globally.
var Global *Config

// LoadConfig loads configuration from a .env file (if present) and
// environment variables, with documented defaults for everything optional.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	debug := false
	if v := os.Getenv("APP_DEBUG"); v == "true" || v == "1" || v == "on" {
		debug = true
	} else if v := os.Getenv("DEBUG"); v == "true" || v == "1" {
		debug = true
	}

	// The control plane base may be handed over as the full inbound URL.
	edgeBase := strings.TrimSpace(getEnv("EDGE_BASE_URL", ""))
	edgeBase = strings.TrimSuffix(strings.TrimRight(edgeBase, "/"), "/inbound")

	cfg := &Config{
		App: AppConfig{
			Version:     "v1.2.0",
			Port:        getEnv("PORT", "3000"),
			Debug:       debug,
			Environment: getEnv("APP_ENV", "production"),
			OS:          getEnv("APP_OS", "Linux"),
			Platform:    waCompanionReg.DeviceProps_CHROME,
			OwnerID:     getEnv("PROCESS_OWNER_ID", ""),
		},
		Edge: EdgeConfig{
			BaseURL:   edgeBase,
			Secret:    getEnv("WORKER_SECRET", ""),
			TimeoutMs: getEnvInt("HTTP_TIMEOUT_MS", 10000),
		},
		Paths: PathsConfig{
			AuthBase:  getEnv("AUTH_BASE", "/data/auth"),
			MediaBase: getEnv("MEDIA_BASE", "/data/media"),
		},
		Discovery: DiscoveryConfig{
			PollMs:            getEnvInt("DISCOVERY_POLL_MS", 10000),
			EligibleLimit:     getEnvInt("ELIGIBLE_LIMIT", 50),
			FallbackMaxActive: getEnvInt("MAX_ACTIVE_INSTANCES", 0),
			StopCooldownMs:    getEnvInt("STOP_COOLDOWN_MS", 60000),
		},
		Lock: LockConfig{
			TTLMs:   getEnvInt("INSTANCE_LOCK_TTL_MS", 30000),
			RenewMs: getEnvInt("INSTANCE_LOCK_RENEW_MS", 0),
		},
		Outbound: OutboundConfig{
			PollMs:           getEnvInt("QUEUE_POLL_MS", 2000),
			MaxSendAttempts:  getEnvInt("DECRYPT_RETRY_MAX_ATTEMPTS", 3) + 1,
			RefreshBackoffMs: getEnvIntSlice("SESSION_REFRESH_BACKOFF_MS", []int{1000, 2000, 5000}),
		},
		BadMac: BadMacConfig{
			WindowMs:   getEnvInt("BAD_MAC_WINDOW_MS", 60000),
			Threshold:  getEnvInt("BAD_MAC_THRESHOLD", 20),
			CooldownMs: getEnvInt("BAD_MAC_COOLDOWN_MS", 300000),
		},
		Contacts: ContactsConfig{
			ErrorCooldownMs:     getEnvInt("CONTACT_RESOLVE_ERROR_COOLDOWN_MS", 60000),
			DuplicateCooldownMs: getEnvInt("CONTACT_RESOLVE_DUPLICATE_COOLDOWN_MS", 300000),
			SuccessCooldownMs:   getEnvInt("CONTACT_RESOLVE_SUCCESS_COOLDOWN_MS", 300000),
			CacheMax:            getEnvInt("CONTACT_CACHE_MAX", 500),
		},
		Whatsapp: WhatsappConfig{
			LogLevel:       getEnv("WHATSAPP_LOG_LEVEL", "ERROR"),
			MediaTimeoutMs: getEnvInt("MEDIA_HTTP_TIMEOUT_MS", 60000),
		},
	}

	// The control plane rejects TTLs below 5s, keep the floor here.
	if cfg.Lock.TTLMs < 5000 {
		cfg.Lock.TTLMs = 5000
	}

	Global = cfg
	return cfg, cfg.Validate()
}

// Validate checks the settings that have no sane default.
func (c *Config) Validate() error {
	return validation.ValidateStruct(&c.Edge,
		validation.Field(&c.Edge.BaseURL, validation.Required.Error("EDGE_BASE_URL is required")),
		validation.Field(&c.Edge.Secret, validation.Required.Error("WORKER_SECRET is required")),
	)
}
