package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"studyhall/internal/webcache"
)

type Config struct {
	DBFile    string
	APIAddr   string
	AdminAddr string
	BaseURL   string
	SiteDir   string

	AuthSecret  string
	TokenExpiry time.Duration

	// Cache gateway.
	CacheVersion    string
	CachePolicy     webcache.Policy
	OfflinePath     string
	PrecachePaths   []string
	RevalidatePaths []string

	// Presence timing. StaleThreshold is deliberately 2x FreshWindow so
	// the sweep never races a slow heartbeat.
	HeartbeatInterval time.Duration
	FreshWindow       time.Duration
	StaleThreshold    time.Duration
	SweepInterval     time.Duration

	// Daily digest.
	DigestHour     int
	DigestTimezone string
	DigestSendGap  time.Duration

	// Web push (VAPID).
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string

	// Outbound providers.
	EmailEndpoint   string
	EmailServiceID  string
	EmailTemplateID string
	EmailPublicKey  string
	AssistProvider  string
	AssistEndpoint  string
	AssistAPIKey    string
	AssistModel     string
}

func Load(cliMode bool) (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_EXPIRY: %w", err)
	}

	heartbeat, err := time.ParseDuration(getEnv("PRESENCE_HEARTBEAT", "60s"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRESENCE_HEARTBEAT: %w", err)
	}
	fresh, err := time.ParseDuration(getEnv("PRESENCE_FRESH_WINDOW", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRESENCE_FRESH_WINDOW: %w", err)
	}
	stale, err := time.ParseDuration(getEnv("PRESENCE_STALE_THRESHOLD", "60m"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRESENCE_STALE_THRESHOLD: %w", err)
	}
	sweep, err := time.ParseDuration(getEnv("PRESENCE_SWEEP_INTERVAL", "30m"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRESENCE_SWEEP_INTERVAL: %w", err)
	}
	sendGap, err := time.ParseDuration(getEnv("DIGEST_SEND_GAP", "2s"))
	if err != nil {
		return nil, fmt.Errorf("invalid DIGEST_SEND_GAP: %w", err)
	}

	digestHour, err := strconv.Atoi(getEnv("DIGEST_HOUR", "7"))
	if err != nil {
		return nil, fmt.Errorf("invalid DIGEST_HOUR: %w", err)
	}

	cfg := &Config{
		DBFile:    getEnv("STUDYHALL_DB", "studyhall.db"),
		APIAddr:   getEnv("API_ADDR", ":8080"),
		AdminAddr: getEnv("ADMIN_ADDR", "localhost:8081"),
		BaseURL:   getEnv("BASE_URL", "http://localhost:8080"),
		SiteDir:   getEnv("SITE_DIR", "site"),

		AuthSecret:  os.Getenv("AUTH_SECRET"),
		TokenExpiry: tokenExpiry,

		CacheVersion:    getEnv("CACHE_VERSION", "v13"),
		CachePolicy:     webcache.Policy(getEnv("CACHE_POLICY", string(webcache.PolicyStaleWhileRevalidate))),
		OfflinePath:     getEnv("OFFLINE_PATH", "/home/"),
		PrecachePaths:   splitList(getEnv("PRECACHE_PATHS", "/home/,/app/,/resources/,/community/,/manifest.json")),
		RevalidatePaths: splitList(getEnv("REVALIDATE_PATHS", "/index.html,/home/index.html,/app/index.html,/resources/index.html,/community/index.html")),

		HeartbeatInterval: heartbeat,
		FreshWindow:       fresh,
		StaleThreshold:    stale,
		SweepInterval:     sweep,

		DigestHour:     digestHour,
		DigestTimezone: getEnv("DIGEST_TZ", "America/Los_Angeles"),
		DigestSendGap:  sendGap,

		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubscriber: getEnv("VAPID_SUBSCRIBER", "mailto:admin@studyhall.local"),

		EmailEndpoint:   os.Getenv("EMAIL_ENDPOINT"),
		EmailServiceID:  os.Getenv("EMAIL_SERVICE_ID"),
		EmailTemplateID: os.Getenv("EMAIL_TEMPLATE_ID"),
		EmailPublicKey:  os.Getenv("EMAIL_PUBLIC_KEY"),
		AssistProvider:  getEnv("ASSIST_PROVIDER", "groq"),
		AssistEndpoint:  os.Getenv("ASSIST_ENDPOINT"),
		AssistAPIKey:    os.Getenv("ASSIST_API_KEY"),
		AssistModel:     getEnv("ASSIST_MODEL", "llama-3.3-70b-versatile"),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	switch c.CachePolicy {
	case webcache.PolicyStaleWhileRevalidate, webcache.PolicyNetworkFirst:
	default:
		return fmt.Errorf("CACHE_POLICY must be %q or %q",
			webcache.PolicyStaleWhileRevalidate, webcache.PolicyNetworkFirst)
	}

	if c.StaleThreshold < c.FreshWindow {
		return fmt.Errorf("PRESENCE_STALE_THRESHOLD must not be below PRESENCE_FRESH_WINDOW")
	}

	if c.DigestHour < 0 || c.DigestHour > 23 {
		return fmt.Errorf("DIGEST_HOUR must be 0..23")
	}

	if _, err := time.LoadLocation(c.DigestTimezone); err != nil {
		return fmt.Errorf("invalid DIGEST_TZ: %w", err)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
