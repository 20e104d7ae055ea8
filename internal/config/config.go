package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/stads98/telnyx-crm-sub001/internal/lines"
)

type Config struct {
	Port     int
	DBPath   string
	LogLevel string
	APIKey   string
	// Dialing
	MaxLines          int
	CallerIDs         []string
	RequeueArbitrated bool
	// Carrier
	CarrierBaseURL          string
	CarrierAPIKey           string
	CarrierConnectionID     string
	CarrierWebhookURL       string
	CarrierWebhookPublicKey string // base64 ed25519 key for signed webhooks
	OperatorSIPURI          string
	// Media gateway
	MediaGatewayURL string
	MediaToken      string
	// Dispositions and automation
	DispositionsPath        string
	DispositionNameFallback bool
	AutomationWebhookURL    string
	AutomationToken         string
	// Timing
	PollInterval          time.Duration
	CampaignPollTimeout   time.Duration
	ManualPollTimeout     time.Duration
	SettleDelay           time.Duration
	DialStagger           time.Duration
	FailureBackoff        time.Duration
	RegistryTTL           time.Duration
	RegistrySweepInterval time.Duration
	// Observability
	MetricsNamespace string
}

// Load reads the configuration from the environment. A .env file in the
// working directory, or at envFile when set, is applied first; variables
// already in the environment win.
func Load(envFile string) (*Config, error) {
	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                    envInt("PORT", 8750),
		DBPath:                  envStr("DIALER_DB_PATH", "/data/dialer.db"),
		LogLevel:                envStr("LOG_LEVEL", "info"),
		APIKey:                  envStr("API_KEY", ""),
		MaxLines:                envInt("MAX_LINES", 3),
		CallerIDs:               envList("CALLER_IDS"),
		RequeueArbitrated:       envBool("REQUEUE_ARBITRATED", false),
		CarrierBaseURL:          envStr("CARRIER_BASE_URL", "https://api.telnyx.com"),
		CarrierAPIKey:           envStr("CARRIER_API_KEY", ""),
		CarrierConnectionID:     envStr("CARRIER_CONNECTION_ID", ""),
		CarrierWebhookURL:       envStr("CARRIER_WEBHOOK_URL", ""),
		CarrierWebhookPublicKey: envStr("CARRIER_WEBHOOK_PUBLIC_KEY", ""),
		OperatorSIPURI:          envStr("OPERATOR_SIP_URI", ""),
		MediaGatewayURL:         envStr("MEDIA_GATEWAY_URL", "ws://localhost:8751/ws"),
		MediaToken:              envStr("MEDIA_TOKEN", ""),
		DispositionsPath:        envStr("DISPOSITIONS_PATH", ""),
		DispositionNameFallback: envBool("DISPOSITION_NAME_FALLBACK", false),
		AutomationWebhookURL:    envStr("AUTOMATION_WEBHOOK_URL", ""),
		AutomationToken:         envStr("AUTOMATION_TOKEN", ""),
		PollInterval:            envDuration("POLL_INTERVAL", 500*time.Millisecond),
		CampaignPollTimeout:     envDuration("CAMPAIGN_POLL_TIMEOUT", 45*time.Second),
		ManualPollTimeout:       envDuration("MANUAL_POLL_TIMEOUT", 60*time.Second),
		SettleDelay:             envDuration("SETTLE_DELAY", 500*time.Millisecond),
		DialStagger:             envDuration("DIAL_STAGGER", 250*time.Millisecond),
		FailureBackoff:          envDuration("FAILURE_BACKOFF", 2*time.Second),
		RegistryTTL:             envDuration("REGISTRY_TTL", 10*time.Minute),
		RegistrySweepInterval:   envDuration("REGISTRY_SWEEP_INTERVAL", time.Minute),
		MetricsNamespace:        envStr("METRICS_NAMESPACE", "dialer"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("DIALER_DB_PATH must not be empty")
	}
	if c.MaxLines < 1 || c.MaxLines > lines.MaxLines {
		return fmt.Errorf("MAX_LINES must be between 1 and %d, got %d", lines.MaxLines, c.MaxLines)
	}
	if c.CarrierBaseURL == "" {
		return fmt.Errorf("CARRIER_BASE_URL must not be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.CampaignPollTimeout < c.PollInterval || c.ManualPollTimeout < c.PollInterval {
		return fmt.Errorf("poll timeouts must be at least POLL_INTERVAL (%s)", c.PollInterval)
	}
	if c.SettleDelay < 0 || c.DialStagger < 0 || c.FailureBackoff < 0 {
		return fmt.Errorf("SETTLE_DELAY, DIAL_STAGGER and FAILURE_BACKOFF must not be negative")
	}
	return nil
}

// ValidateForServe checks what serve needs beyond Load: credentials for the carrier,
// the webhook signing key and at least one caller id.
func (c *Config) ValidateForServe() error {
	if c.CarrierAPIKey == "" {
		return fmt.Errorf("CARRIER_API_KEY must be set")
	}
	if c.CarrierConnectionID == "" {
		return fmt.Errorf("CARRIER_CONNECTION_ID must be set")
	}
	if c.CarrierWebhookPublicKey == "" {
		return fmt.Errorf("CARRIER_WEBHOOK_PUBLIC_KEY must be set")
	}
	if len(c.CallerIDs) == 0 {
		return fmt.Errorf("CALLER_IDS must list at least one number")
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go durations ("750ms") or a bare number of
// milliseconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
