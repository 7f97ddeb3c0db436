// Package config loads Lattice's runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the Lattice control plane.
type Config struct {
	Port      int
	Version   string
	Instance  string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Sprites   SpritesConfig
	GitHub    GitHubConfig
	Fly       FlyConfig
	Safety    SafetyConfig
	Reconcile ReconcileConfig
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// SpritesConfig configures the Sprites capability.
type SpritesConfig struct {
	APIBase string
	APIToken string
	Live    bool
}

// GitHubConfig configures the GitHub capability and webhook handler.
type GitHubConfig struct {
	Repo               string
	WebhookSecret      string
	AppID              string
	AppInstallationID  string
	AppPrivateKey      string
	PersonalToken      string
	Live               bool
}

// FlyConfig configures the Fly capability.
type FlyConfig struct {
	App     string
	Org     string
	APIToken string
	Live    bool
}

// SafetyConfig configures the gate's policy defaults.
type SafetyConfig struct {
	AllowControlled               bool
	AllowDangerous                bool
	RequireApprovalForControlled  bool
	PathAutoApprovePrefixes       []string
	TimeGateStartHour             int
	TimeGateEndHour               int
}

// ReconcileConfig configures Sprite Worker cadence and backoff.
type ReconcileConfig struct {
	FastMS            int
	SlowMS            int
	BackoffBaseMS     int
	BackoffCapMS      int
	DegradedThreshold int
	MaxRetries        int
	CallTimeoutMS     int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:     envInt("PORT", 8080),
		Version:  envStr("LATTICE_VERSION", "0.1.0"),
		Instance: envStr("LATTICE_INSTANCE_NAME", "lattice-dev"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 10),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "lattice-control-plane"),
		},
		Sprites: SpritesConfig{
			APIBase:  envStr("SPRITES_API_BASE", "https://api.sprites.dev"),
			APIToken: envStr("SPRITES_API_TOKEN", ""),
			Live:     envBool("SPRITES_LIVE", envStr("SPRITES_API_TOKEN", "") != ""),
		},
		GitHub: GitHubConfig{
			Repo:              envStr("GITHUB_REPO", ""),
			WebhookSecret:     envStr("GITHUB_WEBHOOK_SECRET", ""),
			AppID:             envStr("GITHUB_APP_ID", ""),
			AppInstallationID: envStr("GITHUB_APP_INSTALLATION_ID", ""),
			AppPrivateKey:     envStr("GITHUB_APP_PRIVATE_KEY", ""),
			PersonalToken:     envStr("GITHUB_TOKEN", ""),
			Live:              envBool("GITHUB_LIVE", envStr("GITHUB_APP_ID", "")+envStr("GITHUB_TOKEN", "") != ""),
		},
		Fly: FlyConfig{
			App:      envStr("FLY_APP", ""),
			Org:      envStr("FLY_ORG", ""),
			APIToken: envStr("FLY_API_TOKEN", ""),
			Live:     envBool("FLY_LIVE", envStr("FLY_API_TOKEN", "") != ""),
		},
		Safety: SafetyConfig{
			AllowControlled:              envBool("LATTICE_ALLOW_CONTROLLED", true),
			AllowDangerous:               envBool("LATTICE_ALLOW_DANGEROUS", false),
			RequireApprovalForControlled: envBool("LATTICE_REQUIRE_APPROVAL_FOR_CONTROLLED", true),
			PathAutoApprovePrefixes:      envList("LATTICE_PATH_AUTO_APPROVE", nil),
			TimeGateStartHour:            envInt("LATTICE_TIME_GATE_START_HOUR", 0),
			TimeGateEndHour:              envInt("LATTICE_TIME_GATE_END_HOUR", 24),
		},
		Reconcile: ReconcileConfig{
			FastMS:            envInt("LATTICE_RECONCILE_FAST_MS", 5000),
			SlowMS:            envInt("LATTICE_RECONCILE_SLOW_MS", 60000),
			BackoffBaseMS:     envInt("LATTICE_BACKOFF_BASE_MS", 1000),
			BackoffCapMS:      envInt("LATTICE_BACKOFF_CAP_MS", 300000),
			DegradedThreshold: envInt("LATTICE_DEGRADED_THRESHOLD", 3),
			MaxRetries:        envInt("LATTICE_MAX_RETRIES", 8),
			CallTimeoutMS:     envInt("LATTICE_CALL_TIMEOUT_MS", 15000),
		},
	}
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
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
