// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Storage backends understood by the client.
const (
	BackendGateway = "gateway"
	BackendS3      = "s3"
	BackendMemory  = "memory"
)

// Client holds configuration for the snapfolder CLI.
type Client struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Metrics (empty = disabled)
	MetricsAddr string

	// Storage network ("gateway", "s3" or "memory")
	StorageBackend string
	PinningURL     string
	GatewayURL     string
	StorageToken   string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3PathStyle bool

	// Metadata relay (empty = local only)
	RelayURL string
	OwnerID  string

	// Credentials
	Token     string
	TokenFile string
	Secret    string

	// Local state
	CachePath      string
	StaleAfter     time.Duration
	SettleDelay    time.Duration
	StreamAbove    int64
	AttemptTimeout time.Duration
}

// LoadClient reads client configuration from environment variables with
// defaults.
func LoadClient() *Client {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".snapfolder")

	return &Client{
		LogLevel:       envOr("SNAPFOLDER_LOG_LEVEL", "warn"),
		LogFormat:      envOr("SNAPFOLDER_LOG_FORMAT", "console"),
		MetricsAddr:    envOr("SNAPFOLDER_METRICS_ADDR", ""),
		StorageBackend: envOr("SNAPFOLDER_STORAGE", BackendGateway),
		PinningURL:     envOr("SNAPFOLDER_PINNING_URL", "https://api.pinata.cloud"),
		GatewayURL:     envOr("SNAPFOLDER_GATEWAY_URL", "https://gateway.pinata.cloud"),
		StorageToken:   envOr("SNAPFOLDER_STORAGE_TOKEN", ""),
		S3Endpoint:     envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:       envOr("S3_BUCKET", "snapfolder"),
		S3AccessKey:    envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:    envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:       envOr("S3_REGION", "us-east-1"),
		S3PathStyle:    envBool("S3_PATH_STYLE", true),
		RelayURL:       envOr("SNAPFOLDER_RELAY_URL", ""),
		OwnerID:        envOr("SNAPFOLDER_OWNER", ""),
		Token:          envOr("SNAPFOLDER_TOKEN", ""),
		TokenFile:      envOr("SNAPFOLDER_TOKEN_FILE", filepath.Join(stateDir, "token.json")),
		Secret:         envOr("SNAPFOLDER_SECRET", ""),
		CachePath:      envOr("SNAPFOLDER_CACHE", filepath.Join(stateDir, "metadata.json")),
		StaleAfter:     envDuration("SNAPFOLDER_STALE_AFTER", 5*time.Minute),
		SettleDelay:    envDuration("SNAPFOLDER_SETTLE_DELAY", 1500*time.Millisecond),
		StreamAbove:    envInt64("SNAPFOLDER_STREAM_ABOVE", 5*1024*1024),
		AttemptTimeout: envDuration("SNAPFOLDER_ATTEMPT_TIMEOUT", 5*time.Minute),
	}
}

// Validate checks that the selected backend has what it needs.
func (c *Client) Validate() error {
	switch c.StorageBackend {
	case BackendGateway:
		if c.PinningURL == "" || c.GatewayURL == "" {
			return fmt.Errorf("gateway backend requires SNAPFOLDER_PINNING_URL and SNAPFOLDER_GATEWAY_URL")
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("s3 backend requires S3_BUCKET")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	if c.RelayURL != "" && c.OwnerID == "" {
		return fmt.Errorf("SNAPFOLDER_OWNER is required when a relay is configured")
	}
	return nil
}

// Relay holds configuration for the metadata relay server.
type Relay struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL  string
	MaxOpenConns int

	// TLS (optional, if both set the server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Auth
	JWTSecret string
	TokenTTL  time.Duration

	// Request bodies
	MaxRecordSize int64
}

// LoadRelay reads relay configuration from environment variables with
// defaults.
func LoadRelay() (*Relay, error) {
	cfg := &Relay{
		ListenAddr:    envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:   envOr("METRICS_ADDR", ":9090"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogFormat:     envOr("LOG_FORMAT", "json"),
		DatabaseURL:   envOr("DATABASE_URL", ""),
		MaxOpenConns:  envInt("DB_MAX_OPEN_CONNS", 25),
		TLSCertFile:   envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:    envOr("TLS_KEY_FILE", ""),
		JWTSecret:     envOr("JWT_SECRET", ""),
		TokenTTL:      envDuration("TOKEN_TTL", 24*time.Hour),
		MaxRecordSize: envInt64("MAX_RECORD_SIZE", 8*1024*1024),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

// Issuer holds what is needed to mint relay tokens offline.
type Issuer struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// LoadIssuer reads the token signing configuration.
func LoadIssuer() (*Issuer, error) {
	cfg := &Issuer{
		JWTSecret: envOr("JWT_SECRET", ""),
		TokenTTL:  envDuration("TOKEN_TTL", 24*time.Hour),
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
