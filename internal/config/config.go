package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds all engine configuration loaded from environment variables.
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Server   ServerConfig
	Session  SessionConfig
	Overlay  OverlayConfig
	Verify   VerifyConfig
	Docker   DockerConfig
	Checker  CheckerConfig
	Bus      BusConfig
	Vector   VectorConfig
	Slack    SlackConfig
	Vault    VaultConfig
	DevMode  bool
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// AuthConfig holds token issuance and agent credential settings.
//
// Mode selects how agents authenticate:
//   - "jwt": agents present tokens minted elsewhere with the shared signing key
//   - "shared": agents exchange the agent secret for a token at /v1/auth/token
//   - "dual": both of the above
type AuthConfig struct {
	Secret      string //nolint:gosec // G117: JWT signing secret config
	TokenTTL    time.Duration
	Issuer      string
	Mode        string
	AgentSecret string //nolint:gosec // G117: exchange credential config
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	IdleTimeout   time.Duration
	SnapshotTTL   time.Duration
	SweepInterval time.Duration
}

// OverlayConfig holds copy-on-write overlay storage settings.
// Files larger than InlineMaxBytes are spilled to the blob store
// under BlobDir instead of being kept inline in PostgreSQL.
type OverlayConfig struct {
	InlineMaxBytes int
	BlobDir        string
}

// VerifyConfig holds verification pipeline settings.
type VerifyConfig struct {
	StepTimeout time.Duration
	QueueSize   int
}

// DockerConfig holds container runtime settings for sandboxed
// verification steps.
type DockerConfig struct {
	Host     string
	Image    string
	CPULimit string
	MemLimit string
}

// CheckerConfig holds settings for the remote checker service used by
// "remote" pipeline steps. Empty BaseURL disables the executor.
type CheckerConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string //nolint:gosec // G117: OAuth client credential config
}

// BusConfig holds event bus settings.
type BusConfig struct {
	BufferSize int
}

// VectorConfig holds Weaviate settings for symbol similarity search.
// Empty Host disables the vector index.
type VectorConfig struct {
	Host   string
	Scheme string
	APIKey string //nolint:gosec // G117: vector index credential config
}

// SlackConfig holds merge notification settings. Empty BotToken
// disables the notifier.
type SlackConfig struct {
	BotToken string
	Channel  string
}

// VaultConfig holds the key for decrypting credentials embedded in
// pipeline step configs. Empty Key disables decryption.
type VaultConfig struct {
	Key string //nolint:gosec // G117: vault key config
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only. In production,
// sensitive values (JWT secret, DB password) must be set explicitly.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("DKOD_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("DKOD_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("DKOD_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	tokenTTL, err := getEnvDuration("DKOD_JWT_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("DKOD_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("DKOD_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	idleTimeout, err := getEnvDuration("DKOD_SESSION_IDLE_TIMEOUT", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	snapshotTTL, err := getEnvDuration("DKOD_SNAPSHOT_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	sweepInterval, err := getEnvDuration("DKOD_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	inlineMax, err := getEnvInt("DKOD_OVERLAY_INLINE_MAX", 128*1024)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	stepTimeout, err := getEnvDuration("DKOD_VERIFY_STEP_TIMEOUT", 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	queueSize, err := getEnvInt("DKOD_VERIFY_QUEUE_SIZE", 64)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	busBuffer, err := getEnvInt("DKOD_BUS_BUFFER", 256)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	devMode, err := getEnvBool("DKOD_DEV_MODE", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	corsOrigins := getEnvList("DKOD_CORS_ORIGINS", []string{"http://localhost:5173"})

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DKOD_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DKOD_DB_USER", "dkod"),
			Password: getEnv("DKOD_DB_PASSWORD", ""),
			DBName:   getEnv("DKOD_DB_NAME", "dkod_dev"),
			SSLMode:  getEnv("DKOD_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("DKOD_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("DKOD_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Auth: AuthConfig{
			Secret:      getEnv("DKOD_JWT_SECRET", ""),
			TokenTTL:    tokenTTL,
			Issuer:      getEnv("DKOD_JWT_ISSUER", "dkod"),
			Mode:        getEnv("DKOD_AUTH_MODE", "jwt"),
			AgentSecret: getEnv("DKOD_AGENT_SECRET", ""),
		},
		Server: ServerConfig{
			Addr:         getEnv("DKOD_SERVER_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  corsOrigins,
		},
		Session: SessionConfig{
			IdleTimeout:   idleTimeout,
			SnapshotTTL:   snapshotTTL,
			SweepInterval: sweepInterval,
		},
		Overlay: OverlayConfig{
			InlineMaxBytes: inlineMax,
			BlobDir:        getEnv("DKOD_BLOB_DIR", "./data/blobs"),
		},
		Verify: VerifyConfig{
			StepTimeout: stepTimeout,
			QueueSize:   queueSize,
		},
		Docker: DockerConfig{
			Host:     getEnv("DKOD_DOCKER_HOST", "unix:///var/run/docker.sock"),
			Image:    getEnv("DKOD_DOCKER_IMAGE", "ghcr.io/dkod-io/dkod-runner:latest"),
			CPULimit: getEnv("DKOD_DOCKER_CPU_LIMIT", "2"),
			MemLimit: getEnv("DKOD_DOCKER_MEM_LIMIT", "2g"),
		},
		Checker: CheckerConfig{
			BaseURL:      getEnv("DKOD_CHECKER_URL", ""),
			TokenURL:     getEnv("DKOD_CHECKER_TOKEN_URL", ""),
			ClientID:     getEnv("DKOD_CHECKER_CLIENT_ID", ""),
			ClientSecret: getEnv("DKOD_CHECKER_CLIENT_SECRET", ""),
		},
		Bus: BusConfig{
			BufferSize: busBuffer,
		},
		Vector: VectorConfig{
			Host:   getEnv("DKOD_WEAVIATE_HOST", ""),
			Scheme: getEnv("DKOD_WEAVIATE_SCHEME", "http"),
			APIKey: getEnv("DKOD_WEAVIATE_API_KEY", ""),
		},
		Slack: SlackConfig{
			BotToken: getEnv("DKOD_SLACK_BOT_TOKEN", ""),
			Channel:  getEnv("DKOD_SLACK_CHANNEL", "#dkod-merges"),
		},
		Vault: VaultConfig{
			Key: getEnv("DKOD_VAULT_KEY", ""),
		},
		DevMode: devMode,
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	// JWT secret is required (no insecure default).
	if c.Auth.Secret == "" {
		return errors.New("DKOD_JWT_SECRET is required")
	}
	if len(c.Auth.Secret) < 32 {
		return errors.New("DKOD_JWT_SECRET must be at least 32 characters")
	}

	switch c.Auth.Mode {
	case "jwt", "shared", "dual":
	default:
		return fmt.Errorf("DKOD_AUTH_MODE must be jwt, shared, or dual, got %q", c.Auth.Mode)
	}
	if c.Auth.Mode != "jwt" && c.Auth.AgentSecret == "" {
		return fmt.Errorf("DKOD_AGENT_SECRET is required when DKOD_AUTH_MODE=%s", c.Auth.Mode)
	}

	// DB SSL mode warning for non-dev deployments.
	if c.Database.SSLMode == "disable" && !c.DevMode {
		log.Warn().Msg("DKOD_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
	}

	// Bounds checks.
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DKOD_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("DKOD_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("DKOD_JWT_TTL must be positive, got %s", c.Auth.TokenTTL)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("DKOD_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("DKOD_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("DKOD_SESSION_IDLE_TIMEOUT must be positive, got %s", c.Session.IdleTimeout)
	}
	if c.Session.SnapshotTTL <= 0 {
		return fmt.Errorf("DKOD_SNAPSHOT_TTL must be positive, got %s", c.Session.SnapshotTTL)
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("DKOD_SWEEP_INTERVAL must be positive, got %s", c.Session.SweepInterval)
	}
	if c.Overlay.InlineMaxBytes < 1 {
		return fmt.Errorf("DKOD_OVERLAY_INLINE_MAX must be >= 1, got %d", c.Overlay.InlineMaxBytes)
	}
	if c.Verify.StepTimeout <= 0 {
		return fmt.Errorf("DKOD_VERIFY_STEP_TIMEOUT must be positive, got %s", c.Verify.StepTimeout)
	}
	if c.Verify.QueueSize < 1 {
		return fmt.Errorf("DKOD_VERIFY_QUEUE_SIZE must be >= 1, got %d", c.Verify.QueueSize)
	}
	if c.Bus.BufferSize < 1 {
		return fmt.Errorf("DKOD_BUS_BUFFER must be >= 1, got %d", c.Bus.BufferSize)
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
