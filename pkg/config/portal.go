package config

import (
	"errors"
	"time"
)

// PortalConfig holds runtime configuration for the admin portal service.
type PortalConfig struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	JWTSecret      string
	AccessTokenTTL time.Duration

	// MasterKey is the hex- or base64-encoded secret used by the secrets
	// codec. Decoded once at startup via crypto.ParseMasterKey.
	MasterKey string

	RailwayToken    string
	RailwayEndpoint string

	// Every client runs the same storefront codebase; deployments differ
	// only in environment variables.
	StorefrontRepoURL    string
	StorefrontRepoBranch string

	PollInterval    time.Duration
	DeployTimeout   time.Duration
	DatabaseSettle  time.Duration
	EventBufferSize int

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadPortalConfig constructs a PortalConfig from environment variables.
func LoadPortalConfig() PortalConfig {
	return PortalConfig{
		Environment:          GetString("APP_ENV", "development"),
		Addr:                 GetString("PORTAL_ADDR", ":4000"),
		DatabaseURL:          GetString("DATABASE_URL", "postgres://portal:portal@db:5432/portal?sslmode=disable"),
		MigrationsDir:        GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:            GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:       time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 60)) * time.Minute,
		MasterKey:            GetString("MASTER_ENCRYPTION_KEY", ""),
		RailwayToken:         GetString("RAILWAY_API_TOKEN", ""),
		RailwayEndpoint:      GetString("RAILWAY_API_URL", "https://backboard.railway.app/graphql/v2"),
		StorefrontRepoURL:    GetString("STOREFRONT_REPO_URL", "AudienceActivatorAI/lendpro-storefront"),
		StorefrontRepoBranch: GetString("STOREFRONT_REPO_BRANCH", "main"),
		PollInterval:         time.Duration(GetInt("DEPLOY_POLL_INTERVAL_SECONDS", 10)) * time.Second,
		DeployTimeout:        time.Duration(GetInt("DEPLOY_TIMEOUT_MINUTES", 10)) * time.Minute,
		DatabaseSettle:       time.Duration(GetInt("DB_SETTLE_DELAY_SECONDS", 5)) * time.Second,
		EventBufferSize:      GetInt("WS_EVENT_BUFFER", 100),
		RateLimitRedisAddr:   GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:   GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:     GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

// Validate reports configuration that would make the process unable to
// deploy anything. These are startup-fatal, never per-request errors.
func (c PortalConfig) Validate() error {
	if c.RailwayToken == "" {
		return errors.New("config: RAILWAY_API_TOKEN is required")
	}
	if c.MasterKey == "" {
		return errors.New("config: MASTER_ENCRYPTION_KEY is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("config: deploy poll interval must be positive")
	}
	if c.DeployTimeout <= 0 {
		return errors.New("config: deploy timeout must be positive")
	}
	return nil
}
