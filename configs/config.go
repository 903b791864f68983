// Package configs loads the service's operator-facing configuration:
// a YAML file for structural defaults (worker width, cron expressions,
// retention, price upstream URL) layered with .env/environment secrets (DSN, bot
// token, HMAC secrets), the same two-source split the teacher's
// configs.LoadConfig uses.
package configs

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServiceConfig covers §6's "Service" block.
type ServiceConfig struct {
	Port    string `yaml:"port"`
	NodeEnv string `yaml:"node_env"`
}

// IsProduction reports whether NODE_ENV requires Secure cookies and
// suppresses debug logging (§6).
func (s ServiceConfig) IsProduction() bool { return s.NodeEnv == "production" }

// ChatConfig covers §6's "Chat credentials" block. ClientSecret and
// GuildAllowList back the admin OAuth / command-registration surface,
// which is out of scope for the core (spec.md §1) but the fields are
// kept for config-file completeness.
type ChatConfig struct {
	BotToken       string   `yaml:"-"`
	ApplicationID  string   `yaml:"application_id"`
	ClientSecret   string   `yaml:"-"`
	GuildAllowList []string `yaml:"guild_allow_list"`
	OAuthScopes    []string `yaml:"oauth_scopes"`
}

// ChainConfig covers §6's "Chain endpoints" block.
type ChainConfig struct {
	RPCURL     string `yaml:"rpc_url"`
	IndexerURL string `yaml:"indexer_url"`
}

// VerificationConfig covers §6's "Verification" block.
type VerificationConfig struct {
	BaseURL           string `yaml:"base_url"`
	HMACSecret        string `yaml:"-"`
	InternalAPISecret string `yaml:"-"`
}

// AdminUIConfig covers §6's "Admin UI" block. Referenced for config-file
// completeness; not wired into the core (out of scope per spec.md §1).
type AdminUIConfig struct {
	BaseURL         string `yaml:"base_url"`
	SessionSecret   string `yaml:"-"`
	SessionTTLHours int    `yaml:"session_ttl_hours"`
}

// WorkerConfig covers §6's "Worker" block.
type WorkerConfig struct {
	ConcurrencyWidth int    `yaml:"concurrency_width"`
	CronExpr         string `yaml:"cron_expr"`
	CleanupCronExpr  string `yaml:"cleanup_cron_expr"`
	AuditRetentionDays int  `yaml:"audit_retention_days"`
}

// PriceConfig covers §6's "Price" block.
type PriceConfig struct {
	UpstreamBaseURL string `yaml:"upstream_base_url"`
}

// Config is the fully assembled configuration, mirroring the teacher's
// single top-level Config struct fed by LoadConfig.
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	DatabaseDSN  string             `yaml:"-"`
	Chat         ChatConfig         `yaml:"chat"`
	Chain        ChainConfig        `yaml:"chain"`
	Verification VerificationConfig `yaml:"verification"`
	AdminUI      AdminUIConfig      `yaml:"admin_ui"`
	Worker       WorkerConfig       `yaml:"worker"`
	Price        PriceConfig        `yaml:"price"`
}

func defaults() Config {
	return Config{
		Service: ServiceConfig{Port: "8080", NodeEnv: "development"},
		Chat:    ChatConfig{OAuthScopes: []string{"identify", "guilds"}},
		AdminUI: AdminUIConfig{SessionTTLHours: 12},
		Worker: WorkerConfig{
			ConcurrencyWidth:   20,
			CronExpr:           "0 */12 * * *",
			CleanupCronExpr:    "30 3 * * *",
			AuditRetentionDays: 90,
		},
		Price: PriceConfig{UpstreamBaseURL: "https://api.coingecko.com/api/v3"},
	}
}

// LoadConfig reads the YAML structural config at path, then overlays
// secrets from a .env file (if present) and the process environment, the
// same layering the teacher's LoadConfig performs.
func LoadConfig(path string) (*Config, error) {
	cfg := defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	_ = godotenv.Load() // optional; missing .env is not an error

	cfg.DatabaseDSN = os.Getenv("DATABASE_DSN")
	cfg.Chat.BotToken = os.Getenv("DISCORD_BOT_TOKEN")
	cfg.Chat.ClientSecret = os.Getenv("DISCORD_CLIENT_SECRET")
	cfg.Verification.HMACSecret = os.Getenv("VERIFICATION_HMAC_SECRET")
	cfg.Verification.InternalAPISecret = os.Getenv("INTERNAL_API_SECRET")
	cfg.AdminUI.SessionSecret = os.Getenv("ADMIN_SESSION_SECRET")

	if port := os.Getenv("PORT"); port != "" {
		cfg.Service.Port = port
	}
	if nodeEnv := os.Getenv("NODE_ENV"); nodeEnv != "" {
		cfg.Service.NodeEnv = nodeEnv
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("config: DATABASE_DSN is required")
	}
	if c.Chat.BotToken == "" {
		return fmt.Errorf("config: DISCORD_BOT_TOKEN is required")
	}
	if len(c.Verification.HMACSecret) < 32 {
		return fmt.Errorf("config: VERIFICATION_HMAC_SECRET must be >= 32 chars")
	}
	if len(c.Verification.InternalAPISecret) < 16 {
		return fmt.Errorf("config: INTERNAL_API_SECRET must be >= 16 chars")
	}
	if c.Chain.RPCURL == "" || c.Chain.IndexerURL == "" {
		return fmt.Errorf("config: chain.rpc_url and chain.indexer_url are required")
	}
	switch c.Service.NodeEnv {
	case "development", "test", "production":
	default:
		return fmt.Errorf("config: service.node_env must be one of development|test|production, got %q", c.Service.NodeEnv)
	}
	return nil
}
