// Package config provides runtime configuration for OpenAerie.
// It uses Viper to load settings from files, environment variables, and CLI flags.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for OpenAerie. It is constructed
// once in main and passed by reference to every component.
type Config struct {
	// ── Server ───────────────────────────────────────────────────────────────
	ServerHost string `mapstructure:"server_host"`
	// ControlPort (6700): admin REST API, JWT protected
	ControlPort int `mapstructure:"control_port"`
	// DataPort (1700): node-agent API — authenticated by per-node token
	DataPort int    `mapstructure:"data_port"`
	DBPath   string `mapstructure:"db_path"`
	DBDriver string `mapstructure:"db_driver"` // "sqlite"

	// ── Security ──────────────────────────────────────────────────────────────
	// JWTSecret: HS256 signing key for control-plane admin tokens.
	// Change this in production — default is a random-looking placeholder.
	JWTSecret string `mapstructure:"jwt_secret"`
	// AdminUser / AdminPass: credentials for /api/login. If AdminPassHash is
	// set it takes precedence and AdminPass is ignored (bcrypt compare).
	AdminUser     string `mapstructure:"admin_user"`
	AdminPass     string `mapstructure:"admin_pass"`
	AdminPassHash string `mapstructure:"admin_pass_hash"`

	// ── Fleet policy ──────────────────────────────────────────────────────────
	// OfflineAfterSeconds: default staleness threshold for check-offline sweeps.
	OfflineAfterSeconds int `mapstructure:"offline_after_seconds"`
	// WebhookTimeoutSeconds: per-request timeout for webhook delivery.
	WebhookTimeoutSeconds int `mapstructure:"webhook_timeout_seconds"`

	// ── Agent ────────────────────────────────────────────────────────────────
	AgentJoinAddr  string `mapstructure:"agent_join_addr"`
	AgentInterval  int    `mapstructure:"agent_interval_seconds"`
	AgentNodeToken string `mapstructure:"agent_node_token"`
	// AgentConfigPath: where the agent writes the applied engine config.
	AgentConfigPath string `mapstructure:"agent_config_path"`
	AgentBackupPath string `mapstructure:"agent_backup_path"`
	// Shell commands used to detect engine versions for heartbeats.
	Awg2VersionCommand    string `mapstructure:"awg2_version_command"`
	SingboxVersionCommand string `mapstructure:"singbox_version_command"`
}

// Load reads config from file (./config.yaml or ~/.openaerie/config.yaml)
// and falls back to smart defaults. Environment variables with prefix AERIE_
// override file values.
func Load() (*Config, error) {
	v := viper.New()

	// --- Smart Defaults ---
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("control_port", 6700) // admin API
	v.SetDefault("data_port", 1700)    // agent data plane
	v.SetDefault("db_path", "openaerie.db")
	v.SetDefault("db_driver", "sqlite")

	// Security defaults — MUST be overridden in production via config.yaml or env vars.
	v.SetDefault("jwt_secret", "Ar!e9$Kq2@xW7#mD4^vN6&bZ1*hT8(pL")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass", "admin")
	v.SetDefault("admin_pass_hash", "")

	v.SetDefault("offline_after_seconds", 120)
	v.SetDefault("webhook_timeout_seconds", 10)

	v.SetDefault("agent_join_addr", "127.0.0.1:1700")
	v.SetDefault("agent_interval_seconds", 30)
	v.SetDefault("agent_node_token", "")
	v.SetDefault("agent_config_path", "/etc/openaerie/config.json")
	v.SetDefault("agent_backup_path", "/etc/openaerie/config.json.bak")
	v.SetDefault("awg2_version_command", "awg --version")
	v.SetDefault("singbox_version_command", "sing-box version")

	// --- Config file ---
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.openaerie")
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// --- Environment Variables ---
	v.SetEnvPrefix("AERIE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}
