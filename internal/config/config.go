package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "SCRIPTOR"

	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultHubDatabasePath = "scriptor-hub.db"
	defaultLogLevel        = "info"
	defaultTokenIssuer     = "scriptor-auth"
	defaultTokenAudience   = "scriptor-hub"
	defaultTokenTTLMinutes = 60
	defaultHubURL          = "http://127.0.0.1:8080"
	defaultAgentDatabase   = "scriptor-agent.db"
	defaultMinIntervalSecs = 30
	defaultSyncEverySecs   = 300
	defaultRetentionDays   = 30
	defaultSweepEveryHours = 6
)

// HubConfig captures runtime configuration for the hub server.
type HubConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration
}

// AgentConfig captures runtime configuration for the device agent.
type AgentConfig struct {
	HubURL          string
	Token           string
	DatabasePath    string
	DeviceID        string
	LogLevel        string
	LogFile         string
	MinSyncInterval time.Duration
	SyncEvery       time.Duration
	RetentionWindow time.Duration
	SweepEvery      time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultHubDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("token.issuer", defaultTokenIssuer)
	configViper.SetDefault("token.audience", defaultTokenAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)

	configViper.SetDefault("hub.url", defaultHubURL)
	configViper.SetDefault("agent.database_path", defaultAgentDatabase)
	configViper.SetDefault("agent.device_id", "")
	configViper.SetDefault("agent.token", "")
	configViper.SetDefault("sync.min_interval_s", defaultMinIntervalSecs)
	configViper.SetDefault("sync.every_s", defaultSyncEverySecs)
	configViper.SetDefault("trash.retention_days", defaultRetentionDays)
	configViper.SetDefault("trash.sweep_every_h", defaultSweepEveryHours)
}

// LoadHub parses hub configuration from viper.
func LoadHub(configViper *viper.Viper) (HubConfig, error) {
	cfg := HubConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenIssuer:   configViper.GetString("token.issuer"),
		TokenAudience: configViper.GetString("token.audience"),
		TokenTTL:      time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return HubConfig{}, err
	}

	return cfg, nil
}

func (c HubConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	return nil
}

// LoadAgent parses device agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		HubURL:          configViper.GetString("hub.url"),
		Token:           configViper.GetString("agent.token"),
		DatabasePath:    configViper.GetString("agent.database_path"),
		DeviceID:        configViper.GetString("agent.device_id"),
		LogLevel:        configViper.GetString("log.level"),
		LogFile:         configViper.GetString("log.file"),
		MinSyncInterval: time.Duration(configViper.GetInt("sync.min_interval_s")) * time.Second,
		SyncEvery:       time.Duration(configViper.GetInt("sync.every_s")) * time.Second,
		RetentionWindow: time.Duration(configViper.GetInt("trash.retention_days")) * 24 * time.Hour,
		SweepEvery:      time.Duration(configViper.GetInt("trash.sweep_every_h")) * time.Hour,
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}

	return cfg, nil
}

func (c AgentConfig) validate() error {
	if strings.TrimSpace(c.HubURL) == "" {
		return fmt.Errorf("hub.url is required")
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("agent.token is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("agent.database_path is required")
	}
	if c.MinSyncInterval <= 0 || c.SyncEvery <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	if c.RetentionWindow <= 0 {
		return fmt.Errorf("trash.retention_days must be positive")
	}
	return nil
}
