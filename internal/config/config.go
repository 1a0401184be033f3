package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "HUDDLE"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "huddle.db"
	defaultLogLevel      = "info"
	defaultRingTimeout   = 45 * time.Second
	defaultTokenTTL      = 12 * time.Hour
	defaultStorageDir    = "huddle-media"
	defaultEnvironment   = "development"
	productionEnviron    = "production"
	developmentSignalKey = "huddle-dev-signaling-key-do-not-ship"
)

// AppConfig captures runtime configuration for the signaling service.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	Environment   string
	SigningSecret string
	SignalingKey  string
	RingTimeout   time.Duration
	TokenTTL      time.Duration
	StorageDir    string

	// SignalingKeyDefaulted is true when the development fallback key was
	// substituted for a missing signaling secret. Callers should log a warning.
	SignalingKeyDefaulted bool
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("environment", defaultEnvironment)
	configViper.SetDefault("call.ring_timeout_seconds", int(defaultRingTimeout.Seconds()))
	configViper.SetDefault("token.ttl_minutes", int(defaultTokenTTL.Minutes()))
	configViper.SetDefault("storage.dir", defaultStorageDir)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		Environment:   strings.ToLower(strings.TrimSpace(configViper.GetString("environment"))),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		SignalingKey:  configViper.GetString("signaling.encryption_key"),
		RingTimeout:   time.Duration(configViper.GetInt("call.ring_timeout_seconds")) * time.Second,
		TokenTTL:      time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		StorageDir:    configViper.GetString("storage.dir"),
	}

	if strings.TrimSpace(cfg.SignalingKey) == "" {
		if cfg.IsProduction() {
			return AppConfig{}, fmt.Errorf("signaling.encryption_key is required in production")
		}
		cfg.SignalingKey = developmentSignalKey
		cfg.SignalingKeyDefaulted = true
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with production hardening.
func (c AppConfig) IsProduction() bool {
	return c.Environment == productionEnviron
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.StorageDir) == "" {
		return fmt.Errorf("storage.dir is required")
	}
	if c.RingTimeout <= 0 {
		return fmt.Errorf("call.ring_timeout_seconds must be positive")
	}
	return nil
}
