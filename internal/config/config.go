package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix          = "CRMCACHE"
	defaultHTTPAddress = "0.0.0.0:8080"
	defaultStorePath   = "crmcache.db"
	defaultLogLevel    = "info"
	defaultCookieName  = "crm_session"

	defaultStoreMaxEntries       = 1000
	defaultStoreTTLMinutes       = 7 * 24 * 60
	defaultTemplatesTTLMinutes   = 24 * 60
	defaultFollowupMaxAgeMinutes = 30
	defaultFollowupPageSize      = 200
)

// AppConfig captures runtime configuration for the cache API server.
type AppConfig struct {
	HTTPAddress        string
	SessionSigningKey  string
	SessionCookieName  string
	StorePath          string
	StoreMaxEntries    int
	StoreTTL           time.Duration
	RemoteBaseURL      string
	RemoteServiceToken string
	RedisAddress       string
	TemplatesTTL       time.Duration
	FollowupMaxAge     time.Duration
	FollowupPageSize   int
	LogLevel           string
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
	configViper.SetDefault("store.path", defaultStorePath)
	configViper.SetDefault("store.max_entries", defaultStoreMaxEntries)
	configViper.SetDefault("store.default_ttl_minutes", defaultStoreTTLMinutes)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("templates.ttl_minutes", defaultTemplatesTTLMinutes)
	configViper.SetDefault("followup.max_age_minutes", defaultFollowupMaxAgeMinutes)
	configViper.SetDefault("followup.page_size", defaultFollowupPageSize)
	configViper.SetDefault("redis.address", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		SessionSigningKey:  configViper.GetString("session.signing_secret"),
		SessionCookieName:  configViper.GetString("session.cookie_name"),
		StorePath:          configViper.GetString("store.path"),
		StoreMaxEntries:    configViper.GetInt("store.max_entries"),
		StoreTTL:           time.Duration(configViper.GetInt("store.default_ttl_minutes")) * time.Minute,
		RemoteBaseURL:      configViper.GetString("remote.base_url"),
		RemoteServiceToken: configViper.GetString("remote.service_token"),
		RedisAddress:       configViper.GetString("redis.address"),
		TemplatesTTL:       time.Duration(configViper.GetInt("templates.ttl_minutes")) * time.Minute,
		FollowupMaxAge:     time.Duration(configViper.GetInt("followup.max_age_minutes")) * time.Minute,
		FollowupPageSize:   configViper.GetInt("followup.page_size"),
		LogLevel:           configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.StorePath) == "" {
		return fmt.Errorf("store.path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	return nil
}
