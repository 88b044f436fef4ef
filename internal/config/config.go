// Package config loads catalystd's runtime configuration via viper,
// binding CATALYST_-prefixed environment variables over an optional
// config file, the way the pack's CLI config loaders layer env over a
// file with viper.New()/BindEnv/AutomaticEnv.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is every tunable catalystd needs to boot.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	IdP IdPConfig `mapstructure:"idp"`

	Cache CacheConfig `mapstructure:"cache"`

	Store StoreConfig `mapstructure:"store"`

	Policy PolicyConfig `mapstructure:"policy"`

	Webhook WebhookConfig `mapstructure:"webhook"`

	ForwardAuth ForwardAuthConfig `mapstructure:"forward_auth"`
}

// IdPConfig configures the IdP HTTP adapter.
type IdPConfig struct {
	IssuerURL            string `mapstructure:"issuer_url"`
	AdminToken           string `mapstructure:"admin_token"`
	IntrospectionTimeout string `mapstructure:"introspection_timeout"`
}

// CacheConfig selects and configures the decision cache backend.
type CacheConfig struct {
	Backend  string `mapstructure:"backend"` // "memory" or "redis"
	RedisURL string `mapstructure:"redis_url"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // "memory" or "sqlite"
	DSN     string `mapstructure:"dsn"`
}

// PolicyConfig configures the bundled Cedar reference engine.
type PolicyConfig struct {
	CedarPolicyPath string `mapstructure:"cedar_policy_path"`
	MintSecret      string `mapstructure:"mint_secret"`
}

// WebhookConfig configures the delivery worker.
type WebhookConfig struct {
	BatchSize      int    `mapstructure:"batch_size"`
	PollInterval   string `mapstructure:"poll_interval"`
	StaleAfter     string `mapstructure:"stale_after"`
	RequestTimeout string `mapstructure:"request_timeout"`
}

// ForwardAuthConfig configures decision-cache TTL behavior.
type ForwardAuthConfig struct {
	CachePrefix     string `mapstructure:"cache_prefix"`
	DecisionTTLSecs int    `mapstructure:"decision_ttl_seconds"`
}

// Defaults returns the configuration catalystd boots with absent any
// file or environment override.
func Defaults() Config {
	return Config{
		ListenAddr: ":8080",
		IdP: IdPConfig{
			IntrospectionTimeout: "2s",
		},
		Cache: CacheConfig{
			Backend: "memory",
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Webhook: WebhookConfig{
			BatchSize:      25,
			PollInterval:   "5s",
			StaleAfter:     "2m",
			RequestTimeout: "15s",
		},
		ForwardAuth: ForwardAuthConfig{
			CachePrefix:     "forward-auth:decision",
			DecisionTTLSecs: 55,
		},
	}
}

// Load reads configPath (if non-empty and present) and overlays
// CATALYST_-prefixed environment variables, falling back to Defaults()
// for anything left unset.
func Load(configPath string) (Config, error) {
	v := viper.New()
	def := Defaults()

	v.SetEnvPrefix("CATALYST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindDefault(v, "listen_addr", def.ListenAddr)
	bindDefault(v, "idp.issuer_url", def.IdP.IssuerURL)
	bindDefault(v, "idp.admin_token", def.IdP.AdminToken)
	bindDefault(v, "idp.introspection_timeout", def.IdP.IntrospectionTimeout)
	bindDefault(v, "cache.backend", def.Cache.Backend)
	bindDefault(v, "cache.redis_url", def.Cache.RedisURL)
	bindDefault(v, "store.backend", def.Store.Backend)
	bindDefault(v, "store.dsn", def.Store.DSN)
	bindDefault(v, "policy.cedar_policy_path", def.Policy.CedarPolicyPath)
	bindDefault(v, "policy.mint_secret", def.Policy.MintSecret)
	bindDefault(v, "webhook.batch_size", def.Webhook.BatchSize)
	bindDefault(v, "webhook.poll_interval", def.Webhook.PollInterval)
	bindDefault(v, "webhook.stale_after", def.Webhook.StaleAfter)
	bindDefault(v, "webhook.request_timeout", def.Webhook.RequestTimeout)
	bindDefault(v, "forward_auth.cache_prefix", def.ForwardAuth.CachePrefix)
	bindDefault(v, "forward_auth.decision_ttl_seconds", def.ForwardAuth.DecisionTTLSecs)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, err
			}
		}
	}

	cfg := def
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func bindDefault(v *viper.Viper, key string, def any) {
	v.SetDefault(key, def)
	_ = v.BindEnv(key)
}

// ParseDurationOr parses s, falling back to def on error or empty input.
func ParseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
