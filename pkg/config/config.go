// Package config loads and validates the keygate service configuration.
//
// All values come from environment variables with the KEYGATE_ prefix
// (nested keys use underscores, e.g. KEYGATE_TUPLESTORE_ADDR) and fall back
// to defaults suitable for local development. The loaded Config is pure:
// no file paths or env lookups remain once Load returns.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Tuple store adapter modes.
const (
	// TupleStoreModeLocal uses a single shared tuple store deployment.
	TupleStoreModeLocal = "local"
	// TupleStoreModePerTenant resolves a dedicated tuple store per tenant
	// from the namespace template.
	TupleStoreModePerTenant = "per-tenant"
	// TupleStoreModeMemory evaluates the relationship schema in-process.
	// Intended for development and tests only.
	TupleStoreModeMemory = "memory"
)

// MinSessionSecretLength is the minimum length of the session signing secret
// in bytes. 32 bytes (256 bits) per OWASP/NIST guidelines for HMAC keys.
const MinSessionSecretLength = 32

// Config is the fully resolved keygate service configuration.
type Config struct {
	// Address is the listen address for the HTTP API.
	Address string

	// DefaultTenant is the tenant assumed when a request carries no
	// X-Tenant-ID header.
	DefaultTenant string

	TupleStore TupleStoreConfig
	Redis      RedisConfig
	Cache      CacheConfig
	Tokens     TokenConfig
	IDP        IDPConfig
	Metrics    MetricsConfig
	RateLimit  RateLimitConfig
}

// TupleStoreConfig configures the relationship tuple store adapter.
type TupleStoreConfig struct {
	// Mode selects the adapter: local, per-tenant or memory.
	Mode string

	// Addr is the base URL of the tuple store API (local mode).
	Addr string

	// StoreName is the name of the shared store (local mode).
	StoreName string

	// NamespaceTemplate resolves the per-tenant store URL; the literal
	// "{tenant}" is replaced with the tenant id (per-tenant mode).
	NamespaceTemplate string

	// RequestTimeout bounds every call to the tuple store.
	RequestTimeout time.Duration
}

// RedisConfig configures the key-value store holding keygate state.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces every key keygate writes.
	KeyPrefix string
}

// CacheConfig configures the authorization decision cache.
type CacheConfig struct {
	// TTL is how long a cached decision stays valid.
	TTL time.Duration

	// SweepInterval is how often expired entries are purged. Zero means
	// 20% of TTL.
	SweepInterval time.Duration
}

// TokenConfig configures session and resource token issuance.
type TokenConfig struct {
	// SessionSecret signs session and resource tokens (HS256).
	SessionSecret string

	// SessionExpiry is the lifetime of issued session tokens.
	SessionExpiry time.Duration

	// ResourceExpiry is the lifetime of issued resource-scoped tokens.
	ResourceExpiry time.Duration

	// Issuer is the iss claim on issued tokens.
	Issuer string
}

// IDPConfig configures the external identity provider keygate delegates to.
type IDPConfig struct {
	// Issuer is the expected iss claim on inbound identity tokens.
	Issuer string

	// JWKSURL is where the provider publishes its signing keys.
	JWKSURL string

	// Audience is the expected aud claim on inbound identity tokens.
	// Empty disables the audience check.
	Audience string

	// TokenURL is the provider's token endpoint used for password and
	// client-credentials login.
	TokenURL string

	// ClientID and ClientSecret authenticate keygate to the token endpoint.
	ClientID     string
	ClientSecret string

	// RequestTimeout bounds every call to the provider.
	RequestTimeout time.Duration
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool
}

// RateLimitConfig configures per-client request throttling.
// RPS of zero disables the limiter.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// Load reads the configuration from the environment and applies defaults.
// The result is not validated; call Validate before use.
func Load() *Config {
	v := viper.New()
	v.SetEnvPrefix("KEYGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	return &Config{
		Address:       v.GetString("listen_addr"),
		DefaultTenant: v.GetString("default_tenant"),
		TupleStore: TupleStoreConfig{
			Mode:              v.GetString("tuplestore.mode"),
			Addr:              v.GetString("tuplestore.addr"),
			StoreName:         v.GetString("tuplestore.store_name"),
			NamespaceTemplate: v.GetString("tuplestore.namespace_template"),
			RequestTimeout:    v.GetDuration("tuplestore.request_timeout"),
		},
		Redis: RedisConfig{
			Addr:      v.GetString("redis.addr"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key_prefix"),
		},
		Cache: CacheConfig{
			TTL:           v.GetDuration("cache.ttl"),
			SweepInterval: v.GetDuration("cache.sweep_interval"),
		},
		Tokens: TokenConfig{
			SessionSecret:  v.GetString("session.secret"),
			SessionExpiry:  v.GetDuration("session.expiry"),
			ResourceExpiry: v.GetDuration("resource.token_expiry"),
			Issuer:         v.GetString("session.issuer"),
		},
		IDP: IDPConfig{
			Issuer:         v.GetString("idp.issuer"),
			JWKSURL:        v.GetString("idp.jwks_url"),
			Audience:       v.GetString("idp.audience"),
			TokenURL:       v.GetString("idp.token_url"),
			ClientID:       v.GetString("idp.client_id"),
			ClientSecret:   v.GetString("idp.client_secret"),
			RequestTimeout: v.GetDuration("idp.request_timeout"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
		},
		RateLimit: RateLimitConfig{
			RPS:   v.GetFloat64("rate_limit.rps"),
			Burst: v.GetInt("rate_limit.burst"),
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("default_tenant", "default")
	v.SetDefault("tuplestore.mode", TupleStoreModeMemory)
	v.SetDefault("tuplestore.addr", "http://localhost:8081")
	v.SetDefault("tuplestore.store_name", "keygate")
	v.SetDefault("tuplestore.namespace_template", "")
	v.SetDefault("tuplestore.request_timeout", 5*time.Second)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "keygate")
	v.SetDefault("cache.ttl", 300*time.Second)
	v.SetDefault("cache.sweep_interval", 0)
	v.SetDefault("session.expiry", 8*time.Hour)
	v.SetDefault("session.issuer", "keygate")
	v.SetDefault("resource.token_expiry", 5*time.Minute)
	v.SetDefault("idp.request_timeout", 10*time.Second)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("rate_limit.rps", 0)
	v.SetDefault("rate_limit.burst", 0)
}

// Validate checks that the Config is usable.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DefaultTenant == "" {
		return fmt.Errorf("default tenant is required")
	}

	switch c.TupleStore.Mode {
	case TupleStoreModeLocal:
		if c.TupleStore.Addr == "" {
			return fmt.Errorf("tuple store address is required in local mode")
		}
	case TupleStoreModePerTenant:
		if c.TupleStore.NamespaceTemplate == "" {
			return fmt.Errorf("namespace template is required in per-tenant mode")
		}
		if !strings.Contains(c.TupleStore.NamespaceTemplate, "{tenant}") {
			return fmt.Errorf("namespace template must contain the {tenant} placeholder")
		}
	case TupleStoreModeMemory:
		// nothing to resolve
	default:
		return fmt.Errorf("unknown tuple store mode %q", c.TupleStore.Mode)
	}

	if len(c.Tokens.SessionSecret) < MinSessionSecretLength {
		return fmt.Errorf("session secret must be at least %d bytes", MinSessionSecretLength)
	}
	if c.Tokens.SessionExpiry <= 0 {
		return fmt.Errorf("session expiry must be positive")
	}
	if c.Tokens.ResourceExpiry <= 0 {
		return fmt.Errorf("resource token expiry must be positive")
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}

	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("rate limit rps must not be negative")
	}

	return nil
}

// CacheSweepInterval returns the effective sweep cadence: the configured
// value, or 20% of the TTL when unset.
func (c *Config) CacheSweepInterval() time.Duration {
	if c.Cache.SweepInterval > 0 {
		return c.Cache.SweepInterval
	}
	return c.Cache.TTL / 5
}
