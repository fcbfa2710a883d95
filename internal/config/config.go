// Package config loads gatekeep settings from defaults, an optional YAML
// file and GATEKEEP_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables. Nested keys are
// separated by a double underscore: GATEKEEP_REVOCATION__DEGRADED_MODE.
const EnvPrefix = "GATEKEEP_"

var ErrConfig = errors.New("invalid configuration")

const (
	DegradedFailClosed = "fail_closed"
	DegradedFailOpen   = "fail_open"

	BackendRedis  = "redis"
	BackendMemory = "memory"

	BusRedisStream = "redisstream"
	BusGoChannel   = "gochannel"
)

type Config struct {
	Log        LogConfig        `koanf:"log"`
	HTTP       HTTPConfig       `koanf:"http"`
	Token      TokenConfig      `koanf:"token"`
	Redis      RedisConfig      `koanf:"redis"`
	Revocation RevocationConfig `koanf:"revocation"`
	Gateway    GatewayConfig    `koanf:"gateway"`
	Bus        BusConfig        `koanf:"bus"`
	Identity   IdentityConfig   `koanf:"identity"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type HTTPConfig struct {
	Addr         string `koanf:"addr"`
	CookieSecure bool   `koanf:"cookie_secure"`
	CookieDomain string `koanf:"cookie_domain"`
}

// TokenConfig selects the signing key. Exactly one of Secret (base64 HMAC
// secret) and KeyFile (PEM encoded P-256 private key) must be set.
type TokenConfig struct {
	Issuer       string        `koanf:"issuer"`
	Secret       string        `koanf:"secret"`
	KeyFile      string        `koanf:"key_file"`
	AccessTTL    time.Duration `koanf:"access_ttl"`
	RefreshTTL   time.Duration `koanf:"refresh_ttl"`
	ChallengeTTL time.Duration `koanf:"challenge_ttl"`
	Leeway       time.Duration `koanf:"leeway"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// RevocationConfig controls the revocation store and what happens when it
// cannot be reached. DegradedMode has no default.
type RevocationConfig struct {
	Backend         string        `koanf:"backend"`
	DegradedMode    string        `koanf:"degraded_mode"`
	Timeout         time.Duration `koanf:"timeout"`
	MaxInflight     int64         `koanf:"max_inflight"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

type GatewayConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	SendQueue         int           `koanf:"send_queue"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	Shards            int           `koanf:"shards"`
}

// BusConfig selects the cross-node event bus. MaxLen caps every Redis
// stream; older entries are trimmed.
type BusConfig struct {
	Backend string `koanf:"backend"`
	MaxLen  int64  `koanf:"max_len"`
}

type IdentityConfig struct {
	Users  map[string]UserConfig `koanf:"users"`
	Wallet bool                  `koanf:"wallet"`
}

// UserConfig is one entry of the static password directory.
type UserConfig struct {
	PasswordHash string            `koanf:"password_hash"`
	Claims       map[string]string `koanf:"claims"`
}

func defaults() map[string]any {
	return map[string]any{
		"log": map[string]any{
			"level":  "info",
			"format": "json",
		},
		"http": map[string]any{
			"addr":          ":8080",
			"cookie_secure": true,
		},
		"token": map[string]any{
			"issuer":        "gatekeep",
			"access_ttl":    "15m",
			"refresh_ttl":   "120h",
			"challenge_ttl": "5m",
			"leeway":        "5s",
		},
		"redis": map[string]any{
			"addr": "localhost:6379",
		},
		"revocation": map[string]any{
			"backend":          BackendRedis,
			"timeout":          "250ms",
			"max_inflight":     256,
			"janitor_interval": "1m",
		},
		"gateway": map[string]any{
			"heartbeat_interval": "30s",
			"idle_timeout":       "90s",
			"send_queue":         64,
			"write_timeout":      "10s",
			"shards":             32,
		},
		"bus": map[string]any{
			"backend": BusRedisStream,
			"max_len": 10000,
		},
	}
}

// Load reads the configuration. path may be empty.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(mapProvider(defaults()), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	transform := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", transform), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that have no safe default.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...))
	}

	switch c.Revocation.DegradedMode {
	case DegradedFailClosed, DegradedFailOpen:
	case "":
		fail("revocation.degraded_mode must be set to %q or %q", DegradedFailClosed, DegradedFailOpen)
	default:
		fail("revocation.degraded_mode %q is not one of %q, %q", c.Revocation.DegradedMode, DegradedFailClosed, DegradedFailOpen)
	}

	switch c.Revocation.Backend {
	case BackendRedis, BackendMemory:
	default:
		fail("revocation.backend %q is not one of %q, %q", c.Revocation.Backend, BackendRedis, BackendMemory)
	}

	switch c.Bus.Backend {
	case BusRedisStream:
		if c.Bus.MaxLen <= 0 {
			fail("bus.max_len must be positive for %q", BusRedisStream)
		}
	case BusGoChannel:
	default:
		fail("bus.backend %q is not one of %q, %q", c.Bus.Backend, BusRedisStream, BusGoChannel)
	}

	if (c.Token.Secret == "") == (c.Token.KeyFile == "") {
		fail("exactly one of token.secret and token.key_file must be set")
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		fail("token lifetimes must be positive")
	} else if c.Token.AccessTTL >= c.Token.RefreshTTL {
		fail("token.access_ttl must be shorter than token.refresh_ttl")
	}
	if c.Revocation.Timeout <= 0 {
		fail("revocation.timeout must be positive")
	}
	if c.Revocation.MaxInflight <= 0 {
		fail("revocation.max_inflight must be positive")
	}
	if c.Gateway.HeartbeatInterval <= 0 || c.Gateway.IdleTimeout < c.Gateway.HeartbeatInterval {
		fail("gateway.idle_timeout must be at least gateway.heartbeat_interval")
	}
	if c.Gateway.SendQueue <= 0 {
		fail("gateway.send_queue must be positive")
	}

	return errors.Join(errs...)
}

// mapProvider feeds a plain map to koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return m, nil
}
