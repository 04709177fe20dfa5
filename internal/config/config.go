// Package config loads the latticed host configuration from YAML, TOML or
// JSON files with LATTICE_* environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aretw0/lattice/pkg/policy"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LATTICE_"

// ErrInvalid is returned for configurations that cannot run a host.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Lattice           string                    `mapstructure:"lattice"`
	HostSeed          string                    `mapstructure:"host_seed"`
	Labels            map[string]string         `mapstructure:"labels"`
	Transport         TransportConfig           `mapstructure:"transport"`
	HeartbeatInterval time.Duration             `mapstructure:"heartbeat_interval"`
	LeaseWindow       time.Duration             `mapstructure:"lease_window"`
	RPCTimeout        time.Duration             `mapstructure:"rpc_timeout"`
	ReconcileInterval time.Duration             `mapstructure:"reconcile_interval"`
	Policy            PolicyConfig              `mapstructure:"policy"`
	TrustAnchors      []string                  `mapstructure:"trust_anchors"`
	Store             StoreConfig               `mapstructure:"store"`
	AdminAddr         string                    `mapstructure:"admin_addr"`
	Providers         map[string]ProviderConfig `mapstructure:"providers"`
	Log               LogConfig                 `mapstructure:"log"`
}

type TransportConfig struct {
	// Kind is memory, redis or nats.
	Kind   string `mapstructure:"kind"`
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

type PolicyConfig struct {
	// Topic enables the bus policy authority when set.
	Topic           string        `mapstructure:"topic"`
	ChangesTopic    string        `mapstructure:"changes_topic"`
	RevocationTopic string        `mapstructure:"revocation_topic"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	// Default is the built-in authority used without a topic: allow, deny or claims.
	Default string   `mapstructure:"default"`
	Revoked []string `mapstructure:"revoked"`
}

type StoreConfig struct {
	// Kind is memory or redis.
	Kind   string `mapstructure:"kind"`
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
	// EncryptionKey is a base64 AES-256 key. Link values are stored
	// encrypted when set.
	EncryptionKey string   `mapstructure:"encryption_key"`
	FallbackKeys  []string `mapstructure:"fallback_keys"`
}

type ProviderConfig struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration of a standalone in-memory host.
func Default() Config {
	return Config{
		Lattice:           "default",
		Labels:            map[string]string{},
		Transport:         TransportConfig{Kind: "memory"},
		HeartbeatInterval: 30 * time.Second,
		LeaseWindow:       90 * time.Second,
		RPCTimeout:        2 * time.Second,
		Policy: PolicyConfig{
			Timeout:  policy.DefaultTimeout,
			CacheTTL: policy.DefaultCacheTTL,
			Default:  "allow",
		},
		Store:     StoreConfig{Kind: "memory", Prefix: "lattice:"},
		Providers: map[string]ProviderConfig{},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// envKeys lists the scalar settings that can be overridden from the
// environment. The variable name is EnvPrefix plus the upper-cased key with
// dots replaced by underscores. Lists are comma separated.
var envKeys = []string{
	"lattice",
	"host_seed",
	"transport.kind",
	"transport.url",
	"transport.prefix",
	"heartbeat_interval",
	"lease_window",
	"rpc_timeout",
	"reconcile_interval",
	"policy.topic",
	"policy.changes_topic",
	"policy.revocation_topic",
	"policy.timeout",
	"policy.cache_ttl",
	"policy.default",
	"policy.revoked",
	"trust_anchors",
	"store.kind",
	"store.url",
	"store.prefix",
	"store.encryption_key",
	"store.fallback_keys",
	"admin_addr",
	"log.level",
	"log.format",
}

// EnvName returns the environment variable overriding key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load reads path (if not empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	raw := map[string]any{}
	if path != "" {
		var err error
		if raw, err = readFile(path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(raw, os.Environ())

	cfg := Default()
	if err := decode(raw, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	raw := map[string]any{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		_, err = toml.Decode(string(data), &raw)
	case ".json":
		err = json.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("%w: unsupported config format %q", ErrInvalid, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return raw, nil
}

func applyEnv(raw map[string]any, environ []string) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	for _, key := range envKeys {
		if v, ok := env[EnvName(key)]; ok {
			set(raw, strings.Split(key, "."), v)
		}
	}
	// LATTICE_LABEL_<NAME>=value adds a host label.
	labelPrefix := EnvPrefix + "LABEL_"
	for k, v := range env {
		if name, ok := strings.CutPrefix(k, labelPrefix); ok && name != "" {
			set(raw, []string{"labels", strings.ToLower(name)}, v)
		}
	}
}

func set(m map[string]any, path []string, v any) {
	for _, p := range path[:len(path)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}

func decode(raw map[string]any, cfg *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Validate checks the settings a host cannot start without.
func (c Config) Validate() error {
	if c.Lattice == "" {
		return fmt.Errorf("%w: lattice is required", ErrInvalid)
	}
	switch c.Transport.Kind {
	case "memory":
	case "redis", "nats":
		if c.Transport.URL == "" {
			return fmt.Errorf("%w: transport %s requires a url", ErrInvalid, c.Transport.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport.Kind)
	}
	switch c.Store.Kind {
	case "memory":
	case "redis":
		if c.Store.URL == "" && c.Transport.Kind != "redis" {
			return fmt.Errorf("%w: redis store requires a url", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalid, c.Store.Kind)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalid)
	}
	if c.LeaseWindow <= c.HeartbeatInterval {
		return fmt.Errorf("%w: lease_window must exceed heartbeat_interval", ErrInvalid)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("%w: rpc_timeout must be positive", ErrInvalid)
	}
	if c.Policy.Topic == "" {
		if _, err := policy.ByName(c.Policy.Default); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	for ref, p := range c.Providers {
		if p.Command == "" {
			return fmt.Errorf("%w: provider %q has no command", ErrInvalid, ref)
		}
	}
	return nil
}

// StoreURL returns the store address, falling back to the transport's when
// both use Redis.
func (c Config) StoreURL() string {
	if c.Store.URL == "" && c.Store.Kind == "redis" && c.Transport.Kind == "redis" {
		return c.Transport.URL
	}
	return c.Store.URL
}
