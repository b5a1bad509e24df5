// Package config loads ratekitd configuration from YAML, .env files and
// RATEKIT_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/nhalm/ratekit/policy"
	"github.com/nhalm/ratekit/store"
)

// Store backends.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config is the complete process configuration.
type Config struct {
	Server   ServerConfig      `yaml:"server"`
	Redis    store.RedisConfig `yaml:"redis"`
	Limiter  LimiterConfig     `yaml:"limiter"`
	Tracing  TracingConfig     `yaml:"tracing"`
	Auth     AuthConfig        `yaml:"auth"`
	Policies []policy.Policy   `yaml:"policies" validate:"dive"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// LimiterConfig configures the limiter and its store.
type LimiterConfig struct {
	// Store selects the counter store. "memory" is for single-instance
	// development only.
	Store string `yaml:"store" validate:"oneof=redis memory"`

	// Timeout bounds each store call.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Exporter     string  `yaml:"exporter" validate:"oneof=none stdout"`
	ServiceName  string  `yaml:"service_name" validate:"required"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// AuthConfig holds API keys. Client keys feed per-key limiting; admin keys
// guard the admin endpoints, which are disabled when none are set.
type AuthConfig struct {
	ClientKeys []string `yaml:"client_keys"`
	AdminKeys  []string `yaml:"admin_keys"`
}

// Default returns the configuration used before any file or environment is applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: store.RedisConfig{
			URL:    "localhost:6379",
			Prefix: "ratelimit:",
		},
		Limiter: LimiterConfig{
			Store:   StoreRedis,
			Timeout: 100 * time.Millisecond,
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			ServiceName:  "ratekitd",
			SamplingRate: 1,
		},
	}
}

// Load reads .env.local and .env (existing environment wins), then the YAML
// file at path (skipped when empty), then RATEKIT_* overrides, and validates
// the result. ${VAR} and ${VAR:-default} references in the file are expanded.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
		expanded, err := expandEnvVarsInKoanf(k)
		if err != nil {
			return nil, err
		}
		k = expanded
	}

	if err := k.Load(env.ProviderWithValue(envPrefix, ".", envOverride), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if len(cfg.Policies) == 0 {
		cfg.Policies = policy.Defaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFiles loads .env.local then .env. Missing files are ignored.
func LoadEnvFiles() error {
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that the policies form a valid registry.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q validation (value: %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Limiter.Store == StoreRedis && c.Redis.URL == "" && len(c.Redis.ClusterNodes) == 0 {
		return errors.New("invalid config: redis store requires redis.url or redis.cluster_nodes")
	}
	if _, err := policy.NewRegistry(c.Policies...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Registry builds the policy registry. Only valid after Validate succeeded.
func (c *Config) Registry() *policy.Registry {
	return policy.MustRegistry(c.Policies...)
}

const envPrefix = "RATEKIT_"

// envKeys maps each supported environment variable to its config path.
var envKeys = map[string]string{
	"RATEKIT_SERVER_ADDR":             "server.addr",
	"RATEKIT_SERVER_SHUTDOWN_TIMEOUT": "server.shutdown_timeout",
	"RATEKIT_REDIS_URL":               "redis.url",
	"RATEKIT_REDIS_PASSWORD":          "redis.password",
	"RATEKIT_REDIS_PREFIX":            "redis.prefix",
	"RATEKIT_REDIS_CLUSTER_NODES":     "redis.cluster_nodes",
	"RATEKIT_LIMITER_STORE":           "limiter.store",
	"RATEKIT_LIMITER_TIMEOUT":         "limiter.timeout",
	"RATEKIT_TRACING_EXPORTER":        "tracing.exporter",
	"RATEKIT_CLIENT_KEYS":             "auth.client_keys",
	"RATEKIT_ADMIN_KEYS":              "auth.admin_keys",
}

// envLists are comma-separated.
var envLists = map[string]bool{
	"redis.cluster_nodes": true,
	"auth.client_keys":    true,
	"auth.admin_keys":     true,
}

// envOverride maps a RATEKIT_* variable to its config path. Unknown and empty
// variables are skipped.
func envOverride(key, value string) (string, any) {
	path, ok := envKeys[key]
	if !ok || value == "" {
		return "", nil
	}
	if envLists[path] {
		return path, splitList(value)
	}
	return path, value
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// expandEnvVarsInKoanf rebuilds k with ${VAR} references in string values expanded.
func expandEnvVarsInKoanf(k *koanf.Koanf) (*koanf.Koanf, error) {
	expanded, ok := expandEnvVarsInData(k.Raw()).(map[string]any)
	if !ok {
		return nil, errors.New("unexpected type after env var expansion")
	}

	out := koanf.New(".")
	if err := out.Load(confmap.Provider(expanded, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load expanded config: %w", err)
	}
	return out, nil
}

func expandEnvVarsInData(data any) any {
	switch v := data.(type) {
	case string:
		return expandEnvVars(v)
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, value := range v {
			result[key] = expandEnvVarsInData(value)
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = expandEnvVarsInData(item)
		}
		return result
	default:
		return v
	}
}

var (
	envWithDefault = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`)
	envBraced      = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
)

func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}

	s = envWithDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envWithDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})

	return envBraced.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envBraced.FindStringSubmatch(match)[1])
	})
}
