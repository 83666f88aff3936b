package main

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/always-cache/appshell/cache"
	"github.com/always-cache/appshell/core"
)

type Config struct {
	Server              ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Scope               string        `yaml:"scope" env:"SCOPE"`
	Generation          string        `yaml:"generation" env:"GENERATION"`
	Precache            []string      `yaml:"precache" env:"PRECACHE" envSeparator:","`
	PrecacheConcurrency int           `yaml:"precacheConcurrency" env:"PRECACHE_CONCURRENCY"`
	VaryHeaders         []string      `yaml:"varyHeaders" env:"VARY_HEADERS" envSeparator:","`
	Policy              PolicyConfig  `yaml:"policy" envPrefix:"POLICY_"`
	Network             NetworkConfig `yaml:"network" envPrefix:"NETWORK_"`
	Storage             StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
}

type ServerConfig struct {
	Port   int    `yaml:"port" env:"PORT"`
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Hostname to use for HTTP requests and TLS negotiation with the origin.
	Host string `yaml:"host" env:"HOST"`
}

type PolicyConfig struct {
	NavigationFallbacks []string     `yaml:"navigationFallbacks" env:"NAVIGATION_FALLBACKS" envSeparator:","`
	Rules               []RuleConfig `yaml:"rules"`
}

type RuleConfig struct {
	Path     string `yaml:"path"`
	Prefix   string `yaml:"prefix"`
	Suffix   string `yaml:"suffix"`
	Strategy string `yaml:"strategy"`
}

type NetworkConfig struct {
	Timeout              string `yaml:"timeout" env:"TIMEOUT"`
	ErrorStatusIsFailure bool   `yaml:"errorStatusIsFailure" env:"ERROR_STATUS_IS_FAILURE"`
}

type StorageConfig struct {
	Provider string      `yaml:"provider" env:"PROVIDER"`
	Path     string      `yaml:"path" env:"PATH"`
	Redis    RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

const envPrefix = "APPSHELL_"

func defaultConfig() Config {
	opts := core.DefaultOptions()
	return Config{
		Server:              ServerConfig{Port: 8080},
		Scope:               "http://localhost:8080/",
		Precache:            []string{"/", "/index.html"},
		PrecacheConcurrency: opts.PrecacheConcurrency,
		Policy: PolicyConfig{
			NavigationFallbacks: opts.NavigationFallbacks,
		},
		Storage: StorageConfig{
			Provider: "sqlite",
			Path:     "./appshell.db",
			Redis:    RedisConfig{Addr: "localhost:6379", Prefix: "appshell"},
		},
	}
}

// getConfig reads the config file (if any) and applies environment overrides.
func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

func (c Config) scopeURL() (*url.URL, error) {
	u, err := url.Parse(c.Scope)
	if err != nil {
		return nil, fmt.Errorf("scope: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("scope %q is not an absolute URL", c.Scope)
	}
	return u, nil
}

func (c Config) rules() (core.Rules, error) {
	if c.Policy.Rules == nil {
		return core.DefaultRules(), nil
	}
	rules := make(core.Rules, 0, len(c.Policy.Rules))
	for _, rc := range c.Policy.Rules {
		strategy, err := core.ParseStrategy(rc.Strategy)
		if err != nil {
			return nil, fmt.Errorf("rule %+v: %w", rc, err)
		}
		rules = append(rules, core.Rule{
			Path:     rc.Path,
			Prefix:   rc.Prefix,
			Suffix:   rc.Suffix,
			Strategy: strategy,
		})
	}
	return rules, nil
}

func (c Config) options() (core.Options, error) {
	opts := core.Options{
		ErrorStatusIsFailure: c.Network.ErrorStatusIsFailure,
		PrecacheConcurrency:  c.PrecacheConcurrency,
		NavigationFallbacks:  c.Policy.NavigationFallbacks,
	}
	if c.Network.Timeout != "" {
		timeout, err := time.ParseDuration(c.Network.Timeout)
		if err != nil {
			return opts, fmt.Errorf("network timeout: %w", err)
		}
		opts.Timeout = timeout
	}
	return opts, nil
}

// openStore opens the configured storage provider.
func (c Config) openStore() (cache.Provider, error) {
	switch c.Storage.Provider {
	case "memory":
		return cache.NewMemory(), nil
	case "sqlite":
		return cache.NewSQLiteCache(c.Storage.Path)
	case "leveldb":
		return cache.NewLevelDBCache(c.Storage.Path)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     c.Storage.Redis.Addr,
			Password: c.Storage.Redis.Password,
			DB:       c.Storage.Redis.DB,
		})
		return &redisStore{
			RedisCache: cache.NewRedis(client, cache.WithPrefix(c.Storage.Redis.Prefix)),
			client:     client,
		}, nil
	}
	return nil, fmt.Errorf("unsupported storage provider: %s", c.Storage.Provider)
}

// redisStore closes the client it was created with.
type redisStore struct {
	*cache.RedisCache
	client *redis.Client
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
