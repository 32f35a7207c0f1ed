// Package config builds the broker's immutable process configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvConfigFile         = "BROKER_CONFIG_FILE"
	EnvIdentityHost       = "BROKER_IDENTITY_HOST"
	EnvIdentityHeader     = "BROKER_IDENTITY_HEADER"
	EnvIdentityTimeout    = "BROKER_IDENTITY_TIMEOUT"
	EnvStoreConnection    = "BROKER_STORE_CONNECTION"
	EnvDatabase           = "BROKER_DATABASE"
	EnvCollection         = "BROKER_COLLECTION"
	EnvHTTPAddr           = "BROKER_HTTP_ADDR"
	EnvGRPCAddr           = "BROKER_GRPC_ADDR"
	EnvRequestTimeout     = "BROKER_REQUEST_TIMEOUT"
	EnvRateBurst          = "BROKER_RATE_BURST"
	EnvRatePerSec         = "BROKER_RATE_PER_SEC"
	EnvStoreMaxRetries    = "BROKER_STORE_MAX_RETRIES"
	EnvStoreMaxRetryWait  = "BROKER_STORE_MAX_RETRY_WAIT"
	EnvTokenTTL           = "BROKER_TOKEN_TTL"
	EnvPermissionMode     = "BROKER_PERMISSION_MODE"
	EnvCORSOrigins        = "BROKER_CORS_ORIGINS"
	EnvTrustedProxies     = "BROKER_TRUSTED_PROXIES"
	defaultIdentityHeader = "x-zumo-auth"

	maxTokenTTL = 5 * time.Hour
)

// ErrMissing is wrapped by Load when required settings are absent.
var ErrMissing = errors.New("config: required setting missing")

// Config is built once at startup and never mutated afterwards.
type Config struct {
	IdentityHost    string        `yaml:"identity_host"`
	IdentityHeader  string        `yaml:"identity_header"`
	IdentityTimeout time.Duration `yaml:"identity_timeout"`

	Store      Connection `yaml:"-"`
	Database   string     `yaml:"database"`
	Collection string     `yaml:"collection"`

	StoreMaxRetries   int           `yaml:"store_max_retries"`
	StoreMaxRetryWait time.Duration `yaml:"store_max_retry_wait"`

	HTTPAddr       string        `yaml:"http_addr"`
	GRPCAddr       string        `yaml:"grpc_addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateBurst      int           `yaml:"rate_burst"`
	RatePerSec     int           `yaml:"rate_per_sec"`

	// TokenTTL is the lifetime advertised on issued tokens, at most five hours.
	TokenTTL       time.Duration `yaml:"token_ttl"`
	PermissionMode string        `yaml:"permission_mode"`

	// CORSOrigins lists browser origins; empty allows localhost only.
	CORSOrigins    []string       `yaml:"cors_origins"`
	TrustedProxies []string       `yaml:"trusted_proxies"`
	Proxies        []netip.Prefix `yaml:"-"`

	// StoreConnection is the raw connection string as read from the file.
	StoreConnection string `yaml:"store_connection"`
}

// Defaults returns the configuration used before any source is applied.
func Defaults() Config {
	return Config{
		IdentityHeader:    defaultIdentityHeader,
		IdentityTimeout:   10 * time.Second,
		StoreMaxRetries:   3,
		StoreMaxRetryWait: 15 * time.Second,
		HTTPAddr:          ":8080",
		GRPCAddr:          ":9090",
		RequestTimeout:    30 * time.Second,
		RateBurst:         20,
		RatePerSec:        10,
		TokenTTL:          maxTokenTTL,
		PermissionMode:    "All",
	}
}

// Options controls where Load reads from.
type Options struct {
	// File is an optional YAML file. Falls back to BROKER_CONFIG_FILE.
	File string
	// DotEnv lists .env files to load; missing files are ignored.
	DotEnv []string
	// Getenv overrides os.Getenv, mainly for tests.
	Getenv func(string) string
}

// Load applies defaults, the YAML file, .env files and environment variables, in
// that order, and validates the result.
func Load(opts Options) (Config, error) {
	for _, path := range opts.DotEnv {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		// godotenv.Load never overrides variables already present in the environment.
		if err := godotenv.Load(path); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := Defaults()

	file := strings.TrimSpace(opts.File)
	if file == "" {
		file = strings.TrimSpace(getenv(EnvConfigFile))
	}
	if file != "" {
		if err := cfg.applyFile(file); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str(EnvIdentityHost, &c.IdentityHost)
	str(EnvIdentityHeader, &c.IdentityHeader)
	str(EnvStoreConnection, &c.StoreConnection)
	str(EnvDatabase, &c.Database)
	str(EnvCollection, &c.Collection)
	str(EnvHTTPAddr, &c.HTTPAddr)
	str(EnvGRPCAddr, &c.GRPCAddr)
	str(EnvPermissionMode, &c.PermissionMode)

	list := func(key string, dst *[]string) {
		raw := strings.TrimSpace(getenv(key))
		if raw == "" {
			return
		}
		var out []string
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		*dst = out
	}
	list(EnvCORSOrigins, &c.CORSOrigins)
	list(EnvTrustedProxies, &c.TrustedProxies)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvIdentityTimeout, &c.IdentityTimeout},
		{EnvRequestTimeout, &c.RequestTimeout},
		{EnvStoreMaxRetryWait, &c.StoreMaxRetryWait},
		{EnvTokenTTL, &c.TokenTTL},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(getenv(d.key))
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil || v < 0 {
			return fmt.Errorf("config: %s must be a non-negative duration, got %q", d.key, raw)
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{EnvRateBurst, &c.RateBurst},
		{EnvRatePerSec, &c.RatePerSec},
		{EnvStoreMaxRetries, &c.StoreMaxRetries},
	}
	for _, i := range ints {
		raw := strings.TrimSpace(getenv(i.key))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return fmt.Errorf("config: %s must be a non-negative integer, got %q", i.key, raw)
		}
		*i.dst = v
	}
	return nil
}

func (c *Config) validate() error {
	var missing []string
	if c.IdentityHost == "" {
		missing = append(missing, EnvIdentityHost)
	}
	if c.StoreConnection == "" {
		missing = append(missing, EnvStoreConnection)
	}
	if c.Database == "" {
		missing = append(missing, EnvDatabase)
	}
	if c.Collection == "" {
		missing = append(missing, EnvCollection)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}
	c.IdentityHost = strings.TrimRight(c.IdentityHost, "/")
	conn, err := ParseConnectionString(c.StoreConnection)
	if err != nil {
		return err
	}
	c.Store = conn

	if c.TokenTTL <= 0 || c.TokenTTL > maxTokenTTL || c.TokenTTL%time.Second != 0 {
		return fmt.Errorf("config: %s must be whole seconds between 1s and %s, got %s", EnvTokenTTL, maxTokenTTL, c.TokenTTL)
	}
	switch c.PermissionMode {
	case "All", "Read":
	default:
		return fmt.Errorf("config: %s must be All or Read, got %q", EnvPermissionMode, c.PermissionMode)
	}

	c.Proxies = c.Proxies[:0]
	for _, raw := range c.TrustedProxies {
		p, err := parseProxy(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvTrustedProxies, err)
		}
		c.Proxies = append(c.Proxies, p)
	}
	return nil
}

// parseProxy accepts a CIDR prefix or a single address.
func parseProxy(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
