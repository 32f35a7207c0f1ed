package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func baseEnv() map[string]string {
	return map[string]string{
		EnvIdentityHost:    "https://idp.example.com/",
		EnvStoreConnection: "AccountEndpoint=postgres://broker@localhost/broker?sslmode=disable;AccountKey=c2VjcmV0",
		EnvDatabase:        "Tenants",
		EnvCollection:      "Orders",
	}
}

func TestLoadFromEnv(t *testing.T) {
	env := baseEnv()
	env[EnvRequestTimeout] = "5s"
	env[EnvRateBurst] = "3"

	cfg, err := Load(Options{Getenv: envMap(env)})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IdentityHost != "https://idp.example.com" {
		t.Fatalf("trailing slash not trimmed: %q", cfg.IdentityHost)
	}
	if cfg.Store.Endpoint != "postgres://broker@localhost/broker?sslmode=disable" || cfg.Store.Key != "c2VjcmV0" {
		t.Fatalf("unexpected connection: %+v", cfg.Store)
	}
	if cfg.RequestTimeout != 5*time.Second || cfg.RateBurst != 3 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.IdentityHeader != "x-zumo-auth" || cfg.HTTPAddr != ":8080" || cfg.StoreMaxRetries != 3 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadReportsEveryMissingKey(t *testing.T) {
	_, err := Load(Options{Getenv: envMap(map[string]string{EnvDatabase: "Tenants"})})
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
	for _, key := range []string{EnvIdentityHost, EnvStoreConnection, EnvCollection} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not mention %s", err, key)
		}
	}
	if strings.Contains(err.Error(), EnvDatabase) {
		t.Fatalf("error %q mentions a key that was set", err)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		EnvRequestTimeout:  "soon",
		EnvRatePerSec:      "-1",
		EnvStoreConnection: "postgres://nokey",
		EnvTokenTTL:        "6h",
		EnvPermissionMode:  "Write",
		EnvTrustedProxies:  "10.0.0.0/8,not-an-ip",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			env := baseEnv()
			env[key] = val
			if _, err := Load(Options{Getenv: envMap(env)}); err == nil {
				t.Fatalf("expected error for %s=%q", key, val)
			}
		})
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	body := "identity_host: https://file.example.com\n" +
		"store_connection: AccountKey=k;AccountEndpoint=memory://\n" +
		"database: FileDB\n" +
		"collection: FileColl\n" +
		"identity_timeout: 2s\n" +
		"cors_origins:\n  - https://app.example.com\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(Options{File: path, Getenv: envMap(map[string]string{EnvCollection: "EnvColl"})})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Collection != "EnvColl" {
		t.Fatalf("env should override file, got %q", cfg.Collection)
	}
	if cfg.Database != "FileDB" || cfg.IdentityTimeout != 2*time.Second {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if !cfg.Store.IsMemory() || cfg.Store.Key != "k" {
		t.Fatalf("unexpected connection: %+v", cfg.Store)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "https://app.example.com" {
		t.Fatalf("cors origins not read from file: %v", cfg.CORSOrigins)
	}
}

func TestLoadTokenPolicyAndNetworkLists(t *testing.T) {
	cfg, err := Load(Options{Getenv: envMap(baseEnv())})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TokenTTL != 5*time.Hour || cfg.PermissionMode != "All" || len(cfg.CORSOrigins) != 0 || len(cfg.Proxies) != 0 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	env := baseEnv()
	env[EnvTokenTTL] = "1h"
	env[EnvPermissionMode] = "Read"
	env[EnvCORSOrigins] = " https://a.example.com, ,https://b.example.com"
	env[EnvTrustedProxies] = "10.0.0.0/8, 192.168.1.7 ,fd00::/8"
	cfg, err = Load(Options{Getenv: envMap(env)})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TokenTTL != time.Hour || cfg.PermissionMode != "Read" {
		t.Fatalf("token policy not applied: ttl=%s mode=%s", cfg.TokenTTL, cfg.PermissionMode)
	}
	if got := strings.Join(cfg.CORSOrigins, "|"); got != "https://a.example.com|https://b.example.com" {
		t.Fatalf("cors origins = %q", got)
	}
	var prefixes []string
	for _, p := range cfg.Proxies {
		prefixes = append(prefixes, p.String())
	}
	if got := strings.Join(prefixes, "|"); got != "10.0.0.0/8|192.168.1.7/32|fd00::/8" {
		t.Fatalf("trusted proxies = %q", got)
	}
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	body := EnvDatabase + "=FromDotEnv\n" + EnvCollection + "=DotColl\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv(EnvIdentityHost, "https://idp.example.com")
	t.Setenv(EnvStoreConnection, "AccountEndpoint=memory://;AccountKey=k")
	t.Setenv(EnvDatabase, "FromEnv")
	t.Setenv(EnvCollection, "")
	os.Unsetenv(EnvCollection)

	cfg, err := Load(Options{DotEnv: []string{path, filepath.Join(dir, "missing.env")}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database != "FromEnv" {
		t.Fatalf("dotenv overrode env: %q", cfg.Database)
	}
	if cfg.Collection != "DotColl" {
		t.Fatalf("dotenv value not loaded: %q", cfg.Collection)
	}
}
