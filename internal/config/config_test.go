package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const baseYAML = `
port: "8080"
logLevel: "info"
metadataBackend: "redis"
redisAddr: "localhost:6379"
tenant: "n12345678"
minioEndpoint: "localhost:9000"
minioAccessKey: "minioadmin"
minioSecretKey: "minioadmin"
minioBucket: "detector-uploads"
inferenceURL: "http://localhost:8501"
jwtSecret: "change-me"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MaxUploadBytes != 10<<20 {
		t.Fatalf("maxUploadBytes = %d, want %d", cfg.MaxUploadBytes, 10<<20)
	}
	if cfg.PresignTTLMin != 60 {
		t.Fatalf("presignTTLMinutes = %d, want 60", cfg.PresignTTLMin)
	}
	if cfg.LoginRatePerMin != 10 {
		t.Fatalf("loginRateLimitPerMinute = %d, want 10", cfg.LoginRatePerMin)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("AIDETECTOR_JWT_SECRET", "env-secret")
	t.Setenv("AIDETECTOR_MAX_UPLOAD_BYTES", "1048576")

	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RedisAddr != "redis.internal:6380" {
		t.Fatalf("redisAddr = %q, want env override", cfg.RedisAddr)
	}
	if cfg.JWTSecret != "env-secret" {
		t.Fatalf("jwtSecret = %q, want env override", cfg.JWTSecret)
	}
	if cfg.MaxUploadBytes != 1048576 {
		t.Fatalf("maxUploadBytes = %d, want 1048576", cfg.MaxUploadBytes)
	}
}

func TestValidateConfigRejectsUnknownBackend(t *testing.T) {
	cfg := FileConfig{
		Port:            "8080",
		MetadataBackend: "dynamo",
	}
	if err := validateConfig(cfg); err == nil {
		t.Fatalf("validateConfig() expected error for unknown backend")
	}
}

func TestValidateConfigPostgresNeedsDatabaseURL(t *testing.T) {
	content := strings.Replace(baseYAML, `metadataBackend: "redis"`, `metadataBackend: "postgres"`, 1)
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatalf("expected error for postgres backend without databaseURL")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
