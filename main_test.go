package main

import (
	"encoding/base64"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), logger); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadConfigValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	content := `
server:
  public_url: "https://auth.example.com"
secrets:
  cookie_sign_key: "signkey"
  encryption_key: "` + key + `"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg, err := loadConfig(path, logger)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.PublicURL != "https://auth.example.com" {
		t.Fatalf("public_url = %q", cfg.Server.PublicURL)
	}
}
