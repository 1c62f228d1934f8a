package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	configContent := `
server:
  port: 9090
minio:
  endpoint: "localhost:9000"
  access_key: "minioadmin"
  secret_key: "minioadmin"
  bucket: "receipts"
  use_ssl: false
  expire_days: 14
telegram:
  bot_token: "test-token"
  manager_chat_id: "-100123456"
auth:
  jwt_secret: "test-secret"
  token_expire_hours: 48
log:
  level: "debug"
  format: "json"
store:
  driver: "sqlite"
  path: "/tmp/deals.db"
  max_deals: 50
polling:
  manager_status_check_seconds: 2
  receipt_status_check_seconds: 3
upload:
  max_receipt_size_mb: 20
users:
  - username: "testuser"
    password: "testpass"
    email: "test@example.com"
`
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()

	// Test loading config
	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Verify values
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Minio.Endpoint != "localhost:9000" {
		t.Errorf("Expected endpoint localhost:9000, got %s", cfg.Minio.Endpoint)
	}
	if cfg.Minio.ExpireDays != 14 {
		t.Errorf("Expected expire_days 14, got %d", cfg.Minio.ExpireDays)
	}
	if cfg.Telegram.BotToken != "test-token" {
		t.Errorf("Expected bot token test-token, got %s", cfg.Telegram.BotToken)
	}
	if cfg.Telegram.APIURL != "https://api.telegram.org" {
		t.Errorf("Expected default telegram API URL, got %s", cfg.Telegram.APIURL)
	}
	if cfg.Auth.TokenExpireHours != 48 {
		t.Errorf("Expected token_expire_hours 48, got %d", cfg.Auth.TokenExpireHours)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Log.Level)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Expected store driver sqlite, got %s", cfg.Store.Driver)
	}
	if cfg.Store.MaxDeals != 50 {
		t.Errorf("Expected max_deals 50, got %d", cfg.Store.MaxDeals)
	}
	if cfg.Polling.ManagerStatusCheckSeconds != 2 {
		t.Errorf("Expected manager_status_check_seconds 2, got %d", cfg.Polling.ManagerStatusCheckSeconds)
	}
	if cfg.Polling.ManagerStatusInterval() != 2*time.Second {
		t.Errorf("Expected 2s manager status interval, got %v", cfg.Polling.ManagerStatusInterval())
	}
	if cfg.Upload.MaxReceiptSizeMB != 20 {
		t.Errorf("Expected max_receipt_size_mb 20, got %d", cfg.Upload.MaxReceiptSizeMB)
	}
	if len(cfg.Users) != 1 {
		t.Errorf("Expected 1 user, got %d", len(cfg.Users))
	}
	if cfg.Users[0].Username != "testuser" {
		t.Errorf("Expected username testuser, got %s", cfg.Users[0].Username)
	}
}

func TestLoadDefaults(t *testing.T) {
	// Create minimal config to test defaults
	configContent := `
minio:
  endpoint: "localhost:9000"
  access_key: "test"
  secret_key: "test"
  bucket: "receipts"
`
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Expected default store driver memory, got %s", cfg.Store.Driver)
	}
	if cfg.Minio.ExpireDays != 7 {
		t.Errorf("Expected default expire_days 7, got %d", cfg.Minio.ExpireDays)
	}
	if cfg.Auth.TokenExpireHours != 24 {
		t.Errorf("Expected default token_expire_hours 24, got %d", cfg.Auth.TokenExpireHours)
	}
	if cfg.Polling.ManagerStatusCheckSeconds != 4 {
		t.Errorf("Expected default manager check 4s, got %d", cfg.Polling.ManagerStatusCheckSeconds)
	}
	if cfg.Polling.ReceiptStatusCheckSeconds != 4 {
		t.Errorf("Expected default receipt check 4s, got %d", cfg.Polling.ReceiptStatusCheckSeconds)
	}
	if cfg.Polling.ManagerReceiptCheckSeconds != 5 {
		t.Errorf("Expected default manager receipt check 5s, got %d", cfg.Polling.ManagerReceiptCheckSeconds)
	}
	if cfg.Upload.MaxReceiptSizeMB != 10 {
		t.Errorf("Expected default max receipt size 10, got %d", cfg.Upload.MaxReceiptSizeMB)
	}
	if len(cfg.Upload.AllowedTypes) == 0 {
		t.Error("Expected default allowed types")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString("server: [not a map"); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()

	if _, err := Load(tmpFile.Name()); err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestFindUser(t *testing.T) {
	cfg := &Config{
		Users: []User{
			{Username: "alice", Password: "pw1", Email: "alice@example.com"},
			{Username: "bob", Password: "pw2", Email: "bob@example.com"},
		},
	}

	user := cfg.FindUser("alice")
	if user == nil {
		t.Fatal("Expected to find user alice")
	}
	if user.Email != "alice@example.com" {
		t.Errorf("Expected alice@example.com, got %s", user.Email)
	}

	if cfg.FindUser("nonexistent") != nil {
		t.Error("Expected nil for unknown user")
	}
}
