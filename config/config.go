package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Minio    MinioConfig    `yaml:"minio"`
	Telegram TelegramConfig `yaml:"telegram"`
	Auth     AuthConfig     `yaml:"auth"`
	Polling  PollingConfig  `yaml:"polling"`
	Upload   UploadConfig   `yaml:"upload"`
	Users    []User         `yaml:"users"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	Driver   string `yaml:"driver"` // memory, sqlite
	Path     string `yaml:"path"`
	MaxDeals int    `yaml:"max_deals"`
}

type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	UseSSL     bool   `yaml:"use_ssl"`
	ExpireDays int    `yaml:"expire_days"`
}

type TelegramConfig struct {
	APIURL        string `yaml:"api_url"`
	BotToken      string `yaml:"bot_token"`
	ManagerChatID string `yaml:"manager_chat_id"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

// PollingConfig holds the intervals for the deal status pollers.
// Each condition is independently tunable.
type PollingConfig struct {
	ManagerStatusCheckSeconds  int `yaml:"manager_status_check_seconds"`
	ReceiptStatusCheckSeconds  int `yaml:"receipt_status_check_seconds"`
	ManagerReceiptCheckSeconds int `yaml:"manager_receipt_check_seconds"`
	ProjectStatusCheckSeconds  int `yaml:"project_status_check_seconds"`
}

// ManagerStatusInterval returns the manager approval check interval
func (p *PollingConfig) ManagerStatusInterval() time.Duration {
	return time.Duration(p.ManagerStatusCheckSeconds) * time.Second
}

// ReceiptStatusInterval returns the receipt approval check interval
func (p *PollingConfig) ReceiptStatusInterval() time.Duration {
	return time.Duration(p.ReceiptStatusCheckSeconds) * time.Second
}

// ManagerReceiptInterval returns the manager receipt check interval
func (p *PollingConfig) ManagerReceiptInterval() time.Duration {
	return time.Duration(p.ManagerReceiptCheckSeconds) * time.Second
}

// ProjectStatusInterval returns the generic project status check interval
func (p *PollingConfig) ProjectStatusInterval() time.Duration {
	return time.Duration(p.ProjectStatusCheckSeconds) * time.Second
}

type UploadConfig struct {
	MaxReceiptSizeMB int      `yaml:"max_receipt_size_mb"`
	AllowedTypes     []string `yaml:"allowed_types"`
}

type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Email    string `yaml:"email"`
}

var GlobalConfig *Config

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "deals.db"
	}
	if cfg.Minio.ExpireDays == 0 {
		cfg.Minio.ExpireDays = 7
	}
	if cfg.Telegram.APIURL == "" {
		cfg.Telegram.APIURL = "https://api.telegram.org"
	}
	if cfg.Auth.TokenExpireHours == 0 {
		cfg.Auth.TokenExpireHours = 24
	}
	if cfg.Polling.ManagerStatusCheckSeconds == 0 {
		cfg.Polling.ManagerStatusCheckSeconds = 4
	}
	if cfg.Polling.ReceiptStatusCheckSeconds == 0 {
		cfg.Polling.ReceiptStatusCheckSeconds = 4
	}
	if cfg.Polling.ManagerReceiptCheckSeconds == 0 {
		cfg.Polling.ManagerReceiptCheckSeconds = 5
	}
	if cfg.Polling.ProjectStatusCheckSeconds == 0 {
		cfg.Polling.ProjectStatusCheckSeconds = 5
	}
	if cfg.Upload.MaxReceiptSizeMB == 0 {
		cfg.Upload.MaxReceiptSizeMB = 10
	}
	if len(cfg.Upload.AllowedTypes) == 0 {
		cfg.Upload.AllowedTypes = []string{"application/pdf", "image/jpeg", "image/png"}
	}

	GlobalConfig = &cfg
	return &cfg, nil
}

// FindUser finds a user by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}
