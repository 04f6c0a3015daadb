package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	AdminSecret string `yaml:"admin_secret"` // 管理端 JWT 签名密钥
}

// StoreConfig 存储配置
type StoreConfig struct {
	RedisURL   string `yaml:"redis_url"`
	RedisToken string `yaml:"redis_token"`
	LogDBPath  string `yaml:"log_db_path"`
}

// UpstreamConfig 上游缺省配置，设置未配置时的回填值
type UpstreamConfig struct {
	PrimaryAPIKey string `yaml:"primary_api_key"`
	DefaultAPIURL string `yaml:"default_api_url"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level         string `yaml:"level"`
	RetentionDays int    `yaml:"retention_days"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Load 从文件加载配置，环境变量覆盖文件值
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnv(cfg)
	setDefaults(cfg)

	// 支持通过 "auto" 自动生成管理密钥（首次加载后落盘）
	if strings.EqualFold(strings.TrimSpace(cfg.Server.AdminSecret), "auto") {
		cfg.Server.AdminSecret = generateSecret("relaygate-admin")
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

// applyEnv 应用环境变量覆盖
func applyEnv(cfg *Config) {
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := os.Getenv("REDIS_TOKEN"); v != "" {
		cfg.Store.RedisToken = v
	}
	if v := os.Getenv("PRIMARY_API_KEY"); v != "" {
		cfg.Upstream.PrimaryAPIKey = v
	}
	if v := os.Getenv("DEFAULT_UPSTREAM_URL"); v != "" {
		cfg.Upstream.DefaultAPIURL = v
	}
	if v := os.Getenv("ADMIN_SECRET"); v != "" {
		cfg.Server.AdminSecret = v
	}
}

func generateSecret(prefix string) string {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return prefix + "-fallback-secret"
	}
	return prefix + "-" + hex.EncodeToString(b)
}

// Get 获取全局配置
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 18080
	}
	if cfg.Store.RedisURL == "" {
		cfg.Store.RedisURL = "redis://localhost:6379/0"
	}
	if cfg.Store.LogDBPath == "" {
		cfg.Store.LogDBPath = "./data/relaygate.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.RetentionDays == 0 {
		cfg.Logging.RetentionDays = 7
	}
}

// Save 保存配置到文件
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
