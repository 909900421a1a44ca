// Package config загружает конфигурацию агентского телефона из YAML-файла
// с дефолтами и переменными окружения (префикс AGENT_PHONE_).
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config корневая конфигурация.
type Config struct {
	SIP       SIPConfig       `mapstructure:"sip"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Service   ServiceConfig   `mapstructure:"service"`
}

// SIPConfig учетные данные SIP-аккаунта агента.
type SIPConfig struct {
	Server      string `mapstructure:"server"`
	Transport   string `mapstructure:"transport"`
	Extension   string `mapstructure:"extension"`
	Password    string `mapstructure:"password"`
	DisplayName string `mapstructure:"display_name"`
	LocalPort   int    `mapstructure:"local_port"`
}

// BackendConfig адреса CRM-бэкенда.
type BackendConfig struct {
	APIURL string `mapstructure:"api_url"`
	WSURL  string `mapstructure:"ws_url"`
	Token  string `mapstructure:"token"`
}

// ReconnectConfig темп восстановления регистрации и живость.
type ReconnectConfig struct {
	Base           time.Duration `mapstructure:"base"`
	Cap            time.Duration `mapstructure:"cap"`
	MaxRetries     int           `mapstructure:"max_retries"`
	Jitter         time.Duration `mapstructure:"jitter"`
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// TransferConfig параметры переводов.
type TransferConfig struct {
	CompletionTimeout time.Duration `mapstructure:"completion_timeout"`
	HistoryLimit      int           `mapstructure:"history_limit"`
}

// StorageConfig локальные файлы клиента.
type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

// ServiceConfig общие параметры процесса.
type ServiceConfig struct {
	LogLevel    string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Load читает конфигурацию из файла path. Пустой path — только дефолты
// и переменные окружения.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("sip.transport", "udp")
	v.SetDefault("sip.local_port", 5060)
	v.SetDefault("reconnect.base", time.Second)
	v.SetDefault("reconnect.cap", 10*time.Second)
	v.SetDefault("reconnect.max_retries", 8)
	v.SetDefault("reconnect.jitter", 250*time.Millisecond)
	v.SetDefault("reconnect.debounce_window", 300*time.Millisecond)
	v.SetDefault("reconnect.health_interval", 5*time.Second)
	v.SetDefault("transfer.completion_timeout", 5*time.Second)
	v.SetDefault("transfer.history_limit", 50)
	v.SetDefault("storage.dir", ".agent_phone")
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.metrics_addr", "")

	v.SetEnvPrefix("AGENT_PHONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SIP.Server == "" {
		return errors.New("config: sip.server is required")
	}
	if c.SIP.Extension == "" {
		return errors.New("config: sip.extension is required")
	}
	if c.Reconnect.Base <= 0 || c.Reconnect.Cap < c.Reconnect.Base {
		return errors.New("config: reconnect backoff bounds are invalid")
	}
	return nil
}
