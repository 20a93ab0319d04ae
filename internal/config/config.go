// Package config loads and validates the Hub's runtime configuration
// from file, environment, and flags via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"

	"github.com/spf13/viper"
)

// Config is the Hub's runtime configuration.
type Config struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	HealthAddr  string `mapstructure:"health_addr"`
	Environment string `mapstructure:"environment"` // "production" or "development"

	SessionTTLSeconds    int `mapstructure:"session_ttl_seconds"`
	GracePeriodSeconds   int `mapstructure:"grace_period_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`

	MaxMessageBytes   int64 `mapstructure:"max_message_bytes"`
	OutboundQueueSize int   `mapstructure:"outbound_queue_size"`

	InboundRateLimit float64 `mapstructure:"inbound_rate_limit"`
	InboundBurst     int     `mapstructure:"inbound_burst"`

	DeliveryWorkers   int `mapstructure:"delivery_workers"`
	DeliveryQueueSize int `mapstructure:"delivery_queue_size"`

	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

// Default returns the Hub's out-of-the-box configuration: a 1h session
// TTL, 30s grace period, and 1m sweep interval.
func Default() *Config {
	return &Config{
		ListenAddr:  ":8080",
		HealthAddr:  ":8081",
		Environment: "production",

		SessionTTLSeconds:    3600,
		GracePeriodSeconds:   30,
		SweepIntervalSeconds: 60,

		MaxMessageBytes:   64 * 1024,
		OutboundQueueSize: 64,

		InboundRateLimit: 20,
		InboundBurst:     40,

		DeliveryWorkers:   8,
		DeliveryQueueSize: 1024,

		LogLevel:      "info",
		LogFormat:     "json",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,
	}
}

// Load reads configuration from cfgFile (or the default search path if
// empty), overlays environment variables prefixed FLOWLINK_, and runs
// tiered validation: warnings are logged and startup continues, fatals
// abort startup.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("flowlink-hub")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("FLOWLINK")
	// Unmarshal only sees keys viper already knows about, so every field's
	// key is bound to its FLOWLINK_* variable even when no file sets it.
	fields := reflect.TypeOf(*cfg)
	for i := 0; i < fields.NumField(); i++ {
		if key := fields.Field(i).Tag.Get("mapstructure"); key != "" {
			_ = viper.BindEnv(key)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

// Save writes cfg to the default config path.
func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo writes cfg as YAML to cfgFile, or the default config path if empty.
func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("listen_addr", cfg.ListenAddr)
	viper.Set("health_addr", cfg.HealthAddr)
	viper.Set("environment", cfg.Environment)
	viper.Set("session_ttl_seconds", cfg.SessionTTLSeconds)
	viper.Set("grace_period_seconds", cfg.GracePeriodSeconds)
	viper.Set("sweep_interval_seconds", cfg.SweepIntervalSeconds)
	viper.Set("max_message_bytes", cfg.MaxMessageBytes)
	viper.Set("outbound_queue_size", cfg.OutboundQueueSize)
	viper.Set("inbound_rate_limit", cfg.InboundRateLimit)
	viper.Set("inbound_burst", cfg.InboundBurst)
	viper.Set("delivery_workers", cfg.DeliveryWorkers)
	viper.Set("delivery_queue_size", cfg.DeliveryQueueSize)
	viper.Set("tls_cert_file", cfg.TLSCertFile)
	viper.Set("tls_key_file", cfg.TLSKeyFile)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)
	viper.Set("log_file", cfg.LogFile)
	viper.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	viper.Set("log_max_backups", cfg.LogMaxBackups)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "flowlink-hub.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the platform-specific data directory for the Hub.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "FlowLink", "data")
	case "darwin":
		return "/Library/Application Support/FlowLink/data"
	default:
		return "/var/lib/flowlink-hub"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "FlowLink")
	case "darwin":
		return "/Library/Application Support/FlowLink"
	default:
		return "/etc/flowlink-hub"
	}
}
