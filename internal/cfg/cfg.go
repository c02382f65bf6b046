package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"tradedesk-sync/internal/common"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	WsURL             string
	ReconnectAttempts int
	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration
	AutoConnect       bool
	LedgerGCInterval  time.Duration
	LedgerRetention   time.Duration
	AckTimeout        time.Duration
	SignalCap         int
	APIBaseURL        string
	RESTTimeout       time.Duration
	HTTPPort          int
	LogLevel          string
	LogPretty         bool
}

type ConfigFile struct {
	Connection struct {
		WsURL             string `yaml:"wsURL"`
		ReconnectAttempts *int   `yaml:"reconnectAttempts"`
		ReconnectInterval string `yaml:"reconnectInterval"`
		HeartbeatInterval string `yaml:"heartbeatInterval"`
		AutoConnect       *bool  `yaml:"autoConnect"`
	} `yaml:"connection"`

	Ledger struct {
		GCInterval string `yaml:"gcInterval"`
		Retention  string `yaml:"retention"`
		AckTimeout string `yaml:"ackTimeout"`
	} `yaml:"ledger"`

	Store struct {
		SignalCap int `yaml:"signalCap"`
	} `yaml:"store"`

	API struct {
		BaseURL     string `yaml:"baseURL"`
		RESTTimeout string `yaml:"restTimeout"`
	} `yaml:"api"`

	System struct {
		HTTPPort  int    `yaml:"httpPort"`
		LogLevel  string `yaml:"logLevel"`
		LogPretty bool   `yaml:"logPretty"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Settings{}, fmt.Errorf("failed to load .env: %w", err)
	}

	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	attempts := common.DefaultReconnectAttempts
	if config.Connection.ReconnectAttempts != nil {
		attempts = *config.Connection.ReconnectAttempts
	}
	autoConnect := true
	if config.Connection.AutoConnect != nil {
		autoConnect = *config.Connection.AutoConnect
	}

	settings := Settings{
		WsURL:             getEnvOrDefault(common.EnvWsURL, orDefault(config.Connection.WsURL, common.DefaultWsURL)),
		ReconnectAttempts: getIntOrDefault(common.EnvReconnectAttempts, attempts),
		ReconnectInterval: getDurationOrDefault(common.EnvReconnectInterval, parseDurationOr(config.Connection.ReconnectInterval, common.DefaultReconnectInterval)),
		HeartbeatInterval: getDurationOrDefault(common.EnvHeartbeatInterval, parseDurationOr(config.Connection.HeartbeatInterval, common.DefaultHeartbeatInterval)),
		AutoConnect:       getBoolOrDefault(common.EnvAutoConnect, autoConnect),
		LedgerGCInterval:  getDurationOrDefault(common.EnvLedgerGCInterval, parseDurationOr(config.Ledger.GCInterval, common.DefaultLedgerGCInterval)),
		LedgerRetention:   getDurationOrDefault(common.EnvLedgerRetention, parseDurationOr(config.Ledger.Retention, common.DefaultLedgerRetention)),
		AckTimeout:        getDurationOrDefault(common.EnvAckTimeout, parseDurationOr(config.Ledger.AckTimeout, 0)),
		SignalCap:         getIntFromEnvOrConfig(common.EnvSignalCap, config.Store.SignalCap, common.DefaultSignalCap),
		APIBaseURL:        getEnvOrDefault(common.EnvAPIBaseURL, orDefault(config.API.BaseURL, common.DefaultAPIBaseURL)),
		RESTTimeout:       getDurationOrDefault(common.EnvRESTTimeout, parseDurationOr(config.API.RESTTimeout, common.DefaultRESTTimeout)),
		HTTPPort:          getIntFromEnvOrConfig(common.EnvHTTPPort, config.System.HTTPPort, common.DefaultHTTPPort),
		LogLevel:          getEnvOrDefault(common.EnvLogLevel, orDefault(config.System.LogLevel, common.DefaultLogLevel)),
		LogPretty:         getBoolOrDefault(common.EnvLogPretty, config.System.LogPretty),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		WsURL:             getEnvOrDefault(common.EnvWsURL, common.DefaultWsURL),
		ReconnectAttempts: getIntOrDefault(common.EnvReconnectAttempts, common.DefaultReconnectAttempts),
		ReconnectInterval: getDurationOrDefault(common.EnvReconnectInterval, common.DefaultReconnectInterval),
		HeartbeatInterval: getDurationOrDefault(common.EnvHeartbeatInterval, common.DefaultHeartbeatInterval),
		AutoConnect:       getBoolOrDefault(common.EnvAutoConnect, true),
		LedgerGCInterval:  getDurationOrDefault(common.EnvLedgerGCInterval, common.DefaultLedgerGCInterval),
		LedgerRetention:   getDurationOrDefault(common.EnvLedgerRetention, common.DefaultLedgerRetention),
		AckTimeout:        getDurationOrDefault(common.EnvAckTimeout, 0),
		SignalCap:         getIntOrDefault(common.EnvSignalCap, common.DefaultSignalCap),
		APIBaseURL:        getEnvOrDefault(common.EnvAPIBaseURL, common.DefaultAPIBaseURL),
		RESTTimeout:       getDurationOrDefault(common.EnvRESTTimeout, common.DefaultRESTTimeout),
		HTTPPort:          getIntOrDefault(common.EnvHTTPPort, common.DefaultHTTPPort),
		LogLevel:          getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		LogPretty:         getBoolOrDefault(common.EnvLogPretty, false),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if configValue != 0 {
		return getIntOrDefault(key, configValue)
	}
	return getIntOrDefault(key, defaultValue)
}

func parseDurationOr(v string, defaultValue time.Duration) time.Duration {
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

func orDefault(v, defaultValue string) string {
	if v == "" {
		return defaultValue
	}
	return v
}

// validateSettings performs range validation of configuration values
func validateSettings(settings *Settings) error {
	if settings.WsURL == "" {
		return fmt.Errorf("WebSocket URL cannot be empty")
	}
	if settings.APIBaseURL == "" {
		return fmt.Errorf("API base URL cannot be empty")
	}

	if settings.ReconnectAttempts < 0 || settings.ReconnectAttempts > 100 {
		return fmt.Errorf("reconnect attempts must be between 0 and 100, got %d", settings.ReconnectAttempts)
	}
	if settings.ReconnectInterval < 100*time.Millisecond || settings.ReconnectInterval > 5*time.Minute {
		return fmt.Errorf("reconnect interval must be between 100ms and 5m, got %v", settings.ReconnectInterval)
	}
	if settings.HeartbeatInterval < time.Second || settings.HeartbeatInterval > 10*time.Minute {
		return fmt.Errorf("heartbeat interval must be between 1s and 10m, got %v", settings.HeartbeatInterval)
	}

	if settings.LedgerGCInterval < time.Second || settings.LedgerGCInterval > time.Hour {
		return fmt.Errorf("ledger GC interval must be between 1s and 1h, got %v", settings.LedgerGCInterval)
	}
	if settings.LedgerRetention < settings.LedgerGCInterval {
		return fmt.Errorf("ledger retention %v must not be shorter than the GC interval %v", settings.LedgerRetention, settings.LedgerGCInterval)
	}
	if settings.AckTimeout < 0 || (settings.AckTimeout > 0 && settings.AckTimeout > settings.LedgerRetention) {
		return fmt.Errorf("ack timeout must be between 0 (disabled) and the ledger retention, got %v", settings.AckTimeout)
	}

	if settings.SignalCap <= 0 || settings.SignalCap > 1000 {
		return fmt.Errorf("signal cap must be between 1 and 1000, got %d", settings.SignalCap)
	}
	if settings.RESTTimeout < time.Second || settings.RESTTimeout > time.Minute {
		return fmt.Errorf("REST timeout must be between 1s and 1m, got %v", settings.RESTTimeout)
	}
	if settings.HTTPPort < 1024 || settings.HTTPPort > 65535 {
		return fmt.Errorf("HTTP port must be between 1024 and 65535, got %d", settings.HTTPPort)
	}

	return nil
}
