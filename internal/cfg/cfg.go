// Package cfg bootstraps process-level configuration for the engine:
// exchange credentials, network endpoints, data directory, and server
// ports. It supports loading from a YAML file (CONFIG_FILE) or from
// environment variables, with environment variables always taking
// precedence, and validates the result before returning it.
//
// Per-symbol trading parameters (risk, leverage, indicator thresholds)
// are not process bootstrap config — they live in the persisted
// state.Config and are loaded by the internal/state package instead.
package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"perpengine/internal/common"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Settings holds process bootstrap configuration.
type Settings struct {
	Key    string // exchange API key
	Secret string // exchange API secret

	BaseURL string        // exchange REST base URL
	WsURL   string        // exchange WS base URL
	Ping    time.Duration // WS ping interval

	Symbols []string // symbols the engine should watch/trade
	DryRun  bool     // if true, no live orders are ever sent

	DataPath string // directory for config.json/state.json/history.json

	RESTTimeout time.Duration // exchange REST client timeout

	MetricsPort int // Prometheus /metrics port
	HTTPPort    int // control surface port

	AdvisoryBaseURL string // remote advisory HTTP endpoint, empty disables advisory
	AdvisoryAPIKey  string
}

// ConfigFile is the YAML shape for CONFIG_FILE.
type ConfigFile struct {
	API struct {
		Key     string `yaml:"key"`
		Secret  string `yaml:"secret"`
		BaseURL string `yaml:"baseURL"`
		WsURL   string `yaml:"wsURL"`
	} `yaml:"api"`

	Trading struct {
		Symbols []string `yaml:"symbols"`
		DryRun  bool     `yaml:"dryRun"`
	} `yaml:"trading"`

	System struct {
		DataPath    string `yaml:"dataPath"`
		PingInterval string `yaml:"pingInterval"`
		RESTTimeout string `yaml:"restTimeout"`
		MetricsPort int    `yaml:"metricsPort"`
		HTTPPort    int    `yaml:"httpPort"`
	} `yaml:"system"`

	Advisory struct {
		BaseURL string `yaml:"baseURL"`
		APIKey  string `yaml:"apiKey"`
	} `yaml:"advisory"`
}

// Load loads configuration from CONFIG_FILE if set, else from environment.
func Load() (Settings, error) {
	_ = godotenv.Load()

	if path := os.Getenv(common.EnvConfigFile); path != "" {
		return loadFromYAML(path)
	}
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cf ConfigFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return Settings{}, fmt.Errorf("parse config file: %w", err)
	}

	key := getEnvOrDefault(common.EnvAPIKey, cf.API.Key)
	secret := getEnvOrDefault(common.EnvAPISecret, cf.API.Secret)
	if key == "" || secret == "" {
		return Settings{}, fmt.Errorf(common.ErrMsgAPIKeyRequired)
	}

	settings := Settings{
		Key:             key,
		Secret:          secret,
		BaseURL:         getEnvOrDefault(common.EnvBaseURL, orDefault(cf.API.BaseURL, common.DefaultBaseURL)),
		WsURL:           getEnvOrDefault(common.EnvWsURL, orDefault(cf.API.WsURL, common.DefaultWsURL)),
		Ping:            getDurationOrDefault(common.EnvPingInterval, durationOrDefault(cf.System.PingInterval, 15*time.Second)),
		Symbols:         getSymbolsFromEnvOrConfig(cf.Trading.Symbols),
		DryRun:          getBoolOrDefault(common.EnvDryRun, cf.Trading.DryRun),
		DataPath:        getEnvOrDefault(common.EnvDataPath, orDefault(cf.System.DataPath, common.DefaultDataPath)),
		RESTTimeout:     getDurationOrDefault(common.EnvRESTTimeout, durationOrDefault(cf.System.RESTTimeout, 10*time.Second)),
		MetricsPort:     getIntOrDefault(common.EnvMetricsPort, orDefaultInt(cf.System.MetricsPort, common.DefaultMetricsPort)),
		HTTPPort:        getIntOrDefault(common.EnvHTTPPort, orDefaultInt(cf.System.HTTPPort, common.DefaultHTTPPort)),
		AdvisoryBaseURL: getEnvOrDefault(common.EnvAdvisoryBaseURL, cf.Advisory.BaseURL),
		AdvisoryAPIKey:  getEnvOrDefault(common.EnvAdvisoryAPIKey, cf.Advisory.APIKey),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func loadFromEnv() (Settings, error) {
	key, err := getEnvRequired(common.EnvAPIKey)
	if err != nil {
		return Settings{}, err
	}
	secret, err := getEnvRequired(common.EnvAPISecret)
	if err != nil {
		return Settings{}, err
	}

	settings := Settings{
		Key:             key,
		Secret:          secret,
		BaseURL:         getEnvOrDefault(common.EnvBaseURL, common.DefaultBaseURL),
		WsURL:           getEnvOrDefault(common.EnvWsURL, common.DefaultWsURL),
		Ping:            getDurationOrDefault(common.EnvPingInterval, 15*time.Second),
		Symbols:         splitOrDefault(os.Getenv(common.EnvSymbols), []string{"BTCUSDT"}),
		DryRun:          getBoolOrDefault(common.EnvDryRun, true),
		DataPath:        getEnvOrDefault(common.EnvDataPath, common.DefaultDataPath),
		RESTTimeout:     getDurationOrDefault(common.EnvRESTTimeout, 10*time.Second),
		MetricsPort:     getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		HTTPPort:        getIntOrDefault(common.EnvHTTPPort, common.DefaultHTTPPort),
		AdvisoryBaseURL: os.Getenv(common.EnvAdvisoryBaseURL),
		AdvisoryAPIKey:  os.Getenv(common.EnvAdvisoryAPIKey),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func getEnvRequired(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is missing", key)
	}
	return v, nil
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

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	return strings.Split(v, ",")
}

func getSymbolsFromEnvOrConfig(configSymbols []string) []string {
	if env := os.Getenv(common.EnvSymbols); env != "" {
		return strings.Split(env, ",")
	}
	if len(configSymbols) > 0 {
		return configSymbols
	}
	return []string{"BTCUSDT"}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func durationOrDefault(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func validateSettings(s *Settings) error {
	if err := validateCredentials(s); err != nil {
		return err
	}
	if err := validateURLs(s); err != nil {
		return err
	}
	if len(s.Symbols) == 0 {
		return fmt.Errorf(common.ErrMsgSymbolRequired)
	}
	if !s.DryRun && os.Getenv(common.EnvForceLiveTrading) != "true" {
		return fmt.Errorf(common.ErrMsgForceLiveTradingRequired)
	}
	if s.Ping < time.Second || s.Ping > 5*time.Minute {
		return fmt.Errorf("pingInterval must be between 1s and 5m")
	}
	if s.RESTTimeout < time.Second || s.RESTTimeout > time.Minute {
		return fmt.Errorf("restTimeout must be between 1s and 1m")
	}
	if s.MetricsPort < common.MinMetricsPort || s.MetricsPort > common.MaxMetricsPort {
		return fmt.Errorf("metricsPort must be between %d and %d", common.MinMetricsPort, common.MaxMetricsPort)
	}
	if s.HTTPPort < common.MinMetricsPort || s.HTTPPort > common.MaxMetricsPort {
		return fmt.Errorf("httpPort must be between %d and %d", common.MinMetricsPort, common.MaxMetricsPort)
	}
	return nil
}

func validateCredentials(s *Settings) error {
	if s.Key == "" || s.Secret == "" {
		return fmt.Errorf(common.ErrMsgAPIKeyRequired)
	}
	return nil
}

func validateURLs(s *Settings) error {
	if s.BaseURL == "" {
		return fmt.Errorf(common.ErrMsgBaseURLRequired)
	}
	if s.WsURL == "" {
		return fmt.Errorf(common.ErrMsgWsURLRequired)
	}
	return nil
}
