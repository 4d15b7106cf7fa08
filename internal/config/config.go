// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// OracleConfig configures the chat-completions endpoint that produces
// trade recommendations. The API key is environment-only, never read
// from the config file.
type OracleConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"-"`
	MaxTries uint   `mapstructure:"max_tries"`
}

type Config struct {
	Agents        []string     `mapstructure:"agents"`
	Coins         []string     `mapstructure:"coins"`
	InitialCash   string       `mapstructure:"initial_cash"`
	CooldownSec   int          `mapstructure:"cooldown_sec"`
	CycleSec      int          `mapstructure:"cycle_sec"`
	RedisAddr     string       `mapstructure:"redis_addr"`
	PostgresURL   string       `mapstructure:"postgres_url"`
	BinanceWSURL  string       `mapstructure:"binance_ws_url"`
	DashboardAddr string       `mapstructure:"dashboard_addr"`
	Oracle        OracleConfig `mapstructure:"oracle"`

	MaxOpenPositions int     `mapstructure:"max_open_positions"`
	MaxRiskPerTrade  float64 `mapstructure:"max_risk_per_trade"`
	MaxExposure      float64 `mapstructure:"max_exposure"`
	MinConfidence    float64 `mapstructure:"min_confidence"`

	LogFile      string `mapstructure:"log_file"`
	DebugLogging bool   `mapstructure:"debug_logging"`
}

const (
	DefaultInitialCash = "10000"
	DefaultCooldownSec = 300
	DefaultCycleSec    = 10
	DefaultRedisAddr   = "localhost:6379"

	DefaultMaxOpenPositions = 5
	DefaultMaxRiskPerTrade  = 0.02
	DefaultMaxExposure      = 0.10
	DefaultMinConfidence    = 0.70
)

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	defaults := map[string]interface{}{
		"agents":             []string{"default"},
		"coins":              []string{"BTC", "ETH", "BNB", "XRP", "DOGE"},
		"initial_cash":       DefaultInitialCash,
		"cooldown_sec":       DefaultCooldownSec,
		"cycle_sec":          DefaultCycleSec,
		"redis_addr":         DefaultRedisAddr,
		"dashboard_addr":     ":8080",
		"max_open_positions": DefaultMaxOpenPositions,
		"max_risk_per_trade": DefaultMaxRiskPerTrade,
		"max_exposure":       DefaultMaxExposure,
		"min_confidence":     DefaultMinConfidence,
		"log_file":           "logs/perpbot.log",
		"oracle.max_tries":   4,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := loadEnvironmentVariables(v, &cfg); err != nil {
		return nil, err
	}

	return &cfg, validateConfig(&cfg)
}

func validateConfig(cfg *Config) error {
	if len(cfg.Agents) == 0 {
		return errors.New("agents list is empty")
	}
	seen := make(map[string]struct{}, len(cfg.Agents))
	for _, kind := range cfg.Agents {
		if kind == "" {
			return errors.New("empty agent kind in configuration")
		}
		if _, dup := seen[kind]; dup {
			return fmt.Errorf("duplicate agent kind %q", kind)
		}
		seen[kind] = struct{}{}
	}
	if len(cfg.Coins) == 0 {
		return errors.New("coins list is empty")
	}
	if cfg.Oracle.BaseURL == "" {
		return errors.New("missing oracle base_url in configuration")
	}
	if err := validateURL(cfg.Oracle.BaseURL, "http"); err != nil {
		return errors.New("invalid oracle base_url protocol")
	}
	if cfg.Oracle.Model == "" {
		return errors.New("missing oracle model in configuration")
	}
	if cfg.BinanceWSURL != "" {
		if err := validateURL(cfg.BinanceWSURL, "ws"); err != nil {
			return errors.New("invalid binance_ws_url protocol")
		}
	}
	return validateNumericParams(cfg)
}

func validateNumericParams(cfg *Config) error {
	if cfg.CooldownSec <= 0 {
		return errors.New("invalid cooldown_sec")
	}
	if cfg.CycleSec <= 0 {
		return errors.New("invalid cycle_sec")
	}
	if cfg.MaxOpenPositions <= 0 {
		return errors.New("invalid max_open_positions")
	}
	if cfg.MaxRiskPerTrade <= 0 || cfg.MaxRiskPerTrade > 1 {
		return errors.New("invalid max_risk_per_trade")
	}
	if cfg.MaxExposure <= 0 {
		return errors.New("invalid max_exposure")
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return errors.New("invalid min_confidence")
	}
	return nil
}

func validateURL(rawURL string, protocol string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	return nil
}

func loadEnvironmentVariables(v *viper.Viper, cfg *Config) error {
	v.AutomaticEnv()
	v.SetEnvPrefix("PERPBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// The oracle key only ever comes from the environment.
	cfg.Oracle.APIKey = v.GetString("ORACLE_API_KEY")

	if envURL := v.GetString("POSTGRES_URL"); envURL != "" {
		cfg.PostgresURL = envURL
	}
	if envAddr := v.GetString("REDIS_ADDR"); envAddr != "" {
		cfg.RedisAddr = envAddr
	}
	return nil
}
