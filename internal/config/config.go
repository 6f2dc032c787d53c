// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig              `yaml:"app"`
	Venues    map[string]VenueConfig `yaml:"venues"`
	Arbitrage ArbitrageConfig        `yaml:"arbitrage"`
	Risk      RiskConfig             `yaml:"risk"`
	Execution ExecutionConfig        `yaml:"execution"`
	Breaker   BreakerConfig          `yaml:"breaker"`
	Rollback  RollbackConfig         `yaml:"rollback"`
	Pipeline  PipelineConfig         `yaml:"pipeline"`
	Advisor   AdvisorConfig          `yaml:"advisor"`
	Storage   StorageConfig          `yaml:"storage"`
	Telemetry TelemetryConfig        `yaml:"telemetry"`
	Alerts    AlertsConfig           `yaml:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
}

// VenueConfig contains venue-specific configuration
type VenueConfig struct {
	APIKey          Secret  `yaml:"api_key"`
	APISecret       Secret  `yaml:"api_secret"`
	Passphrase      Secret  `yaml:"passphrase"` // Required for bitget and okx
	BaseURL         string  `yaml:"base_url"`   // Optional override for API URL
	WSURL           string  `yaml:"ws_url"`     // Optional override for websocket URL
	Testnet         bool    `yaml:"testnet"`
	MakerFeeRate    float64 `yaml:"maker_fee_rate"`
	TakerFeeRate    float64 `yaml:"taker_fee_rate"`
	RateLimitPerSec int     `yaml:"rate_limit_per_sec"`
	RateBurst       int     `yaml:"rate_burst"`
}

// ArbitrageConfig contains spread monitoring and opportunity sizing parameters
type ArbitrageConfig struct {
	Symbol       string   `yaml:"symbol"`
	Venues       []string `yaml:"venues"`
	ActiveVenue  string   `yaml:"active_venue"`
	PositionSize float64  `yaml:"position_size"` // quote currency per trade

	MonitorInterval int `yaml:"monitor_interval"`          // seconds
	ScanInterval    int `yaml:"opportunity_scan_interval"` // seconds

	MinSpreadThreshold    float64 `yaml:"min_spread_threshold"` // percent
	MinNetProfitThreshold float64 `yaml:"min_net_profit_threshold"`
	MinProfitRatio        float64 `yaml:"min_profit_ratio"`
	MinOrderbookDepthUSD  float64 `yaml:"min_orderbook_depth_usd"`
	MinDepthMultiplier    float64 `yaml:"min_depth_multiplier"`
}

// RiskConfig contains the arbitrage risk gate limits
type RiskConfig struct {
	MaxPositionPerVenue      float64 `yaml:"max_position_per_venue"`
	MaxTotalExposure         float64 `yaml:"max_total_exposure"`
	MaxPositionCountPerVenue int     `yaml:"max_position_count_per_venue"`
	MaxArbitragePerHour      int     `yaml:"max_arbitrage_per_hour"`
	MaxArbitragePerDay       int     `yaml:"max_arbitrage_per_day"`
	MinIntervalBetween       int     `yaml:"min_interval_between_arbitrage"` // seconds
}

// ExecutionConfig contains two-leg execution settings
type ExecutionConfig struct {
	MaxTimePerLeg        int     `yaml:"max_execution_time_per_leg"` // seconds
	MaxTotalTime         int     `yaml:"max_total_execution_time"`   // seconds
	PollInterval         int     `yaml:"poll_interval"`              // milliseconds
	MaxSlippageTolerance float64 `yaml:"max_slippage_tolerance"`
	AtomicEnabled        bool    `yaml:"atomic_execution_enabled"`
	Durable              bool    `yaml:"durable"`
	DatabaseURL          string  `yaml:"database_url"` // Required when durable
}

// BreakerConfig contains circuit breaker thresholds and pause durations
type BreakerConfig struct {
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	MaxDailyLossPct      float64 `yaml:"max_daily_loss_pct"`
	MinAccountBalancePct float64 `yaml:"min_account_balance_pct"`
	LossPauseMin         int     `yaml:"loss_pause_minutes"`
	DailyLossPauseMin    int     `yaml:"daily_loss_pause_minutes"`
	BalancePauseMin      int     `yaml:"balance_pause_minutes"`
}

// RollbackConfig contains config rollback manager settings
type RollbackConfig struct {
	Enabled         bool    `yaml:"enabled"`
	MinTrades       int     `yaml:"min_trades"`
	MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"`
	MinWinRate      float64 `yaml:"min_win_rate"`
	MaxDrawdownPct  float64 `yaml:"max_drawdown_pct"`
	ConfigPath      string  `yaml:"config_path"`
	BackupDir       string  `yaml:"backup_dir"`
}

// PipelineConfig contains signal pipeline filter settings
type PipelineConfig struct {
	EnableShadowMode   bool    `yaml:"enable_shadow_mode"`
	TrendFilterEnabled bool    `yaml:"trend_filter_enabled"`
	HigherTimeframe    string  `yaml:"higher_timeframe"`
	MaxSpreadPct       float64 `yaml:"max_spread_pct"`
	MinVolumeRatio     float64 `yaml:"min_volume_ratio"`
	MaxATRSpikeRatio   float64 `yaml:"max_atr_spike_ratio"`
	Cooldown           int     `yaml:"cooldown"` // seconds
}

// AdvisorConfig contains advisor client and guardrail settings
type AdvisorConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Endpoint      string  `yaml:"endpoint"`
	APIKey        Secret  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	Timeout       int     `yaml:"timeout"`   // seconds
	CacheTTL      int     `yaml:"cache_ttl"` // seconds
	MaxDailyCalls int     `yaml:"max_daily_calls"`
	MaxDailyCost  float64 `yaml:"max_daily_cost"`
	CostPerCall   float64 `yaml:"cost_per_call"`
	FailureMode   string  `yaml:"failure_mode"` // pass or reject
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	StdoutTraces  bool `yaml:"stdout_traces"`
}

// AlertsConfig contains alert channel settings
type AlertsConfig struct {
	SlackWebhookURL Secret `yaml:"slack_webhook_url"`
	TelegramToken   Secret `yaml:"telegram_token"`
	TelegramChatID  string `yaml:"telegram_chat_id"`
	MinLevel        string `yaml:"min_level"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateVenues(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateArbitrageConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateRiskConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateExecutionConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateAdvisorConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateVenues() error {
	validVenues := []string{"bitget", "binance", "okx", "paper"}

	if len(c.Arbitrage.Venues) < 2 {
		return ValidationError{
			Field:   "arbitrage.venues",
			Value:   c.Arbitrage.Venues,
			Message: "at least two venues are required for cross-venue monitoring",
		}
	}

	for _, name := range c.Arbitrage.Venues {
		if !contains(validVenues, name) {
			return ValidationError{
				Field:   "arbitrage.venues",
				Value:   name,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validVenues, ", ")),
			}
		}

		if name == "paper" {
			continue
		}

		vcfg, exists := c.Venues[name]
		if !exists {
			return ValidationError{
				Field:   "arbitrage.venues",
				Value:   name,
				Message: "venue configuration not found in venues section",
			}
		}
		if vcfg.APIKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.api_key", name),
				Message: "API key is required",
			}
		}
		if vcfg.APISecret == "" {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.api_secret", name),
				Message: "API secret is required",
			}
		}
		if (name == "bitget" || name == "okx") && vcfg.Passphrase == "" {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.passphrase", name),
				Message: "passphrase is required for this venue",
			}
		}
	}

	if c.Arbitrage.ActiveVenue != "" && !contains(c.Arbitrage.Venues, c.Arbitrage.ActiveVenue) {
		return ValidationError{
			Field:   "arbitrage.active_venue",
			Value:   c.Arbitrage.ActiveVenue,
			Message: "active venue must be listed in arbitrage.venues",
		}
	}

	return nil
}

func (c *Config) validateArbitrageConfig() error {
	if c.Arbitrage.Symbol == "" {
		return ValidationError{
			Field:   "arbitrage.symbol",
			Message: "arbitrage symbol is required",
		}
	}
	if c.Arbitrage.PositionSize <= 0 {
		return ValidationError{
			Field:   "arbitrage.position_size",
			Value:   c.Arbitrage.PositionSize,
			Message: "position size must be positive",
		}
	}
	if c.Arbitrage.MinSpreadThreshold < 0 {
		return ValidationError{
			Field:   "arbitrage.min_spread_threshold",
			Value:   c.Arbitrage.MinSpreadThreshold,
			Message: "spread threshold cannot be negative",
		}
	}
	if c.Arbitrage.MinProfitRatio < 0 || c.Arbitrage.MinProfitRatio > 1 {
		return ValidationError{
			Field:   "arbitrage.min_profit_ratio",
			Value:   c.Arbitrage.MinProfitRatio,
			Message: "profit ratio must be within [0, 1]",
		}
	}
	if c.Arbitrage.MinDepthMultiplier < 1 {
		return ValidationError{
			Field:   "arbitrage.min_depth_multiplier",
			Value:   c.Arbitrage.MinDepthMultiplier,
			Message: "depth multiplier must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.MaxPositionPerVenue <= 0 {
		return ValidationError{
			Field:   "risk.max_position_per_venue",
			Value:   c.Risk.MaxPositionPerVenue,
			Message: "per-venue position cap must be positive",
		}
	}
	if c.Risk.MaxTotalExposure < c.Risk.MaxPositionPerVenue {
		return ValidationError{
			Field:   "risk.max_total_exposure",
			Value:   c.Risk.MaxTotalExposure,
			Message: "total exposure cap cannot be below the per-venue cap",
		}
	}
	if c.Risk.MaxArbitragePerDay < c.Risk.MaxArbitragePerHour {
		return ValidationError{
			Field:   "risk.max_arbitrage_per_day",
			Value:   c.Risk.MaxArbitragePerDay,
			Message: "daily trade cap cannot be below the hourly cap",
		}
	}
	return nil
}

func (c *Config) validateExecutionConfig() error {
	if c.Execution.MaxTimePerLeg <= 0 {
		return ValidationError{
			Field:   "execution.max_execution_time_per_leg",
			Value:   c.Execution.MaxTimePerLeg,
			Message: "per-leg timeout must be positive",
		}
	}
	if c.Execution.MaxTotalTime < c.Execution.MaxTimePerLeg {
		return ValidationError{
			Field:   "execution.max_total_execution_time",
			Value:   c.Execution.MaxTotalTime,
			Message: "total timeout cannot be below the per-leg timeout",
		}
	}
	if c.Execution.Durable && c.Execution.DatabaseURL == "" {
		return ValidationError{
			Field:   "execution.database_url",
			Message: "database_url is required when durable execution is enabled",
		}
	}
	return nil
}

func (c *Config) validateAdvisorConfig() error {
	if !c.Advisor.Enabled {
		return nil // Skip validation if disabled
	}
	if c.Advisor.Endpoint == "" {
		return ValidationError{
			Field:   "advisor.endpoint",
			Message: "endpoint is required when the advisor is enabled",
		}
	}
	if c.Advisor.FailureMode != "pass" && c.Advisor.FailureMode != "reject" {
		return ValidationError{
			Field:   "advisor.failure_mode",
			Value:   c.Advisor.FailureMode,
			Message: "must be pass or reject",
		}
	}
	return nil
}

// GetVenueConfig returns the configuration for a named venue
func (c *Config) GetVenueConfig(name string) (*VenueConfig, error) {
	venue, exists := c.Venues[name]
	if !exists {
		return nil, fmt.Errorf("venue configuration not found for: %s", name)
	}
	return &venue, nil
}

// String returns a string representation of the configuration. Secret fields
// redact themselves through their own MarshalYAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable is critical for operation
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		"BITGET_API_KEY", "BITGET_API_SECRET", "BITGET_PASSPHRASE",
		"BINANCE_API_KEY", "BINANCE_API_SECRET",
		"OKX_API_KEY", "OKX_API_SECRET", "OKX_PASSPHRASE",
		"ADVISOR_API_KEY",
	}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "cross_arb"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if c.Arbitrage.MonitorInterval <= 0 {
		c.Arbitrage.MonitorInterval = 1
	}
	if c.Arbitrage.ScanInterval <= 0 {
		c.Arbitrage.ScanInterval = 2
	}
	if c.Arbitrage.PositionSize == 0 {
		c.Arbitrage.PositionSize = 500
	}
	if c.Execution.MaxTimePerLeg <= 0 {
		c.Execution.MaxTimePerLeg = 10
	}
	if c.Execution.MaxTotalTime <= 0 {
		c.Execution.MaxTotalTime = 30
	}
	if c.Execution.PollInterval <= 0 {
		c.Execution.PollInterval = 500
	}
	if c.Breaker.MaxConsecutiveLosses <= 0 {
		c.Breaker.MaxConsecutiveLosses = 3
	}
	if c.Breaker.MaxDailyLossPct <= 0 {
		c.Breaker.MaxDailyLossPct = 0.05
	}
	if c.Breaker.MinAccountBalancePct <= 0 {
		c.Breaker.MinAccountBalancePct = 0.70
	}
	if c.Breaker.LossPauseMin <= 0 {
		c.Breaker.LossPauseMin = 30
	}
	if c.Breaker.DailyLossPauseMin <= 0 {
		c.Breaker.DailyLossPauseMin = 60
	}
	if c.Breaker.BalancePauseMin <= 0 {
		c.Breaker.BalancePauseMin = 120
	}
	if c.Advisor.Timeout <= 0 {
		c.Advisor.Timeout = 10
	}
	if c.Advisor.CacheTTL <= 0 {
		c.Advisor.CacheTTL = 300
	}
	if c.Advisor.MaxDailyCalls <= 0 {
		c.Advisor.MaxDailyCalls = 200
	}
	if c.Advisor.FailureMode == "" {
		c.Advisor.FailureMode = "pass"
	}
	if c.Rollback.MinTrades <= 0 {
		c.Rollback.MinTrades = 10
	}
	if c.Rollback.MaxDailyLossPct <= 0 {
		c.Rollback.MaxDailyLossPct = 0.05
	}
	if c.Rollback.MinWinRate <= 0 {
		c.Rollback.MinWinRate = 0.30
	}
	if c.Rollback.MaxDrawdownPct <= 0 {
		c.Rollback.MaxDrawdownPct = 0.15
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/cross_arb.db"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
	for name, v := range c.Venues {
		if v.TakerFeeRate == 0 {
			v.TakerFeeRate = 0.0006
		}
		if v.MakerFeeRate == 0 {
			v.MakerFeeRate = 0.0002
		}
		if v.RateLimitPerSec == 0 {
			v.RateLimitPerSec = 10
		}
		if v.RateBurst == 0 {
			v.RateBurst = 20
		}
		c.Venues[name] = v
	}
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		App: AppConfig{
			Name:        "cross_arb",
			Environment: "test",
			LogLevel:    "INFO",
		},
		Venues: map[string]VenueConfig{
			"bitget": {
				APIKey:       "test_api_key",
				APISecret:    "test_api_secret",
				Passphrase:   "test_passphrase",
				TakerFeeRate: 0.0006,
				MakerFeeRate: 0.0002,
			},
			"binance": {
				APIKey:       "test_api_key",
				APISecret:    "test_api_secret",
				TakerFeeRate: 0.0006,
				MakerFeeRate: 0.0002,
			},
		},
		Arbitrage: ArbitrageConfig{
			Symbol:                "BTCUSDT",
			Venues:                []string{"bitget", "binance"},
			ActiveVenue:           "bitget",
			PositionSize:          500,
			MonitorInterval:       1,
			ScanInterval:          2,
			MinSpreadThreshold:    0.1,
			MinNetProfitThreshold: 0.5,
			MinProfitRatio:        0.3,
			MinOrderbookDepthUSD:  10000,
			MinDepthMultiplier:    3,
		},
		Risk: RiskConfig{
			MaxPositionPerVenue:      10000,
			MaxTotalExposure:         50000,
			MaxPositionCountPerVenue: 5,
			MaxArbitragePerHour:      10,
			MaxArbitragePerDay:       50,
			MinIntervalBetween:       30,
		},
		Execution: ExecutionConfig{
			MaxTimePerLeg:        10,
			MaxTotalTime:         30,
			PollInterval:         500,
			MaxSlippageTolerance: 0.002,
			AtomicEnabled:        true,
		},
		Pipeline: PipelineConfig{
			EnableShadowMode:   true,
			TrendFilterEnabled: true,
			HigherTimeframe:    "1h",
			MaxSpreadPct:       0.15,
			MinVolumeRatio:     0.5,
			MaxATRSpikeRatio:   3.0,
			Cooldown:           300,
		},
		Advisor: AdvisorConfig{
			Enabled:     false,
			FailureMode: "pass",
		},
		Storage: StorageConfig{
			Path: ":memory:",
		},
	}
	cfg.applyDefaults()
	return cfg
}
