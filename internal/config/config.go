// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"signalbridge/internal/core"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig               `yaml:"app"`
	Exchange    ExchangeConfig          `yaml:"exchange"`
	Trading     TradingConfig           `yaml:"trading"`
	Tenants     map[string]TenantConfig `yaml:"tenants"`
	Alert       AlertConfig             `yaml:"alert"`
	Timing      TimingConfig            `yaml:"timing"`
	Concurrency ConcurrencyConfig       `yaml:"concurrency"`
	Telemetry   TelemetryConfig         `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Mode         string `yaml:"mode"` // single or multi
	LogLevel     string `yaml:"log_level"`
	DatabasePath string `yaml:"database_path"`
	ListenAddr   string `yaml:"listen_addr"`
	IntakeToken  string `yaml:"intake_token"` // optional shared secret for the webhook
}

// ExchangeConfig contains the global exchange credentials and endpoints.
// In multi-tenant mode these credentials serve tenants without their own.
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"`
	WSURL     string `yaml:"ws_url"`
}

// TradingConfig contains the global trading parameters
type TradingConfig struct {
	RiskPercent       float64  `yaml:"risk_percent"`
	MaxPositionUSDT   float64  `yaml:"max_position_usdt"`
	MaxDailyLossUSDT  float64  `yaml:"max_daily_loss_usdt"`
	MaxDCAPerSymbol   int      `yaml:"max_dca_per_symbol"`
	DCARiskMultiplier float64  `yaml:"dca_risk_multiplier"`
	FixedLeverage     int      `yaml:"fixed_leverage"`
	AllowedSymbols    []string `yaml:"allowed_symbols"`
	DedupEnabled      *bool    `yaml:"dedup_enabled"`
	DefaultSymbol     string   `yaml:"default_symbol"`
}

// TenantConfig is one tenant's entry: credentials, toggles, and sparse
// overrides of the global trading parameters. Pointer fields distinguish
// "absent, inherit the global value" from an explicit zero.
type TenantConfig struct {
	Enabled          bool   `yaml:"enabled"`
	AutoTradeEnabled bool   `yaml:"auto_trade_enabled"`
	APIKey           string `yaml:"api_key"`
	SecretKey        string `yaml:"secret_key"`

	RiskPercent       *float64 `yaml:"risk_percent"`
	MaxPositionUSDT   *float64 `yaml:"max_position_usdt"`
	MaxDailyLossUSDT  *float64 `yaml:"max_daily_loss_usdt"`
	MaxDCAPerSymbol   *int     `yaml:"max_dca_per_symbol"`
	DCARiskMultiplier *float64 `yaml:"dca_risk_multiplier"`
	FixedLeverage     *int     `yaml:"fixed_leverage"`
	AllowedSymbols    []string `yaml:"allowed_symbols"`
	DedupEnabled      *bool    `yaml:"dedup_enabled"`
	DefaultSymbol     *string  `yaml:"default_symbol"`

	TelegramChatID string `yaml:"telegram_chat_id"`
}

// AlertConfig contains notification channel settings
type AlertConfig struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
}

// TimingConfig contains timing-related settings (seconds unless noted)
type TimingConfig struct {
	ListenKeyKeepaliveInterval int `yaml:"listen_key_keepalive_interval"`
	WebsocketPingInterval      int `yaml:"websocket_ping_interval"`
	StaleTradeCleanupInterval  int `yaml:"stale_trade_cleanup_interval"`
	MaxReconnectAttempts       int `yaml:"max_reconnect_attempts"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	FanoutPoolSize   int `yaml:"fanout_pool_size"`
	FanoutPoolBuffer int `yaml:"fanout_pool_buffer"`
	FanoutJobTimeout int `yaml:"fanout_job_timeout"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
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

func (c *Config) applyDefaults() {
	if c.App.Mode == "" {
		c.App.Mode = "single"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if c.App.DatabasePath == "" {
		c.App.DatabasePath = "signalbridge.db"
	}
	if c.App.ListenAddr == "" {
		c.App.ListenAddr = ":8080"
	}
	if c.Exchange.BaseURL == "" {
		c.Exchange.BaseURL = "https://fapi.binance.com"
	}
	if c.Exchange.WSURL == "" {
		c.Exchange.WSURL = "wss://fstream.binance.com"
	}
	if c.Trading.RiskPercent == 0 {
		c.Trading.RiskPercent = 1.0
	}
	if c.Trading.MaxDCAPerSymbol == 0 {
		c.Trading.MaxDCAPerSymbol = 2
	}
	if c.Trading.DCARiskMultiplier == 0 {
		c.Trading.DCARiskMultiplier = 0.5
	}
	if c.Trading.FixedLeverage == 0 {
		c.Trading.FixedLeverage = 10
	}
	if c.Trading.DedupEnabled == nil {
		t := true
		c.Trading.DedupEnabled = &t
	}
	if c.Timing.ListenKeyKeepaliveInterval == 0 {
		c.Timing.ListenKeyKeepaliveInterval = 1800
	}
	if c.Timing.WebsocketPingInterval == 0 {
		c.Timing.WebsocketPingInterval = 20
	}
	if c.Timing.StaleTradeCleanupInterval == 0 {
		c.Timing.StaleTradeCleanupInterval = 3600
	}
	if c.Timing.MaxReconnectAttempts == 0 {
		c.Timing.MaxReconnectAttempts = 20
	}
	if c.Concurrency.FanoutPoolSize == 0 {
		c.Concurrency.FanoutPoolSize = 10
	}
	if c.Concurrency.FanoutPoolBuffer == 0 {
		c.Concurrency.FanoutPoolBuffer = 50
	}
	if c.Concurrency.FanoutJobTimeout == 0 {
		c.Concurrency.FanoutJobTimeout = 30
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateExchangeConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTradingConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTenants(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validModes := []string{"single", "multi"}
	if !contains(validModes, c.App.Mode) {
		return ValidationError{
			Field:   "app.mode",
			Value:   c.App.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validModes, ", ")),
		}
	}

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

func (c *Config) validateExchangeConfig() error {
	// Multi-tenant deployments may run entirely on per-tenant credentials.
	if c.App.Mode == "multi" {
		return nil
	}

	if c.Exchange.APIKey == "" {
		return ValidationError{
			Field:   "exchange.api_key",
			Message: "API key is required in single mode",
		}
	}
	if c.Exchange.SecretKey == "" {
		return ValidationError{
			Field:   "exchange.secret_key",
			Message: "secret key is required in single mode",
		}
	}

	return nil
}

func (c *Config) validateTradingConfig() error {
	if c.Trading.RiskPercent <= 0 || c.Trading.RiskPercent > 100 {
		return ValidationError{
			Field:   "trading.risk_percent",
			Value:   c.Trading.RiskPercent,
			Message: "must be in (0, 100]",
		}
	}

	if c.Trading.MaxDCAPerSymbol < 0 {
		return ValidationError{
			Field:   "trading.max_dca_per_symbol",
			Value:   c.Trading.MaxDCAPerSymbol,
			Message: "must not be negative",
		}
	}

	if c.Trading.FixedLeverage < 1 || c.Trading.FixedLeverage > 125 {
		return ValidationError{
			Field:   "trading.fixed_leverage",
			Value:   c.Trading.FixedLeverage,
			Message: "must be in [1, 125]",
		}
	}

	if c.Trading.DCARiskMultiplier <= 0 {
		return ValidationError{
			Field:   "trading.dca_risk_multiplier",
			Value:   c.Trading.DCARiskMultiplier,
			Message: "must be positive",
		}
	}

	return nil
}

func (c *Config) validateTenants() error {
	if c.App.Mode == "single" {
		return nil
	}

	if len(c.Tenants) == 0 {
		return ValidationError{
			Field:   "tenants",
			Message: "multi mode requires at least one tenant",
		}
	}

	for id, t := range c.Tenants {
		if !t.Enabled {
			continue
		}
		if t.APIKey == "" || t.SecretKey == "" {
			// Credential-less tenants stay configured but never receive
			// fan-out jobs; flag it so the operator notices.
			continue
		}
		if t.RiskPercent != nil && (*t.RiskPercent <= 0 || *t.RiskPercent > 100) {
			return ValidationError{
				Field:   fmt.Sprintf("tenants.%s.risk_percent", id),
				Value:   *t.RiskPercent,
				Message: "must be in (0, 100]",
			}
		}
		if t.FixedLeverage != nil && (*t.FixedLeverage < 1 || *t.FixedLeverage > 125) {
			return ValidationError{
				Field:   fmt.Sprintf("tenants.%s.fixed_leverage", id),
				Value:   *t.FixedLeverage,
				Message: "must be in [1, 125]",
			}
		}
	}

	return nil
}

// Resolve implements core.IConfigResolver: it merges the tenant's sparse
// overrides onto the global trading parameters field by field. An unknown or
// empty tenant ID yields the global parameters unchanged.
func (c *Config) Resolve(tenantID string) core.TradeConfig {
	base := core.TradeConfig{
		RiskPercent:       decimal.NewFromFloat(c.Trading.RiskPercent),
		MaxPositionUSDT:   decimal.NewFromFloat(c.Trading.MaxPositionUSDT),
		MaxDailyLossUSDT:  decimal.NewFromFloat(c.Trading.MaxDailyLossUSDT),
		MaxDCAPerSymbol:   c.Trading.MaxDCAPerSymbol,
		DCARiskMultiplier: decimal.NewFromFloat(c.Trading.DCARiskMultiplier),
		FixedLeverage:     c.Trading.FixedLeverage,
		AllowedSymbols:    c.Trading.AllowedSymbols,
		DedupEnabled:      c.Trading.DedupEnabled == nil || *c.Trading.DedupEnabled,
		DefaultSymbol:     c.Trading.DefaultSymbol,
	}

	if tenantID == "" {
		return base
	}
	t, ok := c.Tenants[tenantID]
	if !ok {
		return base
	}

	if t.RiskPercent != nil {
		base.RiskPercent = decimal.NewFromFloat(*t.RiskPercent)
	}
	if t.MaxPositionUSDT != nil {
		base.MaxPositionUSDT = decimal.NewFromFloat(*t.MaxPositionUSDT)
	}
	if t.MaxDailyLossUSDT != nil {
		base.MaxDailyLossUSDT = decimal.NewFromFloat(*t.MaxDailyLossUSDT)
	}
	if t.MaxDCAPerSymbol != nil {
		base.MaxDCAPerSymbol = *t.MaxDCAPerSymbol
	}
	if t.DCARiskMultiplier != nil {
		base.DCARiskMultiplier = decimal.NewFromFloat(*t.DCARiskMultiplier)
	}
	if t.FixedLeverage != nil {
		base.FixedLeverage = *t.FixedLeverage
	}
	if len(t.AllowedSymbols) > 0 {
		base.AllowedSymbols = t.AllowedSymbols
	}
	if t.DedupEnabled != nil {
		base.DedupEnabled = *t.DedupEnabled
	}
	if t.DefaultSymbol != nil {
		base.DefaultSymbol = *t.DefaultSymbol
	}

	return base
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Exchange.APIKey = maskString(configCopy.Exchange.APIKey)
	configCopy.Exchange.SecretKey = maskString(configCopy.Exchange.SecretKey)
	configCopy.Alert.TelegramBotToken = maskString(configCopy.Alert.TelegramBotToken)
	configCopy.App.IntakeToken = maskString(configCopy.App.IntakeToken)

	tenants := make(map[string]TenantConfig, len(configCopy.Tenants))
	for id, t := range configCopy.Tenants {
		t.APIKey = maskString(t.APIKey)
		t.SecretKey = maskString(t.SecretKey)
		tenants[id] = t
	}
	configCopy.Tenants = tenants

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
