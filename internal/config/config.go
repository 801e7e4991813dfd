// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig                 `yaml:"app"`
	Exchanges   map[string]ExchangeConfig `yaml:"exchanges"`
	Trading     TradingConfig             `yaml:"trading"`
	GridSystem  GridSystemConfig          `yaml:"grid_system"`
	System      SystemConfig              `yaml:"system"`
	RiskControl RiskControlConfig         `yaml:"risk_control"`
	Timing      TimingConfig              `yaml:"timing"`
	Concurrency ConcurrencyConfig         `yaml:"concurrency"`
	Telemetry   TelemetryConfig           `yaml:"telemetry"`
}

// PriceRangeConfig is the fixed lower/upper bound a non-follow grid is built
// from; both are mandatory outside follow modes.
type PriceRangeConfig struct {
	LowerPrice string `yaml:"lower_price"`
	UpperPrice string `yaml:"upper_price"`
}

// GridSystemConfig is the top-level `grid_system` key (SPEC_FULL.md §6.3):
// every knob the grid engine itself needs, independent of the legacy
// TradingConfig block, which Validate still checks.
type GridSystemConfig struct {
	Exchange   string           `yaml:"exchange" validate:"required"`
	Symbol     string           `yaml:"symbol" validate:"required"`
	GridType   string           `yaml:"grid_type" validate:"required,oneof=LONG SHORT MARTINGALE_LONG MARTINGALE_SHORT FOLLOW_LONG FOLLOW_SHORT"`
	PriceRange PriceRangeConfig `yaml:"price_range"`

	GridInterval string `yaml:"grid_interval"`
	OrderAmount  string `yaml:"order_amount"`

	QuantityPrecision int    `yaml:"quantity_precision" validate:"min=0,max=18"`
	PriceDecimals     int    `yaml:"price_decimals" validate:"min=0,max=18"`
	FeeRate           string `yaml:"fee_rate"` // default "0.0001"

	MaxPosition string `yaml:"max_position"`

	MartingaleIncrement string `yaml:"martingale_increment"` // enables martingale when > 0

	FollowGridCount          int    `yaml:"follow_grid_count"`
	FollowTimeoutSeconds     int    `yaml:"follow_timeout"`
	FollowDistance           int    `yaml:"follow_distance"`
	PriceOffsetGrids         int    `yaml:"price_offset_grids"`
	ReverseOrderGridDistance int    `yaml:"reverse_order_grid_distance"` // default 1

	ScalpingEnabled          bool   `yaml:"scalping_enabled"`
	ScalpingTriggerPercent   string `yaml:"scalping_trigger_percent"`
	ScalpingTakeProfitGrids  int    `yaml:"scalping_take_profit_grids"`

	SmartScalpingEnabled    bool   `yaml:"smart_scalping_enabled"`
	AllowedDeepDrops        int    `yaml:"allowed_deep_drops"`
	MinDropThresholdPercent string `yaml:"min_drop_threshold_percent"`

	CapitalProtectionEnabled        bool   `yaml:"capital_protection_enabled"`
	CapitalProtectionTriggerPercent string `yaml:"capital_protection_trigger_percent"`

	TakeProfitEnabled    bool   `yaml:"take_profit_enabled"`
	TakeProfitPercentage string `yaml:"take_profit_percentage"`

	PriceLockEnabled          bool   `yaml:"price_lock_enabled"`
	PriceLockThreshold        string `yaml:"price_lock_threshold"`
	PriceLockStartAtThreshold bool   `yaml:"price_lock_start_at_threshold"`

	StopLossProtectionEnabled bool   `yaml:"stop_loss_protection_enabled"`
	StopLossTriggerPercent    string `yaml:"stop_loss_trigger_percent"`
	StopLossEscapeTimeout     int    `yaml:"stop_loss_escape_timeout"` // seconds
	StopLossAPRThreshold      string `yaml:"stop_loss_apr_threshold"`

	OrderHealthCheckEnabled    bool `yaml:"order_health_check_enabled"`
	OrderHealthCheckInterval   int  `yaml:"order_health_check_interval"` // seconds
	HealthCheckSnapshotCount   int  `yaml:"health_check_snapshot_count" validate:"omitempty,min=2"`

	RestPositionQueryInterval int `yaml:"rest_position_query_interval" validate:"omitempty,min=60"` // seconds, floor 60

	MarginMode string `yaml:"margin_mode"`
	Leverage   int    `yaml:"leverage"`

	ExitCleanupEnabled bool   `yaml:"exit_cleanup_enabled"`
	StateDBPath        string `yaml:"state_db_path"` // sqlite path; empty uses an in-memory store

	SpotReserve       SpotReserveConfig       `yaml:"spot_reserve"`
	PositionTolerance PositionToleranceConfig `yaml:"position_tolerance"`
	Telemetry         TelemetryConfig         `yaml:"telemetry"`
}

// SpotReserveConfig parameterises the spot-only reserve manager (C13).
type SpotReserveConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ReserveAmount  string `yaml:"reserve_amount"`
	SpotBuyFeeRate string `yaml:"spot_buy_fee_rate"`
	StartupCheck   struct {
		AutoBuyOnStartup  bool `yaml:"auto_buy_on_startup"`
		ContinueOnFailure bool `yaml:"continue_on_failure"`
	} `yaml:"startup_check"`
}

// PositionToleranceConfig tunes how much position/price drift the health
// checker (C8) tolerates before treating a grid slot as out of sync.
type PositionToleranceConfig struct {
	ToleranceMultiplier float64 `yaml:"tolerance_multiplier"` // default 1.0
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	CurrentExchange string   `yaml:"current_exchange"` // Legacy: primary exchange
	ActiveExchanges []string `yaml:"active_exchanges"` // List of active exchanges
	EngineType      string   `yaml:"engine_type" validate:"required,oneof=simple"`
}

// ExchangeConfig contains exchange-specific configuration
type ExchangeConfig struct {
	APIKey     string  `yaml:"api_key" validate:"required"`
	SecretKey  string  `yaml:"secret_key" validate:"required"`
	Passphrase string  `yaml:"passphrase"` // Required for some exchanges
	BaseURL    string  `yaml:"base_url"`   // Optional override for API URL
	FeeRate    float64 `yaml:"fee_rate" validate:"required,min=0,max=1"`
}

// TradingConfig contains trading parameters
type TradingConfig struct {
	StrategyType              string  `yaml:"strategy_type" validate:"oneof=grid arbitrage"`
	Symbol                    string  `yaml:"symbol" validate:"required"`
	PriceInterval             float64 `yaml:"price_interval" validate:"required_if=StrategyType grid,min=0"`
	OrderQuantity             float64 `yaml:"order_quantity" validate:"required,min=0.00001"`
	MinOrderValue             float64 `yaml:"min_order_value" validate:"required,min=0"`
	BuyWindowSize             int     `yaml:"buy_window_size" validate:"required_if=StrategyType grid,min=1,max=200"`
	SellWindowSize            int     `yaml:"sell_window_size" validate:"required_if=StrategyType grid,min=1,max=200"`
	ReconcileInterval         int     `yaml:"reconcile_interval" validate:"required,min=1,max=3600"`
	OrderCleanupThreshold     int     `yaml:"order_cleanup_threshold" validate:"required,min=1,max=1000"`
	CleanupBatchSize          int     `yaml:"cleanup_batch_size" validate:"required,min=1,max=100"`
	MarginLockDurationSeconds int     `yaml:"margin_lock_duration_seconds" validate:"required,min=1,max=300"`
	PositionSafetyCheck       int     `yaml:"position_safety_check" validate:"required,min=1,max=1000"`
	GridMode                  string  `yaml:"grid_mode" validate:"oneof=long neutral"`
	DynamicInterval           bool    `yaml:"dynamic_interval"`
	VolatilityScale           float64 `yaml:"volatility_scale" validate:"min=0,max=100"`
	InventorySkewFactor       float64 `yaml:"inventory_skew_factor" validate:"min=0,max=1"`

	// Arbitrage Specific
	ArbitrageSpotExchange string  `yaml:"arbitrage_spot_exchange"`
	ArbitragePerpExchange string  `yaml:"arbitrage_perp_exchange"`
	MinSpreadAPR          float64 `yaml:"min_spread_apr"`
	ExitSpreadAPR         float64 `yaml:"exit_spread_apr"`
	LiquidationThreshold  float64 `yaml:"liquidation_threshold"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel      string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CancelOnExit  bool   `yaml:"cancel_on_exit"`
	DashboardPort string `yaml:"dashboard_port"` // pkg/liveserver websocket feed (default: 8090)

	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// RiskControlConfig contains risk control settings
type RiskControlConfig struct {
	Enabled           bool     `yaml:"enabled"`
	MonitorSymbols    []string `yaml:"monitor_symbols" validate:"required,min=1,max=10"`
	Interval          string   `yaml:"interval" validate:"required,oneof=1m 3m 5m"`
	VolumeMultiplier  float64  `yaml:"volume_multiplier" validate:"required,min=1,max=10"`
	AverageWindow     int      `yaml:"average_window" validate:"required,min=5,max=100"`
	RecoveryThreshold int      `yaml:"recovery_threshold" validate:"required,min=1,max=10"`
	GlobalStrategy    string   `yaml:"global_strategy" validate:"oneof=Any All"`
}

// TimingConfig contains timing-related settings
type TimingConfig struct {
	WebsocketReconnectDelay    int `yaml:"websocket_reconnect_delay" validate:"min=1,max=300"`
	WebsocketWriteWait         int `yaml:"websocket_write_wait" validate:"min=1,max=300"`
	WebsocketPongWait          int `yaml:"websocket_pong_wait" validate:"min=1,max=300"`
	WebsocketPingInterval      int `yaml:"websocket_ping_interval" validate:"min=1,max=300"`
	ListenKeyKeepaliveInterval int `yaml:"listen_key_keepalive_interval" validate:"min=1,max=3600"`
	PriceSendInterval          int `yaml:"price_send_interval" validate:"min=1,max=1000"`
	RateLimitRetryDelay        int `yaml:"rate_limit_retry_delay" validate:"min=1,max=300"`
	OrderRetryDelay            int `yaml:"order_retry_delay" validate:"min=1,max=10000"`
	PricePollInterval          int `yaml:"price_poll_interval" validate:"min=1,max=10000"`
	StatusPrintInterval        int `yaml:"status_print_interval" validate:"min=1,max=60"`
	OrderCleanupInterval       int `yaml:"order_cleanup_interval" validate:"min=1,max=300"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	RiskPoolSize        int `yaml:"risk_pool_size" validate:"min=1,max=100"`
	RiskPoolBuffer      int `yaml:"risk_pool_buffer" validate:"min=1,max=10000"`
	BroadcastPoolSize   int `yaml:"broadcast_pool_size" validate:"min=1,max=100"`
	BroadcastPoolBuffer int `yaml:"broadcast_pool_buffer" validate:"min=1,max=10000"`
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

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	// Validate app config
	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	// Validate exchanges
	if err := c.validateExchanges(); err != nil {
		errors = append(errors, err.Error())
	}

	// Validate trading config
	if err := c.validateTradingConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	// Validate grid system config
	if err := c.validateGridSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	// Validate system config
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	// Validate risk control config
	if err := c.validateRiskControlConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	// Validate timing config
	if err := c.validateTimingConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	// Validate concurrency config
	if err := c.validateConcurrencyConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validExchanges := []string{"binance", "bitget", "gate", "okx", "bybit", "mock", "remote", "binance_spot"}

	// Fallback logic: If ActiveExchanges is empty, use CurrentExchange
	if len(c.App.ActiveExchanges) == 0 {
		if c.App.CurrentExchange != "" {
			c.App.ActiveExchanges = []string{c.App.CurrentExchange}
		} else {
			return ValidationError{
				Field:   "app.active_exchanges",
				Message: "at least one exchange must be active",
			}
		}
	}

	for _, ex := range c.App.ActiveExchanges {
		if !contains(validExchanges, ex) {
			return ValidationError{
				Field:   "app.active_exchanges",
				Value:   ex,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validExchanges, ", ")),
			}
		}

		if ex == "mock" || ex == "remote" {
			continue
		}

		if _, exists := c.Exchanges[ex]; !exists {
			return ValidationError{
				Field:   "app.active_exchanges",
				Value:   ex,
				Message: "exchange configuration not found in exchanges section",
			}
		}
	}

	return nil
}

func (c *Config) validateExchanges() error {
	if len(c.Exchanges) == 0 {
		return ValidationError{
			Field:   "exchanges",
			Message: "at least one exchange must be configured",
		}
	}

	for name, exchange := range c.Exchanges {
		// Skip validation for remote exchange (no API keys needed)
		if name == "remote" {
			continue
		}

		if exchange.APIKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.api_key", name),
				Message: "API key is required",
			}
		}
		if exchange.SecretKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.secret_key", name),
				Message: "secret key is required",
			}
		}
	}

	return nil
}

func (c *Config) validateTradingConfig() error {
	if c.Trading.Symbol == "" {
		return ValidationError{
			Field:   "trading.symbol",
			Message: "trading symbol is required",
		}
	}

	if c.Trading.StrategyType == "grid" {
		if c.Trading.PriceInterval <= 0 {
			return ValidationError{
				Field:   "trading.price_interval",
				Value:   c.Trading.PriceInterval,
				Message: "price interval must be positive",
			}
		}
	}

	if c.Trading.OrderQuantity <= 0 {
		return ValidationError{
			Field:   "trading.order_quantity",
			Value:   c.Trading.OrderQuantity,
			Message: "order quantity must be positive",
		}
	}

	return nil
}

var validGridTypes = []string{"LONG", "SHORT", "MARTINGALE_LONG", "MARTINGALE_SHORT", "FOLLOW_LONG", "FOLLOW_SHORT"}

func (c *Config) validateGridSystemConfig() error {
	gs := c.GridSystem
	if gs.Symbol == "" {
		return ValidationError{Field: "grid_system.symbol", Message: "symbol is required"}
	}
	if !contains(validGridTypes, gs.GridType) {
		return ValidationError{Field: "grid_system.grid_type", Value: gs.GridType, Message: fmt.Sprintf("must be one of: %s", strings.Join(validGridTypes, ", "))}
	}

	isFollow := strings.HasPrefix(gs.GridType, "FOLLOW_")
	if !isFollow {
		lower, err := decimal.NewFromString(gs.PriceRange.LowerPrice)
		if err != nil || lower.IsNegative() {
			return ValidationError{Field: "grid_system.price_range.lower_price", Value: gs.PriceRange.LowerPrice, Message: "must be a non-negative decimal"}
		}
		upper, err := decimal.NewFromString(gs.PriceRange.UpperPrice)
		if err != nil || !upper.GreaterThan(lower) {
			return ValidationError{Field: "grid_system.price_range.upper_price", Value: gs.PriceRange.UpperPrice, Message: "must be a decimal greater than lower_price"}
		}
	}

	if gs.GridInterval != "" {
		if interval, err := decimal.NewFromString(gs.GridInterval); err != nil || !interval.IsPositive() {
			return ValidationError{Field: "grid_system.grid_interval", Value: gs.GridInterval, Message: "must be a positive decimal"}
		}
	}
	if gs.OrderAmount != "" {
		if amount, err := decimal.NewFromString(gs.OrderAmount); err != nil || !amount.IsPositive() {
			return ValidationError{Field: "grid_system.order_amount", Value: gs.OrderAmount, Message: "must be a positive decimal"}
		}
	}

	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateRiskControlConfig() error {
	if !c.RiskControl.Enabled {
		return nil // Skip validation if disabled
	}

	if len(c.RiskControl.MonitorSymbols) == 0 {
		return ValidationError{
			Field:   "risk_control.monitor_symbols",
			Message: "at least one monitor symbol required when risk control is enabled",
		}
	}

	return nil
}

func (c *Config) validateTimingConfig() error {
	return nil
}

func (c *Config) validateConcurrencyConfig() error {
	return nil
}

// GetCurrentExchangeConfig returns the configuration for the currently selected exchange
func (c *Config) GetCurrentExchangeConfig() (*ExchangeConfig, error) {
	exchange, exists := c.Exchanges[c.App.CurrentExchange]
	if !exists {
		return nil, fmt.Errorf("exchange configuration not found for: %s", c.App.CurrentExchange)
	}
	return &exchange, nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	// Create a copy with sensitive data masked
	configCopy := *c
	configCopy.Exchanges = make(map[string]ExchangeConfig, len(c.Exchanges))
	for name, exchange := range c.Exchanges {
		exchange.APIKey = maskString(exchange.APIKey)
		exchange.SecretKey = maskString(exchange.SecretKey)
		configCopy.Exchanges[name] = exchange
	}

	data, _ := yaml.Marshal(configCopy)
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
		"BINANCE_API_KEY", "BINANCE_SECRET_KEY",
		"OKX_API_KEY", "OKX_SECRET_KEY", "OKX_PASSPHRASE",
		"BYBIT_API_KEY", "BYBIT_SECRET_KEY",
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

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			CurrentExchange: "binance",
			ActiveExchanges: []string{"binance", "binance_spot"},
			EngineType:      "simple",
		},

		Exchanges: map[string]ExchangeConfig{
			"binance": {
				APIKey:    "test_api_key",
				SecretKey: "test_secret_key",
				FeeRate:   0.0002,
			},
			"binance_spot": {
				APIKey:    "test_api_key",
				SecretKey: "test_secret_key",
				FeeRate:   0.0001,
			},
		},
		Trading: TradingConfig{
			StrategyType:              "grid",
			Symbol:                    "BTCUSDT",
			PriceInterval:             1.0,
			OrderQuantity:             30.0,
			MinOrderValue:             6.0,
			BuyWindowSize:             10,
			SellWindowSize:            10,
			ReconcileInterval:         60,
			OrderCleanupThreshold:     50,
			CleanupBatchSize:          10,
			MarginLockDurationSeconds: 10,
			PositionSafetyCheck:       100,
			GridMode:                  "long",
			DynamicInterval:           false,
			VolatilityScale:           1.0,
			InventorySkewFactor:       0.0,

			// Arbitrage Specific
			ArbitrageSpotExchange: "binance_spot",
			ArbitragePerpExchange: "binance",
			MinSpreadAPR:          0.10,
			ExitSpreadAPR:         0.01,
			LiquidationThreshold:  0.10,
		},
		GridSystem: GridSystemConfig{
			Exchange:                 "binance",
			Symbol:                   "BTCUSDT",
			GridType:                 "LONG",
			PriceRange:               PriceRangeConfig{LowerPrice: "90000", UpperPrice: "110000"},
			GridInterval:             "200",
			OrderAmount:              "0.001",
			QuantityPrecision:        3,
			PriceDecimals:            1,
			FeeRate:                  "0.0001",
			ReverseOrderGridDistance: 1,
			OrderHealthCheckEnabled:  true,
			OrderHealthCheckInterval: 300,
			HealthCheckSnapshotCount: 2,
			RestPositionQueryInterval: 60,
			ExitCleanupEnabled:       true,
			PositionTolerance:       PositionToleranceConfig{ToleranceMultiplier: 1.0},
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
		},
		RiskControl: RiskControlConfig{
			Enabled:        true,
			MonitorSymbols: []string{"BTCUSDT", "ETHUSDT"},
			Interval:       "1m",
		},
	}
}
