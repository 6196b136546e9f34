// Package config loads device client settings from a TOML file and the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/Thejuampi/iothub-device-go/iothub"
)

const (
	// EnvPrefix is the prefix for environment variables that override file settings.
	EnvPrefix = "IOTHUB_"

	RetryExponential = "exponential"
	RetryFixed       = "fixed"
	RetryIncremental = "incremental"
	RetryNone        = "none"
)

// Config is the file and environment representation of iothub.ClientOptions.
type Config struct {
	Device     DeviceConfig   `koanf:"device"`
	Transports []string       `koanf:"transports"`
	Timeouts   TimeoutsConfig `koanf:"timeouts"`
	Retry      RetryConfig    `koanf:"retry"`
	AmqpPool   AmqpPoolConfig `koanf:"amqp_pool"`
	Token      TokenConfig    `koanf:"token"`
	Logging    LoggingConfig  `koanf:"logging"`
	Behavior   BehaviorConfig `koanf:"behavior"`
}

// DeviceConfig identifies the device or module.
type DeviceConfig struct {
	HostName        string `koanf:"host_name"`
	GatewayHostName string `koanf:"gateway_host_name"`
	DeviceID        string `koanf:"device_id"`
	ModuleID        string `koanf:"module_id"`
	// AuthScope is "device" or "hub".
	AuthScope string `koanf:"auth_scope"`
}

// TimeoutsConfig holds per transport timeouts.
type TimeoutsConfig struct {
	Open      time.Duration `koanf:"open"`
	Operation time.Duration `koanf:"operation"`
}

// RetryConfig selects and parameterizes a retry policy.
type RetryConfig struct {
	Policy     string        `koanf:"policy"`
	MaxRetries uint          `koanf:"max_retries"`
	MinBackoff time.Duration `koanf:"min_backoff"`
	MaxBackoff time.Duration `koanf:"max_backoff"`
	Delta      time.Duration `koanf:"delta_backoff"`
	Delay      time.Duration `koanf:"delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`
	UseJitter  bool          `koanf:"use_jitter"`
}

// AmqpPoolConfig configures AMQP connection multiplexing.
type AmqpPoolConfig struct {
	Pooling     bool          `koanf:"pooling"`
	MaxPoolSize uint32        `koanf:"max_pool_size"`
	IdleTimeout time.Duration `koanf:"idle_timeout"`
}

// TokenConfig configures shared access token renewal.
type TokenConfig struct {
	TimeToLive    time.Duration `koanf:"time_to_live"`
	RenewalBuffer int           `koanf:"renewal_buffer"`
}

// LoggingConfig configures the client logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`
	// Format is json or text.
	Format string `koanf:"format"`
}

type BehaviorConfig struct {
	ImplicitOpen bool   `koanf:"implicit_open"`
	ProductInfo  string `koanf:"product_info"`
}

// Load loads configuration from defaults, then the TOML file at configPath when set, then
// environment variables. IOTHUB_AMQP__POOL_MAX__POOL__SIZE sets amqp_pool.max_pool_size.
func Load(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Double underscores keep literal underscores, single ones separate nested keys.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		s = strings.ReplaceAll(s, "%UNDERSCORE%", "_")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			AuthScope: "device",
		},
		Transports: []string{"amqp", "amqp_ws"},
		Timeouts: TimeoutsConfig{
			Open:      iothub.DefaultOpenTimeout,
			Operation: iothub.DefaultOperationTimeout,
		},
		Retry: RetryConfig{
			Policy:     RetryExponential,
			MaxRetries: 0,
			MinBackoff: 100 * time.Millisecond,
			MaxBackoff: 10 * time.Second,
			Delta:      100 * time.Millisecond,
			Delay:      time.Second,
			MaxDelay:   30 * time.Second,
			UseJitter:  true,
		},
		AmqpPool: AmqpPoolConfig{
			Pooling:     false,
			MaxPoolSize: iothub.DefaultMaxPoolSize,
			IdleTimeout: iothub.DefaultConnectionIdleTimeout,
		},
		Token: TokenConfig{
			TimeToLive:    time.Hour,
			RenewalBuffer: 15,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Device.HostName == "" {
		return fmt.Errorf("device.host_name is required")
	}
	if c.Device.DeviceID == "" {
		return fmt.Errorf("device.device_id is required")
	}
	if c.Device.AuthScope != "device" && c.Device.AuthScope != "hub" {
		return fmt.Errorf("device.auth_scope must be 'device' or 'hub', got: %s", c.Device.AuthScope)
	}

	if len(c.Transports) == 0 {
		return fmt.Errorf("transports cannot be empty")
	}
	for _, name := range c.Transports {
		if _, err := iothub.ParseTransportType(name); err != nil {
			return fmt.Errorf("invalid transports entry: %w", err)
		}
	}

	if c.Timeouts.Open <= 0 {
		return fmt.Errorf("timeouts.open must be positive, got: %s", c.Timeouts.Open)
	}
	if c.Timeouts.Operation <= 0 {
		return fmt.Errorf("timeouts.operation must be positive, got: %s", c.Timeouts.Operation)
	}

	switch c.Retry.Policy {
	case RetryExponential:
		if c.Retry.MaxBackoff < c.Retry.MinBackoff {
			return fmt.Errorf("retry.max_backoff (%s) cannot be less than retry.min_backoff (%s)", c.Retry.MaxBackoff, c.Retry.MinBackoff)
		}
	case RetryFixed, RetryIncremental, RetryNone:
	default:
		return fmt.Errorf("invalid retry.policy: %s (must be 'exponential', 'fixed', 'incremental' or 'none')", c.Retry.Policy)
	}

	if c.AmqpPool.MaxPoolSize == 0 {
		return fmt.Errorf("amqp_pool.max_pool_size must be greater than zero")
	}
	if c.AmqpPool.IdleTimeout <= 0 {
		return fmt.Errorf("amqp_pool.idle_timeout must be positive, got: %s", c.AmqpPool.IdleTimeout)
	}

	if c.Token.TimeToLive <= 0 {
		return fmt.Errorf("token.time_to_live must be positive, got: %s", c.Token.TimeToLive)
	}
	if c.Token.RenewalBuffer < 0 || c.Token.RenewalBuffer > 100 {
		return fmt.Errorf("token.renewal_buffer must be between 0 and 100, got: %d", c.Token.RenewalBuffer)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be 'json' or 'text', got: %s", c.Logging.Format)
	}
	return nil
}

// Identity returns the configured device identity.
func (c *Config) Identity() iothub.DeviceIdentity {
	scope := iothub.AuthScopeDevice
	if c.Device.AuthScope == "hub" {
		scope = iothub.AuthScopeHub
	}
	return iothub.DeviceIdentity{
		HostName:        c.Device.HostName,
		GatewayHostName: c.Device.GatewayHostName,
		DeviceID:        c.Device.DeviceID,
		ModuleID:        c.Device.ModuleID,
		AuthScope:       scope,
	}
}

// RetryPolicy builds the configured retry policy.
func (c *Config) RetryPolicy() iothub.RetryPolicy {
	r := c.Retry
	switch r.Policy {
	case RetryFixed:
		return iothub.NewFixedDelayRetryPolicy(r.MaxRetries, r.Delay, r.UseJitter)
	case RetryIncremental:
		return iothub.NewIncrementalDelayRetryPolicy(r.MaxRetries, r.Delay, r.MaxDelay, r.UseJitter)
	case RetryNone:
		return iothub.NewNoRetryPolicy()
	}
	return iothub.NewExponentialBackoffRetryPolicy(r.MaxRetries, r.MinBackoff, r.MaxBackoff, r.Delta, r.UseJitter)
}

// TokenRefreshPolicy returns the configured token lifetime policy.
func (c *Config) TokenRefreshPolicy() iothub.TokenRefreshPolicy {
	return iothub.TokenRefreshPolicy{
		TimeToLive:              c.Token.TimeToLive,
		RenewalBufferPercentage: c.Token.RenewalBuffer,
	}
}

// ClientOptions converts the configuration to runtime options. Connectors, dialers and the
// authentication provider are left for the caller to set.
func (c *Config) ClientOptions() (iothub.ClientOptions, error) {
	pool := &iothub.AmqpConnectionPoolSettings{
		Pooling:               c.AmqpPool.Pooling,
		MaxPoolSize:           c.AmqpPool.MaxPoolSize,
		ConnectionIdleTimeout: c.AmqpPool.IdleTimeout,
	}

	transports := make([]iothub.TransportSettings, 0, len(c.Transports))
	for _, name := range c.Transports {
		transport, err := iothub.ParseTransportType(name)
		if err != nil {
			return iothub.ClientOptions{}, err
		}
		settings := iothub.NewTransportSettings(transport)
		settings.OpenTimeout = c.Timeouts.Open
		settings.OperationTimeout = c.Timeouts.Operation
		if transport.IsAmqp() {
			// Every AMQP transport of one client shares the same settings instance.
			settings.AmqpPool = pool
		}
		transports = append(transports, settings)
	}

	return iothub.ClientOptions{
		Transports:   transports,
		RetryPolicy:  c.RetryPolicy(),
		ProductInfo:  c.Behavior.ProductInfo,
		Logger:       NewLogger(c.Logging),
		ImplicitOpen: c.Behavior.ImplicitOpen,
	}, nil
}

// NewLogger builds a stdout logger from cfg.
func NewLogger(cfg LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
