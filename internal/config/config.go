package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"arbiter-escrow/internal/chain"
	"arbiter-escrow/internal/logging"
	"arbiter-escrow/internal/policy"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Chain       ChainConfig       `mapstructure:"chain"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	API         APIConfig         `mapstructure:"api"`
	Attestation AttestationConfig `mapstructure:"attestation"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN runs without the
// read-model projection.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ChainConfig names the secondary chain whose identities arbiters register.
type ChainConfig struct {
	Network string `mapstructure:"network"`
}

// PolicyConfig is the genesis policy. Values is keyed by parameter name; keys are
// matched case-insensitively because viper folds them.
type PolicyConfig struct {
	Owner        common.Address    `mapstructure:"owner"`
	FeeCollector common.Address    `mapstructure:"fee_collector"`
	Values       map[string]string `mapstructure:"values"`
}

// APIConfig governs the HTTP surface.
type APIConfig struct {
	Listen          string        `mapstructure:"listen"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Burst           int           `mapstructure:"burst"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AttestationConfig points at the external ZK proving service.
type AttestationConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// DispatcherConfig controls how facts leave the engine.
type DispatcherConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	MaxBacklog      int           `mapstructure:"max_backlog"`
}

// AlertingConfig routes arbitration-request notifications.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
}

// TelegramConfig 描述 Telegram 通知参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// WebhookConfig posts notifications as JSON to an arbiter-operated endpoint.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int    `mapstructure:"max_data_points"`
	OutputDir     string `mapstructure:"output_dir"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARBITER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "arbiterd")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("chain.network", "mainnet")

	v.SetDefault("policy.owner", "")
	v.SetDefault("policy.fee_collector", "")

	v.SetDefault("api.listen", ":8480")
	v.SetDefault("api.rate_limit", 20.0)
	v.SetDefault("api.burst", 40)
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.shutdown_timeout", "5s")

	v.SetDefault("attestation.poll_interval", "15s")
	v.SetDefault("attestation.request_timeout", "10s")
	v.SetDefault("attestation.user_agent", "arbiterd/1.0")

	v.SetDefault("dispatcher.interval", "2s")
	v.SetDefault("dispatcher.advisory_lock_key", int64(0x61726269))
	v.SetDefault("dispatcher.max_backlog", 10000)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.webhook.timeout", "5s")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.output_dir", "exports")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToAddressHookFunc(),
		)
	}
}

var addressType = reflect.TypeOf(common.Address{})

func stringToAddressHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != addressType {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return common.Address{}, nil
		}
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if _, err := chain.Network(c.Chain.Network); err != nil {
		return fmt.Errorf("chain.network: %w", err)
	}
	if _, err := c.Policy.Resolve(); err != nil {
		return err
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Dispatcher.Interval <= 0 {
		return fmt.Errorf("dispatcher.interval must be greater than zero")
	}
	if c.Attestation.BaseURL != "" && c.Attestation.PollInterval <= 0 {
		return fmt.Errorf("attestation.poll_interval must be greater than zero")
	}
	if c.API.RateLimit < 0 || c.API.Burst < 0 {
		return fmt.Errorf("api.rate_limit and api.burst cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url is required when the webhook is enabled")
	}
	return nil
}

// Resolve overlays the configured values on the built-in defaults.
func (p PolicyConfig) Resolve() (map[policy.Key]decimal.Decimal, error) {
	out := policy.Defaults()
	for name, raw := range p.Values {
		key, ok := lookupKey(name)
		if !ok {
			return nil, fmt.Errorf("policy.values: unknown parameter %q", name)
		}
		value, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("policy.values.%s: %w", key, err)
		}
		out[key] = value
	}
	return out, nil
}

func lookupKey(name string) (policy.Key, bool) {
	for _, k := range policy.Keys() {
		if strings.EqualFold(string(k), name) {
			return k, true
		}
	}
	return "", false
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
