package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"trust-gate/internal/align"
	"trust-gate/internal/archive"
	"trust-gate/internal/broadcast"
	"trust-gate/internal/engine"
	"trust-gate/internal/feed/binance"
	"trust-gate/internal/feed/replay"
	"trust-gate/internal/hypothesis"
	"trust-gate/internal/logging"
	"trust-gate/internal/market"
	"trust-gate/internal/profiling"
	"trust-gate/internal/sanitize"
	"trust-gate/internal/trust"
)

// EnvPrefix prefixes every environment override, e.g. TRUSTGATE_TRUST_WINDOW.
const EnvPrefix = "TRUSTGATE"

// Config materialises application configuration.
type Config struct {
	App        AppConfig         `mapstructure:"app"`
	Logging    logging.Config    `mapstructure:"logging"`
	Market     market.Instrument `mapstructure:"market"`
	Sanitizer  sanitize.Config   `mapstructure:"sanitizer"`
	Alignment  align.Config      `mapstructure:"alignment"`
	Trust      trust.Config      `mapstructure:"trust"`
	Hypothesis hypothesis.Config `mapstructure:"hypothesis"`
	Engine     engine.Config     `mapstructure:"engine"`
	Service    ServiceConfig     `mapstructure:"service"`
	Feed       FeedConfig        `mapstructure:"feed"`
	Output     OutputConfig      `mapstructure:"output"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Redis      broadcast.Config  `mapstructure:"redis"`
	Alerting   AlertingConfig    `mapstructure:"alerting"`
	Archive    archive.Config    `mapstructure:"archive"`
	Profiling  profiling.Config  `mapstructure:"profiling"`
	Export     ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServiceConfig sizes the runtime queues and the wall-clock tick.
type ServiceConfig struct {
	EventQueue   int           `mapstructure:"event_queue"`
	OutputQueue  int           `mapstructure:"output_queue"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// FeedConfig selects the market-data sources.
type FeedConfig struct {
	Binance binance.Config `mapstructure:"binance"`
	Replay  replay.Config  `mapstructure:"replay"`
}

// OutputConfig controls the recorder files.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
	// PerRun writes each run under <dir>/<run id>.
	PerRun bool `mapstructure:"per_run"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// requiredKeys are the gate thresholds. They carry no defaults so that a
// deployment never runs on values nobody chose.
var requiredKeys = []string{
	"market.exchange",
	"market.symbol",
	"sanitizer.window",
	"sanitizer.max_ts_regression",
	"alignment.max_wait",
	"alignment.max_buffer_len",
	"alignment.max_hold",
	"trust.window",
	"trust.quarantine_untrusted_rate",
	"trust.late_degraded_rate",
	"trust.late_untrusted_rate",
	"trust.forced_flush_degraded_count",
	"trust.forced_flush_untrusted_count",
	"trust.buffer_len_degraded",
	"trust.buffer_len_untrusted",
	"trust.fat_finger_degraded_bps",
	"trust.fat_finger_untrusted_bps",
	"trust.spread_explode_bps",
	"trust.trade_jump_degraded_bps",
	"hypothesis.weak_price_diverge_bps",
	"hypothesis.invalid_price_diverge_bps",
	"hypothesis.stable_min_duration_ms",
	"hypothesis.min_sources",
	"engine.evaluation",
}

// ErrMissingSetting reports a required key absent from file and environment.
var ErrMissingSetting = errors.New("missing required setting")

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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

	var missing []string
	for _, key := range requiredKeys {
		if !v.IsSet(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingSetting, strings.Join(missing, ", "))
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

// loadDotEnv reads .env from the working directory when present. Variables
// already in the environment win.
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
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
	v.SetDefault("app.name", "trustgate")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("sanitizer.buckets", 10)
	v.SetDefault("sanitizer.dedup_capacity", 4096)
	v.SetDefault("sanitizer.record_capacity", 256)

	v.SetDefault("alignment.merge_capacity", 100000)

	v.SetDefault("trust.buckets", 10)

	v.SetDefault("hypothesis.history_capacity", 1024)

	v.SetDefault("service.event_queue", 65536)
	v.SetDefault("service.output_queue", 4096)
	v.SetDefault("service.tick_interval", "1s")
	v.SetDefault("service.startup_delay", "0s")

	v.SetDefault("feed.binance.url", "wss://fstream.binance.com/stream")
	v.SetDefault("feed.binance.handshake_timeout", "15s")
	v.SetDefault("feed.binance.read_timeout", "60s")
	v.SetDefault("feed.binance.reconnect_delay", "2s")
	v.SetDefault("feed.binance.max_reconnect_delay", "60s")
	v.SetDefault("feed.replay.speed", 0.0)
	v.SetDefault("feed.replay.max_sleep", "5s")
	v.SetDefault("feed.replay.depth", 0)

	v.SetDefault("output.dir", "out")
	v.SetDefault("output.per_run", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.key_prefix", "trustgate")
	v.SetDefault("redis.ttl", "30s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "5m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.prefix", "trustgate")
	v.SetDefault("archive.force_path_style", false)

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.application_name", "trustgate")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.advisory_lock_key", int64(0x74677465))
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if _, err := engine.ParseMode(string(c.Engine.Evaluation)); err != nil {
		return fmt.Errorf("engine.evaluation: %w", err)
	}
	if c.Engine.Evaluation == engine.ModePeriodic && c.Engine.Period <= 0 {
		return fmt.Errorf("engine.period must be greater than zero in periodic mode")
	}

	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"sanitizer.window", c.Sanitizer.Window},
		{"alignment.max_wait", c.Alignment.MaxWait},
		{"alignment.max_hold", c.Alignment.MaxHold},
		{"trust.window", c.Trust.Window},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be greater than zero", d.key)
		}
	}
	if c.Sanitizer.MaxTSRegression < 0 {
		return fmt.Errorf("sanitizer.max_ts_regression cannot be negative")
	}
	if c.Sanitizer.Buckets <= 0 || c.Trust.Buckets <= 0 {
		return fmt.Errorf("sanitizer.buckets and trust.buckets must be greater than zero")
	}
	if c.Sanitizer.DedupCapacity <= 0 {
		return fmt.Errorf("sanitizer.dedup_capacity must be greater than zero")
	}
	if c.Alignment.MaxBufferLen <= 0 {
		return fmt.Errorf("alignment.max_buffer_len must be greater than zero")
	}

	for _, r := range []struct {
		key string
		val float64
	}{
		{"trust.quarantine_untrusted_rate", c.Trust.QuarantineUntrustedRate},
		{"trust.late_degraded_rate", c.Trust.LateDegradedRate},
		{"trust.late_untrusted_rate", c.Trust.LateUntrustedRate},
	} {
		if r.val <= 0 || r.val > 1 {
			return fmt.Errorf("%s must be in (0, 1]", r.key)
		}
	}
	if c.Trust.LateDegradedRate > c.Trust.LateUntrustedRate {
		return fmt.Errorf("trust.late_degraded_rate cannot exceed trust.late_untrusted_rate")
	}
	if c.Trust.ForcedFlushDegradedCount < 0 || c.Trust.ForcedFlushDegradedCount > c.Trust.ForcedFlushUntrustedCount {
		return fmt.Errorf("trust.forced_flush_degraded_count must be in [0, forced_flush_untrusted_count]")
	}
	if c.Trust.BufferLenDegraded > c.Trust.BufferLenUntrusted {
		return fmt.Errorf("trust.buffer_len_degraded cannot exceed trust.buffer_len_untrusted")
	}
	if c.Trust.FatFingerDegradedBPS <= 0 || c.Trust.FatFingerDegradedBPS > c.Trust.FatFingerUntrustedBPS {
		return fmt.Errorf("trust.fat_finger_degraded_bps must be positive and not exceed fat_finger_untrusted_bps")
	}
	if c.Trust.SpreadExplodeBPS <= 0 || c.Trust.TradeJumpDegradedBPS <= 0 {
		return fmt.Errorf("trust.spread_explode_bps and trust.trade_jump_degraded_bps must be greater than zero")
	}
	for name, d := range c.Trust.StallAfter {
		if _, err := market.ParseStream(name); err != nil {
			return fmt.Errorf("trust.stall_after: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("trust.stall_after.%s must be greater than zero", name)
		}
	}

	if c.Hypothesis.WeakPriceDivergeBPS <= 0 || c.Hypothesis.WeakPriceDivergeBPS >= c.Hypothesis.InvalidPriceDivergeBPS {
		return fmt.Errorf("hypothesis.weak_price_diverge_bps must be positive and below invalid_price_diverge_bps")
	}
	if c.Hypothesis.StableMinDurationMS < 0 {
		return fmt.Errorf("hypothesis.stable_min_duration_ms cannot be negative")
	}
	if c.Hypothesis.MinSources < 2 || c.Hypothesis.MinSources > len(hypothesis.Families()) {
		return fmt.Errorf("hypothesis.min_sources must be between 2 and %d", len(hypothesis.Families()))
	}
	for name, d := range c.Hypothesis.Freshness {
		if _, err := hypothesis.ParseFamily(name); err != nil {
			return fmt.Errorf("hypothesis.freshness: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("hypothesis.freshness.%s must be greater than zero", name)
		}
	}

	if c.Service.EventQueue <= 0 || c.Service.OutputQueue <= 0 {
		return fmt.Errorf("service.event_queue and service.output_queue must be greater than zero")
	}
	if c.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be greater than zero")
	}
	if c.Feed.Replay.Speed < 0 {
		return fmt.Errorf("feed.replay.speed cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Archive.Enabled && (c.Archive.Bucket == "" || c.Archive.Region == "") {
		return fmt.Errorf("archive.bucket and archive.region are required when archive is enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// EngineSettings assembles the immutable pipeline settings.
func (c *Config) EngineSettings() engine.Settings {
	return engine.Settings{
		Instrument: c.Market,
		Sanitizer:  c.Sanitizer,
		Alignment:  c.Alignment,
		Trust:      c.Trust,
		Hypothesis: c.Hypothesis,
		Engine:     c.Engine,
	}
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
