package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App    AppConfig    `mapstructure:"app"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
	DB     DBConfig     `mapstructure:"db"`
	Cron   CronConfig   `mapstructure:"cron"`

	Oracle      OracleConfig      `mapstructure:"oracle"`
	Collateral  CollateralConfig  `mapstructure:"collateral"`
	Liquidation LiquidationConfig `mapstructure:"liquidation"`
	Auction     AuctionConfig     `mapstructure:"auction"`
	Stability   StabilityConfig   `mapstructure:"stability"`
	Events      EventsConfig      `mapstructure:"events"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

type CronConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	StabilityTick   string `mapstructure:"stability_tick"`
	LiquidationScan string `mapstructure:"liquidation_scan"`
	AuctionSweep    string `mapstructure:"auction_sweep"`
}

type OracleConfig struct {
	MinResponses       int           `mapstructure:"min_responses"`
	MaxQuoteAge        time.Duration `mapstructure:"max_quote_age"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	DeviationThreshold float64       `mapstructure:"deviation_threshold"`
	SourceTimeout      time.Duration `mapstructure:"source_timeout"`
	Policy             string        `mapstructure:"policy"`

	HTTPSources []HTTPSourceConfig   `mapstructure:"http_sources"`
	WSSources   []StreamSourceConfig `mapstructure:"ws_sources"`
}

type HTTPSourceConfig struct {
	Name         string        `mapstructure:"name"`
	Endpoint     string        `mapstructure:"endpoint"`
	Weight       float64       `mapstructure:"weight"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// Pairs are "BASE/QUOTE" strings to poll, e.g. "ETH/USD".
	Pairs []string `mapstructure:"pairs"`
}

type StreamSourceConfig struct {
	Name   string  `mapstructure:"name"`
	URL    string  `mapstructure:"url"`
	Weight float64 `mapstructure:"weight"`
}

type CollateralConfig struct {
	RatioEpsilon  float64 `mapstructure:"ratio_epsilon"`
	AtRiskBuffer  float64 `mapstructure:"at_risk_buffer"`
	ScanBatchSize int     `mapstructure:"scan_batch_size"`
}

type LiquidationConfig struct {
	PenaltyRate          float64 `mapstructure:"penalty_rate"`
	LiquidatorRewardRate float64 `mapstructure:"liquidator_reward_rate"`
	ProtocolAccount      string  `mapstructure:"protocol_account"`
	EmergencyBuffer      float64 `mapstructure:"emergency_buffer"`
	MaxBatchSize         int     `mapstructure:"max_batch_size"`
}

type AuctionConfig struct {
	Duration time.Duration `mapstructure:"duration"`
}

type StabilityConfig struct {
	RatioStep          float64       `mapstructure:"ratio_step"`
	RatioCooldown      time.Duration `mapstructure:"ratio_cooldown"`
	FeeStep            float64       `mapstructure:"fee_step"`
	FeeCooldown        time.Duration `mapstructure:"fee_cooldown"`
	MaxFee             float64       `mapstructure:"max_fee"`
	PriceBandPct       float64       `mapstructure:"price_band_pct"`
	HaltBandPct        float64       `mapstructure:"halt_band_pct"`
	ForcedHaltBandPct  float64       `mapstructure:"forced_halt_band_pct"`
	RelaxRatioMultiple float64       `mapstructure:"relax_ratio_multiple"`
}

type EventsConfig struct {
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("db.log_queries", false)
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.stability_tick", "@every 1m")
	v.SetDefault("cron.liquidation_scan", "@every 30s")
	v.SetDefault("cron.auction_sweep", "@every 1m")

	v.SetDefault("oracle.min_responses", 2)
	v.SetDefault("oracle.max_quote_age", "5m")
	v.SetDefault("oracle.cache_ttl", "60s")
	v.SetDefault("oracle.deviation_threshold", 0.02)
	v.SetDefault("oracle.source_timeout", "5s")
	v.SetDefault("oracle.policy", "median")

	v.SetDefault("collateral.ratio_epsilon", 0.001)
	v.SetDefault("collateral.at_risk_buffer", 0.05)
	v.SetDefault("collateral.scan_batch_size", 500)

	v.SetDefault("liquidation.penalty_rate", 0.10)
	v.SetDefault("liquidation.liquidator_reward_rate", 0.5)
	v.SetDefault("liquidation.protocol_account", "protocol")
	v.SetDefault("liquidation.emergency_buffer", 0.10)
	v.SetDefault("liquidation.max_batch_size", 200)

	v.SetDefault("auction.duration", "1h")

	v.SetDefault("stability.ratio_step", 0.05)
	v.SetDefault("stability.ratio_cooldown", "1h")
	v.SetDefault("stability.fee_step", 0.001)
	v.SetDefault("stability.fee_cooldown", "30m")
	v.SetDefault("stability.max_fee", 0.01)
	v.SetDefault("stability.price_band_pct", 0.02)
	v.SetDefault("stability.halt_band_pct", 0.05)
	v.SetDefault("stability.forced_halt_band_pct", 0.10)
	v.SetDefault("stability.relax_ratio_multiple", 1.5)

	v.SetDefault("events.webhook_timeout", "2s")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
