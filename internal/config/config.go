package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Market    MarketConfig    `yaml:"market"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	State     StateConfig     `yaml:"state"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	Exec      ExecConfig      `yaml:"exec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MarketConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	WSURL          string        `yaml:"ws_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type ExchangeConfig struct {
	BaseURL         string        `yaml:"base_url"`
	Timeout         time.Duration `yaml:"timeout"`
	RequestsPerSec  float64       `yaml:"requests_per_sec"`
	RequestBurst    int           `yaml:"request_burst"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type StrategyConfig struct {
	CycleInterval   time.Duration `yaml:"cycle_interval"`
	EquityUSD       float64       `yaml:"equity_usd"`
	UnlockThreshold float64       `yaml:"unlock_threshold"`
	PumpScoreWeight float64       `yaml:"pump_score_weight"`
	LiquidityWeight float64       `yaml:"liquidity_weight"`
	MemeBonus       float64       `yaml:"meme_bonus"`
	MinSignalScore  float64       `yaml:"min_signal_score"`
	MinTurnoverUSD  float64       `yaml:"min_turnover_usd"`
	SmallCapMaxUSD  float64       `yaml:"small_cap_max_usd"`
	SectorTablePath string        `yaml:"sector_table_path"`
}

type RiskConfig struct {
	EntryCapPct           float64 `yaml:"entry_cap_pct"`
	MaxCapPct             float64 `yaml:"max_cap_pct"`
	PortfolioCeilingPct   float64 `yaml:"portfolio_ceiling_pct"`
	AddLossThreshold      float64 `yaml:"add_loss_threshold"`
	AddProfitThreshold    float64 `yaml:"add_profit_threshold"`
	ReduceLossThreshold   float64 `yaml:"reduce_loss_threshold"`
	ReduceProfitThreshold float64 `yaml:"reduce_profit_threshold"`
	ReduceRatio           float64 `yaml:"reduce_ratio"`
	NearCapRatio          float64 `yaml:"near_cap_ratio"`
}

type ExecConfig struct {
	RetryAttemptLimit   int           `yaml:"retry_attempt_limit"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffCap          time.Duration `yaml:"backoff_cap"`
	MaxConcurrentOrders int           `yaml:"max_concurrent_orders"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	OrderDeadline       time.Duration `yaml:"order_deadline"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Market.Timeout == 0 {
		cfg.Market.Timeout = 10 * time.Second
	}
	if cfg.Market.ReconnectDelay == 0 {
		cfg.Market.ReconnectDelay = 3 * time.Second
	}
	if cfg.Market.PingInterval == 0 {
		cfg.Market.PingInterval = 30 * time.Second
	}
	if cfg.Exchange.Timeout == 0 {
		cfg.Exchange.Timeout = 10 * time.Second
	}
	if cfg.Exchange.RequestsPerSec == 0 {
		cfg.Exchange.RequestsPerSec = 10
	}
	if cfg.Exchange.RequestBurst == 0 {
		cfg.Exchange.RequestBurst = 20
	}
	if cfg.Exchange.BreakerFailures == 0 {
		cfg.Exchange.BreakerFailures = 5
	}
	if cfg.Exchange.BreakerCooldown == 0 {
		cfg.Exchange.BreakerCooldown = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/tide-short-bot.db"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Dashboard.Addr == "" {
		cfg.Dashboard.Addr = ":8080"
	}
	if cfg.Strategy.CycleInterval == 0 {
		cfg.Strategy.CycleInterval = 60 * time.Second
	}
	if cfg.Strategy.UnlockThreshold == 0 {
		cfg.Strategy.UnlockThreshold = 0.85
	}
	if cfg.Strategy.PumpScoreWeight == 0 {
		cfg.Strategy.PumpScoreWeight = 0.6
	}
	if cfg.Strategy.LiquidityWeight == 0 {
		cfg.Strategy.LiquidityWeight = 0.4
	}
	if cfg.Strategy.MemeBonus == 0 {
		cfg.Strategy.MemeBonus = 0.1
	}
	if cfg.Strategy.MinSignalScore == 0 {
		cfg.Strategy.MinSignalScore = 0.5
	}
	if cfg.Strategy.MinTurnoverUSD == 0 {
		cfg.Strategy.MinTurnoverUSD = 1_000_000
	}
	if cfg.Strategy.SmallCapMaxUSD == 0 {
		cfg.Strategy.SmallCapMaxUSD = 1_000_000_000
	}
	if cfg.Risk.EntryCapPct == 0 {
		cfg.Risk.EntryCapPct = 0.025
	}
	if cfg.Risk.MaxCapPct == 0 {
		cfg.Risk.MaxCapPct = 0.05
	}
	if cfg.Risk.PortfolioCeilingPct == 0 {
		cfg.Risk.PortfolioCeilingPct = 0.30
	}
	if cfg.Risk.AddLossThreshold == 0 {
		cfg.Risk.AddLossThreshold = 0.30
	}
	if cfg.Risk.AddProfitThreshold == 0 {
		cfg.Risk.AddProfitThreshold = 0.15
	}
	if cfg.Risk.ReduceLossThreshold == 0 {
		cfg.Risk.ReduceLossThreshold = 0.20
	}
	if cfg.Risk.ReduceProfitThreshold == 0 {
		cfg.Risk.ReduceProfitThreshold = 0.20
	}
	if cfg.Risk.ReduceRatio == 0 {
		cfg.Risk.ReduceRatio = 0.5
	}
	if cfg.Risk.NearCapRatio == 0 {
		cfg.Risk.NearCapRatio = 0.9
	}
	if cfg.Exec.RetryAttemptLimit == 0 {
		cfg.Exec.RetryAttemptLimit = 3
	}
	if cfg.Exec.BackoffBase == 0 {
		cfg.Exec.BackoffBase = 200 * time.Millisecond
	}
	if cfg.Exec.BackoffCap == 0 {
		cfg.Exec.BackoffCap = 5 * time.Second
	}
	if cfg.Exec.MaxConcurrentOrders == 0 {
		cfg.Exec.MaxConcurrentOrders = 8
	}
	if cfg.Exec.PollInterval == 0 {
		cfg.Exec.PollInterval = 500 * time.Millisecond
	}
	if cfg.Exec.OrderDeadline == 0 {
		cfg.Exec.OrderDeadline = 30 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Market.BaseURL == "" {
		return errors.New("market.base_url is required")
	}
	if cfg.Exchange.BaseURL == "" {
		return errors.New("exchange.base_url is required")
	}
	if cfg.Strategy.EquityUSD <= 0 {
		return errors.New("strategy.equity_usd must be > 0")
	}
	if cfg.Risk.EntryCapPct <= 0 || cfg.Risk.EntryCapPct > 1 {
		return errors.New("risk.entry_cap_pct must be in (0, 1]")
	}
	if cfg.Risk.MaxCapPct <= 0 || cfg.Risk.MaxCapPct > 1 {
		return errors.New("risk.max_cap_pct must be in (0, 1]")
	}
	if cfg.Risk.EntryCapPct > cfg.Risk.MaxCapPct {
		return errors.New("risk.entry_cap_pct exceeds risk.max_cap_pct")
	}
	if cfg.Risk.PortfolioCeilingPct < cfg.Risk.MaxCapPct {
		return errors.New("risk.portfolio_ceiling_pct must be >= risk.max_cap_pct")
	}
	if cfg.Risk.ReduceRatio <= 0 || cfg.Risk.ReduceRatio > 1 {
		return errors.New("risk.reduce_ratio must be in (0, 1]")
	}
	if cfg.Strategy.UnlockThreshold <= 0 || cfg.Strategy.UnlockThreshold > 1 {
		return errors.New("strategy.unlock_threshold must be in (0, 1]")
	}
	if cfg.Exec.RetryAttemptLimit < 1 {
		return errors.New("exec.retry_attempt_limit must be >= 1")
	}
	if cfg.Exec.BackoffCap < cfg.Exec.BackoffBase {
		return errors.New("exec.backoff_cap must be >= exec.backoff_base")
	}
	return nil
}
