package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"finpod/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration of the tournament pipeline. It is
// read from config.json; yaml.v3 accepts JSON documents unchanged.
type Config struct {
	DataPaths       DataPaths        `yaml:"data_paths"`
	StrategyParams  StrategyParams   `yaml:"strategy_params"`
	TechnicalParams ParamSpec        `yaml:"technical_params"`
	MLParams        ParamSpec        `yaml:"ml_params"`
	Symbols         Symbols          `yaml:"symbols"`
	Logging         Logging          `yaml:"logging"`
	LLM             LLM              `yaml:"llm"`
	Tournament      TournamentConfig `yaml:"tournament"`
	Server          Server           `yaml:"server"`
	Alpaca          Alpaca           `yaml:"alpaca"`
}

// DataPaths holds the directory roots for inputs and artifacts.
type DataPaths struct {
	Market    string `yaml:"market"`
	Strategy  string `yaml:"strategy"`
	Sentiment string `yaml:"sentiment"`
}

// StrategyParams holds the scoring constants shared by every strategy plus
// the per-strategy parameter maps that live under strategy_params.
type StrategyParams struct {
	DailyMultiplier                   float64   `yaml:"daily_multiplier"`
	HourlyMultiplier                  float64   `yaml:"hourly_multiplier"`
	StopLossRatio                     float64   `yaml:"stop_loss_ratio"`
	PositionSize                      float64   `yaml:"position_size"`
	SharpeAnnualizationDaily          float64   `yaml:"sharpe_annualization_daily"`
	SharpeAnnualizationHourly         float64   `yaml:"sharpe_annualization_hourly"`
	ExpectedReturnAnnualizationDaily  float64   `yaml:"expected_return_annualization_daily"`
	ExpectedReturnAnnualizationHourly float64   `yaml:"expected_return_annualization_hourly"`
	MaxDrawdownThreshold              float64   `yaml:"max_drawdown_threshold"`
	QuantityParams                    ParamSpec `yaml:"quantity_params"`
	BigLineParams                     ParamSpec `yaml:"bigline_params"`
}

// ParamSpec carries a strategy's default parameters and its search grid.
type ParamSpec struct {
	Defaults map[string]any   `yaml:"defaults"`
	Grid     map[string][]any `yaml:"grid"`
}

// Symbols lists the tickers of each edition. Membership decides the
// companion index used by the BigLine strategy.
type Symbols struct {
	TW []string `yaml:"tw"`
	US []string `yaml:"us"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LLM configures the remote selector.
type LLM struct {
	Provider    string  `yaml:"provider"` // "claude", "gemini" or "" for rule-based only
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Timeout     string  `yaml:"timeout"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	AuditDB     string  `yaml:"audit_db"`
}

// TournamentConfig controls scheduling and time budgets.
type TournamentConfig struct {
	TaskTimeout     string   `yaml:"task_timeout"`
	SymbolTimeout   string   `yaml:"symbol_timeout"`
	SelectorTimeout string   `yaml:"selector_timeout"`
	MaxWorkers      int      `yaml:"max_workers"`
	Timeframes      []string `yaml:"timeframes"`
	Schedule        string   `yaml:"schedule"`
	Optimize        *bool    `yaml:"optimize"`
}

// Server holds listener configuration for the serve command.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and fetch settings for the US bar collector.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	LookbackDays    int    `yaml:"lookback_days"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the configuration file at path, applies environment overrides
// and fills missing keys with defaults. Each substituted default is logged at
// warning level on log (slog.Default() when nil).
func Load(path string, log *slog.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults(log)

	return cfg, nil
}

// Default returns a configuration with every default applied and nothing
// logged.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults(slog.New(slog.DiscardHandler))
	return cfg
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FINPOD_DATA_DIR"); v != "" {
		cfg.DataPaths.Market = filepath.Join(v, "market")
		cfg.DataPaths.Strategy = filepath.Join(v, "strategy")
		cfg.DataPaths.Sentiment = filepath.Join(v, "sentiment")
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}

	switch strings.ToLower(cfg.LLM.Provider) {
	case "claude":
		if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
			cfg.LLM.APIKey = v
		}
	case "gemini":
		if v := os.Getenv("GEMINI_API_KEY"); v != "" {
			cfg.LLM.APIKey = v
		}
	}

	// Standard Alpaca env vars take precedence over the file.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// ApplyDefaults fills zero-valued settings and reports each substitution.
func (c *Config) ApplyDefaults(log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	d := defaulter{log: log}

	d.str(&c.DataPaths.Market, "data_paths.market", filepath.Join("data", "market"))
	d.str(&c.DataPaths.Strategy, "data_paths.strategy", filepath.Join("data", "strategy"))
	d.str(&c.DataPaths.Sentiment, "data_paths.sentiment", filepath.Join("data", "sentiment"))

	sp := &c.StrategyParams
	d.num(&sp.DailyMultiplier, "strategy_params.daily_multiplier", 1.03)
	d.num(&sp.HourlyMultiplier, "strategy_params.hourly_multiplier", 1.01)
	d.num(&sp.StopLossRatio, "strategy_params.stop_loss_ratio", 0.97)
	d.num(&sp.PositionSize, "strategy_params.position_size", 0.1)
	d.num(&sp.SharpeAnnualizationDaily, "strategy_params.sharpe_annualization_daily", 252)
	d.num(&sp.SharpeAnnualizationHourly, "strategy_params.sharpe_annualization_hourly", 2520)
	d.num(&sp.ExpectedReturnAnnualizationDaily, "strategy_params.expected_return_annualization_daily", 252)
	d.num(&sp.ExpectedReturnAnnualizationHourly, "strategy_params.expected_return_annualization_hourly", 2520)
	d.num(&sp.MaxDrawdownThreshold, "strategy_params.max_drawdown_threshold", 0.15)

	// Ratios that would break the stop < entry < target ordering are replaced.
	if sp.DailyMultiplier <= 1 {
		d.warnInvalid("strategy_params.daily_multiplier", sp.DailyMultiplier, 1.03)
		sp.DailyMultiplier = 1.03
	}
	if sp.HourlyMultiplier <= 1 {
		d.warnInvalid("strategy_params.hourly_multiplier", sp.HourlyMultiplier, 1.01)
		sp.HourlyMultiplier = 1.01
	}
	if sp.StopLossRatio >= 1 || sp.StopLossRatio < 0 {
		d.warnInvalid("strategy_params.stop_loss_ratio", sp.StopLossRatio, 0.97)
		sp.StopLossRatio = 0.97
	}
	if sp.PositionSize < 0 || sp.PositionSize > 1 {
		d.warnInvalid("strategy_params.position_size", sp.PositionSize, 0.1)
		sp.PositionSize = 0.1
	}

	d.str(&c.Logging.Level, "logging.level", "info")
	d.str(&c.Logging.Format, "logging.format", "json")

	d.str(&c.LLM.Timeout, "llm.timeout", "60s")
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 2048
	}

	t := &c.Tournament
	d.str(&t.TaskTimeout, "tournament.task_timeout", "300s")
	d.str(&t.SymbolTimeout, "tournament.symbol_timeout", "1800s")
	d.str(&t.SelectorTimeout, "tournament.selector_timeout", "60s")
	d.str(&t.Schedule, "tournament.schedule", "0 30 6 * * 1-5")
	if len(t.Timeframes) == 0 {
		t.Timeframes = []string{string(domain.TimeframeDaily)}
	}

	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8088
	}
	if c.Server.GRPCPort == 0 {
		c.Server.GRPCPort = 9098
	}

	if c.Alpaca.Feed == "" {
		c.Alpaca.Feed = "iex"
	}
	if c.Alpaca.RateLimitPerMin == 0 {
		c.Alpaca.RateLimitPerMin = 180
	}
	if c.Alpaca.LookbackDays == 0 {
		c.Alpaca.LookbackDays = 365
	}
}

type defaulter struct {
	log *slog.Logger
}

func (d defaulter) str(v *string, key, def string) {
	if *v == "" {
		*v = def
		d.log.Warn("config key missing, using default", "key", key, "default", def)
	}
}

func (d defaulter) num(v *float64, key string, def float64) {
	if *v == 0 {
		*v = def
		d.log.Warn("config key missing, using default", "key", key, "default", def)
	}
}

func (d defaulter) warnInvalid(key string, got, def float64) {
	d.log.Warn("config value invalid, using default", "key", key, "value", got, "default", def)
}

// ---------------------------------------------------------------------------
// Derived values
// ---------------------------------------------------------------------------

// Multiplier returns the target-price ratio for a timeframe.
func (sp StrategyParams) Multiplier(tf domain.Timeframe) float64 {
	if tf == domain.TimeframeHourly {
		return sp.HourlyMultiplier
	}
	return sp.DailyMultiplier
}

// SharpeAnnualization returns the Sharpe scaling constant for a timeframe.
func (sp StrategyParams) SharpeAnnualization(tf domain.Timeframe) float64 {
	if tf == domain.TimeframeHourly {
		return sp.SharpeAnnualizationHourly
	}
	return sp.SharpeAnnualizationDaily
}

// ReturnAnnualization returns the expected-return scaling for a timeframe.
func (sp StrategyParams) ReturnAnnualization(tf domain.Timeframe) float64 {
	if tf == domain.TimeframeHourly {
		return sp.ExpectedReturnAnnualizationHourly
	}
	return sp.ExpectedReturnAnnualizationDaily
}

// MarketOf reports which edition a symbol belongs to. Listed symbols win;
// otherwise Taiwan suffixes and the TW index select the TW market.
func (c *Config) MarketOf(symbol string) domain.Market {
	for _, s := range c.Symbols.TW {
		if s == symbol {
			return domain.MarketTW
		}
	}
	for _, s := range c.Symbols.US {
		if s == symbol {
			return domain.MarketUS
		}
	}
	upper := strings.ToUpper(symbol)
	if strings.HasSuffix(upper, ".TW") || strings.HasSuffix(upper, ".TWO") || upper == domain.IndexTW {
		return domain.MarketTW
	}
	return domain.MarketUS
}

// IndexSymbol returns the companion index for a symbol.
func (c *Config) IndexSymbol(symbol string) string {
	return domain.IndexFor(c.MarketOf(symbol))
}

// AllSymbols returns the US then TW symbol lists concatenated.
func (c *Config) AllSymbols() []string {
	out := make([]string, 0, len(c.Symbols.US)+len(c.Symbols.TW))
	out = append(out, c.Symbols.US...)
	return append(out, c.Symbols.TW...)
}

// Durations parses the tournament time budgets. Unparsable values fall back
// to the defaults.
func (t TournamentConfig) Durations() (task, symbol, selector time.Duration) {
	return parseDur(t.TaskTimeout, 300*time.Second),
		parseDur(t.SymbolTimeout, 1800*time.Second),
		parseDur(t.SelectorTimeout, 60*time.Second)
}

// ShouldOptimize reports whether grid search is enabled (default true).
func (t TournamentConfig) ShouldOptimize() bool {
	return t.Optimize == nil || *t.Optimize
}

// TimeoutDuration returns the per-call LLM timeout.
func (l LLM) TimeoutDuration() time.Duration {
	return parseDur(l.Timeout, 60*time.Second)
}

func parseDur(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
