package ops

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/joho/godotenv"
	"github.com/kpLEE-HYU/krader/internal/risk"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/kpLEE-HYU/krader/internal/universe"
	"github.com/kpLEE-HYU/krader/pkg/conn"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

const (
	ModeLive  = "live"
	ModePaper = "paper"
	ModeTest  = "test"

	BrokerPaper = "paper"

	// EnvPrefix marks environment overrides; "__" separates nested keys,
	// as in KRADER_RISK__MAX_TRADES_PER_DAY.
	EnvPrefix = "KRADER_"
)

var ErrInvalidConfig = errors.New("invalid config")

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Mode      string          `json:"mode"`
	Database  DatabaseConfig  `json:"database"`
	Broker    BrokerConfig    `json:"broker"`
	Risk      risk.Config     `json:"risk"`
	Market    MarketConfig    `json:"market"`
	Universe  UniverseConfig  `json:"universe"`
	Strategy  StrategyConfig  `json:"strategy"`
	Control   ControlConfig   `json:"control"`
	Journal   JournalConfig   `json:"journal"`
	Notify    NotifyConfig    `json:"notify"`
	API       APIConfig       `json:"api"`
	Profiling ProfilingConfig `json:"profiling"`
}

type DatabaseConfig struct {
	Driver     string `json:"driver"`
	Path       string `json:"path"`
	ConnString string `json:"connString"`
	LogQueries bool   `json:"logQueries"`
}

type BrokerConfig struct {
	Type    string `json:"type"`
	Account string `json:"account"`
	// RateLimitMs is the minimum spacing between two outbound calls.
	RateLimitMs    int             `json:"rateLimitMs"`
	TimeoutMs      int             `json:"timeoutMs"`
	InitialCash    decimal.Decimal `json:"initialCash"`
	CommissionRate decimal.Decimal `json:"commissionRate"`
	PartialFills   bool            `json:"partialFills"`
	// FeedURL streams ticks over websocket; empty uses the synthetic walk.
	FeedURL        string `json:"feedUrl"`
	TickIntervalMs int    `json:"tickIntervalMs"`
	Seed           int64  `json:"seed"`
}

type MarketConfig struct {
	Timeframes  []string `json:"timeframes"`
	HistorySize int      `json:"historySize"`
}

type UniverseConfig struct {
	// Symbols pins the universe; empty uses the blue chip list.
	Symbols        []string `json:"symbols"`
	Size           int      `json:"size"`
	CacheMinutes   int      `json:"cacheMinutes"`
	RefreshMinutes int      `json:"refreshMinutes"`
}

type StrategyConfig struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

type ControlConfig struct {
	ErrorThreshold     int `json:"errorThreshold"`
	ErrorWindowSeconds int `json:"errorWindowSeconds"`
}

type JournalConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir"`
}

type NotifyConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

type APIConfig struct {
	Addr string `json:"addr"`
}

type ProfilingConfig struct {
	PyroscopeAddr string `json:"pyroscopeAddr"`
	AppName       string `json:"appName"`
}

// Default returns the stock configuration of a paper session.
func Default() FileConfig {
	return FileConfig{
		Mode: ModePaper,
		Database: DatabaseConfig{
			Driver: conn.DriverSQLite,
			Path:   "krader.db",
		},
		Broker: BrokerConfig{
			Type:           BrokerPaper,
			RateLimitMs:    200,
			TimeoutMs:      10_000,
			InitialCash:    decimal.NewFromInt(10_000_000),
			CommissionRate: decimal.RequireFromString("0.00015"),
			TickIntervalMs: 1_000,
		},
		Risk: risk.DefaultConfig(),
		Market: MarketConfig{
			Timeframes:  timeframeNames(schema.DefaultTimeframes),
			HistorySize: 250,
		},
		Universe: UniverseConfig{
			Size:           20,
			CacheMinutes:   60,
			RefreshMinutes: 60,
		},
		Strategy: StrategyConfig{Name: "pullback_v1"},
		Control: ControlConfig{
			ErrorThreshold:     3,
			ErrorWindowSeconds: 300,
		},
		Journal: JournalConfig{Enabled: true, Dir: "journal"},
		Notify:  NotifyConfig{Topic: "krader.events"},
		API:     APIConfig{Addr: ":8080"},
		Profiling: ProfilingConfig{
			AppName: "krader",
		},
	}
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	File       FileConfig
	Database   conn.Option
	Timeframes []schema.Timeframe
	Universe   []string
	Spacing    time.Duration
	Timeout    time.Duration
	TickEvery  time.Duration
	CacheFor   time.Duration
	RefreshFor time.Duration
	ErrWindow  time.Duration
}

// Load reads an optional JSON file over the defaults, then applies the
// .env file and KRADER_* environment overrides, and validates the result.
// An empty path skips the file.
func Load(path string) (Loaded, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Loaded{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := sonic.Unmarshal(data, &cfg); err != nil {
			return Loaded{}, errors.Wrapf(err, "decode config %s", path)
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Loaded{}, errors.Wrap(err, "load .env")
	}
	if err := ApplyEnv(&cfg, os.Environ()); err != nil {
		return Loaded{}, err
	}
	return Resolve(cfg)
}

// Resolve validates cfg and derives the runtime values.
func Resolve(cfg FileConfig) (Loaded, error) {
	if err := Validate(cfg); err != nil {
		return Loaded{}, err
	}

	tfs := make([]schema.Timeframe, 0, len(cfg.Market.Timeframes))
	for _, name := range cfg.Market.Timeframes {
		tf, err := schema.ParseTimeframe(name)
		if err != nil {
			return Loaded{}, errors.Wrapf(ErrInvalidConfig, "market.timeframes: %s", err)
		}
		tfs = append(tfs, tf)
	}

	db := conn.Option{
		Driver:     cfg.Database.Driver,
		Path:       cfg.Database.Path,
		ConnString: cfg.Database.ConnString,
		LogQueries: cfg.Database.LogQueries,
	}
	if cfg.Mode == ModeTest && db.Driver == conn.DriverSQLite {
		db.Path = ":memory:"
	}

	symbols := cfg.Universe.Symbols
	if len(symbols) == 0 {
		symbols = universe.KOSPIBlueChips
	}

	return Loaded{
		File:       cfg,
		Database:   db,
		Timeframes: tfs,
		Universe:   slices.Clone(symbols),
		Spacing:    time.Duration(cfg.Broker.RateLimitMs) * time.Millisecond,
		Timeout:    time.Duration(cfg.Broker.TimeoutMs) * time.Millisecond,
		TickEvery:  time.Duration(cfg.Broker.TickIntervalMs) * time.Millisecond,
		CacheFor:   time.Duration(cfg.Universe.CacheMinutes) * time.Minute,
		RefreshFor: time.Duration(cfg.Universe.RefreshMinutes) * time.Minute,
		ErrWindow:  time.Duration(cfg.Control.ErrorWindowSeconds) * time.Second,
	}, nil
}

// Validate checks ranges; every violation is reported.
func Validate(cfg FileConfig) error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(slices.Contains([]string{ModeLive, ModePaper, ModeTest}, cfg.Mode), "mode must be live, paper or test, got %q", cfg.Mode)
	check(cfg.Broker.Type == BrokerPaper, "broker.type %q is not available", cfg.Broker.Type)
	check(cfg.Mode != ModeLive || cfg.Broker.Type != BrokerPaper, "mode live needs a live broker")
	check(slices.Contains([]string{conn.DriverSQLite, conn.DriverPostgres}, cfg.Database.Driver), "database.driver %q is not supported", cfg.Database.Driver)
	check(cfg.Broker.RateLimitMs > 0, "broker.rateLimitMs must be > 0")
	check(cfg.Broker.TimeoutMs > 0, "broker.timeoutMs must be > 0")
	check(cfg.Broker.TickIntervalMs > 0, "broker.tickIntervalMs must be > 0")
	check(cfg.Broker.InitialCash.IsPositive(), "broker.initialCash must be > 0")
	check(!cfg.Broker.CommissionRate.IsNegative(), "broker.commissionRate must be >= 0")

	r := cfg.Risk
	check(r.MaxPositionSize > 0, "risk.maxPositionSize must be > 0")
	check(inRange(r.MaxPortfolioExposurePct, "0", "1") && r.MaxPortfolioExposurePct.IsPositive(), "risk.maxPortfolioExposurePct must be in (0, 1]")
	check(r.DailyLossLimit.IsPositive(), "risk.dailyLossLimit must be > 0")
	check(inRange(r.TransactionCostRate, "0", "0.02"), "risk.transactionCostRate must be in [0, 0.02]")
	check(r.MaxTradesPerDay >= 1 && r.MaxTradesPerDay <= 1000, "risk.maxTradesPerDay must be in [1, 1000]")
	check(inRange(r.PositionSizePct, "0.01", "0.5"), "risk.positionSizePct must be in [0.01, 0.5]")
	if _, err := risk.NewEngine(r, nil, nil); err != nil {
		problems = append(problems, "risk: "+err.Error())
	}

	check(len(cfg.Market.Timeframes) > 0, "market.timeframes is empty")
	check(cfg.Market.HistorySize > 0, "market.historySize must be > 0")
	check(cfg.Universe.Size > 0, "universe.size must be > 0")
	check(cfg.Universe.CacheMinutes >= 0, "universe.cacheMinutes must be >= 0")
	check(cfg.Universe.RefreshMinutes > 0, "universe.refreshMinutes must be > 0")
	check(cfg.Strategy.Name != "", "strategy.name is empty")
	check(cfg.Control.ErrorThreshold > 0, "control.errorThreshold must be > 0")
	check(cfg.Control.ErrorWindowSeconds > 0, "control.errorWindowSeconds must be > 0")
	check(!cfg.Journal.Enabled || cfg.Journal.Dir != "", "journal.dir is empty")
	check(len(cfg.Notify.Brokers) == 0 || cfg.Notify.Topic != "", "notify.topic is empty")

	if len(problems) != 0 {
		return errors.Wrap(ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func inRange(v decimal.Decimal, lo, hi string) bool {
	return !v.LessThan(decimal.RequireFromString(lo)) && !v.GreaterThan(decimal.RequireFromString(hi))
}

// ApplyEnv overrides cfg from KRADER_* entries of environ ("KEY=value").
// Unknown keys are ignored.
func ApplyEnv(cfg *FileConfig, environ []string) error {
	setters := envSetters(cfg)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		set, ok := setters[strings.ToUpper(strings.TrimPrefix(key, EnvPrefix))]
		if !ok {
			continue
		}
		if err := set(value); err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%s: %s", key, err)
		}
	}
	return nil
}

func envSetters(cfg *FileConfig) map[string]func(string) error {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	num := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*dst = n
			return nil
		}
	}
	dec := func(dst *decimal.Decimal) func(string) error {
		return func(v string) error {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return err
			}
			*dst = d
			return nil
		}
	}
	list := func(dst *[]string) func(string) error {
		return func(v string) error {
			var out []string
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
			*dst = out
			return nil
		}
	}

	return map[string]func(string) error{
		"MODE":                             str(&cfg.Mode),
		"DATABASE__DRIVER":                 str(&cfg.Database.Driver),
		"DATABASE__PATH":                   str(&cfg.Database.Path),
		"DATABASE__CONN_STRING":            str(&cfg.Database.ConnString),
		"BROKER__TYPE":                     str(&cfg.Broker.Type),
		"BROKER__ACCOUNT":                  str(&cfg.Broker.Account),
		"BROKER__TR_RATE_LIMIT_MS":         num(&cfg.Broker.RateLimitMs),
		"BROKER__TIMEOUT_MS":               num(&cfg.Broker.TimeoutMs),
		"BROKER__INITIAL_CASH":             dec(&cfg.Broker.InitialCash),
		"BROKER__FEED_URL":                 str(&cfg.Broker.FeedURL),
		"RISK__MAX_POSITION_SIZE":          func(v string) error { return parseInt64(v, &cfg.Risk.MaxPositionSize) },
		"RISK__MAX_PORTFOLIO_EXPOSURE_PCT": dec(&cfg.Risk.MaxPortfolioExposurePct),
		"RISK__DAILY_LOSS_LIMIT":           dec(&cfg.Risk.DailyLossLimit),
		"RISK__TRADING_START_TIME":         str(&cfg.Risk.TradingStart),
		"RISK__TRADING_END_TIME":           str(&cfg.Risk.TradingEnd),
		"RISK__TRANSACTION_COST_RATE":      dec(&cfg.Risk.TransactionCostRate),
		"RISK__MAX_TRADES_PER_DAY":         num(&cfg.Risk.MaxTradesPerDay),
		"RISK__POSITION_SIZE_PCT":          dec(&cfg.Risk.PositionSizePct),
		"UNIVERSE__SYMBOLS":                list(&cfg.Universe.Symbols),
		"UNIVERSE__SIZE":                   num(&cfg.Universe.Size),
		"STRATEGY__NAME":                   str(&cfg.Strategy.Name),
		"JOURNAL__DIR":                     str(&cfg.Journal.Dir),
		"NOTIFY__BROKERS":                  list(&cfg.Notify.Brokers),
		"NOTIFY__TOPIC":                    str(&cfg.Notify.Topic),
		"API__ADDR":                        str(&cfg.API.Addr),
		"PROFILING__PYROSCOPE_ADDR":        str(&cfg.Profiling.PyroscopeAddr),
	}
}

func parseInt64(v string, dst *int64) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func timeframeNames(tfs []schema.Timeframe) []string {
	out := make([]string, len(tfs))
	for i, tf := range tfs {
		out[i] = string(tf)
	}
	return out
}
