package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/skalibog/spotbot/pkg/logger"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Binance   BinanceConfig   `yaml:"binance"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Trading   TradingConfig   `yaml:"trading"`
	Selection SelectionConfig `yaml:"selection"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Storage   StorageConfig   `yaml:"storage"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	UI        UIConfig        `yaml:"ui"`
	Log       LogConfig       `yaml:"log"`
}

// BinanceConfig содержит настройки подключения к Binance
type BinanceConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
}

// ExchangeConfig таймауты и ограничения запросов к бирже
type ExchangeConfig struct {
	PingTimeout    time.Duration `yaml:"ping_timeout"`
	DataTimeout    time.Duration `yaml:"data_timeout"`
	OrderTimeout   time.Duration `yaml:"order_timeout"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
	Burst          int           `yaml:"burst"`
}

// IndicatorToggles какие семейства индикаторов включены
type IndicatorToggles struct {
	RSI  bool `yaml:"rsi"`
	MACD bool `yaml:"macd"`
	SMA  bool `yaml:"sma"`
	EMA  bool `yaml:"ema"`
}

// TradingConfig параметры торговли. Передается в Start и сохраняется в хранилище.
type TradingConfig struct {
	QuoteAsset       string           `yaml:"quote_asset"`
	TradeAmount      float64          `yaml:"trade_amount"`
	MinBalance       float64          `yaml:"min_balance"`
	CapitalFloor     float64          `yaml:"capital_floor"`
	MaxOpenPositions int              `yaml:"max_open_positions"`
	MaxPerSymbol     int              `yaml:"max_per_symbol"`
	MaxTradesPerTick int              `yaml:"max_trades_per_tick"`
	Indicators       IndicatorToggles `yaml:"indicators"`

	// Покупка
	HighConfidence   float64 `yaml:"high_confidence"`
	MediumConfidence float64 `yaml:"medium_confidence"`
	OversoldRSI      float64 `yaml:"oversold_rsi"`
	MinBuySignals    int     `yaml:"min_buy_signals"`
	MinVolume        float64 `yaml:"min_volume"`
	StabilityBandPct float64 `yaml:"stability_band_pct"`
	MaxVolatilityPct float64 `yaml:"max_volatility_pct"`
	VolumeBonusCap   float64 `yaml:"volume_bonus_cap"`

	// Продажа
	StopLossPct              float64       `yaml:"stop_loss_pct"`
	SellThresholdPct         float64       `yaml:"sell_threshold_pct"`
	MediumProfitPct          float64       `yaml:"medium_profit_pct"`
	StrongSellConfidence     float64       `yaml:"strong_sell_confidence"`
	SmallProfitPct           float64       `yaml:"small_profit_pct"`
	VeryStrongSellConfidence float64       `yaml:"very_strong_sell_confidence"`
	OverboughtExitRSI        float64       `yaml:"overbought_exit_rsi"`
	MaxHoldDuration          time.Duration `yaml:"max_hold_duration"`
	StagnantBandPct          float64       `yaml:"stagnant_band_pct"`
}

// SelectionConfig критерии отбора торговых пар
type SelectionConfig struct {
	QuoteAsset          string        `yaml:"quote_asset"`
	TargetPairs         int           `yaml:"target_pairs"`
	RefreshInterval     time.Duration `yaml:"refresh_interval"`
	MinVolume           float64       `yaml:"min_volume"`
	MinRawVolume        float64       `yaml:"min_raw_volume"`
	MinLiquidity        float64       `yaml:"min_liquidity"`
	MaxVolatilityPct    float64       `yaml:"max_volatility_pct"`
	MaxSymbolLength     int           `yaml:"max_symbol_length"`
	Exclude             []string      `yaml:"exclude"`
	ExcludeSuffixes     []string      `yaml:"exclude_suffixes"`
	PopularAssets       []string      `yaml:"popular_assets"`
	VolumeCeiling       float64       `yaml:"volume_ceiling"`
	TargetVolatility    float64       `yaml:"target_volatility"`
	MinVolatility       float64       `yaml:"min_volatility"`
	MaxGoodVolatility   float64       `yaml:"max_good_volatility"`
	MinMomentum         float64       `yaml:"min_momentum"`
	TightSpreadPct      float64       `yaml:"tight_spread_pct"`
	TechnicalCandidates int           `yaml:"technical_candidates"`
	CandleInterval      string        `yaml:"candle_interval"`
	CandleLimit         int           `yaml:"candle_limit"`
	FetchAttempts       int           `yaml:"fetch_attempts"`
	FetchDelay          time.Duration `yaml:"fetch_delay"`
}

// AnalysisConfig содержит настройки аналитических модулей
type AnalysisConfig struct {
	Interval        time.Duration   `yaml:"interval"`
	TradingInterval time.Duration   `yaml:"trading_interval"`
	CandleInterval  string          `yaml:"candle_interval"`
	CandleLimit     int             `yaml:"candle_limit"`
	Concurrency     int             `yaml:"concurrency"`
	Technical       TechnicalConfig `yaml:"technical"`
	Signal          SignalConfig    `yaml:"signal"`
}

// TechnicalConfig настройки технического анализа
type TechnicalConfig struct {
	RSIPeriod        int `yaml:"rsi_period"`
	SMAFast          int `yaml:"sma_fast"`
	SMASlow          int `yaml:"sma_slow"`
	EMAFast          int `yaml:"ema_fast"`
	EMASlow          int `yaml:"ema_slow"`
	MACDFast         int `yaml:"macd_fast"`
	MACDSlow         int `yaml:"macd_slow"`
	MACDSignal       int `yaml:"macd_signal"`
	VolatilityPeriod int `yaml:"volatility_period"`
}

// SignalConfig пороговые значения для сигналов и уверенности
type SignalConfig struct {
	RSIOversold      float64 `yaml:"rsi_oversold"`
	RSIOverbought    float64 `yaml:"rsi_overbought"`
	RSIExtremeLow    float64 `yaml:"rsi_extreme_low"`
	RSIExtremeHigh   float64 `yaml:"rsi_extreme_high"`
	MinOverallScore  int     `yaml:"min_overall_score"`
	TrendSlopePct    float64 `yaml:"trend_slope_pct"`
	VolumeLookback   int     `yaml:"volume_lookback"`
	VolumeSpike      float64 `yaml:"volume_spike"`
	VolumeRise       float64 `yaml:"volume_rise"`
	StrongMomentum   float64 `yaml:"strong_momentum"`
	ModerateMomentum float64 `yaml:"moderate_momentum"`
}

// StorageConfig настройки хранения данных
type StorageConfig struct {
	Type         string        `yaml:"type"`
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	Organization string        `yaml:"organization"`
	Bucket       string        `yaml:"bucket"`
	Path         string        `yaml:"path"`
	Timeout      time.Duration `yaml:"timeout"`
}

// TelegramConfig настройки уведомлений
type TelegramConfig struct {
	BotToken string        `yaml:"bot_token"`
	ChatID   string        `yaml:"chat_id"`
	Timeout  time.Duration `yaml:"timeout"`
}

// UIConfig настройки пользовательского интерфейса
type UIConfig struct {
	RefreshRate int  `yaml:"refresh_rate_ms"`
	Enabled     bool `yaml:"enabled"`
}

// LogConfig настройки логирования
type LogConfig struct {
	Level           string `yaml:"level"`
	File            string `yaml:"file"`
	JSONFile        string `yaml:"json_file"`
	TruncateOnStart bool   `yaml:"truncate_on_start"`
}

// Options преобразует настройки в параметры логгера
func (c LogConfig) Options(console bool) logger.Options {
	return logger.Options{
		Level:           c.Level,
		File:            c.File,
		JSONFile:        c.JSONFile,
		Console:         console,
		TruncateOnStart: c.TruncateOnStart,
	}
}

// Default возвращает конфигурацию со значениями по умолчанию
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			PingTimeout:    5 * time.Second,
			DataTimeout:    10 * time.Second,
			OrderTimeout:   20 * time.Second,
			RequestsPerSec: 10,
			Burst:          20,
		},
		Trading:   DefaultTrading(),
		Selection: DefaultSelection(),
		Analysis: AnalysisConfig{
			Interval:        30 * time.Second,
			TradingInterval: 45 * time.Second,
			CandleInterval:  "5m",
			CandleLimit:     100,
			Concurrency:     4,
			Technical:       DefaultTechnical(),
			Signal:          DefaultSignal(),
		},
		Storage: StorageConfig{
			Type:    "memory",
			Path:    "spotbot.db",
			Timeout: 5 * time.Second,
		},
		Telegram: TelegramConfig{Timeout: 10 * time.Second},
		UI:       UIConfig{RefreshRate: 1000, Enabled: true},
		Log: LogConfig{
			Level:    "debug",
			File:     "app.log",
			JSONFile: "app.json.log",
		},
	}
}

// DefaultTrading параметры торговли по умолчанию
func DefaultTrading() TradingConfig {
	return TradingConfig{
		QuoteAsset:       "USDT",
		TradeAmount:      50,
		MinBalance:       10,
		CapitalFloor:     10,
		MaxOpenPositions: 3,
		MaxPerSymbol:     1,
		MaxTradesPerTick: 3,
		Indicators:       IndicatorToggles{RSI: true, MACD: true, SMA: true, EMA: true},

		HighConfidence:   75,
		MediumConfidence: 60,
		OversoldRSI:      35,
		MinBuySignals:    2,
		MinVolume:        1_000_000,
		StabilityBandPct: 8,
		MaxVolatilityPct: 15,
		VolumeBonusCap:   10,

		StopLossPct:              5,
		SellThresholdPct:         3,
		MediumProfitPct:          1.5,
		StrongSellConfidence:     70,
		SmallProfitPct:           0.5,
		VeryStrongSellConfidence: 85,
		OverboughtExitRSI:        75,
		MaxHoldDuration:          24 * time.Hour,
		StagnantBandPct:          0.5,
	}
}

// DefaultSelection критерии отбора по умолчанию
func DefaultSelection() SelectionConfig {
	return SelectionConfig{
		QuoteAsset:       "USDT",
		TargetPairs:      8,
		RefreshInterval:  5 * time.Minute,
		MinVolume:        5_000_000,
		MinRawVolume:     1_000_000,
		MinLiquidity:     1_000_000,
		MaxVolatilityPct: 15,
		MaxSymbolLength:  12,
		Exclude: []string{
			"USDCUSDT", "BUSDUSDT", "TUSDUSDT", "FDUSDUSDT", "DAIUSDT",
			"USDPUSDT", "EURUSDT", "USTUSDT", "PAXGUSDT",
		},
		ExcludeSuffixes:     []string{"UP", "DOWN", "BULL", "BEAR"},
		PopularAssets:       []string{"BTC", "ETH", "BNB", "SOL", "XRP", "ADA", "DOGE", "AVAX", "DOT", "LINK", "LTC", "TRX"},
		VolumeCeiling:       100_000_000,
		TargetVolatility:    4,
		MinVolatility:       1,
		MaxGoodVolatility:   10,
		MinMomentum:         1,
		TightSpreadPct:      0.1,
		TechnicalCandidates: 24,
		CandleInterval:      "5m",
		CandleLimit:         50,
		FetchAttempts:       3,
		FetchDelay:          2 * time.Second,
	}
}

// DefaultTechnical периоды индикаторов по умолчанию
func DefaultTechnical() TechnicalConfig {
	return TechnicalConfig{
		RSIPeriod:        14,
		SMAFast:          20,
		SMASlow:          50,
		EMAFast:          12,
		EMASlow:          26,
		MACDFast:         12,
		MACDSlow:         26,
		MACDSignal:       9,
		VolatilityPeriod: 20,
	}
}

// DefaultSignal пороги сигналов по умолчанию
func DefaultSignal() SignalConfig {
	return SignalConfig{
		RSIOversold:      30,
		RSIOverbought:    70,
		RSIExtremeLow:    25,
		RSIExtremeHigh:   75,
		MinOverallScore:  3,
		TrendSlopePct:    2,
		VolumeLookback:   10,
		VolumeSpike:      1.5,
		VolumeRise:       1.2,
		StrongMomentum:   3,
		ModerateMomentum: 1.5,
	}
}

// Validate проверяет параметры торговли перед запуском
func (c *TradingConfig) Validate() error {
	var problems []string
	if c.QuoteAsset == "" {
		problems = append(problems, "не задан quote_asset")
	}
	if c.TradeAmount <= 0 {
		problems = append(problems, "trade_amount должен быть больше 0")
	}
	if c.MaxOpenPositions <= 0 {
		problems = append(problems, "max_open_positions должен быть больше 0")
	}
	// На инструмент допускается ровно одна открытая позиция
	if c.MaxPerSymbol != 1 {
		problems = append(problems, "max_per_symbol должен быть равен 1")
	}
	if c.StopLossPct <= 0 || c.StopLossPct >= 100 {
		problems = append(problems, "stop_loss_pct должен быть в диапазоне (0, 100)")
	}
	if c.SellThresholdPct <= 0 {
		problems = append(problems, "sell_threshold_pct должен быть больше 0")
	}
	if !c.Indicators.RSI && !c.Indicators.MACD && !c.Indicators.SMA {
		problems = append(problems, "должен быть включен хотя бы один индикатор")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Validate проверяет конфигурацию приложения
func (c *Config) Validate() error {
	if err := c.Trading.Validate(); err != nil {
		return fmt.Errorf("trading: %w", err)
	}
	if c.Analysis.Interval <= 0 || c.Analysis.TradingInterval <= 0 {
		return errors.New("analysis: интервалы циклов должны быть больше 0")
	}
	if c.Selection.QuoteAsset != c.Trading.QuoteAsset {
		return fmt.Errorf("selection: quote_asset %q не совпадает с trading.quote_asset %q",
			c.Selection.QuoteAsset, c.Trading.QuoteAsset)
	}
	if c.Selection.TargetPairs <= 0 {
		return errors.New("selection: target_pairs должен быть больше 0")
	}
	switch c.Storage.Type {
	case "memory", "sqlite", "influxdb":
	default:
		return fmt.Errorf("storage: неизвестный тип хранилища %q", c.Storage.Type)
	}
	return nil
}

// Load загружает конфигурацию из файла. Секреты берутся из окружения (.env), если заданы.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("Не удалось загрузить .env", zap.Error(err))
	}
	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация: %w", err)
	}

	logger.Info("Загружена конфигурация",
		zap.String("path", path),
		zap.String("storage", config.Storage.Type),
		zap.Int("target_pairs", config.Selection.TargetPairs))
	return config, nil
}

// Parse разбирает YAML поверх значений по умолчанию
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
	}
	return config, nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.Binance.APIKey, "BINANCE_API_KEY")
	setFromEnv(&c.Binance.APISecret, "BINANCE_API_SECRET")
	setFromEnv(&c.Storage.Token, "INFLUXDB_TOKEN")
	setFromEnv(&c.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	setFromEnv(&c.Telegram.ChatID, "TELEGRAM_CHAT_ID")
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
