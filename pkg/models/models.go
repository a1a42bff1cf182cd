package models

import (
	"time"
)

// Candle представляет свечу
type Candle struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// Ticker представляет 24-часовой снимок рынка по инструменту
type Ticker struct {
	Symbol             string    `json:"symbol"`
	LastPrice          float64   `json:"last_price"`
	PriceChangePercent float64   `json:"price_change_percent"`
	QuoteVolume        float64   `json:"quote_volume"`
	Volume             float64   `json:"volume"`
	High               float64   `json:"high"`
	Low                float64   `json:"low"`
	Open               float64   `json:"open"`
	Bid                float64   `json:"bid"`
	Ask                float64   `json:"ask"`
	Timestamp          time.Time `json:"timestamp"`
}

// SpreadPercent возвращает спред bid/ask в процентах от цены.
// Второе значение false, если котировки отсутствуют.
func (t *Ticker) SpreadPercent() (float64, bool) {
	if t.Bid <= 0 || t.Ask <= 0 || t.LastPrice <= 0 || t.Ask < t.Bid {
		return 0, false
	}
	return (t.Ask - t.Bid) / t.LastPrice * 100, true
}

// Balance представляет баланс актива на счете
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// OrderSide направление ордера
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderResult результат исполнения рыночного ордера
type OrderResult struct {
	OrderID     string
	FilledPrice float64
	Quantity    float64
	Commission  float64
}

// Signal торговый сигнал
type Signal string

const (
	SignalBuy     Signal = "BUY"
	SignalSell    Signal = "SELL"
	SignalNeutral Signal = "NEUTRAL"
)

// MACDValue последние значения MACD
type MACDValue struct {
	Line      float64 `json:"line"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// IndicatorFlags показывает, какие значения индикаторов реально рассчитаны.
// false означает заглушку (цена или нейтральные 50), которую нельзя использовать как сигнал.
type IndicatorFlags struct {
	RSI        bool `json:"rsi"`
	SMA20      bool `json:"sma20"`
	SMA50      bool `json:"sma50"`
	EMA12      bool `json:"ema12"`
	EMA26      bool `json:"ema26"`
	MACD       bool `json:"macd"`
	Volatility bool `json:"volatility"`
}

// IndicatorSet набор индикаторов по инструменту
type IndicatorSet struct {
	RSI        float64        `json:"rsi"`
	SMA20      float64        `json:"sma20"`
	SMA50      float64        `json:"sma50"`
	EMA12      float64        `json:"ema12"`
	EMA26      float64        `json:"ema26"`
	MACD       MACDValue      `json:"macd"`
	Volatility float64        `json:"volatility"`
	Valid      IndicatorFlags `json:"valid"`
}

// SignalSet сигналы по каждому индикатору и общий
type SignalSet struct {
	RSI     Signal `json:"rsi"`
	MACD    Signal `json:"macd"`
	SMA     Signal `json:"sma"`
	Overall Signal `json:"overall"`
}

// BuyVotes количество индикаторов с сигналом BUY
func (s SignalSet) BuyVotes() int {
	n := 0
	for _, sig := range []Signal{s.RSI, s.MACD, s.SMA} {
		if sig == SignalBuy {
			n++
		}
	}
	return n
}

// AnalysisResult результат анализа инструмента за один цикл
type AnalysisResult struct {
	Symbol     string       `json:"symbol"`
	Ticker     Ticker       `json:"ticker"`
	Indicators IndicatorSet `json:"indicators"`
	Signals    SignalSet    `json:"signals"`
	Confidence float64      `json:"confidence"`
	Reasons    []string     `json:"reasons"`
	Timestamp  time.Time    `json:"timestamp"`
}

// TopReasons возвращает первые n причин
func (r *AnalysisResult) TopReasons(n int) []string {
	if n <= 0 || len(r.Reasons) <= n {
		return r.Reasons
	}
	return r.Reasons[:n]
}

// PairAnalysis оценка инструмента при отборе пар
type PairAnalysis struct {
	Symbol         string
	Score          float64
	Volume         float64
	PriceChange    float64
	Volatility     float64
	Liquidity      float64
	TechnicalScore float64
	Reasons        []string
}

// TradeStatus статус сделки
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// Trade представляет позицию: открывается покупкой, закрывается продажей
type Trade struct {
	ID           string      `json:"id"`
	Symbol       string      `json:"symbol"`
	Side         OrderSide   `json:"side"`
	Amount       float64     `json:"amount"`
	EntryPrice   float64     `json:"entry_price"`
	ExitPrice    float64     `json:"exit_price"`
	Quantity     float64     `json:"quantity"`
	Fees         float64     `json:"fees"`
	Status       TradeStatus `json:"status"`
	OpenedAt     time.Time   `json:"opened_at"`
	ClosedAt     time.Time   `json:"closed_at"`
	Profit       *float64    `json:"profit,omitempty"`
	OrderID      string      `json:"order_id"`
	CloseOrderID string      `json:"close_order_id"`
	OpenReason   string      `json:"open_reason"`
	CloseReason  string      `json:"close_reason"`
}

// ProfitPercent текущая доходность позиции при цене price
func (t *Trade) ProfitPercent(price float64) float64 {
	if t.EntryPrice <= 0 {
		return 0
	}
	return (price - t.EntryPrice) / t.EntryPrice * 100
}

// LogLevel уровень записи журнала
type LogLevel string

const (
	LogInfo    LogLevel = "INFO"
	LogError   LogLevel = "ERROR"
	LogWarning LogLevel = "WARNING"
	LogDebug   LogLevel = "DEBUG"
)

// LogEntry запись журнала, передаваемая в хранилище
type LogEntry struct {
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
