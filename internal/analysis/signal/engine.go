package signal

import (
	"fmt"
	"math"

	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/pkg/models"
)

// Evaluation результат оценки сигналов по инструменту
type Evaluation struct {
	Signals    models.SignalSet
	Confidence float64
	Reasons    []string
}

// Engine вычисляет сигналы индикаторов, общий сигнал и уверенность
type Engine struct {
	config config.SignalConfig
}

// NewEngine создает движок сигналов
func NewEngine(cfg config.SignalConfig) *Engine {
	return &Engine{config: cfg}
}

// Evaluate оценивает инструмент по тикеру, индикаторам и истории объемов (старые первыми).
// Индикатор участвует только если он включен и рассчитан по реальным данным.
func (e *Engine) Evaluate(ticker models.Ticker, ind models.IndicatorSet, toggles config.IndicatorToggles, volumes []float64) Evaluation {
	rsiActive := toggles.RSI && ind.Valid.RSI
	macdActive := toggles.MACD && ind.Valid.MACD
	smaActive := toggles.SMA && ind.Valid.SMA20 && ind.Valid.SMA50
	emaActive := toggles.EMA && ind.Valid.EMA12 && ind.Valid.EMA26

	signals := models.SignalSet{
		RSI:  models.SignalNeutral,
		MACD: models.SignalNeutral,
		SMA:  models.SignalNeutral,
	}
	if rsiActive {
		signals.RSI = e.rsiSignal(ind.RSI)
	}
	if macdActive {
		signals.MACD = macdSignal(ind.MACD)
	}
	if smaActive {
		signals.SMA = smaSignal(ticker.LastPrice, ind.SMA20, ind.SMA50)
	}
	signals.Overall = e.overall(signals, ind.RSI)

	var (
		confidence float64
		reasons    []string
	)
	add := func(points float64, reason string) {
		confidence += points
		reasons = append(reasons, reason)
	}

	// RSI
	if rsiActive {
		switch {
		case ind.RSI < e.config.RSIExtremeLow:
			add(35, fmt.Sprintf("RSI сильно перепродан (%.1f)", ind.RSI))
		case ind.RSI > e.config.RSIExtremeHigh:
			add(35, fmt.Sprintf("RSI сильно перекуплен (%.1f)", ind.RSI))
		case ind.RSI < e.config.RSIOversold:
			add(25, fmt.Sprintf("RSI перепродан (%.1f)", ind.RSI))
		case ind.RSI > e.config.RSIOverbought:
			add(25, fmt.Sprintf("RSI перекуплен (%.1f)", ind.RSI))
		}
	}

	// MACD
	switch signals.MACD {
	case models.SignalBuy:
		add(25, "MACD: бычье пересечение")
	case models.SignalSell:
		add(25, "MACD: медвежье пересечение")
	}

	// SMA
	if signals.SMA != models.SignalNeutral {
		slope := 0.0
		if ind.SMA50 != 0 {
			slope = math.Abs(ind.SMA20-ind.SMA50) / ind.SMA50 * 100
		}
		trend := "восходящий"
		if signals.SMA == models.SignalSell {
			trend = "нисходящий"
		}
		if slope >= e.config.TrendSlopePct {
			add(25, fmt.Sprintf("SMA: сильный %s тренд (%.2f%%)", trend, slope))
		} else {
			add(15, fmt.Sprintf("SMA: слабый %s тренд (%.2f%%)", trend, slope))
		}
	}

	// Объем
	if ratio, ok := volumeRatio(volumes, e.config.VolumeLookback); ok {
		switch {
		case ratio > e.config.VolumeSpike:
			add(15, fmt.Sprintf("Всплеск объема (x%.2f)", ratio))
		case ratio > e.config.VolumeRise:
			add(10, fmt.Sprintf("Повышенный объем (x%.2f)", ratio))
		}
	}

	// Импульс
	change := math.Abs(ticker.PriceChangePercent)
	switch {
	case change > e.config.StrongMomentum:
		add(10, fmt.Sprintf("Сильный импульс цены (%.2f%%)", ticker.PriceChangePercent))
	case change > e.config.ModerateMomentum:
		add(5, fmt.Sprintf("Умеренный импульс цены (%.2f%%)", ticker.PriceChangePercent))
	}

	// Подтверждение EMA
	if emaActive {
		if signals.Overall == models.SignalBuy && ind.EMA12 > ind.EMA26 {
			add(10, "EMA12 выше EMA26 подтверждает рост")
		} else if signals.Overall == models.SignalSell && ind.EMA12 < ind.EMA26 {
			add(10, "EMA12 ниже EMA26 подтверждает падение")
		}
	}

	return Evaluation{
		Signals:    signals,
		Confidence: clamp(confidence, 0, 100),
		Reasons:    reasons,
	}
}

func (e *Engine) rsiSignal(rsi float64) models.Signal {
	switch {
	case rsi < e.config.RSIOversold:
		return models.SignalBuy
	case rsi > e.config.RSIOverbought:
		return models.SignalSell
	default:
		return models.SignalNeutral
	}
}

func macdSignal(m models.MACDValue) models.Signal {
	switch {
	case m.Line > m.Signal && m.Histogram > 0:
		return models.SignalBuy
	case m.Line < m.Signal && m.Histogram < 0:
		return models.SignalSell
	default:
		return models.SignalNeutral
	}
}

func smaSignal(price, sma20, sma50 float64) models.Signal {
	switch {
	case price > sma20 && sma20 > sma50:
		return models.SignalBuy
	case price < sma20 && sma20 < sma50:
		return models.SignalSell
	default:
		return models.SignalNeutral
	}
}

// overall взвешенное голосование: экстремальный RSI весит 3, остальные по 2
func (e *Engine) overall(s models.SignalSet, rsi float64) models.Signal {
	var buy, sell int

	rsiWeight := 2
	if rsi < e.config.RSIExtremeLow || rsi > e.config.RSIExtremeHigh {
		rsiWeight = 3
	}
	switch s.RSI {
	case models.SignalBuy:
		buy += rsiWeight
	case models.SignalSell:
		sell += rsiWeight
	}

	for _, sig := range []models.Signal{s.MACD, s.SMA} {
		switch sig {
		case models.SignalBuy:
			buy += 2
		case models.SignalSell:
			sell += 2
		}
	}

	switch {
	case buy > sell && buy >= e.config.MinOverallScore:
		return models.SignalBuy
	case sell > buy && sell >= e.config.MinOverallScore:
		return models.SignalSell
	default:
		return models.SignalNeutral
	}
}

// volumeRatio отношение последнего объема к среднему предыдущих lookback значений
func volumeRatio(volumes []float64, lookback int) (float64, bool) {
	if lookback <= 0 || len(volumes) < lookback+1 {
		return 0, false
	}
	current := volumes[len(volumes)-1]
	var sum float64
	for _, v := range volumes[len(volumes)-1-lookback : len(volumes)-1] {
		sum += v
	}
	avg := sum / float64(lookback)
	if avg <= 0 {
		return 0, false
	}
	return current / avg, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
