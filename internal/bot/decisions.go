package bot

import (
	"fmt"
	"math"
	"time"

	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/pkg/models"
)

// ExitRule правило, по которому закрывается позиция
type ExitRule string

const (
	ExitStopLoss     ExitRule = "STOP_LOSS"
	ExitTakeProfit   ExitRule = "TAKE_PROFIT"
	ExitMediumProfit ExitRule = "MEDIUM_PROFIT_SELL_SIGNAL"
	ExitSmallProfit  ExitRule = "SMALL_PROFIT_STRONG_SELL"
	ExitOverbought   ExitRule = "OVERBOUGHT_RSI"
	ExitStagnant     ExitRule = "STAGNANT"
)

// shouldBuy проверяет все условия покупки. При отказе возвращает причину.
func shouldBuy(r *models.AnalysisResult, cfg config.TradingConfig, capital float64, openCount, symbolCount int) (bool, string) {
	strong := r.Signals.Overall == models.SignalBuy && r.Confidence >= cfg.HighConfidence
	oversold := r.Confidence >= cfg.MediumConfidence && r.Indicators.Valid.RSI && r.Indicators.RSI < cfg.OversoldRSI

	switch {
	case !strong && !oversold:
		return false, fmt.Sprintf("недостаточная уверенность %.0f", r.Confidence)
	case r.Ticker.QuoteVolume < cfg.MinVolume:
		return false, "низкий объем"
	case r.Signals.BuyVotes() < cfg.MinBuySignals:
		return false, fmt.Sprintf("мало сигналов на покупку: %d", r.Signals.BuyVotes())
	case capital < math.Max(cfg.TradeAmount, cfg.CapitalFloor):
		return false, fmt.Sprintf("недостаточно капитала: %.2f", capital)
	case math.Abs(r.Ticker.PriceChangePercent) > cfg.StabilityBandPct:
		return false, fmt.Sprintf("нестабильная цена: %.2f%%", r.Ticker.PriceChangePercent)
	case openCount >= cfg.MaxOpenPositions:
		return false, "достигнут лимит позиций"
	case symbolCount >= cfg.MaxPerSymbol:
		return false, "позиция по инструменту уже открыта"
	}

	if strong {
		return true, fmt.Sprintf("Сильный сигнал BUY, уверенность %.0f", r.Confidence)
	}
	return true, fmt.Sprintf("Перепроданность RSI %.1f, уверенность %.0f", r.Indicators.RSI, r.Confidence)
}

// shouldSell проверяет правила выхода по порядку, срабатывает первое подходящее
func shouldSell(trade *models.Trade, r *models.AnalysisResult, cfg config.TradingConfig, now time.Time) (ExitRule, bool) {
	profit := trade.ProfitPercent(r.Ticker.LastPrice)
	sell := r.Signals.Overall == models.SignalSell

	switch {
	case profit <= -cfg.StopLossPct:
		return ExitStopLoss, true
	case profit >= cfg.SellThresholdPct:
		return ExitTakeProfit, true
	case profit >= cfg.MediumProfitPct && sell && r.Confidence >= cfg.StrongSellConfidence:
		return ExitMediumProfit, true
	case profit >= cfg.SmallProfitPct && sell && r.Confidence >= cfg.VeryStrongSellConfidence:
		return ExitSmallProfit, true
	case r.Indicators.Valid.RSI && r.Indicators.RSI > cfg.OverboughtExitRSI && profit > 0:
		return ExitOverbought, true
	case cfg.MaxHoldDuration > 0 && now.Sub(trade.OpenedAt) >= cfg.MaxHoldDuration && math.Abs(profit) <= cfg.StagnantBandPct:
		return ExitStagnant, true
	}
	return "", false
}
