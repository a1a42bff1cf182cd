package bot

import (
	"testing"
	"time"

	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestShouldBuy(t *testing.T) {
	cfg := config.DefaultTrading()

	tests := []struct {
		name        string
		mutate      func(r *models.AnalysisResult)
		capital     float64
		openCount   int
		symbolCount int
		want        bool
	}{
		{name: "strong buy", capital: 1000, want: true},
		{
			name: "oversold path without overall buy",
			mutate: func(r *models.AnalysisResult) {
				r.Signals.Overall = models.SignalNeutral
				r.Confidence = 62
				r.Indicators.RSI = 33
			},
			capital: 1000,
			want:    true,
		},
		{
			name: "placeholder rsi does not count as oversold",
			mutate: func(r *models.AnalysisResult) {
				r.Signals.Overall = models.SignalNeutral
				r.Confidence = 62
				r.Indicators.Valid.RSI = false
			},
			capital: 1000,
		},
		{
			name:    "low confidence",
			mutate:  func(r *models.AnalysisResult) { r.Confidence = 70; r.Indicators.RSI = 40 },
			capital: 1000,
		},
		{
			name:    "thin volume",
			mutate:  func(r *models.AnalysisResult) { r.Ticker.QuoteVolume = 900_000 },
			capital: 1000,
		},
		{
			name: "single buy vote",
			mutate: func(r *models.AnalysisResult) {
				r.Signals.MACD = models.SignalNeutral
				r.Signals.SMA = models.SignalSell
			},
			capital: 1000,
		},
		{name: "not enough capital", capital: 49},
		{
			name:    "unstable price",
			mutate:  func(r *models.AnalysisResult) { r.Ticker.PriceChangePercent = -9 },
			capital: 1000,
		},
		{name: "position cap reached", capital: 1000, openCount: 3},
		{name: "symbol already held", capital: 1000, openCount: 1, symbolCount: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := buyResult("BTCUSDT", 100)
			if tt.mutate != nil {
				tt.mutate(r)
			}
			got, reason := shouldBuy(r, cfg, tt.capital, tt.openCount, tt.symbolCount)
			assert.Equal(t, tt.want, got, reason)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestShouldSellRules(t *testing.T) {
	cfg := config.DefaultTrading()
	now := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
	opened := now.Add(-time.Hour)

	tests := []struct {
		name   string
		price  float64
		mutate func(r *models.AnalysisResult)
		opened time.Time
		want   ExitRule
		sell   bool
	}{
		{
			// стоп-лосс важнее любых других условий
			name:  "stop loss wins over everything",
			price: 94,
			mutate: func(r *models.AnalysisResult) {
				r.Signals.Overall = models.SignalSell
				r.Confidence = 95
				r.Indicators = models.IndicatorSet{RSI: 85, Valid: models.IndicatorFlags{RSI: true}}
			},
			opened: now.Add(-48 * time.Hour),
			want:   ExitStopLoss,
			sell:   true,
		},
		{
			name:  "stop loss with weak sell signal",
			price: 94,
			mutate: func(r *models.AnalysisResult) {
				r.Signals.Overall = models.SignalSell
				r.Confidence = 20
			},
			want: ExitStopLoss,
			sell: true,
		},
		{name: "take profit", price: 103.5, want: ExitTakeProfit, sell: true},
		{
			name:  "medium profit with strong sell",
			price: 101.6,
			mutate: func(r *models.AnalysisResult) {
				r.Signals.Overall = models.SignalSell
				r.Confidence = 72
			},
			want: ExitMediumProfit,
			sell: true,
		},
		{
			name:  "small profit needs very strong sell",
			price: 100.6,
			mutate: func(r *models.AnalysisResult) {
				r.Signals.Overall = models.SignalSell
				r.Confidence = 72
			},
		},
		{
			name:  "small profit with very strong sell",
			price: 100.6,
			mutate: func(r *models.AnalysisResult) {
				r.Signals.Overall = models.SignalSell
				r.Confidence = 90
			},
			want: ExitSmallProfit,
			sell: true,
		},
		{
			name:  "overbought with any profit",
			price: 100.1,
			mutate: func(r *models.AnalysisResult) {
				r.Indicators = models.IndicatorSet{RSI: 78, Valid: models.IndicatorFlags{RSI: true}}
			},
			want: ExitOverbought,
			sell: true,
		},
		{
			name:  "overbought placeholder ignored",
			price: 100.1,
			mutate: func(r *models.AnalysisResult) {
				r.Indicators = models.IndicatorSet{RSI: 78}
			},
		},
		{name: "stagnant after max hold", price: 99.8, opened: now.Add(-25 * time.Hour), want: ExitStagnant, sell: true},
		{name: "stagnant too early", price: 99.8},
		{name: "small loss held", price: 97},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trade := &models.Trade{Symbol: "BTCUSDT", EntryPrice: 100, Quantity: 1, OpenedAt: opened}
			if !tt.opened.IsZero() {
				trade.OpenedAt = tt.opened
			}
			r := neutralResult("BTCUSDT", tt.price)
			if tt.mutate != nil {
				tt.mutate(r)
			}

			rule, ok := shouldSell(trade, r, cfg, now)
			assert.Equal(t, tt.sell, ok)
			assert.Equal(t, tt.want, rule)
		})
	}
}
