package technical

import (
	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/pkg/logger"
	"github.com/skalibog/spotbot/pkg/models"
	"go.uber.org/zap"
)

// Analyzer рассчитывает набор индикаторов по ряду цен закрытия
type Analyzer struct {
	config config.TechnicalConfig
}

// NewAnalyzer создает новый анализатор технических индикаторов
func NewAnalyzer(cfg config.TechnicalConfig) *Analyzer {
	return &Analyzer{
		config: cfg,
	}
}

// Compute рассчитывает индикаторы для включенных семейств.
// Если семейство выключено или данных мало, остается заглушка и флаг false.
func (a *Analyzer) Compute(closes []float64, price float64, toggles config.IndicatorToggles) models.IndicatorSet {
	set := models.IndicatorSet{
		RSI:   50,
		SMA20: price,
		SMA50: price,
		EMA12: price,
		EMA26: price,
	}

	if toggles.RSI {
		if rsi, err := RSI(closes, a.config.RSIPeriod); err == nil {
			set.RSI = rsi
			set.Valid.RSI = true
		} else {
			a.debugSkip("rsi", len(closes), err)
		}
	}

	if toggles.SMA {
		if v, ok := lastOf(SMA(closes, a.config.SMAFast)); ok {
			set.SMA20 = v
			set.Valid.SMA20 = true
		}
		if v, ok := lastOf(SMA(closes, a.config.SMASlow)); ok {
			set.SMA50 = v
			set.Valid.SMA50 = true
		}
	}

	if toggles.EMA {
		if v, ok := lastOf(EMA(closes, a.config.EMAFast)); ok {
			set.EMA12 = v
			set.Valid.EMA12 = true
		}
		if v, ok := lastOf(EMA(closes, a.config.EMASlow)); ok {
			set.EMA26 = v
			set.Valid.EMA26 = true
		}
	}

	if toggles.MACD {
		macd, err := MACD(closes, a.config.MACDFast, a.config.MACDSlow, a.config.MACDSignal)
		if err == nil {
			line, signal, hist := macd.Last()
			set.MACD = models.MACDValue{Line: line, Signal: signal, Histogram: hist}
			set.Valid.MACD = true
		} else {
			a.debugSkip("macd", len(closes), err)
		}
	}

	if vol, err := Volatility(closes, a.config.VolatilityPeriod); err == nil && price > 0 {
		set.Volatility = vol / price * 100
		set.Valid.Volatility = true
	}

	return set
}

func (a *Analyzer) debugSkip(indicator string, n int, err error) {
	logger.Debug("Индикатор заменен нейтральным значением",
		zap.String("indicator", indicator),
		zap.Int("candles", n),
		zap.Error(err))
}

func lastOf(series []float64, err error) (float64, bool) {
	if err != nil || len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}
