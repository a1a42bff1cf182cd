package bot

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/pkg/logger"
	"github.com/skalibog/spotbot/pkg/models"
	"go.uber.org/zap"
)

// RunAnalysisCycle выполняет один цикл анализа.
// Возвращает false, если предыдущий цикл еще выполняется.
func (o *Orchestrator) RunAnalysisCycle(ctx context.Context) bool {
	return o.runAnalysis(ctx, o.generation.Load())
}

// RunTradingCycle выполняет один торговый цикл.
// Возвращает false, если предыдущий цикл еще выполняется.
func (o *Orchestrator) RunTradingCycle(ctx context.Context) bool {
	return o.runTrading(ctx, o.generation.Load())
}

func (o *Orchestrator) runAnalysis(ctx context.Context, gen uint64) (ran bool) {
	if !o.analysisBusy.CompareAndSwap(false, true) {
		logger.Debug("Цикл анализа пропущен: предыдущий еще выполняется")
		return false
	}
	// Цикл считается выполненным и при панике
	ran = true
	defer o.analysisBusy.Store(false)
	defer o.recoverPanic("analysis", gen)

	o.analysisTick(ctx, gen)
	return ran
}

func (o *Orchestrator) runTrading(ctx context.Context, gen uint64) (ran bool) {
	if !o.tradingBusy.CompareAndSwap(false, true) {
		logger.Debug("Торговый цикл пропущен: предыдущий еще выполняется")
		return false
	}
	// Цикл считается выполненным и при панике
	ran = true
	defer o.tradingBusy.Store(false)
	defer o.recoverPanic("trading", gen)

	o.tradingTick(ctx, gen)
	return ran
}

func (o *Orchestrator) recoverPanic(cycle string, gen uint64) {
	if r := recover(); r != nil {
		logger.Error("Паника в цикле",
			zap.String("cycle", cycle),
			zap.Any("panic", r),
			zap.Stack("stack"))
		o.fail(gen)
	}
}

func (o *Orchestrator) analysisTick(ctx context.Context, gen uint64) {
	if !o.active(ctx, gen) {
		return
	}
	o.reconcileStatus(ctx)

	sel, err := o.selector.Select(ctx)
	if err != nil {
		logger.Warn("Отбор пар не удался", zap.Error(err))
	}

	var symbols []string
	if sel != nil {
		symbols = sel.Symbols
	}
	if len(symbols) == 0 {
		logger.Warn("Нет пар для анализа")
		o.record(ctx, models.LogWarning, "Нет пар для анализа", nil)
	}

	// Открытые позиции анализируются всегда, даже если пара выпала из отбора
	targets := o.withHeldSymbols(symbols)

	cfg := o.tradingConfig()
	results := o.analyzer.AnalyzeSymbols(ctx, targets, cfg.Indicators)

	if !o.active(ctx, gen) {
		return
	}

	// Результаты заменяются целиком
	o.mu.Lock()
	o.results = results
	o.symbols = symbols
	o.lastAnalysis = o.now()
	o.mu.Unlock()

	logger.Info("Цикл анализа завершен",
		zap.Int("symbols", len(symbols)),
		zap.Int("held_only", len(targets)-len(symbols)),
		zap.Int("results", len(results)))
}

func (o *Orchestrator) tradingTick(ctx context.Context, gen uint64) {
	if !o.active(ctx, gen) {
		return
	}
	o.reconcileStatus(ctx)

	o.mu.Lock()
	results := o.results
	selected := make(map[string]bool, len(o.symbols))
	for _, s := range o.symbols {
		selected[s] = true
	}
	cfg := o.trading
	o.lastTrading = o.now()
	o.mu.Unlock()

	if len(results) == 0 {
		logger.Warn("Нет результатов анализа, торговля пропущена")
		o.record(ctx, models.LogWarning, "Нет результатов анализа, торговля пропущена", nil)
		return
	}

	// Покупки только среди отобранных пар
	buyable := make(map[string]*models.AnalysisResult, len(selected))
	for sym, r := range results {
		if selected[sym] {
			buyable[sym] = r
		}
	}

	ranked := o.rank(buyable, cfg)
	k := cfg.MaxTradesPerTick
	if k <= 0 || k > len(ranked) {
		k = len(ranked)
	}

	evaluated := make(map[string]bool, k)
	for _, r := range ranked[:k] {
		if !o.active(ctx, gen) {
			return
		}
		evaluated[r.Symbol] = true

		// Продажа рассматривается только для позиций, открытых до этого цикла
		existing := o.tradesFor(r.Symbol)
		o.considerBuy(ctx, gen, r, cfg)
		for _, trade := range existing {
			if !o.active(ctx, gen) {
				return
			}
			o.considerSell(ctx, gen, trade, r, cfg)
		}
	}

	for _, trade := range o.OpenTrades() {
		if evaluated[trade.Symbol] {
			continue
		}
		r, ok := results[trade.Symbol]
		if !ok {
			logger.Warn("Нет свежего анализа для открытой позиции",
				zap.String("symbol", trade.Symbol),
				zap.String("trade_id", trade.ID))
			continue
		}
		if !o.active(ctx, gen) {
			return
		}
		o.considerSell(ctx, gen, trade, r, cfg)
	}
}

// rank отсеивает инструменты вне допустимого диапазона и сортирует
// по уверенности с бонусом за объем
func (o *Orchestrator) rank(results map[string]*models.AnalysisResult, cfg config.TradingConfig) []*models.AnalysisResult {
	type scored struct {
		result *models.AnalysisResult
		score  float64
	}

	var list []scored
	for _, r := range results {
		if r.Ticker.QuoteVolume < cfg.MinVolume {
			continue
		}
		if math.Abs(r.Ticker.PriceChangePercent) > cfg.MaxVolatilityPct {
			continue
		}
		bonus := 0.0
		if o.selectionCfg.VolumeCeiling > 0 {
			bonus = math.Min(r.Ticker.QuoteVolume/o.selectionCfg.VolumeCeiling, 1) * cfg.VolumeBonusCap
		}
		list = append(list, scored{result: r, score: r.Confidence + bonus})
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score == list[j].score {
			return list[i].result.Symbol < list[j].result.Symbol
		}
		return list[i].score > list[j].score
	})

	out := make([]*models.AnalysisResult, len(list))
	for i, s := range list {
		out[i] = s.result
	}
	return out
}

func (o *Orchestrator) considerBuy(ctx context.Context, gen uint64, r *models.AnalysisResult, cfg config.TradingConfig) {
	o.mu.RLock()
	capital := o.capital
	openCount := len(o.openTrades)
	o.mu.RUnlock()
	symbolCount := len(o.tradesFor(r.Symbol))

	ok, reason := shouldBuy(r, cfg, capital, openCount, symbolCount)
	if !ok {
		logger.Debug("Покупка отклонена",
			zap.String("symbol", r.Symbol),
			zap.String("reason", reason),
			zap.Float64("confidence", r.Confidence))
		return
	}

	err := o.executeBuy(ctx, gen, r, cfg, reason)
	if errors.Is(err, errRunStopped) {
		logger.Debug("Покупка отменена: бот остановлен", zap.String("symbol", r.Symbol))
		return
	}
	if err != nil {
		logger.Error("Ошибка покупки", zap.String("symbol", r.Symbol), zap.Error(err))
		o.record(ctx, models.LogError, "Ошибка покупки", map[string]interface{}{
			"symbol": r.Symbol,
			"error":  err.Error(),
		})
	}
}

func (o *Orchestrator) considerSell(ctx context.Context, gen uint64, trade *models.Trade, r *models.AnalysisResult, cfg config.TradingConfig) {
	rule, ok := shouldSell(trade, r, cfg, o.now())
	if !ok {
		return
	}

	err := o.executeSell(ctx, gen, trade, r, rule)
	if errors.Is(err, errRunStopped) {
		logger.Debug("Продажа отменена: бот остановлен", zap.String("symbol", trade.Symbol))
		return
	}
	if err != nil {
		logger.Error("Ошибка продажи",
			zap.String("symbol", trade.Symbol),
			zap.String("trade_id", trade.ID),
			zap.Error(err))
		o.record(ctx, models.LogError, "Ошибка продажи", map[string]interface{}{
			"symbol":   trade.Symbol,
			"trade_id": trade.ID,
			"error":    err.Error(),
		})
	}
}

func (o *Orchestrator) tradingConfig() config.TradingConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.trading
}

// tradesFor копии открытых позиций по инструменту
func (o *Orchestrator) tradesFor(symbol string) []*models.Trade {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var out []*models.Trade
	for _, t := range o.openTrades {
		if t.Symbol == symbol {
			c := *t
			out = append(out, &c)
		}
	}
	return out
}

// withHeldSymbols добавляет к отобранным парам инструменты открытых позиций
func (o *Orchestrator) withHeldSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	o.mu.RLock()
	var held []string
	for _, t := range o.openTrades {
		if !seen[t.Symbol] {
			seen[t.Symbol] = true
			held = append(held, t.Symbol)
		}
	}
	o.mu.RUnlock()

	sort.Strings(held)
	return append(out, held...)
}
