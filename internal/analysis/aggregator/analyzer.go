package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/skalibog/spotbot/internal/analysis/signal"
	"github.com/skalibog/spotbot/internal/analysis/technical"
	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/internal/exchange"
	"github.com/skalibog/spotbot/internal/storage"
	"github.com/skalibog/spotbot/pkg/logger"
	"github.com/skalibog/spotbot/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Analyzer объединяет получение данных, индикаторы и сигналы по инструментам
type Analyzer struct {
	config        config.AnalysisConfig
	storage       storage.Storage
	client        exchange.Client
	technicalAnal *technical.Analyzer
	signalEngine  *signal.Engine
	now           func() time.Time
}

// NewAnalyzer создает новый анализатор
func NewAnalyzer(cfg config.AnalysisConfig, storage storage.Storage, client exchange.Client) *Analyzer {
	return &Analyzer{
		config:        cfg,
		storage:       storage,
		client:        client,
		technicalAnal: technical.NewAnalyzer(cfg.Technical),
		signalEngine:  signal.NewEngine(cfg.Signal),
		now:           time.Now,
	}
}

// AnalyzeSymbols анализирует инструменты параллельно.
// Инструмент с ошибкой получения данных пропускается, остальные продолжают.
func (a *Analyzer) AnalyzeSymbols(ctx context.Context, symbols []string, toggles config.IndicatorToggles) map[string]*models.AnalysisResult {
	results := make(map[string]*models.AnalysisResult, len(symbols))
	var mutex sync.Mutex

	limit := a.config.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(limit)

	for _, symbol := range symbols {
		sym := symbol
		g.Go(func() error {
			result, err := a.AnalyzeSymbol(ctx, sym, toggles)
			if err != nil {
				// Логируем ошибку, но продолжаем для других символов
				logger.Warn("Инструмент пропущен в этом цикле",
					zap.String("symbol", sym),
					zap.Error(err))
				return nil
			}

			mutex.Lock()
			results[sym] = result
			mutex.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// AnalyzeSymbol анализирует один инструмент и сохраняет результат
func (a *Analyzer) AnalyzeSymbol(ctx context.Context, symbol string, toggles config.IndicatorToggles) (*models.AnalysisResult, error) {
	var (
		ticker  *models.Ticker
		candles []*models.Candle
	)

	// Тикер и свечи запрашиваем параллельно
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ticker, err = a.client.GetTicker(gctx, symbol)
		return err
	})
	g.Go(func() error {
		var err error
		candles, err = a.client.GetKlines(gctx, symbol, a.config.CandleInterval, a.config.CandleLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("ошибка получения рыночных данных %s: %w", symbol, err)
	}

	closes := exchange.Closes(candles)
	indicators := a.technicalAnal.Compute(closes, ticker.LastPrice, toggles)
	logger.Debug("AGGREGATOR: Технический анализ завершен",
		zap.String("symbol", symbol),
		zap.Int("candles", len(candles)),
		zap.Float64("rsi", indicators.RSI))

	eval := a.signalEngine.Evaluate(*ticker, indicators, toggles, exchange.Volumes(candles))

	result := &models.AnalysisResult{
		Symbol:     symbol,
		Ticker:     *ticker,
		Indicators: indicators,
		Signals:    eval.Signals,
		Confidence: eval.Confidence,
		Reasons:    eval.Reasons,
		Timestamp:  a.now(),
	}

	logger.Debug("AGGREGATOR: Сигналы рассчитаны",
		zap.String("symbol", symbol),
		zap.String("overall", string(result.Signals.Overall)),
		zap.Float64("confidence", result.Confidence))

	// Сохраняем результат в хранилище
	if err := a.storage.SaveAnalysis(ctx, result); err != nil {
		logger.Warn("Не удалось сохранить результат анализа",
			zap.String("symbol", symbol),
			zap.Error(err))
	}

	return result, nil
}
