package selection

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/skalibog/spotbot/internal/analysis/technical"
	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/internal/exchange"
	"github.com/skalibog/spotbot/pkg/logger"
	"github.com/skalibog/spotbot/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Selection результат отбора пар
type Selection struct {
	Symbols   []string
	Pairs     []models.PairAnalysis
	UpdatedAt time.Time
}

// Selector отбирает наиболее подходящие для торговли пары и кэширует результат
type Selector struct {
	config config.SelectionConfig
	client exchange.Client
	now    func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	current *Selection

	refreshMu     sync.Mutex
	refreshCancel context.CancelFunc
	refreshDone   chan struct{}
}

// NewSelector создает селектор пар
func NewSelector(cfg config.SelectionConfig, client exchange.Client) *Selector {
	return &Selector{
		config: cfg,
		client: client,
		now:    time.Now,
	}
}

// SetClock подменяет источник времени
func (s *Selector) SetClock(now func() time.Time) {
	s.now = now
}

// Select возвращает отобранные пары. В пределах интервала обновления
// возвращается тот же результат без обращения к бирже.
func (s *Selector) Select(ctx context.Context) (*Selection, error) {
	if cached := s.cached(); cached != nil {
		return cached, nil
	}

	v, err, _ := s.group.Do("select", func() (interface{}, error) {
		if cached := s.cached(); cached != nil {
			return cached, nil
		}
		return s.refresh(ctx)
	})
	sel, _ := v.(*Selection)
	if sel == nil {
		sel = &Selection{UpdatedAt: s.now()}
	}
	return sel, err
}

// Invalidate сбрасывает кэш, следующий Select выполнит полный отбор
func (s *Selector) Invalidate() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

// StartAutoRefresh запускает фоновое обновление списка пар
func (s *Selector) StartAutoRefresh(ctx context.Context) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if s.refreshCancel != nil {
		return
	}

	interval := s.config.RefreshInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.refreshCancel = cancel
	s.refreshDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Invalidate()
				if _, err := s.Select(ctx); err != nil {
					logger.Warn("Фоновое обновление пар не удалось", zap.Error(err))
				}
			}
		}
	}()
}

// Stop останавливает фоновое обновление и сбрасывает кэш
func (s *Selector) Stop() {
	s.refreshMu.Lock()
	cancel, done := s.refreshCancel, s.refreshDone
	s.refreshCancel, s.refreshDone = nil, nil
	s.refreshMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.Invalidate()
}

func (s *Selector) cached() *Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	if s.now().Sub(s.current.UpdatedAt) >= s.config.RefreshInterval {
		return nil
	}
	return s.current
}

func (s *Selector) refresh(ctx context.Context) (*Selection, error) {
	tickers, err := s.fetchUniverse(ctx)
	if err != nil {
		logger.Error("Не удалось получить список инструментов", zap.Error(err))
		return &Selection{UpdatedAt: s.now()}, err
	}

	var candidates []*candidate
	for _, t := range tickers {
		if !s.eligible(t) {
			continue
		}
		c := s.score(t)
		if !s.passesGate(c) {
			continue
		}
		candidates = append(candidates, c)
	}
	sortCandidates(candidates)

	s.technicalPass(ctx, candidates)
	sortCandidates(candidates)

	n := s.config.TargetPairs
	if n > len(candidates) {
		n = len(candidates)
	}

	sel := &Selection{
		Symbols:   make([]string, 0, n),
		Pairs:     make([]models.PairAnalysis, 0, n),
		UpdatedAt: s.now(),
	}
	for _, c := range candidates[:n] {
		sel.Symbols = append(sel.Symbols, c.pair.Symbol)
		sel.Pairs = append(sel.Pairs, c.pair)
	}

	if len(sel.Symbols) == 0 {
		logger.Warn("Нет пар, прошедших отбор", zap.Int("tickers", len(tickers)))
	} else {
		logger.Info("Отобраны торговые пары",
			zap.Strings("symbols", sel.Symbols),
			zap.Int("candidates", len(candidates)))
	}

	s.mu.Lock()
	s.current = sel
	s.mu.Unlock()

	return sel, nil
}

// fetchUniverse получает тикеры с фиксированной паузой между попытками
func (s *Selector) fetchUniverse(ctx context.Context) ([]*models.Ticker, error) {
	attempts := s.config.FetchAttempts
	if attempts <= 0 {
		attempts = 1
	}
	b := &backoff.Backoff{
		Min:    s.config.FetchDelay,
		Max:    s.config.FetchDelay,
		Factor: 1,
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		tickers, err := s.client.GetAllTickers(ctx)
		if err == nil {
			return tickers, nil
		}
		lastErr = err
		logger.Warn("Ошибка получения тикеров",
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
			zap.Error(err))

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", exchange.ErrConnectivity, ctx.Err())
		case <-time.After(b.Duration()):
		}
	}

	return nil, fmt.Errorf("%w: тикеры недоступны после %d попыток: %v", exchange.ErrConnectivity, attempts, lastErr)
}

// eligible фильтры до скоринга
func (s *Selector) eligible(t *models.Ticker) bool {
	symbol := t.Symbol
	if !strings.HasSuffix(symbol, s.config.QuoteAsset) || symbol == s.config.QuoteAsset {
		return false
	}
	for _, ex := range s.config.Exclude {
		if symbol == ex {
			return false
		}
	}
	base := strings.TrimSuffix(symbol, s.config.QuoteAsset)
	for _, suffix := range s.config.ExcludeSuffixes {
		if strings.HasSuffix(base, suffix) && base != suffix {
			return false
		}
	}
	if s.config.MaxSymbolLength > 0 && len(symbol) > s.config.MaxSymbolLength {
		return false
	}
	if t.LastPrice <= 0 {
		return false
	}
	return t.QuoteVolume >= s.config.MinRawVolume
}

type candidate struct {
	pair models.PairAnalysis
}

func (s *Selector) score(t *models.Ticker) *candidate {
	change := math.Abs(t.PriceChangePercent)
	pair := models.PairAnalysis{
		Symbol:      t.Symbol,
		Volume:      t.QuoteVolume,
		PriceChange: t.PriceChangePercent,
		Volatility:  change,
	}

	// Объем
	if s.config.VolumeCeiling > 0 {
		pair.Score += math.Min(t.QuoteVolume/s.config.VolumeCeiling, 1) * 30
	}

	// Волатильность
	pair.Score += s.volatilityScore(change)

	// Импульс
	if change >= s.config.MinMomentum {
		pair.Score += math.Min(change/10, 1) * 20
		pair.Reasons = append(pair.Reasons, fmt.Sprintf("Импульс %.2f%%", t.PriceChangePercent))
	}

	// Ликвидность
	if spread, ok := t.SpreadPercent(); ok {
		pair.Liquidity = t.QuoteVolume / (1 + spread)
		switch {
		case spread < s.config.TightSpreadPct:
			pair.Score += 10
			pair.Reasons = append(pair.Reasons, fmt.Sprintf("Узкий спред %.3f%%", spread))
		case spread < 0.3:
			pair.Score += 5
		}
	} else {
		pair.Liquidity = t.QuoteVolume * 0.5
	}

	// Популярность
	base := strings.TrimSuffix(t.Symbol, s.config.QuoteAsset)
	for _, asset := range s.config.PopularAssets {
		if base == asset {
			pair.Score += 10
			pair.Reasons = append(pair.Reasons, "Популярный актив")
			break
		}
	}

	return &candidate{pair: pair}
}

// volatilityScore максимален при целевой волатильности, вне диапазона низкий
func (s *Selector) volatilityScore(v float64) float64 {
	cfg := s.config
	switch {
	case v < cfg.MinVolatility:
		if cfg.MinVolatility <= 0 {
			return 0
		}
		return 10 * v / cfg.MinVolatility
	case v <= cfg.MaxGoodVolatility:
		span := math.Max(cfg.TargetVolatility-cfg.MinVolatility, cfg.MaxGoodVolatility-cfg.TargetVolatility)
		if span <= 0 {
			return 25
		}
		return 25 - math.Abs(v-cfg.TargetVolatility)/span*15
	default:
		return 5
	}
}

// passesGate жесткие ограничения после скоринга
func (s *Selector) passesGate(c *candidate) bool {
	p := c.pair
	if p.Volume < s.config.MinVolume {
		return false
	}
	if p.Liquidity < s.config.MinLiquidity {
		return false
	}
	return p.Volatility <= s.config.MaxVolatilityPct
}

// technicalPass добавляет технические бонусы лучшим кандидатам.
// Если свечи недоступны или их мало, кандидат остается без бонуса.
func (s *Selector) technicalPass(ctx context.Context, candidates []*candidate) {
	limit := s.config.TechnicalCandidates
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, c := range candidates[:limit] {
		c := c
		g.Go(func() error {
			candles, err := s.client.GetKlines(ctx, c.pair.Symbol, s.config.CandleInterval, s.config.CandleLimit)
			if err != nil {
				logger.Debug("Технический анализ пары пропущен",
					zap.String("symbol", c.pair.Symbol),
					zap.Error(err))
				return nil
			}
			c.pair.TechnicalScore, c.pair.Reasons = technicalScore(exchange.Closes(candles), c.pair.Reasons)
			c.pair.Score += c.pair.TechnicalScore
			return nil
		})
	}
	_ = g.Wait()
}

func technicalScore(closes []float64, reasons []string) (float64, []string) {
	var score float64

	if rsi, err := technical.RSI(closes, 14); err == nil {
		switch {
		case rsi < 30:
			score += 10
			reasons = append(reasons, fmt.Sprintf("RSI перепродан (%.1f)", rsi))
		case rsi > 70:
			score += 5
			reasons = append(reasons, fmt.Sprintf("RSI перекуплен (%.1f)", rsi))
		}
	}

	if sma, err := technical.SMA(closes, 20); err == nil {
		if closes[len(closes)-1] > sma[len(sma)-1] {
			score += 5
			reasons = append(reasons, "Цена выше SMA20")
		}
	}

	if len(closes) >= 10 {
		from := closes[len(closes)-10]
		if from > 0 && (closes[len(closes)-1]-from)/from*100 > 2 {
			score += 5
			reasons = append(reasons, "Краткосрочный восходящий тренд")
		}
	}

	return score, reasons
}

func sortCandidates(candidates []*candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].pair.Score > candidates[j].pair.Score
	})
}
