package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/internal/storage"
	"github.com/skalibog/spotbot/pkg/models"
)

type placedOrder struct {
	symbol string
	side   models.OrderSide
	qty    float64
}

type fakeExchange struct {
	mu             sync.Mutex
	connErr        error
	balances       []models.Balance
	tickersErr     error
	panicOnTickers bool
	orderErr       error
	prices         map[string]float64
	tickers        map[string]*models.Ticker
	orders         []placedOrder
	pings          int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		balances: []models.Balance{{Asset: "USDT", Free: 1000}},
		prices:   make(map[string]float64),
		tickers:  make(map[string]*models.Ticker),
	}
}

func (f *fakeExchange) TestConnection(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.connErr
}

func (f *fakeExchange) GetTicker(_ context.Context, symbol string) (*models.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickers[symbol]
	if !ok {
		return nil, errors.New("no ticker")
	}
	c := *t
	return &c, nil
}

func (f *fakeExchange) GetAllTickers(context.Context) ([]*models.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnTickers {
		panic("tickers exploded")
	}
	if f.tickersErr != nil {
		return nil, f.tickersErr
	}
	var out []*models.Ticker
	for _, t := range f.tickers {
		c := *t
		out = append(out, &c)
	}
	return out, nil
}

// GetKlines отдает ровную историю по цене тикера
func (f *fakeExchange) GetKlines(_ context.Context, symbol, _ string, limit int) ([]*models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickers[symbol]
	if !ok {
		return nil, errors.New("no klines")
	}
	candles := make([]*models.Candle, limit)
	for i := range candles {
		candles[i] = &models.Candle{Symbol: symbol, Close: t.LastPrice, Volume: 1000}
	}
	return candles, nil
}

func (f *fakeExchange) GetAccountBalances(context.Context) ([]models.Balance, error) {
	return f.balances, nil
}

func (f *fakeExchange) CalculateQuantity(_ context.Context, _ string, notional, price float64) (float64, error) {
	return notional / price, nil
}

func (f *fakeExchange) PlaceMarketOrder(_ context.Context, symbol string, side models.OrderSide, qty float64) (*models.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	f.orders = append(f.orders, placedOrder{symbol: symbol, side: side, qty: qty})
	return &models.OrderResult{
		OrderID:     "order-" + string(side),
		FilledPrice: f.prices[symbol],
		Quantity:    qty,
	}, nil
}

func (f *fakeExchange) setPrice(symbol string, price float64) {
	f.mu.Lock()
	f.prices[symbol] = price
	f.mu.Unlock()
}

// setTicker добавляет инструмент во вселенную и задает цену исполнения
func (f *fakeExchange) setTicker(t models.Ticker) {
	f.mu.Lock()
	f.tickers[t.Symbol] = &t
	f.prices[t.Symbol] = t.LastPrice
	f.mu.Unlock()
}

func (f *fakeExchange) setOrderErr(err error) {
	f.mu.Lock()
	f.orderErr = err
	f.mu.Unlock()
}

func (f *fakeExchange) setPanicOnTickers(v bool) {
	f.mu.Lock()
	f.panicOnTickers = v
	f.mu.Unlock()
}

func (f *fakeExchange) placed() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]placedOrder(nil), f.orders...)
}

func (f *fakeExchange) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// flakyStorage хранилище, запись статуса в котором можно сломать
type flakyStorage struct {
	*storage.MemoryStorage
	mu         sync.Mutex
	failStatus bool
}

func (s *flakyStorage) SetRunStatus(ctx context.Context, running bool) error {
	s.mu.Lock()
	fail := s.failStatus
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.MemoryStorage.SetRunStatus(ctx, running)
}

func (s *flakyStorage) setFailStatus(v bool) {
	s.mu.Lock()
	s.failStatus = v
	s.mu.Unlock()
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Analysis.Interval = time.Hour
	cfg.Analysis.TradingInterval = time.Hour
	cfg.Selection.FetchDelay = time.Millisecond
	return cfg
}

func newTestOrchestrator(t *testing.T, ex *fakeExchange, st storage.Storage) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(testConfig(), ex, st, nil)
	t.Cleanup(func() { o.Stop(context.Background()) })
	return o
}

func (o *Orchestrator) setResults(results ...*models.AnalysisResult) {
	m := make(map[string]*models.AnalysisResult, len(results))
	symbols := make([]string, 0, len(results))
	for _, r := range results {
		m[r.Symbol] = r
		symbols = append(symbols, r.Symbol)
	}
	o.mu.Lock()
	o.results = m
	o.symbols = symbols
	o.mu.Unlock()
}

func buyResult(symbol string, price float64) *models.AnalysisResult {
	return &models.AnalysisResult{
		Symbol: symbol,
		Ticker: models.Ticker{
			Symbol:             symbol,
			LastPrice:          price,
			QuoteVolume:        5_000_000,
			PriceChangePercent: 2,
		},
		Indicators: models.IndicatorSet{
			RSI:   28,
			Valid: models.IndicatorFlags{RSI: true},
		},
		Signals: models.SignalSet{
			RSI:     models.SignalBuy,
			MACD:    models.SignalBuy,
			SMA:     models.SignalBuy,
			Overall: models.SignalBuy,
		},
		Confidence: 80,
	}
}

func neutralResult(symbol string, price float64) *models.AnalysisResult {
	return &models.AnalysisResult{
		Symbol: symbol,
		Ticker: models.Ticker{
			Symbol:             symbol,
			LastPrice:          price,
			QuoteVolume:        5_000_000,
			PriceChangePercent: 1,
		},
		Indicators: models.IndicatorSet{RSI: 50},
		Signals: models.SignalSet{
			RSI:     models.SignalNeutral,
			MACD:    models.SignalNeutral,
			SMA:     models.SignalNeutral,
			Overall: models.SignalNeutral,
		},
		Confidence: 10,
	}
}
