package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/internal/exchange"
	"github.com/skalibog/spotbot/internal/storage"
	"github.com/skalibog/spotbot/pkg/logger"
	"github.com/skalibog/spotbot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStorage()
	o := newTestOrchestrator(t, newFakeExchange(), st)

	assert.Equal(t, StopResult{}, o.Stop(ctx))

	require.NoError(t, o.Start(ctx, config.DefaultTrading()))
	assert.Equal(t, StateRunning, o.State())
	running, err := st.GetRunStatus(ctx)
	require.NoError(t, err)
	assert.True(t, running)

	assert.Equal(t, StopResult{WasRunning: true}, o.Stop(ctx))
	assert.Equal(t, StateNotRunning, o.State())
	assert.Equal(t, StopResult{}, o.Stop(ctx))

	running, err = st.GetRunStatus(ctx)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestStopRecoversStalePersistedFlag(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStorage()
	require.NoError(t, st.SetRunStatus(ctx, true))
	o := newTestOrchestrator(t, newFakeExchange(), st)

	res := o.Stop(ctx)
	assert.False(t, res.WasRunning)
	assert.True(t, res.Forced)

	running, err := st.GetRunStatus(ctx)
	require.NoError(t, err)
	assert.False(t, running)
	assert.Equal(t, StateNotRunning, o.State())
}

func TestConcurrentStartRunsOnce(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	o := newTestOrchestrator(t, ex, storage.NewMemoryStorage())

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = o.Start(ctx, config.DefaultTrading())
		}(i)
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		if err == nil {
			started++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyRunning)
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, ex.pingCount())
	assert.Equal(t, StateRunning, o.State())
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(ex *fakeExchange, cfg *config.TradingConfig)
		wantErr error
	}{
		{
			name:    "invalid config",
			prepare: func(_ *fakeExchange, cfg *config.TradingConfig) { cfg.TradeAmount = 0 },
			wantErr: ErrInvalidConfig,
		},
		{
			name: "quote asset differs from selection",
			prepare: func(ex *fakeExchange, cfg *config.TradingConfig) {
				cfg.QuoteAsset = "BTC"
				ex.balances = []models.Balance{{Asset: "BTC", Free: 1000}}
			},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "exchange unreachable",
			prepare: func(ex *fakeExchange, _ *config.TradingConfig) { ex.connErr = errors.New("dial tcp: timeout") },
			wantErr: exchange.ErrConnectivity,
		},
		{
			name: "insufficient funds",
			prepare: func(ex *fakeExchange, _ *config.TradingConfig) {
				ex.balances = []models.Balance{{Asset: "USDT", Free: 5}}
			},
			wantErr: ErrInsufficientFunds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			ex := newFakeExchange()
			st := storage.NewMemoryStorage()
			cfg := config.DefaultTrading()
			tt.prepare(ex, &cfg)

			o := newTestOrchestrator(t, ex, st)
			err := o.Start(ctx, cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, StateNotRunning, o.State())

			running, err := st.GetRunStatus(ctx)
			require.NoError(t, err)
			assert.False(t, running)
		})
	}
}

func TestStartRestoresOpenTrades(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStorage()
	require.NoError(t, st.SaveTrade(ctx, &models.Trade{
		ID: "old", Symbol: "ETHUSDT", Amount: 50, EntryPrice: 10, Quantity: 5,
		Status: models.TradeOpen, OpenedAt: time.Now().Add(-time.Hour),
	}))

	o := newTestOrchestrator(t, newFakeExchange(), st)
	require.NoError(t, o.Start(ctx, config.DefaultTrading()))

	status := o.Status()
	assert.Equal(t, 1, status.OpenPositions)
	assert.Equal(t, 1000.0, status.Capital)
	require.Len(t, o.OpenTrades(), 1)
	assert.Equal(t, "old", o.OpenTrades()[0].ID)

	saved, err := st.GetConfig(ctx)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, config.DefaultTrading(), *saved)
}

func TestEmptyUniverseProducesNoTrades(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger.SetLogger(zap.New(core))
	defer logger.SetLogger(zap.NewNop())

	ctx := context.Background()
	ex := newFakeExchange()
	ex.tickersErr = errors.New("503 service unavailable")
	st := storage.NewMemoryStorage()
	o := newTestOrchestrator(t, ex, st)
	require.NoError(t, o.Start(ctx, config.DefaultTrading()))

	assert.True(t, o.RunAnalysisCycle(ctx))
	assert.Empty(t, o.LatestResults())
	assert.True(t, o.RunTradingCycle(ctx))

	assert.Empty(t, ex.placed())
	assert.Equal(t, StateRunning, o.State())
	assert.NotZero(t, logs.FilterMessage("Нет результатов анализа, торговля пропущена").Len())

	entries, err := st.GetLogs(ctx, 10)
	require.NoError(t, err)
	var messages []string
	for _, e := range entries {
		messages = append(messages, e.Message)
	}
	assert.Contains(t, messages, "Нет пар для анализа")
	assert.Contains(t, messages, "Нет результатов анализа, торговля пропущена")
}

func TestBuyThenTakeProfit(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	st := storage.NewMemoryStorage()
	o := newTestOrchestrator(t, ex, st)
	require.NoError(t, o.Start(ctx, config.DefaultTrading()))

	ex.setPrice("BTCUSDT", 100)
	o.setResults(buyResult("BTCUSDT", 100))
	require.True(t, o.RunTradingCycle(ctx))

	open := o.OpenTrades()
	require.Len(t, open, 1)
	assert.InDelta(t, 0.5, open[0].Quantity, 1e-9)
	assert.InDelta(t, 100, open[0].EntryPrice, 1e-9)
	assert.InDelta(t, 950, o.Status().Capital, 1e-9)

	ex.setPrice("BTCUSDT", 104)
	o.setResults(neutralResult("BTCUSDT", 104))
	require.True(t, o.RunTradingCycle(ctx))

	assert.Empty(t, o.OpenTrades())
	assert.InDelta(t, 1002, o.Status().Capital, 1e-9)

	orders := ex.placed()
	require.Len(t, orders, 2)
	assert.Equal(t, models.SideBuy, orders[0].side)
	assert.Equal(t, models.SideSell, orders[1].side)

	history, err := o.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	trade := history[0]
	assert.Equal(t, models.TradeClosed, trade.Status)
	require.NotNil(t, trade.Profit)
	assert.InDelta(t, 2, *trade.Profit, 1e-9)
	assert.InDelta(t, 104, trade.ExitPrice, 1e-9)
	assert.Contains(t, trade.CloseReason, string(ExitTakeProfit))
}

func TestBuyOnlyOncePerSymbol(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	o := newTestOrchestrator(t, ex, storage.NewMemoryStorage())
	require.NoError(t, o.Start(ctx, config.DefaultTrading()))

	ex.setPrice("BTCUSDT", 100)
	o.setResults(buyResult("BTCUSDT", 100))
	require.True(t, o.RunTradingCycle(ctx))
	require.True(t, o.RunTradingCycle(ctx))

	assert.Len(t, ex.placed(), 1)
	assert.Len(t, o.OpenTrades(), 1)
}

func TestOrderFailureCreatesNoTrade(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	ex.orderErr = errors.New("insufficient balance")
	st := storage.NewMemoryStorage()
	o := newTestOrchestrator(t, ex, st)
	require.NoError(t, o.Start(ctx, config.DefaultTrading()))

	o.setResults(buyResult("BTCUSDT", 100))
	require.True(t, o.RunTradingCycle(ctx))

	assert.Empty(t, o.OpenTrades())
	assert.Equal(t, 1000.0, o.Status().Capital)
	history, err := st.GetTrades(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	entries, err := st.GetLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.LogError, entries[0].Level)
	assert.Contains(t, entries[0].Details["error"], exchange.ErrOrderExecution.Error())
}

func TestStartRecoversStalePersistedFlag(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStorage()
	require.NoError(t, st.SetRunStatus(ctx, true))
	o := newTestOrchestrator(t, newFakeExchange(), st)

	require.NoError(t, o.Start(ctx, config.DefaultTrading()))
	assert.Equal(t, StateRunning, o.State())

	entries, err := st.GetLogs(ctx, 0)
	require.NoError(t, err)
	var messages []string
	for _, e := range entries {
		messages = append(messages, e.Message)
	}
	// новые записи первыми: восстановление произошло до запуска
	require.Contains(t, messages, "Выполнено принудительное восстановление")
	require.Contains(t, messages, "Бот запущен")
	assert.Equal(t, "Бот запущен", messages[0])

	running, err := st.GetRunStatus(ctx)
	require.NoError(t, err)
	assert.True(t, running)
}

func TestHeldPositionOutsideSelectionHitsStopLoss(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	ex.setTicker(models.Ticker{Symbol: "BTCUSDT", LastPrice: 100, QuoteVolume: 20_000_000, PriceChangePercent: 2})
	// Обвал на 40% выводит пару из отбора
	ex.setTicker(models.Ticker{Symbol: "ETHUSDT", LastPrice: 6, QuoteVolume: 20_000_000, PriceChangePercent: -40})

	st := storage.NewMemoryStorage()
	require.NoError(t, st.SaveTrade(ctx, &models.Trade{
		ID: "eth", Symbol: "ETHUSDT", Side: models.SideBuy, Amount: 50, EntryPrice: 10, Quantity: 5,
		Status: models.TradeOpen, OpenedAt: time.Now().Add(-time.Hour),
	}))

	o := newTestOrchestrator(t, ex, st)
	require.NoError(t, o.Start(ctx, config.DefaultTrading()))

	require.True(t, o.RunAnalysisCycle(ctx))
	assert.Equal(t, []string{"BTCUSDT"}, o.Status().Symbols)
	require.Contains(t, o.LatestResults(), "ETHUSDT")

	require.True(t, o.RunTradingCycle(ctx))

	assert.Empty(t, o.OpenTrades())
	var sells []placedOrder
	for _, order := range ex.placed() {
		if order.symbol == "ETHUSDT" {
			sells = append(sells, order)
		}
	}
	require.Len(t, sells, 1)
	assert.Equal(t, models.SideSell, sells[0].side)

	history, err := st.GetTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.TradeClosed, history[0].Status)
	assert.Contains(t, history[0].CloseReason, string(ExitStopLoss))
	assert.InDelta(t, 1030, o.Status().Capital, 1e-9)
}

func TestFailedSellKeepsTradeOpen(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	st := storage.NewMemoryStorage()
	o := newTestOrchestrator(t, ex, st)
	require.NoError(t, o.Start(ctx, config.DefaultTrading()))

	ex.setPrice("BTCUSDT", 100)
	o.setResults(buyResult("BTCUSDT", 100))
	require.True(t, o.RunTradingCycle(ctx))
	require.Len(t, o.OpenTrades(), 1)
	capital := o.Status().Capital

	ex.setOrderErr(errors.New("market closed"))
	o.setResults(neutralResult("BTCUSDT", 90))
	require.True(t, o.RunTradingCycle(ctx))

	open := o.OpenTrades()
	require.Len(t, open, 1)
	assert.Equal(t, models.TradeOpen, open[0].Status)
	assert.Equal(t, capital, o.Status().Capital)

	history, err := st.GetTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.TradeOpen, history[0].Status)
	assert.Nil(t, history[0].Profit)

	entries, err := st.GetLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Ошибка продажи", entries[0].Message)
}

func TestOrdersLoggedBeforeAndAfterPlacement(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger.SetLogger(zap.New(core))
	defer logger.SetLogger(zap.NewNop())

	ctx := context.Background()
	ex := newFakeExchange()
	o := newTestOrchestrator(t, ex, storage.NewMemoryStorage())
	require.NoError(t, o.Start(ctx, config.DefaultTrading()))

	ex.setPrice("BTCUSDT", 100)
	o.setResults(buyResult("BTCUSDT", 100))
	require.True(t, o.RunTradingCycle(ctx))
	ex.setPrice("BTCUSDT", 104)
	o.setResults(neutralResult("BTCUSDT", 104))
	require.True(t, o.RunTradingCycle(ctx))

	var messages []string
	for _, e := range logs.All() {
		messages = append(messages, e.Message)
	}
	order := []string{"Отправка ордера на покупку", "Открыта позиция", "Отправка ордера на продажу", "Позиция закрыта"}
	pos := -1
	for _, want := range order {
		i := indexFrom(messages, want, pos+1)
		require.GreaterOrEqual(t, i, 0, want)
		pos = i
	}

	buy := logs.FilterMessage("Отправка ордера на покупку").All()
	require.Len(t, buy, 1)
	fields := buy[0].ContextMap()
	assert.Equal(t, "BTCUSDT", fields["symbol"])
	assert.Equal(t, string(models.SideBuy), fields["side"])
	assert.InDelta(t, 0.5, fields["quantity"], 1e-9)
	assert.NotEmpty(t, fields["reason"])

	sell := logs.FilterMessage("Отправка ордера на продажу").All()
	require.Len(t, sell, 1)
	assert.Equal(t, string(ExitTakeProfit), sell[0].ContextMap()["rule"])
}

func indexFrom(list []string, want string, from int) int {
	for i := from; i < len(list); i++ {
		if list[i] == want {
			return i
		}
	}
	return -1
}

func TestNoTicksAfterStop(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	ex.tickersErr = errors.New("503 service unavailable")
	st := storage.NewMemoryStorage()

	cfg := testConfig()
	cfg.Analysis.Interval = 5 * time.Millisecond
	cfg.Analysis.TradingInterval = 5 * time.Millisecond
	o := NewOrchestrator(cfg, ex, st, nil)
	t.Cleanup(func() { o.Stop(context.Background()) })

	skipped := func() int {
		entries, err := st.GetLogs(ctx, 0)
		require.NoError(t, err)
		n := 0
		for _, e := range entries {
			if e.Message == "Нет результатов анализа, торговля пропущена" {
				n++
			}
		}
		return n
	}

	require.NoError(t, o.Start(ctx, config.DefaultTrading()))
	require.Eventually(t, func() bool { return skipped() >= 2 }, 2*time.Second, 5*time.Millisecond)

	res := o.Stop(ctx)
	require.True(t, res.WasRunning)
	after := skipped()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, skipped())
	assert.Equal(t, StateNotRunning, o.State())
}

func TestTradingSkippedAfterStop(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	o := newTestOrchestrator(t, ex, storage.NewMemoryStorage())
	require.NoError(t, o.Start(ctx, config.DefaultTrading()))

	o.setResults(buyResult("BTCUSDT", 100))
	o.Stop(ctx)

	o.RunTradingCycle(ctx)
	assert.Empty(t, ex.placed())
}

func TestBusyCycleIsSkipped(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, newFakeExchange(), storage.NewMemoryStorage())

	o.tradingBusy.Store(true)
	assert.False(t, o.RunTradingCycle(ctx))
	o.tradingBusy.Store(false)
	assert.True(t, o.RunTradingCycle(ctx))

	o.analysisBusy.Store(true)
	assert.False(t, o.RunAnalysisCycle(ctx))
}

func TestPanicInCycleRecovers(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	ex.setPanicOnTickers(true)
	st := storage.NewMemoryStorage()
	o := newTestOrchestrator(t, ex, st)
	require.NoError(t, o.Start(ctx, config.DefaultTrading()))

	// Цикл с паникой все равно считается выполненным
	assert.True(t, o.RunAnalysisCycle(ctx))

	require.Eventually(t, func() bool { return o.State() == StateNotRunning }, time.Second, 10*time.Millisecond)
	running, err := st.GetRunStatus(ctx)
	require.NoError(t, err)
	assert.False(t, running)

	// После восстановления бот снова запускается
	ex.setPanicOnTickers(false)
	require.NoError(t, o.Start(ctx, config.DefaultTrading()))
}

func TestStopWithPersistenceFailureIsForced(t *testing.T) {
	ctx := context.Background()
	st := &flakyStorage{MemoryStorage: storage.NewMemoryStorage()}
	o := newTestOrchestrator(t, newFakeExchange(), st)
	require.NoError(t, o.Start(ctx, config.DefaultTrading()))

	st.setFailStatus(true)
	res := o.Stop(ctx)
	assert.True(t, res.WasRunning)
	assert.True(t, res.Forced)
	assert.Equal(t, StateNotRunning, o.State())

	// Флаг остался true, следующий Stop восстанавливает его
	st.setFailStatus(false)
	res = o.Stop(ctx)
	assert.False(t, res.WasRunning)
	assert.True(t, res.Forced)
	running, err := st.GetRunStatus(ctx)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestRankAppliesSanityBandAndVolumeBonus(t *testing.T) {
	o := newTestOrchestrator(t, newFakeExchange(), storage.NewMemoryStorage())
	cfg := config.DefaultTrading()

	a := buyResult("AAAUSDT", 1)
	a.Confidence = 70
	a.Ticker.QuoteVolume = 100_000_000 // бонус 10

	b := buyResult("BBBUSDT", 1)
	b.Confidence = 75
	b.Ticker.QuoteVolume = 2_000_000 // бонус 0.2

	thin := buyResult("THINUSDT", 1)
	thin.Confidence = 99
	thin.Ticker.QuoteVolume = 500_000

	wild := buyResult("WILDUSDT", 1)
	wild.Confidence = 99
	wild.Ticker.PriceChangePercent = -20

	ranked := o.rank(map[string]*models.AnalysisResult{
		a.Symbol: a, b.Symbol: b, thin.Symbol: thin, wild.Symbol: wild,
	}, cfg)

	require.Len(t, ranked, 2)
	assert.Equal(t, "AAAUSDT", ranked[0].Symbol)
	assert.Equal(t, "BBBUSDT", ranked[1].Symbol)
}
