package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/skalibog/spotbot/internal/analysis/aggregator"
	"github.com/skalibog/spotbot/internal/analysis/selection"
	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/internal/exchange"
	"github.com/skalibog/spotbot/internal/notify"
	"github.com/skalibog/spotbot/internal/storage"
	"github.com/skalibog/spotbot/pkg/logger"
	"github.com/skalibog/spotbot/pkg/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const statusAttempts = 3

// Orchestrator управляет жизненным циклом бота, циклами анализа и торговли
type Orchestrator struct {
	analysisCfg  config.AnalysisConfig
	selectionCfg config.SelectionConfig

	client   exchange.Client
	storage  storage.Storage
	notifier notify.Notifier
	selector *selection.Selector
	analyzer *aggregator.Analyzer
	now      func() time.Time

	// lifecycle сериализует Start, Stop и ForceRecover
	lifecycle  sync.Mutex
	state      atomic.Int32
	generation atomic.Uint64
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	analysisBusy atomic.Bool
	tradingBusy  atomic.Bool
	statusDirty  atomic.Bool

	// mu защищает данные ниже
	mu           sync.RWMutex
	trading      config.TradingConfig
	results      map[string]*models.AnalysisResult
	symbols      []string
	capital      float64
	openTrades   map[string]*models.Trade
	lastAnalysis time.Time
	lastTrading  time.Time
}

// NewOrchestrator создает оркестратор
func NewOrchestrator(cfg *config.Config, client exchange.Client, store storage.Storage, notifier notify.Notifier) *Orchestrator {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Orchestrator{
		analysisCfg:  cfg.Analysis,
		selectionCfg: cfg.Selection,
		client:       client,
		storage:      store,
		notifier:     notifier,
		selector:     selection.NewSelector(cfg.Selection, client),
		analyzer:     aggregator.NewAnalyzer(cfg.Analysis, store, client),
		now:          time.Now,
		trading:      cfg.Trading,
		results:      make(map[string]*models.AnalysisResult),
		openTrades:   make(map[string]*models.Trade),
	}
}

// State текущее состояние
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

// Start запускает бота с параметрами торговли cfg
func (o *Orchestrator) Start(ctx context.Context, cfg config.TradingConfig) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	switch o.State() {
	case StateRunning:
		return ErrAlreadyRunning
	case StateFailed:
		o.forceRecoverLocked(ctx)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	// Отбор пар работает в своей котируемой валюте, капитал должен быть в ней же
	if cfg.QuoteAsset != o.selectionCfg.QuoteAsset {
		return fmt.Errorf("%w: котируемая валюта %s не совпадает с валютой отбора пар %s",
			ErrInvalidConfig, cfg.QuoteAsset, o.selectionCfg.QuoteAsset)
	}

	// Флаг работы остался от прошлого процесса
	if running, err := o.storage.GetRunStatus(ctx); err != nil {
		logger.Warn("Не удалось прочитать сохраненный статус", zap.Error(err))
	} else if running {
		logger.Warn("Обнаружен устаревший флаг работы, выполняется восстановление")
		o.forceRecoverLocked(ctx)
	}

	o.setState(StateStarting)
	logger.Info("Запуск бота",
		zap.String("quote", cfg.QuoteAsset),
		zap.Float64("trade_amount", cfg.TradeAmount))

	fail := func(err error) error {
		o.setState(StateNotRunning)
		logger.Error("Запуск бота не удался", zap.Error(err))
		o.record(ctx, models.LogError, "Запуск бота не удался", map[string]interface{}{"error": err.Error()})
		return err
	}

	if err := o.client.TestConnection(ctx); err != nil {
		return fail(connectivity("проверка подключения", err))
	}

	balances, err := o.client.GetAccountBalances(ctx)
	if err != nil {
		return fail(connectivity("получение баланса", err))
	}
	capital := freeBalance(balances, cfg.QuoteAsset)
	if capital < cfg.MinBalance {
		return fail(fmt.Errorf("%w: %s %.2f меньше минимума %.2f", ErrInsufficientFunds, cfg.QuoteAsset, capital, cfg.MinBalance))
	}

	open, err := o.storage.GetOpenTrades(ctx)
	if err != nil {
		return fail(fmt.Errorf("восстановление открытых позиций: %w", err))
	}

	if err := o.storage.SaveConfig(ctx, &cfg); err != nil {
		return fail(fmt.Errorf("сохранение конфигурации: %w", err))
	}

	o.mu.Lock()
	o.trading = cfg
	o.capital = capital
	o.results = make(map[string]*models.AnalysisResult)
	o.symbols = nil
	o.openTrades = make(map[string]*models.Trade, len(open))
	for _, t := range open {
		o.openTrades[t.ID] = t
	}
	o.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	gen := o.generation.Add(1)
	o.setState(StateRunning)

	if err := o.persistRunStatus(ctx, true); err != nil {
		o.statusDirty.Store(true)
		logger.Warn("Статус работы не сохранен, будет повторено в следующем цикле", zap.Error(err))
	} else {
		o.statusDirty.Store(false)
	}

	o.selector.StartAutoRefresh(runCtx)
	o.wg.Add(2)
	go o.loop(runCtx, "analysis", o.analysisCfg.Interval, func(ctx context.Context) { o.runAnalysis(ctx, gen) })
	go o.loop(runCtx, "trading", o.analysisCfg.TradingInterval, func(ctx context.Context) { o.runTrading(ctx, gen) })

	details := map[string]interface{}{
		"capital":        capital,
		"open_positions": len(open),
		"trade_amount":   cfg.TradeAmount,
	}
	logger.Info("Бот запущен", zap.Float64("capital", capital), zap.Int("open_positions", len(open)))
	o.record(ctx, models.LogInfo, "Бот запущен", details)
	o.alert(ctx, "Бот запущен",
		fmt.Sprintf("Капитал: %.2f %s, открытых позиций: %d", capital, cfg.QuoteAsset, len(open)),
		notify.SeverityInfo)

	return nil
}

// Stop останавливает бота. Повторный вызов безопасен.
func (o *Orchestrator) Stop(ctx context.Context) StopResult {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	switch o.State() {
	case StateNotRunning:
		persisted, err := o.storage.GetRunStatus(ctx)
		if err == nil && !persisted {
			return StopResult{}
		}
		if err != nil {
			logger.Warn("Не удалось прочитать сохраненный статус", zap.Error(err))
		}
		o.forceRecoverLocked(ctx)
		return StopResult{Forced: true}
	case StateFailed:
		o.forceRecoverLocked(ctx)
		return StopResult{WasRunning: true, Forced: true}
	}

	o.setState(StateStopping)
	logger.Info("Остановка бота")

	var errs error
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	if err := o.waitLoops(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	o.selector.Stop()
	if err := o.persistRunStatus(ctx, false); err != nil {
		errs = multierr.Append(errs, err)
	}

	result := StopResult{WasRunning: true}
	if errs != nil {
		logger.Error("Ошибки при остановке, выполняется принудительное восстановление", zap.Error(errs))
		o.forceRecoverLocked(ctx)
		result.Forced = true
	}

	o.setState(StateNotRunning)
	o.record(ctx, models.LogInfo, "Бот остановлен", map[string]interface{}{"forced": result.Forced})
	o.alert(ctx, "Бот остановлен", "Торговля остановлена", notify.SeverityInfo)

	return result
}

// ForceRecover приводит бота в NOT_RUNNING независимо от текущего состояния
func (o *Orchestrator) ForceRecover(ctx context.Context) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	o.forceRecoverLocked(ctx)
}

func (o *Orchestrator) forceRecoverLocked(ctx context.Context) {
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.selector.Stop()

	if err := o.persistRunStatus(ctx, false); err != nil {
		o.statusDirty.Store(true)
		logger.Error("Принудительное восстановление: статус не сохранен", zap.Error(err))
	} else {
		o.statusDirty.Store(false)
	}

	o.setState(StateNotRunning)
	logger.Warn("Выполнено принудительное восстановление")
	o.record(ctx, models.LogWarning, "Выполнено принудительное восстановление", nil)
}

// fail переводит запуск gen в FAILED и восстанавливает его в отдельной горутине,
// так как вызывается изнутри цикла, который ждет Stop
func (o *Orchestrator) fail(gen uint64) {
	if o.generation.Load() != gen || !o.state.CompareAndSwap(int32(StateRunning), int32(StateFailed)) {
		return
	}
	go func() {
		o.lifecycle.Lock()
		defer o.lifecycle.Unlock()
		if o.generation.Load() != gen || o.State() != StateFailed {
			return
		}
		o.forceRecoverLocked(context.Background())
		o.alert(context.Background(), "Сбой бота", "Бот остановлен после внутренней ошибки", notify.SeverityError)
	}()
}

func (o *Orchestrator) waitLoops(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ожидание завершения циклов: %w", ctx.Err())
	}
}

func (o *Orchestrator) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	defer o.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Debug("Цикл запущен", zap.String("cycle", name), zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Цикл остановлен", zap.String("cycle", name))
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// active можно ли выполнять действия от имени запуска gen
func (o *Orchestrator) active(ctx context.Context, gen uint64) bool {
	return ctx.Err() == nil && o.State() == StateRunning && o.generation.Load() == gen
}

// persistRunStatus сохраняет флаг работы с повторами
func (o *Orchestrator) persistRunStatus(ctx context.Context, running bool) error {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2}

	var err error
	for attempt := 1; attempt <= statusAttempts; attempt++ {
		if err = o.storage.SetRunStatus(ctx, running); err == nil {
			return nil
		}
		logger.Warn("Ошибка сохранения статуса",
			zap.Bool("running", running),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == statusAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return multierr.Append(err, ctx.Err())
		case <-time.After(b.Duration()):
		}
	}
	return err
}

// reconcileStatus повторяет запись статуса, если она не удалась ранее
func (o *Orchestrator) reconcileStatus(ctx context.Context) {
	if !o.statusDirty.Load() {
		return
	}
	if err := o.storage.SetRunStatus(ctx, o.State() == StateRunning); err != nil {
		logger.Warn("Статус по-прежнему не сохранен", zap.Error(err))
		return
	}
	o.statusDirty.Store(false)
	logger.Info("Статус работы синхронизирован")
}

// record пишет событие в журнал хранилища, ошибки только логируются
func (o *Orchestrator) record(ctx context.Context, level models.LogLevel, msg string, details map[string]interface{}) {
	entry := &models.LogEntry{
		Level:     level,
		Message:   msg,
		Details:   details,
		Timestamp: o.now(),
	}
	if err := o.storage.SaveLog(ctx, entry); err != nil {
		logger.Warn("Не удалось сохранить запись журнала", zap.String("message", msg), zap.Error(err))
	}
}

// alert отправляет уведомление, ошибки не влияют на работу
func (o *Orchestrator) alert(ctx context.Context, title, body string, severity notify.Severity) {
	if err := o.notifier.SendAlert(ctx, title, body, severity); err != nil {
		logger.Warn("Не удалось отправить уведомление", zap.String("title", title), zap.Error(err))
	}
}

// Status возвращает снимок состояния
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	symbols := make([]string, len(o.symbols))
	copy(symbols, o.symbols)

	return Status{
		State:         o.State(),
		Config:        o.trading,
		Capital:       o.capital,
		OpenPositions: len(o.openTrades),
		Symbols:       symbols,
		LastAnalysis:  o.lastAnalysis,
		LastTrading:   o.lastTrading,
	}
}

// LatestResults копия последних результатов анализа
func (o *Orchestrator) LatestResults() map[string]*models.AnalysisResult {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]*models.AnalysisResult, len(o.results))
	for k, v := range o.results {
		out[k] = v
	}
	return out
}

// OpenTrades открытые позиции в порядке открытия
func (o *Orchestrator) OpenTrades() []*models.Trade {
	o.mu.RLock()
	defer o.mu.RUnlock()

	trades := make([]*models.Trade, 0, len(o.openTrades))
	for _, t := range o.openTrades {
		c := *t
		trades = append(trades, &c)
	}
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].OpenedAt.Before(trades[j].OpenedAt)
	})
	return trades
}

// History последние сделки
func (o *Orchestrator) History(ctx context.Context, limit int) ([]*models.Trade, error) {
	return o.storage.GetTrades(ctx, limit)
}

// Logs последние события бота
func (o *Orchestrator) Logs(ctx context.Context, limit int) ([]*models.LogEntry, error) {
	return o.storage.GetLogs(ctx, limit)
}

func freeBalance(balances []models.Balance, asset string) float64 {
	for _, b := range balances {
		if b.Asset == asset {
			return b.Free
		}
	}
	return 0
}

func connectivity(op string, err error) error {
	if errors.Is(err, exchange.ErrConnectivity) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", exchange.ErrConnectivity, op, err)
}
