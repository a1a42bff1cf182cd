package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/pkg/logger"
	"github.com/skalibog/spotbot/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const testnetURL = "https://testnet.binance.vision"

// lotSize ограничения количества для символа
type lotSize struct {
	step decimal.Decimal
	min  decimal.Decimal
	max  decimal.Decimal
}

// BinanceClient клиент для взаимодействия со спотовым рынком Binance
type BinanceClient struct {
	spot     *binance.Client
	timeouts config.ExchangeConfig
	limiter  *rate.Limiter

	lotMu    sync.RWMutex
	lotSizes map[string]lotSize
}

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.BinanceConfig, ex config.ExchangeConfig) (*BinanceClient, error) {
	spotClient := binance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.Testnet {
		spotClient.BaseURL = testnetURL
	}

	limit := rate.Inf
	if ex.RequestsPerSec > 0 {
		limit = rate.Limit(ex.RequestsPerSec)
	}
	burst := ex.Burst
	if burst <= 0 {
		burst = 1
	}

	return &BinanceClient{
		spot:     spotClient,
		timeouts: ex,
		limiter:  rate.NewLimiter(limit, burst),
		lotSizes: make(map[string]lotSize),
	}, nil
}

// call ограничивает частоту запросов и задает таймаут
func (c *BinanceClient) call(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	if err := c.limiter.Wait(ctx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("%w: ограничение частоты запросов: %v", ErrConnectivity, err)
	}
	return ctx, cancel, nil
}

// TestConnection проверяет доступность биржи
func (c *BinanceClient) TestConnection(ctx context.Context) error {
	ctx, cancel, err := c.call(ctx, c.timeouts.PingTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	if err := c.spot.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrConnectivity, err)
	}
	return nil
}

// GetTicker получает 24-часовую статистику по символу
func (c *BinanceClient) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	ctx, cancel, err := c.call(ctx, c.timeouts.DataTimeout)
	if err != nil {
		return nil, err
	}
	defer cancel()

	stats, err := c.spot.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: ошибка получения тикера %s: %v", ErrConnectivity, symbol, err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("%w: тикер %s не найден", ErrConnectivity, symbol)
	}
	return convertStats(stats[0]), nil
}

// GetAllTickers получает 24-часовую статистику по всем символам
func (c *BinanceClient) GetAllTickers(ctx context.Context) ([]*models.Ticker, error) {
	ctx, cancel, err := c.call(ctx, c.timeouts.DataTimeout)
	if err != nil {
		return nil, err
	}
	defer cancel()

	stats, err := c.spot.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: ошибка получения тикеров: %v", ErrConnectivity, err)
	}

	tickers := make([]*models.Ticker, 0, len(stats))
	for _, s := range stats {
		tickers = append(tickers, convertStats(s))
	}
	return tickers, nil
}

// GetKlines получает исторические свечи
func (c *BinanceClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error) {
	ctx, cancel, err := c.call(ctx, c.timeouts.DataTimeout)
	if err != nil {
		return nil, err
	}
	defer cancel()

	klines, err := c.spot.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: ошибка получения свечей %s: %v", ErrConnectivity, symbol, err)
	}

	candles := make([]*models.Candle, len(klines))
	for i, k := range klines {
		candles[i] = &models.Candle{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			CloseTime: time.UnixMilli(k.CloseTime),
		}
	}

	return candles, nil
}

// GetAccountBalances получает балансы счета
func (c *BinanceClient) GetAccountBalances(ctx context.Context) ([]models.Balance, error) {
	ctx, cancel, err := c.call(ctx, c.timeouts.DataTimeout)
	if err != nil {
		return nil, err
	}
	defer cancel()

	account, err := c.spot.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: ошибка получения баланса: %v", ErrConnectivity, err)
	}

	balances := make([]models.Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		free, locked := parseFloat(b.Free), parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		balances = append(balances, models.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return balances, nil
}

// CalculateQuantity рассчитывает количество для суммы notional по цене price,
// округляя вниз до шага лота
func (c *BinanceClient) CalculateQuantity(ctx context.Context, symbol string, notional, price float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("некорректная цена %v для %s", price, symbol)
	}

	lot, err := c.lotSize(ctx, symbol)
	if err != nil {
		return 0, err
	}

	qty := decimal.NewFromFloat(notional).Div(decimal.NewFromFloat(price))
	qty = floorToStep(qty, lot.step)
	if qty.LessThan(lot.min) || qty.IsZero() {
		return 0, fmt.Errorf("количество %s меньше минимального %s для %s", qty, lot.min, symbol)
	}
	if lot.max.IsPositive() && qty.GreaterThan(lot.max) {
		qty = floorToStep(lot.max, lot.step)
	}

	f, _ := qty.Float64()
	return f, nil
}

func (c *BinanceClient) lotSize(ctx context.Context, symbol string) (lotSize, error) {
	c.lotMu.RLock()
	lot, ok := c.lotSizes[symbol]
	c.lotMu.RUnlock()
	if ok {
		return lot, nil
	}

	ctx, cancel, err := c.call(ctx, c.timeouts.DataTimeout)
	if err != nil {
		return lotSize{}, err
	}
	defer cancel()

	info, err := c.spot.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return lotSize{}, fmt.Errorf("%w: ошибка получения правил торговли %s: %v", ErrConnectivity, symbol, err)
	}

	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != symbol {
			continue
		}
		filter := s.LotSizeFilter()
		if filter == nil {
			break
		}
		lot, err = newLotSize(filter.StepSize, filter.MinQuantity, filter.MaxQuantity)
		if err != nil {
			return lotSize{}, fmt.Errorf("ошибка разбора LOT_SIZE %s: %w", symbol, err)
		}

		c.lotMu.Lock()
		c.lotSizes[symbol] = lot
		c.lotMu.Unlock()
		return lot, nil
	}

	return lotSize{}, fmt.Errorf("правила LOT_SIZE для %s не найдены", symbol)
}

// PlaceMarketOrder размещает рыночный ордер
func (c *BinanceClient) PlaceMarketOrder(ctx context.Context, symbol string, side models.OrderSide, quantity float64) (*models.OrderResult, error) {
	ctx, cancel, err := c.call(ctx, c.timeouts.OrderTimeout)
	if err != nil {
		return nil, err
	}
	defer cancel()

	sideType := binance.SideTypeBuy
	if side == models.SideSell {
		sideType = binance.SideTypeSell
	}

	qty := decimal.NewFromFloat(quantity).String()
	logger.Debug("Отправка рыночного ордера",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("quantity", qty))

	resp, err := c.spot.NewCreateOrderService().
		Symbol(symbol).
		Side(sideType).
		Type(binance.OrderTypeMarket).
		Quantity(qty).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s %s: %v", ErrOrderExecution, side, qty, symbol, err)
	}

	result := &models.OrderResult{
		OrderID:  strconv.FormatInt(resp.OrderID, 10),
		Quantity: parseFloat(resp.ExecutedQuantity),
	}

	quote := parseFloat(resp.CummulativeQuoteQuantity)
	if result.Quantity > 0 && quote > 0 {
		result.FilledPrice = quote / result.Quantity
	}
	for _, fill := range resp.Fills {
		result.Commission += parseFloat(fill.Commission)
	}
	if result.FilledPrice == 0 && len(resp.Fills) > 0 {
		result.FilledPrice = averageFillPrice(resp.Fills)
	}

	return result, nil
}

func convertStats(s *binance.PriceChangeStats) *models.Ticker {
	return &models.Ticker{
		Symbol:             s.Symbol,
		LastPrice:          parseFloat(s.LastPrice),
		PriceChangePercent: parseFloat(s.PriceChangePercent),
		QuoteVolume:        parseFloat(s.QuoteVolume),
		Volume:             parseFloat(s.Volume),
		High:               parseFloat(s.HighPrice),
		Low:                parseFloat(s.LowPrice),
		Open:               parseFloat(s.OpenPrice),
		Bid:                parseFloat(s.BidPrice),
		Ask:                parseFloat(s.AskPrice),
		Timestamp:          time.UnixMilli(s.CloseTime),
	}
}

func averageFillPrice(fills []*binance.Fill) float64 {
	var qty, quote float64
	for _, f := range fills {
		q := parseFloat(f.Quantity)
		qty += q
		quote += q * parseFloat(f.Price)
	}
	if qty == 0 {
		return 0
	}
	return quote / qty
}

func newLotSize(step, min, max string) (lotSize, error) {
	s, err := decimal.NewFromString(step)
	if err != nil {
		return lotSize{}, err
	}
	mn, err := decimal.NewFromString(min)
	if err != nil {
		return lotSize{}, err
	}
	mx, err := decimal.NewFromString(max)
	if err != nil {
		return lotSize{}, err
	}
	return lotSize{step: s, min: mn, max: mx}, nil
}

// floorToStep округляет количество вниз до кратного шагу
func floorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
