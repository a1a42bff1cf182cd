package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/internal/exchange"
	"github.com/skalibog/spotbot/internal/notify"
	"github.com/skalibog/spotbot/pkg/logger"
	"github.com/skalibog/spotbot/pkg/models"
	"go.uber.org/zap"
)

var errRunStopped = errors.New("бот остановлен, действие отменено")

// executeBuy покупает на сумму TradeAmount и открывает позицию
func (o *Orchestrator) executeBuy(ctx context.Context, gen uint64, r *models.AnalysisResult, cfg config.TradingConfig, reason string) error {
	price := r.Ticker.LastPrice

	qty, err := o.client.CalculateQuantity(ctx, r.Symbol, cfg.TradeAmount, price)
	if err != nil {
		return orderErr("расчет количества", err)
	}

	if !o.active(ctx, gen) {
		return errRunStopped
	}
	logger.Info("Отправка ордера на покупку",
		zap.String("symbol", r.Symbol),
		zap.String("side", string(models.SideBuy)),
		zap.Float64("quantity", qty),
		zap.Float64("price", price),
		zap.String("reason", reason))
	res, err := o.client.PlaceMarketOrder(ctx, r.Symbol, models.SideBuy, qty)
	if err != nil {
		return orderErr("рыночная покупка", err)
	}

	entry := res.FilledPrice
	if entry <= 0 {
		entry = price
	}
	filled := res.Quantity
	if filled <= 0 {
		filled = qty
	}

	trade := &models.Trade{
		ID:         uuid.NewString(),
		Symbol:     r.Symbol,
		Side:       models.SideBuy,
		Amount:     entry * filled,
		EntryPrice: entry,
		Quantity:   filled,
		Fees:       res.Commission,
		Status:     models.TradeOpen,
		OpenedAt:   o.now(),
		OrderID:    res.OrderID,
		OpenReason: reason,
	}

	o.mu.Lock()
	o.capital -= trade.Amount
	o.openTrades[trade.ID] = trade
	capital := o.capital
	o.mu.Unlock()

	if err := o.storage.SaveTrade(ctx, trade); err != nil {
		logger.Error("Сделка открыта, но не сохранена", zap.String("trade_id", trade.ID), zap.Error(err))
	}

	logger.Info("Открыта позиция",
		zap.String("symbol", trade.Symbol),
		zap.String("trade_id", trade.ID),
		zap.Float64("price", entry),
		zap.Float64("quantity", filled),
		zap.Float64("amount", trade.Amount),
		zap.Float64("confidence", r.Confidence),
		zap.Float64("capital", capital))
	o.record(ctx, models.LogInfo, "Открыта позиция", map[string]interface{}{
		"symbol":     trade.Symbol,
		"trade_id":   trade.ID,
		"price":      entry,
		"quantity":   filled,
		"amount":     trade.Amount,
		"confidence": r.Confidence,
		"reason":     reason,
		"signals":    strings.Join(r.TopReasons(3), "; "),
	})
	o.alert(ctx, "Покупка "+trade.Symbol,
		fmt.Sprintf("Цена: %.8g\nКоличество: %.8g\nСумма: %.2f\n%s", entry, filled, trade.Amount, reason),
		notify.SeverityInfo)

	return nil
}

// executeSell закрывает позицию рыночной продажей
func (o *Orchestrator) executeSell(ctx context.Context, gen uint64, trade *models.Trade, r *models.AnalysisResult, rule ExitRule) error {
	if !o.active(ctx, gen) {
		return errRunStopped
	}

	logger.Info("Отправка ордера на продажу",
		zap.String("symbol", trade.Symbol),
		zap.String("trade_id", trade.ID),
		zap.String("side", string(models.SideSell)),
		zap.Float64("quantity", trade.Quantity),
		zap.Float64("price", r.Ticker.LastPrice),
		zap.String("rule", string(rule)))
	res, err := o.client.PlaceMarketOrder(ctx, trade.Symbol, models.SideSell, trade.Quantity)
	if err != nil {
		return orderErr("рыночная продажа", err)
	}

	exit := res.FilledPrice
	if exit <= 0 {
		exit = r.Ticker.LastPrice
	}
	profit := (exit - trade.EntryPrice) * trade.Quantity
	percent := trade.ProfitPercent(exit)

	closed := *trade
	closed.ExitPrice = exit
	closed.Status = models.TradeClosed
	closed.ClosedAt = o.now()
	closed.Profit = &profit
	closed.Fees += res.Commission
	closed.CloseOrderID = res.OrderID
	closed.CloseReason = fmt.Sprintf("%s (%.2f%%)", rule, percent)

	o.mu.Lock()
	o.capital += trade.Amount + profit
	delete(o.openTrades, trade.ID)
	capital := o.capital
	o.mu.Unlock()

	if err := o.storage.UpdateTrade(ctx, &closed); err != nil {
		logger.Error("Сделка закрыта, но не сохранена", zap.String("trade_id", trade.ID), zap.Error(err))
	}

	logger.Info("Позиция закрыта",
		zap.String("symbol", trade.Symbol),
		zap.String("trade_id", trade.ID),
		zap.String("rule", string(rule)),
		zap.Float64("exit_price", exit),
		zap.Float64("profit", profit),
		zap.Float64("profit_percent", percent),
		zap.Float64("capital", capital))
	o.record(ctx, models.LogInfo, "Позиция закрыта", map[string]interface{}{
		"symbol":         trade.Symbol,
		"trade_id":       trade.ID,
		"rule":           string(rule),
		"exit_price":     exit,
		"profit":         profit,
		"profit_percent": percent,
	})

	severity := notify.SeverityInfo
	if profit < 0 {
		severity = notify.SeverityWarning
	}
	o.alert(ctx, "Продажа "+trade.Symbol,
		fmt.Sprintf("Правило: %s\nЦена выхода: %.8g\nПрибыль: %.2f (%.2f%%)", rule, exit, profit, percent),
		severity)

	return nil
}

func orderErr(op string, err error) error {
	if errors.Is(err, exchange.ErrOrderExecution) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", exchange.ErrOrderExecution, op, err)
}
