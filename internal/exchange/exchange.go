package exchange

import (
	"context"
	"errors"

	"github.com/skalibog/spotbot/pkg/models"
)

var (
	// ErrConnectivity биржа недоступна или запрос не прошел
	ErrConnectivity = errors.New("биржа недоступна")
	// ErrOrderExecution ордер не был исполнен
	ErrOrderExecution = errors.New("ошибка исполнения ордера")
)

// Client операции биржи, которые использует бот.
// Любой вызов может завершиться временной ошибкой ввода-вывода.
type Client interface {
	TestConnection(ctx context.Context) error
	GetTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	GetAllTickers(ctx context.Context) ([]*models.Ticker, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error)
	GetAccountBalances(ctx context.Context) ([]models.Balance, error)
	// CalculateQuantity переводит сумму в котируемой валюте в количество с учетом шага лота
	CalculateQuantity(ctx context.Context, symbol string, notional, price float64) (float64, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side models.OrderSide, quantity float64) (*models.OrderResult, error)
}

// Closes цены закрытия свечей
func Closes(candles []*models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Volumes объемы свечей
func Volumes(candles []*models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}
