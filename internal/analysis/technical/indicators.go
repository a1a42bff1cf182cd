package technical

import (
	"errors"
	"fmt"

	"github.com/markcheno/go-talib"
)

var (
	// ErrInsufficientData ряд короче минимального окна индикатора
	ErrInsufficientData = errors.New("недостаточно данных")
	// ErrInvalidPeriod период индикатора должен быть положительным
	ErrInvalidPeriod = errors.New("некорректный период")
)

// MACDSeries линии MACD. Signal и Histogram выровнены по хвосту Line:
// Histogram[i] == Line[i+Offset()] - Signal[i].
type MACDSeries struct {
	Line      []float64
	Signal    []float64
	Histogram []float64
}

// Offset смещение Signal/Histogram относительно Line
func (m *MACDSeries) Offset() int {
	return len(m.Line) - len(m.Signal)
}

// Last последние значения линий
func (m *MACDSeries) Last() (line, signal, histogram float64) {
	return m.Line[len(m.Line)-1], m.Signal[len(m.Signal)-1], m.Histogram[len(m.Histogram)-1]
}

func checkWindow(prices []float64, period, required int) error {
	if period <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPeriod, period)
	}
	if len(prices) < required {
		return fmt.Errorf("%w: %d значений, требуется %d", ErrInsufficientData, len(prices), required)
	}
	return nil
}

// SMA скользящее среднее. Длина результата len(prices)-period+1.
func SMA(prices []float64, period int) ([]float64, error) {
	if err := checkWindow(prices, period, period); err != nil {
		return nil, err
	}
	// talib заполняет нулями первые period-1 значений
	return talib.Sma(prices, period)[period-1:], nil
}

// EMA экспоненциальное среднее с затравкой SMA первых period значений
// и множителем 2/(period+1). Длина результата len(prices)-period+1.
func EMA(prices []float64, period int) ([]float64, error) {
	if err := checkWindow(prices, period, period); err != nil {
		return nil, err
	}
	if period == 1 {
		out := make([]float64, len(prices))
		copy(out, prices)
		return out, nil
	}
	return talib.Ema(prices, period)[period-1:], nil
}

// RSI индекс относительной силы по последним period изменениям цены.
// Средние прирост и падение считаются как простые средние окна.
// Без падений RSI равен 100.
func RSI(prices []float64, period int) (float64, error) {
	if err := checkWindow(prices, period, period+1); err != nil {
		return 0, err
	}

	var gains, losses float64
	for i := len(prices) - period; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100, nil
	}

	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

// MACD линия (EMA fast - EMA slow), сигнальная линия и гистограмма.
// Требуется не меньше slow+signal-1 значений.
func MACD(prices []float64, fast, slow, signal int) (*MACDSeries, error) {
	if fast <= 0 || slow <= 0 || signal <= 0 || fast >= slow {
		return nil, fmt.Errorf("%w: fast=%d slow=%d signal=%d", ErrInvalidPeriod, fast, slow, signal)
	}
	if err := checkWindow(prices, slow, slow+signal-1); err != nil {
		return nil, err
	}

	emaFast, err := EMA(prices, fast)
	if err != nil {
		return nil, err
	}
	emaSlow, err := EMA(prices, slow)
	if err != nil {
		return nil, err
	}

	// emaFast длиннее на slow-fast значений, выравниваем по хвосту
	shift := len(emaFast) - len(emaSlow)
	line := make([]float64, len(emaSlow))
	for i := range emaSlow {
		line[i] = emaFast[i+shift] - emaSlow[i]
	}

	signalLine, err := EMA(line, signal)
	if err != nil {
		return nil, err
	}

	offset := len(line) - len(signalLine)
	histogram := make([]float64, len(signalLine))
	for i := range signalLine {
		histogram[i] = line[i+offset] - signalLine[i]
	}

	return &MACDSeries{Line: line, Signal: signalLine, Histogram: histogram}, nil
}

// Volatility стандартное отклонение (генеральное) последних period значений
func Volatility(prices []float64, period int) (float64, error) {
	if err := checkWindow(prices, period, period); err != nil {
		return 0, err
	}
	if period == 1 {
		return 0, nil
	}
	window := prices[len(prices)-period:]
	std := talib.StdDev(window, period, 1.0)
	return std[len(std)-1], nil
}
