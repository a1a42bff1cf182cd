package bot

import (
	"errors"
	"time"

	"github.com/skalibog/spotbot/internal/config"
)

var (
	// ErrInsufficientFunds свободный баланс котируемой валюты ниже минимума
	ErrInsufficientFunds = errors.New("недостаточно средств")
	// ErrInvalidConfig параметры торговли не прошли проверку
	ErrInvalidConfig = errors.New("некорректная конфигурация")
	// ErrAlreadyRunning бот уже запущен
	ErrAlreadyRunning = errors.New("бот уже запущен")
)

// State состояние жизненного цикла бота
type State int32

const (
	StateNotRunning State = iota
	StateStarting
	StateRunning
	StateStopping
	// StateFailed сбой внутри цикла, переходное состояние до принудительного восстановления
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotRunning:
		return "NOT_RUNNING"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// StopResult итог остановки
type StopResult struct {
	// WasRunning бот работал в момент вызова
	WasRunning bool
	// Forced потребовалось принудительное восстановление
	Forced bool
}

// Status снимок состояния бота для интерфейса
type Status struct {
	State         State
	Config        config.TradingConfig
	Capital       float64
	OpenPositions int
	Symbols       []string
	LastAnalysis  time.Time
	LastTrading   time.Time
}
