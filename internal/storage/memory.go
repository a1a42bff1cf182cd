package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/pkg/models"
)

// memoryLogLimit сколько записей журнала держит MemoryStorage
const memoryLogLimit = 5000

// MemoryStorage хранилище в памяти процесса. Данные теряются при перезапуске.
type MemoryStorage struct {
	mu       sync.RWMutex
	trades   map[string]*models.Trade
	logs     []*models.LogEntry
	config   *config.TradingConfig
	running  bool
	analyses map[string]*models.AnalysisResult
}

// NewMemoryStorage создает хранилище в памяти
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		trades:   make(map[string]*models.Trade),
		analyses: make(map[string]*models.AnalysisResult),
	}
}

func (s *MemoryStorage) SaveTrade(_ context.Context, trade *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[trade.ID]; ok {
		return persistErr("save trade", fmt.Errorf("сделка %s уже существует", trade.ID))
	}
	t := *trade
	s.trades[trade.ID] = &t
	return nil
}

func (s *MemoryStorage) UpdateTrade(_ context.Context, trade *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[trade.ID]; !ok {
		return persistErr("update trade", fmt.Errorf("сделка %s не найдена", trade.ID))
	}
	t := *trade
	s.trades[trade.ID] = &t
	return nil
}

// GetTrades возвращает последние сделки, новые первыми
func (s *MemoryStorage) GetTrades(_ context.Context, limit int) ([]*models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := make([]*models.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		c := *t
		trades = append(trades, &c)
	}
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].OpenedAt.After(trades[j].OpenedAt)
	})
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

func (s *MemoryStorage) GetOpenTrades(_ context.Context) ([]*models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []*models.Trade
	for _, t := range s.trades {
		if t.Status == models.TradeOpen {
			c := *t
			trades = append(trades, &c)
		}
	}
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].OpenedAt.Before(trades[j].OpenedAt)
	})
	return trades, nil
}

func (s *MemoryStorage) SaveLog(_ context.Context, entry *models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	s.logs = append(s.logs, &e)
	if over := len(s.logs) - memoryLogLimit; over > 0 {
		s.logs = append(s.logs[:0:0], s.logs[over:]...)
	}
	return nil
}

// GetLogs возвращает последние записи журнала, новые первыми
func (s *MemoryStorage) GetLogs(_ context.Context, limit int) ([]*models.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.logs)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]*models.LogEntry, 0, n)
	for i := len(s.logs) - 1; i >= 0 && len(out) < n; i-- {
		e := *s.logs[i]
		out = append(out, &e)
	}
	return out, nil
}

func (s *MemoryStorage) SaveConfig(_ context.Context, cfg *config.TradingConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cfg
	s.config = &c
	return nil
}

// GetConfig возвращает сохраненную конфигурацию или nil
func (s *MemoryStorage) GetConfig(_ context.Context) (*config.TradingConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.config == nil {
		return nil, nil
	}
	c := *s.config
	return &c, nil
}

func (s *MemoryStorage) SetRunStatus(_ context.Context, running bool) error {
	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) GetRunStatus(_ context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running, nil
}

// SaveAnalysis заменяет последний результат по инструменту
func (s *MemoryStorage) SaveAnalysis(_ context.Context, result *models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *result
	s.analyses[result.Symbol] = &r
	return nil
}

// GetLatestAnalyses возвращает последний результат по каждому инструменту, новые первыми
func (s *MemoryStorage) GetLatestAnalyses(_ context.Context, limit int) ([]*models.AnalysisResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.AnalysisResult, 0, len(s.analyses))
	for _, a := range s.analyses {
		r := *a
		out = append(out, &r)
	}
	sortAnalyses(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
