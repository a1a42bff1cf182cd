package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/pkg/models"
)

// ErrPersistence ошибка записи или чтения хранилища
var ErrPersistence = errors.New("ошибка хранилища")

// New создает хранилище по типу из конфигурации
func New(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "sqlite":
		return NewSQLiteStorage(cfg)
	case "influxdb":
		return NewInfluxDBStorage(cfg)
	default:
		return nil, fmt.Errorf("неизвестный тип хранилища %q", cfg.Type)
	}
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

// Storage интерфейс для работы с хранилищем данных
type Storage interface {
	// Сделки
	SaveTrade(ctx context.Context, trade *models.Trade) error
	UpdateTrade(ctx context.Context, trade *models.Trade) error
	GetTrades(ctx context.Context, limit int) ([]*models.Trade, error)
	GetOpenTrades(ctx context.Context) ([]*models.Trade, error)

	// Журнал событий бота
	SaveLog(ctx context.Context, entry *models.LogEntry) error
	GetLogs(ctx context.Context, limit int) ([]*models.LogEntry, error)

	// Конфигурация и статус запуска
	SaveConfig(ctx context.Context, cfg *config.TradingConfig) error
	GetConfig(ctx context.Context) (*config.TradingConfig, error)
	SetRunStatus(ctx context.Context, running bool) error
	GetRunStatus(ctx context.Context) (bool, error)

	// Результаты анализа: хранится последний результат по каждому инструменту
	SaveAnalysis(ctx context.Context, result *models.AnalysisResult) error
	GetLatestAnalyses(ctx context.Context, limit int) ([]*models.AnalysisResult, error)

	Close() error
}

// sortAnalyses новые первыми, при равном времени по символу
func sortAnalyses(results []*models.AnalysisResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Timestamp.Equal(results[j].Timestamp) {
			return results[i].Symbol < results[j].Symbol
		}
		return results[i].Timestamp.After(results[j].Timestamp)
	})
}
