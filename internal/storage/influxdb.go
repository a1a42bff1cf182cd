// internal/storage/influxdb.go
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/pkg/models"
	"gopkg.in/yaml.v2"
)

const (
	measurementTrades   = "trades"
	measurementLogs     = "bot_logs"
	measurementConfig   = "bot_config"
	measurementStatus   = "bot_status"
	measurementAnalysis = "analyses"

	queryRange = "-90d"
)

// InfluxDBStorage реализует интерфейс Storage с использованием InfluxDB
type InfluxDBStorage struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPIBlocking
	org      string
	bucket   string
	timeout  time.Duration
}

// NewInfluxDBStorage создает новое хранилище InfluxDB
func NewInfluxDBStorage(cfg config.StorageConfig) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	// Проверка соединения
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, persistErr("соединение с InfluxDB", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, persistErr("соединение с InfluxDB", fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health))
	}

	return &InfluxDBStorage{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Organization),
		writeAPI: client.WriteAPIBlocking(cfg.Organization, cfg.Bucket),
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
		timeout:  cfg.Timeout,
	}, nil
}

// Close закрывает соединение с базой данных
func (s *InfluxDBStorage) Close() error {
	s.client.Close()
	return nil
}

func (s *InfluxDBStorage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *InfluxDBStorage) write(ctx context.Context, op string, point *write.Point) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return persistErr(op, err)
	}
	return nil
}

// tradePoint сделка хранится одной точкой с временем открытия,
// повторная запись с тем же trade_id перезаписывает поля
func tradePoint(trade *models.Trade) (*write.Point, error) {
	payload, err := json.Marshal(trade)
	if err != nil {
		return nil, err
	}
	return influxdb2.NewPoint(
		measurementTrades,
		map[string]string{
			"trade_id": trade.ID,
			"symbol":   trade.Symbol,
		},
		map[string]interface{}{
			"status":  string(trade.Status),
			"payload": string(payload),
		},
		trade.OpenedAt,
	), nil
}

// SaveTrade сохраняет новую сделку
func (s *InfluxDBStorage) SaveTrade(ctx context.Context, trade *models.Trade) error {
	point, err := tradePoint(trade)
	if err != nil {
		return persistErr("encode trade", err)
	}
	return s.write(ctx, "save trade", point)
}

// UpdateTrade обновляет сделку
func (s *InfluxDBStorage) UpdateTrade(ctx context.Context, trade *models.Trade) error {
	point, err := tradePoint(trade)
	if err != nil {
		return persistErr("encode trade", err)
	}
	return s.write(ctx, "update trade", point)
}

// GetTrades получает последние сделки, новые первыми
func (s *InfluxDBStorage) GetTrades(ctx context.Context, limit int) ([]*models.Trade, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: %s)
			|> filter(fn: (r) => r._measurement == "%s" and r._field == "payload")
			|> group()
			|> sort(columns: ["_time"], desc: true)
			%s
	`, s.bucket, queryRange, measurementTrades, limitClause(limit))

	return s.queryTrades(ctx, query, func(*models.Trade) bool { return true })
}

// GetOpenTrades получает открытые позиции
func (s *InfluxDBStorage) GetOpenTrades(ctx context.Context) ([]*models.Trade, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: %s)
			|> filter(fn: (r) => r._measurement == "%s" and r._field == "payload")
			|> group()
			|> sort(columns: ["_time"])
	`, s.bucket, queryRange, measurementTrades)

	return s.queryTrades(ctx, query, func(t *models.Trade) bool { return t.Status == models.TradeOpen })
}

func (s *InfluxDBStorage) queryTrades(ctx context.Context, query string, keep func(*models.Trade) bool) ([]*models.Trade, error) {
	var trades []*models.Trade
	err := s.queryPayloads(ctx, "query trades", query, func(payload string) error {
		var t models.Trade
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return err
		}
		if keep(&t) {
			trades = append(trades, &t)
		}
		return nil
	})
	return trades, err
}

// SaveLog сохраняет запись журнала
func (s *InfluxDBStorage) SaveLog(ctx context.Context, entry *models.LogEntry) error {
	fields := map[string]interface{}{
		"message": entry.Message,
	}
	if len(entry.Details) > 0 {
		details, err := json.Marshal(entry.Details)
		if err != nil {
			return persistErr("encode log details", err)
		}
		fields["details"] = string(details)
	}

	point := influxdb2.NewPoint(
		measurementLogs,
		map[string]string{"level": string(entry.Level)},
		fields,
		entry.Timestamp,
	)
	return s.write(ctx, "save log", point)
}

// GetLogs получает последние записи журнала, новые первыми
func (s *InfluxDBStorage) GetLogs(ctx context.Context, limit int) ([]*models.LogEntry, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: %s)
			|> filter(fn: (r) => r._measurement == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> group()
			|> sort(columns: ["_time"], desc: true)
			%s
	`, s.bucket, queryRange, measurementLogs, limitClause(limit))

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, persistErr("query logs", err)
	}
	defer result.Close()

	var entries []*models.LogEntry
	for result.Next() {
		record := result.Record()

		level, _ := record.ValueByKey("level").(string)
		message, _ := record.ValueByKey("message").(string)
		entry := &models.LogEntry{
			Level:     models.LogLevel(level),
			Message:   message,
			Timestamp: record.Time(),
		}
		if details, ok := record.ValueByKey("details").(string); ok && details != "" {
			if err := json.Unmarshal([]byte(details), &entry.Details); err != nil {
				return nil, persistErr("decode log details", err)
			}
		}
		entries = append(entries, entry)
	}
	if result.Err() != nil {
		return nil, persistErr("query logs", result.Err())
	}

	return entries, nil
}

// SaveConfig сохраняет параметры торговли в YAML
func (s *InfluxDBStorage) SaveConfig(ctx context.Context, cfg *config.TradingConfig) error {
	payload, err := yaml.Marshal(cfg)
	if err != nil {
		return persistErr("encode config", err)
	}
	point := influxdb2.NewPoint(
		measurementConfig,
		nil,
		map[string]interface{}{"payload": string(payload)},
		time.Now(),
	)
	return s.write(ctx, "save config", point)
}

// GetConfig получает последние сохраненные параметры торговли или nil
func (s *InfluxDBStorage) GetConfig(ctx context.Context) (*config.TradingConfig, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: %s)
			|> filter(fn: (r) => r._measurement == "%s" and r._field == "payload")
			|> last()
	`, s.bucket, queryRange, measurementConfig)

	var cfg *config.TradingConfig
	err := s.queryPayloads(ctx, "query config", query, func(payload string) error {
		var c config.TradingConfig
		if err := yaml.Unmarshal([]byte(payload), &c); err != nil {
			return err
		}
		cfg = &c
		return nil
	})
	return cfg, err
}

// SetRunStatus сохраняет признак работы бота
func (s *InfluxDBStorage) SetRunStatus(ctx context.Context, running bool) error {
	point := influxdb2.NewPoint(
		measurementStatus,
		nil,
		map[string]interface{}{"running": running},
		time.Now(),
	)
	return s.write(ctx, "save run status", point)
}

// GetRunStatus получает последний сохраненный признак работы бота
func (s *InfluxDBStorage) GetRunStatus(ctx context.Context) (bool, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: %s)
			|> filter(fn: (r) => r._measurement == "%s" and r._field == "running")
			|> last()
	`, s.bucket, queryRange, measurementStatus)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return false, persistErr("query run status", err)
	}
	defer result.Close()

	running := false
	if result.Next() {
		running, _ = result.Record().Value().(bool)
	}
	if result.Err() != nil {
		return false, persistErr("query run status", result.Err())
	}
	return running, nil
}

// SaveAnalysis сохраняет результат анализа инструмента
func (s *InfluxDBStorage) SaveAnalysis(ctx context.Context, result *models.AnalysisResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return persistErr("encode analysis", err)
	}

	point := influxdb2.NewPoint(
		measurementAnalysis,
		map[string]string{"symbol": result.Symbol},
		map[string]interface{}{
			"confidence": result.Confidence,
			"overall":    string(result.Signals.Overall),
			"rsi":        result.Indicators.RSI,
			"price":      result.Ticker.LastPrice,
			"payload":    string(payload),
		},
		result.Timestamp,
	)
	return s.write(ctx, "save analysis", point)
}

// GetLatestAnalyses получает последний результат по каждому инструменту, новые первыми
func (s *InfluxDBStorage) GetLatestAnalyses(ctx context.Context, limit int) ([]*models.AnalysisResult, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -1d)
			|> filter(fn: (r) => r._measurement == "%s" and r._field == "payload")
			|> group(columns: ["symbol"])
			|> last()
			|> group()
	`, s.bucket, measurementAnalysis)

	var results []*models.AnalysisResult
	err := s.queryPayloads(ctx, "query analyses", query, func(payload string) error {
		var r models.AnalysisResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return err
		}
		results = append(results, &r)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortAnalyses(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// queryPayloads выполняет запрос и передает строковые значения в decode
func (s *InfluxDBStorage) queryPayloads(ctx context.Context, op, query string, decode func(string) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return persistErr(op, err)
	}
	defer result.Close()

	for result.Next() {
		payload, ok := result.Record().Value().(string)
		if !ok {
			continue
		}
		if err := decode(payload); err != nil {
			return persistErr(op, err)
		}
	}
	if result.Err() != nil {
		return persistErr(op, result.Err())
	}
	return nil
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf("|> limit(n: %d)", limit)
}
