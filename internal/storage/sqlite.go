package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/pkg/models"
	"gopkg.in/yaml.v2"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	status TEXT NOT NULL,
	opened_at INTEGER NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status);
CREATE INDEX IF NOT EXISTS idx_trades_opened ON trades (opened_at);

CREATE TABLE IF NOT EXISTS logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	details TEXT,
	timestamp INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	payload TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_status (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	running INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS analyses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	confidence REAL NOT NULL,
	overall TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analyses_timestamp ON analyses (timestamp);

CREATE TABLE IF NOT EXISTS latest_analyses (
	symbol TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	payload TEXT NOT NULL
);
`

// SQLiteStorage реализует интерфейс Storage на SQLite
type SQLiteStorage struct {
	db      *sql.DB
	timeout time.Duration
}

// NewSQLiteStorage открывает базу и создает схему
func NewSQLiteStorage(cfg config.StorageConfig) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, persistErr("open sqlite", err)
	}
	// sqlite не допускает параллельной записи
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, persistErr("create schema", err)
	}

	return &SQLiteStorage{db: db, timeout: cfg.Timeout}, nil
}

func (s *SQLiteStorage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *SQLiteStorage) SaveTrade(ctx context.Context, trade *models.Trade) error {
	payload, err := json.Marshal(trade)
	if err != nil {
		return persistErr("encode trade", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trades (id, symbol, status, opened_at, payload) VALUES (?, ?, ?, ?, ?)`,
		trade.ID, trade.Symbol, string(trade.Status), trade.OpenedAt.UnixNano(), string(payload))
	if err != nil {
		return persistErr("save trade", err)
	}
	return nil
}

func (s *SQLiteStorage) UpdateTrade(ctx context.Context, trade *models.Trade) error {
	payload, err := json.Marshal(trade)
	if err != nil {
		return persistErr("encode trade", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE trades SET status = ?, payload = ? WHERE id = ?`,
		string(trade.Status), string(payload), trade.ID)
	if err != nil {
		return persistErr("update trade", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return persistErr("update trade", fmt.Errorf("сделка %s не найдена", trade.ID))
	}
	return nil
}

// GetTrades возвращает последние сделки, новые первыми
func (s *SQLiteStorage) GetTrades(ctx context.Context, limit int) ([]*models.Trade, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryTrades(ctx, `SELECT payload FROM trades ORDER BY opened_at DESC LIMIT ?`, limit)
}

func (s *SQLiteStorage) GetOpenTrades(ctx context.Context) ([]*models.Trade, error) {
	return s.queryTrades(ctx, `SELECT payload FROM trades WHERE status = ? ORDER BY opened_at ASC`, string(models.TradeOpen))
}

func (s *SQLiteStorage) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*models.Trade, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("query trades", err)
	}
	defer rows.Close()

	var trades []*models.Trade
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, persistErr("scan trade", err)
		}
		var t models.Trade
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, persistErr("decode trade", err)
		}
		trades = append(trades, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("query trades", err)
	}
	return trades, nil
}

func (s *SQLiteStorage) SaveLog(ctx context.Context, entry *models.LogEntry) error {
	var details sql.NullString
	if len(entry.Details) > 0 {
		data, err := json.Marshal(entry.Details)
		if err != nil {
			return persistErr("encode log details", err)
		}
		details = sql.NullString{String: string(data), Valid: true}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (level, message, details, timestamp) VALUES (?, ?, ?, ?)`,
		string(entry.Level), entry.Message, details, entry.Timestamp.UnixNano())
	if err != nil {
		return persistErr("save log", err)
	}
	return nil
}

// GetLogs возвращает последние записи журнала, новые первыми
func (s *SQLiteStorage) GetLogs(ctx context.Context, limit int) ([]*models.LogEntry, error) {
	if limit <= 0 {
		limit = -1
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT level, message, details, timestamp FROM logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, persistErr("query logs", err)
	}
	defer rows.Close()

	var entries []*models.LogEntry
	for rows.Next() {
		var (
			level, message string
			details        sql.NullString
			ts             int64
		)
		if err := rows.Scan(&level, &message, &details, &ts); err != nil {
			return nil, persistErr("scan log", err)
		}
		entry := &models.LogEntry{
			Level:     models.LogLevel(level),
			Message:   message,
			Timestamp: time.Unix(0, ts),
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				return nil, persistErr("decode log details", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("query logs", err)
	}
	return entries, nil
}

func (s *SQLiteStorage) SaveConfig(ctx context.Context, cfg *config.TradingConfig) error {
	payload, err := yaml.Marshal(cfg)
	if err != nil {
		return persistErr("encode config", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO bot_config (id, payload, updated_at) VALUES (1, ?, ?)`,
		string(payload), time.Now().UnixNano())
	if err != nil {
		return persistErr("save config", err)
	}
	return nil
}

// GetConfig возвращает сохраненную конфигурацию или nil
func (s *SQLiteStorage) GetConfig(ctx context.Context) (*config.TradingConfig, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM bot_config WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("query config", err)
	}

	var cfg config.TradingConfig
	if err := yaml.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, persistErr("decode config", err)
	}
	return &cfg, nil
}

func (s *SQLiteStorage) SetRunStatus(ctx context.Context, running bool) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO bot_status (id, running, updated_at) VALUES (1, ?, ?)`,
		running, time.Now().UnixNano())
	if err != nil {
		return persistErr("save run status", err)
	}
	return nil
}

func (s *SQLiteStorage) GetRunStatus(ctx context.Context) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var running bool
	err := s.db.QueryRowContext(ctx, `SELECT running FROM bot_status WHERE id = 1`).Scan(&running)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, persistErr("query run status", err)
	}
	return running, nil
}

// SaveAnalysis пишет результат в историю и заменяет последний результат по инструменту
func (s *SQLiteStorage) SaveAnalysis(ctx context.Context, result *models.AnalysisResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return persistErr("encode analysis", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("save analysis", err)
	}
	defer tx.Rollback()

	ts := result.Timestamp.UnixNano()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO analyses (symbol, confidence, overall, timestamp, payload) VALUES (?, ?, ?, ?, ?)`,
		result.Symbol, result.Confidence, string(result.Signals.Overall), ts, string(payload)); err != nil {
		return persistErr("save analysis", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO latest_analyses (symbol, timestamp, payload) VALUES (?, ?, ?)`,
		result.Symbol, ts, string(payload)); err != nil {
		return persistErr("save latest analysis", err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr("save analysis", err)
	}
	return nil
}

// GetLatestAnalyses возвращает последний результат по каждому инструменту, новые первыми
func (s *SQLiteStorage) GetLatestAnalyses(ctx context.Context, limit int) ([]*models.AnalysisResult, error) {
	if limit <= 0 {
		limit = -1
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM latest_analyses ORDER BY timestamp DESC, symbol ASC LIMIT ?`, limit)
	if err != nil {
		return nil, persistErr("query analyses", err)
	}
	defer rows.Close()

	var results []*models.AnalysisResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, persistErr("scan analysis", err)
		}
		var r models.AnalysisResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, persistErr("decode analysis", err)
		}
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("query analyses", err)
	}
	return results, nil
}

// Close закрывает соединение с базой данных
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
