package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"

	"github.com/skalibog/spotbot/internal/config"
)

// Severity важность уведомления
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

func (s Severity) emoji() string {
	switch s {
	case SeverityWarning:
		return "⚠️"
	case SeverityError:
		return "❌"
	default:
		return "ℹ️"
	}
}

// Notifier отправляет уведомления оператору
type Notifier interface {
	SendAlert(ctx context.Context, title, body string, severity Severity) error
}

// NopNotifier ничего не отправляет
type NopNotifier struct{}

func (NopNotifier) SendAlert(context.Context, string, string, Severity) error { return nil }

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier отправляет уведомления в Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	enabled  bool
}

// NewTelegramNotifier создает уведомитель. Без токена или чата отправка молча пропускается.
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		baseURL:  telegramAPI,
		client:   &http.Client{Timeout: timeout},
		enabled:  cfg.BotToken != "" && cfg.ChatID != "",
	}
}

// Enabled настроен ли уведомитель
func (tn *TelegramNotifier) Enabled() bool {
	return tn.enabled
}

// SendAlert отправляет уведомление с заголовком
func (tn *TelegramNotifier) SendAlert(ctx context.Context, title, body string, severity Severity) error {
	text := fmt.Sprintf("%s <b>%s</b>\n\n%s", severity.emoji(), html.EscapeString(title), html.EscapeString(body))
	return tn.SendMessage(ctx, text)
}

// SendMessage отправляет текстовое сообщение в формате HTML
func (tn *TelegramNotifier) SendMessage(ctx context.Context, text string) error {
	if !tn.enabled {
		return nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", tn.baseURL, tn.botToken)

	payload := map[string]interface{}{
		"chat_id":    tn.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ошибка сериализации сообщения: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tn.client.Do(req)
	if err != nil {
		return fmt.Errorf("ошибка отправки запроса: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ошибка Telegram API: статус %d, ответ: %s", resp.StatusCode, string(body))
	}

	return nil
}
