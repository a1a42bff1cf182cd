package ui

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/skalibog/spotbot/internal/bot"
	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/pkg/logger"
	"github.com/skalibog/spotbot/pkg/models"
)

const maxLogLines = 50

// Стили UI
var (
	// Основные цвета
	primaryColor   = lipgloss.Color("#0077cc")
	secondaryColor = lipgloss.Color("#333333")
	errorColor     = lipgloss.Color("#cc3300")
	successColor   = lipgloss.Color("#33cc33")
	warningColor   = lipgloss.Color("#cccc00")

	appStyle = lipgloss.NewStyle().
			Padding(1, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(primaryColor).
			Padding(0, 1).
			Align(lipgloss.Center)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(secondaryColor).
			Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)
	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999")).
			Padding(0, 1)

	ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)
)

// Controller операции бота, доступные из панели управления
type Controller interface {
	Start(ctx context.Context, cfg config.TradingConfig) error
	Stop(ctx context.Context) bot.StopResult
	Status() bot.Status
	LatestResults() map[string]*models.AnalysisResult
	OpenTrades() []*models.Trade
}

// TermUI представляет терминальную панель управления ботом
type TermUI struct {
	ctx           context.Context
	ctrl          Controller
	trading       config.TradingConfig
	config        config.UIConfig
	logFile       string
	program       *tea.Program
	selectedIndex int
	width         int
	height        int

	mu      sync.RWMutex
	logs    []string
	message string
}

// Сообщения для обновления UI
type tickMsg time.Time

type actionMsg struct {
	text string
	err  error
}

// bubbleModel - модель для bubbletea
type bubbleModel struct {
	ui *TermUI
}

// NewTermUI создает панель управления. trading - параметры, с которыми бот запускается по клавише s.
func NewTermUI(ctx context.Context, cfg config.UIConfig, logFile string, ctrl Controller, trading config.TradingConfig) *TermUI {
	ui := &TermUI{
		ctx:     ctx,
		ctrl:    ctrl,
		trading: trading,
		config:  cfg,
		logFile: logFile,
		width:   120,
		height:  40,
		logs:    []string{"spotbot готов. Нажмите S для запуска."},
	}

	if err := ui.loadLogsFromFile(); err != nil {
		ui.setMessage(fmt.Sprintf("Ошибка загрузки логов: %v", err))
	}

	return ui
}

// Start запускает интерфейс и блокируется до выхода
func (ui *TermUI) Start() error {
	ui.program = tea.NewProgram(bubbleModel{ui: ui}, tea.WithAltScreen(), tea.WithContext(ui.ctx))

	if _, err := ui.program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("ошибка запуска UI: %w", err)
	}
	return nil
}

func (ui *TermUI) refreshInterval() time.Duration {
	if ui.config.RefreshRate <= 0 {
		return time.Second
	}
	return time.Duration(ui.config.RefreshRate) * time.Millisecond
}

func (ui *TermUI) setMessage(msg string) {
	ui.mu.Lock()
	ui.message = msg
	ui.mu.Unlock()
}

// startCmd запускает бота вне цикла отрисовки
func (ui *TermUI) startCmd() tea.Cmd {
	return func() tea.Msg {
		if err := ui.ctrl.Start(ui.ctx, ui.trading); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{text: "Бот запущен"}
	}
}

func (ui *TermUI) stopCmd() tea.Cmd {
	return func() tea.Msg {
		res := ui.ctrl.Stop(ui.ctx)
		switch {
		case !res.WasRunning && !res.Forced:
			return actionMsg{text: "Бот не был запущен"}
		case res.Forced:
			return actionMsg{text: "Бот остановлен принудительно"}
		default:
			return actionMsg{text: "Бот остановлен"}
		}
	}
}

func (ui *TermUI) tick() tea.Cmd {
	return tea.Tick(ui.refreshInterval(), func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// loadLogsFromFile читает последние записи JSON-лога
func (ui *TermUI) loadLogsFromFile() error {
	if ui.logFile == "" {
		return nil
	}
	file, err := os.Open(ui.logFile)
	if err != nil {
		if os.IsNotExist(err) {
			// Файл не существует, это не ошибка
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var logs []string
	for scanner.Scan() {
		logs = append(logs, formatLogLine(scanner.Text()))
		if len(logs) > maxLogLines {
			logs = logs[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if len(logs) > 0 {
		ui.mu.Lock()
		ui.logs = logs
		ui.mu.Unlock()
	}
	return nil
}

// formatLogLine превращает JSON-запись zap в строку для панели
func formatLogLine(line string) string {
	var zapLog map[string]interface{}
	if err := json.Unmarshal([]byte(line), &zapLog); err != nil {
		return line
	}

	level, _ := zapLog["level"].(string)
	ts, _ := zapLog["ts"].(string)
	msg, _ := zapLog["msg"].(string)
	level = ansiRegex.ReplaceAllString(level, "")

	timestamp := ""
	if t, err := time.Parse(logger.TimeLayout, ts); err == nil {
		timestamp = t.Format("15:04:05")
	}

	keys := make([]string, 0, len(zapLog))
	for k := range zapLog {
		switch k {
		case "level", "ts", "msg", "caller", "stacktrace":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s", timestamp, strings.ToUpper(level), msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " (%s: %v)", k, zapLog[k])
	}
	return b.String()
}

// Методы для bubbletea
func (m bubbleModel) Init() tea.Cmd {
	return m.ui.tick()
}

func (m bubbleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "s":
			m.ui.setMessage("Запуск...")
			return m, m.ui.startCmd()
		case "x":
			m.ui.setMessage("Остановка...")
			return m, m.ui.stopCmd()
		case "up":
			m.ui.selectedIndex = max(0, m.ui.selectedIndex-1)
		case "down":
			n := len(m.ui.ctrl.LatestResults())
			m.ui.selectedIndex = max(0, min(n-1, m.ui.selectedIndex+1))
		}

	case actionMsg:
		if msg.err != nil {
			m.ui.setMessage("Ошибка: " + msg.err.Error())
		} else {
			m.ui.setMessage(msg.text)
		}

	case tea.WindowSizeMsg:
		m.ui.width = msg.Width
		m.ui.height = msg.Height

	case tickMsg:
		if err := m.ui.loadLogsFromFile(); err != nil {
			m.ui.setMessage(fmt.Sprintf("Ошибка загрузки логов: %v", err))
		}
		return m, m.ui.tick()
	}

	return m, nil
}

func (m bubbleModel) View() string {
	m.ui.mu.RLock()
	logs := m.ui.logs
	message := m.ui.message
	m.ui.mu.RUnlock()

	status := m.ui.ctrl.Status()

	title := titleStyle.Render("spotbot - Binance Spot Trading Bot")
	return appStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			title,
			"",
			renderStatus(status, message),
			renderAnalyses(m.ui.ctrl.LatestResults(), m.ui.selectedIndex),
			renderTrades(m.ui.ctrl.OpenTrades(), m.ui.ctrl.LatestResults()),
			renderLogsSection(logs),
			footerStyle.Render("Клавиши: S - старт, X - стоп, ↑/↓ - навигация, Q - выход"),
		),
	)
}

func renderStatus(s bot.Status, message string) string {
	stateStyle := lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	switch s.State {
	case bot.StateRunning:
		stateStyle = stateStyle.Foreground(successColor)
	case bot.StateFailed:
		stateStyle = stateStyle.Foreground(errorColor)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  Состояние: %s   Капитал: %.2f %s   Позиций: %d/%d\n",
		stateStyle.Render(s.State.String()), s.Capital, s.Config.QuoteAsset, s.OpenPositions, s.Config.MaxOpenPositions)
	if len(s.Symbols) > 0 {
		fmt.Fprintf(&b, "  Пары: %s\n", strings.Join(s.Symbols, ", "))
	}
	if !s.LastAnalysis.IsZero() {
		fmt.Fprintf(&b, "  Анализ: %s   Торговля: %s\n", s.LastAnalysis.Format("15:04:05"), formatTime(s.LastTrading))
	}
	if message != "" {
		fmt.Fprintf(&b, "  %s\n", message)
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("СТАТУС"), b.String()))
}

// sortedResults результаты по убыванию уверенности
func sortedResults(results map[string]*models.AnalysisResult) []*models.AnalysisResult {
	list := make([]*models.AnalysisResult, 0, len(results))
	for _, r := range results {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Confidence == list[j].Confidence {
			return list[i].Symbol < list[j].Symbol
		}
		return list[i].Confidence > list[j].Confidence
	})
	return list
}

func renderAnalyses(results map[string]*models.AnalysisResult, selectedIndex int) string {
	var content strings.Builder

	list := sortedResults(results)
	if len(list) == 0 {
		content.WriteString("  Ожидание данных...\n")
	}
	for i, r := range list {
		line := fmt.Sprintf("  %-12s %s %5.1f%%  Цена: %-12.8g RSI: %5.1f  %s",
			r.Symbol, formatSignal(r.Signals.Overall), r.Confidence, r.Ticker.LastPrice,
			r.Indicators.RSI, strings.Join(r.TopReasons(2), "; "))

		if i == selectedIndex {
			line = "> " + line[2:]
			line = lipgloss.NewStyle().Background(lipgloss.Color("#222222")).Render(line)
		}
		content.WriteString(line + "\n")
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("АНАЛИЗ"), content.String()))
}

func renderTrades(trades []*models.Trade, results map[string]*models.AnalysisResult) string {
	var content strings.Builder

	if len(trades) == 0 {
		content.WriteString("  Нет открытых позиций\n")
	}
	for _, t := range trades {
		line := fmt.Sprintf("  %-12s вход: %-12.8g кол-во: %-10.6g с %s",
			t.Symbol, t.EntryPrice, t.Quantity, t.OpenedAt.Format("02.01 15:04"))
		if r, ok := results[t.Symbol]; ok {
			p := t.ProfitPercent(r.Ticker.LastPrice)
			style := lipgloss.NewStyle().Foreground(successColor)
			if p < 0 {
				style = style.Foreground(errorColor)
			}
			line += " " + style.Render(fmt.Sprintf("%+.2f%%", p))
		}
		content.WriteString(line + "\n")
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("ПОЗИЦИИ"), content.String()))
}

func renderLogsSection(logs []string) string {
	var content strings.Builder

	start := 0
	if len(logs) > 12 {
		start = len(logs) - 12
	}
	for _, log := range logs[start:] {
		// Выделение по уровню логирования
		switch {
		case strings.Contains(log, "[ERROR]"):
			log = lipgloss.NewStyle().Foreground(errorColor).Render(log)
		case strings.Contains(log, "[INFO]"):
			log = lipgloss.NewStyle().Foreground(successColor).Render(log)
		case strings.Contains(log, "[WARN]"):
			log = lipgloss.NewStyle().Foreground(warningColor).Render(log)
		case strings.Contains(log, "[DEBUG]"):
			log = lipgloss.NewStyle().Foreground(lipgloss.Color("#9999ff")).Render(log)
		}
		content.WriteString("  " + log + "\n")
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("ЛОГИ"), content.String()))
}

func formatSignal(s models.Signal) string {
	style := lipgloss.NewStyle().Foreground(warningColor)
	switch s {
	case models.SignalBuy:
		style = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	case models.SignalSell:
		style = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	}
	return style.Render(fmt.Sprintf("%-7s", s))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("15:04:05")
}
