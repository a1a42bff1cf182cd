package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skalibog/spotbot/internal/bot"
	"github.com/skalibog/spotbot/internal/config"
	"github.com/skalibog/spotbot/internal/exchange"
	"github.com/skalibog/spotbot/internal/notify"
	"github.com/skalibog/spotbot/internal/storage"
	"github.com/skalibog/spotbot/internal/ui"
	"github.com/skalibog/spotbot/pkg/logger"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	headless := flag.Bool("headless", false, "запуск без терминального интерфейса, торговля стартует сразу")
	flag.Parse()

	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Файл конфигурации не найден: %s\n", *configPath)
		os.Exit(1)
	}

	// Загружаем конфигурацию
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	// В режиме UI консольный вывод ломает экран
	withUI := cfg.UI.Enabled && !*headless
	if err := logger.Init(cfg.Log.Options(!withUI)); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Инициализируем хранилище
	store, err := storage.New(cfg.Storage)
	if err != nil {
		logger.Fatal("Ошибка инициализации хранилища", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Ошибка закрытия хранилища", zap.Error(err))
		}
	}()

	// Инициализируем клиент биржи
	client, err := exchange.NewBinanceClient(cfg.Binance, cfg.Exchange)
	if err != nil {
		logger.Fatal("Ошибка инициализации клиента биржи", zap.Error(err))
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if tn := notify.NewTelegramNotifier(cfg.Telegram); tn.Enabled() {
		notifier = tn
	}

	orch := bot.NewOrchestrator(cfg, client, store, notifier)

	if withUI {
		panel := ui.NewTermUI(ctx, cfg.UI, cfg.Log.JSONFile, orch, cfg.Trading)
		if err := panel.Start(); err != nil {
			logger.Error("Ошибка интерфейса", zap.Error(err))
		}
	} else {
		if err := orch.Start(ctx, cfg.Trading); err != nil {
			logger.Fatal("Не удалось запустить бота", zap.Error(err))
		}
		<-ctx.Done()
	}

	logger.Info("Завершение работы...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	res := orch.Stop(stopCtx)
	logger.Info("Бот остановлен",
		zap.Bool("was_running", res.WasRunning),
		zap.Bool("forced", res.Forced))
}
