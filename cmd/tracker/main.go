package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"stock-tracker/config"
	"stock-tracker/internal/api"
	"stock-tracker/internal/basket"
	"stock-tracker/internal/bot"
	"stock-tracker/internal/catalog"
	"stock-tracker/internal/database"
	"stock-tracker/internal/monitor"
	"stock-tracker/internal/notify"
	"stock-tracker/internal/safety"
	"stock-tracker/internal/scraper"
	"stock-tracker/internal/security"
)

const usage = `usage: tracker [serve|encrypt-password]

  serve             run the scheduler, HTTP API and Telegram bot (default)
  encrypt-password  read the retailer password from stdin and print it
                    encrypted with APP_SECRET_KEY, for BASKET_PASSWORD_ENCRYPTED`

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	switch cmd {
	case "serve":
		if err := serve(cfg); err != nil {
			log.Fatalf("Fatal: %v", err)
		}
	case "encrypt-password":
		if err := encryptPassword(cfg); err != nil {
			log.Fatalf("Failed to encrypt password: %v", err)
		}
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

func encryptPassword(cfg *config.Config) error {
	if cfg.App.SecretKey == "" {
		return errors.New("APP_SECRET_KEY is not set")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return err
	}
	encrypted, err := security.Encrypt(cfg.App.SecretKey, strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Println(encrypted)
	return nil
}

func serve(cfg *config.Config) error {
	log.Printf("Starting %s (%s)...", cfg.App.Name, cfg.App.Environment)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Checks run on their own context so a signal lets in-flight checks finish.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	db, err := openDatabase(sigCtx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	flags, closeFlags, err := openFlagStore(cfg, db)
	if err != nil {
		return err
	}
	defer closeFlags()

	governor := safety.NewGovernor(safety.Config{
		SoftBlockThreshold: cfg.Safety.SoftBlockThreshold,
		Window:             cfg.Safety.Window,
		CoolDown:           cfg.Safety.CoolDown,
		SafeModeFactor:     cfg.Safety.SafeModeFactor,
	}, flags)
	if err := governor.Restore(sigCtx); err != nil {
		log.Printf("Warning: failed to restore safety flags: %v", err)
	}
	if cfg.Safety.KillSwitch {
		if err := governor.SetKillSwitch(sigCtx, true); err != nil {
			log.Printf("Warning: failed to persist kill switch: %v", err)
		}
	}
	if cfg.Safety.SafeMode {
		if err := governor.SetSafeMode(sigCtx, true); err != nil {
			log.Printf("Warning: failed to persist safe mode: %v", err)
		}
	}

	registry := scraper.NewRegistry(scraper.Options{
		RequestsPerSecond: cfg.Fetcher.RequestsPerSecond,
		Burst:             cfg.Fetcher.Burst,
		UserAgents:        cfg.Fetcher.UserAgents,
	}, scraper.NewCostcoParser(cfg.Fetcher.CostcoBaseURL), scraper.NewMercadoLivreParser())

	telegram, err := openTelegram(cfg.Telegram)
	if err != nil {
		log.Printf("Warning: telegram disabled: %v", err)
	}

	channels, closeChannels := buildChannels(sigCtx, cfg, telegram)
	defer closeChannels()
	dispatcher := notify.NewDispatcher(30*time.Second, func(ref string) string {
		if p := registry.FindParser(ref); p != nil {
			return p.URL(ref)
		}
		return ref
	}, channels...)
	log.Printf("Notification channels: %v", dispatcher.Channels())

	deps := monitor.Deps{
		Store:    db,
		Fetcher:  registry,
		Notifier: dispatcher,
		Governor: governor,
	}
	if cfg.Basket.Enabled {
		agent, err := basket.NewAgent(basket.Config{
			Enabled: true,
			BaseURL: cfg.Basket.BaseURL,
			Timeout: cfg.Basket.Timeout,
		})
		if err != nil {
			return err
		}
		deps.Basket = agent
		deps.Credentials = security.NewCredentialSource(cfg.App.SecretKey, cfg.Basket.Email, cfg.Basket.EncryptedPassword)
		log.Println("Assisted checkout enabled")
	}

	s := cfg.Scheduler
	scheduler, err := monitor.New(deps, monitor.Config{
		Tick:                 s.Tick,
		Workers:              s.Workers,
		DefaultInterval:      s.DefaultInterval,
		MinInterval:          s.MinInterval,
		MaxInterval:          s.MaxInterval,
		JitterFraction:       s.JitterFraction,
		FailureThreshold:     s.FailureThreshold,
		MaxBackoffMultiplier: s.MaxBackoffMultiplier,
		FetchTimeout:         s.FetchTimeout,
		HistoryRetention:     s.HistoryRetention,
		CleanupInterval:      s.CleanupInterval,
	})
	if err != nil {
		return err
	}

	products := catalog.New(db, catalog.Options{
		Supports:        func(ref string) bool { return registry.FindParser(ref) != nil },
		Channels:        dispatcher.Channels(),
		DefaultInterval: s.DefaultInterval,
		MinInterval:     s.MinInterval,
		MaxInterval:     s.MaxInterval,
	})

	if len(cfg.API.Keys) == 0 {
		log.Println("Warning: API_KEYS is empty, the HTTP API is unauthenticated")
	}
	srv := &http.Server{
		Addr: cfg.API.Address(),
		Handler: api.NewRouter(api.RouterConfig{
			Handler:        api.NewHandler(products, scheduler, db),
			APIKeys:        cfg.API.Keys,
			AllowedOrigins: cfg.API.AllowedOrigins,
		}),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	scheduler.Start(runCtx)

	go func() {
		log.Printf("Server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server error: %v", err)
			stop()
		}
	}()

	if telegram != nil {
		if cfg.Telegram.ChatID == 0 {
			log.Println("Warning: TELEGRAM_CHAT_ID is not set, bot commands are disabled")
		} else {
			go bot.New(telegram, cfg.Telegram.ChatID, products, scheduler).Listen(sigCtx, telegram)
		}
	}

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Println("Shutdown timeout reached, cancelling in-flight checks")
		cancelRun()
		<-done
	}

	log.Println("Stopped")
	return nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	switch cfg.Driver {
	case "postgres":
		return database.NewPostgres(ctx, cfg.PostgresDSN, cfg.MaxConns)
	default:
		return database.New(cfg.Path)
	}
}

// openFlagStore prefers Redis so several processes share one kill switch.
func openFlagStore(cfg *config.Config, db *database.DB) (safety.FlagStore, func(), error) {
	if cfg.Redis.Addr == "" {
		return db, func() {}, nil
	}
	store, err := safety.NewRedisFlagStore(safety.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func openTelegram(cfg config.TelegramConfig) (*tgbotapi.BotAPI, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("TELEGRAM_BOT_TOKEN is not set")
	}
	return bot.Init(cfg.BotToken)
}

func buildChannels(ctx context.Context, cfg *config.Config, telegram *tgbotapi.BotAPI) ([]notify.Channel, func()) {
	var channels []notify.Channel
	var closers []func()

	if telegram != nil && cfg.Telegram.ChatID != 0 {
		channels = append(channels, notify.NewTelegramChannel(telegram, cfg.Telegram.ChatID))
	}

	if cfg.Email.From != "" && len(cfg.Email.To) > 0 {
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.Email.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Email.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			log.Printf("Warning: email disabled, failed to load AWS config: %v", err)
		} else if ch, err := notify.NewEmailChannel(awsCfg, cfg.Email.From, cfg.Email.To); err != nil {
			log.Printf("Warning: email disabled: %v", err)
		} else {
			channels = append(channels, ch)
		}
	}

	if cfg.Discord.WebhookURL != "" {
		channels = append(channels, notify.NewDiscordChannel(cfg.Discord.WebhookURL, nil))
	}

	if cfg.Pushover.AppToken != "" && cfg.Pushover.UserKey != "" {
		channels = append(channels, notify.NewPushoverChannel(cfg.Pushover.AppToken, cfg.Pushover.UserKey, "", nil))
	}

	if cfg.Kafka.Brokers != "" {
		ch, err := notify.NewKafkaChannel(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			log.Printf("Warning: kafka disabled: %v", err)
		} else {
			channels = append(channels, ch)
			closers = append(closers, func() { ch.Close() })
		}
	}

	if len(channels) == 0 {
		log.Println("Warning: no notification channels configured, alerts will be recorded as failed")
	}

	return channels, func() {
		for _, c := range closers {
			c()
		}
	}
}
