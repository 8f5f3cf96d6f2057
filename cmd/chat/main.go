package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/realtime-chat-go/internal/config"
	"github.com/realtime-chat-go/internal/handlers"
	"github.com/realtime-chat-go/internal/i18n"
	"github.com/realtime-chat-go/internal/middleware"
	"github.com/realtime-chat-go/internal/models"
	"github.com/realtime-chat-go/internal/services/chat"
	"github.com/realtime-chat-go/internal/services/connectivity"
	"github.com/realtime-chat-go/internal/services/retry"
	"github.com/realtime-chat-go/internal/services/session"
	"github.com/realtime-chat-go/internal/services/storage"
	"github.com/realtime-chat-go/internal/services/store"
	"github.com/realtime-chat-go/pkg/logger"
	"github.com/sirupsen/logrus"
)

const logTail = 20

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	name := flag.String("name", "", "Display name to enter the chat with")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		// It's okay if .env doesn't exist
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(logrus.Fields{
		"store":   cfg.Store.Type,
		"storage": cfg.Storage.Type,
		"table":   cfg.Chat.Table,
	}).Info("Starting chat client...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := middleware.NewMetrics()

	// Initialize i18n
	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	// Initialize remote store and connectivity
	chatStore, monitor, closeStore := openStore(ctx, cfg, log)
	defer closeStore()
	monitor.Subscribe(metrics.SetOnline)
	metrics.SetOnline(monitor.IsOnline())

	// Initialize cache storage
	storageManager, err := storage.NewManager(cfg, log, metrics)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}
	defer storageManager.Close()

	lang := cfg.Chat.Language
	svc := chat.NewService(chatStore, storageManager, monitor, chat.Options{
		Table:    cfg.Chat.Table,
		CacheTTL: cfg.Chat.CacheTTL,
		MaxRows:  cfg.Chat.MaxRows,
		MaxItems: cfg.Chat.MaxItems,
		Fallback: chat.StaticFallback(
			localizer.Get(lang, i18n.MsgOffline, nil),
			localizer.Get(lang, i18n.MsgWelcome, nil),
		),
		Retry: retry.Policy{Attempts: cfg.Retry.Attempts, Delay: cfg.Retry.Delay},
	}, log, metrics)

	sess := session.New(svc, session.Options{
		MaxItems: cfg.Chat.MaxItems,
		Realtime: cfg.Chat.Realtime,
	}, log, metrics)
	if err := sess.Start(ctx); err != nil {
		log.WithError(err).Warn("Realtime updates unavailable, use /refresh to reload")
	}

	rateLimiter := middleware.NewRateLimiter(&cfg.RateLimit, log)
	defer rateLimiter.Close()

	actions := handlers.NewChatActions(svc, sess, &cfg.Chat, rateLimiter, localizer, log, metrics)

	// Start HTTP server if enabled
	var server *http.Server
	if cfg.Monitoring.Metrics.Enabled {
		router := middleware.NewRouter(cfg.Monitoring.Metrics.Path)
		handlers.NewAPI(sess, actions, svc, cfg.Chat.RecencyWindow, log).RegisterRoutes(router)
		server = middleware.NewServer(cfg.Monitoring.Metrics.Port, router)

		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting HTTP server")

			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("HTTP server failed")
			}
		}()
	}

	if *name != "" {
		if err := actions.Enter(ctx, handlers.Identity{Name: *name}); err != nil {
			log.WithError(err).Fatal("Failed to enter chat")
		}
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		runConsole(ctx, os.Stdin, os.Stdout, actions, sess, log)
		close(done)
	}()

	select {
	case <-sigChan:
		log.Info("Shutdown signal received")
	case <-done:
	}

	if actions.Identity() != nil {
		if err := actions.Exit(ctx); err != nil {
			log.WithError(err).Warn("Failed to leave chat")
		}
	}
	sess.Close()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("HTTP server shutdown failed")
		}
		shutdownCancel()
	}

	// Wait for background writes before closing the store
	svc.Close()
	cancel()

	log.Info("Chat client stopped")
}

// openStore connects the configured remote store and returns the
// connectivity monitor that watches it.
func openStore(ctx context.Context, cfg *config.Config, log *logrus.Logger) (store.Store, *connectivity.Prober, func()) {
	switch cfg.Store.Type {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, &cfg.Store.Postgres, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to postgres")
		}
		if cfg.Store.Postgres.Migrate {
			if err := pg.Migrate(ctx, cfg.Chat.Table); err != nil {
				log.WithError(err).Fatal("Failed to migrate chat table")
			}
		}

		prober := connectivity.NewProber(pg.Ping, cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout,
			cfg.Connectivity.StartOnline, log)
		prober.Check(ctx)
		go prober.Run(ctx)
		return pg, prober, pg.Close

	default:
		log.Warn("Using in-memory chat store, history is lost on exit")
		mem := store.NewMemoryStore(nil)
		prober := connectivity.NewProber(func(context.Context) error { return nil },
			cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout, cfg.Connectivity.StartOnline, log)
		return mem, prober, func() {}
	}
}

// runConsole reads lines from in and sends them as chat messages until
// EOF or /quit. /log prints the latest messages.
func runConsole(ctx context.Context, in io.Reader, out io.Writer, actions *handlers.ChatActions, sess *session.Session, log *logrus.Logger) {
	scanner := bufio.NewScanner(in)
	printLog(out, sess)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/log":
			printLog(out, sess)
			continue
		case actions.Identity() == nil:
			if err := actions.Enter(ctx, handlers.Identity{Name: line}); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			continue
		}

		record, err := actions.Send(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			continue
		}
		if record != nil {
			logger.WithRecord(log, *record).Debug("Message sent")
		}
		printLog(out, sess)
	}
}

func printLog(out io.Writer, sess *session.Session) {
	entries := models.Bound(sess.SortedLog(), logTail)
	for i := len(entries) - 1; i >= 0; i-- {
		record := entries[i]
		ts := time.UnixMilli(record.Time()).Format("15:04:05")
		marker := ""
		if sess.IsPending(record.ID) {
			marker = " …"
		}
		if record.IsSystem {
			fmt.Fprintf(out, "%s * %s%s\n", ts, record.Message, marker)
			continue
		}
		fmt.Fprintf(out, "%s <%s> %s%s\n", ts, record.Name, record.Message, marker)
	}
	if sess.IsOffline() {
		fmt.Fprintln(out, "(offline)")
	}
}
