package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"blueshot/api/internal/app"
	"blueshot/api/internal/config"
	"blueshot/api/internal/email"
	"blueshot/api/internal/logger"
	"blueshot/api/internal/meeting"
	"blueshot/api/internal/notify"
	"blueshot/api/internal/realtime"
	"blueshot/api/internal/reminder"
	"blueshot/api/internal/search"
	"blueshot/api/internal/store"
)

type backend interface {
	app.DataStore
	reminder.DataStore
}

func main() {
	rollback := flag.Int("rollback", 0, "revert the N most recent migrations and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}
	logger.Init(cfg.LogLevel)
	log := logger.With("main")
	ctx := context.Background()

	var (
		dataStore backend
		fallback  search.Searcher
	)
	switch cfg.Store {
	case "memory":
		log.Warn().Msg("using in-memory store, data is lost on restart")
		mem := store.NewMemoryStore()
		dataStore = mem
		fallback = app.IdentitySearcher(mem.SearchIdentities)
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()
		if *rollback > 0 {
			if err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir, *rollback); err != nil {
				log.Fatal().Err(err).Msg("rollback failed")
			}
			log.Info().Int("steps", *rollback).Msg("migrations reverted")
			return
		}
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
		dataStore = store.NewPostgresStore(db)
		fallback = search.NewPgFTS(db)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, fallback)

	var (
		notifier realtime.Notifier = realtime.NewLocal()
		lock     *realtime.CommitLock
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisNotifier, err := realtime.NewRedisNotifier(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, realtime events stay on this replica")
		} else {
			defer redisNotifier.Close()
			notifier = redisNotifier
			lock = realtime.NewCommitLock(redisNotifier.Client(), time.Minute)
		}
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !cfg.EmailEnabled() {
		log.Info().Msg("SMTP not configured, emails disabled")
	}

	service := app.New(cfg, dataStore, app.Deps{
		Notifier:   notifier,
		Lock:       lock,
		Search:     searchService,
		Meetings:   meeting.NewMinter(cfg.MeetingKey, cfg.MeetingSecret, cfg.MeetingTTL),
		Dispatcher: notify.NewDispatcher(dataStore, notifier, mailer),
	})
	if err := service.Bootstrap(ctx); err != nil {
		log.Warn().Err(err).Msg("bootstrap error (will retry on next restart)")
	}

	scheduler := reminder.NewScheduler(dataStore, notifier, mailer, cfg.ReminderLead, cfg.ReminderSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("reminder scheduler failed")
	}
	defer scheduler.Stop()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// The notification stream is long-lived, so no write timeout.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("Blueshot API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
