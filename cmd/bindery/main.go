package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/opbenesh/bindery/internal/bot"
	"github.com/opbenesh/bindery/internal/config"
	"github.com/opbenesh/bindery/internal/ebook"
	"github.com/opbenesh/bindery/internal/fetch"
	"github.com/opbenesh/bindery/internal/mail"
	"github.com/opbenesh/bindery/internal/pipeline"
	"github.com/opbenesh/bindery/internal/session"
	"github.com/opbenesh/bindery/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Seed the whitelist from config so a fresh database starts usable.
	for _, uid := range cfg.WhitelistedUsers {
		if err := store.Allow(ctx, uid); err != nil {
			log.Error("seed whitelist", "user_id", uid, "error", err)
			os.Exit(1)
		}
	}

	mailer, err := mail.New(mail.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
	if err != nil {
		log.Error("create mailer", "error", err)
		os.Exit(1)
	}

	fetcher := fetch.New()
	assembler := ebook.New(fetcher, log)
	builder := pipeline.New(fetcher, assembler, log)
	sessions := session.NewStore()

	b, err := bot.New(cfg.TelegramBotToken, store, cfg, sessions, builder, mailer, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	log.Info("starting bot")

	go sessions.Run(ctx)

	b.Run(ctx)

	log.Info("bot stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
