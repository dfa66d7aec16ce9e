// Package bot is the Telegram conversation layer: command routing, the
// collection session dialogue, and delivery of packaged books by email.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/opbenesh/bindery/internal/config"
	"github.com/opbenesh/bindery/internal/pipeline"
	"github.com/opbenesh/bindery/internal/session"
	"github.com/opbenesh/bindery/internal/storage"
)

// maxDeniedReplies is how many times an unlisted user is told "access
// denied" before the bot goes silent on them.
const maxDeniedReplies = 3

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Mailer delivers one message with a single attachment.
type Mailer interface {
	Send(ctx context.Context, to, subject, body, filename string, data []byte) error
}

// Builder turns a send request into a packaged book.
type Builder interface {
	Build(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Bot handles Telegram updates and drives the send pipeline.
type Bot struct {
	api      telegramAPI
	store    storage.Storage
	cfg      *config.Config
	sessions *session.Store
	builder  Builder
	mailer   Mailer
	log      *slog.Logger

	mu            sync.Mutex
	awaitingEmail map[int64]bool
	deniedCount   map[int64]int
}

// New creates a Bot with the given Telegram token.
func New(token string, store storage.Storage, cfg *config.Config, sessions *session.Store, builder Builder, mailer Mailer, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newBot(api, store, cfg, sessions, builder, mailer, log), nil
}

func newBot(api telegramAPI, store storage.Storage, cfg *config.Config, sessions *session.Store, builder Builder, mailer Mailer, log *slog.Logger) *Bot {
	return &Bot{
		api:           api,
		store:         store,
		cfg:           cfg,
		sessions:      sessions,
		builder:       builder,
		mailer:        mailer,
		log:           log,
		awaitingEmail: make(map[int64]bool),
		deniedCount:   make(map[int64]int),
	}
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				cb := update.CallbackQuery
				// Telegram omits Message for callbacks on old messages.
				if cb.Message == nil {
					continue
				}
				if !b.allowed(cb.From.ID, cb.Message.Chat.ID) {
					continue
				}
				b.handleCallback(ctx, cb)
				continue
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			if !b.allowed(update.Message.From.ID, update.Message.Chat.ID) {
				continue
			}
			if update.Message.IsCommand() {
				b.handleCommand(ctx, update.Message)
				continue
			}
			b.handleText(ctx, update.Message)
		}
	}
}

// allowed applies the whitelist ahead of every handler. Unlisted users get
// a denial reply a few times, then are dropped silently.
func (b *Bot) allowed(userID, chatID int64) bool {
	if userID == b.cfg.AdminUserID {
		return true
	}
	ok, err := b.store.IsAllowed(context.Background(), userID)
	if err != nil {
		b.log.Error("whitelist check", "user_id", userID, "error", err)
		return false
	}
	if ok {
		return true
	}

	b.mu.Lock()
	b.deniedCount[userID]++
	count := b.deniedCount[userID]
	b.mu.Unlock()

	b.log.Info("access denied", "user_id", userID, "attempts", count)
	if count <= maxDeniedReplies {
		b.reply(chatID, "Access denied. This bot is invite-only.")
	}
	return false
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) replyMarkup(chatID int64, text string, markup tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = markup
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "status":
		b.handleStatus(ctx, chatID)
	case "setemail":
		b.handleSetEmail(ctx, chatID, args)
	case "unsetemail":
		b.handleUnsetEmail(ctx, chatID)
	case "bind":
		b.handleBind(chatID)
	case "done":
		b.handleDone(ctx, chatID)
	case "cancel":
		b.handleCancel(chatID)
	case "history":
		b.handleHistory(ctx, chatID)
	case "whitelist":
		b.handleWhitelist(ctx, chatID, msg.From.ID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}

// setAwaitingEmail marks a chat as waiting for an email address in its next
// plain-text message. This is bot-level dialogue state, not a collection
// session.
func (b *Bot) setAwaitingEmail(chatID int64, waiting bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if waiting {
		b.awaitingEmail[chatID] = true
	} else {
		delete(b.awaitingEmail, chatID)
	}
}

func (b *Bot) isAwaitingEmail(chatID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.awaitingEmail[chatID]
}
