package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/opbenesh/bindery/internal/pipeline"
	"github.com/opbenesh/bindery/internal/session"
	"github.com/opbenesh/bindery/internal/storage"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	data := cb.Data
	chatID := cb.Message.Chat.ID

	ack := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(ack); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	b.log.Info("callback",
		"data", data,
		"chat_id", chatID,
		"user_id", cb.From.ID,
	)

	switch data {
	case "setup_email":
		b.setAwaitingEmail(chatID, true)
		b.reply(chatID, "Send me your Kindle email address (usually something@kindle.com).")
		return
	case "check_status":
		b.handleStatus(ctx, chatID)
		return
	case "show_help":
		b.handleHelp(chatID)
		return
	case "show_history":
		b.handleHistory(ctx, chatID)
		return
	case "done_binding":
		b.finishSession(ctx, chatID)
		return
	case "cancel_binding":
		b.handleCancel(chatID)
		return
	}

	switch {
	case strings.HasPrefix(data, "vb_"):
		b.viewBind(ctx, chatID, strings.TrimPrefix(data, "vb_"))
	case strings.HasPrefix(data, "rb_"):
		b.resendBind(ctx, chatID, strings.TrimPrefix(data, "rb_"))
	case strings.HasPrefix(data, "eb_"):
		b.extendBind(ctx, chatID, strings.TrimPrefix(data, "eb_"))
	}
}

// viewBind shows one history entry with resend/extend actions.
func (b *Bot) viewBind(ctx context.Context, chatID int64, id string) {
	entry, err := b.store.GetBind(ctx, chatID, id)
	if err != nil {
		b.replyBindLookupError(chatID, err)
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\nSent %s\n\n", entry.Title, entry.SentAt.Format("Jan 2, 2006"))
	for i, u := range entry.URLs {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, u)
	}

	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Resend", "rb_"+entry.ID),
			tgbotapi.NewInlineKeyboardButtonData("Extend", "eb_"+entry.ID),
		),
	)
	b.replyMarkup(chatID, sb.String(), markup)
}

// resendBind rebuilds and re-delivers a past book with the same title and
// URL set.
func (b *Bot) resendBind(ctx context.Context, chatID int64, id string) {
	entry, err := b.store.GetBind(ctx, chatID, id)
	if err != nil {
		b.replyBindLookupError(chatID, err)
		return
	}

	email, ok := b.requireEmail(ctx, chatID)
	if !ok {
		return
	}
	b.reply(chatID, fmt.Sprintf("Rebuilding %q. This can take a minute.", entry.Title))
	go b.deliver(ctx, chatID, email, pipeline.Request{URLs: entry.URLs, Title: entry.Title})
}

// extendBind seeds a fresh collecting session with a past title and URLs.
func (b *Bot) extendBind(ctx context.Context, chatID int64, id string) {
	entry, err := b.store.GetBind(ctx, chatID, id)
	if err != nil {
		b.replyBindLookupError(chatID, err)
		return
	}

	if err := b.sessions.Seed(chatID, entry.Title, entry.URLs); err != nil {
		if errors.Is(err, session.ErrSessionExists) {
			b.reply(chatID, "You already have a collection in progress. /done or /cancel it first.")
			return
		}
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Extending %q: %d link(s) loaded. Send more links, then /done.",
		entry.Title, len(entry.URLs)))
}

func (b *Bot) replyBindLookupError(chatID int64, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, "That book is no longer in your history.")
		return
	}
	b.reply(chatID, fmt.Sprintf("Error: %v", err))
}
