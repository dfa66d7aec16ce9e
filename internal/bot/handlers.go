package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/opbenesh/bindery/internal/ebook"
	"github.com/opbenesh/bindery/internal/model"
	"github.com/opbenesh/bindery/internal/pipeline"
	"github.com/opbenesh/bindery/internal/session"
)

func (b *Bot) handleStart(chatID int64) {
	text := `Welcome to Bindery!

Send me an article link and I'll turn it into an ebook and deliver it to your Kindle.

Quick start:
1. /setemail — set your Kindle email address
2. Paste any article URL for a single-article book
3. /bind — collect several articles into one book

Use /help for the full command reference.`
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Set up email", "setup_email"),
			tgbotapi.NewInlineKeyboardButtonData("Help", "show_help"),
		),
	)
	b.replyMarkup(chatID, text, markup)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Sending articles:
Paste any article URL — it becomes a one-article ebook, sent right away.

Bundles:
/bind — start collecting links into one book
(first message after /bind becomes the book title)
/done — build and send the collected bundle
/cancel — discard the current collection
Collections hold up to 20 links and expire after an hour.

Settings:
/setemail <address> — set your Kindle email
/unsetemail — forget the stored address
/status — show your settings and any open collection

History:
/history — your last sends, with resend and extend buttons

Remember to allow the sender address in your Amazon
"Approved Personal Document E-mail List".`)
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64) {
	email, err := b.store.GetKindleEmail(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	var sb strings.Builder
	if email == "" {
		sb.WriteString("Kindle email: not set. Use /setemail to configure it.\n")
	} else {
		fmt.Fprintf(&sb, "Kindle email: %s\n", email)
	}

	if sess, ok := b.sessions.Get(chatID); ok {
		switch sess.State {
		case session.StateAwaitingTitle:
			sb.WriteString("Collection: started, waiting for a title.")
		case session.StateCollectingLinks:
			fmt.Fprintf(&sb, "Collection %q: %d link(s) so far. /done to send, /cancel to discard.",
				sess.Title, len(sess.URLs))
		}
	} else {
		sb.WriteString("No collection in progress.")
	}
	b.reply(chatID, sb.String())
}

func (b *Bot) handleSetEmail(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.setAwaitingEmail(chatID, true)
		b.reply(chatID, "Send me your Kindle email address (usually something@kindle.com).")
		return
	}
	b.saveEmail(ctx, chatID, args)
}

func (b *Bot) saveEmail(ctx context.Context, chatID int64, address string) {
	address = strings.TrimSpace(address)
	if !IsEmail(address) {
		b.reply(chatID, fmt.Sprintf("%q doesn't look like an email address. Try again.", address))
		return
	}
	if err := b.store.SetKindleEmail(ctx, chatID, address); err != nil {
		b.reply(chatID, fmt.Sprintf("Could not save the address: %v", err))
		return
	}
	b.setAwaitingEmail(chatID, false)
	b.reply(chatID, fmt.Sprintf("Saved. Books will be sent to %s.\nMake sure this bot's sender address is on your Amazon approved list.", address))
}

func (b *Bot) handleUnsetEmail(ctx context.Context, chatID int64) {
	if err := b.store.ClearKindleEmail(ctx, chatID); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, "Forgot your Kindle email.")
}

func (b *Bot) handleBind(chatID int64) {
	err := b.sessions.Start(chatID)
	if errors.Is(err, session.ErrSessionExists) {
		// Never overwrite a live collection; re-offer finish/cancel.
		markup := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Finish & send", "done_binding"),
				tgbotapi.NewInlineKeyboardButtonData("Discard", "cancel_binding"),
			),
		)
		b.replyMarkup(chatID, "You already have a collection in progress.", markup)
		return
	}
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, "Starting a new book. What should the title be?")
}

func (b *Bot) handleDone(ctx context.Context, chatID int64) {
	b.finishSession(ctx, chatID)
}

func (b *Bot) handleCancel(chatID int64) {
	if err := b.sessions.Cancel(chatID); err != nil {
		b.reply(chatID, "No collection in progress.")
		return
	}
	b.reply(chatID, "Collection discarded.")
}

func (b *Bot) handleHistory(ctx context.Context, chatID int64) {
	entries, err := b.store.ListBinds(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if len(entries) == 0 {
		b.reply(chatID, "No books sent yet.")
		return
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for i, e := range entries {
		label := fmt.Sprintf("%d. %s (%d link(s), %s)",
			i+1, e.Title, len(e.URLs), e.SentAt.Format("Jan 2"))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, "vb_"+e.ID),
		))
	}
	b.replyMarkup(chatID, "Your recent books:", tgbotapi.NewInlineKeyboardMarkup(rows...))
}

func (b *Bot) handleWhitelist(ctx context.Context, chatID, userID int64, args string) {
	if userID != b.cfg.AdminUserID {
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
		return
	}

	fields := strings.Fields(args)
	if len(fields) == 0 || fields[0] == "list" {
		ids, err := b.store.ListAllowed(ctx)
		if err != nil {
			b.reply(chatID, fmt.Sprintf("Error: %v", err))
			return
		}
		if len(ids) == 0 {
			b.reply(chatID, "Whitelist is empty.")
			return
		}
		var sb strings.Builder
		sb.WriteString("Whitelisted users:\n")
		for _, id := range ids {
			fmt.Fprintf(&sb, "%d\n", id)
		}
		b.reply(chatID, sb.String())
		return
	}

	if len(fields) != 2 {
		b.reply(chatID, "Usage: /whitelist add|remove <user_id> or /whitelist list")
		return
	}
	target, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Invalid user ID %q.", fields[1]))
		return
	}

	switch fields[0] {
	case "add":
		if err := b.store.Allow(ctx, target); err != nil {
			b.reply(chatID, fmt.Sprintf("Error: %v", err))
			return
		}
		b.reply(chatID, fmt.Sprintf("User %d whitelisted.", target))
	case "remove":
		if err := b.store.Disallow(ctx, target); err != nil {
			b.reply(chatID, fmt.Sprintf("Error: %v", err))
			return
		}
		b.reply(chatID, fmt.Sprintf("User %d removed from the whitelist.", target))
	default:
		b.reply(chatID, "Usage: /whitelist add|remove <user_id> or /whitelist list")
	}
}

// handleText routes plain (non-command) messages: a pending email prompt
// wins, then the collection session dialogue, then bare URLs become an
// immediate single-article send.
func (b *Bot) handleText(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if b.isAwaitingEmail(chatID) {
		b.saveEmail(ctx, chatID, text)
		return
	}

	if sess, ok := b.sessions.Get(chatID); ok {
		switch sess.State {
		case session.StateAwaitingTitle:
			if err := b.sessions.SetTitle(chatID, text); err != nil {
				b.reply(chatID, fmt.Sprintf("Error: %v", err))
				return
			}
			b.reply(chatID, fmt.Sprintf("Building %q. Send me links, then /done when you're finished.", text))
		case session.StateCollectingLinks:
			b.collectURLs(chatID, text)
		}
		return
	}

	urls := ExtractURLs(text)
	if len(urls) == 0 {
		b.reply(chatID, "Send me an article link, or /bind to start a multi-article book.")
		return
	}
	b.sendSingle(ctx, chatID, urls[0])
}

// collectURLs appends the URLs found in a message to the live session.
func (b *Bot) collectURLs(chatID int64, text string) {
	urls := ExtractURLs(text)
	if len(urls) == 0 {
		b.reply(chatID, "That doesn't look like a link. Send a URL, /done to finish, or /cancel to discard.")
		return
	}

	var count int
	for _, u := range urls {
		n, err := b.sessions.AddURL(chatID, u)
		if errors.Is(err, session.ErrSessionFull) {
			b.reply(chatID, fmt.Sprintf("This collection is full (%d links). /done to send it, or /cancel to discard.", session.MaxURLs))
			return
		}
		if err != nil {
			b.reply(chatID, fmt.Sprintf("Error: %v", err))
			return
		}
		count = n
	}
	b.reply(chatID, fmt.Sprintf("Added. %d link(s) so far. /done to finish.", count))
}

// sendSingle builds and delivers a one-article book right away. The build
// runs off the update loop; other conversations stay responsive.
func (b *Bot) sendSingle(ctx context.Context, chatID int64, url string) {
	email, ok := b.requireEmail(ctx, chatID)
	if !ok {
		return
	}
	b.reply(chatID, "Working on it. This can take a minute.")
	go b.deliver(ctx, chatID, email, pipeline.Request{URLs: []string{url}})
}

// finishSession flushes the live collection. The session is cleared only
// after a successful send, so failures leave it intact for retry.
func (b *Bot) finishSession(ctx context.Context, chatID int64) {
	snap, err := b.sessions.Snapshot(chatID)
	if errors.Is(err, session.ErrNoSession) {
		b.reply(chatID, "No collection in progress. /bind to start one.")
		return
	}
	if errors.Is(err, session.ErrNoLinks) {
		b.reply(chatID, "No links collected yet. Send some URLs first.")
		return
	}
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	email, ok := b.requireEmail(ctx, chatID)
	if !ok {
		return
	}

	b.reply(chatID, fmt.Sprintf("Building %q from %d link(s). This can take a minute.", snap.Title, len(snap.URLs)))
	// The flush works on the snapshot off the update loop; the session is
	// cleared only once the send succeeds.
	go func() {
		if b.deliver(ctx, chatID, email, pipeline.Request{URLs: snap.URLs, Title: snap.Title}) {
			b.sessions.Clear(chatID)
		}
	}()
}

// requireEmail fetches the chat's Kindle address, prompting setup if unset.
func (b *Bot) requireEmail(ctx context.Context, chatID int64) (string, bool) {
	email, err := b.store.GetKindleEmail(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return "", false
	}
	if email == "" {
		markup := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Set up email", "setup_email"),
			),
		)
		b.replyMarkup(chatID, "I need your Kindle email address first.", markup)
		return "", false
	}
	return email, true
}

// deliver runs the pipeline and emails the result, recording history on
// success. Returns true when the book was sent.
func (b *Bot) deliver(ctx context.Context, chatID int64, email string, req pipeline.Request) bool {
	res, err := b.builder.Build(ctx, req)
	if err != nil {
		b.reply(chatID, deliveryErrorText(err))
		return false
	}

	body := fmt.Sprintf("Your book %q is attached.", res.Title)
	if err := b.mailer.Send(ctx, email, res.Subject, body, res.Filename, res.Book); err != nil {
		b.log.Error("mail delivery", "chat_id", chatID, "error", err)
		b.reply(chatID, "The book was built but could not be emailed. Check back later or verify your address with /status.")
		return false
	}

	entry := &model.BindEntry{Title: res.Title, URLs: req.URLs}
	if err := b.store.AddBind(ctx, chatID, entry); err != nil {
		b.log.Error("record bind", "chat_id", chatID, "error", err)
	}

	text := fmt.Sprintf("Sent %q to %s.", res.Title, email)
	if n := len(res.FailedURLs); n > 0 {
		text += fmt.Sprintf("\n%d URL(s) could not be fetched and were skipped.", n)
	}
	b.reply(chatID, text)
	return true
}

// deliveryErrorText maps pipeline failures to user-facing messages.
func deliveryErrorText(err error) string {
	var tooLarge *ebook.TooLargeError
	switch {
	case errors.Is(err, pipeline.ErrAllURLsFailed):
		return "None of the links could be fetched. Check the URLs and try again."
	case errors.As(err, &tooLarge):
		return tooLarge.Error()
	}
	return fmt.Sprintf("Something went wrong building the book: %v", err)
}
