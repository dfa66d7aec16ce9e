package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/opbenesh/bindery/internal/config"
	"github.com/opbenesh/bindery/internal/pipeline"
	"github.com/opbenesh/bindery/internal/session"
	"github.com/opbenesh/bindery/internal/storage"
)

// --- mocks ---

type sentMsg struct {
	ChatID int64
	Text   string
}

type mockAPI struct {
	mu      sync.Mutex
	sent    []sentMsg
	updates chan tgbotapi.Update
}

func (m *mockAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.mu.Lock()
		m.sent = append(m.sent, sentMsg{ChatID: msg.ChatID, Text: msg.Text})
		m.mu.Unlock()
	}
	return tgbotapi.Message{}, nil
}

func (m *mockAPI) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	if m.updates != nil {
		return m.updates
	}
	return make(tgbotapi.UpdatesChannel)
}

func (m *mockAPI) StopReceivingUpdates() {}

func (m *mockAPI) lastText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1].Text
}

func (m *mockAPI) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type mockMailer struct {
	mu    sync.Mutex
	sends []string
	err   error
}

func (m *mockMailer) Send(_ context.Context, to, subject, body, filename string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sends = append(m.sends, to)
	return nil
}

// slowBuilder blocks inside Build until released, so tests can observe what
// the bot does while a build is in flight.
type slowBuilder struct {
	started chan struct{}
	release chan struct{}
}

func (s *slowBuilder) Build(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	close(s.started)
	<-s.release
	return &pipeline.Result{
		Book:     []byte("book"),
		Filename: "book.epub",
		Title:    req.Title,
		Subject:  "Bundle: " + req.Title,
	}, nil
}

// --- helpers ---

func newTestBot(t *testing.T) (*Bot, *mockAPI, *storage.SQLite) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	api := &mockAPI{}
	cfg := &config.Config{AdminUserID: 999}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := newBot(api, store, cfg, session.NewStore(), nil, &mockMailer{}, log)
	return b, api, store
}

func textMessage(chatID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: chatID},
		From: &tgbotapi.User{ID: chatID},
		Text: text,
	}
}

// --- tests ---

func TestSetEmailFlow(t *testing.T) {
	b, api, store := newTestBot(t)
	ctx := context.Background()

	// Prompted path: /setemail with no args waits for the next message.
	b.handleSetEmail(ctx, 1, "")
	if !strings.Contains(api.lastText(), "email address") {
		t.Fatalf("expected prompt, got %q", api.lastText())
	}

	b.handleText(ctx, textMessage(1, "reader@kindle.com"))
	if !strings.Contains(api.lastText(), "reader@kindle.com") {
		t.Fatalf("expected confirmation, got %q", api.lastText())
	}

	email, _ := store.GetKindleEmail(ctx, 1)
	if email != "reader@kindle.com" {
		t.Errorf("stored email = %q", email)
	}
	if b.isAwaitingEmail(1) {
		t.Error("awaiting-email state should be cleared")
	}
}

func TestSetEmailRejectsGarbage(t *testing.T) {
	b, api, store := newTestBot(t)
	ctx := context.Background()

	b.handleSetEmail(ctx, 1, "not-an-address")
	if !strings.Contains(api.lastText(), "doesn't look like an email") {
		t.Fatalf("expected rejection, got %q", api.lastText())
	}
	if email, _ := store.GetKindleEmail(ctx, 1); email != "" {
		t.Errorf("garbage was stored: %q", email)
	}
}

func TestUnsetEmail(t *testing.T) {
	b, _, store := newTestBot(t)
	ctx := context.Background()

	store.SetKindleEmail(ctx, 1, "reader@kindle.com")
	b.handleUnsetEmail(ctx, 1)
	if email, _ := store.GetKindleEmail(ctx, 1); email != "" {
		t.Errorf("email survived unset: %q", email)
	}
}

func TestBindDialogue(t *testing.T) {
	b, api, _ := newTestBot(t)
	ctx := context.Background()

	b.handleBind(1)
	if !strings.Contains(api.lastText(), "title") {
		t.Fatalf("expected title prompt, got %q", api.lastText())
	}

	// First non-command message becomes the title.
	b.handleText(ctx, textMessage(1, "Weekend Reading"))
	if !strings.Contains(api.lastText(), "Weekend Reading") {
		t.Fatalf("expected title confirmation, got %q", api.lastText())
	}

	// URLs accumulate.
	b.handleText(ctx, textMessage(1, "https://a.test/article"))
	if !strings.Contains(api.lastText(), "1 link(s)") {
		t.Fatalf("expected link count, got %q", api.lastText())
	}
	b.handleText(ctx, textMessage(1, "https://b.test/article"))
	if !strings.Contains(api.lastText(), "2 link(s)") {
		t.Fatalf("expected link count, got %q", api.lastText())
	}

	// Non-URL text during collection is called out.
	b.handleText(ctx, textMessage(1, "how do I do this"))
	if !strings.Contains(api.lastText(), "doesn't look like a link") {
		t.Fatalf("expected nudge, got %q", api.lastText())
	}

	sess, ok := b.sessions.Get(1)
	if !ok || len(sess.URLs) != 2 || sess.Title != "Weekend Reading" {
		t.Fatalf("session state: %+v ok=%v", sess, ok)
	}
}

func TestBindDoesNotOverwrite(t *testing.T) {
	b, api, _ := newTestBot(t)
	ctx := context.Background()

	b.handleBind(1)
	b.handleText(ctx, textMessage(1, "Title"))
	b.handleText(ctx, textMessage(1, "https://a.test"))

	b.handleBind(1)
	if !strings.Contains(api.lastText(), "already have a collection") {
		t.Fatalf("expected re-offer, got %q", api.lastText())
	}
	sess, _ := b.sessions.Get(1)
	if len(sess.URLs) != 1 {
		t.Errorf("session was disturbed: %+v", sess)
	}
}

func TestCancelDiscards(t *testing.T) {
	b, api, _ := newTestBot(t)
	ctx := context.Background()

	b.handleCancel(1)
	if !strings.Contains(api.lastText(), "No collection") {
		t.Fatalf("expected no-session notice, got %q", api.lastText())
	}

	b.handleBind(1)
	b.handleText(ctx, textMessage(1, "Title"))
	b.handleCancel(1)
	if _, ok := b.sessions.Get(1); ok {
		t.Error("session should be gone after cancel")
	}
}

func TestCapacityNotice(t *testing.T) {
	b, api, _ := newTestBot(t)
	ctx := context.Background()

	b.handleBind(1)
	b.handleText(ctx, textMessage(1, "Big Book"))
	for i := 0; i < session.MaxURLs; i++ {
		b.sessions.AddURL(1, "https://a.test")
	}

	b.handleText(ctx, textMessage(1, "https://one-more.test"))
	if !strings.Contains(api.lastText(), "full") {
		t.Fatalf("expected capacity notice, got %q", api.lastText())
	}
	sess, _ := b.sessions.Get(1)
	if len(sess.URLs) != session.MaxURLs {
		t.Errorf("session holds %d URLs, want %d", len(sess.URLs), session.MaxURLs)
	}
}

func TestDoneWithoutSession(t *testing.T) {
	b, api, _ := newTestBot(t)
	b.handleDone(context.Background(), 1)
	if !strings.Contains(api.lastText(), "No collection") {
		t.Fatalf("expected no-session notice, got %q", api.lastText())
	}
}

func TestDoneWithoutLinks(t *testing.T) {
	b, api, _ := newTestBot(t)
	ctx := context.Background()

	b.handleBind(1)
	b.handleText(ctx, textMessage(1, "Empty Book"))
	b.handleDone(ctx, 1)
	if !strings.Contains(api.lastText(), "No links") {
		t.Fatalf("expected no-links notice, got %q", api.lastText())
	}
	if _, ok := b.sessions.Get(1); !ok {
		t.Error("failed finish should leave the session intact")
	}
}

func TestSingleURLRequiresEmail(t *testing.T) {
	b, api, _ := newTestBot(t)
	b.handleText(context.Background(), textMessage(1, "https://a.test/article"))
	if !strings.Contains(api.lastText(), "email address first") {
		t.Fatalf("expected email setup prompt, got %q", api.lastText())
	}
}

func TestWhitelistGate(t *testing.T) {
	b, api, store := newTestBot(t)
	ctx := context.Background()

	// Admin passes without a whitelist entry.
	if !b.allowed(999, 999) {
		t.Error("admin should always be allowed")
	}

	// Unknown user is denied with a reply, then silently after 3 attempts.
	for i := 0; i < maxDeniedReplies; i++ {
		if b.allowed(50, 50) {
			t.Fatal("unlisted user should be denied")
		}
	}
	replies := api.count()
	if replies != maxDeniedReplies {
		t.Fatalf("denial replies = %d, want %d", replies, maxDeniedReplies)
	}
	if b.allowed(50, 50) {
		t.Fatal("still denied")
	}
	if api.count() != replies {
		t.Error("4th denial should be silent")
	}

	// Whitelisted user passes.
	store.Allow(ctx, 60)
	if !b.allowed(60, 60) {
		t.Error("whitelisted user should be allowed")
	}
}

func TestWhitelistCommandAdminOnly(t *testing.T) {
	b, api, store := newTestBot(t)
	ctx := context.Background()

	b.handleWhitelist(ctx, 1, 1, "add 123")
	if !strings.Contains(api.lastText(), "Unknown command") {
		t.Fatalf("non-admin should see unknown command, got %q", api.lastText())
	}

	b.handleWhitelist(ctx, 999, 999, "add 123")
	if ok, _ := store.IsAllowed(ctx, 123); !ok {
		t.Error("admin add should whitelist the user")
	}

	b.handleWhitelist(ctx, 999, 999, "remove 123")
	if ok, _ := store.IsAllowed(ctx, 123); ok {
		t.Error("admin remove should drop the user")
	}
}

func TestStatus(t *testing.T) {
	b, api, store := newTestBot(t)
	ctx := context.Background()

	b.handleStatus(ctx, 1)
	if !strings.Contains(api.lastText(), "not set") {
		t.Fatalf("expected unset email notice, got %q", api.lastText())
	}

	store.SetKindleEmail(ctx, 1, "reader@kindle.com")
	b.handleBind(1)
	b.handleText(ctx, textMessage(1, "In Progress"))
	b.handleText(ctx, textMessage(1, "https://a.test"))

	b.handleStatus(ctx, 1)
	last := api.lastText()
	if !strings.Contains(last, "reader@kindle.com") || !strings.Contains(last, "In Progress") {
		t.Fatalf("status should show email and collection, got %q", last)
	}
}

func TestDoneDoesNotBlockOtherChats(t *testing.T) {
	b, api, store := newTestBot(t)
	ctx := context.Background()

	sb := &slowBuilder{started: make(chan struct{}), release: make(chan struct{})}
	b.builder = sb

	store.SetKindleEmail(ctx, 1, "reader@kindle.com")
	b.handleBind(1)
	b.handleText(ctx, textMessage(1, "Slow Build"))
	b.handleText(ctx, textMessage(1, "https://a.test/article"))

	// handleDone returns while the build is still in flight.
	b.handleDone(ctx, 1)
	<-sb.started

	// Another conversation is served during the build.
	b.handleCancel(2)
	if !strings.Contains(api.lastText(), "No collection") {
		t.Fatalf("other chat was not served during build, got %q", api.lastText())
	}

	close(sb.release)

	// The session is cleared once delivery completes.
	deadline := time.After(2 * time.Second)
	for {
		if _, ok := b.sessions.Get(1); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("session was not cleared after delivery")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if !strings.Contains(api.lastText(), "Sent") {
		t.Errorf("expected delivery confirmation, got %q", api.lastText())
	}
}

func TestRunSkipsCallbackWithoutMessage(t *testing.T) {
	b, api, _ := newTestBot(t)
	api.updates = make(chan tgbotapi.Update, 2)

	// Telegram sends callbacks for old messages with a nil Message.
	api.updates <- tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "stale",
		From: &tgbotapi.User{ID: 999},
		Data: "show_help",
	}}
	api.updates <- tgbotapi.Update{Message: textMessage(999, "hello")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	// The loop survives the stale callback and handles the next update.
	deadline := time.After(2 * time.Second)
	for api.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("update after stale callback was never handled")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if !strings.Contains(api.lastText(), "article link") {
		t.Errorf("unexpected reply %q", api.lastText())
	}

	cancel()
	<-done
}

func TestDeliveryErrorText(t *testing.T) {
	if got := deliveryErrorText(pipeline.ErrAllURLsFailed); !strings.Contains(got, "None of the links") {
		t.Errorf("all-failed message = %q", got)
	}
	if got := deliveryErrorText(errors.New("weird")); !strings.Contains(got, "weird") {
		t.Errorf("generic message should carry the cause, got %q", got)
	}
}
