// Package session tracks per-conversation multi-URL collections. A session
// is a small state machine: created awaiting a title, then collecting links
// until finished, cancelled, or expired. The store is the only shared state
// between conversations and is guarded by one mutex.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the collection session state.
type State int

const (
	// StateAwaitingTitle means the session was just started and the next
	// non-command text becomes the book title.
	StateAwaitingTitle State = iota
	// StateCollectingLinks means the title is set and URLs are accumulating.
	StateCollectingLinks
)

const (
	// MaxURLs caps how many URLs a session can hold.
	MaxURLs = 20
	// TTL is how long a session lives from creation before the sweeper
	// removes it.
	TTL = time.Hour
	// sweepInterval is how often expired sessions are collected.
	sweepInterval = 10 * time.Minute
)

var (
	// ErrSessionExists means a collection is already in progress.
	ErrSessionExists = errors.New("a collection is already in progress")
	// ErrNoSession means no collection is in progress.
	ErrNoSession = errors.New("no collection in progress")
	// ErrNoLinks means finish was requested on an empty session.
	ErrNoLinks = errors.New("no links collected yet")
	// ErrSessionFull means the session already holds MaxURLs URLs.
	ErrSessionFull = errors.New("session is full")
)

// Session is one conversation's in-progress collection. Fields are owned by
// the Store; callers receive copies via Get and Snapshot.
type Session struct {
	State     State
	Title     string
	URLs      []string
	CreatedAt time.Time
}

// Snapshot is an immutable copy of a session's content, taken at finish
// time so the flush works on data the sweeper cannot touch.
type Snapshot struct {
	Title string
	URLs  []string
}

// Store holds the active sessions keyed by conversation ID.
type Store struct {
	mu         sync.Mutex
	sessions   map[int64]*Session
	now        func() time.Time
	sweepEvery time.Duration
}

// NewStore creates an empty session store using the real clock.
func NewStore() *Store {
	return &Store{
		sessions:   make(map[int64]*Session),
		now:        time.Now,
		sweepEvery: sweepInterval,
	}
}

// SetClock overrides the store's clock. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Start creates a session in AwaitingTitle. An existing live session is
// never overwritten; Start fails with ErrSessionExists instead.
func (s *Store) Start(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[chatID]; ok && !s.expired(sess) {
		return ErrSessionExists
	}
	s.sessions[chatID] = &Session{
		State:     StateAwaitingTitle,
		CreatedAt: s.now(),
	}
	return nil
}

// Seed creates a session already in CollectingLinks with a title and URL
// list, as used by resend/extend from history. The URL list is truncated to
// MaxURLs. An existing live session blocks seeding.
func (s *Store) Seed(chatID int64, title string, urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[chatID]; ok && !s.expired(sess) {
		return ErrSessionExists
	}
	if len(urls) > MaxURLs {
		urls = urls[:MaxURLs]
	}
	s.sessions[chatID] = &Session{
		State:     StateCollectingLinks,
		Title:     title,
		URLs:      append([]string(nil), urls...),
		CreatedAt: s.now(),
	}
	return nil
}

// Get returns a copy of the live session for chatID, or false if none.
func (s *Store) Get(chatID int64) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live(chatID)
	if !ok {
		return Session{}, false
	}
	cp := *sess
	cp.URLs = append([]string(nil), sess.URLs...)
	return cp, true
}

// SetTitle records the title and moves the session to CollectingLinks.
func (s *Store) SetTitle(chatID int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live(chatID)
	if !ok {
		return ErrNoSession
	}
	sess.Title = title
	sess.State = StateCollectingLinks
	return nil
}

// AddURL appends a URL to a collecting session. Returns the new count. A
// full session rejects the URL with ErrSessionFull and keeps exactly
// MaxURLs.
func (s *Store) AddURL(chatID int64, url string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live(chatID)
	if !ok {
		return 0, ErrNoSession
	}
	if len(sess.URLs) >= MaxURLs {
		return len(sess.URLs), ErrSessionFull
	}
	sess.URLs = append(sess.URLs, url)
	return len(sess.URLs), nil
}

// Snapshot copies a session's content for flushing. The session stays in
// the store; callers Clear it only after the send succeeds, so a failed
// flush leaves the collection intact.
func (s *Store) Snapshot(chatID int64) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live(chatID)
	if !ok {
		return Snapshot{}, ErrNoSession
	}
	if len(sess.URLs) == 0 {
		return Snapshot{}, ErrNoLinks
	}
	return Snapshot{
		Title: sess.Title,
		URLs:  append([]string(nil), sess.URLs...),
	}, nil
}

// Clear removes the session after a successful flush.
func (s *Store) Clear(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, chatID)
}

// Cancel discards the session. Returns ErrNoSession if none was live.
func (s *Store) Cancel(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(chatID); !ok {
		return ErrNoSession
	}
	delete(s.sessions, chatID)
	return nil
}

// Sweep removes expired sessions and returns the conversation IDs that were
// swept.
func (s *Store) Sweep() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var swept []int64
	for chatID, sess := range s.sessions {
		if s.expired(sess) {
			delete(s.sessions, chatID)
			swept = append(swept, chatID)
		}
	}
	return swept
}

// Run silently reclaims expired sessions every 10 minutes until ctx is
// cancelled. Expiry produces no side effect beyond the removal.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// live returns the session for chatID if present and not expired. Expired
// sessions are removed eagerly so reads never observe them.
func (s *Store) live(chatID int64) (*Session, bool) {
	sess, ok := s.sessions[chatID]
	if !ok {
		return nil, false
	}
	if s.expired(sess) {
		delete(s.sessions, chatID)
		return nil, false
	}
	return sess, true
}

func (s *Store) expired(sess *Session) bool {
	return s.now().Sub(sess.CreatedAt) >= TTL
}
