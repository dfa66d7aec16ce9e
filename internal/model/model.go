// Package model holds the data types shared across the pipeline and storage.
package model

import "time"

// Article is the readable content extracted from one URL. It is immutable
// after extraction; the sanitizer replaces ContentHTML with a rewritten,
// self-contained fragment before assembly.
type Article struct {
	Title       string
	Byline      string
	SiteName    string
	Excerpt     string
	ContentHTML string
	SourceURL   string
}

// BindEntry is one past collection in a chat's history. Histories are kept
// most-recent-first and capped at 20 entries per chat.
type BindEntry struct {
	ID     string
	Title  string
	URLs   []string
	SentAt time.Time
}
