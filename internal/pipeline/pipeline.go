// Package pipeline orchestrates a send operation: each URL passes through
// the guard, fetcher, extractor, and sanitizer; the survivors are packaged
// into one EPUB with a rendered cover. URLs are processed in parallel but
// chapters keep the submission order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"unicode"

	"github.com/opbenesh/bindery/internal/cover"
	"github.com/opbenesh/bindery/internal/ebook"
	"github.com/opbenesh/bindery/internal/extract"
	"github.com/opbenesh/bindery/internal/fetch"
	"github.com/opbenesh/bindery/internal/model"
	"github.com/opbenesh/bindery/internal/sanitize"
	"github.com/opbenesh/bindery/internal/urlcheck"
)

// ErrAllURLsFailed means not a single submitted URL produced an article.
var ErrAllURLsFailed = errors.New("no articles could be fetched")

const (
	fallbackTitle  = "Untitled"
	fallbackAuthor = "Unknown"
	multiTitle     = "Combined Articles"
)

// Request describes one send operation. Title and Author are optional user
// overrides; empty values fall back to article metadata.
type Request struct {
	URLs   []string
	Title  string
	Author string
}

// Result is a packaged book ready for delivery. FailedURLs lists the inputs
// that were skipped; it is non-empty only on partial success.
type Result struct {
	Book       []byte
	Filename   string
	Title      string
	Subject    string
	FailedURLs []string
}

// Builder runs send operations. Each Build call owns its state end-to-end;
// a Builder is safe for concurrent use.
type Builder struct {
	fetcher     *fetch.Fetcher
	assembler   *ebook.Assembler
	log         *slog.Logger
	concurrency int
}

// New creates a Builder processing up to 5 URLs concurrently.
func New(fetcher *fetch.Fetcher, assembler *ebook.Assembler, log *slog.Logger) *Builder {
	return &Builder{
		fetcher:     fetcher,
		assembler:   assembler,
		log:         log,
		concurrency: 5,
	}
}

// processURL fetches one URL and runs the article pipeline.
func (b *Builder) processURL(ctx context.Context, rawURL string) (*model.Article, error) {
	if err := urlcheck.Validate(rawURL); err != nil {
		return nil, err
	}

	htmlBytes, pageURL, err := b.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	art, err := extract.Article(htmlBytes, pageURL)
	if err != nil {
		return nil, err
	}

	art.ContentHTML = sanitize.Rewrite(art.ContentHTML, pageURL)
	return art, nil
}

// Build runs the full send operation for req and returns the packaged book.
// Partial failures are tolerated: the book is built from the URLs that
// succeeded and the rest are reported in Result.FailedURLs. Only when every
// URL fails does Build return ErrAllURLsFailed.
func (b *Builder) Build(ctx context.Context, req Request) (*Result, error) {
	if len(req.URLs) == 0 {
		return nil, ErrAllURLsFailed
	}

	results := make([]*model.Article, len(req.URLs))
	var wg sync.WaitGroup
	sem := make(chan struct{}, b.concurrency)

	for i, rawURL := range req.URLs {
		wg.Add(1)
		go func(i int, rawURL string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			b.log.Info("processing URL", "index", i+1, "total", len(req.URLs), "url", rawURL)
			art, err := b.processURL(ctx, rawURL)
			if err != nil {
				b.log.Warn("skipping URL", "url", rawURL, "error", err)
				return
			}
			results[i] = art
		}(i, rawURL)
	}
	wg.Wait()

	var articles []*model.Article
	var failed []string
	for i, art := range results {
		if art == nil {
			failed = append(failed, req.URLs[i])
			continue
		}
		articles = append(articles, art)
	}
	if len(articles) == 0 {
		return nil, ErrAllURLsFailed
	}

	title := resolveTitle(req.Title, articles)
	author := resolveAuthor(req.Author, articles[0])

	coverBytes, err := cover.Render(title, author)
	if err != nil {
		b.log.Warn("could not render cover", "error", err)
		coverBytes = nil
	}

	book, err := b.assembler.Assemble(ctx, articles, title, author, coverBytes)
	if err != nil {
		return nil, fmt.Errorf("assembling book: %w", err)
	}

	subject := "Article: " + title
	if len(articles) > 1 {
		subject = "Bundle: " + title
	}

	return &Result{
		Book:       book,
		Filename:   safeFilename(title) + ".epub",
		Title:      title,
		Subject:    subject,
		FailedURLs: failed,
	}, nil
}

// resolveTitle picks the book title: user override, then a generic label for
// multi-article books, then the first article's title, then a fallback.
func resolveTitle(override string, articles []*model.Article) string {
	if override != "" {
		return override
	}
	if len(articles) > 1 {
		return multiTitle
	}
	if t := articles[0].Title; t != "" {
		return t
	}
	return fallbackTitle
}

// resolveAuthor picks the book author: user override, first article's
// byline, its site name, the source hostname, then a fallback.
func resolveAuthor(override string, first *model.Article) string {
	if override != "" {
		return override
	}
	if first.Byline != "" {
		return first.Byline
	}
	if first.SiteName != "" {
		return first.SiteName
	}
	if u, err := url.Parse(first.SourceURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return fallbackAuthor
}

// safeFilename lowercases the title and replaces every non-alphanumeric
// character with an underscore.
func safeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
