// Package ebook combines sanitized articles, a cover, and styling into a
// single EPUB document with a front-matter table of contents.
package ebook

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	gohtml "html"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	epub "github.com/go-shiori/go-epub"

	"github.com/opbenesh/bindery/internal/model"
)

// MaxBytes caps the packaged document size, protecting the email
// transport's attachment limits.
const MaxBytes = 10 * 1024 * 1024

// TooLargeError reports a packaged document over the size cap.
type TooLargeError struct {
	Size int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("EPUB is too large (%.1f MB). Try fewer or shorter articles.",
		float64(e.Size)/1024/1024)
}

// ImageFetcher downloads a single image URL, returning bytes and MIME type.
type ImageFetcher interface {
	FetchImage(ctx context.Context, imgURL string) ([]byte, string, error)
}

// Assembler packages articles into EPUB documents. A nil fetcher disables
// external image embedding (images keep their remote URLs).
type Assembler struct {
	fetcher     ImageFetcher
	log         *slog.Logger
	concurrency int
}

// New creates an Assembler that embeds external images via fetcher.
func New(fetcher ImageFetcher, log *slog.Logger) *Assembler {
	return &Assembler{fetcher: fetcher, log: log, concurrency: 5}
}

// readerCSS is the reading stylesheet baked into every document.
const readerCSS = `body { font-family: Georgia, "Times New Roman", serif; font-size: 1em; line-height: 1.7; color: #1a1a1a; margin: 0; padding: 0; }
p { margin: 0 0 1em 0; orphans: 2; widows: 2; }
h1, h2, h3, h4, h5, h6 { font-family: Georgia, serif; line-height: 1.3; margin: 1.5em 0 0.6em 0; font-weight: bold; }
h1 { font-size: 1.6em; } h2 { font-size: 1.3em; } h3 { font-size: 1.1em; } h4, h5, h6 { font-size: 1em; }
a { color: #1a1a1a; text-decoration: underline; }
blockquote { border-left: 3px solid #999; margin: 1.2em 0; padding: 0.4em 1em; color: #444; font-style: italic; }
img { max-width: 100%; height: auto; display: block; margin: 1em auto; }
figure { margin: 1.5em 0; text-align: center; }
figcaption { font-size: 0.85em; color: #666; font-style: italic; margin-top: 0.4em; }
pre, code { font-family: "Courier New", Courier, monospace; font-size: 0.85em; }
pre { background: #f5f5f5; padding: 0.8em 1em; white-space: pre-wrap; word-wrap: break-word; border-left: 3px solid #ccc; margin: 1em 0; }
code { background: #f0f0f0; padding: 0.1em 0.3em; }
pre code { background: none; padding: 0; }
table { border-collapse: collapse; width: 100%; font-size: 0.9em; margin: 1.2em 0; }
th, td { border: 1px solid #ccc; padding: 0.4em 0.6em; text-align: left; }
th { background: #f5f5f5; font-weight: bold; }
ul, ol { margin: 0.8em 0; padding-left: 1.8em; }
li { margin-bottom: 0.3em; }
.article-meta { font-family: Arial, Helvetica, sans-serif; font-size: 0.85em; color: #666; border-bottom: 1px solid #ddd; padding-bottom: 12px; margin-bottom: 20px; }
.article-source { font-weight: bold; color: #444; }
.article-byline { font-style: italic; margin-top: 3px; }
.article-excerpt { font-size: 1.05em; color: #333; font-style: italic; line-height: 1.6; margin: 0 0 1.5em 0; padding-bottom: 1em; border-bottom: 1px solid #eee; }
.toc { list-style: none; padding: 0; width: 90%; margin: 20px auto; }
.toc li { margin-bottom: 12px; font-family: Arial, sans-serif; font-size: 0.9em; }
.toc a { text-decoration: none; color: #1a1a1a; display: block; }
.toc-author { color: #666; font-size: 0.8em; display: block; margin-top: 2px; }`

// Assemble packages the articles into one EPUB with the given metadata and
// cover, in input order. The cover is written to a transient file that is
// removed once packaging finishes, success or not. Documents exceeding
// MaxBytes fail with TooLargeError and produce no bytes.
func (a *Assembler) Assemble(ctx context.Context, articles []*model.Article, title, author string, coverBytes []byte) ([]byte, error) {
	if len(articles) == 0 {
		return nil, fmt.Errorf("no articles to assemble")
	}

	e, err := epub.NewEpub(title)
	if err != nil {
		return nil, fmt.Errorf("creating epub: %w", err)
	}
	e.SetLang("en")
	e.SetAuthor(author)
	if articles[0].Excerpt != "" {
		e.SetDescription(articles[0].Excerpt)
	}

	cssDataURI := "data:text/css;base64," + base64.StdEncoding.EncodeToString([]byte(readerCSS))
	cssPath, err := e.AddCSS(cssDataURI, "styles.css")
	if err != nil {
		a.log.Warn("could not add CSS", "error", err)
		cssPath = ""
	}

	if len(coverBytes) > 0 {
		// go-epub reads file sources when the document is written, so the
		// temp cover must outlive WriteTo; the defer removes it either way.
		coverFile, err := os.CreateTemp("", "bindery_cover_*.jpg")
		if err != nil {
			return nil, fmt.Errorf("creating cover file: %w", err)
		}
		defer os.Remove(coverFile.Name())
		if _, err := coverFile.Write(coverBytes); err != nil {
			coverFile.Close()
			return nil, fmt.Errorf("writing cover file: %w", err)
		}
		coverFile.Close()

		coverPath, err := e.AddImage(coverFile.Name(), "cover.jpg")
		if err != nil {
			return nil, fmt.Errorf("adding cover image: %w", err)
		}
		if err := e.SetCover(coverPath, ""); err != nil {
			return nil, fmt.Errorf("setting cover: %w", err)
		}
	}

	multi := len(articles) > 1
	tocTitle := "Contents"
	if multi {
		tocTitle = "What's Inside"
	}
	if _, err := e.AddSection(buildTOCBody(articles, tocTitle, multi), tocTitle, "contents.xhtml", cssPath); err != nil {
		a.log.Warn("could not add table of contents", "error", err)
	}

	for i, art := range articles {
		chTitle := chapterTitle(art, i, multi)
		body := buildChapterBody(art, chTitle, multi)
		body = a.embedImages(ctx, e, body, i+1)

		filename := fmt.Sprintf("article%03d.xhtml", i+1)
		if _, err := e.AddSection(body, chTitle, filename, cssPath); err != nil {
			a.log.Warn("could not add section", "title", chTitle, "error", err)
		}
	}

	var buf bytes.Buffer
	if _, err := e.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("writing epub: %w", err)
	}
	if int64(buf.Len()) > MaxBytes {
		return nil, &TooLargeError{Size: int64(buf.Len())}
	}
	return buf.Bytes(), nil
}

// chapterTitle numbers chapters with a two-digit prefix in multi-article
// documents; single-article documents use the bare title.
func chapterTitle(art *model.Article, idx int, multi bool) string {
	title := art.Title
	if title == "" {
		title = fmt.Sprintf("Article %d", idx+1)
	}
	if multi {
		return fmt.Sprintf("%02d. %s", idx+1, title)
	}
	return title
}

// buildChapterBody prefixes the sanitized content with a source metadata
// block and the article excerpt. Multi-article documents also prepend the
// chapter title as a heading.
func buildChapterBody(art *model.Article, chTitle string, multi bool) string {
	var b strings.Builder

	if multi {
		fmt.Fprintf(&b, "<h1>%s</h1>\n", gohtml.EscapeString(chTitle))
	}

	source := art.SiteName
	if source == "" {
		source = hostOf(art.SourceURL)
	}
	datePart := time.Now().Format("January 2, 2006")
	metaLine := datePart
	if source != "" {
		metaLine = source + " · " + datePart
	}

	b.WriteString(`<div class="article-meta">` + "\n")
	fmt.Fprintf(&b, `<span class="article-source">%s</span>`+"\n", gohtml.EscapeString(metaLine))
	if art.Byline != "" {
		fmt.Fprintf(&b, `<div class="article-byline">By %s</div>`+"\n", gohtml.EscapeString(art.Byline))
	}
	b.WriteString("</div>\n")

	if art.Excerpt != "" {
		fmt.Fprintf(&b, `<p class="article-excerpt">%s</p>`+"\n", gohtml.EscapeString(art.Excerpt))
	}

	b.WriteString(art.ContentHTML)
	return b.String()
}

// buildTOCBody generates the front-matter table of contents: a linked list
// of chapters with their authors.
func buildTOCBody(articles []*model.Article, tocTitle string, multi bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h1>%s</h1>\n<ol class=\"toc\">\n", gohtml.EscapeString(tocTitle))
	for i, art := range articles {
		filename := fmt.Sprintf("article%03d.xhtml", i+1)
		b.WriteString("<li>\n")
		fmt.Fprintf(&b, `<a href="%s">%s</a>`+"\n", filename, gohtml.EscapeString(chapterTitle(art, i, multi)))
		author := art.Byline
		if author == "" {
			author = art.SiteName
		}
		if author != "" {
			fmt.Fprintf(&b, `<span class="toc-author">%s</span>`+"\n", gohtml.EscapeString(author))
		}
		b.WriteString("</li>\n")
	}
	b.WriteString("</ol>\n")
	return b.String()
}

// hostOf returns the hostname of a URL, or "" if it does not parse.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
