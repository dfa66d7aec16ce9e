package ebook

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"testing"

	"github.com/opbenesh/bindery/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testArticles(n int) []*model.Article {
	titles := []string{"First Article", "Second Article", "Third Article"}
	var articles []*model.Article
	for i := 0; i < n; i++ {
		articles = append(articles, &model.Article{
			Title:       titles[i],
			Byline:      "Author " + titles[i],
			SiteName:    "example.com",
			Excerpt:     "An excerpt for " + titles[i] + ".",
			ContentHTML: "<p>Body of " + titles[i] + ".</p>",
			SourceURL:   "https://example.com/" + titles[i],
		})
	}
	return articles
}

// epubFile extracts one file from the packaged document by path suffix.
func epubFile(t *testing.T, book []byte, suffix string) string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(book), int64(len(book)))
	if err != nil {
		t.Fatalf("output is not a zip archive: %v", err)
	}
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, suffix) {
			rc, err := f.Open()
			if err != nil {
				t.Fatalf("open %s: %v", f.Name, err)
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("read %s: %v", f.Name, err)
			}
			return string(data)
		}
	}
	t.Fatalf("no file matching %q in archive", suffix)
	return ""
}

func TestAssembleMultiArticle(t *testing.T) {
	a := New(nil, testLogger())
	book, err := a.Assemble(context.Background(), testArticles(2), "My Bundle", "Various", nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	toc := epubFile(t, book, "contents.xhtml")
	if !strings.Contains(toc, "What&#39;s Inside") && !strings.Contains(toc, "What's Inside") {
		t.Errorf("multi-article TOC should be titled What's Inside:\n%s", toc)
	}
	if !strings.Contains(toc, "01. First Article") || !strings.Contains(toc, "02. Second Article") {
		t.Errorf("TOC should list numbered chapters:\n%s", toc)
	}

	ch1 := epubFile(t, book, "article001.xhtml")
	if !strings.Contains(ch1, "01. First Article") {
		t.Errorf("first chapter should carry its numbered heading:\n%s", ch1)
	}
	if !strings.Contains(ch1, "Body of First Article") {
		t.Errorf("first chapter missing its body:\n%s", ch1)
	}

	ch2 := epubFile(t, book, "article002.xhtml")
	if !strings.Contains(ch2, "Body of Second Article") {
		t.Errorf("chapter order broken, article002 content:\n%s", ch2)
	}
}

func TestAssembleSingleArticle(t *testing.T) {
	a := New(nil, testLogger())
	book, err := a.Assemble(context.Background(), testArticles(1), "First Article", "Author", nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	toc := epubFile(t, book, "contents.xhtml")
	if !strings.Contains(toc, "Contents") {
		t.Errorf("single-article TOC should be titled Contents:\n%s", toc)
	}
	if strings.Contains(toc, "01.") {
		t.Errorf("single-article document should not number chapters:\n%s", toc)
	}

	ch := epubFile(t, book, "article001.xhtml")
	if strings.Contains(ch, "<h1>01.") {
		t.Errorf("single-article chapter should not prepend a numbered heading:\n%s", ch)
	}
	if !strings.Contains(ch, "By Author First Article") {
		t.Errorf("chapter should carry the byline:\n%s", ch)
	}
}

func TestAssembleWithCover(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4)), nil); err != nil {
		t.Fatalf("encode test cover: %v", err)
	}

	a := New(nil, testLogger())
	book, err := a.Assemble(context.Background(), testArticles(1), "T", "A", buf.Bytes())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(book), int64(len(book)))
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	found := false
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "cover.jpg") {
			found = true
		}
	}
	if !found {
		t.Error("cover.jpg missing from archive")
	}
}

func TestAssembleNoArticles(t *testing.T) {
	a := New(nil, testLogger())
	if _, err := a.Assemble(context.Background(), nil, "T", "A", nil); err == nil {
		t.Fatal("expected error for empty article list")
	}
}

func TestAssembleTooLarge(t *testing.T) {
	// Random base64 text barely compresses, so 16 MiB of it stays over the
	// 10 MiB output cap.
	raw := make([]byte, 12*1024*1024)
	rnd := rand.New(rand.NewSource(1))
	rnd.Read(raw)
	big := base64.StdEncoding.EncodeToString(raw)

	articles := []*model.Article{{
		Title:       "Big",
		ContentHTML: "<p>" + big + "</p>",
		SourceURL:   "https://example.com/big",
	}}

	a := New(nil, testLogger())
	_, err := a.Assemble(context.Background(), articles, "Big", "A", nil)

	var tooLarge *TooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected TooLargeError, got %v", err)
	}
	if !strings.Contains(tooLarge.Error(), "too large") {
		t.Errorf("unexpected message: %s", tooLarge.Error())
	}
}

type fakeImageFetcher struct {
	data []byte
	mime string
	err  error
}

func (f *fakeImageFetcher) FetchImage(_ context.Context, _ string) ([]byte, string, error) {
	return f.data, f.mime, f.err
}

func TestAssembleEmbedsImages(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8)), nil); err != nil {
		t.Fatalf("encode test image: %v", err)
	}

	articles := []*model.Article{{
		Title:       "Pictures",
		ContentHTML: `<p>text</p><img src="https://cdn.example.com/photo.jpg" alt=""/>`,
		SourceURL:   "https://example.com/pictures",
	}}

	a := New(&fakeImageFetcher{data: buf.Bytes(), mime: "image/jpeg"}, testLogger())
	book, err := a.Assemble(context.Background(), articles, "Pictures", "A", nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	ch := epubFile(t, book, "article001.xhtml")
	if strings.Contains(ch, "https://cdn.example.com/photo.jpg") {
		t.Errorf("remote image URL should be rewritten:\n%s", ch)
	}
	if !strings.Contains(ch, "ch001_img000") {
		t.Errorf("chapter should reference the embedded image:\n%s", ch)
	}
}

func TestAssembleKeepsURLOnFetchFailure(t *testing.T) {
	articles := []*model.Article{{
		Title:       "Pictures",
		ContentHTML: `<img src="https://cdn.example.com/gone.jpg" alt=""/>`,
		SourceURL:   "https://example.com/pictures",
	}}

	a := New(&fakeImageFetcher{err: errors.New("boom")}, testLogger())
	book, err := a.Assemble(context.Background(), articles, "Pictures", "A", nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	ch := epubFile(t, book, "article001.xhtml")
	if !strings.Contains(ch, "https://cdn.example.com/gone.jpg") {
		t.Errorf("failed image should keep its original URL:\n%s", ch)
	}
}

func TestChapterTitle(t *testing.T) {
	art := &model.Article{Title: "Named"}
	if got := chapterTitle(art, 0, true); got != "01. Named" {
		t.Errorf("multi chapterTitle = %q", got)
	}
	if got := chapterTitle(art, 0, false); got != "Named" {
		t.Errorf("single chapterTitle = %q", got)
	}
	if got := chapterTitle(&model.Article{}, 2, true); got != "03. Article 3" {
		t.Errorf("untitled chapterTitle = %q", got)
	}
}

func TestOptimizeImageDownscales(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1600, 400)), nil); err != nil {
		t.Fatalf("encode: %v", err)
	}

	data, mime := optimizeImage(buf.Bytes(), "image/jpeg")
	if mime != "image/jpeg" {
		t.Fatalf("mime = %q", mime)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode optimized image: %v", err)
	}
	if w := img.Bounds().Dx(); w != 800 {
		t.Errorf("width = %d, want 800", w)
	}
	if h := img.Bounds().Dy(); h != 200 {
		t.Errorf("height = %d, want 200", h)
	}
}

func TestOptimizeImagePassThrough(t *testing.T) {
	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg"/>`)
	data, mime := optimizeImage(svg, "image/svg+xml")
	if mime != "image/svg+xml" || !bytes.Equal(data, svg) {
		t.Error("SVG should pass through untouched")
	}

	junk := []byte("not an image")
	data, mime = optimizeImage(junk, "image/jpeg")
	if mime != "image/jpeg" || !bytes.Equal(data, junk) {
		t.Error("undecodable input should pass through untouched")
	}
}
