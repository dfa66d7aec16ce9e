// External image embedding and optimization for EPUB chapters. Remote
// images are downloaded, downscaled and JPEG-encoded for e-readers, then
// registered with the epub so chapters render offline.
package ebook

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	gohtml "html"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	_ "image/png"
	"math"
	"regexp"
	"strings"
	"sync"

	epub "github.com/go-shiori/go-epub"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	imgMaxWidth    = 800
	imgJPEGQuality = 60
)

// extImgRe matches <img ... src="https://..."> (external URL images).
var extImgRe = regexp.MustCompile(`(<img\b[^>]*?\bsrc\s*=\s*")(https?://[^"]+)(")`)

// embedImages downloads the external images referenced in a chapter body,
// optimizes them, and rewrites their src attributes to internal epub paths.
// Failed downloads leave the original URL in place.
func (a *Assembler) embedImages(ctx context.Context, e *epub.Epub, body string, chapterIdx int) string {
	if a.fetcher == nil {
		return body
	}
	matches := extImgRe.FindAllStringSubmatchIndex(body, -1)
	if len(matches) == 0 {
		return body
	}

	// Fetch all images concurrently, bounded by a semaphore.
	type fetchResult struct {
		mime string
		data []byte
	}
	results := make([]fetchResult, len(matches))
	var wg sync.WaitGroup
	sem := make(chan struct{}, a.concurrency)

	for i, m := range matches {
		imgURL := gohtml.UnescapeString(body[m[4]:m[5]])
		wg.Add(1)
		go func(i int, imgURL string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			data, mime, err := a.fetcher.FetchImage(ctx, imgURL)
			if err != nil {
				a.log.Warn("could not fetch image", "url", imgURL, "error", err)
				return
			}
			results[i] = fetchResult{mime: mime, data: data}
		}(i, imgURL)
	}
	wg.Wait()

	// Rebuild the body, registering fetched images with the epub.
	var out strings.Builder
	prev := 0
	imgIdx := 0
	for i, m := range matches {
		out.WriteString(body[prev:m[0]])
		res := results[i]
		if res.data == nil {
			out.WriteString(body[m[0]:m[1]])
			prev = m[1]
			continue
		}

		data, mime := optimizeImage(res.data, res.mime)
		filename := fmt.Sprintf("ch%03d_img%03d%s", chapterIdx, imgIdx, extForMIME(mime))
		imgIdx++

		dataURI := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
		internalPath, err := e.AddImage(dataURI, filename)
		if err != nil {
			a.log.Warn("could not add image", "file", filename, "error", err)
			out.WriteString(body[m[0]:m[1]])
			prev = m[1]
			continue
		}

		out.WriteString(body[m[2]:m[3]]) // <img ... src="
		out.WriteString(internalPath)
		out.WriteString(body[m[6]:m[7]]) // closing quote
		prev = m[1]
	}
	out.WriteString(body[prev:])
	return out.String()
}

// extForMIME maps a MIME type to an image file extension.
func extForMIME(mime string) string {
	switch {
	case strings.Contains(mime, "png"):
		return ".png"
	case strings.Contains(mime, "gif"):
		return ".gif"
	case strings.Contains(mime, "svg"):
		return ".svg"
	case strings.Contains(mime, "webp"):
		return ".webp"
	}
	return ".jpg"
}

// optimizeImage downscales and JPEG-encodes an image for e-readers.
// SVG, AVIF, and animated GIFs pass through untouched; so does anything
// that fails to decode.
func optimizeImage(data []byte, mime string) ([]byte, string) {
	if strings.Contains(mime, "svg") || strings.Contains(mime, "avif") {
		return data, mime
	}
	if strings.Contains(mime, "gif") && isAnimatedGIF(data) {
		return data, mime
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data, mime
	}

	img = flattenAlpha(img)

	// Downscale by width only, never upscale.
	b := img.Bounds()
	if w := b.Dx(); w > imgMaxWidth {
		ratio := float64(imgMaxWidth) / float64(w)
		newH := int(math.Round(float64(b.Dy()) * ratio))
		if newH < 1 {
			newH = 1
		}
		img = resize(img, imgMaxWidth, newH)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: imgJPEGQuality}); err != nil {
		return data, mime
	}
	return buf.Bytes(), "image/jpeg"
}

// resize downscales an image using BiLinear resampling.
func resize(src image.Image, dstW, dstH int) image.Image {
	dst := image.NewNRGBA(image.Rect(0, 0, dstW, dstH))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}

// flattenAlpha composites src onto a white background for JPEG encoding.
func flattenAlpha(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, b, src, b.Min, draw.Over)
	return dst
}

func isAnimatedGIF(data []byte) bool {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return false
	}
	return len(g.Image) > 1
}
