// Package cover renders ebook cover images. Render is a pure function of
// title and author: a fixed 1200x1600 portrait canvas with a double rule
// border and centred, word-wrapped text. Overlong strings are truncated
// with an ellipsis rather than failing.
package cover

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	Width  = 1200
	Height = 1600

	jpegQuality = 92

	maxTitleLines  = 6
	maxAuthorRunes = 70
	titleMaxWidth  = 950
	authorMaxWidth = 900
)

var (
	paper  = color.NRGBA{0xFA, 0xF9, 0xF6, 0xFF}
	ink    = color.NRGBA{0x1A, 0x1A, 0x1A, 0xFF}
	rule   = color.NRGBA{0x2C, 0x2C, 0x2C, 0xFF}
	muted  = color.NRGBA{0x55, 0x55, 0x55, 0xFF}
	byline = color.NRGBA{0x33, 0x33, 0x33, 0xFF}
)

// Render produces a portrait JPEG cover for the given title and author.
func Render(title, author string) ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, Width, Height))
	draw.Draw(img, img.Bounds(), image.NewUniform(paper), image.Point{}, draw.Src)

	// Decorative border: thin outer rule, thick inner rule.
	strokeRect(img, image.Rect(40, 40, Width-40, Height-40), 2, rule)
	strokeRect(img, image.Rect(60, 60, Width-60, Height-60), 8, rule)

	// Title size steps down as the title grows so long titles stay readable.
	titleRunes := []rune(title)
	titleSize := 90.0
	switch {
	case len(titleRunes) > 60:
		titleSize = 60
	case len(titleRunes) > 40:
		titleSize = 72
	}

	titleFace, err := loadFace(gobold.TTF, titleSize)
	if err != nil {
		return nil, fmt.Errorf("loading title font: %w", err)
	}
	authorFace, err := loadFace(goitalic.TTF, 52)
	if err != nil {
		return nil, fmt.Errorf("loading author font: %w", err)
	}
	labelFace, err := loadFace(gobold.TTF, 24)
	if err != nil {
		return nil, fmt.Errorf("loading label font: %w", err)
	}
	footerFace, err := loadFace(goregular.TTF, 22)
	if err != nil {
		return nil, fmt.Errorf("loading footer font: %w", err)
	}

	drawCentered(img, "BINDERY", labelFace, 150, muted)

	// Title block, vertically centred around y=500.
	lines := truncateLines(wrapText(title, titleFace, titleMaxWidth), maxTitleLines)
	lineHeight := int(titleSize * 1.28)
	y := 500 - (len(lines)-1)*lineHeight/2
	for _, line := range lines {
		drawCentered(img, line, titleFace, y, ink)
		y += lineHeight
	}
	afterTitle := y - lineHeight + int(titleSize*0.25)

	// Divider rule between title and author.
	hline(img, Width/2-160, Width/2+160, afterTitle+60, 2, rule)

	// Author, wrapped and truncated when extreme.
	authorDisplay := truncateRunes(author, maxAuthorRunes)
	ay := afterTitle + 140
	for _, line := range wrapText(authorDisplay, authorFace, authorMaxWidth) {
		drawCentered(img, line, authorFace, ay, byline)
		ay += 65
	}

	drawCentered(img, "SEND TO KINDLE", footerFace, Height-110, muted)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encoding cover JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// strokeRect draws the outline of r with the given stroke width, inward.
func strokeRect(img draw.Image, r image.Rectangle, width int, c color.Color) {
	u := image.NewUniform(c)
	draw.Draw(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y), u, image.Point{}, draw.Src)
}

// hline draws a horizontal rule from x0 to x1 at baseline y.
func hline(img draw.Image, x0, x1, y, width int, c color.Color) {
	draw.Draw(img, image.Rect(x0, y, x1, y+width), image.NewUniform(c), image.Point{}, draw.Src)
}

// drawCentered renders a string horizontally centred at baseline y.
func drawCentered(img draw.Image, s string, face font.Face, y int, c color.Color) {
	w := font.MeasureString(face, s).Ceil()
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P((Width-w)/2, y),
	}
	d.DrawString(s)
}

// wrapText splits text into lines that fit within maxWidth pixels.
func wrapText(text string, face font.Face, maxWidth int) []string {
	words := splitWords(text)
	if len(words) == 0 {
		return []string{text}
	}

	var lines []string
	current := words[0]
	for _, word := range words[1:] {
		trial := current + " " + word
		if font.MeasureString(face, trial).Ceil() <= maxWidth {
			current = trial
		} else {
			lines = append(lines, current)
			current = word
		}
	}
	lines = append(lines, current)
	return lines
}

// truncateLines caps a wrapped block at max lines, marking the cut with an
// ellipsis.
func truncateLines(lines []string, max int) []string {
	if len(lines) <= max {
		return lines
	}
	lines = lines[:max]
	lines[max-1] += "…"
	return lines
}

// truncateRunes shortens s to at most max runes, with an ellipsis.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "…"
}

// splitWords splits a string on whitespace, returning non-empty tokens.
func splitWords(s string) []string {
	var words []string
	word := ""
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			if word != "" {
				words = append(words, word)
				word = ""
			}
		} else {
			word += string(r)
		}
	}
	if word != "" {
		words = append(words, word)
	}
	return words
}

// loadFace parses an OpenType font at the given size in points.
func loadFace(ttf []byte, sizePt float64) (font.Face, error) {
	f, err := opentype.Parse(ttf)
	if err != nil {
		return nil, err
	}
	return opentype.NewFace(f, &opentype.FaceOptions{
		Size:    sizePt,
		DPI:     72,
		Hinting: font.HintingFull,
	})
}
