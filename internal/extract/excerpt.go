package extract

import (
	"strings"
	"sync"
	"unicode"

	"github.com/JohannesKaufmann/dom"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"golang.org/x/net/html"
)

// excerptMaxRunes bounds the derived excerpt length.
const excerptMaxRunes = 300

var (
	mdConverter     *converter.Converter
	mdConverterOnce sync.Once
)

// getMarkdownConverter returns a shared converter that drops images instead
// of emitting their URLs, so derived excerpts stay plain prose.
func getMarkdownConverter() *converter.Converter {
	mdConverterOnce.Do(func() {
		mdConverter = converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		)
		// PriorityEarly (100) runs before the commonmark plugin (500).
		mdConverter.Register.RendererFor("img", converter.TagTypeInline,
			func(ctx converter.Context, w converter.Writer, n *html.Node) converter.RenderStatus {
				alt := strings.TrimSpace(dom.GetAttributeOr(n, "alt", ""))
				if alt != "" {
					w.WriteString(alt)
				}
				return converter.RenderSuccess
			},
			converter.PriorityEarly,
		)
	})
	return mdConverter
}

// fallbackExcerpt derives an excerpt from article HTML when the page itself
// provides none: convert to Markdown, keep the first paragraph-ish run of
// text, truncate on a word boundary.
func fallbackExcerpt(contentHTML string) string {
	md, err := getMarkdownConverter().ConvertString(contentHTML)
	if err != nil {
		return ""
	}

	var text string
	for _, para := range strings.Split(md, "\n\n") {
		para = strings.TrimSpace(para)
		// Skip headings, rules, and other non-prose blocks.
		if para == "" || strings.HasPrefix(para, "#") || strings.HasPrefix(para, "---") ||
			strings.HasPrefix(para, "|") || strings.HasPrefix(para, "```") {
			continue
		}
		text = strings.Join(strings.Fields(para), " ")
		break
	}
	if text == "" {
		return ""
	}

	runes := []rune(text)
	if len(runes) <= excerptMaxRunes {
		return text
	}
	cut := excerptMaxRunes
	for cut > 0 && !unicode.IsSpace(runes[cut]) {
		cut--
	}
	if cut == 0 {
		cut = excerptMaxRunes
	}
	return strings.TrimRight(string(runes[:cut]), " ,;:") + "…"
}
