// Package sanitize rewrites extracted article HTML into a self-contained
// fragment suitable for offline rendering: lazy-loaded and proxied image
// URLs are resolved to absolute, dead placeholder imagery is pruned, and
// script/style/noscript blocks are dropped. The tree is owned by a single
// Rewrite call: parsed, mutated, serialized, discarded.
package sanitize

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/JohannesKaufmann/dom"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// lazyAttrs are checked in priority order; the first attribute present with
// a resolvable value wins and is promoted to src.
var lazyAttrs = []string{
	"data-src",
	"data-lazy-src",
	"data-original",
	"data-lazy",
	"data-url",
	"data-hi-res-src",
	"data-original-src",
	"data-image-src",
}

// gifSpinnerSig marks the base64 GIF header ("GIF8...") used by loading
// spinners and 1x1 trackers.
const gifSpinnerSig = "data:image/gif;base64,R0lGOD"

// Rewrite sanitizes an article HTML fragment against its base URL. Malformed
// input never panics: the parser is best-effort, and on a hard parse error
// the input is returned unchanged.
func Rewrite(contentHTML string, base *url.URL) string {
	contentHTML = stripInvalidXMLChars(contentHTML)

	doc, err := html.Parse(strings.NewReader(contentHTML))
	if err != nil {
		return contentHTML
	}

	removeNonContent(doc)

	for _, img := range collectImages(doc) {
		rewriteImage(img, base)
	}

	var buf bytes.Buffer
	renderXHTML(&buf, doc)
	result := buf.String()

	// html.Parse wraps fragments in <html><head><body>; keep only the body.
	if idx := strings.Index(result, "<body>"); idx >= 0 {
		result = result[idx+len("<body>"):]
		if end := strings.LastIndex(result, "</body>"); end >= 0 {
			result = result[:end]
		}
	}
	return result
}

// removeNonContent drops script, style, and noscript subtrees. noscript
// blocks frequently duplicate broken <img> tags and must not re-introduce
// them after the main pass.
func removeNonContent(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode {
			switch c.Data {
			case "script", "style", "noscript":
				n.RemoveChild(c)
				c = next
				continue
			}
		}
		removeNonContent(c)
		c = next
	}
}

// collectImages gathers all <img> nodes up front so removals during the
// rewrite pass cannot disturb the traversal.
func collectImages(n *html.Node) []*html.Node {
	var imgs []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "img" {
			imgs = append(imgs, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return imgs
}

// rewriteImage applies the per-image precedence: lazy attribute promotion,
// srcset fallback, base resolution, proxy unwrap, broken-image pruning, and
// attribute cleanup.
func rewriteImage(img *html.Node, base *url.URL) {
	// 1. First resolvable lazy attribute wins.
	for _, attr := range lazyAttrs {
		if resolved := resolveURL(dom.GetAttributeOr(img, attr, ""), base); resolved != "" {
			setAttr(img, "src", resolved)
			break
		}
	}

	// 2. srcset fallback when src is still empty or a data URI: first
	// comma-separated candidate, first whitespace token.
	src := dom.GetAttributeOr(img, "src", "")
	if src == "" || strings.HasPrefix(src, "data:") {
		srcset := dom.GetAttributeOr(img, "srcset", "")
		if srcset == "" {
			srcset = dom.GetAttributeOr(img, "data-srcset", "")
		}
		if srcset != "" {
			first := strings.TrimSpace(strings.SplitN(srcset, ",", 2)[0])
			if fields := strings.Fields(first); len(fields) > 0 {
				if resolved := resolveURL(fields[0], base); resolved != "" {
					setAttr(img, "src", resolved)
				}
			}
		}
	}

	// 3. Resolve whatever ended up in src against the base.
	src = dom.GetAttributeOr(img, "src", "")
	if src != "" && !strings.HasPrefix(src, "data:") {
		if resolved := resolveURL(src, base); resolved != "" {
			setAttr(img, "src", resolved)
		}
	}

	// 4. Unwrap Next.js image-proxy redirects to the inner target.
	src = dom.GetAttributeOr(img, "src", "")
	if strings.Contains(src, "/_next/image") {
		if direct := unwrapImageProxy(src); direct != "" {
			setAttr(img, "src", direct)
		}
	}

	// 5. Prune broken placeholders, cascading one level into an emptied
	// figure/p/div container.
	src = dom.GetAttributeOr(img, "src", "")
	if isBrokenSrc(src) {
		parent := img.Parent
		if parent == nil {
			return
		}
		parent.RemoveChild(img)
		if isPrunableContainer(parent) && isEmptyNode(parent) && parent.Parent != nil {
			parent.Parent.RemoveChild(parent)
		}
		return
	}

	// 6. Dimensions and source sets are stale after extraction; the lazy
	// attributes have been consumed. Readers need an alt, even if empty.
	removeAttrs(img, "width", "height", "srcset", "sizes", "data-srcset")
	removeAttrs(img, lazyAttrs...)
	if _, ok := getAttr(img, "alt"); !ok {
		setAttr(img, "alt", "")
	}
}

// resolveURL resolves an image reference against the article base. Data
// URIs and fragment-only references are not resolvable; protocol-relative
// URLs assume https; absolute URLs pass through unchanged.
func resolveURL(val string, base *url.URL) string {
	val = strings.TrimSpace(val)
	if val == "" || strings.HasPrefix(val, "data:") || strings.HasPrefix(val, "#") {
		return ""
	}
	if strings.HasPrefix(val, "//") {
		val = "https:" + val
	}
	if strings.HasPrefix(val, "http") {
		return val
	}
	if base == nil {
		return ""
	}
	ref, err := url.Parse(val)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// unwrapImageProxy extracts the inner target from a /_next/image?url=...
// proxy URL. Returns "" when there is no inner URL to unwrap.
func unwrapImageProxy(src string) string {
	u, err := url.Parse(src)
	if err != nil {
		return ""
	}
	return u.Query().Get("url")
}

// isBrokenSrc classifies a final src as dead: empty, an anchor, an inline
// SVG placeholder, or a base64 GIF spinner.
func isBrokenSrc(src string) bool {
	return src == "" || src == "#" ||
		strings.HasPrefix(src, "data:image/svg") ||
		strings.Contains(src, gifSpinnerSig)
}

// isPrunableContainer reports whether removing the last image justifies
// removing the wrapper itself.
func isPrunableContainer(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.Data {
	case "figure", "p", "div":
		return true
	}
	return false
}

// isEmptyNode reports whether a node has no element children and no
// non-whitespace text.
func isEmptyNode(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.ElementNode:
			return false
		case html.TextNode:
			if strings.TrimSpace(c.Data) != "" {
				return false
			}
		}
	}
	return true
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttrs(n *html.Node, keys ...string) {
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
	}
	filtered := n.Attr[:0]
	for _, a := range n.Attr {
		if !drop[a.Key] {
			filtered = append(filtered, a)
		}
	}
	n.Attr = filtered
}

// stripInvalidXMLChars removes characters not allowed in XML 1.0 content.
// Valid XML chars: #x9 | #xA | #xD | [#x20-#xD7FF] | [#xE000-#xFFFD] | [#x10000-#x10FFFF]
func stripInvalidXMLChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r == 0x9 || r == 0xA || r == 0xD ||
			(r >= 0x20 && r <= 0xD7FF) ||
			(r >= 0xE000 && r <= 0xFFFD) ||
			(r >= 0x10000 && r <= 0x10FFFF) {
			return r
		}
		return -1
	}, s)
}

// voidElements are HTML elements that must be self-closing in XHTML.
var voidElements = map[atom.Atom]bool{
	atom.Area: true, atom.Base: true, atom.Br: true, atom.Col: true,
	atom.Embed: true, atom.Hr: true, atom.Img: true, atom.Input: true,
	atom.Link: true, atom.Meta: true, atom.Source: true, atom.Wbr: true,
}

// renderXHTML renders an html.Node tree as XHTML (self-closing void
// elements), so the fragment stays valid inside EPUB documents.
func renderXHTML(buf *bytes.Buffer, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		buf.WriteString(html.EscapeString(n.Data))
	case html.ElementNode:
		buf.WriteByte('<')
		buf.WriteString(n.Data)
		for _, a := range n.Attr {
			buf.WriteByte(' ')
			buf.WriteString(a.Key)
			buf.WriteString(`="`)
			buf.WriteString(html.EscapeString(a.Val))
			buf.WriteByte('"')
		}
		if voidElements[n.DataAtom] && n.FirstChild == nil {
			buf.WriteString("/>")
			return
		}
		buf.WriteByte('>')
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			renderXHTML(buf, c)
		}
		buf.WriteString("</")
		buf.WriteString(n.Data)
		buf.WriteByte('>')
	case html.DocumentNode:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			renderXHTML(buf, c)
		}
	case html.CommentNode:
		// skip comments
	case html.RawNode:
		buf.WriteString(n.Data)
	}
}
