package bot

import "regexp"

var (
	urlRe   = regexp.MustCompile(`https?://\S+`)
	emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// trailingPunct are characters users commonly leave attached to a pasted
// URL and that are stripped from its end.
const trailingPunct = ".,;:!?)]}>'\""

// ExtractURLs returns the http(s) URLs found in free-form text, in order,
// with trailing punctuation trimmed.
func ExtractURLs(text string) []string {
	matches := urlRe.FindAllString(text, -1)
	var urls []string
	for _, m := range matches {
		m = trimTrailingPunct(m)
		if m != "" {
			urls = append(urls, m)
		}
	}
	return urls
}

func trimTrailingPunct(s string) string {
	for len(s) > 0 {
		last := s[len(s)-1]
		trimmed := false
		for i := 0; i < len(trailingPunct); i++ {
			if last == trailingPunct[i] {
				s = s[:len(s)-1]
				trimmed = true
				break
			}
		}
		if !trimmed {
			break
		}
	}
	return s
}

// IsEmail reports whether s looks like a single email address.
func IsEmail(s string) bool {
	return emailRe.MatchString(s)
}
