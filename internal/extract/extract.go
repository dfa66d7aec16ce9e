// Package extract turns raw page HTML into a structured article using a
// readability algorithm. Pages where no main content region can be found
// yield an error, which the pipeline treats the same as a fetch failure.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"

	readability "github.com/go-shiori/go-readability"

	"github.com/opbenesh/bindery/internal/model"
)

// ErrNoContent means readability found no extractable main content.
var ErrNoContent = errors.New("no extractable content")

// Article runs readability on the HTML and returns the extracted article.
// pageURL is the base for resolving relative references and is recorded as
// the article's source.
func Article(htmlBytes []byte, pageURL *url.URL) (*model.Article, error) {
	parsed, err := readability.FromReader(bytes.NewReader(htmlBytes), pageURL)
	if err != nil {
		return nil, fmt.Errorf("readability extraction failed: %w", err)
	}
	if parsed.Content == "" {
		return nil, fmt.Errorf("%w in %s", ErrNoContent, pageURL)
	}

	excerpt := parsed.Excerpt
	if excerpt == "" {
		excerpt = fallbackExcerpt(parsed.Content)
	}

	return &model.Article{
		Title:       parsed.Title,
		Byline:      parsed.Byline,
		SiteName:    parsed.SiteName,
		Excerpt:     excerpt,
		ContentHTML: parsed.Content,
		SourceURL:   pageURL.String(),
	}, nil
}
