// Package htmltext extracts plain text and simple structure counts from
// email HTML bodies.
package htmltext

import (
	"strings"

	"golang.org/x/net/html"
)

// skipped elements never contribute text
var skipped = map[string]bool{
	"style":  true,
	"script": true,
}

// Stats is the result of a single pass over an HTML body
type Stats struct {
	Text   string // plain text, whitespace collapsed
	Links  int    // <a> tags carrying an href attribute
	Images int    // <img> tags
}

// Analyze tokenizes body once and returns its plain text and tag counts.
// Plain-text input is returned unchanged apart from whitespace collapsing.
func Analyze(body string) Stats {
	var (
		stats Stats
		sb    strings.Builder
		skip  int
	)

	z := html.NewTokenizer(strings.NewReader(body))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or a malformed tail; either way keep what was collected
			stats.Text = strings.Join(strings.Fields(sb.String()), " ")
			return stats

		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if skipped[tag] && tt == html.StartTagToken {
				skip++
			}
			switch tag {
			case "a":
				if hasAttr && hasAttribute(z, "href") {
					stats.Links++
				}
			case "img":
				stats.Images++
			}
			// Tags separate words: "<p>a</p><p>b</p>" is "a b"
			sb.WriteByte(' ')

		case html.EndTagToken:
			name, _ := z.TagName()
			if skipped[string(name)] && skip > 0 {
				skip--
			}
			sb.WriteByte(' ')
		}
	}
}

// ToText returns the plain-text rendering of an HTML body
func ToText(body string) string {
	return Analyze(body).Text
}

// HasImageMarkup reports whether body references images, either through an
// <img> tag or a background attribute.
func HasImageMarkup(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "<img") || strings.Contains(lower, "background=")
}

func hasAttribute(z *html.Tokenizer, want string) bool {
	for {
		key, _, more := z.TagAttr()
		if string(key) == want {
			return true
		}
		if !more {
			return false
		}
	}
}
