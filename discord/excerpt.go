package discord

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const maxExcerptRunes = 280

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// excerpt renders a GitHub markdown body to plain text for an embed summary.
// Images and code blocks are dropped, whitespace collapsed, and the result
// truncated to maxExcerptRunes.
func excerpt(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := markdown.Convert([]byte(body), &buf); err != nil {
		return truncate(strings.Join(strings.Fields(body), " "))
	}

	doc, err := goquery.NewDocumentFromReader(&buf)
	if err != nil {
		return truncate(strings.Join(strings.Fields(body), " "))
	}
	doc.Find("img, pre, script, style").Remove()

	var parts []string
	doc.Find("body").Children().Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	return truncate(strings.Join(strings.Fields(strings.Join(parts, " ")), " "))
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxExcerptRunes {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxExcerptRunes-1])) + "…"
}
