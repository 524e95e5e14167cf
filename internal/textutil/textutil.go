// Package textutil cleans up text scraped from feeds and APIs.
package textutil

import (
	"html"
	"io"
	"strings"
	"unicode/utf8"

	nethtml "golang.org/x/net/html"
	"golang.org/x/text/cases"
)

// StripHTML returns the text content of an HTML fragment with tags removed,
// entities decoded and runs of whitespace collapsed. Script and style bodies
// are dropped.
func StripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return CollapseSpace(s)
	}

	z := nethtml.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case nethtml.ErrorToken:
			if z.Err() == io.EOF {
				return CollapseSpace(b.String())
			}
			// Malformed markup: fall back to entity decoding only.
			return CollapseSpace(html.UnescapeString(s))
		case nethtml.StartTagToken, nethtml.EndTagToken, nethtml.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if tt == nethtml.StartTagToken {
					skip++
				} else if skip > 0 {
					skip--
				}
			case "br", "p", "div", "li", "tr":
				b.WriteByte(' ')
			}
		case nethtml.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// CollapseSpace trims s and replaces every whitespace run with one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// RuneLen is the length of s in runes, the unit column limits are expressed in.
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}

// Fold returns the case-folded form of s with whitespace runs collapsed,
// for caseless comparison.
func Fold(s string) string {
	return cases.Fold().String(CollapseSpace(s))
}

// ContainsFold reports whether either string contains the other, ignoring
// case. Empty strings never match.
func ContainsFold(a, b string) bool {
	fa, fb := Fold(a), Fold(b)
	if fa == "" || fb == "" {
		return false
	}
	return strings.Contains(fa, fb) || strings.Contains(fb, fa)
}
