// Package text holds the display helpers the dashboard relies on for
// conversation lists: previews, initials and phone formatting.
package text

import (
	"strings"
	"unicode"

	"github.com/forPelevin/gomoji"
	"github.com/rivo/uniseg"
)

// PreviewLength is the preview width used in conversation summaries.
const PreviewLength = 40

// Truncate cuts s to at most max grapheme clusters and appends "..." when
// anything was removed. Emoji and combined characters are never split.
func Truncate(s string, max int) string {
	if s == "" || max <= 0 {
		return ""
	}
	if uniseg.GraphemeClusterCount(s) <= max {
		return s
	}

	var b strings.Builder
	g := uniseg.NewGraphemes(s)
	for n := 0; n < max && g.Next(); n++ {
		b.WriteString(g.Str())
	}
	return b.String() + "..."
}

// Preview collapses newlines and truncates to PreviewLength.
func Preview(s string) string {
	return Truncate(strings.Join(strings.Fields(s), " "), PreviewLength)
}

// Initials returns two upper-case letters for an avatar: first and last
// word when there are several, else the first two letters of the only
// word. Emoji and punctuation are ignored. "??" when nothing is usable.
func Initials(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '_' {
			return r
		}
		return -1
	}, gomoji.RemoveEmojis(name))

	words := strings.Fields(cleaned)
	switch {
	case len(words) >= 2:
		return strings.ToUpper(firstGrapheme(words[0]) + firstGrapheme(words[len(words)-1]))
	case len(words) == 1 && uniseg.GraphemeClusterCount(words[0]) >= 2:
		return strings.ToUpper(firstGraphemes(words[0], 2))
	case uniseg.GraphemeClusterCount(name) >= 2:
		return strings.ToUpper(firstGraphemes(name, 2))
	}
	return "??"
}

// FormatPhone renders Brazilian numbers as "+55 (11) 99999-9999" or
// "(11) 99999-9999"; anything else is returned unchanged.
func FormatPhone(phone string) string {
	digits := Digits(phone)
	switch {
	case len(digits) == 13 && strings.HasPrefix(digits, "55"):
		return "+55 (" + digits[2:4] + ") " + digits[4:9] + "-" + digits[9:]
	case len(digits) == 11:
		return "(" + digits[0:2] + ") " + digits[2:7] + "-" + digits[7:]
	}
	return phone
}

// Digits strips every non-digit character.
func Digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func firstGrapheme(s string) string {
	return firstGraphemes(s, 1)
}

func firstGraphemes(s string, n int) string {
	var b strings.Builder
	g := uniseg.NewGraphemes(s)
	for i := 0; i < n && g.Next(); i++ {
		b.WriteString(g.Str())
	}
	return b.String()
}
