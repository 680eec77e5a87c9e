package template

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/castcue/castcue/internal/models"
	"github.com/castcue/castcue/pkg/util"
)

const (
	placeholderTitle    = "{title}"
	placeholderURL      = "{twitch_url}"
	placeholderCategory = "{category}"

	// XMaxLength is the post limit on X. Every link counts as XLinkLength and
	// characters outside the Latin ranges count twice.
	XMaxLength  = 280
	XLinkLength = 23

	ellipsis = "…"
)

type Vars struct {
	Title    string
	URL      string
	Category string
}

// Render substitutes placeholders and guarantees the URL appears exactly once,
// as the final line.
func Render(tpl *models.Template, vars Vars) string {
	body := SystemDefaultBody
	if tpl != nil && strings.TrimSpace(tpl.Body) != "" {
		body = tpl.Body
	}

	body = strings.ReplaceAll(body, placeholderURL, "")
	body = strings.ReplaceAll(body, placeholderTitle, vars.Title)
	body = strings.ReplaceAll(body, placeholderCategory, vars.Category)
	if vars.URL != "" {
		body = removeURL(body, vars.URL)
	}
	body = util.CollapseBlankLines(body)

	switch {
	case vars.URL == "":
		return body
	case body == "":
		return vars.URL
	default:
		return body + "\n" + vars.URL
	}
}

// removeURL drops whole occurrences of url. A longer URL that merely starts
// with url is left alone.
func removeURL(body, url string) string {
	var b strings.Builder
	for {
		i := strings.Index(body, url)
		if i < 0 {
			b.WriteString(body)
			return b.String()
		}
		end := i + len(url)
		if urlEndsAt(body, end) {
			b.WriteString(body[:i])
		} else {
			b.WriteString(body[:end])
		}
		body = body[end:]
	}
}

func urlEndsAt(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, size := utf8.DecodeRuneInString(s[i:])
	switch {
	case r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r)):
		return false
	case strings.ContainsRune("/-_~%?#&=+@", r):
		return false
	case strings.ContainsRune(".,:;!", r):
		// trailing punctuation ends the URL unless the path carries on after it
		return urlEndsAt(s, i+size)
	}
	return true
}

// FitForChannel shortens the body of a rendered message to limit characters,
// keeping the final URL line intact.
func FitForChannel(text, url string, limit int) string {
	return fit(text, url, limit, util.RuneLen(url), func(rune) int { return 1 })
}

// FitForX is FitForChannel under X's weighted length.
func FitForX(text, url string) string {
	return fit(text, url, XMaxLength, XLinkLength, xWeight)
}

// XWeightedLength counts s the way X does, without link shortening.
func XWeightedLength(s string) int {
	return weightOf(s, xWeight)
}

func fit(text, url string, limit, linkLen int, weight func(rune) int) string {
	body, ok := strings.CutSuffix(text, url)
	if !ok || url == "" {
		return truncateWeighted(text, limit, weight)
	}
	body = strings.TrimRight(body, "\n")
	if body == "" {
		return url
	}

	budget := limit - linkLen - 1
	if budget <= 0 {
		return url
	}
	if weightOf(body, weight) <= budget {
		return text
	}
	body = truncateWeighted(body, budget, weight)
	if body == "" {
		return url
	}
	return body + "\n" + url
}

func truncateWeighted(s string, limit int, weight func(rune) int) string {
	if weightOf(s, weight) <= limit {
		return s
	}
	keep := limit - weightOf(ellipsis, weight)
	if keep <= 0 {
		return ""
	}

	var b strings.Builder
	used := 0
	for _, r := range s {
		w := weight(r)
		if used+w > keep {
			break
		}
		used += w
		b.WriteRune(r)
	}
	return strings.TrimRight(b.String(), " \n") + ellipsis
}

func weightOf(s string, weight func(rune) int) int {
	n := 0
	for _, r := range s {
		n += weight(r)
	}
	return n
}

// xWeight follows the twitter-text v3 ranges. Everything else, CJK and emoji
// included, weighs 2.
func xWeight(r rune) int {
	switch {
	case r <= 0x10FF,
		r >= 0x2000 && r <= 0x200D,
		r >= 0x2010 && r <= 0x201F,
		r >= 0x2032 && r <= 0x2037:
		return 1
	}
	return 2
}
