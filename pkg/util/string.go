package util

import (
	"strings"
	"unicode/utf8"
)

// CollapseBlankLines trims trailing spaces from every line and squeezes runs
// of empty lines into one.
func CollapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false

	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}

// Truncate cuts s to at most limit runes, ending with suffix when it had to cut.
func Truncate(s string, limit int, suffix string) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}

	keep := limit - utf8.RuneCountInString(suffix)
	if keep <= 0 {
		return string([]rune(suffix)[:limit])
	}

	runes := []rune(s)
	return strings.TrimRight(string(runes[:keep]), " \n") + suffix
}

// RuneLen counts characters rather than bytes.
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}
