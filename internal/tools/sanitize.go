package tools

import (
	"errors"
	"log/slog"
	"regexp"
	"strings"
)

// ErrDangerousInput is returned for strings that look like SQL injection.
var ErrDangerousInput = errors.New("input contains potentially dangerous SQL patterns")

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i);\s*(DROP|DELETE|ALTER|TRUNCATE|INSERT|UPDATE)\s`),
	regexp.MustCompile(`--\s*$`),
	regexp.MustCompile(`(?i)/\*.*\*/`),
	regexp.MustCompile(`(?i)'\s*OR\s+'1'\s*=\s*'1`),
	regexp.MustCompile(`(?i)UNION\s+SELECT`),
}

// Sanitize rejects SQL-injection-looking input and trims the rest.
func Sanitize(value string) (string, error) {
	for _, p := range dangerousPatterns {
		if p.MatchString(value) {
			slog.Warn("Blocked potentially dangerous input", "input", truncate(value, 50))
			return "", ErrDangerousInput
		}
	}
	return strings.TrimSpace(value), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
