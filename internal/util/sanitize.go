package util

import (
	"html"
	"os"
	"regexp"
	"strings"
)

// SanitizeInput escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)\bon(error|load|click|mouseover)\s*=`),
	regexp.MustCompile(`(?i)\bunion\b.+\bselect\b`),
	regexp.MustCompile(`(?i)'\s*or\s+'?1'?\s*=\s*'?1`),
	regexp.MustCompile(`(?i);\s*(drop|delete|truncate)\s+table`),
	regexp.MustCompile(`\.\./|\.\.\\`),
	regexp.MustCompile(`\$\{.*\}`),
	regexp.MustCompile(`(?i)\b(cmd|powershell)\.exe\b|/bin/(ba)?sh\b`),
}

// ContainsSuspicious reports whether s looks like an injection or traversal payload.
func ContainsSuspicious(s string) bool {
	return len(MatchSuspicious(s)) > 0
}

// MatchSuspicious returns the patterns s matched.
func MatchSuspicious(s string) []string {
	var matched []string
	for _, p := range suspiciousPatterns {
		if p.MatchString(s) {
			matched = append(matched, p.String())
		}
	}
	return matched
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
