package utils

import (
	"strings"
	"unicode/utf8"
)

const maxFilenameLen = 200

// SanitizeHeaderFilename removes characters that can break headers.
func SanitizeHeaderFilename(name string) string {
	clean := strings.TrimSpace(name)
	if clean == "" {
		return "download"
	}
	clean = strings.ReplaceAll(clean, "\r", "")
	clean = strings.ReplaceAll(clean, "\n", "")
	clean = strings.ReplaceAll(clean, "\"", "")
	return clean
}

// SanitizeFilename strips characters that are invalid in file names on common
// filesystems and truncates to 200 characters.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20:
			continue
		case strings.ContainsRune(`<>:"/\|?*`, r):
			continue
		}
		b.WriteRune(r)
	}
	clean := strings.Trim(strings.TrimSpace(b.String()), ".")
	clean = strings.TrimSpace(clean)
	if clean == "" {
		return "unnamed"
	}
	if utf8.RuneCountInString(clean) > maxFilenameLen {
		runes := []rune(clean)
		clean = strings.TrimSpace(string(runes[:maxFilenameLen]))
	}
	return clean
}
