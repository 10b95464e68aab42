package util

import (
	"os"
	"path/filepath"
	"strings"
)

// WritablePath returns the cleaned WRITABLE_PATH environment variable when it is set.
// It accepts both uppercase and lowercase variants for compatibility with existing conventions.
func WritablePath() string {
	for _, key := range []string{"WRITABLE_PATH", "writable_path"} {
		if value, ok := os.LookupEnv(key); ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return filepath.Clean(trimmed)
			}
		}
	}
	return ""
}

// MaskCode obscures a redemption code for logging, keeping only the
// final group visible. Codes shorter than one group are fully masked.
func MaskCode(code string) string {
	groups := strings.Split(code, "-")
	if len(groups) < 2 {
		return strings.Repeat("*", len(code))
	}
	masked := make([]string, len(groups))
	for i, g := range groups {
		if i == len(groups)-1 {
			masked[i] = g
			continue
		}
		masked[i] = strings.Repeat("*", len(g))
	}
	return strings.Join(masked, "-")
}
