package util

import "fmt"

// DefaultLogMaxLen is the default maximum length for truncated log output (1KB)
const DefaultLogMaxLen = 1024

// TruncateLog truncates long strings for log output.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// MaskSecret hides all but the tail of a credential for log output.
func MaskSecret(s string) string {
	if len(s) < 12 {
		return "***"
	}
	return "..." + s[len(s)-8:]
}
