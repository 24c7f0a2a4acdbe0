package chat

import (
	"fmt"
	"strings"
)

// NormalizeContent trims surrounding whitespace from user supplied text.
func NormalizeContent(s string) string {
	return strings.TrimSpace(s)
}

// FormatSize renders a byte count as B, KB or MB with one decimal.
func FormatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}
