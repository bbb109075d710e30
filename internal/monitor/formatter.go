package monitor

import (
	"fmt"
	"time"
)

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatMillis formats a duration in milliseconds as "Xh Ym", "Xm" or "Xs".
func FormatMillis(ms int64) string {
	if ms < 60_000 {
		return fmt.Sprintf("%ds", ms/1000)
	}
	return FormatDuration(ms / 1000)
}

// FormatDuration formats duration in seconds to "Xh Ym" or "Xm"
func FormatDuration(seconds int64) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// FormatTimestamp renders epoch milliseconds as a UTC wall-clock time.
func FormatTimestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("15:04:05")
}
