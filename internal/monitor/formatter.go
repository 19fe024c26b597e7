package monitor

import "fmt"

// FormatRate formats an intake rate as "X.X sig/min"
func FormatRate(rate float64) string {
	return fmt.Sprintf("%.1f sig/min", rate)
}

// FormatCount formats a monotonic counter, abbreviating large values
func FormatCount(n uint64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 10_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// FormatScore formats a composite signal score
func FormatScore(score float64) string {
	return fmt.Sprintf("%.1f", score)
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}
