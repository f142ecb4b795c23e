package presence

import (
	"fmt"
	"time"
)

// FormatLastSeen renders a last-seen timestamp relative to now.
func FormatLastSeen(lastSeen, now time.Time) string {
	if lastSeen.IsZero() {
		return "Offline"
	}

	diff := now.Sub(lastSeen)
	switch {
	case diff < time.Minute:
		return "Just now"
	case diff < time.Hour:
		return plural(int(diff/time.Minute), "minute") + " ago"
	case diff < 24*time.Hour:
		return plural(int(diff/time.Hour), "hour") + " ago"
	case diff < 7*24*time.Hour:
		return plural(int(diff/(24*time.Hour)), "day") + " ago"
	default:
		return lastSeen.Local().Format("Jan 2, 2006")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
