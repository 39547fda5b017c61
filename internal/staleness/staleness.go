// Package staleness classifies how overdue a client is for its next post.
package staleness

import (
	"fmt"
	"time"

	"github.com/postwatch/postwatch/internal/models"
)

// Tier is the urgency bucket of a client. Higher values sort first.
type Tier int

const (
	TierOnTrack Tier = 1
	TierWarning Tier = 2
	TierAlert   Tier = 3
)

// AlertThresholdDays is the number of days a client may go without posting
// before it is considered in alert.
const AlertThresholdDays = 2

// LabelPending is shown for clients that have not been fetched yet.
const LabelPending = "pending"

func (t Tier) String() string {
	switch t {
	case TierAlert:
		return "alert"
	case TierWarning:
		return "warning"
	default:
		return "on_track"
	}
}

// MarshalText renders the tier by name in JSON payloads.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// TierOf maps days since the last post to a tier.
func TierOf(days int) Tier {
	switch {
	case days > AlertThresholdDays:
		return TierAlert
	case days >= 1:
		return TierWarning
	default:
		return TierOnTrack
	}
}

// IsAlert reports whether days is past the alert threshold.
func IsAlert(days int) bool {
	return days > AlertThresholdDays
}

// DaysSince returns the number of whole days between t and now. Timestamps
// in the future count as elapsed time, like the provider's own clocks do.
func DaysSince(t, now time.Time) int {
	diff := now.Sub(t)
	if diff < 0 {
		diff = -diff
	}
	return int(diff / (24 * time.Hour))
}

// Classification is the tier and display label of one client.
type Classification struct {
	Tier    Tier   `json:"tier"`
	Label   string `json:"label"`
	Pending bool   `json:"pending"`
}

// Classify computes the tier and label for a client. A client waiting for its
// first fetch is on track with a pending label rather than a verified zero.
func Classify(c models.ClientRecord, now time.Time) Classification {
	if c.IsPending() {
		return Classification{Tier: TierOnTrack, Label: LabelPending, Pending: true}
	}

	days := c.DaysSinceLastPost
	tier := TierOf(days)

	switch tier {
	case TierAlert:
		return Classification{Tier: tier, Label: fmt.Sprintf("%d days without posting", days)}
	case TierWarning:
		return Classification{Tier: tier, Label: fmt.Sprintf("warning: %d %s", days, plural(days, "day", "days"))}
	}

	return Classification{Tier: tier, Label: timeAgo(c.LatestPostAt, now)}
}

func timeAgo(latest *time.Time, now time.Time) string {
	if latest == nil {
		return "posted today"
	}

	elapsed := now.Sub(*latest)
	if elapsed < 0 {
		elapsed = 0
	}

	if minutes := int(elapsed / time.Minute); minutes < 60 {
		return fmt.Sprintf("posted %d %s ago", minutes, plural(minutes, "minute", "minutes"))
	}

	hours := int(elapsed / time.Hour)
	return fmt.Sprintf("posted %d %s ago", hours, plural(hours, "hour", "hours"))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
