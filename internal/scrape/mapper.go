package scrape

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/postwatch/postwatch/internal/models"
	"github.com/postwatch/postwatch/internal/staleness"
)

// Mapper turns raw provider profile records into roster updates.
type Mapper struct {
	now    func() time.Time
	logger *slog.Logger
}

// NewMapper creates a mapper. A nil now uses time.Now.
func NewMapper(logger *slog.Logger, now func() time.Time) *Mapper {
	if now == nil {
		now = time.Now
	}
	return &Mapper{now: now, logger: logger}
}

// Map converts raw records into updates keyed by normalized username.
// Records without a username are skipped.
func (m *Mapper) Map(raw []json.RawMessage) map[string]models.UpdateRecord {
	now := m.now()
	out := make(map[string]models.UpdateRecord, len(raw))
	skipped := 0

	for _, item := range raw {
		u, ok := MapRecord(item, now)
		if !ok {
			skipped++
			continue
		}
		out[u.NormalizedUsername] = u
	}

	if skipped > 0 {
		m.logger.Debug("skipped provider records without username", "skipped", skipped, "mapped", len(out))
	}

	return out
}

// MapRecord converts one provider record. ok is false when the record has no
// usable username.
func MapRecord(raw []byte, now time.Time) (models.UpdateRecord, bool) {
	doc := gjson.ParseBytes(raw)

	username := models.NormalizeUsername(firstString(doc, "username", "ownerUsername"))
	if username == "" {
		return models.UpdateRecord{}, false
	}

	followers := doc.Get("followersCount").Int()
	posts := doc.Get("postsCount").Int()
	if posts == 0 {
		posts = doc.Get("mediaCount").Int()
	}

	u := models.UpdateRecord{
		NormalizedUsername: username,
		Followers:          FormatCount(followers),
		Following:          FormatCount(doc.Get("followsCount").Int()),
		Posts:              FormatCount(posts),
		EngagementRate:     engagementRate(doc, followers),
		ProfilePictureURL:  firstString(doc, "profilePicUrl", "profile_pic_url"),
		FullName:           firstString(doc, "fullName", "full_name"),
		Provenance:         models.ProvenanceRemote,
	}

	if latest, ok := latestPost(doc); ok {
		u.LatestPostAt = &latest
		u.DaysSinceLastPost = staleness.DaysSince(latest, now)
	}

	return u, true
}

// latestPost picks the record-level post date and lets the newest entry of
// latestPosts override it when strictly newer.
func latestPost(doc gjson.Result) (time.Time, bool) {
	var latest time.Time
	found := false

	for _, path := range []string{"latestPostDate", "timestamp", "date"} {
		v := doc.Get(path)
		if !v.Exists() || v.Type == gjson.Null || v.String() == "" {
			continue
		}
		if t, ok := parseTimestamp(v); ok {
			latest, found = t, true
		}
		break
	}

	doc.Get("latestPosts").ForEach(func(_, post gjson.Result) bool {
		v := post.Get("timestamp")
		if !v.Exists() || v.String() == "" {
			v = post.Get("date")
		}
		if t, ok := parseTimestamp(v); ok && (!found || t.After(latest)) {
			latest, found = t, true
		}
		return true
	})

	return latest, found
}

func parseTimestamp(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.Number:
		return time.UnixMilli(v.Int()).UTC(), true
	case gjson.String:
		t, err := time.Parse(time.RFC3339Nano, v.String())
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	default:
		return time.Time{}, false
	}
}

func engagementRate(doc gjson.Result, followers int64) string {
	if followers <= 0 {
		return "0%"
	}

	var interactions int64
	count := 0
	doc.Get("latestPosts").ForEach(func(_, post gjson.Result) bool {
		interactions += post.Get("likesCount").Int() + post.Get("commentsCount").Int()
		count++
		return true
	})
	if count == 0 {
		return "N/A"
	}

	avg := float64(interactions) / float64(count)
	return fmt.Sprintf("%.2f%%", avg/float64(followers)*100)
}

// FormatCount renders a count the way profile cards show it: 999, 1.5k, 2.3M.
func FormatCount(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
