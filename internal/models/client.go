package models

import (
	"context"
	"strings"
	"time"
)

// PendingStat is the display value for stats that have not been fetched yet.
const PendingStat = "..."

// Provenance records where a client's derived fields came from.
type Provenance string

const (
	ProvenanceSeed      Provenance = "seed"
	ProvenanceRemote    Provenance = "remote"
	ProvenanceSynthetic Provenance = "synthetic"
)

// ClientRecord represents one tracked social media account on the roster.
type ClientRecord struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Username          string     `json:"username"`
	Manager           string     `json:"manager"`
	DaysSinceLastPost int        `json:"days_since_last_post"`
	Followers         string     `json:"followers"`
	Following         string     `json:"following"`
	Posts             string     `json:"posts"`
	EngagementRate    string     `json:"engagement_rate"`
	LatestPostAt      *time.Time `json:"latest_post_at,omitempty"`
	ProfilePictureURL string     `json:"profile_picture_url,omitempty"`
	FullName          string     `json:"full_name,omitempty"`
	Provenance        Provenance `json:"provenance,omitempty"`
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// IsPending reports whether the client is still waiting for its first fetch.
func (c ClientRecord) IsPending() bool {
	return c.Followers == PendingStat
}

// NormalizedUsername returns the merge key for this client.
func (c ClientRecord) NormalizedUsername() string {
	return NormalizeUsername(c.Username)
}

// Clone returns a deep copy so callers can't mutate registry state through
// the timestamp pointers.
func (c ClientRecord) Clone() ClientRecord {
	out := c
	if c.LatestPostAt != nil {
		t := *c.LatestPostAt
		out.LatestPostAt = &t
	}
	if c.LastSyncedAt != nil {
		t := *c.LastSyncedAt
		out.LastSyncedAt = &t
	}
	return out
}

// ApplyUpdate replaces every derived field with the values from u and
// reports whether anything changed. LastSyncedAt only advances on change, so
// re-applying the same update leaves the record as it was.
func (c *ClientRecord) ApplyUpdate(u UpdateRecord, syncedAt time.Time) bool {
	if c.LastSyncedAt != nil && c.matches(u) {
		return false
	}

	c.DaysSinceLastPost = u.DaysSinceLastPost
	c.Followers = u.Followers
	c.Following = u.Following
	c.Posts = u.Posts
	c.EngagementRate = u.EngagementRate
	c.LatestPostAt = nil
	if u.LatestPostAt != nil {
		t := *u.LatestPostAt
		c.LatestPostAt = &t
	}
	c.ProfilePictureURL = u.ProfilePictureURL
	c.FullName = u.FullName
	c.Provenance = u.Provenance
	c.LastSyncedAt = &syncedAt
	return true
}

func (c ClientRecord) matches(u UpdateRecord) bool {
	if (c.LatestPostAt == nil) != (u.LatestPostAt == nil) {
		return false
	}
	if c.LatestPostAt != nil && !c.LatestPostAt.Equal(*u.LatestPostAt) {
		return false
	}
	return c.DaysSinceLastPost == u.DaysSinceLastPost &&
		c.Followers == u.Followers &&
		c.Following == u.Following &&
		c.Posts == u.Posts &&
		c.EngagementRate == u.EngagementRate &&
		c.ProfilePictureURL == u.ProfilePictureURL &&
		c.FullName == u.FullName &&
		c.Provenance == u.Provenance
}

// UpdateRecord is the canonical per-account result of a synchronization.
// It is never stored on its own, only merged into a ClientRecord.
type UpdateRecord struct {
	NormalizedUsername string     `json:"normalized_username"`
	DaysSinceLastPost  int        `json:"days_since_last_post"`
	Followers          string     `json:"followers"`
	Following          string     `json:"following"`
	Posts              string     `json:"posts"`
	EngagementRate     string     `json:"engagement_rate"`
	LatestPostAt       *time.Time `json:"latest_post_at,omitempty"`
	ProfilePictureURL  string     `json:"profile_picture_url,omitempty"`
	FullName           string     `json:"full_name,omitempty"`
	Provenance         Provenance `json:"provenance"`
}

// ClientCandidate carries the user-supplied fields for a new client.
type ClientCandidate struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Manager  string `json:"manager"`
}

// ClientFields holds the editable fields of a client. Nil fields are left
// unchanged.
type ClientFields struct {
	Name     *string `json:"name,omitempty"`
	Username *string `json:"username,omitempty"`
	Manager  *string `json:"manager,omitempty"`
}

// NormalizeUsername strips a leading @ and folds case so handles can be
// compared as merge keys.
func NormalizeUsername(username string) string {
	trimmed := strings.TrimSpace(username)
	trimmed = strings.TrimPrefix(trimmed, "@")
	return strings.ToLower(strings.TrimSpace(trimmed))
}

// RosterStore persists the whole client roster as a single document.
type RosterStore interface {
	// Load returns the stored roster. found is false when nothing has been
	// stored yet.
	Load(ctx context.Context) (clients []ClientRecord, found bool, err error)

	// Save overwrites the stored roster with clients.
	Save(ctx context.Context, clients []ClientRecord) error
}
