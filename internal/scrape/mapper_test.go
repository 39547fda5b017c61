package scrape

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postwatch/postwatch/internal/logging"
	"github.com/postwatch/postwatch/internal/models"
)

var mapperNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func TestFormatCount(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1.0k"},
		{1500, "1.5k"},
		{12_500, "12.5k"},
		{999_999, "1000.0k"},
		{1_000_000, "1.0M"},
		{2_300_000, "2.3M"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatCount(tt.in), "FormatCount(%d)", tt.in)
	}
}

func TestMapRecordFullProfile(t *testing.T) {
	raw := `{
		"username": "Foo",
		"fullName": "Foo Bakery",
		"profilePicUrl": "https://cdn.example/foo.jpg",
		"followersCount": 1500,
		"followsCount": 999,
		"postsCount": 2300000,
		"latestPostDate": "2026-10-15T12:00:00.000Z",
		"latestPosts": [
			{"likesCount": 100, "commentsCount": 50},
			{"likesCount": 50, "commentsCount": 0}
		]
	}`

	u, ok := MapRecord([]byte(raw), mapperNow)
	require.True(t, ok)

	assert.Equal(t, "foo", u.NormalizedUsername)
	assert.Equal(t, "1.5k", u.Followers)
	assert.Equal(t, "999", u.Following)
	assert.Equal(t, "2.3M", u.Posts)
	assert.Equal(t, 3, u.DaysSinceLastPost)
	assert.Equal(t, "6.67%", u.EngagementRate)
	assert.Equal(t, "Foo Bakery", u.FullName)
	assert.Equal(t, "https://cdn.example/foo.jpg", u.ProfilePictureURL)
	assert.Equal(t, models.ProvenanceRemote, u.Provenance)
	require.NotNil(t, u.LatestPostAt)
	assert.True(t, u.LatestPostAt.Equal(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)))
}

func TestMapRecordFallbackFields(t *testing.T) {
	raw := `{
		"ownerUsername": "@Bar",
		"full_name": "Bar",
		"profile_pic_url": "https://cdn.example/bar.jpg",
		"mediaCount": 42,
		"timestamp": "2026-10-16T11:00:00Z"
	}`

	u, ok := MapRecord([]byte(raw), mapperNow)
	require.True(t, ok)

	assert.Equal(t, "bar", u.NormalizedUsername)
	assert.Equal(t, "42", u.Posts)
	assert.Equal(t, "0", u.Followers)
	assert.Equal(t, "0%", u.EngagementRate)
	assert.Equal(t, 2, u.DaysSinceLastPost)
	assert.Equal(t, "Bar", u.FullName)
	assert.Equal(t, "https://cdn.example/bar.jpg", u.ProfilePictureURL)
}

func TestMapRecordEngagement(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "no followers", raw: `{"username":"a","latestPosts":[{"likesCount":10}]}`, want: "0%"},
		{name: "zero followers", raw: `{"username":"a","followersCount":0,"latestPosts":[{"likesCount":10}]}`, want: "0%"},
		{name: "no posts", raw: `{"username":"a","followersCount":100}`, want: "N/A"},
		{name: "empty posts", raw: `{"username":"a","followersCount":100,"latestPosts":[]}`, want: "N/A"},
		{name: "average", raw: `{"username":"a","followersCount":100,"latestPosts":[{"likesCount":10,"commentsCount":2},{"likesCount":12}]}`, want: "12.00%"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, ok := MapRecord([]byte(tt.raw), mapperNow)
			require.True(t, ok)
			assert.Equal(t, tt.want, u.EngagementRate)
		})
	}
}

func TestMapRecordLatestPostSelection(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantDays int
		wantNil  bool
	}{
		{
			name:     "newer entry in latestPosts overrides root date",
			raw:      `{"username":"a","latestPostDate":"2026-10-10T12:00:00Z","latestPosts":[{"timestamp":"2026-09-01T00:00:00Z"},{"timestamp":"2026-10-17T10:00:00Z"}]}`,
			wantDays: 1,
		},
		{
			name:     "older entries do not override",
			raw:      `{"username":"a","latestPostDate":"2026-10-16T12:00:00Z","latestPosts":[{"date":"2026-10-01T00:00:00Z"}]}`,
			wantDays: 2,
		},
		{
			name:     "latestPosts alone",
			raw:      `{"username":"a","latestPosts":[{"date":"2026-10-13T12:00:00Z"}]}`,
			wantDays: 5,
		},
		{
			name:     "epoch milliseconds",
			raw:      `{"username":"a","timestamp":1760356800000}`,
			wantDays: 370,
		},
		{
			name:    "no timestamp anywhere",
			raw:     `{"username":"a","latestPosts":[{"likesCount":1}]}`,
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, ok := MapRecord([]byte(tt.raw), mapperNow)
			require.True(t, ok)
			if tt.wantNil {
				assert.Nil(t, u.LatestPostAt)
				assert.Equal(t, 0, u.DaysSinceLastPost)
				return
			}
			require.NotNil(t, u.LatestPostAt)
			assert.Equal(t, tt.wantDays, u.DaysSinceLastPost)
		})
	}
}

func TestMapperSkipsRecordsWithoutUsername(t *testing.T) {
	m := NewMapper(logging.Discard(), func() time.Time { return mapperNow })

	out := m.Map([]json.RawMessage{
		json.RawMessage(`{"followersCount": 10}`),
		json.RawMessage(`{"username": "", "ownerUsername": ""}`),
		json.RawMessage(`{"username": "Kept"}`),
	})

	require.Len(t, out, 1)
	_, ok := out["kept"]
	assert.True(t, ok)
}
