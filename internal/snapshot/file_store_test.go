package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postwatch/postwatch/internal/models"
)

func TestFileStoreLoadMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nested", "clients.json"))

	clients, found, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, clients)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "clients.json")
	store := NewFileStore(path)
	assert.Equal(t, path, store.Path())
	ctx := context.Background()

	posted := time.Date(2026, 10, 10, 12, 0, 0, 0, time.UTC)
	in := []models.ClientRecord{
		{
			ID:                "a",
			Name:              "Quintal Mineiro",
			Username:          "@quintalmineiromoc",
			Manager:           "Ana",
			DaysSinceLastPost: 14,
			Followers:         "12.5k",
			Following:         "850",
			Posts:             "342",
			EngagementRate:    "3.20%",
			LatestPostAt:      &posted,
			Provenance:        models.ProvenanceRemote,
		},
		{
			ID:             "b",
			Name:           "New Brand",
			Username:       "newbrand",
			Followers:      models.PendingStat,
			Following:      models.PendingStat,
			Posts:          models.PendingStat,
			EngagementRate: models.PendingStat,
		},
	}

	require.NoError(t, store.Save(ctx, in))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file should be renamed away")

	out, found, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, 14, out[0].DaysSinceLastPost)
	require.NotNil(t, out[0].LatestPostAt)
	assert.True(t, posted.Equal(*out[0].LatestPostAt))
	assert.True(t, out[1].IsPending())
}

func TestFileStoreSaveEmptyRoster(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "clients.json"))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, nil))

	out, found, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, out)
	assert.NotNil(t, out)
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, _, err := NewFileStore(path).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode snapshot")
}

func TestFileStoreHonoursCancelledContextWhileLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.json")
	holder := NewFileStore(path)
	require.NoError(t, holder.ensureDir())
	locked, err := holder.lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = holder.lock.Unlock() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = NewFileStore(path).Save(ctx, []models.ClientRecord{})
	require.Error(t, err)
}
