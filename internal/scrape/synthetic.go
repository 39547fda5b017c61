package scrape

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/postwatch/postwatch/internal/models"
)

// Synthetic produces plausible random updates when the provider cannot be
// reached. Every update it returns carries synthetic provenance.
type Synthetic struct {
	mu    sync.Mutex
	rng   *rand.Rand
	delay time.Duration
	now   func() time.Time
}

// NewSynthetic creates a generator that waits delay before answering. A nil
// rng uses a randomly seeded source.
func NewSynthetic(delay time.Duration, now func() time.Time, rng *rand.Rand) *Synthetic {
	if now == nil {
		now = time.Now
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Synthetic{rng: rng, delay: delay, now: now}
}

// Fetch implements Fetcher.
func (s *Synthetic) Fetch(ctx context.Context, usernames []string) (map[string]models.UpdateRecord, error) {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return s.Generate(usernames), nil
}

// Generate returns one update per distinct normalized username, with days
// since the last post between 0 and 9.
func (s *Synthetic) Generate(usernames []string) map[string]models.UpdateRecord {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]models.UpdateRecord, len(usernames))
	for _, handle := range normalizeAll(usernames) {
		days := s.rng.IntN(10)
		latest := now.Add(-time.Duration(days) * 24 * time.Hour)
		out[handle] = models.UpdateRecord{
			NormalizedUsername: handle,
			DaysSinceLastPost:  days,
			Followers:          FormatCount(s.rng.Int64N(10_000)),
			Following:          FormatCount(s.rng.Int64N(1_000)),
			Posts:              FormatCount(s.rng.Int64N(500)),
			EngagementRate:     fmt.Sprintf("%.2f%%", s.rng.Float64()*10),
			LatestPostAt:       &latest,
			Provenance:         models.ProvenanceSynthetic,
		}
	}
	return out
}
