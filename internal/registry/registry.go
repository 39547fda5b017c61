// Package registry holds the in-memory client roster and keeps it in sync with
// a persistent snapshot store.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postwatch/postwatch/internal/metrics"
	"github.com/postwatch/postwatch/internal/models"
	"github.com/postwatch/postwatch/internal/staleness"
)

// ErrInvalidClient is returned when a candidate or edit would leave a client
// without a name or username.
var ErrInvalidClient = errors.New("client requires a name and a username")

// PersistenceError wraps a failed snapshot write. It is logged, never returned
// to callers: the in-memory roster stays authoritative.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist roster: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Filter selects a subset of clients in List.
type Filter string

const (
	FilterAll   Filter = "all"
	FilterAlert Filter = "alert"
)

// ParseFilter validates a filter name. The empty string means FilterAll.
func ParseFilter(raw string) (Filter, error) {
	switch Filter(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterAlert:
		return FilterAlert, nil
	default:
		return "", fmt.Errorf("unknown filter %q", raw)
	}
}

// Stats summarizes the roster for the overview panel.
type Stats struct {
	Total   int `json:"total"`
	Alert   int `json:"alert"`
	OnTrack int `json:"on_track"`
	Warning int `json:"warning"`
	Pending int `json:"pending"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithMetrics publishes tier gauges and snapshot failures to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registry) {
		r.metrics = c
	}
}

// WithSeeds replaces the built-in default roster used when the store is empty.
func WithSeeds(seeds []models.ClientRecord) Option {
	return func(r *Registry) {
		r.seeds = seeds
	}
}

// Registry is the authoritative client roster. Clients are kept newest first.
type Registry struct {
	mu      sync.RWMutex
	clients []models.ClientRecord
	version uint64

	saveMu       sync.Mutex
	savedVersion uint64

	store   models.RosterStore
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
	seeds   []models.ClientRecord
}

// New creates an empty registry. Call Load before serving reads.
func New(store models.RosterStore, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load reads the stored roster. When nothing is stored yet the seed roster is
// installed and written back.
func (r *Registry) Load(ctx context.Context) error {
	clients, found, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}

	if !found {
		seeds := r.seeds
		if seeds == nil {
			seeds = DefaultClients(r.now())
		}
		clients = make([]models.ClientRecord, len(seeds))
		for i, s := range seeds {
			clients[i] = s.Clone()
		}
		r.logger.Info("no stored roster found, installing seed clients", "count", len(clients))
	}

	r.mu.Lock()
	r.clients = clients
	r.version++
	snapshot, version := r.snapshotLocked()
	r.mu.Unlock()

	if !found {
		r.persist(ctx, snapshot, version)
	} else {
		r.publishTiers(snapshot)
		r.logger.Info("roster loaded", "count", len(clients))
	}

	return nil
}

// Add inserts a new client at the front of the roster with pending stats.
func (r *Registry) Add(ctx context.Context, candidate models.ClientCandidate) (models.ClientRecord, error) {
	name := strings.TrimSpace(candidate.Name)
	username := strings.TrimSpace(candidate.Username)
	if name == "" || models.NormalizeUsername(username) == "" {
		return models.ClientRecord{}, ErrInvalidClient
	}

	record := models.ClientRecord{
		ID:                uuid.NewString(),
		Name:              name,
		Username:          username,
		Manager:           strings.TrimSpace(candidate.Manager),
		DaysSinceLastPost: 0,
		Followers:         models.PendingStat,
		Following:         models.PendingStat,
		Posts:             models.PendingStat,
		EngagementRate:    models.PendingStat,
		CreatedAt:         r.now().UTC(),
	}

	r.mu.Lock()
	r.clients = slices.Insert(r.clients, 0, record)
	r.version++
	snapshot, version := r.snapshotLocked()
	r.mu.Unlock()

	r.persist(ctx, snapshot, version)

	return record.Clone(), nil
}

// Update applies the non-nil fields to the client with the given id. It
// reports false when no such client exists.
func (r *Registry) Update(ctx context.Context, id string, fields models.ClientFields) (models.ClientRecord, bool, error) {
	if fields.Name != nil && strings.TrimSpace(*fields.Name) == "" {
		return models.ClientRecord{}, false, ErrInvalidClient
	}
	if fields.Username != nil && models.NormalizeUsername(*fields.Username) == "" {
		return models.ClientRecord{}, false, ErrInvalidClient
	}

	r.mu.Lock()
	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return models.ClientRecord{}, false, nil
	}

	c := &r.clients[idx]
	if fields.Name != nil {
		c.Name = strings.TrimSpace(*fields.Name)
	}
	if fields.Manager != nil {
		c.Manager = strings.TrimSpace(*fields.Manager)
	}
	if fields.Username != nil {
		c.Username = strings.TrimSpace(*fields.Username)
	}
	updated := c.Clone()
	r.version++
	snapshot, version := r.snapshotLocked()
	r.mu.Unlock()

	r.persist(ctx, snapshot, version)

	return r.withCurrentDays(updated, r.now()), true, nil
}

// Remove deletes the client with the given id. Removing an unknown id is a
// no-op that reports false.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	r.mu.Lock()
	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	r.clients = slices.Delete(r.clients, idx, idx+1)
	r.version++
	snapshot, version := r.snapshotLocked()
	r.mu.Unlock()

	r.persist(ctx, snapshot, version)

	return true
}

// Merge applies updates to every client whose normalized username matches a
// key. Keys may be given raw ("@Brand") or normalized ("brand"); when both
// forms are present the normalized key wins. Clients without a matching update
// are untouched. It returns the number of clients matched; the roster is only
// persisted when one of them actually changed.
func (r *Registry) Merge(ctx context.Context, updates map[string]models.UpdateRecord) int {
	index := buildUpdateIndex(updates)
	if len(index) == 0 {
		return 0
	}

	syncedAt := r.now().UTC()

	r.mu.Lock()
	applied, changed := 0, 0
	for i := range r.clients {
		u, ok := index[r.clients[i].NormalizedUsername()]
		if !ok {
			continue
		}
		if r.clients[i].ApplyUpdate(u, syncedAt) {
			changed++
		}
		applied++
	}
	if changed == 0 {
		r.mu.Unlock()
		return applied
	}
	r.version++
	snapshot, version := r.snapshotLocked()
	r.mu.Unlock()

	r.persist(ctx, snapshot, version)

	return applied
}

func buildUpdateIndex(updates map[string]models.UpdateRecord) map[string]models.UpdateRecord {
	index := make(map[string]models.UpdateRecord, len(updates))
	exact := make(map[string]bool, len(updates))
	for key, u := range updates {
		norm := models.NormalizeUsername(key)
		if norm == "" {
			continue
		}
		isExact := key == norm
		if exact[norm] && !isExact {
			continue
		}
		index[norm] = u
		if isExact {
			exact[norm] = true
		}
	}
	return index
}

// Get returns a copy of the client with the given id.
func (r *Registry) Get(id string) (models.ClientRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := r.indexLocked(id)
	if idx < 0 {
		return models.ClientRecord{}, false
	}
	return r.withCurrentDays(r.clients[idx].Clone(), r.now()), true
}

// Snapshot returns a copy of every client in insertion order.
func (r *Registry) Snapshot() []models.ClientRecord {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ClientRecord, len(r.clients))
	for i, c := range r.clients {
		out[i] = r.withCurrentDays(c.Clone(), now)
	}
	return out
}

// List returns the clients matching filter and query, most urgent first.
// query matches case-insensitively against name or username.
func (r *Registry) List(filter Filter, query string) []models.ClientRecord {
	q := strings.ToLower(strings.TrimSpace(query))

	all := r.Snapshot()
	out := make([]models.ClientRecord, 0, len(all))
	for _, c := range all {
		if filter == FilterAlert && !staleness.IsAlert(c.DaysSinceLastPost) {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(c.Name), q) &&
			!strings.Contains(strings.ToLower(c.Username), q) {
			continue
		}
		out = append(out, c)
	}

	slices.SortStableFunc(out, func(a, b models.ClientRecord) int {
		if c := cmp.Compare(staleness.TierOf(b.DaysSinceLastPost), staleness.TierOf(a.DaysSinceLastPost)); c != 0 {
			return c
		}
		return cmp.Compare(b.DaysSinceLastPost, a.DaysSinceLastPost)
	})

	return out
}

// Usernames returns the distinct normalized usernames on the roster.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.clients))
	out := make([]string, 0, len(r.clients))
	for _, c := range r.clients {
		u := c.NormalizedUsername()
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// Stats counts clients per overview bucket.
func (r *Registry) Stats() Stats {
	return computeStats(r.Snapshot())
}

func computeStats(clients []models.ClientRecord) Stats {
	var s Stats
	s.Total = len(clients)
	for _, c := range clients {
		if c.IsPending() {
			s.Pending++
		}
		switch staleness.TierOf(c.DaysSinceLastPost) {
		case staleness.TierAlert:
			s.Alert++
		case staleness.TierWarning:
			s.Warning++
		}
	}
	s.OnTrack = s.Total - s.Alert
	return s
}

func (r *Registry) indexLocked(id string) int {
	return slices.IndexFunc(r.clients, func(c models.ClientRecord) bool {
		return c.ID == id
	})
}

func (r *Registry) snapshotLocked() ([]models.ClientRecord, uint64) {
	out := make([]models.ClientRecord, len(r.clients))
	for i, c := range r.clients {
		out[i] = c.Clone()
	}
	return out, r.version
}

// withCurrentDays refreshes the day count from the latest post timestamp so
// reads stay correct between synchronizations.
func (r *Registry) withCurrentDays(c models.ClientRecord, now time.Time) models.ClientRecord {
	if c.LatestPostAt != nil && !c.IsPending() {
		c.DaysSinceLastPost = staleness.DaysSince(*c.LatestPostAt, now)
	}
	return c
}

// persist writes snapshot unless a newer version has already been written.
// Failures are logged and counted; the next mutation writes again.
func (r *Registry) persist(ctx context.Context, snapshot []models.ClientRecord, version uint64) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	if version <= r.savedVersion {
		return
	}

	if err := r.store.Save(context.WithoutCancel(ctx), snapshot); err != nil {
		perr := &PersistenceError{Err: err}
		r.logger.Warn("failed to persist roster, keeping in-memory state", "error", perr, "version", version)
		r.metrics.IncSnapshotFailure()
		return
	}

	r.savedVersion = version
	r.publishTiers(snapshot)
}

func (r *Registry) publishTiers(snapshot []models.ClientRecord) {
	if r.metrics == nil {
		return
	}
	now := r.now()
	counts := map[string]int{
		staleness.TierAlert.String():   0,
		staleness.TierWarning.String(): 0,
		staleness.TierOnTrack.String(): 0,
	}
	for _, c := range snapshot {
		c = r.withCurrentDays(c, now)
		counts[staleness.TierOf(c.DaysSinceLastPost).String()]++
	}
	r.metrics.SetClientsByTier(counts)
}
