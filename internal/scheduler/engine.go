package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postwatch/postwatch/internal/metrics"
	"github.com/postwatch/postwatch/internal/models"
	"github.com/postwatch/postwatch/internal/scrape"
)

var (
	// ErrBusy is returned when a refresh-all is requested while another one
	// is in flight.
	ErrBusy = errors.New("a refresh is already in progress")

	// ErrClientNotFound is returned when syncing an unknown client id.
	ErrClientNotFound = errors.New("client not found")
)

// Trigger names what started a batch.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerPeriodic Trigger = "periodic"
	TriggerAdd      Trigger = "add"
	TriggerClient   Trigger = "client"
)

// Roster is the part of the client registry the engine reads and writes.
type Roster interface {
	Usernames() []string
	Merge(ctx context.Context, updates map[string]models.UpdateRecord) int
	Add(ctx context.Context, candidate models.ClientCandidate) (models.ClientRecord, error)
	Get(id string) (models.ClientRecord, bool)
}

// BatchResult describes one finished synchronization batch.
type BatchResult struct {
	Trigger     Trigger           `json:"trigger"`
	Requested   int               `json:"requested"`
	Updated     int               `json:"updated"`
	Provenance  models.Provenance `json:"provenance,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	Duration    time.Duration     `json:"duration_ns"`
	RemoteError string            `json:"remote_error,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Status is the engine state exposed to operators.
type Status struct {
	Busy      bool         `json:"busy"`
	LastBatch *BatchResult `json:"last_batch,omitempty"`
}

// Engine runs synchronization batches: it asks the remote fetcher for fresh
// profile data, falls back to synthetic data on any remote failure and merges
// the result into the roster. Only one refresh-all runs at a time; single
// client syncs run alongside it.
type Engine struct {
	roster   Roster
	remote   scrape.Fetcher
	fallback scrape.Fetcher
	logger   *slog.Logger
	metrics  *metrics.Collector

	busy atomic.Bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	lastMu sync.RWMutex
	last   *BatchResult
}

// NewEngine creates an engine. Background work started by the engine runs
// until Close is called.
func NewEngine(roster Roster, remote, fallback scrape.Fetcher, logger *slog.Logger, collector *metrics.Collector) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		roster:   roster,
		remote:   remote,
		fallback: fallback,
		logger:   logger,
		metrics:  collector,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// IsBusy reports whether a refresh-all is in flight.
func (e *Engine) IsBusy() bool {
	return e.busy.Load()
}

// Status returns the busy flag and the most recent batch.
func (e *Engine) Status() Status {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()

	s := Status{Busy: e.IsBusy()}
	if e.last != nil {
		last := *e.last
		s.LastBatch = &last
	}
	return s
}

// RefreshAll synchronizes every client on the roster and waits for the
// batch to finish. It returns ErrBusy without contacting the provider when a
// refresh is already running.
func (e *Engine) RefreshAll(ctx context.Context) (BatchResult, error) {
	return e.refreshAll(ctx, TriggerManual)
}

func (e *Engine) refreshAll(ctx context.Context, trigger Trigger) (BatchResult, error) {
	if !e.acquire() {
		return BatchResult{}, ErrBusy
	}
	defer e.release()

	result := e.runBatch(ctx, trigger, e.roster.Usernames())
	if result.Error != "" {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("refresh cancelled: %w", err)
		}
		return result, fmt.Errorf("refresh failed: %s", result.Error)
	}
	return result, nil
}

// StartRefreshAll starts a refresh-all in the background. It reports false,
// and starts nothing, when a refresh is already running.
func (e *Engine) StartRefreshAll() bool {
	if !e.acquire() {
		return false
	}

	usernames := e.roster.Usernames()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release()
		e.runBatch(e.baseCtx, TriggerManual, usernames)
	}()

	return true
}

// AddClient inserts a client and starts fetching its profile in the
// background. The returned record is still pending.
func (e *Engine) AddClient(ctx context.Context, candidate models.ClientCandidate) (models.ClientRecord, error) {
	record, err := e.roster.Add(ctx, candidate)
	if err != nil {
		return models.ClientRecord{}, err
	}

	e.logger.Info("client added", "client_id", record.ID, "username", record.NormalizedUsername())
	e.spawn(TriggerAdd, []string{record.Username})

	return record, nil
}

// SyncClient starts a background sync of one existing client.
func (e *Engine) SyncClient(id string) (models.ClientRecord, error) {
	record, ok := e.roster.Get(id)
	if !ok {
		return models.ClientRecord{}, ErrClientNotFound
	}

	e.spawn(TriggerClient, []string{record.Username})
	return record, nil
}

// Close cancels background batches and waits for them to return.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) spawn(trigger Trigger, usernames []string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runBatch(e.baseCtx, trigger, usernames)
	}()
}

func (e *Engine) acquire() bool {
	if !e.busy.CompareAndSwap(false, true) {
		return false
	}
	e.metrics.SetBusy(true)
	return true
}

func (e *Engine) release() {
	e.busy.Store(false)
	e.metrics.SetBusy(false)
}

// runBatch fetches and merges one batch. It never panics and never returns
// an error: failures are recorded on the result.
func (e *Engine) runBatch(ctx context.Context, trigger Trigger, usernames []string) (result BatchResult) {
	result = BatchResult{
		Trigger:   trigger,
		Requested: len(usernames),
		StartedAt: time.Now().UTC(),
	}
	logger := e.logger.With("trigger", string(trigger), "usernames", len(usernames))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("sync batch panicked", "panic", r, "stack", string(debug.Stack()))
			result.Error = fmt.Sprintf("panic: %v", r)
		}
		result.Duration = time.Since(result.StartedAt)
		provenance := string(result.Provenance)
		if result.Error != "" {
			provenance = "none"
		}
		e.metrics.ObserveBatch(string(trigger), provenance, result.Duration)
		e.record(result)
	}()

	if len(usernames) == 0 {
		logger.Info("nothing to synchronize")
		return result
	}

	logger.Info("sync batch started")

	updates, err := e.remote.Fetch(ctx, usernames)
	result.Provenance = models.ProvenanceRemote
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Info("sync batch cancelled", "error", ctxErr)
			result.Error = ctxErr.Error()
			return result
		}

		result.RemoteError = err.Error()
		logger.Warn("remote fetch failed, substituting synthetic data",
			"error", err,
			"provenance", string(models.ProvenanceSynthetic),
		)

		updates, err = e.fallback.Fetch(ctx, usernames)
		if err != nil {
			logger.Info("sync batch cancelled during fallback", "error", err)
			result.Error = err.Error()
			return result
		}
		result.Provenance = models.ProvenanceSynthetic
	}

	result.Updated = e.roster.Merge(ctx, updates)
	logger.Info("sync batch finished",
		"provenance", string(result.Provenance),
		"updated", result.Updated,
		"duration", time.Since(result.StartedAt),
	)

	return result
}

func (e *Engine) record(result BatchResult) {
	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	e.last = &result
}
