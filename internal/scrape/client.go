package scrape

import (
	"context"
	"log/slog"
	"time"

	"github.com/postwatch/postwatch/internal/metrics"
	"github.com/postwatch/postwatch/internal/models"
)

// Fetcher returns fresh updates for a set of usernames, keyed by normalized
// username.
type Fetcher interface {
	Fetch(ctx context.Context, usernames []string) (map[string]models.UpdateRecord, error)
}

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxPolls     = 20
)

// Client runs one scrape job to completion: submit, poll, fetch, map.
type Client struct {
	jobs         JobService
	mapper       *Mapper
	pollInterval time.Duration
	maxPolls     int
	logger       *slog.Logger
	metrics      *metrics.Collector
}

// NewClient creates a client on top of a job service.
func NewClient(jobs JobService, mapper *Mapper, cfg Config, logger *slog.Logger, collector *metrics.Collector) *Client {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxPolls := cfg.MaxPolls
	if maxPolls <= 0 {
		maxPolls = defaultMaxPolls
	}
	return &Client{
		jobs:         jobs,
		mapper:       mapper,
		pollInterval: interval,
		maxPolls:     maxPolls,
		logger:       logger,
		metrics:      collector,
	}
}

// Fetch implements Fetcher.
func (c *Client) Fetch(ctx context.Context, usernames []string) (map[string]models.UpdateRecord, error) {
	return c.SubmitAndFetch(ctx, usernames)
}

// SubmitAndFetch submits one job for usernames, waits for it to finish and
// returns the mapped results. Failed status checks are logged and count
// toward the poll limit.
func (c *Client) SubmitAndFetch(ctx context.Context, usernames []string) (map[string]models.UpdateRecord, error) {
	handles := normalizeAll(usernames)
	if len(handles) == 0 {
		return nil, ErrNoUsernames
	}

	run, err := c.jobs.Submit(ctx, handles)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &SubmissionError{Err: err}
	}

	logger := c.logger.With("job_id", run.ID, "dataset_id", run.DatasetID, "usernames", len(handles))
	logger.Info("scrape job submitted", "state", run.State)

	state := run.State
	if !state.IsTerminal() {
		state, err = c.waitForTerminal(ctx, run.ID, logger)
		if err != nil {
			return nil, err
		}
	}
	if state != StateSucceeded {
		return nil, &JobFailedError{JobID: run.ID, Status: state}
	}

	items, err := c.jobs.Items(ctx, run.DatasetID)
	if err != nil {
		return nil, err
	}

	updates := c.mapper.Map(items)
	logger.Info("scrape job results mapped", "items", len(items), "updates", len(updates))

	return updates, nil
}

func (c *Client) waitForTerminal(ctx context.Context, jobID string, logger *slog.Logger) (JobState, error) {
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()

	for attempt := 1; attempt <= c.maxPolls; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if attempt > 1 {
			timer.Reset(c.pollInterval)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}

		state, err := c.jobs.Status(ctx, jobID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			perr := &PollError{JobID: jobID, Attempt: attempt, Err: err}
			logger.Warn("job status check failed", "attempt", attempt, "error", perr)
			c.metrics.ObservePoll("error")
			continue
		}

		c.metrics.ObservePoll(string(state))
		logger.Debug("job status", "attempt", attempt, "state", state)

		if state.IsTerminal() {
			return state, nil
		}
	}

	logger.Warn("scrape job did not finish in time", "polls", c.maxPolls)
	return "", ErrTimeout
}

func normalizeAll(usernames []string) []string {
	seen := make(map[string]struct{}, len(usernames))
	out := make([]string, 0, len(usernames))
	for _, u := range usernames {
		n := models.NormalizeUsername(u)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Unavailable is the fetcher used when no provider credential is configured.
type Unavailable struct{}

// Fetch always fails with ErrNotConfigured.
func (Unavailable) Fetch(context.Context, []string) (map[string]models.UpdateRecord, error) {
	return nil, ErrNotConfigured
}
