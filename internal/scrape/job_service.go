// Package scrape drives remote profile-scrape jobs and maps their results into
// roster updates.
package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/tidwall/gjson"

	"github.com/postwatch/postwatch/internal/config"
)

//go:generate mockgen -destination=mocks/mock_job_service.go -package=mocks -source=job_service.go

// JobState is the provider-independent state of a scrape job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateAborted   JobState = "aborted"
	StateTimedOut  JobState = "timed-out"
)

// IsTerminal reports whether the job will not change state again.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateQueued, StateRunning:
		return false
	default:
		return true
	}
}

// ParseProviderStatus maps a provider run status to a JobState. Unknown
// statuses are treated as failures so polling stops.
func ParseProviderStatus(raw string) JobState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "READY":
		return StateQueued
	case "RUNNING", "TIMING-OUT", "ABORTING":
		return StateRunning
	case "SUCCEEDED":
		return StateSucceeded
	case "FAILED":
		return StateFailed
	case "ABORTED":
		return StateAborted
	case "TIMED-OUT":
		return StateTimedOut
	default:
		return StateFailed
	}
}

// JobRun identifies a submitted job and where its results will be stored.
// State is the status reported at submission, StateQueued when none was given.
type JobRun struct {
	ID        string
	DatasetID string
	State     JobState
}

// JobService is the remote batch job API.
type JobService interface {
	// Submit starts a job that scrapes the given usernames.
	Submit(ctx context.Context, usernames []string) (JobRun, error)

	// Status returns the current state of a job.
	Status(ctx context.Context, jobID string) (JobState, error)

	// Items returns the raw result records of a finished job.
	Items(ctx context.Context, datasetID string) ([]json.RawMessage, error)
}

// Config configures the HTTP job service and the poll loop.
type Config struct {
	BaseURL      string
	Token        string
	ActorID      string
	ResultsLimit int
	HTTPTimeout  time.Duration
	PollInterval time.Duration
	MaxPolls     int

	ItemRetries    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// ConfigFromScraper converts the process configuration.
func ConfigFromScraper(cfg config.ScraperConfig) Config {
	return Config{
		BaseURL:        cfg.BaseURL,
		Token:          cfg.Token,
		ActorID:        cfg.ActorID,
		ResultsLimit:   cfg.ResultsLimit,
		HTTPTimeout:    cfg.HTTPTimeout,
		PollInterval:   cfg.PollInterval,
		MaxPolls:       cfg.MaxPolls,
		ItemRetries:    3,
		RetryBaseDelay: defaultRetryBaseDelay,
		RetryMaxDelay:  5 * time.Second,
	}
}

const (
	maxErrorBody          = 512
	defaultRetryBaseDelay = 500 * time.Millisecond
)

// HTTPJobService talks to an Apify-style actor API.
type HTTPJobService struct {
	baseURL      string
	token        string
	actorID      string
	resultsLimit int
	client       *http.Client
	itemsPolicy  retrypolicy.RetryPolicy[[]json.RawMessage]
	logger       *slog.Logger
}

// NewHTTPJobService creates a job service. A nil httpClient gets a client
// with cfg.HTTPTimeout.
func NewHTTPJobService(cfg Config, httpClient *http.Client, logger *slog.Logger) *HTTPJobService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	resultsLimit := cfg.ResultsLimit
	if resultsLimit <= 0 {
		resultsLimit = 1
	}

	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}
	retries := cfg.ItemRetries
	if retries < 0 {
		retries = 0
	}

	policy := retrypolicy.NewBuilder[[]json.RawMessage]().
		HandleIf(func(_ []json.RawMessage, err error) bool {
			return IsRetryable(err)
		}).
		WithBackoff(baseDelay, max(cfg.RetryMaxDelay, baseDelay)).
		WithMaxRetries(retries).
		WithJitterFactor(0.1).
		ReturnLastFailure().
		Build()

	return &HTTPJobService{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.Token,
		actorID:      cfg.ActorID,
		resultsLimit: resultsLimit,
		client:       httpClient,
		itemsPolicy:  policy,
		logger:       logger,
	}
}

type submitRequest struct {
	Usernames    []string `json:"usernames"`
	ResultsLimit int      `json:"resultsLimit"`
}

// Submit starts a scrape run for usernames.
func (s *HTTPJobService) Submit(ctx context.Context, usernames []string) (JobRun, error) {
	body, err := json.Marshal(submitRequest{Usernames: usernames, ResultsLimit: s.resultsLimit})
	if err != nil {
		return JobRun{}, fmt.Errorf("encode job input: %w", err)
	}

	endpoint := fmt.Sprintf("%s/acts/%s/runs", s.baseURL, url.PathEscape(s.actorID))
	payload, err := s.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return JobRun{}, err
	}

	data := gjson.GetBytes(payload, "data")
	run := JobRun{
		ID:        data.Get("id").String(),
		DatasetID: data.Get("defaultDatasetId").String(),
		State:     StateQueued,
	}
	if status := data.Get("status"); status.Exists() {
		run.State = ParseProviderStatus(status.String())
	}
	if run.ID == "" || run.DatasetID == "" {
		return JobRun{}, fmt.Errorf("job response is missing id or dataset id")
	}

	return run, nil
}

// Status fetches the run status.
func (s *HTTPJobService) Status(ctx context.Context, jobID string) (JobState, error) {
	endpoint := fmt.Sprintf("%s/acts/%s/runs/%s", s.baseURL, url.PathEscape(s.actorID), url.PathEscape(jobID))
	payload, err := s.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	status := gjson.GetBytes(payload, "data.status")
	if !status.Exists() {
		return "", fmt.Errorf("status response is missing data.status")
	}
	return ParseProviderStatus(status.String()), nil
}

// Items fetches every record of the run's dataset, retrying transient
// failures.
func (s *HTTPJobService) Items(ctx context.Context, datasetID string) ([]json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/datasets/%s/items", s.baseURL, url.PathEscape(datasetID))

	attempt := 0
	return failsafe.With(s.itemsPolicy).WithContext(ctx).Get(func() ([]json.RawMessage, error) {
		attempt++
		payload, err := s.do(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			if IsRetryable(err) {
				s.logger.Debug("dataset fetch failed", "dataset_id", datasetID, "attempt", attempt, "error", err)
			}
			return nil, err
		}

		var items []json.RawMessage
		if err := json.Unmarshal(payload, &items); err != nil {
			return nil, fmt.Errorf("decode dataset items: %w", err)
		}
		return items, nil
	})
}

// do performs one request and returns the body of a 2xx response. Transport
// errors, 429 and 5xx responses are wrapped in RetryableError.
func (s *HTTPJobService) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, NewRetryableError(fmt.Errorf("%s %s: %w", method, redact(endpoint), err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewRetryableError(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(payload), maxErrorBody)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, NewRetryableError(httpErr)
		}
		return nil, httpErr
	}

	return payload, nil
}

func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	u.RawQuery = ""
	return u.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
