package scrape

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a job is still running after the poll
	// ceiling has been reached.
	ErrTimeout = errors.New("scrape job did not finish before the poll limit")

	// ErrNotConfigured is returned by the unavailable fetcher when no provider
	// credential is set.
	ErrNotConfigured = errors.New("scrape provider is not configured")

	// ErrNoUsernames is returned when a batch is submitted without usernames.
	ErrNoUsernames = errors.New("no usernames to fetch")
)

// HTTPError is a non-2xx response from the provider.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d: %s", e.StatusCode, e.Body)
}

// SubmissionError reports that a scrape job could not be created.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit scrape job: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// PollError reports a single failed status check. Polling continues after it.
type PollError struct {
	JobID   string
	Attempt int
	Err     error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll job %s (attempt %d): %v", e.JobID, e.Attempt, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// JobFailedError reports a job that reached a terminal state other than
// succeeded.
type JobFailedError struct {
	JobID  string
	Status JobState
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("scrape job %s finished with status %s", e.JobID, e.Status)
}

// RetryableError wraps a transient failure so the fetch retry policy tries
// again.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable checks if an error should trigger a retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable *RetryableError
	return errors.As(err, &retryable)
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
