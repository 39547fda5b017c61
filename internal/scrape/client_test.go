package scrape_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/postwatch/postwatch/internal/logging"
	"github.com/postwatch/postwatch/internal/models"
	"github.com/postwatch/postwatch/internal/scrape"
	"github.com/postwatch/postwatch/internal/scrape/mocks"
)

var clientNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newClient(jobs scrape.JobService, maxPolls int) *scrape.Client {
	mapper := scrape.NewMapper(logging.Discard(), func() time.Time { return clientNow })
	return scrape.NewClient(jobs, mapper, scrape.Config{
		PollInterval: time.Millisecond,
		MaxPolls:     maxPolls,
	}, logging.Discard(), nil)
}

var run = scrape.JobRun{ID: "run-1", DatasetID: "ds-1", State: scrape.StateQueued}

func TestSubmitAndFetchSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobService(ctrl)

	gomock.InOrder(
		jobs.EXPECT().Submit(gomock.Any(), []string{"newbrand", "other"}).Return(run, nil),
		jobs.EXPECT().Status(gomock.Any(), "run-1").Return(scrape.StateQueued, nil),
		jobs.EXPECT().Status(gomock.Any(), "run-1").Return(scrape.StateRunning, nil),
		jobs.EXPECT().Status(gomock.Any(), "run-1").Return(scrape.StateSucceeded, nil),
		jobs.EXPECT().Items(gomock.Any(), "ds-1").Return([]json.RawMessage{
			json.RawMessage(`{"username":"newbrand","followersCount":12500,"latestPostDate":"2026-10-15T12:00:00Z","latestPosts":[]}`),
		}, nil),
	)

	updates, err := newClient(jobs, 20).SubmitAndFetch(context.Background(), []string{"@NewBrand", "newbrand", "other"})
	require.NoError(t, err)
	require.Len(t, updates, 1)

	u := updates["newbrand"]
	assert.Equal(t, 3, u.DaysSinceLastPost)
	assert.Equal(t, "12.5k", u.Followers)
	assert.Equal(t, "N/A", u.EngagementRate)
	assert.Equal(t, models.ProvenanceRemote, u.Provenance)
}

func TestSubmitAndFetchSkipsPollingWhenSubmitReportsTerminalState(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobService(ctrl)

	failed := run
	failed.State = scrape.StateFailed
	jobs.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(failed, nil)

	_, err := newClient(jobs, 20).SubmitAndFetch(context.Background(), []string{"brand"})

	var jobErr *scrape.JobFailedError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, scrape.StateFailed, jobErr.Status)
}

func TestSubmitAndFetchTimesOutAfterMaxPolls(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobService(ctrl)

	jobs.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(run, nil)
	jobs.EXPECT().Status(gomock.Any(), "run-1").Return(scrape.StateRunning, nil).Times(20)

	_, err := newClient(jobs, 20).SubmitAndFetch(context.Background(), []string{"brand"})
	assert.ErrorIs(t, err, scrape.ErrTimeout)
}

func TestSubmitAndFetchFailedStatusChecksCountTowardLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobService(ctrl)

	jobs.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(run, nil)
	jobs.EXPECT().Status(gomock.Any(), "run-1").Return(scrape.JobState(""), errors.New("connection reset")).Times(3)

	_, err := newClient(jobs, 3).SubmitAndFetch(context.Background(), []string{"brand"})
	assert.ErrorIs(t, err, scrape.ErrTimeout)
}

func TestSubmitAndFetchContinuesAfterPollError(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobService(ctrl)

	gomock.InOrder(
		jobs.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(run, nil),
		jobs.EXPECT().Status(gomock.Any(), "run-1").Return(scrape.JobState(""), errors.New("502")),
		jobs.EXPECT().Status(gomock.Any(), "run-1").Return(scrape.StateSucceeded, nil),
		jobs.EXPECT().Items(gomock.Any(), "ds-1").Return([]json.RawMessage{}, nil),
	)

	updates, err := newClient(jobs, 20).SubmitAndFetch(context.Background(), []string{"brand"})
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestSubmitAndFetchJobFailed(t *testing.T) {
	for _, state := range []scrape.JobState{scrape.StateFailed, scrape.StateAborted, scrape.StateTimedOut} {
		t.Run(string(state), func(t *testing.T) {
			ctrl := gomock.NewController(t)
			jobs := mocks.NewMockJobService(ctrl)

			jobs.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(run, nil)
			jobs.EXPECT().Status(gomock.Any(), "run-1").Return(state, nil)

			_, err := newClient(jobs, 20).SubmitAndFetch(context.Background(), []string{"brand"})

			var failed *scrape.JobFailedError
			require.True(t, errors.As(err, &failed))
			assert.Equal(t, state, failed.Status)
			assert.Equal(t, "run-1", failed.JobID)
		})
	}
}

func TestSubmitAndFetchSubmissionError(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobService(ctrl)

	jobs.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return(scrape.JobRun{}, &scrape.HTTPError{StatusCode: http.StatusUnauthorized, Body: "bad token"})

	_, err := newClient(jobs, 20).SubmitAndFetch(context.Background(), []string{"brand"})

	var submission *scrape.SubmissionError
	require.True(t, errors.As(err, &submission))
	var httpErr *scrape.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
}

func TestSubmitAndFetchWithoutUsernames(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobService(ctrl)

	_, err := newClient(jobs, 20).SubmitAndFetch(context.Background(), []string{"", "@"})
	assert.ErrorIs(t, err, scrape.ErrNoUsernames)
}

func TestSubmitAndFetchCancelledWhilePolling(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobService(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	jobs.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(run, nil)
	jobs.EXPECT().Status(gomock.Any(), "run-1").DoAndReturn(func(context.Context, string) (scrape.JobState, error) {
		cancel()
		return scrape.StateRunning, nil
	})

	_, err := newClient(jobs, 20).SubmitAndFetch(ctx, []string{"brand"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnavailableFetcher(t *testing.T) {
	_, err := scrape.Unavailable{}.Fetch(context.Background(), []string{"brand"})
	assert.ErrorIs(t, err, scrape.ErrNotConfigured)
}
