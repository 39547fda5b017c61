package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postwatch/postwatch/internal/logging"
	"github.com/postwatch/postwatch/internal/metrics"
	"github.com/postwatch/postwatch/internal/models"
	"github.com/postwatch/postwatch/internal/registry"
	"github.com/postwatch/postwatch/internal/scheduler"
)

var fixedNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu      sync.Mutex
	clients []models.ClientRecord
}

func (m *memStore) Load(context.Context) ([]models.ClientRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients, m.clients != nil, nil
}

func (m *memStore) Save(_ context.Context, clients []models.ClientRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients = clients
	return nil
}

type fetcherFunc func(ctx context.Context, usernames []string) (map[string]models.UpdateRecord, error)

func (f fetcherFunc) Fetch(ctx context.Context, usernames []string) (map[string]models.UpdateRecord, error) {
	return f(ctx, usernames)
}

func noUpdates(context.Context, []string) (map[string]models.UpdateRecord, error) {
	return map[string]models.UpdateRecord{}, nil
}

func client(id, name, username string, days int) models.ClientRecord {
	return models.ClientRecord{
		ID:                id,
		Name:              name,
		Username:          username,
		Manager:           "Ana",
		DaysSinceLastPost: days,
		Followers:         "1.2K",
		Following:         "300",
		Posts:             "87",
		EngagementRate:    "2.10%",
		Provenance:        models.ProvenanceSeed,
	}
}

type testServer struct {
	registry *registry.Registry
	engine   *scheduler.Engine
	handler  *Handler
	router   http.Handler
}

func newTestServer(t *testing.T, remote fetcherFunc, seeds ...models.ClientRecord) *testServer {
	t.Helper()

	if seeds == nil {
		seeds = []models.ClientRecord{}
	}
	reg := registry.New(&memStore{}, logging.Discard(),
		registry.WithClock(func() time.Time { return fixedNow }),
		registry.WithSeeds(seeds),
	)
	require.NoError(t, reg.Load(context.Background()))

	if remote == nil {
		remote = noUpdates
	}
	engine := scheduler.NewEngine(reg, remote, fetcherFunc(noUpdates), logging.Discard(), nil)
	t.Cleanup(engine.Close)

	h := NewHandler(reg, engine, logging.Discard())
	h.now = func() time.Time { return fixedNow }

	return &testServer{
		registry: reg,
		engine:   engine,
		handler:  h,
		router:   NewRouter(h, nil),
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

type clientBody struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Username          string `json:"username"`
	Manager           string `json:"manager"`
	DaysSinceLastPost int    `json:"days_since_last_post"`
	Followers         string `json:"followers"`
	Staleness         struct {
		Tier    string `json:"tier"`
		Label   string `json:"label"`
		Pending bool   `json:"pending"`
	} `json:"staleness"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestListClientsOrdersByUrgency(t *testing.T) {
	s := newTestServer(t, nil,
		client("a", "Loja", "@loja", 0),
		client("b", "Padaria", "@padaria", 5),
		client("c", "Tech", "@tech", 1),
		client("d", "Studio", "@studio", 3),
	)

	rec := s.do(t, http.MethodGet, "/api/clients", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	body := decode[struct {
		Clients []clientBody `json:"clients"`
		Count   int          `json:"count"`
		Filter  string       `json:"filter"`
	}](t, rec)

	require.Equal(t, 4, body.Count)
	assert.Equal(t, "all", body.Filter)

	var days []int
	for _, c := range body.Clients {
		days = append(days, c.DaysSinceLastPost)
	}
	assert.Equal(t, []int{5, 3, 1, 0}, days)

	assert.Equal(t, "alert", body.Clients[0].Staleness.Tier)
	assert.Equal(t, "5 days without posting", body.Clients[0].Staleness.Label)
	assert.Equal(t, "warning", body.Clients[2].Staleness.Tier)
	assert.Equal(t, "on_track", body.Clients[3].Staleness.Tier)
}

func TestListClientsFilterAndQuery(t *testing.T) {
	s := newTestServer(t, nil,
		client("a", "Loja Bella", "@lojabella", 0),
		client("b", "Padaria", "@padaria", 5),
		client("c", "Bella Moda", "@bellamoda", 4),
	)

	rec := s.do(t, http.MethodGet, "/api/clients?filter=alert&q=bella", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Clients []clientBody `json:"clients"`
	}](t, rec)
	require.Len(t, body.Clients, 1)
	assert.Equal(t, "c", body.Clients[0].ID)
}

func TestListClientsRejectsUnknownFilter(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/clients?filter=stale", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "filter", body.Field)
}

func TestCreateClientReturnsPendingRecord(t *testing.T) {
	fetched := make(chan []string, 1)
	remote := func(_ context.Context, usernames []string) (map[string]models.UpdateRecord, error) {
		fetched <- usernames
		latest := fixedNow.Add(-24 * time.Hour)
		return map[string]models.UpdateRecord{
			"novaloja": {
				NormalizedUsername: "novaloja",
				DaysSinceLastPost:  1,
				Followers:          "10.0K",
				Following:          "120",
				Posts:              "300",
				EngagementRate:     "3.00%",
				LatestPostAt:       &latest,
				Provenance:         models.ProvenanceRemote,
			},
		}, nil
	}
	s := newTestServer(t, remote)

	rec := s.do(t, http.MethodPost, "/api/clients", `{"name":"Nova Loja","username":"@NovaLoja","manager":"Rui"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	created := decode[clientBody](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Nova Loja", created.Name)
	assert.Equal(t, models.PendingStat, created.Followers)
	assert.True(t, created.Staleness.Pending)

	select {
	case usernames := <-fetched:
		assert.Equal(t, []string{"@NovaLoja"}, usernames)
	case <-time.After(time.Second):
		t.Fatal("background fetch was not started")
	}

	assert.Eventually(t, func() bool {
		c, ok := s.registry.Get(created.ID)
		return ok && c.Followers == "10.0K"
	}, time.Second, 5*time.Millisecond)
}

func TestCreateClientValidation(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing name", `{"username":"@x"}`, "name"},
		{"blank username", `{"name":"X","username":" @ "}`, "username"},
		{"username with spaces", `{"name":"X","username":"two words"}`, "username"},
		{"malformed body", `{"name":`, "body"},
		{"unknown field", `{"name":"X","username":"x","followers":"1M"}`, "body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/clients", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.field, decode[ErrorResponse](t, rec).Field)
		})
	}

	assert.Empty(t, s.registry.Snapshot())
}

func TestGetClient(t *testing.T) {
	s := newTestServer(t, nil, client("a", "Loja", "@loja", 2))

	rec := s.do(t, http.MethodGet, "/api/clients/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[clientBody](t, rec)
	assert.Equal(t, "Loja", body.Name)
	assert.Equal(t, "warning", body.Staleness.Tier)

	rec = s.do(t, http.MethodGet, "/api/clients/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateClient(t *testing.T) {
	s := newTestServer(t, nil, client("a", "Loja", "@loja", 0))

	rec := s.do(t, http.MethodPut, "/api/clients/a", `{"manager":"Beatriz"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[clientBody](t, rec)
	assert.Equal(t, "Beatriz", body.Manager)
	assert.Equal(t, "Loja", body.Name)

	rec = s.do(t, http.MethodPut, "/api/clients/a", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/clients/a", `{"name":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/clients/missing", `{"manager":"Beatriz"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteClient(t *testing.T) {
	s := newTestServer(t, nil, client("a", "Loja", "@loja", 0))

	rec := s.do(t, http.MethodDelete, "/api/clients/a", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/clients/a", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, s.registry.Snapshot())
}

func TestSyncClient(t *testing.T) {
	fetched := make(chan []string, 1)
	remote := func(_ context.Context, usernames []string) (map[string]models.UpdateRecord, error) {
		fetched <- usernames
		return map[string]models.UpdateRecord{}, nil
	}
	s := newTestServer(t, remote, client("a", "Loja", "@loja", 0))

	rec := s.do(t, http.MethodPost, "/api/clients/a/sync", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "a", decode[SyncStartedResponse](t, rec).ClientID)

	select {
	case usernames := <-fetched:
		assert.Equal(t, []string{"@loja"}, usernames)
	case <-time.After(time.Second):
		t.Fatal("client sync was not started")
	}

	rec = s.do(t, http.MethodPost, "/api/clients/missing/sync", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshAllRejectsWhileBusy(t *testing.T) {
	release := make(chan struct{})
	remote := func(ctx context.Context, _ []string) (map[string]models.UpdateRecord, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return map[string]models.UpdateRecord{}, nil
	}
	s := newTestServer(t, remote, client("a", "Loja", "@loja", 0))
	defer close(release)

	rec := s.do(t, http.MethodPost, "/api/sync", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/sync", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, scheduler.ErrBusy.Error(), decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodGet, "/api/sync/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[scheduler.Status](t, rec).Busy)
}

func TestSyncStatusReportsLastBatch(t *testing.T) {
	s := newTestServer(t, nil, client("a", "Loja", "@loja", 0))

	_, err := s.engine.RefreshAll(context.Background())
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/api/sync/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	status := decode[scheduler.Status](t, rec)
	assert.False(t, status.Busy)
	require.NotNil(t, status.LastBatch)
	assert.Equal(t, scheduler.TriggerManual, status.LastBatch.Trigger)
	assert.Equal(t, models.ProvenanceRemote, status.LastBatch.Provenance)
}

func TestStats(t *testing.T) {
	s := newTestServer(t, nil,
		client("a", "Loja", "@loja", 0),
		client("b", "Padaria", "@padaria", 5),
		client("c", "Tech", "@tech", 2),
	)

	rec := s.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	stats := decode[registry.Stats](t, rec)
	assert.Equal(t, registry.Stats{Total: 3, Alert: 1, OnTrack: 2, Warning: 1}, stats)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]interface{}](t, rec)["status"])

	s.handler.SetHealthCheck(func(context.Context) error { return errors.New("connection refused") })
	rec = s.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decode[map[string]interface{}](t, rec)["status"])
}

func TestPreflightRequest(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodOptions, "/api/clients", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestRouterExposesMetrics(t *testing.T) {
	collector, err := metrics.NewCollector()
	require.NoError(t, err)

	s := newTestServer(t, nil, client("a", "Loja", "@loja", 0))
	router := NewRouter(s.handler, collector)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/clients/a", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `postwatch_http_requests_total{method="GET",path="/api/clients/{id}",status="200"} 1`)
}
