package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelscope/property-research/internal/config"
	"github.com/parcelscope/property-research/internal/cost"
	"github.com/parcelscope/property-research/internal/model"
	"github.com/parcelscope/property-research/internal/store"
	"github.com/parcelscope/property-research/pkg/perplexity"
)

// fakeStore is an in-memory Store for handler tests.
type fakeStore struct {
	mu    sync.Mutex
	cache map[string][]byte
	locks map[string]bool
	props map[string]*model.Property
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cache: make(map[string][]byte),
		locks: make(map[string]bool),
		props: make(map[string]*model.Property),
	}
}

func (f *fakeStore) SaveProperty(ctx context.Context, prop *model.Property) (*model.Property, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := prop.Address + "|" + prop.City + "|" + prop.State
	f.props[key] = prop
	return prop, nil
}

func (f *fakeStore) GetProperty(ctx context.Context, subject model.Subject) (*model.Property, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.props[subject.Address+"|"+subject.City+"|"+subject.State], nil
}

func (f *fakeStore) SearchProperties(ctx context.Context, filter store.PropertyFilter) ([]model.Property, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Property
	for _, p := range f.props {
		if filter.City != "" && p.City != filter.City {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeStore) Stats(ctx context.Context) (*model.PropertyStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &model.PropertyStats{TotalProperties: len(f.props)}, nil
}

func (f *fakeStore) CacheGet(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache[key], nil
}

func (f *fakeStore) CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[key] = value
	return nil
}

func (f *fakeStore) CacheDelete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cache, key)
	return nil
}

func (f *fakeStore) DeleteExpired(ctx context.Context) (int, error) { return 0, nil }

func (f *fakeStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[key] {
		return false, nil
	}
	f.locks[key] = true
	return true, nil
}

func (f *fakeStore) ReleaseLock(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, key)
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error    { return nil }
func (f *fakeStore) Migrate(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                      { return nil }

// fakeResearcher returns a canned batch and counts invocations.
type fakeResearcher struct {
	mu   sync.Mutex
	runs int
}

func (f *fakeResearcher) Run(ctx context.Context, subject model.Subject) (*model.BatchResult, error) {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	return &model.BatchResult{
		Subject: subject,
		RoleIDs: []string{"property_records_ownership"},
		Roles: map[string]*model.ParsedResult{
			"property_records_ownership": {
				Status:         model.RoleStatusSuccess,
				ParseMethod:    model.ParseDirectJSON,
				StructuredData: map[string]any{"property_tax_annual": float64(8500)},
				Confidence:     model.ConfidenceMedium,
			},
		},
		Metadata: model.BatchMetadata{TotalRoles: 1, Succeeded: 1, ElapsedSeconds: 3.2, CostUSD: 0.005},
	}, nil
}

func (f *fakeResearcher) Roles() []model.QueryRole {
	return []model.QueryRole{{ID: "property_records_ownership", PromptTemplate: "x"}}
}

func (f *fakeResearcher) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type fakeProvider struct{}

func (fakeProvider) ChatCompletion(ctx context.Context, req perplexity.ChatCompletionRequest) (*perplexity.ChatCompletionResponse, error) {
	return nil, nil
}

func (fakeProvider) Research(ctx context.Context, req perplexity.ResearchRequest) (*perplexity.ResearchResponse, error) {
	return &perplexity.ResearchResponse{Text: "{}"}, nil
}

func (fakeProvider) Ping(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) (*Server, *fakeStore, *fakeResearcher) {
	t.Helper()
	st := newFakeStore()
	fr := &fakeResearcher{}
	srv := NewServer(st, fr, fakeProvider{}, cost.NewCalculator(cost.DefaultRates()), config.CacheConfig{
		TTLHours:     24,
		LockTTLSecs:  60,
		WaitPollSecs: 1,
		WaitMaxSecs:  1,
	}, 0)
	return srv, st, fr
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["database"])
	assert.Equal(t, "ok", body["provider"])
	assert.Equal(t, float64(1), body["roles"])
}

func TestResearchFlow(t *testing.T) {
	srv, st, fr := newTestServer(t)

	req := map[string]any{"address": "123 Main St", "city": "Austin", "state": "TX"}

	// First request researches and persists.
	rec := doJSON(t, srv, http.MethodPost, "/api/research", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var first researchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.False(t, first.Cached)
	assert.Equal(t, 1, first.Result.Metadata.Succeeded)
	assert.Equal(t, 1, fr.runCount())

	prop, err := st.GetProperty(context.Background(), model.Subject{Address: "123 Main St", City: "Austin", State: "TX"})
	require.NoError(t, err)
	require.NotNil(t, prop)
	assert.Equal(t, 0.005, prop.CostUSD)

	// Lock is released after research completes.
	assert.Empty(t, st.locks)

	// Second request is served from cache; no new provider work.
	rec = doJSON(t, srv, http.MethodPost, "/api/research", req)
	require.Equal(t, http.StatusOK, rec.Code)

	var second researchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.True(t, second.Cached)
	assert.Equal(t, 1, fr.runCount())
}

func TestResearchForceRefresh(t *testing.T) {
	srv, _, fr := newTestServer(t)

	req := map[string]any{"address": "123 Main St", "city": "Austin", "state": "TX"}
	doJSON(t, srv, http.MethodPost, "/api/research", req)
	require.Equal(t, 1, fr.runCount())

	req["force_refresh"] = true
	rec := doJSON(t, srv, http.MethodPost, "/api/research", req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp researchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Cached)
	assert.Equal(t, 2, fr.runCount())
}

func TestResearchValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing_address", map[string]any{"city": "Austin", "state": "TX"}},
		{"missing_city", map[string]any{"address": "1 Main St", "state": "TX"}},
		{"bad_state", map[string]any{"address": "1 Main St", "city": "Austin", "state": "Texas"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/api/research", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestResearchInvalidBody(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/research", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPropertyQueryParams(t *testing.T) {
	srv, _, fr := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/property?address=9+Ocean+Ave&city=santa+cruz&state=ca", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp researchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Santa Cruz", resp.Result.Subject.City)
	assert.Equal(t, "CA", resp.Result.Subject.State)
	assert.Equal(t, 1, fr.runCount())
}

func TestResearchConflictWhenLocked(t *testing.T) {
	srv, st, _ := newTestServer(t)

	// Someone else holds the lock and never publishes a result.
	subject := model.Subject{Address: "123 Main St", City: "Austin", State: "TX"}
	st.locks[cacheKey(subject)] = true

	rec := doJSON(t, srv, http.MethodPost, "/api/research",
		map[string]any{"address": "123 Main St", "city": "Austin", "state": "TX"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSearchEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)

	_, err := st.SaveProperty(context.Background(), &model.Property{Address: "1 Oak St", City: "Austin", State: "TX"})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/api/property/search?city=Austin", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count      int              `json:"count"`
		Properties []model.Property `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Properties, 1)
	assert.Equal(t, "1 Oak St", body.Properties[0].Address)
}

func TestStatsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// One miss (research) then one hit.
	req := map[string]any{"address": "123 Main St", "city": "Austin", "state": "TX"}
	doJSON(t, srv, http.MethodPost, "/api/research", req)
	doJSON(t, srv, http.MethodPost, "/api/research", req)

	rec := doJSON(t, srv, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Cache struct {
			Hits    int     `json:"hits"`
			Misses  int     `json:"misses"`
			HitRate float64 `json:"hit_rate"`
		} `json:"cache"`
		CostSavingsUSD float64 `json:"cost_savings_usd"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Cache.Hits)
	assert.Equal(t, 1, body.Cache.Misses)
	assert.InDelta(t, 0.5, body.Cache.HitRate, 1e-9)
	assert.InDelta(t, 0.005, body.CostSavingsUSD, 1e-9)
}
