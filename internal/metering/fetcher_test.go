package metering

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/shadowfiend/internal/config"
	"github.com/smallbiznis/shadowfiend/pkg/httpclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var hour = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

type costPoint struct {
	at    time.Time
	value string
}

// fakeGnocchi implements the subset of the Gnocchi v1 API the fetcher uses.
type fakeGnocchi struct {
	t *testing.T

	mu            sync.Mutex
	types         map[string]bool
	resources     map[string]*Resource
	measures      map[string][]time.Time
	costs         map[string][]costPoint
	policyCreated bool
	rejected      map[string]int
}

func newFakeGnocchi(t *testing.T) *fakeGnocchi {
	return &fakeGnocchi{
		t: t,
		types: map[string]bool{
			"cloudkitty_state": true,
			StateResourceType:  true,
			"compute":          true,
			"volume.volume":    true,
		},
		resources: map[string]*Resource{},
		measures:  map[string][]time.Time{},
		costs:     map[string][]costPoint{},
		rejected:  map[string]int{},
	}
}

func (g *fakeGnocchi) addResource(resourceType, projectID string) *Resource {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := &Resource{ID: uuid.NewString(), Type: resourceType, ProjectID: projectID, Metrics: map[string]string{}}
	g.resources[r.ID] = r
	return r
}

func (g *fakeGnocchi) addStateMeasure(resourceID string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	metricID := g.resources[resourceID].Metrics[stateMetric]
	if metricID == "" {
		metricID = uuid.NewString()
		g.resources[resourceID].Metrics[stateMetric] = metricID
	}
	g.measures[metricID] = append(g.measures[metricID], at)
}

func projectFromQuery(t *testing.T, r *http.Request) string {
	var q resourceQuery
	require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
	return q["="]["project_id"]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *fakeGnocchi) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/search/resource/{type}", func(w http.ResponseWriter, r *http.Request) {
		resourceType := r.PathValue("type")
		projectID := projectFromQuery(g.t, r)
		g.mu.Lock()
		defer g.mu.Unlock()
		if code := g.rejected[projectID]; code != 0 {
			w.WriteHeader(code)
			return
		}
		if !g.types[resourceType] {
			http.Error(w, "resource type not found", http.StatusNotFound)
			return
		}
		out := []Resource{}
		for _, res := range g.resources {
			if res.Type == resourceType && res.ProjectID == projectID {
				out = append(out, *res)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		if r.URL.Query().Get("limit") == "1" && len(out) > 1 {
			out = out[:1]
		}
		writeJSON(w, http.StatusOK, out)
	})
	mux.HandleFunc("POST /v1/resource/{type}", func(w http.ResponseWriter, r *http.Request) {
		var in newResource
		require.NoError(g.t, json.NewDecoder(r.Body).Decode(&in))
		assert.Nil(g.t, in.UserID)
		g.mu.Lock()
		res := &Resource{ID: in.ID, Type: r.PathValue("type"), ProjectID: in.ProjectID, Metrics: map[string]string{}}
		g.resources[res.ID] = res
		g.mu.Unlock()
		writeJSON(w, http.StatusCreated, res)
	})
	mux.HandleFunc("GET /v1/resource/generic/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		res, ok := g.resources[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})
	mux.HandleFunc("POST /v1/metric", func(w http.ResponseWriter, r *http.Request) {
		var in newMetric
		require.NoError(g.t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(g.t, archivePolicy, in.ArchivePolicyName)
		g.mu.Lock()
		id := uuid.NewString()
		g.resources[in.ResourceID].Metrics[in.Name] = id
		g.mu.Unlock()
		writeJSON(w, http.StatusCreated, metric{ID: id, Name: in.Name})
	})
	mux.HandleFunc("POST /v1/metric/{id}/measures", func(w http.ResponseWriter, r *http.Request) {
		var in []newMeasure
		require.NoError(g.t, json.NewDecoder(r.Body).Decode(&in))
		g.mu.Lock()
		for _, m := range in {
			at, err := time.Parse(time.RFC3339, m.Timestamp)
			require.NoError(g.t, err)
			assert.Equal(g.t, 1, m.Value)
			g.measures[r.PathValue("id")] = append(g.measures[r.PathValue("id")], at)
		}
		g.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /v1/resource/generic/{id}/metric/{name}/measures", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(g.t, "sum", r.URL.Query().Get("aggregation"))
		g.mu.Lock()
		defer g.mu.Unlock()
		res, ok := g.resources[r.PathValue("id")]
		if !ok || res.Metrics[r.PathValue("name")] == "" {
			http.Error(w, "metric not found", http.StatusNotFound)
			return
		}
		points := append([]time.Time(nil), g.measures[res.Metrics[r.PathValue("name")]]...)
		sort.Slice(points, func(i, j int) bool { return points[i].Before(points[j]) })
		out := make([][]any, 0, len(points))
		for _, p := range points {
			out = append(out, []any{p.Format(time.RFC3339), 3600.0, 1.0})
		}
		writeJSON(w, http.StatusOK, out)
	})
	mux.HandleFunc("POST /v1/aggregation/resource/generic/metric/{metric}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(g.t, costMetric, r.PathValue("metric"))
		projectID := projectFromQuery(g.t, r)
		start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
		require.NoError(g.t, err)
		stop, err := time.Parse(time.RFC3339, r.URL.Query().Get("stop"))
		require.NoError(g.t, err)

		g.mu.Lock()
		defer g.mu.Unlock()
		if code := g.rejected[projectID]; code != 0 {
			w.WriteHeader(code)
			return
		}
		out := [][]any{}
		for _, p := range g.costs[projectID] {
			if !p.at.Before(start) && p.at.Before(stop) {
				out = append(out, []any{p.at.Format(time.RFC3339), 3600.0, json.RawMessage(p.value)})
			}
		}
		writeJSON(w, http.StatusOK, out)
	})
	mux.HandleFunc("GET /v1/archive_policy/{name}", func(w http.ResponseWriter, _ *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		if !g.policyCreated {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"name": archivePolicy})
	})
	mux.HandleFunc("POST /v1/archive_policy", func(w http.ResponseWriter, r *http.Request) {
		var in archivePolicySpec
		require.NoError(g.t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(g.t, "3600", in.Definition[0].Granularity)
		g.mu.Lock()
		g.policyCreated = true
		g.mu.Unlock()
		writeJSON(w, http.StatusCreated, in)
	})
	mux.HandleFunc("POST /v1/resource_type", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	return mux
}

func newTestFetcher(t *testing.T) (*Fetcher, *fakeGnocchi) {
	t.Helper()
	g := newFakeGnocchi(t)
	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)

	client := httpclient.New(httpclient.Config{Name: "gnocchi", Timeout: time.Second, BaseDelay: time.Millisecond}, zap.NewNop())
	return NewFetcher(Params{
		Log:     zap.NewNop(),
		Backend: NewBackend(srv.URL+"/", client, staticToken("tok")),
		Policy:  config.NewStaticPolicyHolder(config.DefaultProcessorPolicy()),
	}), g
}

func TestGetCurrentConsume(t *testing.T) {
	fetcher, g := newTestFetcher(t)
	g.costs["p1"] = []costPoint{
		{at: hour.Add(-time.Hour), value: "99"},
		{at: hour, value: "1.25"},
		{at: hour.Add(30 * time.Minute), value: "0.5"},
		{at: hour.Add(time.Hour), value: "7"},
	}

	cost, err := fetcher.GetCurrentConsume(context.Background(), "p1", hour)
	require.NoError(t, err)
	assert.Equal(t, "1.75", cost.String())

	cost, err = fetcher.GetCurrentConsume(context.Background(), "p2", hour)
	require.NoError(t, err)
	assert.True(t, cost.IsZero())
}

func TestGetCurrentConsume_RejectionsCountAsZero(t *testing.T) {
	fetcher, g := newTestFetcher(t)
	g.costs["p1"] = []costPoint{{at: hour, value: "3"}}

	for _, code := range []int{http.StatusNotAcceptable, http.StatusUnauthorized} {
		g.rejected["p1"] = code
		cost, err := fetcher.GetCurrentConsume(context.Background(), "p1", hour)
		require.NoError(t, err)
		assert.True(t, cost.IsZero())
	}

	g.rejected["p1"] = http.StatusForbidden
	_, err := fetcher.GetCurrentConsume(context.Background(), "p1", hour)
	assert.True(t, httpclient.IsStatus(err, http.StatusForbidden))
}

func TestGetState(t *testing.T) {
	fetcher, g := newTestFetcher(t)

	_, ok, err := fetcher.GetState(context.Background(), "p1", StateCloudkitty, EdgeTop)
	require.NoError(t, err)
	assert.False(t, ok)

	res := g.addResource("cloudkitty_state", "p1")
	_, ok, err = fetcher.GetState(context.Background(), "p1", StateCloudkitty, EdgeTop)
	require.NoError(t, err)
	assert.False(t, ok, "resource without a state metric has no watermark")

	g.addStateMeasure(res.ID, hour.Add(2*time.Hour))
	g.addStateMeasure(res.ID, hour)
	g.addStateMeasure(res.ID, hour.Add(time.Hour))

	top, ok, err := fetcher.GetState(context.Background(), "p1", StateCloudkitty, EdgeTop)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, top.Equal(hour.Add(2*time.Hour)))

	bottom, ok, err := fetcher.GetState(context.Background(), "p1", StateCloudkitty, EdgeBottom)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, bottom.Equal(hour))
}

func TestSetState_CreatesResourceOnce(t *testing.T) {
	fetcher, g := newTestFetcher(t)

	require.NoError(t, fetcher.SetState(context.Background(), "p1", hour))
	require.NoError(t, fetcher.SetState(context.Background(), "p1", hour.Add(time.Hour)))

	resources, err := fetcher.GetResources(context.Background(), "p1", StateResourceType)
	require.NoError(t, err)
	require.Len(t, resources, 1)

	top, ok, err := fetcher.GetState(context.Background(), "p1", StateShadowfiend, EdgeTop)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, top.Equal(hour.Add(time.Hour)))

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Len(t, g.measures[resources[0].Metrics[stateMetric]], 2)
}

func TestGetResources(t *testing.T) {
	fetcher, g := newTestFetcher(t)
	g.addResource("compute", "p1")
	g.addResource("compute", "p1")
	g.addResource("compute", "p2")
	g.addResource("volume.volume", "p1")

	servers, err := fetcher.GetResources(context.Background(), "p1", "compute")
	require.NoError(t, err)
	assert.Len(t, servers, 2)

	unknown, err := fetcher.GetResources(context.Background(), "p1", "loadbalancer")
	require.NoError(t, err)
	assert.Empty(t, unknown)

	g.rejected["p1"] = http.StatusUnauthorized
	rejected, err := fetcher.GetResources(context.Background(), "p1", "compute")
	require.NoError(t, err)
	assert.Nil(t, rejected)
}

func TestInitStorage(t *testing.T) {
	fetcher, g := newTestFetcher(t)

	require.NoError(t, fetcher.InitStorage(context.Background()))
	require.NoError(t, fetcher.InitStorage(context.Background()))
	assert.True(t, g.policyCreated)
}

func TestMeasureUnmarshal(t *testing.T) {
	var measures []Measure
	err := json.Unmarshal([]byte(`[["2026-03-01T10:00:00+00:00", 3600.0, 12.3456]]`), &measures)
	require.NoError(t, err)
	require.Len(t, measures, 1)
	assert.True(t, measures[0].Timestamp.Equal(hour))
	assert.Equal(t, "12.3456", measures[0].Value.String())

	err = json.Unmarshal([]byte(`[["2026-03-01T10:00:00+00:00", 3600.0]]`), &measures)
	assert.Error(t, err)
	assert.True(t, strings.Contains(fmt.Sprint(err), "expected 3 fields"))
}
