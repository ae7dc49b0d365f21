package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/david-kiko/data/kb"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shopNodes() ([]kb.SchemaNode, []kb.SchemaEdge) {
	b := kb.NewSchemaBuilder()
	b.AddColumn(kb.ColumnRow{Table: "USERS", TableComment: "users", Column: "ID", ColumnType: "bigint"})
	b.AddColumn(kb.ColumnRow{Table: "ORDERS", TableComment: "orders", Column: "ID", ColumnType: "bigint"})
	b.AddColumn(kb.ColumnRow{Table: "ORDERS", Column: "USER_ID", ColumnType: "bigint", ColumnComment: "buyer"})
	b.AddForeignKey(kb.ForeignKey{FromTable: "ORDERS", FromColumn: "USER_ID", ToTable: "USERS", ToColumn: "ID"})
	schema := b.Build()
	return schema.Nodes(), schema.Edges()
}

func newTestPipeline(t *testing.T, opts ...kb.Option) *kb.Pipeline {
	t.Helper()
	graph := kb.NewMemoryGraphStore()
	nodes, edges := shopNodes()
	require.NoError(t, graph.ReplaceSchema(context.Background(), nodes, edges))

	emb, err := kb.NewLocalEmbedder(64)
	require.NoError(t, err)

	base := []kb.Option{
		kb.WithGraphStore(graph),
		kb.WithVectorStore(kb.NewMemoryVectorStore()),
		kb.WithEmbedder(emb),
		kb.WithRelevanceScorer(kb.PairwiseRelevanceScorer{Pair: kb.LexicalPairScorer{}}),
		kb.WithAppMetrics(kb.NewInMemAppMetrics()),
	}
	p := kb.NewPipeline(append(base, opts...)...)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newTestApp(t *testing.T, p *kb.Pipeline, cfg AppConfig) string {
	t.Helper()
	cfg.Address = "127.0.0.1:0"
	app := NewApp(p, cfg)
	require.NoError(t, app.Start())
	t.Cleanup(func() {
		_ = app.Stop(context.Background())
		_ = app.Wait()
	})
	require.NotEmpty(t, app.Address())
	return "http://" + app.Address()
}

func doRequest(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAppHTTP(t *testing.T) {
	t.Run("endpoints", testAppEndpoints)
	t.Run("search_before_rebuild", testAppSearchBeforeRebuild)
	t.Run("rebuild_and_search", testAppRebuildAndSearch)
	t.Run("search_stream", testAppSearchStream)
	t.Run("rebuild_lease_conflict", testAppRebuildLeaseConflict)
	t.Run("background_rebuild", testAppBackgroundRebuild)
	t.Run("rebuild_on_start", testAppRebuildOnStart)
	t.Run("request_id", testAppRequestID)
	t.Run("body_limit", testAppBodyLimit)
	t.Run("route_metrics", testAppRouteMetrics)
	t.Run("paths_paging", testAppPathsPaging)
}

func testAppPathsPaging(t *testing.T) {
	base := newTestApp(t, newTestPipeline(t), AppConfig{})

	decode := func(t *testing.T, path string) kb.PathPage {
		t.Helper()
		resp := doRequest(t, http.MethodGet, base+path, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out kb.PathPage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	all := decode(t, "/paths")
	assert.Equal(t, 1, all.Page)
	assert.Equal(t, kb.DefaultPathPageSize, all.PageSize)
	assert.Equal(t, 4, all.Total)
	assert.Len(t, all.Data, 4)

	second := decode(t, "/paths?page=2&page_size=3")
	assert.Equal(t, 4, second.Total)
	require.Len(t, second.Data, 1)
	assert.Equal(t, all.Data[3].Text, second.Data[0].Text)

	past := decode(t, "/paths?page=9&page_size=3")
	assert.Equal(t, 4, past.Total)
	assert.Empty(t, past.Data)

	orders := decode(t, "/paths?table=orders&page_size=1")
	assert.Equal(t, 2, orders.Total)
	require.Len(t, orders.Data, 1)
	assert.Equal(t, "ORDERS", orders.Data[0].Anchor)
}

func testAppEndpoints(t *testing.T) {
	base := newTestApp(t, newTestPipeline(t), AppConfig{})

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "healthz", method: http.MethodGet, path: "/healthz", status: http.StatusOK},
		{name: "metrics_app", method: http.MethodGet, path: "/metrics/app", status: http.StatusOK},
		{name: "latest_build_without_store", method: http.MethodGet, path: "/builds/latest", status: http.StatusNotFound},
		{name: "builds_without_store", method: http.MethodGet, path: "/builds", status: http.StatusOK},
		{name: "builds_bad_limit", method: http.MethodGet, path: "/builds?limit=-1", status: http.StatusBadRequest},
		{name: "search_missing_query", method: http.MethodGet, path: "/search", status: http.StatusBadRequest},
		{name: "search_blank_query", method: http.MethodGet, path: "/search?query=%20%20", status: http.StatusBadRequest},
		{name: "search_bad_top_k", method: http.MethodGet, path: "/search?query=x&top_k=abc", status: http.StatusBadRequest},
		{name: "paths_bad_page", method: http.MethodGet, path: "/paths?page=0", status: http.StatusBadRequest},
		{name: "paths_page_not_int", method: http.MethodGet, path: "/paths?page=two", status: http.StatusBadRequest},
		{name: "paths_page_size_too_large", method: http.MethodGet, path: "/paths?page_size=101", status: http.StatusBadRequest},
		{name: "paths_unknown_table", method: http.MethodGet, path: "/paths?table=MISSING", status: http.StatusNotFound},
		{name: "unknown_route", method: http.MethodGet, path: "/query", status: http.StatusNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, tc.method, base+tc.path, nil)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func testAppSearchBeforeRebuild(t *testing.T) {
	base := newTestApp(t, newTestPipeline(t), AppConfig{})

	resp := doRequest(t, http.MethodPost, base+"/search", map[string]any{"query": "orders"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func testAppRebuildAndSearch(t *testing.T) {
	root := t.TempDir()
	blobs := &kb.LocalBlobStore{Root: filepath.Join(root, "blobs")}
	p := newTestPipeline(t,
		kb.WithArtifactStore(blobs),
		kb.WithManifestStore(&kb.BlobManifestStore{Store: blobs}),
	)
	base := newTestApp(t, p, AppConfig{})

	resp := doRequest(t, http.MethodPost, base+"/rebuild", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report kb.BuildReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, 4, report.Paths)
	assert.NotEmpty(t, report.BuildID)

	resp = doRequest(t, http.MethodGet, base+"/builds/latest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc kb.ManifestDocument
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, report.BuildID, doc.Manifest.BuildID)
	assert.NotEmpty(t, doc.Version)

	resp = doRequest(t, http.MethodGet, base+"/builds?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history struct {
		Builds []kb.BuildManifest `json:"builds"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.Len(t, history.Builds, 1)
	assert.Equal(t, report.BuildID, history.Builds[0].BuildID)

	resp = doRequest(t, http.MethodPost, base+"/search", map[string]any{"query": "orders of users", "top_k": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload struct {
		Results []kb.Candidate `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Results, 2)
	assert.GreaterOrEqual(t, payload.Results[0].Relevance, payload.Results[1].Relevance)

	resp = doRequest(t, http.MethodPost, base+"/search", map[string]any{"query": "orders", "table_filter": "USERS[USERS]->"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload.Results = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Results, 1)
	assert.True(t, strings.HasPrefix(payload.Results[0].TablePath, "USERS[users]->"))

	resp = doRequest(t, http.MethodPost, base+"/search", map[string]any{"query": "orders", "path_filter": "no such text"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload.Results = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.NotNil(t, payload.Results)
	assert.Empty(t, payload.Results)

	resp = doRequest(t, http.MethodGet, base+"/metrics/app", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snapshot kb.MetricsSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
	assert.NotEmpty(t, snapshot.RouteStats)
	assert.Equal(t, int64(1), snapshot.RebuildStats[report.Collection].Count)
}

func testAppSearchStream(t *testing.T) {
	p := newTestPipeline(t)
	_, err := p.Rebuild(context.Background())
	require.NoError(t, err)
	base := newTestApp(t, p, AppConfig{})

	resp := doRequest(t, http.MethodGet, base+"/search?query=orders&top_k=3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ndjsonContentType, resp.Header.Get("Content-Type"))

	var lines []kb.Candidate
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var c kb.Candidate
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &c))
		lines = append(lines, c)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 3)
	for _, c := range lines {
		assert.NotEmpty(t, c.Text)
		assert.Positive(t, c.OriginID)
	}
}

func testAppRebuildLeaseConflict(t *testing.T) {
	leases := kb.NewInMemoryRebuildLeaseManager()
	p := newTestPipeline(t, kb.WithRebuildLeaseManager(leases))
	base := newTestApp(t, p, AppConfig{})

	held, err := leases.Acquire(context.Background(), p.Config.Collection, time.Minute)
	require.NoError(t, err)

	resp := doRequest(t, http.MethodPost, base+"/rebuild", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, leases.Release(context.Background(), held))
	resp = doRequest(t, http.MethodPost, base+"/rebuild", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func testAppBackgroundRebuild(t *testing.T) {
	blobs := &kb.LocalBlobStore{Root: t.TempDir()}
	p := newTestPipeline(t, kb.WithManifestStore(&kb.BlobManifestStore{Store: blobs}))
	base := newTestApp(t, p, AppConfig{RebuildInterval: 20 * time.Millisecond})

	require.Eventually(t,
		func() bool {
			resp, err := http.Get(base + "/builds/latest")
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		},
		2*time.Second,
		20*time.Millisecond,
	)
}

func testAppRebuildOnStart(t *testing.T) {
	blobs := &kb.LocalBlobStore{Root: t.TempDir()}
	p := newTestPipeline(t, kb.WithManifestStore(&kb.BlobManifestStore{Store: blobs}))
	base := newTestApp(t, p, AppConfig{RebuildOnStart: true})

	require.Eventually(t,
		func() bool {
			resp, err := http.Get(base + "/builds")
			if err != nil {
				return false
			}
			defer resp.Body.Close()
			var out struct {
				Builds []kb.BuildManifest `json:"builds"`
			}
			return json.NewDecoder(resp.Body).Decode(&out) == nil && len(out.Builds) == 1
		},
		2*time.Second,
		20*time.Millisecond,
	)
}

func testAppBodyLimit(t *testing.T) {
	base := newTestApp(t, newTestPipeline(t), AppConfig{BodyLimit: "1K"})

	resp := doRequest(t, http.MethodPost, base+"/search", map[string]any{"query": strings.Repeat("user ", 400)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func testAppRouteMetrics(t *testing.T) {
	metrics := kb.NewInMemAppMetrics()
	base := newTestApp(t, newTestPipeline(t), AppConfig{Metrics: metrics})

	doRequest(t, http.MethodGet, base+"/healthz", nil)
	doRequest(t, http.MethodGet, base+"/builds?limit=-1", nil)

	// the request log runs after the response is flushed
	require.Eventually(t, func() bool { return len(metrics.Snapshot().RecentRequests) == 2 }, time.Second, 5*time.Millisecond)
	snap := metrics.Snapshot()
	assert.EqualValues(t, 1, snap.RouteStats["GET /healthz"].Count)
	assert.EqualValues(t, 1, snap.RouteStats["GET /builds"].ErrorCount)
	require.Len(t, snap.RecentRequests, 2)
	assert.Equal(t, "/builds", snap.RecentRequests[1].Path)
}

func TestRebuildLoop(t *testing.T) {
	t.Run("once_on_start", func(t *testing.T) {
		var runs int
		l := startRebuildLoop(0, true, func(context.Context) { runs++ })
		<-l.done
		l.stop()
		assert.Equal(t, 1, runs)
	})

	t.Run("stop_cancels_run", func(t *testing.T) {
		started := make(chan struct{})
		var sawCancel bool
		l := startRebuildLoop(time.Hour, true, func(ctx context.Context) {
			close(started)
			<-ctx.Done()
			sawCancel = true
		})
		<-started
		l.stop()
		assert.True(t, sawCancel)
	})

	t.Run("nil_stop", func(t *testing.T) {
		var l *rebuildLoop
		assert.NotPanics(t, l.stop)
	})
}

func testAppRequestID(t *testing.T) {
	base := newTestApp(t, newTestPipeline(t), AppConfig{})

	resp := doRequest(t, http.MethodGet, base+"/healthz", nil)
	assert.NotEmpty(t, resp.Header.Get(echo.HeaderXRequestID))
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err        error
		status     int
		retryAfter bool
	}{
		{err: kb.ErrRebuildLeaseConflict, status: http.StatusConflict},
		{err: kb.ErrManifestNotFound, status: http.StatusNotFound},
		{err: fmt.Errorf("wrapped: %w", kb.ErrCollectionNotFound), status: http.StatusNotFound},
		{err: kb.ErrNodeNotFound, status: http.StatusNotFound},
		{err: kb.ErrCollectionNotLoaded, status: http.StatusServiceUnavailable, retryAfter: true},
		{err: kb.ErrPipelineUninitialized, status: http.StatusServiceUnavailable, retryAfter: true},
		{err: fmt.Errorf("%w: %w", kb.ErrQueryEmbedding, kb.ErrRemoteTimeout), status: http.StatusGatewayTimeout},
		{err: kb.ErrQueryEmbedding, status: http.StatusBadGateway},
		{err: fmt.Errorf("boom"), status: http.StatusInternalServerError},
	}

	e := echo.New()
	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
			require.NoError(t, WriteError(c, tc.err))
			assert.Equal(t, tc.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.err.Error())
			if tc.retryAfter {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
		})
	}
}
