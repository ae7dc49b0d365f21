package kb

import (
	"runtime"
	"strings"
	"sync"
	"time"
)

// AppMetrics collects request, embedding, query, rerank and rebuild
// statistics. Embed, query and rebuild stats are keyed by collection.
type AppMetrics interface {
	RecordRequest(method, path string, status int, latencyMS int64)
	RecordEmbed(collection string, latencyMS int64, inputCount int, err error)
	RecordQuery(collection string, latencyMS int64, resultCount int, topDistance float64, err error)
	RecordRerank(latencyMS int64, fellBack bool)
	RecordRebuild(collection string, latencyMS int64, pathCount int, fragmentCount int, err error)
	Snapshot() MetricsSnapshot
}

// latencyBoundsMS are the inclusive upper bounds of the latency histogram.
// Buckets has one more slot for everything slower.
var latencyBoundsMS = [...]int64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Latency aggregates timed operations. It is embedded in every stats type so
// the JSON stays flat.
type Latency struct {
	Count        int64                           `json:"count"`
	ErrorCount   int64                           `json:"error_count"`
	LatencySumMS int64                           `json:"latency_sum_ms"`
	LatencyMinMS int64                           `json:"latency_min_ms"`
	LatencyMaxMS int64                           `json:"latency_max_ms"`
	P95MS        int64                           `json:"p95_ms"`
	Buckets      [len(latencyBoundsMS) + 1]int64 `json:"buckets"`
}

func (l *Latency) observe(ms int64, failed bool) {
	if ms < 0 {
		ms = 0
	}
	l.Count++
	if failed {
		l.ErrorCount++
	}
	l.LatencySumMS += ms
	if l.Count == 1 || ms < l.LatencyMinMS {
		l.LatencyMinMS = ms
	}
	l.LatencyMaxMS = max(l.LatencyMaxMS, ms)

	slot := len(latencyBoundsMS)
	for i, bound := range latencyBoundsMS {
		if ms <= bound {
			slot = i
			break
		}
	}
	l.Buckets[slot]++
	l.P95MS = l.quantile(0.95)
}

// quantile returns the upper bound of the bucket holding the q-th
// observation, capped at the observed maximum.
func (l *Latency) quantile(q float64) int64 {
	if l.Count == 0 {
		return 0
	}
	rank := int64(q*float64(l.Count) + 0.999999)
	var seen int64
	for i, n := range l.Buckets {
		seen += n
		if seen >= rank {
			if i < len(latencyBoundsMS) {
				return min(latencyBoundsMS[i], l.LatencyMaxMS)
			}
			break
		}
	}
	return l.LatencyMaxMS
}

type RouteStats struct {
	Latency
}

type EmbedStats struct {
	Latency
	TotalInputs int64 `json:"total_inputs"`
}

type QueryStats struct {
	Latency
	TotalResults   int64   `json:"total_results"`
	EmptyResults   int64   `json:"empty_results"`
	TopDistanceSum float64 `json:"top_distance_sum"`
}

type RerankStats struct {
	Latency
	Fallbacks int64 `json:"fallbacks"`
}

type RebuildStats struct {
	Latency
	LastPaths     int64     `json:"last_paths"`
	LastFragments int64     `json:"last_fragments"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

type RecentRequest struct {
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

type RuntimeStats struct {
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	Goroutines     int    `json:"goroutines"`
	NumGC          uint32 `json:"num_gc"`
	GCPauseNS      uint64 `json:"gc_pause_ns"`
}

type MetricsSnapshot struct {
	RouteStats     map[string]RouteStats   `json:"route_stats"`
	EmbedStats     map[string]EmbedStats   `json:"embed_stats"`
	QueryStats     map[string]QueryStats   `json:"query_stats"`
	RebuildStats   map[string]RebuildStats `json:"rebuild_stats"`
	RerankStats    RerankStats             `json:"rerank_stats"`
	RecentRequests []RecentRequest         `json:"recent_requests"`
	Runtime        RuntimeStats            `json:"runtime"`
	UptimeSeconds  int64                   `json:"uptime_seconds"`
	StartTime      time.Time               `json:"start_time"`
}

// NoopAppMetrics discards everything.
type NoopAppMetrics struct{}

func (NoopAppMetrics) RecordRequest(string, string, int, int64) {}

func (NoopAppMetrics) RecordEmbed(string, int64, int, error) {}

func (NoopAppMetrics) RecordQuery(string, int64, int, float64, error) {}

func (NoopAppMetrics) RecordRerank(int64, bool) {}

func (NoopAppMetrics) RecordRebuild(string, int64, int, int, error) {}

func (NoopAppMetrics) Snapshot() MetricsSnapshot { return MetricsSnapshot{} }

const appMetricsRecentCapacity = 200

// InMemAppMetrics keeps process-local aggregates and the most recent
// requests. It backs GET /metrics/app.
type InMemAppMetrics struct {
	mu sync.Mutex

	routes   map[string]RouteStats
	embeds   map[string]EmbedStats
	queries  map[string]QueryStats
	rebuilds map[string]RebuildStats
	rerank   RerankStats
	recent   recentRing

	startTime time.Time
}

func NewInMemAppMetrics() *InMemAppMetrics {
	return &InMemAppMetrics{
		routes:    make(map[string]RouteStats),
		embeds:    make(map[string]EmbedStats),
		queries:   make(map[string]QueryStats),
		rebuilds:  make(map[string]RebuildStats),
		recent:    recentRing{buf: make([]RecentRequest, appMetricsRecentCapacity)},
		startTime: time.Now().UTC(),
	}
}

// RecordRequest keys route stats by "METHOD /route"; 4xx and 5xx count as
// errors.
func (m *InMemAppMetrics) RecordRequest(method, path string, status int, latencyMS int64) {
	if m == nil {
		return
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "UNKNOWN"
	}
	if path = strings.TrimSpace(path); path == "" {
		path = "/"
	}
	key := method + " " + path

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.routes[key]
	s.observe(latencyMS, status >= 400)
	m.routes[key] = s
	m.recent.push(RecentRequest{
		Method:    method,
		Path:      path,
		Status:    status,
		LatencyMS: max(latencyMS, 0),
		Timestamp: time.Now().UTC(),
	})
}

func (m *InMemAppMetrics) RecordEmbed(collection string, latencyMS int64, inputCount int, err error) {
	if m == nil {
		return
	}
	collection = metricsCollection(collection)

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.embeds[collection]
	s.observe(latencyMS, err != nil)
	s.TotalInputs += int64(max(inputCount, 0))
	m.embeds[collection] = s
}

func (m *InMemAppMetrics) RecordQuery(collection string, latencyMS int64, resultCount int, topDistance float64, err error) {
	if m == nil {
		return
	}
	collection = metricsCollection(collection)

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.queries[collection]
	s.observe(latencyMS, err != nil)
	if err == nil && resultCount <= 0 {
		s.EmptyResults++
	}
	s.TotalResults += int64(max(resultCount, 0))
	s.TopDistanceSum += topDistance
	m.queries[collection] = s
}

// RecordRerank counts a fallback to vector order as an error.
func (m *InMemAppMetrics) RecordRerank(latencyMS int64, fellBack bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rerank.observe(latencyMS, fellBack)
	if fellBack {
		m.rerank.Fallbacks++
	}
}

// RecordRebuild keeps the last successful counts across failed rebuilds.
func (m *InMemAppMetrics) RecordRebuild(collection string, latencyMS int64, pathCount int, fragmentCount int, err error) {
	if m == nil {
		return
	}
	collection = metricsCollection(collection)

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.rebuilds[collection]
	s.observe(latencyMS, err != nil)
	if err != nil {
		s.LastError = err.Error()
	} else {
		s.LastPaths = int64(pathCount)
		s.LastFragments = int64(fragmentCount)
		s.LastSuccessAt = time.Now().UTC()
		s.LastError = ""
	}
	m.rebuilds[collection] = s
}

func (m *InMemAppMetrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.Lock()
	out := MetricsSnapshot{
		RouteStats:     copyMap(m.routes),
		EmbedStats:     copyMap(m.embeds),
		QueryStats:     copyMap(m.queries),
		RebuildStats:   copyMap(m.rebuilds),
		RerankStats:    m.rerank,
		RecentRequests: m.recent.items(),
		StartTime:      m.startTime,
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
	}
	m.mu.Unlock()

	// ReadMemStats stops the world; keep it outside the lock.
	var rt runtime.MemStats
	runtime.ReadMemStats(&rt)
	out.Runtime = RuntimeStats{
		HeapAllocBytes: rt.HeapAlloc,
		Goroutines:     runtime.NumGoroutine(),
		NumGC:          rt.NumGC,
		GCPauseNS:      rt.PauseTotalNs,
	}
	return out
}

// recentRing holds the last len(buf) requests.
type recentRing struct {
	buf  []RecentRequest
	next int
	full bool
}

func (r *recentRing) push(v RecentRequest) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// items returns the entries oldest first.
func (r *recentRing) items() []RecentRequest {
	if !r.full {
		return append([]RecentRequest{}, r.buf[:r.next]...)
	}
	out := make([]RecentRequest, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func metricsCollection(collection string) string {
	if collection = strings.TrimSpace(collection); collection == "" {
		return DefaultCollection
	}
	return collection
}

func copyMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
