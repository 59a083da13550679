// Package telemetry keeps process metrics for the questionnaire service and
// serves them in the Prometheus text exposition format. Labels are limited
// to route patterns, status codes and risk bands; nothing request-specific is
// ever recorded.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hrq/hrq/internal/platform/events"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated by CAS
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// PoolStats reports database pool occupancy at scrape time.
type PoolStats func() (total, idle, acquired int32)

// Metrics is the process-wide registry.
type Metrics struct {
	mu        sync.RWMutex
	durations map[string]*histogram // method|route|status
	requests  map[string]*int64     // method|route|status
	bands     map[string]*int64     // risk band

	active int64
	pool   PoolStats
	start  time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		durations: make(map[string]*histogram),
		requests:  make(map[string]*int64),
		bands:     make(map[string]*int64),
		start:     time.Now(),
	}
}

// WithPoolStats registers the database pool reporter.
func (m *Metrics) WithPoolStats(fn PoolStats) *Metrics {
	m.pool = fn
	return m
}

// LabelsKey builds the key of a per-request series.
func LabelsKey(method, route, status string) string {
	return method + "|" + route + "|" + status
}

func (m *Metrics) counter(store map[string]*int64, key string) *int64 {
	m.mu.RLock()
	p, ok := store[key]
	m.mu.RUnlock()
	if ok {
		return p
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok = store[key]; !ok {
		p = new(int64)
		store[key] = p
	}
	return p
}

func (m *Metrics) duration(key string) *histogram {
	m.mu.RLock()
	h, ok := m.durations[key]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.durations[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		m.durations[key] = h
	}
	return h
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	key := LabelsKey(method, route, strconv.Itoa(status))
	atomic.AddInt64(m.counter(m.requests, key), 1)
	m.duration(key).Observe(elapsed.Seconds())
}

func (m *Metrics) RequestCount(method, route string, status int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.requests[LabelsKey(method, route, strconv.Itoa(status))]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

func (m *Metrics) SubmissionCount(band string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.bands[band]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

// Name implements events.Handler.
func (m *Metrics) Name() string { return "metrics" }

// Handle implements events.Handler by counting submissions per risk band.
// Redelivered events are counted again; the series is a delivery count.
func (m *Metrics) Handle(_ context.Context, evt events.QuestionnaireSubmitted) error {
	atomic.AddInt64(m.counter(m.bands, evt.RiskBand), 1)
	return nil
}

// Middleware records request counts and latency per route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			start := time.Now()

			err := next(c)

			atomic.AddInt64(&m.active, -1)
			status := c.Response().Status
			if err != nil {
				// the error has not been rendered yet
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Exposition
// ---------------------------------------------------------------------------

// PrometheusHandler serves every series in text exposition format.
func (m *Metrics) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(m.Expose()))
	}
}

// Expose renders the registry. Series are sorted so output is stable.
func (m *Metrics) Expose() string {
	var b strings.Builder

	m.mu.RLock()
	requests := snapshotCounters(m.requests)
	bands := snapshotCounters(m.bands)
	durations := make(map[string]*histogram, len(m.durations))
	for k, v := range m.durations {
		durations[k] = v
	}
	m.mu.RUnlock()

	b.WriteString("# HELP hrq_http_requests_total HTTP requests by method, route and status.\n")
	b.WriteString("# TYPE hrq_http_requests_total counter\n")
	for _, key := range sortedKeys(requests) {
		fmt.Fprintf(&b, "hrq_http_requests_total{%s} %d\n", requestLabels(key), requests[key])
	}
	b.WriteByte('\n')

	b.WriteString("# HELP hrq_http_request_duration_seconds HTTP request latency.\n")
	b.WriteString("# TYPE hrq_http_request_duration_seconds histogram\n")
	keys := make([]string, 0, len(durations))
	for k := range durations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		writeHistogram(&b, "hrq_http_request_duration_seconds", requestLabels(key), durations[key])
	}
	b.WriteByte('\n')

	b.WriteString("# HELP hrq_http_active_requests Requests in flight.\n")
	b.WriteString("# TYPE hrq_http_active_requests gauge\n")
	fmt.Fprintf(&b, "hrq_http_active_requests %d\n\n", atomic.LoadInt64(&m.active))

	b.WriteString("# HELP hrq_questionnaire_submissions_total Relayed submission events by risk band.\n")
	b.WriteString("# TYPE hrq_questionnaire_submissions_total counter\n")
	for _, band := range sortedKeys(bands) {
		fmt.Fprintf(&b, "hrq_questionnaire_submissions_total{risk_band=%q} %d\n", band, bands[band])
	}
	b.WriteByte('\n')

	if m.pool != nil {
		total, idle, acquired := m.pool()
		b.WriteString("# HELP hrq_db_pool_connections Database pool connections by state.\n")
		b.WriteString("# TYPE hrq_db_pool_connections gauge\n")
		fmt.Fprintf(&b, "hrq_db_pool_connections{state=\"total\"} %d\n", total)
		fmt.Fprintf(&b, "hrq_db_pool_connections{state=\"idle\"} %d\n", idle)
		fmt.Fprintf(&b, "hrq_db_pool_connections{state=\"acquired\"} %d\n\n", acquired)
	}

	b.WriteString("# HELP hrq_uptime_seconds Seconds since the process started.\n")
	b.WriteString("# TYPE hrq_uptime_seconds gauge\n")
	fmt.Fprintf(&b, "hrq_uptime_seconds %g\n", time.Since(m.start).Seconds())
	return b.String()
}

func snapshotCounters(store map[string]*int64) map[string]int64 {
	out := make(map[string]int64, len(store))
	for k, p := range store {
		out[k] = atomic.LoadInt64(p)
	}
	return out
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func requestLabels(key string) string {
	parts := strings.SplitN(key, "|", 3)
	if len(parts) != 3 {
		return ""
	}
	return fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	total := h.Count()
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
