package analytics

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hrq/hrq/internal/domain/riskscore"
	"github.com/hrq/hrq/internal/platform/events"
)

// ---------------------------------------------------------------------------
// Core record type
// ---------------------------------------------------------------------------

// SubmissionRecord is the de-identified slice of a QuestionnaireSubmitted
// event kept for aggregation. There is no actor field.
type SubmissionRecord struct {
	EventID         uuid.UUID `json:"event_id"`
	Timestamp       time.Time `json:"timestamp"`
	TemplateVersion int       `json:"template_version"`
	RiskBand        string    `json:"risk_band"`
	ScoreBucket     string    `json:"score_bucket"`
	AnswerCount     int       `json:"answer_count"`
}

// ---------------------------------------------------------------------------
// Summary types (returned by query methods)
// ---------------------------------------------------------------------------

// SubmissionSummary aggregates every submission seen since start.
type SubmissionSummary struct {
	TotalSubmissions  int64            `json:"total_submissions"`
	DuplicatesIgnored int64            `json:"duplicates_ignored"`
	ByRiskBand        map[string]int64 `json:"by_risk_band"`
	ByTemplateVersion map[string]int64 `json:"by_template_version"`
	ByScoreBucket     map[string]int64 `json:"by_score_bucket"`
	HighRiskRate      float64          `json:"high_risk_rate"`
	AvgAnswerCount    float64          `json:"avg_answer_count"`
}

// TimeSeriesBucket holds submission counts for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp  time.Time        `json:"timestamp"`
	Count      int64            `json:"count"`
	ByRiskBand map[string]int64 `json:"by_risk_band"`
}

// SubmissionTracker consumes relayed submission events. It keeps an
// append-only ring buffer of recent records and lifetime counters. Events are
// delivered at least once, so records are deduplicated by EventID for as long
// as they stay in the ring.
type SubmissionTracker struct {
	records      []*SubmissionRecord
	maxRecords   int
	writePos     int
	full         bool
	seen         map[uuid.UUID]struct{}
	bandCounts   map[string]int64
	versionCount map[int]int64
	bucketCounts map[string]int64
	validator    events.PayloadValidator
	mu           sync.RWMutex

	totalSubmissions int64
	totalAnswers     int64
	duplicates       int64
}

// NewSubmissionTracker creates a tracker with the given ring buffer capacity.
// validator may be nil.
func NewSubmissionTracker(maxRecords int, validator events.PayloadValidator) *SubmissionTracker {
	if maxRecords <= 0 {
		maxRecords = 100000
	}
	return &SubmissionTracker{
		records:      make([]*SubmissionRecord, 0, maxRecords),
		maxRecords:   maxRecords,
		seen:         make(map[uuid.UUID]struct{}),
		bandCounts:   make(map[string]int64),
		versionCount: make(map[int]int64),
		bucketCounts: make(map[string]int64),
		validator:    validator,
	}
}

func (st *SubmissionTracker) Name() string { return "analytics" }

// Handle implements events.Handler.
func (st *SubmissionTracker) Handle(_ context.Context, evt events.QuestionnaireSubmitted) error {
	if evt.EventID == uuid.Nil {
		return fmt.Errorf("analytics: event without id")
	}
	if st.validator != nil {
		if err := st.validator.ValidatePayload(evt); err != nil {
			return err
		}
	}
	_, bucket := riskscore.BucketScore(evt.ScoreRedacted)
	st.Record(&SubmissionRecord{
		EventID:         evt.EventID,
		Timestamp:       evt.Timestamp,
		TemplateVersion: evt.TemplateVersion,
		RiskBand:        evt.RiskBand,
		ScoreBucket:     bucket,
		AnswerCount:     evt.AnswerCount,
	})
	return nil
}

// Record adds rec unless its EventID was already recorded. It reports whether
// rec was counted.
func (st *SubmissionTracker) Record(rec *SubmissionRecord) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, dup := st.seen[rec.EventID]; dup {
		atomic.AddInt64(&st.duplicates, 1)
		return false
	}

	// Ring buffer insert; the overwritten record leaves the dedupe window.
	if st.full {
		if old := st.records[st.writePos]; old != nil {
			delete(st.seen, old.EventID)
		}
		st.records[st.writePos] = rec
	} else if len(st.records) < st.maxRecords {
		st.records = append(st.records, rec)
	}
	st.writePos++
	if st.writePos >= st.maxRecords {
		st.writePos = 0
		st.full = true
	}
	st.seen[rec.EventID] = struct{}{}

	st.bandCounts[rec.RiskBand]++
	st.versionCount[rec.TemplateVersion]++
	st.bucketCounts[rec.ScoreBucket]++
	atomic.AddInt64(&st.totalSubmissions, 1)
	atomic.AddInt64(&st.totalAnswers, int64(rec.AnswerCount))
	return true
}

// ---------------------------------------------------------------------------
// Query methods
// ---------------------------------------------------------------------------

// GetSummary returns lifetime counts.
func (st *SubmissionTracker) GetSummary() *SubmissionSummary {
	total := atomic.LoadInt64(&st.totalSubmissions)
	answers := atomic.LoadInt64(&st.totalAnswers)

	st.mu.RLock()
	summary := &SubmissionSummary{
		TotalSubmissions:  total,
		DuplicatesIgnored: atomic.LoadInt64(&st.duplicates),
		ByRiskBand:        make(map[string]int64, len(st.bandCounts)),
		ByTemplateVersion: make(map[string]int64, len(st.versionCount)),
		ByScoreBucket:     make(map[string]int64, len(st.bucketCounts)),
	}
	var highRisk int64
	for band, n := range st.bandCounts {
		summary.ByRiskBand[band] = n
		if riskscore.RiskBand(band).AtLeast(riskscore.BandHigh) {
			highRisk += n
		}
	}
	for v, n := range st.versionCount {
		summary.ByTemplateVersion["v"+strconv.Itoa(v)] = n
	}
	for b, n := range st.bucketCounts {
		summary.ByScoreBucket[b] = n
	}
	st.mu.RUnlock()

	if total > 0 {
		summary.HighRiskRate = float64(highRisk) / float64(total)
		summary.AvgAnswerCount = float64(answers) / float64(total)
	}
	return summary
}

// GetRecent returns up to limit of the most recent records, newest first.
func (st *SubmissionTracker) GetRecent(limit int) []*SubmissionRecord {
	st.mu.RLock()
	out := make([]*SubmissionRecord, 0, len(st.records))
	for _, r := range st.records {
		if r != nil {
			out = append(out, r)
		}
	}
	st.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// GetTimeSeries returns submission counts bucketed by interval over the
// lookback duration, from the records still in the ring.
func (st *SubmissionTracker) GetTimeSeries(interval, duration time.Duration, now time.Time) []*TimeSeriesBucket {
	start := now.Add(-duration).Truncate(interval)
	numBuckets := int(duration/interval) + 1

	buckets := make([]*TimeSeriesBucket, numBuckets)
	for i := 0; i < numBuckets; i++ {
		buckets[i] = &TimeSeriesBucket{
			Timestamp:  start.Add(time.Duration(i) * interval),
			ByRiskBand: make(map[string]int64),
		}
	}

	st.mu.RLock()
	recordsCopy := make([]*SubmissionRecord, len(st.records))
	copy(recordsCopy, st.records)
	st.mu.RUnlock()

	for _, r := range recordsCopy {
		if r == nil || r.Timestamp.Before(start) || r.Timestamp.After(now) {
			continue
		}
		idx := int(r.Timestamp.Sub(start) / interval)
		if idx < 0 || idx >= numBuckets {
			continue
		}
		buckets[idx].Count++
		buckets[idx].ByRiskBand[r.RiskBand]++
	}
	return buckets
}

// ---------------------------------------------------------------------------
// Echo HTTP handler
// ---------------------------------------------------------------------------

// SummaryHandler serves the aggregated submission analytics.
type SummaryHandler struct {
	tracker *SubmissionTracker
	now     func() time.Time
}

func NewSummaryHandler(tracker *SubmissionTracker) *SummaryHandler {
	return &SummaryHandler{tracker: tracker, now: time.Now}
}

// RegisterRoutes registers the analytics endpoints on g, normally the
// "/analytics" group restricted to administrators.
func (h *SummaryHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/questionnaires/summary", h.HandleSummary)
	g.GET("/questionnaires/recent", h.HandleRecent)
	g.GET("/questionnaires/timeseries", h.HandleTimeSeries)
}

func (h *SummaryHandler) HandleSummary(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tracker.GetSummary())
}

func (h *SummaryHandler) HandleRecent(c echo.Context) error {
	limit := 20
	if l := c.QueryParam("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return c.JSON(http.StatusOK, h.tracker.GetRecent(limit))
}

const maxTimeSeriesBuckets = 1000

// HandleTimeSeries returns time-bucketed submission counts.
func (h *SummaryHandler) HandleTimeSeries(c echo.Context) error {
	interval := parseDurationParam(c.QueryParam("interval"), time.Hour)
	duration := parseDurationParam(c.QueryParam("duration"), 24*time.Hour)
	if interval <= 0 || duration < interval || duration/interval > maxTimeSeriesBuckets {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid interval or duration")
	}
	return c.JSON(http.StatusOK, h.tracker.GetTimeSeries(interval, duration, h.now()))
}

// parseDurationParam parses a human-friendly duration string like "1m", "5m",
// "1h", "24h", "7d" into a time.Duration.
func parseDurationParam(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}

	// Handle "d" suffix for days.
	if strings.HasSuffix(s, "d") {
		numStr := strings.TrimSuffix(s, "d")
		if n, err := strconv.Atoi(numStr); err == nil {
			return time.Duration(n) * 24 * time.Hour
		}
		return defaultVal
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
