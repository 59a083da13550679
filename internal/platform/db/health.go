package db

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthTimeout = 5 * time.Second

// Pinger is a liveness probe for one dependency.
type Pinger func(ctx context.Context) error

type PoolSnapshot struct {
	Total    int32  `json:"total"`
	Idle     int32  `json:"idle"`
	Acquired int32  `json:"acquired"`
	Max      int32  `json:"max"`
	Acquires int64  `json:"acquires"`
	WaitTime string `json:"waitTime"`
}

func snapshot(pool *pgxpool.Pool) *PoolSnapshot {
	s := pool.Stat()
	return &PoolSnapshot{
		Total:    s.TotalConns(),
		Idle:     s.IdleConns(),
		Acquired: s.AcquiredConns(),
		Max:      s.MaxConns(),
		Acquires: s.AcquireCount(),
		WaitTime: s.AcquireDuration().String(),
	}
}

type CheckResult struct {
	Up      bool   `json:"up"`
	Latency string `json:"latency"`
}

type HealthReport struct {
	Healthy bool                   `json:"healthy"`
	Checks  map[string]CheckResult `json:"checks"`
	Pool    *PoolSnapshot          `json:"pool,omitempty"`
}

// Probe runs every pinger concurrently. Failure reasons are dropped; they can
// name hosts or credentials.
func Probe(ctx context.Context, checks map[string]Pinger) HealthReport {
	names := make([]string, 0, len(checks))
	for n := range checks {
		names = append(names, n)
	}
	sort.Strings(names)

	results := make([]CheckResult, len(names))
	var wg sync.WaitGroup
	for i, n := range names {
		wg.Add(1)
		go func(i int, ping Pinger) {
			defer wg.Done()
			start := time.Now()
			err := ping(ctx)
			results[i] = CheckResult{Up: err == nil, Latency: time.Since(start).Round(time.Microsecond).String()}
		}(i, checks[n])
	}
	wg.Wait()

	rep := HealthReport{Healthy: true, Checks: make(map[string]CheckResult, len(names))}
	for i, n := range names {
		rep.Checks[n] = results[i]
		rep.Healthy = rep.Healthy && results[i].Up
	}
	return rep
}

// HealthHandler answers 200 when Postgres and every dep respond, else 503.
func HealthHandler(pool *pgxpool.Pool, deps map[string]Pinger) echo.HandlerFunc {
	checks := map[string]Pinger{"postgres": pool.Ping}
	for n, p := range deps {
		checks[n] = p
	}
	return healthHandler(checks, func() *PoolSnapshot { return snapshot(pool) })
}

func healthHandler(checks map[string]Pinger, pool func() *PoolSnapshot) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		rep := Probe(ctx, checks)
		if pool != nil {
			rep.Pool = pool()
		}
		code := http.StatusOK
		if !rep.Healthy {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, rep)
	}
}
