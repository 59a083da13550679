// Package reporting serves fixed aggregate measures over questionnaire data
// to administrators. Every measure is de-identified: none selects actor
// hashes or ciphertext columns, and callers can only supply bound parameters.
package reporting

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/hrq/hrq/internal/platform/auth"
)

// Param is a query-string parameter a measure accepts. Values are bound in
// declaration order as $1, $2, ...
type Param struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"` // "int" or "string"
	Default string `json:"default"`
	Min     int    `json:"min,omitempty"`
	Max     int    `json:"max,omitempty"`
}

type Measure struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Params      []Param `json:"params,omitempty"`
	SQL         string  `json:"-"`
}

type MeasureReport struct {
	MeasureID   string           `json:"measureId"`
	Title       string           `json:"title"`
	GeneratedAt time.Time        `json:"generatedAt"`
	Params      map[string]any   `json:"params,omitempty"`
	Results     []map[string]any `json:"results"`
}

var Measures = []Measure{
	{
		ID:          "risk-band-distribution",
		Title:       "Risk band distribution",
		Description: "Completed responses per risk band",
		SQL: `SELECT risk_band, COUNT(*) AS total
			FROM questionnaire_response
			WHERE status = 'completed'
			GROUP BY risk_band ORDER BY risk_band`,
	},
	{
		ID:          "completions-by-template-version",
		Title:       "Completions by template version",
		Description: "Completed responses per template version of one family",
		Params:      []Param{{Name: "family", Kind: "string", Default: "health-risk"}},
		SQL: `SELECT t.family, r.template_version, COUNT(*) AS total
			FROM questionnaire_response r
			JOIN questionnaire_template t ON t.id = r.template_id
			WHERE r.status = 'completed' AND t.family = $1
			GROUP BY t.family, r.template_version ORDER BY r.template_version`,
	},
	{
		ID:          "open-drafts",
		Title:       "Open drafts by age",
		Description: "Unsubmitted drafts bucketed by time since last save",
		SQL: `SELECT CASE
				WHEN last_saved_at > NOW() - INTERVAL '1 day' THEN 'under_1_day'
				WHEN last_saved_at > NOW() - INTERVAL '7 days' THEN 'under_7_days'
				ELSE 'older' END AS age,
			COUNT(*) AS total
			FROM questionnaire_response
			WHERE status = 'draft'
			GROUP BY 1 ORDER BY 1`,
	},
	{
		ID:          "submissions-by-day",
		Title:       "Submissions per day",
		Description: "Completed responses per UTC day over a trailing window",
		Params:      []Param{{Name: "days", Kind: "int", Default: "30", Min: 1, Max: 366}},
		SQL: `SELECT (completed_at AT TIME ZONE 'UTC')::date AS day, COUNT(*) AS total
			FROM questionnaire_response
			WHERE status = 'completed' AND completed_at > NOW() - make_interval(days => $1)
			GROUP BY 1 ORDER BY 1`,
	},
}

func Lookup(id string) (Measure, bool) {
	for _, m := range Measures {
		if m.ID == id {
			return m, true
		}
	}
	return Measure{}, false
}

// bind resolves the measure's parameters from q, falling back to defaults.
func (m Measure) bind(q url.Values) ([]any, map[string]any, error) {
	args := make([]any, 0, len(m.Params))
	shown := make(map[string]any, len(m.Params))
	for _, p := range m.Params {
		raw := q.Get(p.Name)
		if raw == "" {
			raw = p.Default
		}
		var v any = raw
		if p.Kind == "int" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("%s must be an integer", p.Name)
			}
			if (p.Min != 0 || p.Max != 0) && (n < p.Min || n > p.Max) {
				return nil, nil, fmt.Errorf("%s must be between %d and %d", p.Name, p.Min, p.Max)
			}
			v = n
		}
		args = append(args, v)
		shown[p.Name] = v
	}
	return args, shown, nil
}

type Handler struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewHandler(pool *pgxpool.Pool) *Handler {
	return &Handler{pool: pool, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports", auth.RequireRole(auth.RoleAdmin))
	g.GET("/measures", h.ListMeasures)
	g.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, Measures)
}

func (h *Handler) EvaluateMeasure(c echo.Context) error {
	m, ok := Lookup(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}
	args, shown, err := m.bind(c.QueryParams())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rows, err := h.run(c.Request().Context(), m.SQL, args)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "measure evaluation failed")
	}
	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:   m.ID,
		Title:       m.Title,
		GeneratedAt: h.now().UTC(),
		Params:      shown,
		Results:     rows,
	})
}

func (h *Handler) run(ctx context.Context, sql string, args []any) ([]map[string]any, error) {
	rows, err := h.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []map[string]any{}
	}
	return out, nil
}
