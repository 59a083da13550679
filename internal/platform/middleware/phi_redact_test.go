package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hrq/hrq/internal/platform/hipaa"
)

const reportRoute = "/api/v1/clinician/questionnaire-responses/:id/report"

func newRedactionEcho(logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.Use(PHIRedaction(hipaa.NewResponseRedactor(reportRoute), logger))

	leaky := func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"id":      c.Param("id"),
			"status":  "completed",
			"score":   65,
			"answers": map[string]any{"notes": "chest pain at night"},
			"nested":  []any{map[string]any{"ipAddress": "10.0.0.7", "band": "high"}},
		})
	}
	e.GET("/api/v1/health-questionnaires/responses/:id", leaky)
	e.GET(reportRoute, leaky)
	e.GET("/api/v1/plain", func(c echo.Context) error {
		return c.String(http.StatusOK, "answers: none")
	})
	e.GET("/api/v1/missing", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "questionnaire response not found")
	})
	e.GET("/api/v1/clean", func(c echo.Context) error {
		return c.JSON(http.StatusCreated, map[string]any{"id": "r1", "riskBand": "low"})
	})
	return e
}

func TestPHIRedaction_StripsPHIOnUnlistedRoute(t *testing.T) {
	var logs bytes.Buffer
	e := newRedactionEcho(zerolog.New(&logs))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health-questionnaires/responses/r1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(PHIRedactedHeader) != "true" {
		t.Error("expected X-PHI-Redacted header")
	}
	if strings.Contains(rec.Body.String(), "chest pain") || strings.Contains(rec.Body.String(), "10.0.0.7") {
		t.Errorf("PHI leaked: %s", rec.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["id"] != "r1" || body["status"] != "completed" {
		t.Errorf("non-PHI fields should survive: %v", body)
	}
	if body[hipaa.RedactedMarker] != true {
		t.Errorf("expected redaction marker, got %v", body)
	}
	if strings.Contains(logs.String(), "chest pain") {
		t.Error("redaction log must not include values")
	}
}

func TestPHIRedaction_AllowListedRouteUntouched(t *testing.T) {
	e := newRedactionEcho(zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/clinician/questionnaire-responses/r1/report", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Header().Get(PHIRedactedHeader) != "" {
		t.Error("allow-listed route must not be redacted")
	}
	if !strings.Contains(rec.Body.String(), "chest pain") {
		t.Errorf("expected answers on clinician route, got %s", rec.Body.String())
	}
}

func TestPHIRedaction_CleanJSONPassesThrough(t *testing.T) {
	e := newRedactionEcho(zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/clean", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status to be preserved, got %d", rec.Code)
	}
	if rec.Header().Get(PHIRedactedHeader) != "" {
		t.Error("clean payload should not be marked")
	}
	if !strings.Contains(rec.Body.String(), `"riskBand":"low"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestPHIRedaction_NonJSONUntouched(t *testing.T) {
	e := newRedactionEcho(zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/plain", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Body.String() != "answers: none" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestPHIRedaction_HandlerErrorStillRendered(t *testing.T) {
	e := newRedactionEcho(zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/missing", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
