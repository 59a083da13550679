package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const draftRoute = "/api/v1/health-questionnaires/templates/:id/draft"

func serve(e *echo.Echo, method, target string, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, r)
	return rec
}

func TestRequestID(t *testing.T) {
	e := echo.New()
	e.Use(RequestID())
	var seen string
	e.GET("/", func(c echo.Context) error {
		seen = requestIDFrom(c)
		return c.NoContent(http.StatusOK)
	})

	rec := serve(e, http.MethodGet, "/", "")
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	cases := map[string]bool{
		"client-abc": true,
		strings.Repeat("r", maxRequestIDLength+1): false,
	}
	for in, kept := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, in)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		got := rec.Header().Get(RequestIDHeader)
		if kept {
			assert.Equal(t, in, got)
		} else {
			assert.NotEqual(t, in, got)
			assert.LessOrEqual(t, len(got), maxRequestIDLength)
		}
	}
}

func TestLogger_RouteOnlyAndLevels(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(RequestID(), Logger(zerolog.New(&buf)))
	e.PUT(draftRoute, func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/gone", func(echo.Context) error { return echo.NewHTTPError(http.StatusNotFound, "questionnaire response not found") })
	e.GET("/broken", func(echo.Context) error { return echo.NewHTTPError(http.StatusServiceUnavailable) })

	rec := serve(e, http.MethodPut,
		"/api/v1/health-questionnaires/templates/t1/draft?email=jane@example.com",
		`{"answers":{"notes":"I have been feeling hopeless"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	out := buf.String()
	assert.NotContains(t, out, "hopeless")
	assert.NotContains(t, out, "jane@example.com")
	assert.NotContains(t, out, "/templates/t1/")
	assert.Contains(t, out, `"route":"`+draftRoute+`"`)
	assert.Contains(t, out, `"level":"info"`)

	buf.Reset()
	rec = serve(e, http.MethodGet, "/gone", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "errors are rendered before logging")
	assert.Contains(t, buf.String(), `"level":"warn"`)

	buf.Reset()
	serve(e, http.MethodGet, "/broken", "")
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(RequestID(), Recovery(zerolog.New(&buf)))
	e.GET("/panic", func(echo.Context) error { panic("score table missing") })
	e.GET("/ok", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	rec := serve(e, http.MethodGet, "/panic", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "score table missing")
	assert.Contains(t, buf.String(), "score table missing")
	assert.Contains(t, buf.String(), `"stack"`)

	buf.Reset()
	rec = serve(e, http.MethodGet, "/ok", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, buf.String())
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())
	e.POST("/submit", func(echo.Context) error { return echo.NewHTTPError(http.StatusConflict, "already submitted") })

	rec := serve(e, http.MethodPost, "/submit", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	for _, kv := range apiHeaders {
		assert.Equal(t, kv[1], rec.Header().Get(kv[0]), kv[0])
	}
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}
