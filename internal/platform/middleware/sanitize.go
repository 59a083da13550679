package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const maxHeaderValueSize = 8 << 10

var (
	sqlLike    = regexp.MustCompile(`(?i)('+\s*;\s*DROP\b|UNION\s+SELECT\b|'\s+OR\s+1\s*=\s*1|1\s*=\s*1)`)
	scriptLike = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)
)

// requestCheck returns a non-empty reason when the request must be refused.
type requestCheck func(r *http.Request) string

var requestChecks = []requestCheck{
	checkPath,
	checkHeaders,
	checkQuery,
}

// Sanitize is SanitizeWithLogger without logging.
func Sanitize() echo.MiddlewareFunc {
	return SanitizeWithLogger(zerolog.Nop())
}

// SanitizeWithLogger refuses requests carrying traversal sequences, NUL
// bytes, CR/LF in headers, oversized header values or script fragments in
// the query. Query values that look like SQL are logged by parameter name
// and let through; questionnaire input never reaches SQL unparameterised.
func SanitizeWithLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			for _, check := range requestChecks {
				if reason := check(req); reason != "" {
					return c.JSON(http.StatusBadRequest, map[string]string{
						"error":      reason,
						"request_id": requestIDFrom(c),
					})
				}
			}
			for name, vals := range req.URL.Query() {
				for _, v := range vals {
					if sqlLike.MatchString(v) {
						logger.Warn().
							Str("param", name).
							Str("route", c.Path()).
							Str("remote_ip", c.RealIP()).
							Msg("sql-like query parameter")
						break
					}
				}
			}
			return next(c)
		}
	}
}

func checkPath(r *http.Request) string {
	for _, p := range []string{r.URL.Path, r.URL.RawPath} {
		switch {
		case hasTraversal(p):
			return "Path traversal detected"
		case hasNUL(p):
			return "Null byte injection detected"
		}
	}
	return ""
}

func checkHeaders(r *http.Request) string {
	for name, vals := range r.Header {
		for _, v := range vals {
			if len(v) > maxHeaderValueSize {
				return "Header value exceeds maximum size: " + name
			}
			if strings.ContainsAny(v, "\r\n") {
				return "Header injection detected: " + name
			}
		}
	}
	return ""
}

func checkQuery(r *http.Request) string {
	for name, vals := range r.URL.Query() {
		for _, v := range vals {
			if hasNUL(name) || hasNUL(v) {
				return "Null byte injection detected in query parameter"
			}
			if scriptLike.MatchString(name) || scriptLike.MatchString(v) {
				return "Script injection detected in query parameter"
			}
		}
	}
	return ""
}

func hasTraversal(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "..") || strings.Contains(s, "%2e%2e") || strings.Contains(s, "%252e")
}

func hasNUL(s string) bool {
	return strings.IndexByte(s, 0) >= 0 || strings.Contains(s, "%00")
}
