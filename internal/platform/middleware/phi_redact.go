package middleware

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hrq/hrq/internal/platform/hipaa"
)

// PHIRedactedHeader is set on responses that had PHI removed on the way out.
const PHIRedactedHeader = "X-PHI-Redacted"

// bufferedWriter holds the handler's response so it can be inspected before
// anything reaches the client.
type bufferedWriter struct {
	http.ResponseWriter
	status   int
	body     bytes.Buffer
	hijacked bool
}

func (w *bufferedWriter) WriteHeader(code int) { w.status = code }

func (w *bufferedWriter) Write(b []byte) (int, error) { return w.body.Write(b) }

func (w *bufferedWriter) Flush() {}

// Hijack hands the raw connection to a protocol upgrade. Nothing written
// after that passes through the buffer.
func (w *bufferedWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.hijacked = true
	return hj.Hijack()
}

// PHIRedaction strips PHI keys from every JSON response whose route is not
// allow-listed by the redactor. The route identifier is the registered echo
// path (c.Path()), so ids in the URL never affect the decision.
func PHIRedaction(redactor *hipaa.ResponseRedactor, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if redactor.AllowsPHI(route) {
				return next(c)
			}

			res := c.Response()
			orig := res.Writer
			buf := &bufferedWriter{ResponseWriter: orig, status: http.StatusOK}
			res.Writer = buf

			err := next(c)
			res.Writer = orig
			if buf.hijacked || !res.Committed {
				return err
			}

			body := buf.body.Bytes()
			if isJSON(res.Header().Get(echo.HeaderContentType)) && len(body) > 0 {
				if out, removed := redactBody(redactor, route, body); removed {
					body = out
					res.Header().Set(PHIRedactedHeader, "true")
					res.Header().Del(echo.HeaderContentLength)
					logger.Warn().
						Str("request_id", requestIDFrom(c)).
						Str("route", route).
						Str("type", "phi_redacted").
						Msg("PHI removed from response")
				}
			}

			orig.WriteHeader(buf.status)
			if _, werr := orig.Write(body); werr != nil && err == nil {
				err = werr
			}
			return err
		}
	}
}

func isJSON(contentType string) bool {
	return strings.HasPrefix(contentType, echo.MIMEApplicationJSON)
}

// redactBody returns the re-encoded document when anything was removed. A
// body that does not decode is withheld entirely.
func redactBody(redactor *hipaa.ResponseRedactor, route string, body []byte) ([]byte, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return []byte(`{"error":"response withheld"}`), true
	}
	doc, removed := redactor.Redact(route, doc)
	if !removed {
		return nil, false
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return []byte(`{"error":"response withheld"}`), true
	}
	return out, true
}
