package hipaa

// RedactedMarker is set on the top-level object of a response that had PHI
// removed.
const RedactedMarker = "_phi_redacted"

// redactedFields are stripped at any depth from outbound API payloads.
var redactedFields = map[string]bool{
	"answers": true, "answer": true, "rawanswers": true,
	"ipaddress": true, "ip": true, "useragent": true,
	"email": true, "phone": true, "phonenumber": true, "ssn": true,
	"dob": true, "dateofbirth": true, "birthdate": true,
	"address": true, "firstname": true, "lastname": true, "fullname": true,
	"actorid": true, "userid": true,
}

// RoutePolicy maps a route identifier (the registered route path, e.g.
// "/api/v1/clinician/questionnaire-responses/:id/report") to whether the
// route may return PHI.
type RoutePolicy map[string]bool

// ResponseRedactor removes PHI from outbound payloads unless the route is
// allow-listed.
type ResponseRedactor struct {
	policy RoutePolicy
}

func NewResponseRedactor(allowed ...string) *ResponseRedactor {
	p := make(RoutePolicy, len(allowed))
	for _, r := range allowed {
		p[r] = true
	}
	return &ResponseRedactor{policy: p}
}

// AllowsPHI reports whether route is allow-listed.
func (r *ResponseRedactor) AllowsPHI(route string) bool {
	return r.policy[route]
}

// Redact strips PHI from a decoded JSON document in place and reports
// whether anything was removed. Allow-listed routes are returned untouched.
func (r *ResponseRedactor) Redact(route string, doc any) (any, bool) {
	if r.AllowsPHI(route) {
		return doc, false
	}
	removed := stripPHI(doc)
	if removed {
		if m, ok := doc.(map[string]any); ok {
			m[RedactedMarker] = true
		}
	}
	return doc, removed
}

func stripPHI(node any) bool {
	removed := false
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			if redactedFields[normalizeKey(k)] {
				delete(n, k)
				removed = true
				continue
			}
			if stripPHI(v) {
				removed = true
			}
		}
	case []any:
		for _, v := range n {
			if stripPHI(v) {
				removed = true
			}
		}
	}
	return removed
}
