package hipaa

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// deniedKeys are matched after normalizeKey, so "ipAddress", "ip_address"
// and "IP-Address" are the same key.
var deniedKeys = map[string]bool{
	// direct identifiers
	"name": true, "firstname": true, "lastname": true, "fullname": true,
	"email": true, "emailaddress": true, "phone": true, "phonenumber": true,
	"mobile": true, "ssn": true, "socialsecuritynumber": true, "mrn": true,
	"dob": true, "dateofbirth": true, "birthdate": true,
	"userid": true, "actorid": true, "patientid": true, "memberid": true,
	"ip": true, "ipaddress": true, "useragent": true,
	// free text and raw answers
	"answers": true, "answer": true, "freetext": true, "notes": true,
	"note": true, "comment": true, "comments": true, "response": true,
	// address and geolocation
	"address": true, "street": true, "city": true, "zip": true,
	"zipcode": true, "postalcode": true, "latitude": true, "longitude": true,
	"lat": true, "lng": true, "geo": true, "geolocation": true, "location": true,
	// clinical detail
	"diagnosis": true, "diagnoses": true, "medication": true,
	"medications": true, "prescription": true, "prescriptions": true,
	"condition": true, "conditions": true,
}

var contentPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"email", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{"phone", regexp.MustCompile(`(?:\+?1[\-. ]?)?\(?\b\d{3}\)?[\-. ]\d{3}[\-. ]\d{4}\b`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"government_id", regexp.MustCompile(`\b\d{9}\b`)},
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}

// IsDeniedKey reports whether a payload key names a PHI-bearing field.
func IsDeniedKey(k string) bool {
	return deniedKeys[normalizeKey(k)]
}

func matchesPHIPattern(s string) (string, bool) {
	for _, p := range contentPatterns {
		if p.re.MatchString(s) {
			return p.name, true
		}
	}
	return "", false
}

// AnalyticsValidator inspects payloads bound for the event and analytics
// pipeline. A hit is fatal for the call: the payload must be fixed at its
// source, not scrubbed in flight.
type AnalyticsValidator struct {
	logger zerolog.Logger
}

func NewAnalyticsValidator(logger zerolog.Logger) *AnalyticsValidator {
	return &AnalyticsValidator{logger: logger}
}

// ValidatePayload checks payload in its JSON form.
func (v *AnalyticsValidator) ValidatePayload(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("analytics validator: encode payload: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("analytics validator: decode payload: %w", err)
	}

	var hits []string
	walkPayload(doc, "", func(path string, key string, val any) {
		if key != "" && IsDeniedKey(key) {
			hits = append(hits, path)
			return
		}
		if s, ok := val.(string); ok {
			if kind, bad := matchesPHIPattern(s); bad {
				hits = append(hits, path+"<"+kind+">")
			}
		}
	})
	if len(hits) == 0 {
		return nil
	}

	sort.Strings(hits)
	v.logger.Error().
		Str("severity", "critical").
		Str("type", "phi_leak").
		Str("guard", "analytics").
		Strs("fields", hits).
		Msg("PHI detected in analytics payload")
	return &PHILeakError{Guard: "analytics", Fields: hits}
}

// walkPayload visits every node; fn receives the dotted path, the key under
// which the node sits (empty for array elements and the root) and the value.
func walkPayload(node any, path string, fn func(path, key string, val any)) {
	switch n := node.(type) {
	case map[string]any:
		for k, child := range n {
			p := k
			if path != "" {
				p = path + "." + k
			}
			fn(p, k, child)
			if IsDeniedKey(k) {
				continue
			}
			walkPayload(child, p, fn)
		}
	case []any:
		for i, child := range n {
			p := fmt.Sprintf("%s[%d]", path, i)
			fn(p, "", child)
			walkPayload(child, p, fn)
		}
	}
}

// Sanitize returns a deep copy of a decoded JSON document with denied keys
// removed and pattern-matching strings replaced. It is a bulk-cleanup helper
// for backfills; the submission path uses ValidatePayload.
func Sanitize(doc any) any {
	switch n := doc.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			if IsDeniedKey(k) {
				continue
			}
			out[k] = Sanitize(v)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			out[i] = Sanitize(v)
		}
		return out
	case string:
		if _, bad := matchesPHIPattern(n); bad {
			return "[REDACTED]"
		}
		return n
	default:
		return n
	}
}
