package questionnaire

import (
	"encoding/json"

	"github.com/hrq/hrq/internal/domain/riskscore"
)

// Supported condition operators.
var operators = map[string]bool{
	"=": true, "!=": true, ">": true, ">=": true, "<": true, "<=": true,
	"in": true, "not_in": true,
}

// VisibleSection is one entry of the ordered visibility result.
type VisibleSection struct {
	Key       string     `json:"key"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// ComputeVisibility returns, for each visible section, its visible
// questions. It is pure: identical inputs give identical output.
func ComputeVisibility(answers riskscore.Answers, schema *Template) map[string][]Question {
	out := make(map[string][]Question)
	for _, s := range VisibleSections(answers, schema) {
		out[s.Key] = s.Questions
	}
	return out
}

// VisibleSections is ComputeVisibility in template order.
func VisibleSections(answers riskscore.Answers, schema *Template) []VisibleSection {
	out := make([]VisibleSection, 0, len(schema.Sections))
	for _, s := range schema.Sections {
		if !Evaluate(s.Condition, answers) {
			continue
		}
		qs := make([]Question, 0, len(s.Questions))
		for _, q := range s.Questions {
			if Evaluate(q.Condition, answers) {
				qs = append(qs, q)
			}
		}
		out = append(out, VisibleSection{Key: s.Key, Title: s.Title, Questions: qs})
	}
	return out
}

// Evaluate reports whether cond holds. A nil condition always holds. A
// missing answer, an unknown operator or an incomparable value is false.
func Evaluate(cond *Condition, answers riskscore.Answers) bool {
	if cond == nil {
		return true
	}
	got, ok := answers[cond.QuestionID]
	if !ok || got == nil {
		return false
	}

	switch cond.Operator {
	case "=":
		return valuesEqual(got, cond.Value)
	case "!=":
		return sameKind(got, cond.Value) && !valuesEqual(got, cond.Value)
	case ">", ">=", "<", "<=":
		a, okA := toFloat(got)
		b, okB := toFloat(cond.Value)
		if !okA || !okB {
			return false
		}
		switch cond.Operator {
		case ">":
			return a > b
		case ">=":
			return a >= b
		case "<":
			return a < b
		default:
			return a <= b
		}
	case "in", "not_in":
		list, ok := cond.Value.([]any)
		if !ok {
			return false
		}
		found := false
		for _, v := range list {
			if valuesEqual(got, v) {
				found = true
				break
			}
		}
		if cond.Operator == "in" {
			return found
		}
		return !found
	default:
		return false
	}
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	}
	return false
}

// sameKind reports whether a and b share a kind, so that != on mismatched
// kinds stays closed.
func sameKind(a, b any) bool {
	if _, ok := toFloat(a); ok {
		_, ok := toFloat(b)
		return ok
	}
	switch a.(type) {
	case bool:
		_, ok := b.(bool)
		return ok
	case string:
		_, ok := b.(string)
		return ok
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
