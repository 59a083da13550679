package riskscore

import (
	"encoding/json"
	"fmt"
	"math"
)

// Answers is a transient map of question id to answer value as decoded from
// JSON. It must never be logged or serialized outside sealed storage.
type Answers map[string]any

// InvalidAnswerError reports an answer whose type or range the scoring tables
// cannot accept. Reason never contains the answer value.
type InvalidAnswerError struct {
	QuestionID string
	Reason     string
}

func (e *InvalidAnswerError) Error() string {
	return fmt.Sprintf("invalid answer for %s: %s", e.QuestionID, e.Reason)
}

// intValue returns the integer answer for id, 0 when missing.
func (a Answers) intValue(id string, itemMax int) (int, error) {
	raw, ok := a[id]
	if !ok || raw == nil {
		return 0, nil
	}
	var n int
	switch v := raw.(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, &InvalidAnswerError{QuestionID: id, Reason: "must be an integer"}
		}
		n = int(v)
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, &InvalidAnswerError{QuestionID: id, Reason: "must be an integer"}
		}
		n = int(i)
	default:
		return 0, &InvalidAnswerError{QuestionID: id, Reason: "must be an integer"}
	}
	if n < 0 || n > itemMax {
		return 0, &InvalidAnswerError{QuestionID: id, Reason: fmt.Sprintf("must be between 0 and %d", itemMax)}
	}
	return n, nil
}

// boolValue returns the boolean answer for id, false when missing.
func (a Answers) boolValue(id string) (bool, error) {
	raw, ok := a[id]
	if !ok || raw == nil {
		return false, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, &InvalidAnswerError{QuestionID: id, Reason: "must be a boolean"}
	}
	return b, nil
}

// flagWithoutMitigation is true when risk is true and mitigation is not true.
func (a Answers) flagWithoutMitigation(risk, mitigation string) (bool, error) {
	r, err := a.boolValue(risk)
	if err != nil || !r {
		return false, err
	}
	m, err := a.boolValue(mitigation)
	if err != nil {
		return false, err
	}
	return !m, nil
}
