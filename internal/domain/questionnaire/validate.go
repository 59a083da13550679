package questionnaire

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/hrq/hrq/internal/domain/riskscore"
)

var questionTypes = map[QuestionType]bool{
	QuestionScale: true, QuestionBoolean: true, QuestionChoice: true,
	QuestionNumber: true, QuestionText: true,
}

const (
	MaxAnswers       = 500
	maxTextAnswerLen = 2000
)

// ValidateAnswers checks every answer against its question definition. A nil
// value means the answer was cleared and is accepted.
func ValidateAnswers(answers riskscore.Answers, schema *Template) error {
	if len(answers) > MaxAnswers {
		return &ValidationError{Field: "answers", Reason: fmt.Sprintf("at most %d answers are accepted", MaxAnswers)}
	}
	idx := schema.QuestionIndex()
	for id, v := range answers {
		ref, ok := idx[id]
		if !ok {
			return &ValidationError{Field: id, Reason: "unknown question"}
		}
		if v == nil {
			continue
		}
		if reason := checkAnswer(ref.Question, v); reason != "" {
			return &ValidationError{Field: id, Reason: reason}
		}
	}
	return nil
}

func checkAnswer(q Question, v any) string {
	switch q.Type {
	case QuestionBoolean:
		if _, ok := v.(bool); !ok {
			return "must be a boolean"
		}
	case QuestionScale, QuestionNumber:
		f, ok := toFloat(v)
		if !ok {
			return "must be a number"
		}
		if q.Type == QuestionScale && f != math.Trunc(f) {
			return "must be an integer"
		}
		if q.Min != nil && f < *q.Min {
			return fmt.Sprintf("must be at least %g", *q.Min)
		}
		if q.Max != nil && f > *q.Max {
			return fmt.Sprintf("must be at most %g", *q.Max)
		}
	case QuestionChoice:
		s, ok := v.(string)
		if !ok {
			return "must be one of the listed options"
		}
		for _, o := range q.Options {
			if o == s {
				return ""
			}
		}
		return "must be one of the listed options"
	case QuestionText:
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		if utf8.RuneCountInString(s) > maxTextAnswerLen {
			return fmt.Sprintf("must be at most %d characters", maxTextAnswerLen)
		}
	default:
		return "question has an unsupported type"
	}
	return ""
}

// Validate checks a template definition before it is stored.
func (t *Template) Validate() error {
	if t.Family == "" {
		return &ValidationError{Field: "family", Reason: "is required"}
	}
	if len(t.Sections) == 0 {
		return &ValidationError{Field: "sections", Reason: "at least one section is required"}
	}
	if t.ScoringRules != "" && t.ScoringRules != riskscore.ScoringTablesV1.Version {
		return &ValidationError{Field: "scoringRules", Reason: "unknown scoring tables version"}
	}

	sections := make(map[string]bool)
	questions := make(map[string]Question)
	for _, s := range t.Sections {
		if s.Key == "" || sections[s.Key] {
			return &ValidationError{Field: "sections", Reason: fmt.Sprintf("section key %q is empty or duplicated", s.Key)}
		}
		sections[s.Key] = true
		for _, q := range s.Questions {
			if q.ID == "" {
				return &ValidationError{Field: s.Key, Reason: "question id is required"}
			}
			if _, dup := questions[q.ID]; dup {
				return &ValidationError{Field: q.ID, Reason: "duplicate question id"}
			}
			if !questionTypes[q.Type] {
				return &ValidationError{Field: q.ID, Reason: fmt.Sprintf("unsupported question type %q", q.Type)}
			}
			if q.Type == QuestionChoice && len(q.Options) == 0 {
				return &ValidationError{Field: q.ID, Reason: "choice question needs options"}
			}
			questions[q.ID] = q
		}
	}

	check := func(owner string, c *Condition) error {
		if c == nil {
			return nil
		}
		if !operators[c.Operator] {
			return &ValidationError{Field: owner, Reason: fmt.Sprintf("unsupported operator %q", c.Operator)}
		}
		if _, ok := questions[c.QuestionID]; !ok {
			return &ValidationError{Field: owner, Reason: fmt.Sprintf("condition references unknown question %q", c.QuestionID)}
		}
		return nil
	}
	for _, s := range t.Sections {
		if err := check(s.Key, s.Condition); err != nil {
			return err
		}
		for _, q := range s.Questions {
			if err := check(q.ID, q.Condition); err != nil {
				return err
			}
		}
	}
	return nil
}

// currentSection picks the last section, in template order, holding an
// answered question. Answer order is not retained, so this approximates the
// most recently answered one.
func currentSection(answers riskscore.Answers, schema *Template) string {
	last := ""
	for _, s := range schema.Sections {
		for _, q := range s.Questions {
			if v, ok := answers[q.ID]; ok && v != nil {
				last = s.Key
				break
			}
		}
	}
	return last
}
