package questionnaire

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrq/hrq/internal/domain/riskscore"
)

func TestValidateAnswers(t *testing.T) {
	tmpl := testTemplate()
	tests := []struct {
		name    string
		answers riskscore.Answers
		field   string
	}{
		{"valid", riskscore.Answers{"phq9_1": float64(2), "safety_self_harm": false, "notes": "ok"}, ""},
		{"cleared answer", riskscore.Answers{"phq9_1": nil}, ""},
		{"unknown question", riskscore.Answers{"height": float64(180)}, "height"},
		{"scale above max", riskscore.Answers{"phq9_1": float64(4)}, "phq9_1"},
		{"scale below min", riskscore.Answers{"auditc_1": float64(-1)}, "auditc_1"},
		{"scale not integer", riskscore.Answers{"gad7_2": 1.5}, "gad7_2"},
		{"scale as string", riskscore.Answers{"gad7_2": "1"}, "gad7_2"},
		{"boolean as number", riskscore.Answers{"safety_self_harm": float64(1)}, "safety_self_harm"},
		{"text too long", riskscore.Answers{"notes": strings.Repeat("x", maxTextAnswerLen+1)}, "notes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAnswers(tt.answers, tmpl)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestValidateAnswers_TooMany(t *testing.T) {
	answers := riskscore.Answers{}
	for i := 0; i <= MaxAnswers; i++ {
		answers["q"+strconv.Itoa(i)] = float64(0)
	}
	var vErr *ValidationError
	require.True(t, errors.As(ValidateAnswers(answers, testTemplate()), &vErr))
	assert.Equal(t, "answers", vErr.Field)
}

func TestValidationError_DoesNotEchoValue(t *testing.T) {
	err := ValidateAnswers(riskscore.Answers{"notes": float64(123456789)}, testTemplate())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "123456789")
}

func TestTemplateValidate(t *testing.T) {
	assert.NoError(t, testTemplate().Validate())

	tests := []struct {
		name   string
		mutate func(*Template)
	}{
		{"no family", func(t *Template) { t.Family = "" }},
		{"no sections", func(t *Template) { t.Sections = nil }},
		{"unknown scoring tables", func(t *Template) { t.ScoringRules = "v9" }},
		{"duplicate section", func(t *Template) { t.Sections[1].Key = "mood" }},
		{"duplicate question", func(t *Template) { t.Sections[1].Questions[0].ID = "phq9_1" }},
		{"bad type", func(t *Template) { t.Sections[0].Questions[0].Type = "slider" }},
		{"choice without options", func(t *Template) { t.Sections[0].Questions[0].Type = QuestionChoice }},
		{"bad operator", func(t *Template) { t.Sections[3].Condition.Operator = "~=" }},
		{"dangling reference", func(t *Template) { t.Sections[3].Condition.QuestionID = "missing" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := testTemplate()
			tt.mutate(tmpl)
			var vErr *ValidationError
			assert.True(t, errors.As(tmpl.Validate(), &vErr))
		})
	}
}

func TestCurrentSection(t *testing.T) {
	tmpl := testTemplate()
	assert.Equal(t, "", currentSection(riskscore.Answers{}, tmpl))
	assert.Equal(t, "mood", currentSection(riskscore.Answers{"phq9_1": float64(1)}, tmpl))
	assert.Equal(t, "alcohol", currentSection(riskscore.Answers{"phq9_1": float64(1), "auditc_2": float64(0)}, tmpl))
}
