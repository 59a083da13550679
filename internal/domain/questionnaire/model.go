package questionnaire

import (
	"time"

	"github.com/google/uuid"

	"github.com/hrq/hrq/internal/domain/riskscore"
	"github.com/hrq/hrq/internal/platform/hipaa"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusCompleted Status = "completed"
)

type QuestionType string

const (
	QuestionScale   QuestionType = "scale"
	QuestionBoolean QuestionType = "boolean"
	QuestionChoice  QuestionType = "choice"
	QuestionNumber  QuestionType = "number"
	QuestionText    QuestionType = "text"
)

// Condition gates a section or question on a prior answer.
type Condition struct {
	QuestionID string `json:"questionId" yaml:"questionId"`
	Operator   string `json:"operator" yaml:"operator"`
	Value      any    `json:"value" yaml:"value"`
}

type Question struct {
	ID        string       `json:"id" yaml:"id"`
	Text      string       `json:"text" yaml:"text"`
	Type      QuestionType `json:"type" yaml:"type"`
	Min       *float64     `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64     `json:"max,omitempty" yaml:"max,omitempty"`
	Options   []string     `json:"options,omitempty" yaml:"options,omitempty"`
	Required  bool         `json:"required,omitempty" yaml:"required,omitempty"`
	Condition *Condition   `json:"condition,omitempty" yaml:"condition,omitempty"`
}

type Section struct {
	Key       string     `json:"key" yaml:"key"`
	Title     string     `json:"title" yaml:"title"`
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	Questions []Question `json:"questions" yaml:"questions"`
}

// Template is a versioned questionnaire definition. Once PublishedAt is set
// its content never changes; new content is a new version.
type Template struct {
	ID                  uuid.UUID  `json:"id"`
	Family              string     `json:"family"`
	Version             int        `json:"version"`
	Title               string     `json:"title"`
	Sections            []Section  `json:"sections"`
	ScoringRules        string     `json:"scoringRules"`
	RiskAssessmentRules string     `json:"riskAssessmentRules"`
	IsActive            bool       `json:"isActive"`
	PublishedAt         *time.Time `json:"publishedAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
}

// TemplateSummary is the listing view of a template, without its sections.
type TemplateSummary struct {
	ID          uuid.UUID  `json:"id"`
	Family      string     `json:"family"`
	Version     int        `json:"version"`
	Title       string     `json:"title"`
	IsActive    bool       `json:"isActive"`
	PublishedAt *time.Time `json:"publishedAt"`
}

// IsPublishedActive reports whether t can accept responses.
func (t *Template) IsPublishedActive() bool {
	return t.IsActive && t.PublishedAt != nil
}

// QuestionIndex maps question id to its question and owning section key.
func (t *Template) QuestionIndex() map[string]QuestionRef {
	idx := make(map[string]QuestionRef)
	for si, s := range t.Sections {
		for qi := range s.Questions {
			idx[s.Questions[qi].ID] = QuestionRef{Question: s.Questions[qi], SectionKey: s.Key, SectionIndex: si}
		}
	}
	return idx
}

type QuestionRef struct {
	Question     Question
	SectionKey   string
	SectionIndex int
}

// Actor identifies who is answering. ID is hashed before it reaches storage;
// IPAddress and UserAgent are sealed.
type Actor struct {
	ID        string
	IPAddress string
	UserAgent string
}

// Response is a stored questionnaire response. Answers and request metadata
// are held only as ciphertext; Response deliberately fails JSON encoding.
type Response struct {
	ID              uuid.UUID
	TemplateID      uuid.UUID
	TemplateVersion int
	ActorHash       string
	Answers         hipaa.EncryptedField[riskscore.Answers]
	AnswerCount     int
	Status          Status
	ScoreTotal      *int
	RiskBand        *riskscore.RiskBand
	Score           *riskscore.ScoreResult
	CurrentSection  string
	CorrelationID   uuid.UUID
	IPAddress       hipaa.EncryptedField[string]
	UserAgent       hipaa.EncryptedField[string]
	CreatedAt       time.Time
	LastSavedAt     time.Time
	SubmittedAt     *time.Time
	CompletedAt     *time.Time
}

func (r *Response) PHIRecordType() string { return hipaa.RecordQuestionnaireResponse }

func (r *Response) PHIValues() map[string]*string {
	return map[string]*string{
		"answers":    ciphertextPtr(r.Answers.Ciphertext()),
		"ip_address": ciphertextPtr(r.IPAddress.Ciphertext()),
		"user_agent": ciphertextPtr(r.UserAgent.Ciphertext()),
	}
}

func ciphertextPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ResponseMetadata is the only shape of a response returned to callers. It
// has no answers field.
type ResponseMetadata struct {
	ID              uuid.UUID           `json:"id"`
	TemplateID      uuid.UUID           `json:"templateId"`
	TemplateVersion int                 `json:"templateVersion"`
	Status          Status              `json:"status"`
	ScoreRedacted   *int                `json:"scoreRedacted,omitempty"`
	RiskBand        *riskscore.RiskBand `json:"riskBand,omitempty"`
	CurrentSection  string              `json:"currentSection,omitempty"`
	CorrelationID   uuid.UUID           `json:"correlationId"`
	CreatedAt       time.Time           `json:"createdAt"`
	LastSavedAt     time.Time           `json:"lastSavedAt"`
	SubmittedAt     *time.Time          `json:"submittedAt,omitempty"`
	CompletedAt     *time.Time          `json:"completedAt,omitempty"`
}

// Metadata projects r to its caller-visible form. The score is bucketed.
func (r *Response) Metadata() *ResponseMetadata {
	m := &ResponseMetadata{
		ID:              r.ID,
		TemplateID:      r.TemplateID,
		TemplateVersion: r.TemplateVersion,
		Status:          r.Status,
		RiskBand:        r.RiskBand,
		CurrentSection:  r.CurrentSection,
		CorrelationID:   r.CorrelationID,
		CreatedAt:       r.CreatedAt,
		LastSavedAt:     r.LastSavedAt,
		SubmittedAt:     r.SubmittedAt,
		CompletedAt:     r.CompletedAt,
	}
	if r.ScoreTotal != nil {
		redacted, _ := riskscore.BucketScore(*r.ScoreTotal)
		m.ScoreRedacted = &redacted
	}
	return m
}
