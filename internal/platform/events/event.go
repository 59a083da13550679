// Package events carries de-identified questionnaire events from a committed
// transaction to asynchronous consumers with at-least-once delivery.
//
// Flow: the submitting transaction writes an outbox row; the Dispatcher moves
// committed rows to a Redis stream; the Relay reads the stream through a
// consumer group and acknowledges an entry only after every Handler succeeded.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const TypeQuestionnaireSubmitted = "questionnaire.submitted"

// QuestionnaireSubmitted is raised once per completed response. It carries no
// answer data and no raw score.
type QuestionnaireSubmitted struct {
	EventID         uuid.UUID `json:"eventId"`
	QuestionnaireID uuid.UUID `json:"questionnaireId"`
	ActorHash       string    `json:"actorHash"`
	TemplateVersion int       `json:"templateVersion"`
	RiskBand        string    `json:"riskBand"`
	ScoreRedacted   int       `json:"scoreRedacted"`
	AnswerCount     int       `json:"answerCount"`
	Timestamp       time.Time `json:"timestamp"`
}

// Publisher hands an event to the transport.
type Publisher interface {
	Publish(ctx context.Context, evt QuestionnaireSubmitted) error
}

// Handler consumes relayed events. Handle may be called more than once for
// the same EventID.
type Handler interface {
	Name() string
	Handle(ctx context.Context, evt QuestionnaireSubmitted) error
}

// PayloadValidator rejects payloads carrying PHI.
type PayloadValidator interface {
	ValidatePayload(payload any) error
}
