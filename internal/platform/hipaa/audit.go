package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hrq/hrq/internal/platform/db"
)

// Audit actions.
const (
	ActionDraftSaved = "questionnaire.draft_saved"
	ActionSubmitted  = "questionnaire.submitted"
	ActionExported   = "questionnaire.exported"
	ActionReportRead = "questionnaire.report_read"
)

// AuditEntry is one row in questionnaire_audit_log. It has no field able to
// hold answer content; only counts and derived values are recorded.
type AuditEntry struct {
	ID              uuid.UUID `json:"id"`
	CorrelationID   uuid.UUID `json:"correlation_id"`
	Action          string    `json:"action"`
	ActorHash       string    `json:"actor_hash"`
	TemplateID      uuid.UUID `json:"template_id"`
	TemplateVersion int       `json:"template_version"`
	ResponseID      uuid.UUID `json:"response_id"`
	AnswerCount     int       `json:"answer_count"`
	ScoreTotal      *int      `json:"score_total,omitempty"`
	RiskBand        *string   `json:"risk_band,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// AuditLogger writes audit entries. Inside db.TxRunner.WithinTx the write
// joins the caller's transaction, so the entry commits or rolls back with
// the state it describes.
type AuditLogger struct {
	pool *pgxpool.Pool
}

func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

func (a *AuditLogger) Record(ctx context.Context, e *AuditEntry) error {
	if e.CorrelationID == uuid.Nil {
		e.CorrelationID = uuid.New()
	}
	if e.Action == "" {
		return fmt.Errorf("hipaa audit: action is required")
	}

	const query = `
		INSERT INTO questionnaire_audit_log (
			correlation_id, action, actor_hash, template_id, template_version,
			response_id, answer_count, score_total, risk_band
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at`

	err := db.Conn(ctx, a.pool).QueryRow(ctx, query,
		e.CorrelationID, e.Action, e.ActorHash, e.TemplateID, e.TemplateVersion,
		e.ResponseID, e.AnswerCount, e.ScoreTotal, e.RiskBand,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert: %w", err)
	}
	return nil
}
