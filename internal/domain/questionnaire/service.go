package questionnaire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hrq/hrq/internal/domain/riskscore"
	"github.com/hrq/hrq/internal/platform/events"
	"github.com/hrq/hrq/internal/platform/hipaa"
	"github.com/hrq/hrq/internal/platform/reporting"
)

// TxRunner runs fn in one database transaction carried by ctx.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type AuditWriter interface {
	Record(ctx context.Context, e *hipaa.AuditEntry) error
}

// EventOutbox records events inside the submitting transaction and is
// notified once that transaction has committed.
type EventOutbox interface {
	Enqueue(ctx context.Context, evt events.QuestionnaireSubmitted) error
	Notify()
}

// Service is the questionnaire orchestrator. It alone moves responses
// through draft -> completed.
type Service struct {
	schemas   *SchemaProvider
	responses ResponseRepository
	tx        TxRunner
	audit     AuditWriter
	outbox    EventOutbox
	crypto    *hipaa.EncryptionService
	persist   *hipaa.EncryptionValidator
	analytics *hipaa.AnalyticsValidator
	tables    riskscore.Tables
	now       func() time.Time
	logger    zerolog.Logger
}

func NewService(
	schemas *SchemaProvider,
	responses ResponseRepository,
	tx TxRunner,
	audit AuditWriter,
	outbox EventOutbox,
	crypto *hipaa.EncryptionService,
	logger zerolog.Logger,
) *Service {
	logger = logger.With().Str("component", "questionnaire").Logger()
	return &Service{
		schemas:   schemas,
		responses: responses,
		tx:        tx,
		audit:     audit,
		outbox:    outbox,
		crypto:    crypto,
		persist:   hipaa.NewEncryptionValidator(logger),
		analytics: hipaa.NewAnalyticsValidator(logger),
		tables:    riskscore.ScoringTablesV1,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// GetActiveSchema returns the active template of family.
func (s *Service) GetActiveSchema(ctx context.Context, family string, version *int) (*Template, error) {
	return s.schemas.GetActiveSchema(ctx, family, version)
}

// ListTemplates returns the published versions of family.
func (s *Service) ListTemplates(ctx context.Context, family string) ([]TemplateSummary, error) {
	return s.schemas.ListPublished(ctx, family)
}

// Visibility computes visible sections for answers without storing them.
func (s *Service) Visibility(ctx context.Context, templateID uuid.UUID, answers riskscore.Answers) ([]VisibleSection, error) {
	tmpl, err := s.schemas.ResolveActive(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if err := ValidateAnswers(answers, tmpl); err != nil {
		return nil, err
	}
	return VisibleSections(answers, tmpl), nil
}

// SaveDraft stores answers on the actor's open draft, creating it if needed.
func (s *Service) SaveDraft(ctx context.Context, actor Actor, templateID uuid.UUID, answers riskscore.Answers) (*ResponseMetadata, error) {
	tmpl, err := s.schemas.ResolveActive(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if err := ValidateAnswers(answers, tmpl); err != nil {
		return nil, err
	}

	correlationID := uuid.New()
	actorHash := hipaa.HashIdentifier(actor.ID)
	sealed, err := s.seal(actor, answers)
	if err != nil {
		return nil, s.failure("save_draft", correlationID, err)
	}
	section := currentSection(answers, tmpl)

	var resp *Response
	err = s.withDraftRetry(ctx, func(ctx context.Context) error {
		now := s.now()
		existing, err := s.responses.FindOpenDraft(ctx, actorHash, templateID)
		if err != nil {
			return err
		}
		resp = existing
		if resp == nil {
			resp = s.newResponse(tmpl, actorHash, now)
		}
		sealed.apply(resp)
		resp.AnswerCount = len(answers)
		resp.CurrentSection = section
		resp.CorrelationID = correlationID
		resp.LastSavedAt = now

		if err := s.write(ctx, resp, existing == nil); err != nil {
			return err
		}
		return s.audit.Record(ctx, &hipaa.AuditEntry{
			CorrelationID:   correlationID,
			Action:          hipaa.ActionDraftSaved,
			ActorHash:       actorHash,
			TemplateID:      tmpl.ID,
			TemplateVersion: tmpl.Version,
			ResponseID:      resp.ID,
			AnswerCount:     len(answers),
		})
	})
	if err != nil {
		return nil, s.failure("save_draft", correlationID, err)
	}

	s.logger.Info().
		Str("correlation_id", correlationID.String()).
		Str("template_id", tmpl.ID.String()).
		Int("template_version", tmpl.Version).
		Int("answer_count", len(answers)).
		Str("actor", actorHash[:12]).
		Msg("draft saved")
	return resp.Metadata(), nil
}

// SubmitQuestionnaire scores answers and finalizes the response in one
// transaction. The submission event is enqueued in the same transaction and
// released to the dispatcher only after commit.
func (s *Service) SubmitQuestionnaire(ctx context.Context, actor Actor, templateID uuid.UUID, answers riskscore.Answers) (*ResponseMetadata, error) {
	tmpl, err := s.schemas.ResolveActive(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if err := ValidateAnswers(answers, tmpl); err != nil {
		return nil, err
	}
	score, err := s.tables.Calculate(answers)
	if err != nil {
		var inv *riskscore.InvalidAnswerError
		if errors.As(err, &inv) {
			return nil, &ValidationError{Field: inv.QuestionID, Reason: inv.Reason}
		}
		return nil, err
	}

	correlationID := uuid.New()
	actorHash := hipaa.HashIdentifier(actor.ID)
	sealed, err := s.seal(actor, answers)
	if err != nil {
		return nil, s.failure("submit", correlationID, err)
	}

	var resp *Response
	err = s.withDraftRetry(ctx, func(ctx context.Context) error {
		now := s.now()
		existing, err := s.responses.FindOpenDraft(ctx, actorHash, templateID)
		if err != nil {
			return err
		}
		resp = existing
		if resp == nil {
			resp = s.newResponse(tmpl, actorHash, now)
		}
		total := score.TotalPoints
		band := score.RiskBand
		sealed.apply(resp)
		resp.AnswerCount = len(answers)
		resp.Status = StatusCompleted
		resp.ScoreTotal = &total
		resp.RiskBand = &band
		resp.Score = &score
		resp.CurrentSection = ""
		resp.CorrelationID = correlationID
		resp.LastSavedAt = now
		resp.SubmittedAt = &now
		resp.CompletedAt = &now

		if err := s.write(ctx, resp, existing == nil); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, &hipaa.AuditEntry{
			CorrelationID:   correlationID,
			Action:          hipaa.ActionSubmitted,
			ActorHash:       actorHash,
			TemplateID:      tmpl.ID,
			TemplateVersion: tmpl.Version,
			ResponseID:      resp.ID,
			AnswerCount:     len(answers),
			ScoreTotal:      &total,
			RiskBand:        (*string)(&band),
		}); err != nil {
			return err
		}

		redacted, _ := riskscore.BucketScore(total)
		evt := events.QuestionnaireSubmitted{
			EventID:         uuid.New(),
			QuestionnaireID: resp.ID,
			ActorHash:       actorHash,
			TemplateVersion: tmpl.Version,
			RiskBand:        string(band),
			ScoreRedacted:   redacted,
			AnswerCount:     len(answers),
			Timestamp:       now,
		}
		if err := s.analytics.ValidatePayload(evt); err != nil {
			return err
		}
		return s.outbox.Enqueue(ctx, evt)
	})
	if err != nil {
		return nil, s.failure("submit", correlationID, err)
	}
	s.outbox.Notify()

	s.logger.Info().
		Str("correlation_id", correlationID.String()).
		Str("template_id", tmpl.ID.String()).
		Int("template_version", tmpl.Version).
		Int("answer_count", len(answers)).
		Str("risk_band", string(score.RiskBand)).
		Str("actor", actorHash[:12]).
		Msg("questionnaire submitted")
	return resp.Metadata(), nil
}

// GetDraft returns the actor's open draft for the template.
func (s *Service) GetDraft(ctx context.Context, actor Actor, templateID uuid.UUID) (*ResponseMetadata, error) {
	if _, err := s.schemas.ResolveActive(ctx, templateID); err != nil {
		return nil, err
	}
	resp, err := s.responses.FindOpenDraft(ctx, hipaa.HashIdentifier(actor.ID), templateID)
	if err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}
	if resp == nil {
		return nil, ErrResponseNotFound
	}
	return resp.Metadata(), nil
}

// GetResponse returns one of the actor's own responses.
func (s *Service) GetResponse(ctx context.Context, actor Actor, id uuid.UUID) (*ResponseMetadata, error) {
	resp, err := s.ownResponse(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return resp.Metadata(), nil
}

func (s *Service) ListResponses(ctx context.Context, actor Actor, limit, offset int) ([]*ResponseMetadata, int, error) {
	items, total, err := s.responses.ListByActor(ctx, hipaa.HashIdentifier(actor.ID), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list responses: %w", err)
	}
	out := make([]*ResponseMetadata, len(items))
	for i, r := range items {
		out[i] = r.Metadata()
	}
	return out, total, nil
}

// Export builds the de-identified export of one of the actor's completed
// responses.
func (s *Service) Export(ctx context.Context, actor Actor, id uuid.UUID) (*reporting.ExportPayload, error) {
	resp, err := s.ownResponse(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	src, err := completedSource(resp)
	if err != nil {
		return nil, err
	}
	payload, err := reporting.BuildExport(src)
	if err != nil {
		return nil, err
	}
	if err := s.analytics.ValidatePayload(payload); err != nil {
		return nil, err
	}
	if err := s.recordRead(ctx, hipaa.ActionExported, actor, resp); err != nil {
		return nil, err
	}
	return payload, nil
}

// ClinicianReportView is the clinician report plus the decrypted answers.
type ClinicianReportView struct {
	ResponseID uuid.UUID                  `json:"responseId"`
	Report     *reporting.ClinicianReport `json:"report"`
	Answers    riskscore.Answers          `json:"answers"`
}

// ClinicianReport opens a completed response for an authorized clinician.
// This is the only path on which answers are decrypted.
func (s *Service) ClinicianReport(ctx context.Context, clinician Actor, id uuid.UUID) (*ClinicianReportView, error) {
	resp, err := s.responses.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrResponseNotFound
		}
		return nil, fmt.Errorf("load response: %w", err)
	}
	src, err := completedSource(resp)
	if err != nil {
		return nil, err
	}
	report, err := reporting.BuildClinicianReport(src, s.now())
	if err != nil {
		return nil, err
	}
	answers, err := resp.Answers.Open(s.crypto.DecryptCapability("clinician_report"))
	if err != nil {
		return nil, fmt.Errorf("open answers: %w", err)
	}
	if err := s.recordRead(ctx, hipaa.ActionReportRead, clinician, resp); err != nil {
		return nil, err
	}
	return &ClinicianReportView{ResponseID: resp.ID, Report: report, Answers: answers}, nil
}

func (s *Service) ownResponse(ctx context.Context, actor Actor, id uuid.UUID) (*Response, error) {
	resp, err := s.responses.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrResponseNotFound
		}
		return nil, fmt.Errorf("load response: %w", err)
	}
	// Someone else's response is reported as absent.
	if resp.ActorHash != hipaa.HashIdentifier(actor.ID) {
		return nil, ErrResponseNotFound
	}
	return resp, nil
}

func completedSource(resp *Response) (reporting.Source, error) {
	if resp.Status != StatusCompleted || resp.Score == nil || resp.CompletedAt == nil {
		return reporting.Source{}, &ValidationError{Field: "status", Reason: "response is not completed"}
	}
	return reporting.Source{
		ActorHash:       resp.ActorHash,
		TemplateVersion: resp.TemplateVersion,
		CompletedAt:     *resp.CompletedAt,
		Score:           *resp.Score,
	}, nil
}

func (s *Service) recordRead(ctx context.Context, action string, actor Actor, resp *Response) error {
	err := s.audit.Record(ctx, &hipaa.AuditEntry{
		Action:          action,
		ActorHash:       hipaa.HashIdentifier(actor.ID),
		TemplateID:      resp.TemplateID,
		TemplateVersion: resp.TemplateVersion,
		ResponseID:      resp.ID,
		AnswerCount:     resp.AnswerCount,
		ScoreTotal:      resp.ScoreTotal,
		RiskBand:        (*string)(resp.RiskBand),
	})
	if err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	return nil
}

func (s *Service) newResponse(tmpl *Template, actorHash string, now time.Time) *Response {
	return &Response{
		ID:              uuid.New(),
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		ActorHash:       actorHash,
		Status:          StatusDraft,
		CreatedAt:       now,
	}
}

// write runs the persistence guard and then inserts or updates resp.
func (s *Service) write(ctx context.Context, resp *Response, insert bool) error {
	if err := s.persist.Validate(resp); err != nil {
		return err
	}
	if insert {
		return s.responses.Insert(ctx, resp)
	}
	return s.responses.Update(ctx, resp)
}

// withDraftRetry runs fn in a transaction, retrying once when a concurrent
// request created the open draft between lookup and insert.
func (s *Service) withDraftRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.tx.WithinTx(ctx, fn)
	if errors.Is(err, errDraftConflict) {
		err = s.tx.WithinTx(ctx, fn)
	}
	return err
}

type sealedFields struct {
	answers   hipaa.EncryptedField[riskscore.Answers]
	ipAddress hipaa.EncryptedField[string]
	userAgent hipaa.EncryptedField[string]
}

func (f sealedFields) apply(r *Response) {
	r.Answers = f.answers
	r.IPAddress = f.ipAddress
	r.UserAgent = f.userAgent
}

func (s *Service) seal(actor Actor, answers riskscore.Answers) (sealedFields, error) {
	var out sealedFields
	var err error
	enc := s.crypto.Encryptor()
	if out.answers, err = hipaa.Seal(enc, answers); err != nil {
		return out, err
	}
	if actor.IPAddress != "" {
		if out.ipAddress, err = hipaa.Seal(enc, actor.IPAddress); err != nil {
			return out, err
		}
	}
	if actor.UserAgent != "" {
		if out.userAgent, err = hipaa.Seal(enc, actor.UserAgent); err != nil {
			return out, err
		}
	}
	return out, nil
}

// failure logs err with the correlation id and returns an error safe to
// classify at the boundary. Storage errors become PersistenceError.
func (s *Service) failure(op string, correlationID uuid.UUID, err error) error {
	var vErr *ValidationError
	switch {
	case errors.As(err, &vErr), errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, hipaa.ErrPHILeak):
		s.logger.Error().
			Str("severity", "critical").
			Str("type", "phi_leak").
			Str("op", op).
			Str("correlation_id", correlationID.String()).
			Msg("operation aborted by PHI guard")
		return &PersistenceError{Op: op, CorrelationID: correlationID, Err: err}
	default:
		s.logger.Error().Err(err).
			Str("op", op).
			Str("correlation_id", correlationID.String()).
			Msg("questionnaire operation failed")
		return &PersistenceError{Op: op, CorrelationID: correlationID, Err: err}
	}
}
