package questionnaire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hrq/hrq/internal/domain/riskscore"
	"github.com/hrq/hrq/internal/platform/db"
	"github.com/hrq/hrq/internal/platform/hipaa"
)

// =========== Template Repository ===========

type templateRepoPG struct{ pool *pgxpool.Pool }

func NewTemplateRepoPG(pool *pgxpool.Pool) TemplateRepository {
	return &templateRepoPG{pool: pool}
}

const templateCols = `id, family, version, title, sections, scoring_rules, risk_assessment_rules,
	is_active, published_at, created_at`

func (r *templateRepoPG) scanTemplate(row pgx.Row) (*Template, error) {
	var t Template
	var sections []byte
	err := row.Scan(&t.ID, &t.Family, &t.Version, &t.Title, &sections, &t.ScoringRules,
		&t.RiskAssessmentRules, &t.IsActive, &t.PublishedAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(sections, &t.Sections); err != nil {
		return nil, fmt.Errorf("decode sections of template %s: %w", t.ID, err)
	}
	return &t, nil
}

func (r *templateRepoPG) GetActive(ctx context.Context, family string, version *int) (*Template, error) {
	return r.scanTemplate(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+templateCols+` FROM questionnaire_template
		WHERE family = $1 AND is_active AND published_at IS NOT NULL
			AND ($2::int IS NULL OR version = $2)
		ORDER BY version DESC
		LIMIT 1`, family, version))
}

func (r *templateRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Template, error) {
	return r.scanTemplate(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+templateCols+` FROM questionnaire_template WHERE id = $1`, id))
}

func (r *templateRepoPG) List(ctx context.Context, family string) ([]*Template, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+templateCols+` FROM questionnaire_template
		WHERE $1 = '' OR family = $1
		ORDER BY family, version DESC`, family)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Template
	for rows.Next() {
		t, err := r.scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// Create takes a transaction-scoped advisory lock on the family so that two
// loaders cannot allocate the same version.
func (r *templateRepoPG) Create(ctx context.Context, t *Template) error {
	sections, err := json.Marshal(t.Sections)
	if err != nil {
		return fmt.Errorf("encode sections: %w", err)
	}
	conn := db.Conn(ctx, r.pool)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, t.Family); err != nil {
		return fmt.Errorf("lock template family: %w", err)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return conn.QueryRow(ctx, `
		INSERT INTO questionnaire_template (id, family, version, title, sections,
			scoring_rules, risk_assessment_rules, is_active)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM questionnaire_template WHERE family = $2),
			$3, $4, $5, $6, FALSE)
		RETURNING version, is_active, created_at`,
		t.ID, t.Family, t.Title, sections, t.ScoringRules, t.RiskAssessmentRules,
	).Scan(&t.Version, &t.IsActive, &t.CreatedAt)
}

func (r *templateRepoPG) Publish(ctx context.Context, id uuid.UUID, at time.Time) error {
	conn := db.Conn(ctx, r.pool)
	var family string
	err := conn.QueryRow(ctx, `SELECT family FROM questionnaire_template WHERE id = $1 FOR UPDATE`, id).Scan(&family)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTemplateNotFound
	}
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx,
		`UPDATE questionnaire_template SET is_active = FALSE WHERE family = $1 AND id <> $2`, family, id); err != nil {
		return err
	}
	_, err = conn.Exec(ctx, `
		UPDATE questionnaire_template
		SET is_active = TRUE, published_at = COALESCE(published_at, $2)
		WHERE id = $1`, id, at)
	return err
}

// =========== Response Repository ===========

type responseRepoPG struct{ pool *pgxpool.Pool }

func NewResponseRepoPG(pool *pgxpool.Pool) ResponseRepository {
	return &responseRepoPG{pool: pool}
}

const responseCols = `id, template_id, template_version, actor_hash, answers_ct, answer_count,
	status, score_total, risk_band, score_detail, current_section, correlation_id,
	ip_address_ct, user_agent_ct, created_at, last_saved_at, submitted_at, completed_at`

func (r *responseRepoPG) scanResponse(row pgx.Row) (*Response, error) {
	var resp Response
	var answersCT, ipCT, uaCT *string
	var band *string
	var detail []byte
	err := row.Scan(&resp.ID, &resp.TemplateID, &resp.TemplateVersion, &resp.ActorHash, &answersCT,
		&resp.AnswerCount, &resp.Status, &resp.ScoreTotal, &band, &detail, &resp.CurrentSection,
		&resp.CorrelationID, &ipCT, &uaCT, &resp.CreatedAt, &resp.LastSavedAt, &resp.SubmittedAt,
		&resp.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrResponseNotFound
	}
	if err != nil {
		return nil, err
	}

	if resp.Answers, err = hipaa.FromCiphertext[riskscore.Answers](deref(answersCT)); err != nil {
		return nil, fmt.Errorf("response %s answers: %w", resp.ID, err)
	}
	if resp.IPAddress, err = hipaa.FromCiphertext[string](deref(ipCT)); err != nil {
		return nil, fmt.Errorf("response %s ip_address: %w", resp.ID, err)
	}
	if resp.UserAgent, err = hipaa.FromCiphertext[string](deref(uaCT)); err != nil {
		return nil, fmt.Errorf("response %s user_agent: %w", resp.ID, err)
	}
	if band != nil {
		b := riskscore.RiskBand(*band)
		resp.RiskBand = &b
	}
	if len(detail) > 0 {
		var s riskscore.ScoreResult
		if err := json.Unmarshal(detail, &s); err != nil {
			return nil, fmt.Errorf("response %s score detail: %w", resp.ID, err)
		}
		resp.Score = &s
	}
	return &resp, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r *responseRepoPG) FindOpenDraft(ctx context.Context, actorHash string, templateID uuid.UUID) (*Response, error) {
	q := `SELECT ` + responseCols + ` FROM questionnaire_response
		WHERE actor_hash = $1 AND template_id = $2 AND status = 'draft'`
	if db.TxFromContext(ctx) != nil {
		q += ` FOR UPDATE`
	}
	resp, err := r.scanResponse(db.Conn(ctx, r.pool).QueryRow(ctx, q, actorHash, templateID))
	if errors.Is(err, ErrResponseNotFound) {
		return nil, nil
	}
	return resp, err
}

func (r *responseRepoPG) writeArgs(resp *Response) ([]any, error) {
	var detail []byte
	if resp.Score != nil {
		var err error
		if detail, err = json.Marshal(resp.Score); err != nil {
			return nil, fmt.Errorf("encode score detail: %w", err)
		}
	}
	var band *string
	if resp.RiskBand != nil {
		b := string(*resp.RiskBand)
		band = &b
	}
	v := resp.PHIValues()
	return []any{
		resp.ID, resp.TemplateID, resp.TemplateVersion, resp.ActorHash, v["answers"],
		resp.AnswerCount, string(resp.Status), resp.ScoreTotal, band, detail, resp.CurrentSection,
		resp.CorrelationID, v["ip_address"], v["user_agent"], resp.CreatedAt, resp.LastSavedAt,
		resp.SubmittedAt, resp.CompletedAt,
	}, nil
}

func (r *responseRepoPG) Insert(ctx context.Context, resp *Response) error {
	args, err := r.writeArgs(resp)
	if err != nil {
		return err
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO questionnaire_response (`+responseCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`, args...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "questionnaire_response_one_open_draft" {
		return errDraftConflict
	}
	return err
}

func (r *responseRepoPG) Update(ctx context.Context, resp *Response) error {
	args, err := r.writeArgs(resp)
	if err != nil {
		return err
	}
	// created_at ($15) is immutable and not rewritten.
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE questionnaire_response SET
			answers_ct = $5, answer_count = $6, status = $7, score_total = $8, risk_band = $9,
			score_detail = $10, current_section = $11, correlation_id = $12,
			ip_address_ct = $13, user_agent_ct = $14, last_saved_at = $15,
			submitted_at = $16, completed_at = $17
		WHERE id = $1 AND status = 'draft'
			AND template_id = $2 AND template_version = $3 AND actor_hash = $4`,
		append(args[:14:14], args[15:]...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update response %s: %w", resp.ID, ErrResponseNotFound)
	}
	return nil
}

func (r *responseRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Response, error) {
	return r.scanResponse(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+responseCols+` FROM questionnaire_response WHERE id = $1`, id))
}

func (r *responseRepoPG) ListByActor(ctx context.Context, actorHash string, limit, offset int) ([]*Response, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM questionnaire_response WHERE actor_hash = $1`, actorHash).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, `SELECT `+responseCols+` FROM questionnaire_response
		WHERE actor_hash = $1 ORDER BY last_saved_at DESC LIMIT $2 OFFSET $3`, actorHash, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Response
	for rows.Next() {
		resp, err := r.scanResponse(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, resp)
	}
	return items, total, rows.Err()
}
