package questionnaire

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hrq/hrq/internal/platform/events"
	"github.com/hrq/hrq/internal/platform/hipaa"
)

func ptrFloat(f float64) *float64 { return &f }

func scaleQuestions(prefix string, n int, itemMax float64) []Question {
	qs := make([]Question, n)
	for i := range qs {
		qs[i] = Question{
			ID:   prefix + string(rune('1'+i)),
			Text: "item",
			Type: QuestionScale,
			Min:  ptrFloat(0),
			Max:  ptrFloat(itemMax),
		}
	}
	return qs
}

// testTemplate is a published template carrying every question the scoring
// tables read, with a safety section gated on phq9_9.
func testTemplate() *Template {
	published := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Template{
		ID:           uuid.New(),
		Family:       "health-risk",
		Version:      1,
		Title:        "Health risk questionnaire",
		ScoringRules: "v1",
		Sections: []Section{
			{Key: "mood", Title: "Mood", Questions: scaleQuestions("phq9_", 9, 3)},
			{Key: "anxiety", Title: "Anxiety", Questions: scaleQuestions("gad7_", 7, 3)},
			{Key: "alcohol", Title: "Alcohol", Questions: scaleQuestions("auditc_", 3, 4)},
			{
				Key:       "safety",
				Title:     "Safety",
				Condition: &Condition{QuestionID: "phq9_9", Operator: ">=", Value: 1},
				Questions: []Question{
					{ID: "safety_suicidal_thoughts", Type: QuestionBoolean},
					{ID: "safety_self_harm", Type: QuestionBoolean},
					{ID: "safety_harm_others", Type: QuestionBoolean},
				},
			},
			{
				Key:   "allergies",
				Title: "Allergies",
				Questions: []Question{
					{ID: "allergy_anaphylaxis_history", Type: QuestionBoolean},
					{
						ID:        "allergy_epinephrine_autoinjector",
						Type:      QuestionBoolean,
						Condition: &Condition{QuestionID: "allergy_anaphylaxis_history", Operator: "=", Value: true},
					},
					{ID: "notes", Type: QuestionText},
				},
			},
		},
		IsActive:    true,
		PublishedAt: &published,
		CreatedAt:   published,
	}
}

type mockTemplateRepo struct {
	store map[uuid.UUID]*Template
	gets  int
}

func newMockTemplateRepo(ts ...*Template) *mockTemplateRepo {
	m := &mockTemplateRepo{store: make(map[uuid.UUID]*Template)}
	for _, t := range ts {
		m.store[t.ID] = t
	}
	return m
}

func (m *mockTemplateRepo) GetActive(_ context.Context, family string, version *int) (*Template, error) {
	m.gets++
	var best *Template
	for _, t := range m.store {
		if t.Family != family || !t.IsPublishedActive() {
			continue
		}
		if version != nil && t.Version != *version {
			continue
		}
		if best == nil || t.Version > best.Version {
			best = t
		}
	}
	if best == nil {
		return nil, ErrTemplateNotFound
	}
	return best, nil
}

func (m *mockTemplateRepo) GetByID(_ context.Context, id uuid.UUID) (*Template, error) {
	m.gets++
	t, ok := m.store[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return t, nil
}

func (m *mockTemplateRepo) List(_ context.Context, family string) ([]*Template, error) {
	var out []*Template
	for _, t := range m.store {
		if family == "" || t.Family == family {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (m *mockTemplateRepo) Create(_ context.Context, t *Template) error {
	version := 0
	for _, existing := range m.store {
		if existing.Family == t.Family && existing.Version > version {
			version = existing.Version
		}
	}
	t.Version = version + 1
	m.store[t.ID] = t
	return nil
}

func (m *mockTemplateRepo) Publish(_ context.Context, id uuid.UUID, at time.Time) error {
	target, ok := m.store[id]
	if !ok {
		return ErrTemplateNotFound
	}
	for _, t := range m.store {
		if t.Family == target.Family {
			t.IsActive = false
		}
	}
	target.IsActive = true
	target.PublishedAt = &at
	return nil
}

// mockResponseRepo stores copies so that the service only sees what it has
// written. It takes part in mockTx rollbacks.
type mockResponseRepo struct {
	rows     map[uuid.UUID]Response
	snapshot map[uuid.UUID]Response

	// raceOnce makes the next Insert fail as if another request had just
	// committed race.
	raceOnce *Response
	race     *Response
	failNext error
	inserts  int
	updates  int
}

func newMockResponseRepo() *mockResponseRepo {
	return &mockResponseRepo{rows: make(map[uuid.UUID]Response)}
}

func (m *mockResponseRepo) begin() {
	m.snapshot = make(map[uuid.UUID]Response, len(m.rows))
	for k, v := range m.rows {
		m.snapshot[k] = v
	}
}

func (m *mockResponseRepo) rollback() {
	m.rows = m.snapshot
	if m.race != nil {
		m.rows[m.race.ID] = *m.race
		m.race = nil
	}
}

func (m *mockResponseRepo) FindOpenDraft(_ context.Context, actorHash string, templateID uuid.UUID) (*Response, error) {
	for _, r := range m.rows {
		if r.ActorHash == actorHash && r.TemplateID == templateID && r.Status == StatusDraft {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockResponseRepo) Insert(_ context.Context, r *Response) error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	if m.raceOnce != nil {
		m.race, m.raceOnce = m.raceOnce, nil
		return errDraftConflict
	}
	for _, existing := range m.rows {
		if existing.ActorHash == r.ActorHash && existing.TemplateID == r.TemplateID && existing.Status == StatusDraft {
			return errDraftConflict
		}
	}
	m.inserts++
	m.rows[r.ID] = *r
	return nil
}

func (m *mockResponseRepo) Update(_ context.Context, r *Response) error {
	existing, ok := m.rows[r.ID]
	if !ok || existing.Status != StatusDraft {
		return ErrResponseNotFound
	}
	m.updates++
	m.rows[r.ID] = *r
	return nil
}

func (m *mockResponseRepo) GetByID(_ context.Context, id uuid.UUID) (*Response, error) {
	r, ok := m.rows[id]
	if !ok {
		return nil, ErrResponseNotFound
	}
	return &r, nil
}

func (m *mockResponseRepo) ListByActor(_ context.Context, actorHash string, limit, offset int) ([]*Response, int, error) {
	var out []*Response
	for _, r := range m.rows {
		if r.ActorHash == actorHash {
			cp := r
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (m *mockResponseRepo) byActor(actorHash string) []Response {
	var out []Response
	for _, r := range m.rows {
		if r.ActorHash == actorHash {
			out = append(out, r)
		}
	}
	return out
}

type mockAudit struct {
	entries  []hipaa.AuditEntry
	snapshot int
}

func (m *mockAudit) Record(_ context.Context, e *hipaa.AuditEntry) error {
	m.entries = append(m.entries, *e)
	return nil
}

type mockOutbox struct {
	queued   []events.QuestionnaireSubmitted
	snapshot int
	notified int
	failWith error
}

func (m *mockOutbox) Enqueue(_ context.Context, evt events.QuestionnaireSubmitted) error {
	if m.failWith != nil {
		return m.failWith
	}
	m.queued = append(m.queued, evt)
	return nil
}

func (m *mockOutbox) Notify() { m.notified++ }

// mockTx restores every participant when fn fails.
type mockTx struct {
	responses *mockResponseRepo
	audit     *mockAudit
	outbox    *mockOutbox
	runs      int
}

func (m *mockTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.runs++
	m.responses.begin()
	m.audit.snapshot = len(m.audit.entries)
	m.outbox.snapshot = len(m.outbox.queued)
	if err := fn(ctx); err != nil {
		m.responses.rollback()
		m.audit.entries = m.audit.entries[:m.audit.snapshot]
		m.outbox.queued = m.outbox.queued[:m.outbox.snapshot]
		return err
	}
	return nil
}

type testEnv struct {
	svc       *Service
	tmpl      *Template
	templates *mockTemplateRepo
	responses *mockResponseRepo
	audit     *mockAudit
	outbox    *mockOutbox
	tx        *mockTx
	crypto    *hipaa.EncryptionService
}

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tmpl := testTemplate()
	templates := newMockTemplateRepo(tmpl)
	responses := newMockResponseRepo()
	audit := &mockAudit{}
	outbox := &mockOutbox{}
	tx := &mockTx{responses: responses, audit: audit, outbox: outbox}
	crypto, err := hipaa.NewEncryptionService(hipaa.KeyConfig{CurrentKey: testKeyHex, CurrentVersion: 1}, zerolog.Nop())
	require.NoError(t, err)

	schemas := NewSchemaProvider(templates, nil, zerolog.Nop())
	svc := NewService(schemas, responses, tx, audit, outbox, crypto, zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	return &testEnv{
		svc:       svc,
		tmpl:      tmpl,
		templates: templates,
		responses: responses,
		audit:     audit,
		outbox:    outbox,
		tx:        tx,
		crypto:    crypto,
	}
}

var errBoom = errors.New("boom")
