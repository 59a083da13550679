package questionnaire

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// templateFile is the on-disk YAML form of a template definition.
type templateFile struct {
	Family              string    `yaml:"family"`
	Title               string    `yaml:"title"`
	ScoringRules        string    `yaml:"scoringRules"`
	RiskAssessmentRules string    `yaml:"riskAssessmentRules"`
	Sections            []Section `yaml:"sections"`
}

// ParseTemplate decodes and validates a YAML template definition. Unknown
// keys are rejected.
func ParseTemplate(r io.Reader) (*Template, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f templateFile
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, &ValidationError{Field: "template", Reason: "empty document"}
		}
		return nil, &ValidationError{Field: "template", Reason: err.Error()}
	}
	t := &Template{
		Family:              f.Family,
		Title:               f.Title,
		Sections:            f.Sections,
		ScoringRules:        f.ScoringRules,
		RiskAssessmentRules: f.RiskAssessmentRules,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Loader stores new template versions and publishes them.
type Loader struct {
	templates TemplateRepository
	tx        TxRunner
	schemas   *SchemaProvider
	now       func() time.Time
	logger    zerolog.Logger
}

func NewLoader(templates TemplateRepository, tx TxRunner, schemas *SchemaProvider, logger zerolog.Logger) *Loader {
	return &Loader{
		templates: templates,
		tx:        tx,
		schemas:   schemas,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Load stores the definition in data as the next version of its family and,
// when publish is set, makes it the active version.
func (l *Loader) Load(ctx context.Context, data []byte, publish bool) (*Template, error) {
	t, err := ParseTemplate(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	t.ID = uuid.New()
	t.CreatedAt = l.now()

	var previous []*Template
	err = l.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := l.templates.Create(ctx, t); err != nil {
			return fmt.Errorf("create template: %w", err)
		}
		if !publish {
			return nil
		}
		family, err := l.templates.List(ctx, t.Family)
		if err != nil {
			return fmt.Errorf("list templates: %w", err)
		}
		previous = family
		at := l.now()
		if err := l.templates.Publish(ctx, t.ID, at); err != nil {
			return fmt.Errorf("publish template: %w", err)
		}
		t.IsActive = true
		t.PublishedAt = &at
		return nil
	})
	if err != nil {
		return nil, err
	}
	if publish {
		l.schemas.Invalidate(ctx, previous)
	}

	l.logger.Info().
		Str("template_id", t.ID.String()).
		Str("family", t.Family).
		Int("version", t.Version).
		Bool("published", publish).
		Msg("template loaded")
	return t, nil
}

func (l *Loader) List(ctx context.Context, family string) ([]*Template, error) {
	return l.templates.List(ctx, family)
}
