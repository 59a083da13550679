package questionnaire

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SchemaCache is the subset of cache.JSONCache the provider needs.
type SchemaCache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, keys ...string) error
}

// SchemaProvider resolves published templates. It returns template content
// only and has no side effects beyond filling the cache.
type SchemaProvider struct {
	templates TemplateRepository
	cache     SchemaCache
	logger    zerolog.Logger
}

// NewSchemaProvider builds a provider; cache may be nil.
func NewSchemaProvider(templates TemplateRepository, cache SchemaCache, logger zerolog.Logger) *SchemaProvider {
	return &SchemaProvider{templates: templates, cache: cache, logger: logger}
}

func activeKey(family string, version *int) string {
	if version == nil {
		return "active:" + family + ":latest"
	}
	return fmt.Sprintf("active:%s:v%d", family, *version)
}

func idKey(id uuid.UUID) string { return "id:" + id.String() }

// GetActiveSchema returns the highest published active version of family, or
// exactly version when given.
func (p *SchemaProvider) GetActiveSchema(ctx context.Context, family string, version *int) (*Template, error) {
	key := activeKey(family, version)
	if t := p.cached(ctx, key); t != nil {
		return t, nil
	}
	t, err := p.templates.GetActive(ctx, family, version)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("load active template: %w", err)
	}
	p.store(ctx, key, t)
	return t, nil
}

// ResolveActive returns the template with id if it is published and active.
func (p *SchemaProvider) ResolveActive(ctx context.Context, id uuid.UUID) (*Template, error) {
	t := p.cached(ctx, idKey(id))
	if t == nil {
		var err error
		t, err = p.templates.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrTemplateNotFound
			}
			return nil, fmt.Errorf("load template: %w", err)
		}
		p.store(ctx, idKey(id), t)
	}
	if !t.IsPublishedActive() {
		return nil, ErrTemplateNotFound
	}
	return t, nil
}

// ListPublished returns every published version of family, newest first.
// Drafts that were never published are left out.
func (p *SchemaProvider) ListPublished(ctx context.Context, family string) ([]TemplateSummary, error) {
	all, err := p.templates.List(ctx, family)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	out := make([]TemplateSummary, 0, len(all))
	for _, t := range all {
		if t.PublishedAt == nil {
			continue
		}
		out = append(out, TemplateSummary{
			ID:          t.ID,
			Family:      t.Family,
			Version:     t.Version,
			Title:       t.Title,
			IsActive:    t.IsActive,
			PublishedAt: t.PublishedAt,
		})
	}
	return out, nil
}

// Invalidate drops every cache entry that may describe a template of the
// family. Call it after publishing.
func (p *SchemaProvider) Invalidate(ctx context.Context, templates []*Template) {
	if p.cache == nil {
		return
	}
	var keys []string
	for _, t := range templates {
		v := t.Version
		keys = append(keys, idKey(t.ID), activeKey(t.Family, &v), activeKey(t.Family, nil))
	}
	if err := p.cache.Delete(ctx, keys...); err != nil {
		p.logger.Warn().Err(err).Msg("template cache invalidation failed")
	}
}

func (p *SchemaProvider) cached(ctx context.Context, key string) *Template {
	if p.cache == nil {
		return nil
	}
	var t Template
	ok, err := p.cache.Get(ctx, key, &t)
	if err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("template cache read failed")
		return nil
	}
	if !ok {
		return nil
	}
	return &t
}

func (p *SchemaProvider) store(ctx context.Context, key string, t *Template) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Set(ctx, key, t); err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("template cache write failed")
	}
}
