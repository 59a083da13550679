package questionnaire

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type TemplateRepository interface {
	// GetActive returns the highest published, active version of family,
	// restricted to version when it is non-nil.
	GetActive(ctx context.Context, family string, version *int) (*Template, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Template, error)
	List(ctx context.Context, family string) ([]*Template, error)
	// Create stores t as the next version of its family.
	Create(ctx context.Context, t *Template) error
	// Publish activates id and deactivates every other version of its family.
	Publish(ctx context.Context, id uuid.UUID, at time.Time) error
}

type ResponseRepository interface {
	// FindOpenDraft returns the actor's draft for the template, or nil. Inside
	// a transaction the row stays locked until commit.
	FindOpenDraft(ctx context.Context, actorHash string, templateID uuid.UUID) (*Response, error)
	Insert(ctx context.Context, r *Response) error
	// Update rewrites a draft. Completed rows are never matched.
	Update(ctx context.Context, r *Response) error
	GetByID(ctx context.Context, id uuid.UUID) (*Response, error)
	ListByActor(ctx context.Context, actorHash string, limit, offset int) ([]*Response, int, error)
}
