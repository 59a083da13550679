package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// fanout calls every handler for an event, whatever the others returned.
// Handlers that succeeded are remembered per EventID, so a redelivery only
// reaches the handlers that failed the last time.
type fanout struct {
	handlers []Handler

	mu   sync.Mutex
	done map[uuid.UUID]map[string]bool
}

func newFanout(handlers []Handler) *fanout {
	return &fanout{handlers: handlers, done: map[uuid.UUID]map[string]bool{}}
}

func (f *fanout) succeeded(id uuid.UUID, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done[id][name]
}

func (f *fanout) mark(id uuid.UUID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done[id] == nil {
		f.done[id] = map[string]bool{}
	}
	f.done[id][name] = true
}

func (f *fanout) forget(id uuid.UUID) {
	f.mu.Lock()
	delete(f.done, id)
	f.mu.Unlock()
}

// deliver returns the joined errors of the handlers that failed.
func (f *fanout) deliver(ctx context.Context, evt QuestionnaireSubmitted) error {
	var errs []error
	for _, h := range f.handlers {
		if f.succeeded(evt.EventID, h.Name()) {
			continue
		}
		if err := h.Handle(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("handler %s: %w", h.Name(), err))
			continue
		}
		f.mark(evt.EventID, h.Name())
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	f.forget(evt.EventID)
	return nil
}
