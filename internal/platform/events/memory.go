package events

import (
	"context"
	"sync"
)

// MemoryPublisher delivers synchronously to handlers in-process. It backs
// deployments without Redis and tests. A failing handler does not keep the
// event from the others; Publish reports it so the outbox row is retried, and
// the retry skips handlers that already succeeded.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []QuestionnaireSubmitted
	out    *fanout
}

func NewMemoryPublisher(handlers ...Handler) *MemoryPublisher {
	return &MemoryPublisher{out: newFanout(handlers)}
}

func (p *MemoryPublisher) Publish(ctx context.Context, evt QuestionnaireSubmitted) error {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
	return p.out.deliver(ctx, evt)
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []QuestionnaireSubmitted {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]QuestionnaireSubmitted, len(p.events))
	copy(out, p.events)
	return out
}
