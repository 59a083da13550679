package webhook

import (
	"context"
	"sync"
)

// MemoryStore keeps endpoints and deliveries in insertion order. Values are
// copied on the way in and out.
type MemoryStore struct {
	mu         sync.RWMutex
	endpoints  []*Endpoint
	deliveries []*Delivery
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func (s *MemoryStore) endpointIndex(id string) int {
	for i, ep := range s.endpoints {
		if ep.ID == id {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	cp := *ep
	s.mu.Lock()
	s.endpoints = append(s.endpoints, &cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetEndpoint(_ context.Context, id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.endpointIndex(id)
	if i < 0 {
		return nil, ErrNotFound
	}
	cp := *s.endpoints[i]
	return &cp, nil
}

func (s *MemoryStore) ListEndpoints(_ context.Context, limit, offset int) ([]*Endpoint, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Endpoint
	for _, ep := range page(s.endpoints, limit, offset) {
		cp := *ep
		out = append(out, &cp)
	}
	if out == nil {
		out = []*Endpoint{}
	}
	return out, len(s.endpoints), nil
}

func (s *MemoryStore) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.endpointIndex(ep.ID)
	if i < 0 {
		return ErrNotFound
	}
	cp := *ep
	s.endpoints[i] = &cp
	return nil
}

// DeleteEndpoint removes the endpoint. Its delivery log is kept.
func (s *MemoryStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.endpointIndex(id)
	if i < 0 {
		return ErrNotFound
	}
	s.endpoints = append(s.endpoints[:i], s.endpoints[i+1:]...)
	return nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, d *Delivery) error {
	cp := *d
	s.mu.Lock()
	s.deliveries = append(s.deliveries, &cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deliveries {
		if d.ID == id {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListDeliveries(_ context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*Delivery
	for _, d := range s.deliveries {
		if d.EndpointID == endpointID {
			cp := *d
			matched = append(matched, &cp)
		}
	}
	return page(matched, limit, offset), len(matched), nil
}

func (s *MemoryStore) LastDelivery(_ context.Context, endpointID, eventID string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.deliveries) - 1; i >= 0; i-- {
		if d := s.deliveries[i]; d.EndpointID == endpointID && d.EventID == eventID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) FailedDeliveries(_ context.Context) ([]*Delivery, error) {
	type pair struct{ endpoint, event string }
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := map[pair]int{}
	for i, d := range s.deliveries {
		latest[pair{d.EndpointID, d.EventID}] = i
	}
	out := []*Delivery{}
	for i, d := range s.deliveries {
		if latest[pair{d.EndpointID, d.EventID}] == i && !d.Succeeded {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}
