package memory

import (
	"context"
	"fraud_engine/internal/domain"
	"fraud_engine/internal/repository"
	"fmt"
	"sync"
)

type OutboxStore struct {
	mu     sync.RWMutex
	events []*domain.OutboxEvent
	index  map[string]int
}

func NewOutboxStore() *OutboxStore {
	return &OutboxStore{
		index: make(map[string]int),
	}
}

func (s *OutboxStore) Append(ctx context.Context, event *domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[event.EventID]; exists {
		return fmt.Errorf("%w: outbox event %s", repository.ErrDuplicate, event.EventID)
	}

	s.index[event.EventID] = len(s.events)
	s.events = append(s.events, event)

	return nil
}

func (s *OutboxStore) GetByDecisionID(ctx context.Context, decisionID string) (*domain.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, event := range s.events {
		if event.Decision != nil && event.Decision.DecisionID == decisionID {
			return event, nil
		}
	}
	return nil, fmt.Errorf("%w: decision %s", repository.ErrNotFound, decisionID)
}

func (s *OutboxStore) Events() []*domain.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.OutboxEvent, len(s.events))
	copy(result, s.events)
	return result
}

func (s *OutboxStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *OutboxStore) Close() error {
	return nil
}
