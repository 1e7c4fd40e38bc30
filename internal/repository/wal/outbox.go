package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"fraud_engine/internal/domain"
	"fraud_engine/internal/repository"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
)

const (
	DefaultDir   = "./data/outbox-wal"
	segmentLimit = 1000
	maxSegments  = 10

	eventKeyPrefix = "outbox_event_"
)

// OutboxStore appends evaluation events to a segmented write-ahead log.
// Duplicate detection covers the records the log still retains; older
// segments are discarded by the WAL and their ids are forgotten with them.
type OutboxStore struct {
	wal  *gowal.Wal
	mu   sync.RWMutex
	seen map[string]struct{}

	// order holds seen ids oldest first.
	order  []string
	retain int
}

func NewOutboxStore(dir string) (*OutboxStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "outbox_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init outbox WAL")
	}

	store := &OutboxStore{
		wal:    wal,
		seen:   make(map[string]struct{}),
		retain: segmentLimit * maxSegments,
	}
	for msg := range wal.Iterator() {
		if strings.HasPrefix(msg.Key, eventKeyPrefix) {
			store.remember(strings.TrimPrefix(msg.Key, eventKeyPrefix))
		}
	}

	return store, nil
}

// remember records id and forgets the oldest ids beyond the retained window.
func (s *OutboxStore) remember(id string) {
	if _, exists := s.seen[id]; exists {
		return
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)

	for len(s.order) > s.retain {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *OutboxStore) Append(ctx context.Context, event *domain.OutboxEvent) error {
	if s == nil || s.wal == nil {
		return errors.New("outbox store is not initialized")
	}
	if event == nil || event.EventID == "" {
		return fmt.Errorf("outbox event id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal outbox event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seen[event.EventID]; exists {
		return fmt.Errorf("%w: outbox event %s", repository.ErrDuplicate, event.EventID)
	}

	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, eventKeyPrefix+event.EventID, payload); err != nil {
		return errors.Wrap(err, "write outbox event")
	}
	s.remember(event.EventID)

	return nil
}

// EventsAfter returns the events written after the provided WAL index.
func (s *OutboxStore) EventsAfter(index uint64) ([]*domain.OutboxEvent, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("outbox store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	events := make([]*domain.OutboxEvent, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil || !strings.HasPrefix(key, eventKeyPrefix) {
			continue
		}

		var event domain.OutboxEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, errors.Wrap(err, "decode outbox event")
		}
		events = append(events, &event)
	}

	return events, nil
}

func (s *OutboxStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

func (s *OutboxStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("outbox store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
