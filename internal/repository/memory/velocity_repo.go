package memory

import (
	"context"
	"sync"
	"time"
)

type velocityWindow struct {
	expiresAt time.Time
	count     int64
}

// VelocityStore counts hits per key in fixed windows that open on the first hit.
// Each window remembers its own expiry, so closed windows can be dropped
// regardless of which rule created them.
type VelocityStore struct {
	mu      sync.Mutex
	windows map[string]*velocityWindow
	now     func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewVelocityStore() *VelocityStore {
	return &VelocityStore{
		windows:  make(map[string]*velocityWindow),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

func (s *VelocityStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, exists := s.windows[key]
	if !exists || !now.Before(w.expiresAt) {
		w = &velocityWindow{expiresAt: now.Add(window)}
		s.windows[key] = w
	}
	w.count++

	return w.count, nil
}

// Purge drops windows that closed before now.
func (s *VelocityStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed int
	for key, w := range s.windows {
		if !now.Before(w.expiresAt) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

func (s *VelocityStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// StartPurging runs Purge every interval until Close is called.
func (s *VelocityStore) StartPurging(interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Purge()
			case <-s.stopChan:
				return
			}
		}
	}()
}

func (s *VelocityStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return nil
}
