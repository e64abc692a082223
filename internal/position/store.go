// Package position persists subscription cursors so a bot resumes where
// it stopped.
package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrEmptyKey = errors.New("position key is required")

// Store loads and saves the last delivered position of a subscription
type Store interface {
	// Load returns the saved position, or "" when none was saved
	Load(ctx context.Context, key string) (string, error)
	Save(ctx context.Context, key, position string) error
}

// Key names the cursor of channel within an application
func Key(appKey, channel string) string {
	return fmt.Sprintf("%s/%s", appKey, channel)
}

// MemoryStore keeps positions for the lifetime of the process
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]string)}
}

func (s *MemoryStore) Load(_ context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[key], nil
}

func (s *MemoryStore) Save(_ context.Context, key, position string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[key] = position
	return nil
}
