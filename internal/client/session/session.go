// Package session keeps the client copy of the token pair
package session

import (
	"context"
	"sync"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/models"
)

// Client session cache. Holds at most one session
type Cache interface {
	// Replace cached session
	Save(ctx context.Context, s models.ClientSession) error

	// Get cached session. Has to return apperrors.ErrNoSession if cache is empty
	Load(ctx context.Context) (models.ClientSession, error)

	// Drop cached session. Clearing empty cache is ok
	Clear(ctx context.Context) error
}

type MemoryCache struct {
	mu      sync.RWMutex
	session *models.ClientSession
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Save(_ context.Context, s models.ClientSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = &s
	return nil
}

func (c *MemoryCache) Load(_ context.Context) (models.ClientSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.session == nil {
		return models.ClientSession{}, apperrors.ErrNoSession
	}
	return *c.session, nil
}

func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = nil
	return nil
}
