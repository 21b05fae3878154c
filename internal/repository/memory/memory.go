// Package memory keeps users and sessions in process memory.
// Used for local development and tests, data is lost on restart
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/models"
	"github.com/nkiryanov/gopherauth/internal/repository"
)

type Storage struct {
	users    *UserRepo
	sessions *SessionRepo
}

func NewStorage() *Storage {
	return &Storage{
		users:    NewUserRepo(),
		sessions: NewSessionRepo(),
	}
}

func (s *Storage) User() repository.UserRepo       { return s.users }
func (s *Storage) Session() repository.SessionRepo { return s.sessions }

type UserRepo struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]models.User
	byUsername map[string]uuid.UUID
}

func NewUserRepo() *UserRepo {
	return &UserRepo{
		byID:       make(map[uuid.UUID]models.User),
		byUsername: make(map[string]uuid.UUID),
	}
}

func (r *UserRepo) CreateUser(_ context.Context, username string, hashedPassword string) (models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUsername[username]; ok {
		return models.User{}, fmt.Errorf("repo error: %w", apperrors.ErrUserAlreadyExists)
	}

	user := models.User{
		ID:             uuid.New(),
		CreatedAt:      time.Now(),
		Username:       username,
		HashedPassword: hashedPassword,
	}
	r.byID[user.ID] = user
	r.byUsername[username] = user.ID

	return user, nil
}

func (r *UserRepo) GetUserByID(_ context.Context, userID uuid.UUID) (models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.byID[userID]
	if !ok {
		return user, fmt.Errorf("repo error: %w", apperrors.ErrUserNotFound)
	}
	return user, nil
}

func (r *UserRepo) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	r.mu.RLock()
	id, ok := r.byUsername[username]
	r.mu.RUnlock()

	if !ok {
		return models.User{}, fmt.Errorf("repo error: %w", apperrors.ErrUserNotFound)
	}
	return r.GetUserByID(ctx, id)
}

// Session repo guarded by one mutex: every operation, including Rotate compare and swap, is atomic
type SessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]models.Session
	now      func() time.Time
}

func NewSessionRepo() *SessionRepo {
	return &SessionRepo{
		sessions: make(map[uuid.UUID]models.Session),
		now:      time.Now,
	}
}

func (r *SessionRepo) Put(_ context.Context, s models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.UserID] = s
	return nil
}

func (r *SessionRepo) Get(_ context.Context, userID uuid.UUID) (models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.lookup(userID)
	if !ok {
		return s, fmt.Errorf("repo error: %w", apperrors.ErrSessionNotFound)
	}
	return s, nil
}

func (r *SessionRepo) Remove(_ context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, userID)
	return nil
}

func (r *SessionRepo) Rotate(_ context.Context, userID uuid.UUID, expectedHash string, next models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.lookup(userID)
	switch {
	case !ok:
		return fmt.Errorf("repo error: %w", apperrors.ErrSessionNotFound)
	case current.TokenHash != expectedHash:
		return fmt.Errorf("repo error: %w", apperrors.ErrSessionChanged)
	}

	current.TokenHash = next.TokenHash
	current.RotatedAt = next.RotatedAt
	current.ExpiresAt = next.ExpiresAt
	r.sessions[userID] = current

	return nil
}

func (r *SessionRepo) RemoveExpired(_ context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []models.Session
	for _, s := range r.sessions {
		if !s.ExpiresAt.After(before) {
			expired = append(expired, s)
		}
	}
	slices.SortFunc(expired, func(a, b models.Session) int {
		return a.ExpiresAt.Compare(b.ExpiresAt)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}

	ids := make([]uuid.UUID, 0, len(expired))
	for _, s := range expired {
		delete(r.sessions, s.UserID)
		ids = append(ids, s.UserID)
	}
	return ids, nil
}

// lookup hides expired sessions the way redis does. Must be called with mu held
func (r *SessionRepo) lookup(userID uuid.UUID) (models.Session, bool) {
	s, ok := r.sessions[userID]
	if !ok {
		return s, false
	}
	if s.Expired(r.now()) {
		delete(r.sessions, userID)
		return models.Session{}, false
	}
	return s, true
}
