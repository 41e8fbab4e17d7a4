package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kage-kao/VK-Music-Saver/internal/source"
	"github.com/kage-kao/VK-Music-Saver/model"
	"github.com/kage-kao/VK-Music-Saver/utils"
)

// Authenticator checks a catalog token and names its owner.
type Authenticator interface {
	Me(ctx context.Context, token string) (*source.User, error)
}

type record struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	Photo     string    `json:"photo"`
	CreatedAt time.Time `json:"created_at"`
}

// Login is what a successful login hands back to the client.
type Login struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"` // JWT naming the session
	UserID    int64  `json:"user_id"`
	Name      string `json:"name"`
	Photo     string `json:"photo"`
}

// Manager keeps sessions in a cache with a fixed lifetime.
type Manager struct {
	cache utils.Cache
	auth  Authenticator
	ttl   time.Duration
}

func NewManager(cache utils.Cache, auth Authenticator, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{cache: cache, auth: auth, ttl: ttl}
}

func key(sessionID string) string {
	return utils.BuildCacheKey(utils.CacheKeySession, sessionID)
}

// Login validates the catalog token and opens a session for it.
func (m *Manager) Login(ctx context.Context, token string) (*Login, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", model.ErrValidation)
	}
	user, err := m.auth.Me(ctx, token)
	if err != nil {
		return nil, err
	}

	id := utils.GetToken()
	rec := record{
		Token:     token,
		UserID:    user.ID,
		Name:      strings.TrimSpace(user.FirstName + " " + user.LastName),
		Photo:     user.Photo,
		CreatedAt: time.Now(),
	}
	if err := m.cache.Set(ctx, key(id), rec, m.ttl); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	jwtToken, err := utils.GenerateToken(id, m.ttl)
	if err != nil {
		_ = m.cache.Delete(ctx, key(id))
		return nil, err
	}
	return &Login{SessionID: id, Token: jwtToken, UserID: rec.UserID, Name: rec.Name, Photo: rec.Photo}, nil
}

// Validate returns the catalog token behind a live session.
func (m *Manager) Validate(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("%w: no session", model.ErrAuth)
	}
	var rec record
	err := m.cache.Get(ctx, key(sessionID), &rec)
	if errors.Is(err, utils.ErrCacheMiss) {
		return "", fmt.Errorf("%w: session expired", model.ErrAuth)
	}
	if err != nil {
		return "", err
	}
	return rec.Token, nil
}

// Check reports whether the session is live without loading it. The auth
// middleware calls it on every request.
func (m *Manager) Check(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: no session", model.ErrAuth)
	}
	ok, err := m.cache.Exists(ctx, key(sessionID))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: session expired", model.ErrAuth)
	}
	return nil
}

// Invalidate ends a session. Tasks created under it are kept.
func (m *Manager) Invalidate(ctx context.Context, sessionID string) error {
	return m.cache.Delete(ctx, key(sessionID))
}
