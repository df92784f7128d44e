package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/sells-group/proposal-review/internal/review"
)

// evictSaveTimeout bounds the final save of an expiring session.
const evictSaveTimeout = 10 * time.Second

// sessionRegistry holds open review sessions. Sessions expire after ttl
// without access; an expired or removed session saves pending edits and is
// closed.
type sessionRegistry struct {
	cache *gocache.Cache
}

func newSessionRegistry(ttl time.Duration) *sessionRegistry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := gocache.New(ttl, ttl/2)
	c.OnEvicted(func(id string, v any) {
		s, ok := v.(*review.Session)
		if !ok {
			return
		}
		closeSession(id, s)
	})
	return &sessionRegistry{cache: c}
}

func closeSession(id string, s *review.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), evictSaveTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		zap.L().Warn("session: final save failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	zap.L().Debug("session: closed", zap.String("session_id", id))
}

// Add registers a session and returns its id.
func (r *sessionRegistry) Add(s *review.Session) string {
	id := uuid.NewString()
	r.cache.SetDefault(id, s)
	return id
}

// Get returns a session and extends its lifetime.
func (r *sessionRegistry) Get(id string) (*review.Session, bool) {
	v, ok := r.cache.Get(id)
	if !ok {
		return nil, false
	}
	s := v.(*review.Session)
	r.cache.SetDefault(id, s)
	return s, true
}

// Remove closes and drops a session.
func (r *sessionRegistry) Remove(id string) {
	r.cache.Delete(id)
}

// Len returns the number of open sessions.
func (r *sessionRegistry) Len() int {
	return r.cache.ItemCount()
}

// CloseAll closes every session.
func (r *sessionRegistry) CloseAll() {
	for id := range r.cache.Items() {
		r.cache.Delete(id)
	}
}
