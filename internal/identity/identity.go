package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/quizlive/quizlive/internal/domain"
)

// Verifier is the identity/authorization collaborator: it verifies a
// request-scoped bearer token and decodes the caller. The lobby layer treats
// it as a pure function call at request boundaries.
type Verifier interface {
	Verify(ctx context.Context, bearer string) (domain.Actor, error)
}

// Resolver looks up display attributes for a participant id. Backed by an
// external identity service in production; results are cached with a short
// TTL because participant lists are re-broadcast on every presence change.
type Resolver interface {
	Resolve(ctx context.Context, participantID string) (domain.Actor, error)
}

const defaultCacheTTL = 30 * time.Second

type cacheEntry struct {
	actor   domain.Actor
	expires time.Time
}

// CachedResolver wraps a Resolver with a TTL cache keyed by participant id.
type CachedResolver struct {
	next Resolver
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCachedResolver(next Resolver, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	return &CachedResolver{
		next:    next,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// LocalResolver derives display attributes from the participant id itself.
// Deployments with an external identity service swap in an RPC-backed
// Resolver behind the same cache.
type LocalResolver struct{}

func (LocalResolver) Resolve(_ context.Context, participantID string) (domain.Actor, error) {
	a := domain.Actor{
		ID:          participantID,
		DisplayName: participantID,
		Tier:        domain.TierFree,
	}

	if strings.HasPrefix(participantID, "guest-") {
		a.Guest = true
		a.DisplayName = "Guest"
	}

	return a, nil
}

func (r *CachedResolver) Resolve(ctx context.Context, participantID string) (domain.Actor, error) {
	now := time.Now()

	r.mu.Lock()
	if e, ok := r.entries[participantID]; ok && now.Before(e.expires) {
		r.mu.Unlock()
		return e.actor, nil
	}
	r.mu.Unlock()

	actor, err := r.next.Resolve(ctx, participantID)
	if err != nil {
		return domain.Actor{}, err
	}

	r.mu.Lock()
	r.entries[participantID] = cacheEntry{actor: actor, expires: now.Add(r.ttl)}
	r.mu.Unlock()

	return actor, nil
}
