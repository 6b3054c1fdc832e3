package token

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quizlive/quizlive/internal/errors"
)

const defaultTTL = 3 * time.Minute

// consumeScript reads and deletes a token in one step so two concurrent
// upgrade attempts with the same token cannot both succeed.
var consumeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	return false
end
redis.call('DEL', KEYS[1])
return v
`)

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
	// TTL is the fixed validity window of an issued token.
	TTL time.Duration
}

// Service mints and invalidates the single-use session tokens that gate a
// connection upgrade into a specific lobby for a specific actor.
type Service struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewService(c Config) *Service {
	ttl := c.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	return &Service{
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    ttl,
	}
}

type grant struct {
	Actor   string `json:"actor"`
	LobbyID string `json:"lobby_id"`
}

// Issue generates a random opaque token bound to (actor, lobby) with the
// configured validity window, and opportunistically discards the actor's
// tokens that have already expired.
func (s *Service) Issue(ctx context.Context, actor, lobbyID string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	tok := id.String()

	b, err := json.Marshal(grant{Actor: actor, LobbyID: lobbyID})
	if err != nil {
		return "", fmt.Errorf("marshal grant: %w", err)
	}

	if err := s.redis.Set(ctx, s.tokenKey(tok), b, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}

	actorKey := s.actorKey(actor)
	if err := s.redis.SAdd(ctx, actorKey, tok).Err(); err != nil {
		return "", fmt.Errorf("index token: %w", err)
	}
	// The actor index only needs to outlive the tokens it points at.
	_ = s.redis.Expire(ctx, actorKey, 2*s.ttl).Err()

	s.sweepExpired(ctx, actor, tok)

	return tok, nil
}

// Consume validates and destroys a token. It fails with TokenInvalid when the
// token is unknown, expired, already used, or bound to a different lobby.
func (s *Service) Consume(ctx context.Context, tok, lobbyID string) (string, error) {
	v, err := consumeScript.Run(ctx, s.redis, []string{s.tokenKey(tok)}).Text()
	if err == redis.Nil {
		return "", errors.New(errors.CodeTokenInvalid,
			errors.WithMessagef("session token expired, used, or unknown"))
	}
	if err != nil {
		return "", fmt.Errorf("consume token: %w", err)
	}

	var g grant
	if err := json.Unmarshal([]byte(v), &g); err != nil {
		return "", fmt.Errorf("unmarshal grant: %w", err)
	}

	if g.LobbyID != lobbyID {
		return "", errors.New(errors.CodeTokenInvalid,
			errors.WithMessagef("session token bound to another lobby"))
	}

	_ = s.redis.SRem(ctx, s.actorKey(g.Actor), tok).Err()

	return g.Actor, nil
}

// Revoke deletes all of the actor's outstanding tokens (kick, leave, close).
func (s *Service) Revoke(ctx context.Context, actor string) error {
	actorKey := s.actorKey(actor)

	toks, err := s.redis.SMembers(ctx, actorKey).Result()
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}

	for _, tok := range toks {
		if err := s.redis.Del(ctx, s.tokenKey(tok)).Err(); err != nil {
			return fmt.Errorf("revoke token: %w", err)
		}
	}

	return s.redis.Del(ctx, actorKey).Err()
}

// sweepExpired drops index entries whose token key has already expired.
func (s *Service) sweepExpired(ctx context.Context, actor, keep string) {
	actorKey := s.actorKey(actor)

	toks, err := s.redis.SMembers(ctx, actorKey).Result()
	if err != nil {
		return
	}

	for _, tok := range toks {
		if tok == keep {
			continue
		}
		n, err := s.redis.Exists(ctx, s.tokenKey(tok)).Result()
		if err == nil && n == 0 {
			_ = s.redis.SRem(ctx, actorKey, tok).Err()
		}
	}
}

func (s *Service) tokenKey(tok string) string {
	return fmt.Sprintf("%s:sess:%s", s.prefix, tok)
}

func (s *Service) actorKey(actor string) string {
	return fmt.Sprintf("%s:sess:actor:%s", s.prefix, actor)
}
