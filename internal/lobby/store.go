package lobby

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quizlive/quizlive/internal/domain"
)

// Store persists the lobby document in Redis. The document is a hash plus a
// few side keys (participant set, blacklist set, per-question answer ledger);
// every state transition goes through a Lua script so concurrent handlers are
// linearized by the single field they guard on, never by a process-wide lock.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	// ttl is a hard Redis expiry well past the lobby's logical lifetime,
	// so abandoned documents are eventually reclaimed.
	ttl time.Duration
}

const defaultDocTTL = 12 * time.Hour

// NewStore derives the hard Redis expiry from the logical lifetime so the
// document outlives every lazy-finish window.
func NewStore(rc redis.UniversalClient, prefix string, lifetime time.Duration) *Store {
	ttl := 2 * lifetime
	if ttl <= 0 {
		ttl = defaultDocTTL
	}

	return &Store{redis: rc, prefix: prefix, ttl: ttl}
}

// createScript refuses to overwrite an existing document, so lobby code
// collisions surface as a retryable failure instead of silent data loss.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
for i = 2, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call('EXPIRE', KEYS[1], ARGV[1])
return 1
`)

// setIfEqualsScript is the conditional-update primitive: set fields only when
// the guard field still holds the expected value.
var setIfEqualsScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
for i = 3, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

// joinScript admits an actor under all join invariants in one step.
var joinScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'waiting' then
	return 'wrong_status'
end
if redis.call('SISMEMBER', KEYS[3], ARGV[1]) == 1 then
	return 'blacklisted'
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
	return 'already'
end
local held = redis.call('GET', KEYS[4])
if held and held ~= ARGV[3] then
	return 'busy'
end
if redis.call('SCARD', KEYS[2]) >= tonumber(ARGV[2]) then
	return 'full'
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SETEX', KEYS[4], ARGV[4], ARGV[3])
return 'ok'
`)

// submitScript writes the ledger entry and reports the answered count in one
// transaction, so the duplicate check and the all-answered check cannot
// interleave with a concurrent submission.
var submitScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
	return -1
end
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[5], ARGV[2], ARGV[3])
if ARGV[3] == '1' then
	redis.call('HINCRBY', KEYS[3], ARGV[2], 1)
end
redis.call('HINCRBY', KEYS[4], ARGV[2], 1)
return redis.call('SCARD', KEYS[2])
`)

// advanceScript moves the cursor guarded on its previous value; exactly one
// of two racing advances wins.
var advanceScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'in_progress' then
	return -2
end
local idx = tonumber(redis.call('HGET', KEYS[1], 'current_index'))
if idx ~= tonumber(ARGV[1]) then
	return -1
end
local nxt = idx + 1
redis.call('HSET', KEYS[1], 'current_index', nxt)
if nxt >= tonumber(ARGV[2]) then
	redis.call('HSET', KEYS[1], 'status', 'finished')
end
return nxt
`)

var finishAutoScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'waiting' and st ~= 'in_progress' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'finished')
redis.call('HSET', KEYS[1], 'auto_finished', '1')
return 1
`)

var closeScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'waiting' and st ~= 'in_progress' then
	return false
end
redis.call('HSET', KEYS[1], 'status', 'closed')
local members = redis.call('SMEMBERS', KEYS[2])
redis.call('DEL', KEYS[2])
return members
`)

var kickScript = redis.NewScript(`
if redis.call('SREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('SADD', KEYS[2], ARGV[1])
if redis.call('EXISTS', KEYS[3]) == 1 then
	redis.call('DEL', KEYS[3])
	redis.call('SREM', KEYS[4], ARGV[1])
	if redis.call('HGET', KEYS[7], ARGV[1]) == '1' then
		redis.call('HINCRBY', KEYS[5], ARGV[1], -1)
	end
	redis.call('HDEL', KEYS[7], ARGV[1])
	redis.call('HINCRBY', KEYS[6], ARGV[1], -1)
end
redis.call('DEL', KEYS[8])
return 1
`)

var leaveScript = redis.NewScript(`
if redis.call('SREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
return 1
`)

// Create stores a fresh lobby document. Returns false when the code is taken.
func (s *Store) Create(ctx context.Context, l *domain.Lobby) (bool, error) {
	qs, err := json.Marshal(l.QuestionIDs)
	if err != nil {
		return false, fmt.Errorf("marshal question ids: %w", err)
	}

	deadline := int64(0)
	if !l.Deadline.IsZero() {
		deadline = l.Deadline.Unix()
	}

	args := []any{
		int(s.ttl.Seconds()),
		"host", l.Host,
		"status", string(l.Status),
		"questions", string(qs),
		"current_index", strconv.Itoa(l.CurrentIndex),
		"exam_mode", boolField(l.ExamMode),
		"show_answers", boolField(l.ShowAnswers),
		"auto_finished", boolField(l.AutoFinished),
		"max_players", strconv.Itoa(l.MaxPlayers),
		"created_at", strconv.FormatInt(l.CreatedAt.Unix(), 10),
		"deadline", strconv.FormatInt(deadline, 10),
	}

	n, err := createScript.Run(ctx, s.redis, []string{s.docKey(l.ID)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("create lobby: %w", err)
	}

	return n == 1, nil
}

// Load reads the lobby document and its side keys.
func (s *Store) Load(ctx context.Context, id string) (*domain.Lobby, error) {
	doc, err := s.redis.HGetAll(ctx, s.docKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load lobby: %w", err)
	}
	if len(doc) == 0 {
		return nil, nil
	}

	l := &domain.Lobby{
		ID:           id,
		Host:         doc["host"],
		Status:       domain.Status(doc["status"]),
		ExamMode:     doc["exam_mode"] == "1",
		ShowAnswers:  doc["show_answers"] == "1",
		AutoFinished: doc["auto_finished"] == "1",
	}

	if err := json.Unmarshal([]byte(doc["questions"]), &l.QuestionIDs); err != nil {
		return nil, fmt.Errorf("unmarshal question ids: %w", err)
	}
	l.CurrentIndex, _ = strconv.Atoi(doc["current_index"])
	l.MaxPlayers, _ = strconv.Atoi(doc["max_players"])

	if v, err := strconv.ParseInt(doc["created_at"], 10, 64); err == nil {
		l.CreatedAt = time.Unix(v, 0)
	}
	if v, err := strconv.ParseInt(doc["deadline"], 10, 64); err == nil && v > 0 {
		l.Deadline = time.Unix(v, 0)
	}

	if l.Participants, err = s.redis.SMembers(ctx, s.participantsKey(id)).Result(); err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	if l.Blacklist, err = s.redis.SMembers(ctx, s.blacklistKey(id)).Result(); err != nil {
		return nil, fmt.Errorf("load blacklist: %w", err)
	}
	if l.Left, err = s.redis.LRange(ctx, s.leftKey(id), 0, -1).Result(); err != nil {
		return nil, fmt.Errorf("load left list: %w", err)
	}

	return l, nil
}

// JoinOutcome is the script verdict of an admission attempt.
type JoinOutcome string

const (
	JoinOK          JoinOutcome = "ok"
	JoinAlready     JoinOutcome = "already"
	JoinWrongStatus JoinOutcome = "wrong_status"
	JoinBlacklisted JoinOutcome = "blacklisted"
	JoinFull        JoinOutcome = "full"
	JoinBusy        JoinOutcome = "busy"
)

func (s *Store) Join(ctx context.Context, id, actor string, maxPlayers int) (JoinOutcome, error) {
	keys := []string{s.docKey(id), s.participantsKey(id), s.blacklistKey(id), s.actorLockKey(actor)}

	v, err := joinScript.Run(ctx, s.redis, keys, actor, maxPlayers, id, int(s.ttl.Seconds())).Text()
	if err != nil {
		return "", fmt.Errorf("join lobby: %w", err)
	}

	return JoinOutcome(v), nil
}

// Start transitions waiting -> in_progress guarded on status, so exactly one
// of two concurrent start calls wins.
func (s *Store) Start(ctx context.Context, id string) (bool, error) {
	args := []any{
		"status", string(domain.StatusWaiting),
		"status", string(domain.StatusInProgress),
		"current_index", "0",
	}

	n, err := setIfEqualsScript.Run(ctx, s.redis, []string{s.docKey(id)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("start lobby: %w", err)
	}

	return n == 1, nil
}

// SetDeadline stamps the exam countdown cutoff once the lobby starts.
func (s *Store) SetDeadline(ctx context.Context, id string, deadline time.Time) error {
	return s.redis.HSet(ctx, s.docKey(id), "deadline", strconv.FormatInt(deadline.Unix(), 10)).Err()
}

// SubmitAnswer writes one ledger entry. Returns (answered count, false) on
// success, (0, true) when an entry for (participant, question) already exists.
func (s *Store) SubmitAnswer(ctx context.Context, id, questionID string, entry domain.AnswerEntry) (int, bool, error) {
	b, err := json.Marshal(entry)
	if err != nil {
		return 0, false, fmt.Errorf("marshal ledger entry: %w", err)
	}

	keys := []string{
		s.entryKey(id, questionID, entry.Participant),
		s.answeredKey(id, questionID),
		s.correctKey(id),
		s.totalsKey(id),
		s.correctByQuestionKey(id, questionID),
	}

	n, err := submitScript.Run(ctx, s.redis, keys, string(b), entry.Participant, boolField(entry.Correct), int(s.ttl.Seconds())).Int()
	if err != nil {
		return 0, false, fmt.Errorf("submit answer: %w", err)
	}
	if n == -1 {
		return 0, true, nil
	}

	return n, false, nil
}

// Entry reads one ledger entry, or nil when absent.
func (s *Store) Entry(ctx context.Context, id, questionID, participant string) (*domain.AnswerEntry, error) {
	v, err := s.redis.Get(ctx, s.entryKey(id, questionID, participant)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger entry: %w", err)
	}

	var e domain.AnswerEntry
	if err := json.Unmarshal([]byte(v), &e); err != nil {
		return nil, fmt.Errorf("unmarshal ledger entry: %w", err)
	}

	return &e, nil
}

func (s *Store) ParticipantCount(ctx context.Context, id string) (int, error) {
	n, err := s.redis.SCard(ctx, s.participantsKey(id)).Result()
	if err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}

	return int(n), nil
}

// Advance moves the cursor from fromIndex; total caps it into the finished
// transition. Returns (newIndex, finished, conflict).
func (s *Store) Advance(ctx context.Context, id string, fromIndex, total int) (int, bool, bool, error) {
	n, err := advanceScript.Run(ctx, s.redis, []string{s.docKey(id)}, fromIndex, total).Int()
	if err != nil {
		return 0, false, false, fmt.Errorf("advance lobby: %w", err)
	}
	if n < 0 {
		return 0, false, true, nil
	}

	return n, n >= total, false, nil
}

// FinishAuto lazily finishes an expired lobby, stamping auto_finished.
func (s *Store) FinishAuto(ctx context.Context, id string) (bool, error) {
	n, err := finishAutoScript.Run(ctx, s.redis, []string{s.docKey(id)}).Int()
	if err != nil {
		return false, fmt.Errorf("auto-finish lobby: %w", err)
	}

	return n == 1, nil
}

// Close sets the terminal closed status and empties the participant set,
// returning the evicted members. Returns (nil, false) when the lobby is
// already finished or closed.
func (s *Store) Close(ctx context.Context, id string) ([]string, bool, error) {
	v, err := closeScript.Run(ctx, s.redis, []string{s.docKey(id), s.participantsKey(id)}).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("close lobby: %w", err)
	}

	raw, ok := v.([]any)
	if !ok {
		return nil, false, fmt.Errorf("close lobby: unexpected reply %T", v)
	}

	members := make([]string, 0, len(raw))
	for _, m := range raw {
		if str, ok := m.(string); ok {
			members = append(members, str)
		}
	}

	for _, m := range members {
		_ = s.redis.Del(ctx, s.actorLockKey(m)).Err()
	}

	return members, true, nil
}

// Kick removes the target from the participant set, blacklists it, and
// retracts its ledger entry for the current question so the all-answered
// count stays consistent. Returns false when the target was not a member.
func (s *Store) Kick(ctx context.Context, id, target, currentQuestionID string) (bool, error) {
	keys := []string{
		s.participantsKey(id),
		s.blacklistKey(id),
		s.entryKey(id, currentQuestionID, target),
		s.answeredKey(id, currentQuestionID),
		s.correctKey(id),
		s.totalsKey(id),
		s.correctByQuestionKey(id, currentQuestionID),
		s.actorLockKey(target),
	}

	n, err := kickScript.Run(ctx, s.redis, keys, target).Int()
	if err != nil {
		return false, fmt.Errorf("kick participant: %w", err)
	}

	return n == 1, nil
}

// Leave removes the actor from the participant set and appends it to the
// left audit list. Returns false when the actor was not a member.
func (s *Store) Leave(ctx context.Context, id, actor string) (bool, error) {
	keys := []string{s.participantsKey(id), s.leftKey(id), s.actorLockKey(actor)}

	n, err := leaveScript.Run(ctx, s.redis, keys, actor).Int()
	if err != nil {
		return false, fmt.Errorf("leave lobby: %w", err)
	}

	return n == 1, nil
}

// Counts returns per-participant correct and answered tallies.
func (s *Store) Counts(ctx context.Context, id string) (map[string]int, map[string]int, error) {
	correct, err := s.hashCounts(ctx, s.correctKey(id))
	if err != nil {
		return nil, nil, fmt.Errorf("load correct counts: %w", err)
	}

	answered, err := s.hashCounts(ctx, s.totalsKey(id))
	if err != nil {
		return nil, nil, fmt.Errorf("load answered counts: %w", err)
	}

	return correct, answered, nil
}

// ReleaseActorLock frees the actor's one-active-lobby guard (finish paths).
func (s *Store) ReleaseActorLock(ctx context.Context, actor string) error {
	return s.redis.Del(ctx, s.actorLockKey(actor)).Err()
}

func (s *Store) hashCounts(ctx context.Context, key string) (map[string]int, error) {
	raw, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse count %q: %w", v, err)
		}
		counts[k] = n
	}

	return counts, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}

	return "0"
}

func (s *Store) docKey(id string) string {
	return fmt.Sprintf("%s:lobby:%s", s.prefix, id)
}

func (s *Store) participantsKey(id string) string {
	return fmt.Sprintf("%s:lobby:%s:participants", s.prefix, id)
}

func (s *Store) blacklistKey(id string) string {
	return fmt.Sprintf("%s:lobby:%s:blacklist", s.prefix, id)
}

func (s *Store) leftKey(id string) string {
	return fmt.Sprintf("%s:lobby:%s:left", s.prefix, id)
}

func (s *Store) entryKey(id, questionID, participant string) string {
	return fmt.Sprintf("%s:lobby:%s:entry:%s:%s", s.prefix, id, questionID, participant)
}

func (s *Store) answeredKey(id, questionID string) string {
	return fmt.Sprintf("%s:lobby:%s:answered:%s", s.prefix, id, questionID)
}

func (s *Store) correctKey(id string) string {
	return fmt.Sprintf("%s:lobby:%s:correct", s.prefix, id)
}

func (s *Store) totalsKey(id string) string {
	return fmt.Sprintf("%s:lobby:%s:totals", s.prefix, id)
}

func (s *Store) correctByQuestionKey(id, questionID string) string {
	return fmt.Sprintf("%s:lobby:%s:correctby:%s", s.prefix, id, questionID)
}

func (s *Store) actorLockKey(actor string) string {
	return fmt.Sprintf("%s:actorlobby:%s", s.prefix, actor)
}
