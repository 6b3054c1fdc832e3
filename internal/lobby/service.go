package lobby

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/quizlive/quizlive/internal/domain"
	"github.com/quizlive/quizlive/internal/errors"
	"github.com/quizlive/quizlive/internal/event"
	"github.com/quizlive/quizlive/internal/question"
)

const (
	defaultMaxLifetime   = 6 * time.Hour
	defaultExamCountdown = 40 * time.Minute
)

// TokenIssuer is the slice of the session-token service the state machine
// needs: minting on join, revoking on kick/leave/close.
type TokenIssuer interface {
	Issue(ctx context.Context, actor, lobbyID string) (string, error)
	Revoke(ctx context.Context, actor string) error
}

// ResultWriter appends immutable historical result records on lobby finish.
type ResultWriter interface {
	Append(ctx context.Context, r domain.Result) error
}

type Config struct {
	Store    *Store
	Bank     question.Bank
	Tokens   TokenIssuer
	Results  ResultWriter
	EventBus *event.Bus
	Guard    Guard
	// MaxLifetime is the passive lobby expiry, checked lazily on access.
	MaxLifetime time.Duration
	// ExamCountdown is the fixed exam-mode deadline stamped at start.
	ExamCountdown time.Duration
}

// Service owns the authoritative lobby document. Every mutation flows through
// its handlers; the connection registry and liveness monitor hold only weak
// (lobby id, participant id) references.
type Service struct {
	store   *Store
	bank    question.Bank
	tokens  TokenIssuer
	results ResultWriter
	eb      *event.Bus
	guard   Guard

	maxLifetime   time.Duration
	examCountdown time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		store:         c.Store,
		bank:          c.Bank,
		tokens:        c.Tokens,
		results:       c.Results,
		eb:            c.EventBus,
		guard:         c.Guard,
		maxLifetime:   c.MaxLifetime,
		examCountdown: c.ExamCountdown,
	}

	if s.maxLifetime <= 0 {
		s.maxLifetime = defaultMaxLifetime
	}
	if s.examCountdown <= 0 {
		s.examCountdown = defaultExamCountdown
	}

	return s
}

type CreateLobbyRequest struct {
	Host        domain.Actor
	QuestionIDs []string
	ExamMode    bool
	ShowAnswers bool
	MaxPlayers  int
}

// CreateLobby validates the question list against the bank, admits the host
// as the first participant, and returns the fresh waiting lobby.
func (s *Service) CreateLobby(ctx context.Context, req CreateLobbyRequest) (*domain.Lobby, error) {
	if len(req.QuestionIDs) == 0 {
		return nil, errors.New(errors.CodeValidation,
			errors.WithMessagef("question list must not be empty"))
	}

	maxPlayers := req.MaxPlayers
	if maxPlayers <= 0 {
		maxPlayers = s.guard.DefaultMaxPlayers
	}

	if err := s.guard.SubscriptionAllows(req.Host, req.ExamMode, maxPlayers); err != nil {
		return nil, err
	}

	if _, err := s.bank.Questions(ctx, req.QuestionIDs); err != nil {
		return nil, err
	}

	l := &domain.Lobby{
		Host:        req.Host.ID,
		Status:      domain.StatusWaiting,
		QuestionIDs: req.QuestionIDs,
		ExamMode:    req.ExamMode,
		ShowAnswers: req.ShowAnswers,
		MaxPlayers:  maxPlayers,
		CreatedAt:   time.Now(),
	}

	const maxAttempts = 5
	for i := 0; i < maxAttempts; i++ {
		l.ID = newLobbyCode()
		ok, err := s.store.Create(ctx, l)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if i == maxAttempts-1 {
			return nil, errors.Internal(fmt.Errorf("lobby code space exhausted after %d attempts", maxAttempts))
		}
	}

	// The host is a participant of its own lobby.
	outcome, err := s.store.Join(ctx, l.ID, req.Host.ID, maxPlayers)
	if err != nil {
		return nil, err
	}
	if outcome != JoinOK {
		return nil, s.joinError(l.ID, outcome)
	}
	l.Participants = []string{req.Host.ID}

	s.eb.Publish(ctx, domain.EventParticipantJoined{LobbyID: l.ID, Participant: req.Host.ID})

	return l, nil
}

type JoinRequest struct {
	LobbyID string
	Actor   domain.Actor
}

type JoinResponse struct {
	Lobby *domain.Lobby
	// Token authorizes one connection upgrade into the lobby.
	Token string
}

// Join admits an actor into a waiting lobby. Idempotent for existing
// participants: a fresh token is re-issued instead of erroring.
func (s *Service) Join(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
	l, err := s.loadLobby(ctx, req.LobbyID)
	if err != nil {
		return nil, err
	}

	if err := s.guard.RequireNotBlacklisted(l, req.Actor.ID); err != nil {
		return nil, err
	}
	if err := s.guard.RequireStatus(l, domain.StatusWaiting); err != nil {
		return nil, err
	}
	if !l.IsParticipant(req.Actor.ID) {
		if err := s.guard.HasCapacityFor(l); err != nil {
			return nil, err
		}
	}

	outcome, err := s.store.Join(ctx, l.ID, req.Actor.ID, l.MaxPlayers)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case JoinOK:
		l.Participants = append(l.Participants, req.Actor.ID)
		s.eb.Publish(ctx, domain.EventParticipantJoined{LobbyID: l.ID, Participant: req.Actor.ID})
	case JoinAlready:
		// Re-issue a token below.
	default:
		return nil, s.joinError(l.ID, outcome)
	}

	tok, err := s.tokens.Issue(ctx, req.Actor.ID, l.ID)
	if err != nil {
		return nil, err
	}

	return &JoinResponse{Lobby: l, Token: tok}, nil
}

func (s *Service) joinError(lobbyID string, outcome JoinOutcome) error {
	switch outcome {
	case JoinWrongStatus:
		return errors.New(errors.CodeConflict,
			errors.WithMessagef("lobby %s is no longer accepting participants", lobbyID))
	case JoinBlacklisted:
		return errors.New(errors.CodeForbidden,
			errors.WithMessagef("actor is blacklisted from lobby %s", lobbyID))
	case JoinFull:
		return errors.New(errors.CodeCapacity,
			errors.WithMessagef("lobby %s is full", lobbyID))
	case JoinBusy:
		return errors.New(errors.CodeConflict,
			errors.WithMessagef("actor already holds another active lobby"))
	default:
		return errors.Internal(fmt.Errorf("unexpected join outcome %q", outcome))
	}
}

// IssueToken re-issues a session token for an existing participant, e.g.
// before a reconnect.
func (s *Service) IssueToken(ctx context.Context, lobbyID, actor string) (string, error) {
	l, err := s.loadLobby(ctx, lobbyID)
	if err != nil {
		return "", err
	}

	if err := s.guard.RequireParticipant(l, actor); err != nil {
		return "", err
	}
	if l.Status.Terminal() {
		return "", errors.New(errors.CodeConflict,
			errors.WithMessagef("lobby %s is %s", l.ID, l.Status))
	}

	return s.tokens.Issue(ctx, actor, lobbyID)
}

// Start transitions waiting -> in_progress. The write is guarded on
// status=="waiting", so of two concurrent starts exactly one wins and the
// loser receives Conflict.
func (s *Service) Start(ctx context.Context, lobbyID, actor string) (*domain.Lobby, error) {
	l, err := s.loadLobby(ctx, lobbyID)
	if err != nil {
		return nil, err
	}

	if err := s.guard.RequireHost(l, actor); err != nil {
		return nil, err
	}
	if err := s.guard.RequireStatus(l, domain.StatusWaiting); err != nil {
		return nil, err
	}
	if err := s.guard.CanStart(l); err != nil {
		return nil, err
	}

	ok, err := s.store.Start(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.CodeConflict,
			errors.WithMessagef("lobby %s already started", lobbyID))
	}

	l.Status = domain.StatusInProgress
	l.CurrentIndex = 0

	if l.ExamMode {
		l.Deadline = time.Now().Add(s.examCountdown)
		if err := s.store.SetDeadline(ctx, lobbyID, l.Deadline); err != nil {
			return nil, err
		}
	}

	s.eb.Publish(ctx, domain.EventLobbyStarted{
		LobbyID:       l.ID,
		QuestionIndex: 0,
		QuestionID:    l.QuestionIDs[0],
	})

	return l, nil
}

type SubmitAnswerRequest struct {
	LobbyID     string
	Actor       string
	QuestionID  string
	AnswerIndex int
}

type SubmitAnswerResponse struct {
	Correct bool
	// Deferred marks exam-mode submissions: correctness is withheld from the
	// participant until the lobby finishes.
	Deferred bool
}

// SubmitAnswer writes one immutable ledger entry for (actor, question). A
// second submission for the same pair is rejected with Conflict, never
// overwritten. When the last active participant answers, the cursor
// auto-advances.
func (s *Service) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*SubmitAnswerResponse, error) {
	l, err := s.loadLobby(ctx, req.LobbyID)
	if err != nil {
		return nil, err
	}

	if err := s.guard.RequireStatus(l, domain.StatusInProgress); err != nil {
		return nil, err
	}
	if err := s.guard.RequireParticipant(l, req.Actor); err != nil {
		return nil, err
	}

	if req.QuestionID != l.CurrentQuestionID() {
		return nil, errors.New(errors.CodeConflict,
			errors.WithMessagef("question %s is not the current question", req.QuestionID))
	}

	q, err := s.bank.Question(ctx, req.QuestionID)
	if err != nil {
		return nil, err
	}

	if req.AnswerIndex < 0 || req.AnswerIndex >= len(q.Options) {
		return nil, errors.New(errors.CodeValidation,
			errors.WithMessagef("answer index %d out of range [0, %d)", req.AnswerIndex, len(q.Options)))
	}

	entry := domain.AnswerEntry{
		QuestionID:    req.QuestionID,
		Participant:   req.Actor,
		SelectedIndex: req.AnswerIndex,
		Correct:       req.AnswerIndex == q.CorrectIndex,
		SubmittedAt:   time.Now(),
	}

	answered, dup, err := s.store.SubmitAnswer(ctx, l.ID, req.QuestionID, entry)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, errors.New(errors.CodeConflict,
			errors.WithMessagef("answer already submitted: lobby=%s actor=%s question=%s", l.ID, req.Actor, req.QuestionID))
	}

	s.eb.Publish(ctx, domain.EventAnswerSubmitted{
		LobbyID:     l.ID,
		Participant: req.Actor,
		QuestionID:  req.QuestionID,
		Correct:     entry.Correct,
		Deferred:    l.ExamMode,
	})

	active, err := s.store.ParticipantCount(ctx, l.ID)
	if err != nil {
		return nil, err
	}
	if answered >= active {
		if err := s.advance(ctx, l, true); err != nil {
			return nil, err
		}
	}

	return &SubmitAnswerResponse{Correct: entry.Correct, Deferred: l.ExamMode}, nil
}

// NextQuestion advances the cursor; past the last question the lobby
// transitions to finished and results are aggregated. Host only.
func (s *Service) NextQuestion(ctx context.Context, lobbyID, actor string) error {
	l, err := s.loadLobby(ctx, lobbyID)
	if err != nil {
		return err
	}

	if err := s.guard.RequireHost(l, actor); err != nil {
		return err
	}
	if err := s.guard.RequireStatus(l, domain.StatusInProgress); err != nil {
		return err
	}

	return s.advance(ctx, l, false)
}

// Skip is the host skipping a question nobody could answer; it shares the
// advance semantics.
func (s *Service) Skip(ctx context.Context, lobbyID, actor string) error {
	return s.NextQuestion(ctx, lobbyID, actor)
}

func (s *Service) advance(ctx context.Context, l *domain.Lobby, auto bool) error {
	newIdx, finished, conflict, err := s.store.Advance(ctx, l.ID, l.CurrentIndex, len(l.QuestionIDs))
	if err != nil {
		return err
	}
	if conflict {
		if auto {
			// A concurrent advance already won; the auto trigger is satisfied.
			return nil
		}
		return errors.New(errors.CodeConflict,
			errors.WithMessagef("lobby %s cursor moved concurrently", l.ID))
	}

	if finished {
		return s.finish(ctx, l, false)
	}

	s.eb.Publish(ctx, domain.EventQuestionAdvanced{
		LobbyID:       l.ID,
		QuestionIndex: newIdx,
		QuestionID:    l.QuestionIDs[newIdx],
	})

	return nil
}

// finish aggregates per-participant scores, persists them as immutable
// historical records, and announces the terminal transition. Questions a
// participant never answered are excluded from the score, not counted wrong.
func (s *Service) finish(ctx context.Context, l *domain.Lobby, auto bool) error {
	correct, answered, err := s.store.Counts(ctx, l.ID)
	if err != nil {
		return err
	}

	now := time.Now()
	results := make([]domain.Result, 0, len(l.Participants))
	for _, p := range l.Participants {
		results = append(results, domain.Result{
			LobbyID:     l.ID,
			Participant: p,
			Correct:     correct[p],
			Answered:    answered[p],
			Total:       len(l.QuestionIDs),
			FinishedAt:  now,
		})

		if err := s.store.ReleaseActorLock(ctx, p); err != nil {
			slog.ErrorContext(ctx, "lobby: release actor lock failed", "lobby", l.ID, "actor", p, "error", err)
		}
	}

	for _, r := range results {
		if err := s.results.Append(ctx, r); err != nil {
			slog.ErrorContext(ctx, "lobby: persist result failed", "lobby", l.ID, "actor", r.Participant, "error", err)
		}
	}

	s.eb.Publish(ctx, domain.EventLobbyFinished{
		LobbyID:      l.ID,
		AutoFinished: auto,
		Results:      results,
	})

	return nil
}

// Kick removes the target, blacklists it, retracts its current-question
// ledger entry, and revokes its session tokens. The host cannot kick itself.
func (s *Service) Kick(ctx context.Context, lobbyID, actor, target string) error {
	l, err := s.loadLobby(ctx, lobbyID)
	if err != nil {
		return err
	}

	if err := s.guard.RequireHost(l, actor); err != nil {
		return err
	}
	if target == actor {
		return errors.New(errors.CodeValidation,
			errors.WithMessagef("host cannot kick itself"))
	}
	if err := s.guard.RequireStatus(l, domain.StatusWaiting, domain.StatusInProgress); err != nil {
		return err
	}

	ok, err := s.store.Kick(ctx, lobbyID, target, l.CurrentQuestionID())
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("actor %s is not a participant of lobby %s", target, lobbyID))
	}

	if err := s.tokens.Revoke(ctx, target); err != nil {
		return err
	}

	s.eb.Publish(ctx, domain.EventParticipantLeft{LobbyID: lobbyID, Participant: target, Kicked: true})

	return nil
}

// Close terminates the lobby from waiting or in_progress, empties the
// participant set, and revokes every participant's tokens. Idempotent when
// the lobby is already finished or closed.
func (s *Service) Close(ctx context.Context, lobbyID, actor string) error {
	l, err := s.loadLobby(ctx, lobbyID)
	if err != nil {
		return err
	}

	if err := s.guard.RequireHost(l, actor); err != nil {
		return err
	}
	if l.Status.Terminal() {
		return nil
	}

	members, changed, err := s.store.Close(ctx, lobbyID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	for _, m := range members {
		if err := s.tokens.Revoke(ctx, m); err != nil {
			slog.ErrorContext(ctx, "lobby: revoke tokens failed", "lobby", lobbyID, "actor", m, "error", err)
		}
	}

	s.eb.Publish(ctx, domain.EventLobbyClosed{LobbyID: lobbyID})

	return nil
}

// Leave removes a non-host participant, appends it to the left audit list,
// and revokes its tokens.
func (s *Service) Leave(ctx context.Context, lobbyID, actor string) error {
	l, err := s.loadLobby(ctx, lobbyID)
	if err != nil {
		return err
	}

	if l.Host == actor {
		return errors.New(errors.CodeForbidden,
			errors.WithMessagef("host cannot leave its own lobby; close it instead"))
	}
	if err := s.guard.RequireStatus(l, domain.StatusWaiting, domain.StatusInProgress); err != nil {
		return err
	}

	ok, err := s.store.Leave(ctx, lobbyID, actor)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(errors.CodeForbidden,
			errors.WithMessagef("actor %s is not a participant of lobby %s", actor, lobbyID))
	}

	if err := s.tokens.Revoke(ctx, actor); err != nil {
		return err
	}

	s.eb.Publish(ctx, domain.EventParticipantLeft{LobbyID: lobbyID, Participant: actor, Kicked: false})

	return nil
}

// Snapshot reads the lobby, applying the passive expiry check.
func (s *Service) Snapshot(ctx context.Context, lobbyID string) (*domain.Lobby, error) {
	return s.loadLobby(ctx, lobbyID)
}

// CurrentQuestion serves the question under the cursor with the correct
// index stripped (the bank view is for participants).
func (s *Service) CurrentQuestion(ctx context.Context, lobbyID string) (*domain.Question, int, error) {
	l, err := s.loadLobby(ctx, lobbyID)
	if err != nil {
		return nil, 0, err
	}

	qid := l.CurrentQuestionID()
	if qid == "" || l.Status != domain.StatusInProgress {
		return nil, 0, errors.New(errors.CodeConflict,
			errors.WithMessagef("lobby %s has no current question", lobbyID))
	}

	q, err := s.bank.Question(ctx, qid)
	if err != nil {
		return nil, 0, err
	}

	return q, l.CurrentIndex, nil
}

// loadLobby reads the document and lazily finishes it when its lifetime or
// exam deadline has passed. This is the passive timeout: no per-lobby timer
// exists, the transition materializes on next access.
func (s *Service) loadLobby(ctx context.Context, lobbyID string) (*domain.Lobby, error) {
	l, err := s.store.Load(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("lobby not found: %s", lobbyID))
	}

	if l.Status.Terminal() {
		return l, nil
	}

	now := time.Now()
	expired := now.After(l.CreatedAt.Add(s.maxLifetime))
	examOver := l.ExamMode && l.Status == domain.StatusInProgress &&
		!l.Deadline.IsZero() && now.After(l.Deadline)

	if expired || examOver {
		ok, err := s.store.FinishAuto(ctx, lobbyID)
		if err != nil {
			return nil, err
		}
		if ok {
			l.Status = domain.StatusFinished
			l.AutoFinished = true
			if err := s.finish(ctx, l, true); err != nil {
				return nil, err
			}
		}
	}

	return l, nil
}

// newLobbyCode returns a short human-shareable code. The ambiguous characters
// 0/O and 1/I are excluded.
func newLobbyCode() string {
	const letters = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	const size = 6

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}

	out := make([]byte, size)
	for i := range out {
		out[i] = letters[int(buf[i])%len(letters)]
	}

	return string(out)
}
