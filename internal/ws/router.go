package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/quizlive/quizlive/internal/domain"
	"github.com/quizlive/quizlive/internal/errors"
	"github.com/quizlive/quizlive/internal/lobby"
)

// Actions is the slice of the lobby state machine reachable from a
// connection. Mutations route through it so the machine's invariants stay
// centrally enforced.
type Actions interface {
	SubmitAnswer(ctx context.Context, req lobby.SubmitAnswerRequest) (*lobby.SubmitAnswerResponse, error)
	Start(ctx context.Context, lobbyID, actor string) (*domain.Lobby, error)
	NextQuestion(ctx context.Context, lobbyID, actor string) error
	Skip(ctx context.Context, lobbyID, actor string) error
	Kick(ctx context.Context, lobbyID, actor, target string) error
	Close(ctx context.Context, lobbyID, actor string) error
	Leave(ctx context.Context, lobbyID, actor string) error
	Snapshot(ctx context.Context, lobbyID string) (*domain.Lobby, error)
}

// PresenceFunc builds the participant-list payload for one lobby.
type PresenceFunc func(ctx context.Context, lobbyID string) (any, error)

type RouterConfig struct {
	Actions  Actions
	Presence PresenceFunc
}

// Router decodes inbound messages and dispatches them to the state machine
// or answers them in place. Rejections are reported only on the connection
// that issued the action; other participants never see them.
type Router struct {
	actions  Actions
	presence PresenceFunc
}

func NewRouter(c RouterConfig) *Router {
	return &Router{
		actions:  c.Actions,
		presence: c.Presence,
	}
}

// inbound mirrors the wire envelope with the payload left raw until the tag
// is known.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type answerPayload struct {
	QuestionID  string `json:"question_id"`
	AnswerIndex int    `json:"answer_index"`
}

type kickPayload struct {
	Target string `json:"target"`
}

const legacyAnswerPrefix = "ANSWER:"

// Handle processes one inbound frame. Within one connection frames arrive in
// order, so this runs on the connection's read loop.
func (r *Router) Handle(ctx context.Context, conn *Connection, raw []byte) {
	conn.Touch()

	// Legacy plain-text control strings kept for old clients.
	text := strings.TrimSpace(string(raw))
	if text == "PING" {
		r.reply(conn, Envelope{Type: "pong"})
		return
	}
	if strings.HasPrefix(text, legacyAnswerPrefix) {
		r.handleLegacyAnswer(ctx, conn, text)
		return
	}

	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.replyError(conn, "", errors.New(errors.CodeValidation,
			errors.WithMessagef("malformed message envelope"),
			errors.WithCause(err)))
		return
	}

	switch msg.Type {
	case "ping":
		r.reply(conn, Envelope{Type: "pong"})

	case "pong":
		// Probe response; activity already recorded by Touch.

	case "sync":
		r.handleSync(ctx, conn)

	case "participants":
		r.handleParticipants(ctx, conn)

	case "answer":
		var p answerPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			r.replyError(conn, msg.Type, errors.New(errors.CodeValidation,
				errors.WithMessagef("malformed answer payload"),
				errors.WithCause(err)))
			return
		}
		r.handleAnswer(ctx, conn, p)

	case "start":
		if _, err := r.actions.Start(ctx, conn.LobbyID(), conn.Actor()); err != nil {
			r.replyError(conn, msg.Type, err)
		}

	case "next":
		if err := r.actions.NextQuestion(ctx, conn.LobbyID(), conn.Actor()); err != nil {
			r.replyError(conn, msg.Type, err)
		}

	case "skip":
		if err := r.actions.Skip(ctx, conn.LobbyID(), conn.Actor()); err != nil {
			r.replyError(conn, msg.Type, err)
		}

	case "kick":
		var p kickPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			r.replyError(conn, msg.Type, errors.New(errors.CodeValidation,
				errors.WithMessagef("malformed kick payload"),
				errors.WithCause(err)))
			return
		}
		if err := r.actions.Kick(ctx, conn.LobbyID(), conn.Actor(), p.Target); err != nil {
			r.replyError(conn, msg.Type, err)
		}

	case "close":
		if err := r.actions.Close(ctx, conn.LobbyID(), conn.Actor()); err != nil {
			r.replyError(conn, msg.Type, err)
		}

	case "leave":
		if err := r.actions.Leave(ctx, conn.LobbyID(), conn.Actor()); err != nil {
			r.replyError(conn, msg.Type, err)
		}

	default:
		// Unknown tags are tolerated for forward-compatible clients.
		slog.WarnContext(ctx, "router: unknown message type",
			"lobby", conn.LobbyID(),
			"actor", conn.Actor(),
			"type", msg.Type,
		)
	}
}

// handleLegacyAnswer parses ANSWER:<qid>:<idx>.
func (r *Router) handleLegacyAnswer(ctx context.Context, conn *Connection, text string) {
	rest := strings.TrimPrefix(text, legacyAnswerPrefix)
	sep := strings.LastIndex(rest, ":")
	if sep <= 0 {
		r.replyError(conn, "answer", errors.New(errors.CodeValidation,
			errors.WithMessagef("malformed legacy answer %q", text)))
		return
	}

	idx, err := strconv.Atoi(rest[sep+1:])
	if err != nil {
		r.replyError(conn, "answer", errors.New(errors.CodeValidation,
			errors.WithMessagef("malformed legacy answer index"),
			errors.WithCause(err)))
		return
	}

	r.handleAnswer(ctx, conn, answerPayload{QuestionID: rest[:sep], AnswerIndex: idx})
}

func (r *Router) handleAnswer(ctx context.Context, conn *Connection, p answerPayload) {
	resp, err := r.actions.SubmitAnswer(ctx, lobby.SubmitAnswerRequest{
		LobbyID:     conn.LobbyID(),
		Actor:       conn.Actor(),
		QuestionID:  p.QuestionID,
		AnswerIndex: p.AnswerIndex,
	})
	if err != nil {
		r.replyError(conn, "answer", err)
		return
	}

	data := map[string]any{
		"question_id": p.QuestionID,
		"accepted":    true,
	}
	// Exam mode defers correctness disclosure until the lobby finishes.
	if !resp.Deferred {
		data["correct"] = resp.Correct
	}

	r.reply(conn, Envelope{Type: "answer_result", Data: data})
}

// handleSync serves reconnecting clients the current cursor and status.
func (r *Router) handleSync(ctx context.Context, conn *Connection) {
	l, err := r.actions.Snapshot(ctx, conn.LobbyID())
	if err != nil {
		r.replyError(conn, "sync", err)
		return
	}

	r.reply(conn, Envelope{Type: "sync_state", Data: map[string]any{
		"lobby_id":      l.ID,
		"status":        l.Status,
		"current_index": l.CurrentIndex,
		"questions":     len(l.QuestionIDs),
		"exam_mode":     l.ExamMode,
		"participants":  l.Participants,
	}})
}

func (r *Router) handleParticipants(ctx context.Context, conn *Connection) {
	data, err := r.presence(ctx, conn.LobbyID())
	if err != nil {
		r.replyError(conn, "participants", err)
		return
	}

	r.reply(conn, Envelope{Type: "participant_list", Data: data})
}

func (r *Router) reply(conn *Connection, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("router: marshal reply failed", "type", env.Type, "error", err)
		return
	}

	if err := conn.Send(data); err != nil {
		slog.Warn("router: reply failed",
			"lobby", conn.LobbyID(),
			"actor", conn.Actor(),
			"type", env.Type,
			"error", err,
		)
	}
}

func (r *Router) replyError(conn *Connection, action string, err error) {
	e := errors.Convert(err)

	r.reply(conn, Envelope{Type: "error", Data: map[string]any{
		"action":  action,
		"code":    e.Code.String(),
		"message": e.Message,
	}})
}
