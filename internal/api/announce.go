package api

import (
	"context"

	"github.com/quizlive/quizlive/internal/domain"
	"github.com/quizlive/quizlive/internal/event"
	"github.com/quizlive/quizlive/internal/ws"
)

// subscribe wires domain events to socket broadcasts. Handlers run on the
// bus worker pool, detached from the request that triggered the mutation.
func (a *API) subscribe(eb *event.Bus) {
	eb.Subscribe(domain.EventNameParticipantJoined, func(ctx context.Context, e event.Event) error {
		return a.announceRoster(ctx, e.(domain.EventParticipantJoined).LobbyID)
	})

	eb.Subscribe(domain.EventNameParticipantLeft, func(ctx context.Context, e event.Event) error {
		return a.announceLeft(ctx, e.(domain.EventParticipantLeft))
	})

	// Every successful register re-broadcasts the roster; the online edge
	// below fires only on the actor's first connection.
	eb.Subscribe(domain.EventNameRosterChanged, func(ctx context.Context, e event.Event) error {
		return a.announceRoster(ctx, e.(domain.EventRosterChanged).LobbyID)
	})

	eb.Subscribe(domain.EventNameParticipantOnline, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventParticipantOnline)
		return a.dispatcher.SendToLobby(ctx, ev.LobbyID, ws.Envelope{
			Type: "participant_online",
			Data: map[string]any{"participant": ev.Participant},
		})
	})

	eb.Subscribe(domain.EventNameParticipantOffline, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventParticipantOffline)
		if err := a.dispatcher.SendToLobby(ctx, ev.LobbyID, ws.Envelope{
			Type: "participant_offline",
			Data: map[string]any{"participant": ev.Participant},
		}); err != nil {
			return err
		}
		return a.announceRoster(ctx, ev.LobbyID)
	})

	eb.Subscribe(domain.EventNameLobbyStarted, func(ctx context.Context, e event.Event) error {
		return a.announceStarted(ctx, e.(domain.EventLobbyStarted))
	})

	eb.Subscribe(domain.EventNameQuestionAdvanced, func(ctx context.Context, e event.Event) error {
		return a.announceAdvanced(ctx, e.(domain.EventQuestionAdvanced))
	})

	eb.Subscribe(domain.EventNameLobbyFinished, func(ctx context.Context, e event.Event) error {
		return a.announceFinished(ctx, e.(domain.EventLobbyFinished))
	})

	eb.Subscribe(domain.EventNameLobbyClosed, func(ctx context.Context, e event.Event) error {
		return a.announceClosed(ctx, e.(domain.EventLobbyClosed))
	})
}

// announceRoster re-broadcasts the participant list; it is the single source
// of roster truth for clients, so every membership or presence change ends
// here.
func (a *API) announceRoster(ctx context.Context, lobbyID string) error {
	data, err := a.participantList(ctx, lobbyID)
	if err != nil {
		return err
	}

	return a.dispatcher.SendToLobby(ctx, lobbyID, ws.Envelope{
		Type: "participant_list",
		Data: data,
	})
}

// announceLeft notifies the lobby, and for a kick also notifies the target
// before its connections are revoked.
func (a *API) announceLeft(ctx context.Context, e domain.EventParticipantLeft) error {
	if e.Kicked {
		_ = a.dispatcher.SendToActor(ctx, e.LobbyID, e.Participant, ws.Envelope{
			Type: "kicked",
			Data: map[string]any{"lobby_id": e.LobbyID},
		})
		a.registry.CloseActor(ctx, e.LobbyID, e.Participant)
	}

	if err := a.dispatcher.SendToLobby(ctx, e.LobbyID, ws.Envelope{
		Type: "participant_left",
		Data: map[string]any{
			"participant": e.Participant,
			"kicked":      e.Kicked,
		},
	}); err != nil {
		return err
	}

	return a.announceRoster(ctx, e.LobbyID)
}

func (a *API) announceStarted(ctx context.Context, e domain.EventLobbyStarted) error {
	q, err := a.bank.Question(ctx, e.QuestionID)
	if err != nil {
		return err
	}

	return a.dispatcher.SendToLobby(ctx, e.LobbyID, ws.Envelope{
		Type: "lobby_started",
		Data: map[string]any{
			"lobby_id":       e.LobbyID,
			"question_index": e.QuestionIndex,
			"question":       questionViewOf(q),
		},
	})
}

// announceAdvanced discloses the previous question's answer when the lobby
// was created with show_answers, then broadcasts the next question.
func (a *API) announceAdvanced(ctx context.Context, e domain.EventQuestionAdvanced) error {
	l, err := a.ls.Snapshot(ctx, e.LobbyID)
	if err != nil {
		return err
	}

	if l.ShowAnswers && e.QuestionIndex > 0 {
		prevID := l.QuestionIDs[e.QuestionIndex-1]
		if prev, err := a.bank.Question(ctx, prevID); err == nil {
			_ = a.dispatcher.SendToLobby(ctx, e.LobbyID, ws.Envelope{
				Type: "question_result",
				Data: map[string]any{
					"question_id":   prev.QuestionID,
					"correct_index": prev.CorrectIndex,
					"explanation":   prev.Explanation,
				},
			})
		}
	}

	q, err := a.bank.Question(ctx, e.QuestionID)
	if err != nil {
		return err
	}

	return a.dispatcher.SendToLobby(ctx, e.LobbyID, ws.Envelope{
		Type: "next_question",
		Data: map[string]any{
			"question_index": e.QuestionIndex,
			"question":       questionViewOf(q),
		},
	})
}

func (a *API) announceFinished(ctx context.Context, e domain.EventLobbyFinished) error {
	return a.dispatcher.SendToLobby(ctx, e.LobbyID, ws.Envelope{
		Type: "test_finished",
		Data: map[string]any{
			"lobby_id":      e.LobbyID,
			"auto_finished": e.AutoFinished,
			"results":       resultViewsOf(e.Results),
		},
	})
}

// announceClosed is terminal: after the broadcast every connection of the
// lobby is revoked.
func (a *API) announceClosed(ctx context.Context, e domain.EventLobbyClosed) error {
	err := a.dispatcher.SendToLobby(ctx, e.LobbyID, ws.Envelope{
		Type: "lobby_closed",
		Data: map[string]any{"lobby_id": e.LobbyID},
	})

	a.registry.CloseLobby(ctx, e.LobbyID)

	return err
}

// participantList assembles the roster payload with resolved display names
// and live presence flags.
func (a *API) participantList(ctx context.Context, lobbyID string) (any, error) {
	l, err := a.ls.Snapshot(ctx, lobbyID)
	if err != nil {
		return nil, err
	}

	online := make(map[string]bool)
	for _, actor := range a.registry.OnlineActors(lobbyID) {
		online[actor] = true
	}

	views := make([]participantView, 0, len(l.Participants))
	for _, p := range l.Participants {
		name := p
		if actor, err := a.resolver.Resolve(ctx, p); err == nil && actor.DisplayName != "" {
			name = actor.DisplayName
		}

		views = append(views, participantView{
			ID:          p,
			DisplayName: name,
			Host:        p == l.Host,
			Online:      online[p],
		})
	}

	return map[string]any{
		"lobby_id":     lobbyID,
		"participants": views,
	}, nil
}
