package lobby

import (
	"github.com/quizlive/quizlive/internal/domain"
	"github.com/quizlive/quizlive/internal/errors"
)

// Guard is the stateless predicate set consulted by every handler before any
// mutation. A failing predicate yields a typed rejection and the handler
// performs no write, so a failed authorization never leaves partial state.
type Guard struct {
	// DefaultMaxPlayers is the per-lobby participant ceiling for free tiers.
	DefaultMaxPlayers int
	// PremiumMaxPlayers is the absolute ceiling for large-room variants.
	PremiumMaxPlayers int
	// MinPlayersToStart is the lower bound checked by start.
	MinPlayersToStart int
}

func (g Guard) RequireHost(l *domain.Lobby, actor string) error {
	if l.Host != actor {
		return errors.New(errors.CodeForbidden,
			errors.WithMessagef("action restricted to the lobby host"))
	}

	return nil
}

func (g Guard) RequireParticipant(l *domain.Lobby, actor string) error {
	if !l.IsParticipant(actor) {
		return errors.New(errors.CodeForbidden,
			errors.WithMessagef("actor %s is not a participant of lobby %s", actor, l.ID))
	}

	return nil
}

func (g Guard) RequireNotBlacklisted(l *domain.Lobby, actor string) error {
	if l.IsBlacklisted(actor) {
		return errors.New(errors.CodeForbidden,
			errors.WithMessagef("actor %s is blacklisted from lobby %s", actor, l.ID))
	}

	return nil
}

func (g Guard) RequireStatus(l *domain.Lobby, want ...domain.Status) error {
	for _, s := range want {
		if l.Status == s {
			return nil
		}
	}

	return errors.New(errors.CodeConflict,
		errors.WithMessagef("lobby %s is %s", l.ID, l.Status))
}

// HasCapacityFor checks the participant ceiling before a join attempt.
func (g Guard) HasCapacityFor(l *domain.Lobby) error {
	max := l.MaxPlayers
	if max <= 0 {
		max = g.DefaultMaxPlayers
	}

	if len(l.Participants) >= max {
		return errors.New(errors.CodeCapacity,
			errors.WithMessagef("lobby %s is full (%d participants)", l.ID, max))
	}

	return nil
}

// CanStart checks the participant bounds and question list before start.
func (g Guard) CanStart(l *domain.Lobby) error {
	if len(l.QuestionIDs) == 0 {
		return errors.New(errors.CodeValidation,
			errors.WithMessagef("lobby %s has no questions", l.ID))
	}

	if len(l.Participants) < g.MinPlayersToStart {
		return errors.New(errors.CodeConflict,
			errors.WithMessagef("lobby %s needs at least %d participants", l.ID, g.MinPlayersToStart))
	}

	max := l.MaxPlayers
	if max <= 0 {
		max = g.DefaultMaxPlayers
	}
	if len(l.Participants) > max {
		return errors.New(errors.CodeConflict,
			errors.WithMessagef("lobby %s holds more than %d participants", l.ID, max))
	}

	return nil
}

// SubscriptionAllows gates premium features: exam mode and rooms larger than
// the free-tier default.
func (g Guard) SubscriptionAllows(actor domain.Actor, examMode bool, maxPlayers int) error {
	if actor.Tier == domain.TierPremium {
		if maxPlayers > g.PremiumMaxPlayers {
			return errors.New(errors.CodeValidation,
				errors.WithMessagef("max players %d exceeds the %d ceiling", maxPlayers, g.PremiumMaxPlayers))
		}
		return nil
	}

	if examMode {
		return errors.New(errors.CodeForbidden,
			errors.WithMessagef("exam mode requires a premium subscription"))
	}
	if maxPlayers > g.DefaultMaxPlayers {
		return errors.New(errors.CodeForbidden,
			errors.WithMessagef("rooms above %d participants require a premium subscription", g.DefaultMaxPlayers))
	}

	return nil
}
