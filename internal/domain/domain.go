package domain

import "time"

// Status is the lifecycle state of a lobby. Transitions are monotonic:
// waiting -> in_progress -> finished, with closed reachable from waiting or
// in_progress as an orthogonal terminal state.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
	StatusClosed     Status = "closed"
)

// Terminal reports whether no further mutation of participants, cursor, or
// ledger is permitted.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusClosed
}

// Lobby is the aggregate root of one quiz session. It is owned exclusively by
// the lobby state machine; every other component holds only (lobby id,
// participant id) references.
type Lobby struct {
	// ID is a short human-shareable code.
	ID           string
	Host         string
	Status       Status
	QuestionIDs  []string
	CurrentIndex int
	Participants []string
	Blacklist    []string
	Left         []string
	ExamMode     bool
	ShowAnswers  bool
	AutoFinished bool
	MaxPlayers   int
	CreatedAt    time.Time
	// Deadline is the exam countdown cutoff; zero when ExamMode is false.
	Deadline time.Time
}

// CurrentQuestionID returns the id under the cursor, or "" when the cursor
// has run past the last question.
func (l *Lobby) CurrentQuestionID() string {
	if l.CurrentIndex < 0 || l.CurrentIndex >= len(l.QuestionIDs) {
		return ""
	}

	return l.QuestionIDs[l.CurrentIndex]
}

func (l *Lobby) IsParticipant(actor string) bool {
	for _, p := range l.Participants {
		if p == actor {
			return true
		}
	}

	return false
}

func (l *Lobby) IsBlacklisted(actor string) bool {
	for _, b := range l.Blacklist {
		if b == actor {
			return true
		}
	}

	return false
}

// Question is the read-only view served by the question bank collaborator.
type Question struct {
	QuestionID   string
	QuestionText string
	Options      []string
	CorrectIndex int
	Category     string
	Explanation  string
	MediaRef     string
}

// AnswerEntry is one participant's answer to one question. Created exactly
// once per valid submission and never mutated.
type AnswerEntry struct {
	QuestionID    string    `json:"question_id"`
	Participant   string    `json:"participant"`
	SelectedIndex int       `json:"selected_index"`
	Correct       bool      `json:"correct"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Result is one participant's aggregated outcome of a finished lobby.
type Result struct {
	LobbyID     string
	Participant string
	Correct     int
	// Answered counts ledger entries; questions never answered are excluded
	// from the score, not treated as incorrect.
	Answered   int
	Total      int
	FinishedAt time.Time
}

// Role of an actor relative to one lobby.
type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
	RoleGuest       Role = "guest"
)

// Actor is the resolved caller identity attached to every request and
// connection. Guests carry a synthetic id and the guest flag.
type Actor struct {
	ID          string
	DisplayName string
	Guest       bool
	// Tier is the subscription tier resolved by the identity collaborator.
	Tier string
}

const (
	TierFree    = "free"
	TierPremium = "premium"
)

// RoleIn resolves the actor's role relative to a lobby.
func (a Actor) RoleIn(l *Lobby) Role {
	switch {
	case l.Host == a.ID:
		return RoleHost
	case a.Guest:
		return RoleGuest
	default:
		return RoleParticipant
	}
}
