package domain

const (
	EventNameParticipantJoined  = "lobby.participant_joined"
	EventNameParticipantLeft    = "lobby.participant_left"
	EventNameParticipantOnline  = "lobby.participant_online"
	EventNameParticipantOffline = "lobby.participant_offline"
	EventNameRosterChanged      = "lobby.roster_changed"
	EventNameLobbyStarted       = "lobby.started"
	EventNameQuestionAdvanced   = "lobby.question_advanced"
	EventNameAnswerSubmitted    = "lobby.answer_submitted"
	EventNameLobbyFinished      = "lobby.finished"
	EventNameLobbyClosed        = "lobby.closed"
)

type EventParticipantJoined struct {
	LobbyID     string
	Participant string
}

func (EventParticipantJoined) Name() string { return EventNameParticipantJoined }

type EventParticipantLeft struct {
	LobbyID     string
	Participant string
	Kicked      bool
}

func (EventParticipantLeft) Name() string { return EventNameParticipantLeft }

type EventParticipantOnline struct {
	LobbyID     string
	Participant string
}

func (EventParticipantOnline) Name() string { return EventNameParticipantOnline }

type EventParticipantOffline struct {
	LobbyID     string
	Participant string
}

func (EventParticipantOffline) Name() string { return EventNameParticipantOffline }

// EventRosterChanged fires on every successful connection registration,
// including an actor's additional connections, so every new transport gets a
// fresh roster broadcast.
type EventRosterChanged struct {
	LobbyID string
}

func (EventRosterChanged) Name() string { return EventNameRosterChanged }

type EventLobbyStarted struct {
	LobbyID       string
	QuestionIndex int
	QuestionID    string
}

func (EventLobbyStarted) Name() string { return EventNameLobbyStarted }

type EventQuestionAdvanced struct {
	LobbyID       string
	QuestionIndex int
	QuestionID    string
}

func (EventQuestionAdvanced) Name() string { return EventNameQuestionAdvanced }

type EventAnswerSubmitted struct {
	LobbyID     string
	Participant string
	QuestionID  string
	Correct     bool
	// Deferred marks exam-mode submissions whose correctness is withheld
	// until the lobby finishes.
	Deferred bool
}

func (EventAnswerSubmitted) Name() string { return EventNameAnswerSubmitted }

type EventLobbyFinished struct {
	LobbyID      string
	AutoFinished bool
	Results      []Result
}

func (EventLobbyFinished) Name() string { return EventNameLobbyFinished }

type EventLobbyClosed struct {
	LobbyID string
}

func (EventLobbyClosed) Name() string { return EventNameLobbyClosed }
