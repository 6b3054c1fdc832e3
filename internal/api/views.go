package api

import (
	"time"

	"github.com/quizlive/quizlive/internal/domain"
)

type lobbyView struct {
	ID              string     `json:"lobby_id"`
	Host            string     `json:"host"`
	Status          string     `json:"status"`
	QuestionCount   int        `json:"question_count"`
	CurrentIndex    int        `json:"current_index"`
	Participants    []string   `json:"participants"`
	Left            []string   `json:"left,omitempty"`
	Online          []string   `json:"online,omitempty"`
	ExamMode        bool       `json:"exam_mode"`
	ShowAnswers     bool       `json:"show_answers"`
	AutoFinished    bool       `json:"auto_finished,omitempty"`
	MaxParticipants int        `json:"max_participants"`
	CreatedAt       time.Time  `json:"created_at"`
	Deadline        *time.Time `json:"deadline,omitempty"`
}

func lobbyViewOf(l *domain.Lobby) lobbyView {
	v := lobbyView{
		ID:              l.ID,
		Host:            l.Host,
		Status:          string(l.Status),
		QuestionCount:   len(l.QuestionIDs),
		CurrentIndex:    l.CurrentIndex,
		Participants:    l.Participants,
		Left:            l.Left,
		ExamMode:        l.ExamMode,
		ShowAnswers:     l.ShowAnswers,
		AutoFinished:    l.AutoFinished,
		MaxParticipants: l.MaxPlayers,
		CreatedAt:       l.CreatedAt,
	}

	if !l.Deadline.IsZero() {
		d := l.Deadline
		v.Deadline = &d
	}

	return v
}

type resultView struct {
	LobbyID     string    `json:"lobby_id"`
	Participant string    `json:"participant"`
	Correct     int       `json:"correct"`
	Answered    int       `json:"answered"`
	Total       int       `json:"total"`
	FinishedAt  time.Time `json:"finished_at"`
}

func resultViewsOf(results []domain.Result) []resultView {
	views := make([]resultView, 0, len(results))
	for _, r := range results {
		views = append(views, resultView{
			LobbyID:     r.LobbyID,
			Participant: r.Participant,
			Correct:     r.Correct,
			Answered:    r.Answered,
			Total:       r.Total,
			FinishedAt:  r.FinishedAt,
		})
	}

	return views
}

type participantView struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Host        bool   `json:"host"`
	Online      bool   `json:"online"`
}

// questionView is the participant-facing projection: the correct index and
// the explanation never cross the wire while a question is live.
type questionView struct {
	QuestionID   string   `json:"question_id"`
	QuestionText string   `json:"question_text"`
	Options      []string `json:"options"`
	Category     string   `json:"category,omitempty"`
	MediaRef     string   `json:"media_ref,omitempty"`
}

func questionViewOf(q *domain.Question) questionView {
	return questionView{
		QuestionID:   q.QuestionID,
		QuestionText: q.QuestionText,
		Options:      q.Options,
		Category:     q.Category,
		MediaRef:     q.MediaRef,
	}
}
