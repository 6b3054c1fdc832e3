package ws_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quizlive/quizlive/internal/domain"
	"github.com/quizlive/quizlive/internal/errors"
	"github.com/quizlive/quizlive/internal/lobby"
	"github.com/quizlive/quizlive/internal/ws"
)

func makeRouter(actions *fakeActions) *ws.Router {
	return ws.NewRouter(ws.RouterConfig{
		Actions: actions,
		Presence: func(context.Context, string) (any, error) {
			return map[string]any{"participants": []string{"u1"}}, nil
		},
	})
}

func TestRouter_Ping(t *testing.T) {
	for _, raw := range []string{"PING", `{"type":"ping"}`} {
		ft := &fakeTransport{}
		conn := ws.NewConnection(ft, "L1", "u1")

		makeRouter(&fakeActions{}).Handle(context.Background(), conn, []byte(raw))

		waitFrames(t, ft, 1)
		typ, _ := decodeFrame(t, ft.lastFrame())
		require.Equal(t, "pong", typ)
	}
}

func TestRouter_Answer(t *testing.T) {
	actions := &fakeActions{
		submitResp: &lobby.SubmitAnswerResponse{Correct: true},
	}
	ft := &fakeTransport{}
	conn := ws.NewConnection(ft, "L1", "u1")

	makeRouter(actions).Handle(context.Background(), conn,
		[]byte(`{"type":"answer","data":{"question_id":"q1","answer_index":2}}`))

	req := actions.lastSubmit()
	require.Equal(t, "L1", req.LobbyID)
	require.Equal(t, "u1", req.Actor)
	require.Equal(t, "q1", req.QuestionID)
	require.Equal(t, 2, req.AnswerIndex)

	waitFrames(t, ft, 1)
	typ, data := decodeFrame(t, ft.lastFrame())
	require.Equal(t, "answer_result", typ)
	require.Equal(t, true, data["accepted"])
	require.Equal(t, true, data["correct"])
}

func TestRouter_LegacyAnswer(t *testing.T) {
	actions := &fakeActions{
		submitResp: &lobby.SubmitAnswerResponse{Correct: false},
	}
	ft := &fakeTransport{}
	conn := ws.NewConnection(ft, "L1", "u1")

	makeRouter(actions).Handle(context.Background(), conn, []byte("ANSWER:q2:3"))

	req := actions.lastSubmit()
	require.Equal(t, "q2", req.QuestionID)
	require.Equal(t, 3, req.AnswerIndex)

	waitFrames(t, ft, 1)
	typ, data := decodeFrame(t, ft.lastFrame())
	require.Equal(t, "answer_result", typ)
	require.Equal(t, false, data["correct"])
}

func TestRouter_AnswerDeferredHidesCorrectness(t *testing.T) {
	actions := &fakeActions{
		submitResp: &lobby.SubmitAnswerResponse{Correct: true, Deferred: true},
	}
	ft := &fakeTransport{}
	conn := ws.NewConnection(ft, "L1", "u1")

	makeRouter(actions).Handle(context.Background(), conn,
		[]byte(`{"type":"answer","data":{"question_id":"q1","answer_index":0}}`))

	waitFrames(t, ft, 1)
	typ, data := decodeFrame(t, ft.lastFrame())
	require.Equal(t, "answer_result", typ)
	require.NotContains(t, data, "correct")
}

func TestRouter_ErrorsGoOnlyToTheIssuer(t *testing.T) {
	actions := &fakeActions{
		startErr: errors.New(errors.CodeForbidden,
			errors.WithMessagef("action restricted to the lobby host")),
	}
	ft := &fakeTransport{}
	conn := ws.NewConnection(ft, "L1", "u1")

	makeRouter(actions).Handle(context.Background(), conn, []byte(`{"type":"start"}`))

	waitFrames(t, ft, 1)
	typ, data := decodeFrame(t, ft.lastFrame())
	require.Equal(t, "error", typ)
	require.Equal(t, "forbidden", data["code"])
	require.Equal(t, "start", data["action"])
}

func TestRouter_HostActions(t *testing.T) {
	actions := &fakeActions{}
	conn := ws.NewConnection(&fakeTransport{}, "L1", "host")
	router := makeRouter(actions)

	router.Handle(context.Background(), conn, []byte(`{"type":"start"}`))
	router.Handle(context.Background(), conn, []byte(`{"type":"next"}`))
	router.Handle(context.Background(), conn, []byte(`{"type":"skip"}`))
	router.Handle(context.Background(), conn, []byte(`{"type":"kick","data":{"target":"u2"}}`))
	router.Handle(context.Background(), conn, []byte(`{"type":"close"}`))
	router.Handle(context.Background(), conn, []byte(`{"type":"leave"}`))

	require.Equal(t, []string{"start", "next", "skip", "kick:u2", "close", "leave"}, actions.callLog())
}

func TestRouter_Sync(t *testing.T) {
	actions := &fakeActions{
		snapshot: &domain.Lobby{
			ID:           "L1",
			Status:       domain.StatusInProgress,
			QuestionIDs:  []string{"q1", "q2"},
			CurrentIndex: 1,
			Participants: []string{"host", "u1"},
		},
	}
	ft := &fakeTransport{}
	conn := ws.NewConnection(ft, "L1", "u1")

	makeRouter(actions).Handle(context.Background(), conn, []byte(`{"type":"sync"}`))

	waitFrames(t, ft, 1)
	typ, data := decodeFrame(t, ft.lastFrame())
	require.Equal(t, "sync_state", typ)
	require.Equal(t, "L1", data["lobby_id"])
	require.Equal(t, "in_progress", data["status"])
	require.EqualValues(t, 1, data["current_index"])
	require.EqualValues(t, 2, data["questions"])
}

func TestRouter_Participants(t *testing.T) {
	ft := &fakeTransport{}
	conn := ws.NewConnection(ft, "L1", "u1")

	makeRouter(&fakeActions{}).Handle(context.Background(), conn, []byte(`{"type":"participants"}`))

	waitFrames(t, ft, 1)
	typ, _ := decodeFrame(t, ft.lastFrame())
	require.Equal(t, "participant_list", typ)
}

func TestRouter_UnknownTypeIsIgnored(t *testing.T) {
	ft := &fakeTransport{}
	conn := ws.NewConnection(ft, "L1", "u1")

	makeRouter(&fakeActions{}).Handle(context.Background(), conn, []byte(`{"type":"teleport"}`))

	requireNoFrames(t, ft)
}

func TestRouter_MalformedEnvelope(t *testing.T) {
	ft := &fakeTransport{}
	conn := ws.NewConnection(ft, "L1", "u1")

	makeRouter(&fakeActions{}).Handle(context.Background(), conn, []byte(`{not json`))

	waitFrames(t, ft, 1)
	typ, data := decodeFrame(t, ft.lastFrame())
	require.Equal(t, "error", typ)
	require.Equal(t, "validation", data["code"])
}

func TestRouter_MalformedLegacyAnswer(t *testing.T) {
	for _, raw := range []string{"ANSWER:", "ANSWER:q1", "ANSWER:q1:x"} {
		ft := &fakeTransport{}
		conn := ws.NewConnection(ft, "L1", "u1")

		makeRouter(&fakeActions{}).Handle(context.Background(), conn, []byte(raw))

		waitFrames(t, ft, 1)
		typ, data := decodeFrame(t, ft.lastFrame())
		require.Equal(t, "error", typ)
		require.Equal(t, "validation", data["code"])
	}
}

func requireNoFrames(t *testing.T, ft *fakeTransport) {
	t.Helper()

	// Give the writer goroutine a chance to misbehave before asserting.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, ft.frameCount())
}

// fakeActions records calls and serves configured responses.
type fakeActions struct {
	mu      sync.Mutex
	calls   []string
	submits []lobby.SubmitAnswerRequest

	submitResp *lobby.SubmitAnswerResponse
	snapshot   *domain.Lobby
	startErr   error
}

func (f *fakeActions) SubmitAnswer(_ context.Context, req lobby.SubmitAnswerRequest) (*lobby.SubmitAnswerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submits = append(f.submits, req)
	if f.submitResp == nil {
		return &lobby.SubmitAnswerResponse{}, nil
	}
	return f.submitResp, nil
}

func (f *fakeActions) Start(_ context.Context, _, _ string) (*domain.Lobby, error) {
	f.record("start")
	return f.snapshot, f.startErr
}

func (f *fakeActions) NextQuestion(_ context.Context, _, _ string) error {
	f.record("next")
	return nil
}

func (f *fakeActions) Skip(_ context.Context, _, _ string) error {
	f.record("skip")
	return nil
}

func (f *fakeActions) Kick(_ context.Context, _, _, target string) error {
	f.record("kick:" + target)
	return nil
}

func (f *fakeActions) Close(_ context.Context, _, _ string) error {
	f.record("close")
	return nil
}

func (f *fakeActions) Leave(_ context.Context, _, _ string) error {
	f.record("leave")
	return nil
}

func (f *fakeActions) Snapshot(_ context.Context, _ string) (*domain.Lobby, error) {
	if f.snapshot == nil {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("lobby not found"))
	}
	return f.snapshot, nil
}

func (f *fakeActions) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call)
}

func (f *fakeActions) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

func (f *fakeActions) lastSubmit() lobby.SubmitAnswerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.submits[len(f.submits)-1]
}
