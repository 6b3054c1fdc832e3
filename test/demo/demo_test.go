//go:build integration_test

package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// The demo drives a full quiz against a locally running server. It expects
// questions q1, q2, q3 seeded in the question database.
const baseURL = "http://localhost:8080"

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func TestLobbyRoundtrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	questions := []string{"q1", "q2", "q3"}

	// Create a lobby as a guest host; the create response carries the host's
	// session token.
	var lobbyID, hostToken string
	{
		resp := postJSON(t, ctx, "/v1/lobbies", map[string]any{
			"question_ids": questions,
		})

		lobbyID = resp["lobby"].(map[string]any)["lobby_id"].(string)
		hostToken = resp["token"].(string)
		t.Logf("created lobby %s", lobbyID)
	}

	host := connect(t, ctx, lobbyID, hostToken)

	// Two more guests join over REST, then connect.
	players := make([]*websocket.Conn, 0, 2)
	for i := 0; i < 2; i++ {
		resp := postJSON(t, ctx, fmt.Sprintf("/v1/lobbies/%s/join", lobbyID), nil)
		players = append(players, connect(t, ctx, lobbyID, resp["token"].(string)))
	}

	sendEnvelope(t, host, "start", nil)

	// Every participant answers every question; the cursor auto-advances when
	// the last one answers, so the host never sends "next".
	for _, q := range questions {
		var eg errgroup.Group
		for _, p := range append([]*websocket.Conn{host}, players...) {
			p := p
			eg.Go(func() error {
				return writeJSON(p, envelope{Type: "answer", Data: mustJSON(map[string]any{
					"question_id":  q,
					"answer_index": 0,
				})})
			})
		}
		require.NoError(t, eg.Wait())

		time.Sleep(time.Second)
	}

	// Drain the host connection until the finish broadcast arrives.
	deadline := time.Now().Add(10 * time.Second)
	for {
		require.NoError(t, host.SetReadDeadline(deadline))

		_, raw, err := host.ReadMessage()
		require.NoError(t, err)

		var env envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		t.Logf("host received %s: %s", env.Type, env.Data)

		if env.Type == "test_finished" {
			break
		}
	}
}

func postJSON(t *testing.T, ctx context.Context, path string, body any) map[string]any {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Less(t, resp.StatusCode, 300, "POST %s", path)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func connect(t *testing.T, ctx context.Context, lobbyID, token string) *websocket.Conn {
	t.Helper()

	url := fmt.Sprintf("ws://localhost:8080/v1/lobbies/%s/ws?token=%s", lobbyID, token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()

	env := envelope{Type: typ}
	if data != nil {
		env.Data = mustJSON(data)
	}

	require.NoError(t, writeJSON(conn, env))
}

func writeJSON(conn *websocket.Conn, env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	return conn.WriteMessage(websocket.TextMessage, raw)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	return raw
}
