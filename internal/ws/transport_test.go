package ws_test

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport records written frames in place of a real websocket.
type fakeTransport struct {
	mu         sync.Mutex
	frames     [][]byte
	failWrites bool
	closed     bool
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failWrites {
		return io.ErrClosedPipe
	}

	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.frames)
}

func (f *fakeTransport) lastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.frames) == 0 {
		return nil
	}

	return f.frames[len(f.frames)-1]
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

// waitFrames blocks until the transport has received at least n frames.
func waitFrames(t *testing.T, f *fakeTransport, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return f.frameCount() >= n
	}, time.Second, 5*time.Millisecond)
}

// decodeFrame unmarshals one frame into the envelope shape used on the wire.
func decodeFrame(t *testing.T, raw []byte) (string, map[string]any) {
	t.Helper()

	var env struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))

	return env.Type, env.Data
}
