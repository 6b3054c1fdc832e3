package ws_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quizlive/quizlive/internal/domain"
	"github.com/quizlive/quizlive/internal/event"
	"github.com/quizlive/quizlive/internal/ws"
)

func TestMonitor_SweepEvictsClosedConnections(t *testing.T) {
	r := makeRegistry(t, ws.RegistryConfig{})
	m := ws.NewMonitor(ws.MonitorConfig{Registry: r})

	alive := ws.NewConnection(&fakeTransport{}, "L1", "u1")
	dead := ws.NewConnection(&fakeTransport{}, "L1", "u2")

	require.NoError(t, r.Register(context.Background(), alive))
	require.NoError(t, r.Register(context.Background(), dead))

	dead.Close()
	m.Sweep(context.Background())

	require.Equal(t, 1, r.Len())
	require.ElementsMatch(t, []string{"u1"}, r.OnlineActors("L1"))
}

func TestMonitor_SweepProbesIdleConnections(t *testing.T) {
	r := makeRegistry(t, ws.RegistryConfig{})
	// A nanosecond idle window makes every connection probe-eligible.
	m := ws.NewMonitor(ws.MonitorConfig{Registry: r, IdleAfter: time.Nanosecond})

	ft := &fakeTransport{}
	conn := ws.NewConnection(ft, "L1", "u1")
	require.NoError(t, r.Register(context.Background(), conn))

	time.Sleep(time.Millisecond)
	m.Sweep(context.Background())

	waitFrames(t, ft, 1)

	typ, _ := decodeFrame(t, ft.lastFrame())
	require.Equal(t, "ping", typ)
	require.Equal(t, 1, r.Len())
}

// A half-open connection never reports its own closure: the probe write
// fails, the writer goroutine closes the connection, and the following sweep
// reclaims it with a single presence-loss announcement.
func TestMonitor_EvictsHalfOpenConnections(t *testing.T) {
	eb := event.NewBus(event.WithPoolSize(16))
	r := makeRegistry(t, ws.RegistryConfig{EventBus: eb})
	m := ws.NewMonitor(ws.MonitorConfig{Registry: r, IdleAfter: time.Nanosecond})

	offline := make(chan string, 8)
	eb.Subscribe(domain.EventNameParticipantOffline, func(_ context.Context, e event.Event) error {
		offline <- e.(domain.EventParticipantOffline).Participant
		return nil
	})

	conn := ws.NewConnection(&fakeTransport{failWrites: true}, "L1", "u1")
	require.NoError(t, r.Register(context.Background(), conn))

	// First sweep: the probe enqueues, then fails on the wire and closes the
	// connection. The record survives this sweep.
	time.Sleep(time.Millisecond)
	m.Sweep(context.Background())

	require.Eventually(t, conn.Closed, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, r.Len())

	// Second sweep reclaims the closed connection.
	m.Sweep(context.Background())

	require.Equal(t, 0, r.Len())
	require.Equal(t, "u1", recv(t, offline))
	requireQuiet(t, offline)
}

func TestMonitor_RunStopsOnContextCancel(t *testing.T) {
	r := makeRegistry(t, ws.RegistryConfig{})
	m := ws.NewMonitor(ws.MonitorConfig{Registry: r, ProbeInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestMonitor_Stop(t *testing.T) {
	r := makeRegistry(t, ws.RegistryConfig{})
	m := ws.NewMonitor(ws.MonitorConfig{Registry: r, ProbeInterval: time.Millisecond})

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()

	m.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
