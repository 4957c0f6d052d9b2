package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestNATSPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ch := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe("npsd.runs.run-1.>", ch)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	p := NewNATSPublisher(nc, "")
	e := New(PhaseCompleted, "run-1")
	e.Phase = "foundation"
	require.NoError(t, p.Publish(context.Background(), e))
	require.NoError(t, nc.Flush())

	select {
	case msg := <-ch:
		assert.Equal(t, "npsd.runs.run-1.phase.completed", msg.Subject)
		var got Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, "foundation", got.Phase)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Close leaves a borrowed connection open.
	require.NoError(t, p.Close())
	assert.True(t, nc.IsConnected())
}

func TestConnect_OwnsConnection(t *testing.T) {
	server := startTestNATSServer(t)

	p, err := Connect(server.ClientURL(), "custom.prefix")
	require.NoError(t, err)
	assert.Equal(t, "custom.prefix.r.run.started", p.Subject(New(RunStarted, "r")))
	require.NoError(t, p.Close())
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), New(RunCompleted, "r")))
	assert.NoError(t, p.Close())
}
