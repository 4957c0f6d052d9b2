package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1, // Random port
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
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

// exerciseStorage checks the behavior every backend must share.
func exerciseStorage(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "run-1", "foundation")
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := s.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, s.Put(ctx, "run-1", "foundation", []byte(`{"v":1}`)))
	require.NoError(t, s.Put(ctx, "run-1", "foundation", []byte(`{"v":2}`)))
	require.NoError(t, s.Put(ctx, "run-1", RunKey, []byte(`{}`)))
	require.NoError(t, s.Put(ctx, "run-2", "analysis", []byte(`{}`)))

	data, err := s.Get(ctx, "run-1", "foundation")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))

	keys, err = s.List(ctx, "run-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{RunKey, "foundation"}, keys)

	require.NoError(t, s.Delete(ctx, "run-1"))
	keys, err = s.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = s.List(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"analysis"}, keys)

	require.NoError(t, s.Close())
}

func TestMemoryStorage(t *testing.T) {
	exerciseStorage(t, NewMemoryStorage())
}

func TestSQLiteStorage(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state", "checkpoints.db"))
	require.NoError(t, err)
	exerciseStorage(t, s)
}

func TestNATSStorage(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ctx := context.Background()
	s, err := NewNATSStorage(ctx, nc, "npsd_test")
	require.NoError(t, err)
	exerciseStorage(t, s)

	// Binding an existing bucket succeeds.
	_, err = NewNATSStorage(ctx, nc, "npsd_test")
	require.NoError(t, err)
}

func TestNATSStorage_HonorsContext(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	s, err := NewNATSStorage(context.Background(), nc, "npsd_ctx")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Put(ctx, "run-1", "foundation", []byte("{}"))
	require.ErrorIs(t, err, context.Canceled)

	_, err = s.Get(context.Background(), "run-1", "foundation")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), configWithBackend("etcd"))
	require.Error(t, err)
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(context.Background(), configWithBackend(""))
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, s)
}

func TestObjectName(t *testing.T) {
	assert.Equal(t, "run-1/consulting.json", objectName("run-1", "consulting"))
	assert.Equal(t, "run-1.analysis", natsKey("run-1", "analysis"))
}
