package upgrade

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/driftwatch/alignd/internal/journal"
	"github.com/driftwatch/alignd/internal/memtier"
	"github.com/driftwatch/alignd/internal/patch"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
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

func newTestStore(t *testing.T) *memtier.Store {
	t.Helper()
	logger := zaptest.NewLogger(t)
	jrn, err := journal.New(t.TempDir(), logger)
	require.NoError(t, err)
	store, err := memtier.NewStore(memtier.Config{}, jrn, nil, logger)
	require.NoError(t, err)
	return store
}

func addPatch(t *testing.T, store *memtier.Store, text string, decay patch.DecayType) *patch.Patch {
	t.Helper()
	p, err := patch.New(text, decay, "outcome-1")
	require.NoError(t, err)
	require.NoError(t, store.Add(context.Background(), p))
	return p
}

func TestListener_PurgesOnUpgradeEvent(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	store := newTestStore(t)
	typeA := addPatch(t, store, "customers table was renamed to clients", patch.DecayTypeA)
	typeB := addPatch(t, store, "refunds over $500 require approval", patch.DecayTypeB)

	listener, err := NewListener(nc, store, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, listener.Start())
	defer listener.Stop()

	reports := make(chan *nats.Msg, 1)
	_, err = nc.ChanSubscribe(SubjectPurgeReport, reports)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	event, err := json.Marshal(memtier.ModelUpgradeEvent{ModelVersion: "engine-v2"})
	require.NoError(t, err)
	require.NoError(t, nc.Publish(SubjectModelUpgrade, event))

	select {
	case msg := <-reports:
		var report memtier.PurgeReport
		require.NoError(t, json.Unmarshal(msg.Data, &report))
		assert.Equal(t, "engine-v2", report.ModelVersion)
		assert.Equal(t, []string{typeA.ID}, report.Deleted)
		assert.False(t, report.AlreadyApplied)
	case <-time.After(5 * time.Second):
		t.Fatal("no purge report received")
	}

	_, err = store.Get(typeA.ID)
	assert.ErrorIs(t, err, memtier.ErrPatchNotFound)
	_, err = store.Get(typeB.ID)
	assert.NoError(t, err)
}

func TestListener_DuplicateEventIsIdempotent(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	store := newTestStore(t)
	addPatch(t, store, "customers table was renamed", patch.DecayTypeA)

	listener, err := NewListener(nc, store, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, listener.Start())
	defer listener.Stop()

	reports := make(chan *nats.Msg, 2)
	_, err = nc.ChanSubscribe(SubjectPurgeReport, reports)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	event, err := json.Marshal(memtier.ModelUpgradeEvent{ModelVersion: "engine-v3"})
	require.NoError(t, err)
	require.NoError(t, nc.Publish(SubjectModelUpgrade, event))
	require.NoError(t, nc.Publish(SubjectModelUpgrade, event))

	var first, second memtier.PurgeReport
	for i, dst := range []*memtier.PurgeReport{&first, &second} {
		select {
		case msg := <-reports:
			require.NoError(t, json.Unmarshal(msg.Data, dst))
		case <-time.After(5 * time.Second):
			t.Fatalf("missing purge report %d", i)
		}
	}

	assert.Len(t, first.Deleted, 1)
	assert.True(t, second.AlreadyApplied)
	assert.Empty(t, second.Deleted)
}

func TestListener_MalformedEventIsDropped(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	store := newTestStore(t)
	p := addPatch(t, store, "customers table was renamed", patch.DecayTypeA)

	listener, err := NewListener(nc, store, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, listener.Start())
	defer listener.Stop()

	require.NoError(t, nc.Publish(SubjectModelUpgrade, []byte("not json")))
	require.NoError(t, nc.Flush())
	time.Sleep(200 * time.Millisecond)

	_, err = store.Get(p.ID)
	assert.NoError(t, err, "malformed events must not purge anything")
}

func TestListener_StartStop(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	listener, err := NewListener(nc, newTestStore(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, listener.Start())
	assert.Error(t, listener.Start(), "double start is rejected")
	require.NoError(t, listener.Stop())
	assert.NoError(t, listener.Stop(), "double stop is a no-op")
}
