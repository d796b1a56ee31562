package lobby

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/felipecs/card45/internal/identity"
	"github.com/felipecs/card45/internal/transport"
)

func newTestManager(t *testing.T, count int) (*Manager, *errgroup.Group) {
	t.Helper()
	var eg errgroup.Group
	registry := identity.New()
	return NewManager(count, registry, &eg, zerolog.Nop()), &eg
}

func pipeConn(t *testing.T) (*transport.Conn, *bufio.Reader, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return transport.New(server), bufio.NewReader(client), client
}

func TestTryAddPlayerSeatsUpToTwoThenFull(t *testing.T) {
	m, _ := newTestManager(t, 1)
	assert.Equal(t, AdmitOK, m.TryAddPlayer(1, "alice"))
	assert.Equal(t, AdmitOK, m.TryAddPlayer(1, "bob"))
	assert.Equal(t, AdmitFull, m.TryAddPlayer(1, "carol"))
}

func TestTryAddPlayerInvalidLobbyIndex(t *testing.T) {
	m, _ := newTestManager(t, 1)
	assert.Equal(t, AdmitInvalid, m.TryAddPlayer(2, "alice"))
	assert.Equal(t, AdmitInvalid, m.TryAddPlayer(0, "alice"))
}

func TestRemovePlayerGuardsOnTransportEquality(t *testing.T) {
	m, _ := newTestManager(t, 1)
	require.Equal(t, AdmitOK, m.TryAddPlayer(1, "alice"))

	connA, _, _ := pipeConn(t)
	connB, _, _ := pipeConn(t)
	require.True(t, m.AttachTransport(1, "alice", connA))

	assert.False(t, m.RemovePlayer(1, "alice", connB), "a stale transport must not evict the current one")
	assert.True(t, m.RemovePlayer(1, "alice", connA))
	assert.False(t, m.RemovePlayer(1, "alice", nil), "already removed")
}

func TestRemovePlayerNilBypassesGuard(t *testing.T) {
	m, _ := newTestManager(t, 1)
	require.Equal(t, AdmitOK, m.TryAddPlayer(1, "alice"))
	connA, _, _ := pipeConn(t)
	require.True(t, m.AttachTransport(1, "alice", connA))
	assert.True(t, m.RemovePlayer(1, "alice", nil))
}

func TestFindSeatedAndSlotDetached(t *testing.T) {
	m, _ := newTestManager(t, 2)
	require.Equal(t, AdmitOK, m.TryAddPlayer(2, "alice"))

	idx, ok := m.FindSeated("alice")
	require.True(t, ok)
	assert.Equal(t, 2, idx)

	_, ok = m.FindSeated("ghost")
	assert.False(t, ok)

	assert.True(t, m.SlotDetached(2, "alice"), "seated with no transport yet")
	connA, _, _ := pipeConn(t)
	require.True(t, m.AttachTransport(2, "alice", connA))
	assert.False(t, m.SlotDetached(2, "alice"))
}

func TestStartIfReadyIsIdempotent(t *testing.T) {
	m, eg := newTestManager(t, 1)
	require.Equal(t, AdmitOK, m.TryAddPlayer(1, "alice"))
	require.Equal(t, AdmitOK, m.TryAddPlayer(1, "bob"))

	connA, _, _ := pipeConn(t)
	connB, _, _ := pipeConn(t)
	require.True(t, m.AttachTransport(1, "alice", connA))
	require.True(t, m.AttachTransport(1, "bob", connB))

	m.StartIfReady(1)
	m.StartIfReady(1)
	m.StartIfReady(1)

	assert.Eventually(t, func() bool { return m.Running(1) }, time.Second, 5*time.Millisecond)
	_ = eg
}

func TestMatchDealsAndSendsSameResultToBothPlayers(t *testing.T) {
	m, _ := newTestManager(t, 1)
	require.Equal(t, AdmitOK, m.TryAddPlayer(1, "alice"))
	require.Equal(t, AdmitOK, m.TryAddPlayer(1, "bob"))

	connA, rA, cA := pipeConn(t)
	connB, rB, cB := pipeConn(t)
	require.True(t, m.AttachTransport(1, "alice", connA))
	require.True(t, m.AttachTransport(1, "bob", connB))

	m.StartIfReady(1)

	dealA, err := rA.ReadString('\n')
	require.NoError(t, err)
	dealB, err := rB.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, dealA, "C45D ")
	assert.Contains(t, dealB, "C45D ")

	// Drain each player's own connection, standing immediately whenever a
	// turn announcement names that player, so the match resolves quickly
	// regardless of which player the lobby chose to act first. Without
	// draining both sides concurrently, the lobby's broadcast write to the
	// other player would block on the pipe's unbuffered semantics.
	drive := func(r *bufio.Reader, w net.Conn, name string) string {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return ""
			}
			if strings.Contains(line, "C45T "+name+" ") {
				_, _ = w.Write([]byte("C45S\n"))
			}
			if strings.Contains(line, "C45R ") {
				return line
			}
		}
	}

	results := make(chan string, 2)
	go func() { results <- drive(rA, cA, "alice") }()
	go func() { results <- drive(rB, cB, "bob") }()

	resultA := <-results
	resultB := <-results
	assert.Contains(t, resultA, "C45R ")
	assert.Equal(t, resultA, resultB)

	assert.Eventually(t, func() bool { return !m.Running(1) }, time.Second, 5*time.Millisecond)
}

func TestMatchEndsWhenBothTransportsDrop(t *testing.T) {
	m, _ := newTestManager(t, 1)
	require.Equal(t, AdmitOK, m.TryAddPlayer(1, "alice"))
	require.Equal(t, AdmitOK, m.TryAddPlayer(1, "bob"))

	connA, rA, cA := pipeConn(t)
	connB, rB, cB := pipeConn(t)
	require.True(t, m.AttachTransport(1, "alice", connA))
	require.True(t, m.AttachTransport(1, "bob", connB))

	m.StartIfReady(1)

	// drain bob's side concurrently so the lobby's broadcast writes to it
	// never block; we don't care about its content for this test.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			if _, err := rB.ReadString('\n'); err != nil {
				return
			}
		}
	}()

	_, err := rA.ReadString('\n') // deal
	require.NoError(t, err)
	_, err = rA.ReadString('\n') // turn
	require.NoError(t, err)

	// both raw pipes drop; whichever side the lobby notices first, the
	// survivor's own transport is now dead too, so resolution is forced
	// quickly instead of waiting out the full reconnect window.
	cA.Close()
	cB.Close()
	<-drained

	assert.Eventually(t, func() bool { return !m.Running(1) }, 2*time.Second, 10*time.Millisecond)
}
