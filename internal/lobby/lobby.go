// Package lobby implements the per-lobby state and the match task: deck
// ownership, turn sequencing, timeouts, disconnect/reconnect handling, and
// result resolution. It is grounded on the original server's
// lobby_try_add_player/lobby_remove_player_by_name/start_game_if_ready/
// lobby_game_thread (original_source/server/src/game.c), elaborated with
// the bounded reconnect window and forced-winner rules that the original
// lobby_game_thread does not implement.
package lobby

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/felipecs/card45/internal/cards"
	"github.com/felipecs/card45/internal/identity"
	"github.com/felipecs/card45/internal/protocol"
	"github.com/felipecs/card45/internal/transport"
)

const (
	turnTimeout       = 30 * time.Second
	reconnectWindow   = 30 * time.Second
	pingInterval      = 5 * time.Second
	pongGrace         = 10 * time.Second
	nonActivePollTick = 50 * time.Millisecond
)

// AdmitResult is the outcome of a join attempt.
type AdmitResult int

const (
	AdmitOK AdmitResult = iota
	AdmitFull
	AdmitInvalid
)

type slot struct {
	name      string
	hand      cards.Hand
	connected bool
	conn      *transport.Conn
	stood     bool
	busted    bool
}

// Lobby is a single two-seat room: its slots, deck, and running flag, all
// guarded by one mutex per spec.md §4.4.
type Lobby struct {
	index int
	mu      sync.Mutex
	slots   [2]slot
	count   int
	running bool
	deck    *cards.Deck
	rng     *rand.Rand

	// forcedWinnerName is set ahead of a jump to resolution when the match
	// ends by forfeit rather than by both players finishing their hands.
	// It belongs to the single match-task goroutine for this lobby and is
	// only ever touched from within runMatch and its helpers.
	forcedWinnerName string

	registry *identity.Registry
	log      zerolog.Logger
	eg       *errgroup.Group
}

// Manager owns the fixed set of lobbies for the whole server.
type Manager struct {
	lobbies []*Lobby
}

// NewManager builds count lobbies, each with a freshly shuffled deck. eg
// is used to track each match task's goroutine so shutdown can wait for
// in-flight matches; registry is consulted for pending-back signaling.
func NewManager(count int, registry *identity.Registry, eg *errgroup.Group, log zerolog.Logger) *Manager {
	m := &Manager{lobbies: make([]*Lobby, count)}
	for i := range m.lobbies {
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		d := cards.NewDeck()
		d.Shuffle(rng)
		m.lobbies[i] = &Lobby{
			index:    i,
			deck:     d,
			rng:      rng,
			registry: registry,
			log:      log.With().Int("lobby", i+1).Logger(),
			eg:       eg,
		}
	}
	return m
}

// Count returns the number of lobbies.
func (m *Manager) Count() int { return len(m.lobbies) }

// Valid reports whether a 1-based lobby index is in range.
func (m *Manager) Valid(index1 int) bool { return index1 >= 1 && index1 <= len(m.lobbies) }

// Snapshot renders the occupancy/running state of every lobby for
// C45L emission.
func (m *Manager) Snapshot() []protocol.LobbyStatus {
	out := make([]protocol.LobbyStatus, len(m.lobbies))
	for i, l := range m.lobbies {
		l.mu.Lock()
		out[i] = protocol.LobbyStatus{Occupancy: l.count, Running: l.running}
		l.mu.Unlock()
	}
	return out
}

// Running reports whether the 1-based lobby is currently mid-match.
func (m *Manager) Running(index1 int) bool {
	l := m.lobbies[index1-1]
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// TryAddPlayer seats name in the first empty slot of the 1-based lobby.
func (m *Manager) TryAddPlayer(index1 int, name string) AdmitResult {
	if !m.Valid(index1) {
		return AdmitInvalid
	}
	l := m.lobbies[index1-1]
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count >= 2 {
		return AdmitFull
	}
	for i := range l.slots {
		if !l.slots[i].connected {
			l.slots[i] = slot{name: name, connected: true}
			l.count++
			l.log.Info().Str("name", name).Int("count", l.count).Msg("player seated")
			return AdmitOK
		}
	}
	return AdmitFull
}

// AttachTransport binds conn to name's slot in the 1-based lobby, whether
// the player is waiting or mid-match (reconnect resumption). It returns
// false if name is not seated there.
func (m *Manager) AttachTransport(index1 int, name string, conn *transport.Conn) bool {
	if !m.Valid(index1) {
		return false
	}
	l := m.lobbies[index1-1]
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.slots {
		if l.slots[i].connected && l.slots[i].name == name {
			l.slots[i].conn = conn
			return true
		}
	}
	return false
}

// RemovePlayer clears name's slot in the 1-based lobby, but only if the
// slot's current transport equals conn (or conn is nil, bypassing the
// check) — this is the transport-handle-equality guard spec.md §4.5 S5
// requires so a superseded session cannot evict a reconnected successor.
func (m *Manager) RemovePlayer(index1 int, name string, conn *transport.Conn) bool {
	if !m.Valid(index1) {
		return false
	}
	l := m.lobbies[index1-1]
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.slots {
		if l.slots[i].connected && l.slots[i].name == name {
			if conn != nil && l.slots[i].conn != conn {
				return false
			}
			l.slots[i] = slot{}
			l.count--
			return true
		}
	}
	return false
}

// FindSeated scans every lobby for name, returning its 1-based index.
func (m *Manager) FindSeated(name string) (index1 int, ok bool) {
	for i, l := range m.lobbies {
		l.mu.Lock()
		for _, s := range l.slots {
			if s.connected && s.name == name {
				l.mu.Unlock()
				return i + 1, true
			}
		}
		l.mu.Unlock()
	}
	return 0, false
}

// SlotDetached reports whether name is seated in the 1-based lobby with no
// live transport — the precondition for reconnect resumption.
func (m *Manager) SlotDetached(index1 int, name string) bool {
	if !m.Valid(index1) {
		return false
	}
	l := m.lobbies[index1-1]
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.slots {
		if s.connected && s.name == name {
			return s.conn == nil
		}
	}
	return false
}

// StartIfReady starts the match task for the 1-based lobby if it has two
// seated players and is not already running. Idempotent: at most one
// match task per lobby (spec.md §8 invariant 5).
func (m *Manager) StartIfReady(index1 int) {
	l := m.lobbies[index1-1]
	l.mu.Lock()
	if l.running || l.count != 2 {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	l.eg.Go(func() error {
		l.runMatch()
		return nil
	})
}

// runMatch drives one full match: deal, turn loop, disconnect/reconnect
// handling, and resolution. It is the only writer to either player's
// transport for the duration, per spec.md §5's "baton" ownership rule.
func (l *Lobby) runMatch() {
	l.mu.Lock()
	l.deck.Shuffle(l.rng)
	for i := range l.slots {
		l.slots[i].hand = nil
		l.slots[i].stood = false
		l.slots[i].busted = false
	}
	first := l.rng.Intn(2)
	for p := 0; p < 2; p++ {
		l.slots[0].hand = append(l.slots[0].hand, l.deck.Draw(l.rng))
		l.slots[1].hand = append(l.slots[1].hand, l.deck.Draw(l.rng))
	}
	n0, n1 := l.slots[0].name, l.slots[1].name
	deal0 := protocol.EncodeDeal(l.slots[0].hand[0].String(), l.slots[0].hand[1].String())
	deal1 := protocol.EncodeDeal(l.slots[1].hand[0].String(), l.slots[1].hand[1].String())
	conn0, conn1 := l.slots[0].conn, l.slots[1].conn
	l.mu.Unlock()

	l.log.Info().Str("p0", n0).Str("p1", n1).Msg("match started")
	writeLine(conn0, deal0)
	writeLine(conn1, deal1)

	forcedWinner := ""
	active := first

	for {
		l.mu.Lock()
		done0 := l.slots[0].stood || l.slots[0].busted
		done1 := l.slots[1].stood || l.slots[1].busted
		l.mu.Unlock()
		if done0 && done1 {
			break
		}

		var activeDone bool
		l.mu.Lock()
		activeDone = l.slots[active].stood || l.slots[active].busted
		l.mu.Unlock()
		if activeDone {
			active = 1 - active
			continue
		}

		outcome := l.playTurn(active)
		switch outcome {
		case turnContinue:
			active = 1 - active
		case turnRepeat:
			// hit without bust: same player acts again.
		case turnForcedResolve:
			forcedWinner = l.forcedWinnerName
			goto resolve
		case turnSurvivorLost:
			// the lone survivor disconnected/timed out too: resolve with
			// whatever forced winner (if any) is already recorded.
			goto resolve
		}
	}

resolve:
	l.resolve(forcedWinner)
}

type turnOutcome int

const (
	turnContinue turnOutcome = iota
	turnRepeat
	turnForcedResolve
	turnSurvivorLost
)

// playTurn runs one active-player turn, including the concurrent
// keep-alive/non-active-peer watch spec.md §4.4 describes. It returns how
// the outer loop should proceed.
func (l *Lobby) playTurn(active int) turnOutcome {
	other := 1 - active
	l.mu.Lock()
	activeName := l.slots[active].name
	connA, connB := l.slots[0].conn, l.slots[1].conn
	l.mu.Unlock()

	turnLine := protocol.EncodeTurn(activeName, int(turnTimeout.Seconds()))
	writeLine(connA, turnLine)
	writeLine(connB, turnLine)

	deadline := time.Now().Add(turnTimeout)
	lastPing := time.Now()
	lastPong := time.Now()
	aliveConfirmed := true

	activeConn := l.connFor(active)
	otherConn := l.connFor(other)

	for time.Now().Before(deadline) {
		if activeConn == nil {
			return l.handleDisconnect(active, other)
		}
		if time.Since(lastPing) >= pingInterval {
			writeLine(activeConn, protocol.TokPing)
			lastPing = time.Now()
		}
		if time.Since(lastPong) > pongGrace {
			aliveConfirmed = false
			return l.handleDisconnect(active, other)
		}

		if otherConn != nil {
			line, eof, timedOut, err := otherConn.ReadLineTimeout(512, nonActivePollTick)
			switch {
			case err != nil:
				return l.handleDisconnect(other, active)
			case eof:
				return l.handleDisconnect(other, active)
			case timedOut, line == "":
				// no data ready; keep watching.
			default:
				switch {
				case protocol.IsPing(line):
					writeLine(otherConn, protocol.TokPong)
				case protocol.IsPong(line):
					// stale waiting-phase echo, ignored.
				case protocol.IsBack(line, l.nameFor(other)):
					l.registry.MarkBack(l.nameFor(other), otherConn)
					l.detach(other)
					l.forcedWinnerName = l.nameFor(active)
					return turnForcedResolve
				default:
					l.detach(other)
					l.forcedWinnerName = l.nameFor(active)
					return turnForcedResolve
				}
			}
		}

		line, eof, timedOut, err := activeConn.ReadLineTimeout(512, nonActivePollTick)
		if err != nil || eof {
			return l.handleDisconnect(active, other)
		}
		if timedOut || line == "" {
			continue
		}
		switch {
		case protocol.IsPing(line):
			writeLine(activeConn, protocol.TokPong)
			continue
		case protocol.IsPong(line):
			lastPong = time.Now()
			continue
		case protocol.IsBack(line, activeName):
			l.registry.MarkBack(activeName, activeConn)
			l.forcedWinnerName = l.nameFor(other)
			return turnForcedResolve
		case protocol.IsHit(line):
			card := l.draw(active)
			writeLine(activeConn, protocol.EncodeCard(card.String()))
			if value := l.handValue(active); value > 21 {
				l.setBusted(active)
				writeLine(activeConn, protocol.EncodeBust(activeName, value))
				return turnContinue
			}
			return turnRepeat
		case protocol.IsStand(line):
			l.setStood(active)
			return turnContinue
		default:
			l.detach(active)
			l.forcedWinnerName = l.nameFor(other)
			return turnForcedResolve
		}
	}

	// deadline elapsed.
	if aliveConfirmed {
		writeLine(activeConn, protocol.TokTimeout)
		l.setStood(active)
		return turnContinue
	}
	return l.handleDisconnect(active, other)
}

// handleDisconnect detaches the failing slot's transport, waits for a
// bounded reconnect window, and either resumes the turn loop or forces a
// resolution, per spec.md §4.4 phase 3. Every forced-resolution exit other
// than the explicit back-forfeit marks detached as busted, so resolve
// reports its hand with the -1 sentinel instead of a live value.
func (l *Lobby) handleDisconnect(detached, survivor int) turnOutcome {
	detachedName := l.nameFor(detached)
	survivorName := l.nameFor(survivor)
	l.detach(detached)
	l.log.Info().Str("name", detachedName).Msg("player disconnected mid-match")

	survivorConn := l.connFor(survivor)
	writeLine(survivorConn, protocol.EncodeOppDown(detachedName, int(reconnectWindow.Seconds())))

	deadline := time.Now().Add(reconnectWindow)
	lastPing := time.Now()
	lastPong := time.Now()

	for time.Now().Before(deadline) {
		if reattached := l.connFor(detached); reattached != nil {
			l.replaySnapshot(detached, reattached)
			writeLine(survivorConn, protocol.EncodeOppBack(detachedName))
			l.log.Info().Str("name", detachedName).Msg("player reconnected mid-match")
			return turnContinue
		}

		if survivorConn == nil {
			l.setBusted(detached)
			l.forcedWinnerName = ""
			return turnSurvivorLost
		}
		if time.Since(lastPing) >= pingInterval {
			writeLine(survivorConn, protocol.TokPing)
			lastPing = time.Now()
		}
		if time.Since(lastPong) > pongGrace {
			l.setBusted(detached)
			l.forcedWinnerName = ""
			return turnSurvivorLost
		}

		line, eof, timedOut, err := survivorConn.ReadLineTimeout(512, nonActivePollTick)
		if err != nil || eof {
			l.setBusted(detached)
			l.forcedWinnerName = ""
			return turnSurvivorLost
		}
		switch {
		case timedOut, line == "":
		case protocol.IsPing(line):
			writeLine(survivorConn, protocol.TokPong)
		case protocol.IsPong(line):
			lastPong = time.Now()
		case protocol.IsBack(line, survivorName):
			l.registry.MarkBack(survivorName, survivorConn)
			l.forcedWinnerName = detachedName
			return turnForcedResolve
		}
	}

	l.setBusted(detached)
	l.forcedWinnerName = survivorName
	return turnForcedResolve
}

// replaySnapshot sends the reattached player their current hand as a deal
// plus one card notice per subsequent card, so their client's view matches
// server state after a reconnect.
func (l *Lobby) replaySnapshot(idx int, conn *transport.Conn) {
	l.mu.Lock()
	hand := append(cards.Hand{}, l.slots[idx].hand...)
	l.mu.Unlock()
	if len(hand) < 2 {
		return
	}
	writeLine(conn, protocol.EncodeDeal(hand[0].String(), hand[1].String()))
	for _, c := range hand[2:] {
		writeLine(conn, protocol.EncodeCard(c.String()))
	}
}

// resolve computes final values, emits C45RESULT to whichever transport
// is still attached, clears running and both slots, and leaves C3 records
// untouched — sessions own those.
func (l *Lobby) resolve(forcedWinner string) {
	l.mu.Lock()
	n0, n1 := l.slots[0].name, l.slots[1].name
	v0 := l.valueOrBustLocked(0)
	v1 := l.valueOrBustLocked(1)
	conn0, conn1 := l.slots[0].conn, l.slots[1].conn
	l.mu.Unlock()

	winner := forcedWinner
	if winner == "" {
		switch {
		case v0 > v1:
			winner = n0
		case v1 > v0:
			winner = n1
		default:
			winner = "PUSH"
		}
	}

	result := protocol.EncodeResult(n0, v0, n1, v1, winner)
	writeLine(conn0, result)
	writeLine(conn1, result)
	l.log.Info().Str("winner", winner).Msg("match resolved")

	l.mu.Lock()
	l.running = false
	l.slots[0] = slot{}
	l.slots[1] = slot{}
	l.count = 0
	l.mu.Unlock()
}

func (l *Lobby) valueOrBustLocked(idx int) int {
	if l.slots[idx].busted {
		return -1
	}
	return l.slots[idx].hand.Value()
}

func (l *Lobby) nameFor(idx int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slots[idx].name
}

func (l *Lobby) connFor(idx int) *transport.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slots[idx].conn
}

func (l *Lobby) detach(idx int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots[idx].conn != nil {
		l.slots[idx].conn.Close()
	}
	l.slots[idx].conn = nil
}

func (l *Lobby) draw(idx int) cards.Card {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.deck.Draw(l.rng)
	l.slots[idx].hand = append(l.slots[idx].hand, c)
	return c
}

func (l *Lobby) handValue(idx int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slots[idx].hand.Value()
}

func (l *Lobby) setBusted(idx int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slots[idx].busted = true
}

func (l *Lobby) setStood(idx int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slots[idx].stood = true
}

func writeLine(c *transport.Conn, line string) {
	if c == nil {
		return
	}
	_ = c.WriteLine(line)
}
