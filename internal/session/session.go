// Package session implements the per-connection state machine: handshake,
// name reservation, lobby selection, waiting, match participation, and
// post-match disposition. It is grounded on the original server's
// client_thread (original_source/server/src/server.c), elaborated with
// the token-guarded reconnect and pending-back-flag states spec.md §4.5
// adds beyond what client_thread implements.
package session

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/felipecs/card45/internal/identity"
	"github.com/felipecs/card45/internal/lobby"
	"github.com/felipecs/card45/internal/protocol"
	"github.com/felipecs/card45/internal/transport"
)

const (
	handshakeTolerance = 120 * time.Second
	waitPollInterval   = 1 * time.Second
	matchPollInterval  = 100 * time.Millisecond
	reconnectGrace     = 50 * time.Millisecond
	maxLineLen         = 512
)

// Session drives one accepted connection until it disconnects.
type Session struct {
	conn     *transport.Conn
	registry *identity.Registry
	lobbies  *lobby.Manager
	onClose  func()
	log      zerolog.Logger

	name         string
	token        uint64
	currentLobby int // 1-based; 0 means not seated
}

// New constructs a session driver for an already-accepted connection.
// onClose is invoked once, from the close path, so the server can drop
// this connection from its shutdown-broadcast set.
func New(conn *transport.Conn, registry *identity.Registry, lobbies *lobby.Manager, onClose func(), log zerolog.Logger) *Session {
	return &Session{conn: conn, registry: registry, lobbies: lobbies, onClose: onClose, log: log}
}

// Run drives the session to completion. It never returns an error; all
// failure paths end in a closed transport per spec.md §7's policy of
// surfacing everything over the wire then closing.
func (s *Session) Run() {
	defer s.close()

	line, ok := s.handshakeRead()
	if !ok {
		return
	}
	s.classifyHandshake(line)
}

// handshakeRead implements S0: read lines, swallowing bare keep-alives,
// until one is not a keep-alive, or fail on EOF/error or once
// handshakeTolerance has passed. The handshake deadline is cleared on return.
func (s *Session) handshakeRead() (string, bool) {
	_ = s.conn.SetHandshakeDeadline(handshakeTolerance)
	defer func() { _ = s.conn.SetDeadline(time.Time{}) }()
	end := time.Now().Add(handshakeTolerance)
	for {
		wait := time.Until(end)
		if wait <= 0 {
			return "", false
		}
		line, eof, timedOut, err := s.conn.ReadLineTimeout(maxLineLen, wait)
		if eof || timedOut || err != nil {
			return "", false
		}
		if protocol.IsPing(line) {
			_ = s.conn.WriteLine(protocol.TokPong)
			continue
		}
		if protocol.IsPong(line) {
			continue
		}
		return line, true
	}
}

// classifyHandshake implements S1.
func (s *Session) classifyHandshake(line string) {
	if name, lobbyHint, ok := protocol.ParseReconnect(line); ok {
		s.reconnect(name, lobbyHint)
		return
	}
	if name, ok := protocol.ParseHandshakeName(line); ok {
		s.freshLogin(name)
		return
	}
	_ = s.conn.WriteLine(protocol.EncodeWrong(""))
}

// reconnect implements S2's five-branch resolution order.
func (s *Session) reconnect(name string, hintLobby int) {
	time.Sleep(reconnectGrace)

	if hintLobby > 0 && s.lobbies.Valid(hintLobby) && s.lobbies.Running(hintLobby) && s.lobbies.SlotDetached(hintLobby, name) {
		s.resumeMatch(hintLobby, name)
		return
	}
	if hintLobby == 0 {
		for i := 1; i <= s.lobbies.Count(); i++ {
			if s.lobbies.Running(i) && s.lobbies.SlotDetached(i, name) {
				s.resumeMatch(i, name)
				return
			}
		}
	}

	if actual, ok := s.lobbies.FindSeated(name); ok {
		if !s.lobbies.Running(actual) {
			s.takeoverWaiting(actual, name)
			return
		}
		if s.lobbies.SlotDetached(actual, name) {
			s.resumeMatch(actual, name)
			return
		}
		// seated in a running match but not detached: someone else is
		// already attached. Close and let the client retry rather than
		// race a promotion (spec.md §9 open question, resolved as
		// "close and retry" — see DESIGN.md).
		return
	}

	if s.registry.Has(name) {
		return
	}

	s.freshLogin(name)
}

// resumeMatch implements S2 branch 1/3: reattach to a running match's
// detached slot, then jump to S6.
func (s *Session) resumeMatch(lobbyIdx int, name string) {
	s.lobbies.AttachTransport(lobbyIdx, name, s.conn)
	s.registerIdentity(name)
	s.name = name
	s.currentLobby = lobbyIdx
	if err := s.conn.WriteLine(protocol.TokReconnectOK); err != nil {
		return
	}
	s.log.Info().Str("name", name).Int("lobby", lobbyIdx).Msg("reconnected into running match")
	s.inMatch()
}

// takeoverWaiting implements S2 branch 2: reattach to a waiting (not yet
// running) slot, then jump to S5.
func (s *Session) takeoverWaiting(lobbyIdx int, name string) {
	s.lobbies.AttachTransport(lobbyIdx, name, s.conn)
	s.registerIdentity(name)
	s.name = name
	s.currentLobby = lobbyIdx
	if err := s.conn.WriteLine(protocol.TokReconnectOK); err != nil {
		return
	}
	s.lobbies.StartIfReady(lobbyIdx)
	s.waitForStart()
}

func (s *Session) registerIdentity(name string) {
	if !s.registry.Has(name) {
		s.registry.Add(name)
	}
	s.token = s.registry.SetTransport(name, s.conn)
}

// freshLogin implements S3.
func (s *Session) freshLogin(name string) {
	if !protocol.ValidName(name) {
		_ = s.conn.WriteLine(protocol.EncodeWrong(""))
		return
	}
	if s.registry.Has(name) {
		_ = s.conn.WriteLine(protocol.EncodeWrong("NAME_TAKEN"))
		return
	}
	if _, seated := s.lobbies.FindSeated(name); seated {
		_ = s.conn.WriteLine(protocol.EncodeWrong("NAME_TAKEN"))
		return
	}
	s.registry.Add(name)
	s.token = s.registry.SetTransport(name, s.conn)
	s.name = name
	if err := s.conn.WriteLine(protocol.TokOK); err != nil {
		return
	}
	s.log.Info().Str("name", name).Msg("handshake accepted")
	s.lobbySelect()
}

// lobbySelect implements S4.
func (s *Session) lobbySelect() {
	if !s.sendSnapshot() {
		return
	}
	for {
		line, eof, err := s.conn.ReadLine(maxLineLen)
		if eof || err != nil {
			return
		}
		switch {
		case protocol.IsPing(line):
			if s.conn.WriteLine(protocol.TokPong) != nil {
				return
			}
		case protocol.IsPong(line):
			// ignored.
		case protocol.IsBack(line, s.name):
			if !s.sendSnapshot() {
				return
			}
		default:
			if s.tryJoin(line) {
				return
			}
		}
	}
}

// tryJoin parses a join request (modern or legacy form) and attempts
// admission. It returns true once the session has moved on to S5 (or
// closed), false to keep looping in S4.
func (s *Session) tryJoin(line string) bool {
	lobbyIdx, ok := protocol.ParseJoin(line)
	if !ok {
		if legacyName, legacyLobby, legacyOK := protocol.ParseLegacyJoin(line); legacyOK && legacyName == s.name {
			lobbyIdx, ok = legacyLobby, true
		}
	}
	if !ok {
		_ = s.conn.WriteLine(protocol.EncodeWrong(""))
		return true
	}
	if !s.lobbies.Valid(lobbyIdx) {
		_ = s.conn.WriteLine(protocol.EncodeWrong(""))
		return false
	}
	switch s.lobbies.TryAddPlayer(lobbyIdx, s.name) {
	case lobby.AdmitOK:
		s.lobbies.AttachTransport(lobbyIdx, s.name, s.conn)
		if s.conn.WriteLine(protocol.TokOK) != nil {
			return true
		}
		s.currentLobby = lobbyIdx
		s.lobbies.StartIfReady(lobbyIdx)
		s.waitForStart()
		return true
	default:
		_ = s.conn.WriteLine(protocol.EncodeWrong(""))
		return false
	}
}

// waitForStart implements S5.
func (s *Session) waitForStart() {
	for {
		if s.lobbies.Running(s.currentLobby) {
			s.inMatch()
			return
		}
		line, eof, timedOut, err := s.conn.ReadLineTimeout(maxLineLen, waitPollInterval)
		if eof || err != nil {
			s.lobbies.RemovePlayer(s.currentLobby, s.name, s.conn)
			return
		}
		if timedOut || line == "" {
			continue
		}
		switch {
		case protocol.IsPing(line):
			if s.conn.WriteLine(protocol.TokPong) != nil {
				s.lobbies.RemovePlayer(s.currentLobby, s.name, s.conn)
				return
			}
		case protocol.IsPong(line):
			// ignored.
		case protocol.IsBack(line, s.name):
			s.lobbies.RemovePlayer(s.currentLobby, s.name, s.conn)
			s.currentLobby = 0
			s.lobbySelect()
			return
		default:
			_ = s.conn.WriteLine(protocol.EncodeWrong(""))
			s.lobbies.RemovePlayer(s.currentLobby, s.name, s.conn)
			return
		}
	}
}

// inMatch implements S6: the session never reads the transport while the
// match task owns it; it only watches the lobby's running flag.
func (s *Session) inMatch() {
	for s.lobbies.Running(s.currentLobby) {
		time.Sleep(matchPollInterval)
	}
	s.postMatch()
}

// postMatch implements S7.
func (s *Session) postMatch() {
	if s.registry.TakeBack(s.name, s.conn) {
		if !s.sendSnapshot() {
			return
		}
		s.lobbySelect()
		return
	}
	for {
		line, eof, err := s.conn.ReadLine(maxLineLen)
		if eof || err != nil {
			return
		}
		switch {
		case protocol.IsPing(line):
			if s.conn.WriteLine(protocol.TokPong) != nil {
				return
			}
		case protocol.IsPong(line):
			// ignored.
		case protocol.IsHit(line), protocol.IsStand(line):
			// stale game command racing the match's end; ignored.
		case protocol.IsBack(line, s.name):
			if !s.sendSnapshot() {
				return
			}
			s.lobbySelect()
			return
		default:
			_ = s.conn.WriteLine(protocol.EncodeWrong(""))
			return
		}
	}
}

func (s *Session) sendSnapshot() bool {
	line := protocol.EncodeSnapshot(s.lobbies.Snapshot())
	return s.conn.WriteLine(line) == nil
}

// close implements the close path: remove from the identity registry via
// the token-guarded path, notify the server's connection set, and close
// the transport.
func (s *Session) close() {
	if s.name != "" {
		s.registry.RemoveIfToken(s.name, s.token)
	}
	if s.onClose != nil {
		s.onClose()
	}
	_ = s.conn.Close()
}
