// Command loadtest drives a pool of scripted bots against a running
// server to exercise concurrency and lobby pairing at volume. Bots never
// drop their connection mid-match or send a reconnect request.
// It is grounded on Projeto/teste/estresse.go and
// Projeto/cliente_estresse/main.go (bot pool, a sync.WaitGroup over
// staggered connects, outcome counters), reworked to
// speak internal/protocol's line tokens instead of JSON.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/felipecs/card45/internal/protocol"
	"github.com/felipecs/card45/internal/transport"
)

const (
	dialTimeout    = 5 * time.Second
	handshakeWait  = 10 * time.Second
	matchReadWait  = 45 * time.Second
	maxLineLen     = 512
	connectStagger = 2 * time.Millisecond
)

type stats struct {
	connected  atomic.Int64
	handshaked atomic.Int64
	matched    atomic.Int64
	resolved   atomic.Int64
	busted     atomic.Int64
	errored    atomic.Int64
}

func main() {
	var (
		addr    = flag.String("addr", "127.0.0.1:7845", "server address")
		bots    = flag.Int("bots", 20, "number of bots to run (rounded down to an even number)")
		lobbies = flag.Int("lobbies", 1, "spread bot pairs across this many lobby indices, starting at 1")
		hits    = flag.Int("hits", 3, "number of C45H hits each bot sends before standing")
	)
	flag.Parse()

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	n := *bots - (*bots % 2)
	if n <= 0 {
		log.Error().Msg("-bots must be at least 2")
		os.Exit(1)
	}
	pairs := n / 2
	log.Info().Int("bots", n).Int("pairs", pairs).Int("lobbies", *lobbies).Msg("starting load test")

	var st stats
	var wg sync.WaitGroup
	start := time.Now()

	for p := 0; p < pairs; p++ {
		lobbyIdx := 1 + (p % *lobbies)
		for seat := 0; seat < 2; seat++ {
			wg.Add(1)
			name := fmt.Sprintf("bot%04d%c", p, 'a'+seat)
			go func(name string, lobbyIdx, p int) {
				defer wg.Done()
				time.Sleep(connectStagger * time.Duration(p))
				runBot(name, *addr, lobbyIdx, *hits, &st, log)
			}(name, lobbyIdx, p)
		}
	}

	wg.Wait()
	elapsed := time.Since(start)
	log.Info().
		Int64("connected", st.connected.Load()).
		Int64("handshaked", st.handshaked.Load()).
		Int64("matched", st.matched.Load()).
		Int64("resolved", st.resolved.Load()).
		Int64("busted", st.busted.Load()).
		Int64("errored", st.errored.Load()).
		Dur("elapsed", elapsed).
		Msg("load test complete")
}

func runBot(name, addr string, lobbyIdx, hitTarget int, st *stats, log zerolog.Logger) {
	rawConn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		st.errored.Add(1)
		log.Debug().Str("bot", name).Err(err).Msg("dial failed")
		return
	}
	st.connected.Add(1)
	conn := transport.New(rawConn)
	defer conn.Close()

	if err := conn.WriteLine("C45" + name); err != nil {
		st.errored.Add(1)
		return
	}
	if _, eof, timedOut, err := conn.ReadLineTimeout(maxLineLen, handshakeWait); err != nil || eof || timedOut {
		st.errored.Add(1)
		return
	}
	// the next line is the lobby snapshot; skip it.
	if _, eof, timedOut, err := conn.ReadLineTimeout(maxLineLen, handshakeWait); err != nil || eof || timedOut {
		st.errored.Add(1)
		return
	}
	st.handshaked.Add(1)

	if err := conn.WriteLine(fmt.Sprintf("%s %d", protocol.TokJoin, lobbyIdx)); err != nil {
		st.errored.Add(1)
		return
	}
	if line, eof, timedOut, err := conn.ReadLineTimeout(maxLineLen, handshakeWait); err != nil || eof || timedOut || !hasToken(line, protocol.TokOK) {
		st.errored.Add(1)
		return
	}

	hitsSent := 0
	for {
		line, eof, timedOut, err := conn.ReadLineTimeout(maxLineLen, matchReadWait)
		if err != nil || eof {
			st.errored.Add(1)
			return
		}
		if timedOut {
			st.errored.Add(1)
			return
		}
		switch {
		case protocol.IsPing(line):
			_ = conn.WriteLine(protocol.TokPong)
		case protocol.IsPong(line):
			// ignored
		case hasToken(line, protocol.TokDown):
			st.errored.Add(1)
			return
		case hasToken(line, protocol.TokResult):
			st.resolved.Add(1)
			return
		case hasToken(line, protocol.TokBust):
			st.busted.Add(1)
		case hasToken(line, protocol.TokDeal):
			st.matched.Add(1)
		case hasToken(line, protocol.TokCard):
			// own card from a hit; nothing to do but keep reading.
		case hasToken(line, protocol.TokOppDown), hasToken(line, protocol.TokOppBack):
			// opponent connectivity event; keep reading.
		case hasToken(line, protocol.TokTimeout):
			hitsSent = hitTarget // forced to stand server-side; stop acting.
		case turnNamesMe(line, name):
			if hitsSent < hitTarget {
				hitsSent++
				_ = conn.WriteLine(protocol.TokHit)
			} else {
				_ = conn.WriteLine(protocol.TokStand)
			}
		default:
			// unrecognized line; keep reading rather than aborting the bot.
		}
	}
}

// hasToken reports whether line is exactly tok, or tok followed by a
// space and a payload, ignoring the trailing line terminator — the same
// token-boundary rule internal/protocol uses internally, applied here since
// this tool reads raw lines without importing protocol's unexported matcher.
func hasToken(line, tok string) bool {
	line = strings.TrimRight(line, "\r\n")
	return line == tok || strings.HasPrefix(line, tok+" ")
}

// turnNamesMe reports whether line is a "C45T <name> <sec>" turn
// announcement naming name as the active player.
func turnNamesMe(line, name string) bool {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != protocol.TokTurn || fields[1] != name {
		return false
	}
	_, err := strconv.Atoi(fields[2])
	return err == nil
}
