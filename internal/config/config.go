// Package config loads the server's network and lobby-count settings from
// a whitespace-delimited KEY VALUE file, with CLI flag overrides and
// compiled-in fallbacks. It is grounded on the original server's
// parse_config_net/parse_cli_net (original_source/server/src/main.c).
package config

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Defaults match the original server's compile-time fallbacks
// (original_source/server/include/game.h's g_server_ip/g_server_port, and
// game.c's default lobby count).
const (
	DefaultIP         = "0.0.0.0"
	DefaultPort       = 7845
	DefaultLobbyCount = 5

	// MaxLobbyCount bounds LOBBY_COUNT / -lobbies so a typo or a malicious
	// value can't make the server allocate an unbounded number of lobbies
	// and decks.
	MaxLobbyCount = 1000
)

// Config is the resolved set of settings the server runs with.
type Config struct {
	IP         string
	Port       int
	LobbyCount int
}

func defaults() Config {
	return Config{IP: DefaultIP, Port: DefaultPort, LobbyCount: DefaultLobbyCount}
}

// Addr renders the listen address for net.Listen.
func (c Config) Addr() string { return net.JoinHostPort(c.IP, strconv.Itoa(c.Port)) }

func validIP(ip string) bool {
	if ip == "" {
		return false
	}
	if ip == "localhost" {
		return true
	}
	return net.ParseIP(ip) != nil
}

func validPort(raw string) (int, bool) {
	p, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || p < 1 || p > 65535 {
		return 0, false
	}
	return p, true
}

func validLobbyCount(raw string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 || n > MaxLobbyCount {
		return 0, false
	}
	return n, true
}

// fileValues holds whatever the config file actually set, before
// validation — Load reports which keys were present but invalid so the
// caller can log a precise fallback reason, matching main.c's per-field
// "Invalid config.txt IP: %s" style diagnostics.
type fileValues struct {
	found         bool
	ip, portRaw   string
	lobbyRaw      string
	hasIP, hasPrt bool
	hasLobby      bool
}

func readFile(path string) (fileValues, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileValues{}, nil
		}
		return fileValues{}, fmt.Errorf("open config file %s: %w", path, err)
	}
	defer f.Close()

	out := fileValues{found: true}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		switch fields[0] {
		case "IP":
			out.hasIP = true
			out.ip = fields[1]
		case "PORT":
			out.hasPrt = true
			out.portRaw = fields[1]
		case "LOBBY_COUNT":
			out.hasLobby = true
			out.lobbyRaw = fields[1]
		}
	}
	if err := scanner.Err(); err != nil {
		return fileValues{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	return out, nil
}

// Load resolves Config from, in priority order: CLI flags (both -i and -p
// required together to take effect; -lobbies stands alone), the KEY VALUE
// file at path, then compiled-in defaults. Invalid or partial values at any
// level fall through to the next rather than aborting, matching
// parse_cli_net/parse_config_net's "never a fatal config value" behavior.
// Fallback decisions are reported as warnings through warn (nil-safe; pass
// nil to discard them, e.g. in tests).
func Load(path string, flags *flag.FlagSet, args []string, warn func(string)) (Config, error) {
	if warn == nil {
		warn = func(string) {}
	}

	var cliIP, cliPort, cliLobbies, cliConfigPath string
	flags.StringVar(&cliIP, "i", "", "bind IP address")
	flags.StringVar(&cliPort, "p", "", "bind port (1..65535)")
	flags.StringVar(&cliLobbies, "lobbies", "", "number of lobbies")
	flags.StringVar(&cliConfigPath, "config", path, "path to the KEY VALUE config file")
	if err := flags.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}
	if cliConfigPath != "" {
		path = cliConfigPath
	}

	_ = godotenv.Load()

	out := defaults()

	file, err := readFile(path)
	if err != nil {
		return Config{}, err
	}

	if file.hasIP && file.hasPrt {
		if port, ok := validPort(file.portRaw); ok && validIP(file.ip) {
			out.IP, out.Port = file.ip, port
		} else {
			warn(fmt.Sprintf("invalid IP/PORT in %s, falling back to defaults %s:%d", path, DefaultIP, DefaultPort))
		}
	} else if file.found {
		warn(fmt.Sprintf("%s missing IP or PORT, falling back to defaults %s:%d", path, DefaultIP, DefaultPort))
	}
	if file.hasLobby {
		if n, ok := validLobbyCount(file.lobbyRaw); ok {
			out.LobbyCount = n
		} else {
			warn(fmt.Sprintf("invalid LOBBY_COUNT in %s, falling back to default %d", path, DefaultLobbyCount))
		}
	}

	if cliIP != "" || cliPort != "" {
		if cliIP == "" || cliPort == "" {
			warn("both -i and -p must be supplied together; ignoring CLI network override")
		} else if port, ok := validPort(cliPort); ok && validIP(cliIP) {
			out.IP, out.Port = cliIP, port
		} else {
			warn(fmt.Sprintf("invalid -i/-p values, using %s:%d instead", out.IP, out.Port))
		}
	}
	if cliLobbies != "" {
		if n, ok := validLobbyCount(cliLobbies); ok {
			out.LobbyCount = n
		} else {
			warn(fmt.Sprintf("invalid -lobbies value %q, using %d instead", cliLobbies, out.LobbyCount))
		}
	}

	return out, nil
}
