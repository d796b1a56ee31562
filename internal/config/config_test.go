package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.txt")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFallsBackToDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.txt"), flag.NewFlagSet("t", flag.ContinueOnError), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultIP, cfg.IP)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultLobbyCount, cfg.LobbyCount)
}

func TestLoadReadsFileValues(t *testing.T) {
	path := writeConfigFile(t, "IP 10.0.0.5\nPORT 9000\nLOBBY_COUNT 8\n")
	cfg, err := Load(path, flag.NewFlagSet("t", flag.ContinueOnError), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.IP)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 8, cfg.LobbyCount)
}

func TestLoadIgnoresCommentsAndMalformedLines(t *testing.T) {
	path := writeConfigFile(t, "# a comment\nIP 10.0.0.5\ngarbage line with too many fields here\nPORT 9000\n")
	cfg, err := Load(path, flag.NewFlagSet("t", flag.ContinueOnError), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.IP)
	assert.Equal(t, 9000, cfg.Port)
}

func TestLoadFileInvalidPortFallsBackToDefaults(t *testing.T) {
	path := writeConfigFile(t, "IP 10.0.0.5\nPORT notanumber\n")
	var warned []string
	cfg, err := Load(path, flag.NewFlagSet("t", flag.ContinueOnError), nil, func(s string) { warned = append(warned, s) })
	require.NoError(t, err)
	assert.Equal(t, DefaultIP, cfg.IP)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.NotEmpty(t, warned)
}

func TestLoadCLIOverridesFileOnlyWhenBothFlagsPresent(t *testing.T) {
	path := writeConfigFile(t, "IP 10.0.0.5\nPORT 9000\n")

	cfg, err := Load(path, flag.NewFlagSet("t", flag.ContinueOnError), []string{"-i", "127.0.0.1", "-p", "4000"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.IP)
	assert.Equal(t, 4000, cfg.Port)

	var warned []string
	cfg2, err := Load(path, flag.NewFlagSet("t", flag.ContinueOnError), []string{"-i", "127.0.0.1"}, func(s string) { warned = append(warned, s) })
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg2.IP, "partial CLI override must be ignored")
	assert.NotEmpty(t, warned)
}

func TestLoadCLILobbiesOverrideStandsAlone(t *testing.T) {
	path := writeConfigFile(t, "IP 10.0.0.5\nPORT 9000\nLOBBY_COUNT 3\n")
	cfg, err := Load(path, flag.NewFlagSet("t", flag.ContinueOnError), []string{"-lobbies", "12"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.LobbyCount)
	assert.Equal(t, "10.0.0.5", cfg.IP, "lobby override must not disturb network settings")
}

func TestLoadFileLobbyCountOutOfRangeFallsBackToDefault(t *testing.T) {
	path := writeConfigFile(t, "IP 10.0.0.5\nPORT 9000\nLOBBY_COUNT 100000\n")
	var warned []string
	cfg, err := Load(path, flag.NewFlagSet("t", flag.ContinueOnError), nil, func(s string) { warned = append(warned, s) })
	require.NoError(t, err)
	assert.Equal(t, DefaultLobbyCount, cfg.LobbyCount)
	assert.Equal(t, "10.0.0.5", cfg.IP, "lobby-count fallback must not disturb network settings")
	assert.NotEmpty(t, warned)
}

func TestLoadCLILobbiesOutOfRangeFallsBackToPriorValue(t *testing.T) {
	path := writeConfigFile(t, "IP 10.0.0.5\nPORT 9000\nLOBBY_COUNT 3\n")
	var warned []string
	cfg, err := Load(path, flag.NewFlagSet("t", flag.ContinueOnError), []string{"-lobbies", "5000"}, func(s string) { warned = append(warned, s) })
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.LobbyCount)
	assert.NotEmpty(t, warned)
}

func TestAddrJoinsHostPort(t *testing.T) {
	cfg := Config{IP: "0.0.0.0", Port: 7845}
	assert.Equal(t, "0.0.0.0:7845", cfg.Addr())
}
