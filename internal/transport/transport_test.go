package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return New(a), New(b)
}

func TestWriteLineReadLineRoundTrip(t *testing.T) {
	client, server := pipePair(t)
	go func() {
		_ = client.WriteLine("C45alice")
	}()
	line, eof, err := server.ReadLine(128)
	require.NoError(t, err)
	assert.False(t, eof)
	assert.Equal(t, "C45alice\n", line)
}

func TestReadLineEOFOnCleanClose(t *testing.T) {
	client, server := pipePair(t)
	go func() { _ = client.Close() }()
	_, eof, err := server.ReadLine(128)
	require.NoError(t, err)
	assert.True(t, eof)
}

func TestReadLineTimeoutFiresBeforeAnyByte(t *testing.T) {
	_, server := pipePair(t)
	_, eof, timedOut, err := server.ReadLineTimeout(128, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, eof)
	assert.True(t, timedOut)
}

func TestReadLineTimeoutExtendsAfterFirstByte(t *testing.T) {
	client, server := pipePair(t)
	go func() {
		_, _ = client.Write([]byte("C"))
		time.Sleep(40 * time.Millisecond)
		_ = client.WriteLine("45J 1")
	}()
	// first-byte timeout is short, but once "C" arrives the per-byte wait
	// extends to BulkByteTimeout, so the eventual line still completes.
	line, eof, timedOut, err := server.ReadLineTimeout(128, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, eof)
	assert.False(t, timedOut)
	assert.Equal(t, "C45J 1\n", line)
}

func TestWriteAllOverTCPLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		accepted <- c
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer dialed.Close()
	serverSide := <-accepted
	defer serverSide.Close()

	c := New(dialed)
	require.NoError(t, c.WriteLine("C45H"))

	s := New(serverSide)
	line, eof, err := s.ReadLine(64)
	require.NoError(t, err)
	assert.False(t, eof)
	assert.Equal(t, "C45H\n", line)
}
