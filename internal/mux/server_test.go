// ABOUTME: End-to-end tests driving the server with a real ssh agent client.
// ABOUTME: Upstreams are in-process keyring agents holding freshly generated keys.

package mux

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/2389/keymux/internal/router"
	"github.com/2389/keymux/internal/upstream"
	"github.com/2389/keymux/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// serveKeyring starts an in-process agent holding n generated ed25519 keys
// and returns its socket path and the public keys.
func serveKeyring(t *testing.T, name string, n int) (string, []ssh.PublicKey) {
	t.Helper()

	keyring := agent.NewKeyring()
	pubs := make([]ssh.PublicKey, 0, n)
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		require.NoError(t, keyring.Add(agent.AddedKey{
			PrivateKey: priv,
			Comment:    fmt.Sprintf("%s-key-%d", name, i),
		}))
		sshPub, err := ssh.NewPublicKey(pub)
		require.NoError(t, err)
		pubs = append(pubs, sshPub)
	}

	path := filepath.Join(t.TempDir(), name+".sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_ = agent.ServeAgent(keyring, conn)
			}()
		}
	}()

	return path, pubs
}

// startServer builds a router over the given upstreams and runs the server
// until the test ends. It returns the listen socket path.
func startServer(t *testing.T, descs []upstream.Descriptor) string {
	t.Helper()

	reg := upstream.NewRegistry(descs, time.Second, testLogger())
	t.Cleanup(reg.Close)

	listenPath := filepath.Join(t.TempDir(), "mux.sock")
	srv := New(Config{
		ListenPath: listenPath,
		Router:     router.New(router.Config{Registry: reg, Logger: testLogger()}),
		Logger:     testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down")
		}
	})

	waitForSocket(t, listenPath)
	return listenPath
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

func dialAgent(t *testing.T, path string) agent.ExtendedAgent {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return agent.NewClient(conn)
}

func TestEndToEndListAndSign(t *testing.T) {
	hwPath, hwKeys := serveKeyring(t, "hardware", 1)
	pmPath, pmKeys := serveKeyring(t, "passwords", 2)

	listenPath := startServer(t, []upstream.Descriptor{
		{Name: "hardware", SocketPath: hwPath, Priority: 0},
		{Name: "passwords", SocketPath: pmPath, Priority: 1},
	})

	client := dialAgent(t, listenPath)

	keys, err := client.List()
	require.NoError(t, err)
	require.Len(t, keys, 3)

	// Priority order: hardware first, then password manager.
	assert.Equal(t, hwKeys[0].Marshal(), keys[0].Blob)
	assert.Equal(t, "hardware-key-0", keys[0].Comment)
	assert.Equal(t, pmKeys[0].Marshal(), keys[1].Blob)
	assert.Equal(t, pmKeys[1].Marshal(), keys[2].Blob)

	// Sign with a key held by each upstream; verify the real signatures.
	data := []byte("authentication challenge")
	for _, pub := range []ssh.PublicKey{hwKeys[0], pmKeys[1]} {
		sig, err := client.Sign(pub, data)
		require.NoError(t, err)
		require.NoError(t, pub.Verify(data, sig))
	}
}

func TestEndToEndSignUnknownKeyFails(t *testing.T) {
	hwPath, _ := serveKeyring(t, "hardware", 1)
	listenPath := startServer(t, []upstream.Descriptor{
		{Name: "hardware", SocketPath: hwPath, Priority: 0},
	})

	client := dialAgent(t, listenPath)
	_, err := client.List()
	require.NoError(t, err)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	stranger, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	_, err = client.Sign(stranger, []byte("challenge"))
	assert.Error(t, err, "sign with a key no upstream holds must fail")
}

func TestEndToEndSurvivesDeadUpstream(t *testing.T) {
	hwPath, hwKeys := serveKeyring(t, "hardware", 1)
	listenPath := startServer(t, []upstream.Descriptor{
		{Name: "gone", SocketPath: filepath.Join(t.TempDir(), "gone.sock"), Priority: 0},
		{Name: "hardware", SocketPath: hwPath, Priority: 1},
	})

	client := dialAgent(t, listenPath)
	keys, err := client.List()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, hwKeys[0].Marshal(), keys[0].Blob)
}

func TestMalformedClientClosesOnlyThatSession(t *testing.T) {
	hwPath, _ := serveKeyring(t, "hardware", 1)
	listenPath := startServer(t, []upstream.Descriptor{
		{Name: "hardware", SocketPath: hwPath, Priority: 0},
	})

	good := dialAgent(t, listenPath)

	bad, err := net.Dial("unix", listenPath)
	require.NoError(t, err)
	defer bad.Close()

	// Oversized length prefix: the server must drop this client.
	_, err = bad.Write([]byte{0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)

	buf := make([]byte, 1)
	require.NoError(t, bad.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = bad.Read(buf)
	assert.Error(t, err, "malformed client should be disconnected")

	// The well-behaved session is unaffected.
	keys, err := good.List()
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestConcurrentClients(t *testing.T) {
	hwPath, hwKeys := serveKeyring(t, "hardware", 1)
	pmPath, pmKeys := serveKeyring(t, "passwords", 1)
	listenPath := startServer(t, []upstream.Descriptor{
		{Name: "hardware", SocketPath: hwPath, Priority: 0},
		{Name: "passwords", SocketPath: pmPath, Priority: 1},
	})

	data := []byte("challenge")
	errCh := make(chan error, 2)
	for _, pub := range []ssh.PublicKey{hwKeys[0], pmKeys[0]} {
		go func(pub ssh.PublicKey) {
			conn, err := net.Dial("unix", listenPath)
			if err != nil {
				errCh <- err
				return
			}
			defer conn.Close()
			client := agent.NewClient(conn)
			if _, err := client.List(); err != nil {
				errCh <- err
				return
			}
			sig, err := client.Sign(pub, data)
			if err != nil {
				errCh <- err
				return
			}
			errCh <- pub.Verify(data, sig)
		}(pub)
	}
	for i := 0; i < 2; i++ {
		assert.NoError(t, <-errCh)
	}
}

func TestBindRefusesLiveSocket(t *testing.T) {
	hwPath, _ := serveKeyring(t, "hardware", 1)
	listenPath := startServer(t, []upstream.Descriptor{
		{Name: "hardware", SocketPath: hwPath, Priority: 0},
	})

	second := New(Config{ListenPath: listenPath, Logger: testLogger()})
	err := second.Run(context.Background())
	assert.ErrorContains(t, err, "already in use")
}

func TestBindReplacesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "stale.sock")
	ln, err := net.Listen("unix", stale)
	require.NoError(t, err)
	require.NoError(t, ln.Close()) // leaves the file behind on some platforms

	if _, statErr := os.Stat(stale); os.IsNotExist(statErr) {
		// Listener cleanup removed the file; recreate a stale one.
		require.NoError(t, os.WriteFile(stale, nil, 0o600))
	}

	hwPath, _ := serveKeyring(t, "hardware", 1)
	reg := upstream.NewRegistry([]upstream.Descriptor{{Name: "hardware", SocketPath: hwPath}}, time.Second, testLogger())
	t.Cleanup(reg.Close)

	srv := New(Config{
		ListenPath: stale,
		Router:     router.New(router.Config{Registry: reg, Logger: testLogger()}),
		Logger:     testLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// waitForSocket is not enough here: the stale file already exists, so
	// retry dialing until the server has replaced it and is accepting.
	var conn net.Conn
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err = net.Dial("unix", stale)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client := agent.NewClient(conn)
	_, err = client.List()
	assert.NoError(t, err)

	cancel()
	require.NoError(t, <-done)

	_, statErr := os.Stat(stale)
	assert.True(t, os.IsNotExist(statErr), "socket file should be removed on shutdown")
}

func TestRunExitsWithinGraceDespiteIdleSession(t *testing.T) {
	hwPath, _ := serveKeyring(t, "hardware", 1)
	reg := upstream.NewRegistry([]upstream.Descriptor{{Name: "hardware", SocketPath: hwPath}}, time.Second, testLogger())
	t.Cleanup(reg.Close)

	listenPath := filepath.Join(t.TempDir(), "mux.sock")
	srv := New(Config{
		ListenPath:    listenPath,
		Router:        router.New(router.Config{Registry: reg, Logger: testLogger()}),
		Logger:        testLogger(),
		ShutdownGrace: 100 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	waitForSocket(t, listenPath)

	// A connected client that never sends anything must not wedge the exit.
	idle, err := net.Dial("unix", listenPath)
	require.NoError(t, err)
	defer idle.Close()
	time.Sleep(50 * time.Millisecond) // let the accept loop register the session

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not exit within the shutdown grace period")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	srv := New(Config{ListenPath: filepath.Join(t.TempDir(), "x.sock"), Logger: testLogger()})
	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, srv.Shutdown(context.Background()))
}

// Guard against the raw protocol drifting from what real clients send:
// a hand-framed request-identities must parse as such.
func TestRawRequestIdentitiesFrame(t *testing.T) {
	hwPath, _ := serveKeyring(t, "hardware", 1)
	listenPath := startServer(t, []upstream.Descriptor{
		{Name: "hardware", SocketPath: hwPath, Priority: 0},
	})

	conn, err := net.Dial("unix", listenPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0, 0, 0, 1, wire.MsgRequestIdentities})
	require.NoError(t, err)

	resp, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, byte(wire.MsgIdentitiesAnswer), resp.Type)
}
