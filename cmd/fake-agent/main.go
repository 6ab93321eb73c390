// ABOUTME: Minimal in-memory SSH agent for manual and E2E testing.
// ABOUTME: Usage: fake-agent [-socket /tmp/fake.sock] [-keys 2] [-label fake]
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

func main() {
	socket := flag.String("socket", "/tmp/fake-agent.sock", "unix socket path to serve on")
	keys := flag.Int("keys", 1, "number of ed25519 keys to generate")
	label := flag.String("label", "fake", "comment prefix for generated keys")
	flag.Parse()

	if err := run(*socket, *keys, *label); err != nil {
		log.Fatal(err)
	}
}

func run(socket string, keys int, label string) error {
	keyring := agent.NewKeyring()
	for i := 0; i < keys; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("generating key: %w", err)
		}
		comment := fmt.Sprintf("%s-%d", label, i)
		if err := keyring.Add(agent.AddedKey{PrivateKey: priv, Comment: comment}); err != nil {
			return fmt.Errorf("adding key: %w", err)
		}

		sshPub, err := ssh.NewPublicKey(pub)
		if err != nil {
			return fmt.Errorf("wrapping public key: %w", err)
		}
		// authorized_keys line, so keys can be pasted where needed
		fmt.Printf("%s %s\n", strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))), comment)
	}

	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing old socket: %w", err)
	}
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socket, err)
	}
	defer ln.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	fmt.Fprintf(os.Stderr, "serving %d key(s) on %s\n", keys, socket)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			defer conn.Close()
			_ = agent.ServeAgent(keyring, conn)
		}()
	}
}
