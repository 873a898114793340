package main

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/pineapple-p2p/pineapple/internal/config"
	"github.com/pineapple-p2p/pineapple/internal/identity"
	"github.com/pineapple-p2p/pineapple/internal/nat"
)

func main() {
	configPath := flag.String("config", "", "path to pineapple.yaml (default ~/.pineapple/pineapple.yaml)")
	askPass := flag.Bool("p", false, "prompt for the identity key passphrase")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pineapple: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	switch cmd := flag.Arg(0); cmd {
	case "keygen":
		err = runKeygen(cfg, *askPass)
	case "whoami":
		err = runWhoami(cfg, *askPass)
	case "config":
		err = runConfig(cfg)
	case "connect":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: pineapple connect <peer-fingerprint>")
			os.Exit(2)
		}
		err = runConnect(cfg, flag.Arg(1), *askPass)
	default:
		fmt.Fprintf(os.Stderr, "pineapple: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pineapple: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: pineapple [flags] <command>

Commands:
  keygen                  generate an identity key
  whoami                  print this endpoint's fingerprint
  config                  print the effective configuration
  connect <fingerprint>   connect to a peer and chat

Flags:
`)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Configuration comes from ~/.pineapple/pineapple.yaml and PINEAPPLE_*
environment variables. You only need the peer's fingerprint, no IP
addresses.
`)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// promptPassphrase reads a passphrase without echo when stdin is a
// terminal.
func promptPassphrase(confirm bool) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("stdin is not a terminal, cannot prompt for passphrase")
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Repeat passphrase: ")
		again, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		if string(pass) != string(again) {
			return nil, fmt.Errorf("passphrases do not match")
		}
	}
	return pass, nil
}

func runKeygen(cfg *config.Config, askPass bool) error {
	if _, err := os.Stat(cfg.IdentityFile); err == nil {
		return fmt.Errorf("identity file %s already exists", cfg.IdentityFile)
	}
	var pass []byte
	if askPass {
		p, err := promptPassphrase(true)
		if err != nil {
			return err
		}
		pass = p
	}
	key, err := identity.Generate()
	if err != nil {
		return err
	}
	if err := identity.Save(cfg.IdentityFile, key, pass); err != nil {
		return err
	}
	fmt.Printf("Identity written to %s\n", cfg.IdentityFile)
	fmt.Printf("Fingerprint: %s\n", identity.Fingerprint(key))
	return nil
}

func loadKey(cfg *config.Config, askPass bool) (ed25519.PrivateKey, error) {
	var pass []byte
	if askPass {
		p, err := promptPassphrase(false)
		if err != nil {
			return nil, err
		}
		pass = p
	}
	return identity.Load(cfg.IdentityFile, pass)
}

func runWhoami(cfg *config.Config, askPass bool) error {
	key, err := loadKey(cfg, askPass)
	if err != nil {
		return err
	}
	fp := cfg.Fingerprint
	if fp == "" {
		fp = identity.Fingerprint(key)
	}
	fmt.Println(fp)
	return nil
}

func runConfig(cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	os.Stdout.Write(data)
	return nil
}

func runConnect(cfg *config.Config, peerFingerprint string, askPass bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	key, err := loadKey(cfg, askPass)
	if err != nil {
		return err
	}
	fp := cfg.Fingerprint
	if fp == "" {
		fp = identity.Fingerprint(key)
	}

	// A nil TLS config makes nat.New accept self-signed certificates.
	var tlsConfig *tls.Config
	if !cfg.InsecureTLS {
		tlsConfig = &tls.Config{}
	}

	traversal, err := nat.New(nat.Config{
		SignallingURL:    cfg.SignallingURL,
		STUNServerAddr:   cfg.STUNServerAddr,
		LocalFingerprint: fp,
		SigningKey:       key,
		TCPPort:          cfg.TCPPort,
		TLSConfig:        tlsConfig,
		OnStateChange: func(s nat.ConnectionState) {
			fmt.Fprintf(os.Stderr, "  [%s]\n", s)
		},
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Connecting to %s as %s...\n", peerFingerprint, fp)
	conn, err := traversal.Connect(context.Background(), peerFingerprint)
	if err != nil {
		if errors.Is(err, nat.ErrHolePunchTimeout) {
			return fmt.Errorf("%w (is the peer running \"pineapple connect %s\"?)", err, fp)
		}
		return err
	}
	defer conn.Close()

	role := "responder"
	if traversal.Initiator(peerFingerprint) {
		role = "initiator"
	}
	fmt.Fprintf(os.Stderr, "Connected to %s (%s). Type messages, Ctrl-D to quit.\n",
		conn.RemoteAddr(), role)

	return chat(conn)
}

// chat runs a minimal line-oriented exchange over the established stream.
// The encrypted messaging session proper lives a layer up; this is the
// plumbing check.
func chat(conn net.Conn) error {
	done := make(chan error, 1)
	go func() {
		in := bufio.NewScanner(conn)
		for in.Scan() {
			fmt.Printf("peer> %s\n", in.Text())
		}
		done <- in.Err()
	}()

	out := bufio.NewScanner(os.Stdin)
	for out.Scan() {
		if _, err := fmt.Fprintln(conn, out.Text()); err != nil {
			return fmt.Errorf("sending: %w", err)
		}
	}
	conn.Close()
	if err := <-done; err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("receiving: %w", err)
	}
	return nil
}
