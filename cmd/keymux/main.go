// ABOUTME: Entry point for the keymux SSH agent multiplexer.
// ABOUTME: Presents many upstream agents as a single agent socket.

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/keymux/internal/config"
	"github.com/2389/keymux/internal/mux"
	"github.com/2389/keymux/internal/router"
	"github.com/2389/keymux/internal/store"
	"github.com/2389/keymux/internal/upstream"
	"github.com/2389/keymux/internal/wire"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _
| | _____ _   _ _ __ ___  _   ___  __
| |/ / _ \ | | | '_ ' _ \| | | \ \/ /
|   <  __/ |_| | | | | | | |_| |>  <
|_|\_\___|\__, |_| |_| |_|\__,_/_/\_\
          |___/
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: keymux <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the multiplexer")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  check    Probe every configured agent")
		fmt.Println("  audit    Show recent signing activity")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "check":
		err = runCheck(ctx)
	case "audit":
		err = runAudit(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	agents := cfg.EnabledAgents()
	if len(agents) == 0 {
		return fmt.Errorf("no enabled agents in %s", configPath)
	}

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config: %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Socket: %s\n", cfg.ListenPath)
	for i, a := range agents {
		green.Print("    ▶ ")
		fmt.Printf("Agent:  ")
		cyan.Print(a.Name)
		gray.Printf(" (priority %d) %s\n", i, a.SocketPath)
	}
	if cfg.Audit.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Audit:  %s\n", cfg.Audit.Path)
	}
	fmt.Println()

	logger.Info("starting keymux",
		"config", configPath,
		"socket", cfg.ListenPath,
		"agents", len(agents),
	)

	// Config order is priority order: earlier agents win duplicate keys.
	descs := make([]upstream.Descriptor, len(agents))
	for i, a := range agents {
		descs[i] = upstream.Descriptor{
			Name:       a.Name,
			SocketPath: a.SocketPath,
			Priority:   i,
		}
	}

	registry := upstream.NewRegistry(descs, cfg.AgentTimeout, logger)
	defer registry.Close()

	var addKeysTo *upstream.Conn
	if cfg.AddNewKeysTo != "" {
		conn, ok := registry.ByName(cfg.AddNewKeysTo)
		if !ok {
			return fmt.Errorf("add_new_keys_to agent %q not in registry", cfg.AddNewKeysTo)
		}
		addKeysTo = conn
	}

	var audit router.Auditor
	if cfg.Audit.Enabled {
		log, err := store.Open(cfg.Audit.Path, logger)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer log.Close()
		audit = log
	}

	rt := router.New(router.Config{
		Registry:  registry,
		AddKeysTo: addKeysTo,
		Logger:    logger,
		Audit:     audit,
	})

	srv := mux.New(mux.Config{
		ListenPath: cfg.ListenPath,
		Router:     rt,
		Logger:     logger,
	})

	return srv.Run(ctx)
}

// runCheck probes every configured agent with a request-identities and
// reports reachability and key counts.
func runCheck(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)

	var unreachable int
	for _, a := range cfg.EnabledAgents() {
		conn := upstream.NewConn(upstream.Descriptor{Name: a.Name, SocketPath: a.SocketPath}, cfg.AgentTimeout, logger)

		start := time.Now()
		resp, err := conn.RoundTrip(ctx, wire.NewRequestIdentities())
		elapsed := time.Since(start).Round(time.Millisecond)
		_ = conn.Close()

		if err != nil {
			red.Printf("  ✗ %-16s", a.Name)
			fmt.Printf("unreachable: %v\n", err)
			unreachable++
			continue
		}

		ids, err := wire.ParseIdentitiesAnswer(resp)
		if err != nil {
			red.Printf("  ✗ %-16s", a.Name)
			fmt.Printf("bad response: %v\n", err)
			unreachable++
			continue
		}

		green.Printf("  ✓ %-16s", a.Name)
		fmt.Printf("%d key(s)", len(ids))
		gray.Printf(" in %s\n", elapsed)
	}

	if unreachable > 0 {
		return fmt.Errorf("%d agent(s) unreachable", unreachable)
	}
	return nil
}

// runAudit prints recent signing activity from the audit database.
func runAudit(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Audit.Enabled {
		return fmt.Errorf("audit log is not enabled in config")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	log, err := store.Open(cfg.Audit.Path, logger)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer log.Close()

	events, err := log.Recent(ctx, 50)
	if err != nil {
		return fmt.Errorf("reading audit log: %w", err)
	}
	if len(events) == 0 {
		fmt.Println("no recorded activity")
		return nil
	}

	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	for _, e := range events {
		gray.Printf("%s  ", e.At.Local().Format("2006-01-02 15:04:05"))
		switch e.Kind {
		case store.KindSign:
			if e.Outcome == "signed" {
				green.Printf("%-8s", "sign")
			} else {
				red.Printf("%-8s", "sign")
			}
			fmt.Printf(" %s", shortFingerprint(e.Fingerprint))
			if e.Upstream != "" {
				fmt.Printf(" via %s", e.Upstream)
			}
			gray.Printf(" %s %dms\n", e.Outcome, e.ElapsedMS)
		case store.KindRefresh:
			fmt.Printf("%-8s %d identities from %d agent(s)\n", "refresh", e.Identities, e.Reachable)
		}
	}
	return nil
}

func shortFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("keymux configuration setup")
	fmt.Println("==========================")
	fmt.Println()

	defaultConfigPath := config.DefaultPath()

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Multiplexer ---")
	listenPath := prompt(reader, "Listen socket path", config.DefaultListenPath())
	timeout := prompt(reader, "Per-agent timeout", "5s")

	fmt.Println("\n--- Upstream agents (priority order, empty name to finish) ---")
	type agentEntry struct{ name, socket string }
	var agents []agentEntry
	for {
		name := prompt(reader, fmt.Sprintf("Agent %d name", len(agents)+1), "")
		if name == "" {
			break
		}
		socket := prompt(reader, fmt.Sprintf("Agent %d socket path", len(agents)+1), "")
		if socket == "" {
			fmt.Println("Skipped: a socket path is required.")
			continue
		}
		agents = append(agents, agentEntry{name, socket})
	}
	if len(agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}

	addKeysTo := prompt(reader, "\nSend ssh-add'ed keys to which agent? (empty rejects them)", "")

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	fmt.Println("\n--- Audit ---")
	auditAnswer := prompt(reader, "Record signing activity to SQLite?", "no")
	auditEnabled := strings.ToLower(auditAnswer) == "yes" || strings.ToLower(auditAnswer) == "y"
	var auditPath string
	if auditEnabled {
		auditPath = prompt(reader, "Audit database path",
			filepath.Join(filepath.Dir(config.DefaultListenPath()), "audit.db"))
	}

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# keymux configuration\n")
	cfg.WriteString("# Generated by keymux init\n\n")

	cfg.WriteString(fmt.Sprintf("listen_path = %q\n", listenPath))
	cfg.WriteString(fmt.Sprintf("agent_timeout = %q\n", timeout))
	if addKeysTo != "" {
		cfg.WriteString(fmt.Sprintf("add_new_keys_to = %q\n", addKeysTo))
	}
	cfg.WriteString("\n")

	for _, a := range agents {
		cfg.WriteString("[[agents]]\n")
		cfg.WriteString(fmt.Sprintf("name = %q\n", a.name))
		cfg.WriteString(fmt.Sprintf("socket_path = %q\n", a.socket))
		cfg.WriteString("\n")
	}

	cfg.WriteString("[logging]\n")
	cfg.WriteString(fmt.Sprintf("level = %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("format = %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("[audit]\n")
	cfg.WriteString(fmt.Sprintf("enabled = %t\n", auditEnabled))
	if auditEnabled {
		cfg.WriteString(fmt.Sprintf("path = %q\n", auditPath))
	}

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the multiplexer:")
	fmt.Println("  keymux serve")
	fmt.Println("\nThen point SSH at it:")
	fmt.Printf("  export SSH_AUTH_SOCK=%s\n", listenPath)

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
