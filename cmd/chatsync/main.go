// ABOUTME: Entry point for the chatsync terminal client
// ABOUTME: Wires the sync engine together and runs the interactive chat loop

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/chatsync/internal/config"
	"github.com/2389/chatsync/internal/identity"
	"github.com/2389/chatsync/internal/mutation"
	"github.com/2389/chatsync/internal/presence"
	"github.com/2389/chatsync/internal/receipts"
	"github.com/2389/chatsync/internal/rest"
	"github.com/2389/chatsync/internal/session"
	"github.com/2389/chatsync/internal/store"
	"github.com/2389/chatsync/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _           _
  ___ | |__   __ _| |_ ___ _   _ _ __   ___
 / __|| '_ \ / _' | __/ __| | | | '_ \ / __|
| (__ | | | | (_| | |_\__ \ |_| | | | | (__
 \___||_| |_|\__,_|\__|___/\__, |_| |_|\___|
                           |___/
`

// getConfigPath returns the path to the chatsync config file.
// Priority: CHATSYNC_CONFIG env var > XDG_CONFIG_HOME/chatsync/config.yaml > ~/.config/chatsync/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CHATSYNC_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "chatsync", "config.yaml")
}

// getDataPath returns the path to the chatsync data directory.
// Priority: XDG_DATA_HOME/chatsync > ~/.local/share/chatsync
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "chatsync")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: chatsync <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  chat <peer-id>   Open a conversation")
		fmt.Println("  init             Create a new config file interactively")
		fmt.Println("  whoami           Print the identity carried by the session token")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "chat":
		if len(os.Args) < 3 {
			err = fmt.Errorf("chat requires a peer id")
			break
		}
		err = runChat(ctx, os.Args[2])
	case "init":
		err = runInit()
	case "whoami":
		err = runWhoami()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runChat(ctx context.Context, peerID string) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	self, err := resolveIdentity(cfg)
	if err != nil {
		return fmt.Errorf("resolving identity: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("API:     %s\n", cfg.Server.APIURL)
	green.Print("    ▶ ")
	fmt.Printf("Channel: %s\n", cfg.Server.ChannelURL)
	green.Print("    ▶ ")
	fmt.Printf("You:     %s\n\n", displayName(self))

	logger.Info("starting chatsync",
		"config", configPath,
		"api_url", cfg.Server.APIURL,
		"channel_url", cfg.Server.ChannelURL,
		"self_id", self.ID,
	)

	cache, err := store.NewSessionCache(cfg.Cache.Path)
	if err != nil {
		return fmt.Errorf("opening session cache: %w", err)
	}
	defer cache.Close()

	client := rest.NewClient(cfg.Server.APIURL, cfg.Auth.Token, cfg.Server.RequestTimeout, logger)
	messages := store.New(client, cache, logger)

	tracker := presence.NewTracker(func(peer string, typing bool) {
		if typing {
			gray.Printf("  %s is typing…\n", peer)
		}
	}, logger)
	defer tracker.Close()

	mgr := receipts.NewManager(messages, client, logger)
	queue := mutation.NewQueue(messages, client, self.ID, logger)
	channel := transport.NewChannel(cfg.Server.ChannelURL, cfg.Auth.Token, logger)

	sess := session.New(channel, messages, mgr, tracker, client, self.ID, session.Options{
		TypingTTL:        cfg.Presence.TypingTTL,
		ReconnectWait:    cfg.Sync.ReconnectWait,
		MaxReconnectWait: cfg.Sync.MaxReconnectWait,
	}, logger)
	defer sess.Unsubscribe()

	ui := &chatUI{
		session:  sess,
		store:    messages,
		queue:    queue,
		receipts: mgr,
		selfID:   self.ID,
	}
	if err := ui.open(peerID); err != nil {
		return err
	}

	return ui.loop(ctx)
}

// resolveIdentity extracts the user from the configured token, verifying
// the signature when a shared secret is configured.
func resolveIdentity(cfg *config.Config) (*identity.User, error) {
	if cfg.Auth.JWTSecret != "" {
		return identity.NewVerifier([]byte(cfg.Auth.JWTSecret)).Verify(cfg.Auth.Token)
	}
	return identity.ParseUnverified(cfg.Auth.Token)
}

func displayName(u *identity.User) string {
	if u.Name != "" {
		return fmt.Sprintf("%s (%s)", u.Name, u.ID)
	}
	return u.ID
}

// chatUI is the interactive command loop around the sync engine.
type chatUI struct {
	session  *session.Session
	store    *store.Store
	queue    *mutation.Queue
	receipts *receipts.Manager
	selfID   string

	mu     sync.Mutex
	peerID string
	cursor string // next-page cursor from the last /more fetch
}

func (ui *chatUI) open(peerID string) error {
	if err := ui.session.Subscribe(peerID); err != nil {
		return fmt.Errorf("opening conversation: %w", err)
	}

	ui.mu.Lock()
	ui.peerID = peerID
	ui.cursor = ""
	ui.mu.Unlock()

	// Announce new inbound messages as they land
	ui.store.OnChange(peerID, func() {
		ui.renderLatest(peerID)
	})

	color.New(color.FgCyan).Printf("  — conversation with %s —\n", peerID)
	return nil
}

func (ui *chatUI) peer() string {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	return ui.peerID
}

// renderLatest prints the newest message in the conversation. Fired on
// every store change; edits and receipts reprint the affected tail.
func (ui *chatUI) renderLatest(peerID string) {
	msgs := ui.store.Messages(peerID)
	if len(msgs) == 0 {
		return
	}
	ui.printMessage(msgs[len(msgs)-1])
}

func (ui *chatUI) printMessage(m *store.Message) {
	gray := color.New(color.FgHiBlack)

	who := m.SenderID
	if m.SenderID == ui.selfID {
		who = "you"
	}

	stamp := m.CreatedAt.Local().Format("15:04")
	if m.Deleted {
		gray.Printf("  [%s] %s: (message deleted)  %s\n", stamp, who, m.ID)
		return
	}

	body := m.Text
	if m.Image != "" {
		body = strings.TrimSpace(body + " [image]")
	}
	if m.EditedAt != nil {
		body += gray.Sprint(" (edited)")
	}

	fmt.Printf("  [%s] %s: %s  %s%s\n", stamp, who, body, gray.Sprint(m.ID), ui.statusMark(m))
}

// statusMark renders the delivery state of own outbound messages.
func (ui *chatUI) statusMark(m *store.Message) string {
	if m.SenderID != ui.selfID {
		return ""
	}
	switch {
	case m.LocalState == store.LocalStatePending:
		return color.HiBlackString(" ⋯")
	case m.LocalState == store.LocalStateFailed:
		return color.RedString(" ✗ failed")
	case m.SeenAt != nil:
		return color.CyanString(" ✓✓")
	case m.DeliveredAt != nil:
		return " ✓✓"
	default:
		return " ✓"
	}
}

func (ui *chatUI) loop(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := ui.handle(ctx, strings.TrimSpace(line)); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				color.New(color.FgRed).Printf("  ! %v\n", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func (ui *chatUI) handle(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := ui.session.SendMessage(ctx, line, "")
		return err
	}

	cmd, args, _ := strings.Cut(line[1:], " ")
	switch cmd {
	case "help":
		ui.printHelp()
		return nil
	case "history":
		for _, m := range ui.store.Messages(ui.peer()) {
			ui.printMessage(m)
		}
		return nil
	case "more":
		return ui.loadMore(ctx)
	case "edit":
		id, text, ok := strings.Cut(args, " ")
		if !ok || text == "" {
			return fmt.Errorf("usage: /edit <message-id> <new text>")
		}
		return ui.queue.SubmitEdit(ctx, id, store.Patch{Text: &text})
	case "delete":
		if args == "" {
			return fmt.Errorf("usage: /delete <message-id>")
		}
		return ui.queue.SubmitDelete(ctx, args)
	case "seen":
		return ui.receipts.MarkConversationSeen(ctx, ui.peer())
	case "typing":
		switch args {
		case "on":
			return ui.session.SendTyping(ctx, true)
		case "off":
			return ui.session.SendTyping(ctx, false)
		default:
			return fmt.Errorf("usage: /typing on|off")
		}
	case "switch":
		if args == "" {
			return fmt.Errorf("usage: /switch <peer-id>")
		}
		return ui.open(args)
	case "quit", "q":
		return errQuit
	default:
		return fmt.Errorf("unknown command /%s (try /help)", cmd)
	}
}

// loadMore pages older history into the log. The first call re-fetches the
// newest page to pick up the server's cursor; later calls walk backwards.
func (ui *chatUI) loadMore(ctx context.Context) error {
	ui.mu.Lock()
	peerID, cursor := ui.peerID, ui.cursor
	ui.mu.Unlock()

	page, err := ui.store.LoadHistory(ctx, peerID, cursor)
	if err != nil {
		return err
	}

	ui.mu.Lock()
	ui.cursor = page.NextCursor
	ui.mu.Unlock()

	if page.NextCursor == "" && cursor != "" {
		color.New(color.FgHiBlack).Println("  — beginning of conversation —")
	}
	return nil
}

func (ui *chatUI) printHelp() {
	fmt.Println("  <text>                 send a message")
	fmt.Println("  /edit <id> <text>      edit one of your messages")
	fmt.Println("  /delete <id>           delete one of your messages")
	fmt.Println("  /seen                  mark the conversation seen")
	fmt.Println("  /typing on|off         send a typing signal")
	fmt.Println("  /history               print the conversation")
	fmt.Println("  /more                  load older messages")
	fmt.Println("  /switch <peer-id>      open another conversation")
	fmt.Println("  /quit                  exit")
}

func runWhoami() error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	self, err := resolveIdentity(cfg)
	if err != nil {
		return fmt.Errorf("resolving identity: %w", err)
	}

	fmt.Printf("ID:   %s\n", self.ID)
	if self.Name != "" {
		fmt.Printf("Name: %s\n", self.Name)
	}
	if self.ProfilePic != "" {
		fmt.Printf("Pic:  %s\n", self.ProfilePic)
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("chatsync configuration setup")
	fmt.Println("============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultCachePath := filepath.Join(getDataPath(), "cache.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	apiURL := prompt(reader, "API base URL", "https://localhost:8080/api")
	channelURL := prompt(reader, "Channel websocket URL", "wss://localhost:8080/ws")

	fmt.Println("\n--- Auth Configuration ---")
	token := prompt(reader, "Session token (leave empty to use ${CHATSYNC_TOKEN})", "")

	fmt.Println("\n--- Cache Configuration ---")
	cachePath := prompt(reader, "Session cache path", defaultCachePath)

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# chatsync configuration\n")
	cfg.WriteString("# Generated by chatsync init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  api_url: \"%s\"\n", apiURL))
	cfg.WriteString(fmt.Sprintf("  channel_url: \"%s\"\n", channelURL))
	cfg.WriteString("  request_timeout: \"15s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	if token != "" {
		cfg.WriteString(fmt.Sprintf("  token: \"%s\"\n", token))
	} else {
		cfg.WriteString("  token: \"${CHATSYNC_TOKEN}\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("cache:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", cachePath))
	cfg.WriteString("\n")

	cfg.WriteString("sync:\n")
	cfg.WriteString("  reconnect_wait: \"500ms\"\n")
	cfg.WriteString("  max_reconnect_wait: \"10s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("presence:\n")
	cfg.WriteString("  typing_ttl: \"3s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	cacheDir := filepath.Dir(cachePath)
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo open a conversation:")
	fmt.Printf("  chatsync chat <peer-id>\n")

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
