// ABOUTME: Entry point for the micro-ROS agent control plane
// ABOUTME: Supervises the agent process and serves the HTTP control API

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/uros-tools/agent-control/internal/config"
	"github.com/uros-tools/agent-control/internal/history"
	"github.com/uros-tools/agent-control/internal/server"
	"github.com/uros-tools/agent-control/internal/settings"
	"github.com/uros-tools/agent-control/internal/supervisor"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                       _                     _             _
  __ _  __ _  ___ _ __ | |_       ___ ___  _ __ | |_ _ __ ___ | |
 / _' |/ _' |/ _ \ '_ \| __|____ / __/ _ \| '_ \| __| '__/ _ \| |
| (_| | (_| |  __/ | | | ||_____| (_| (_) | | | | |_| | | (_) | |
 \__,_|\__, |\___|_| |_|\__|     \___\___/|_| |_|\__|_|  \___/|_|
       |___/
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: agent-control <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                   Start the control server")
		fmt.Println("  init                    Create a new config file interactively")
		fmt.Println("  status                  Show the supervised agent's status")
		fmt.Println("  health                  Check control server health")
		fmt.Println("  token --subject NAME    Generate an API token (requires auth secret)")
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
	case "status":
		err = runStatus(ctx)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file, falling back to built-in defaults
// when no file exists so the control plane runs out of the box.
func loadConfig() (*config.Config, string, error) {
	configPath := config.DefaultPath()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.Default(), "(defaults)", nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Settings:  %s\n", cfg.Settings.Path)
	green.Print("    ▶ ")
	fmt.Printf("History:   %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s\n", cfg.Agent.Binary)
	fmt.Println()

	logger.Info("starting agent-control",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"agent_binary", cfg.Agent.Binary,
	)

	store := settings.NewStore(cfg.Settings.Path, logger)
	// First read seeds the file and its directory so the watcher has
	// something to attach to.
	_ = store.AgentConfig()

	hist, err := history.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer hist.Close()

	sup := supervisor.New(supervisor.Config{
		Launcher: &supervisor.ExecLauncher{
			Binary: cfg.Agent.Binary,
			Logger: logger,
		},
		Settings:     store,
		Recorder:     hist,
		Logger:       logger,
		StartTimeout: cfg.Agent.StartTimeout,
		StopTimeout:  cfg.Agent.StopTimeout,
	})

	watcher := settings.NewWatcher(store, logger, func() {
		hist.RecordEvent(ctx, history.ActionSettingsFileChanged, map[string]any{
			"path": store.Path(),
		})
	})
	if err := watcher.Start(); err != nil {
		// The watcher is an observability nicety, not a requirement.
		logger.Warn("settings watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	srv := server.New(server.Config{
		HTTPAddr:   cfg.Server.HTTPAddr,
		JWTSecret:  cfg.Auth.JWTSecret,
		Supervisor: sup,
		Settings:   store,
		History:    hist,
		Logger:     logger,
	})

	// Bring the agent up if the persisted intent says so.
	sup.Reconcile(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Stop the agent without clearing the enabled intent, so the next
	// boot brings it back.
	if err := sup.Stop(shutdownCtx, false); err != nil {
		logger.Warn("stopping agent during shutdown", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
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

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health", dialAddr(cfg.Server.HTTPAddr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/agent/status", dialAddr(cfg.Server.HTTPAddr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var status struct {
		Running bool   `json:"running"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if status.Running {
		color.Green("● %s", status.Message)
	} else {
		color.New(color.FgHiBlack).Printf("○ %s\n", status.Message)
	}
	return nil
}

// dialAddr turns a listen address into something dialable: a wildcard
// host becomes localhost.
func dialAddr(addr string) string {
	if strings.HasPrefix(addr, "0.0.0.0:") {
		return "localhost" + strings.TrimPrefix(addr, "0.0.0.0")
	}
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func runToken() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	subject := "operator"
	ttl := 90 * 24 * time.Hour
	for i := 2; i < len(os.Args); i++ {
		switch os.Args[i] {
		case "--subject":
			if i+1 >= len(os.Args) {
				return fmt.Errorf("--subject requires a value")
			}
			i++
			subject = os.Args[i]
		case "--ttl":
			if i+1 >= len(os.Args) {
				return fmt.Errorf("--ttl requires a value")
			}
			i++
			ttl, err = time.ParseDuration(os.Args[i])
			if err != nil {
				return fmt.Errorf("parsing ttl: %w", err)
			}
		default:
			return fmt.Errorf("unknown flag: %s", os.Args[i])
		}
	}

	verifier := server.NewTokenVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	answer, err := reader.ReadString('\n')
	if err != nil {
		return defaultValue
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return defaultValue
	}
	return answer
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("agent-control configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultConfigPath := config.DefaultPath()
	defaultDataDir := config.DefaultDataDir()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)

	fmt.Println("\n--- Agent Configuration ---")
	agentBinary := prompt(reader, "Agent binary", config.DefaultAgentBinary)
	settingsPath := prompt(reader, "Settings file path", filepath.Join(defaultDataDir, "agent-settings.json"))
	dbPath := prompt(reader, "History database path", filepath.Join(defaultDataDir, "history.db"))

	fmt.Println("\n--- Auth Configuration ---")
	jwtSecret := prompt(reader, "API token secret (leave empty to disable auth)", "")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# agent-control configuration\n")
	cfg.WriteString("# Generated by agent-control init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("settings:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", settingsPath))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("agent:\n")
	cfg.WriteString(fmt.Sprintf("  binary: \"%s\"\n", agentBinary))
	cfg.WriteString("  start_timeout: \"2s\"\n")
	cfg.WriteString("  stop_timeout: \"2s\"\n")
	cfg.WriteString("\n")

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
		cfg.WriteString("\n")
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nWrote %s\n", outputFile)
	return nil
}
