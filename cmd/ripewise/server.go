package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/ripewise/internal/api"
	"github.com/kalambet/ripewise/internal/capture"
	"github.com/kalambet/ripewise/internal/config"
	"github.com/kalambet/ripewise/internal/events"
	"github.com/kalambet/ripewise/internal/media"
	"github.com/kalambet/ripewise/internal/netstate"
	"github.com/kalambet/ripewise/internal/orchestrator"
	"github.com/kalambet/ripewise/internal/ratelimit"
	"github.com/kalambet/ripewise/internal/remote"
	"github.com/kalambet/ripewise/internal/storage"
	"github.com/kalambet/ripewise/internal/syncer"
	"github.com/kalambet/ripewise/internal/vision"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the analysis server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the device agent with its offline queue (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runAgent(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server or agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, _ := cmd.Flags().GetBool("agent")
		role := "server"
		if agent {
			role = "agent"
		}
		return stopProcess(role)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and agent status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	agentCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
	stopCmd.Flags().Bool("agent", false, "stop the device agent instead of the server")
}

func pidFilePath(dataDir, role string) string {
	return filepath.Join(dataDir, role+".pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) *slog.Logger {
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
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// claimPID refuses to start when something already answers on port's
// health endpoint, then records this process in the role's PID file.
func claimPID(dataDir, role string, port int) (func(), error) {
	pidPath := pidFilePath(dataDir, role)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("ripewise %s is already running (PID %d)", role, pid)
			return nil, fmt.Errorf("%s already running (PID %d)", role, pid)
		}
		printWarning("something is already listening on port %d", port)
		return nil, fmt.Errorf("%s already running on port %d", role, port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return nil, fmt.Errorf("writing PID file: %w", err)
	}
	return func() { removePIDFile(pidPath) }, nil
}

// providerSpecs maps configured providers to registry specs. Ollama has no
// API key; its base URL is its credential.
func providerSpecs(p config.ProvidersConfig) []vision.Spec {
	spec := func(name string, pc config.ProviderConfig) vision.Spec {
		return vision.Spec{
			Name:       name,
			Priority:   pc.Priority,
			Model:      pc.Model,
			BaseURL:    pc.BaseURL,
			Enabled:    pc.Enabled,
			Credential: pc.APIKey,
		}
	}
	ollama := spec("ollama", p.Ollama)
	ollama.Credential = p.Ollama.BaseURL
	return []vision.Spec{
		spec("gemini", p.Gemini),
		spec("openai", p.OpenAI),
		spec("anthropic", p.Anthropic),
		spec("openrouter", p.OpenRouter),
		ollama,
	}
}

// requestSlack covers the upload and network time around one analyze call.
const requestSlack = 15 * time.Second

// requestTimeout bounds calls to the server. Unless configured it is the
// worst case of the enabled provider chain plus requestSlack, and never less
// than a minute.
func requestTimeout(cfg config.Config) time.Duration {
	if cfg.Server.RequestTimeout > 0 {
		return cfg.Server.RequestTimeout
	}
	enabled := 0
	for _, s := range providerSpecs(cfg.Providers) {
		if s.Enabled {
			enabled++
		}
	}
	budget := orchestrator.Budget(enabled, cfg.Providers.MaxRetries, cfg.Providers.Timeout,
		orchestrator.DefaultBackoffBase, orchestrator.DefaultBackoffCap)
	return max(budget+requestSlack, time.Minute)
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully.
// Request contexts derive from ctx so long-lived event streams end with it.
func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server) {
	srv.BaseContext = func(net.Listener) context.Context { return ctx }
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "ripewise version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	logger.Info("API bearer token available")

	release, err := claimPID(cfg.Storage.DataDir, "server", cfg.Server.Port)
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataDir := filepath.Join(cfg.Storage.DataDir, "server")
	store, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()

	specs := providerSpecs(cfg.Providers)
	if cfg.Providers.File != "" {
		specs, err = vision.ApplyRegistryFile(cfg.Providers.File, specs)
		if err != nil {
			return fmt.Errorf("loading provider registry: %w", err)
		}
	}
	registry, err := vision.Build(specs)
	if err != nil {
		return fmt.Errorf("building provider registry: %w", err)
	}
	for _, info := range registry.Describe() {
		logger.Info("provider", "name", info.Name, "priority", info.Priority, "available", info.Available)
	}

	uploads := media.NewStore(filepath.Join(dataDir, "images"), int64(cfg.Storage.MaxUploadBytes))
	orch := orchestrator.New(registry, orchestrator.Options{
		MaxRetries: cfg.Providers.MaxRetries,
		Timeout:    cfg.Providers.Timeout,
		Recorder:   store,
		Images:     uploads,
		Logger:     logger,
	})
	defer orch.Close()

	limiter := ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window, nil)

	handler := api.NewServerHandler(api.ServerDeps{
		Store:     store,
		Uploads:   uploads,
		Analyzer:  orch,
		Providers: registry,
		Limiter:   limiter,
		Token:     apiToken,
		Logger:    logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	serveHTTP(gctx, g, srv)
	g.Go(func() error {
		ticker := time.NewTicker(cfg.RateLimit.Window)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.Prune(); n > 0 {
					logger.Debug("pruned rate limit windows", "count", n)
				}
			}
		}
	})

	fmt.Fprintf(os.Stderr, "ripewise server listening on %s\n", addr)
	err = g.Wait()
	fmt.Fprintln(os.Stderr, "shutting down...")
	return err
}

func runAgent(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "ripewise agent version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	release, err := claimPID(cfg.Storage.DataDir, "agent", cfg.Server.AgentPort)
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(filepath.Join(cfg.Storage.DataDir, "agent"))
	if err != nil {
		return fmt.Errorf("opening queue storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()

	bus := events.NewBus()
	defer bus.Close()

	monitor := netstate.NewMonitor(false, bus)
	prober := netstate.NewProber(cfg.Network.ProbeURL, cfg.Network.ProbeInterval, monitor)
	rc := remote.New(cfg.Server.BaseURL, apiToken, remote.WithTimeout(requestTimeout(cfg)))

	mgr := syncer.New(syncer.Deps{
		Queue:    store,
		Uploader: rc,
		Analyzer: rc,
		Network:  monitor,
		Bus:      bus,
		Logger:   logger,
	}, syncer.Options{
		Interval:       cfg.Sync.Interval,
		ItemMaxRetries: cfg.Sync.ItemMaxRetries,
		BackoffBase:    cfg.Sync.BackoffBase,
		BackoffCap:     cfg.Sync.BackoffCap,
		MaxItemAge:     cfg.Sync.MaxItemAge,
	})

	captures := capture.NewService(store, rc, rc, monitor, bus)

	handler := api.NewAgentHandler(api.AgentDeps{
		Queue:   store,
		Capture: captures,
		Sync:    mgr,
		Network: monitor,
		Events:  bus,
		Token:   apiToken,
		Logger:  logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.AgentPort)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)

	// The first probe runs before the manager starts so a reachable server
	// triggers the initial cycle from Start rather than from a transition.
	prober.Check(gctx)
	if err := mgr.Start(gctx); err != nil {
		return fmt.Errorf("starting sync manager: %w", err)
	}
	defer mgr.Stop()

	g.Go(func() error {
		prober.Run(gctx)
		return nil
	})
	serveHTTP(gctx, g, srv)

	if cfg.Inbox.Dir != "" {
		watcher := capture.NewWatcher(cfg.Inbox.Dir, cfg.Inbox.Owner, captures)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("inbox watcher: %w", err)
			}
			return nil
		})
		logger.Info("watching inbox", "dir", cfg.Inbox.Dir, "owner", cfg.Inbox.Owner)
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Queue: store, Sync: mgr})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	fmt.Fprintf(os.Stderr, "ripewise agent listening on %s\n", addr)
	err = g.Wait()
	fmt.Fprintln(os.Stderr, "shutting down...")
	return err
}

func stopProcess(role string) error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir, role)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("ripewise %s is not running (no PID file)", role)
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop ripewise %s (PID %d): %v", role, pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to ripewise %s (PID %d)", role, pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	healthClient := &http.Client{Timeout: 2 * time.Second}
	probe := func(label string, port int) bool {
		resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
		if err != nil {
			printStatus(label, "stopped")
			return false
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			printStatus(label, "error (HTTP %d)", resp.StatusCode)
			return false
		}
		printStatus(label, "running on port %d", port)
		return true
	}

	serverUp := probe("Server", cfg.Server.Port)
	agentUp := probe("Agent", cfg.Server.AgentPort)

	if serverUp {
		if client, err := newServerClient(); err == nil {
			var providers []vision.Info
			if err := client.getJSON(ctx, "/providers", &providers); err == nil {
				available := 0
				for _, p := range providers {
					if p.Available {
						available++
					}
				}
				printStatus("Providers", "%d of %d available", available, len(providers))
			}
			var analyses []storage.Analysis
			if err := client.getJSON(ctx, "/analyses?limit=100", &analyses); err == nil {
				printStatus("Analyses", "%s", countLabel(len(analyses), 100))
			}
		}
	}

	if agentUp {
		if client, err := newAgentClient(); err == nil {
			var st syncer.Status
			if err := client.getJSON(ctx, "/sync/status", &st); err == nil {
				printStatus("Network", "%s", onlineLabel(st.Online))
				printStatus("Sync", "%s", st.State)
				printStatus("Queue", "%d pending, %d failed, %d scheduled", st.Pending, st.Failed, st.Scheduled)
				if st.LastSyncAt != nil {
					printStatus("Last sync", "%s", st.LastSyncAt.Local().Format(time.RFC3339))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func onlineLabel(online bool) string {
	if online {
		return colorize(colorGreen, "online")
	}
	return colorize(colorYellow, "offline")
}
