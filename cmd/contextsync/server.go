package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

	"github.com/kalambet/contextsync/internal/api"
	"github.com/kalambet/contextsync/internal/composer"
	"github.com/kalambet/contextsync/internal/config"
	"github.com/kalambet/contextsync/internal/embedding"
	"github.com/kalambet/contextsync/internal/ingest"
	"github.com/kalambet/contextsync/internal/ollama"
	"github.com/kalambet/contextsync/internal/provider"
	"github.com/kalambet/contextsync/internal/provider/google"
	"github.com/kalambet/contextsync/internal/provider/hubspot"
	"github.com/kalambet/contextsync/internal/reactor"
	"github.com/kalambet/contextsync/internal/retrieval"
	"github.com/kalambet/contextsync/internal/scheduler"
	"github.com/kalambet/contextsync/internal/storage"
)

const defaultOllamaURL = "http://localhost:11434"

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the contextsync server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running contextsync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, polling and store status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp-stdio", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "contextsync.pid")
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

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "contextsync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	if _, err := config.EnsureAPIToken(&cfg); err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(cfg.Server.URL() + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("contextsync is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("contextsync is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	gateway := embedding.NewGateway(newEmbeddingProvider(ctx, cfg.Embedding), embedding.Options{
		MinInterval: cfg.Embedding.MinInterval,
		Cooldown:    cfg.Embedding.Cooldown,
	})

	creds := ingest.NewCredentials(store)
	googleRefresher := refresherFor(cfg.Google.ClientID, func() provider.Refresher {
		return google.NewRefresher(cfg.Google.ClientID, cfg.Google.ClientSecret)
	})
	hubspotRefresher := refresherFor(cfg.HubSpot.ClientID, func() provider.Refresher {
		return hubspot.NewRefresher(cfg.HubSpot.ClientID, cfg.HubSpot.ClientSecret, "")
	})
	pipelines := []scheduler.Ingester{
		ingest.NewPipeline(ingest.NewMailSource(google.NewMail(), cfg.Polling.MailLimit), store, gateway, creds, googleRefresher),
		ingest.NewPipeline(ingest.NewCalendarSource(google.NewCalendar()), store, gateway, creds, googleRefresher),
		ingest.NewPipeline(ingest.NewCRMSource(hubspot.New(cfg.HubSpot.BaseURL), cfg.Polling.CRMLimit), store, gateway, creds, hubspotRefresher),
	}

	poller := scheduler.New(pipelines, creds, store, map[ingest.Kind]time.Duration{
		ingest.KindMail:     cfg.Polling.MailInterval,
		ingest.KindCalendar: cfg.Polling.CalendarInterval,
		ingest.KindCRM:      cfg.Polling.CRMInterval,
	})
	poller.Start(ctx)
	defer poller.Stop()
	if err := poller.Resume(ctx, store); err != nil {
		slog.Warn("could not resume polling", "error", err)
	}

	react := reactor.New(store, cfg.Reactor.Interval, cfg.Reactor.BatchSize)
	go react.Run(ctx)

	retriever := retrieval.NewRetriever(gateway, retrieval.NewSQLiteIndex(store.DB()), store)
	comp := composer.New(cfg.Retrieval.MaxContextTokens, 0)

	handler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Poller:    poller,
		Reactor:   react,
		Retriever: retriever,
		Composer:  comp,
		Gateway:   gateway,
		Token:     cfg.API.Token,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Retriever:   retriever,
			Composer:    comp,
			DefaultUser: cfg.Retrieval.DefaultUser,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "contextsync listening on %s\n", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newEmbeddingProvider returns nil when embeddings are disabled or openai
// has no key. An Ollama that is down at startup still yields a provider; the
// gateway suspends it on the first failure.
func newEmbeddingProvider(ctx context.Context, cfg config.EmbeddingConfig) embedding.Provider {
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" {
			return nil
		}
		return embedding.NewOpenAIProvider(cfg.BaseURL, cfg.APIKey, cfg.Model)
	case "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultOllamaURL
		}
		model := cfg.Model
		if model == "" {
			model = embedding.DefaultOllamaModel
		}
		client := ollama.New(baseURL)
		if err := ollama.EnsureReady(ctx, client, model, os.Stderr); err != nil {
			slog.Warn("embeddings unavailable, search falls back to keyword matching", "error", err)
		}
		return embedding.NewOllamaProvider(client, model)
	}
	return nil
}

// refresherFor returns nil when no OAuth client is configured, so expired
// tokens surface as auth errors instead of failed refresh calls.
func refresherFor(clientID string, build func() provider.Refresher) provider.Refresher {
	if clientID == "" {
		return nil
	}
	return build()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("contextsync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop contextsync (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to contextsync (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	resp, err := (&http.Client{Timeout: 2 * time.Second}).Get(cfg.Server.URL() + "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	path, err := client.userPath("/status")
	if err != nil {
		// No user selected: server-level status only.
		return nil
	}
	st, err := fetchStatus(ctx, client, path)
	if err != nil {
		return err
	}
	printUserStatus(st)
	return nil
}

func fetchStatus(ctx context.Context, client *apiClient, path string) (api.StatusResponse, error) {
	var st api.StatusResponse
	resp, err := client.get(ctx, path)
	if err != nil {
		return st, err
	}
	err = decodeJSON(resp, &st)
	return st, err
}

func printUserStatus(st api.StatusResponse) {
	printStatus("User", "%s", st.User)
	for _, t := range storage.AllSourceTypes {
		printStatus(strings.ToLower(string(t))+" records", "%d", st.Records[t])
	}
	for _, p := range st.Polling {
		state := "stopped"
		if p.Running {
			state = "polling every " + p.Interval
		}
		printStatus(string(p.Source), "%s", state)
	}
	printStatus("Pending events", "%d", st.PendingEvents)
	if e := st.Embedding; e != nil {
		state := "available"
		if !e.Available {
			state = "unavailable"
			if e.Reason != "" {
				state += " (" + e.Reason + ")"
			}
		}
		printStatus("Embeddings", "%s, %s", e.Provider, state)
	}
}
