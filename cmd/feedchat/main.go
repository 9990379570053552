package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/feedchat/internal/api"
	"github.com/alexjbarnes/feedchat/internal/auth"
	"github.com/alexjbarnes/feedchat/internal/chat"
	"github.com/alexjbarnes/feedchat/internal/config"
	"github.com/alexjbarnes/feedchat/internal/logging"
	"github.com/alexjbarnes/feedchat/internal/mcpserver"
	"github.com/alexjbarnes/feedchat/internal/models"
	"github.com/alexjbarnes/feedchat/internal/server"
	"github.com/alexjbarnes/feedchat/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

// errSessionEnded stops the errgroup when the chat session logs out on
// its own (expired credential, rejected token, /logout).
var errSessionEnded = errors.New("session ended")

const logoutTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("feedchat starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIURL),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client := api.NewClient(cfg.APIURL, nil)

	token, user, err := authenticate(ctx, client, cfg, appState, logger)
	if err != nil {
		return err
	}

	term := newTerminal(os.Stdout, user.ID)
	if peers, err := appState.AllPeers(); err == nil {
		for _, p := range peers {
			term.remember(p)
		}
	}

	session, err := chat.Start(ctx, chat.Config{
		Identity:        user.ID,
		Credential:      token,
		URL:             cfg.WSURL,
		History:         client.WithToken(token),
		Notifier:        term,
		TypingDebounce:  cfg.TypingDebounce,
		ReconnectMin:    cfg.ReconnectMin,
		ReconnectMax:    cfg.ReconnectMax,
		SnapshotTimeout: cfg.SnapshotTimeout,
		NotifySound:     cfg.NotifySound,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("starting chat session: %w", err)
	}

	if _, err := session.Subscribe(ctx, term.render); err != nil {
		return fmt.Errorf("subscribing to session updates: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r := &repl{session: session, state: appState, term: term, logger: logger, stayOnEOF: cfg.EnableMCP}
		return r.run(gctx, os.Stdin)
	})

	g.Go(func() error {
		select {
		case <-session.Done():
			return errSessionEnded
		case <-gctx.Done():
			return nil
		}
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, session, logger)
		})
	}

	err = g.Wait()

	logoutCtx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()

	if logoutErr := session.Logout(logoutCtx); logoutErr != nil {
		logger.Warn("logout incomplete", slog.String("error", logoutErr.Error()))
	}

	if errors.Is(err, errSessionEnded) || errors.Is(err, errQuit) {
		return nil
	}

	return err
}

// runMCP serves the chat tools over streamable HTTP, guarded by API keys.
func runMCP(ctx context.Context, cfg *config.Config, session *chat.Session, logger *slog.Logger) error {
	entries, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	keys := make(map[string]string, len(entries))
	for _, e := range entries {
		keys[e.Name] = e.Key
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "feedchat", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, session)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Keys:       auth.NewKeyStore(keys),
		MCPHandler: mcpHandler,
		Logger:     mcpLogger,
	})

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", len(keys)),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

// authenticate resolves a token and the user it belongs to: the cached
// token if the backend still accepts it, then FEEDCHAT_TOKEN, then a
// fresh login.
func authenticate(ctx context.Context, client *api.Client, cfg *config.Config, appState *state.State, logger *slog.Logger) (string, models.User, error) {
	if token := appState.Token(); token != "" {
		logger.Debug("trying cached token")

		if user, err := verifyToken(ctx, client, token); err == nil {
			logger.Info("authenticated with cached token", slog.String("user", user.ID))
			return token, *user, nil
		} else if api.IsTransient(err) {
			return "", models.User{}, fmt.Errorf("checking cached token: %w", err)
		}

		logger.Debug("cached token rejected, signing in fresh")
	}

	if cfg.Token != "" {
		user, err := verifyToken(ctx, client, cfg.Token)
		if err != nil {
			return "", models.User{}, fmt.Errorf("checking FEEDCHAT_TOKEN: %w", err)
		}

		saveLogin(appState, cfg.Token, *user, logger)

		return cfg.Token, *user, nil
	}

	logger.Info("signing in", slog.String("email", cfg.Email))

	resp, err := client.Login(ctx, cfg.Email, cfg.Password)
	if err != nil {
		return "", models.User{}, err
	}

	logger.Info("signed in", slog.String("name", resp.User.Name), slog.String("user", resp.User.ID))
	saveLogin(appState, resp.Token, resp.User, logger)

	return resp.Token, resp.User, nil
}

// verifyToken rejects an expired JWT locally and asks the backend
// about anything else.
func verifyToken(ctx context.Context, client *api.Client, token string) (*models.User, error) {
	cred, err := auth.ParseCredential(token)
	if err != nil {
		return nil, err
	}

	if cred.Expired(time.Now()) {
		return nil, fmt.Errorf("token expired at %s", cred.ExpiresAt.Format(time.RFC3339))
	}

	return client.Me(ctx, token)
}

func saveLogin(appState *state.State, token string, user models.User, logger *slog.Logger) {
	if err := appState.SetToken(token); err != nil {
		logger.Warn("failed to save token", slog.String("error", err.Error()))
	}

	if err := appState.SetUser(user); err != nil {
		logger.Warn("failed to save user", slog.String("error", err.Error()))
	}
}
