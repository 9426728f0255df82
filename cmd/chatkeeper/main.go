// Command chatkeeper serves long-running model conversations over HTTP, or
// runs a single conversation as a terminal REPL with --chat.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"github.com/youssefsiam38/chatkeeper"
	"github.com/youssefsiam38/chatkeeper/config"
	"github.com/youssefsiam38/chatkeeper/driver/databasesql"
	"github.com/youssefsiam38/chatkeeper/driver/pgxv5"
	"github.com/youssefsiam38/chatkeeper/hooks"
	"github.com/youssefsiam38/chatkeeper/httpapi"
	"github.com/youssefsiam38/chatkeeper/maintenance"
	"github.com/youssefsiam38/chatkeeper/provider/anthropic"
	"github.com/youssefsiam38/chatkeeper/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		writeConfig string
		chatID      string
		addr        string
		logLevel    string
	)

	flagSet := pflag.NewFlagSet("chatkeeper", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a TOML configuration file")
	flagSet.StringVar(&writeConfig, "write-config", "", "write the effective configuration to this path and exit")
	flagSet.StringVar(&chatID, "chat", "", "run an interactive session for this chat ID instead of the HTTP server")
	flagSet.StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error (overrides log.level)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	if writeConfig != "" {
		if err := config.Save(writeConfig, cfg); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s\n", writeConfig)
		return nil
	}

	logger, err := newLogger(cfg.Log, chatID != "")
	if err != nil {
		return err
	}
	if cfg.Model.APIKey == "" {
		return fmt.Errorf("%s is required", config.EnvAPIKey)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close backend", "error", err)
		}
	}()

	reg, err := newRegistry(cfg, backend, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := reg.Close(closeCtx); err != nil {
			logger.Error("failed to close registry", "error", err)
		}
	}()

	if chatID != "" {
		return repl(ctx, reg, chatID, os.Stdin, os.Stdout)
	}

	if cfg.Runner.IdleTimeout > 0 {
		sweeper := maintenance.NewSweeper(reg, &maintenance.SweeperConfig{
			IdleTimeout: cfg.Runner.IdleTimeout,
			OnEvict: func(count int) {
				logger.Info("unloaded idle chats", "count", count)
			},
		})
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer func() {
			_ = sweeper.Stop(context.Background())
		}()
	}
	return serve(ctx, cfg.Server, reg, logger)
}

func newLogger(cfg config.LogConfig, interactive bool) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	// Keep the terminal readable in REPL mode.
	if interactive && level < slog.LevelWarn {
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

type pgxBackend struct {
	*pgxv5.Backend
}

func (b pgxBackend) Close() error {
	b.Pool().Close()
	return nil
}

func openBackend(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemoryBackend(), nil

	case config.BackendFile:
		return storage.NewFileBackend(cfg.Dir, logger)

	case config.BackendSQLite:
		return databasesql.Open(ctx, databasesql.DialectSQLite, cfg.DSN)

	case config.BackendPostgres:
		return databasesql.Open(ctx, databasesql.DialectPostgres, cfg.DSN)

	case config.BackendPgx:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		backend := pgxv5.New(pool)
		if err := backend.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pgxBackend{backend}, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

func newRegistry(cfg *config.Config, backend storage.Backend, logger *slog.Logger) (*chatkeeper.Registry, error) {
	model := anthropic.New(anthropic.Config{
		APIKey:    cfg.Model.APIKey,
		BaseURL:   cfg.Model.BaseURL,
		Model:     cfg.Model.Name,
		MaxTokens: cfg.Model.MaxTokens,
	})

	h := hooks.NewRegistry()
	hooks.NewLoggingHooks(logger).Register(h)

	opts := []chatkeeper.Option{
		chatkeeper.WithLogger(logger),
		chatkeeper.WithHooks(h),
		chatkeeper.WithMaxTokens(cfg.Model.MaxTokens),
		chatkeeper.WithTurnTimeout(cfg.Runner.TurnTimeout),
		chatkeeper.WithToolTimeout(cfg.Runner.ToolTimeout),
		chatkeeper.WithMaxToolIterations(cfg.Runner.MaxToolIterations),
		chatkeeper.WithCompaction(cfg.Compaction),
		chatkeeper.WithTools(builtinTools()...),
	}
	if len(cfg.Runner.OverflowPatterns) > 0 {
		opts = append(opts, chatkeeper.WithExtraOverflowPatterns(cfg.Runner.OverflowPatterns...))
	}
	if cfg.Runner.RecoveryNote != "" {
		opts = append(opts, chatkeeper.WithRecoveryNote(cfg.Runner.RecoveryNote))
	}

	return chatkeeper.NewRegistry(chatkeeper.Config{
		Backend:      backend,
		Model:        model,
		ModelName:    cfg.Model.Name,
		SystemPrompt: cfg.Model.SystemPrompt,
	}, opts...)
}

func serve(ctx context.Context, cfg config.ServerConfig, reg *chatkeeper.Registry, logger *slog.Logger) error {
	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewRouter(reg, &httpapi.Config{
			PromptTimeout: cfg.PromptTimeout,
			Logger:        logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// repl reads one prompt per line from in and writes each reply to out.
// "/stats" prints the chat's statistics instead of prompting.
func repl(ctx context.Context, reg *chatkeeper.Registry, chatID string, in io.Reader, out io.Writer) error {
	runner, err := reg.Runner(ctx, chatID)
	if err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64<<10), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprint(out, "> ")
	for {
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
		case "/stats":
			data, _ := json.MarshalIndent(runner.Snapshot(), "", "  ")
			fmt.Fprintln(out, string(data))
		default:
			reply, err := reg.Prompt(ctx, chatID, line)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(out, "error: %v\n", err)
			} else {
				fmt.Fprintln(out, reply)
			}
		}
		fmt.Fprint(out, "> ")
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `chatkeeper keeps long-running model conversations within the context window.

By default it serves the HTTP API on server.addr. With --chat it runs one
conversation interactively on the terminal, persisted like any other chat.

The API key is read from %s.

Usage:
  chatkeeper [flags]

Examples:
  # Serve with defaults (JSONL sessions in ./sessions)
  chatkeeper

  # Serve with a configuration file
  chatkeeper --config chatkeeper.toml

  # Chat on the terminal
  chatkeeper --chat me

  # Write a starting configuration file
  chatkeeper --write-config chatkeeper.toml

Flags:
`, config.EnvAPIKey)
	flagSet.PrintDefaults()
}
