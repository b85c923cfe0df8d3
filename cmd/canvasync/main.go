// Command canvasync runs the editor host: it opens preview surfaces in a
// browser, keeps the editor state in sync with them, and serves the state
// over HTTP and MCP.
//
// Usage:
//
//	canvasync -config canvasync.yaml                     # surfaces from YAML config
//	canvasync -url http://localhost:3000 -http :7070     # one surface, defaults otherwise
//	canvasync -hash-token <token>                         # print a value for http.token_hash
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/canvasync/editor"
	"github.com/hazyhaar/canvasync/shield"
)

func main() {
	configPath := flag.String("config", "", "path to canvasync.yaml config file")
	surfaceURL := flag.String("url", "", "open one more preview surface at this URL")
	httpAddr := flag.String("http", "", "HTTP listen address (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	hashToken := flag.String("hash-token", "", "print the bcrypt hash of an API token and exit")
	flag.Parse()

	if *hashToken != "" {
		h, err := shield.HashToken(*hashToken)
		if err != nil {
			fmt.Fprintln(os.Stderr, "canvasync:", err)
			os.Exit(1)
		}
		fmt.Println(h)
		return
	}

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *surfaceURL, *httpAddr); err != nil {
		logger.Error("canvasync: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, surfaceURL, httpAddr string) error {
	if configPath == "" && surfaceURL == "" {
		fmt.Fprintln(os.Stderr, "usage: canvasync -config <file> | -url <url> [-http addr]")
		os.Exit(2)
	}

	cfg := editor.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = editor.LoadConfigFile(configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if surfaceURL != "" {
		cfg.Surfaces = append(cfg.Surfaces, editor.SurfaceConfig{
			ID:  fmt.Sprintf("surface-%d", len(cfg.Surfaces)+1),
			URL: surfaceURL,
		})
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	return editor.NewDaemon(cfg, logger).Run(ctx)
}
