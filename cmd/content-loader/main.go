// Command content-loader serves site resources through a two-tier cache.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/content-loader/backend"
	"github.com/wolfeidau/content-loader/cache"
	"github.com/wolfeidau/content-loader/config"
	"github.com/wolfeidau/content-loader/loader"
	"github.com/wolfeidau/content-loader/server"
	"github.com/wolfeidau/content-loader/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Config    string `help:"Path to the YAML config file." type:"existingfile" env:"CONTENT_LOADER_CONFIG"`
	LogLevel  string `help:"Log level override (debug, info, warn, error)."`
	LogFormat string `help:"Log format override (text, json)."`
}

type CLI struct {
	Globals

	Serve   ServeCmd         `cmd:"" help:"Run the HTTP service."`
	Get     GetCmd           `cmd:"" help:"Load one resource through the cache and print it."`
	Clear   ClearCmd         `cmd:"" help:"Remove every cached entry in the configured namespace."`
	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("content-loader"),
		kong.Description("Cache-first loader for static site resources."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// ServeCmd runs the HTTP service.
type ServeCmd struct {
	Address  string `help:"Address to listen on; overrides the config file."`
	Upstream string `help:"Upstream base URL or directory; overrides the config file."`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	if c.Address != "" {
		cfg.Address = c.Address
	}
	if c.Upstream != "" {
		cfg.Upstream = c.Upstream
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "content-loader",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("flushing metrics failed", "error", err)
		}
	}()

	l, closeStore, err := openLoader(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	srv, err := server.New(server.Config{
		Address:   cfg.Address,
		Loader:    l,
		AuthToken: cfg.AuthToken,
		Logger:    logger.With("component", "server"),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"upstream", cfg.Upstream,
		"store", cfg.Cache.Store,
		"content_url", fmt.Sprintf("http://localhost%s/content/", srv.Address()),
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// GetCmd loads a single resource.
type GetCmd struct {
	Key      string `arg:"" help:"Resource key, e.g. data/projects.json."`
	Raw      bool   `help:"Load as raw text instead of guessing from the extension."`
	JSON     bool   `name:"json" help:"Load as structured JSON instead of guessing from the extension."`
	Upstream string `help:"Upstream base URL or directory; overrides the config file."`
}

func (c *GetCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	if c.Upstream != "" {
		cfg.Upstream = c.Upstream
	}

	ctx := context.Background()
	l, closeStore, err := openLoader(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	mode := loader.ModeForKey(c.Key)
	switch {
	case c.Raw:
		mode = loader.ModeRaw
	case c.JSON:
		mode = loader.ModeStructured
	}

	return printValue(os.Stdout, c.Key, l.Load(ctx, c.Key, mode))
}

func printValue(w io.Writer, key string, v any) error {
	if v == nil {
		return fmt.Errorf("resource %q could not be loaded", key)
	}
	if s, ok := v.(string); ok {
		_, err := fmt.Fprint(w, s)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ClearCmd empties the configured persistent store namespace.
type ClearCmd struct{}

func (c *ClearCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := backend.Open(ctx, cfg.StoreConfig(logger.With("component", "backend")))
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close(store) }()

	cc := cache.New(store, append(cfg.CacheOptions(), cache.WithLogger(logger.With("component", "cache")))...)
	cc.ClearAll(ctx)
	return nil
}

// load reads the config file, applies flag overrides and builds the logger.
func (g *Globals) load() (config.Config, *slog.Logger, error) {
	cfg := config.Default()
	if g.Config != "" {
		loaded, err := config.Load(g.Config)
		if err != nil {
			return cfg, nil, err
		}
		cfg = loaded
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(os.Stderr, cfg.Log)
	if err != nil {
		return cfg, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(w io.Writer, lc config.LogConfig) (*slog.Logger, error) {
	level, err := lc.SlogLevel()
	if err != nil {
		return nil, err
	}

	var handler slog.Handler
	switch lc.Format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", lc.Format)
	}
	return slog.New(handler), nil
}

func newTransport(cfg config.Config) (loader.Transport, error) {
	switch {
	case cfg.Upstream == "":
		return nil, errors.New("no upstream configured")
	case cfg.IsRemote():
		return loader.NewHTTPTransport(
			loader.WithBaseURL(cfg.Upstream),
			loader.WithUserAgent("content-loader/"+version),
		), nil
	default:
		info, err := os.Stat(cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("upstream directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("upstream %s is not a directory", cfg.Upstream)
		}
		return loader.NewFSTransport(os.DirFS(cfg.Upstream)), nil
	}
}

// openLoader wires store, cache, transport and loader. The returned func closes the store.
func openLoader(ctx context.Context, cfg config.Config, logger *slog.Logger) (*loader.Loader, func(), error) {
	transport, err := newTransport(cfg)
	if err != nil {
		return nil, nil, err
	}

	store, err := backend.Open(ctx, cfg.StoreConfig(logger.With("component", "backend")))
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := backend.Close(store); err != nil {
			logger.Warn("closing store failed", "error", err)
		}
	}

	c := cache.New(store, append(cfg.CacheOptions(), cache.WithLogger(logger.With("component", "cache")))...)

	opts := []loader.Option{loader.WithLogger(logger.With("component", "loader"))}
	if cfg.Dedup {
		opts = append(opts, loader.WithDeduplication())
	}
	return loader.New(c, transport, opts...), closeStore, nil
}
