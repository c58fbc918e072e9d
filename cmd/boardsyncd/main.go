// Command boardsyncd runs the relay: the shared per-room board document store
// that boardsync clients write to and subscribe to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/boardsync/dbopen"
	"github.com/hazyhaar/boardsync/relay"
)

type daemonConfig struct {
	addr        string
	dbPath      string
	logLevel    string
	mcp         string
	maxBody     int64
	writeLimit  int
	writeWindow time.Duration
}

func parseFlags(args []string) (daemonConfig, error) {
	var c daemonConfig
	fs := flag.NewFlagSet("boardsyncd", flag.ContinueOnError)
	fs.StringVar(&c.addr, "addr", ":8480", "listen address")
	fs.StringVar(&c.dbPath, "db", "data/relay.db", "SQLite database path")
	fs.StringVar(&c.logLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&c.mcp, "mcp", "", `serve MCP tools over "stdio"`)
	fs.Int64Var(&c.maxBody, "max-body", relay.DefaultMaxBody, "maximum document size in bytes")
	fs.IntVar(&c.writeLimit, "write-limit", 20, "writes per window per client, 0 disables")
	fs.DurationVar(&c.writeWindow, "write-window", time.Second, "write limit window")
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	if c.mcp != "" && c.mcp != "stdio" {
		return c, fmt.Errorf("unsupported -mcp transport %q", c.mcp)
	}
	return c, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	// stdout belongs to MCP when -mcp stdio is set.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.logLevel)}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, cfg, nil); err != nil {
		logger.Error("boardsyncd: fatal", "error", err)
		os.Exit(1)
	}
}

// run serves until ctx is done. ready, when set, receives the bound address.
func run(ctx context.Context, logger *slog.Logger, cfg daemonConfig, ready chan<- string) error {
	db, err := dbopen.Open(cfg.dbPath, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	srv, err := relay.New(db,
		relay.WithLogger(logger),
		relay.WithMaxBody(cfg.maxBody),
		relay.WithWriteLimit(cfg.writeLimit, cfg.writeWindow))
	if err != nil {
		return err
	}
	defer srv.Close()

	ln, err := net.Listen("tcp", cfg.addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("boardsyncd: listening", "addr", ln.Addr().String(), "db", cfg.dbPath)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if cfg.mcp == "stdio" {
		g.Go(func() error {
			m := mcp.NewServer(&mcp.Implementation{Name: "boardsyncd", Version: "1.0.0"}, nil)
			srv.RegisterMCP(m)
			logger.Info("boardsyncd: MCP on stdio")
			if err := m.Run(gctx, &mcp.StdioTransport{}); err != nil && gctx.Err() == nil {
				return fmt.Errorf("mcp: %w", err)
			}
			return nil
		})
	}

	if ready != nil {
		ready <- ln.Addr().String()
	}
	err = g.Wait()
	logger.Info("boardsyncd: stopped")
	return err
}
