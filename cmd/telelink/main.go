package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/telelink/internal/config"
	"github.com/rickgao/telelink/internal/connection"
	"github.com/rickgao/telelink/internal/database"
	"github.com/rickgao/telelink/internal/recorder"
	"github.com/rickgao/telelink/internal/telegram"
	"github.com/rickgao/telelink/internal/version"
)

func main() {
	args := argparse.NewParser("telelink", "Telegram link client: sends stdin lines as items to a peer")
	configPath := args.String("c", "config", &argparse.Options{Required: false, Help: "Path to config file",
		Default: ""})
	address := args.String("a", "address", &argparse.Options{Required: false, Help: "Peer address (overrides link.address)"})
	priority := args.Int("p", "priority", &argparse.Options{Required: false, Help: "Priority of items read from stdin",
		Default: telegram.PriorityData})

	if err := args.Parse(os.Args); err != nil {
		fmt.Print(args.Usage(err))
		os.Exit(1)
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *address != "" {
		cfg.Link.Address = *address
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting telelink",
		"build", version.Get(),
		"address", cfg.Link.Address,
	)

	if err := run(cfg, *priority, logger); err != nil {
		logger.Error("telelink failed", "error", err)
		os.Exit(1)
	}
	logger.Info("telelink stopped")
}

func run(cfg *config.Config, priority int, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer, addr, err := cfg.Dialer(logger)
	if err != nil {
		return fmt.Errorf("link.address: %w", err)
	}
	ec := cfg.Engine()
	ec.Dialer = dialer
	engine := connection.NewEngine(ec, telegram.NewRegistry(cfg.Limits()), logger)

	var (
		handler connection.Handler = logHandler(logger)
		rec     *recorder.Recorder
		pool    *pgxpool.Pool
	)
	if cfg.Recorder.Enabled {
		db := cfg.Recorder.Database
		logger.Info("connecting to database",
			"host", db.Host,
			"port", db.Port,
			"database", db.Name,
		)
		pool, err = database.Connect(ctx, db)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		rec = recorder.New(cfg.RecorderConfig(), pool, engine.Session, logger)
		if err := rec.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			rec.Stop(stopCtx)
		}()
		handler = rec
	}

	sup := newSupervisor(engine, addr, cfg.Reconnect, handler, logger)
	if err := engine.SetHandler(sup); err != nil {
		return err
	}

	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: newHealthHandler(engine, rec, pool),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		// End of input shuts the link down once the queue has drained.
		defer stop()
		select {
		case <-sup.ready:
		case <-gctx.Done():
			return nil
		}
		return pump(gctx, engine, readLines(os.Stdin), priority, logger)
	})
	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// sender is the part of the engine the stdin pump uses.
type sender interface {
	SendItem(ctx context.Context, payload []byte, priority int) (uint64, error)
}

// pump sends each line as one item. Lines read while the link is down are
// dropped. It returns when lines is closed or ctx is done.
func pump(ctx context.Context, s sender, lines <-chan []byte, priority int, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				logger.Info("input closed")
				return nil
			}
			if len(line) == 0 {
				continue
			}
			item, err := s.SendItem(ctx, line, priority)
			switch {
			case errors.Is(err, connection.ErrNotConnected):
				logger.Warn("not connected, dropping line", "size", len(line))
			case err != nil:
				return fmt.Errorf("send item: %w", err)
			default:
				logger.Debug("queued item", "item", item, "size", len(line))
			}
		}
	}
}

// readLines feeds lines from f until EOF. The reader goroutine is left
// blocked on shutdown; the process is exiting.
func readLines(f *os.File) <-chan []byte {
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
		for sc.Scan() {
			lines <- append([]byte(nil), sc.Bytes()...)
		}
	}()
	return lines
}

func logHandler(logger *slog.Logger) connection.Handler {
	return connection.HandlerFuncs{
		Telegram: func(t telegram.Telegram) {
			switch v := t.(type) {
			case *telegram.Fragment:
				logger.Info("item received", "stream", v.Stream, "item", v.Item, "size", len(v.Payload))
			case *telegram.Reply:
				logger.Info("reply received", "request_id", v.RequestID, "status", v.Status)
			default:
				logger.Debug("telegram received", "type", t.Type())
			}
		},
		Disconnected: func(isError bool, message string) {
			logger.Info("disconnected", "error", isError, "message", message)
		},
	}
}
