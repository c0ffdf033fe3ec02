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
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/telelink/internal/config"
	"github.com/rickgao/telelink/internal/connection"
	"github.com/rickgao/telelink/internal/telegram"
	"github.com/rickgao/telelink/internal/version"
)

func main() {
	args := argparse.NewParser("loopback", "Test peer: echoes items and answers control requests")
	configPath := args.String("c", "config", &argparse.Options{Required: false, Help: "Path to config file",
		Default: ""})
	listen := args.String("l", "listen", &argparse.Options{Required: false, Help: "TCP listen address (overrides link.listen)"})
	wsListen := args.String("w", "websocket", &argparse.Options{Required: false, Help: "Also accept WebSocket streams on this address"})

	if err := args.Parse(os.Args); err != nil {
		fmt.Print(args.Usage(err))
		os.Exit(1)
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Link.Listen = *listen
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting loopback",
		"build", version.Get(),
		"listen", cfg.Link.Listen,
		"websocket", *wsListen,
	)

	if err := run(cfg, *wsListen, logger); err != nil {
		logger.Error("loopback failed", "error", err)
		os.Exit(1)
	}
	logger.Info("loopback stopped")
}

func run(cfg *config.Config, wsListen string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l, err := connection.Listen(ctx, cfg.Link.Listen, cfg.Link.MPTCP)
	if err != nil {
		return err
	}
	l.DSCP = cfg.Link.DSCP
	l.Logger = logger

	registry := telegram.NewRegistry(cfg.Limits())
	live := newPeers()
	serve := func(stream connection.Stream, remote string) {
		plog := logger.With("remote", remote, "peer", uuid.NewString()[:8])
		p := newPeer(cfg.Engine(), registry, plog, live.remove)
		live.add(p)
		if err := p.engine.Attach(stream); err != nil {
			plog.Error("attach failed", "error", err)
			stream.Close()
			live.remove(p)
			return
		}
		plog.Info("stream attached")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			stream, err := l.AcceptStream()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			serve(stream, stream.(net.Conn).RemoteAddr().String())
		}
	})

	var wsServer *http.Server
	if wsListen != "" {
		upgrader := websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		}
		wsServer = &http.Server{
			Addr: wsListen,
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				conn, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					logger.Warn("upgrade failed", "error", err)
					return
				}
				serve(connection.NewWebSocketStream(conn, cfg.Link.WriteTimeout), r.RemoteAddr)
			}),
		}
		g.Go(func() error {
			if err := wsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("websocket server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		l.Close()
		if wsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			wsServer.Shutdown(shutdownCtx)
		}
		live.closeAll("shutdown")
		return nil
	})

	return g.Wait()
}
