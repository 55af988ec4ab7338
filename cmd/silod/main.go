package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"silo3/internal/bufpool"
	"silo3/internal/config"
	"silo3/internal/meta"
	"silo3/internal/s3api"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

func Run(ctx context.Context) int {
	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.InfoLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    false,
	})
	slog.SetDefault(slog.New(handler))

	cfg := config.Load()

	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		slog.Error("cannot create data root", "data_root", cfg.DataRoot, "err", err)
		return 1
	}

	store := meta.New()
	if err := store.Load(cfg.DataRoot); err != nil {
		slog.Error("metadata load failed", "data_root", cfg.DataRoot, "err", err)
		return 1
	}
	store.EnsureRootUser(cfg.AccessKey, cfg.SecretKey)
	if err := store.LoadUserDat(); err != nil {
		slog.Error("user.dat load failed", "err", err)
		return 1
	}
	if !store.Save() {
		slog.Error("initial metadata snapshot failed", "err", store.LastSaveError())
		return 1
	}

	pool := bufpool.New(cfg.BufferPayloadSize, cfg.BufferCount)

	addr := net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(int(cfg.ListenPort)))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("listen failed", "addr", addr, "err", err)
		return 1
	}

	srv := &s3api.Server{
		Pool:        pool,
		Meta:        store,
		DataRoot:    cfg.DataRoot,
		AdminKey:    cfg.AccessKey,
		AdminSecret: cfg.SecretKey,
	}

	slog.Info("s3 server listening", "addr", addr, "data_root", cfg.DataRoot,
		"buffer_payload_size", cfg.BufferPayloadSize, "buffer_count", cfg.BufferCount)

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-ctx.Done()
		listener.Close()
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	eg.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Warn("accept failed", "err", err)
				continue
			}
			go srv.HandleConn(conn)
		}
	})

	if err := eg.Wait(); err != nil {
		slog.Error("server exited with error", "err", err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(Run(ctx))
}
