//go:build linux

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pior/memcache-binary/internal/env"
	"github.com/pior/memcache-binary/internal/meta"
	"github.com/pior/memcache-binary/server"
	"github.com/pior/memcache-binary/storage"
)

func runServe(cmd *cobra.Command, args []string) (err error) {
	ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer signalStop()

	conf, err := env.LoadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, conf)

	log, err := env.MakeLogger(conf.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	fileLimit, err := setFileLimit()
	if err != nil {
		return err
	}
	log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

	store := storage.New(storage.Options{MaxItemSize: conf.MaxItemSize})
	if conf.SnapshotPath != "" {
		n, err := store.LoadFile(conf.SnapshotPath)
		if err != nil {
			return err
		}
		log.Info("Loaded snapshot", zap.String("path", conf.SnapshotPath), zap.Int("items", n))
	}

	srv := server.New(server.Options{
		Host:          conf.Host,
		Port:          conf.Port,
		Reuseport:     conf.Reuseport,
		NumLoops:      conf.Loops,
		Pedantic:      conf.Pedantic,
		MaxConns:      conf.MaxConns,
		IdleTimeout:   conf.IdleTimeout,
		ReapInterval:  conf.ReapInterval,
		MaxBodyLength: uint32(conf.MaxItemSize) + 1024,
		Version:       meta.Version,
		Store:         store,
		Log:           log.Named("server"),
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}

	var admin *http.Server
	if conf.HTTPPort > 0 {
		admin = &http.Server{
			Addr:    net.JoinHostPort(conf.Host, strconv.Itoa(conf.HTTPPort)),
			Handler: server.NewAdminRouter(srv.Handlers(), conf.DebugHTTP, log.Named("http")),
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()
	}

	log.Info("Listening",
		zap.Any("config", conf),
		zap.Stringer("addr", srv.Addr()))

	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	signalStop()
	log.Info("Shutting down gracefully, press Ctrl+C again to force")

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		admin.SetKeepAlivesEnabled(false)
		if serr := admin.Shutdown(shutdownCtx); serr != nil {
			err = multierr.Append(err, serr)
		}
	}

	err = multierr.Append(err, srv.Close())

	if conf.SnapshotPath != "" {
		if serr := store.SaveFile(conf.SnapshotPath); serr != nil {
			err = multierr.Append(err, serr)
		} else {
			log.Info("Saved snapshot", zap.String("path", conf.SnapshotPath), zap.Int("items", store.Len()))
		}
	}

	log.Info("Exiting")
	return err
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
