package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"offline0/internal/offline"
)

var cmdServe = &cobra.Command{
	Use:   "serve",
	Short: "Install the configured version and serve",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	cmdRoot.AddCommand(cmdServe)
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	storage, err := offline.NewStorage(cfg)
	if err != nil {
		return errors.Wrap(err, "init storage")
	}
	defer storage.Close()

	srv := offline.NewServer(cfg, storage, nil)
	defer srv.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Without an active version requests are passed through.
	startCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	if err := srv.Start(startCtx); err != nil {
		log.WithError(err).Error("install failed, serving uncontrolled")
	}
	cancel()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}

	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("offline0 listening on %s, origin=%s, version=%s", addr, cfg.Server.Origin, cfg.Cache.Version)
		err := httpSrv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	for done := false; !done; {
		select {
		case <-reload:
			reloadVersion(ctx, srv)
		case <-ctx.Done():
			done = true
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return httpSrv.Shutdown(shutdownCtx)
}

// reloadVersion re-reads the config and registers its version if it changed.
func reloadVersion(ctx context.Context, srv *offline.Server) {
	next, err := loadConfig()
	if err != nil {
		log.WithError(err).Error("reload config")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := srv.Update(ctx, next); err != nil {
		log.WithError(err).Error("update version")
	}
}
