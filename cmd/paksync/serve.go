package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/paksync/internal/config"
	"github.com/agentworkforce/paksync/internal/docserver"
	"github.com/agentworkforce/paksync/internal/remotestore"
)

func NewServeCommand(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the CouchDB-compatible document server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			server, err := newDocServer(a)
			if err != nil {
				return err
			}
			listener, err := net.Listen("tcp", a.cfg.Server.Addr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "paksync document server listening on %s\n", listener.Addr())
			return serveUntilDone(ctx, a, listener, server)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":5984", "listen address")
	return cmd
}

// newDocServer builds the server and mounts the configured databases.
func newDocServer(a *app) (*docserver.Server, error) {
	cfg := a.cfg.Server
	password, err := a.password("server", cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}
	factory := newStoreFactory(cfg.StoreDSN, a)
	server := docserver.NewServer(docserver.ServerConfig{
		Username:        cfg.Username,
		Password:        password,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: config.ParseDuration(cfg.RateLimitWindow, time.Minute, a.logger),
		MaxBodyBytes:    cfg.MaxBodyBytes,
		NewStore:        factory,
		Logger:          a.logger,
		Metrics:         a.metrics,
	})
	for _, db := range cfg.Databases {
		db = strings.TrimSpace(db)
		if db == "" {
			continue
		}
		store, err := factory(db)
		if err != nil {
			return nil, fmt.Errorf("failed to open database %s: %w", db, err)
		}
		server.Mount(db, store)
	}
	return server, nil
}

// newStoreFactory opens one store per database. Postgres databases get their
// own table unless the DSN names one.
func newStoreFactory(dsn string, a *app) docserver.StoreFactory {
	var mu sync.Mutex
	return func(db string) (remotestore.Store, error) {
		dbDSN, err := storeDSNForDatabase(dsn, db)
		if err != nil {
			return nil, err
		}
		store, err := remotestore.BuildStoreFromDSN(dbDSN, remotestore.FactoryOptions{
			Database: db,
			Logger:   a.logger,
		})
		if err != nil {
			return nil, err
		}
		if closer, ok := store.(io.Closer); ok {
			mu.Lock()
			a.onClose(closer.Close)
			mu.Unlock()
		}
		return store, nil
	}
}

func storeDSNForDatabase(dsn, db string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		q := parsed.Query()
		if q.Get("table") == "" {
			q.Set("table", "paksync_"+db)
			parsed.RawQuery = q.Encode()
		}
		return parsed.String(), nil
	default:
		return dsn, nil
	}
}

func serveUntilDone(ctx context.Context, a *app, listener net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Change feeds are hijacked connections that Shutdown does not wait
		// for; they end with the base context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	a.logger.Info("document server stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
