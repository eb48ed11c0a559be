package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/term"

	"github.com/agentworkforce/paksync/internal/archive"
	"github.com/agentworkforce/paksync/internal/config"
	"github.com/agentworkforce/paksync/internal/filemanager"
	"github.com/agentworkforce/paksync/internal/metrics"
	"github.com/agentworkforce/paksync/internal/remotestore"
	"github.com/agentworkforce/paksync/internal/syncengine"
)

var errNoImage = errors.New("no image given (--image or PAKSYNC_IMAGE)")

// app carries what every command shares: settings, logger, tracer, metrics
// and the resources to release once the command returns.
type app struct {
	configPath string
	imagePath  string
	logLevel   string

	cfg            *config.Config
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	metrics        *metrics.Metrics

	// readPassword is swapped out in tests.
	readPassword func(prompt string) (string, error)
	closers      []func() error
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.LoadFile(a.configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if strings.TrimSpace(a.imagePath) != "" {
		cfg.Image.Path = a.imagePath
	}
	if strings.TrimSpace(a.logLevel) != "" {
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg

	logger, closer, err := config.CreateLogger(cfg.Logging)
	if err != nil {
		return err
	}
	a.logger = logger
	a.onClose(closer.Close)

	tp, shutdown, err := config.InitTracerProvider(ctx, cfg.Tracing, logger)
	if err != nil {
		return err
	}
	a.tracerProvider = tp
	a.onClose(func() error {
		shutdown()
		return nil
	})
	a.metrics = metrics.New()
	if a.readPassword == nil {
		a.readPassword = readTerminalPassword
	}
	return nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// teardown runs the deferred closers in reverse order.
func (a *app) teardown() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openImage opens the configured image. Saves go through the archive when
// one is configured.
func (a *app) openImage(ctx context.Context) (*filemanager.Manager, error) {
	path := strings.TrimSpace(a.cfg.Image.Path)
	if path == "" {
		return nil, errNoImage
	}
	opts := filemanager.Options{Logger: a.logger, Lock: a.cfg.Image.Lock}
	arch, err := a.buildArchive()
	if err != nil {
		return nil, err
	}
	if arch != nil {
		opts.Backup = arch
	}
	m := filemanager.New(opts)
	if err := m.Open(ctx, path); err != nil {
		return nil, err
	}
	a.onClose(m.Close)
	return m, nil
}

func (a *app) buildArchive() (archive.Archive, error) {
	return archive.BuildFromDSN(a.cfg.Archive.DSN, archive.Options{Keep: a.cfg.Archive.Keep})
}

func (a *app) buildStore(ctx context.Context) (remotestore.Store, error) {
	remote := a.cfg.Remote
	password, err := a.password("remote", remote.Username, remote.Password)
	if err != nil {
		return nil, err
	}
	timeout := config.ParseDuration(remote.Timeout, 15*time.Second, a.logger)
	store, err := remotestore.BuildStoreFromDSN(remote.DSN, remotestore.FactoryOptions{
		Database:   remote.Database,
		Username:   remote.Username,
		Password:   password,
		Logger:     a.logger,
		HTTPClient: &http.Client{Timeout: timeout},
		MaxRetries: remote.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize remote store: %w", err)
	}
	if closer, ok := store.(io.Closer); ok {
		a.onClose(closer.Close)
	}
	if couch, ok := store.(*remotestore.CouchClient); ok {
		if err := couch.EnsureDatabase(ctx); err != nil {
			return nil, fmt.Errorf("failed to prepare remote database: %w", err)
		}
	}
	return store, nil
}

// ledgerDSN defaults to a JSON file next to the image so sync state
// survives between runs.
func (a *app) ledgerDSN() string {
	if dsn := strings.TrimSpace(a.cfg.Sync.LedgerDSN); dsn != "" {
		return dsn
	}
	if path := strings.TrimSpace(a.cfg.Image.Path); path != "" {
		return path + ".ledger.json"
	}
	return ""
}

func (a *app) buildEngine(ctx context.Context) (*syncengine.Engine, error) {
	store, err := a.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	backend, err := syncengine.BuildLedgerBackendFromDSN(a.ledgerDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}
	ledger, err := syncengine.NewLedger(backend)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	a.onClose(ledger.Close)
	return syncengine.New(store, ledger, syncengine.Options{
		Logger:         a.logger,
		TracerProvider: a.tracerProvider,
		Metrics:        a.metrics,
	}), nil
}

// password prompts for a password when a username is configured without
// one and stdin is a terminal.
func (a *app) password(label, username, password string) (string, error) {
	if strings.TrimSpace(username) == "" || password != "" {
		return password, nil
	}
	value, err := a.readPassword(fmt.Sprintf("%s password for %s: ", label, username))
	if err != nil {
		return "", fmt.Errorf("error reading password: %w", err)
	}
	return value, nil
}

func readTerminalPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
