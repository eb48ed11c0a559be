package syncengine

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidLedger  = errors.New("invalid ledger dsn")
	ErrNotImplemented = errors.New("not implemented")
)

// lockWait bounds how long a bolt ledger waits for another process.
const lockWait = 2 * time.Second

type LedgerBackendFactory func(dsn string) (LedgerBackend, error)

var ledgerFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]LedgerBackendFactory
}{
	factories: map[string]LedgerBackendFactory{},
}

func RegisterLedgerBackendFactory(scheme string, factory LedgerBackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	ledgerFactoryRegistry.mu.Lock()
	defer ledgerFactoryRegistry.mu.Unlock()
	ledgerFactoryRegistry.factories[scheme] = factory
}

func lookupLedgerBackendFactory(scheme string) (LedgerBackendFactory, bool) {
	ledgerFactoryRegistry.mu.RLock()
	defer ledgerFactoryRegistry.mu.RUnlock()
	factory, ok := ledgerFactoryRegistry.factories[normalizeScheme(scheme)]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildLedgerBackendFromDSN accepts a bare path or file:// (JSON),
// memory://, bolt:// and postgres:// DSNs. Postgres DSNs may carry a
// "ledger" query parameter naming the row key.
func BuildLedgerBackendFromDSN(dsn string) (LedgerBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryLedgerBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupLedgerBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewJSONFileLedgerBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryLedgerBackend(), nil
	case "bolt", "bbolt":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewBoltLedgerBackend(path)
	case "postgres", "postgresql":
		q := parsed.Query()
		key := q.Get("ledger")
		q.Del("ledger")
		parsed.RawQuery = q.Encode()
		return NewPostgresLedgerBackend(parsed.String(), key)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: ledger backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported ledger backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if parsed.Host != "" && parsed.Host != "localhost" {
		path = parsed.Host + path
	}
	if path == "" {
		return "", ErrInvalidLedger
	}
	return path, nil
}
