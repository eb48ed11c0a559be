package remotestore

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// StoreFactory builds a store from a DSN whose scheme it was registered for.
type StoreFactory func(dsn string, opts FactoryOptions) (Store, error)

// FactoryOptions carries credentials and logging that do not belong in a
// DSN.
type FactoryOptions struct {
	Database string
	Username string
	Password string
	Logger   *slog.Logger

	// HTTPClient and MaxRetries apply to CouchDB stores only.
	HTTPClient *http.Client
	MaxRetries int
}

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildStoreFromDSN picks a store implementation by DSN scheme:
// memory://, http(s)://host[/db], couchdb://host[/db] (plain HTTP) and
// postgres://.
func BuildStoreFromDSN(dsn string, opts FactoryOptions) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty store dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "http", "https", "couchdb":
		return newCouchFromURL(parsed, opts), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func newCouchFromURL(u *url.URL, opts FactoryOptions) *CouchClient {
	database := strings.Trim(u.Path, "/")
	if opts.Database != "" {
		database = opts.Database
	}
	username, password := opts.Username, opts.Password
	if u.User != nil {
		if username == "" {
			username = u.User.Username()
		}
		if p, ok := u.User.Password(); ok && password == "" {
			password = p
		}
	}
	scheme := u.Scheme
	if scheme == "couchdb" {
		scheme = "http"
	}
	base := url.URL{Scheme: scheme, Host: u.Host}
	return NewCouchClient(CouchOptions{
		BaseURL:    base.String(),
		Database:   database,
		Username:   username,
		Password:   password,
		Logger:     opts.Logger,
		HTTPClient: opts.HTTPClient,
		MaxRetries: opts.MaxRetries,
	})
}
