// Package archive keeps timestamped copies of media images before they are
// overwritten.
package archive

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidName    = errors.New("invalid backup name")
	ErrNotImplemented = errors.New("not implemented")
)

// stampLayout sorts lexically in time order.
const stampLayout = "20060102T150405.000000000Z"

// Entry describes one stored backup.
type Entry struct {
	Name  string
	Key   string
	Taken time.Time
	Size  int64
}

// Archive stores image backups. It satisfies filemanager.Backup.
type Archive interface {
	Backup(ctx context.Context, name string, data []byte) error
	List(ctx context.Context, name string) ([]Entry, error)
}

type Options struct {
	// Keep bounds how many backups per image name are retained; 0 keeps all.
	Keep int
}

type Factory func(dsn string, opts Options) (Archive, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds or replaces the factory for a DSN scheme.
func Register(scheme string, factory Factory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[scheme] = factory
}

func lookup(scheme string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[scheme]
	return f, ok
}

// BuildFromDSN opens the archive named by dsn: a bare directory path,
// file:///dir, or s3://bucket/prefix?region=..&endpoint=... An empty DSN
// disables backups and returns nil.
func BuildFromDSN(dsn string, opts Options) (Archive, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	if !strings.Contains(dsn, "://") {
		return NewDir(dsn, opts), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if factory, ok := lookup(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "file":
		return NewDir(dsnPath(parsed), opts), nil
	case "s3":
		return newS3FromURL(parsed, opts)
	case "gs", "azblob":
		return nil, fmt.Errorf("%w: archive %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported archive scheme: %s", scheme)
	}
}

func dsnPath(u *url.URL) string {
	if u.Host != "" && u.Host != "localhost" {
		return filepath.Join(u.Host, u.Path)
	}
	return u.Path
}

func cleanName(name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == "/" || base == "" || strings.ContainsAny(base, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return base, nil
}

// objectName is <name>.<stamp>.bak.
func objectName(name string, at time.Time) string {
	return name + "." + at.UTC().Format(stampLayout) + ".bak"
}

// parseObjectName recovers the stamp of a backup of name, if key is one.
func parseObjectName(name, key string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(key, name+".")
	if !ok {
		return time.Time{}, false
	}
	stamp, ok := strings.CutSuffix(rest, ".bak")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(stampLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Taken.Before(entries[j].Taken) })
}

func parseKeep(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
