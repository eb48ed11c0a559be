package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Dir keeps backups as files in one directory.
type Dir struct {
	Root string
	keep int
	now  func() time.Time
}

func NewDir(root string, opts Options) *Dir {
	return &Dir{Root: root, keep: opts.Keep, now: time.Now}
}

func (d *Dir) Backup(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d.Root, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	target := filepath.Join(d.Root, objectName(name, d.now()))
	tmp, err := os.CreateTemp(d.Root, ".backup-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return d.prune(ctx, name)
}

func (d *Dir) List(ctx context.Context, name string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(d.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Entry
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		taken, ok := parseObjectName(name, de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{Name: name, Key: filepath.Join(d.Root, de.Name()), Taken: taken, Size: info.Size()})
	}
	sortEntries(out)
	return out, nil
}

func (d *Dir) prune(ctx context.Context, name string) error {
	if d.keep <= 0 {
		return nil
	}
	entries, err := d.List(ctx, name)
	if err != nil {
		return err
	}
	for len(entries) > d.keep {
		if err := os.Remove(entries[0].Key); err != nil && !os.IsNotExist(err) {
			return err
		}
		entries = entries[1:]
	}
	return nil
}
