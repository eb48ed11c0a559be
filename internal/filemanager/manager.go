// Package filemanager owns the media image currently being edited and
// mediates every read, write and slot edit against it.
package filemanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/xattr"

	"github.com/agentworkforce/paksync/internal/media"
	"github.com/agentworkforce/paksync/internal/savedata"
)

type State int

const (
	StateUnloaded State = iota
	StateLoaded
	StateDirty
	StateSaved
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateDirty:
		return "dirty"
	case StateSaved:
		return "saved"
	default:
		return "unloaded"
	}
}

var (
	ErrNotLoaded      = errors.New("no image loaded")
	ErrSyncInProgress = errors.New("sync in progress")
	ErrNoDestination  = errors.New("no destination path")
)

// Backup receives the previous on-disk bytes of an image before Save
// replaces them.
type Backup interface {
	Backup(ctx context.Context, name string, data []byte) error
}

type Options struct {
	Logger *slog.Logger
	Backup Backup
	// Lock takes an advisory lock on files opened from disk.
	Lock bool
}

type Manager struct {
	mu      sync.Mutex
	state   State
	name    string
	path    string
	img     *media.Image
	syncing bool
	lock    *fileLock
	opts    Options
	logger  *slog.Logger
}

func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{opts: opts, logger: logger}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Path is the file the image was opened from or last saved to.
func (m *Manager) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// Name is the display name of the open image.
func (m *Manager) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *Manager) Format() media.Format {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.img == nil {
		return media.FormatUnknown
	}
	return m.img.Format()
}

// Open reads and decodes path. The read runs on its own goroutine and is
// abandoned if ctx ends first; the manager is left untouched in that case.
func (m *Manager) Open(ctx context.Context, path string) error {
	data, err := runWithContext(ctx, func() ([]byte, error) {
		return os.ReadFile(path)
	})
	if err != nil {
		return err
	}
	img, err := media.DecodeAuto(data)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	slots, err := img.Slots()
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.syncing {
		return ErrSyncInProgress
	}
	if m.opts.Lock && (m.lock == nil || m.path != path) {
		lock, err := lockFile(path)
		if err != nil {
			return err
		}
		m.lock.release()
		m.lock = lock
	}
	m.install(filepath.Base(path), path, img)
	m.logger.Info("image opened", "path", path, "format", img.Format().String(), "slots", len(slots))
	return nil
}

// OpenBytes decodes an in-memory image that has no backing file yet.
func (m *Manager) OpenBytes(name string, data []byte) error {
	img, err := media.DecodeAuto(data)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	if _, err := img.Slots(); err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.syncing {
		return ErrSyncInProgress
	}
	m.lock.release()
	m.lock = nil
	m.install(name, "", img)
	return nil
}

func (m *Manager) install(name, path string, img *media.Image) {
	m.name = name
	m.path = path
	m.img = img
	m.state = StateLoaded
}

// Close drops the image and its file lock.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.syncing {
		return ErrSyncInProgress
	}
	m.lock.release()
	m.lock = nil
	m.img = nil
	m.path = ""
	m.name = ""
	m.state = StateUnloaded
	return nil
}

// Save encodes the image and writes it atomically to dest, or to the
// current path when dest is empty.
func (m *Manager) Save(ctx context.Context, dest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.img == nil {
		return ErrNotLoaded
	}
	if strings.TrimSpace(dest) == "" {
		dest = m.path
	}
	if dest == "" {
		return ErrNoDestination
	}
	data, err := media.Encode(m.img)
	if err != nil {
		return err
	}
	if m.opts.Backup != nil {
		if prev, err := os.ReadFile(dest); err == nil {
			if err := m.opts.Backup.Backup(ctx, filepath.Base(dest), prev); err != nil {
				return fmt.Errorf("backup %s: %w", dest, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := writeFileAtomic(ctx, dest, data, 0o644); err != nil {
		return err
	}
	// The rename replaced the inode, so the lock is taken again.
	if m.opts.Lock {
		lock, err := lockFile(dest)
		if err != nil {
			m.logger.Warn("lock saved image failed", "path", dest, "error", err)
		} else {
			m.lock.release()
			m.lock = lock
		}
	}
	m.path = dest
	m.name = filepath.Base(dest)
	m.state = StateSaved
	m.logger.Info("image saved", "path", dest, "bytes", len(data))
	return nil
}

func (m *Manager) Slots() ([]media.SaveSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.img == nil {
		return nil, ErrNotLoaded
	}
	return m.img.Slots()
}

func (m *Manager) editable() error {
	if m.img == nil {
		return ErrNotLoaded
	}
	if m.syncing {
		return ErrSyncInProgress
	}
	return nil
}

func (m *Manager) ImportSlot(slot media.SaveSlot, opts media.ImportOptions) (media.SaveSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.editable(); err != nil {
		return media.SaveSlot{}, err
	}
	out, err := m.img.Import(slot, opts)
	if err != nil {
		return media.SaveSlot{}, err
	}
	m.state = StateDirty
	return out, nil
}

func (m *Manager) DeleteSlot(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.editable(); err != nil {
		return err
	}
	if err := m.img.Delete(index); err != nil {
		return err
	}
	m.state = StateDirty
	return nil
}

// EditSlot changes fields of one save file inside the slot at index and
// reseals its checksums. The slot keeps its position and identity.
func (m *Manager) EditSlot(index, file int, edits []savedata.Edit) (media.SaveSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.editable(); err != nil {
		return media.SaveSlot{}, err
	}
	slot, err := m.img.Slot(index)
	if err != nil {
		return media.SaveSlot{}, err
	}
	payload, err := savedata.EditFile(slot.Game().Code, slot.Payload, file, edits)
	if err != nil {
		return media.SaveSlot{}, fmt.Errorf("edit slot %d: %w", index, err)
	}
	out, err := m.img.Replace(index, payload)
	if err != nil {
		return media.SaveSlot{}, err
	}
	m.state = StateDirty
	m.logger.Info("slot edited", "index", index, "file", file, "edits", len(edits))
	return out, nil
}

// ExportSlot renders a slot as a standalone file image.
func (m *Manager) ExportSlot(index int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.img == nil {
		return nil, ErrNotLoaded
	}
	return media.ExportSlot(m.img, index)
}

// ExportSlotToFile writes ExportSlot output to path and tags the file with
// the owning game when the filesystem supports extended attributes.
func (m *Manager) ExportSlotToFile(ctx context.Context, index int, path string) error {
	m.mu.Lock()
	if m.img == nil {
		m.mu.Unlock()
		return ErrNotLoaded
	}
	slot, err := m.img.Slot(index)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	data, err := media.ExportSlot(m.img, index)
	format := m.img.Format()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if err := writeFileAtomic(ctx, path, data, 0o644); err != nil {
		return err
	}
	tags := map[string]string{
		"user.paksync.game":   slot.Game().String(),
		"user.paksync.format": format.String(),
		"user.paksync.key":    slot.Key(),
	}
	for name, value := range tags {
		if err := xattr.Set(path, name, []byte(value)); err != nil {
			m.logger.Debug("xattr not set", "path", path, "name", name, "error", err)
			break
		}
	}
	return nil
}

// ApplyFetched stores a slot pulled from the remote store. An existing slot
// with the same key is overwritten in place; otherwise the slot goes to its
// own index when that position is free, or to the first free position.
// A copy key (see media.Keys) is placed after the copies already present
// so existing keys do not shift.
// It is the only mutation permitted while a sync holds the manager.
func (m *Manager) ApplyFetched(key string, slot media.SaveSlot) (media.SaveSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.img == nil {
		return media.SaveSlot{}, ErrNotLoaded
	}
	slots, err := m.img.Slots()
	if err != nil {
		return media.SaveSlot{}, err
	}
	for i, k := range media.Keys(slots) {
		if k == key {
			return m.storeFetched(key, slot, media.ImportOptions{Index: slots[i].Index, Overwrite: true})
		}
	}
	first := 0
	if base := media.BaseKey(key); base != key {
		for _, s := range slots {
			if s.Key() == base && s.Index >= first {
				first = s.Index + 1
			}
		}
	}
	index := -1
	if slot.Index >= first && slot.Index < m.img.Capacity() && !m.img.Occupied(slot.Index) {
		index = slot.Index
	}
	for i := first; index < 0 && i < m.img.Capacity(); i++ {
		if !m.img.Occupied(i) {
			index = i
		}
	}
	if index < 0 {
		return media.SaveSlot{}, fmt.Errorf("%w: no free slot for %s", media.ErrInvalidSlotTarget, key)
	}
	return m.storeFetched(key, slot, media.ImportOptions{Index: index})
}

func (m *Manager) storeFetched(key string, slot media.SaveSlot, opts media.ImportOptions) (media.SaveSlot, error) {
	out, err := m.img.Import(slot, opts)
	if err != nil {
		return media.SaveSlot{}, err
	}
	m.state = StateDirty
	if !opts.Overwrite {
		slots, err := m.img.Slots()
		if err != nil {
			return media.SaveSlot{}, err
		}
		for i, k := range media.Keys(slots) {
			if slots[i].Index == out.Index && k != key {
				if err := m.img.Delete(out.Index); err != nil {
					return media.SaveSlot{}, err
				}
				return media.SaveSlot{}, fmt.Errorf("%w: %s would be stored as %s", media.ErrInvalidSlotTarget, key, k)
			}
		}
	}
	m.logger.Info("remote slot applied", "key", key, "index", out.Index)
	return out, nil
}

// BeginSync pauses slot edits until the returned release func is called.
func (m *Manager) BeginSync() (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.img == nil {
		return nil, ErrNotLoaded
	}
	if m.syncing {
		return nil, ErrSyncInProgress
	}
	m.syncing = true
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.syncing = false
			m.mu.Unlock()
		})
	}, nil
}
