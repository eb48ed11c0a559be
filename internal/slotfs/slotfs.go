// Package slotfs exposes the slots of an open image as a read-only FUSE
// filesystem: one exported file per slot plus a manifest.
package slotfs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"syscall"
	"time"

	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/agentworkforce/paksync/internal/media"
)

const (
	fileMode     = 0o444
	manifestName = "manifest.json"
	blockSize    = 512
)

// Source is what the filesystem reads slots from; *filemanager.Manager
// satisfies it.
type Source interface {
	Slots() ([]media.SaveSlot, error)
	ExportSlot(index int) ([]byte, error)
}

// File is one entry of the mounted directory.
type File struct {
	Name string
	Data []byte
}

type manifestEntry struct {
	File   string `json:"file"`
	Key    string `json:"key"`
	Index  int    `json:"index"`
	Game   string `json:"game"`
	Name   string `json:"name"`
	Format string `json:"format"`
	Size   int    `json:"size"`
}

// Snapshot exports every slot of src. The view does not follow later edits;
// remount to refresh it.
func Snapshot(src Source) ([]File, error) {
	slots, err := src.Slots()
	if err != nil {
		return nil, err
	}
	files := make([]File, 0, len(slots)+1)
	manifest := make([]manifestEntry, 0, len(slots))
	seen := map[string]bool{manifestName: true}
	keys := media.Keys(slots)
	for i, slot := range slots {
		data, err := src.ExportSlot(slot.Index)
		if err != nil {
			return nil, fmt.Errorf("export slot %d: %w", slot.Index, err)
		}
		name := keys[i] + extension(slot)
		if seen[name] {
			name = fmt.Sprintf("%s@%d%s", keys[i], slot.Index, extension(slot))
		}
		seen[name] = true
		files = append(files, File{Name: name, Data: data})
		manifest = append(manifest, manifestEntry{
			File:   name,
			Key:    keys[i],
			Index:  slot.Index,
			Game:   slot.Game().String(),
			Name:   slot.Name,
			Format: slot.Format().String(),
			Size:   len(data),
		})
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	files = append(files, File{Name: manifestName, Data: append(raw, '\n')})
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func extension(slot media.SaveSlot) string {
	if slot.Format() == media.FormatCartridge {
		return ".eep"
	}
	return ".note"
}


type rootNode struct {
	fusefs.Inode
	files []File
	mtime time.Time
}

var _ = (fusefs.NodeOnAdder)((*rootNode)(nil))

func (r *rootNode) OnAdd(ctx context.Context) {
	for _, f := range r.files {
		node := &slotFile{data: f.Data, mtime: r.mtime}
		child := r.NewPersistentInode(ctx, node, fusefs.StableAttr{Mode: syscall.S_IFREG})
		r.AddChild(f.Name, child, false)
	}
}

// slotFile is a read-only in-memory file.
type slotFile struct {
	fusefs.Inode
	data  []byte
	mtime time.Time
}

var (
	_ = (fusefs.NodeOpener)((*slotFile)(nil))
	_ = (fusefs.NodeReader)((*slotFile)(nil))
	_ = (fusefs.NodeGetattrer)((*slotFile)(nil))
)

func (f *slotFile) Open(ctx context.Context, flags uint32) (fusefs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *slotFile) Read(ctx context.Context, fh fusefs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off < 0 {
		return nil, syscall.EINVAL
	}
	if off >= int64(len(f.data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	return fuse.ReadResultData(f.data[off:end]), 0
}

func (f *slotFile) Getattr(ctx context.Context, fh fusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(&out.Attr, uint64(len(f.data)), f.mtime)
	return 0
}

func fillAttr(out *fuse.Attr, size uint64, mtime time.Time) {
	out.Mode = syscall.S_IFREG | fileMode
	out.Size = size
	out.Blksize = blockSize
	out.Blocks = size / blockSize
	if size%blockSize > 0 {
		out.Blocks++
	}
	out.Nlink = 1
	out.SetTimes(nil, &mtime, &mtime)
}

type Options struct {
	Debug      bool
	AllowOther bool
}

// Mount serves files at mountpoint until the returned server is unmounted.
func Mount(mountpoint string, files []File, opts Options) (*fuse.Server, error) {
	timeout := time.Second
	root := &rootNode{files: files, mtime: time.Now()}
	return fusefs.Mount(mountpoint, root, &fusefs.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "paksync",
			Name:       "paksync",
			Debug:      opts.Debug,
			AllowOther: opts.AllowOther,
		},
		AttrTimeout:  &timeout,
		EntryTimeout: &timeout,
	})
}
