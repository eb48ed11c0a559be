package slotfs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/paksync/internal/filemanager"
	"github.com/agentworkforce/paksync/internal/media"
	"github.com/agentworkforce/paksync/internal/pak"
)

var usaGame = media.GameID{Code: [4]byte{'N', 'D', '3', 'E'}, Publisher: [2]byte{'A', '4'}}

func openPakWithSlots(t *testing.T, names ...string) *filemanager.Manager {
	t.Helper()
	m := filemanager.New(filemanager.Options{})
	require.NoError(t, m.OpenBytes("test.mpk", pak.Format([24]byte{'f', 's'})))
	for _, name := range names {
		h := pak.NewNoteHeader(usaGame.Code, usaGame.Publisher, name, [4]byte{})
		_, err := m.ImportSlot(media.NewSlot(usaGame, name, h[:], make([]byte, pak.PageSize)), media.ImportOptions{Index: -1})
		require.NoError(t, err)
	}
	return m
}

func TestSnapshot(t *testing.T) {
	m := openPakWithSlots(t, "CASTLEVANIA", "DRACULA")
	files, err := Snapshot(m)
	require.NoError(t, err)
	require.Len(t, files, 3)

	names := []string{files[0].Name, files[1].Name, files[2].Name}
	assert.Equal(t, []string{"ND3EA4-CASTLEVANIA.note", "ND3EA4-DRACULA.note", manifestName}, names)

	exported, err := m.ExportSlot(0)
	require.NoError(t, err)
	assert.Equal(t, exported, files[0].Data)

	var manifest []manifestEntry
	require.NoError(t, json.Unmarshal(files[2].Data, &manifest))
	require.Len(t, manifest, 2)
	assert.Equal(t, "ND3EA4-CASTLEVANIA", manifest[0].Key)
	assert.Equal(t, len(exported), manifest[0].Size)
}

func TestSnapshotEmptyImage(t *testing.T) {
	files, err := Snapshot(openPakWithSlots(t))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "[]\n", string(files[0].Data))
}

func TestSnapshotUnloaded(t *testing.T) {
	_, err := Snapshot(filemanager.New(filemanager.Options{}))
	assert.ErrorIs(t, err, filemanager.ErrNotLoaded)
}

func TestSlotFileIsReadOnly(t *testing.T) {
	ctx := context.Background()
	f := &slotFile{data: []byte("0123456789"), mtime: time.Unix(0, 0)}

	_, _, errno := f.Open(ctx, syscall.O_RDWR)
	assert.Equal(t, syscall.EROFS, errno)
	_, _, errno = f.Open(ctx, syscall.O_WRONLY|syscall.O_TRUNC)
	assert.Equal(t, syscall.EROFS, errno)
	_, flags, errno := f.Open(ctx, syscall.O_RDONLY)
	assert.Equal(t, syscall.Errno(0), errno)
	assert.NotZero(t, flags&fuse.FOPEN_KEEP_CACHE)

	var out fuse.AttrOut
	assert.Equal(t, syscall.Errno(0), f.Getattr(ctx, nil, &out))
	assert.Equal(t, uint64(10), out.Size)
	assert.Equal(t, uint32(syscall.S_IFREG|0o444), out.Mode)
}

func TestSlotFileRead(t *testing.T) {
	ctx := context.Background()
	f := &slotFile{data: []byte("0123456789")}
	tests := []struct {
		off  int64
		size int
		want string
	}{
		{0, 4, "0123"},
		{8, 4, "89"},
		{10, 4, ""},
		{42, 4, ""},
	}
	for _, tt := range tests {
		res, errno := f.Read(ctx, nil, make([]byte, tt.size), tt.off)
		require.Equal(t, syscall.Errno(0), errno)
		data, status := res.Bytes(make([]byte, tt.size))
		require.True(t, status.Ok())
		assert.Equal(t, tt.want, string(data))
	}
	_, errno := f.Read(ctx, nil, make([]byte, 1), -1)
	assert.Equal(t, syscall.EINVAL, errno)
}

// TestMount needs a usable FUSE device, so it only runs when asked for.
func TestMount(t *testing.T) {
	if os.Getenv("PAKSYNC_TEST_FUSE") == "" {
		t.Skip("set PAKSYNC_TEST_FUSE=1 to run the FUSE mount test")
	}
	files, err := Snapshot(openPakWithSlots(t, "CASTLEVANIA"))
	require.NoError(t, err)
	dir := t.TempDir()
	server, err := Mount(dir, files, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Unmount() })

	data, err := os.ReadFile(filepath.Join(dir, "ND3EA4-CASTLEVANIA.note"))
	require.NoError(t, err)
	assert.Equal(t, files[0].Data, data)

	err = os.WriteFile(filepath.Join(dir, "ND3EA4-CASTLEVANIA.note"), []byte("x"), 0o644)
	assert.Error(t, err)
}
