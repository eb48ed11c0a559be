package filemanager

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/paksync/internal/media"
	"github.com/agentworkforce/paksync/internal/pak"
	"github.com/agentworkforce/paksync/internal/savedata"
)

var testGame = media.GameID{Code: [4]byte{'N', 'D', '3', 'E'}, Publisher: [2]byte{'A', '4'}}

type recordingBackup struct {
	names []string
	data  [][]byte
}

func (b *recordingBackup) Backup(_ context.Context, name string, data []byte) error {
	b.names = append(b.names, name)
	b.data = append(b.data, append([]byte(nil), data...))
	return nil
}

func writeBlankPak(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blank.mpk")
	require.NoError(t, os.WriteFile(path, pak.Format([24]byte{'f', 'm'}), 0o644))
	return path
}

func testSlot(name string) media.SaveSlot {
	return media.NewSlot(testGame, name, nil, make([]byte, 2*pak.PageSize))
}

func TestUnloadedManagerRejectsOperations(t *testing.T) {
	m := New(Options{})
	assert.Equal(t, StateUnloaded, m.State())
	_, err := m.Slots()
	assert.ErrorIs(t, err, ErrNotLoaded)
	_, err = m.ImportSlot(testSlot("A"), media.ImportOptions{Index: -1})
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.ErrorIs(t, m.DeleteSlot(0), ErrNotLoaded)
	_, err = m.ExportSlot(0)
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.ErrorIs(t, m.Save(context.Background(), ""), ErrNotLoaded)
	_, err = m.BeginSync()
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestOpenEditSaveLifecycle(t *testing.T) {
	path := writeBlankPak(t)
	backup := &recordingBackup{}
	m := New(Options{Backup: backup, Lock: true})
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Open(context.Background(), path))
	assert.Equal(t, StateLoaded, m.State())
	assert.Equal(t, media.FormatControllerPak, m.Format())

	slot, err := m.ImportSlot(testSlot("HELLO"), media.ImportOptions{Index: -1})
	require.NoError(t, err)
	assert.Equal(t, 0x500, slot.SourceOffset())
	assert.Equal(t, StateDirty, m.State())

	original, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, m.Save(context.Background(), ""))
	assert.Equal(t, StateSaved, m.State())
	require.Len(t, backup.data, 1)
	assert.Equal(t, original, backup.data[0])
	assert.Equal(t, "blank.mpk", backup.names[0])

	reopened := New(Options{})
	require.NoError(t, reopened.Open(context.Background(), path))
	slots, err := reopened.Slots()
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "HELLO", slots[0].Name)

	require.NoError(t, m.DeleteSlot(0))
	assert.Equal(t, StateDirty, m.State())
	assert.ErrorIs(t, m.DeleteSlot(0), media.ErrInvalidSlotTarget)
}

func TestOpenReportsDecodeErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 1000), 0o644))
	m := New(Options{})
	err := m.Open(context.Background(), path)
	require.ErrorIs(t, err, media.ErrFormatUnknown)
	assert.Equal(t, StateUnloaded, m.State())

	raw := pak.Format([24]byte{})
	raw[pak.PageSize+1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	require.ErrorIs(t, m.Open(context.Background(), path), media.ErrIndexCorrupt)
}

func TestOpenHonoursCancellation(t *testing.T) {
	path := writeBlankPak(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := New(Options{})
	require.ErrorIs(t, m.Open(ctx, path), context.Canceled)
	assert.Equal(t, StateUnloaded, m.State())
}

func TestSaveHonoursCancellation(t *testing.T) {
	path := writeBlankPak(t)
	m := New(Options{})
	require.NoError(t, m.Open(context.Background(), path))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dest := filepath.Join(t.TempDir(), "out.mpk")
	require.ErrorIs(t, m.Save(ctx, dest), context.Canceled)
	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, StateLoaded, m.State())
}

func TestSyncPausesEdits(t *testing.T) {
	m := New(Options{})
	require.NoError(t, m.OpenBytes("mem.mpk", pak.Format([24]byte{})))
	release, err := m.BeginSync()
	require.NoError(t, err)

	_, err = m.ImportSlot(testSlot("A"), media.ImportOptions{Index: -1})
	assert.ErrorIs(t, err, ErrSyncInProgress)
	_, err = m.BeginSync()
	assert.ErrorIs(t, err, ErrSyncInProgress)

	fetched := testSlot("REMOTE")
	applied, err := m.ApplyFetched(fetched.Key(), fetched)
	require.NoError(t, err)
	assert.Equal(t, 0, applied.Index)

	again, err := m.ApplyFetched(fetched.Key(), media.NewSlot(testGame, "REMOTE", nil, make([]byte, 3*pak.PageSize)))
	require.NoError(t, err)
	assert.Equal(t, 0, again.Index)
	assert.Len(t, again.Payload, 3*pak.PageSize)

	release()
	release()
	_, err = m.ImportSlot(testSlot("B"), media.ImportOptions{Index: -1})
	assert.NoError(t, err)
	assert.ErrorIs(t, m.Save(context.Background(), ""), ErrNoDestination)
}

func TestApplyFetchedCopiesKeepTheirKeys(t *testing.T) {
	m := New(Options{})
	require.NoError(t, m.OpenBytes("mem.mpk", pak.Format([24]byte{})))
	dup := testSlot("DUP")
	_, err := m.ImportSlot(dup, media.ImportOptions{Index: -1})
	require.NoError(t, err)
	_, err = m.ImportSlot(testSlot("OTHER"), media.ImportOptions{Index: -1})
	require.NoError(t, err)

	second := testSlot("DUP")
	second.Index = 0
	placed, err := m.ApplyFetched(dup.Key()+"~2", second)
	require.NoError(t, err)
	assert.Equal(t, 2, placed.Index)

	slots, err := m.Slots()
	require.NoError(t, err)
	assert.Equal(t, []string{dup.Key(), testSlot("OTHER").Key(), dup.Key() + "~2"}, media.Keys(slots))

	updated := media.NewSlot(testGame, "DUP", nil, make([]byte, 3*pak.PageSize))
	again, err := m.ApplyFetched(dup.Key()+"~2", updated)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Index)
	assert.Len(t, again.Payload, 3*pak.PageSize)

	// A fourth copy cannot be stored while the third is missing.
	_, err = m.ApplyFetched(dup.Key()+"~4", testSlot("DUP"))
	assert.ErrorIs(t, err, media.ErrInvalidSlotTarget)
	slots, err = m.Slots()
	require.NoError(t, err)
	assert.Len(t, slots, 3)
}

func TestEditSlotReseals(t *testing.T) {
	m := New(Options{})
	require.NoError(t, m.OpenBytes("mem.mpk", pak.Format([24]byte{})))
	payload := make([]byte, savedata.RecordsPerNote*savedata.SlotStride)
	binary.BigEndian.PutUint32(payload[0x40:], 1)
	require.NoError(t, savedata.SealSlot(payload[:savedata.SlotStride]))
	placed, err := m.ImportSlot(media.NewSlot(testGame, "CASTLEVANIA", nil, payload), media.ImportOptions{Index: -1})
	require.NoError(t, err)
	require.NoError(t, m.Save(context.Background(), filepath.Join(t.TempDir(), "edit.mpk")))

	edits := []savedata.Edit{{Field: "times-saved", Value: 12}, {Field: "gold", Value: 900}}
	edited, err := m.EditSlot(placed.Index, 0, edits)
	require.NoError(t, err)
	assert.Equal(t, placed.Index, edited.Index)
	assert.Equal(t, placed.Key(), edited.Key())
	require.NotNil(t, edited.Metadata)
	assert.True(t, edited.Metadata.ChecksumOK)
	assert.Equal(t, uint32(12), edited.Metadata.TimesSaved)
	assert.Equal(t, uint32(900), edited.Metadata.Gold)
	assert.Equal(t, StateDirty, m.State())

	_, err = m.EditSlot(placed.Index, 0, []savedata.Edit{{Field: "life", Value: 1 << 20}})
	assert.ErrorIs(t, err, savedata.ErrValueRange)
	_, err = m.EditSlot(9, 0, edits)
	assert.ErrorIs(t, err, media.ErrInvalidSlotTarget)

	release, err := m.BeginSync()
	require.NoError(t, err)
	defer release()
	_, err = m.EditSlot(placed.Index, 0, edits)
	assert.ErrorIs(t, err, ErrSyncInProgress)
}

func TestExportSlotToFile(t *testing.T) {
	m := New(Options{})
	require.NoError(t, m.OpenBytes("mem.mpk", pak.Format([24]byte{})))
	_, err := m.ImportSlot(testSlot("EXPORT"), media.ImportOptions{Index: -1})
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "export.note")
	require.NoError(t, m.ExportSlotToFile(context.Background(), 0, out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	slot, err := media.ReadSlotFile(data)
	require.NoError(t, err)
	assert.Equal(t, "EXPORT", slot.Name)
	assert.Equal(t, testGame, slot.Game())
}

func TestWatchReportsExternalWrites(t *testing.T) {
	path := writeBlankPak(t)
	m := New(Options{})
	require.NoError(t, m.Open(context.Background(), path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := m.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, pak.Format([24]byte{'x'}), 0o644))
	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a change notification")
	}
	cancel()
	for range events {
	}
}
