package syncengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/paksync/internal/filemanager"
	"github.com/agentworkforce/paksync/internal/media"
	"github.com/agentworkforce/paksync/internal/pak"
	"github.com/agentworkforce/paksync/internal/remotestore"
)

func openBlankPak(t *testing.T, name string) *filemanager.Manager {
	t.Helper()
	m := filemanager.New(filemanager.Options{})
	require.NoError(t, m.OpenBytes(name, pak.Format([24]byte{'p', 'a', 'k'})))
	return m
}

func newTestSyncer(t *testing.T, store remotestore.Store, local Local, policy string) *Syncer {
	t.Helper()
	var resolver *Resolver
	if policy != "" {
		var err error
		resolver, err = NewResolver(policy)
		require.NoError(t, err)
	}
	s, err := NewSyncer(newTestEngine(t, store), local, SyncerOptions{Resolver: resolver, Concurrency: 2})
	require.NoError(t, err)
	return s
}

func slotPayload(t *testing.T, m *filemanager.Manager, key string) []byte {
	t.Helper()
	slots, err := m.Slots()
	require.NoError(t, err)
	for _, s := range slots {
		if s.Key() == key {
			return s.Payload
		}
	}
	t.Fatalf("slot %s not found", key)
	return nil
}

func TestSyncerPropagatesBetweenImages(t *testing.T) {
	ctx := context.Background()
	store := remotestore.NewMemoryStore()

	a := openBlankPak(t, "a.mpk")
	slot := castlevaniaSlot(t, 3)
	_, err := a.ImportSlot(slot, media.ImportOptions{Index: -1})
	require.NoError(t, err)
	syncA := newTestSyncer(t, store, a, "")

	report, err := syncA.SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, KindCreate, report.Outcomes[0].Action.Kind)
	assert.Equal(t, StatusApplied, report.Outcomes[0].Status)
	assert.False(t, report.Changed())

	b := openBlankPak(t, "b.mpk")
	syncB := newTestSyncer(t, store, b, "")
	report, err = syncB.SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, KindFetch, report.Outcomes[0].Action.Kind)
	assert.Equal(t, StatusApplied, report.Outcomes[0].Status, report.Outcomes[0].Err)
	assert.True(t, report.Changed())
	assert.Equal(t, filemanager.StateDirty, b.State())
	assert.Equal(t, slot.Payload, slotPayload(t, b, slot.Key()))
	require.NoError(t, syncB.Commit(report))

	report, err = syncB.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Actions)

	// B progresses; A picks it up.
	newer := castlevaniaSlot(t, 4)
	slots, err := b.Slots()
	require.NoError(t, err)
	_, err = b.ImportSlot(newer, media.ImportOptions{Index: slots[0].Index, Overwrite: true})
	require.NoError(t, err)
	report, err = syncB.SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, KindUpdate, report.Outcomes[0].Action.Kind)

	report, err = syncA.SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, KindFetch, report.Outcomes[0].Action.Kind)
	assert.Equal(t, newer.Payload, slotPayload(t, a, slot.Key()))
}

func TestSyncerSurfacesConflictsWithoutPolicy(t *testing.T) {
	ctx := context.Background()
	store := remotestore.NewMemoryStore()
	remote := castlevaniaSlot(t, 9)
	_, err := store.Put(ctx, remote.Key(), DocumentFromSlot(remote), "")
	require.NoError(t, err)

	m := openBlankPak(t, "local.mpk")
	local := castlevaniaSlot(t, 2)
	_, err = m.ImportSlot(local, media.ImportOptions{Index: -1})
	require.NoError(t, err)

	report, err := newTestSyncer(t, store, m, "").SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, ReasonUnsynced, report.Conflicts[0].Reason)
	assert.Empty(t, report.Outcomes)
	assert.Equal(t, local.Payload, slotPayload(t, m, local.Key()))

	doc, err := store.Get(ctx, remote.Key())
	require.NoError(t, err)
	assert.Equal(t, remote.Payload, doc.Payload())
}

func TestSyncerAppliesPolicy(t *testing.T) {
	ctx := context.Background()
	store := remotestore.NewMemoryStore()
	remote := castlevaniaSlot(t, 9)
	_, err := store.Put(ctx, remote.Key(), DocumentFromSlot(remote), "")
	require.NoError(t, err)

	m := openBlankPak(t, "local.mpk")
	_, err = m.ImportSlot(castlevaniaSlot(t, 2), media.ImportOptions{Index: -1})
	require.NoError(t, err)

	s := newTestSyncer(t, store, m, "progress")
	report, err := s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Conflicts)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, KindFetch, report.Outcomes[0].Action.Kind)
	assert.Equal(t, remote.Payload, slotPayload(t, m, remote.Key()))
	require.NoError(t, s.Commit(report))

	report, err = s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Actions)
}

func TestSyncerPausesLocalEdits(t *testing.T) {
	m := openBlankPak(t, "local.mpk")
	release, err := m.BeginSync()
	require.NoError(t, err)
	defer release()

	s := newTestSyncer(t, remotestore.NewMemoryStore(), m, "")
	_, err = s.SyncOnce(context.Background())
	assert.ErrorIs(t, err, filemanager.ErrSyncInProgress)
}

func TestSyncerReportsListFailure(t *testing.T) {
	m := openBlankPak(t, "local.mpk")
	s := newTestSyncer(t, &failingStore{err: remotestore.ErrUnavailable}, m, "")
	_, err := s.SyncOnce(context.Background())
	assert.ErrorIs(t, err, remotestore.ErrUnavailable)

	// The pause is released after a failed pass.
	release, err := m.BeginSync()
	require.NoError(t, err)
	release()
}

func TestSyncerFetchIsRecordedOnlyOnCommit(t *testing.T) {
	ctx := context.Background()
	store := remotestore.NewMemoryStore()
	engine := newTestEngine(t, store)
	path := filepath.Join(t.TempDir(), "local.mpk")

	m := openBlankPak(t, "local.mpk")
	slot := castlevaniaSlot(t, 1)
	_, err := m.ImportSlot(slot, media.ImportOptions{Index: -1})
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx, path))
	s, err := NewSyncer(engine, m, SyncerOptions{})
	require.NoError(t, err)
	report, err := s.SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	rev := report.Outcomes[0].Revision
	require.NoError(t, s.Commit(report))
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)

	newer := castlevaniaSlot(t, 99)
	_, err = store.Put(ctx, slot.Key(), DocumentFromSlot(newer), rev)
	require.NoError(t, err)

	// The fetch lands in memory but the image is never saved.
	report, err = s.SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Fetched, 1)
	assert.Equal(t, newer.Payload, slotPayload(t, m, slot.Key()))
	entry, ok := engine.Ledger().Get(slot.Key())
	require.True(t, ok)
	assert.Equal(t, rev, entry.Revision)

	// Reopening the stale file fetches again instead of pushing it back.
	stale := filemanager.New(filemanager.Options{})
	require.NoError(t, stale.OpenBytes("local.mpk", onDisk))
	s2, err := NewSyncer(engine, stale, SyncerOptions{})
	require.NoError(t, err)
	report, err = s2.SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, KindFetch, report.Outcomes[0].Action.Kind)
	assert.Empty(t, report.Conflicts)

	doc, err := store.Get(ctx, slot.Key())
	require.NoError(t, err)
	assert.Equal(t, newer.Payload, doc.Payload())
	assert.Equal(t, newer.Payload, slotPayload(t, stale, slot.Key()))
}

func TestSyncerCarriesSameNamedNotes(t *testing.T) {
	ctx := context.Background()
	store := remotestore.NewMemoryStore()

	a := openBlankPak(t, "a.mpk")
	first := castlevaniaSlot(t, 3)
	second := castlevaniaSlot(t, 40)
	for _, slot := range []media.SaveSlot{first, second} {
		_, err := a.ImportSlot(slot, media.ImportOptions{Index: -1})
		require.NoError(t, err)
	}
	report, err := newTestSyncer(t, store, a, "").SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)
	assert.Empty(t, report.Conflicts)

	refs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	copyKey := first.Key() + "~2"
	doc, err := store.Get(ctx, copyKey)
	require.NoError(t, err)
	assert.Equal(t, second.Payload, doc.Payload())

	b := openBlankPak(t, "b.mpk")
	syncB := newTestSyncer(t, store, b, "")
	report, err = syncB.SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Fetched, 2)
	require.NoError(t, syncB.Commit(report))
	slots, err := b.Slots()
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, []string{first.Key(), copyKey}, media.Keys(slots))
	assert.Equal(t, first.Payload, slots[0].Payload)
	assert.Equal(t, second.Payload, slots[1].Payload)

	report, err = syncB.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Actions)
}
