package syncengine

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/paksync/internal/media"
	"github.com/agentworkforce/paksync/internal/pak"
)

var usaGame = media.GameID{Code: [4]byte{'N', 'D', '3', 'E'}, Publisher: [2]byte{'A', '4'}}

func noteSlot(name string, fill byte) media.SaveSlot {
	h := pak.NewNoteHeader(usaGame.Code, usaGame.Publisher, name, [4]byte{})
	return media.NewSlot(usaGame, name, h[:], bytes.Repeat([]byte{fill}, 2*pak.PageSize))
}

func synced(slot media.SaveSlot, rev string) LedgerEntry {
	return LedgerEntry{Revision: rev, Hash: HashPayload(slot.Payload), Payload: slot.Payload}
}

func TestPlanUpdateWhenOnlyLocalChanged(t *testing.T) {
	before := noteSlot("CASTLEVANIA", 1)
	after := noteSlot("CASTLEVANIA", 2)
	id := before.Key()

	actions := Plan(
		[]LocalEntry{NewLocalEntry(after)},
		[]RemoteRef{{ID: id, Revision: "3-abc"}},
		map[string]LedgerEntry{id: synced(before, "3-abc")},
	)
	require.Len(t, actions, 1)
	assert.Equal(t, KindUpdate, actions[0].Kind)
	assert.Equal(t, "3-abc", actions[0].BaseRevision)
	assert.Equal(t, after.Payload, actions[0].Local.Slot.Payload)
}

func TestPlanConflictKeepsBothPayloads(t *testing.T) {
	before := noteSlot("CASTLEVANIA", 1)
	after := noteSlot("CASTLEVANIA", 2)
	id := before.Key()

	actions := Plan(
		[]LocalEntry{NewLocalEntry(after)},
		[]RemoteRef{{ID: id, Revision: "4-def"}},
		map[string]LedgerEntry{id: synced(before, "3-abc")},
	)
	require.Len(t, actions, 1)
	a := actions[0]
	assert.Equal(t, KindConflict, a.Kind)
	assert.Equal(t, ReasonChangedBoth, a.Reason)
	assert.Equal(t, "3-abc", a.BaseRevision)
	assert.Equal(t, "4-def", a.RemoteRevision)
	assert.Equal(t, after.Payload, a.Local.Slot.Payload)
	assert.Equal(t, before.Payload, a.Base)
}

func TestPlanRules(t *testing.T) {
	slot := noteSlot("DRACULA", 7)
	changed := noteSlot("DRACULA", 8)
	id := slot.Key()

	tests := []struct {
		name   string
		local  []LocalEntry
		remote []RemoteRef
		ledger map[string]LedgerEntry
		want   Kind
		reason string
		none   bool
	}{
		{name: "new local", local: []LocalEntry{NewLocalEntry(slot)}, want: KindCreate},
		{
			name:   "deleted remotely",
			local:  []LocalEntry{NewLocalEntry(slot)},
			ledger: map[string]LedgerEntry{id: synced(slot, "1-a")},
			want:   KindConflict, reason: ReasonDeletedRemotely,
		},
		{
			name:   "both sides never synced",
			local:  []LocalEntry{NewLocalEntry(slot)},
			remote: []RemoteRef{{ID: id, Revision: "1-a"}},
			want:   KindConflict, reason: ReasonUnsynced,
		},
		{
			name:   "in sync",
			local:  []LocalEntry{NewLocalEntry(slot)},
			remote: []RemoteRef{{ID: id, Revision: "1-a"}},
			ledger: map[string]LedgerEntry{id: synced(slot, "1-a")},
			none:   true,
		},
		{
			name:   "remote moved",
			local:  []LocalEntry{NewLocalEntry(slot)},
			remote: []RemoteRef{{ID: id, Revision: "2-b"}},
			ledger: map[string]LedgerEntry{id: synced(slot, "1-a")},
			want:   KindFetch,
		},
		{
			name:   "local changed",
			local:  []LocalEntry{NewLocalEntry(changed)},
			remote: []RemoteRef{{ID: id, Revision: "1-a"}},
			ledger: map[string]LedgerEntry{id: synced(slot, "1-a")},
			want:   KindUpdate,
		},
		{
			name:   "deleted locally",
			remote: []RemoteRef{{ID: id, Revision: "1-a"}},
			ledger: map[string]LedgerEntry{id: synced(slot, "1-a")},
			want:   KindDelete,
		},
		{
			name:   "deleted locally after remote change",
			remote: []RemoteRef{{ID: id, Revision: "2-b"}},
			ledger: map[string]LedgerEntry{id: synced(slot, "1-a")},
			want:   KindConflict, reason: ReasonDeleteChanged,
		},
		{name: "foreign remote", remote: []RemoteRef{{ID: id, Revision: "1-a"}}, want: KindFetch},
		{name: "gone on both sides", ledger: map[string]LedgerEntry{id: synced(slot, "1-a")}, want: KindForget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions := Plan(tt.local, tt.remote, tt.ledger)
			if tt.none {
				assert.Empty(t, actions)
				return
			}
			require.Len(t, actions, 1)
			assert.Equal(t, tt.want, actions[0].Kind)
			assert.Equal(t, tt.reason, actions[0].Reason)
			assert.Equal(t, id, actions[0].ID)
		})
	}
}

func TestPlanNeverUpdatesOverMovedRevision(t *testing.T) {
	before := noteSlot("CASTLEVANIA", 1)
	id := before.Key()
	ledger := map[string]LedgerEntry{id: synced(before, "1-a")}
	for fill := byte(2); fill < 20; fill++ {
		actions := Plan(
			[]LocalEntry{NewLocalEntry(noteSlot("CASTLEVANIA", fill))},
			[]RemoteRef{{ID: id, Revision: "2-b"}},
			ledger,
		)
		require.Len(t, actions, 1)
		assert.Equal(t, KindConflict, actions[0].Kind)
	}
}

func TestPlanKeepsSameNamedNotesApart(t *testing.T) {
	a := noteSlot("ALPHA", 1)
	b := noteSlot("BRAVO", 1)
	b2 := noteSlot("BRAVO", 9)
	actions := Plan(
		LocalEntries([]media.SaveSlot{b, a, b2}),
		nil,
		nil,
	)
	require.Len(t, actions, 3)
	assert.Equal(t, a.Key(), actions[0].ID)
	assert.Equal(t, b.Key(), actions[1].ID)
	assert.Equal(t, b.Key()+"~2", actions[2].ID)
	assert.Equal(t, b.Payload, actions[1].Local.Slot.Payload)
	assert.Equal(t, b2.Payload, actions[2].Local.Slot.Payload)
	for _, a := range actions {
		assert.Equal(t, KindCreate, a.Kind)
	}
}

func TestPlanDoesNotMutateLedger(t *testing.T) {
	slot := noteSlot("DRACULA", 1)
	ledger := map[string]LedgerEntry{slot.Key(): synced(slot, "1-a")}
	actions := Plan(nil, nil, ledger)
	require.Len(t, actions, 1)
	actions[0].Base[0] = 0xFF
	assert.Equal(t, byte(1), ledger[slot.Key()].Payload[0])
}
