// Package syncengine reconciles the slots of an open image with a revisioned
// remote document store. Planning is a pure three-way diff between the local
// slots, the remote listing and the ledger of the last agreed state.
package syncengine

import (
	"sort"

	"github.com/agentworkforce/paksync/internal/media"
	"github.com/agentworkforce/paksync/internal/remotestore"
)

type Kind int

const (
	KindCreate Kind = iota + 1
	KindUpdate
	KindDelete
	KindFetch
	KindConflict
	KindForget
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindFetch:
		return "fetch"
	case KindConflict:
		return "conflict"
	case KindForget:
		return "forget"
	default:
		return "unknown"
	}
}

// Conflict reasons.
const (
	ReasonDeletedRemotely = "deleted remotely"
	ReasonUnsynced        = "present on both sides but never synced"
	ReasonChangedBoth     = "changed locally and remotely"
	ReasonDeleteChanged   = "deleted locally but changed remotely"
)

// LocalEntry is one local slot as seen by the planner.
type LocalEntry struct {
	ID   string
	Slot media.SaveSlot
	Hash string
}

func NewLocalEntry(slot media.SaveSlot) LocalEntry {
	return LocalEntry{ID: slot.Key(), Slot: slot, Hash: HashPayload(slot.Payload)}
}

// LocalEntries converts slots in media order. Slots sharing a key are told
// apart by the copy suffix from media.Keys.
func LocalEntries(slots []media.SaveSlot) []LocalEntry {
	out := make([]LocalEntry, 0, len(slots))
	for i, key := range media.Keys(slots) {
		e := NewLocalEntry(slots[i])
		e.ID = key
		out = append(out, e)
	}
	return out
}

type RemoteRef = remotestore.Ref

// SyncAction is one proposed step. BaseRevision is the revision a mutation
// must present; RemoteRevision is what the listing showed. Conflicts carry
// the local entry and the last synced payload so neither version is lost.
type SyncAction struct {
	Kind           Kind
	ID             string
	BaseRevision   string
	RemoteRevision string
	Local          *LocalEntry
	Base           []byte
	Reason         string
}

// Plan diffs local entries against the remote listing using the ledger
// snapshot. It does not touch the store, the ledger or the slots.
func Plan(local []LocalEntry, remote []RemoteRef, ledger map[string]LedgerEntry) []SyncAction {
	locals := make(map[string]LocalEntry, len(local))
	for _, e := range local {
		if _, dup := locals[e.ID]; !dup {
			locals[e.ID] = e
		}
	}
	remotes := make(map[string]string, len(remote))
	for _, r := range remote {
		remotes[r.ID] = r.Revision
	}
	ids := map[string]struct{}{}
	for id := range locals {
		ids[id] = struct{}{}
	}
	for id := range remotes {
		ids[id] = struct{}{}
	}
	for id := range ledger {
		ids[id] = struct{}{}
	}

	var actions []SyncAction
	for id := range ids {
		l, hasLocal := locals[id]
		rev, hasRemote := remotes[id]
		synced, wasSynced := ledger[id]
		if a, ok := planOne(id, l, hasLocal, rev, hasRemote, synced, wasSynced); ok {
			actions = append(actions, a)
		}
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].ID < actions[j].ID })
	return actions
}

func planOne(id string, l LocalEntry, hasLocal bool, rev string, hasRemote bool, synced LedgerEntry, wasSynced bool) (SyncAction, bool) {
	a := SyncAction{ID: id, RemoteRevision: rev}
	if hasLocal {
		local := l
		a.Local = &local
	}
	if wasSynced {
		a.Base = append([]byte(nil), synced.Payload...)
	}
	switch {
	case hasLocal && !hasRemote && !wasSynced:
		a.Kind = KindCreate
	case hasLocal && !hasRemote:
		a.Kind = KindConflict
		a.BaseRevision = synced.Revision
		a.Reason = ReasonDeletedRemotely
	case hasLocal && !wasSynced:
		a.Kind = KindConflict
		a.Reason = ReasonUnsynced
	case hasLocal:
		changed := l.Hash != synced.Hash
		moved := rev != synced.Revision
		switch {
		case !changed && !moved:
			return SyncAction{}, false
		case !changed:
			a.Kind = KindFetch
		case !moved:
			a.Kind = KindUpdate
			a.BaseRevision = synced.Revision
		default:
			a.Kind = KindConflict
			a.BaseRevision = synced.Revision
			a.Reason = ReasonChangedBoth
		}
	case hasRemote && !wasSynced:
		a.Kind = KindFetch
	case hasRemote:
		if rev == synced.Revision {
			a.Kind = KindDelete
			a.BaseRevision = synced.Revision
		} else {
			a.Kind = KindConflict
			a.BaseRevision = synced.Revision
			a.Reason = ReasonDeleteChanged
		}
	case wasSynced:
		a.Kind = KindForget
		a.BaseRevision = synced.Revision
	default:
		return SyncAction{}, false
	}
	return a, true
}
