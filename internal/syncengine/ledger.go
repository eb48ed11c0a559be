package syncengine

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"lukechampine.com/blake3"
)

// LedgerEntry is what was last agreed with the remote store for one id.
// Payload keeps the synced bytes so conflicts can report the common base.
type LedgerEntry struct {
	Revision string `json:"revision"`
	Hash     string `json:"hash"`
	Payload  []byte `json:"payload,omitempty"`
}

type LedgerState struct {
	Entries map[string]LedgerEntry `json:"entries"`
}

func (s *LedgerState) clone() *LedgerState {
	out := &LedgerState{Entries: make(map[string]LedgerEntry, len(s.Entries))}
	for id, e := range s.Entries {
		e.Payload = append([]byte(nil), e.Payload...)
		out.Entries[id] = e
	}
	return out
}

// LedgerBackend persists the whole ledger snapshot. Load returns nil when
// nothing was saved yet.
type LedgerBackend interface {
	Load() (*LedgerState, error)
	Save(state *LedgerState) error
}

type ledgerBackendCloser interface {
	Close() error
}

// Ledger tracks the last synced revision and payload hash per document id.
// Every mutation is written through to the backend.
type Ledger struct {
	mu      sync.Mutex
	backend LedgerBackend
	state   *LedgerState
}

func NewLedger(backend LedgerBackend) (*Ledger, error) {
	if backend == nil {
		backend = NewInMemoryLedgerBackend()
	}
	state, err := backend.Load()
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &LedgerState{}
	}
	if state.Entries == nil {
		state.Entries = map[string]LedgerEntry{}
	}
	return &Ledger{backend: backend, state: state}, nil
}

// Snapshot returns a copy safe to hand to Plan.
func (l *Ledger) Snapshot() map[string]LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.clone().Entries
}

func (l *Ledger) Get(id string) (LedgerEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.state.Entries[id]
	return e, ok
}

func (l *Ledger) Record(id, revision string, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, had := l.state.Entries[id]
	l.state.Entries[id] = LedgerEntry{
		Revision: revision,
		Hash:     HashPayload(payload),
		Payload:  append([]byte(nil), payload...),
	}
	if err := l.backend.Save(l.state); err != nil {
		if had {
			l.state.Entries[id] = prev
		} else {
			delete(l.state.Entries, id)
		}
		return err
	}
	return nil
}

func (l *Ledger) Forget(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, had := l.state.Entries[id]
	if !had {
		return nil
	}
	delete(l.state.Entries, id)
	if err := l.backend.Save(l.state); err != nil {
		l.state.Entries[id] = prev
		return err
	}
	return nil
}

func (l *Ledger) Close() error {
	if c, ok := l.backend.(ledgerBackendCloser); ok {
		return c.Close()
	}
	return nil
}

// HashPayload fingerprints save bytes for change detection.
func HashPayload(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type InMemoryLedgerBackend struct {
	mu       sync.Mutex
	snapshot *LedgerState
}

func NewInMemoryLedgerBackend() *InMemoryLedgerBackend {
	return &InMemoryLedgerBackend{}
}

func (b *InMemoryLedgerBackend) Load() (*LedgerState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return b.snapshot.clone(), nil
}

func (b *InMemoryLedgerBackend) Save(state *LedgerState) error {
	if state == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = state.clone()
	return nil
}

type JSONFileLedgerBackend struct {
	Path string
}

func NewJSONFileLedgerBackend(path string) *JSONFileLedgerBackend {
	return &JSONFileLedgerBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileLedgerBackend) Load() (*LedgerState, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state LedgerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *JSONFileLedgerBackend) Save(state *LedgerState) error {
	if b == nil || b.Path == "" || state == nil {
		return nil
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(b.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}
