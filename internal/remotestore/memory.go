package remotestore

import (
	"context"
	"sort"
	"sync"
)

type memoryDoc struct {
	rev  string
	body Document
}

// MemoryStore is an in-process Store used by tests, the document server and
// single-machine setups.
type MemoryStore struct {
	mu          sync.Mutex
	docs        map[string]memoryDoc
	generations map[string]int
	seq         int64
	subscribers map[chan Change]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:        map[string]memoryDoc{},
		generations: map[string]int{},
		subscribers: map[chan Change]struct{}{},
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	out := d.body.Clone()
	out.ID = id
	out.Revision = d.rev
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, id string, doc Document, rev string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !validID(id) {
		return "", ErrInvalidInput
	}
	body, err := doc.body()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.docs[id]
	switch {
	case !exists && rev != "":
		return "", &ConflictError{ID: id, ExpectedRevision: rev}
	case exists && cur.rev != rev:
		return "", &ConflictError{ID: id, ExpectedRevision: rev, CurrentRevision: cur.rev}
	}
	next := nextRevision(s.generations[id], body)
	s.generations[id] = revisionGeneration(next)
	stored := doc.Clone()
	stored.ID = ""
	stored.Revision = ""
	s.docs[id] = memoryDoc{rev: next, body: stored}
	s.publishLocked(Change{ID: id, Revision: next})
	return next, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id, rev string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	if cur.rev != rev {
		return &ConflictError{ID: id, ExpectedRevision: rev, CurrentRevision: cur.rev}
	}
	delete(s.docs, id)
	tombstone := nextRevision(s.generations[id], nil)
	s.generations[id] = revisionGeneration(tombstone)
	s.publishLocked(Change{ID: id, Revision: tombstone, Deleted: true})
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]Ref, 0, len(s.docs))
	for id, d := range s.docs {
		refs = append(refs, Ref{ID: id, Revision: d.rev})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

// Changes subscribes to mutations made after the call. Slow subscribers
// miss notifications rather than block writers.
func (s *MemoryStore) Changes(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, 64)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subscribers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *MemoryStore) publishLocked(c Change) {
	s.seq++
	c.Seq = s.seq
	for ch := range s.subscribers {
		select {
		case ch <- c:
		default:
		}
	}
}
