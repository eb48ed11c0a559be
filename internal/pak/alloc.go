package pak

import (
	"fmt"
)

func pagesFor(size int) int {
	return (size + PageSize - 1) / PageSize
}

func freeSlot(s indexState) (int, bool) {
	for i := 0; i < NoteCount; i++ {
		if _, ok := s.entries[i]; ok {
			continue
		}
		return i, true
	}
	return 0, false
}

// takePages picks the n lowest free pages of s.
func takePages(s *indexState, n int) ([]int, bool) {
	free := freeSet(s.links)
	if int(free.GetCardinality()) < n {
		return nil, false
	}
	pages := make([]int, 0, n)
	it := free.Iterator()
	for len(pages) < n && it.HasNext() {
		pages = append(pages, int(it.Next()))
	}
	return pages, true
}

func linkChain(s *indexState, pages []int) {
	for i, page := range pages {
		if i == len(pages)-1 {
			s.links[page] = linkLast
		} else {
			s.links[page] = uint16(pages[i+1])
		}
	}
}

// Allocate reserves ceil(size/256) pages, lowest free page first, and a free
// note table slot. The returned entry has an occupied header with an empty
// identity; callers fill it in with SetHeader.
func (p *Pak) Allocate(size int) (Entry, error) {
	var h NoteHeader
	h[8] = statusOccupied
	return p.allocate(-1, size, h, nil)
}

// AllocateNote allocates a chain for data and writes header and pages in one
// step.
func (p *Pak) AllocateNote(h NoteHeader, data []byte) (Entry, error) {
	return p.allocate(-1, len(data), h, data)
}

// AllocateNoteAt is AllocateNote into a specific, currently free, note
// table slot.
func (p *Pak) AllocateNoteAt(index int, h NoteHeader, data []byte) (Entry, error) {
	if index < 0 || index >= NoteCount {
		return Entry{}, fmt.Errorf("%w: note index %d out of range", ErrInvalidEntry, index)
	}
	if _, ok := p.state.entries[index]; ok {
		return Entry{}, fmt.Errorf("%w: note %d is in use", ErrInvalidEntry, index)
	}
	return p.allocate(index, len(data), h, data)
}

func (p *Pak) allocate(index, size int, h NoteHeader, data []byte) (Entry, error) {
	if p.poisoned {
		return Entry{}, fmt.Errorf("%w: pak must be re-parsed", ErrIndexCorrupt)
	}
	if size <= 0 {
		return Entry{}, fmt.Errorf("%w: size must be positive", ErrInvalidEntry)
	}
	next := p.state.clone()
	if index < 0 {
		var ok bool
		if index, ok = freeSlot(next); !ok {
			return Entry{}, fmt.Errorf("%w: note table is full", ErrNoSpace)
		}
	}
	n := pagesFor(size)
	pages, ok := takePages(&next, n)
	if !ok {
		return Entry{}, fmt.Errorf("%w: need %d pages, %d free", ErrNoSpace, n, p.FreePages())
	}
	linkChain(&next, pages)
	h.SetStartPage(pages[0])
	h[8] |= statusOccupied
	e := Entry{Index: index, StartPage: pages[0], Pages: pages, Header: h}
	next.entries[index] = e
	if err := p.commit(next, splitPages(pages, data)); err != nil {
		return Entry{}, err
	}
	return e.clone(), nil
}

// Free releases the entry's pages and clears its occupied bit. Page contents
// are left as they are.
func (p *Pak) Free(e Entry) error {
	if p.poisoned {
		return fmt.Errorf("%w: pak must be re-parsed", ErrIndexCorrupt)
	}
	next := p.state.clone()
	cur, ok := next.entries[e.Index]
	if !ok {
		return fmt.Errorf("%w: note %d is not allocated", ErrInvalidEntry, e.Index)
	}
	for _, page := range cur.Pages {
		next.links[page] = linkFree
	}
	delete(next.entries, e.Index)
	return p.commit(next, nil)
}

// WriteNote replaces the note's contents, growing or shrinking its chain to
// fit. Growth takes the lowest free pages; on ErrNoSpace nothing changes.
func (p *Pak) WriteNote(e Entry, data []byte) (Entry, error) {
	if p.poisoned {
		return Entry{}, fmt.Errorf("%w: pak must be re-parsed", ErrIndexCorrupt)
	}
	if len(data) == 0 {
		return Entry{}, fmt.Errorf("%w: empty note data", ErrInvalidEntry)
	}
	next := p.state.clone()
	cur, ok := next.entries[e.Index]
	if !ok {
		return Entry{}, fmt.Errorf("%w: note %d is not allocated", ErrInvalidEntry, e.Index)
	}
	n := pagesFor(len(data))
	pages := cur.Pages
	switch {
	case n < len(pages):
		for _, page := range pages[n:] {
			next.links[page] = linkFree
		}
		pages = pages[:n]
	case n > len(pages):
		extra, ok := takePages(&next, n-len(pages))
		if !ok {
			return Entry{}, fmt.Errorf("%w: need %d more pages, %d free", ErrNoSpace, n-len(pages), p.FreePages())
		}
		pages = append(pages, extra...)
	}
	linkChain(&next, pages)
	cur.Pages = pages
	next.entries[e.Index] = cur
	if err := p.commit(next, splitPages(pages, data)); err != nil {
		return Entry{}, err
	}
	return cur.clone(), nil
}

func splitPages(pages []int, data []byte) map[int][]byte {
	if data == nil {
		return nil
	}
	out := make(map[int][]byte, len(pages))
	for i, page := range pages {
		start := i * PageSize
		if start >= len(data) {
			out[page] = nil
			continue
		}
		end := start + PageSize
		if end > len(data) {
			end = len(data)
		}
		out[page] = data[start:end]
	}
	return out
}
