package pak

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

const (
	PageSize       = 256
	PageCount      = 128
	ImageSize      = PageSize * PageCount
	FirstDataPage  = 5
	NoteCount      = 16
	NoteHeaderSize = 32

	indexPageNumber  = 1
	backupIndexPage  = 2
	noteTableOffset  = 3 * PageSize
	noteTableSize    = NoteCount * NoteHeaderSize
	indexHeaderBytes = FirstDataPage * 2

	linkLast uint16 = 0x0001
	linkFree uint16 = 0x0003

	statusOccupied byte = 0x02
)

var (
	ErrBadSize           = errors.New("controller pak image must be 32768 bytes")
	ErrBadIDBlock        = errors.New("no valid id block")
	ErrIndexCorrupt      = errors.New("index table corrupt")
	ErrNoSpace           = errors.New("not enough free pages or note slots")
	ErrInvariant         = errors.New("note chain invariant violated")
	ErrUnsupportedLayout = errors.New("unsupported chain layout")
	ErrInvalidEntry      = errors.New("invalid note entry")
)

// Entry is a valid note: an occupied note table slot together with its page chain.
type Entry struct {
	Index     int
	StartPage int
	Pages     []int
	Header    NoteHeader
}

// Size is the number of bytes the chain can hold.
func (e Entry) Size() int {
	return len(e.Pages) * PageSize
}

// Offset is the byte offset of the first page within the image.
func (e Entry) Offset() int {
	return e.StartPage * PageSize
}

func (e Entry) clone() Entry {
	e.Pages = append([]int(nil), e.Pages...)
	return e
}

type indexState struct {
	links   [PageCount]uint16
	entries map[int]Entry
}

func (s indexState) clone() indexState {
	out := indexState{links: s.links, entries: make(map[int]Entry, len(s.entries))}
	for k, v := range s.entries {
		out.entries[k] = v.clone()
	}
	return out
}

// Pak is a decoded Controller Pak image. Mutations rewrite the index table,
// its backup copy and the note table in place; every other byte of the
// image is carried through unchanged.
type Pak struct {
	raw      []byte
	id       IDBlock
	layout   ChainLayout
	state    indexState
	poisoned bool
}

// Parse decodes a 32 KB image. The input slice is copied.
func Parse(raw []byte) (*Pak, error) {
	if len(raw) != ImageSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBadSize, len(raw))
	}
	buf := append([]byte(nil), raw...)
	id, err := findIDBlock(buf[:PageSize])
	if err != nil {
		return nil, err
	}
	layout, err := DetectLayout(id)
	if err != nil {
		return nil, err
	}
	index := buf[indexPageNumber*PageSize : (indexPageNumber+1)*PageSize]
	notes := buf[noteTableOffset : noteTableOffset+noteTableSize]
	entries, err := ParseIndex(index, notes)
	if err != nil {
		return nil, err
	}
	p := &Pak{
		raw:    buf,
		id:     id,
		layout: layout,
		state:  indexState{entries: make(map[int]Entry, len(entries))},
	}
	p.state.links = decodeLinks(index)
	for _, e := range entries {
		p.state.entries[e.Index] = e
	}
	return p, nil
}

func (p *Pak) ID() IDBlock {
	return p.id
}

func (p *Pak) Layout() ChainLayout {
	return p.layout
}

// Bytes returns a copy of the current image.
func (p *Pak) Bytes() []byte {
	return append([]byte(nil), p.raw...)
}

// Entries lists valid notes ordered by note table index.
func (p *Pak) Entries() []Entry {
	out := make([]Entry, 0, len(p.state.entries))
	for _, e := range p.state.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (p *Pak) Entry(index int) (Entry, bool) {
	e, ok := p.state.entries[index]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// FreePages counts data pages marked free in the index table.
func (p *Pak) FreePages() int {
	return int(freeSet(p.state.links).GetCardinality())
}

// FreeSlots counts unoccupied note table slots.
func (p *Pak) FreeSlots() int {
	return NoteCount - len(p.state.entries)
}

// ReadNote concatenates the pages of the entry's chain.
func (p *Pak) ReadNote(e Entry) ([]byte, error) {
	if p.poisoned {
		return nil, fmt.Errorf("%w: pak must be re-parsed", ErrIndexCorrupt)
	}
	cur, ok := p.state.entries[e.Index]
	if !ok {
		return nil, fmt.Errorf("%w: note %d is not allocated", ErrInvalidEntry, e.Index)
	}
	out := make([]byte, 0, cur.Size())
	for _, page := range cur.Pages {
		out = append(out, p.raw[page*PageSize:(page+1)*PageSize]...)
	}
	return out, nil
}

// SetHeader replaces the note table entry for an allocated note. The start
// page and occupied bit are kept consistent with the chain.
func (p *Pak) SetHeader(index int, h NoteHeader) (Entry, error) {
	if p.poisoned {
		return Entry{}, fmt.Errorf("%w: pak must be re-parsed", ErrIndexCorrupt)
	}
	next := p.state.clone()
	e, ok := next.entries[index]
	if !ok {
		return Entry{}, fmt.Errorf("%w: note %d is not allocated", ErrInvalidEntry, index)
	}
	h.SetStartPage(e.StartPage)
	h[8] |= statusOccupied
	e.Header = h
	next.entries[index] = e
	if err := p.commit(next, nil); err != nil {
		return Entry{}, err
	}
	return e.clone(), nil
}

func (p *Pak) commit(next indexState, pageWrites map[int][]byte) error {
	if err := checkChains(next); err != nil {
		p.poisoned = true
		return err
	}
	for page, data := range pageWrites {
		dst := p.raw[page*PageSize : (page+1)*PageSize]
		n := copy(dst, data)
		for i := n; i < PageSize; i++ {
			dst[i] = 0
		}
	}
	for index, e := range next.entries {
		copy(p.raw[noteTableOffset+index*NoteHeaderSize:], e.Header[:])
	}
	for index, e := range p.state.entries {
		if _, ok := next.entries[index]; !ok {
			// Released slots keep their bytes except for the occupied bit.
			off := noteTableOffset + index*NoteHeaderSize
			p.raw[off+8] = e.Header[8] &^ statusOccupied
		}
	}
	p.writeLinks(next.links)
	p.state = next
	return nil
}

func (p *Pak) writeLinks(links [PageCount]uint16) {
	primary := p.raw[indexPageNumber*PageSize : (indexPageNumber+1)*PageSize]
	for page := FirstDataPage; page < PageCount; page++ {
		binary.BigEndian.PutUint16(primary[page*2:], links[page])
	}
	primary[1] = IndexChecksum(primary)
	copy(p.raw[backupIndexPage*PageSize:(backupIndexPage+1)*PageSize], primary)
}
