package pak

import (
	"encoding/binary"
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

// NoteHeader is a raw 32-byte note table entry.
type NoteHeader [NoteHeaderSize]byte

func (h NoteHeader) GameCode() [4]byte {
	var out [4]byte
	copy(out[:], h[0:4])
	return out
}

func (h NoteHeader) Publisher() [2]byte {
	var out [2]byte
	copy(out[:], h[4:6])
	return out
}

func (h NoteHeader) StartPage() int {
	return int(binary.BigEndian.Uint16(h[6:8]))
}

func (h *NoteHeader) SetStartPage(page int) {
	binary.BigEndian.PutUint16(h[6:8], uint16(page))
}

func (h NoteHeader) Occupied() bool {
	return h[8]&statusOccupied != 0
}

func (h NoteHeader) Extension() [4]byte {
	var out [4]byte
	copy(out[:], h[12:16])
	return out
}

func (h NoteHeader) Name() [16]byte {
	var out [16]byte
	copy(out[:], h[16:32])
	return out
}

// NewNoteHeader builds an occupied header for the given identity. The start
// page is filled in on allocation.
func NewNoteHeader(code [4]byte, publisher [2]byte, name string, ext [4]byte) NoteHeader {
	var h NoteHeader
	copy(h[0:4], code[:])
	copy(h[4:6], publisher[:])
	h[8] = statusOccupied
	copy(h[12:16], ext[:])
	encoded := EncodeName(name)
	copy(h[16:32], encoded[:])
	return h
}

// IndexChecksum is the byte sum of the link area of an index page.
func IndexChecksum(page []byte) byte {
	var sum byte
	for _, b := range page[indexHeaderBytes:PageSize] {
		sum += b
	}
	return sum
}

func decodeLinks(page []byte) [PageCount]uint16 {
	var links [PageCount]uint16
	for i := range links {
		links[i] = binary.BigEndian.Uint16(page[i*2:])
	}
	return links
}

// ParseIndex validates an index page against the note table and returns the
// valid notes with their chains. The checksum is verified before any chain
// is walked.
func ParseIndex(indexPage, noteTable []byte) ([]Entry, error) {
	if len(indexPage) != PageSize {
		return nil, fmt.Errorf("%w: index page is %d bytes", ErrIndexCorrupt, len(indexPage))
	}
	if len(noteTable) != noteTableSize {
		return nil, fmt.Errorf("%w: note table is %d bytes", ErrIndexCorrupt, len(noteTable))
	}
	if got, want := indexPage[1], IndexChecksum(indexPage); got != want {
		return nil, fmt.Errorf("%w: checksum 0x%02x, computed 0x%02x", ErrIndexCorrupt, got, want)
	}
	links := decodeLinks(indexPage)
	used := roaring.New()
	var entries []Entry
	for i := 0; i < NoteCount; i++ {
		var h NoteHeader
		copy(h[:], noteTable[i*NoteHeaderSize:(i+1)*NoteHeaderSize])
		if !h.Occupied() {
			continue
		}
		start := h.StartPage()
		if start < FirstDataPage || start >= PageCount {
			return nil, fmt.Errorf("%w: note %d starts at page %d", ErrIndexCorrupt, i, start)
		}
		pages, err := walkChain(links, start)
		if err != nil {
			return nil, fmt.Errorf("note %d: %w", i, err)
		}
		chain := roaring.New()
		for _, page := range pages {
			chain.Add(uint32(page))
		}
		if used.Intersects(chain) {
			return nil, fmt.Errorf("%w: note %d shares pages with another note", ErrIndexCorrupt, i)
		}
		used.Or(chain)
		entries = append(entries, Entry{Index: i, StartPage: start, Pages: pages, Header: h})
	}
	return entries, nil
}

func walkChain(links [PageCount]uint16, start int) ([]int, error) {
	seen := roaring.New()
	var pages []int
	page := start
	for {
		if page < FirstDataPage || page >= PageCount {
			return nil, fmt.Errorf("%w: link to page %d out of range", ErrIndexCorrupt, page)
		}
		if !seen.CheckedAdd(uint32(page)) {
			return nil, fmt.Errorf("%w: cycle at page %d", ErrIndexCorrupt, page)
		}
		pages = append(pages, page)
		next := links[page]
		switch {
		case next == linkLast:
			return pages, nil
		case next == linkFree:
			return nil, fmt.Errorf("%w: page %d in chain is marked free", ErrIndexCorrupt, page)
		default:
			page = int(next)
		}
	}
}

func freeSet(links [PageCount]uint16) *roaring.Bitmap {
	free := roaring.New()
	for page := FirstDataPage; page < PageCount; page++ {
		if links[page] == linkFree {
			free.Add(uint32(page))
		}
	}
	return free
}

// checkChains verifies that every entry's recorded chain matches the link
// table and that no two chains share a page.
func checkChains(s indexState) error {
	used := roaring.New()
	for index, e := range s.entries {
		if len(e.Pages) == 0 || e.Pages[0] != e.StartPage || e.Header.StartPage() != e.StartPage {
			return fmt.Errorf("%w: note %d start page mismatch", ErrInvariant, index)
		}
		walked, err := walkChain(s.links, e.StartPage)
		if err != nil || len(walked) != len(e.Pages) {
			return fmt.Errorf("%w: note %d chain does not match index table", ErrInvariant, index)
		}
		chain := roaring.New()
		for i, page := range walked {
			if page != e.Pages[i] {
				return fmt.Errorf("%w: note %d chain does not match index table", ErrInvariant, index)
			}
			chain.Add(uint32(page))
		}
		if used.Intersects(chain) {
			return fmt.Errorf("%w: note %d overlaps another note", ErrInvariant, index)
		}
		used.Or(chain)
	}
	return nil
}
