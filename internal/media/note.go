package media

import (
	"bytes"
	"fmt"

	"github.com/agentworkforce/paksync/internal/pak"
)

const (
	noteRevision = 0x01
	// noteStartPlaceholder fills the start page field of exported entries.
	noteStartPlaceholder = 0xCAFE
)

// noteContainer is a single exported note: metadata block, note table
// entry, whole pages, and whatever trails them.
type noteContainer struct {
	meta    [noteMetaSize]byte
	header  pak.NoteHeader
	payload []byte
	trailer []byte
}

func decodeNote(b []byte) (*noteContainer, error) {
	if len(b) < noteDataOffset {
		return nil, decodeErr(FormatNote, ReasonTruncated, fmt.Errorf("got %d bytes", len(b)))
	}
	if !bytes.Equal(b[1:1+len(noteMagic)], noteMagic) {
		return nil, decodeErr(FormatNote, ReasonBadMagic, nil)
	}
	pages := (len(b) - noteDataOffset) / pak.PageSize
	if pages == 0 {
		return nil, decodeErr(FormatNote, ReasonTruncated, fmt.Errorf("no note pages"))
	}
	end := noteDataOffset + pages*pak.PageSize
	c := &noteContainer{
		payload: append([]byte(nil), b[noteDataOffset:end]...),
		trailer: append([]byte(nil), b[end:]...),
	}
	copy(c.meta[:], b[:noteMetaSize])
	copy(c.header[:], b[noteMetaSize:noteDataOffset])
	return c, nil
}

// buildNoteFile lays out a standalone note. meta may be nil, in which case
// a fresh metadata block is written.
func buildNoteFile(meta, header, payload []byte) []byte {
	out := make([]byte, noteDataOffset, noteDataOffset+len(payload)+pak.PageSize)
	if len(meta) == noteMetaSize {
		copy(out, meta)
	} else {
		out[0] = noteRevision
		copy(out[1:], noteMagic)
	}
	var h pak.NoteHeader
	copy(h[:], header)
	h.SetStartPage(noteStartPlaceholder)
	copy(out[noteMetaSize:], h[:])
	out = append(out, payload...)
	if rem := len(payload) % pak.PageSize; rem != 0 {
		out = append(out, make([]byte, pak.PageSize-rem)...)
	}
	return out
}

func (c *noteContainer) slot() SaveSlot {
	h := c.header
	s := SaveSlot{
		Index:     0,
		Name:      pak.DecodeName(h.Name()),
		Extension: h.Extension(),
		Header:    append([]byte(nil), h[:]...),
		Payload:   append([]byte(nil), c.payload...),
		game:      GameID{Code: h.GameCode(), Publisher: h.Publisher()},
		offset:    noteDataOffset,
		format:    FormatNote,
	}
	s.Metadata = describe(s.game, s.Payload)
	return s
}

func (c *noteContainer) slots() ([]SaveSlot, error) {
	return []SaveSlot{c.slot()}, nil
}

func (c *noteContainer) occupied(index int) bool {
	return index == 0
}

func (c *noteContainer) capacity() int {
	return 1
}

func padPages(payload []byte) []byte {
	out := append([]byte(nil), payload...)
	if rem := len(out) % pak.PageSize; rem != 0 {
		out = append(out, make([]byte, pak.PageSize-rem)...)
	}
	return out
}

func (c *noteContainer) importSlot(slot SaveSlot, opts ImportOptions) (SaveSlot, error) {
	if !opts.Overwrite {
		return SaveSlot{}, fmt.Errorf("%w: note files hold a single occupied slot", ErrInvalidSlotTarget)
	}
	h := headerFor(slot)
	h.SetStartPage(c.header.StartPage())
	c.header = h
	c.payload = padPages(slot.Payload)
	return c.slot(), nil
}

func (c *noteContainer) deleteSlot(index int) error {
	return fmt.Errorf("%w: note files cannot be emptied", ErrInvalidSlotTarget)
}

func (c *noteContainer) replacePayload(index int, payload []byte) (SaveSlot, error) {
	if index != 0 {
		return SaveSlot{}, fmt.Errorf("%w: note files only have slot 0", ErrInvalidSlotTarget)
	}
	c.payload = padPages(payload)
	return c.slot(), nil
}

func (c *noteContainer) bytes() []byte {
	out := make([]byte, 0, noteDataOffset+len(c.payload)+len(c.trailer))
	out = append(out, c.meta[:]...)
	out = append(out, c.header[:]...)
	out = append(out, c.payload...)
	return append(out, c.trailer...)
}
