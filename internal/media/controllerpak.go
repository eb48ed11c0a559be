package media

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/paksync/internal/pak"
)

type pakContainer struct {
	format Format
	p      *pak.Pak
	// comments is non-nil for DexDrive images.
	comments *dexComments
}

func decodeControllerPak(b []byte) (*pakContainer, error) {
	p, err := pak.Parse(b)
	if err != nil {
		return nil, pakDecodeError(FormatControllerPak, err)
	}
	return &pakContainer{format: FormatControllerPak, p: p}, nil
}

func noteSlot(f Format, e pak.Entry, payload []byte) SaveSlot {
	h := e.Header
	s := SaveSlot{
		Index:     e.Index,
		Name:      pak.DecodeName(h.Name()),
		Extension: h.Extension(),
		Header:    append([]byte(nil), h[:]...),
		Payload:   payload,
		game:      GameID{Code: h.GameCode(), Publisher: h.Publisher()},
		offset:    e.Offset(),
		format:    f,
	}
	s.Metadata = describe(s.game, payload)
	return s
}

func (c *pakContainer) slots() ([]SaveSlot, error) {
	entries := c.p.Entries()
	out := make([]SaveSlot, 0, len(entries))
	for _, e := range entries {
		payload, err := c.p.ReadNote(e)
		if err != nil {
			return nil, fmt.Errorf("read note %d: %w", e.Index, err)
		}
		s := noteSlot(c.format, e, payload)
		if c.comments != nil {
			s.Comment = c.comments.get(e.Index)
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *pakContainer) occupied(index int) bool {
	_, ok := c.p.Entry(index)
	return ok
}

func (c *pakContainer) capacity() int {
	return pak.NoteCount
}

// headerFor returns the note table entry to store for slot: its own raw
// header when it came from pak-backed media, otherwise one built from the
// slot identity.
func headerFor(slot SaveSlot) pak.NoteHeader {
	var h pak.NoteHeader
	if len(slot.Header) == pak.NoteHeaderSize {
		copy(h[:], slot.Header)
		return h
	}
	return pak.NewNoteHeader(slot.game.Code, slot.game.Publisher, slot.Name, slot.Extension)
}

func (c *pakContainer) importSlot(slot SaveSlot, opts ImportOptions) (SaveSlot, error) {
	if len(slot.Payload) > (pak.PageCount-pak.FirstDataPage)*pak.PageSize {
		return SaveSlot{}, fmt.Errorf("%w: %d bytes exceeds pak capacity", ErrInvalidPayload, len(slot.Payload))
	}
	h := headerFor(slot)
	var (
		e   pak.Entry
		err error
	)
	existing, occupied := c.p.Entry(opts.Index)
	switch {
	case opts.Index < 0:
		e, err = c.p.AllocateNote(h, slot.Payload)
	case occupied && !opts.Overwrite:
		return SaveSlot{}, fmt.Errorf("%w: note %d is occupied", ErrInvalidSlotTarget, opts.Index)
	case occupied:
		if e, err = c.p.WriteNote(existing, slot.Payload); err == nil {
			e, err = c.p.SetHeader(e.Index, h)
		}
	default:
		e, err = c.p.AllocateNoteAt(opts.Index, h, slot.Payload)
	}
	if err != nil {
		return SaveSlot{}, mapPakError(err)
	}
	if c.comments != nil {
		c.comments.set(e.Index, slot.Comment)
	}
	payload, err := c.p.ReadNote(e)
	if err != nil {
		return SaveSlot{}, mapPakError(err)
	}
	out := noteSlot(c.format, e, payload)
	out.Comment = slot.Comment
	return out, nil
}

func (c *pakContainer) deleteSlot(index int) error {
	e, ok := c.p.Entry(index)
	if !ok {
		return fmt.Errorf("%w: note %d is empty", ErrInvalidSlotTarget, index)
	}
	if err := c.p.Free(e); err != nil {
		return mapPakError(err)
	}
	if c.comments != nil {
		c.comments.set(index, "")
	}
	return nil
}

func (c *pakContainer) replacePayload(index int, payload []byte) (SaveSlot, error) {
	e, ok := c.p.Entry(index)
	if !ok {
		return SaveSlot{}, fmt.Errorf("%w: note %d is empty", ErrInvalidSlotTarget, index)
	}
	e, err := c.p.WriteNote(e, payload)
	if err != nil {
		return SaveSlot{}, mapPakError(err)
	}
	got, err := c.p.ReadNote(e)
	if err != nil {
		return SaveSlot{}, mapPakError(err)
	}
	return noteSlot(c.format, e, got), nil
}

func (c *pakContainer) bytes() []byte {
	body := c.p.Bytes()
	if c.comments == nil {
		return body
	}
	return append(c.comments.header(), body...)
}

func mapPakError(err error) error {
	if errors.Is(err, pak.ErrInvalidEntry) {
		return fmt.Errorf("%w: %v", ErrInvalidSlotTarget, err)
	}
	return err
}
