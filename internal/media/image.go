package media

import (
	"errors"
	"fmt"
	"sort"
)

// ImportOptions selects where an imported slot lands. Index -1 picks the
// first free position.
type ImportOptions struct {
	Index     int
	Overwrite bool
}

type container interface {
	slots() ([]SaveSlot, error)
	occupied(index int) bool
	capacity() int
	importSlot(slot SaveSlot, opts ImportOptions) (SaveSlot, error)
	deleteSlot(index int) error
	replacePayload(index int, payload []byte) (SaveSlot, error)
	bytes() []byte
}

// Image is a decoded media image. The concrete layout is held by a
// format-specific container; unmodified regions of the source bytes are
// carried through to Encode verbatim.
type Image struct {
	format Format
	c      container
}

func (img *Image) Format() Format {
	return img.format
}

// Slots lists occupied slots ordered by Index. A slot that cannot be read
// fails the whole listing rather than being left out.
func (img *Image) Slots() ([]SaveSlot, error) {
	slots, err := img.c.slots()
	if err != nil {
		return nil, err
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Index < slots[j].Index })
	return slots, nil
}

// Slot returns the slot at index, or ErrInvalidSlotTarget when it is empty.
func (img *Image) Slot(index int) (SaveSlot, error) {
	if !img.c.occupied(index) {
		return SaveSlot{}, fmt.Errorf("%w: slot %d is empty", ErrInvalidSlotTarget, index)
	}
	slots, err := img.c.slots()
	if err != nil {
		return SaveSlot{}, err
	}
	for _, s := range slots {
		if s.Index == index {
			return s, nil
		}
	}
	return SaveSlot{}, fmt.Errorf("%w: slot %d is empty", ErrInvalidSlotTarget, index)
}

// Occupied reports whether a slot position holds a save.
func (img *Image) Occupied(index int) bool {
	return img.c.occupied(index)
}

// Capacity is the number of slot positions the media offers.
func (img *Image) Capacity() int {
	return img.c.capacity()
}

func (img *Image) Import(slot SaveSlot, opts ImportOptions) (SaveSlot, error) {
	if len(slot.Payload) == 0 {
		return SaveSlot{}, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if opts.Index < -1 || opts.Index >= img.c.capacity() {
		return SaveSlot{}, fmt.Errorf("%w: index %d outside 0..%d", ErrInvalidSlotTarget, opts.Index, img.c.capacity()-1)
	}
	return img.c.importSlot(slot, opts)
}

func (img *Image) Delete(index int) error {
	return img.c.deleteSlot(index)
}

// Replace overwrites the payload of an occupied slot keeping its identity.
func (img *Image) Replace(index int, payload []byte) (SaveSlot, error) {
	if len(payload) == 0 {
		return SaveSlot{}, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	return img.c.replacePayload(index, payload)
}

func Decode(b []byte, f Format) (*Image, error) {
	var (
		c   container
		err error
	)
	switch f {
	case FormatControllerPak:
		c, err = decodeControllerPak(b)
	case FormatDexDrive:
		c, err = decodeDexDrive(b)
	case FormatNote:
		c, err = decodeNote(b)
	case FormatCartridge:
		c, err = decodeCartridge(b)
	default:
		return nil, ErrFormatUnknown
	}
	if err != nil {
		return nil, err
	}
	return &Image{format: f, c: c}, nil
}

// DecodeAuto detects the format and decodes.
func DecodeAuto(b []byte) (*Image, error) {
	f := DetectFormat(b)
	if f == FormatUnknown {
		return nil, ErrFormatUnknown
	}
	return Decode(b, f)
}

func Encode(img *Image) ([]byte, error) {
	if img == nil || img.c == nil {
		return nil, errors.New("encode: nil image")
	}
	return img.c.bytes(), nil
}

// ExportSlot renders one slot as a standalone file: a note file for
// pak-backed media, a raw 0x200-byte slot for cartridges.
func ExportSlot(img *Image, index int) ([]byte, error) {
	slot, err := img.Slot(index)
	if err != nil {
		return nil, err
	}
	if img.format == FormatCartridge {
		out := make([]byte, cartridgeSlotSize)
		copy(out, cartridgeMagic)
		copy(out[cartridgeHeaderSize:], slot.Payload)
		return out, nil
	}
	var meta []byte
	if nc, ok := img.c.(*noteContainer); ok {
		meta = nc.meta[:]
	}
	return buildNoteFile(meta, slot.Header, slot.Payload), nil
}

// ReadSlotFile parses a file produced by ExportSlot.
func ReadSlotFile(b []byte) (SaveSlot, error) {
	if DetectFormat(b) == FormatNote {
		img, err := Decode(b, FormatNote)
		if err != nil {
			return SaveSlot{}, err
		}
		return img.Slot(0)
	}
	if len(b) == cartridgeSlotSize {
		if !hasCartridgeMagic(b) {
			return SaveSlot{}, decodeErr(FormatCartridge, ReasonBadMagic, nil)
		}
		return cartridgeSlot(b, 0, -1), nil
	}
	return SaveSlot{}, ErrFormatUnknown
}
