package media

import (
	"bytes"
	"fmt"
)

// cartridgeContainer is an EEPROM dump split into fixed 0x200-byte slots.
// A slot is occupied when it starts with the KCEK header.
type cartridgeContainer struct {
	raw []byte
}

func decodeCartridge(b []byte) (*cartridgeContainer, error) {
	valid := false
	for _, size := range cartridgeSizes {
		valid = valid || len(b) == size
	}
	if !valid {
		return nil, decodeErr(FormatCartridge, ReasonWrongSize, fmt.Errorf("got %d bytes", len(b)))
	}
	return &cartridgeContainer{raw: append([]byte(nil), b...)}, nil
}

func hasCartridgeMagic(slot []byte) bool {
	return bytes.HasPrefix(slot, cartridgeMagic)
}

func cartridgeSlot(slot []byte, index, offset int) SaveSlot {
	payload := append([]byte(nil), slot[cartridgeHeaderSize:cartridgeSlotSize]...)
	s := SaveSlot{
		Index:   index,
		Name:    fmt.Sprintf("SLOT %d", index),
		Header:  append([]byte(nil), slot[:cartridgeHeaderSize]...),
		Payload: payload,
		game:    cartridgeGame,
		offset:  offset,
		format:  FormatCartridge,
	}
	if offset >= 0 {
		s.offset = offset + cartridgeHeaderSize
	}
	s.Metadata = describe(cartridgeGame, payload)
	return s
}

func (c *cartridgeContainer) slotBytes(index int) []byte {
	return c.raw[index*cartridgeSlotSize : (index+1)*cartridgeSlotSize]
}

func (c *cartridgeContainer) slots() ([]SaveSlot, error) {
	var out []SaveSlot
	for i := 0; i < c.capacity(); i++ {
		if raw := c.slotBytes(i); hasCartridgeMagic(raw) {
			out = append(out, cartridgeSlot(raw, i, i*cartridgeSlotSize))
		}
	}
	return out, nil
}

func (c *cartridgeContainer) occupied(index int) bool {
	return index >= 0 && index < c.capacity() && hasCartridgeMagic(c.slotBytes(index))
}

func (c *cartridgeContainer) capacity() int {
	return len(c.raw) / cartridgeSlotSize
}

func (c *cartridgeContainer) importSlot(slot SaveSlot, opts ImportOptions) (SaveSlot, error) {
	if len(slot.Payload) != cartridgePayload {
		return SaveSlot{}, fmt.Errorf("%w: cartridge payload must be %d bytes, got %d", ErrInvalidPayload, cartridgePayload, len(slot.Payload))
	}
	if !slot.game.IsZero() && slot.game != cartridgeGame {
		return SaveSlot{}, fmt.Errorf("%w: %s saves cannot be stored on this cartridge", ErrInvalidPayload, slot.game)
	}
	index := opts.Index
	if index < 0 {
		for i := 0; i < c.capacity(); i++ {
			if !hasCartridgeMagic(c.slotBytes(i)) {
				index = i
				break
			}
		}
		if index < 0 {
			return SaveSlot{}, fmt.Errorf("%w: all %d cartridge slots are occupied", ErrNoSpace, c.capacity())
		}
	}
	dst := c.slotBytes(index)
	if hasCartridgeMagic(dst) && !opts.Overwrite {
		return SaveSlot{}, fmt.Errorf("%w: slot %d is occupied", ErrInvalidSlotTarget, index)
	}
	copy(dst, cartridgeMagic)
	copy(dst[cartridgeHeaderSize:], slot.Payload)
	return cartridgeSlot(dst, index, index*cartridgeSlotSize), nil
}

func (c *cartridgeContainer) deleteSlot(index int) error {
	if index < 0 || index >= c.capacity() || !hasCartridgeMagic(c.slotBytes(index)) {
		return fmt.Errorf("%w: slot %d is empty", ErrInvalidSlotTarget, index)
	}
	header := c.slotBytes(index)[:cartridgeHeaderSize]
	for i := range header {
		header[i] = 0
	}
	return nil
}

func (c *cartridgeContainer) replacePayload(index int, payload []byte) (SaveSlot, error) {
	if index < 0 || index >= c.capacity() || !hasCartridgeMagic(c.slotBytes(index)) {
		return SaveSlot{}, fmt.Errorf("%w: slot %d is empty", ErrInvalidSlotTarget, index)
	}
	if len(payload) != cartridgePayload {
		return SaveSlot{}, fmt.Errorf("%w: cartridge payload must be %d bytes, got %d", ErrInvalidPayload, cartridgePayload, len(payload))
	}
	dst := c.slotBytes(index)
	copy(dst[cartridgeHeaderSize:], payload)
	return cartridgeSlot(dst, index, index*cartridgeSlotSize), nil
}

func (c *cartridgeContainer) bytes() []byte {
	return append([]byte(nil), c.raw...)
}
