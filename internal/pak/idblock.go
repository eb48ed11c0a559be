package pak

import (
	"encoding/binary"
	"fmt"
)

const (
	idBlockSize     = 32
	idChecksumTotal = 0xFFF2
)

var idBlockOffsets = [...]int{0x20, 0x60, 0x80, 0xC0}

// IDBlock is the identity record stored (with backups) in page 0.
type IDBlock struct {
	Serial   [24]byte
	DeviceID uint16
	Banks    uint8
	Version  uint8
	Offset   int
}

// ChainLayout names the on-media chain encoding sub-revision.
type ChainLayout int

const (
	LayoutUnknown ChainLayout = iota
	LayoutIndexTable
)

func (l ChainLayout) String() string {
	switch l {
	case LayoutIndexTable:
		return "index-table"
	default:
		return "unknown"
	}
}

// DetectLayout maps the ID block to a chain layout. Only single-bank images
// linked through the page 1 index table are understood.
func DetectLayout(id IDBlock) (ChainLayout, error) {
	if id.Banks <= 1 {
		return LayoutIndexTable, nil
	}
	return LayoutUnknown, fmt.Errorf("%w: %d banks", ErrUnsupportedLayout, id.Banks)
}

func idChecksums(block []byte) (uint16, uint16) {
	var sum uint16
	for i := 0; i < 0x1C; i += 2 {
		sum += binary.BigEndian.Uint16(block[i:])
	}
	return sum, idChecksumTotal - sum
}

// HasIDBlock reports whether raw starts with a page holding at least one ID
// block copy whose checksums match.
func HasIDBlock(raw []byte) bool {
	if len(raw) < PageSize {
		return false
	}
	_, err := findIDBlock(raw[:PageSize])
	return err == nil
}

func findIDBlock(page []byte) (IDBlock, error) {
	for _, off := range idBlockOffsets {
		block := page[off : off+idBlockSize]
		a, b := idChecksums(block)
		if binary.BigEndian.Uint16(block[0x1C:]) != a || binary.BigEndian.Uint16(block[0x1E:]) != b {
			continue
		}
		id := IDBlock{
			DeviceID: binary.BigEndian.Uint16(block[0x18:]),
			Banks:    block[0x1A],
			Version:  block[0x1B],
			Offset:   off,
		}
		copy(id.Serial[:], block[:24])
		return id, nil
	}
	return IDBlock{}, ErrBadIDBlock
}

func encodeIDBlock(id IDBlock) []byte {
	block := make([]byte, idBlockSize)
	copy(block, id.Serial[:])
	binary.BigEndian.PutUint16(block[0x18:], id.DeviceID)
	block[0x1A] = id.Banks
	block[0x1B] = id.Version
	a, b := idChecksums(block)
	binary.BigEndian.PutUint16(block[0x1C:], a)
	binary.BigEndian.PutUint16(block[0x1E:], b)
	return block
}
