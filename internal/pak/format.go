package pak

import "encoding/binary"

// Format returns a blank, freshly initialized image: all data pages free,
// an empty note table and four identical ID block copies.
func Format(serial [24]byte) []byte {
	raw := make([]byte, ImageSize)
	block := encodeIDBlock(IDBlock{Serial: serial, DeviceID: 0x0001, Banks: 1})
	for _, off := range idBlockOffsets {
		copy(raw[off:], block)
	}
	index := raw[indexPageNumber*PageSize : (indexPageNumber+1)*PageSize]
	for page := 1; page < PageCount; page++ {
		binary.BigEndian.PutUint16(index[page*2:], linkFree)
	}
	index[0] = 0
	index[1] = IndexChecksum(index)
	copy(raw[backupIndexPage*PageSize:], index)
	return raw
}

// New parses a freshly formatted image.
func New(serial [24]byte) *Pak {
	p, err := Parse(Format(serial))
	if err != nil {
		panic("pak: formatted image failed to parse: " + err.Error())
	}
	return p
}
