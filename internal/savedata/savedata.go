// Package savedata decodes the per-game records stored inside save slots.
// Only Castlevania 64 is understood; other games yield no summary.
package savedata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	RecordSize     = 0xE0
	SlotRecordSize = 0x1C8
	SlotStride     = 0x200
	RecordsPerNote = 4

	checksum1Offset = 2 * RecordSize
	checksum2Offset = checksum1Offset + 4

	flagActive = 1 << 0

	framesPerSecond = 60
)

var ErrShortRecord = errors.New("save record is truncated")

type Character int

const (
	CharacterUnknown Character = iota - 1
	CharacterReinhardt
	CharacterCarrie
)

func (c Character) String() string {
	switch c {
	case CharacterReinhardt:
		return "Reinhardt"
	case CharacterCarrie:
		return "Carrie"
	default:
		return "unknown"
	}
}

// Record is the subset of the in-game save structure that is surfaced.
type Record struct {
	Flags      uint32
	Week       int16
	Day        int16
	Hour       int16
	Minute     int16
	Seconds    int16
	Frames     uint32
	Character  Character
	Life       int16
	Subweapon  int16
	Gold       uint32
	Map        int16
	Spawn      int16
	TimesSaved uint32
	Deaths     uint32
}

func (r Record) Active() bool {
	return r.Flags&flagActive != 0
}

// PlayTime converts the frame counter to wall-clock duration.
func (r Record) PlayTime() time.Duration {
	return time.Duration(r.Frames) * time.Second / framesPerSecond
}

// InGameDay is the running day count shown on the file select screen.
func (r Record) InGameDay() int {
	return int(r.Week)*7 + int(r.Day)
}

// ParseRecord decodes one 0xE0-byte main save record. PAL builds store a
// language field where the character lives in other regions.
func ParseRecord(b []byte, pal bool) (Record, error) {
	if len(b) < RecordSize {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrShortRecord, len(b))
	}
	be := binary.BigEndian
	r := Record{
		Flags:      be.Uint32(b[0x40:]),
		Week:       int16(be.Uint16(b[0x44:])),
		Day:        int16(be.Uint16(b[0x46:])),
		Hour:       int16(be.Uint16(b[0x48:])),
		Minute:     int16(be.Uint16(b[0x4A:])),
		Seconds:    int16(be.Uint16(b[0x4C:])),
		Frames:     be.Uint32(b[0x50:]),
		Character:  CharacterUnknown,
		Life:       int16(be.Uint16(b[0x5A:])),
		Subweapon:  int16(be.Uint16(b[0x5E:])),
		Gold:       be.Uint32(b[0x60:]),
		Map:        int16(be.Uint16(b[0xAC:])),
		Spawn:      int16(be.Uint16(b[0xAE:])),
		TimesSaved: be.Uint32(b[0xB4:]),
		Deaths:     be.Uint32(b[0xB8:]),
	}
	if !pal {
		switch c := Character(be.Uint16(b[0x58:])); c {
		case CharacterReinhardt, CharacterCarrie:
			r.Character = c
		}
	}
	return r, nil
}

// Checksums computes the byte sum and the word XOR of a main record.
func Checksums(record []byte) (uint32, uint32) {
	var sum, xor uint32
	for _, b := range record[:RecordSize] {
		sum += uint32(b)
	}
	for i := 0; i < RecordSize; i += 4 {
		xor ^= binary.BigEndian.Uint32(record[i:])
	}
	return sum, xor
}

// VerifySlot checks both stored checksums of a 0x1C8-byte slot record.
func VerifySlot(slot []byte) bool {
	if len(slot) < SlotRecordSize {
		return false
	}
	sum, xor := Checksums(slot)
	return binary.BigEndian.Uint32(slot[checksum1Offset:]) == sum &&
		binary.BigEndian.Uint32(slot[checksum2Offset:]) == xor
}

// SealSlot rewrites the stored checksums of a slot record in place.
func SealSlot(slot []byte) error {
	if len(slot) < SlotRecordSize {
		return fmt.Errorf("%w: %d bytes", ErrShortRecord, len(slot))
	}
	sum, xor := Checksums(slot)
	binary.BigEndian.PutUint32(slot[checksum1Offset:], sum)
	binary.BigEndian.PutUint32(slot[checksum2Offset:], xor)
	return nil
}
