package savedata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrUnknownField   = errors.New("unknown save field")
	ErrValueRange     = errors.New("value out of range")
	ErrUnsupported    = errors.New("game is not supported for editing")
	ErrNoSuchSaveFile = errors.New("no such save file")
)

const (
	itemsOffset     = 0x64
	itemCount       = 64
	eventFlagSets   = 16
	itemFieldPrefix = "item:"
	eventPrefix     = "event:"
)

type field struct {
	offset int
	size   int
	signed bool
}

// fields maps editable names onto the main save record. "language" shares
// its offset with "character"; PAL builds use it for the former.
var fields = map[string]field{
	"flags":         {0x40, 4, false},
	"week":          {0x44, 2, true},
	"day":           {0x46, 2, true},
	"hour":          {0x48, 2, true},
	"minute":        {0x4A, 2, true},
	"seconds":       {0x4C, 2, true},
	"milliseconds":  {0x4E, 2, false},
	"frames":        {0x50, 4, false},
	"button-config": {0x54, 2, true},
	"sound-mode":    {0x56, 2, true},
	"character":     {0x58, 2, true},
	"language":      {0x58, 2, true},
	"life":          {0x5A, 2, true},
	"subweapon":     {0x5E, 2, true},
	"gold":          {0x60, 4, false},
	"player-status": {0xA4, 4, false},
	"poison-rate":   {0xA8, 2, true},
	"vampire-hour":  {0xAA, 2, false},
	"map":           {0xAC, 2, true},
	"spawn":         {0xAE, 2, true},
	"white-jewel":   {0xB0, 2, false},
	"times-saved":   {0xB4, 4, false},
	"deaths":        {0xB8, 4, false},
	"gold-renon":    {0xDC, 4, false},
}

// Edit sets one field of a save record. Field is a name from FieldNames,
// "item:N" for the count of item N (1-64) or "event:N" for event flag set
// N (0-15).
type Edit struct {
	Field string
	Value int64
}

func (e Edit) String() string {
	return fmt.Sprintf("%s=%d", e.Field, e.Value)
}

// ParseEdit reads "field=value". Values accept Go integer literal prefixes,
// so flags can be given as 0x....
func ParseEdit(s string) (Edit, error) {
	name, raw, ok := strings.Cut(s, "=")
	if !ok {
		return Edit{}, fmt.Errorf("edit %q: want field=value", s)
	}
	name = strings.ToLower(strings.TrimSpace(name))
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 0, 64)
	if err != nil {
		return Edit{}, fmt.Errorf("edit %q: %w", s, err)
	}
	e := Edit{Field: name, Value: value}
	if _, err := e.resolve(); err != nil {
		return Edit{}, err
	}
	return e, nil
}

// FieldNames lists the named fields accepted by Edit, sorted.
func FieldNames() []string {
	out := make([]string, 0, len(fields))
	for name := range fields {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e Edit) resolve() (field, error) {
	if f, ok := fields[e.Field]; ok {
		return f, nil
	}
	if n, ok := numbered(e.Field, itemFieldPrefix); ok {
		if n < 1 || n > itemCount {
			return field{}, fmt.Errorf("%w: item %d outside 1..%d", ErrUnknownField, n, itemCount)
		}
		return field{offset: itemsOffset + n - 1, size: 1}, nil
	}
	if n, ok := numbered(e.Field, eventPrefix); ok {
		if n < 0 || n >= eventFlagSets {
			return field{}, fmt.Errorf("%w: event flag set %d outside 0..%d", ErrUnknownField, n, eventFlagSets-1)
		}
		return field{offset: n * 4, size: 4}, nil
	}
	return field{}, fmt.Errorf("%w: %q", ErrUnknownField, e.Field)
}

func numbered(name, prefix string) (int, bool) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	return n, err == nil
}

func (f field) check(v int64) error {
	bits := f.size * 8
	lo, hi := int64(0), int64(1)<<bits-1
	if f.signed {
		lo, hi = -(int64(1) << (bits - 1)), int64(1)<<(bits-1)-1
	}
	if v < lo || v > hi {
		return fmt.Errorf("%w: %d outside %d..%d", ErrValueRange, v, lo, hi)
	}
	return nil
}

func (f field) put(record []byte, v int64) {
	dst := record[f.offset:]
	switch f.size {
	case 1:
		dst[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(dst, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(dst, uint32(v&math.MaxUint32))
	}
}

// EditFile applies edits to the main record of save file file (0-3) inside
// payload and reseals the record checksums. payload is left untouched; the
// edited copy is returned. Every edit is validated before any is applied.
func EditFile(code [4]byte, payload []byte, file int, edits []Edit) ([]byte, error) {
	if !Recognized(code) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, code[:])
	}
	off := file * SlotStride
	if file < 0 || off+SlotRecordSize > len(payload) {
		return nil, fmt.Errorf("%w: file %d", ErrNoSuchSaveFile, file)
	}
	resolved := make([]field, len(edits))
	for i, e := range edits {
		f, err := e.resolve()
		if err != nil {
			return nil, err
		}
		if err := f.check(e.Value); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Field, err)
		}
		resolved[i] = f
	}
	out := append([]byte(nil), payload...)
	record := out[off : off+SlotRecordSize]
	for i, e := range edits {
		resolved[i].put(record, e.Value)
	}
	if err := SealSlot(record); err != nil {
		return nil, err
	}
	return out, nil
}
