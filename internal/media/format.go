// Package media decodes and encodes save media images and exposes their
// entries as format-agnostic save slots.
package media

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/agentworkforce/paksync/internal/pak"
)

type Format int

const (
	FormatUnknown Format = iota
	FormatCartridge
	FormatControllerPak
	FormatDexDrive
	FormatNote
)

func (f Format) String() string {
	switch f {
	case FormatCartridge:
		return "cartridge"
	case FormatControllerPak:
		return "controller-pak"
	case FormatDexDrive:
		return "dexdrive"
	case FormatNote:
		return "note"
	default:
		return "unknown"
	}
}

// PakBacked reports whether slots of this format are Controller Pak notes.
func (f Format) PakBacked() bool {
	return f == FormatControllerPak || f == FormatDexDrive || f == FormatNote
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cartridge", "eep", "eeprom":
		return FormatCartridge, nil
	case "controller-pak", "pak", "mpk":
		return FormatControllerPak, nil
	case "dexdrive", "n64":
		return FormatDexDrive, nil
	case "note":
		return FormatNote, nil
	}
	return FormatUnknown, fmt.Errorf("%w: %q", ErrFormatUnknown, s)
}

const (
	dexHeaderSize     = 0x1040
	dexCommentsOffset = 0x40
	dexCommentSize    = 0x100

	noteMetaSize   = 0x10
	noteDataOffset = noteMetaSize + pak.NoteHeaderSize

	cartridgeSlotSize   = 0x200
	cartridgeHeaderSize = 0x10
	cartridgePayload    = cartridgeSlotSize - cartridgeHeaderSize
)

var (
	dexMagic       = []byte("123-456-STD")
	noteMagic      = []byte("MPKNote")
	cartridgeMagic = []byte("KCEK Format 1209")

	cartridgeSizes = [...]int{512, 2048}
)

// DetectFormat classifies raw bytes by size and magic only. A raw
// Controller Pak must also carry a valid ID block copy. When more than one
// format matches, DexDrive wins over Controller Pak, which wins over note
// files, which win over cartridge saves. Cartridge slots without the KCEK
// header are empty, so a blank EEPROM matches on size.
func DetectFormat(b []byte) Format {
	if len(b) == dexHeaderSize+pak.ImageSize && bytes.HasPrefix(b, dexMagic) {
		return FormatDexDrive
	}
	if len(b) == pak.ImageSize && pak.HasIDBlock(b) {
		return FormatControllerPak
	}
	if len(b) >= noteDataOffset+pak.PageSize && bytes.Equal(b[1:1+len(noteMagic)], noteMagic) {
		return FormatNote
	}
	for _, size := range cartridgeSizes {
		if len(b) == size {
			return FormatCartridge
		}
	}
	return FormatUnknown
}
