package media

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/paksync/internal/pak"
	"github.com/agentworkforce/paksync/internal/savedata"
)

// GameID identifies the game that owns a save.
type GameID struct {
	Code      [4]byte
	Publisher [2]byte
}

func (g GameID) IsZero() bool {
	return g == GameID{}
}

func (g GameID) String() string {
	return idString(g.Code[:]) + idString(g.Publisher[:])
}

func (g GameID) Region() Region {
	switch g.Code[3] {
	case 'E':
		return RegionUSA
	case 'J':
		return RegionJPN
	case 'P':
		return RegionPAL
	default:
		return RegionUnknown
	}
}

// ParseGameID accepts the six character form produced by String, e.g. ND3EA4.
func ParseGameID(s string) (GameID, error) {
	if len(s) != 6 {
		return GameID{}, fmt.Errorf("game id %q must be 6 characters", s)
	}
	var g GameID
	copy(g.Code[:], s[:4])
	copy(g.Publisher[:], s[4:])
	return g, nil
}

func idString(b []byte) string {
	for _, c := range b {
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return hex.EncodeToString(b)
		}
	}
	return string(b)
}

var cartridgeGame = GameID{Code: [4]byte{'N', 'D', '3', 'J'}, Publisher: [2]byte{'A', '4'}}

type Region int

const (
	RegionUnknown Region = iota
	RegionUSA
	RegionJPN
	RegionPAL
)

func (r Region) String() string {
	switch r {
	case RegionUSA:
		return "USA"
	case RegionJPN:
		return "JPN"
	case RegionPAL:
		return "PAL"
	default:
		return "unknown"
	}
}

// Metadata is the game-level summary derived from a slot payload.
type Metadata struct {
	Region      Region
	PlayTime    time.Duration
	Day         int
	Deaths      uint32
	Character   string
	Gold        uint32
	TimesSaved  uint32
	ChecksumOK  bool
	ActiveFiles int
}

// SaveSlot is one save entry independent of the media it came from. The
// game identity and source offset are fixed when the slot is read.
type SaveSlot struct {
	Index     int
	Name      string
	Extension [4]byte
	Header    []byte
	Payload   []byte
	Metadata  *Metadata
	Comment   string

	game   GameID
	offset int
	format Format
}

// NewSlot builds a detached slot, typically from a fetched remote document.
func NewSlot(game GameID, name string, header, payload []byte) SaveSlot {
	s := SaveSlot{
		Index:   -1,
		Name:    name,
		Header:  append([]byte(nil), header...),
		Payload: append([]byte(nil), payload...),
		game:    game,
		offset:  -1,
	}
	switch {
	case len(header) == pak.NoteHeaderSize:
		s.format = FormatNote
		copy(s.Extension[:], header[12:16])
	case bytes.Equal(header, cartridgeMagic):
		s.format = FormatCartridge
	}
	s.Metadata = describe(game, payload)
	return s
}

func (s SaveSlot) Game() GameID {
	return s.game
}

// SourceOffset is the byte offset of the payload within the source image,
// or -1 for detached slots.
func (s SaveSlot) SourceOffset() int {
	return s.offset
}

func (s SaveSlot) Format() Format {
	return s.format
}

// Key is the stable identifier of the slot used for remote documents.
// Pak-backed saves are keyed by game and note name, cartridge saves by game
// and slot position.
func (s SaveSlot) Key() string {
	if s.format == FormatCartridge {
		return fmt.Sprintf("%s-slot%d", s.game, s.Index)
	}
	name := sanitizeKey(s.Name)
	if name == "" {
		name = "untitled"
	}
	key := s.game.String() + "-" + name
	if s.Extension != ([4]byte{}) {
		var ext [16]byte
		copy(ext[:], s.Extension[:])
		key += "." + sanitizeKey(pak.DecodeName(ext))
	}
	return key
}

// Keys returns the document key of each slot. slots must be in Index
// order. A key already taken by an earlier slot gets a "~N" suffix naming
// the copy, so a second CASTLEVANIA note is keyed ND3EA4-CASTLEVANIA~2.
func Keys(slots []SaveSlot) []string {
	keys := make([]string, len(slots))
	copies := map[string]int{}
	for i, s := range slots {
		key := s.Key()
		copies[key]++
		if n := copies[key]; n > 1 {
			key = fmt.Sprintf("%s%s%d", key, copySeparator, n)
		}
		keys[i] = key
	}
	return keys
}

// BaseKey strips the copy suffix added by Keys.
func BaseKey(key string) string {
	if i := strings.LastIndex(key, copySeparator); i >= 0 {
		return key[:i]
	}
	return key
}

const copySeparator = "~"

func sanitizeKey(s string) string {
	var b strings.Builder
	for _, c := range strings.ToUpper(strings.TrimSpace(s)) {
		switch {
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (s SaveSlot) clone() SaveSlot {
	s.Header = append([]byte(nil), s.Header...)
	s.Payload = append([]byte(nil), s.Payload...)
	if s.Metadata != nil {
		m := *s.Metadata
		s.Metadata = &m
	}
	return s
}

func describe(game GameID, payload []byte) *Metadata {
	summary, ok := savedata.Summarize(game.Code, payload, savedata.SlotStride)
	if !ok {
		return nil
	}
	rec := summary.Record
	m := &Metadata{
		Region:      game.Region(),
		PlayTime:    rec.PlayTime(),
		Day:         rec.InGameDay(),
		Deaths:      rec.Deaths,
		Gold:        rec.Gold,
		TimesSaved:  rec.TimesSaved,
		ChecksumOK:  summary.ChecksumOK,
		ActiveFiles: summary.ActiveFiles,
	}
	if rec.Character != savedata.CharacterUnknown {
		m.Character = rec.Character.String()
	}
	return m
}
