package syncengine

import (
	"encoding/hex"
	"fmt"

	"github.com/agentworkforce/paksync/internal/media"
	"github.com/agentworkforce/paksync/internal/remotestore"
)

// DocumentFromSlot builds the remote form of a slot.
func DocumentFromSlot(slot media.SaveSlot) remotestore.Document {
	doc := remotestore.Document{
		Game:    slot.Game().String(),
		Name:    slot.Name,
		Format:  slot.Format().String(),
		Region:  slot.Game().Region().String(),
		Index:   slot.Index,
		Header:  append([]byte(nil), slot.Header...),
		Comment: slot.Comment,
	}
	if m := slot.Metadata; m != nil {
		doc.Region = m.Region.String()
		doc.Metadata = &remotestore.DocumentMetadata{
			PlayTimeSeconds: int64(m.PlayTime.Seconds()),
			Day:             m.Day,
			Deaths:          m.Deaths,
			Character:       m.Character,
			Gold:            m.Gold,
			TimesSaved:      m.TimesSaved,
			ChecksumOK:      m.ChecksumOK,
			ActiveFiles:     m.ActiveFiles,
		}
	}
	if doc.Region == "" {
		doc.Region = media.RegionUnknown.String()
	}
	doc.SetPayload(slot.Payload)
	return doc
}

// SlotFromDocument rebuilds a detached slot from a fetched document. The
// slot keeps the document's index as a placement hint.
func SlotFromDocument(doc remotestore.Document) (media.SaveSlot, error) {
	game, err := parseGame(doc.Game)
	if err != nil {
		return media.SaveSlot{}, err
	}
	payload := doc.Payload()
	if len(payload) == 0 {
		return media.SaveSlot{}, fmt.Errorf("document %s has no payload", doc.ID)
	}
	slot := media.NewSlot(game, doc.Name, doc.Header, payload)
	slot.Index = doc.Index
	slot.Comment = doc.Comment
	return slot, nil
}

// parseGame inverts GameID.String, where the code and the publisher are
// each either printable or hex encoded.
func parseGame(s string) (media.GameID, error) {
	var g media.GameID
	codeLen, pubLen := 4, 2
	switch len(s) {
	case 6:
	case 8:
		pubLen = 4
	case 10:
		codeLen = 8
	case 12:
		codeLen, pubLen = 8, 4
	default:
		return g, fmt.Errorf("invalid game id %q", s)
	}
	if err := decodePart(g.Code[:], s[:codeLen]); err != nil {
		return g, fmt.Errorf("invalid game id %q: %w", s, err)
	}
	if err := decodePart(g.Publisher[:], s[codeLen:codeLen+pubLen]); err != nil {
		return g, fmt.Errorf("invalid game id %q: %w", s, err)
	}
	return g, nil
}

func decodePart(dst []byte, s string) error {
	if len(s) == len(dst) {
		copy(dst, s)
		return nil
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}
