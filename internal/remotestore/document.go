package remotestore

import (
	"encoding/json"
	"strings"
)

const (
	PayloadAttachment  = "save.bin"
	payloadContentType = "application/octet-stream"
)

// Document is the remote form of one save slot. Field names follow
// CouchDB conventions so the same JSON travels to a real server.
type Document struct {
	ID          string                `json:"_id,omitempty"`
	Revision    string                `json:"_rev,omitempty"`
	Game        string                `json:"game"`
	Name        string                `json:"name"`
	Format      string                `json:"format,omitempty"`
	Region      string                `json:"region,omitempty"`
	Index       int                   `json:"index"`
	Header      []byte                `json:"header,omitempty"`
	Comment     string                `json:"comment,omitempty"`
	Metadata    *DocumentMetadata     `json:"metadata,omitempty"`
	Attachments map[string]Attachment `json:"_attachments,omitempty"`
}

type DocumentMetadata struct {
	PlayTimeSeconds int64  `json:"play_time_seconds"`
	Day             int    `json:"day"`
	Deaths          uint32 `json:"deaths"`
	Character       string `json:"character,omitempty"`
	Gold            uint32 `json:"gold"`
	TimesSaved      uint32 `json:"times_saved"`
	ChecksumOK      bool   `json:"checksum_ok"`
	ActiveFiles     int    `json:"active_files"`
}

type Attachment struct {
	ContentType string `json:"content_type"`
	Data        []byte `json:"data,omitempty"`
	Length      int    `json:"length,omitempty"`
	Stub        bool   `json:"stub,omitempty"`
}

func (d Document) Payload() []byte {
	att, ok := d.Attachments[PayloadAttachment]
	if !ok {
		return nil
	}
	return att.Data
}

func (d *Document) SetPayload(b []byte) {
	if d.Attachments == nil {
		d.Attachments = map[string]Attachment{}
	}
	d.Attachments[PayloadAttachment] = Attachment{
		ContentType: payloadContentType,
		Data:        append([]byte(nil), b...),
		Length:      len(b),
	}
}

// Clone deep-copies the document through its JSON form.
func (d Document) Clone() Document {
	data, err := json.Marshal(d)
	if err != nil {
		return d
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return d
	}
	return out
}

// body is the stored form: identity fields stripped, payload inline.
func (d Document) body() ([]byte, error) {
	d.ID = ""
	d.Revision = ""
	return json.Marshal(d)
}

func validID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && !strings.HasPrefix(id, "_") && !strings.ContainsAny(id, "/?#")
}
