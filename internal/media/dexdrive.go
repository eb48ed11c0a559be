package media

import (
	"bytes"

	"github.com/agentworkforce/paksync/internal/pak"
)

// dexComments owns the DexDrive wrapper header. Only the comment area is
// ever rewritten.
type dexComments struct {
	raw []byte
}

func (d *dexComments) get(index int) string {
	off := dexCommentsOffset + index*dexCommentSize
	c := d.raw[off : off+dexCommentSize]
	if i := bytes.IndexByte(c, 0); i >= 0 {
		c = c[:i]
	}
	return string(c)
}

func (d *dexComments) set(index int, comment string) {
	off := dexCommentsOffset + index*dexCommentSize
	dst := d.raw[off : off+dexCommentSize]
	if d.get(index) == comment {
		return
	}
	for i := range dst {
		dst[i] = 0
	}
	// Keep room for the terminator.
	copy(dst[:dexCommentSize-1], comment)
}

func (d *dexComments) header() []byte {
	return append([]byte(nil), d.raw...)
}

func decodeDexDrive(b []byte) (*pakContainer, error) {
	if len(b) != dexHeaderSize+pak.ImageSize {
		return nil, decodeErr(FormatDexDrive, ReasonWrongSize, nil)
	}
	if !bytes.HasPrefix(b, dexMagic) {
		return nil, decodeErr(FormatDexDrive, ReasonBadMagic, nil)
	}
	p, err := pak.Parse(b[dexHeaderSize:])
	if err != nil {
		return nil, pakDecodeError(FormatDexDrive, err)
	}
	return &pakContainer{
		format:   FormatDexDrive,
		p:        p,
		comments: &dexComments{raw: append([]byte(nil), b[:dexHeaderSize]...)},
	}, nil
}
