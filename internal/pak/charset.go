package pak

import "strings"

const punctuation = "!\"#'*+,-./:=?@"

// DecodeName renders a note name from the N64 font table. Decoding stops at
// the first NUL; unmapped codes become '?'.
func DecodeName(raw [16]byte) string {
	var b strings.Builder
	for _, c := range raw {
		switch {
		case c == 0x00:
			return strings.TrimRight(b.String(), " ")
		case c == 0x0F:
			b.WriteByte(' ')
		case c >= 0x10 && c <= 0x19:
			b.WriteByte('0' + c - 0x10)
		case c >= 0x1A && c <= 0x33:
			b.WriteByte('A' + c - 0x1A)
		case c >= 0x34 && int(c-0x34) < len(punctuation):
			b.WriteByte(punctuation[c-0x34])
		default:
			b.WriteByte('?')
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// EncodeName is the inverse of DecodeName; lowercase letters are folded and
// unmapped characters become spaces.
func EncodeName(name string) [16]byte {
	var out [16]byte
	name = strings.ToUpper(name)
	for i := 0; i < len(name) && i < len(out); i++ {
		c := name[i]
		switch {
		case c >= '0' && c <= '9':
			out[i] = 0x10 + c - '0'
		case c >= 'A' && c <= 'Z':
			out[i] = 0x1A + c - 'A'
		default:
			if idx := strings.IndexByte(punctuation, c); idx >= 0 {
				out[i] = 0x34 + byte(idx)
			} else {
				out[i] = 0x0F
			}
		}
	}
	return out
}
