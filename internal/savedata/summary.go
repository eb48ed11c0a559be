package savedata

// Summary describes the most relevant record in a save payload.
type Summary struct {
	Record      Record
	ChecksumOK  bool
	ActiveFiles int
}

// Recognized reports whether the game code belongs to a supported release.
func Recognized(code [4]byte) bool {
	if code[0] != 'N' || code[1] != 'D' || code[2] != '3' {
		return false
	}
	switch code[3] {
	case 'E', 'J', 'P':
		return true
	}
	return false
}

// Summarize walks the slot records in payload (stride bytes apart) and
// reports the first active one. ok is false for unknown games or when no
// record could be read.
func Summarize(code [4]byte, payload []byte, stride int) (Summary, bool) {
	if !Recognized(code) {
		return Summary{}, false
	}
	if stride <= 0 {
		stride = SlotStride
	}
	pal := code[3] == 'P'
	var out Summary
	found := false
	allValid := true
	for off := 0; off+SlotRecordSize <= len(payload); off += stride {
		slot := payload[off : off+SlotRecordSize]
		rec, err := ParseRecord(slot, pal)
		if err != nil {
			break
		}
		if !rec.Active() {
			continue
		}
		out.ActiveFiles++
		valid := VerifySlot(slot)
		allValid = allValid && valid
		if !found {
			out.Record = rec
			found = true
		}
	}
	if !found {
		if len(payload) < SlotRecordSize {
			return Summary{}, false
		}
		rec, err := ParseRecord(payload, pal)
		if err != nil {
			return Summary{}, false
		}
		out.Record = rec
		allValid = VerifySlot(payload)
	}
	out.ChecksumOK = allValid
	return out, true
}
