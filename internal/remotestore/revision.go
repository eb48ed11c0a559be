package remotestore

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"lukechampine.com/blake3"
)

// nextRevision produces a CouchDB-style "<generation>-<digest>" token.
func nextRevision(generation int, body []byte) string {
	sum := blake3.Sum256(body)
	return fmt.Sprintf("%d-%s", generation+1, hex.EncodeToString(sum[:16]))
}

// revisionGeneration extracts the numeric prefix of a revision token.
func revisionGeneration(rev string) int {
	prefix, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(prefix)
	if err != nil {
		return 0
	}
	return n
}
