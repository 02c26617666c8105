package types

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// ComputeContentHash creates a deterministic digest of the element's
// substantive content: the variant payload plus tags. Identity fields
// (id, timestamps, creator) are excluded so identical content hashes
// identically across stores and across export/import round-trips.
//
// Struct payloads marshal with stable field order, so the canonical form
// is the payload's JSON encoding with NUL separators between sections.
func (e *Element) ComputeContentHash() string {
	h := sha256.New()

	h.Write([]byte(e.Type))
	h.Write([]byte{0})

	if e.Data != nil {
		// Marshal cannot fail for the variant structs (plain fields only).
		b, _ := json.Marshal(e.Data)
		h.Write(b)
	}
	h.Write([]byte{0})

	tags := make([]string, len(e.Tags))
	copy(tags, e.Tags)
	sort.Strings(tags)
	for _, t := range tags {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}

	return fmt.Sprintf("%x", h.Sum(nil))
}
