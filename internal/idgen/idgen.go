// Package idgen generates opaque element ids.
//
// IDs are short base36 hashes of the element's creation inputs, prefixed
// by variant: "t-4k2n" for a task, "pl-09xz" for a plan. A nonce is mixed
// in so the caller can retry on the rare collision. Hierarchical child ids
// ("pl-09xz.3") are built from the storage layer's atomic counter, not here.
package idgen

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// DefaultLength is the base36 digit count for generated ids.
const DefaultLength = 5

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// EncodeBase36 converts a byte slice to a base36 string of the given length.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	var result strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		result.WriteByte(chars[i])
	}

	str := result.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}

// New creates a hash-based id with the given prefix. content should be the
// element's substantive creation inputs; nonce disambiguates collisions.
func New(prefix, content, creator string, timestamp time.Time, nonce int) string {
	seed := fmt.Sprintf("%s|%s|%d|%d", content, creator, timestamp.UnixNano(), nonce)
	hash := sha256.Sum256([]byte(seed))
	// 5 bytes = 40 bits, comfortably more entropy than 5 base36 digits.
	return fmt.Sprintf("%s-%s", prefix, EncodeBase36(hash[:5], DefaultLength))
}
