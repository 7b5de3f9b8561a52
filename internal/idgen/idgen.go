// Package idgen generates hash-based entity ids.
package idgen

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// encodeBase36 converts a byte slice to a base36 string of the given
// length, padding with zeros and keeping least-significant digits on
// overflow.
func encodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	var b strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		b.WriteByte(chars[i])
	}

	s := b.String()
	if len(s) < length {
		s = strings.Repeat("0", length-len(s)) + s
	}
	if len(s) > length {
		s = s[len(s)-length:]
	}
	return s
}

// New creates a hash-based id like "op-4k2m9x1q" from a stable seed
// plus the creation timestamp. Base36 gives better density than hex at
// the same length; 8 chars (40 bits of hash) keeps collision odds
// negligible at this system's row counts.
func New(prefix, seed string, timestamp time.Time) string {
	content := fmt.Sprintf("%s|%d", seed, timestamp.UnixNano())
	hash := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s-%s", prefix, encodeBase36(hash[:5], 8))
}
