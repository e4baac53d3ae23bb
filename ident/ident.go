// Package ident provides compact 64-bit model addresses with a printable
// 8-character form.
package ident

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	"go.uber.org/atomic"
)

// ID is an opaque 64-bit model address. The value is the little-endian
// packing of its 8-byte printable form, so IDs round-trip through text.
type ID uint64

// alphabet holds the 64 printable bytes used for auto-generated IDs,
// one per 6 bits of the mixed counter.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

const (
	// TextLen is the exact length of the printable form.
	TextLen = 8

	hashBits = 42
	halfBits = hashBits / 2
	halfMask = 1<<halfBits - 1
)

// counter feeds auto-generation. Process-wide, never reset. Increments need
// not be dense, only unique.
var counter atomic.Uint64

// mix42 avalanches a counter value across 42 bits. A three-round Feistel
// network over xxhash round functions: bijective on [0, 2^42) no matter what
// the round function returns, so distinct counters always map to distinct
// IDs.
func mix42(n uint64) uint64 {
	l := (n >> halfBits) & halfMask
	r := n & halfMask
	for round := byte(0); round < 3; round++ {
		var b [8]byte
		binary.LittleEndian.PutUint32(b[:4], uint32(r))
		b[4] = round
		l, r = r, l^(xxhash.Checksum64(b[:])&halfMask)
	}
	return l<<halfBits | r
}

// New returns a fresh auto-generated ID: counter, avalanched to 42 bits,
// rendered as '_' plus seven alphabet bytes (6 bits each).
func New() ID {
	v := mix42(counter.Inc())
	var text [TextLen]byte
	text[0] = '_'
	for i := 1; i < TextLen; i++ {
		text[i] = alphabet[v&0x3F]
		v >>= 6
	}
	return ID(binary.LittleEndian.Uint64(text[:]))
}

// Named builds an explicit ID from a caller-supplied string. Short names are
// right-padded with spaces to 8 bytes; long names keep their last 8 bytes.
func Named(s string) ID {
	var text [TextLen]byte
	b := []byte(s)
	if len(b) > TextLen {
		b = b[len(b)-TextLen:]
	}
	copy(text[:], b)
	for i := len(b); i < TextLen; i++ {
		text[i] = ' '
	}
	return ID(binary.LittleEndian.Uint64(text[:]))
}

// FromString rebuilds an ID from its printable form. FromString(id.String())
// == id for every ID.
func FromString(s string) ID { return Named(s) }

// String returns the 8-character printable form.
func (id ID) String() string {
	var text [TextLen]byte
	binary.LittleEndian.PutUint64(text[:], uint64(id))
	return string(text[:])
}

// Zero reports whether the ID is the unset value.
func (id ID) Zero() bool { return id == 0 }
