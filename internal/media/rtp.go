package media

import (
	"crypto/rand"
	"encoding/binary"
)

// randomUint32 reads four random bytes. RFC 3550 asks for random SSRC,
// sequence and timestamp starts; a constant fallback is only hit when the
// system RNG is broken.
func randomUint32(fallback uint32) uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fallback
	}
	return binary.BigEndian.Uint32(b[:])
}

// GenerateSSRC generates a random 32-bit SSRC.
func GenerateSSRC() uint32 {
	return randomUint32(0x12345678)
}

// GenerateSequenceStart generates a random starting sequence number.
func GenerateSequenceStart() uint16 {
	return uint16(randomUint32(0))
}

// GenerateTimestampStart generates a random starting timestamp.
func GenerateTimestampStart() uint32 {
	return randomUint32(0)
}
