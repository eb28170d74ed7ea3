package wire

import (
	"crypto/rand"
	"encoding/binary"
)

// ConnectNonce returns a cryptographically-random 16-bit value chosen by the
// client at HELLO time. It is fixed for the lifetime of the LocalChannel.
func ConnectNonce() (uint32, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return uint32(binary.BigEndian.Uint16(b[:])), nil
}
