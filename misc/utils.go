package misc

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
	"unsafe"
)

var (
	ErrMissingId = errors.New("missing id")
)

// 9 bytes of unixnano and 7 random bytes
func PseudoUUID() string {
	now := time.Now().UnixNano()
	randPart := make([]byte, 7)
	if _, err := rand.Read(randPart); err != nil {
		copy(randPart, (*(*[8]byte)(unsafe.Pointer(&now)))[:7])
	}
	return strconv.FormatInt(now, 10)[1:] + hex.EncodeToString(randPart)
}

// RandHex returns n bytes of crypto randomness, hex encoded (2n chars).
func RandHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// Fall back to the nano clock; only reachable when the OS
		// entropy source is broken
		now := time.Now().UnixNano()
		copy(b, (*(*[8]byte)(unsafe.Pointer(&now)))[:])
	}
	return hex.EncodeToString(b)
}
