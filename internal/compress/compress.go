// Package compress optionally shrinks chunk payloads with snappy before
// they are encrypted outbound, and expands them again after decryption
// inbound. It is grounded on the teacher's std.CompStream, which wraps a
// net.Conn in a snappy reader/writer pair; here the wrapping happens
// around payload bytes rather than a socket, because the bytes written to
// the backend TCP connection must reach it byte-for-byte unmodified — the
// backend has no idea this tunnel exists, let alone that it speaks snappy.
package compress

import (
	"github.com/golang/snappy"
)

// Compress returns the snappy-encoded form of plaintext. Both ends of a
// tunnel must agree out of band to enable compression.
func Compress(plaintext []byte) []byte {
	return snappy.Encode(nil, plaintext)
}

// Decompress inverts Compress.
func Decompress(encoded []byte) ([]byte, error) {
	return snappy.Decode(nil, encoded)
}
