// Package wire defines the on-the-fabric layouts the EB core reads and
// writes: the fragment header producers send, the batch envelope the
// builder and outlet pack datagrams into, and the Result the builder
// produces per completed event.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size of a fragment header, in bytes: an 8-byte
// sequence key, a 4-byte service/transition code, a 4-byte source tag, and a
// 4-byte payload extent.
const HeaderSize = 20

// MaxDestinations bounds the number of (destination, remote index) pairs a
// single Result can carry, matching the reference build's fixed-size
// destination vector (capacity >= max contributors).
const MaxDestinations = 64

// Header is the read-only record every fragment and batch begins with.
// The sequence key is the event identity: two fragments with identical keys
// belong to the same event.
type Header struct {
	PulseID   uint64 // monotonically-useful sequence key identifying the event
	Service   uint32 // transition/service code, carried through uninterpreted
	SourceTag uint32 // producer id (high bits) + remote buffer index (low 16 bits)
	Extent    uint32 // payload length in bytes following the header
}

// ProducerID extracts the 0..63 producer identity from the source tag.
func (h Header) ProducerID() uint8 {
	return uint8(h.SourceTag >> 16 & 0x3f)
}

// RemoteIndex extracts the producer-local remote buffer slot from the
// source tag.
func (h Header) RemoteIndex() uint16 {
	return uint16(h.SourceTag & 0xffff)
}

// MakeSourceTag packs a producer id and remote buffer index into one
// 4-byte source tag.
func MakeSourceTag(producerID uint8, remoteIndex uint16) uint32 {
	return uint32(producerID&0x3f)<<16 | uint32(remoteIndex)
}

// Encode writes the header to the front of buf, which must be at least
// HeaderSize bytes.
func (h Header) Encode(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("wire: encode header: buffer too small (%d < %d)", len(buf), HeaderSize)
	}
	binary.BigEndian.PutUint64(buf[0:8], h.PulseID)
	binary.BigEndian.PutUint32(buf[8:12], h.Service)
	binary.BigEndian.PutUint32(buf[12:16], h.SourceTag)
	binary.BigEndian.PutUint32(buf[16:20], h.Extent)
	return nil
}

// DecodeHeader reads a header from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: decode header: buffer too small (%d < %d)", len(buf), HeaderSize)
	}
	return Header{
		PulseID:   binary.BigEndian.Uint64(buf[0:8]),
		Service:   binary.BigEndian.Uint32(buf[8:12]),
		SourceTag: binary.BigEndian.Uint32(buf[12:16]),
		Extent:    binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// Window computes the batch window lower bound for a key, per the
// alignment rule window(key) = key & ~(duration-1). duration must be a
// power of two number of sequence-key units.
func Window(key, duration uint64) uint64 {
	return key &^ (duration - 1)
}
