package wire

import (
	"encoding/binary"
	"fmt"
)

// Destination is one (producer, remote buffer slot) pair a Result must be
// delivered to.
type Destination struct {
	ID    uint8
	Index uint16
}

// Result is the datagram-shaped record the builder produces for one
// completed (or forced-complete) event. It carries its own header (cloned
// from the event's creator fragment), the set of contributors it must be
// posted back to, and a small inline payload.
type Result struct {
	Header       Header
	Destinations []Destination
	Payload      []uint32
	Damage       bool   // set when the event was force-completed with a missing contributor
	Missing      uint64 // contract bits that never arrived, valid only when Damage is set
	TraceID      string
}

// EncodedSize returns the number of bytes Encode needs for a Result with the
// given payload word count and destination count.
func EncodedSize(payloadWords, destinations int) int {
	return HeaderSize + 4 + destinations*3 + 4 + payloadWords*4 + 1 + 8 + 16
}

// Encode serializes the Result into buf for handoff into a pooled batch
// cell. Layout: header, dest-count(u32), destinations (id:u8, index:u16)*,
// payload-word-count(u32), payload words, damage(u8), missing(u64),
// trace id (16 raw bytes, truncated/zero-padded).
func (r Result) Encode(buf []byte) (int, error) {
	need := EncodedSize(len(r.Payload), len(r.Destinations))
	if len(buf) < need {
		return 0, fmt.Errorf("wire: encode result: buffer too small (%d < %d)", len(buf), need)
	}
	if len(r.Destinations) > MaxDestinations {
		return 0, fmt.Errorf("wire: encode result: %d destinations exceeds max %d", len(r.Destinations), MaxDestinations)
	}

	off := 0
	if err := r.Header.Encode(buf[off:]); err != nil {
		return 0, err
	}
	off += HeaderSize

	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Destinations)))
	off += 4
	for _, d := range r.Destinations {
		buf[off] = d.ID
		off++
		binary.BigEndian.PutUint16(buf[off:], d.Index)
		off += 2
	}

	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Payload)))
	off += 4
	for _, w := range r.Payload {
		binary.BigEndian.PutUint32(buf[off:], w)
		off += 4
	}

	if r.Damage {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	off++
	binary.BigEndian.PutUint64(buf[off:], r.Missing)
	off += 8

	var idBuf [16]byte
	copy(idBuf[:], r.TraceID)
	copy(buf[off:off+16], idBuf[:])
	off += 16

	return off, nil
}

// DecodeResult parses a Result previously written by Encode.
func DecodeResult(buf []byte) (Result, int, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Result{}, 0, err
	}
	off := HeaderSize
	if len(buf) < off+4 {
		return Result{}, 0, fmt.Errorf("wire: decode result: truncated destination count")
	}
	ndst := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if ndst > MaxDestinations {
		return Result{}, 0, fmt.Errorf("wire: decode result: %d destinations exceeds max %d", ndst, MaxDestinations)
	}
	dests := make([]Destination, ndst)
	for i := 0; i < ndst; i++ {
		if len(buf) < off+3 {
			return Result{}, 0, fmt.Errorf("wire: decode result: truncated destination %d", i)
		}
		dests[i] = Destination{ID: buf[off], Index: binary.BigEndian.Uint16(buf[off+1:])}
		off += 3
	}

	if len(buf) < off+4 {
		return Result{}, 0, fmt.Errorf("wire: decode result: truncated payload count")
	}
	nwords := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	payload := make([]uint32, nwords)
	for i := 0; i < nwords; i++ {
		if len(buf) < off+4 {
			return Result{}, 0, fmt.Errorf("wire: decode result: truncated payload word %d", i)
		}
		payload[i] = binary.BigEndian.Uint32(buf[off:])
		off += 4
	}

	if len(buf) < off+1+8+16 {
		return Result{}, 0, fmt.Errorf("wire: decode result: truncated trailer")
	}
	damage := buf[off] != 0
	off++
	missing := binary.BigEndian.Uint64(buf[off:])
	off += 8
	traceID := string(trimTrailingZeros(buf[off : off+16]))
	off += 16

	return Result{
		Header:       h,
		Destinations: dests,
		Payload:      payload,
		Damage:       damage,
		Missing:      missing,
		TraceID:      traceID,
	}, off, nil
}

func trimTrailingZeros(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}
