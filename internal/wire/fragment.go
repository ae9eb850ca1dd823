package wire

import "fmt"

// Fragment is a fabric datagram as seen by the event table: a header plus a
// view into registered memory. Fragment never copies Payload; it aliases
// the batch cell the fragment arrived in, so it is only valid for the
// lifetime of that cell.
type Fragment struct {
	Header  Header
	Payload []byte
}

// Parse reads one fragment (header + payload) from the front of buf and
// returns it together with the number of bytes it occupies.
func Parse(buf []byte) (Fragment, int, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Fragment{}, 0, err
	}
	total := HeaderSize + int(h.Extent)
	if len(buf) < total {
		return Fragment{}, 0, fmt.Errorf("wire: fragment extent %d exceeds buffer (%d bytes available)", h.Extent, len(buf))
	}
	return Fragment{
		Header:  h,
		Payload: buf[HeaderSize:total],
	}, total, nil
}

// PayloadWords views the fragment's payload as big-endian 32-bit words,
// truncating any trailing partial word.
func (f Fragment) PayloadWords() []uint32 {
	n := len(f.Payload) / 4
	words := make([]uint32, n)
	for i := 0; i < n; i++ {
		words[i] = uint32(f.Payload[i*4])<<24 | uint32(f.Payload[i*4+1])<<16 | uint32(f.Payload[i*4+2])<<8 | uint32(f.Payload[i*4+3])
	}
	return words
}

// Children walks a batch's payload, yielding each child fragment packed
// back-to-back. Child count is implicit in the running extent, matching the
// wire layout described for batches.
func Children(batchPayload []byte) ([]Fragment, error) {
	var out []Fragment
	rest := batchPayload
	for len(rest) > 0 {
		frag, n, err := Parse(rest)
		if err != nil {
			return nil, err
		}
		out = append(out, frag)
		rest = rest[n:]
	}
	return out, nil
}
