package record

import (
	"encoding/binary"
	"fmt"
)

const (
	payloadSliced = 'S'
	payloadFlat   = 'F'
)

// EncodePayload writes slices in the sliced payload layout:
// [magic 'S'][count u32] then per slice [len u32][bytes].
func EncodePayload(slices [][]byte) []byte {
	n := 5
	for _, s := range slices {
		n += 4 + len(s)
	}
	b := make([]byte, 0, n)
	b = append(b, payloadSliced)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(slices)))
	for _, s := range slices {
		b = binary.LittleEndian.AppendUint32(b, uint32(len(s)))
		b = append(b, s...)
	}
	return b
}

// EncodeFlatPayload writes data in the legacy flat layout.
func EncodeFlatPayload(data []byte) []byte {
	b := make([]byte, 0, 1+len(data))
	b = append(b, payloadFlat)
	return append(b, data...)
}

// DecodePayload reads either payload layout. A flat payload is returned as
// a single slice with flat set.
func DecodePayload(b []byte) (slices [][]byte, flat bool, err error) {
	r := reader{b: b}
	switch r.u8() {
	case payloadFlat:
		return [][]byte{r.bytes(r.remaining())}, true, nil
	case payloadSliced:
	default:
		return nil, false, fmt.Errorf("%w: not a payload record", ErrInvalidRecord)
	}
	count := r.u32()
	if r.err == nil && uint64(count) > uint64(r.remaining()) {
		return nil, false, fmt.Errorf("%w: slice count %d exceeds record", ErrInvalidRecord, count)
	}
	slices = make([][]byte, 0, count)
	for i := uint32(0); i < count && r.err == nil; i++ {
		slices = append(slices, r.bytes(int(r.u32())))
	}
	if r.err != nil {
		return nil, false, r.err
	}
	return slices, false, nil
}
