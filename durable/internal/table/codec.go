package table

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/msgstore/durable"
)

// EncodeRecords serializes transaction records for a journal.
//
// Per record: [op u8][token 9][list 9][member 9][nameLen u16][name][dataLen u32][data]
func EncodeRecords(recs []durable.TxRecord) []byte {
	n := 4
	for _, r := range recs {
		n += 1 + 3*durable.TokenSize + 2 + len(r.Name) + 4 + len(r.Data)
	}
	b := make([]byte, 0, n)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(recs)))
	for _, r := range recs {
		b = append(b, byte(r.Op))
		b = r.Token.AppendBinary(b)
		b = r.List.AppendBinary(b)
		b = r.Member.AppendBinary(b)
		b = binary.LittleEndian.AppendUint16(b, uint16(len(r.Name)))
		b = append(b, r.Name...)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(r.Data)))
		b = append(b, r.Data...)
	}
	return b
}

// DecodeRecords parses the output of EncodeRecords.
func DecodeRecords(b []byte) ([]durable.TxRecord, error) {
	d := decoder{b: b}
	count := d.u32()
	if d.err != nil {
		return nil, d.err
	}
	if uint64(count) > uint64(len(b)) {
		return nil, fmt.Errorf("%w: record count %d exceeds payload", durable.ErrCorrupt, count)
	}
	recs := make([]durable.TxRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var r durable.TxRecord
		r.Op = durable.OpKind(d.u8())
		r.Token = d.token()
		r.List = d.token()
		r.Member = d.token()
		r.Name = string(d.bytes(int(d.u16())))
		r.Data = d.bytes(int(d.u32()))
		if d.err != nil {
			return nil, d.err
		}
		if r.Op < durable.OpAdd || r.Op > durable.OpRemoveRoot {
			return nil, fmt.Errorf("%w: unknown op %d", durable.ErrCorrupt, r.Op)
		}
		recs = append(recs, r)
	}
	return recs, nil
}

type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || d.off+n > len(d.b) {
		d.err = fmt.Errorf("%w: short buffer at offset %d", durable.ErrCorrupt, d.off)
		return false
	}
	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.b[d.off]
	d.off++
	return v
}

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.b[d.off:])
	d.off += 2
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.b[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.b[d.off:])
	d.off += 8
	return v
}

func (d *decoder) bytes(n int) []byte {
	if !d.need(n) {
		return nil
	}
	v := make([]byte, n)
	copy(v, d.b[d.off:d.off+n])
	d.off += n
	return v
}

func (d *decoder) token() durable.Token {
	if !d.need(durable.TokenSize) {
		return durable.NilToken
	}
	tok, err := durable.DecodeToken(d.b[d.off:])
	if err != nil {
		d.err = err
		return durable.NilToken
	}
	d.off += durable.TokenSize
	return tok
}
