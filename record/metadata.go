package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/hupe1980/msgstore/durable"
)

// Metadata record versions.
//
// Version 1 carries neither the redelivered count nor the delivery delay.
// Version 2 added the redelivered count; some version 2 writers also
// appended the delivery delay without changing the version.
// Version 3 carries both explicitly.
const (
	MetaVersion1       uint16 = 1
	MetaVersion2       uint16 = 2
	MetaVersion3       uint16 = 3
	CurrentMetaVersion        = MetaVersion3
)

const metaMagic = 'M'

const (
	flagCanExpireSilently = 1 << iota
	flagLogicallyDeleted
	flagContainsExpirables
)

var (
	// ErrInvalidRecord is returned for records that do not decode.
	ErrInvalidRecord = errors.New("record: invalid record")
	// ErrUnsupportedVersion is returned for metadata versions this package cannot read.
	ErrUnsupportedVersion = errors.New("record: unsupported metadata version")
	// ErrFieldTooLong is returned for a class name or transaction id that
	// does not fit its length prefix.
	ErrFieldTooLong = errors.New("record: field too long")
)

// MaxFieldLen is the longest class name or transaction id a metadata
// record can carry.
const MaxFieldLen = math.MaxUint16

// MetaData is the durable form of a Persistable.
type MetaData struct {
	Fields

	Payload     durable.Token
	ItemList    durable.Token
	StreamList  durable.Token
	ItemEntry   durable.Token
	StreamEntry durable.Token

	// Version is the layout the record was read from.
	Version uint16
}

// Validate reports whether f can be written as a metadata record.
func (f Fields) Validate() error {
	if len(f.ClassName) > MaxFieldLen {
		return fmt.Errorf("%w: class name of %d bytes", ErrFieldTooLong, len(f.ClassName))
	}
	if len(f.TransactionID) > MaxFieldLen {
		return fmt.Errorf("%w: transaction id of %d bytes", ErrFieldTooLong, len(f.TransactionID))
	}
	return nil
}

// Encode returns the current layout of m. The fields must pass Validate.
func (m *MetaData) Encode() []byte {
	return m.EncodeVersion(CurrentMetaVersion)
}

// EncodeVersion writes m in the given layout. Older layouts drop the fields
// they do not carry.
func (m *MetaData) EncodeVersion(version uint16) []byte {
	return m.encode(version, false)
}

// encode with trailingDelay set reproduces the version 2 writers that
// appended the delivery delay.
func (m *MetaData) encode(version uint16, trailingDelay bool) []byte {
	b := make([]byte, 0, 128+len(m.ClassName)+len(m.TransactionID))
	b = append(b, metaMagic)
	b = binary.LittleEndian.AppendUint16(b, version)
	b = append(b, byte(m.Kind), byte(m.Strategy))
	for _, v := range []int64{m.UniqueID, m.ContainingStreamID, m.LockID, m.ReferredID, m.Sequence, m.ExpiryTime} {
		b = binary.LittleEndian.AppendUint64(b, uint64(v))
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(m.Priority))
	b = binary.LittleEndian.AppendUint64(b, uint64(m.PersistentSize))

	var flags byte
	if m.CanExpireSilently {
		flags |= flagCanExpireSilently
	}
	if m.LogicallyDeleted {
		flags |= flagLogicallyDeleted
	}
	if m.ContainsExpirables {
		flags |= flagContainsExpirables
	}
	b = append(b, flags)

	b = binary.LittleEndian.AppendUint16(b, uint16(len(m.ClassName)))
	b = append(b, m.ClassName...)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(m.TransactionID)))
	b = append(b, m.TransactionID...)

	b = m.Payload.AppendBinary(b)
	b = m.ItemList.AppendBinary(b)
	b = m.StreamList.AppendBinary(b)
	b = m.ItemEntry.AppendBinary(b)
	b = m.StreamEntry.AppendBinary(b)

	switch version {
	case MetaVersion1:
	case MetaVersion2:
		b = binary.LittleEndian.AppendUint32(b, uint32(m.RedeliveredCount))
		if trailingDelay {
			b = binary.LittleEndian.AppendUint64(b, uint64(m.DeliveryDelayTime))
		}
	default:
		b = binary.LittleEndian.AppendUint32(b, uint32(m.RedeliveredCount))
		b = binary.LittleEndian.AppendUint64(b, uint64(m.DeliveryDelayTime))
	}
	return b
}

// DecodeMetaData reads a metadata record of any supported version.
func DecodeMetaData(b []byte) (*MetaData, error) {
	r := reader{b: b}
	if r.u8() != metaMagic {
		return nil, fmt.Errorf("%w: not a metadata record", ErrInvalidRecord)
	}
	m := &MetaData{}
	m.Version = r.u16()
	if r.err == nil && (m.Version < MetaVersion1 || m.Version > CurrentMetaVersion) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.Version)
	}
	m.Kind = EntityKind(r.u8())
	m.Strategy = StorageStrategy(r.u8())
	m.UniqueID = int64(r.u64())
	m.ContainingStreamID = int64(r.u64())
	m.LockID = int64(r.u64())
	m.ReferredID = int64(r.u64())
	m.Sequence = int64(r.u64())
	m.ExpiryTime = int64(r.u64())
	m.Priority = int32(r.u32())
	m.PersistentSize = int64(r.u64())
	flags := r.u8()
	m.CanExpireSilently = flags&flagCanExpireSilently != 0
	m.LogicallyDeleted = flags&flagLogicallyDeleted != 0
	m.ContainsExpirables = flags&flagContainsExpirables != 0
	m.ClassName = string(r.bytes(int(r.u16())))
	if xid := r.bytes(int(r.u16())); len(xid) > 0 {
		m.TransactionID = xid
	}
	m.Payload = r.token()
	m.ItemList = r.token()
	m.StreamList = r.token()
	m.ItemEntry = r.token()
	m.StreamEntry = r.token()
	if r.err != nil {
		return nil, r.err
	}

	switch m.Version {
	case MetaVersion1:
	case MetaVersion2:
		m.RedeliveredCount = int32(r.u32())
		// Stream records never carried a delay, so trailing bytes there
		// are not one.
		if r.remaining() >= 8 && m.Kind.IsItem() {
			m.DeliveryDelayTime = int64(r.u64())
			m.DeliveryDelaySuspect = true
		}
	default:
		m.RedeliveredCount = int32(r.u32())
		m.DeliveryDelayTime = int64(r.u64())
	}
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) remaining() int { return len(r.b) - r.off }

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: truncated at offset %d", ErrInvalidRecord, r.off)
		return nil
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v
}

func (r *reader) u8() byte {
	if v := r.take(1); v != nil {
		return v[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if v := r.take(2); v != nil {
		return binary.LittleEndian.Uint16(v)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if v := r.take(4); v != nil {
		return binary.LittleEndian.Uint32(v)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if v := r.take(8); v != nil {
		return binary.LittleEndian.Uint64(v)
	}
	return 0
}

func (r *reader) bytes(n int) []byte {
	v := r.take(n)
	if v == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, v)
	return out
}

func (r *reader) token() durable.Token {
	v := r.take(durable.TokenSize)
	if v == nil {
		return durable.NilToken
	}
	tok, err := durable.DecodeToken(v)
	if err != nil {
		r.err = fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return tok
}
