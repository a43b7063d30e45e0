package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// RecordType identifies the type of WAL record.
type RecordType uint8

const (
	// RecordTypePrepare carries the records of a prepared transaction.
	RecordTypePrepare RecordType = 1
	// RecordTypeCommit carries the records of a committed transaction. For a
	// transaction that was prepared the payload is empty.
	RecordTypeCommit RecordType = 2
	// RecordTypeBackout ends a prepared transaction without effect.
	RecordTypeBackout RecordType = 3
)

func (t RecordType) String() string {
	switch t {
	case RecordTypePrepare:
		return "prepare"
	case RecordTypeCommit:
		return "commit"
	case RecordTypeBackout:
		return "backout"
	default:
		return "unknown"
	}
}

// FlagPrepared marks a commit or backout of a prepared transaction.
const FlagPrepared uint8 = 1 << 0

var (
	ErrInvalidCRC     = errors.New("invalid WAL record checksum")
	ErrInvalidType    = errors.New("invalid WAL record type")
	ErrShortRead      = errors.New("short read in WAL record")
	ErrRecordTooLarge = errors.New("WAL record too large")
)

// MaxRecordSize bounds the payload of a single record.
const MaxRecordSize = 100 * 1024 * 1024

const recordHeaderSize = 4 + 1 + 8 + 4

// Record represents a single transaction outcome in the WAL.
type Record struct {
	LSN     uint64
	Type    RecordType
	Flags   uint8
	XID     []byte
	Payload []byte
}

// Size returns the encoded size of the record.
//
// Format:
// [CRC32: 4 bytes] [Type: 1 byte] [LSN: 8 bytes] [Length: 4 bytes] [Body: Length bytes]
// Body: [Flags: 1 byte] [XIDLen: 2 bytes] [XID] [Payload]
func (r *Record) Size() int {
	return recordHeaderSize + r.bodySize()
}

func (r *Record) bodySize() int {
	return 1 + 2 + len(r.XID) + len(r.Payload)
}

// Encode writes the record to w.
func (r *Record) Encode(w io.Writer) error {
	bodyLen := r.bodySize()
	if bodyLen > MaxRecordSize {
		return ErrRecordTooLarge
	}

	buf := make([]byte, recordHeaderSize+bodyLen)
	buf[4] = byte(r.Type)
	binary.LittleEndian.PutUint64(buf[5:], r.LSN)
	binary.LittleEndian.PutUint32(buf[13:], uint32(bodyLen))

	body := buf[recordHeaderSize:]
	body[0] = r.Flags
	binary.LittleEndian.PutUint16(body[1:], uint16(len(r.XID)))
	n := copy(body[3:], r.XID)
	copy(body[3+n:], r.Payload)

	binary.LittleEndian.PutUint32(buf[0:], crc32.ChecksumIEEE(buf[4:]))
	_, err := w.Write(buf)
	return err
}

// Decode reads a record from r. It returns the number of bytes consumed.
// A record cut short by the end of the input yields io.ErrUnexpectedEOF.
func Decode(r io.Reader) (*Record, int64, error) {
	header := make([]byte, recordHeaderSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		return nil, int64(n), err
	}

	recType := RecordType(header[4])
	lsn := binary.LittleEndian.Uint64(header[5:])
	length := binary.LittleEndian.Uint32(header[13:])
	if length > MaxRecordSize {
		return nil, recordHeaderSize, ErrRecordTooLarge
	}

	body := make([]byte, length)
	m, err := io.ReadFull(r, body)
	consumed := int64(recordHeaderSize + m)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, consumed, err
	}

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(body)
	if crc.Sum32() != binary.LittleEndian.Uint32(header[0:]) {
		return nil, consumed, ErrInvalidCRC
	}

	switch recType {
	case RecordTypePrepare, RecordTypeCommit, RecordTypeBackout:
	default:
		return nil, consumed, ErrInvalidType
	}

	if len(body) < 3 {
		return nil, consumed, ErrShortRead
	}
	xidLen := int(binary.LittleEndian.Uint16(body[1:]))
	if len(body) < 3+xidLen {
		return nil, consumed, ErrShortRead
	}
	rec := &Record{
		LSN:   lsn,
		Type:  recType,
		Flags: body[0],
	}
	if xidLen > 0 {
		rec.XID = body[3 : 3+xidLen]
	}
	if rest := body[3+xidLen:]; len(rest) > 0 {
		rec.Payload = rest
	}
	return rec, consumed, nil
}
