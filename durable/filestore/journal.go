package filestore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/hupe1980/msgstore/durable"
	"github.com/hupe1980/msgstore/durable/internal/table"
	"github.com/hupe1980/msgstore/internal/compress"
	"github.com/hupe1980/msgstore/internal/fs"
	"github.com/hupe1980/msgstore/internal/wal"
)

// journal implements table.Journal on a write-ahead log. All methods run
// with the table lock held.
type journal struct {
	fs     fs.FileSystem
	wal    *wal.WAL
	t      *table.Table
	perm   string
	codec  compress.Codec
	sizes  durable.Sizes
	logger *slog.Logger

	prepared map[string][]durable.TxRecord
	order    []string

	logUsed     atomic.Int64
	checkpoints atomic.Int64
}

var _ table.Journal = (*journal)(nil)

func (j *journal) Prepared(xid []byte, recs []durable.TxRecord) error {
	recs = table.PermanentOnly(recs)
	rec, err := j.record(wal.RecordTypePrepare, 0, xid, recs)
	if err != nil {
		return err
	}
	if err := j.append(rec); err != nil {
		return err
	}
	k := string(xid)
	if _, ok := j.prepared[k]; !ok {
		j.order = append(j.order, k)
	}
	j.prepared[k] = recs
	return nil
}

func (j *journal) Committed(xid []byte, recs []durable.TxRecord, prepared bool) error {
	if prepared {
		if err := j.append(&wal.Record{Type: wal.RecordTypeCommit, Flags: wal.FlagPrepared, XID: xid}); err != nil {
			return err
		}
		j.forget(xid)
		return nil
	}
	recs = table.PermanentOnly(recs)
	if len(recs) == 0 {
		return nil
	}
	rec, err := j.record(wal.RecordTypeCommit, 0, xid, recs)
	if err != nil {
		return err
	}
	return j.append(rec)
}

func (j *journal) BackedOut(xid []byte, prepared bool) error {
	if !prepared {
		return nil
	}
	if err := j.append(&wal.Record{Type: wal.RecordTypeBackout, Flags: wal.FlagPrepared, XID: xid}); err != nil {
		return err
	}
	j.forget(xid)
	return nil
}

func (j *journal) record(typ wal.RecordType, flags uint8, xid []byte, recs []durable.TxRecord) (*wal.Record, error) {
	payload, err := compress.Encode(table.EncodeRecords(recs), j.codec)
	if err != nil {
		return nil, err
	}
	return &wal.Record{Type: typ, Flags: flags, XID: xid, Payload: payload}, nil
}

// append logs rec, checkpointing first if rec would not fit into the log.
func (j *journal) append(rec *wal.Record) error {
	if limit := j.sizes.LogSize; limit > 0 && j.wal.Size()+int64(rec.Size()) > limit {
		if err := j.checkpoint(); err != nil {
			return err
		}
		if j.wal.Size()+int64(rec.Size()) > limit {
			return fmt.Errorf("%w: record of %d bytes, log size %d", durable.ErrLogFull, rec.Size(), limit)
		}
	}
	err := j.wal.Append(rec)
	j.logUsed.Store(j.wal.Size())
	return err
}

func (j *journal) forget(xid []byte) {
	k := string(xid)
	if _, ok := j.prepared[k]; !ok {
		return
	}
	delete(j.prepared, k)
	for i, o := range j.order {
		if o == k {
			j.order = append(j.order[:i], j.order[i+1:]...)
			break
		}
	}
}

// checkpoint writes the committed state to the image, empties the log and
// logs the prepared transactions again.
func (j *journal) checkpoint() error {
	err := fs.WriteFileAtomic(j.fs, j.perm, func(w io.Writer) error {
		if err := writeSizes(w, j.sizes); err != nil {
			return err
		}
		return j.t.WriteImageLocked(w)
	})
	if err != nil {
		return fmt.Errorf("checkpoint image: %w", err)
	}
	if err := j.wal.Reset(); err != nil {
		return fmt.Errorf("checkpoint log reset: %w", err)
	}
	for _, k := range j.order {
		rec, err := j.record(wal.RecordTypePrepare, 0, []byte(k), j.prepared[k])
		if err != nil {
			return err
		}
		if err := j.wal.Append(rec); err != nil {
			return err
		}
	}
	j.logUsed.Store(j.wal.Size())
	j.checkpoints.Add(1)
	j.logger.Debug("checkpoint", "prepared", len(j.order), "log_used", j.wal.Size())
	return nil
}

// replay applies the log to the table and restores prepared transactions.
// A torn or corrupt tail is cut off.
func (j *journal) replay() error {
	r, err := j.wal.Reader()
	if err != nil {
		return durable.Transient("read log", err)
	}
	defer r.Close()

	var lsn uint64
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, wal.ErrInvalidCRC) {
			j.logger.Warn("truncating torn log tail", "offset", r.Offset(), "error", err)
			if err := j.wal.Truncate(r.Offset()); err != nil {
				return err
			}
			break
		}
		if err != nil {
			return fmt.Errorf("%w: log at offset %d: %w", durable.ErrCorrupt, r.Offset(), err)
		}
		lsn = rec.LSN

		switch rec.Type {
		case wal.RecordTypePrepare:
			recs, err := decodePayload(rec.Payload)
			if err != nil {
				return err
			}
			k := string(rec.XID)
			if _, ok := j.prepared[k]; !ok {
				j.order = append(j.order, k)
			}
			j.prepared[k] = recs
		case wal.RecordTypeCommit:
			if rec.Flags&wal.FlagPrepared != 0 {
				if recs, ok := j.prepared[string(rec.XID)]; ok {
					j.t.Restore(recs)
					j.forget(rec.XID)
				}
				continue
			}
			recs, err := decodePayload(rec.Payload)
			if err != nil {
				return err
			}
			j.t.Restore(recs)
		case wal.RecordTypeBackout:
			j.forget(rec.XID)
		}
	}
	j.wal.SetLSN(lsn)

	for _, k := range j.order {
		if _, err := j.t.RestorePrepared([]byte(k), j.prepared[k]); err != nil {
			return err
		}
	}
	return nil
}

func decodePayload(payload []byte) ([]durable.TxRecord, error) {
	raw, err := compress.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", durable.ErrCorrupt, err)
	}
	recs, err := table.DecodeRecords(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", durable.ErrCorrupt, err)
	}
	return recs, nil
}

const (
	sizesMagic   = 0x4D534653 // "MSFS"
	sizesVersion = 1
	sizesLen     = 4 + 4 + 8 + 2*(8+8+1) + 4
)

// writeSizes writes the store sizes that precede the table image.
//
// Format:
//
//	Magic (4) Version (4) LogSize (8)
//	Permanent { Min (8) Max (8) Unlimited (1) }
//	Temporary { Min (8) Max (8) Unlimited (1) }
//	Checksum (4)
func writeSizes(w io.Writer, s durable.Sizes) error {
	b := make([]byte, 0, sizesLen)
	b = binary.LittleEndian.AppendUint32(b, sizesMagic)
	b = binary.LittleEndian.AppendUint32(b, sizesVersion)
	b = binary.LittleEndian.AppendUint64(b, uint64(s.LogSize))
	for _, ss := range []durable.StoreSize{s.Permanent, s.Temporary} {
		b = binary.LittleEndian.AppendUint64(b, uint64(ss.Min))
		b = binary.LittleEndian.AppendUint64(b, uint64(ss.Max))
		var unlimited byte
		if ss.Unlimited {
			unlimited = 1
		}
		b = append(b, unlimited)
	}
	b = binary.LittleEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
	_, err := w.Write(b)
	return err
}

func readSizes(r io.Reader) (durable.Sizes, error) {
	b := make([]byte, sizesLen)
	if _, err := io.ReadFull(r, b); err != nil {
		return durable.Sizes{}, fmt.Errorf("%w: sizes header: %v", durable.ErrCorrupt, err)
	}
	body, sum := b[:sizesLen-4], binary.LittleEndian.Uint32(b[sizesLen-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return durable.Sizes{}, fmt.Errorf("%w: sizes checksum mismatch", durable.ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(body[0:]) != sizesMagic {
		return durable.Sizes{}, fmt.Errorf("%w: not a store image", durable.ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(body[4:]); v != sizesVersion {
		return durable.Sizes{}, fmt.Errorf("%w: unsupported image version %d", durable.ErrCorrupt, v)
	}
	s := durable.Sizes{LogSize: int64(binary.LittleEndian.Uint64(body[8:]))}
	off := 16
	read := func() durable.StoreSize {
		ss := durable.StoreSize{
			Min:       int64(binary.LittleEndian.Uint64(body[off:])),
			Max:       int64(binary.LittleEndian.Uint64(body[off+8:])),
			Unlimited: body[off+16] == 1,
		}
		off += 17
		return ss
	}
	s.Permanent = read()
	s.Temporary = read()
	return s, nil
}

// loadImage loads the image at path into t and returns the stored sizes. A
// missing image is an empty store.
func loadImage(fsys fs.FileSystem, path string, t *table.Table) (durable.Sizes, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if os.IsNotExist(err) {
		return durable.Sizes{}, nil
	}
	if err != nil {
		return durable.Sizes{}, durable.Transient("open image", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return durable.Sizes{}, durable.Transient("read image", err)
	}
	r := bytes.NewReader(data)
	sizes, err := readSizes(r)
	if err != nil {
		return durable.Sizes{}, err
	}
	if err := t.LoadImage(r); err != nil {
		return durable.Sizes{}, err
	}
	return sizes, nil
}
