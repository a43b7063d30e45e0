package msgstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hupe1980/msgstore/durable"
)

const (
	// AnchorName is the named root under which the anchor is registered.
	AnchorName = "msgstore.anchor"
	// LegacyAnchorName is the root name older stores used.
	LegacyAnchorName = "MessageStoreAnchor"

	anchorMagic   = 'A'
	anchorVersion = 1
	anchorSize    = 1 + 2 + 3*durable.TokenSize

	ownershipMagic   = 'O'
	ownershipVersion = 1
	ownershipSize    = 1 + 2 + 2 + 2 + 16 + 16

	// SchemaVersion is the layout generation of the records this package
	// writes. Stores written under another schema are refused.
	SchemaVersion uint16 = 3
	// MigrationVersion counts in-place upgrades within a schema.
	MigrationVersion uint16 = 0
)

// ErrInvalidAnchor is returned for anchor and ownership records that do not
// decode.
var ErrInvalidAnchor = errors.New("msgstore: invalid anchor record")

// anchor is the single root record of a store.
type anchor struct {
	Root      durable.Token
	KeyList   durable.Token
	Ownership durable.Token
}

func (a anchor) encode() []byte {
	b := make([]byte, 0, anchorSize)
	b = append(b, anchorMagic)
	b = binary.LittleEndian.AppendUint16(b, anchorVersion)
	b = a.Root.AppendBinary(b)
	b = a.KeyList.AppendBinary(b)
	return a.Ownership.AppendBinary(b)
}

func decodeAnchor(b []byte) (anchor, error) {
	if len(b) != anchorSize || b[0] != anchorMagic {
		return anchor{}, fmt.Errorf("%w: anchor of %d bytes", ErrInvalidAnchor, len(b))
	}
	if v := binary.LittleEndian.Uint16(b[1:3]); v != anchorVersion {
		return anchor{}, fmt.Errorf("%w: anchor version %d", ErrInvalidAnchor, v)
	}
	var (
		a   anchor
		err error
	)
	off := 3
	for _, t := range []*durable.Token{&a.Root, &a.KeyList, &a.Ownership} {
		if *t, err = durable.DecodeToken(b[off:]); err != nil {
			return anchor{}, fmt.Errorf("%w: %w", ErrInvalidAnchor, err)
		}
		off += durable.TokenSize
	}
	return a, nil
}

// ownership identifies the engine that owns a store and the process
// instance that last started it.
type ownership struct {
	Schema      uint16
	Migration   uint16
	Engine      uuid.UUID
	Incarnation uuid.UUID
}

func (o ownership) encode() []byte {
	b := make([]byte, 0, ownershipSize)
	b = append(b, ownershipMagic)
	b = binary.LittleEndian.AppendUint16(b, ownershipVersion)
	b = binary.LittleEndian.AppendUint16(b, o.Schema)
	b = binary.LittleEndian.AppendUint16(b, o.Migration)
	b = append(b, o.Engine[:]...)
	return append(b, o.Incarnation[:]...)
}

func decodeOwnership(b []byte) (ownership, error) {
	if len(b) != ownershipSize || b[0] != ownershipMagic {
		return ownership{}, fmt.Errorf("%w: ownership record of %d bytes", ErrInvalidAnchor, len(b))
	}
	if v := binary.LittleEndian.Uint16(b[1:3]); v != ownershipVersion {
		return ownership{}, fmt.Errorf("%w: ownership version %d", ErrInvalidAnchor, v)
	}
	var o ownership
	o.Schema = binary.LittleEndian.Uint16(b[3:5])
	o.Migration = binary.LittleEndian.Uint16(b[5:7])
	copy(o.Engine[:], b[7:23])
	copy(o.Incarnation[:], b[23:39])
	return o, nil
}
