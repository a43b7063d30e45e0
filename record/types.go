package record

import "fmt"

// StorageStrategy governs whether and how durably an entity is persisted.
type StorageStrategy uint8

const (
	// StoreNever entities are never written.
	StoreNever StorageStrategy = iota
	// StoreMaybe entities are spilled on a best-effort basis to the
	// temporary store and are lost on restart.
	StoreMaybe
	// StoreEventually entities are written as part of their transaction.
	StoreEventually
	// StoreAlways entities are written as part of their transaction.
	StoreAlways
)

func (s StorageStrategy) String() string {
	switch s {
	case StoreNever:
		return "NEVER"
	case StoreMaybe:
		return "MAYBE"
	case StoreEventually:
		return "EVENTUALLY"
	case StoreAlways:
		return "ALWAYS"
	default:
		return fmt.Sprintf("StorageStrategy(%d)", uint8(s))
	}
}

// Persisted reports whether entities with this strategy are written at all.
func (s StorageStrategy) Persisted() bool { return s != StoreNever }

// Synchronous reports whether writes happen as part of the owning
// transaction rather than in the background.
func (s StorageStrategy) Synchronous() bool { return s == StoreEventually || s == StoreAlways }

// EntityKind is the kind of a persisted entity.
type EntityKind uint8

const (
	KindItem EntityKind = iota + 1
	KindItemReference
	KindItemStream
	KindReferenceStream
	KindRoot
)

func (k EntityKind) String() string {
	switch k {
	case KindItem:
		return "ITEM"
	case KindItemReference:
		return "ITEM_REFERENCE"
	case KindItemStream:
		return "ITEM_STREAM"
	case KindReferenceStream:
		return "REFERENCE_STREAM"
	case KindRoot:
		return "ROOT"
	default:
		return fmt.Sprintf("EntityKind(%d)", uint8(k))
	}
}

// IsStream reports whether entities of this kind contain other entities.
func (k EntityKind) IsStream() bool {
	return k == KindItemStream || k == KindReferenceStream || k == KindRoot
}

// IsItem reports whether k is an item or an item reference.
func (k EntityKind) IsItem() bool { return k == KindItem || k == KindItemReference }

// NoLockID is the lock id of an unlocked entity.
const NoLockID int64 = -1

// Fields holds the scalar attributes of a Persistable.
type Fields struct {
	UniqueID           int64
	ContainingStreamID int64
	LockID             int64
	ReferredID         int64
	Sequence           int64
	// ExpiryTime is in unix milliseconds. Zero means never.
	ExpiryTime        int64
	Strategy          StorageStrategy
	Priority          int32
	PersistentSize    int64
	CanExpireSilently bool
	Kind              EntityKind
	ClassName         string
	// TransactionID is the external id of the transaction the entity is
	// in flight under, if any.
	TransactionID     []byte
	LogicallyDeleted  bool
	RedeliveredCount  int32
	DeliveryDelayTime int64
	// DeliveryDelaySuspect is set on read when DeliveryDelayTime came from
	// a record format that may hold unrelated bytes in that position.
	DeliveryDelaySuspect bool
	// ContainsExpirables marks streams with at least one expiring child.
	ContainsExpirables bool
}

// OperationType identifies a pending change to a Persistable.
type OperationType uint8

const (
	OpAdd OperationType = iota + 1
	OpRemove
	OpUpdateData
	OpUpdateLockID
	OpUpdateRedeliveredCount
)

func (t OperationType) String() string {
	switch t {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	case OpUpdateData:
		return "update-data"
	case OpUpdateLockID:
		return "update-lock-id"
	case OpUpdateRedeliveredCount:
		return "update-redelivered-count"
	default:
		return fmt.Sprintf("op(%d)", uint8(t))
	}
}

// Operation is one pending change handed down by the transaction layer.
type Operation struct {
	Type        OperationType
	Persistable *Persistable
}

// CacheLink connects a Persistable to the in-memory cache entry it belongs to.
type CacheLink interface {
	// PersistentData returns the current payload as slices.
	PersistentData() ([][]byte, error)
	// OnStable is called when every begun operation has completed.
	OnStable()
}
