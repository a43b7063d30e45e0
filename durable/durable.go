package durable

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// StoreID selects the permanent or the temporary object store.
type StoreID uint8

const (
	// Permanent content survives restart.
	Permanent StoreID = 1
	// Temporary content is discarded on reopen.
	Temporary StoreID = 2
)

func (s StoreID) String() string {
	switch s {
	case Permanent:
		return "permanent"
	case Temporary:
		return "temporary"
	default:
		return fmt.Sprintf("store(%d)", uint8(s))
	}
}

// Valid reports whether s names a known store.
func (s StoreID) Valid() bool { return s == Permanent || s == Temporary }

// Token is a stable handle to a record, list or list entry.
type Token struct {
	Store StoreID
	ID    uint64
}

// NilToken is the zero token. It never names an object.
var NilToken Token

// TokenSize is the encoded size of a Token.
const TokenSize = 9

// IsZero reports whether t is the nil token.
func (t Token) IsZero() bool { return t.ID == 0 }

func (t Token) String() string {
	if t.IsZero() {
		return "nil"
	}
	return fmt.Sprintf("%s/%d", t.Store, t.ID)
}

// AppendBinary appends the fixed-size encoding of t to b.
func (t Token) AppendBinary(b []byte) []byte {
	b = append(b, byte(t.Store))
	return binary.LittleEndian.AppendUint64(b, t.ID)
}

// DecodeToken decodes a token written by AppendBinary.
func DecodeToken(b []byte) (Token, error) {
	if len(b) < TokenSize {
		return NilToken, fmt.Errorf("%w: short token (%d bytes)", ErrCorrupt, len(b))
	}
	t := Token{Store: StoreID(b[0]), ID: binary.LittleEndian.Uint64(b[1:TokenSize])}
	if !t.IsZero() && !t.Store.Valid() {
		return NilToken, fmt.Errorf("%w: invalid store id %d", ErrCorrupt, b[0])
	}
	return t, nil
}

// ListEntry is one position in a durable list.
type ListEntry struct {
	// Entry identifies the position itself and is used to remove it.
	Entry Token
	// Member is the token that was added to the list.
	Member Token
}

// StoreSize describes the size of one object store.
type StoreSize struct {
	Min       int64
	Max       int64
	Used      int64
	Unlimited bool
}

// Sizes describes the log and both object stores.
type Sizes struct {
	LogSize   int64
	LogUsed   int64
	Permanent StoreSize
	Temporary StoreSize
}

// Of returns the size of the given store.
func (s Sizes) Of(id StoreID) StoreSize {
	if id == Temporary {
		return s.Temporary
	}
	return s.Permanent
}

// TxState is the state of a durable transaction.
type TxState uint8

const (
	TxActive TxState = iota
	TxPrepared
	TxCommitted
	TxBackedOut
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxPrepared:
		return "prepared"
	case TxCommitted:
		return "committed"
	case TxBackedOut:
		return "backed-out"
	default:
		return "unknown"
	}
}

// OpKind identifies a mutation recorded by a transaction.
type OpKind uint8

const (
	OpAdd OpKind = iota + 1
	OpReplace
	OpDelete
	OpLock
	OpCreateList
	OpAddToList
	OpRemoveFromList
	OpDeleteList
	OpSetRoot
	OpRemoveRoot
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpReplace:
		return "replace"
	case OpDelete:
		return "delete"
	case OpLock:
		return "lock"
	case OpCreateList:
		return "create-list"
	case OpAddToList:
		return "add-to-list"
	case OpRemoveFromList:
		return "remove-from-list"
	case OpDeleteList:
		return "delete-list"
	case OpSetRoot:
		return "set-root"
	case OpRemoveRoot:
		return "remove-root"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// TxRecord is one mutation of a transaction, in the order it was made.
//
// For OpDelete, Data holds the content the record had when it was deleted.
type TxRecord struct {
	Op     OpKind
	Token  Token
	List   Token
	Member Token
	Name   string
	Data   []byte
}

// Transaction is a unit of work against a Store.
//
// Record and list operations only stage mutations. Nothing becomes visible
// to Store.Read or Store.ListEntries until Commit succeeds.
type Transaction interface {
	// Add stores data under a token previously returned by Store.Allocate.
	Add(tok Token, data []byte) error
	// Lock takes the record lock for this transaction. Re-entrant.
	Lock(tok Token) error
	// Replace overwrites a record. The record is locked implicitly.
	Replace(tok Token, data []byte) error
	// Delete removes a record. The record is locked implicitly.
	Delete(tok Token) error

	CreateList(store StoreID) (Token, error)
	AddToList(list, member Token) (Token, error)
	RemoveFromList(entry Token) error
	DeleteList(list Token) error

	SetNamedRoot(name string, tok Token) error
	RemoveNamedRoot(name string) error

	// SetXID associates an external transaction id before Prepare.
	SetXID(xid []byte) error
	XID() []byte

	Prepare() error
	// Commit makes the staged mutations durable. onePhase commits an active
	// transaction directly; otherwise the transaction must be prepared.
	Commit(onePhase bool) error
	// Backout discards staged mutations and releases locks. With reuse the
	// transaction returns to the active state and may be used again.
	Backout(reuse bool) error

	State() TxState
	Records() []TxRecord
}

// Store is a transactional object store.
type Store interface {
	Allocate(store StoreID) (Token, error)
	// Read returns committed content.
	Read(tok Token) ([]byte, error)

	Begin() Transaction
	// FindTransaction returns the transaction carrying xid, or ErrNotFound.
	FindTransaction(xid []byte) (Transaction, error)
	PreparedTransactions() ([]Transaction, error)

	NamedRoot(name string) (Token, error)
	// ListEntries returns committed list entries in insertion order.
	ListEntries(list Token) ([]ListEntry, error)

	Sizes() Sizes
	SetSizes(s Sizes) error

	Close() error
}

// Exporter is implemented by stores that can write a consistent image of
// their committed permanent content.
type Exporter interface {
	Export(w io.Writer) error
}

// Config locates and sizes the files of a store.
type Config struct {
	LogDirectory string
	LogFileName  string
	LogSize      int64

	PermanentDirectory string
	PermanentFileName  string
	TemporaryDirectory string
	TemporaryFileName  string

	Permanent StoreSize
	Temporary StoreSize

	PermanentCacheSize int64
	TemporaryCacheSize int64

	// CleanStart discards any existing content.
	CleanStart bool

	// LockTimeout bounds how long a transaction waits for a record lock.
	LockTimeout time.Duration

	Logger *slog.Logger
}

// DefaultLockTimeout is used when Config.LockTimeout is zero.
const DefaultLockTimeout = 30 * time.Second

// Opener opens a Store.
type Opener interface {
	Open(ctx context.Context, cfg Config) (Store, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, cfg Config) (Store, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, cfg Config) (Store, error) { return f(ctx, cfg) }
