// Package msgstore is the transactional persistence layer of a messaging
// engine's message store.
//
// A Manager owns one durable store. It bootstraps or verifies the store's
// anchor on Start, drives engine transactions through one-phase and
// two-phase commit, hands best-effort work to a background spill writer and
// issues unique keys from durably reserved ranges.
//
// # Quick Start
//
//	cfg := msgstore.DefaultConfig()
//	cfg.EngineUUID = "6f1d0a53-93c4-4a0e-9d0b-4a8f3e1f2c11"
//	cfg.LogDirectory = "./data"
//
//	m, _ := msgstore.New(cfg, msgstore.WithLogLevel(slog.LevelInfo))
//	if err := m.Start(ctx); err != nil {
//		// msgstore.IsGlobal(err): another engine owns the store.
//	}
//	defer m.Stop()
//
// # Storage Strategies
//
// Every Persistable carries a storage strategy that decides how its
// operations are persisted:
//
//	StoreAlways      written in the engine transaction, committed with it
//	StoreEventually  written in the engine transaction, committed with it
//	StoreMaybe       written to the temporary store after commit, best effort
//	StoreNever       never written; stability is tracked in memory only
//
// # Transactions
//
//	tx := msgstore.Transaction{XID: xid, Operations: ops}
//	if err := m.Prepare(ctx, tx); err != nil {
//		_ = m.Rollback(ctx, tx)
//	}
//	err := m.Commit(ctx, tx, false)
//
// A transaction prepared before a crash is found again after restart with
// ReadIndoubtXIDs and RecoverIndoubt, and can then be committed or rolled
// back by XID alone.
//
// # Backends
//
// Config.Backend selects the durable store: "file" (write-ahead log plus
// checkpoint images, the default), "sqlite" or "memory". Backups of stores
// that support export are streamed to an archive.Target with Backup.
package msgstore
