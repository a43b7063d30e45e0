package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hupe1980/msgstore/durable"
	"github.com/hupe1980/msgstore/durable/internal/table"
)

// journal implements table.Journal on the database. All methods run with
// the table lock held.
type journal struct {
	db     *sql.DB
	logger *slog.Logger

	// prepared holds the xids with a row in the prepared table.
	prepared map[string]struct{}
}

var _ table.Journal = (*journal)(nil)

func (j *journal) Prepared(xid []byte, recs []durable.TxRecord) error {
	recs = table.PermanentOnly(recs)
	_, err := j.db.Exec(
		`INSERT INTO prepared (xid, records) VALUES (?, ?)
		 ON CONFLICT(xid) DO UPDATE SET records = excluded.records`,
		xid, table.EncodeRecords(recs))
	if err != nil {
		return mapError("prepare", err)
	}
	j.prepared[string(xid)] = struct{}{}
	return nil
}

func (j *journal) Committed(xid []byte, recs []durable.TxRecord, prepared bool) error {
	recs = table.PermanentOnly(recs)
	if !prepared && len(recs) == 0 {
		return nil
	}
	err := j.inTx(func(tx *sql.Tx) error {
		if prepared {
			if _, err := tx.Exec(`DELETE FROM prepared WHERE xid = ?`, xid); err != nil {
				return err
			}
		}
		return apply(tx, recs)
	})
	if err != nil {
		return mapError("commit", err)
	}
	if prepared {
		delete(j.prepared, string(xid))
	}
	return nil
}

func (j *journal) BackedOut(xid []byte, prepared bool) error {
	if !prepared {
		return nil
	}
	if _, err := j.db.Exec(`DELETE FROM prepared WHERE xid = ?`, xid); err != nil {
		return mapError("backout", err)
	}
	delete(j.prepared, string(xid))
	return nil
}

func (j *journal) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// apply writes committed records. It mirrors the table: targets that are
// already gone are ignored.
func apply(tx *sql.Tx, recs []durable.TxRecord) error {
	var next uint64
	for _, r := range recs {
		for _, tok := range []durable.Token{r.Token, r.List} {
			if tok.Store == durable.Permanent && tok.ID > next {
				next = tok.ID
			}
		}
		var err error
		switch r.Op {
		case durable.OpAdd, durable.OpReplace:
			_, err = tx.Exec(`INSERT OR REPLACE INTO records (id, data) VALUES (?, ?)`, int64(r.Token.ID), r.Data)
		case durable.OpDelete:
			_, err = tx.Exec(`DELETE FROM records WHERE id = ?`, int64(r.Token.ID))
		case durable.OpCreateList:
			_, err = tx.Exec(`INSERT OR IGNORE INTO lists (id) VALUES (?)`, int64(r.Token.ID))
		case durable.OpAddToList:
			_, err = tx.Exec(
				`INSERT OR IGNORE INTO entries (entry_id, list_id, member_store, member_id)
				 SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM lists WHERE id = ?)`,
				int64(r.Token.ID), int64(r.List.ID), int(r.Member.Store), int64(r.Member.ID), int64(r.List.ID))
		case durable.OpRemoveFromList:
			_, err = tx.Exec(`DELETE FROM entries WHERE entry_id = ?`, int64(r.Token.ID))
		case durable.OpDeleteList:
			if _, err = tx.Exec(`DELETE FROM entries WHERE list_id = ?`, int64(r.Token.ID)); err == nil {
				_, err = tx.Exec(`DELETE FROM lists WHERE id = ?`, int64(r.Token.ID))
			}
		case durable.OpSetRoot:
			_, err = tx.Exec(`INSERT OR REPLACE INTO roots (name, store, token_id) VALUES (?, ?, ?)`,
				r.Name, int(r.Token.Store), int64(r.Token.ID))
		case durable.OpRemoveRoot:
			_, err = tx.Exec(`DELETE FROM roots WHERE name = ?`, r.Name)
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", r.Op, r.Token, err)
		}
	}
	if next == 0 {
		return nil
	}
	_, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES ('next_permanent', ?)
		 ON CONFLICT(key) DO UPDATE SET value = max(value, excluded.value)`, int64(next))
	return err
}

// load restores the committed content and the prepared transactions into
// t. It returns the number of prepared transactions.
func (j *journal) load(ctx context.Context, t *table.Table) (int, error) {
	var recs []durable.TxRecord
	perm := func(id int64) durable.Token { return durable.Token{Store: durable.Permanent, ID: uint64(id)} }

	err := query(ctx, j.db, `SELECT id FROM lists ORDER BY id`, func(rows *sql.Rows) error {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		recs = append(recs, durable.TxRecord{Op: durable.OpCreateList, Token: perm(id)})
		return nil
	})
	if err == nil {
		err = query(ctx, j.db, `SELECT id, data FROM records ORDER BY id`, func(rows *sql.Rows) error {
			var (
				id   int64
				data []byte
			)
			if err := rows.Scan(&id, &data); err != nil {
				return err
			}
			recs = append(recs, durable.TxRecord{Op: durable.OpAdd, Token: perm(id), Data: data})
			return nil
		})
	}
	if err == nil {
		err = query(ctx, j.db, `SELECT entry_id, list_id, member_store, member_id FROM entries ORDER BY seq`, func(rows *sql.Rows) error {
			var (
				entry, list, member int64
				store               int
			)
			if err := rows.Scan(&entry, &list, &store, &member); err != nil {
				return err
			}
			recs = append(recs, durable.TxRecord{
				Op:     durable.OpAddToList,
				Token:  perm(entry),
				List:   perm(list),
				Member: durable.Token{Store: durable.StoreID(store), ID: uint64(member)},
			})
			return nil
		})
	}
	if err == nil {
		err = query(ctx, j.db, `SELECT name, store, token_id FROM roots`, func(rows *sql.Rows) error {
			var (
				name  string
				store int
				id    int64
			)
			if err := rows.Scan(&name, &store, &id); err != nil {
				return err
			}
			recs = append(recs, durable.TxRecord{
				Op:    durable.OpSetRoot,
				Token: durable.Token{Store: durable.StoreID(store), ID: uint64(id)},
				Name:  name,
			})
			return nil
		})
	}
	if err != nil {
		return 0, mapError("load", err)
	}
	t.Restore(recs)

	var next int64
	err = j.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'next_permanent'`).Scan(&next)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, mapError("load", err)
	}
	t.Observe(perm(next))

	type pending struct {
		xid  []byte
		recs []durable.TxRecord
	}
	var txs []pending
	err = query(ctx, j.db, `SELECT xid, records FROM prepared ORDER BY seq`, func(rows *sql.Rows) error {
		var xid, raw []byte
		if err := rows.Scan(&xid, &raw); err != nil {
			return err
		}
		recs, err := table.DecodeRecords(raw)
		if err != nil {
			return fmt.Errorf("%w: prepared %x: %w", durable.ErrCorrupt, xid, err)
		}
		txs = append(txs, pending{xid: xid, recs: recs})
		return nil
	})
	if err != nil {
		return 0, mapError("load prepared", err)
	}
	for _, p := range txs {
		if _, err := t.RestorePrepared(p.xid, p.recs); err != nil {
			return 0, err
		}
		j.prepared[string(p.xid)] = struct{}{}
	}
	return len(txs), nil
}

func query(ctx context.Context, db *sql.DB, q string, scan func(*sql.Rows) error) error {
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

var sizeKeys = [...]string{
	"log_size",
	"permanent_min", "permanent_max", "permanent_unlimited",
	"temporary_min", "temporary_max", "temporary_unlimited",
}

func sizeValues(s durable.Sizes) [len(sizeKeys)]int64 {
	b := func(v bool) int64 {
		if v {
			return 1
		}
		return 0
	}
	return [len(sizeKeys)]int64{
		s.LogSize,
		s.Permanent.Min, s.Permanent.Max, b(s.Permanent.Unlimited),
		s.Temporary.Min, s.Temporary.Max, b(s.Temporary.Unlimited),
	}
}

func writeSizes(ctx context.Context, db *sql.DB, s durable.Sizes) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("write sizes", err)
	}
	defer tx.Rollback() //nolint:errcheck
	for i, v := range sizeValues(s) {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, sizeKeys[i], v); err != nil {
			return mapError("write sizes", err)
		}
	}
	return mapError("write sizes", tx.Commit())
}

func readSizes(ctx context.Context, db *sql.DB) (durable.Sizes, error) {
	vals := make(map[string]int64, len(sizeKeys))
	err := query(ctx, db, `SELECT key, value FROM meta`, func(rows *sql.Rows) error {
		var (
			k string
			v int64
		)
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		vals[k] = v
		return nil
	})
	if err != nil {
		return durable.Sizes{}, mapError("read sizes", err)
	}
	return durable.Sizes{
		LogSize:   vals["log_size"],
		Permanent: durable.StoreSize{Min: vals["permanent_min"], Max: vals["permanent_max"], Unlimited: vals["permanent_unlimited"] == 1},
		Temporary: durable.StoreSize{Min: vals["temporary_min"], Max: vals["temporary_max"], Unlimited: vals["temporary_unlimited"] == 1},
	}, nil
}
