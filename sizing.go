package msgstore

import (
	"context"
	"fmt"

	"github.com/hupe1980/msgstore/durable"
)

// reconcileSizes applies the configured sizes to the store. A request that
// fails the guard is logged and skipped; it never fails the start.
func (m *Manager) reconcileSizes(ctx context.Context, store durable.Store) error {
	cur := store.Sizes()
	req := m.cfg.requestedSizes()
	next := cur
	changed := false

	if req.LogSize > 0 && req.LogSize != cur.LogSize {
		if req.LogSize < cur.LogUsed {
			m.logger.LogSizing(ctx, "log", fmt.Sprint(req.LogSize), fmt.Sprint(cur.LogSize), "log size below log in use")
		} else {
			m.logger.LogSizing(ctx, "log", fmt.Sprint(req.LogSize), fmt.Sprint(cur.LogSize), "")
			next.LogSize = req.LogSize
			changed = true
		}
	}

	for _, id := range []durable.StoreID{durable.Permanent, durable.Temporary} {
		r, c := req.Of(id), cur.Of(id)
		if reason := sizeGuard(r, c, next.LogSize); reason != "" {
			m.logger.LogSizing(ctx, id.String(), formatSize(r), formatSize(c), reason)
			continue
		}
		if r.Min == c.Min && r.Max == c.Max && r.Unlimited == c.Unlimited {
			continue
		}
		m.logger.LogSizing(ctx, id.String(), formatSize(r), formatSize(c), "")
		r.Used = c.Used
		next = withSize(next, id, r)
		changed = true
	}

	if !changed {
		return nil
	}
	if err := store.SetSizes(next); err != nil {
		return &SevereError{Op: "store sizing", cause: err}
	}
	return nil
}

// sizeGuard returns why r cannot replace c, or "" if it can.
func sizeGuard(r, c durable.StoreSize, logSize int64) string {
	if r.Unlimited {
		return ""
	}
	switch {
	case r.Min > r.Max:
		return "minimum size exceeds maximum size"
	case r.Max < logSize:
		return "maximum size smaller than log size"
	case r.Max < c.Used:
		return "maximum size smaller than space in use"
	}
	return ""
}

func withSize(s durable.Sizes, id durable.StoreID, v durable.StoreSize) durable.Sizes {
	if id == durable.Temporary {
		s.Temporary = v
	} else {
		s.Permanent = v
	}
	return s
}

func formatSize(s durable.StoreSize) string {
	if s.Unlimited {
		return fmt.Sprintf("min=%d max=unlimited", s.Min)
	}
	return fmt.Sprintf("min=%d max=%d", s.Min, s.Max)
}
