package uniquekey

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// span is a reserved key range [start, limit).
type span struct {
	start int64
	limit int64
}

// Generator issues strictly increasing keys for one name. Keys come from
// ranges reserved through the RangeManager. Crossing the middle of the
// current range schedules an extension on the worker; running out of keys
// extends synchronously.
type Generator struct {
	name      string
	rangeSize int64
	ranges    *RangeManager
	worker    *Worker
	onExtend  func(name string, synchronous bool)

	mu        sync.Mutex
	next      int64
	cur       span
	reserved  []span
	scheduled bool

	// flight serializes extensions: concurrent callers share one.
	flight singleflight.Group
}

func newGenerator(name string, rangeSize int64, ranges *RangeManager, worker *Worker, onExtend func(string, bool)) *Generator {
	return &Generator{
		name:      name,
		rangeSize: rangeSize,
		ranges:    ranges,
		worker:    worker,
		onExtend:  onExtend,
	}
}

// Name returns the generator name.
func (g *Generator) Name() string { return g.name }

// RangeSize returns the number of keys reserved per extension.
func (g *Generator) RangeSize() int64 { return g.rangeSize }

// Next returns the next key. It blocks on durable I/O only when the
// reserved keys are used up and no scheduled extension has completed.
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	for {
		if g.next < g.cur.limit {
			v := g.next
			g.next++
			g.maybeScheduleLocked()
			g.mu.Unlock()
			return v, nil
		}
		if len(g.reserved) > 0 {
			g.cur = g.reserved[0]
			g.reserved = g.reserved[1:]
			g.next = g.cur.start
			continue
		}
		g.mu.Unlock()
		if err := g.extend(true); err != nil {
			return 0, err
		}
		g.mu.Lock()
	}
}

// maybeScheduleLocked asks the worker for the next range once half of the
// current one is used.
func (g *Generator) maybeScheduleLocked() {
	if g.scheduled || len(g.reserved) > 0 || g.worker == nil {
		return
	}
	if g.next-g.cur.start < g.rangeSize/2 {
		return
	}
	g.scheduled = true
	if !g.worker.Schedule(g) {
		// Queue full or stopped: the next call retries, or the range
		// end extends synchronously.
		g.scheduled = false
	}
}

// extend reserves one more range. Concurrent calls share one durable
// update.
func (g *Generator) extend(synchronous bool) error {
	_, err, _ := g.flight.Do(g.name, func() (any, error) {
		prev, err := g.ranges.UpdateEntry(g.name, g.rangeSize)
		g.mu.Lock()
		defer g.mu.Unlock()
		g.scheduled = false
		if err != nil {
			return nil, err
		}
		g.reserved = append(g.reserved, span{start: prev, limit: prev + g.rangeSize})
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("uniquekey: extend %q: %w", g.name, err)
	}
	if g.onExtend != nil {
		g.onExtend(g.name, synchronous)
	}
	return nil
}

// Remaining returns the number of keys that can be issued without another
// extension.
func (g *Generator) Remaining() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.cur.limit - g.next
	for _, s := range g.reserved {
		n += s.limit - s.start
	}
	return n
}
