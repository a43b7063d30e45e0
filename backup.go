package msgstore

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/msgstore/archive"
	"github.com/hupe1980/msgstore/durable"
	"github.com/hupe1980/msgstore/internal/resource"
)

// Backup streams an image of the committed permanent content of the store
// to target under name. The export is throttled by
// Config.SpillIOLimitBytesPerSec. Stores that cannot export fail with
// ErrBackupUnsupported.
func (m *Manager) Backup(ctx context.Context, target archive.Target, name string) (err error) {
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.mu.RUnlock()

	exp, ok := m.store.(durable.Exporter)
	if !ok {
		return ErrBackupUnsupported
	}

	began := time.Now()
	var written atomic.Int64
	defer func() {
		m.logger.LogBackup(ctx, name, written.Load(), time.Since(began), err)
	}()

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w := resource.NewRateLimitedWriter(gctx, countingWriter{w: pw, n: &written}, m.rc)
		err := exp.Export(w)
		_ = pw.CloseWithError(err)
		return translateError(err)
	})
	g.Go(func() error {
		err := target.Put(gctx, name, pr)
		_ = pr.CloseWithError(err)
		return err
	})
	return g.Wait()
}

type countingWriter struct {
	w io.Writer
	n *atomic.Int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}
