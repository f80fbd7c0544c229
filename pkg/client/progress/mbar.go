package progress

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 5

// MultiBar runs tasks on a bounded errgroup and renders one bar per task.
// On a terminal bars are redrawn in place, elsewhere each bar is printed once when it ends.
type MultiBar struct {
	w               io.Writer
	width           int
	interactive     bool
	lastWrittenRows int
	bars            []*Bar
	printed         map[*Bar]bool
	barslock        sync.Mutex
	eg              *errgroup.Group
	changed         atomic.Bool
}

func NewMultiBar(dest io.Writer, width int, concurrency int) *MultiBar {
	if dest == nil {
		dest = io.Discard
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	mb := &MultiBar{
		w:           dest,
		width:       width,
		interactive: isTerminal(dest),
		printed:     map[*Bar]bool{},
		eg:          &errgroup.Group{},
	}
	mb.eg.SetLimit(concurrency)
	return mb
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func (m *MultiBar) print() {
	m.barslock.Lock()
	defer m.barslock.Unlock()

	buf := &bytes.Buffer{}
	if !m.interactive {
		for _, b := range m.bars {
			b.mu.Lock()
			done := b.Done
			b.mu.Unlock()
			if done && !m.printed[b] {
				b.write(buf, false)
				m.printed[b] = true
			}
		}
		_, _ = m.w.Write(buf.Bytes())
		return
	}
	if m.lastWrittenRows > 0 {
		buf.Write(CUU(m.lastWrittenRows))
		buf.Write(ED(0))
	}
	for _, b := range m.bars {
		b.write(buf, true)
	}
	_, _ = m.w.Write(buf.Bytes())
	m.lastWrittenRows = len(m.bars)
}

func (m *MultiBar) Run(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if m.changed.Swap(false) {
				m.print()
			}
		}
	}
}

func (m *MultiBar) Go(name string, initstatus string, fun func(b *Bar) error) {
	bar := &Bar{
		mp:     m,
		Name:   name,
		Status: initstatus,
		Width:  m.width,
	}
	m.barslock.Lock()
	m.bars = append(m.bars, bar)
	m.barslock.Unlock()
	bar.Notify()

	m.eg.Go(func() error {
		if err := fun(bar); err != nil {
			bar.setFailed("failed: " + err.Error())
			return err
		}
		bar.mu.Lock()
		done := bar.Done
		bar.mu.Unlock()
		if !done {
			bar.SetDone("done")
		}
		return nil
	})
}

// Wait blocks until every task finished and renders the final state.
func (m *MultiBar) Wait() error {
	err := m.eg.Wait()
	m.changed.Store(false)
	m.print()
	return err
}
