package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"kubegems.io/deployx/pkg/client/units"
)

type Bar struct {
	mu        sync.Mutex
	Name      string
	Total     int64  // total bytes, <= 0 for indeterminate
	Completed int64  // completed bytes
	Width     int    // width of the bar
	Status    string // status text
	Done      bool
	Failed    bool
	mp        *MultiBar
}

func (b *Bar) write(w io.Writer, color bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	width := b.Width
	if width <= 0 {
		width = 40
	}
	completed := 0
	status := b.Status
	switch {
	case b.Done && !b.Failed:
		completed = width
	case b.Total > 0:
		completed = int(float64(width) * float64(b.Completed) / float64(b.Total))
		if completed > width {
			completed = width
		}
		if !b.Failed {
			status = fmt.Sprintf("%s %s/%s", b.Status, units.HumanSize(float64(b.Completed)), units.HumanSize(float64(b.Total)))
		}
	}
	if color {
		switch {
		case b.Failed:
			status = Colored(SGR_FG_RED, status)
		case b.Done:
			status = Colored(SGR_FG_GREEN, status)
		}
	}
	fmt.Fprintf(w, "%s [%s%s] %s\n",
		b.Name,
		strings.Repeat("+", completed),
		strings.Repeat("-", width-completed),
		status,
	)
}

func (b *Bar) SetProgress(completed, total int64) {
	b.mu.Lock()
	b.Completed, b.Total = completed, total
	b.mu.Unlock()
	b.Notify()
}

func (b *Bar) SetStatus(name, status string) {
	b.mu.Lock()
	b.Name, b.Status = name, status
	b.mu.Unlock()
	b.Notify()
}

// SetDone marks the bar finished with a final status.
func (b *Bar) SetDone(status string) {
	b.mu.Lock()
	b.Status, b.Done = status, true
	b.mu.Unlock()
	b.Notify()
}

func (b *Bar) setFailed(status string) {
	b.mu.Lock()
	b.Status, b.Done, b.Failed = status, true, true
	b.mu.Unlock()
	b.Notify()
}

func (b *Bar) add(n int64) {
	b.mu.Lock()
	b.Completed += n
	b.mu.Unlock()
	b.Notify()
}

func (b *Bar) Notify() {
	if b.mp != nil {
		b.mp.changed.Store(true)
	}
}
