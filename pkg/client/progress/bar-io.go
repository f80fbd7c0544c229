package progress

import (
	"io"
)

// WrapReader reports bytes read from r on the bar. The bar status becomes
// onProcess while reading and onComplete after EOF.
func (b *Bar) WrapReader(r io.Reader, total int64, onProcess, onComplete string) io.Reader {
	b.mu.Lock()
	b.Total, b.Completed, b.Status = total, 0, onProcess
	b.mu.Unlock()
	b.Notify()
	return &barReader{r: r, b: b, onComplete: onComplete}
}

type barReader struct {
	r          io.Reader
	b          *Bar
	onComplete string
}

func (r *barReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.b.add(int64(n))
	if err == io.EOF {
		r.b.SetDone(r.onComplete)
	}
	return n, err
}

// WrapWriter reports bytes written to w on the bar.
func (b *Bar) WrapWriter(w io.Writer, total int64, onProcess string) io.Writer {
	b.mu.Lock()
	b.Total, b.Completed, b.Status = total, 0, onProcess
	b.mu.Unlock()
	b.Notify()
	return &barWriter{w: w, b: b}
}

type barWriter struct {
	w io.Writer
	b *Bar
}

func (r *barWriter) Write(p []byte) (int, error) {
	n, err := r.w.Write(p)
	r.b.add(int64(n))
	return n, err
}
