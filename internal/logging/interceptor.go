package logging

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Interceptor is an io.Writer that prefixes every complete line with a line number and
// a timestamp before passing it to the target. Partial lines are held until the
// newline arrives or Close is called.
type Interceptor struct {
	mu      sync.Mutex
	target  io.Writer
	seq     atomic.Uint64
	pending bytes.Buffer
	now     func() time.Time
}

func NewInterceptor(target io.Writer) *Interceptor {
	return &Interceptor{target: target, now: time.Now}
}

func (i *Interceptor) writeLine(line []byte) error {
	prefix := slog.Uint64("line", i.seq.Add(1)).String() + " " +
		slog.String("time", i.now().Format(time.RFC3339)).String() + " "

	buf := make([]byte, 0, len(prefix)+len(line)+1)
	buf = append(buf, prefix...)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := i.target.Write(buf)
	return err
}

// Write reports len(p) on success so callers such as slog handlers do not treat the
// added prefix as a short write.
func (i *Interceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.pending.Write(p)
	for {
		idx := bytes.IndexByte(i.pending.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(i.pending.Next(idx+1)[:idx], []byte{'\r'})
		if err := i.writeLine(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes a trailing partial line, then closes the target if it is a Closer.
func (i *Interceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	var err error
	if i.pending.Len() > 0 {
		err = i.writeLine(i.pending.Bytes())
		i.pending.Reset()
	}
	if c, ok := i.target.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
