package flutter

import (
	"bytes"
	"sync"
)

// maxPartialLine bounds how much unterminated output is held before it is
// emitted as a line of its own.
const maxPartialLine = 64 * 1024

// lineWriter is an io.Writer that splits a byte stream into lines and hands
// each complete line to emit. It is used as cmd.Stdout/cmd.Stderr so that
// exec's copy goroutines finish before Wait returns, which orders every
// line ahead of the exit notification.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(line string)
}

func newLineWriter(emit func(line string)) *lineWriter {
	return &lineWriter{emit: emit}
}

// Write implements io.Writer.
func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf[:i], "\r"))
		w.buf = w.buf[i+1:]
		w.emit(line)
	}
	if len(w.buf) > maxPartialLine {
		w.emit(string(w.buf))
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits any trailing output that was not newline-terminated.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(bytes.TrimRight(w.buf, "\r")))
		w.buf = nil
	}
}
