package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

// maxRelayLine caps a buffered partial line; longer output is flushed in
// pieces.
const maxRelayLine = 64 << 10

// LineWriter logs every complete line written to it as one record. It is
// used as the stdout or stderr of a child process.
type LineWriter struct {
	log   *slog.Logger
	level slog.Level

	mu  sync.Mutex
	buf []byte
}

// NewLineWriter logs lines at level with the "stream" attribute set.
func NewLineWriter(log *slog.Logger, level slog.Level, stream string) *LineWriter {
	if log == nil {
		log = slog.Default()
	}
	return &LineWriter{log: log.With("stream", stream), level: level}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.emit(w.buf[:idx])
		w.buf = w.buf[idx+1:]
	}
	if len(w.buf) > maxRelayLine {
		w.emit(w.buf)
		w.buf = nil
	}

	return len(p), nil
}

// Close flushes a trailing line that had no newline.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
	return nil
}

func (w *LineWriter) emit(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if strings.TrimSpace(text) == "" {
		return
	}
	w.log.Log(context.Background(), w.level, text)
}
