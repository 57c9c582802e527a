package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"extbridge/pkg/bridge"
)

// JSONChannel exchanges newline-delimited JSON messages, one per line.
type JSONChannel struct {
	reader   *bufio.Reader
	writer   io.Writer
	closer   io.Closer
	maxFrame int

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewJSONChannel wraps r and w.
func NewJSONChannel(r io.Reader, w io.Writer, closer io.Closer, opts Options) *JSONChannel {
	return &JSONChannel{
		reader:   bufio.NewReader(r),
		writer:   w,
		closer:   closer,
		maxFrame: opts.maxFrame(),
	}
}

// Send encodes msg as one line.
func (c *JSONChannel) Send(msg bridge.Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg, err)
	}
	if len(line) > c.maxFrame {
		return fmt.Errorf("encoded message size %d exceeds max frame %d", len(line), c.maxFrame)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err = c.writer.Write(append(line, '\n'))
	return err
}

// Receive reads the next non-empty line. It returns io.EOF once the stream
// ends cleanly.
func (c *JSONChannel) Receive() (bridge.Message, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return bridge.Message{}, err
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var msg bridge.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return bridge.Message{}, fmt.Errorf("decode message: %w", err)
		}
		return msg, nil
	}
}

func (c *JSONChannel) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > c.maxFrame+1 {
			return nil, fmt.Errorf("message exceeds max frame %d", c.maxFrame)
		}

		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0:
			// Final line without a trailing newline.
			return line, nil
		default:
			return nil, err
		}
	}
}

// Close releases the underlying streams once.
func (c *JSONChannel) Close() error {
	c.closeOnce.Do(func() {
		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
	})
	return c.closeErr
}
