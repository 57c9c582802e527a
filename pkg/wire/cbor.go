package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"extbridge/pkg/bridge"
)

// encMode uses Core Deterministic Encoding so identical messages produce
// identical frames.
var encMode cbor.EncMode

// decMode decodes untyped maps as map[string]any so payloads look the same
// as the ones produced by the JSON codec.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORChannel exchanges length-prefixed CBOR frames: a 4-byte big-endian
// length followed by the encoded message.
type CBORChannel struct {
	reader   io.Reader
	writer   io.Writer
	closer   io.Closer
	maxFrame int

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewCBORChannel wraps r and w.
func NewCBORChannel(r io.Reader, w io.Writer, closer io.Closer, opts Options) *CBORChannel {
	return &CBORChannel{
		reader:   r,
		writer:   w,
		closer:   closer,
		maxFrame: opts.maxFrame(),
	}
}

// Send writes one frame.
func (c *CBORChannel) Send(msg bridge.Message) error {
	body, err := encMode.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg, err)
	}
	if len(body) > c.maxFrame {
		return fmt.Errorf("encoded frame size %d exceeds max frame %d", len(body), c.maxFrame)
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err = c.writer.Write(frame)
	return err
}

// Receive reads one frame. A clean end of stream between frames yields io.EOF.
func (c *CBORChannel) Receive() (bridge.Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(c.reader, lengthBuf[:]); err != nil {
		return bridge.Message{}, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if int(length) > c.maxFrame {
		return bridge.Message{}, fmt.Errorf("frame size %d exceeds max frame %d", length, c.maxFrame)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return bridge.Message{}, err
	}

	var msg bridge.Message
	if err := decMode.Unmarshal(body, &msg); err != nil {
		return bridge.Message{}, fmt.Errorf("decode frame: %w", err)
	}
	return msg, nil
}

// Close releases the underlying streams once.
func (c *CBORChannel) Close() error {
	c.closeOnce.Do(func() {
		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
	})
	return c.closeErr
}
