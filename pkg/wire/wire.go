// Package wire carries bridge messages over byte streams such as the pipes
// connecting the host to an extension process or to the UI surface.
package wire

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"extbridge/pkg/bridge"
)

const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// DefaultMaxFrame bounds a single encoded message (1 MiB).
const DefaultMaxFrame = 1 << 20

// MaxFrameHardLimit is the ceiling no configuration may exceed (16 MiB).
const MaxFrameHardLimit = 16 << 20

// ErrUnknownCodec is returned by New for unsupported codec names.
var ErrUnknownCodec = errors.New("unknown codec")

// Options tune a stream channel.
type Options struct {
	// MaxFrame caps one encoded message. Zero selects DefaultMaxFrame.
	MaxFrame int
}

func (o Options) maxFrame() int {
	switch {
	case o.MaxFrame <= 0:
		return DefaultMaxFrame
	case o.MaxFrame > MaxFrameHardLimit:
		return MaxFrameHardLimit
	default:
		return o.MaxFrame
	}
}

// New builds a channel for the named codec. closer is invoked by Close and
// should release both r and w; it may be nil.
func New(codec string, r io.Reader, w io.Writer, closer io.Closer, opts Options) (bridge.Channel, error) {
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "", CodecJSON:
		return NewJSONChannel(r, w, closer, opts), nil
	case CodecCBOR:
		return NewCBORChannel(r, w, closer, opts), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownCodec, codec)
	}
}

// Closers combines several closers into one, closing each in order and
// returning the first error.
func Closers(closers ...io.Closer) io.Closer {
	return closerList(closers)
}

type closerList []io.Closer

func (l closerList) Close() error {
	var first error
	for _, c := range l {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
