package bridge

import (
	"io"
	"sync"
)

// Channel is the ordered, reliable message transport a bridge is bound to.
//
// Receive is only ever called from one goroutine (Serve). Send may be called
// concurrently.
type Channel interface {
	Send(Message) error
	Receive() (Message, error)
	Close() error
}

// ChannelPair returns two connected in-memory channels. Messages sent on one end are
// received on the other in FIFO order. Closing either end closes both
// directions; pending messages are still drained before Receive reports
// io.EOF.
func ChannelPair() (Channel, Channel) {
	ab := newQueue()
	ba := newQueue()
	return &memChannel{out: ab, in: ba}, &memChannel{out: ba, in: ab}
}

type memChannel struct {
	out *queue
	in  *queue
}

func (c *memChannel) Send(msg Message) error {
	return c.out.push(msg)
}

func (c *memChannel) Receive() (Message, error) {
	return c.in.pop()
}

func (c *memChannel) Close() error {
	c.out.close()
	c.in.close()
	return nil
}

// queue is an unbounded FIFO so a sender never blocks on a busy reader.
type queue struct {
	mu     sync.Mutex
	items  []Message
	closed bool
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(msg Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *queue) pop() (Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = Message{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Message{}, io.EOF
		}
		q.mu.Unlock()

		<-q.notify
	}
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
