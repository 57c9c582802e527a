package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler serves one registered method. Its return value becomes the
// response result; a returned error becomes the response error message.
type Handler func(ctx context.Context, args []any) (any, error)

// Listener receives the payload of one event.
type Listener func(payload []any)

// Pipe is a forwarding gate evaluated for every inbound message before local
// dispatch. Returning false means the message was handled elsewhere and must
// not be dispatched locally. A pipe may return a modified message.
type Pipe func(Message) (Message, bool)

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) {
		if log != nil {
			b.log = log
		}
	}
}

// WithName labels the bridge in logs (for example "ui" or an extension name).
func WithName(name string) Option {
	return func(b *Bridge) {
		b.name = name
	}
}

// WithInvokeTimeout applies a default deadline to invocations whose context
// has none. Zero keeps calls pending until a response or Close.
func WithInvokeTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		if timeout > 0 {
			b.invokeTimeout = timeout
		}
	}
}

// Bridge is one bidirectional endpoint: it correlates invocations with
// responses, dispatches events to listeners, serves registered methods and
// runs forwarding pipes.
type Bridge struct {
	id            string
	name          string
	ch            Channel
	log           *slog.Logger
	invokeTimeout time.Duration

	handlerCtx     context.Context
	cancelHandlers context.CancelFunc

	mu          sync.RWMutex
	methods     map[string]Handler
	pending     map[string]*Call
	subscribers map[string][]subscriber
	nextSubID   uint64
	pipes       []Pipe
	closed      bool

	done      chan struct{}
	closeOnce sync.Once
}

type subscriber struct {
	id uint64
	fn Listener
}

// New binds a bridge to ch. Call Serve to start consuming inbound messages.
func New(ch Channel, opts ...Option) *Bridge {
	handlerCtx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		id:             uuid.NewString(),
		ch:             ch,
		log:            slog.Default(),
		handlerCtx:     handlerCtx,
		cancelHandlers: cancel,
		methods:        make(map[string]Handler),
		pending:        make(map[string]*Call),
		subscribers:    make(map[string][]subscriber),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With("component", "bridge", "bridge_id", b.id, "bridge", b.name)

	return b
}

// ID returns the random diagnostic identifier of this bridge.
func (b *Bridge) ID() string {
	return b.id
}

// Name returns the label given with WithName.
func (b *Bridge) Name() string {
	return b.name
}

// Done is closed once the bridge has shut down.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Register binds handler to name. The first registration wins; a second
// registration for the same name fails and leaves the first in force.
func (b *Bridge) Register(name string, handler Handler) error {
	if name == "" {
		return errors.New("method name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("method %s: handler must not be nil", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.methods[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, name)
	}
	b.methods[name] = handler
	return nil
}

// MustRegister is Register for wiring code where a clash is a programming error.
func (b *Bridge) MustRegister(name string, handler Handler) {
	if err := b.Register(name, handler); err != nil {
		panic(err)
	}
}

// Unregister removes a method. Unknown names are ignored.
func (b *Bridge) Unregister(name string) {
	b.mu.Lock()
	delete(b.methods, name)
	b.mu.Unlock()
}

// Methods lists registered method names in sorted order.
func (b *Bridge) Methods() []string {
	b.mu.RLock()
	names := make([]string, 0, len(b.methods))
	for name := range b.methods {
		names = append(names, name)
	}
	b.mu.RUnlock()

	slices.Sort(names)
	return names
}

// On subscribes fn to events named name. Several listeners may share a name.
func (b *Bridge) On(name string, fn Listener) func() {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[name] = append(b.subscribers[name], subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subs := b.subscribers[name]
			for i, sub := range subs {
				if sub.id == id {
					b.subscribers[name] = slices.Delete(slices.Clone(subs), i, i+1)
					break
				}
			}
			if len(b.subscribers[name]) == 0 {
				delete(b.subscribers, name)
			}
		})
	}
}

// Use appends a forwarding pipe. Pipes run in installation order.
func (b *Bridge) Use(pipe Pipe) {
	if pipe == nil {
		return
	}
	b.mu.Lock()
	b.pipes = append(b.pipes, pipe)
	b.mu.Unlock()
}

// Emit sends an event. There is no acknowledgement.
func (b *Bridge) Emit(name string, args ...any) error {
	return b.Send(NewEvent(name, args...))
}

// Send writes msg to the peer unchanged. Relays use it to forward messages
// they do not interpret.
func (b *Bridge) Send(msg Message) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.ch.Send(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg, err)
	}
	return nil
}

// Invoke calls name on the peer and waits for its response.
func (b *Bridge) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	call := b.Go(ctx, name, args...)
	<-call.Done
	return call.Result, call.Err
}

// Go starts an invocation and returns immediately. The call is resolved by
// the matching response, by ctx ending, or by the bridge closing, whichever
// comes first.
func (b *Bridge) Go(ctx context.Context, name string, args ...any) *Call {
	if ctx == nil {
		ctx = context.Background()
	}

	call := &Call{
		ID:     uuid.NewString(),
		Method: name,
		Args:   args,
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		call.resolve(nil, ErrClosed)
		return call
	}
	b.pending[call.ID] = call
	b.mu.Unlock()

	if err := b.ch.Send(NewInvoke(call.ID, name, args...)); err != nil {
		if b.retire(call.ID) {
			call.resolve(nil, fmt.Errorf("invoke %s: %w", name, err))
		}
		return call
	}

	cancel := func() {}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && b.invokeTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, b.invokeTimeout)
	}
	if ctx.Done() == nil {
		return call
	}

	go func() {
		defer cancel()
		select {
		case <-call.Done:
		case <-ctx.Done():
			if b.retire(call.ID) {
				call.resolve(nil, ctx.Err())
			}
		}
	}()

	return call
}

// Pending returns the number of outstanding invocations.
func (b *Bridge) Pending() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// Handle runs an inbound message through the pipes and dispatches it locally
// unless a pipe claimed it.
func (b *Bridge) Handle(msg Message) {
	b.mu.RLock()
	pipes := slices.Clone(b.pipes)
	b.mu.RUnlock()

	for _, pipe := range pipes {
		next, ok := pipe(msg)
		if !ok {
			return
		}
		msg = next
	}

	b.dispatch(msg)
}

// Serve consumes the channel until it fails, ctx ends, or the bridge is
// closed. On return every pending invocation has been rejected.
func (b *Bridge) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = b.Close()
		case <-stop:
		}
	}()

	for {
		msg, err := b.ch.Receive()
		if err != nil {
			wasClosed := b.isClosed()
			b.shutdown()
			if wasClosed || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		if err := msg.Validate(); err != nil {
			b.log.Warn("Dropping malformed message", "error", err)
			continue
		}

		b.Handle(msg)
	}
}

// Close shuts the bridge down: the channel is closed, running handlers see
// their context cancelled and every pending invocation is rejected with
// ErrClosed. Calling Close more than once is a no-op.
func (b *Bridge) Close() error {
	b.shutdown()
	return nil
}

func (b *Bridge) shutdown() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		pending := b.pending
		b.pending = make(map[string]*Call)
		b.mu.Unlock()

		b.cancelHandlers()
		if err := b.ch.Close(); err != nil {
			b.log.Debug("Channel close failed", "error", err)
		}

		for _, call := range pending {
			call.resolve(nil, ErrClosed)
		}
		if len(pending) > 0 {
			b.log.Debug("Rejected pending invocations", "count", len(pending))
		}

		close(b.done)
	})
}

func (b *Bridge) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// retire removes a pending entry and reports whether it was still present.
func (b *Bridge) retire(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pending[id]; !ok {
		return false
	}
	delete(b.pending, id)
	return true
}

func (b *Bridge) dispatch(msg Message) {
	switch msg.Type {
	case TypeInvoke:
		b.serveInvoke(msg)
	case TypeResponse:
		b.resolveResponse(msg)
	case TypeEvent:
		b.deliverEvent(msg)
	default:
		b.log.Warn("Unknown message type", "type", msg.Type, "name", msg.Name)
	}
}

func (b *Bridge) serveInvoke(msg Message) {
	b.mu.RLock()
	handler, ok := b.methods[msg.Name]
	b.mu.RUnlock()

	if !ok {
		b.reply(NewFailure(msg.ID, msg.Name, NotFoundMessage(msg.Name)))
		return
	}

	go func() {
		result, err := b.runHandler(handler, msg)
		if err != nil {
			b.reply(NewFailure(msg.ID, msg.Name, err.Error()))
			return
		}
		b.reply(NewResult(msg.ID, msg.Name, result))
	}()
}

func (b *Bridge) runHandler(handler Handler, msg Message) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.log.Error("Method handler panicked", "method", msg.Name, "panic", recovered)
			result = nil
			err = fmt.Errorf("%v", recovered)
		}
	}()

	return handler(b.handlerCtx, msg.Args)
}

func (b *Bridge) reply(msg Message) {
	if err := b.Send(msg); err != nil {
		b.log.Debug("Dropping response", "method", msg.Name, "id", msg.ID, "error", err)
	}
}

func (b *Bridge) resolveResponse(msg Message) {
	b.mu.Lock()
	call, ok := b.pending[msg.ID]
	if ok {
		delete(b.pending, msg.ID)
	}
	b.mu.Unlock()

	if !ok {
		b.log.Debug("Response without pending invocation", "method", msg.Name, "id", msg.ID)
		return
	}

	if msg.Failed() {
		call.resolve(nil, &RemoteError{Method: call.Method, Message: msg.Error})
		return
	}
	call.resolve(msg.Result, nil)
}

func (b *Bridge) deliverEvent(msg Message) {
	b.mu.RLock()
	subs := slices.Clone(b.subscribers[msg.Name])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.notify(sub.fn, msg)
	}
}

func (b *Bridge) notify(fn Listener, msg Message) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.log.Error("Event listener panicked", "event", msg.Name, "panic", recovered)
		}
	}()

	fn(msg.Payload)
}

// Call is an invocation in flight. Done is closed once Result or Err is set.
type Call struct {
	ID     string
	Method string
	Args   []any
	Result any
	Err    error
	Done   chan struct{}

	once sync.Once
}

func (c *Call) resolve(result any, err error) {
	c.once.Do(func() {
		c.Result = result
		c.Err = err
		close(c.Done)
	})
}
