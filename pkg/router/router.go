// Package router relays cross-tier traffic between the UI bridge and the
// extension bridges. Routing is decided by message name prefix alone; the
// router never looks at payloads.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"extbridge/pkg/bridge"
)

// Direction says where messages matching a route are delivered.
type Direction int

const (
	// ToExtensions multicasts from the UI bridge to every attached extension.
	ToExtensions Direction = iota
	// ToUI relays from any extension bridge to the UI bridge.
	ToUI
)

func (d Direction) String() string {
	switch d {
	case ToExtensions:
		return "to-extensions"
	case ToUI:
		return "to-ui"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Route is one entry of the routing table.
type Route struct {
	Prefix    string
	Direction Direction
}

// DefaultRoutes is the routing convention shared by the host, the UI and
// extensions:
//
//	window.*     UI -> every extension
//	extension.*  extension -> UI
func DefaultRoutes() []Route {
	return []Route{
		{Prefix: "window.", Direction: ToExtensions},
		{Prefix: "extension.", Direction: ToUI},
	}
}

// DefaultOutboxSize is how many messages may wait for one extension before
// further traffic to it is refused.
const DefaultOutboxSize = 256

// Option configures a Router.
type Option func(*Router)

// WithRoutes replaces the default routing table.
func WithRoutes(routes ...Route) Option {
	return func(r *Router) {
		r.routes = slices.Clone(routes)
	}
}

// WithOutboxSize bounds the per-extension outbound queue.
func WithOutboxSize(size int) Option {
	return func(r *Router) {
		if size > 0 {
			r.outboxSize = size
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

// Router owns the routing table and the return path of relayed invocations.
type Router struct {
	ui         *bridge.Bridge
	routes     []Route
	matchers   []bridge.Matcher
	log        *slog.Logger
	outboxSize int

	mu       sync.Mutex
	exts     []*bridge.Bridge
	outboxes map[*bridge.Bridge]*outbox
	relayed  map[string]*relayedCall
	services map[string]map[string]bridge.Handler
}

// outbox queues traffic for one extension so a peer that stops reading
// never stalls the bridge that produced the message.
type outbox struct {
	ext   *bridge.Bridge
	queue chan bridge.Message
	stop  chan struct{}
	once  sync.Once
}

func (o *outbox) close() {
	o.once.Do(func() { close(o.stop) })
}

// relayedCall remembers where a relayed invocation came from and which
// bridges may still answer it.
type relayedCall struct {
	origin  *bridge.Bridge
	name    string
	targets map[*bridge.Bridge]struct{}
	failure *bridge.Message
}

// New installs the router on ui. Messages the UI sends under a ToExtensions
// prefix are no longer dispatched on ui.
func New(ui *bridge.Bridge, opts ...Option) *Router {
	r := &Router{
		ui:         ui,
		routes:     DefaultRoutes(),
		log:        slog.Default(),
		outboxSize: DefaultOutboxSize,
		outboxes:   make(map[*bridge.Bridge]*outbox),
		relayed:    make(map[string]*relayedCall),
		services:   make(map[string]map[string]bridge.Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "router")
	for _, route := range r.routes {
		r.matchers = append(r.matchers, bridge.NamePrefix(route.Prefix))
	}

	ui.Use(r.fromUI)

	return r
}

// Routes returns a copy of the routing table.
func (r *Router) Routes() []Route {
	return slices.Clone(r.routes)
}

// Extensions reports how many extension bridges are attached.
func (r *Router) Extensions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exts)
}

// Attach joins ext to the mesh: ToUI traffic from ext is relayed to the UI,
// ToExtensions traffic from the UI reaches ext and every exposed service is
// registered on ext. The returned func detaches ext and may be called more
// than once.
func (r *Router) Attach(ext *bridge.Bridge) func() {
	r.mu.Lock()
	if slices.Contains(r.exts, ext) {
		r.mu.Unlock()
		return func() {}
	}
	r.exts = append(r.exts, ext)
	box := &outbox{
		ext:   ext,
		queue: make(chan bridge.Message, r.outboxSize),
		stop:  make(chan struct{}),
	}
	r.outboxes[ext] = box
	services := r.snapshotServices()
	r.mu.Unlock()

	go r.drain(box)

	for namespace, methods := range services {
		if err := register(ext, namespace, methods); err != nil {
			r.log.Warn("Service not exposed to extension", "bridge", ext.Name(), "namespace", namespace, "error", err)
		}
	}

	var (
		detachMu sync.Mutex
		detached bool
	)
	active := func() bool {
		detachMu.Lock()
		defer detachMu.Unlock()
		return !detached
	}

	ext.Use(func(msg bridge.Message) (bridge.Message, bool) {
		if !active() {
			return msg, true
		}
		return r.fromExtension(ext, msg)
	})

	r.log.Debug("Extension attached", "bridge", ext.Name(), "bridge_id", ext.ID())

	return func() {
		detachMu.Lock()
		if detached {
			detachMu.Unlock()
			return
		}
		detached = true
		detachMu.Unlock()

		r.detach(ext)
	}
}

// Expose registers every method as namespace.<key> on the UI bridge and on
// every current and future extension bridge.
func (r *Router) Expose(namespace string, methods map[string]bridge.Handler) error {
	namespace = strings.Trim(strings.TrimSpace(namespace), ".")
	if namespace == "" {
		return errors.New("namespace must not be empty")
	}

	r.mu.Lock()
	if _, ok := r.services[namespace]; ok {
		r.mu.Unlock()
		return fmt.Errorf("namespace %q already exposed", namespace)
	}
	r.services[namespace] = methods
	exts := slices.Clone(r.exts)
	r.mu.Unlock()

	err := register(r.ui, namespace, methods)
	for _, ext := range exts {
		err = multierr.Append(err, register(ext, namespace, methods))
	}
	return err
}

func (r *Router) snapshotServices() map[string]map[string]bridge.Handler {
	out := make(map[string]map[string]bridge.Handler, len(r.services))
	for namespace, methods := range r.services {
		out[namespace] = methods
	}
	return out
}

func register(b *bridge.Bridge, namespace string, methods map[string]bridge.Handler) error {
	var err error
	for key, handler := range methods {
		err = multierr.Append(err, b.Register(namespace+"."+key, handler))
	}
	return err
}

func (r *Router) route(msg bridge.Message) (Route, bool) {
	for i, match := range r.matchers {
		if match(msg) {
			return r.routes[i], true
		}
	}
	return Route{}, false
}

// drain writes queued messages to the extension until it is detached or its
// bridge closes.
func (r *Router) drain(box *outbox) {
	for {
		select {
		case <-box.stop:
			return
		case <-box.ext.Done():
			return
		case msg := <-box.queue:
			if err := box.ext.Send(msg); err != nil {
				r.log.Debug("Relay to extension failed", "bridge", box.ext.Name(), "message", msg.String(), "error", err)
				if msg.Type == bridge.TypeInvoke {
					r.returnResponse(box.ext, bridge.NewFailure(msg.ID, msg.Name, fmt.Sprintf("extension %s unreachable", box.ext.Name())))
				}
			}
		}
	}
}

// enqueue hands msg to ext's outbox without blocking. It reports false when
// ext is not attached or its queue is full.
func (r *Router) enqueue(ext *bridge.Bridge, msg bridge.Message) bool {
	r.mu.Lock()
	box := r.outboxes[ext]
	r.mu.Unlock()
	if box == nil {
		return false
	}

	select {
	case box.queue <- msg:
		return true
	default:
		return false
	}
}

func (r *Router) fromUI(msg bridge.Message) (bridge.Message, bool) {
	if msg.Type == bridge.TypeResponse {
		return msg, !r.returnResponse(r.ui, msg)
	}

	route, ok := r.route(msg)
	if !ok || route.Direction != ToExtensions {
		return msg, true
	}

	r.mu.Lock()
	targets := slices.Clone(r.exts)
	if msg.Type == bridge.TypeInvoke && len(targets) > 0 {
		r.track(msg, r.ui, targets)
	}
	r.mu.Unlock()

	if msg.Type == bridge.TypeInvoke && len(targets) == 0 {
		r.answer(r.ui, bridge.NewFailure(msg.ID, msg.Name, bridge.NotFoundMessage(msg.Name)))
		return msg, false
	}

	for _, ext := range targets {
		if r.enqueue(ext, msg) {
			continue
		}
		r.log.Warn("Extension outbox full, message refused", "bridge", ext.Name(), "message", msg.String())
		if msg.Type == bridge.TypeInvoke {
			r.returnResponse(ext, bridge.NewFailure(msg.ID, msg.Name, fmt.Sprintf("extension %s is not keeping up", ext.Name())))
		}
	}

	return msg, false
}

func (r *Router) fromExtension(ext *bridge.Bridge, msg bridge.Message) (bridge.Message, bool) {
	if msg.Type == bridge.TypeResponse {
		return msg, !r.returnResponse(ext, msg)
	}

	route, ok := r.route(msg)
	if !ok || route.Direction != ToUI {
		return msg, true
	}

	if msg.Type == bridge.TypeInvoke {
		r.mu.Lock()
		r.track(msg, ext, []*bridge.Bridge{r.ui})
		r.mu.Unlock()
	}

	if err := r.ui.Send(msg); err != nil {
		r.log.Debug("Relay to UI failed", "message", msg.String(), "error", err)
		if msg.Type == bridge.TypeInvoke {
			r.returnResponse(r.ui, bridge.NewFailure(msg.ID, msg.Name, "ui unreachable"))
		}
	}

	return msg, false
}

// track must be called with r.mu held.
func (r *Router) track(msg bridge.Message, origin *bridge.Bridge, targets []*bridge.Bridge) {
	call := &relayedCall{
		origin:  origin,
		name:    msg.Name,
		targets: make(map[*bridge.Bridge]struct{}, len(targets)),
	}
	for _, target := range targets {
		call.targets[target] = struct{}{}
	}
	r.relayed[msg.ID] = call
}

// returnResponse routes a response that arrived on from back to the origin
// of the relayed invocation. The first successful response wins; failures
// are held back until every target has answered. It reports whether msg
// belonged to a relayed invocation.
func (r *Router) returnResponse(from *bridge.Bridge, msg bridge.Message) bool {
	r.mu.Lock()
	call, ok := r.relayed[msg.ID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, expected := call.targets[from]; !expected {
		r.mu.Unlock()
		return false
	}

	var deliver *bridge.Message
	if !msg.Failed() {
		deliver = &msg
	} else {
		delete(call.targets, from)
		call.failure = &msg
		if len(call.targets) == 0 {
			deliver = &msg
		}
	}
	if deliver != nil {
		delete(r.relayed, msg.ID)
	}
	r.mu.Unlock()

	if deliver != nil {
		r.answer(call.origin, *deliver)
	}
	return true
}

// answer delivers a response to origin. Extensions are reached through their
// outbox; the UI is written to directly.
func (r *Router) answer(origin *bridge.Bridge, msg bridge.Message) {
	if origin != r.ui {
		if !r.enqueue(origin, msg) {
			r.log.Warn("Response dropped", "bridge", origin.Name(), "message", msg.String(), "error", "outbox unavailable")
		}
		return
	}
	if err := origin.Send(msg); err != nil {
		r.log.Debug("Response dropped", "bridge", origin.Name(), "message", msg.String(), "error", err)
	}
}

func (r *Router) detach(ext *bridge.Bridge) {
	type reply struct {
		origin *bridge.Bridge
		msg    bridge.Message
	}
	var replies []reply

	r.mu.Lock()
	r.exts = slices.DeleteFunc(r.exts, func(b *bridge.Bridge) bool { return b == ext })
	if box, ok := r.outboxes[ext]; ok {
		box.close()
		delete(r.outboxes, ext)
	}
	for id, call := range r.relayed {
		if call.origin == ext {
			delete(r.relayed, id)
			continue
		}
		if _, ok := call.targets[ext]; !ok {
			continue
		}
		delete(call.targets, ext)
		if len(call.targets) > 0 {
			continue
		}
		delete(r.relayed, id)
		msg := bridge.NewFailure(id, call.name, fmt.Sprintf("extension %s detached", ext.Name()))
		if call.failure != nil {
			msg = *call.failure
		}
		replies = append(replies, reply{origin: call.origin, msg: msg})
	}
	r.mu.Unlock()

	for _, rep := range replies {
		r.answer(rep.origin, rep.msg)
	}

	r.log.Debug("Extension detached", "bridge", ext.Name(), "bridge_id", ext.ID(), "answered", len(replies))
}
