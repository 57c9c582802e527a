package bridge

import (
	"context"
	"slices"
	"strings"
)

// Proxy builds dotted method names fluently and invokes them on a bridge.
//
//	b.Proxy("database").Get("ai").Get("registerAi").Call(ctx, cfg)
//
// is the same call as b.Invoke(ctx, "database.ai.registerAi", cfg). A Proxy
// is an immutable value; Get never modifies the receiver.
type Proxy struct {
	bridge *Bridge
	path   []string
}

// Proxy returns a path builder rooted at namespace.
func (b *Bridge) Proxy(namespace string) Proxy {
	return Proxy{bridge: b, path: splitPath(namespace)}
}

// Get extends the path. Segments containing dots are split.
func (p Proxy) Get(segments ...string) Proxy {
	next := slices.Clone(p.path)
	for _, segment := range segments {
		next = append(next, splitPath(segment)...)
	}
	return Proxy{bridge: p.bridge, path: next}
}

// Method returns the dotted method name the proxy currently addresses.
func (p Proxy) Method() string {
	return strings.Join(p.path, ".")
}

// Call invokes the addressed method with args.
func (p Proxy) Call(ctx context.Context, args ...any) (any, error) {
	return p.bridge.Invoke(ctx, p.Method(), args...)
}

// Go starts the addressed invocation without waiting.
func (p Proxy) Go(ctx context.Context, args ...any) *Call {
	return p.bridge.Go(ctx, p.Method(), args...)
}

func splitPath(raw string) []string {
	parts := strings.Split(raw, ".")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
