package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func serve(t *testing.T, b *Bridge) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Serve(context.Background())
	}()

	t.Cleanup(func() {
		_ = b.Close()
		<-done
	})
}

func newPair(t *testing.T) (*Bridge, *Bridge) {
	t.Helper()

	left, right := ChannelPair()
	a := New(left, WithName("a"))
	b := New(right, WithName("b"))
	serve(t, a)
	serve(t, b)
	return a, b
}

func waitFor(t *testing.T, ch <-chan []any) []any {
	t.Helper()

	select {
	case payload := <-ch:
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestInvokeCorrelatesConcurrentCalls(t *testing.T) {
	a, b := newPair(t)

	const calls = 50
	require.NoError(t, b.Register("echo", func(_ context.Context, args []any) (any, error) {
		n := args[0].(int)
		// Later calls finish first so responses arrive out of order.
		time.Sleep(time.Duration(calls-n) * time.Millisecond)
		return n, nil
	}))

	pending := make([]*Call, 0, calls)
	for i := 0; i < calls; i++ {
		pending = append(pending, a.Go(context.Background(), "echo", i))
	}

	for i, call := range pending {
		<-call.Done
		require.NoError(t, call.Err)
		assert.Equal(t, i, call.Result, "call %d resolved with another call's result", i)
	}
	assert.Equal(t, 0, a.Pending())
}

func TestInvokeUnregisteredMethodRejects(t *testing.T) {
	a, _ := newPair(t)

	result, err := a.Invoke(context.Background(), "nope.missing")
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, "Method nope.missing not found", err.Error())
	assert.True(t, IsNotFound(err))
	assert.Equal(t, 0, a.Pending())
}

func TestHandlerErrorRejectsAndBridgeStaysUsable(t *testing.T) {
	a, b := newPair(t)

	require.NoError(t, b.Register("fail", func(context.Context, []any) (any, error) {
		return nil, errors.New("disk on fire")
	}))
	require.NoError(t, b.Register("panic", func(context.Context, []any) (any, error) {
		panic("unreachable state")
	}))
	require.NoError(t, b.Register("ok", func(context.Context, []any) (any, error) {
		return "fine", nil
	}))

	_, err := a.Invoke(context.Background(), "fail")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "disk on fire", remote.Message)
	assert.Equal(t, "fail", remote.Method)
	assert.False(t, IsNotFound(err))

	_, err = a.Invoke(context.Background(), "panic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable state")

	result, err := a.Invoke(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, "fine", result)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	a, b := newPair(t)

	require.NoError(t, b.Register("who", func(context.Context, []any) (any, error) {
		return "first", nil
	}))
	err := b.Register("who", func(context.Context, []any) (any, error) {
		return "second", nil
	})
	require.ErrorIs(t, err, ErrDuplicateMethod)

	result, err := a.Invoke(context.Background(), "who")
	require.NoError(t, err)
	assert.Equal(t, "first", result)

	assert.Panics(t, func() {
		b.MustRegister("who", func(context.Context, []any) (any, error) { return nil, nil })
	})
}

func TestRegisterValidatesArguments(t *testing.T) {
	left, _ := ChannelPair()
	b := New(left)
	t.Cleanup(func() { _ = b.Close() })

	require.Error(t, b.Register("", func(context.Context, []any) (any, error) { return nil, nil }))
	require.Error(t, b.Register("x", nil))

	require.NoError(t, b.Register("x", func(context.Context, []any) (any, error) { return nil, nil }))
	b.Unregister("x")
	require.NoError(t, b.Register("x", func(context.Context, []any) (any, error) { return nil, nil }))
	assert.Equal(t, []string{"x"}, b.Methods())
}

func TestEventFanOutSurvivesPanickingListener(t *testing.T) {
	a, b := newPair(t)

	first := make(chan []any, 1)
	third := make(chan []any, 1)
	b.On("tick", func(payload []any) { first <- payload })
	b.On("tick", func([]any) { panic("listener bug") })
	b.On("tick", func(payload []any) { third <- payload })

	require.NoError(t, a.Emit("tick", 7, "seven"))

	assert.Equal(t, []any{7, "seven"}, waitFor(t, first))
	assert.Equal(t, []any{7, "seven"}, waitFor(t, third))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	a, b := newPair(t)

	var removedCalls atomic.Int32
	kept := make(chan []any, 2)
	unsubscribe := b.On("ping", func([]any) { removedCalls.Add(1) })
	b.On("ping", func(payload []any) { kept <- payload })

	unsubscribe()
	unsubscribe()

	require.NoError(t, a.Emit("ping"))
	waitFor(t, kept)
	assert.Equal(t, int32(0), removedCalls.Load())
}

// forwardTo hands matching messages to target's inbound handler instead of
// dispatching them locally.
func forwardTo(match Matcher, target *Bridge) Pipe {
	return func(msg Message) (Message, bool) {
		if !match(msg) {
			return msg, true
		}
		target.Handle(msg)
		return msg, false
	}
}

// relayTo writes matching messages to target's peer.
func relayTo(match Matcher, target *Bridge) Pipe {
	return func(msg Message) (Message, bool) {
		if !match(msg) {
			return msg, true
		}
		_ = target.Send(msg)
		return msg, false
	}
}

func TestForwardingByPrefix(t *testing.T) {
	uiSurface, uiSide := ChannelPair()
	extSide, extUnit := ChannelPair()

	ui := New(uiSide, WithName("ui"))
	ext := New(extSide, WithName("ext"))
	surface := New(uiSurface, WithName("surface"))
	unit := New(extUnit, WithName("unit"))
	for _, b := range []*Bridge{ui, ext, surface, unit} {
		serve(t, b)
	}

	ui.Use(forwardTo(NamePrefix("window."), ext))
	ext.Use(forwardTo(NamePrefix("extension."), ui))

	var uiSawWindow atomic.Int32
	ui.On("window.resized", func([]any) { uiSawWindow.Add(1) })
	extSawWindow := make(chan []any, 1)
	ext.On("window.resized", func(payload []any) { extSawWindow <- payload })

	uiSawQuestion := make(chan []any, 1)
	ui.On("extension.question", func(payload []any) { uiSawQuestion <- payload })

	require.NoError(t, surface.Emit("window.resized", 800, 600))
	assert.Equal(t, []any{800, 600}, waitFor(t, extSawWindow))
	assert.Equal(t, int32(0), uiSawWindow.Load(), "forwarded message must not be dispatched locally")

	require.NoError(t, unit.Emit("extension.question", "why?"))
	assert.Equal(t, []any{"why?"}, waitFor(t, uiSawQuestion))
}

func TestRelayPipeWritesToTargetPeer(t *testing.T) {
	uiSurface, uiSide := ChannelPair()
	extSide, extUnit := ChannelPair()

	ui := New(uiSide)
	ext := New(extSide)
	surface := New(uiSurface)
	unit := New(extUnit)
	for _, b := range []*Bridge{ui, ext, surface, unit} {
		serve(t, b)
	}

	ui.Use(relayTo(NamePrefix("window."), ext))

	got := make(chan []any, 1)
	unit.On("window.focus", func(payload []any) { got <- payload })

	require.NoError(t, surface.Emit("window.focus", true))
	assert.Equal(t, []any{true}, waitFor(t, got))
}

func TestPipeCanRewriteMessage(t *testing.T) {
	a, b := newPair(t)

	b.Use(func(msg Message) (Message, bool) {
		if msg.Type == TypeEvent && msg.Name == "legacy.ping" {
			msg.Name = "ping"
		}
		return msg, true
	})

	got := make(chan []any, 1)
	b.On("ping", func(payload []any) { got <- payload })

	require.NoError(t, a.Emit("legacy.ping", "x"))
	assert.Equal(t, []any{"x"}, waitFor(t, got))
}

func TestProxyBuildsDottedMethodNames(t *testing.T) {
	a, b := newPair(t)

	require.NoError(t, b.Register("database.ai.registerAi", func(_ context.Context, args []any) (any, error) {
		cfg := args[0].(map[string]any)
		return fmt.Sprintf("registered %s", cfg["name"]), nil
	}))

	db := a.Proxy("database")
	register := db.Get("ai").Get("registerAi")
	assert.Equal(t, "database.ai.registerAi", register.Method())
	assert.Equal(t, "database", db.Method(), "Get must not modify the receiver")
	assert.Equal(t, "database.ai.registerAi", db.Get("ai.registerAi").Method())

	result, err := register.Call(context.Background(), map[string]any{"name": "local-llm"})
	require.NoError(t, err)
	assert.Equal(t, "registered local-llm", result)

	_, err = db.Get("ai", "unknownOp").Call(context.Background())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "database.ai.unknownOp")
}

func TestInvokeDeadlineRetiresPendingEntry(t *testing.T) {
	local, silent := ChannelPair()
	t.Cleanup(func() { _ = silent.Close() })

	a := New(local)
	serve(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Invoke(ctx, "never.answered")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, a.Pending())
}

func TestDefaultInvokeTimeout(t *testing.T) {
	local, silent := ChannelPair()
	t.Cleanup(func() { _ = silent.Close() })

	a := New(local, WithInvokeTimeout(20*time.Millisecond))
	serve(t, a)

	_, err := a.Invoke(context.Background(), "never.answered")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, a.Pending())
}

func TestCloseRejectsPendingCalls(t *testing.T) {
	local, silent := ChannelPair()
	t.Cleanup(func() { _ = silent.Close() })

	a := New(local)
	serve(t, a)

	calls := []*Call{
		a.Go(context.Background(), "one"),
		a.Go(context.Background(), "two"),
	}
	require.Eventually(t, func() bool { return a.Pending() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	for _, call := range calls {
		<-call.Done
		assert.ErrorIs(t, call.Err, ErrClosed)
	}

	_, err := a.Invoke(context.Background(), "after.close")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.Emit("after.close"), ErrClosed)
}

func TestPeerDisconnectRejectsPendingCalls(t *testing.T) {
	local, remote := ChannelPair()

	a := New(local)
	served := make(chan error, 1)
	go func() { served <- a.Serve(context.Background()) }()

	call := a.Go(context.Background(), "slow")
	require.NoError(t, remote.Close())

	<-call.Done
	assert.ErrorIs(t, call.Err, ErrClosed)
	assert.NoError(t, <-served)

	select {
	case <-a.Done():
	default:
		t.Fatal("bridge should be done after peer disconnect")
	}
}

func TestServeStopsWhenContextEnds(t *testing.T) {
	local, remote := ChannelPair()
	t.Cleanup(func() { _ = remote.Close() })

	a := New(local)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, a.Serve(ctx))
	}()

	cancel()
	wg.Wait()
	assert.ErrorIs(t, a.Emit("late"), ErrClosed)
}

func TestHandlersSeeCancellationOnClose(t *testing.T) {
	a, b := newPair(t)

	started := make(chan struct{})
	finished := make(chan error, 1)
	require.NoError(t, b.Register("wait", func(ctx context.Context, _ []any) (any, error) {
		close(started)
		<-ctx.Done()
		finished <- ctx.Err()
		return nil, ctx.Err()
	}))

	call := a.Go(context.Background(), "wait")
	<-started
	require.NoError(t, b.Close())

	assert.ErrorIs(t, <-finished, context.Canceled)
	<-call.Done
	assert.ErrorIs(t, call.Err, ErrClosed)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	local, remote := ChannelPair()
	a := New(local)
	serve(t, a)
	t.Cleanup(func() { _ = remote.Close() })

	got := make(chan []any, 1)
	a.On("after", func(payload []any) { got <- payload })

	require.NoError(t, remote.Send(Message{Type: "bogus", Name: "x"}))
	require.NoError(t, remote.Send(Message{Type: TypeInvoke, Name: "no-id"}))
	require.NoError(t, remote.Send(NewEvent("after", 1)))

	assert.Equal(t, []any{1}, waitFor(t, got))
}
