package wampio

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, k *Kernel) (*Listener, *Handlers) {
	t.Helper()
	h := NewHandlers()
	return newTestListener(t, k, ListenerOptions{Router: NewRouter(k, h)}), h
}

func subscribe(t *testing.T, s *Session, topic string, opts map[string]any) (uint64, chan SubscriptionEvent) {
	t.Helper()
	events := make(chan SubscriptionEvent, 8)
	_, err := s.Subscribe(topic, opts, func(e SubscriptionEvent) { events <- e })
	require.NoError(t, err)
	e := recv(t, events)
	require.Equal(t, Subscribed, e.Kind, "subscribe failed: %v", e.Err)
	return e.SubscriptionID, events
}

func provide(t *testing.T, s *Session, uri string) (uint64, chan ProcedureEvent) {
	t.Helper()
	events := make(chan ProcedureEvent, 8)
	_, err := s.Provide(uri, nil, func(e ProcedureEvent) { events <- e })
	require.NoError(t, err)
	e := recv(t, events)
	require.Equal(t, Registered, e.Kind, "register failed: %v", e.Err)
	return e.RegistrationID, events
}

func call(t *testing.T, s *Session, uri string, opts map[string]any, args Args) chan CallResult {
	t.Helper()
	results := make(chan CallResult, 1)
	_, err := s.Call(uri, opts, args, func(r CallResult) { results <- r })
	require.NoError(t, err)
	return results
}

func errorURIOf(t *testing.T, err error) string {
	t.Helper()
	var werr *Error
	require.ErrorAs(t, err, &werr)
	return werr.URI
}

func TestRouterPubSub(t *testing.T) {
	k := newTestKernel(t)
	l, h := newTestRouter(t, k)
	local := make(chan Args, 4)
	h.HandleTopic("news", func(s *Session, topic string, args Args) { local <- args })

	a, err := dialListener(t, k, l, nil, ClientOptions{})
	require.NoError(t, err)
	b, err := dialListener(t, k, l, nil, ClientOptions{})
	require.NoError(t, err)

	aSub, aEvents := subscribe(t, a, "news", nil)
	bSub, bEvents := subscribe(t, b, "news", nil)
	assert.Equal(t, aSub, bSub)
	assert.Equal(t, 2, l.Router().Subscribers("realm1", "news"))

	// publisher is excluded by default
	_, err = a.Publish("news", nil, Args{List: []any{"one"}})
	require.NoError(t, err)
	e := recv(t, bEvents)
	assert.Equal(t, EventReceived, e.Kind)
	assert.Equal(t, "news", e.URI)
	assert.Equal(t, []any{"one"}, e.Args.List)
	assert.Equal(t, "news", e.Details["topic"])
	assert.Equal(t, Args{List: []any{"one"}}, recv(t, local))

	_, err = a.Publish("news", map[string]any{"exclude_me": false}, Args{List: []any{"two"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"two"}, recv(t, aEvents).Args.List)
	assert.Equal(t, []any{"two"}, recv(t, bEvents).Args.List)
	recv(t, local)

	done := make(chan error, 1)
	_, err = b.Unsubscribe(bSub, func(err error) { done <- err })
	require.NoError(t, err)
	require.NoError(t, recv(t, done))
	assert.Equal(t, 1, l.Router().Subscribers("realm1", "news"))

	_, err = b.Unsubscribe(bSub, nil)
	assert.Equal(t, URINoSuchSubscription, errorURIOf(t, err))

	waitClosed(t, a.Close())
	require.Eventually(t, func() bool {
		return l.Router().Subscribers("realm1", "news") == 0
	}, testTimeout, 5*time.Millisecond)
}

func TestRouterRepeatedSubscribe(t *testing.T) {
	k := newTestKernel(t)
	l, _ := newTestRouter(t, k)
	a, err := dialListener(t, k, l, nil, ClientOptions{})
	require.NoError(t, err)
	b, err := dialListener(t, k, l, nil, ClientOptions{})
	require.NoError(t, err)

	firstID, first := subscribe(t, a, "news", nil)
	secondID, second := subscribe(t, a, "news", nil)
	require.Equal(t, firstID, secondID)
	assert.Equal(t, 1, l.Router().Subscribers("realm1", "news"))

	_, err = b.Publish("news", nil, Args{List: []any{"one"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"one"}, recv(t, first).Args.List)
	assert.Equal(t, []any{"one"}, recv(t, second).Args.List)

	// the router keeps the session while a local subscriber remains
	done := make(chan error, 1)
	_, err = a.Unsubscribe(secondID, func(err error) { done <- err })
	require.NoError(t, err)
	require.NoError(t, recv(t, done))
	assert.Equal(t, 1, l.Router().Subscribers("realm1", "news"))

	_, err = b.Publish("news", nil, Args{List: []any{"two"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"two"}, recv(t, first).Args.List)
	assert.Empty(t, second)

	_, err = a.Unsubscribe(firstID, func(err error) { done <- err })
	require.NoError(t, err)
	require.NoError(t, recv(t, done))
	assert.Equal(t, 0, l.Router().Subscribers("realm1", "news"))

	_, err = a.Unsubscribe(firstID, nil)
	assert.Equal(t, URINoSuchSubscription, errorURIOf(t, err))
}

func TestRouterRealmsAreSeparate(t *testing.T) {
	k := newTestKernel(t)
	l, _ := newTestRouter(t, k)

	a, err := dialListener(t, k, l, nil, ClientOptions{Credentials: ClientCredentials{Realm: "one"}})
	require.NoError(t, err)
	b, err := dialListener(t, k, l, nil, ClientOptions{Credentials: ClientCredentials{Realm: "two"}})
	require.NoError(t, err)

	provide(t, a, "com.example.proc")
	provide(t, b, "com.example.proc")
	assert.Equal(t, []string{"com.example.proc"}, l.Router().Procedures("one"))
	assert.Equal(t, []string{"com.example.proc"}, l.Router().Procedures("two"))
	assert.Empty(t, l.Router().Procedures("three"))
}

func TestRouterRPC(t *testing.T) {
	k := newTestKernel(t)
	l, _ := newTestRouter(t, k)
	callee, err := dialListener(t, k, l, nil, ClientOptions{})
	require.NoError(t, err)
	caller, err := dialListener(t, k, l, nil, ClientOptions{})
	require.NoError(t, err)

	regID, invocations := provide(t, callee, "com.example.echo")
	assert.Equal(t, []string{"com.example.echo"}, l.Router().Procedures("realm1"))

	t.Run("yield", func(t *testing.T) {
		results := call(t, caller, "com.example.echo", map[string]any{"disclose_me": true},
			Args{List: []any{"hi"}, Dict: map[string]any{"n": 1}})
		e := recv(t, invocations)
		require.Equal(t, Invoked, e.Kind)
		inv := e.Invocation
		assert.Equal(t, regID, inv.RegistrationID)
		assert.Equal(t, "com.example.echo", inv.URI)
		assert.Equal(t, []any{"hi"}, inv.Args.List)
		assert.Equal(t, "1", fmt.Sprint(inv.Args.Dict["n"]))
		assert.Contains(t, inv.Details, "caller")
		require.NoError(t, inv.Yield(inv.Args))

		r := recv(t, results)
		require.NoError(t, r.Err)
		assert.Equal(t, []any{"hi"}, r.Args.List)
		assert.Equal(t, "1", fmt.Sprint(r.Args.Dict["n"]))
	})

	t.Run("application error", func(t *testing.T) {
		results := call(t, caller, "com.example.echo", nil, Args{})
		inv := recv(t, invocations).Invocation
		assert.NotContains(t, inv.Details, "caller")
		require.NoError(t, inv.Error("com.example.bad", Args{List: []any{"nope"}}))

		r := recv(t, results)
		var werr *Error
		require.ErrorAs(t, r.Err, &werr)
		assert.Equal(t, "com.example.bad", werr.URI)
		assert.Equal(t, []any{"nope"}, werr.Args.List)
	})

	t.Run("reply only once", func(t *testing.T) {
		results := call(t, caller, "com.example.echo", nil, Args{})
		inv := recv(t, invocations).Invocation
		require.NoError(t, inv.Reply(Args{List: []any{1}}, nil))
		require.NoError(t, inv.Yield(Args{List: []any{2}}))
		assert.Equal(t, "1", fmt.Sprint(recv(t, results).Args.List[0]))
	})

	t.Run("procedure exists", func(t *testing.T) {
		events := make(chan ProcedureEvent, 1)
		_, err := caller.Provide("com.example.echo", nil, func(e ProcedureEvent) { events <- e })
		require.NoError(t, err)
		e := recv(t, events)
		assert.Equal(t, RegisterFailed, e.Kind)
		assert.Equal(t, URIProcedureExists, errorURIOf(t, e.Err))
	})

	t.Run("no such procedure", func(t *testing.T) {
		r := recv(t, call(t, caller, "com.example.missing", nil, Args{}))
		assert.Equal(t, URINoSuchProcedure, errorURIOf(t, r.Err))
	})

	t.Run("callee gone", func(t *testing.T) {
		results := call(t, caller, "com.example.echo", nil, Args{})
		recv(t, invocations)
		waitClosed(t, callee.Close())

		r := recv(t, results)
		assert.Equal(t, URISessionClosed, errorURIOf(t, r.Err))
		require.Eventually(t, func() bool {
			return len(l.Router().Procedures("realm1")) == 0
		}, testTimeout, 5*time.Millisecond)
		assert.True(t, caller.IsOpen())
	})
}

func TestRouterUnprovide(t *testing.T) {
	k := newTestKernel(t)
	l, _ := newTestRouter(t, k)
	callee, err := dialListener(t, k, l, nil, ClientOptions{})
	require.NoError(t, err)

	regID, _ := provide(t, callee, "com.example.proc")
	done := make(chan error, 1)
	_, err = callee.Unprovide(regID, func(err error) { done <- err })
	require.NoError(t, err)
	require.NoError(t, recv(t, done))
	assert.Empty(t, l.Router().Procedures("realm1"))

	_, err = callee.Unprovide(regID, nil)
	assert.Equal(t, URINoSuchRegistration, errorURIOf(t, err))
}

func TestRouterLocalHandlers(t *testing.T) {
	k := newTestKernel(t)
	l, h := newTestRouter(t, k)
	h.Handle("com.example.greet", func(name string) (string, error) {
		return "hello " + name, nil
	})
	h.Handle("com.example.whoami", func(s *Session) (string, error) {
		return s.Realm(), nil
	})
	h.Handle("com.example.panic", func() error {
		panic("boom")
	})

	caller, err := dialListener(t, k, l, nil, ClientOptions{})
	require.NoError(t, err)

	r := recv(t, call(t, caller, "com.example.greet", nil, Args{List: []any{"bob"}}))
	require.NoError(t, r.Err)
	assert.Equal(t, []any{"hello bob"}, r.Args.List)

	r = recv(t, call(t, caller, "com.example.whoami", nil, Args{}))
	require.NoError(t, r.Err)
	assert.Equal(t, []any{"realm1"}, r.Args.List)

	r = recv(t, call(t, caller, "com.example.panic", nil, Args{}))
	assert.Equal(t, URIRuntimeError, errorURIOf(t, r.Err))

	r = recv(t, call(t, caller, "com.example.greet", nil, Args{List: []any{42}}))
	assert.Equal(t, URIInvalidArgument, errorURIOf(t, r.Err))
}

func TestRouterUnsupportedOptions(t *testing.T) {
	k := newTestKernel(t)
	l, _ := newTestRouter(t, k)
	s, err := dialListener(t, k, l, nil, ClientOptions{})
	require.NoError(t, err)

	procs := make(chan ProcedureEvent, 1)
	_, err = s.Provide("com.example.proc", map[string]any{"invoke": "roundrobin"}, func(e ProcedureEvent) { procs <- e })
	require.NoError(t, err)
	e := recv(t, procs)
	assert.Equal(t, RegisterFailed, e.Kind)
	assert.Equal(t, URIInvalidArgument, errorURIOf(t, e.Err))

	subs := make(chan SubscriptionEvent, 1)
	_, err = s.Subscribe("com.example", map[string]any{"match": "prefix"}, func(e SubscriptionEvent) { subs <- e })
	require.NoError(t, err)
	se := recv(t, subs)
	assert.Equal(t, SubscribeFailed, se.Kind)
	assert.Equal(t, URIInvalidArgument, errorURIOf(t, se.Err))
}
