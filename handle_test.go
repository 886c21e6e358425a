package wampio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callHandler(t *testing.T, h *Handlers, uri string, args Args) Args {
	t.Helper()
	fn := h.FindCallable(uri)
	require.NotNil(t, fn, "handler %q not found", uri)
	out, err := fn(nil, uri, args)
	require.NoError(t, err, "handler %q", uri)
	return out
}

func one(v any) Args { return Args{List: []any{v}} }

func TestCallableFuncHandlers(t *testing.T) {
	h := NewHandlers()
	invocationCount := 0

	// All possible handler func permutations (with `int` value types)
	require.NotPanics(t, func() {
		h.Handle("a", func(s *Session, uri string, p int) (int, error) {
			assert.Equal(t, "a", uri)
			invocationCount++
			return p + 1, nil
		})
		h.Handle("b", func(s *Session, p int) (int, error) {
			invocationCount++
			return p + 1, nil
		})
		h.Handle("c", func(p int) (int, error) {
			invocationCount++
			return p + 1, nil
		})
		h.Handle("d", func(s *Session) (int, error) {
			invocationCount++
			return 1, nil
		})
		h.Handle("e", func() (int, error) {
			invocationCount++
			return 1, nil
		})
		h.Handle("f", func(s *Session, uri string, p int) error {
			assert.Equal(t, "f", uri)
			invocationCount++
			return nil
		})
		h.Handle("g", func(s *Session, p int) error {
			invocationCount++
			return nil
		})
		h.Handle("h", func(p int) error {
			invocationCount++
			return nil
		})
		h.Handle("i", func(s *Session) error {
			invocationCount++
			return nil
		})
		h.Handle("j", func() error {
			invocationCount++
			return nil
		})
		h.Handle("", func(s *Session, uri string, p int) error {
			assert.Contains(t, []string{"fallback1", "fallback2"}, uri)
			invocationCount++
			return nil
		})
	})

	assert.Equal(t, one(float64(2)), callHandler(t, h, "a", one(1)))
	assert.Equal(t, one(float64(2)), callHandler(t, h, "b", one(1)))
	assert.Equal(t, one(float64(2)), callHandler(t, h, "c", one(1)))
	assert.Equal(t, one(float64(1)), callHandler(t, h, "d", Args{}))
	assert.Equal(t, one(float64(1)), callHandler(t, h, "e", Args{}))
	assert.Equal(t, Args{}, callHandler(t, h, "f", one(1)))
	assert.Equal(t, Args{}, callHandler(t, h, "g", one(1)))
	assert.Equal(t, Args{}, callHandler(t, h, "h", one(1)))
	assert.Equal(t, Args{}, callHandler(t, h, "i", Args{}))
	assert.Equal(t, Args{}, callHandler(t, h, "j", Args{}))
	assert.Equal(t, Args{}, callHandler(t, h, "fallback1", one(1)))
	assert.Equal(t, Args{}, callHandler(t, h, "fallback2", one(1)))

	assert.Equal(t, 12, invocationCount, "not all handlers were invoked")
}

func TestCallableParams(t *testing.T) {
	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	h := NewHandlers()
	h.Handle("sum", func(p point) (int, error) { return p.X + p.Y, nil })
	h.Handle("struct", func() (point, error) { return point{1, 2}, nil })
	h.Handle("fail", func() error { return errors.New("nope") })

	t.Run("positional", func(t *testing.T) {
		out := callHandler(t, h, "sum", one(map[string]any{"x": 1, "y": 2}))
		assert.Equal(t, one(float64(3)), out)
	})

	t.Run("keyword", func(t *testing.T) {
		out := callHandler(t, h, "sum", Args{Dict: map[string]any{"x": 3, "y": 4}})
		assert.Equal(t, one(float64(7)), out)
	})

	t.Run("result is normalized", func(t *testing.T) {
		out := callHandler(t, h, "struct", Args{})
		assert.Equal(t, one(map[string]any{"x": float64(1), "y": float64(2)}), out)
	})

	t.Run("wrong parameter type", func(t *testing.T) {
		_, err := h.FindCallable("sum")(nil, "sum", one("not a point"))
		var werr *Error
		require.ErrorAs(t, err, &werr)
		assert.Equal(t, URIInvalidArgument, werr.URI)
	})

	t.Run("handler error", func(t *testing.T) {
		_, err := h.FindCallable("fail")(nil, "fail", Args{})
		assert.EqualError(t, err, "nope")
	})

	t.Run("not found", func(t *testing.T) {
		assert.Nil(t, h.FindCallable("missing"))
	})
}

func TestBadHandlerSignatures(t *testing.T) {
	h := NewHandlers()
	assert.Panics(t, func() { h.Handle("x", 42) })
	assert.Panics(t, func() { h.Handle("x", func() {}) })
	assert.Panics(t, func() { h.Handle("x", func() int { return 0 }) })
	assert.Panics(t, func() { h.Handle("x", func(a, b int) error { return nil }) })
	assert.Panics(t, func() { h.Handle("x", func(s *Session, a, b int) error { return nil }) })
	assert.Panics(t, func() { h.HandleEvent("x", func() {}) })
	assert.Panics(t, func() { h.HandleEvent("x", func(a, b int) {}) })
	assert.Panics(t, func() { h.HandleEvent("x", func(p int) error { return nil }) })
}

func TestTopicFuncHandlers(t *testing.T) {
	h := NewHandlers()
	invocationCount := 0

	require.NotPanics(t, func() {
		h.HandleEvent("a", func(s *Session, topic string, p int) {
			assert.Equal(t, "a", topic)
			assert.Equal(t, 1, p)
			invocationCount++
		})
		h.HandleEvent("b", func(topic string, p int) {
			assert.Equal(t, "b", topic)
			assert.Equal(t, 2, p)
			invocationCount++
		})
		h.HandleEvent("c", func(p int) {
			assert.Equal(t, 3, p)
			invocationCount++
		})
		h.HandleEvent("", func(topic string, p int) {
			assert.Contains(t, []string{"fallback1", "fallback2"}, topic)
			assert.Equal(t, 4, p)
			invocationCount++
		})
	})

	for topic, p := range map[string]int{"a": 1, "b": 2, "c": 3, "fallback1": 4, "fallback2": 4} {
		fn := h.FindTopicHandler(topic)
		require.NotNil(t, fn, "handler %q not found", topic)
		fn(nil, topic, one(p))
	}
	assert.Equal(t, 5, invocationCount, "not all handlers were invoked")
}

func TestRawHandlers(t *testing.T) {
	h := NewHandlers()
	var got Args
	h.HandleCallable("raw", func(s *Session, uri string, args Args) (Args, error) {
		return args, nil
	})
	h.HandleTopic("raw", func(s *Session, topic string, args Args) { got = args })

	in := Args{List: []any{"x"}, Dict: map[string]any{"k": true}}
	assert.Equal(t, in, callHandler(t, h, "raw", in))
	h.FindTopicHandler("raw")(nil, "raw", in)
	assert.Equal(t, in, got)
	assert.Nil(t, h.FindTopicHandler("other"))
}
