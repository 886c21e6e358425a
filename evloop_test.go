package wampio

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoopOrder(t *testing.T) {
	l := NewEventLoop(zerolog.New(io.Discard))
	var got []int
	for i := range 100 {
		require.True(t, l.Dispatch(func() { got = append(got, i) }))
	}
	l.Stop()

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
	assert.False(t, l.Dispatch(func() { t.Error("ran after Stop") }))
	waitClosed(t, l.Done())
}

func TestEventLoopPanicRecovered(t *testing.T) {
	l := NewEventLoop(zerolog.New(io.Discard))
	defer l.Stop()

	ran := make(chan struct{})
	l.Dispatch(func() { panic("boom") })
	l.Dispatch(func() { close(ran) })
	waitClosed(t, ran)
}

func TestEventLoopDispatchAfter(t *testing.T) {
	l := NewEventLoop(zerolog.New(io.Discard))
	defer l.Stop()

	fired := make(chan time.Time, 1)
	start := time.Now()
	l.DispatchAfter(20*time.Millisecond, func() { fired <- time.Now() })
	assert.GreaterOrEqual(t, recv(t, fired).Sub(start), 20*time.Millisecond)

	timer := l.DispatchAfter(time.Hour, func() { t.Error("stopped timer fired") })
	assert.True(t, timer.Stop())
}
