package wampio

import (
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// Limits caps the work one session may put on the router at a time
type Limits interface {
	incCall() bool
	decCall()
	incInvocation() bool
	decInvocation()
}

// Create new Limits, limiting request processing.
//
// `callLimit` limits the number of inbound CALLs a session may have
// outstanding. `invocationLimit` limits the number of INVOCATIONs the router
// may have outstanding with one callee session. A limit of 0 means
// "unlimited".
//
// A CALL over the limit is answered with an ERROR `wampio.error.limit_reached`
// carrying a suggested retry delay. An INVOCATION over the limit fails the
// call it serves in the same way.
func NewLimits(callLimit uint32, invocationLimit uint32) Limits {
	if callLimit == 0 && invocationLimit == 0 {
		return NoLimits
	}
	return &limits{
		calls:       limit{limit: callLimit},
		invocations: limit{limit: invocationLimit},
	}
}

// NoLimits does not limit calls or invocations
var NoLimits = noLimit(false)

// -----------------------------------------------------------------------------------------------

type noLimit bool

func (l noLimit) incCall() bool       { return true }
func (l noLimit) decCall()            {}
func (l noLimit) incInvocation() bool { return true }
func (l noLimit) decInvocation()      {}

// -----------------------------------------------------------------------------------------------

type limits struct {
	calls       limit
	invocations limit
}

func (l *limits) incCall() bool       { return l.calls.inc() }
func (l *limits) decCall()            { l.calls.dec() }
func (l *limits) incInvocation() bool { return l.invocations.inc() }
func (l *limits) decInvocation()      { l.invocations.dec() }

// -----------------------------------------------------------------------------------------------

type limit struct {
	limit uint32 // 0 = unlimited
	count atomic.Uint32
}

func (l *limit) inc() bool {
	n := l.count.Add(1)
	if l.limit != 0 && n > l.limit {
		l.dec()
		return false
	}
	return true
}

func (l *limit) dec() {
	l.count.Add(^uint32(0)) // see godoc sync/atomic/#AddUint32
}

// -----------------------------------------------------------------------------------------------

func limitWait(min, max time.Duration) time.Duration {
	return min + rand.N(max-min)
}

// limitRetryAfter is the time to tell a caller to wait after it hit a limit
func limitRetryAfter() time.Duration {
	return limitWait(time.Second, 20*time.Second)
}

// limitReachedArgs are the arguments of a limit_reached ERROR
func limitReachedArgs(what string) Args {
	return Args{
		List: []any{"too many concurrent " + what},
		Dict: map[string]any{"retry_after_ms": limitRetryAfter().Milliseconds()},
	}
}
