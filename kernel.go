package wampio

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Kernel is the runtime shared by every session and listener of a process:
// configuration, logging, metrics, the processing context and the id
// counters.
type Kernel struct {
	cfg     Config
	log     zerolog.Logger
	loop    *EventLoop
	metrics *Metrics

	sessionIDs atomic.Uint64
	scopeIDs   atomic.Uint64

	closeOnce sync.Once
}

// NewKernel starts a kernel configured by cfg. Zero fields of cfg take
// the values of DefaultConfig.
func NewKernel(cfg Config) *Kernel {
	cfg = cfg.withDefaults()
	log := NewLogger(cfg.Log).With().Str("app", "wampio").Logger()
	return &Kernel{
		cfg:     cfg,
		log:     log,
		loop:    NewEventLoop(log),
		metrics: NewMetrics(cfg.Metrics.Namespace),
	}
}

func (k *Kernel) Config() Config         { return k.cfg }
func (k *Kernel) Logger() zerolog.Logger { return k.log }
func (k *Kernel) Loop() *EventLoop       { return k.loop }
func (k *Kernel) Metrics() *Metrics      { return k.metrics }

// Close stops the processing context after it has drained queued work.
// Sessions should be closed and awaited first.
func (k *Kernel) Close() {
	k.closeOnce.Do(k.loop.Stop)
}

// nextSessionID returns a process-unique session id, never reused
func (k *Kernel) nextSessionID() uint64 {
	return k.sessionIDs.Add(1)
}

// nextScopeID allocates ids in the router scope: publications,
// subscriptions and registrations.
func (k *Kernel) nextScopeID() uint64 {
	return k.scopeIDs.Add(1)
}
