package wampio

// StateFunc is told when a session opens (isOpen true) and when it closes or
// fails to open (isOpen false). err describes why a session failed or was
// aborted, and is nil for an orderly close.
type StateFunc func(s *Session, isOpen bool, err error)

// ReplyFunc completes an inbound call or an outstanding invocation. A nil err
// yields args; otherwise err is sent as an ERROR.
type ReplyFunc func(args Args, err error)

// CallResult is delivered once for every Call
type CallResult struct {
	RequestID uint64
	URI       string
	Details   map[string]any
	Args      Args
	// Err is an *Error for application failures, or wraps ErrSessionClosed
	Err error
}

// True if the call failed
func (r CallResult) IsError() bool { return r.Err != nil }

type CallResultFunc func(r CallResult)

// SubscriptionEventKind tells what a SubscriptionEvent reports
type SubscriptionEventKind int

const (
	Subscribed SubscriptionEventKind = iota
	EventReceived
	SubscribeFailed
)

// SubscriptionEvent is delivered to the callback given to Subscribe: once
// with Subscribed or SubscribeFailed, then once per EVENT.
type SubscriptionEvent struct {
	Kind           SubscriptionEventKind
	SubscriptionID uint64
	PublicationID  uint64
	URI            string
	Details        map[string]any
	Args           Args
	Err            error
}

type SubscriptionFunc func(e SubscriptionEvent)

// ProcedureEventKind tells what a ProcedureEvent reports
type ProcedureEventKind int

const (
	Registered ProcedureEventKind = iota
	Invoked
	RegisterFailed
)

// ProcedureEvent is delivered to the callback given to Provide: once with
// Registered or RegisterFailed, then once per INVOCATION.
type ProcedureEvent struct {
	Kind           ProcedureEventKind
	RegistrationID uint64
	URI            string
	Invocation     *Invocation
	Err            error
}

type ProcedureFunc func(e ProcedureEvent)
