package wampio

// CallRequest is an inbound CALL handed to a ServerHandler
type CallRequest struct {
	RequestID uint64
	URI       string
	Options   map[string]any
	Args      Args
}

// Invocation is an INVOCATION delivered to a procedure provided by this
// session. Reply with Yield or Error, once.
type Invocation struct {
	RequestID      uint64
	RegistrationID uint64
	URI            string
	Details        map[string]any
	Args           Args

	session *Session
}

// Session the invocation arrived on
func (inv *Invocation) Session() *Session { return inv.session }

// Yield sends the result of the invocation
func (inv *Invocation) Yield(args Args) error {
	return inv.session.InvocationYield(inv.RequestID, args)
}

// Error fails the invocation with an application error
func (inv *Invocation) Error(uri string, args Args) error {
	return inv.session.InvocationError(inv.RequestID, uri, args)
}

// Reply yields args when err is nil, otherwise fails with err
func (inv *Invocation) Reply(args Args, err error) error {
	if err != nil {
		return inv.Error(errorURI(err), errorArgs(err))
	}
	return inv.Yield(args)
}

// -----------------------------------------------------------------------------------------------
// Correlation records

type pendingCall struct {
	uri string
	cb  CallResultFunc
}

type subscription struct {
	id  uint64
	uri string
	cb  SubscriptionFunc
}

// topicSubscription holds the local subscribers sharing one router
// subscription. A router answers repeated SUBSCRIBEs for a topic with the
// same id.
type topicSubscription struct {
	uri  string
	subs []*subscription
}

type procedure struct {
	id  uint64
	uri string
	cb  ProcedureFunc
}

// pendingInvocation is an INVOCATION this session sent to its peer (router
// role) and whose YIELD or ERROR is awaited
type pendingInvocation struct {
	reply ReplyFunc
}

type pendingRelease struct {
	id uint64 // subscription or registration id
	cb func(error)
}
