package sipcore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipcore/sipcore/sip"
)

var (
	ErrDialogOutsideDialog   = errors.New("Call/Transaction Outside Dialog")
	ErrDialogDoesNotExists   = errors.New("Call/Transaction Does Not Exist")
	ErrDialogInviteNoContact = errors.New("No Contact header")
	ErrDialogCanceled        = errors.New("Dialog canceled")
	ErrDialogInvalidCseq     = errors.New("Invalid CSEQ number")
	ErrDialogExpired         = errors.New("Dialog subscription expired")
)

type ErrDialogResponse struct {
	Res *sip.Response
}

func (e ErrDialogResponse) Error() string {
	return fmt.Sprintf("Invite failed with response: %s", e.Res.StartLine())
}

type DialogStateFn func(s sip.DialogState)
type Dialog struct {
	ID string

	// InviteRequest is set when dialog is created. It is not thread safe!
	// Use it only as read only and use methods to change headers
	InviteRequest *sip.Request

	// lastCSeqNo is the local sequence counter, bumped for every request
	// sent within the dialog except ACK and CANCEL.
	lastCSeqNo atomic.Uint32

	// remoteCSeqNo is the peer's last seen sequence number; inbound
	// in-dialog requests must strictly exceed it.
	remoteCSeqNo atomic.Uint32

	// InviteResponse is last response received or sent. It is not thread safe!
	// Use it only as read only and do not change values
	InviteResponse *sip.Response

	state atomic.Int32

	// ackDone is set once the ACK for the initial INVITE's 2xx has been
	// sent (UAC) or received (UAS). A BYE must not be sent until this is
	// true (RFC 3261 §15), which is a timing rule distinct from the
	// dialog's own early/confirmed/terminated state.
	ackDone atomic.Bool

	// RouteSet is the dialog's route set, RFC 3261 12.1.1/12.1.2: built once
	// from the dialog-establishing request/response's Record-Route headers
	// and then fixed for the lifetime of the dialog.
	RouteSet []sip.Uri

	// RemoteTarget is the URI used to reach the peer, taken from its Contact
	// header. It is target-refreshed by every in-dialog request/response
	// that carries a Contact, per RFC 3261 12.2.1.2/12.2.2.
	remoteTarget atomic.Pointer[sip.Uri]

	ctx    context.Context
	cancel context.CancelFunc

	onStatePointer atomic.Pointer[DialogStateFn]

	// errCause remembers why the dialog ended early (cancel, transaction
	// death) for callers that only observe the state change.
	errCause   error
	errCauseMu sync.Mutex

	// store user values
	values sync.Map
}

// Init setups dialog state
func (d *Dialog) Init() {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.state = atomic.Int32{}
	d.lastCSeqNo = atomic.Uint32{}

	cseq := d.InviteRequest.CSeq().SeqNo
	d.lastCSeqNo.Store(cseq)
	d.onStatePointer = atomic.Pointer[DialogStateFn]{}
}

func (d *Dialog) OnState(f DialogStateFn) {
	for current := d.onStatePointer.Load(); current != nil; current = d.onStatePointer.Load() {
		cb := *current
		newCb := func(s sip.DialogState) {
			f(s)
			cb(s)
		}
		newCBState := DialogStateFn(newCb)
		if d.onStatePointer.CompareAndSwap(current, &newCBState) {
			return
		}
	}
	d.onStatePointer.Store(&f)
}

func (d *Dialog) InitWithState(s sip.DialogState) {
	d.Init()
	d.state.Store(int32(s))
	// A session rehydrated directly into DialogStateConfirmed (rather than
	// reaching it via the normal 2xx/ACK flow) represents a dialog whose
	// initial transaction already fully completed, ACK included.
	if s == sip.DialogStateConfirmed {
		d.markAck()
	}
}

func (d *Dialog) setState(s sip.DialogState) {
	old := d.state.Swap(int32(s))
	if old == int32(s) {
		// Safety
		return
	}

	if s == sip.DialogStateEnded {
		d.cancel()
	}

	if f := d.onStatePointer.Load(); f != nil {
		cb := *f
		cb(s)
	}
}

func (d *Dialog) LoadState() sip.DialogState {
	return sip.DialogState(d.state.Load())
}

func (d *Dialog) StateRead() <-chan sip.DialogState {
	ch := make(chan sip.DialogState, 5)
	d.OnState(func(s sip.DialogState) {
		select {
		case ch <- s:
		default:
		}
	})

	return ch
}

// markAck records that the ACK for the initial INVITE's 2xx has been
// sent or received.
func (d *Dialog) markAck() {
	d.ackDone.Store(true)
}

// ackSent reports whether the ACK for the initial INVITE's 2xx has been
// sent (UAC) or received (UAS) yet.
func (d *Dialog) ackSent() bool {
	return d.ackDone.Load()
}

func (d *Dialog) CSEQ() uint32 {
	return d.lastCSeqNo.Load()
}

func (d *Dialog) setCSeq(n uint32) {
	d.lastCSeqNo.Store(n)
}

// SetCSEQ fixes the dialog's last-seen CSeq number, for sessions
// rehydrated from an already-completed initial transaction.
func (d *Dialog) SetCSEQ(n uint32) {
	d.setCSeq(n)
}

// RemoteCSEQ returns the peer's last seen sequence number.
func (d *Dialog) RemoteCSEQ() uint32 {
	return d.remoteCSeqNo.Load()
}

func (d *Dialog) setRemoteCSeq(n uint32) {
	d.remoteCSeqNo.Store(n)
}

// endWithCause terminates the dialog recording why.
func (d *Dialog) endWithCause(err error) {
	d.errCauseMu.Lock()
	if d.errCause == nil {
		d.errCause = err
	}
	d.errCauseMu.Unlock()
	d.setState(sip.DialogStateEnded)
}

// err reports why the dialog ended early, nil for a normal teardown.
func (d *Dialog) err() error {
	d.errCauseMu.Lock()
	defer d.errCauseMu.Unlock()
	return d.errCause
}

func (d *Dialog) Context() context.Context {
	return d.ctx
}

func (d *Dialog) Store(key string, value any) {
	d.values.Store(key, value)
}

func (d *Dialog) Load(key string) (any, bool) {
	return d.values.Load(key)
}

func (d *Dialog) Delete(key string) {
	d.values.Delete(key)
}

// RemoteTarget returns the peer URI learned from its last Contact header.
func (d *Dialog) RemoteTarget() sip.Uri {
	if u := d.remoteTarget.Load(); u != nil {
		return *u
	}
	return sip.Uri{}
}

// refreshTarget applies RFC 3261 12.2.1.2/12.2.2 target refresh: any
// request or response carrying a Contact updates the remote target used
// for subsequent in-dialog requests.
func (d *Dialog) refreshTarget(msg sip.Message) {
	cont := msg.GetHeader("Contact")
	if cont == nil {
		return
	}
	c, ok := cont.(*sip.ContactHeader)
	if !ok {
		return
	}
	uri := c.Address
	d.remoteTarget.Store(&uri)
}

// armSubscriptionExpiry ends a subscription-created dialog when its
// Expires runs out (default 3600s). No-op for non-SUBSCRIBE dialogs.
// The timer is armed once, when the session is built; a later refresh
// does not move it.
func (d *Dialog) armSubscriptionExpiry(req *sip.Request) {
	if req.Method != sip.SUBSCRIBE {
		return
	}

	expires := 3600 * time.Second
	if h := req.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(h.Value()); err == nil {
			expires = time.Duration(n) * time.Second
		}
	}

	timer := time.AfterFunc(expires, func() {
		d.endWithCause(ErrDialogExpired)
	})
	d.OnState(func(s sip.DialogState) {
		if s == sip.DialogStateEnded {
			timer.Stop()
		}
	})
}

// newCancelRequest builds the CANCEL matching a pending INVITE.
func newCancelRequest(inviteRequest *sip.Request) *sip.Request {
	return sip.NewCancelRequest(inviteRequest)
}

// newAckRequestUAC builds the UAC ACK for an INVITE response.
func newAckRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	return sip.NewAckRequest(inviteRequest, inviteResponse, body)
}

// newByeRequestUAC builds a BYE for a dialog established by the given
// INVITE and its 2xx, without any session state: recipient from the
// response Contact, tags from the INVITE/response pair, CSeq bumped.
func newByeRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	recipient := &inviteRequest.Recipient
	if cont := inviteResponse.Contact(); cont != nil {
		recipient = &cont.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = inviteRequest.SipVersion

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	if h := inviteRequest.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResponse.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.CSeq(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	cseq := bye.CSeq()
	cseq.SeqNo = cseq.SeqNo + 1
	cseq.MethodName = sip.BYE

	bye.SetBody(body)
	bye.SetTransport(inviteRequest.Transport())
	bye.SetSource(inviteRequest.Source())
	return bye
}

// recordRouteURIs flattens every Record-Route header on msg, including
// comma-joined values within a single header line, into ordered URIs.
func recordRouteURIs(msg sip.Message) []sip.Uri {
	var uris []sip.Uri
	for _, h := range msg.GetHeaders("Record-Route") {
		for hop := h.(*sip.RecordRouteHeader); hop != nil; hop = hop.Next {
			uris = append(uris, hop.Address)
		}
	}
	return uris
}

func reverseURIs(uris []sip.Uri) []sip.Uri {
	rev := make([]sip.Uri, len(uris))
	for i, u := range uris {
		rev[len(uris)-1-i] = u
	}
	return rev
}
