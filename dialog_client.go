package sipcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sipcore/sipcore/sip"
	"github.com/icholy/digest"
)

// DialogClient tracks UAC dialogs in a registry keyed by the canonical
// dialog id, on top of a DialogUA. Use one instance per transport when
// several are served.
type DialogClient struct {
	ua      DialogUA
	dialogs sync.Map // id -> *DialogClientSession
}

// NewDialogClientCache provides a handle for managing UAC dialogs.
// The Contact header is attached to every INVITE it sends.
func NewDialogClientCache(client *Client, contactHDR sip.ContactHeader) *DialogClient {
	return &DialogClient{
		ua: DialogUA{
			Client:     client,
			ContactHDR: contactHDR,
		},
	}
}

// NewDialogClient is kept for callers predating the cache naming.
func NewDialogClient(client *Client, contactHDR sip.ContactHeader) *DialogClient {
	return NewDialogClientCache(client, contactHDR)
}

func (dc *DialogClient) dialogsLen() int {
	count := 0
	dc.dialogs.Range(func(key, value any) bool {
		count++
		return true
	})
	return count
}

func (dc *DialogClient) loadDialog(id string) *DialogClientSession {
	val, ok := dc.dialogs.Load(id)
	if !ok || val == nil {
		return nil
	}
	return val.(*DialogClientSession)
}

// Invite sends an INVITE and returns the early dialog session. Call
// WaitAnswer to drive it to confirmation. For a prebuilt INVITE use
// WriteInvite.
func (dc *DialogClient) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...sip.Header) (*DialogClientSession, error) {
	req := sip.NewRequest(sip.INVITE, recipient)
	if body != nil {
		req.SetBody(body)
	}
	for _, h := range headers {
		req.AppendHeader(h)
	}
	return dc.WriteInvite(ctx, req)
}

func (dc *DialogClient) WriteInvite(ctx context.Context, inviteRequest *sip.Request) (*DialogClientSession, error) {
	dtx, err := dc.ua.WriteInvite(ctx, inviteRequest)
	if err != nil {
		return nil, err
	}
	// registered in the registry once a dialog id exists
	dtx.dc = dc
	return dtx, nil
}

// ReadBye handles an inbound BYE against a tracked dialog.
func (dc *DialogClient) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	callid := req.CallID()
	from := req.From()
	to := req.To()

	// the peer's BYE carries our tag in To and theirs in From
	id := sip.MakeDialogID(callid.Value(), to.Params.GetOr("tag", ""), from.Params.GetOr("tag", ""))

	dt := dc.loadDialog(id)
	if dt == nil {
		return fmt.Errorf("callid=%q: %w", callid.Value(), ErrDialogDoesNotExists)
	}

	dt.setState(sip.DialogStateEnded)

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}
	defer dt.Close()
	defer dt.inviteTx.Terminate()
	return nil
}

// DialogClientSession is one UAC dialog: the INVITE transaction plus the
// dialog state built from its responses.
type DialogClientSession struct {
	Dialog
	UA       *DialogUA
	dc       *DialogClient // nil unless tracked by a DialogClient registry
	inviteTx sip.ClientTransaction
}

// registerDialog publishes the session under id when a registry exists.
func (s *DialogClientSession) registerDialog(id string) {
	if s.dc != nil {
		s.dc.dialogs.Store(id, s)
	}
}

func (s *DialogClientSession) unregisterDialog(id string) {
	if s.dc != nil {
		s.dc.dialogs.Delete(id)
	}
}

// Close cleans up registry state. It sends no BYE or CANCEL and does not
// change dialog state.
func (s *DialogClientSession) Close() error {
	s.unregisterDialog(s.ID)
	return nil
}

type AnswerOptions struct {
	// OnResponse observes every response while waiting; a non-nil error
	// aborts the wait.
	OnResponse func(res *sip.Response) error

	// Digest authentication. Credentialer is required to enable the
	// automatic 401/407 retry: the core parses challenges but never
	// computes a credential response itself.
	Username     string
	Password     string
	Credentialer DigestCredentialer
}

// WaitAnswer blocks until the INVITE gets its final response. Non-2xx
// returns ErrDialogResponse. Canceling ctx sends CANCEL — held back, per
// RFC 3261 9.1, until a provisional response arrives or 200ms pass,
// whichever is first.
func (s *DialogClientSession) WaitAnswer(ctx context.Context, opts AnswerOptions) error {
	client, tx, inviteRequest := s.UA.Client, s.inviteTx, s.InviteRequest

	var r *sip.Response
	var err error
	gotProvisional := false
	for {
		select {
		case r = <-tx.Responses():
			// fallthrough below

		case <-ctx.Done():
			defer tx.Terminate()
			if err := s.cancelInvite(tx, gotProvisional); err != nil {
				return errors.Join(err, ctx.Err())
			}
			return ctx.Err()

		case <-tx.Done():
			// tx.Err() can be empty
			return errors.Join(fmt.Errorf("transaction terminated"), tx.Err())
		}

		if opts.OnResponse != nil {
			if err := opts.OnResponse(r); err != nil {
				return err
			}
		}

		if r.IsSuccess() {
			break
		}

		if r.IsProvisional() {
			gotProvisional = true
			// A provisional carrying a To tag creates an early dialog
			// (RFC 3261 13.2.1); tagless 100 Trying does not.
			if id, err := sip.MakeDialogIDFromResponse(r); err == nil {
				s.adoptEarlyResponse(id, r)
			}
			continue
		}

		if r.StatusCode == sip.StatusProxyAuthRequired && opts.Password != "" && opts.Credentialer != nil {
			if h := inviteRequest.GetHeader("Proxy-Authorization"); h == nil {
				tx.Terminate()
				tx, err = digestProxyAuthRequest(ctx, client, inviteRequest, r, opts.Credentialer, digest.Options{
					Method:   sip.INVITE.String(),
					URI:      inviteRequest.Recipient.Addr(),
					Username: opts.Username,
					Password: opts.Password,
				})
				if err != nil {
					return err
				}
				continue
			}
		}

		if r.StatusCode == sip.StatusUnauthorized && opts.Password != "" && opts.Credentialer != nil {
			if h := inviteRequest.GetHeader("Authorization"); h == nil {
				tx.Terminate()
				tx, err = digestTransactionRequest(ctx, client, inviteRequest, r, opts.Credentialer, digest.Options{
					Method:   sip.INVITE.String(),
					URI:      inviteRequest.Recipient.Addr(),
					Username: opts.Username,
					Password: opts.Password,
				})
				if err != nil {
					return err
				}
				continue
			}
		}

		return &ErrDialogResponse{Res: r}
	}

	id, err := sip.MakeDialogIDFromResponse(r)
	if err != nil {
		return err
	}
	if s.ID != "" && s.ID != id {
		// The early dialog was keyed off a different branch (forking);
		// drop that registration and adopt the branch that won.
		s.unregisterDialog(s.ID)
		s.RouteSet = nil
	}
	if s.RouteSet == nil {
		s.RouteSet = reverseURIs(recordRouteURIs(r))
	}
	s.refreshTarget(r)
	s.inviteTx = tx
	s.InviteResponse = r
	s.ID = id
	s.setState(sip.DialogStateConfirmed)
	s.registerDialog(id)
	s.armSubscriptionExpiry(s.InviteRequest)

	// RFC 6026: the 2xx keeps retransmitting until our ACK lands; every
	// retransmission re-triggers the same ACK.
	tx.OnRetransmission(func(res *sip.Response) {
		if !s.ackSent() {
			return
		}
		ack := sip.NewAckRequest(s.InviteRequest, s.InviteResponse, nil)
		s.applyRouteSet(ack)
		if err := s.UA.Client.WriteRequest(ack); err != nil {
			s.UA.Client.log.Error("Failed to resend ACK on 2xx retransmission", "error", err)
		}
	})
	return nil
}

// cancelInvite issues the CANCEL for a pending INVITE. RFC 3261 9.1
// forbids CANCEL before any provisional response; when none has arrived
// yet, the send is delayed until one does or a short grace period runs
// out.
func (s *DialogClientSession) cancelInvite(tx sip.ClientTransaction, gotProvisional bool) error {
	if !gotProvisional {
		select {
		case r, ok := <-tx.Responses():
			if ok && r.IsSuccess() {
				// answered while canceling; the dialog must be torn down
				// with BYE instead, which is the caller's move
				return fmt.Errorf("INVITE answered while canceling")
			}
		case <-time.After(200 * time.Millisecond):
		case <-tx.Done():
			return nil
		}
	}

	cancel := sip.NewCancelRequest(s.InviteRequest)
	if err := s.UA.Client.WriteRequest(cancel); err != nil {
		return err
	}

	// The canceled INVITE still finishes with its own final response,
	// normally 487; keep it so the caller can observe the outcome.
	waitFinal := time.NewTimer(sip.Timer_F)
	defer waitFinal.Stop()
	for {
		select {
		case r, ok := <-tx.Responses():
			if !ok {
				return nil
			}
			if r.IsProvisional() {
				continue
			}
			s.InviteResponse = r
			return nil
		case <-tx.Done():
			return nil
		case <-waitFinal.C:
			return nil
		}
	}
}

// adoptEarlyResponse registers the dialog as early the first time a
// provisional response with a To tag arrives, fixing its route set from
// that response. A later provisional with a different tag (forking) is
// ignored: the first early branch holds the slot until the final
// response settles which branch won.
func (s *DialogClientSession) adoptEarlyResponse(id string, r *sip.Response) {
	if s.ID != "" {
		return
	}
	s.InviteResponse = r
	s.ID = id
	s.RouteSet = reverseURIs(recordRouteURIs(r))
	s.refreshTarget(r)
	s.setState(sip.DialogStateEarly)
	s.registerDialog(id)
}

// applyRouteSet places the dialog's route set on an in-dialog request,
// RFC 3261 12.2.1.1. With a loose-routing first hop the Request-URI
// stays the remote target; a strict-routing first hop becomes the
// Request-URI itself. Requests already carrying Route are left alone.
func (s *DialogClientSession) applyRouteSet(req *sip.Request) {
	if req.Route() != nil {
		return
	}

	routes := s.RouteSet
	if routes == nil && s.InviteResponse != nil {
		// sessions rehydrated without state derive it from the response
		routes = reverseURIs(recordRouteURIs(s.InviteResponse))
	}
	if len(routes) == 0 {
		return
	}

	for _, uri := range routes {
		route := uri
		req.AppendHeader(&sip.RouteHeader{Address: route})
	}
	if !routes[0].UriParams.Has("lr") {
		req.Recipient = *routes[0].Clone()
	}
}

// TransactionRequest sends an in-dialog client request per RFC 3261
// 12.2.1: route set applied, CSeq bumped past the dialog's last number
// (except for ACK and CANCEL, which reuse it).
func (s *DialogClientSession) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	// the dialog identity rides on every request
	if req.From() == nil {
		if from := s.InviteRequest.From(); from != nil {
			req.AppendHeader(sip.HeaderClone(from))
		}
	}
	if req.To() == nil {
		if s.InviteResponse != nil {
			if to := s.InviteResponse.To(); to != nil {
				req.AppendHeader(sip.HeaderClone(to))
			}
		} else if to := s.InviteRequest.To(); to != nil {
			req.AppendHeader(sip.HeaderClone(to))
		}
	}
	if req.CallID() == nil {
		if callid := s.InviteRequest.CallID(); callid != nil {
			req.AppendHeader(sip.HeaderClone(callid))
		}
	}

	cseq := req.CSeq()
	if cseq == nil {
		cseq = &sip.CSeqHeader{
			SeqNo:      s.InviteRequest.CSeq().SeqNo,
			MethodName: req.Method,
		}
		req.AppendHeader(cseq)
	}

	cseq.SeqNo = s.CSEQ()
	if !req.IsAck() && !req.IsCancel() {
		cseq.SeqNo = s.CSEQ() + 1
	}

	s.applyRouteSet(req)
	s.setCSeq(cseq.SeqNo)
	// option avoids a second CSeq rewrite
	return s.UA.Client.TransactionRequest(ctx, req, ClientRequestBuild)
}

// Do runs an in-dialog request to its final response.
func (s *DialogClientSession) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := s.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			return nil, tx.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *DialogClientSession) WriteRequest(req *sip.Request) error {
	return s.UA.Client.WriteRequest(req)
}

// Ack confirms the 2xx. Use WriteAck to customize the request.
func (s *DialogClientSession) Ack(ctx context.Context) error {
	ack := sip.NewAckRequest(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteAck(ctx, ack)
}

func (s *DialogClientSession) WriteAck(ctx context.Context, ack *sip.Request) error {
	s.applyRouteSet(ack)
	if err := s.UA.Client.WriteRequest(ack); err != nil {
		return err
	}
	s.markAck()
	return nil
}

// Bye tears the dialog down. Use WriteBye to customize the request.
func (s *DialogClientSession) Bye(ctx context.Context) error {
	bye := s.newByeRequestUAC(nil)
	return s.WriteBye(ctx, bye)
}

func (s *DialogClientSession) WriteBye(ctx context.Context, bye *sip.Request) error {
	defer s.Close()

	state := s.LoadState()
	if state == sip.DialogStateEnded {
		return nil
	}

	// RFC 3261 15: a BYE only belongs on a confirmed, ACKed dialog.
	if state != sip.DialogStateConfirmed {
		return fmt.Errorf("Dialog not confirmed. ACK not send?")
	}
	if !s.ackSent() {
		return fmt.Errorf("Dialog not confirmed. ACK not send?")
	}

	// the fixed route set rides on every in-dialog request
	s.applyRouteSet(bye)

	tx, err := s.UA.Client.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
	defer s.inviteTx.Terminate() // terminates INVITE in all cases
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res.StatusCode != sip.StatusOK {
			return ErrDialogResponse{res}
		}
		s.setState(sip.DialogStateEnded)
		return nil
	case <-tx.Done():
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newByeRequestUAC builds the in-dialog BYE, RFC 3261 15.1.1. The Via is
// left for the transport layer to place.
func (s *DialogClientSession) newByeRequestUAC(body []byte) *sip.Request {
	inviteRequest := s.InviteRequest
	inviteResponse := s.InviteResponse

	// The BYE goes to the last known remote target, not necessarily the
	// original Contact (target refresh, RFC 3261 12.2.1.1).
	recipient := &inviteRequest.Recipient
	if target := s.RemoteTarget(); target.Host != "" {
		recipient = &target
	} else if cont := inviteResponse.Contact(); cont != nil {
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
