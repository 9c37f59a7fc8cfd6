package sipcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipcore/sipcore/sip"
	"github.com/icholy/digest"
)

// DialogServer tracks UAS dialogs in a registry keyed by the canonical
// dialog id, on top of a DialogUA. Use one instance per transport when
// several are served.
type DialogServer struct {
	ua      DialogUA
	dialogs sync.Map // id -> *DialogServerSession
}

// NewDialogServerCache provides a handle for managing UAS dialogs. The
// Contact header is the default attached to responses; the client is
// needed for in-dialog requests and teardown.
func NewDialogServerCache(client *Client, contactHDR sip.ContactHeader) *DialogServer {
	return &DialogServer{
		ua: DialogUA{
			Client:     client,
			ContactHDR: contactHDR,
		},
	}
}

// NewDialogServer is kept for callers predating the cache naming.
func NewDialogServer(client *Client, contactHDR sip.ContactHeader) *DialogServer {
	return NewDialogServerCache(client, contactHDR)
}

func (s *DialogServer) loadDialog(id string) *DialogServerSession {
	val, ok := s.dialogs.Load(id)
	if !ok || val == nil {
		return nil
	}
	return val.(*DialogServerSession)
}

func (s *DialogServer) matchDialogRequest(req *sip.Request) (*DialogServerSession, error) {
	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return nil, errors.Join(ErrDialogOutsideDialog, err)
	}

	dt := s.loadDialog(id)
	if dt == nil {
		return nil, ErrDialogDoesNotExists
	}
	return dt, nil
}

// ReadInvite creates the dialog session for an inbound INVITE; call it
// from the OnInvite handler and use the session for every response. Wire
// ReadAck and ReadBye as well for confirmation and teardown.
func (s *DialogServer) ReadInvite(req *sip.Request, tx sip.ServerTransaction) (*DialogServerSession, error) {
	dtx, err := s.ua.ReadInvite(req, tx)
	if err != nil {
		return nil, err
	}

	dtx.server = s
	s.dialogs.Store(dtx.ID, dtx)
	return dtx, nil
}

// ReadAck feeds an inbound ACK from the OnAck handler into its dialog.
// A stray 2xx ACK gets no response at all: ACK has no response path, so
// the error is the only signal to the caller.
func (s *DialogServer) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := s.matchDialogRequest(req)
	if err != nil {
		return err
	}
	return dt.ReadAck(req, tx)
}

// ReadBye feeds an inbound BYE from the OnBye handler into its dialog.
func (s *DialogServer) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := s.matchDialogRequest(req)
	if err != nil {
		// RFC 3261 15.1.2: a BYE matching no dialog answers 481
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		if respErr := tx.Respond(res); respErr != nil {
			return respErr
		}
		return err
	}
	return dt.ReadBye(req, tx)
}

// DialogServerSession is one UAS dialog: the INVITE server transaction
// plus the dialog state built around it.
type DialogServerSession struct {
	Dialog
	inviteTx sip.ServerTransaction
	ua       *DialogUA

	// server is set when the session is tracked by a DialogServer registry.
	server *DialogServer

	canceled atomic.Bool
}

func (s *DialogServerSession) unregisterDialog(id string) {
	if s.server != nil {
		s.server.dialogs.Delete(id)
	}
}

// authDigest challenges the dialog-establishing request with a 401
// carrying chal, unless an Authorization header is already present. It
// never validates or computes a digest response: verifying the supplied
// credential is left outside the core.
func (s *DialogServerSession) authDigest(chal *digest.Challenge, opts digest.Options) error {
	req := s.InviteRequest
	if h := req.GetHeader("Authorization"); h != nil {
		return nil
	}

	res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
	if err := s.inviteTx.Respond(res); err != nil {
		return err
	}
	return ErrDialogCanceled
}

// TransactionRequest sends an in-dialog client request per RFC 3261
// 12.2.1: the dialog's identity headers and route set are applied, and
// the CSeq bumps past the dialog's last number (except for ACK and
// CANCEL, which reuse it).
func (s *DialogServerSession) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	// the UAS speaks with the INVITE's To as its local identity
	if req.From() == nil {
		if to := s.InviteRequest.To(); to != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params.Clone(),
			})
		}
	}
	if req.To() == nil {
		if from := s.InviteRequest.From(); from != nil {
			req.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
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

	// the route set was fixed at dialog creation (RFC 3261 12.1.1)
	for _, uri := range s.RouteSet {
		req.AppendHeader(&sip.RouteHeader{Address: uri})
	}

	// normally the transport layer derives this, made explicit here
	if rr := req.Route(); rr != nil {
		req.SetDestination(rr.Address.Addr())
	}

	s.setCSeq(cseq.SeqNo)
	// option avoids a second CSeq rewrite
	return s.ua.Client.TransactionRequest(ctx, req, ClientRequestBuild)
}

func (s *DialogServerSession) WriteRequest(req *sip.Request) error {
	return s.ua.Client.WriteRequest(req)
}

// Close cleans up registry state; always call it.
func (s *DialogServerSession) Close() error {
	s.unregisterDialog(s.ID)
	return nil
}

// Respond answers the INVITE; call it repeatedly for provisionals and
// once with the final. Returns ErrDialogCanceled after a CANCEL.
func (s *DialogServerSession) Respond(statusCode sip.StatusCode, reason string, body []byte, headers ...sip.Header) error {
	// Record-Route copying happens inside NewResponseFromRequest
	res := sip.NewResponseFromRequest(s.InviteRequest, int(statusCode), reason, body)
	for _, h := range headers {
		res.AppendHeader(h)
	}
	return s.WriteResponse(res)
}

// RespondSDP answers 200 OK with an SDP body and the right headers.
func (s *DialogServerSession) RespondSDP(sdp []byte) error {
	if sdp == nil {
		return fmt.Errorf("sdp not provided")
	}
	res := sip.NewSDPResponseFromRequest(s.InviteRequest, sdp)
	return s.WriteResponse(res)
}

// WriteResponse sends a caller-built response through the INVITE
// transaction, moving the dialog state along with it.
func (s *DialogServerSession) WriteResponse(res *sip.Response) error {
	tx := s.inviteTx

	if res.Contact() == nil {
		res.AppendHeader(&s.ua.ContactHDR)
	}

	s.Dialog.InviteResponse = res

	// a CANCEL may have landed in the meantime; the transaction layer
	// already answered it with 200 and pushed 487 on the INVITE
	if s.canceled.Load() {
		return ErrDialogCanceled
	}
	select {
	case <-tx.Done():
		if err := tx.Err(); errors.Is(err, sip.ErrTransactionCanceled) {
			return ErrDialogCanceled
		}
		return tx.Err()
	default:
	}

	if !res.IsSuccess() {
		if res.IsProvisional() {
			// The dialog is registered since ReadInvite; a provisional
			// with a To tag moves it into the early state (RFC 3261
			// 13.2.1). 100 Trying has no tag and changes nothing.
			if _, err := sip.MakeDialogIDFromResponse(res); err == nil {
				s.setState(sip.DialogStateEarly)
			}
			return tx.Respond(res)
		}

		// a non-2xx final ends the dialog
		if err := tx.Respond(res); err != nil {
			return err
		}
		s.setState(sip.DialogStateEnded)
		return nil
	}

	id, err := sip.MakeDialogIDFromResponse(res)
	if err != nil {
		return err
	}
	if id != s.Dialog.ID {
		return fmt.Errorf("ID do not match. Invite request has changed headers?")
	}

	s.setState(sip.DialogStateConfirmed)
	if err := tx.Respond(res); err != nil {
		s.unregisterDialog(id)
		return err
	}

	// RFC 3261 13.3.1.4: the 2xx is retransmitted by this layer, not the
	// transaction FSM, starting at T1 and doubling up to T2, until the
	// ACK arrives or 64*T1 passes. Past the deadline the dialog is still
	// confirmed; tearing the session down is the caller's decision.
	interval := sip.T1
	deadline := time.Now().Add(64 * sip.T1)
	for !s.ackSent() {
		select {
		case <-time.After(interval):
		case <-s.Context().Done():
			return nil
		case <-tx.Done():
			return nil
		}
		if s.ackSent() || time.Now().After(deadline) {
			break
		}
		if err := tx.Respond(res); err != nil {
			return err
		}
		interval *= 2
		if interval > sip.T2 {
			interval = sip.T2
		}
	}
	return nil
}

// ReadAck feeds the ACK confirming this dialog's 2xx. A stray ACK is
// only reported back, never answered: ACK has no response path.
func (s *DialogServerSession) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	// the ACK must confirm the INVITE, not some other in-dialog request
	if cseq := req.CSeq(); cseq != nil && cseq.SeqNo != s.InviteRequest.CSeq().SeqNo {
		return ErrDialogInvalidCseq
	}
	s.markAck()
	return nil
}

// ReadBye processes the in-dialog BYE: the CSeq must not go backwards,
// then the BYE gets its 200 and the dialog ends.
func (s *DialogServerSession) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	// only a CSeq strictly below the remote counter is a violation; an
	// equal one (a retransmission) is processed normally
	if req.CSeq().SeqNo < s.RemoteCSEQ() {
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Internal Error", nil)
		if err := tx.Respond(res); err != nil {
			return err
		}
		return ErrDialogInvalidCseq
	}
	s.setRemoteCSeq(req.CSeq().SeqNo)

	defer s.Close()
	defer s.inviteTx.Terminate()

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}

	s.setState(sip.DialogStateEnded)
	return nil
}

// ReadRequest processes any other in-dialog request: a CSeq below the
// remote counter is rejected, and a Contact on a non-ACK/non-CANCEL
// request refreshes the remote target (RFC 3261 12.2.2).
func (s *DialogServerSession) ReadRequest(req *sip.Request, tx sip.ServerTransaction) error {
	if req.CSeq().SeqNo < s.RemoteCSEQ() {
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Internal Error", nil)
		if err := tx.Respond(res); err != nil {
			return err
		}
		return ErrDialogInvalidCseq
	}
	s.setRemoteCSeq(req.CSeq().SeqNo)

	if !req.IsAck() && !req.IsCancel() {
		s.refreshTarget(req)
	}
	return nil
}

// Bye tears the dialog down from the UAS side.
func (s *DialogServerSession) Bye(ctx context.Context) error {
	state := s.LoadState()
	if state == sip.DialogStateEnded {
		return nil
	}
	if state != sip.DialogStateConfirmed {
		return nil
	}

	req := s.Dialog.InviteRequest
	res := s.Dialog.InviteResponse

	if !res.IsSuccess() {
		return fmt.Errorf("can not send bye on NON success response")
	}

	defer s.inviteTx.Terminate() // terminates INVITE in all cases

	// RFC 3261 15: the callee must not send BYE on a confirmed dialog
	// until its 2xx has been ACKed or the server transaction timed out.
	for !s.ackSent() {
		select {
		case <-s.inviteTx.Done():
			// transaction timed out waiting, proceed
		case <-time.After(sip.T1):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
		break
	}

	bye := s.newByeRequestUAS(req, res)

	// confirm the request still computes our own dialog id
	callidHDR := bye.CallID()
	newFrom := bye.From()
	newTo := bye.To()
	byeID := sip.MakeDialogID(callidHDR.Value(), newFrom.Params.GetOr("tag", ""), newTo.Params.GetOr("tag", ""))
	if s.ID != byeID {
		return fmt.Errorf("non matching ID %q %q", s.ID, byeID)
	}

	tx, err := s.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
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

// newByeRequestUAS builds the UAS-side in-dialog BYE. The Via is left
// for the transport layer to place.
func (s *DialogServerSession) newByeRequestUAS(req *sip.Request, res *sip.Response) *sip.Request {
	recipient := s.RemoteTarget()
	if recipient.Host == "" {
		if cont := req.Contact(); cont != nil {
			recipient = cont.Address
		}
	}
	bye := sip.NewRequest(sip.BYE, recipient)

	// From and To swap relative to the INVITE: our tag lives in To of
	// the response, the peer's in From.
	from := res.From()
	to := res.To()
	callid := res.CallID()

	newFrom := &sip.FromHeader{
		DisplayName: to.DisplayName,
		Address:     to.Address,
		Params:      to.Params,
	}
	newTo := &sip.ToHeader{
		DisplayName: from.DisplayName,
		Address:     from.Address,
		Params:      from.Params,
	}

	bye.AppendHeader(newFrom)
	bye.AppendHeader(newTo)
	bye.AppendHeader(callid)
	return bye
}
