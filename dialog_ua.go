package sipcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/sipcore/sipcore/sip"
	"github.com/google/uuid"
)

// DialogUA is the per-endpoint dialog factory: it owns the client used
// for in-dialog requests (CANCEL, BYE) and the default Contact placed
// on everything it builds.
type DialogUA struct {
	// Client (required) sends subsequent requests within the dialog.
	Client *Client
	// ContactHDR (required) is the default Contact for requests and
	// responses; custom ones can ride on individual messages.
	ContactHDR sip.ContactHeader

	// RewriteContact targets the request source instead of the Contact.
	// For peers behind NAT.
	RewriteContact bool
}

type DialogSessionParams struct {
	// InviteReq is the INVITE that started the dialog.
	InviteReq *sip.Request
	// InviteResp is the response to that INVITE.
	InviteResp *sip.Response
	// State is the dialog state to rehydrate into.
	State sip.DialogState
	// CSeq seeds the dialog's local sequence counter.
	CSeq     uint32
	DialogID string
}

// NewServerSession rebuilds a DialogServerSession whose initial INVITE
// transaction already ran to completion elsewhere.
func (ua *DialogUA) NewServerSession(params DialogSessionParams) (*DialogServerSession, error) {
	if params.InviteReq == nil {
		return nil, errors.New("invite request is required")
	}

	session := &DialogServerSession{
		Dialog: Dialog{
			ID:             params.DialogID,
			InviteRequest:  params.InviteReq,
			InviteResponse: params.InviteResp,
		},
		inviteTx: &NoOpServerTransaction{},
		ua:       ua,
	}
	session.InitWithState(params.State)
	session.SetCSEQ(params.CSeq)

	return session, nil
}

// ReadInvite builds the UAS dialog session around an inbound INVITE and
// its server transaction.
func (ua *DialogUA) ReadInvite(inviteReq *sip.Request, tx sip.ServerTransaction) (*DialogServerSession, error) {
	// minimal validation first
	if inviteReq.Contact() == nil {
		return nil, ErrDialogInviteNoContact
	}
	if inviteReq.CSeq() == nil {
		return nil, fmt.Errorf("no CSEQ header present")
	}

	// A transaction that already failed (canceled, transport death)
	// cannot start a dialog.
	if err := tx.Err(); err != nil {
		return nil, err
	}

	// The To tag must be identical on every response, so it is fixed
	// before any is built. NewResponseFromRequest leaves 100s alone.
	tagUUID, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generating dialog to tag failed: %w", err)
	}
	inviteReq.To().Params.Add("tag", tagUUID.String())
	id, err := sip.UASReadRequestDialogID(inviteReq)
	if err != nil {
		return nil, err
	}

	session := &DialogServerSession{
		Dialog: Dialog{
			ID:            id, // carries the prebuilt tag
			InviteRequest: inviteReq,
		},
		inviteTx: tx,
		ua:       ua,
	}
	session.Init()
	// the peer's counter starts at the INVITE's CSeq
	session.setRemoteCSeq(inviteReq.CSeq().SeqNo)

	// UAS route set is the request's Record-Route set in request order
	// (RFC 3261 12.1.1); the remote target starts as the caller's Contact.
	session.RouteSet = recordRouteURIs(inviteReq)
	session.refreshTarget(inviteReq)
	session.armSubscriptionExpiry(inviteReq)

	if !tx.OnCancel(func(r *sip.Request) {
		session.canceled.Store(true)
		if session.LoadState() < sip.DialogStateConfirmed {
			// only possible between a provisional and the final response
			session.endWithCause(sip.ErrTransactionCanceled)
		}
	}) {
		if err := tx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("transaction terminated already")
	}

	if !tx.OnTerminate(func(key string, err error) {
		// calling tx FSM functions from here deadlocks
		if session.LoadState() < sip.DialogStateConfirmed {
			session.endWithCause(nil)
		}
	}) {
		if err := tx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("transaction terminated already")
	}

	return session, nil
}

// NewClientSession rebuilds a DialogClientSession whose initial INVITE
// transaction already ran to completion elsewhere.
func (ua *DialogUA) NewClientSession(params DialogSessionParams) (*DialogClientSession, error) {
	if params.InviteReq == nil {
		return nil, errors.New("invite request is required")
	}

	session := &DialogClientSession{
		Dialog: Dialog{
			ID:             params.DialogID,
			InviteRequest:  params.InviteReq,
			InviteResponse: params.InviteResp,
		},
		inviteTx: &NoOpClientTransaction{},
		UA:       ua,
	}
	session.InitWithState(params.State)
	session.SetCSEQ(params.CSeq)

	return session, nil
}

// Invite sends an INVITE toward recipient and returns the pending
// session; drive it with WaitAnswer.
func (ua *DialogUA) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...sip.Header) (*DialogClientSession, error) {
	req := sip.NewRequest(sip.INVITE, recipient)
	if body != nil {
		req.SetBody(body)
	}
	for _, h := range headers {
		req.AppendHeader(h)
	}
	return ua.WriteInvite(ctx, req)
}

// WriteInvite sends a caller-built INVITE, adding the default Contact
// when none is present.
func (ua *DialogUA) WriteInvite(ctx context.Context, inviteReq *sip.Request, options ...ClientRequestOption) (*DialogClientSession, error) {
	if inviteReq.Contact() == nil {
		inviteReq.AppendHeader(&ua.ContactHDR)
	}

	session := &DialogClientSession{
		Dialog: Dialog{
			InviteRequest: inviteReq,
		},
		UA: ua,
	}
	session.Dialog.Init()

	return session, session.Invite(ctx, options...)
}

// Invite fires (or refires) the session's INVITE transaction.
func (s *DialogClientSession) Invite(ctx context.Context, options ...ClientRequestOption) error {
	var err error
	s.inviteTx, err = s.UA.Client.TransactionRequest(ctx, s.InviteRequest, options...)
	if err == nil {
		s.lastCSeqNo.Store(s.InviteRequest.CSeq().SeqNo)
	}
	return err
}
