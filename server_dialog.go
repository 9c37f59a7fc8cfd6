package sipcore

import (
	"github.com/sipcore/sipcore/sip"
)

// ServerDialog extends Server with passive dialog observation: every
// dialog-changing message is published to the registered observer
// without taking over request handling.
type ServerDialog struct {
	Server

	onDialog func(d sip.Dialog)
}

func NewServerDialog(ua *UserAgent, options ...ServerOption) (*ServerDialog, error) {
	base, err := newBaseServer(ua, options...)
	if err != nil {
		return nil, err
	}

	s := &ServerDialog{
		Server: *base,
	}
	s.tx.OnRequest(s.onRequestDialog)
	return s, nil
}

func (s *ServerDialog) onRequestDialog(r *sip.Request, tx *sip.ServerTx) {
	go s.handleRequestDialog(r, tx)
}

func (s *ServerDialog) handleRequestDialog(r *sip.Request, tx sip.ServerTransaction) {
	switch r.Method {
	case sip.ACK:
		s.publish(r, sip.Dialog{
			State: sip.DialogStateConfirmed,
		})
	case sip.BYE:
		s.publish(r, sip.Dialog{
			State: sip.DialogStateEnded,
		})
	}

	// wrapping the transaction lets responses be observed on their way out
	wrapped := &dialogServerTx{tx, s}
	s.Server.handleRequest(r, wrapped)
}

func (s *ServerDialog) publish(r sip.Message, d sip.Dialog) {
	id, err := sip.MakeDialogIDFromMessage(r)
	if err != nil {
		s.log.Error().Err(err).Str("msg", sip.MessageShortString(r)).Msg("Failed to create dialog id")
		return
	}

	d.ID = id
	s.onDialog(d)
}

// OnDialog registers the observer for dialog transitions.
func (s *ServerDialog) OnDialog(f func(d sip.Dialog)) {
	s.onDialog = f
}

// OnDialogChan is OnDialog delivering through a channel.
func (s *ServerDialog) OnDialogChan(ch chan sip.Dialog) {
	s.onDialog = func(d sip.Dialog) {
		ch <- d
	}
}

// dialogServerTx watches responses leaving a wrapped transaction.
type dialogServerTx struct {
	sip.ServerTransaction
	s *ServerDialog
}

func (tx *dialogServerTx) Respond(r *sip.Response) error {
	if r.IsSuccess() {
		tx.s.publish(r, sip.Dialog{
			State: sip.DialogStateConfirmed,
		})
	}
	return tx.ServerTransaction.Respond(r)
}
