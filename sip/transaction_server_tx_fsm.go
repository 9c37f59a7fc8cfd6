package sip

import (
	"time"
)

// INVITE server machine, RFC 3261 17.2.1, with the RFC 6026 Accepted
// state for 2xx handling.

func (tx *ServerTx) inviteStateProcceeding(s fsmInput) fsmInput {
	var act fsmState
	switch s {
	case server_input_request:
		tx.fsmState, act = tx.inviteStateProcceeding, tx.actRespond
	case server_input_cancel:
		tx.fsmState, act = tx.inviteStateProcceeding, tx.actCancel
	case server_input_user_1xx:
		tx.fsmState, act = tx.inviteStateProcceeding, tx.actRespond
	case server_input_user_2xx:
		// RFC 6026 7.1: 2xx leaves retransmission to the TU
		tx.fsmState, act = tx.inviteStateAccepted, tx.actRespondAccept
	case server_input_user_300_plus:
		tx.fsmState, act = tx.inviteStateCompleted, tx.actRespondComplete
	case server_input_transport_err:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return act()
}

func (tx *ServerTx) inviteStateCompleted(s fsmInput) fsmInput {
	var act fsmState
	switch s {
	case server_input_request:
		// retransmitted INVITE re-triggers the stored final
		tx.fsmState, act = tx.inviteStateCompleted, tx.actRespond
	case server_input_ack:
		tx.fsmState, act = tx.inviteStateConfirmed, tx.actConfirm
	case server_input_timer_g:
		tx.fsmState, act = tx.inviteStateCompleted, tx.actRespondComplete
	case server_input_timer_h:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actNoAck
	case server_input_transport_err:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return act()
}

func (tx *ServerTx) inviteStateConfirmed(s fsmInput) fsmInput {
	var act fsmState
	switch s {
	case server_input_timer_i:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return act()
}

func (tx *ServerTx) inviteStateAccepted(s fsmInput) fsmInput {
	var act fsmState
	switch s {
	case server_input_ack:
		tx.fsmState, act = tx.inviteStateAccepted, tx.actPassupAck
	case server_input_user_2xx:
		// a 2xx retransmission handed down by the TU goes straight to
		// the transport
		tx.fsmState, act = tx.inviteStateAccepted, tx.actRespond
	case server_input_timer_l:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return act()
}

func (tx *ServerTx) inviteStateTerminated(s fsmInput) fsmInput {
	var act fsmState
	switch s {
	case server_input_delete:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return act()
}

// non-INVITE server machine, RFC 3261 17.2.2. No automatic 100 Trying
// here.

func (tx *ServerTx) stateTrying(s fsmInput) fsmInput {
	var act fsmState
	switch s {
	case server_input_user_1xx:
		tx.fsmState, act = tx.stateProceeding, tx.actRespond
	case server_input_user_2xx:
		tx.fsmState, act = tx.stateCompleted, tx.actFinal
	case server_input_user_300_plus:
		tx.fsmState, act = tx.stateCompleted, tx.actFinal
	case server_input_transport_err:
		tx.fsmState, act = tx.stateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return act()
}

func (tx *ServerTx) stateProceeding(s fsmInput) fsmInput {
	var act fsmState
	switch s {
	case server_input_request:
		tx.fsmState, act = tx.stateProceeding, tx.actRespond
	case server_input_user_1xx:
		tx.fsmState, act = tx.stateProceeding, tx.actRespond
	case server_input_user_2xx:
		tx.fsmState, act = tx.stateCompleted, tx.actFinal
	case server_input_user_300_plus:
		tx.fsmState, act = tx.stateCompleted, tx.actFinal
	case server_input_transport_err:
		tx.fsmState, act = tx.stateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return act()
}

func (tx *ServerTx) stateCompleted(s fsmInput) fsmInput {
	var act fsmState
	switch s {
	case server_input_request:
		// retransmitted request re-triggers the stored final
		tx.fsmState, act = tx.stateCompleted, tx.actRespond
	case server_input_timer_j:
		tx.fsmState, act = tx.stateTerminated, tx.actDelete
	case server_input_transport_err:
		tx.fsmState, act = tx.stateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return act()
}

func (tx *ServerTx) stateTerminated(s fsmInput) fsmInput {
	var act fsmState
	switch s {
	case server_input_delete:
		tx.fsmState, act = tx.stateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return act()
}

// actions

func (tx *ServerTx) actRespond() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}
	return FsmInputNone
}

func (tx *ServerTx) actRespondComplete() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	if !tx.reliable {
		// timer G re-sends the final, doubling up to T2
		tx.mu.Lock()
		if tx.timer_g == nil {
			tx.timer_g = time.AfterFunc(tx.timer_g_time, func() {
				tx.spinFsm(server_input_timer_g)
			})
		} else {
			tx.timer_g_time *= 2
			if tx.timer_g_time > T2 {
				tx.timer_g_time = T2
			}
			tx.timer_g.Reset(tx.timer_g_time)
		}
		tx.mu.Unlock()
	}

	tx.mu.Lock()
	if tx.timer_h == nil {
		tx.timer_h = time.AfterFunc(Timer_H, func() {
			tx.spinFsmWithError(server_input_timer_h,
				wrapTimeoutError(ErrTransactionTimeout))
		})
	}
	tx.mu.Unlock()
	return FsmInputNone
}

func (tx *ServerTx) actRespondAccept() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	tx.mu.Lock()
	tx.timer_l = time.AfterFunc(Timer_L, func() {
		tx.spinFsm(server_input_timer_l)
	})
	tx.mu.Unlock()
	return FsmInputNone
}

func (tx *ServerTx) actPassupAck() fsmInput {
	tx.passAck()
	return FsmInputNone
}

func (tx *ServerTx) actFinal() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	// RFC 3261 17.2.2: timer J is 64*T1 on unreliable transports, zero
	// otherwise
	tx.mu.Lock()
	tx.timer_j = time.AfterFunc(tx.timer_j_time, func() {
		tx.spinFsm(server_input_timer_j)
	})
	tx.mu.Unlock()
	return FsmInputNone
}

func (tx *ServerTx) actTransErr() fsmInput {
	tx.log.Debug("Transport error. Transaction will terminate", "fsmError", tx.fsmErr, "tx", tx.Key())
	return server_input_delete
}

// actNoAck terminates after timer H: the final response was never ACKed.
func (tx *ServerTx) actNoAck() fsmInput {
	tx.log.Debug("No ACK received before Timer_H. Transaction will terminate", "tx", tx.Key())
	return server_input_delete
}

func (tx *ServerTx) actDelete() fsmInput {
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTransactionTerminated
	}
	tx.delete(tx.fsmErr)
	return FsmInputNone
}

func (tx *ServerTx) actConfirm() fsmInput {
	tx.mu.Lock()
	if tx.timer_g != nil {
		tx.timer_g.Stop()
		tx.timer_g = nil
	}
	if tx.timer_h != nil {
		tx.timer_h.Stop()
		tx.timer_h = nil
	}
	// timer I is zero on reliable transports and fires immediately
	tx.timer_i = time.AfterFunc(tx.timer_i_time, func() {
		tx.spinFsm(server_input_timer_i)
	})
	tx.mu.Unlock()

	tx.passAck()
	return FsmInputNone
}

// actCancel turns a CANCEL into a 487 on the original INVITE,
// RFC 3261 9.2. The CANCEL's own 200 is written by the transaction layer.
func (tx *ServerTx) actCancel() fsmInput {
	r := tx.fsmCancel
	if r == nil {
		return FsmInputNone
	}

	tx.log.Debug("Passing 487 on CANCEL", "tx", tx.Key())
	tx.fsmResp = NewResponseFromRequest(tx.origin, StatusRequestTerminated, "Request Terminated", nil)
	tx.fsmErr = ErrTransactionCanceled

	tx.mu.Lock()
	onCancel := tx.onCancel
	tx.mu.Unlock()
	if onCancel != nil {
		onCancel(r)
	}

	return server_input_user_300_plus
}

func (tx *ServerTx) passAck() {
	r := tx.fsmAck
	if r == nil {
		return
	}
	tx.ackSendAsync(r)
}

func (tx *ServerTx) passResp() error {
	lastResp := tx.fsmResp
	if lastResp == nil {
		// requests can retransmit before any response is placed
		return nil
	}

	if err := tx.conn.WriteMsg(lastResp); err != nil {
		tx.log.Debug("fail to pass response", "error", err, "res", lastResp.StartLine(), "tx", tx.Key())
		tx.fsmErr = wrapTransportError(err)
		return err
	}
	return nil
}
