package sip

import (
	"time"
)

// INVITE client machine, RFC 3261 17.1.1.2, with the RFC 6026 Accepted
// state absorbing 2xx retransmissions.

func (tx *ClientTx) inviteStateCalling(s fsmInput) fsmInput {
	var act fsmState
	switch s {
	case client_input_1xx:
		tx.fsmState, act = tx.inviteStateProcceeding, tx.actInviteProceeding
	case client_input_2xx:
		tx.fsmState, act = tx.inviteStateAccepted, tx.actPassupAccept
	case client_input_300_plus:
		tx.fsmState, act = tx.inviteStateCompleted, tx.actInviteFinal
	case client_input_timer_a:
		tx.fsmState, act = tx.inviteStateCalling, tx.actInviteResend
	case client_input_timer_b:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actTimeout
	case client_input_transport_err:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return act()
}

func (tx *ClientTx) inviteStateProcceeding(s fsmInput) fsmInput {
	var act fsmState
	switch s {
	case client_input_1xx:
		tx.fsmState, act = tx.inviteStateProcceeding, tx.actPassup
	case client_input_2xx:
		tx.fsmState, act = tx.inviteStateAccepted, tx.actPassupAccept
	case client_input_300_plus:
		tx.fsmState, act = tx.inviteStateCompleted, tx.actInviteFinal
	case client_input_timer_b:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actTimeout
	case client_input_transport_err:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return act()
}

func (tx *ClientTx) inviteStateCompleted(s fsmInput) fsmInput {
	var act fsmState
	switch s {
	case client_input_300_plus:
		// a retransmitted final re-triggers the identical ACK
		tx.fsmState, act = tx.inviteStateCompleted, tx.actAckResend
	case client_input_transport_err:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actTransErr
	case client_input_timer_d:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return act()
}

func (tx *ClientTx) inviteStateAccepted(s fsmInput) fsmInput {
	// RFC 6026 7.2: 2xx in Calling/Proceeding moves to Accepted, passes
	// the response up, and arms Timer M; stray responses are not
	// forwarded and transport errors do not kill the transaction.
	var act fsmState
	switch s {
	case client_input_2xx:
		tx.log.Debug("retransimission 2xx detected", "tx", tx.Key())
		tx.fsmState, act = tx.inviteStateAccepted, tx.actPassupRetransmission
	case client_input_transport_err:
		tx.log.Warn("client transport error detected. Waiting for retransmission", "tx", tx.Key())
		tx.fsmState, act = tx.inviteStateAccepted, tx.actTranErrNoDelete
	case client_input_timer_m:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return act()
}

func (tx *ClientTx) inviteStateTerminated(s fsmInput) fsmInput {
	var act fsmState
	switch s {
	case client_input_delete:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return act()
}

// non-INVITE client machine, RFC 3261 17.1.2.2

func (tx *ClientTx) stateCalling(s fsmInput) fsmInput {
	var act fsmState
	switch s {
	case client_input_1xx:
		tx.fsmState, act = tx.stateProceeding, tx.actPassup
	case client_input_2xx:
		tx.fsmState, act = tx.stateCompleted, tx.actFinal
	case client_input_300_plus:
		tx.fsmState, act = tx.stateCompleted, tx.actFinal
	case client_input_timer_a:
		tx.fsmState, act = tx.stateCalling, tx.actResend
	case client_input_timer_b:
		tx.fsmState, act = tx.stateTerminated, tx.actTimeout
	case client_input_transport_err:
		tx.fsmState, act = tx.stateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return act()
}

func (tx *ClientTx) stateProceeding(s fsmInput) fsmInput {
	var act fsmState
	switch s {
	case client_input_1xx:
		tx.fsmState, act = tx.stateProceeding, tx.actPassup
	case client_input_2xx:
		tx.fsmState, act = tx.stateCompleted, tx.actFinal
	case client_input_300_plus:
		tx.fsmState, act = tx.stateCompleted, tx.actFinal
	case client_input_timer_a:
		tx.fsmState, act = tx.stateProceeding, tx.actResend
	case client_input_timer_b:
		tx.fsmState, act = tx.stateTerminated, tx.actTimeout
	case client_input_transport_err:
		tx.fsmState, act = tx.stateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return act()
}

func (tx *ClientTx) stateCompleted(s fsmInput) fsmInput {
	var act fsmState
	switch s {
	case client_input_delete:
		tx.fsmState, act = tx.stateTerminated, tx.actDelete
	case client_input_timer_d:
		tx.fsmState, act = tx.stateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return act()
}

func (tx *ClientTx) stateTerminated(s fsmInput) fsmInput {
	var act fsmState
	switch s {
	case client_input_delete:
		tx.fsmState, act = tx.stateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return act()
}

// actions

func (tx *ClientTx) actInviteResend() fsmInput {
	tx.mu.Lock()
	// timer A doubles without cap for INVITE
	tx.timer_a_time *= 2
	tx.timer_a.Reset(tx.timer_a_time)
	tx.mu.Unlock()

	tx.resend()
	return FsmInputNone
}

func (tx *ClientTx) actResend() fsmInput {
	tx.mu.Lock()
	tx.timer_a_time *= 2
	// non-INVITE retransmission interval caps at T2
	if tx.timer_a_time > T2 {
		tx.timer_a_time = T2
	}
	if tx.timer_a != nil {
		tx.timer_a.Reset(tx.timer_a_time)
	}
	tx.mu.Unlock()

	tx.resend()
	return FsmInputNone
}

func (tx *ClientTx) actInviteProceeding() fsmInput {
	tx.fsmPassUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	tx.mu.Unlock()
	return FsmInputNone
}

func (tx *ClientTx) actInviteFinal() fsmInput {
	tx.ack()
	tx.fsmPassUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	tx.timer_d = time.AfterFunc(tx.timer_d_time, func() {
		tx.spinFsm(client_input_timer_d)
	})
	tx.mu.Unlock()
	return FsmInputNone
}

func (tx *ClientTx) actFinal() fsmInput {
	tx.fsmPassUp()

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}

	// timer K: zero on reliable transports terminates right away
	if tx.timer_k_time > 0 {
		tx.timer_d = time.AfterFunc(tx.timer_k_time, func() {
			tx.spinFsm(client_input_timer_d)
		})
		return FsmInputNone
	}
	return client_input_delete
}

func (tx *ClientTx) actAckResend() fsmInput {
	if tx.fsmAck != nil {
		// ACK already sent once; delay the re-send so a broken peer
		// cannot drive a tight ACK loop
		tx.log.Error("ACK loop retransimission. Resending after T2", "tx", tx.Key())
		select {
		case <-tx.done:
			return FsmInputNone
		case <-time.After(T2):
		}
	}
	tx.ack()
	return FsmInputNone
}

func (tx *ClientTx) actTransErr() fsmInput {
	tx.stopTimerA()
	return client_input_delete
}

func (tx *ClientTx) actTranErrNoDelete() fsmInput {
	tx.actTransErr()
	return FsmInputNone
}

func (tx *ClientTx) actTimeout() fsmInput {
	tx.stopTimerA()
	return client_input_delete
}

func (tx *ClientTx) actPassup() fsmInput {
	tx.fsmPassUp()
	tx.stopTimerA()
	return FsmInputNone
}

func (tx *ClientTx) actPassupRetransmission() fsmInput {
	tx.passUpRetransmission()
	return FsmInputNone
}

func (tx *ClientTx) actPassupAccept() fsmInput {
	tx.fsmPassUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	tx.timer_m = time.AfterFunc(Timer_M, func() {
		tx.spinFsm(client_input_timer_m)
	})
	tx.mu.Unlock()
	return FsmInputNone
}

func (tx *ClientTx) actDelete() fsmInput {
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTransactionTerminated
	}
	tx.delete(tx.fsmErr)
	return FsmInputNone
}

func (tx *ClientTx) stopTimerA() {
	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	tx.mu.Unlock()
}

func (tx *ClientTx) fsmPassUp() {
	lastResp := tx.fsmResp
	if lastResp == nil {
		return
	}
	select {
	case <-tx.done:
	case tx.responses <- lastResp:
	}
}

// passUpRetransmission hands a 2xx retransmission to the registered
// hook only, RFC 6026; without a hook it is dropped rather than block.
func (tx *ClientTx) passUpRetransmission() {
	lastResp := tx.fsmResp
	if lastResp == nil {
		return
	}

	tx.mu.Lock()
	onResp := tx.onRetransmission
	tx.mu.Unlock()

	if onResp != nil {
		// the hook may spin the fsm, drop the lock around it
		tx.fsmMu.Unlock()
		onResp(lastResp)
		tx.fsmMu.Lock()
		return
	}

	tx.log.Debug("skipped response. Retransimission", "tx", tx.Key())
}
