package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ServerTx is a server transaction, INVITE or not; the request method
// picks which state machine runs, RFC 3261 17.2.
type ServerTx struct {
	baseTx
	acks         chan *Request
	onCancel     FnTxCancel
	timer_g      *time.Timer
	timer_g_time time.Duration
	timer_h      *time.Timer
	timer_i      *time.Timer
	timer_i_time time.Duration
	timer_j      *time.Timer
	timer_j_time time.Duration
	timer_l      *time.Timer
	reliable     bool

	closeOnce sync.Once
}

func NewServerTx(key string, origin *Request, conn Connection, logger *slog.Logger) *ServerTx {
	tx := new(ServerTx)
	tx.key = key
	tx.conn = conn
	tx.acks = make(chan *Request)
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	tx.reliable = IsReliable(origin.Transport())
	return tx
}

// Init arms the per-transport timers and, for INVITE, answers 100
// Trying right away (RFC 3261 17.2.1 allows waiting 200ms for the TU;
// this stack answers immediately so retransmission behavior is
// deterministic).
func (tx *ServerTx) Init() error {
	tx.initFSM()

	tx.mu.Lock()
	if !tx.reliable {
		tx.timer_g_time = Timer_G
		tx.timer_i_time = Timer_I
		tx.timer_j_time = Timer_J
	}
	tx.mu.Unlock()

	if tx.Origin().IsInvite() {
		trying := NewResponseFromRequest(tx.Origin(), StatusTrying, "Trying", nil)
		if err := tx.Respond(trying); err != nil {
			tx.log.Error("send '100 Trying' response failed", "error", err)
		}
	}
	tx.log.Debug("Server transaction initialized", "tx", tx.Key())
	return nil
}

// Receive routes a matched in-transaction request (retransmission, ACK
// or CANCEL) into the FSM. It can block handing an ACK to the caller,
// so run it off the transport goroutine.
func (tx *ServerTx) Receive(req *Request) error {
	var input fsmInput
	switch {
	case req.Method == tx.origin.Method:
		input = server_input_request
	case req.IsAck(): // ACK for a non-2xx final
		input = server_input_ack
	case req.IsCancel():
		input = server_input_cancel
	default:
		return fmt.Errorf("unexpected message error")
	}

	tx.spinFsmWithRequest(input, req)
	return nil
}

// Respond sends a response built with NewResponseFromRequest through
// the FSM. A 2xx to INVITE moves the transaction to Accepted; its
// retransmissions are the TU's (dialog layer's) job, not this FSM's.
func (tx *ServerTx) Respond(res *Response) error {
	if res.IsCancel() {
		// the CANCEL 200 rides the same connection but belongs to the
		// CANCEL's own transaction
		return tx.conn.WriteMsg(res)
	}

	var input fsmInput
	switch {
	case res.IsProvisional():
		input = server_input_user_1xx
	case res.IsSuccess():
		input = server_input_user_2xx
	default:
		input = server_input_user_300_plus
	}
	tx.spinFsmWithResponse(input, res)
	return tx.Err()
}

// Acks yields ACK requests received while this transaction lives.
func (tx *ServerTx) Acks() <-chan *Request {
	return tx.acks
}

func (tx *ServerTx) ackSend(r *Request) {
	select {
	case <-tx.done:
		tx.log.Warn("ACK missed", "callid", r.CallID().Value())
	case tx.acks <- r:
	}
}

func (tx *ServerTx) ackSendAsync(r *Request) {
	select {
	case tx.acks <- r:
		return
	default:
	}
	// nobody ready; hand off without blocking the fsm
	go tx.ackSend(r)
}

// OnCancel registers f to observe a CANCEL hitting this transaction.
func (tx *ServerTx) OnCancel(f FnTxCancel) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	select {
	case <-tx.done:
		return false
	default:
	}
	if tx.onCancel != nil {
		prev := tx.onCancel
		tx.onCancel = func(r *Request) {
			prev(r)
			f(r)
		}
		return true
	}
	tx.onCancel = f
	return true
}

func (tx *ServerTx) Terminate() {
	tx.log.Debug("Server transaction terminating", "tx", tx.Key())
	tx.fsmMu.Lock()
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTransactionTerminated
	}
	tx.fsmMu.Unlock()
	tx.delete(ErrTransactionTerminated)
}

// TerminateGracefully lets retransmissions play out before termination:
// once a final response went out on an unreliable transport, the
// transaction sticks around absorbing INVITE retransmissions until its
// own timers fire.
func (tx *ServerTx) TerminateGracefully() {
	if tx.reliable {
		tx.Terminate()
		return
	}

	tx.fsmMu.Lock()
	finalized := tx.fsmResp != nil && !tx.fsmResp.IsProvisional()
	tx.fsmMu.Unlock()
	if !finalized {
		tx.Terminate()
		return
	}
	tx.log.Debug("Server transaction waiting termination", "tx", tx.Key())
	<-tx.Done()
}

func (tx *ServerTx) initFSM() {
	if tx.Origin().IsInvite() {
		tx.baseTx.initFSM(tx.inviteStateProcceeding)
	} else {
		tx.baseTx.initFSM(tx.stateTrying)
	}
}

// Context adapts termination into a context.Context.
func (tx *ServerTx) Context() context.Context {
	return ServerTransactionContext(tx)
}

func (tx *ServerTx) delete(err error) {
	tx.closeOnce.Do(func() {
		tx.mu.Lock()
		close(tx.done)
		onterm := tx.onTerminate
		tx.mu.Unlock()
		if onterm != nil {
			onterm(tx.key, err)
		}
	})

	tx.mu.Lock()
	if tx.timer_i != nil {
		tx.timer_i.Stop()
		tx.timer_i = nil
	}
	if tx.timer_g != nil {
		tx.timer_g.Stop()
		tx.timer_g = nil
	}
	if tx.timer_h != nil {
		tx.timer_h.Stop()
		tx.timer_h = nil
	}
	if tx.timer_j != nil {
		tx.timer_j.Stop()
		tx.timer_j = nil
	}
	if tx.timer_l != nil {
		tx.timer_l.Stop()
		tx.timer_l = nil
	}
	tx.mu.Unlock()
	tx.log.Debug("Server transaction destroyed", "tx", tx.Key())
}
