package sip

import (
	"fmt"
	"log/slog"
	"time"
)

// ClientTx is a client transaction, INVITE or not; the request method
// picks which state machine runs, RFC 3261 17.1.
type ClientTx struct {
	baseTx
	responses    chan *Response
	timer_a_time time.Duration // current retransmit interval
	timer_a      *time.Timer
	timer_b      *time.Timer
	timer_d_time time.Duration // INVITE wait in completed, timer D
	timer_k_time time.Duration // non-INVITE wait in completed, timer K
	timer_d      *time.Timer
	timer_m      *time.Timer

	onRetransmission FnTxResponse
}

func NewClientTx(key string, origin *Request, conn Connection, logger *slog.Logger) *ClientTx {
	tx := &ClientTx{}
	tx.key = key
	tx.conn = conn
	tx.responses = make(chan *Response)
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	return tx
}

// Init sends the request and arms the timers: A (retransmit) only on
// unreliable transport, B (timeout) always.
func (tx *ClientTx) Init() error {
	tx.initFSM()

	if err := tx.conn.WriteMsg(tx.origin); err != nil {
		e := fmt.Errorf("fail to write request on init req=%q: %w", tx.origin.StartLine(), err)
		return wrapTransportError(e)
	}

	if IsReliable(tx.origin.Transport()) {
		tx.mu.Lock()
		tx.timer_d_time = 0
		tx.timer_k_time = 0
		tx.mu.Unlock()
	} else {
		// RFC 3261 17.1.1.2: timer A starts at T1 on unreliable
		// transport only; reliable transports retransmit on their own.
		tx.mu.Lock()
		tx.timer_a_time = Timer_A
		tx.timer_a = time.AfterFunc(tx.timer_a_time, func() {
			tx.spinFsm(client_input_timer_a)
		})
		// how long completed absorbs response retransmissions:
		// 32s for INVITE (timer D), T4 otherwise (timer K)
		tx.timer_d_time = Timer_D
		tx.timer_k_time = Timer_K
		tx.mu.Unlock()
	}

	tx.mu.Lock()
	tx.timer_b = time.AfterFunc(Timer_B, func() {
		tx.spinFsmWithError(client_input_timer_b, fmt.Errorf("Timer_B timed out. %w", ErrTransactionTimeout))
	})
	tx.mu.Unlock()
	tx.log.Debug("Client transaction initialized", "tx", tx.Key())
	return nil
}

func (tx *ClientTx) initFSM() {
	if tx.origin.IsInvite() {
		tx.baseTx.initFSM(tx.inviteStateCalling)
	} else {
		tx.baseTx.initFSM(tx.stateCalling)
	}
}

func (tx *ClientTx) Responses() <-chan *Response {
	return tx.responses
}

func (tx *ClientTx) OnRetransmission(f FnTxResponse) bool {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return false
	}
	tx.registerOnResponse(f)
	tx.mu.Unlock()
	return true
}

func (tx *ClientTx) registerOnResponse(f FnTxResponse) {
	if tx.onRetransmission != nil {
		prev := tx.onRetransmission
		tx.onRetransmission = func(r *Response) {
			prev(r)
			f(r)
		}
		return
	}
	tx.onRetransmission = f
}

func (tx *ClientTx) Terminate() {
	if tx.delete(ErrTransactionTerminated) {
		tx.fsmMu.Lock()
		tx.fsmErr = ErrTransactionCanceled
		tx.fsmMu.Unlock()
	}
}

// Receive routes a matched response into the FSM. It can block handing
// the response to the caller, so run it off the transport goroutine.
// Cancellation is not handled here: the caller issues a separate CANCEL
// request and terminates this transaction.
func (tx *ClientTx) Receive(res *Response) {
	var input fsmInput
	switch {
	case res.IsProvisional():
		input = client_input_1xx
	case res.IsSuccess():
		input = client_input_2xx
	default:
		input = client_input_300_plus
	}
	tx.spinFsmWithResponse(input, res)
}

func (tx *ClientTx) Connection() Connection {
	return tx.conn
}

// ack emits the transaction ACK for a non-2xx final, RFC 3261 17.1.1.3.
func (tx *ClientTx) ack() {
	resp := tx.fsmResp
	if resp == nil {
		panic("Response in ack should not be nil")
	}

	ack := NewAckRequest(tx.origin, resp, nil)
	// Remembering the ACK breaks retransmission loops.
	tx.fsmAck = ack

	// The ACK goes to the same address, port and transport as the
	// INVITE (17.1.1.2); the destination may be an FQDN we must not
	// re-resolve.
	ack.raddr = tx.origin.raddr

	if err := tx.conn.WriteMsg(ack); err != nil {
		tx.log.Error("send ACK request failed", "tx", tx.Key(),
			slog.String("invite_request", tx.origin.Short()),
			slog.String("invite_response", resp.Short()),
			slog.String("ack_request", ack.Short()),
		)
		err := wrapTransportError(err)
		go tx.spinFsmWithError(client_input_transport_err, err)
	}
}

func (tx *ClientTx) resend() {
	select {
	case <-tx.done:
		return
	default:
	}

	if err := tx.conn.WriteMsg(tx.origin); err != nil {
		tx.log.Debug("Fail to resend request", "error", err, "req", tx.origin.StartLine())
		err := wrapTransportError(err)
		go tx.spinFsmWithError(client_input_transport_err, err)
	}
}

func (tx *ClientTx) delete(err error) bool {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return false
	}
	tx.closed = true

	close(tx.done)
	onterm := tx.onTerminate

	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	if tx.timer_d != nil {
		tx.timer_d.Stop()
		tx.timer_d = nil
	}
	tx.mu.Unlock()

	if onterm != nil {
		onterm(tx.key, err)
	}

	if _, err := tx.conn.TryClose(); err != nil {
		tx.log.Info("Closing connection returned error", "error", err, "tx", tx.Key())
	}
	tx.log.Debug("Client transaction destroyed", "tx", tx.Key())
	return true
}
