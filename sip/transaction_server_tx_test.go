package sip

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServerTx(t *testing.T, req *Request, conn Connection) *ServerTx {
	t.Helper()
	key, err := ServerTxKeyMake(req)
	require.NoError(t, err)
	tx := NewServerTx(key, req, conn, slog.Default())
	require.NoError(t, tx.Init())
	t.Cleanup(tx.Terminate)
	return tx
}

// An INVITE server transaction answers 100 Trying on construction.
func TestServerTxInviteImmediateTrying(t *testing.T) {
	conn := &testConn{}
	req := testCreateRequest(t, "INVITE", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")
	testServerTx(t, req, conn)

	require.Equal(t, 1, conn.Count())
	res, ok := conn.Msg(0).(*Response)
	require.True(t, ok)
	assert.Equal(t, 100, res.StatusCode)
	// 100 must not carry a generated To tag
	assert.False(t, res.To().Params.Has("tag"))
}

// A non-INVITE server transaction emits nothing on its own, RFC 3261
// 17.2.2.
func TestServerTxNonInviteNoAutoTrying(t *testing.T) {
	conn := &testConn{}
	req := testCreateRequest(t, "OPTIONS", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")
	testServerTx(t, req, conn)

	assert.Equal(t, 0, conn.Count())
}

// A retransmitted request in completed re-emits the last response
// byte-identical.
func TestServerTxRetransmitReemitsResponse(t *testing.T) {
	shortTimers(t, 50*time.Millisecond, 200*time.Millisecond, 200*time.Millisecond)

	conn := &testConn{}
	req := testCreateRequest(t, "INVITE", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")
	tx := testServerTx(t, req, conn)

	require.NoError(t, tx.Respond(NewResponseFromRequest(req, 486, "Busy Here", nil)))
	sentAfterFinal := conn.Count()
	final := conn.Msg(-1).(*Response).String()

	require.NoError(t, tx.Receive(req))
	require.Eventually(t, func() bool { return conn.Count() > sentAfterFinal }, time.Second, 5*time.Millisecond)
	assert.Equal(t, final, conn.Msg(-1).(*Response).String())
}

// ACK in completed moves the transaction to confirmed and timer I
// terminates it.
func TestServerTxInviteAckConfirms(t *testing.T) {
	shortTimers(t, 20*time.Millisecond, 50*time.Millisecond, 30*time.Millisecond)

	conn := &testConn{}
	req := testCreateRequest(t, "INVITE", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")
	tx := testServerTx(t, req, conn)

	require.NoError(t, tx.Respond(NewResponseFromRequest(req, 486, "Busy Here", nil)))

	res := conn.Msg(-1).(*Response)
	ack := NewAckRequest(req, res, nil)
	require.NoError(t, tx.Receive(ack))

	// timer I (T4 on UDP) then kills the transaction
	select {
	case <-tx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timer I never terminated the transaction")
	}
}

// Without an ACK, timer H gives up on the final response.
func TestServerTxInviteTimerHNoAck(t *testing.T) {
	shortTimers(t, 5*time.Millisecond, 20*time.Millisecond, 20*time.Millisecond)

	conn := &testConn{}
	req := testCreateRequest(t, "INVITE", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")
	tx := testServerTx(t, req, conn)

	require.NoError(t, tx.Respond(NewResponseFromRequest(req, 486, "Busy Here", nil)))

	select {
	case <-tx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timer H never fired")
	}
	require.ErrorIs(t, tx.Err(), ErrTransactionTimeout)

	// timer G retransmitted the final meanwhile
	finals := 0
	for i := 0; i < conn.Count(); i++ {
		if r, ok := conn.Msg(i).(*Response); ok && r.StatusCode == 486 {
			finals++
		}
	}
	assert.GreaterOrEqual(t, finals, 2)
}

// A 2xx leaves retransmission to the TU and the accepted state absorbs
// the ACK.
func TestServerTxInviteSuccess(t *testing.T) {
	shortTimers(t, 5*time.Millisecond, 20*time.Millisecond, 20*time.Millisecond)

	conn := &testConn{}
	req := testCreateRequest(t, "INVITE", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")
	tx := testServerTx(t, req, conn)

	ok := NewResponseFromRequest(req, 200, "OK", nil)
	require.NoError(t, tx.Respond(ok))

	sent := conn.Count()
	time.Sleep(60 * time.Millisecond)
	// no timer G retransmissions for 2xx
	assert.Equal(t, sent, conn.Count())

	// timer L eventually terminates accepted
	select {
	case <-tx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timer L never fired")
	}
}

// CANCEL against a proceeding INVITE pushes a 487 out and fires the
// OnCancel hook.
func TestServerTxInviteCancel(t *testing.T) {
	shortTimers(t, 20*time.Millisecond, 100*time.Millisecond, 100*time.Millisecond)

	conn := &testConn{}
	req := testCreateRequest(t, "INVITE", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")
	tx := testServerTx(t, req, conn)

	canceled := make(chan *Request, 1)
	require.True(t, tx.OnCancel(func(r *Request) {
		canceled <- r
	}))

	cancel := NewCancelRequest(req)
	require.NoError(t, tx.Receive(cancel))

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("OnCancel hook never fired")
	}

	res := conn.Msg(-1).(*Response)
	assert.Equal(t, StatusRequestTerminated, res.StatusCode)
	require.ErrorIs(t, tx.Err(), ErrTransactionCanceled)
}

// Non-INVITE: the final response starts timer J, which terminates.
func TestServerTxNonInviteTimerJ(t *testing.T) {
	shortTimers(t, 5*time.Millisecond, 20*time.Millisecond, 20*time.Millisecond)

	conn := &testConn{}
	req := testCreateRequest(t, "OPTIONS", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")
	tx := testServerTx(t, req, conn)

	require.NoError(t, tx.Respond(NewResponseFromRequest(req, 200, "OK", nil)))

	select {
	case <-tx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timer J never fired")
	}
}
