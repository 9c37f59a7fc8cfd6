package sip

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortTimers shrinks the RFC timers so timeout paths run in test time;
// restored afterwards.
func shortTimers(t *testing.T, t1, t2, t4 time.Duration) {
	t.Helper()
	SetTimers(t1, t2, t4)
	t.Cleanup(func() {
		SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)
	})
}

func testClientTx(t *testing.T, req *Request, conn Connection) *ClientTx {
	t.Helper()
	key, err := ClientTxKeyMake(req)
	require.NoError(t, err)
	tx := NewClientTx(key, req, conn, slog.Default())
	require.NoError(t, tx.Init())
	t.Cleanup(tx.Terminate)
	return tx
}

// Timer B fires after 64*T1 without any response; the only observable
// effect is termination and a timeout error.
func TestClientTxInviteTimerB(t *testing.T) {
	shortTimers(t, 5*time.Millisecond, 20*time.Millisecond, 20*time.Millisecond)

	conn := &testConn{}
	req := testCreateRequest(t, "INVITE", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")
	tx := testClientTx(t, req, conn)

	select {
	case <-tx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Timer B never fired")
	}
	require.ErrorIs(t, tx.Err(), ErrTransactionTimeout)

	// Timer A retransmitted the INVITE while waiting
	assert.GreaterOrEqual(t, conn.Count(), 3)
	for i := 0; i < conn.Count(); i++ {
		assert.Equal(t, req.String(), conn.Msg(i).String())
	}
}

// On a reliable transport there are no retransmissions at all.
func TestClientTxReliableNoRetransmit(t *testing.T) {
	shortTimers(t, 5*time.Millisecond, 20*time.Millisecond, 20*time.Millisecond)

	conn := &testConn{}
	req := testCreateRequest(t, "INVITE", "sip:bob@biloxi.com", "TCP", "atlanta.com:5060")
	tx := testClientTx(t, req, conn)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, conn.Count())
	tx.Terminate()
}

// A 3xx final to INVITE triggers exactly one automatic ACK carrying the
// INVITE's branch and its CSeq number with the ACK method.
func TestClientTxInviteAutoACKOnRedirect(t *testing.T) {
	shortTimers(t, 50*time.Millisecond, 100*time.Millisecond, 100*time.Millisecond)

	conn := &testConn{}
	req := testCreateRequest(t, "INVITE", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")
	tx := testClientTx(t, req, conn)

	redirect := NewResponseFromRequest(req, 302, "Moved Temporarily", nil)
	go tx.Receive(redirect)

	select {
	case res := <-tx.Responses():
		assert.Equal(t, 302, res.StatusCode)
	case <-time.After(time.Second):
		t.Fatal("response never passed up")
	}

	// the ACK went out exactly once
	require.Eventually(t, func() bool { return conn.Count() >= 2 }, time.Second, 5*time.Millisecond)
	ack, ok := conn.Msg(-1).(*Request)
	require.True(t, ok)
	assert.Equal(t, ACK, ack.Method)
	assert.Equal(t, req.Via().Params.GetOr("branch", "x"), ack.Via().Params.GetOr("branch", "y"))
	assert.Equal(t, req.CSeq().SeqNo, ack.CSeq().SeqNo)
	assert.Equal(t, ACK, ack.CSeq().MethodName)

	acks := 0
	for i := 0; i < conn.Count(); i++ {
		if r, ok := conn.Msg(i).(*Request); ok && r.IsAck() {
			acks++
		}
	}
	assert.Equal(t, 1, acks)
}

// Timer D moves completed to terminated.
func TestClientTxInviteTimerD(t *testing.T) {
	shortTimers(t, 50*time.Millisecond, 100*time.Millisecond, 100*time.Millisecond)
	Timer_D = 30 * time.Millisecond
	t.Cleanup(func() { Timer_D = 32 * time.Second })

	conn := &testConn{}
	req := testCreateRequest(t, "INVITE", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")
	tx := testClientTx(t, req, conn)

	go tx.Receive(NewResponseFromRequest(req, 486, "Busy Here", nil))
	select {
	case <-tx.Responses():
	case <-time.After(time.Second):
		t.Fatal("response never passed up")
	}

	select {
	case <-tx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Timer D never terminated the transaction")
	}
}

// A 2xx is passed up exactly once; the ACK for it is the TU's job, so
// nothing else hits the wire.
func TestClientTxInviteSuccess(t *testing.T) {
	shortTimers(t, 50*time.Millisecond, 100*time.Millisecond, 100*time.Millisecond)

	conn := &testConn{}
	req := testCreateRequest(t, "INVITE", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")
	tx := testClientTx(t, req, conn)

	go tx.Receive(NewResponseFromRequest(req, 200, "OK", nil))
	select {
	case res := <-tx.Responses():
		assert.Equal(t, 200, res.StatusCode)
	case <-time.After(time.Second):
		t.Fatal("response never passed up")
	}

	// only the INVITE itself was written
	assert.Equal(t, 1, conn.Count())
}

// Non-INVITE: a final response lands the transaction in completed and
// Timer K (T4) terminates it.
func TestClientTxNonInviteFinal(t *testing.T) {
	shortTimers(t, 5*time.Millisecond, 20*time.Millisecond, 30*time.Millisecond)

	conn := &testConn{}
	req := testCreateRequest(t, "OPTIONS", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")
	tx := testClientTx(t, req, conn)

	go tx.Receive(NewResponseFromRequest(req, 200, "OK", nil))
	select {
	case res := <-tx.Responses():
		assert.Equal(t, 200, res.StatusCode)
	case <-time.After(time.Second):
		t.Fatal("response never passed up")
	}

	select {
	case <-tx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Timer K never terminated the transaction")
	}
}

// A provisional response stops Timer A retransmissions.
func TestClientTxInviteProceedingStopsRetransmit(t *testing.T) {
	shortTimers(t, 20*time.Millisecond, 80*time.Millisecond, 80*time.Millisecond)

	conn := &testConn{}
	req := testCreateRequest(t, "INVITE", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")
	tx := testClientTx(t, req, conn)

	go tx.Receive(NewResponseFromRequest(req, 180, "Ringing", nil))
	select {
	case res := <-tx.Responses():
		assert.Equal(t, 180, res.StatusCode)
	case <-time.After(time.Second):
		t.Fatal("response never passed up")
	}

	sent := conn.Count()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, sent, conn.Count(), "requests kept retransmitting in proceeding")
}
