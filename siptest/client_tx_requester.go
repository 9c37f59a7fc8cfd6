package siptest

import (
	"context"
	"log/slog"

	"github.com/sipcore/sipcore/sip"
)

// ClientTxRequester stands in for the transaction layer on the client
// side: every request gets a real client transaction wired to a
// recording connection, answered synchronously by OnRequest.
type ClientTxRequester struct {
	OnRequest func(req *sip.Request) *sip.Response
}

func (r *ClientTxRequester) Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	key, _ := sip.ClientTxKeyMake(req)
	tx := sip.NewClientTx(key, req, newConnRecorder(), slog.Default())
	if err := tx.Init(); err != nil {
		return nil, err
	}

	res := r.OnRequest(req)
	go tx.Receive(res)

	return tx, nil
}

// ClientTxResponder lets a test feed responses into a pending
// transaction at its own pace.
type ClientTxResponder struct {
	tx *sip.ClientTx
}

func (w *ClientTxResponder) Receive(res *sip.Response) {
	w.tx.Receive(res)
}

// ClientTxRequesterResponder is ClientTxRequester with the response
// schedule under test control.
type ClientTxRequesterResponder struct {
	OnRequest func(req *sip.Request, w *ClientTxResponder)
}

func (r *ClientTxRequesterResponder) Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	key, _ := sip.ClientTxKeyMake(req)
	tx := sip.NewClientTx(key, req, newConnRecorder(), slog.Default())
	if err := tx.Init(); err != nil {
		return nil, err
	}

	go r.OnRequest(req, &ClientTxResponder{tx: tx})
	return tx, nil
}
