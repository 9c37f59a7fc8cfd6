package sipcore

import "github.com/sipcore/sipcore/sip"

// NoOpTransaction stands in for an initial transaction that already
// completed before the session was built; every operation is inert.
type NoOpTransaction struct {
	respCh <-chan *sip.Response
	doneCh <-chan struct{}
}

func (t *NoOpTransaction) Terminate() {}

func (t *NoOpTransaction) Done() <-chan struct{} {
	if t.doneCh != nil {
		return t.doneCh
	}
	doneCh := make(chan struct{})
	close(doneCh)
	return doneCh
}

func (t *NoOpTransaction) Err() error {
	return nil
}

// OnTerminate reports the transaction as already terminated.
func (t *NoOpTransaction) OnTerminate(f sip.FnTxTerminate) bool {
	return false
}

// Responses implements sip.ClientTransaction.
func (t *NoOpTransaction) Responses() <-chan *sip.Response {
	if t.respCh != nil {
		return t.respCh
	}
	respCh := make(chan *sip.Response)
	close(respCh)
	return respCh
}

func (t *NoOpTransaction) setResponses(ch <-chan *sip.Response) {
	t.respCh = ch
}

func (t *NoOpTransaction) setDone(ch <-chan struct{}) {
	t.doneCh = ch
}

type NoOpClientTransaction struct {
	NoOpTransaction
}

func (t *NoOpClientTransaction) OnRetransmission(f sip.FnTxResponse) bool {
	return false
}

type NoOpServerTransaction struct {
	NoOpTransaction
}

func (t *NoOpServerTransaction) Respond(_ *sip.Response) error {
	return nil
}

func (t *NoOpServerTransaction) Acks() <-chan *sip.Request {
	reqCh := make(chan *sip.Request)
	close(reqCh)
	return reqCh
}

func (t *NoOpServerTransaction) OnCancel(f sip.FnTxCancel) bool {
	return false
}
