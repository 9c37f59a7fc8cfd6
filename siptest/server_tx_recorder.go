package siptest

import (
	"log/slog"

	"github.com/sipcore/sipcore/sip"
)

// NewServerTxRecorder builds a real server transaction wired to a
// recording connection, so tests can assert on everything it emits.
func NewServerTxRecorder(req *sip.Request) *ServerTxRecorder {
	key, err := sip.ServerTxKeyMake(req)
	if err != nil {
		panic(err)
	}
	conn := newConnRecorder()
	stx := sip.NewServerTx(key, req, conn, slog.Default())
	if err := stx.Init(); err != nil {
		panic(err)
	}
	return &ServerTxRecorder{
		stx,
		conn,
	}
}

// ServerTxRecorder wraps a server transaction and records its responses.
type ServerTxRecorder struct {
	*sip.ServerTx
	c *connRecorder
}

// Result returns every response written so far, nil if none.
func (r *ServerTxRecorder) Result() []*sip.Response {
	if len(r.c.msgs) == 0 {
		return nil
	}
	resps := make([]*sip.Response, len(r.c.msgs))
	for i, m := range r.c.msgs {
		resps[i] = m.(*sip.Response).Clone()
	}
	return resps
}

var _ sip.ServerTransaction = &ServerTxRecorder{}
