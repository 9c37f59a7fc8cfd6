package sip

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
)

// Request is a SIP request, RFC 3261 7.1.
type Request struct {
	MessageData
	Method    RequestMethod
	Recipient Uri

	// Laddr is the local address of the connection the request left on.
	Laddr Addr
	// raddr is filled once the Via has been resolved.
	raddr Addr
}

// NewRequest builds a bare request carrying only the start line. Headers
// are added with AppendHeader; SetBody keeps Content-Length in sync.
func NewRequest(method RequestMethod, recipient Uri) *Request {
	// Recipient params are usually empty, but when present they must not
	// alias the caller's maps.
	if recipient.UriParams != nil {
		recipient.UriParams = recipient.UriParams.clone()
	}
	if recipient.Headers != nil {
		recipient.Headers = recipient.Headers.clone()
	}

	req := &Request{
		Method:    method,
		Recipient: recipient,
	}
	req.SipVersion = "SIP/2.0"
	req.headers = headers{
		headerOrder: make([]Header, 0, 10),
	}
	return req
}

func (req *Request) Short() string {
	if req == nil {
		return "<nil>"
	}
	return fmt.Sprintf("request method=%s Recipient=%s transport=%s source=%s",
		req.Method,
		req.Recipient.String(),
		req.Transport(),
		req.Source(),
	)
}

// StartLine returns the Request-Line.
func (req *Request) StartLine() string {
	var sb strings.Builder
	req.StartLineWrite(&sb)
	return sb.String()
}

func (req *Request) StartLineWrite(w io.StringWriter) {
	w.WriteString(string(req.Method))
	w.WriteString(" ")
	w.WriteString(req.Recipient.String())
	w.WriteString(" ")
	w.WriteString(req.SipVersion)
}

func (req *Request) String() string {
	var sb strings.Builder
	req.StringWrite(&sb)
	return sb.String()
}

func (req *Request) StringWrite(w io.StringWriter) {
	// Start line, headers, and the empty line each end in CRLF; the empty
	// line is present even without a body.
	req.StartLineWrite(w)
	w.WriteString("\r\n")
	req.headers.StringWrite(w)
	w.WriteString("\r\n")
	if req.body != nil {
		w.WriteString(string(req.body))
	}
}

// Clone copies the request. The body slice is cloned, headers deep-copied.
func (req *Request) Clone() *Request {
	return cloneRequest(req)
}

func (req *Request) IsInvite() bool {
	return req.Method == INVITE
}

func (req *Request) IsAck() bool {
	return req.Method == ACK
}

func (req *Request) IsCancel() bool {
	return req.Method == CANCEL
}

// Transport picks the transport for sending: whatever SetTransport fixed,
// else the top Via, else the default, with the URI transport param and
// sips upgrades applied on top.
func (req *Request) Transport() string {
	if tp := req.MessageData.Transport(); tp != "" {
		return tp
	}

	tp := DefaultProtocol
	if via := req.Via(); via != nil && via.Transport != "" {
		tp = via.Transport
	}

	uri := req.Recipient
	if route := req.Route(); route != nil {
		uri = route.Address
	}
	if uri.UriParams != nil {
		if val, ok := uri.UriParams.Get("transport"); ok && val != "" {
			tp = strings.ToUpper(val)
		}
	}

	if uri.IsEncrypted() {
		switch tp {
		case "TCP":
			tp = "TLS"
		case "WS":
			tp = "WSS"
		}
	}
	return tp
}

// Source returns the host:port the request came from: whatever SetSource
// fixed (the connection remote address for network-parsed requests), else
// an address derived from the top Via.
func (req *Request) Source() string {
	if src := req.MessageData.Source(); src != "" {
		return src
	}
	return req.sourceVia()
}

func (req *Request) sourceVia() string {
	host, port := req.sourceViaHostPort()
	return fmt.Sprintf("%s:%d", uriNetIP(host), port)
}

// sourceViaHostPort applies RFC 3581: received/rport on the top Via take
// precedence over its sent-by host and port.
func (req *Request) sourceViaHostPort() (string, int) {
	via := req.Via()
	if via == nil {
		return "", 0
	}

	host := via.Host
	port := via.Port
	if port <= 0 {
		port = DefaultPort(req.Transport())
	}

	if via.Params != nil {
		if received, ok := via.Params.Get("received"); ok && received != "" {
			host = received
		}
		if rport, ok := via.Params.Get("rport"); ok && rport != "" {
			if p, err := strconv.Atoi(rport); err == nil {
				port = p
			}
		}
	}
	return host, port
}

// Destination returns the host:port the request should be sent to:
// whatever SetDestination fixed, else the first Route hop, else the
// Request-URI.
func (req *Request) Destination() string {
	if dest := req.MessageData.Destination(); dest != "" {
		return dest
	}

	uri := &req.Recipient
	if route := req.Route(); route != nil {
		uri = &route.Address
	}

	if uri.Port > 0 {
		return fmt.Sprintf("%v:%v", uri.Host, uri.Port)
	}
	return fmt.Sprintf("%v:%v", uri.Host, DefaultPort(req.Transport()))
}

// NewAckRequest builds the transaction-level ACK for a non-2xx final
// response, RFC 3261 17.1.1.3. A 2xx ACK is a separate transaction and is
// built by the dialog layer instead.
func NewAckRequest(inviteRequest *Request, inviteResponse *Response, body []byte) *Request {
	ack := NewRequest(ACK, *inviteRequest.Recipient.Clone())
	ack.SipVersion = inviteRequest.SipVersion

	// The ACK must carry a single Via equal to the top Via of the INVITE,
	// branch included.
	if via := inviteRequest.Via(); via != nil {
		ack.AppendHeader(via.Clone())
	}

	// The INVITE's own route set rides along; a 2xx ACK's route set from
	// Record-Route is the dialog layer's business, not this builder's.
	CopyHeaders("Route", inviteRequest, ack)

	maxFwd := MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if h := inviteRequest.From(); h != nil {
		ack.AppendHeader(h.headerClone())
	}
	// To comes from the response so the remote tag is preserved.
	if h := inviteResponse.To(); h != nil {
		ack.AppendHeader(h.headerClone())
	}
	if h := inviteRequest.CallID(); h != nil {
		ack.AppendHeader(h.headerClone())
	}
	if h := inviteRequest.CSeq(); h != nil {
		ack.AppendHeader(h.headerClone())
	}

	// Same sequence number as the INVITE, method rewritten to ACK.
	ack.CSeq().MethodName = ACK

	if h := inviteRequest.Contact(); h != nil {
		ack.AppendHeader(h.headerClone())
	}

	ack.SetBody(body)
	ack.SetTransport(inviteRequest.Transport())
	ack.SetSource(inviteRequest.Source())
	ack.Laddr = inviteRequest.Laddr
	return ack
}

// NewCancelRequest builds the CANCEL matching requestForCancel, RFC 3261 9.1:
// same Request-URI, Call-ID, From, To, Route and top Via (branch included),
// CSeq number kept with the method rewritten.
func NewCancelRequest(requestForCancel *Request) *Request {
	cancel := NewRequest(CANCEL, requestForCancel.Recipient)
	cancel.SipVersion = requestForCancel.SipVersion

	cancel.AppendHeader(requestForCancel.Via().Clone())
	CopyHeaders("Route", requestForCancel, cancel)
	maxFwd := MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	if h := requestForCancel.From(); h != nil {
		cancel.AppendHeader(h.headerClone())
	}
	if h := requestForCancel.To(); h != nil {
		cancel.AppendHeader(h.headerClone())
	}
	if h := requestForCancel.CallID(); h != nil {
		cancel.AppendHeader(h.headerClone())
	}
	if h := requestForCancel.CSeq(); h != nil {
		cancel.AppendHeader(h.headerClone())
	}
	cancel.CSeq().MethodName = CANCEL

	cancel.SetTransport(requestForCancel.Transport())
	cancel.SetSource(requestForCancel.Source())
	cancel.SetDestination(requestForCancel.Destination())
	return cancel
}

func (req *Request) remoteAddress() Addr {
	return req.raddr
}

func cloneRequest(req *Request) *Request {
	dup := NewRequest(req.Method, *req.Recipient.Clone())
	dup.SipVersion = req.SipVersion

	for _, h := range req.CloneHeaders() {
		dup.AppendHeader(h)
	}
	dup.SetBody(slices.Clone(req.Body()))
	dup.SetTransport(req.Transport())
	dup.SetSource(req.Source())
	dup.SetDestination(req.Destination())
	dup.raddr = req.raddr
	dup.Laddr = req.Laddr
	return dup
}
