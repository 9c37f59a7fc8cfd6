package sip

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Response is a SIP response, RFC 3261 7.2.
type Response struct {
	MessageData

	Reason     string // e.g. "OK"
	StatusCode int    // e.g. 200

	// raddr is the resolved address carried over from the request.
	raddr Addr
}

// NewResponse builds a bare response carrying only the status line.
func NewResponse(statusCode int, reason string) *Response {
	res := &Response{
		StatusCode: statusCode,
		Reason:     reason,
	}
	res.SipVersion = "SIP/2.0"
	res.headers = headers{
		headerOrder: make([]Header, 0, 10),
	}
	return res
}

// Short returns a one-line description for logs.
func (res *Response) Short() string {
	if res == nil {
		return "<nil>"
	}
	return fmt.Sprintf("response status=%d reason=%s transport=%s source=%s",
		res.StatusCode,
		res.Reason,
		res.Transport(),
		res.Source(),
	)
}

// StartLine returns the Status-Line.
func (res *Response) StartLine() string {
	var sb strings.Builder
	res.StartLineWrite(&sb)
	return sb.String()
}

func (res *Response) StartLineWrite(w io.StringWriter) {
	w.WriteString(res.SipVersion)
	w.WriteString(" ")
	w.WriteString(strconv.Itoa(res.StatusCode))
	w.WriteString(" ")
	w.WriteString(res.Reason)
}

func (res *Response) String() string {
	var sb strings.Builder
	res.StringWrite(&sb)
	return sb.String()
}

func (res *Response) StringWrite(w io.StringWriter) {
	res.StartLineWrite(w)
	w.WriteString("\r\n")
	res.headers.StringWrite(w)
	w.WriteString("\r\n")
	if res.body != nil {
		w.WriteString(string(res.body))
	}
}

func (res *Response) Clone() *Response {
	return cloneResponse(res)
}

func (res *Response) IsProvisional() bool {
	return res.StatusCode < 200
}

func (res *Response) IsSuccess() bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}

func (res *Response) IsRedirection() bool {
	return res.StatusCode >= 300 && res.StatusCode < 400
}

func (res *Response) IsClientError() bool {
	return res.StatusCode >= 400 && res.StatusCode < 500
}

func (res *Response) IsServerError() bool {
	return res.StatusCode >= 500 && res.StatusCode < 600
}

func (res *Response) IsGlobalError() bool {
	return res.StatusCode >= 600
}

func (res *Response) IsAck() bool {
	if cseq := res.CSeq(); cseq != nil {
		return cseq.MethodName == ACK
	}
	return false
}

func (res *Response) IsCancel() bool {
	if cseq := res.CSeq(); cseq != nil {
		return cseq.MethodName == CANCEL
	}
	return false
}

func (res *Response) Transport() string {
	if tp := res.MessageData.Transport(); tp != "" {
		return tp
	}
	if via := res.Via(); via != nil && via.Transport != "" {
		return via.Transport
	}
	return DefaultProtocol
}

// Destination returns the host:port the response should be sent to.
// Responses built from a network-parsed request have the request source
// fixed as destination, so they go back over the same path; otherwise the
// top Via decides, with received/rport taking precedence per RFC 3581.
func (res *Response) Destination() string {
	if dest := res.MessageData.Destination(); dest != "" {
		return dest
	}

	via := res.Via()
	if via == nil {
		return ""
	}

	host := via.Host
	port := via.Port
	if port <= 0 {
		port = DefaultPort(res.Transport())
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
	return fmt.Sprintf("%v:%v", host, port)
}

// NewResponseFromRequest builds a response per RFC 3261 8.2.6: Via,
// Record-Route, From, To, Call-ID and CSeq are carried over from the
// request, and a To tag is generated when the request carried none
// (except on 100, which instead echoes any Timestamp).
func NewResponseFromRequest(req *Request, statusCode int, reason string, body []byte) *Response {
	res := NewResponse(statusCode, reason)
	res.SipVersion = req.SipVersion
	CopyHeaders("Record-Route", req, res)
	CopyHeaders("Via", req, res)
	if h := req.From(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.To(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.CallID(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.CSeq(); h != nil {
		res.AppendHeader(h.headerClone())
	}

	// NAT fix-ups on the top Via, each on its own trigger: received is
	// stamped whenever the observed source host differs from the sent-by
	// host (RFC 3261 18.2.1), rport only when the client asked for
	// symmetric routing with an empty rport (RFC 3581 4).
	if via := res.Via(); via != nil {
		if host, port, err := net.SplitHostPort(req.Source()); err == nil {
			if via.Host != host {
				via.Params.Add("received", host)
			}
			if val, exists := via.Params.Get("rport"); exists && val == "" {
				via.Params.Add("rport", port)
			}
		}
	}

	switch statusCode {
	case 100:
		CopyHeaders("Timestamp", req, res)
	default:
		// The same tag must be used for every response to this request,
		// so it is only generated once.
		if h := res.To(); h != nil {
			if !h.Params.Has("tag") {
				h.Params.Add("tag", uuid.NewString())
			}
		}
	}

	res.SetBody(body)
	res.SetTransport(req.Transport())

	// Prefer the resolved remote addr over the connection source.
	if req.raddr.IP != nil {
		res.SetDestination(req.raddr.String())
	} else {
		res.SetDestination(req.Source())
	}
	return res
}

func (res *Response) remoteAddress() Addr {
	dst := res.dest
	host, port, _ := ParseAddr(dst)
	return Addr{
		IP:       net.ParseIP(host),
		Port:     port,
		Hostname: dst,
	}
}

// NewSDPResponseFromRequest builds a 200 OK carrying an SDP body.
func NewSDPResponseFromRequest(req *Request, body []byte) *Response {
	res := NewResponseFromRequest(req, StatusOK, "OK", body)
	res.AppendHeader(NewHeader("Content-Type", "application/sdp"))
	res.SetBody(body)
	return res
}

func cloneResponse(res *Response) *Response {
	dup := NewResponse(res.StatusCode, res.Reason)
	dup.SipVersion = res.SipVersion

	for _, h := range res.CloneHeaders() {
		dup.AppendHeader(h)
	}
	dup.SetBody(res.Body())
	dup.SetTransport(res.Transport())
	dup.SetSource(res.Source())
	dup.SetDestination(res.Destination())
	return dup
}

func CopyResponse(res *Response) *Response {
	return cloneResponse(res)
}
