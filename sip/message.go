package sip

import (
	"io"

	uuid "github.com/satori/go.uuid"
)

type MessageHandler func(msg Message)

type RequestMethod string

func (m RequestMethod) String() string { return string(m) }

// StatusCode is a response status code, 1xx through 6xx.
type StatusCode int

// The standard request methods.
const (
	INVITE    RequestMethod = "INVITE"
	ACK       RequestMethod = "ACK"
	CANCEL    RequestMethod = "CANCEL"
	BYE       RequestMethod = "BYE"
	REGISTER  RequestMethod = "REGISTER"
	OPTIONS   RequestMethod = "OPTIONS"
	SUBSCRIBE RequestMethod = "SUBSCRIBE"
	NOTIFY    RequestMethod = "NOTIFY"
	REFER     RequestMethod = "REFER"
	INFO      RequestMethod = "INFO"
	MESSAGE   RequestMethod = "MESSAGE"
	PRACK     RequestMethod = "PRACK"
	UPDATE    RequestMethod = "UPDATE"
	PUBLISH   RequestMethod = "PUBLISH"
)

type MessageID string

func NextMessageID() MessageID {
	return MessageID(uuid.Must(uuid.NewV4()).String())
}

// Message is either a Request or a Response.
type Message interface {
	// StartLine returns the first line of the message.
	StartLine() string
	StartLineWrite(io.StringWriter)
	// String renders the message in RFC 3261 wire form.
	String() string
	// StringWrite renders into w, reusing its buffer.
	StringWrite(io.StringWriter)
	// Short returns a one-line description for logs.
	Short() string

	// Headers returns all headers in wire order.
	Headers() []Header
	// GetHeaders returns every header with the given name.
	GetHeaders(name string) []Header
	// GetHeader returns the first header with the given name, or nil.
	GetHeader(name string) Header
	PrependHeader(header ...Header)
	AppendHeader(header Header)
	AppendHeaderAfter(header Header, name string)
	RemoveHeader(name string)
	ReplaceHeader(header Header)

	// Typed shortcuts for the well-known headers; nil when absent.
	CallID() *CallIDHeader
	// Via returns the top Via hop.
	Via() *ViaHeader
	From() *FromHeader
	To() *ToHeader
	CSeq() *CSeqHeader
	ContentLength() *ContentLengthHeader
	ContentType() *ContentTypeHeader
	Contact() *ContactHeader
	Route() *RouteHeader
	RecordRoute() *RecordRouteHeader

	// Body returns the message payload.
	Body() []byte
	// SetBody stores the payload and syncs Content-Length.
	SetBody(body []byte)

	Transport() string
	SetTransport(tp string)
	Source() string
	SetSource(src string)
	Destination() string
	SetDestination(dest string)
}

// MessageData is the shared half of Request and Response.
type MessageData struct {
	headers
	SipVersion string
	body       []byte
	tp         string

	// ingress/egress addressing, host:port form
	src  string
	dest string
}

func (m *MessageData) Body() []byte {
	return m.body
}

// SetBody stores body and rewrites Content-Length to match.
func (m *MessageData) SetBody(body []byte) {
	m.body = body

	length := ContentLengthHeader(len(body))
	hdr := m.ContentLength()
	if hdr == nil {
		m.AppendHeader(&length)
		return
	}
	if length != *hdr {
		m.ReplaceHeader(&length)
	}
}

func (m *MessageData) Transport() string {
	return m.tp
}

func (m *MessageData) SetTransport(tp string) {
	m.tp = tp
}

func (m *MessageData) Source() string {
	return m.src
}

func (m *MessageData) SetSource(src string) {
	m.src = src
}

func (m *MessageData) Destination() string {
	return m.dest
}

func (m *MessageData) SetDestination(dest string) {
	m.dest = dest
}
