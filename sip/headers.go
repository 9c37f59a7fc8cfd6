package sip

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Header is one SIP header field.
type Header interface {
	// Name returns the canonical header field name.
	Name() string
	// Value returns the field value without the name prefix.
	Value() string
	String() string
	// StringWrite writes name and value into w, avoiding allocation.
	StringWrite(w io.StringWriter)

	headerClone() Header
}

// HeaderClone returns a deep copy of h.
func HeaderClone(h Header) Header {
	return h.headerClone()
}

// headers keeps all fields of a message in wire order plus direct
// pointers to the hot ones so lookups skip the name scan.
type headers struct {
	headerOrder []Header

	via           *ViaHeader
	from          *FromHeader
	to            *ToHeader
	callid        *CallIDHeader
	contact       *ContactHeader
	cseq          *CSeqHeader
	contentLength *ContentLengthHeader
	contentType   *ContentTypeHeader
}

func (hdrs *headers) String() string {
	sb := strings.Builder{}
	hdrs.StringWrite(&sb)
	return sb.String()
}

func (hdrs *headers) StringWrite(w io.StringWriter) {
	for i, hdr := range hdrs.headerOrder {
		if i > 0 {
			w.WriteString("\r\n")
		}
		hdr.StringWrite(w)
	}
	w.WriteString("\r\n")
}

// cacheHeader records hdr in the typed shortcut slot for its kind. The
// first header of a kind wins, which for Via means the topmost hop.
func (hdrs *headers) cacheHeader(hdr Header, force bool) {
	switch t := hdr.(type) {
	case *ViaHeader:
		if force || hdrs.via == nil {
			hdrs.via = t
		}
	case *FromHeader:
		if force || hdrs.from == nil {
			hdrs.from = t
		}
	case *ToHeader:
		if force || hdrs.to == nil {
			hdrs.to = t
		}
	case *CallIDHeader:
		if force || hdrs.callid == nil {
			hdrs.callid = t
		}
	case *ContactHeader:
		if force || hdrs.contact == nil {
			hdrs.contact = t
		}
	case *CSeqHeader:
		if force || hdrs.cseq == nil {
			hdrs.cseq = t
		}
	case *ContentLengthHeader:
		if force || hdrs.contentLength == nil {
			hdrs.contentLength = t
		}
	case *ContentTypeHeader:
		if force || hdrs.contentType == nil {
			hdrs.contentType = t
		}
	}
}

// AppendHeader adds hdr at the end of the header block.
func (hdrs *headers) AppendHeader(hdr Header) {
	hdrs.headerOrder = append(hdrs.headerOrder, hdr)
	hdrs.cacheHeader(hdr, false)
}

// AppendHeaderAfter inserts hdr directly after the last header named name,
// or appends when no such header exists.
func (hdrs *headers) AppendHeaderAfter(hdr Header, name string) {
	pos := -1
	for i, existing := range hdrs.headerOrder {
		if existing.Name() == name {
			pos = i
		}
	}
	if pos < 0 {
		hdrs.AppendHeader(hdr)
		return
	}

	grown := make([]Header, 0, len(hdrs.headerOrder)+1)
	grown = append(grown, hdrs.headerOrder[:pos+1]...)
	grown = append(grown, hdr)
	grown = append(grown, hdrs.headerOrder[pos+1:]...)
	hdrs.headerOrder = grown
	hdrs.cacheHeader(hdr, false)
}

// PrependHeader puts the given headers in front of the block.
func (hdrs *headers) PrependHeader(front ...Header) {
	merged := make([]Header, 0, len(front)+len(hdrs.headerOrder))
	merged = append(merged, front...)
	merged = append(merged, hdrs.headerOrder...)
	hdrs.headerOrder = merged
	// Walk backwards so front[0] ends up owning the shortcut slot.
	for i := len(front) - 1; i >= 0; i-- {
		hdrs.cacheHeader(front[i], true)
	}
}

// ReplaceHeader swaps the first header carrying the same name.
// It is a no-op when no such header is present.
func (hdrs *headers) ReplaceHeader(hdr Header) {
	want := HeaderToLower(hdr.Name())
	for i, existing := range hdrs.headerOrder {
		if HeaderToLower(existing.Name()) == want {
			hdrs.headerOrder[i] = hdr
			hdrs.cacheHeader(hdr, true)
			return
		}
	}
}

// Headers exposes every header in wire order.
func (hdrs *headers) Headers() []Header {
	return hdrs.headerOrder
}

// GetHeaders returns all headers named name, case-insensitive.
func (hdrs *headers) GetHeaders(name string) []Header {
	var out []Header
	want := HeaderToLower(name)
	for _, hdr := range hdrs.headerOrder {
		if HeaderToLower(hdr.Name()) == want {
			out = append(out, hdr)
		}
	}
	return out
}

// GetHeader returns the first header named name, or nil.
func (hdrs *headers) GetHeader(name string) Header {
	return hdrs.getHeader(HeaderToLower(name))
}

// getHeader expects name already lowercased.
func (hdrs *headers) getHeader(name string) Header {
	for _, hdr := range hdrs.headerOrder {
		if HeaderToLower(hdr.Name()) == name {
			return hdr
		}
	}
	return nil
}

// RemoveHeader deletes the first header named name.
func (hdrs *headers) RemoveHeader(name string) {
	want := HeaderToLower(name)
	for i, hdr := range hdrs.headerOrder {
		if HeaderToLower(hdr.Name()) == want {
			hdrs.headerOrder = append(hdrs.headerOrder[:i], hdrs.headerOrder[i+1:]...)
			hdrs.uncacheHeader(hdr)
			return
		}
	}
}

// uncacheHeader clears the shortcut slot if it pointed at hdr and reseats
// it on the next header of the same kind, if any.
func (hdrs *headers) uncacheHeader(hdr Header) {
	switch hdr.(type) {
	case *ViaHeader:
		hdrs.via = nil
	case *FromHeader:
		hdrs.from = nil
	case *ToHeader:
		hdrs.to = nil
	case *CallIDHeader:
		hdrs.callid = nil
	case *ContactHeader:
		hdrs.contact = nil
	case *CSeqHeader:
		hdrs.cseq = nil
	case *ContentLengthHeader:
		hdrs.contentLength = nil
	case *ContentTypeHeader:
		hdrs.contentType = nil
	default:
		return
	}
	for _, rest := range hdrs.headerOrder {
		hdrs.cacheHeader(rest, false)
	}
}

// CloneHeaders deep-copies every header.
func (hdrs *headers) CloneHeaders() []Header {
	out := make([]Header, 0, len(hdrs.headerOrder))
	for _, hdr := range hdrs.headerOrder {
		out = append(out, hdr.headerClone())
	}
	return out
}

func (hdrs *headers) CallID() *CallIDHeader {
	return hdrs.callid
}

func (hdrs *headers) Via() *ViaHeader {
	return hdrs.via
}

func (hdrs *headers) From() *FromHeader {
	return hdrs.from
}

func (hdrs *headers) To() *ToHeader {
	return hdrs.to
}

func (hdrs *headers) CSeq() *CSeqHeader {
	return hdrs.cseq
}

func (hdrs *headers) ContentLength() *ContentLengthHeader {
	return hdrs.contentLength
}

func (hdrs *headers) ContentType() *ContentTypeHeader {
	return hdrs.contentType
}

func (hdrs *headers) Contact() *ContactHeader {
	return hdrs.contact
}

// MaxForwards returns the Max-Forwards header, or nil.
func (hdrs *headers) MaxForwards() *MaxForwardsHeader {
	hdr := hdrs.getHeader("max-forwards")
	if hdr == nil {
		return nil
	}
	mf, ok := hdr.(*MaxForwardsHeader)
	if !ok {
		return nil
	}
	return mf
}

// Route returns the first Route header, or nil.
func (hdrs *headers) Route() *RouteHeader {
	hdr := hdrs.getHeader("route")
	if hdr == nil {
		return nil
	}
	route, ok := hdr.(*RouteHeader)
	if !ok {
		return nil
	}
	return route
}

// RecordRoute returns the first Record-Route header, or nil.
func (hdrs *headers) RecordRoute() *RecordRouteHeader {
	hdr := hdrs.getHeader("record-route")
	if hdr == nil {
		return nil
	}
	rr, ok := hdr.(*RecordRouteHeader)
	if !ok {
		return nil
	}
	return rr
}

// ViaHeader is one Via hop. Hops folded into a single field on the wire
// are chained through Next.
type ViaHeader struct {
	ProtocolName    string // "SIP"
	ProtocolVersion string // "2.0"
	Transport       string
	Host            string
	Port            int // zero when absent
	Params          HeaderParams
	Next            *ViaHeader
}

// SentBy renders host[:port] as the hop advertised it.
func (v *ViaHeader) SentBy() string {
	if v.Port <= 0 {
		return v.Host
	}
	return v.Host + ":" + strconv.Itoa(v.Port)
}

func (v *ViaHeader) Name() string { return "Via" }

func (v *ViaHeader) String() string {
	var sb strings.Builder
	v.StringWrite(&sb)
	return sb.String()
}

func (v *ViaHeader) StringWrite(w io.StringWriter) {
	w.WriteString(v.Name())
	w.WriteString(": ")
	v.ValueStringWrite(w)
}

func (v *ViaHeader) Value() string {
	var sb strings.Builder
	v.ValueStringWrite(&sb)
	return sb.String()
}

func (v *ViaHeader) ValueStringWrite(w io.StringWriter) {
	for hop := v; hop != nil; hop = hop.Next {
		w.WriteString(hop.ProtocolName)
		w.WriteString("/")
		w.WriteString(hop.ProtocolVersion)
		w.WriteString("/")
		w.WriteString(hop.Transport)
		w.WriteString(" ")
		w.WriteString(hop.Host)
		if hop.Port > 0 {
			w.WriteString(":")
			w.WriteString(strconv.Itoa(hop.Port))
		}
		if hop.Params != nil && hop.Params.Length() > 0 {
			w.WriteString(";")
			hop.Params.ToStringWrite(';', w)
		}
		if hop.Next != nil {
			w.WriteString(", ")
		}
	}
}

func (v *ViaHeader) headerClone() Header {
	return v.Clone()
}

// Clone copies the hop and everything chained behind it.
func (v *ViaHeader) Clone() *ViaHeader {
	head := v.cloneFirst()
	tail := head
	for hop := v.Next; hop != nil; hop = hop.Next {
		tail.Next = hop.cloneFirst()
		tail = tail.Next
	}
	return head
}

func (v *ViaHeader) cloneFirst() *ViaHeader {
	if v == nil {
		return nil
	}
	dup := &ViaHeader{
		ProtocolName:    v.ProtocolName,
		ProtocolVersion: v.ProtocolVersion,
		Transport:       v.Transport,
		Host:            v.Host,
		Port:            v.Port,
	}
	if v.Params != nil {
		dup.Params = v.Params.clone()
	}
	return dup
}

// FromHeader carries the logical request originator.
type FromHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (f *FromHeader) Name() string { return "From" }

func (f *FromHeader) String() string {
	var sb strings.Builder
	f.StringWrite(&sb)
	return sb.String()
}

func (f *FromHeader) StringWrite(w io.StringWriter) {
	w.WriteString(f.Name())
	w.WriteString(": ")
	f.ValueStringWrite(w)
}

func (f *FromHeader) Value() string {
	var sb strings.Builder
	f.ValueStringWrite(&sb)
	return sb.String()
}

func (f *FromHeader) ValueStringWrite(w io.StringWriter) {
	writeNameAddr(w, f.DisplayName, &f.Address, f.Params)
}

func (f *FromHeader) headerClone() Header {
	if f == nil {
		var nilFrom *FromHeader
		return nilFrom
	}
	dup := &FromHeader{
		DisplayName: f.DisplayName,
		Address:     f.Address,
	}
	if f.Params != nil {
		dup.Params = f.Params.Clone()
	}
	return dup
}

// ToHeader carries the logical request target.
type ToHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (t *ToHeader) Name() string { return "To" }

func (t *ToHeader) String() string {
	var sb strings.Builder
	t.StringWrite(&sb)
	return sb.String()
}

func (t *ToHeader) StringWrite(w io.StringWriter) {
	w.WriteString(t.Name())
	w.WriteString(": ")
	t.ValueStringWrite(w)
}

func (t *ToHeader) Value() string {
	var sb strings.Builder
	t.ValueStringWrite(&sb)
	return sb.String()
}

func (t *ToHeader) ValueStringWrite(w io.StringWriter) {
	writeNameAddr(w, t.DisplayName, &t.Address, t.Params)
}

func (t *ToHeader) headerClone() Header {
	if t == nil {
		var nilTo *ToHeader
		return nilTo
	}
	dup := &ToHeader{
		DisplayName: t.DisplayName,
		Address:     t.Address,
	}
	if t.Params != nil {
		dup.Params = t.Params.Clone()
	}
	return dup
}

// writeNameAddr renders the shared name-addr form of From/To/Contact:
// optional quoted display name, bracketed URI, then header params.
func writeNameAddr(w io.StringWriter, displayName string, addr *Uri, params HeaderParams) {
	if displayName != "" {
		w.WriteString("\"")
		w.WriteString(displayName)
		w.WriteString("\" ")
	}
	w.WriteString("<")
	addr.StringWrite(w)
	w.WriteString(">")
	if params != nil && params.Length() > 0 {
		w.WriteString(";")
		params.ToStringWrite(';', w)
	}
}

// ContactHeader is one contact binding; multiple bindings from a single
// comma-separated field are chained through Next.
type ContactHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
	Next        *ContactHeader
}

func (c *ContactHeader) Name() string { return "Contact" }

func (c *ContactHeader) String() string {
	var sb strings.Builder
	c.StringWrite(&sb)
	return sb.String()
}

func (c *ContactHeader) StringWrite(w io.StringWriter) {
	w.WriteString(c.Name())
	w.WriteString(": ")
	c.ValueStringWrite(w)
}

func (c *ContactHeader) Value() string {
	var sb strings.Builder
	c.ValueStringWrite(&sb)
	return sb.String()
}

func (c *ContactHeader) ValueStringWrite(w io.StringWriter) {
	for hop := c; hop != nil; hop = hop.Next {
		hop.valueWrite(w)
		if hop.Next != nil {
			w.WriteString(", ")
		}
	}
}

func (c *ContactHeader) valueWrite(w io.StringWriter) {
	if c.Address.Wildcard {
		// The wildcard binding is bare, never wrapped in angle brackets.
		w.WriteString("*")
		return
	}
	writeNameAddr(w, c.DisplayName, &c.Address, c.Params)
}

func (c *ContactHeader) headerClone() Header {
	return c.Clone()
}

// Clone copies the binding and everything chained behind it.
func (c *ContactHeader) Clone() *ContactHeader {
	head := c.cloneFirst()
	tail := head
	for hop := c.Next; hop != nil; hop = hop.Next {
		tail.Next = hop.cloneFirst()
		tail = tail.Next
	}
	return head
}

func (c *ContactHeader) cloneFirst() *ContactHeader {
	if c == nil {
		return nil
	}
	dup := &ContactHeader{
		DisplayName: c.DisplayName,
		Address:     *c.Address.Clone(),
	}
	if c.Params != nil {
		dup.Params = c.Params.Clone()
	}
	return dup
}

// CallIDHeader is the Call-ID value.
type CallIDHeader string

func (h *CallIDHeader) Name() string { return "Call-ID" }

func (h *CallIDHeader) Value() string { return string(*h) }

func (h *CallIDHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *CallIDHeader) StringWrite(w io.StringWriter) {
	w.WriteString(h.Name())
	w.WriteString(": ")
	w.WriteString(h.Value())
}

func (h *CallIDHeader) headerClone() Header {
	return h
}

// CSeqHeader pairs the sequence number with the request method.
type CSeqHeader struct {
	SeqNo      uint32
	MethodName RequestMethod
}

func (h *CSeqHeader) Name() string { return "CSeq" }

func (h *CSeqHeader) Value() string {
	return fmt.Sprintf("%d %s", h.SeqNo, h.MethodName)
}

func (h *CSeqHeader) ValueStringWrite(w io.StringWriter) {
	w.WriteString(strconv.Itoa(int(h.SeqNo)))
	w.WriteString(" ")
	w.WriteString(string(h.MethodName))
}

func (h *CSeqHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *CSeqHeader) StringWrite(w io.StringWriter) {
	w.WriteString(h.Name())
	w.WriteString(": ")
	h.ValueStringWrite(w)
}

func (h *CSeqHeader) headerClone() Header {
	if h == nil {
		var nilCSeq *CSeqHeader
		return nilCSeq
	}
	return &CSeqHeader{
		SeqNo:      h.SeqNo,
		MethodName: h.MethodName,
	}
}

type MaxForwardsHeader uint32

func (h *MaxForwardsHeader) Name() string { return "Max-Forwards" }

func (h *MaxForwardsHeader) Value() string { return strconv.Itoa(int(*h)) }

// Dec drops the hop count by one.
func (h *MaxForwardsHeader) Dec() {
	*h--
}

func (h *MaxForwardsHeader) Val() int {
	return int(*h)
}

func (h *MaxForwardsHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *MaxForwardsHeader) StringWrite(w io.StringWriter) {
	w.WriteString(h.Name())
	w.WriteString(": ")
	w.WriteString(h.Value())
}

func (h *MaxForwardsHeader) headerClone() Header { return h }

type Expires uint32

func (h *Expires) Name() string { return "Expires" }

func (h Expires) Value() string { return strconv.Itoa(int(h)) }

func (h *Expires) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *Expires) StringWrite(w io.StringWriter) {
	w.WriteString(h.Name())
	w.WriteString(": ")
	w.WriteString(h.Value())
}

func (h *Expires) headerClone() Header { return h }

type ContentLengthHeader uint32

func (h *ContentLengthHeader) Name() string { return "Content-Length" }

func (h ContentLengthHeader) Value() string { return strconv.Itoa(int(h)) }

func (h ContentLengthHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h ContentLengthHeader) StringWrite(w io.StringWriter) {
	w.WriteString(h.Name())
	w.WriteString(": ")
	w.WriteString(h.Value())
}

func (h *ContentLengthHeader) headerClone() Header { return h }

type ContentTypeHeader string

func (h *ContentTypeHeader) Name() string { return "Content-Type" }

func (h ContentTypeHeader) Value() string { return string(h) }

func (h *ContentTypeHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *ContentTypeHeader) StringWrite(w io.StringWriter) {
	w.WriteString(h.Name())
	w.WriteString(": ")
	w.WriteString(h.Value())
}

func (h *ContentTypeHeader) headerClone() Header { return h }

// RouteHeader is one Route hop; hops folded into a single field are
// chained through Next.
type RouteHeader struct {
	Address Uri
	Next    *RouteHeader
}

func (r *RouteHeader) Name() string { return "Route" }

func (r *RouteHeader) Value() string {
	var sb strings.Builder
	r.ValueStringWrite(&sb)
	return sb.String()
}

func (r *RouteHeader) ValueStringWrite(w io.StringWriter) {
	for hop := r; hop != nil; hop = hop.Next {
		w.WriteString("<")
		hop.Address.StringWrite(w)
		w.WriteString(">")
		if hop.Next != nil {
			w.WriteString(", ")
		}
	}
}

func (r *RouteHeader) String() string {
	var sb strings.Builder
	r.StringWrite(&sb)
	return sb.String()
}

func (r *RouteHeader) StringWrite(w io.StringWriter) {
	w.WriteString(r.Name())
	w.WriteString(": ")
	r.ValueStringWrite(w)
}

func (r *RouteHeader) headerClone() Header {
	return r.Clone()
}

func (r *RouteHeader) Clone() *RouteHeader {
	if r == nil {
		return nil
	}
	head := &RouteHeader{Address: r.Address}
	tail := head
	for hop := r.Next; hop != nil; hop = hop.Next {
		tail.Next = &RouteHeader{Address: hop.Address}
		tail = tail.Next
	}
	return head
}

// RecordRouteHeader is one Record-Route hop; see RouteHeader.
type RecordRouteHeader struct {
	Address Uri
	Next    *RecordRouteHeader
}

func (r *RecordRouteHeader) Name() string { return "Record-Route" }

func (r *RecordRouteHeader) Value() string {
	var sb strings.Builder
	r.ValueStringWrite(&sb)
	return sb.String()
}

func (r *RecordRouteHeader) ValueStringWrite(w io.StringWriter) {
	for hop := r; hop != nil; hop = hop.Next {
		w.WriteString("<")
		hop.Address.StringWrite(w)
		w.WriteString(">")
		if hop.Next != nil {
			w.WriteString(", ")
		}
	}
}

func (r *RecordRouteHeader) String() string {
	var sb strings.Builder
	r.StringWrite(&sb)
	return sb.String()
}

func (r *RecordRouteHeader) StringWrite(w io.StringWriter) {
	w.WriteString(r.Name())
	w.WriteString(": ")
	r.ValueStringWrite(w)
}

func (r *RecordRouteHeader) headerClone() Header {
	return r.Clone()
}

func (r *RecordRouteHeader) Clone() *RecordRouteHeader {
	if r == nil {
		return nil
	}
	head := &RecordRouteHeader{Address: r.Address}
	tail := head
	for hop := r.Next; hop != nil; hop = hop.Next {
		tail.Next = &RecordRouteHeader{Address: hop.Address}
		tail = tail.Next
	}
	return head
}

// GenericHeader holds any header the stack has no typed parser for.
// The value is kept verbatim and passed through untouched.
type GenericHeader struct {
	HeaderName string
	Contents   string
}

func (h *GenericHeader) Name() string { return h.HeaderName }

func (h *GenericHeader) Value() string { return h.Contents }

func (h *GenericHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *GenericHeader) StringWrite(w io.StringWriter) {
	w.WriteString(h.Name())
	w.WriteString(": ")
	w.WriteString(h.Value())
}

func (h *GenericHeader) headerClone() Header {
	if h == nil {
		var nilGeneric *GenericHeader
		return nilGeneric
	}
	return &GenericHeader{
		HeaderName: h.HeaderName,
		Contents:   h.Contents,
	}
}

// NewHeader builds a GenericHeader for a field with no dedicated typed
// constructor (e.g. "Allow", "WWW-Authenticate", "Authorization").
func NewHeader(name, value string) Header {
	return &GenericHeader{
		HeaderName: name,
		Contents:   value,
	}
}

// CopyHeaders clones every header named name from one message into the
// other, appended after whatever is already there.
func CopyHeaders(name string, from, to Message) {
	for _, hdr := range from.GetHeaders(name) {
		to.AppendHeader(hdr.headerClone())
	}
}
