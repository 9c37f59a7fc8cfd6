package sip

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// abnfWs are the whitespace characters of the SIP ABNF, RFC 3261 25.
const abnfWs = " \t"

// maxCseq caps the CSeq number at 2**31-1, RFC 3261 8.1.1.5.
const maxCseq = 2147483647

var (
	ErrParseLineNoCRLF     = errors.New("line has no CRLF")
	ErrParseInvalidMessage = errors.New("invalid SIP message")

	// semantic validation errors
	ErrParseInvalidStatus  = errors.New("status code out of 100-699 range")
	ErrParseInvalidMethod  = errors.New("request method is not a valid token")
	ErrParseInvalidHeader  = errors.New("invalid header")
	ErrParseMissingHeaders = errors.New("missing mandatory headers")
	ErrParseCSeqMismatch   = errors.New("CSeq method does not match request method")

	// stream parse errors
	ErrParseSipPartial         = errors.New("SIP partial data")
	ErrParseReadBodyIncomplete = errors.New("reading body incomplete")
	ErrParseMoreMessages       = errors.New("stream has more message")
)

var bufReader = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// ParseMessage parses a full SIP message with a default parser.
func ParseMessage(msgData []byte) (Message, error) {
	parser := NewParser()
	return parser.ParseSIP(msgData)
}

// Parser turns wire bytes into Message values. It is stateless and safe
// to share; per-stream state lives in ParserStream.
type Parser struct {
	log zerolog.Logger

	// headersParsers dispatches typed header parsing. A smaller table
	// parses faster.
	headersParsers mapHeadersParser
}

// ParserOption configures NewParser.
type ParserOption func(p *Parser)

func NewParser(options ...ParserOption) *Parser {
	p := &Parser{
		log:            log.Logger,
		headersParsers: headersParsers,
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// WithParserLogger overrides the parser logger.
func WithParserLogger(logger zerolog.Logger) ParserOption {
	return func(p *Parser) {
		p.log = logger
	}
}

// WithHeadersParsers overrides the typed header table. Register extra
// parsers only for headers that appear in nearly every message; rare
// ones are cheaper as GenericHeader.
func WithHeadersParsers(m map[string]HeaderParser) ParserOption {
	return func(p *Parser) {
		p.headersParsers = m
	}
}

// ParseSIP parses one complete SIP message held in data. On datagram
// transports the body is whatever follows the empty line; a
// Content-Length disagreeing with it is tolerated and logged, per the
// laxer rules for connectionless transports (on streams the length is
// authoritative and handled by ParserStream instead).
func (p *Parser) ParseSIP(data []byte) (msg Message, err error) {
	reader := bufReader.Get().(*bytes.Buffer)
	defer bufReader.Put(reader)
	reader.Reset()
	reader.Write(data)

	startLine, err := nextLine(reader)
	if err != nil {
		return nil, err
	}

	msg, err = ParseLine(startLine)
	if err != nil {
		return nil, err
	}

	for {
		line, err := nextLine(reader)
		if err != nil {
			if err == io.EOF {
				return nil, ErrParseInvalidMessage
			}
			return nil, err
		}

		if len(line) == 0 {
			// empty line ends the header block
			break
		}

		line = unfoldLine(line, reader)

		// a header the typed parser rejects fails the whole message;
		// only unrecognized names pass through as GenericHeader
		if err := p.headersParsers.parseMsgHeader(msg, line); err != nil {
			return nil, err
		}
	}

	// snapshot the parsed header before SetBody rewrites it
	declaredLen := -1
	if hdr := msg.ContentLength(); hdr != nil {
		declaredLen = int(*hdr)
	}

	bodyLen := getBodyLength(data)
	if bodyLen > 0 {
		body := make([]byte, bodyLen)
		total, err := reader.Read(body)
		if err != nil {
			return nil, fmt.Errorf("read message body failed: %w", err)
		}
		if total != bodyLen {
			return nil, fmt.Errorf(
				"incomplete message body: read %d bytes, expected %d bytes",
				total, bodyLen,
			)
		}
		msg.SetBody(body)
	}

	if declaredLen >= 0 && declaredLen != max(bodyLen, 0) {
		p.log.Warn().
			Int("content_length", declaredLen).
			Int("body", max(bodyLen, 0)).
			Msg("Content-Length mismatch on datagram transport")
	}

	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// validateMessage enforces the message invariants after a structurally
// successful parse: at least one Via, the From/To/Call-ID/CSeq set
// present, and on requests a CSeq method equal to the request method.
func validateMessage(msg Message) error {
	var missing []string
	if msg.Via() == nil {
		missing = append(missing, "Via")
	}
	if msg.From() == nil {
		missing = append(missing, "From")
	}
	if msg.To() == nil {
		missing = append(missing, "To")
	}
	if msg.CallID() == nil {
		missing = append(missing, "Call-ID")
	}
	cseq := msg.CSeq()
	if cseq == nil {
		missing = append(missing, "CSeq")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrParseMissingHeaders, strings.Join(missing, ", "))
	}

	if req, ok := msg.(*Request); ok && cseq.MethodName != req.Method {
		return fmt.Errorf("%w: %s vs %s", ErrParseCSeqMismatch, cseq.MethodName, req.Method)
	}
	return nil
}

// unfoldLine collapses RFC 3261 7.3.1 header continuations: every CRLF
// followed by SP/HTAB joins the next line onto this one with a single
// space.
func unfoldLine(line string, reader *bytes.Buffer) string {
	rest := reader.Bytes()
	if len(rest) == 0 || (rest[0] != ' ' && rest[0] != '\t') {
		return line
	}

	var sb strings.Builder
	sb.WriteString(line)
	for {
		rest = reader.Bytes()
		if len(rest) == 0 || (rest[0] != ' ' && rest[0] != '\t') {
			return sb.String()
		}
		cont, err := nextLine(reader)
		if err != nil {
			return sb.String()
		}
		sb.WriteString(" ")
		sb.WriteString(strings.TrimLeft(cont, abnfWs))
	}
}

// NewSIPStream creates a stream parsing context sharing this parser's
// header table. One per TCP/TLS/WS connection.
func (p *Parser) NewSIPStream() *ParserStream {
	return &ParserStream{
		headersParsers: p.headersParsers,
	}
}

// ParseLine parses a start line into an empty Request or Response.
func ParseLine(startLine string) (msg Message, err error) {
	if isRequest(startLine) {
		recipient := Uri{}
		method, sipVersion, err := ParseRequestLine(startLine, &recipient)
		if err != nil {
			return nil, err
		}
		m := NewRequest(method, recipient)
		m.SipVersion = sipVersion
		return m, nil
	}

	if isResponse(startLine) {
		sipVersion, statusCode, reason, err := ParseStatusLine(startLine)
		if err != nil {
			return nil, err
		}
		m := NewResponse(statusCode, reason)
		m.SipVersion = sipVersion
		return m, nil
	}
	return nil, fmt.Errorf("transmission beginning '%s' is not a SIP message", startLine)
}

// nextLine reads one CRLF-terminated line. RFC 3261 7 requires CRLF on
// the start line, every header, and the empty line.
func nextLine(reader *bytes.Buffer) (line string, err error) {
	line, err = reader.ReadString('\n')
	if err != nil {
		// io.EOF with a partial line is returned as-is
		return line, err
	}

	lineLen := len(line)
	if lineLen < 2 || line[lineLen-2] != '\r' {
		return line, ErrParseLineNoCRLF
	}
	return line[:lineLen-2], nil
}

// getBodyLength locates the body after the double CRLF and returns its
// size, or -1 when there is no header/body separator at all.
func getBodyLength(data []byte) int {
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx == -1 {
		return -1
	}
	return len(data) - (idx + 4)
}

// isRequest heuristically matches a request line: exactly two spaces
// with the version token last.
func isRequest(startLine string) bool {
	ind := strings.IndexRune(startLine, ' ')
	if ind <= 0 {
		return false
	}
	ind1 := strings.IndexRune(startLine[ind+1:], ' ')
	if ind1 <= 0 {
		return false
	}

	part2 := startLine[ind+1+ind1+1:]
	if strings.IndexRune(part2, ' ') >= 0 {
		return false
	}
	if len(part2) < 3 {
		return false
	}
	return UriIsSIP(part2[:3])
}

// isResponse heuristically matches a status line: version token first.
func isResponse(startLine string) bool {
	ind := strings.IndexRune(startLine, ' ')
	if ind <= 0 {
		return false
	}
	if strings.IndexRune(startLine[ind+1:], ' ') <= 0 {
		return false
	}
	return UriIsSIP(startLine[:3])
}

// ParseRequestLine parses e.g. "INVITE sip:bob@example.com SIP/2.0".
func ParseRequestLine(requestLine string, recipient *Uri) (
	method RequestMethod, sipVersion string, err error) {
	parts := strings.Split(requestLine, " ")
	if len(parts) != 3 {
		err = fmt.Errorf("request line should have 2 spaces: '%s'", requestLine)
		return
	}

	methodToken := strings.ToUpper(parts[0])
	if !isMethodToken(methodToken) {
		err = fmt.Errorf("%w: %q", ErrParseInvalidMethod, parts[0])
		return
	}
	method = RequestMethod(methodToken)
	err = ParseUri(parts[1], recipient)
	sipVersion = parts[2]

	if recipient.Wildcard {
		err = fmt.Errorf("wildcard URI '*' not permitted in request line: '%s'", requestLine)
		return
	}
	return
}

// isMethodToken accepts the standard methods and any well-formed
// extension token, RFC 3261 25.1.
func isMethodToken(method string) bool {
	if method == "" {
		return false
	}
	for i := 0; i < len(method); i++ {
		c := method[i]
		switch {
		case 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case c == '-' || c == '.' || c == '!' || c == '%' || c == '*' ||
			c == '_' || c == '+' || c == '`' || c == '\'' || c == '~':
		default:
			return false
		}
	}
	return true
}

// ParseStatusLine parses e.g. "SIP/2.0 200 OK".
func ParseStatusLine(statusLine string) (
	sipVersion string, statusCode int, reasonPhrase string, err error) {
	parts := strings.Split(statusLine, " ")
	if len(parts) < 3 {
		err = fmt.Errorf("status line has too few spaces: '%s'", statusLine)
		return
	}

	sipVersion = parts[0]
	statusCodeRaw, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return
	}
	statusCode = int(statusCodeRaw)
	if statusCode < 100 || statusCode > 699 {
		err = fmt.Errorf("%w: %d", ErrParseInvalidStatus, statusCode)
		return
	}
	reasonPhrase = strings.Join(parts[2:], " ")
	return
}
