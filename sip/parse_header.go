package sip

import (
	"fmt"
	"strings"
)

// HeaderParser turns one raw header value into a typed Header.
type HeaderParser func(headerName string, headerData string) (Header, error)

// errComaDetected carries the offset of a comma splitting one header
// line into several values.
type errComaDetected int

func (e errComaDetected) Error() string {
	return "comma detected"
}

// mapHeadersParser dispatches a raw header line to its typed parser.
type mapHeadersParser map[string]HeaderParser

// headersParsers is the default typed-parser table. Kept minimal: every
// entry costs a lookup on every header of every message, so only headers
// that appear in essentially all traffic are typed.
var headersParsers = mapHeadersParser{
	"via":            parseViaHeader,
	"v":              parseViaHeader,
	"from":           parseFromAddressHeader,
	"f":              parseFromAddressHeader,
	"to":             parseToAddressHeader,
	"t":              parseToAddressHeader,
	"contact":        parseContactAddressHeader,
	"m":              parseContactAddressHeader,
	"call-id":        parseCallId,
	"i":              parseCallId,
	"cseq":           parseCSeq,
	"max-forwards":   parseMaxForwards,
	"content-length": parseContentLength,
	"l":              parseContentLength,
	"content-type":   parseContentType,
	"c":              parseContentType,
	"route":          parseRouteHeader,
	"record-route":   parseRecordRouteHeader,
}

// compactHeaders expands the RFC 3261/extension compact forms that have
// no typed parser. Forms with typed parsers (v, f, t, m, i, l, c) are
// expanded by the parsers themselves. The single letter only counts as
// compact when it stands alone as the header name.
var compactHeaders = map[string]string{
	"e": "content-encoding",
	"s": "subject",
	"k": "supported",
	"o": "event",
	"r": "refer-to",
	"b": "referred-by",
	"u": "allow-events",
	"y": "identity",
	"d": "request-disposition",
	"j": "reject-contact",
	"a": "accept-contact",
	"x": "session-expires",
}

// headerCanonicalName renders a lowercase header name in its canonical
// wire casing: known irregulars first, then Title-Case per hyphen
// segment.
func headerCanonicalName(lower string) string {
	switch lower {
	case "call-id":
		return "Call-ID"
	case "cseq":
		return "CSeq"
	case "www-authenticate":
		return "WWW-Authenticate"
	case "mime-version":
		return "MIME-Version"
	case "content-id":
		return "Content-ID"
	}

	var sb strings.Builder
	sb.Grow(len(lower))
	upNext := true
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if upNext && 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		sb.WriteByte(c)
		upNext = c == '-'
	}
	return sb.String()
}

// parseMsgHeader splits one header line into name and value, expands
// compact names, dispatches to the typed parser (falling back to a
// GenericHeader under the canonical long name), and appends the result
// to msg.
func (m mapHeadersParser) parseMsgHeader(msg Message, headerText string) error {
	colonIdx := strings.Index(headerText, ":")
	if colonIdx == -1 {
		return fmt.Errorf("field name with no value in header: %s", headerText)
	}

	fieldName := strings.TrimSpace(headerText[:colonIdx])
	lowerFieldName := HeaderToLower(fieldName)
	fieldText := strings.TrimSpace(headerText[colonIdx+1:])

	if parser, ok := m[lowerFieldName]; ok {
		// A parser signals a comma with errComaDetected, handing back the
		// value parsed so far; the rest of the line re-enters the parser
		// so every element lands as its own header, in wire order.
		for {
			header, err := parser(lowerFieldName, fieldText)
			if err == nil {
				msg.AppendHeader(header)
				return nil
			}
			comma, ok := err.(errComaDetected)
			if !ok {
				return fmt.Errorf("%w %q: %s", ErrParseInvalidHeader, fieldName, err.Error())
			}
			msg.AppendHeader(header)
			fieldText = strings.TrimLeft(fieldText[comma+1:], abnfWs)
		}
	}

	// untyped compact forms surface as their long-form twin
	if long, ok := compactHeaders[lowerFieldName]; ok {
		lowerFieldName = long
	}
	msg.AppendHeader(&GenericHeader{
		HeaderName: headerCanonicalName(lowerFieldName),
		Contents:   fieldText,
	})
	return nil
}

// parseCallId parses the Call-ID header.
func parseCallId(headerName string, headerText string) (Header, error) {
	headerText = strings.TrimSpace(headerText)
	if len(headerText) == 0 {
		return nil, fmt.Errorf("empty Call-ID body")
	}
	callId := CallIDHeader(headerText)
	return &callId, nil
}
