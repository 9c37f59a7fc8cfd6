package sip

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"sync"
)

const (
	streamStateStartLine = iota
	streamStateHeader
	streamStateContent
)

var streamBufReader = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// ParserStream reassembles SIP messages from a stream transport. One
// instance per connection; it keeps the partial message across reads.
// On streams Content-Length is authoritative for locating the message
// end (RFC 3261 7.5), unlike on datagrams.
type ParserStream struct {
	headersParsers mapHeadersParser

	// per-message state
	reader            *bytes.Buffer
	msg               Message
	readContentLength int
	state             int
}

func (p *ParserStream) reset() {
	p.state = streamStateStartLine
	p.msg = nil
	p.readContentLength = 0
}

// ParseSIPStream consumes one chunk of stream data and fires cb for
// every message completed by it. Incomplete trailing data stays
// buffered and returns ErrParseSipPartial.
func (p *ParserStream) ParseSIPStream(data []byte, cb func(msg Message)) error {
	if p.reader == nil {
		p.reader = streamBufReader.Get().(*bytes.Buffer)
		p.reader.Reset()
	}
	p.reader.Write(data)

	for {
		msg, err := p.parseSingle()
		switch err {
		case nil:
		case ErrParseLineNoCRLF, ErrParseReadBodyIncomplete:
			// keep state and buffered bytes for the next chunk
			return ErrParseSipPartial
		default:
			p.release()
			return err
		}

		cb(msg)
		p.reset()

		if p.reader.Len() == 0 {
			p.release()
			return nil
		}
		// more pipelined data follows, parse the next message
	}
}

func (p *ParserStream) release() {
	reader := p.reader
	p.reader = nil
	p.reset()
	if reader != nil {
		streamBufReader.Put(reader)
	}
}

// parseSingle advances the state machine as far as the buffered bytes
// allow. Partial reads surface as ErrParseLineNoCRLF or
// ErrParseReadBodyIncomplete with all consumed-but-unfinished input
// restored.
func (p *ParserStream) parseSingle() (Message, error) {
	reader := p.reader
	// snapshot to restore on a partial line, since nextLine consumes
	unparsed := reader.Bytes()
	restore := func() {
		keep := append([]byte(nil), unparsed...)
		reader.Reset()
		reader.Write(keep)
	}

	switch p.state {
	case streamStateStartLine:
		startLine, err := nextLine(reader)
		if err != nil {
			restore()
			if err == io.EOF {
				return nil, ErrParseLineNoCRLF
			}
			return nil, err
		}

		msg, err := ParseLine(startLine)
		if err != nil {
			return nil, err
		}

		p.msg = msg
		p.state = streamStateHeader
		fallthrough

	case streamStateHeader:
		msg := p.msg
		for {
			unparsed = reader.Bytes()
			line, err := nextLine(reader)
			if err != nil {
				restore()
				if err == io.EOF {
					return nil, ErrParseLineNoCRLF
				}
				return nil, err
			}

			if len(line) == 0 {
				// second CRLF, headers done
				break
			}

			line = unfoldLine(line, reader)

			if err := p.headersParsers.parseMsgHeader(msg, line); err != nil {
				return nil, fmt.Errorf("%s: %w", err.Error(), ErrParseInvalidMessage)
			}
		}

		contentLength, err := streamContentLength(msg)
		if err != nil {
			return nil, err
		}
		if contentLength <= 0 {
			if err := validateMessage(msg); err != nil {
				return nil, err
			}
			p.state = -1
			return msg, nil
		}

		msg.SetBody(make([]byte, contentLength))
		p.state = streamStateContent
		fallthrough

	case streamStateContent:
		msg := p.msg
		body := msg.Body()
		contentLength := len(body)

		n, err := reader.Read(body[p.readContentLength:])
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("read message body failed: %w", err)
		}
		p.readContentLength += n

		if p.readContentLength < contentLength {
			return nil, ErrParseReadBodyIncomplete
		}

		if err := validateMessage(msg); err != nil {
			return nil, err
		}
		p.state = -1
		return msg, nil

	default:
		return nil, fmt.Errorf("Parser is in unknown state")
	}
}

// streamContentLength pulls the body size off the message; on a stream
// the header is mandatory for any body.
func streamContentLength(msg Message) (int, error) {
	hdrs := msg.GetHeaders("Content-Length")
	if len(hdrs) == 0 {
		return 0, nil
	}
	if clh, ok := hdrs[0].(*ContentLengthHeader); ok {
		return int(*clh), nil
	}
	n, err := strconv.Atoi(hdrs[0].Value())
	if err != nil {
		return 0, fmt.Errorf("fail to parse content length: %w", err)
	}
	return n, nil
}
