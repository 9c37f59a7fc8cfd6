package sip

import (
	"errors"
	"strconv"
	"strings"
)

// parseViaHeader parses one Via hop. A comma-separated line holds
// several hops on a single logical header (RFC 3261 7.3.1); each hop is
// reported back through errComaDetected so the dispatcher appends them
// in order.
func parseViaHeader(headerName string, headerText string) (Header, error) {
	hop := ViaHeader{
		Params: HeaderParams{},
	}
	state := viaStateProtocol
	var off, n int
	var err error

	for state != nil {
		state, n, err = state(&hop, headerText[off:])
		if err != nil {
			// rebase the comma offset onto the whole line
			if _, ok := err.(errComaDetected); ok {
				err = errComaDetected(off + n)
			}
			return &hop, err
		}
		off += n
	}
	return &hop, nil
}

type viaFSM func(h *ViaHeader, rest string) (viaFSM, int, error)

func viaStateProtocol(h *ViaHeader, rest string) (viaFSM, int, error) {
	ind := strings.IndexRune(rest, '/')
	if ind < 0 {
		return nil, 0, errors.New("Malformed protocol name in Via header")
	}
	h.ProtocolName = rest[:ind]
	return viaStateProtocolVersion, ind + 1, nil
}

func viaStateProtocolVersion(h *ViaHeader, rest string) (viaFSM, int, error) {
	ind := strings.IndexRune(rest, '/')
	if ind < 0 {
		return nil, 0, errors.New("Malformed protocol version in Via header")
	}
	h.ProtocolVersion = rest[:ind]
	return viaStateProtocolTransport, ind + 1, nil
}

func viaStateProtocolTransport(h *ViaHeader, rest string) (viaFSM, int, error) {
	ind := strings.IndexAny(rest, " \t")
	if ind < 0 {
		return nil, 0, errors.New("Malformed transport in Via header")
	}
	h.Transport = rest[:ind]
	return viaStateHost, ind + 1, nil
}

func viaStateHost(h *ViaHeader, rest string) (viaFSM, int, error) {
	var colonInd int
	endIndex := len(rest)
	var err error
loop:
	for i, c := range rest {
		switch c {
		case ';':
			endIndex = i
			break loop
		case ':':
			colonInd = i
		}
	}

	if colonInd > 0 {
		h.Port, err = strconv.Atoi(rest[colonInd+1 : endIndex])
		if err != nil {
			return nil, 0, nil
		}
		h.Host = rest[:colonInd]
	} else {
		h.Host = rest[:endIndex]
	}

	if endIndex == len(rest) {
		return nil, 0, nil
	}
	return viaStateParams, endIndex + 1, nil
}

func viaStateParams(h *ViaHeader, rest string) (viaFSM, int, error) {
	coma := strings.IndexRune(rest, ',')
	if coma > 0 {
		if _, err := UnmarshalParams(rest[:coma], ';', ',', h.Params); err != nil {
			return nil, 0, err
		}
		return viaStateProtocol, coma, errComaDetected(coma)
	}

	_, err := UnmarshalParams(rest, ';', '\r', h.Params)
	return nil, 0, err
}
