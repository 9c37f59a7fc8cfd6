package sip

import (
	"errors"
	"fmt"
	"strings"
)

// ParseAddressValue parses a name-addr or addr-spec as found in From,
// To, Contact, Route and Record-Route, RFC 3261 20.10: optional display
// name (possibly quoted), URI with or without angle brackets, then
// header params. It does not accept a comma-separated list.
func ParseAddressValue(addressText string, uri *Uri, headerParams HeaderParams) (displayName string, err error) {
	var semicolon, equal, startQuote, endQuote int = -1, -1, -1, -1
	var name string
	var uriStart, uriEnd int = 0, -1
	var inBrackets bool
	for i, c := range addressText {
		switch c {
		case '"':
			if startQuote < 0 {
				startQuote = i
			} else {
				endQuote = i
			}
		case '<':
			if uriStart > 0 {
				// inside params already
				continue
			}

			// display-name = *(token LWS) / quoted-string
			if endQuote > 0 {
				displayName = addressText[startQuote+1 : endQuote]
				startQuote, endQuote = -1, -1
			} else {
				displayName = strings.TrimSpace(addressText[:i])
			}
			uriStart = i + 1
			inBrackets = true
		case '>':
			uriEnd = i
			equal = -1
			inBrackets = false
		case ';':
			semicolon = i
			// without angle brackets everything after ; is header params
			if inBrackets {
				continue
			}
			if uriEnd < 0 {
				uriEnd = i
				continue
			}
			if equal > 0 {
				headerParams.Add(name, addressText[equal+1:i])
				name = ""
				equal = 0
			}
		case '=':
			name = addressText[semicolon+1 : i]
			equal = i
		case '*':
			if startQuote > 0 || uriStart > 0 {
				continue
			}
			uri.Wildcard = true
			return
		}
	}

	if uriEnd < 0 {
		uriEnd = len(addressText)
	}
	if uriStart > uriEnd {
		return "", errors.New("Malormed URI")
	}

	err = ParseUri(addressText[uriStart:uriEnd], uri)
	if err != nil {
		return
	}

	if equal > 0 {
		headerParams.Add(name, addressText[equal+1:])
	}
	return
}

// parseToAddressHeader parses the To header.
func parseToAddressHeader(headerName string, headerText string) (Header, error) {
	h := &ToHeader{
		Address: Uri{},
		Params:  NewParams(),
	}

	var err error
	h.DisplayName, err = ParseAddressValue(headerText, &h.Address, h.Params)
	if err != nil {
		return nil, err
	}
	if h.Address.Wildcard {
		// the wildcard URI only belongs in Contact
		return nil, fmt.Errorf("wildcard uri not permitted in to: header: %s", headerText)
	}
	return h, nil
}

// parseFromAddressHeader parses the From header.
func parseFromAddressHeader(headerName string, headerText string) (Header, error) {
	h := &FromHeader{
		Address: Uri{},
		Params:  NewParams(),
	}

	var err error
	h.DisplayName, err = ParseAddressValue(headerText, &h.Address, h.Params)
	if err != nil {
		return nil, err
	}
	if h.Address.Wildcard {
		return nil, fmt.Errorf("wildcard uri not permitted in from: header: %s", headerText)
	}
	return h, nil
}

// parseContactAddressHeader parses one Contact binding, reporting a
// comma through errComaDetected so lists split correctly.
func parseContactAddressHeader(headerName string, headerText string) (Header, error) {
	inBrackets := false
	inQuotes := false

	h := ContactHeader{
		Params: NewParams(),
	}

	endInd := len(headerText)
	end := endInd - 1
	var comaErr error

	for idx, char := range headerText {
		switch {
		case char == '<' && !inQuotes:
			inBrackets = true
		case char == '>' && !inQuotes:
			inBrackets = false
		case char == '"':
			inQuotes = !inQuotes
		case !inQuotes && !inBrackets:
			switch {
			case char == ',':
				comaErr = errComaDetected(idx)
				endInd = idx
			case idx == end:
				endInd = idx + 1
			default:
				continue
			}
		default:
			continue
		}
		if comaErr != nil {
			break
		}
	}

	if _, err := ParseAddressValue(headerText[:endInd], &h.Address, h.Params); err != nil {
		return nil, err
	}
	return &h, comaErr
}

// parseRouteHeader parses one Route hop; commas propagate so lists
// split into ordered headers.
func parseRouteHeader(headerName string, headerText string) (Header, error) {
	h := RouteHeader{}
	err := parseRouteAddress(headerText, &h.Address)
	return &h, err
}

// parseRecordRouteHeader parses one Record-Route hop.
func parseRecordRouteHeader(headerName string, headerText string) (Header, error) {
	h := RecordRouteHeader{}
	err := parseRouteAddress(headerText, &h.Address)
	return &h, err
}

func parseRouteAddress(headerText string, address *Uri) (err error) {
	inBrackets := false
	inQuotes := false
	end := len(headerText) - 1
	for idx, char := range headerText {
		if char == '<' && !inQuotes {
			inBrackets = true
			continue
		}
		if char == '>' && !inQuotes {
			inBrackets = false
		} else if char == '"' {
			inQuotes = !inQuotes
		}

		if !inQuotes && !inBrackets {
			switch {
			case char == ',':
				err = errComaDetected(idx)
			case idx == end:
				idx = idx + 1
			default:
				continue
			}

			if _, e := ParseAddressValue(headerText[:idx], address, nil); e != nil {
				return e
			}
			break
		}
	}
	return
}
