package sip

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type uriFSM func(uri *Uri, rest string) (uriFSM, string, error)

// ParseUri parses the RFC 3261 19.1.1 form
// sip:user:password@host:port;uri-parameters?headers into uri.
func ParseUri(uriStr string, uri *Uri) (err error) {
	if len(uriStr) == 0 {
		return errors.New("Empty URI")
	}
	state := uriStateScheme
	rest := uriStr
	for state != nil {
		state, rest, err = state(uri, rest)
		if err != nil {
			return
		}
	}
	return
}

func uriStateScheme(uri *Uri, rest string) (uriFSM, string, error) {
	switch {
	case len(rest) >= 4 && strings.EqualFold(rest[:4], "sip:"):
		return uriStateUser, rest[4:], nil
	case len(rest) >= 5 && strings.EqualFold(rest[:5], "sips:"):
		uri.Encrypted = true
		return uriStateUser, rest[5:], nil
	}
	// schemeless input starts at the host
	return uriStateHost, rest, nil
}

func uriStateUser(uri *Uri, rest string) (uriFSM, string, error) {
	userend := 0
	for i, c := range rest {
		if c == ':' {
			userend = i
		}
		if c == '@' {
			if userend > 0 {
				uri.User = rest[:userend]
				uri.Password = rest[userend+1 : i]
			} else {
				uri.User = rest[:i]
			}
			return uriStateHost, rest[i+1:], nil
		}
	}
	// no userinfo present
	return uriStateHost, rest, nil
}

func uriStatePassword(uri *Uri, rest string) (uriFSM, string, error) {
	for i, c := range rest {
		if c == '@' {
			uri.Password = rest[:i]
			return uriStateHost, rest[i+1:], nil
		}
	}
	return nil, "", fmt.Errorf("missing @")
}

func uriStateHost(uri *Uri, rest string) (uriFSM, string, error) {
	for i, c := range rest {
		switch c {
		case ':':
			uri.Host = rest[:i]
			return uriStatePort, rest[i+1:], nil
		case ';':
			uri.Host = rest[:i]
			return uriStateUriParams, rest[i+1:], nil
		case '?':
			uri.Host = rest[:i]
			return uriStateHeaders, rest[i+1:], nil
		}
	}
	uri.Host = rest
	return uriStateUriParams, "", nil
}

func uriStatePort(uri *Uri, rest string) (uriFSM, string, error) {
	var err error
	for i, c := range rest {
		switch c {
		case ';':
			uri.Port, err = strconv.Atoi(rest[:i])
			return uriStateUriParams, rest[i+1:], err
		case '?':
			uri.Port, err = strconv.Atoi(rest[:i])
			return uriStateHeaders, rest[i+1:], err
		}
	}
	uri.Port, err = strconv.Atoi(rest)
	return nil, rest, err
}

func uriStateUriParams(uri *Uri, rest string) (uriFSM, string, error) {
	uri.UriParams = NewParams()
	if len(rest) == 0 {
		uri.Headers = NewParams()
		return nil, rest, nil
	}

	n, err := UnmarshalParams(rest, ';', '?', uri.UriParams)
	if err != nil {
		return nil, rest, err
	}

	if n == len(rest) {
		n = n - 1
	}
	if rest[n] != '?' {
		return nil, rest, nil
	}
	return uriStateHeaders, rest[n+1:], nil
}

func uriStateHeaders(uri *Uri, rest string) (uriFSM, string, error) {
	uri.Headers = NewParams()
	_, err := UnmarshalParams(rest, '&', 0, uri.Headers)
	return nil, rest, err
}
