package sip

const (
	paramsStateKey = iota
	paramsStateEqual
	paramsStateValue
	paramsStateQuote
)

// UnmarshalParams scans key[=value] pairs separated by seperator into p,
// stopping at ending (or end of string). Values may be double-quoted and
// keys may stand alone (;lr). Returns how far it consumed.
func UnmarshalParams(s string, seperator rune, ending rune, p HeaderParams) (n int, err error) {
	var start, sep, quote int = 0, 0, -1
	state := paramsStateKey
	n = len(s)
	for i, c := range s {
		if c == ending {
			n = i
			break
		}

		switch state {
		case paramsStateKey:
			sep = 0
			start = i
			state = paramsStateEqual

		case paramsStateEqual:
			if c == seperator {
				// a key with no value, like lr
				p.Add(s[start:i], "")
				state = paramsStateKey
				continue
			}
			if c != '=' {
				continue
			}
			sep = i
			state = paramsStateValue

		case paramsStateValue:
			switch c {
			case '"':
				state = paramsStateQuote
				quote = i
			case seperator:
				p.Add(s[start:sep], s[sep+1:i])
				start = sep + 1
				state = paramsStateKey
			}

		case paramsStateQuote:
			if c != '"' {
				continue
			}
			p.Add(s[start:], s[quote+1:i])
			state = paramsStateKey
		}
	}

	// flush the trailing pair
	if sep > 0 && n >= 0 && start < sep {
		p.Add(s[start:sep], s[sep+1:n])
	}
	// trailing bare key
	if sep == 0 && start < n && n >= 0 {
		p.Add(s[start:], "")
	}
	return n, nil
}
