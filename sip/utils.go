package sip

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"reflect"
	"runtime"
	"strings"
)

const (
	letterBytes   = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	letterIdxBits = 6
	letterIdxMask = 1<<letterIdxBits - 1
	letterIdxMax  = 63 / letterIdxBits
)

// DefaultProtocol is used for a Request-URI/Via that carries no explicit
// transport parameter.
const DefaultProtocol = "UDP"

// DefaultPort returns the RFC 3261 18.1.1 default port for a transport:
// 5060 for UDP/TCP/WS, 5061 for the TLS-protected ones.
func DefaultPort(transport string) int {
	switch ASCIIToLower(transport) {
	case "tls", "wss", "quic":
		return 5061
	default:
		return 5060
	}
}

// RandString fills a string of length n from the alphanumeric alphabet.
func RandString(n int) string {
	out := make([]byte, n)
	entropy := make([]byte, n)
	if _, err := rand.Read(entropy); err != nil {
		panic(err)
	}
	for i := range out {
		out[i] = letterBytes[entropy[i]%uint8(len(letterBytes))]
	}
	return string(out)
}

// RandStringBytesMask appends n random alphanumeric characters to sb.
// One Int63 yields enough bits for several characters, so calls to the
// generator are amortized.
func RandStringBytesMask(sb *strings.Builder, n int) string {
	sb.Grow(n)
	for left, cache, remain := n, rand.Int63(), letterIdxMax; left > 0; {
		if remain == 0 {
			cache, remain = rand.Int63(), letterIdxMax
		}
		if idx := int(cache & letterIdxMask); idx < len(letterBytes) {
			sb.WriteByte(letterBytes[idx])
			left--
		}
		cache >>= letterIdxBits
		remain--
	}
	return sb.String()
}

// ASCIIToLower lowercases s without allocating when s holds only the
// letters a-z; any other byte, even '-' or a digit, makes it copy.
func ASCIIToLower(s string) string {
	firstUpper := -1
	for i, c := range s {
		if 'a' <= c && c <= 'z' {
			continue
		}
		firstUpper = i
		break
	}
	if firstUpper < 0 {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s))
	sb.WriteString(s[:firstUpper])
	for i := firstUpper; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

func ASCIIToLowerInPlace(s []byte) {
	for i, c := range s {
		if 'A' <= c && c <= 'Z' {
			s[i] = c + 'a' - 'A'
		}
	}
}

// ASCIIToUpper uppercases s without allocating when s holds only the
// letters A-Z; any other byte, even '-' or a digit, makes it copy.
func ASCIIToUpper(s string) string {
	firstLower := -1
	for i, c := range s {
		if 'A' <= c && c <= 'Z' {
			continue
		}
		firstLower = i
		break
	}
	if firstLower < 0 {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s))
	sb.WriteString(s[:firstLower])
	for i := firstLower; i < len(s); i++ {
		c := s[i]
		if 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// HeaderToLower lowercases a header name, skipping the allocation for the
// names that appear in nearly every message.
func HeaderToLower(s string) string {
	switch s {
	case "Via", "via":
		return "via"
	case "From", "from":
		return "from"
	case "To", "to":
		return "to"
	case "Call-ID", "call-id":
		return "call-id"
	case "Contact", "contact":
		return "contact"
	case "CSeq", "CSEQ", "cseq":
		return "cseq"
	case "Content-Type", "content-type":
		return "content-type"
	case "Content-Length", "content-length":
		return "content-length"
	case "Route", "route":
		return "route"
	case "Record-Route", "record-route":
		return "record-route"
	case "Max-Forwards", "max-forwards":
		return "max-forwards"
	case "Timestamp", "timestamp":
		return "timestamp"
	}
	return ASCIIToLower(s)
}

// UriIsSIP reports whether the scheme token is plain sip.
func UriIsSIP(s string) bool {
	switch s {
	case "sip", "SIP":
		return true
	}
	return false
}

func UriIsSIPS(s string) bool {
	switch s {
	case "sips", "SIPS":
		return true
	}
	return false
}

// uriNetIP formats a host for host:port joining: IPv6 literals get
// bracketed, everything else passes through.
func uriNetIP(host string) string {
	if strings.ContainsRune(host, ':') && !strings.HasPrefix(host, "[") {
		return "[" + host + "]"
	}
	return host
}

// SplitByWhitespace splits text on runs of SP/HTAB.
func SplitByWhitespace(text string) []string {
	var buf bytes.Buffer
	inToken := true
	parts := make([]string, 0)

	for _, r := range text {
		if strings.ContainsRune(abnfWs, r) {
			if inToken {
				parts = append(parts, buf.String())
				buf.Reset()
			}
			inToken = false
			continue
		}
		buf.WriteRune(r)
		inToken = true
	}
	if buf.Len() > 0 {
		parts = append(parts, buf.String())
	}
	return parts
}

// delimiter is a pair of characters that quote the text between them.
type delimiter struct {
	start uint8
	end   uint8
}

var (
	quotesDelim = delimiter{'"', '"'}
	anglesDelim = delimiter{'<', '>'}
)

// findUnescaped returns the index of the first target in text that sits
// outside every given delimiter pair, or -1.
func findUnescaped(text string, target uint8, delims ...delimiter) int {
	return findAnyUnescaped(text, string(target), delims...)
}

// findAnyUnescaped is findUnescaped over a set of target characters.
func findAnyUnescaped(text string, targets string, delims ...delimiter) int {
	quoted := false
	var closer uint8

	closers := make(map[uint8]uint8)
	for _, d := range delims {
		closers[d.start] = d.end
	}

	for i := 0; i < len(text); i++ {
		if !quoted && strings.IndexByte(targets, text[i]) >= 0 {
			return i
		}
		if quoted {
			quoted = text[i] != closer
			continue
		}
		closer, quoted = closers[text[i]]
	}
	return -1
}

// ResolveSelfIP returns a non-loopback unicast IP of this host.
func ResolveSelfIP() (net.IP, error) {
	ip, _, err := ResolveInterfacesIP("ip4", nil)
	return ip, err
}

// ResolveInterfacesIP walks the system interfaces and returns an IP
// matching network ("ip", "ip4", "ip6"). With a targetIP it matches the
// interface on the same subnet; loopback is skipped unless targetIP is
// itself loopback.
func ResolveInterfacesIP(network string, targetIP *net.IPNet) (net.IP, net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, net.Interface{}, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			if targetIP != nil && !targetIP.IP.IsLoopback() {
				continue
			}
		}

		ip, err := resolveInterfaceIP(iface, network, targetIP)
		if errors.Is(err, io.EOF) {
			continue
		}
		return ip, iface, err
	}
	return nil, net.Interface{}, errors.New("no interface found on system")
}

func resolveInterfaceIP(iface net.Interface, network string, targetIP *net.IPNet) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			// multicast addrs come back as IPAddr
			continue
		}
		ip := ipNet.IP
		if ip == nil {
			continue
		}
		if targetIP != nil {
			if !targetIP.Contains(ip) {
				continue
			}
		} else if ip.IsLoopback() {
			continue
		}

		switch network {
		case "ip4":
			if ip.To4() == nil {
				continue
			}
		case "ip6":
			if ip.To4() != nil {
				continue
			}
		}
		return ip, nil
	}
	return nil, io.EOF
}

// NonceWrite fills buf with random alphanumeric characters.
func NonceWrite(buf []byte) {
	for i := range buf {
		buf[i] = letterBytes[rand.Intn(len(letterBytes))]
	}
}

// MessageShortString dumps a short version of msg for logging.
func MessageShortString(msg Message) string {
	switch m := msg.(type) {
	case *Request:
		return m.Short()
	case *Response:
		return m.Short()
	}
	return "Unknown message type"
}

func compareFunctions(f1 any, f2 any) error {
	name1 := runtime.FuncForPC(reflect.ValueOf(f1).Pointer()).Name()
	name2 := runtime.FuncForPC(reflect.ValueOf(f2).Pointer()).Name()
	if name1 != name2 {
		return fmt.Errorf("Functions are not equal f1=%q, f2=%q", name1, name2)
	}
	return nil
}
