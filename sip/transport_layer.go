package sip

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

var (
	tlsEmptyConf tls.Config

	ErrTransportNotSuported = errors.New("protocol not supported")

	errTransportConnectionDoesNotExists = errors.New("connection does not exists")
)

// TransportLayer demultiplexes messages over every configured network.
// It owns one transport per kind, resolves destinations, and hands every
// decoded message to the registered handlers.
type TransportLayer struct {
	udp  *TransportUDP
	tcp  *TransportTCP
	tls  *TransportTLS
	ws   *TransportWS
	wss  *TransportWSS
	quic *TransportQUIC

	listenPorts   map[string][]int
	listenPortsMu sync.Mutex
	dnsResolver   *net.Resolver

	handlers []MessageHandler

	log     *slog.Logger
	metrics *Metrics

	// connectionReuse forces outbound requests onto pooled connections
	connectionReuse bool

	// dnsPreferSRV always tries the SRV lookup first
	dnsPreferSRV bool
	dnsPreferIP  int // 0 no preference, 1 ip4, 2 ip6
}

type TransportLayerOption func(tpl *TransportLayer)

func WithTransportLayerLogger(logger *slog.Logger) TransportLayerOption {
	return func(tpl *TransportLayer) {
		if logger != nil {
			tpl.log = logger.With("caller", "TransportLayer")
		}
	}
}

func WithTransportLayerConnectionReuse(f bool) TransportLayerOption {
	return func(tpl *TransportLayer) {
		tpl.connectionReuse = f
	}
}

func WithTransportLayerDNSLookupSRV(preferSRV bool) TransportLayerOption {
	return func(tpl *TransportLayer) {
		tpl.dnsPreferSRV = preferSRV
	}
}

// WithTransportLayerMetrics attaches Prometheus instrumentation; without
// it nothing is counted.
func WithTransportLayerMetrics(m *Metrics) TransportLayerOption {
	return func(tpl *TransportLayer) {
		tpl.metrics = m
	}
}

// TransportsConfig lets callers slot in preconfigured transports.
type TransportsConfig struct {
	UDP  *TransportUDP
	TCP  *TransportTCP
	TLS  *TransportTLS
	WS   *TransportWS
	WSS  *TransportWSS
	QUIC *TransportQUIC
}

func WithTransportLayerTransports(conf TransportsConfig) TransportLayerOption {
	return func(tpl *TransportLayer) {
		tpl.withTransports(conf)
	}
}

// NewTransportLayer builds the layer with every transport initialized.
// tlsConfig may be nil, in which case an empty config is used for
// dialing TLS/WSS/QUIC.
func NewTransportLayer(
	dnsResolver *net.Resolver,
	sipparser *Parser,
	tlsConfig *tls.Config,
	option ...TransportLayerOption,
) *TransportLayer {
	tpl := &TransportLayer{
		listenPorts:     make(map[string][]int),
		dnsResolver:     dnsResolver,
		connectionReuse: true,
		log:             DefaultLogger().With("caller", "TransportLayer"),
		dnsPreferIP:     1,
	}

	for _, o := range option {
		o(tpl)
	}

	if tlsConfig == nil {
		tlsConfig = &tlsEmptyConf
	}

	defaults := TransportsConfig{
		UDP: &TransportUDP{
			log:             tpl.log.With("caller", "Transport<UDP>"),
			metrics:         tpl.metrics,
			connectionReuse: tpl.connectionReuse,
		},
		TCP: &TransportTCP{
			log:             tpl.log.With("caller", "Transport<TCP>"),
			connectionReuse: tpl.connectionReuse,
		},
		TLS: &TransportTLS{
			TransportTCP: &TransportTCP{
				log:             tpl.log.With("caller", "Transport<TLS>"),
				connectionReuse: tpl.connectionReuse,
			},
		},
		WS: &TransportWS{
			log: tpl.log.With("caller", "Transport<WS>"),
		},
		WSS: &TransportWSS{
			TransportWS: &TransportWS{
				log:             tpl.log.With("caller", "Transport<WSS>"),
				connectionReuse: tpl.connectionReuse,
			},
		},
		QUIC: &TransportQUIC{
			log: tpl.log.With("caller", "Transport<QUIC>"),
		},
	}
	tpl.withTransports(defaults)

	tpl.udp.init(sipparser)
	tpl.tcp.init(sipparser)
	tpl.tls.init(sipparser, tlsConfig)
	tpl.ws.init(sipparser)
	tpl.wss.init(sipparser, tlsConfig)
	tpl.quic.init(sipparser, tlsConfig)

	return tpl
}

func (tpl *TransportLayer) withTransports(conf TransportsConfig) {
	if conf.UDP != nil && tpl.udp == nil {
		tpl.udp = conf.UDP
	}
	if conf.TCP != nil && tpl.tcp == nil {
		tpl.tcp = conf.TCP
	}
	if conf.TLS != nil && tpl.tls == nil {
		tpl.tls = conf.TLS
	}
	if conf.WS != nil && tpl.ws == nil {
		tpl.ws = conf.WS
	}
	if conf.WSS != nil && tpl.wss == nil {
		tpl.wss = conf.WSS
	}
	if conf.QUIC != nil && tpl.quic == nil {
		tpl.quic = conf.QUIC
	}
}

// OnMessage registers h to receive every decoded inbound message.
// Handlers run on the reader goroutine, so they must not block long.
func (tpl *TransportLayer) OnMessage(h MessageHandler) {
	tpl.handlers = append(tpl.handlers, h)
}

// handleMessage fans a decoded message out to the handlers. Per RFC 3261
// 18.1.2 even responses matching no transaction are still forwarded up.
func (tpl *TransportLayer) handleMessage(msg Message) {
	for _, h := range tpl.handlers {
		h(msg)
	}
}

// ServeUDP reads datagrams from c until closed.
func (tpl *TransportLayer) ServeUDP(c net.PacketConn) error {
	_, port, err := ParseAddr(c.LocalAddr().String())
	if err != nil {
		return err
	}
	tpl.addListenPort("udp", port)
	return tpl.udp.Serve(c, tpl.handleMessage)
}

// ServeTCP accepts connections from c until closed.
func (tpl *TransportLayer) ServeTCP(c net.Listener) error {
	_, port, err := ParseAddr(c.Addr().String())
	if err != nil {
		return err
	}
	tpl.addListenPort("tcp", port)
	return tpl.tcp.Serve(c, tpl.handleMessage)
}

// ServeWS accepts websocket connections from c until closed.
func (tpl *TransportLayer) ServeWS(c net.Listener) error {
	_, port, err := ParseAddr(c.Addr().String())
	if err != nil {
		return err
	}
	tpl.addListenPort("ws", port)
	return tpl.ws.Serve(c, tpl.handleMessage)
}

// ServeTLS accepts TLS connections from c until closed.
func (tpl *TransportLayer) ServeTLS(c net.Listener) error {
	_, port, err := ParseAddr(c.Addr().String())
	if err != nil {
		return err
	}
	tpl.addListenPort("tls", port)
	return tpl.tls.Serve(c, tpl.handleMessage)
}

// ServeWSS accepts websocket-over-TLS connections from c until closed.
func (tpl *TransportLayer) ServeWSS(c net.Listener) error {
	_, port, err := ParseAddr(c.Addr().String())
	if err != nil {
		return err
	}
	tpl.addListenPort("wss", port)
	return tpl.wss.Serve(c, tpl.handleMessage)
}

// ServeQUIC accepts QUIC connections from ln until closed.
func (tpl *TransportLayer) ServeQUIC(ln *quic.Listener) error {
	_, port, err := ParseAddr(ln.Addr().String())
	if err != nil {
		return err
	}
	tpl.addListenPort("quic", port)
	return tpl.quic.Serve(ln, tpl.handleMessage)
}

func (tpl *TransportLayer) addListenPort(network string, port int) {
	tpl.listenPortsMu.Lock()
	defer tpl.listenPortsMu.Unlock()

	if _, ok := tpl.listenPorts[network]; !ok {
		if tpl.listenPorts[network] == nil {
			tpl.listenPorts[network] = make([]int, 0)
		}
		tpl.listenPorts[network] = append(tpl.listenPorts[network], port)
	}
}

func (tpl *TransportLayer) GetListenPort(network string) int {
	network = NetworkToLower(network)
	ports := tpl.listenPorts[network]
	if len(ports) > 0 {
		return ports[0]
	}
	return 0
}

func (tpl *TransportLayer) ListenPorts(network string) []int {
	tpl.listenPortsMu.Lock()
	defer tpl.listenPortsMu.Unlock()

	network = NetworkToLower(network)
	ports := tpl.listenPorts[network]
	return append(ports[:0:0], ports...)
}

func (tpl *TransportLayer) WriteMsg(msg Message) error {
	network := msg.Transport()
	addr := msg.Destination()
	return tpl.WriteMsgTo(msg, addr, network)
}

// WriteMsgTo sends msg toward addr. Requests get a fresh or pooled
// client connection; responses go back over the connection the request
// arrived on (RFC 3261 18.2.1 symmetric routing).
func (tpl *TransportLayer) WriteMsgTo(msg Message, addr string, network string) error {
	var conn Connection
	var err error

	switch m := msg.(type) {
	case *Request:
		ctx := context.Background()
		conn, err = tpl.ClientRequestConnection(ctx, m)
		if err != nil {
			return err
		}
		// reference counting keeps the socket alive while in use
		defer conn.TryClose()

	case *Response:
		conn, err = tpl.GetConnection(network, addr)
		if err != nil {
			return err
		}
		defer conn.TryClose()
	}

	return conn.WriteMsg(msg)
}

// ClientRequestConnection resolves the request destination per RFC 3261
// 18.1.1 and returns a connection for it, dialing when the pool has
// none. A DNS-resolved destination is cached on the request.
func (tpl *TransportLayer) ClientRequestConnection(ctx context.Context, req *Request) (c Connection, err error) {
	network := NetworkToLower(req.Transport())
	transport := tpl.getTransport(network)
	if transport == nil {
		return nil, fmt.Errorf("transport %s is not supported", network)
	}

	raddr := Addr{}
	if err := tpl.resolveRemoteAddr(ctx, network, req.Destination(), req.Recipient.Scheme(), &raddr); err != nil {
		return nil, err
	}

	// The client must have placed a Via already; its sent-by is
	// completed from the actual connection below.
	viaHop := req.Via()
	if viaHop == nil {
		return nil, fmt.Errorf("missing Via Header")
	}

	laddr := req.Laddr
	req.raddr = raddr

	// A pinned local address means the client forces host:port.
	if laddr.IP != nil && laddr.Port > 0 {
		c = transport.GetConnection(laddr.String())
	} else if tpl.connectionReuse {
		c = transport.GetConnection(raddr.String())
	}

	if c == nil {
		if tpl.log.Enabled(ctx, slog.LevelDebug) {
			tpl.log.Debug("Creating connection", "laddr", laddr.String(), "raddr", raddr.String(), "network", network)
		}
		c, err = transport.CreateConnection(ctx, laddr, raddr, tpl.handleMessage)
		if err != nil {
			return nil, err
		}
	}

	if err := tpl.overrideSentBy(c, viaHop); err != nil {
		return nil, err
	}
	return c, nil
}

// serverRequestConnection finds the connection a response to req should
// use, per RFC 3261 18.2.2: the original connection for reliable
// transports, source address plus Via port (or rport) for datagrams.
func (tpl *TransportLayer) serverRequestConnection(ctx context.Context, req *Request) (c Connection, err error) {
	network := NetworkToLower(req.Transport())
	transport := tpl.getTransport(network)
	if transport == nil {
		return nil, fmt.Errorf("transport %s is not supported", network)
	}

	sourceAddr := req.MessageData.Source()
	if IsReliable(network) && sourceAddr != "" {
		// reliable transports answer on the connection the request came in on
		if conn := transport.GetConnection(sourceAddr); conn != nil {
			return conn, nil
		}
	}

	viaHop := req.Via()
	if viaHop == nil {
		return nil, fmt.Errorf("no Via Header present")
	}

	viaHost, viaPort := req.sourceViaHostPort()
	if sourceAddr != "" {
		// RFC 3263 5: unreliable transports respond to the source
		// address of the request at the Via port.
		sourceHost, sourcePort, err := ParseAddr(sourceAddr)
		if err != nil {
			return nil, err
		}
		raddr := Addr{
			IP:       net.ParseIP(sourceHost),
			Port:     viaPort,
			Hostname: sourceHost,
		}

		// RFC 3581 4: an empty rport asks us to answer to the source port.
		if viaHop.Params != nil {
			if rport, ok := viaHop.Params.Get("rport"); ok && rport == "" {
				raddr.Port = sourcePort
			}
		}
		if raddr.Port == 0 {
			raddr.Port = DefaultPort(network)
		}

		// used when building the response destination
		req.raddr = raddr

		if c := transport.GetConnection(sourceAddr); c != nil {
			return c, nil
		}
		if c := transport.GetConnection(raddr.String()); c != nil {
			return c, nil
		}
	}

	raddr := Addr{}
	if err := tpl.resolveRemoteAddr(ctx, network, uriNetIP(viaHost), req.Recipient.Scheme(), &raddr); err != nil {
		return nil, err
	}
	req.raddr = raddr

	if sourceAddr != "" {
		if c := transport.GetConnection(sourceAddr); c != nil {
			return c, nil
		}
	}
	if c := transport.GetConnection(raddr.String()); c != nil {
		return c, nil
	}

	laddr := Addr{}
	if tpl.log.Enabled(ctx, slog.LevelDebug) {
		tpl.log.Debug("Creating server connection", "laddr", laddr.String(), "raddr", raddr.String(), "network", network)
	}
	return transport.CreateConnection(ctx, laddr, raddr, tpl.handleMessage)
}

func (tpl *TransportLayer) resolveRemoteAddr(ctx context.Context, network string, a string, sipScheme string, raddr *Addr) error {
	host, port, err := ParseAddr(a)
	if err != nil {
		return fmt.Errorf("parse address failed for %s: %w", a, err)
	}
	raddr.Hostname = host
	raddr.Port = port
	if raddr.Port == 0 {
		raddr.Port = DefaultPort(network)
	}

	netaddr, err := netip.ParseAddr(host)
	if err != nil || !netaddr.IsValid() {
		// not an IP literal, go through DNS (RFC 3263 5)
		return tpl.resolveAddr(ctx, network, host, sipScheme, raddr)
	}

	ipBytes := netaddr.As16()
	raddr.IP = net.IP(ipBytes[:])
	return nil
}

// overrideSentBy completes the top Via sent-by from the connection's
// local address when the client left it empty.
func (tpl *TransportLayer) overrideSentBy(c Connection, viaHop *ViaHeader) error {
	if viaHop.Host != "" && viaHop.Port > 0 {
		return nil
	}

	la := c.LocalAddr()
	laStr := la.String()
	host, port, err := ParseAddr(laStr)
	if err != nil {
		return fmt.Errorf("fail to parse local connection address network=%s addr=%s: %w", la.Network(), laStr, err)
	}

	if viaHop.Host == "" {
		viaHop.Host = host
	}
	if viaHop.Port == 0 {
		viaHop.Port = port
	}
	return nil
}

func (tpl *TransportLayer) resolveAddr(ctx context.Context, network string, host string, sipScheme string, addr *Addr) error {
	log := tpl.log
	defer func(start time.Time) {
		if dur := time.Since(start); dur > 50*time.Millisecond {
			tpl.log.Warn("DNS resolution is slow", "dur", dur)
		}
	}(time.Now())

	if tpl.dnsPreferSRV {
		err := tpl.resolveAddrSRV(ctx, network, host, sipScheme, addr)
		if err == nil {
			return nil
		}
		log.Warn("Doing SRV lookup failed.", "host", host, "error", err)
		return tpl.resolveAddrIP(ctx, host, addr)
	}

	err := tpl.resolveAddrIP(ctx, host, addr)
	if err == nil {
		return nil
	}
	log.Info("IP addr resolving failed, doing via dns SRV resolver...", "error", err)
	return tpl.resolveAddrSRV(ctx, network, host, sipScheme, addr)
}

func (tpl *TransportLayer) resolveAddrIP(ctx context.Context, hostname string, addr *Addr) error {
	tpl.log.Debug("DNS Resolving", "host", hostname)

	ips, err := tpl.dnsResolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return err
	}
	if len(ips) == 0 {
		return fmt.Errorf("lookup ip addr did not return any ip addr")
	}

	if tpl.dnsPreferIP > 0 {
		wantIP := func(ip net.IP) bool {
			if tpl.dnsPreferIP == 1 {
				return ip.To4() != nil
			}
			return ip.To4() == nil
		}
		for _, ip := range ips {
			if wantIP(ip.IP) {
				addr.IP = ip.IP
				addr.Zone = ip.Zone
				return nil
			}
		}
	}

	addr.IP = ips[0].IP
	addr.Zone = ips[0].Zone
	return nil
}

func (tpl *TransportLayer) resolveAddrSRV(ctx context.Context, network string, hostname string, sipScheme string, addr *Addr) error {
	log := tpl.log
	var proto string
	switch network {
	case "udp", "udp4", "udp6":
		proto = "udp"
	case "tls":
		proto = "tls"
	default:
		proto = "tcp"
	}

	log.Debug("Doing SRV lookup", "scheme", sipScheme, "proto", proto, "host", hostname)

	// records come back sorted by priority, randomized by weight
	_, addrs, err := tpl.dnsResolver.LookupSRV(ctx, sipScheme, proto, hostname)
	if err != nil {
		return fmt.Errorf("fail to lookup SRV for %q: %w", hostname, err)
	}

	log.Debug("SRV resolved", "addrs", addrs)
	record := addrs[0]

	ips, err := tpl.dnsResolver.LookupIP(ctx, "ip", record.Target)
	if err != nil {
		return err
	}

	log.Debug("SRV resolved IPS", "ips", ips, "target", record.Target)
	addr.IP = ips[0]
	addr.Port = int(record.Port)

	if addr.IP == nil {
		return fmt.Errorf("SRV resolving failed for %q", record.Target)
	}
	return nil
}

// GetConnection returns a pooled connection for addr on network.
func (tpl *TransportLayer) GetConnection(network, addr string) (Connection, error) {
	network = NetworkToLower(network)
	return tpl.getConnection(network, addr)
}

func (tpl *TransportLayer) getConnection(network, addr string) (Connection, error) {
	transport := tpl.getTransport(network)
	if transport == nil {
		return nil, fmt.Errorf("transport %s is not supported", network)
	}

	tpl.log.Debug("getting connection", "network", network, "addr", addr)
	c := transport.GetConnection(addr)
	if c == nil {
		return nil, errTransportConnectionDoesNotExists
	}
	return c, nil
}

func (tpl *TransportLayer) Close() error {
	tpl.log.Debug("Layer is closing")
	var werr error
	for _, t := range tpl.allTransports() {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			werr = errors.Join(werr, err)
		}
	}
	if werr != nil {
		tpl.log.Debug("Layer closed with error", "error", werr)
	}
	return werr
}

func (tpl *TransportLayer) getTransport(network string) transport {
	switch network {
	case "udp":
		return tpl.udp
	case "tcp":
		return tpl.tcp
	case "tls":
		return tpl.tls
	case "ws":
		return tpl.ws
	case "wss":
		return tpl.wss
	case "quic":
		return tpl.quic
	}
	return nil
}

func (tpl *TransportLayer) allTransports() []transport {
	return []transport{tpl.udp, tpl.tcp, tpl.tls, tpl.ws, tpl.wss, tpl.quic}
}

// IsReliable reports whether network retransmits on its own; only UDP
// does not.
func IsReliable(network string) bool {
	switch network {
	case "udp", "UDP":
		return false
	default:
		return true
	}
}

// NetworkToLower lowercases a network name without allocating for the
// known ones.
func NetworkToLower(network string) string {
	switch network {
	case "UDP":
		return "udp"
	case "TCP":
		return "tcp"
	case "TLS":
		return "tls"
	case "WS":
		return "ws"
	case "WSS":
		return "wss"
	case "QUIC":
		return "quic"
	default:
		return ASCIIToLower(network)
	}
}

// NetworkToUpper uppercases a network name without allocating for the
// known ones.
func NetworkToUpper(network string) string {
	switch network {
	case "udp":
		return "UDP"
	case "tcp":
		return "TCP"
	case "tls":
		return "TLS"
	case "ws":
		return "WS"
	case "wss":
		return "WSS"
	case "quic":
		return "QUIC"
	default:
		return ASCIIToUpper(network)
	}
}
