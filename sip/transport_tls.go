package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// TransportTLS runs SIP over TLS. Everything but the dial/handshake is
// the TCP transport.
type TransportTLS struct {
	*TransportTCP

	tlsConf   *tls.Config
	tlsClient func(conn net.Conn, hostname string) *tls.Conn
}

// init wires the embedded TCP transport and the TLS dialing config.
// dialTLSConf must not be nil.
func (tp *TransportTLS) init(par *Parser, dialTLSConf *tls.Config) {
	tp.TransportTCP.init(par)
	tp.transport = "TLS"

	tp.tlsConf = dialTLSConf
	tp.tlsClient = func(conn net.Conn, hostname string) *tls.Conn {
		config := dialTLSConf
		if config.ServerName == "" {
			config = config.Clone()
			config.ServerName = hostname
		}
		return tls.Client(conn, config)
	}
}

func (tp *TransportTLS) String() string {
	return "transport<TLS>"
}

func (tp *TransportTLS) Network() string {
	return tp.transport
}

// CreateConnection dials TCP, runs the TLS handshake against the peer's
// hostname (falling back to its IP), and registers the connection.
func (tp *TransportTLS) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, onMessage MessageHandler) (Connection, error) {
	hostname := raddr.Hostname
	if hostname == "" {
		hostname = raddr.IP.String()
	}

	var tladdr *net.TCPAddr
	if laddr.IP != nil {
		tladdr = &net.TCPAddr{
			IP:   laddr.IP,
			Port: laddr.Port,
		}
	}
	traddr := &net.TCPAddr{
		IP:   raddr.IP,
		Port: raddr.Port,
	}

	netDialer := &net.Dialer{
		LocalAddr: tladdr,
	}

	remote := traddr.String()
	tp.log.Debug("Dialing new connection", "raddr", remote)
	// The address is resolved already, no lookups here.
	conn, err := netDialer.DialContext(ctx, "tcp", remote)
	if err != nil {
		return nil, fmt.Errorf("dial TCP error: %w", err)
	}

	tlsConn := tp.tlsClient(conn, hostname)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("TLS handshake error: %w", err)
	}

	c := tp.initConnection(tlsConn, remote, onMessage)
	c.Ref(1)
	return c, nil
}
