package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"
)

// TransportWSS is the websocket transport upgraded over TLS.
type TransportWSS struct {
	*TransportWS
}

func (tp *TransportWSS) init(par *Parser, dialTLSConf *tls.Config) {
	tp.TransportWS.init(par)
	tp.TransportWS.transport = "WSS"
	tp.dialer.TLSConfig = dialTLSConf

	tp.dialer.TLSClient = func(conn net.Conn, hostname string) net.Conn {
		config := dialTLSConf
		if config.ServerName == "" {
			config = config.Clone()
			config.ServerName = hostname
		}
		return tls.Client(conn, config)
	}

	if tp.log == nil {
		tp.log = slog.Default()
	}
}

func (tp *TransportWSS) String() string {
	return "transport<WSS>"
}

// CreateConnection dials TCP, wraps it in TLS against the peer hostname
// (certificates care about the name, not the IP), upgrades to websocket
// and registers the connection.
func (tp *TransportWSS) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, onMessage MessageHandler) (Connection, error) {
	log := tp.log

	if raddr.IP == nil {
		return nil, fmt.Errorf("remote address IP not resolved")
	}

	hostname := raddr.Hostname
	if hostname == "" {
		hostname = raddr.IP.String()
	}
	addr := net.JoinHostPort(hostname, strconv.Itoa(raddr.Port))

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
	if traddr.Port == 0 {
		traddr.Port = 443
	}

	netDialer := &net.Dialer{
		LocalAddr: tladdr,
	}

	log.Debug("Dialing new connection", "raddr", traddr.String())
	conn, err := netDialer.DialContext(ctx, "tcp", traddr.String())
	if err != nil {
		return nil, fmt.Errorf("dial TCP error: %w", err)
	}

	log.Debug("Setuping TLS connection", "hostname", hostname)
	tlsConn := tp.dialer.TLSClient(conn, hostname)

	u, err := url.ParseRequestURI("wss://" + addr)
	if err != nil {
		return nil, fmt.Errorf("parse request wss uri failed: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		tlsConn.SetDeadline(deadline)
		defer tlsConn.SetDeadline(time.Time{})
	}

	if _, _, err = tp.dialer.Upgrade(tlsConn, u); err != nil {
		return nil, fmt.Errorf("failed to upgrade: %w", err)
	}

	c := tp.initConnection(tlsConn, traddr.String(), true, onMessage)
	c.Ref(1)
	return c, nil
}
