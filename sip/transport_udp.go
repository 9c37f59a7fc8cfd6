package sip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

var (
	UDPMTUSize = 1500

	ErrUDPMTUCongestion = errors.New("size of packet larger than MTU")
)

// TransportUDP implements the datagram transport.
type TransportUDP struct {
	parser          *Parser
	pool            *ConnectionPool
	log             *slog.Logger
	metrics         *Metrics
	connectionReuse bool
}

func (tp *TransportUDP) init(par *Parser) {
	tp.parser = par
	tp.pool = NewConnectionPool()
	if tp.log == nil {
		tp.log = DefaultLogger()
	}
}

func (tp *TransportUDP) String() string {
	return "transport<UDP>"
}

func (tp *TransportUDP) Network() string {
	return "UDP"
}

func (tp *TransportUDP) Close() error {
	// Listeners are closed by whoever opened them.
	return tp.pool.Clear()
}

// Serve reads datagrams from conn until it is closed. A single reader
// per socket keeps response writes from being delayed.
func (tp *TransportUDP) Serve(conn net.PacketConn, onMessage MessageHandler) error {
	tp.log.Debug("begin listening", "network", tp.Network(), "addr", conn.LocalAddr().String())

	c := &UDPConnection{
		PacketConn: conn,
		PacketAddr: conn.LocalAddr().String(),
		Listener:   true,
	}
	tp.pool.Add(c.PacketAddr, c)
	tp.readListenerConnection(c, c.PacketAddr, onMessage)
	return nil
}

func (tp *TransportUDP) ResolveAddr(addr string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", addr)
}

// GetConnection returns the pooled socket for addr. The pool holds both
// listener sockets and per-peer entries learned from inbound packets.
func (tp *TransportUDP) GetConnection(addr string) Connection {
	return tp.pool.Get(addr)
}

// CreateConnection opens a new unconnected UDP socket toward raddr.
func (tp *TransportUDP) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, onMessage MessageHandler) (Connection, error) {
	laddrStr := laddr.String()
	lc := &net.ListenConfig{}

	proto := "udp"
	if laddr.IP == nil && raddr.IP.To4() != nil {
		proto = "udp4"
	}
	remote := raddr.String()

	conn, err := tp.pool.addSingleflight(raddr, laddr, tp.connectionReuse, func() (Connection, error) {
		sock, err := lc.ListenPacket(ctx, proto, laddrStr)
		if err != nil {
			return nil, err
		}
		return &UDPConnection{
			PacketConn: sock,
			PacketAddr: sock.LocalAddr().String(),
			// one ref for the caller, one for the reader
			refcount: 2 + IdleConnection,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	c := conn.(*UDPConnection)

	tp.log.Debug("New connection", "raddr", remote)
	go tp.readUDPConnection(c, remote, c.PacketAddr, onMessage)
	return c, err
}

func (tp *TransportUDP) readUDPConnection(conn *UDPConnection, raddr string, laddr string, onMessage MessageHandler) {
	defer tp.pool.Delete(raddr)
	tp.readListenerConnection(conn, laddr, onMessage)
}

func (tp *TransportUDP) readListenerConnection(conn *UDPConnection, laddr string, onMessage MessageHandler) {
	readBuf := make([]byte, TransportBufferReadSize)
	defer func() {
		if err := tp.pool.CloseAndDelete(conn, laddr); err != nil {
			tp.log.Warn("connection pool not clean cleanup", "error", err)
		}
	}()
	defer tp.log.Debug("Read listener connection stopped", "laddr", laddr)

	// Peers seen on this socket get pool entries so responses reuse it;
	// they are unregistered when the reader stops.
	var lastRaddr string
	acceptedAddr := make([]string, 0, 1000)
	defer func() {
		tp.pool.DeleteMultiple(acceptedAddr)
	}()

	for {
		n, raddr, err := conn.ReadFrom(readBuf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				tp.log.Debug("Read connection closed", "laddr", laddr, "error", err)
				return
			}
			tp.log.Error("Read connection error", "laddr", laddr, "error", err)
			return
		}

		payload := readBuf[:n]
		if len(bytes.Trim(payload, "\x00")) == 0 {
			continue
		}
		rastr := raddr.String()
		if lastRaddr != rastr {
			tp.pool.Add(rastr, conn)
			acceptedAddr = append(acceptedAddr, rastr)
		}

		tp.parseAndHandle(payload, rastr, onMessage)
		lastRaddr = rastr
	}
}

func (tp *TransportUDP) parseAndHandle(payload []byte, src string, onMessage MessageHandler) {
	if len(payload) <= 4 {
		// one or two CRLF is a keep-alive, RFC 5626 3.5.1
		if len(bytes.Trim(payload, "\r\n")) == 0 {
			tp.log.Debug("Keep alive CRLF received")
			return
		}
	}

	msg, err := tp.parser.ParseSIP(payload)
	if err != nil {
		tp.metrics.droppedDatagram("udp")
		tp.log.Error("failed to parse", "payload", string(payload), "error", err)
		return
	}

	msg.SetTransport(tp.Network())
	// The source defaults to the observed packet origin; RFC 3581 6
	// assumes the peer sits behind NAT.
	msg.SetSource(src)
	onMessage(msg)
}

// UDPConnection serves both as a listener socket (PacketConn) and a
// dialed one (Conn); the two are mutually exclusive.
type UDPConnection struct {
	PacketConn net.PacketConn
	PacketAddr string // precomputed for pool matching
	Listener   bool

	Conn net.Conn

	mu       sync.RWMutex
	refcount int
}

func (c *UDPConnection) close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()

	if c.Conn != nil {
		slog.Debug("UDP doing hard close", "ip", c.LocalAddr().String(), "dst", c.Conn.RemoteAddr().String(), "ref", 0)
		return c.Conn.Close()
	}

	if c.Listener {
		// Listener sockets are closed by their owner; the reader will
		// observe the error.
		return nil
	}
	slog.Debug("UDP listener doing hard close", "ip", c.LocalAddr().String(), "ref", 0)
	return c.PacketConn.Close()
}

func (c *UDPConnection) LocalAddr() net.Addr {
	if c.Conn != nil {
		return c.Conn.LocalAddr()
	}
	return c.PacketConn.LocalAddr()
}

func (c *UDPConnection) RemoteAddr() net.Addr {
	if c.Conn != nil {
		return c.Conn.RemoteAddr()
	}
	return c.PacketConn.LocalAddr()
}

func (c *UDPConnection) Ref(i int) int {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	return ref
}

func (c *UDPConnection) Close() error {
	return c.close()
}

func (c *UDPConnection) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()

	if c.Listener {
		// Listeners only close when forced.
		return ref, nil
	}

	slog.Debug("UDP reference decrement", "src", c.LocalAddr().String(), "dst", c.RemoteAddr().String(), "ref", ref)
	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		slog.Warn("UDP ref went negative", "src", c.LocalAddr().String(), "dst", c.RemoteAddr().String(), "ref", ref)
		return 0, nil
	}
	return ref, c.close()
}

func (c *UDPConnection) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if SIPDebug {
		logSIPRead("UDP", c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), b[:n])
	}
	return n, err
}

func (c *UDPConnection) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if SIPDebug {
		logSIPWrite("UDP", c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), b[:n])
	}
	return n, err
}

func (c *UDPConnection) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	n, addr, err = c.PacketConn.ReadFrom(b)
	if SIPDebug && err == nil {
		logSIPRead("UDP", c.PacketConn.LocalAddr().String(), addr.String(), b[:n])
	}
	return n, addr, err
}

func (c *UDPConnection) WriteTo(b []byte, addr net.Addr) (n int, err error) {
	n, err = c.PacketConn.WriteTo(b, addr)
	if SIPDebug && err == nil {
		logSIPWrite("UDP", c.PacketConn.LocalAddr().String(), addr.String(), b[:n])
	}
	return n, err
}

func (c *UDPConnection) WriteMsg(msg Message) error {
	wbuf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(wbuf)
	wbuf.Reset()
	msg.StringWrite(wbuf)
	payload := wbuf.Bytes()

	if len(payload) > UDPMTUSize-200 {
		return ErrUDPMTUCongestion
	}

	var n int
	if c.Conn != nil {
		var err error
		n, err = c.Write(payload)
		if err != nil {
			return fmt.Errorf("conn %s write err=%w", c.Conn.LocalAddr().String(), err)
		}
	} else {
		// Destination was resolved by the transport layer already.
		dst := msg.Destination()
		host, port, err := ParseAddr(dst)
		if err != nil {
			return err
		}
		raddr := net.UDPAddr{
			IP:   net.ParseIP(host),
			Port: port,
		}
		if raddr.Port == 0 {
			raddr.Port = DefaultPort("udp")
		}

		n, err = c.WriteTo(payload, &raddr)
		if err != nil {
			return fmt.Errorf("udp conn %s err. %w", c.PacketConn.LocalAddr().String(), err)
		}
	}

	if n == 0 {
		return fmt.Errorf("wrote 0 bytes")
	}
	if n != len(payload) {
		return fmt.Errorf("fail to write full message")
	}
	return nil
}
