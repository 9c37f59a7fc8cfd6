package sip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// TransportTCP implements the plain stream transport. TLS embeds it.
type TransportTCP struct {
	transport       string
	parser          *Parser
	log             *slog.Logger
	connectionReuse bool

	pool *ConnectionPool

	// DialerCreate lets tests and TLS override dialing.
	DialerCreate func(laddr net.Addr) net.Dialer
}

func (tp *TransportTCP) init(par *Parser) {
	tp.parser = par
	tp.pool = NewConnectionPool()
	tp.transport = "TCP"
	if tp.log == nil {
		tp.log = DefaultLogger()
	}
	if tp.DialerCreate == nil {
		tp.DialerCreate = func(laddr net.Addr) net.Dialer {
			return net.Dialer{
				Timeout:   1 * time.Minute,
				LocalAddr: laddr,
			}
		}
	}
}

func (tp *TransportTCP) String() string {
	return "Transport<TCP>"
}

func (tp *TransportTCP) Network() string {
	return tp.transport
}

func (tp *TransportTCP) Close() error {
	return tp.pool.Clear()
}

// Serve accepts connections from l until it is closed.
func (tp *TransportTCP) Serve(l net.Listener, onMessage MessageHandler) error {
	tp.log.Debug("begin listening on", "network", tp.Network(), "laddr", l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			tp.log.Debug("Fail to accept conenction", "error", err)
			return err
		}
		tp.initConnection(conn, conn.RemoteAddr().String(), onMessage)
	}
}

func (tp *TransportTCP) GetConnection(addr string) Connection {
	return tp.pool.Get(addr)
}

// CreateConnection dials raddr; concurrent dials toward the same pair
// collapse into one socket. The address must already be resolved.
func (tp *TransportTCP) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, onMessage MessageHandler) (Connection, error) {
	conn, err := tp.pool.addSingleflight(raddr, laddr, tp.connectionReuse, func() (Connection, error) {
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
		remote := traddr.String()
		tp.log.Debug("Dialing new connection", "raddr", remote)

		d := tp.DialerCreate(tladdr)
		sock, err := d.DialContext(ctx, "tcp", remote)
		if err != nil {
			return nil, fmt.Errorf("%s dial err=%w", tp, err)
		}

		tp.log.Debug("New connection", "raddr", raddr)
		c := &TCPConnection{
			Conn:     sock,
			refcount: 2 + IdleConnection, // caller + reader + idle
		}
		go tp.readConnection(c, c.LocalAddr().String(), c.RemoteAddr().String(), onMessage)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return conn.(*TCPConnection), nil
}

func (tp *TransportTCP) initConnection(conn net.Conn, raddr string, onMessage MessageHandler) Connection {
	laddr := conn.LocalAddr().String()
	tp.log.Debug("New connection", "raddr", raddr)
	c := &TCPConnection{
		Conn:     conn,
		refcount: 1 + IdleConnection,
	}
	tp.pool.Add(laddr, c)
	tp.pool.Add(raddr, c)
	go tp.readConnection(c, laddr, raddr, onMessage)
	return c
}

func (tp *TransportTCP) readConnection(conn *TCPConnection, laddr string, raddr string, onMessage MessageHandler) {
	readBuf := make([]byte, TransportBufferReadSize)
	defer tp.pool.Delete(laddr)
	defer func() {
		if err := tp.pool.CloseAndDelete(conn, raddr); err != nil {
			tp.log.Warn("connection pool not clean cleanup", "error", err)
		}
	}()

	// Each stream gets its own reassembly state.
	par := tp.parser.NewSIPStream()

	for {
		n, err := conn.Read(readBuf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				tp.log.Debug("connection was closed", "error", err)
				return
			}
			tp.log.Error("Read error", "error", err)
			return
		}

		payload := readBuf[:n]
		if len(bytes.Trim(payload, "\x00")) == 0 {
			continue
		}

		if datalen := len(payload); datalen <= 4 {
			// one or two CRLF is a keep-alive, RFC 5626 3.5.1;
			// double CRLF is a ping expecting a pong
			if len(bytes.Trim(payload, "\r\n")) == 0 {
				tp.log.Debug("Keep alive CRLF received")
				if datalen == 4 {
					if _, err := conn.Write(payload[:2]); err != nil {
						tp.log.Error("Failed to pong keep alive", "error", err)
						return
					}
				}
				continue
			}
		}

		tp.parseStream(par, payload, raddr, onMessage)
	}
}

func (tp *TransportTCP) parseStream(par *ParserStream, payload []byte, src string, onMessage MessageHandler) {
	err := par.ParseSIPStream(payload, func(msg Message) {
		msg.SetTransport(tp.Network())
		msg.SetSource(src)
		onMessage(msg)
	})
	if err != nil {
		if err == ErrParseSipPartial {
			return
		}
		tp.log.Error("failed to parse", "error", err, "payload", string(payload))
	}
}

type TCPConnection struct {
	net.Conn

	mu       sync.RWMutex
	refcount int
}

func (c *TCPConnection) Ref(i int) int {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	DefaultLogger().Debug("TCP reference increment", "ip", c.LocalAddr().String(), "dst", c.RemoteAddr().String(), "ref", ref)
	return ref
}

func (c *TCPConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	DefaultLogger().Debug("TCP doing hard close", "ip", c.LocalAddr().String(), "dst", c.RemoteAddr().String(), "ref", 0)
	return c.Conn.Close()
}

func (c *TCPConnection) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()
	DefaultLogger().Debug("TCP reference decrement", "ip", c.LocalAddr().String(), "dst", c.RemoteAddr().String(), "ref", ref)
	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		DefaultLogger().Warn("TCP ref went negative", "ip", c.LocalAddr().String(), "dst", c.RemoteAddr().String(), "ref", ref)
		return 0, nil
	}
	DefaultLogger().Debug("TCP closing", "ip", c.LocalAddr().String(), "dst", c.RemoteAddr().String(), "ref", ref)
	return ref, c.Conn.Close()
}

func (c *TCPConnection) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if SIPDebug {
		logSIPRead("TCP", c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), b[:n])
	}
	return n, err
}

func (c *TCPConnection) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if SIPDebug {
		logSIPWrite("TCP", c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), b[:n])
	}
	return n, err
}

func (c *TCPConnection) WriteMsg(msg Message) error {
	wbuf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(wbuf)
	wbuf.Reset()
	msg.StringWrite(wbuf)
	payload := wbuf.Bytes()

	n, err := c.Write(payload)
	if err != nil {
		return fmt.Errorf("conn %s write err=%w", c.RemoteAddr().String(), err)
	}
	if n == 0 {
		return fmt.Errorf("wrote 0 bytes")
	}
	if n != len(payload) {
		return fmt.Errorf("fail to write full message")
	}
	return nil
}
