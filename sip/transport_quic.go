package sip

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
)

// TransportQUIC runs SIP over a QUIC stream. One bidirectional stream
// carries the signaling; the connection stays open for more streams.
type TransportQUIC struct {
	transport string
	parser    *Parser
	log       *slog.Logger
	tlsConf   *tls.Config

	listener net.PacketConn

	pool *ConnectionPool
}

func (tp *TransportQUIC) init(par *Parser, dialTLSConf *tls.Config) {
	tp.parser = par
	tp.pool = NewConnectionPool()
	tp.transport = "QUIC"
	tp.tlsConf = dialTLSConf
	if tp.log == nil {
		tp.log = DefaultLogger()
	}
}

func (tp *TransportQUIC) String() string {
	return "transport<QUIC>"
}

func (tp *TransportQUIC) Network() string {
	return tp.transport
}

func (tp *TransportQUIC) Close() error {
	return tp.pool.Clear()
}

// Serve accepts QUIC connections from ln and reads the first stream of
// each as a SIP signaling stream.
func (tp *TransportQUIC) Serve(ln *quic.Listener, onMessage MessageHandler) error {
	ctx := context.Background()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) {
				// stay compatible with the net package error checks
				err = errors.Join(err, net.ErrClosed)
			}
			tp.log.Debug("Fail to accept conenction", "error", err)
			return err
		}

		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			tp.log.Error("Failed to get stream", "error", err)
			continue
		}

		tp.initConnection(conn, stream, conn.RemoteAddr().String(), onMessage)
	}
}

func (tp *TransportQUIC) ResolveAddr(addr string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", addr)
}

func (tp *TransportQUIC) GetConnection(addr string) Connection {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil
	}
	return tp.pool.Get(raddr.String())
}

func (tp *TransportQUIC) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, onMessage MessageHandler) (Connection, error) {
	var uladdr *net.UDPAddr
	if laddr.IP != nil {
		uladdr = &net.UDPAddr{
			IP:   laddr.IP,
			Port: laddr.Port,
		}
	}
	uraddr := &net.UDPAddr{
		IP:   raddr.IP,
		Port: raddr.Port,
	}
	return tp.createConnection(ctx, uladdr, uraddr, onMessage)
}

func (tp *TransportQUIC) createConnection(ctx context.Context, laddr *net.UDPAddr, raddr *net.UDPAddr, onMessage MessageHandler) (Connection, error) {
	addr := raddr.String()
	tp.log.Debug("Dialing new connection", "raddr", addr)

	udpConn := tp.listener
	if tp.listener == nil || tp.listener.LocalAddr().String() != laddr.String() {
		var err error
		udpConn, err = net.ListenUDP("udp", laddr)
		if err != nil {
			return nil, err
		}
	}

	tr := quic.Transport{
		Conn: udpConn,
	}

	conn, err := tr.Dial(ctx, raddr, tp.tlsConf, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("%s dial err=%w", tp, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}

	c := tp.initConnection(conn, stream, addr, onMessage)
	c.Ref(1)
	return c, nil
}

func (tp *TransportQUIC) initConnection(conn quic.Connection, s quic.Stream, addr string, onMessage MessageHandler) Connection {
	tp.log.Debug("New connection", "raddr", addr)
	c := &QUICConnection{
		Connection: conn,
		s:          s,
		// stream closes on ref 0, the underlying connection stays
		refcount: 1,
	}
	tp.pool.Add(addr, c)
	go tp.readConnection(c, addr, onMessage)
	return c
}

func (tp *TransportQUIC) readConnection(conn *QUICConnection, raddr string, onMessage MessageHandler) {
	readBuf := make([]byte, TransportBufferReadSize)
	defer func() {
		if err := tp.pool.CloseAndDelete(conn, raddr); err != nil {
			tp.log.Warn("connection pool not clean cleanup", "error", err)
		}
	}()

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

		if len(payload) <= 4 {
			// one or two CRLF is a keep-alive
			if len(bytes.Trim(payload, "\r\n")) == 0 {
				tp.log.Debug("Keep alive CRLF received")
				continue
			}
		}

		tp.parseStream(par, payload, raddr, onMessage)
	}
}

func (tp *TransportQUIC) parseStream(par *ParserStream, payload []byte, src string, onMessage MessageHandler) {
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

type QUICConnection struct {
	// the underlying connection can carry further streams (e.g. media)
	quic.Connection
	s quic.Stream

	mu       sync.RWMutex
	refcount int
}

func (c *QUICConnection) Ref(i int) int {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	return ref
}

func (c *QUICConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	DefaultLogger().Debug("QUIC doing hard close", "ip", c.LocalAddr().String(), "dst", c.RemoteAddr().String(), "stream", int64(c.s.StreamID()))
	return c.s.Close()
}

func (c *QUICConnection) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()
	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		DefaultLogger().Warn("QUIC ref went negative", "ip", c.LocalAddr().String(), "dst", c.RemoteAddr().String(), "ref", ref)
		return 0, nil
	}
	DefaultLogger().Debug("QUIC closing", "ip", c.LocalAddr().String(), "dst", c.RemoteAddr().String(), "ref", ref)
	return ref, c.s.Close()
}

func (c *QUICConnection) Read(b []byte) (n int, err error) {
	n, err = c.s.Read(b)
	if SIPDebug {
		logSIPRead("QUIC", c.Connection.LocalAddr().String(), c.Connection.RemoteAddr().String(), b[:n])
	}
	return n, err
}

func (c *QUICConnection) Write(b []byte) (n int, err error) {
	n, err = c.s.Write(b)
	if SIPDebug {
		logSIPWrite("QUIC", c.Connection.LocalAddr().String(), c.Connection.RemoteAddr().String(), b[:n])
	}
	return n, err
}

func (c *QUICConnection) WriteMsg(msg Message) error {
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
