package sip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/rs/zerolog/log"
)

// WebSocketProtocols is offered during the websocket handshake; RFC 7118
// requires clients to accept "sip".
var WebSocketProtocols = []string{"sip"}

// TransportWS runs SIP over websocket framing, RFC 7118.
type TransportWS struct {
	parser          *Parser
	log             *slog.Logger
	transport       string
	connectionReuse bool

	pool   *ConnectionPool
	dialer ws.Dialer
}

func (tp *TransportWS) init(par *Parser) {
	tp.parser = par
	tp.pool = NewConnectionPool()
	tp.transport = "WS"
	tp.dialer = ws.DefaultDialer
	tp.dialer.Protocols = WebSocketProtocols

	if tp.log == nil {
		tp.log = slog.With("caller", "transport<WS>")
	}
}

func (tp *TransportWS) String() string {
	return "transport<WS>"
}

func (tp *TransportWS) Network() string {
	return tp.transport
}

func (tp *TransportWS) Close() error {
	return tp.pool.Clear()
}

// Serve upgrades and reads every connection accepted from l.
func (tp *TransportWS) Serve(l net.Listener, onMessage MessageHandler) error {
	log := tp.log
	log.Debug("begin listening on", "network", tp.Network(), "laddr", l.Addr().String())

	// Some phones expect the protocol echoed in the handshake reply.
	header := ws.HandshakeHeaderHTTP(http.Header{
		"Sec-WebSocket-Protocol": WebSocketProtocols,
	})

	u := ws.Upgrader{
		OnBeforeUpgrade: func() (ws.HandshakeHeader, error) {
			return header, nil
		},
	}
	if SIPDebug {
		u.OnHeader = func(key, value []byte) error {
			log.Debug("non-websocket header:", string(key), string(value))
			return nil
		}
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Error("Failed to accept connection", "error", err)
			}
			return err
		}

		raddr := conn.RemoteAddr().String()
		log.Debug("New connection accept", "addr", raddr)

		if _, err = u.Upgrade(conn); err != nil {
			log.Error("Fail to upgrade", "error", err)
			if err := conn.Close(); err != nil {
				log.Error("Closing connection failed", "error", err)
			}
			continue
		}

		tp.initConnection(conn, raddr, false, onMessage)
	}
}

func (tp *TransportWS) initConnection(conn net.Conn, raddr string, clientSide bool, onMessage MessageHandler) Connection {
	laddr := conn.LocalAddr().String()
	tp.log.Debug("New WS connection", "raddr", raddr)
	c := &WSConnection{
		Conn:       conn,
		refcount:   1 + IdleConnection,
		clientSide: clientSide,
	}
	tp.pool.Add(laddr, c)
	tp.pool.Add(raddr, c)
	go tp.readConnection(c, laddr, raddr, onMessage)
	return c
}

func (tp *TransportWS) readConnection(conn *WSConnection, laddr string, raddr string, onMessage MessageHandler) {
	log := tp.log
	readBuf := make([]byte, TransportBufferReadSize)
	defer tp.pool.Delete(laddr)
	defer func() {
		if err := tp.pool.CloseAndDelete(conn, raddr); err != nil {
			tp.log.Warn("connection pool not clean cleanup", "error", err)
		}
	}()
	defer log.Debug("Websocket read connection stopped", "raddr", raddr)

	par := tp.parser.NewSIPStream()

	for {
		n, err := conn.Read(readBuf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				tp.log.Debug("Read connection closed", "error", err)
				return
			}
			tp.log.Error("Got TCP error", "error", err)
			return
		}

		if n == 0 {
			log.Debug("Got no bytes, sleeping")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		payload := readBuf[:n]
		if len(bytes.Trim(payload, "\x00")) == 0 {
			continue
		}

		if len(payload) <= 4 {
			// one or two CRLF is a keep-alive
			if len(bytes.Trim(payload, "\r\n")) == 0 {
				log.Debug("Keep alive CRLF received")
				continue
			}
		}

		tp.parseStream(par, payload, raddr, onMessage)
	}
}

func (tp *TransportWS) parseStream(par *ParserStream, payload []byte, src string, onMessage MessageHandler) {
	// Websocket framing yields whole messages, so the full parser applies.
	msg, err := tp.parser.ParseSIP(payload)
	if err != nil {
		tp.log.Error("failed to parse", "error", err, "payload", string(payload))
		return
	}

	msg.SetTransport(tp.transport)
	msg.SetSource(src)
	onMessage(msg)
}

func (tp *TransportWS) ResolveAddr(addr string) (net.Addr, error) {
	return net.ResolveTCPAddr("tcp", addr)
}

func (tp *TransportWS) GetConnection(addr string) Connection {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil
	}
	return tp.pool.Get(raddr.String())
}

func (tp *TransportWS) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, onMessage MessageHandler) (Connection, error) {
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
	return tp.createConnection(ctx, tladdr, traddr, onMessage)
}

func (tp *TransportWS) createConnection(ctx context.Context, laddr *net.TCPAddr, raddr *net.TCPAddr, onMessage MessageHandler) (Connection, error) {
	log := tp.log
	addr := raddr.String()
	log.Debug("Dialing new connection", "raddr", addr)

	if laddr != nil {
		log.Error("Dialing with local IP is not supported on ws", "laddr", laddr.String())
	}

	conn, _, _, err := tp.dialer.Dial(ctx, "ws://"+addr)
	if err != nil {
		return nil, fmt.Errorf("%s dial err=%w", tp, err)
	}

	c := tp.initConnection(conn, addr, true, onMessage)
	c.Ref(1)
	return c, nil
}

type WSConnection struct {
	net.Conn

	clientSide bool
	mu         sync.RWMutex
	refcount   int
}

func (c *WSConnection) Ref(i int) int {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	log.Debug().Str("ip", c.RemoteAddr().String()).Int("ref", ref).Msg("WS reference increment")
	return ref
}

func (c *WSConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	log.Debug().Str("ip", c.RemoteAddr().String()).Msg("WS doing hard close")
	return c.Conn.Close()
}

func (c *WSConnection) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()
	log.Debug().Str("ip", c.RemoteAddr().String()).Int("ref", ref).Msg("WS reference decrement")
	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		log.Warn().Str("ip", c.RemoteAddr().String()).Int("ref", ref).Msg("WS ref went negative")
		return 0, nil
	}
	log.Debug().Str("ip", c.RemoteAddr().String()).Int("ref", ref).Msg("WS closing")
	return ref, c.Conn.Close()
}

func (c *WSConnection) Read(b []byte) (n int, err error) {
	state := ws.StateServerSide
	if c.clientSide {
		state = ws.StateClientSide
	}
	reader := wsutil.NewReader(c.Conn, state)
	for {
		header, err := reader.NextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				return n, nil
			}
			return n, err
		}

		if SIPDebug {
			log.Debug().Str("caller", c.RemoteAddr().String()).Msgf("WS read connection header <- %s opcode=%d len=%d", c.Conn.RemoteAddr(), header.OpCode, header.Length)
		}

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return n, net.ErrClosed
			}
			continue
		}

		if header.OpCode&ws.OpText == 0 {
			if err := reader.Discard(); err != nil {
				return 0, err
			}
			continue
		}

		payload := make([]byte, header.Length)
		if _, err = io.ReadFull(c.Conn, payload); err != nil {
			return n, err
		}

		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		if SIPDebug {
			logSIPRead("WS", c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), payload)
		}

		n += copy(b[n:], payload)

		if header.Fin {
			break
		}
	}
	return n, nil
}

func (c *WSConnection) Write(b []byte) (n int, err error) {
	if SIPDebug {
		logSIPWrite("WS", c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), b)
	}

	frame := ws.NewFrame(ws.OpText, true, b)
	if c.clientSide {
		frame = ws.MaskFrameInPlace(frame)
	}
	err = ws.WriteFrame(c.Conn, frame)
	return len(b), err
}

func (c *WSConnection) WriteMsg(msg Message) error {
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
