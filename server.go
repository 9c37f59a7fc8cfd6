package sipcore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/sipcore/sipcore/sip"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestHandler is called for every inbound request that created a new
// server transaction.
type RequestHandler func(req *sip.Request, tx sip.ServerTransaction)

// Server is the UAS side of the stack: it owns the request handler
// registry and serves listeners over the UserAgent's layers.
type Server struct {
	*UserAgent

	requestHandlers map[sip.RequestMethod]RequestHandler
	noRouteHandler  RequestHandler

	log zerolog.Logger

	requestMiddlewares  []func(r *sip.Request)
	responseMiddlewares []func(r *sip.Response)
}

type ServerOption func(s *Server) error

// WithServerLogger overrides the server logger.
func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

// NewServer creates a SIP server handle on top of ua's transport and
// transaction layers and starts receiving their requests.
func NewServer(ua *UserAgent, options ...ServerOption) (*Server, error) {
	s, err := newBaseServer(ua, options...)
	if err != nil {
		return nil, err
	}

	s.tx.OnRequest(s.onRequest)
	return s, nil
}

func newBaseServer(ua *UserAgent, options ...ServerOption) (*Server, error) {
	s := &Server{
		UserAgent:           ua,
		requestMiddlewares:  make([]func(r *sip.Request), 0),
		responseMiddlewares: make([]func(r *sip.Response), 0),
		requestHandlers:     make(map[sip.RequestMethod]RequestHandler),
		log:                 log.Logger.With().Str("caller", "Server").Logger(),
	}
	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	s.noRouteHandler = s.defaultUnhandledHandler
	return s, nil
}

// ListenReadyCtxKey marks a channel in the ListenAndServe context that
// is closed once the listener is bound. Used mostly by tests; prefer
// passing a listener to Serve{Transport} directly.
type listenReadyCtxKey string

var ListenReadyCtxKey = listenReadyCtxKey("ListenReady")

type ListenReadyCtxValue chan struct{}

// ListenAndServe listens on addr and serves until ctx is canceled.
// Networks: udp, tcp, ws.
func (s *Server) ListenAndServe(ctx context.Context, network string, addr string) error {
	network = strings.ToLower(network)
	var connCloser io.Closer

	go func() {
		<-ctx.Done()
		if connCloser == nil {
			return
		}
		if err := connCloser.Close(); err != nil {
			s.log.Error().Err(err).Msg("Failed to close listener")
		}
	}()

	switch network {
	case "udp":
		laddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("fail to resolve address. err=%w", err)
		}
		udpConn, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return fmt.Errorf("listen udp error. err=%w", err)
		}

		connCloser = udpConn
		if v := ctx.Value(ListenReadyCtxKey); v != nil {
			close(v.(ListenReadyCtxValue))
		}
		return s.tp.ServeUDP(udpConn)

	case "ws", "tcp":
		laddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return fmt.Errorf("fail to resolve address. err=%w", err)
		}
		conn, err := net.ListenTCP("tcp", laddr)
		if err != nil {
			return fmt.Errorf("listen tcp error. err=%w", err)
		}

		connCloser = conn
		if v := ctx.Value(ListenReadyCtxKey); v != nil {
			close(v.(ListenReadyCtxValue))
		}
		if network == "ws" {
			return s.tp.ServeWS(conn)
		}
		return s.tp.ServeTCP(conn)
	}
	return sip.ErrTransportNotSuported
}

// ListenAndServeTLS listens on addr with the TLS-protected transports.
// Networks: tls, wss, quic; tcp is served as tls and ws as wss.
func (s *Server) ListenAndServeTLS(ctx context.Context, network string, addr string, conf *tls.Config) error {
	network = strings.ToLower(network)

	var connCloser io.Closer
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		if connCloser == nil {
			return
		}
		if err := connCloser.Close(); err != nil {
			s.log.Error().Err(err).Msg("Failed to close listener")
		}
	}()

	switch network {
	case "tls", "tcp", "ws", "wss":
		laddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return fmt.Errorf("fail to resolve address. err=%w", err)
		}

		listener, err := tls.Listen("tcp", laddr.String(), conf)
		if err != nil {
			return fmt.Errorf("listen tls error. err=%w", err)
		}

		connCloser = listener
		if v := ctx.Value(ListenReadyCtxKey); v != nil {
			close(v.(ListenReadyCtxValue))
		}
		if network == "ws" || network == "wss" {
			return s.tp.ServeWSS(listener)
		}
		return s.tp.ServeTLS(listener)

	case "quic":
		laddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("fail to resolve address. err=%w", err)
		}
		udpConn, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return fmt.Errorf("listen udp error. err=%w", err)
		}

		listener, err := quic.Listen(udpConn, conf, nil)
		if err != nil {
			return fmt.Errorf("listen quic error. err=%w", err)
		}

		connCloser = listener
		if v := ctx.Value(ListenReadyCtxKey); v != nil {
			close(v.(ListenReadyCtxValue))
		}
		return s.tp.ServeQUIC(listener)
	}

	return sip.ErrTransportNotSuported
}

// ServeUDP serves requests from a UDP listener.
func (s *Server) ServeUDP(l net.PacketConn) error {
	return s.tp.ServeUDP(l)
}

// ServeTCP serves requests from a TCP listener.
func (s *Server) ServeTCP(l net.Listener) error {
	return s.tp.ServeTCP(l)
}

// ServeTLS serves requests from a TLS listener.
func (s *Server) ServeTLS(l net.Listener) error {
	return s.tp.ServeTLS(l)
}

// ServeWS serves requests from a websocket listener.
func (s *Server) ServeWS(l net.Listener) error {
	return s.tp.ServeWS(l)
}

// ServeWSS serves requests from a websocket-over-TLS listener.
func (s *Server) ServeWSS(l net.Listener) error {
	return s.tp.ServeWSS(l)
}

// ServeQUIC serves requests from a QUIC listener.
func (s *Server) ServeQUIC(l *quic.Listener) error {
	return s.tp.ServeQUIC(l)
}

// onRequest receives requests from the transaction layer.
func (s *Server) onRequest(req *sip.Request, tx *sip.ServerTx) {
	go s.handleRequest(req, tx)
}

// handleRequest runs in its own goroutine per request.
func (s *Server) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	for _, mid := range s.requestMiddlewares {
		mid(req)
	}

	handler := s.getHandler(req.Method)
	handler(req, tx)
	if tx != nil {
		// prevents transaction leaks when the handler forgets
		tx.Terminate()
	}
}

// WriteResponse sends a response straight through the transport layer,
// bypassing transactions (stateless mode).
func (s *Server) WriteResponse(r *sip.Response) error {
	return s.tp.WriteMsg(r)
}

// Close the server handle. Closing the UserAgent closes the layers.
func (s *Server) Close() error {
	return nil
}

// OnRequest registers a handler for any method.
func (s *Server) OnRequest(method sip.RequestMethod, handler RequestHandler) {
	s.requestHandlers[method] = handler
}

// OnInvite registers the INVITE handler.
func (s *Server) OnInvite(handler RequestHandler) {
	s.requestHandlers[sip.INVITE] = handler
}

// OnAck registers the ACK handler.
func (s *Server) OnAck(handler RequestHandler) {
	s.requestHandlers[sip.ACK] = handler
}

// OnCancel registers the CANCEL handler.
func (s *Server) OnCancel(handler RequestHandler) {
	s.requestHandlers[sip.CANCEL] = handler
}

// OnBye registers the BYE handler.
func (s *Server) OnBye(handler RequestHandler) {
	s.requestHandlers[sip.BYE] = handler
}

// OnRegister registers the REGISTER handler.
func (s *Server) OnRegister(handler RequestHandler) {
	s.requestHandlers[sip.REGISTER] = handler
}

// OnOptions registers the OPTIONS handler.
func (s *Server) OnOptions(handler RequestHandler) {
	s.requestHandlers[sip.OPTIONS] = handler
}

// OnSubscribe registers the SUBSCRIBE handler.
func (s *Server) OnSubscribe(handler RequestHandler) {
	s.requestHandlers[sip.SUBSCRIBE] = handler
}

// OnNotify registers the NOTIFY handler.
func (s *Server) OnNotify(handler RequestHandler) {
	s.requestHandlers[sip.NOTIFY] = handler
}

// OnRefer registers the REFER handler.
func (s *Server) OnRefer(handler RequestHandler) {
	s.requestHandlers[sip.REFER] = handler
}

// OnInfo registers the INFO handler.
func (s *Server) OnInfo(handler RequestHandler) {
	s.requestHandlers[sip.INFO] = handler
}

// OnMessage registers the MESSAGE handler.
func (s *Server) OnMessage(handler RequestHandler) {
	s.requestHandlers[sip.MESSAGE] = handler
}

// OnPrack registers the PRACK handler.
func (s *Server) OnPrack(handler RequestHandler) {
	s.requestHandlers[sip.PRACK] = handler
}

// OnUpdate registers the UPDATE handler.
func (s *Server) OnUpdate(handler RequestHandler) {
	s.requestHandlers[sip.UPDATE] = handler
}

// OnPublish registers the PUBLISH handler.
func (s *Server) OnPublish(handler RequestHandler) {
	s.requestHandlers[sip.PUBLISH] = handler
}

// OnNoRoute overrides handling of methods with no registered handler.
// The default answers 405 Method Not Allowed.
func (s *Server) OnNoRoute(handler RequestHandler) {
	s.noRouteHandler = handler
}

// RegisteredMethods lists the methods with handlers, for building Allow.
func (s *Server) RegisteredMethods() []string {
	r := make([]string, 0, len(s.requestHandlers))
	for k := range s.requestHandlers {
		r = append(r, k.String())
	}
	return r
}

func (s *Server) getHandler(method sip.RequestMethod) (handler RequestHandler) {
	handler, ok := s.requestHandlers[method]
	if !ok {
		return s.noRouteHandler
	}
	return handler
}

func (s *Server) defaultUnhandledHandler(req *sip.Request, tx sip.ServerTransaction) {
	s.log.Warn().Msg("SIP request handler not found")
	res := sip.NewResponseFromRequest(req, sip.StatusMethodNotAllowed, "Method Not Allowed", nil)
	res.AppendHeader(sip.NewHeader("Allow", strings.Join(s.RegisteredMethods(), ", ")))
	// sent directly; the transaction terminates on handler return
	if err := s.WriteResponse(res); err != nil {
		s.log.Error().Err(err).Msg("respond '405 Method Not Allowed' failed")
	}
}

// ServeRequest registers a middleware run on every inbound request.
func (s *Server) ServeRequest(f func(r *sip.Request)) {
	s.requestMiddlewares = append(s.requestMiddlewares, f)
}

func (s *Server) onTransportMessage(m sip.Message) {
	switch r := m.(type) {
	case *sip.Response:
		for _, mid := range s.responseMiddlewares {
			mid(r)
		}
	}
}

// GenerateTLSConfig builds a basic tls.Config for ListenAndServeTLS.
// rootPems is only needed for client-side verification.
func GenerateTLSConfig(certFile string, keyFile string, rootPems []byte) (*tls.Config, error) {
	roots := x509.NewCertPool()
	if rootPems != nil {
		if ok := roots.AppendCertsFromPEM(rootPems); !ok {
			return nil, fmt.Errorf("failed to parse root certificate")
		}
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("fail to load cert. err=%w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
	}, nil
}
