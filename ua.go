package sipcore

import (
	"context"
	"crypto/tls"
	"net"
	"strings"

	"github.com/sipcore/sipcore/sip"

	"github.com/prometheus/client_golang/prometheus"
)

// UserAgent holds the shared stack under every Client, Server and
// DialogUA: one transport layer and one transaction layer.
type UserAgent struct {
	name string
	ip   net.IP
	host string
	port int

	dnsResolver *net.Resolver
	tlsConfig   *tls.Config
	metrics     *sip.Metrics
	tp          *sip.TransportLayer
	tx          *sip.TransactionLayer
}

type UserAgentOption func(s *UserAgent) error

func WithUserAgent(ua string) UserAgentOption {
	return func(s *UserAgent) error {
		s.name = ua
		return nil
	}
}

// WithUserAgentHostname sets the hostname placed in locally built From
// headers.
func WithUserAgentHostname(hostname string) UserAgentOption {
	return func(s *UserAgent) error {
		s.host = hostname
		return nil
	}
}

func WithIP(ip string) UserAgentOption {
	return func(s *UserAgent) error {
		host, _, err := net.SplitHostPort(ip)
		if err != nil {
			return err
		}
		addr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return err
		}
		return s.setIP(addr.IP)
	}
}

func WithDNSResolver(r *net.Resolver) UserAgentOption {
	return func(s *UserAgent) error {
		s.dnsResolver = r
		return nil
	}
}

// WithUserAgenTLSConfig sets the TLS config used for dialing TLS/WSS/QUIC
// connections. Omit to use the default client config.
func WithUserAgenTLSConfig(tlsConfig *tls.Config) UserAgentOption {
	return func(s *UserAgent) error {
		s.tlsConfig = tlsConfig
		return nil
	}
}

// WithMetrics registers Prometheus collectors for the transaction and
// transport layers against reg. Omit this option for no instrumentation.
func WithMetrics(reg prometheus.Registerer) UserAgentOption {
	return func(s *UserAgent) error {
		s.metrics = sip.NewMetrics(reg)
		return nil
	}
}

func WithUDPDNSResolver(dns string) ServerOption {
	return func(s *Server) error {
		s.dnsResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "udp", dns)
			},
		}
		return nil
	}
}

func NewUA(options ...UserAgentOption) (*UserAgent, error) {
	s := &UserAgent{
		name: "sipcore",
	}

	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	if s.ip == nil {
		v, err := sip.ResolveSelfIP()
		if err != nil {
			return nil, err
		}
		if err := s.setIP(v); err != nil {
			return nil, err
		}
	}

	s.tp = sip.NewTransportLayer(s.dnsResolver, sip.NewParser(), s.tlsConfig,
		sip.WithTransportLayerMetrics(s.metrics))
	s.tx = sip.NewTransactionLayer(s.tp,
		sip.WithTransactionLayerMetrics(s.metrics))
	return s, nil
}

// TransportLayer exposes the transport layer for serving listeners.
func (ua *UserAgent) TransportLayer() *sip.TransportLayer {
	return ua.tp
}

// TransactionLayer exposes the transaction layer.
func (ua *UserAgent) TransactionLayer() *sip.TransactionLayer {
	return ua.tx
}

func (ua *UserAgent) Close() error {
	ua.tx.Close()
	return ua.tp.Close()
}

func (ua *UserAgent) setIP(ip net.IP) (err error) {
	ua.ip = ip
	// an explicitly configured hostname wins over the resolved IP
	if ua.host == "" {
		ua.host = strings.Split(ip.String(), ":")[0]
	}
	return err
}
