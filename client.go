package sipcore

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"

	"github.com/sipcore/sipcore/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

func Init() {
	uuid.EnableRandPool()
}

type ClientTransactionRequester interface {
	Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error)
}

type Client struct {
	*UserAgent
	host  string
	port  int
	rport bool
	log   *slog.Logger

	connAddr sip.Addr

	// TxRequester allows you to use your transaction requester instead default from transaction layer
	// Useful only for testing
	//
	// Experimental
	TxRequester ClientTransactionRequester
}

type ClientOption func(c *Client) error

// WithClientLogger allows customizing client logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.log = logger
		return nil
	}
}

// WithClientHostname allows setting default route host or IP on Via
// NOTE: From header hostname is WithUserAgentHostname option on UA or modify request manually
func WithClientHostname(hostname string) ClientOption {
	return func(c *Client) error {
		c.host = hostname
		return nil
	}
}

// WithClientPort allows setting default route Via port
// The transport layer's connection reuse setting is left unchanged.
// default: ephemeral port
func WithClientPort(port int) ClientOption {
	return func(c *Client) error {
		c.port = port
		return nil
	}
}

// WithClientConnectionAddr forces request to send connection with this local addr.
// This is useful when you need to act as client first and avoid creating server handle listeners.
func WithClientConnectionAddr(hostPort string) ClientOption {
	return func(c *Client) error {
		host, port, err := sip.ParseAddr(hostPort)
		if err != nil {
			return err
		}
		c.connAddr = sip.Addr{
			IP:       net.ParseIP(host),
			Port:     port,
			Hostname: host,
		}
		return nil
	}
}

// WithClientNAT makes client aware that is behind NAT.
func WithClientNAT() ClientOption {
	return func(c *Client) error {
		c.rport = true
		return nil
	}
}

// WithClientAddr is merge of WithClientHostname and WithClientPort
// addr is format <host>:<port>
func WithClientAddr(addr string) ClientOption {
	return func(c *Client) error {
		host, port, err := sip.ParseAddr(addr)
		if err != nil {
			return err
		}

		WithClientHostname(host)(c)
		WithClientPort(port)(c)
		return nil
	}
}

// NewClient creates client handle for user agent
func NewClient(ua *UserAgent, options ...ClientOption) (*Client, error) {
	c := &Client{
		UserAgent: ua,
		log:       sip.DefaultLogger().With("caller", "Client"),
	}

	for _, o := range options {
		if err := o(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Close client handle. UserAgent must be closed for full transaction and transport layer closing.
func (c *Client) Close() error {
	return nil
}

// Hostname returns default hostname or what is set WithClientHostname option
func (c *Client) Hostname() string {
	return c.host
}

// TransactionRequest sends req through the transaction layer and hands
// back the live transaction; Do is the request/response convenience on
// top of it.
//
// Without options the request is completed in place with whatever RFC
// 3261 8.1.1 headers are missing (To, From, CSeq, Call-ID, Max-Forwards,
// Via). Passing any option replaces that fill-in entirely, for callers
// (proxies mostly) whose requests arrive prebuilt.
func (c *Client) TransactionRequest(ctx context.Context, req *sip.Request, options ...ClientRequestOption) (sip.ClientTransaction, error) {
	if req.IsAck() {
		return nil, fmt.Errorf("ACK request must be sent directly through transport. Use WriteRequest")
	}

	if len(options) == 0 {
		clientRequestBuildReq(c, req)
	} else {
		for _, o := range options {
			if err := o(c, req); err != nil {
				return nil, err
			}
		}
	}

	if c.TxRequester != nil {
		return c.TxRequester.Request(ctx, req)
	}

	// Streams locate message boundaries by Content-Length (RFC 3261
	// 7.5), so flag its absence early, though only as a warning.
	if sip.IsReliable(req.Transport()) && req.ContentLength() == nil {
		c.log.Warn("Missing Content-Length for reliable transport")
	}

	return c.tx.Request(ctx, req)
}

func (c *Client) newTransaction(ctx context.Context, req *sip.Request, onConnection func(conn sip.Connection) error, options ...ClientRequestOption) (sip.ClientTransaction, error) {
	if len(options) == 0 {
		clientRequestBuildReq(c, req)
	} else {
		for _, o := range options {
			if err := o(c, req); err != nil {
				return nil, err
			}
		}
	}

	if c.TxRequester != nil {
		return c.TxRequester.Request(ctx, req)
	}

	tx, err := c.tx.NewClientTransaction(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := onConnection(tx.Connection()); err != nil {
		tx.Terminate()
		return nil, err
	}

	err = tx.Init()
	if err != nil {
		tx.Terminate()
	}
	return tx, err
}

// Do sends req and blocks until its final response, request/response
// style. Canceling ctx does NOT emit a CANCEL; INVITE cancellation
// belongs to the dialog API.
func (c *Client) Do(ctx context.Context, req *sip.Request, opts ...ClientRequestOption) (*sip.Response, error) {
	tx, err := c.TransactionRequest(ctx, req, opts...)
	if err != nil {
		return nil, err
	}

	defer tx.Terminate()

	for {
		select {
		case resp := <-tx.Responses():
			if resp.IsProvisional() {
				continue
			}
			return resp, nil

		case <-tx.Done():
			return nil, tx.Err()

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// DigestCredentialer computes the Authorization/Proxy-Authorization header
// value for a parsed challenge. The core only parses and forwards
// WWW-Authenticate/Proxy-Authenticate challenges; it never computes a
// credential response itself, so callers that want automatic re-send on
// 401/407 must supply one (backed by their own credential store or an
// external digest library).
type DigestCredentialer func(chal *digest.Challenge, opts digest.Options) (*digest.Credentials, error)

type DigestAuth struct {
	Username string
	Password string

	// Credentialer computes the credential response. Required: the core
	// deliberately does not implement digest credential computation.
	Credentialer DigestCredentialer
}

// DoDigestAuth resends req with a credential header if the initial request was
// challenged by 401 or 407. Credential computation is delegated to auth.Credentialer.
func (c *Client) DoDigestAuth(ctx context.Context, req *sip.Request, resp *sip.Response, auth DigestAuth) (*sip.Response, error) {
	tx, err := c.TransactionDigestAuth(ctx, req, resp, auth)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	for {
		select {
		case resp := <-tx.Responses():
			if resp.IsProvisional() {
				continue
			}
			return resp, nil

		case <-tx.Done():
			return nil, tx.Err()

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TransactionDigestAuth resends req with a credential header computed by
// auth.Credentialer if the initial request was challenged by 401 or 407.
// It returns the new transaction created for the resent request.
func (c *Client) TransactionDigestAuth(ctx context.Context, req *sip.Request, resp *sip.Response, auth DigestAuth) (sip.ClientTransaction, error) {
	if auth.Credentialer == nil {
		return nil, fmt.Errorf("sipcore: DigestAuth.Credentialer is required; the core does not compute digest credentials")
	}

	opts := digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.Addr(),
		Username: auth.Username,
		Password: auth.Password,
	}

	if resp.StatusCode == sip.StatusProxyAuthRequired {
		return digestProxyAuthRequest(ctx, c, req, resp, auth.Credentialer, opts)
	}

	return c.digestTransactionRequest(ctx, req, resp, auth.Credentialer, opts)
}

// digestTransactionRequest resends req with a caller-computed credential.
func (c *Client) digestTransactionRequest(ctx context.Context, req *sip.Request, resp *sip.Response, cred DigestCredentialer, opts digest.Options) (sip.ClientTransaction, error) {
	if err := digestAuthApply(req, resp, cred, opts); err != nil {
		return nil, err
	}

	cseq := req.CSeq()
	cseq.SeqNo++

	req.RemoveHeader("Via")
	tx, err := c.TransactionRequest(ctx, req, ClientRequestAddVia)
	return tx, err
}

// WriteRequest bypasses transactions and hands the request straight to
// the transport layer, with the same header fill-in as
// TransactionRequest. The 2xx ACK has no transaction and goes this way.
func (c *Client) WriteRequest(req *sip.Request, options ...ClientRequestOption) error {
	if len(options) == 0 {
		clientRequestBuildReq(c, req)
		return c.writeReq(req)
	}

	for _, o := range options {
		if err := o(c, req); err != nil {
			return err
		}
	}
	return c.writeReq(req)
}

func (c *Client) writeReq(req *sip.Request) error {
	if c.TxRequester != nil {
		_, err := c.TxRequester.Request(context.TODO(), req)
		return err
	}
	return c.tp.WriteMsg(req)
}

type ClientRequestOption func(c *Client, req *sip.Request) error

// ClientRequestBuild will build missing fields in request
// This is by default but can be used to combine with other ClientRequestOptions
func ClientRequestBuild(c *Client, req *sip.Request) error {
	return clientRequestBuildReq(c, req)
}

func clientRequestBuildReq(c *Client, req *sip.Request) error {
	// RFC 3261 8.1.1: a UAC request carries at least To, From, CSeq,
	// Call-ID, Max-Forwards and Via.

	missing := make([]sip.Header, 0, 6)
	if v := req.Via(); v == nil {
		// Multi VIA value must be manually added
		via := clientRequestCreateVia(c, req)
		missing = append(missing, via)
	}

	// From and To headers should not contain Port numbers, headers, uri params
	if v := req.From(); v == nil {
		from := sip.FromHeader{
			DisplayName: c.UserAgent.name,
			Address: sip.Uri{
				Encrypted: req.Recipient.Encrypted,
				User:      c.UserAgent.name,
				Host:      c.UserAgent.host,
				UriParams: sip.NewParams(),
				Headers:   sip.NewParams(),
			},
			Params: sip.NewParams(),
		}

		if from.Address.Host == "" {
			// no UA hostname set, fall back to the routing host
			from.Address.Host = c.host
		}

		from.Params.Add("tag", sip.GenerateTagN(16))
		missing = append(missing, &from)
	}

	if v := req.To(); v == nil {
		to := sip.ToHeader{
			Address: sip.Uri{
				Encrypted: req.Recipient.Encrypted,
				User:      req.Recipient.User,
				Host:      req.Recipient.Host,
				UriParams: sip.NewParams(),
				Headers:   sip.NewParams(),
			},
			Params: sip.NewParams(),
		}
		missing = append(missing, &to)
	}

	if v := req.CallID(); v == nil {
		uuid, err := uuid.NewRandom()
		if err != nil {
			return err
		}

		callid := sip.CallIDHeader(uuid.String())
		missing = append(missing, &callid)

	}

	if v := req.CSeq(); v == nil {
		var b [4]byte
		_, err := rand.Read(b[:])
		if err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(b[:]) & 0x7FFFFFFF // ensure < 2^31
		n = max(1<<31-100, n)
		cseq := sip.CSeqHeader{
			SeqNo:      n,
			MethodName: req.Method,
		}
		missing = append(missing, &cseq)
	}

	if v := req.MaxForwards(); v == nil {
		maxfwd := sip.MaxForwardsHeader(70)
		missing = append(missing, &maxfwd)
	}

	req.PrependHeader(missing...)

	if req.Body() == nil {
		req.SetBody(nil)
	}

	// Set local addr, transport layer will check is present
	if c.connAddr.IP != nil {
		// Doing a copy to avoid dangling ip
		c.connAddr.Copy(&req.Laddr)
	}

	return nil
}

// ClientRequestAddVia is option for adding via header
// Based on proxy setup https://www.rfc-editor.org/rfc/rfc3261.html#section-16.6
func ClientRequestAddVia(c *Client, req *sip.Request) error {
	via := clientRequestCreateVia(c, req)
	req.PrependHeader(via)
	return nil
}

// ClientRequestRegisterBuild builds correctly REGISTER request based on RFC
// Whenever you send REGISTER request you should pass this option
// https://datatracker.ietf.org/doc/html/rfc3261#section-10.2
//
// Experimental
func ClientRequestRegisterBuild(c *Client, req *sip.Request) error {
	// Register generally run in a loop
	if cseq := req.CSeq(); cseq != nil {
		// Increase cseq if this is existing transaction
		// WriteRequest for ex ACK will not increase and this is wanted behavior
		// This will be a problem if we allow ACK to be passed as transaction request
		cseq.SeqNo++
	}

	if err := clientRequestBuildReq(c, req); err != nil {
		return err
	}

	// address-of-record MUST
	// be a SIP URI or SIPS URI.
	// NOTE for now we expect client will build TO and From header correctly

	// The "userinfo" and "@" components of the
	//        SIP URI MUST NOT be present.
	req.Recipient.User = ""
	return nil
}

func clientRequestCreateVia(c *Client, req *sip.Request) *sip.ViaHeader {
	// TODO
	// A client that sends a request to a multicast address MUST add the
	// "maddr" parameter to its Via header field value containing the
	// destination multicast address
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       req.Transport(),
		Host:            c.host, // This can be rewritten by transport layer
		Port:            c.port, // This can be rewritten by transport layer
		Params:          sip.NewParams(),
	}
	// NOTE: Consider lenght of branch configurable
	via.Params.Add("branch", sip.GenerateBranchN(16))
	if c.rport {
		via.Params.Add("rport", "")
	}

	if via := req.Via(); via != nil {
		// https://datatracker.ietf.org/doc/html/rfc3581#section-6
		// As proxy rport and received must be fullfiled
		if via.Params.Has("rport") {
			h, p, _ := net.SplitHostPort(req.Source())
			via.Params.Add("rport", p)
			via.Params.Add("received", h)
		}
	}
	return via
}

// ClientRequestAddRecordRoute is option for adding record route header
// Based on proxy setup https://www.rfc-editor.org/rfc/rfc3261#section-16
func ClientRequestAddRecordRoute(c *Client, req *sip.Request) error {
	// We will try to use our listen port. Host must be set to some none NAT IP
	port := c.tp.GetListenPort(sip.NetworkToLower(req.Transport()))

	// RFC 5658: the transport param must ride along for downstream hops.
	rrParams := sip.NewParams()
	rrParams.Add("transport", sip.NetworkToLower(req.Transport()))
	rrParams.Add("lr", "")

	rr := &sip.RecordRouteHeader{
		Address: sip.Uri{
			Host:      c.host,
			Port:      port, // must be a listen port
			UriParams: rrParams,
			Headers:   sip.NewParams(),
		},
	}

	req.PrependHeader(rr)
	return nil
}

// Based on proxy setup https://www.rfc-editor.org/rfc/rfc3261#section-16
// ClientRequestDecreaseMaxForward should be used when forwarding request. It decreases max forward
// in case of 0 it returnes error
func ClientRequestDecreaseMaxForward(c *Client, req *sip.Request) error {
	maxfwd := req.MaxForwards()
	if maxfwd == nil {
		return nil
	}

	maxfwd.Dec()

	if maxfwd.Val() <= 0 {
		return fmt.Errorf("max forwards reached")
	}
	return nil
}

func ClientRequestIncreaseCSEQ(c *Client, req *sip.Request) error {
	if cseq := req.CSeq(); cseq != nil {
		// Increase cseq if this is new transaction but has cseq added.
		// Request within dialog should not have this behavior
		// WriteRequest for ex ACK will not increase and this is wanted behavior
		// This will be a problem if we allow ACK to be passed as transaction request
		cseq.SeqNo++
		cseq.MethodName = req.Method
	}
	return nil
}

// ParseAuthChallenge extracts the digest challenge from a 401/407 response's
// WWW-Authenticate or Proxy-Authenticate header. This is as far as the core
// goes with authentication: it parses and forwards the challenge, it does
// not compute a credential response (see DigestAuth.Credentialer).
func ParseAuthChallenge(resp *sip.Response) (*digest.Challenge, error) {
	header := resp.GetHeader("WWW-Authenticate")
	if header == nil {
		header = resp.GetHeader("Proxy-Authenticate")
	}
	if header == nil {
		return nil, fmt.Errorf("no WWW-Authenticate or Proxy-Authenticate header present")
	}

	chal, err := digest.ParseChallenge(header.Value())
	if err != nil {
		return nil, fmt.Errorf("fail to parse challenge header=%q: %w", header.Value(), err)
	}
	// Fix lower case algorithm although not supported by rfc
	chal.Algorithm = sip.ASCIIToUpper(chal.Algorithm)
	return chal, nil
}

func digestProxyAuthApply(req *sip.Request, resp *sip.Response, cred DigestCredentialer, opts digest.Options) error {
	authHeader := resp.GetHeader("Proxy-Authenticate")
	if authHeader == nil {
		return fmt.Errorf("No Proxy-Authenticate header present")
	}
	chal, err := digest.ParseChallenge(authHeader.Value())
	if err != nil {
		return fmt.Errorf("fail to parse challenge authHeader=%q: %w", authHeader.Value(), err)
	}
	chal.Algorithm = sip.ASCIIToUpper(chal.Algorithm)

	creds, err := cred(chal, opts)
	if err != nil {
		return fmt.Errorf("fail to compute credentials: %w", err)
	}

	req.RemoveHeader("Proxy-Authorization")
	req.AppendHeader(sip.NewHeader("Proxy-Authorization", creds.String()))
	return nil
}

func digestAuthApply(req *sip.Request, resp *sip.Response, credentialer DigestCredentialer, opts digest.Options) error {
	wwwAuth := resp.GetHeader("WWW-Authenticate")
	if wwwAuth == nil {
		return fmt.Errorf("No WWW-Authenticate header present")
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return fmt.Errorf("fail to parse chalenge wwwauth=%q: %w", wwwAuth.Value(), err)
	}
	chal.Algorithm = sip.ASCIIToUpper(chal.Algorithm)

	creds, err := credentialer(chal, opts)
	if err != nil {
		return fmt.Errorf("fail to compute credentials: %w", err)
	}

	req.RemoveHeader("Authorization")
	req.AppendHeader(sip.NewHeader("Authorization", creds.String()))
	return nil
}

// digestProxyAuthRequest does basic digest auth with proxy header. Credential
// computation is delegated to cred; the core never computes one itself.
func digestProxyAuthRequest(ctx context.Context, client *Client, req *sip.Request, resp *sip.Response, cred DigestCredentialer, opts digest.Options) (sip.ClientTransaction, error) {
	if err := digestProxyAuthApply(req, resp, cred, opts); err != nil {
		return nil, err
	}

	cseq := req.CSeq()
	cseq.SeqNo++

	req.RemoveHeader("Via")
	tx, err := client.TransactionRequest(ctx, req, ClientRequestAddVia)
	return tx, err
}

// digestTransactionRequest applies WWW-Authenticate digest auth to req and
// resends it as a new client transaction. Used by DialogClientSession.WaitAnswer's
// 401 retry path; Client.TransactionDigestAuth goes through the Client method
// of the same name instead. Credential computation
// is delegated to cred; the core never computes one itself.
func digestTransactionRequest(ctx context.Context, client *Client, req *sip.Request, resp *sip.Response, cred DigestCredentialer, opts digest.Options) (sip.ClientTransaction, error) {
	if err := digestAuthApply(req, resp, cred, opts); err != nil {
		return nil, err
	}

	cseq := req.CSeq()
	cseq.SeqNo++

	req.RemoveHeader("Via")
	tx, err := client.TransactionRequest(ctx, req, ClientRequestAddVia)
	return tx, err
}
