package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// The base RFC 3261 timers. Mutate through SetTimers so every
	// derived timer stays consistent.
	// T1: round-trip time estimate, default 500ms
	T1,
	// T2: maximum retransmission interval for non-INVITE requests and INVITE responses
	T2,
	// T4: maximum time a message can stay in the network
	T4,
	// Timer_A drives request retransmission on unreliable transports, doubling each firing
	Timer_A,
	// Timer_B (64*T1) bounds how long an INVITE sender waits for any response
	Timer_B,
	Timer_D,
	Timer_E,
	// Timer_F (64*T1) bounds how long a non-INVITE sender waits for any response
	Timer_F,
	Timer_G,
	Timer_H,
	Timer_I,
	Timer_J,
	Timer_K,
	Timer_L,
	Timer_M time.Duration

	// Timer_1xx is how long an INVITE server transaction may sit without
	// any provisional response. This stack answers 100 Trying on
	// construction and does not read this value; it stays exported for
	// custom transaction wiring.
	Timer_1xx = 200 * time.Millisecond

	TxSeperator = "__"

	TransactionFSMDebug bool
)

func init() {
	SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)
}

// SetTimers fixes T1/T2/T4 and recomputes every derived timer.
func SetTimers(t1, t2, t4 time.Duration) {
	T1 = t1
	T2 = t2
	T4 = t4
	Timer_A = T1
	Timer_B = 64 * T1
	Timer_D = 32 * time.Second
	Timer_E = T1
	Timer_F = 64 * T1
	Timer_G = T1
	Timer_H = 64 * T1
	Timer_I = T4
	Timer_J = 64 * T1
	Timer_K = T4
	Timer_L = 64 * T1
	Timer_M = 64 * T1
}

var (
	// Transaction errors surface through Transaction.Err and the
	// terminate callbacks, RFC 3261 8.1.3.1.
	ErrTransactionTimeout    = errors.New("transaction timeout")
	ErrTransactionTransport  = errors.New("transaction transport error")
	ErrTransactionCanceled   = errors.New("transaction canceled")
	ErrTransactionTerminated = errors.New("transaction terminated")
)

func wrapTransportError(err error) error {
	return fmt.Errorf("%s. %w", err.Error(), ErrTransactionTransport)
}

func wrapTimeoutError(err error) error {
	return fmt.Errorf("%s. %w", err.Error(), ErrTransactionTimeout)
}

type Transaction interface {
	// Terminate kills the transaction regardless of state.
	Terminate()

	// OnTerminate registers f to run when the transaction dies; an
	// alternative to watching Done without another goroutine. Returns
	// false if already terminated. Calling tx methods inside f deadlocks.
	OnTerminate(f FnTxTerminate) bool

	// Done closes when the FSM reaches terminated.
	Done() <-chan struct{}

	// Err reports what stopped the transaction.
	Err() error
}

type ServerTransaction interface {
	Transaction

	// Respond sends a prebuilt response; use NewResponseFromRequest.
	Respond(res *Response) error
	// Acks yields ACKs received during the transaction.
	Acks() <-chan *Request

	// OnCancel registers f to observe a CANCEL hitting this
	// transaction, which is then followed by termination. Must not
	// block long.
	OnCancel(f FnTxCancel) bool
}

// ServerTransactionContext derives a context canceled when tx terminates.
// Call at most once per transaction.
func ServerTransactionContext(tx ServerTransaction) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	done := tx.OnTerminate(func(key string, err error) {
		cancel()
	})
	if done {
		cancel()
	}
	return ctx
}

type ClientTransaction interface {
	Transaction
	// Responses yields every response routed to this transaction.
	Responses() <-chan *Response

	// OnRetransmission registers a hook for 2xx retransmissions.
	OnRetransmission(f FnTxResponse) bool
}

// baseTx carries the state shared by client and server transactions.
type baseTx struct {
	mu sync.Mutex

	key    string
	origin *Request

	conn   Connection
	done   chan struct{}
	closed bool

	// fsmMu serializes every FSM spin; fsmResp/fsmErr/fsmAck/fsmCancel
	// are only valid inside a spin.
	fsmMu    sync.Mutex
	fsmState fsmContextState

	fsmResp   *Response
	fsmErr    error
	fsmAck    *Request
	fsmCancel *Request

	log         *slog.Logger
	onTerminate FnTxTerminate
}

func (tx *baseTx) String() string {
	if tx == nil {
		return "<nil>"
	}
	return tx.key
}

func (tx *baseTx) Origin() *Request {
	return tx.origin
}

func (tx *baseTx) Key() string {
	return tx.key
}

func (tx *baseTx) Done() <-chan struct{} {
	return tx.done
}

// OnTerminate chains f behind any previously registered callback. The
// callback must not touch fsm-locked methods.
func (tx *baseTx) OnTerminate(f FnTxTerminate) bool {
	tx.mu.Lock()
	select {
	case <-tx.done:
		tx.mu.Unlock()
		return false
	default:
	}
	defer tx.mu.Unlock()

	if tx.onTerminate != nil {
		prev := tx.onTerminate
		tx.onTerminate = func(key string, err error) {
			prev(key, err)
			f(key, err)
		}
		return true
	}
	tx.onTerminate = f
	return true
}

func (tx *baseTx) currentFsmState() fsmContextState {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()
	return tx.fsmState
}

func (tx *baseTx) initFSM(fsmState fsmContextState) {
	tx.fsmMu.Lock()
	tx.fsmState = fsmState
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmUnsafe(in fsmInput) {
	for i := in; i != FsmInputNone; {
		if TransactionFSMDebug {
			fname := runtime.FuncForPC(reflect.ValueOf(tx.fsmState).Pointer()).Name()
			fname = fname[strings.LastIndex(fname, ".")+1:]
			tx.log.Debug("Changing transaction state", "key", tx.key, "input", fsmString(i), "state", fname)
		}
		i = tx.fsmState(i)
	}
}

func (tx *baseTx) spinFsm(in fsmInput) {
	tx.fsmMu.Lock()
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmWithResponse(in fsmInput, resp *Response) {
	tx.fsmMu.Lock()
	tx.fsmResp = resp
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmWithRequest(in fsmInput, req *Request) {
	tx.fsmMu.Lock()
	switch {
	case req.IsAck(): // ACK for a non-2xx final
		tx.fsmAck = req
	case req.IsCancel():
		tx.fsmCancel = req
	}
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmWithError(in fsmInput, err error) {
	tx.fsmMu.Lock()
	tx.fsmErr = err
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) Err() error {
	tx.fsmMu.Lock()
	err := tx.fsmErr
	tx.fsmMu.Unlock()
	return err
}

type FnTxTerminate func(key string, err error)
type FnTxCancel func(r *Request)
type FnTxResponse func(r *Response)

func isRFC3261(branch string) bool {
	return branch != "" &&
		strings.HasPrefix(branch, RFC3261BranchMagicCookie) &&
		strings.TrimPrefix(branch, RFC3261BranchMagicCookie) != ""
}

// ServerTxKeyMake builds the server transaction key used to match
// retransmissions and ACK/CANCEL, RFC 3261 17.2.3.
func ServerTxKeyMake(msg Message) (string, error) {
	return makeServerTxKey(msg, "")
}

// makeServerTxKey requires an RFC 3261 branch (magic cookie present):
// the RFC 2543 full-tuple fallback is deliberately not implemented, and
// pre-3261 peers are rejected at this point.
func makeServerTxKey(msg Message, asMethod RequestMethod) (string, error) {
	topVia := msg.Via()
	if topVia == nil {
		return "", fmt.Errorf("'Via' header not found or empty in message '%s'", MessageShortString(msg))
	}

	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("'CSeq' header not found in message '%s'", MessageShortString(msg))
	}
	method := cseq.MethodName
	if method == ACK {
		method = INVITE
	}
	if asMethod != "" {
		method = asMethod
	}

	branch, ok := topVia.Params.Get("branch")
	if !ok || !isRFC3261(branch) {
		return "", fmt.Errorf("'branch' in 'Via' of message '%s' is missing the RFC 3261 magic cookie", MessageShortString(msg))
	}

	port := topVia.Port
	if port <= 0 {
		port = DefaultPort(topVia.Transport)
	}

	var sb strings.Builder
	sb.WriteString(branch)
	sb.WriteString(TxSeperator)
	sb.WriteString(topVia.Host)
	sb.WriteString(TxSeperator)
	sb.WriteString(strconv.Itoa(port))
	sb.WriteString(TxSeperator)
	sb.WriteString(string(method))
	return sb.String(), nil
}

// ClientTxKeyMake builds the client transaction key used to match
// responses, RFC 3261 17.1.3.
func ClientTxKeyMake(msg Message) (string, error) {
	return makeClientTxKey(msg, "")
}

func makeClientTxKey(msg Message, asMethod RequestMethod) (string, error) {
	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("'CSeq' header not found in message '%s'", MessageShortString(msg))
	}
	method := cseq.MethodName
	if method == ACK {
		method = INVITE
	}
	if asMethod != "" {
		method = asMethod
	}

	topVia := msg.Via()
	if topVia == nil {
		return "", fmt.Errorf("'Via' header not found or empty in message '%s'", MessageShortString(msg))
	}

	branch, ok := topVia.Params.Get("branch")
	if !ok || !isRFC3261(branch) {
		return "", fmt.Errorf("'branch' not found or empty in 'Via' header of message '%s'", MessageShortString(msg))
	}

	var sb strings.Builder
	sb.Grow(len(branch) + len(method) + len(TxSeperator))
	sb.WriteString(branch)
	sb.WriteString(TxSeperator)
	sb.WriteString(string(method))
	return sb.String(), nil
}

// transactionStore is the branch-keyed registry. O(1) insert, lookup
// and remove; no iteration beyond shutdown.
type transactionStore[T Transaction] struct {
	items map[string]T
	mu    sync.RWMutex
}

func newTransactionStore[T Transaction]() *transactionStore[T] {
	return &transactionStore[T]{
		items: make(map[string]T),
	}
}

func (ts *transactionStore[T]) lock() {
	ts.mu.Lock()
}

func (ts *transactionStore[T]) unlock() {
	ts.mu.Unlock()
}

func (ts *transactionStore[T]) put(key string, tx T) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.items[key] = tx
}

func (ts *transactionStore[T]) get(key string) (T, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	tx, ok := ts.items[key]
	return tx, ok
}

func (ts *transactionStore[T]) drop(key string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, exists := ts.items[key]
	delete(ts.items, key)
	return exists
}

func (ts *transactionStore[T]) terminateAll() {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	for _, tx := range ts.items {
		// Terminate triggers the on-terminate delete, which needs the
		// write lock, so it cannot run while we hold it.
		ts.mu.RUnlock()
		tx.Terminate()
		ts.mu.RLock()
	}
}
