package sip

import (
	"bytes"
	"errors"
	"net"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Connection is one pooled, reference-counted socket.
type Connection interface {
	// LocalAddr this connection is bound to.
	LocalAddr() net.Addr
	// WriteMsg serializes msg and writes it to the socket.
	WriteMsg(msg Message) error
	// Ref adjusts the reference count by i and returns the new count.
	// Ref(0) reads the count.
	Ref(i int) int
	// TryClose drops one reference and closes the socket when none
	// remain. Returns the remaining count.
	TryClose() (int, error)

	Close() error
}

// bufPool recycles serialization buffers across WriteMsg calls.
var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// ConnectionPool indexes live connections by both local and remote
// address so ingress and egress paths find the same socket.
type ConnectionPool struct {
	sync.RWMutex
	m  map[string]Connection
	sf singleflight.Group
}

func NewConnectionPool() *ConnectionPool {
	pool := &ConnectionPool{}
	pool.init()
	return pool
}

func (pool *ConnectionPool) init() {
	pool.m = make(map[string]Connection)
}

// addSingleflight dials via do, collapsing concurrent dials for the same
// laddr/raddr pair into one connection when reuse is on or the local
// address is pinned.
func (pool *ConnectionPool) addSingleflight(raddr Addr, laddr Addr, reuse bool, do func() (Connection, error)) (Connection, error) {
	remote := raddr.String()

	if laddr.Port > 0 || reuse {
		conn, err, shared := pool.sf.Do(laddr.String()+remote, func() (any, error) {
			return do()
		})
		if err != nil {
			return nil, err
		}
		c := conn.(Connection)
		if shared {
			return c, nil
		}

		pool.Lock()
		defer pool.Unlock()
		pool.m[remote] = c
		pool.m[c.LocalAddr().String()] = c
		return c, nil
	}

	c, err := do()
	if err != nil {
		return nil, err
	}
	if c.Ref(0) < 1 {
		c.Ref(1)
	}
	pool.m[remote] = c
	pool.m[c.LocalAddr().String()] = c
	return c, nil
}

// Add registers c under a, pinning at least one reference.
func (pool *ConnectionPool) Add(a string, c Connection) {
	if c.Ref(0) < 1 {
		c.Ref(1)
	}
	pool.Lock()
	pool.m[a] = c
	pool.Unlock()
}

// Get returns the connection for a with its reference count bumped, or
// nil. Callers must TryClose when done.
func (pool *ConnectionPool) Get(a string) Connection {
	pool.RLock()
	c, exists := pool.m[a]
	pool.RUnlock()
	if !exists {
		return nil
	}
	c.Ref(1)
	return c
}

// CloseAndDelete force-closes c and drops it from the pool.
func (pool *ConnectionPool) CloseAndDelete(c Connection, addr string) error {
	pool.Lock()
	defer pool.Unlock()
	delete(pool.m, addr)
	if ref, _ := c.TryClose(); ref > 0 {
		return c.Close()
	}
	return nil
}

func (pool *ConnectionPool) Delete(addr string) {
	pool.Lock()
	defer pool.Unlock()
	delete(pool.m, addr)
}

func (pool *ConnectionPool) DeleteMultiple(addrs []string) {
	pool.Lock()
	defer pool.Unlock()
	for _, a := range addrs {
		delete(pool.m, a)
	}
}

// Clear closes every pooled connection and empties the pool.
func (pool *ConnectionPool) Clear() error {
	pool.Lock()
	defer pool.Unlock()
	defer func() {
		pool.m = make(map[string]Connection)
	}()

	var werr error
	for _, c := range pool.m {
		if c.Ref(0) <= 0 {
			continue
		}
		werr = errors.Join(werr, c.Close())
	}
	return werr
}

func (pool *ConnectionPool) Size() int {
	pool.RLock()
	defer pool.RUnlock()
	return len(pool.m)
}
