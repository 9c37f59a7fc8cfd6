package fakes

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// UDPConn fakes a packet socket over in-memory pipes. Reads come from
// Reader as if sent by RAddr; writes go to the Writers entry keyed by
// the destination address.
type UDPConn struct {
	net.UDPConn
	LAddr net.UDPAddr
	RAddr net.UDPAddr

	Reader  io.Reader
	Writers map[string]io.Writer

	mu sync.Mutex
}

// ExpectAddr changes which peer the next reads appear to come from.
func (c *UDPConn) ExpectAddr(addr net.UDPAddr) {
	c.mu.Lock()
	c.RAddr = addr
	c.mu.Unlock()
}

func (c *UDPConn) LocalAddr() net.Addr {
	return &c.LAddr
}

func (c *UDPConn) RemoteAddr() net.Addr {
	return &c.RAddr
}

func (c *UDPConn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	c.mu.Lock()
	addr = &net.UDPAddr{
		IP:   c.RAddr.IP,
		Port: c.RAddr.Port,
	}
	n, err = c.Reader.Read(p)
	c.mu.Unlock()
	return n, addr, err
}

func (c *UDPConn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	w, exists := c.Writers[addr.String()]
	if !exists {
		return 0, fmt.Errorf("non existing writer")
	}
	return w.Write(p)
}

// TestReadConn reads one datagram or fails the test.
func (c *UDPConn) TestReadConn(t testing.TB) []byte {
	chunk := make([]byte, 65355)
	n, _, err := c.ReadFrom(chunk)
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("No byte received")
	}
	return chunk[:n]
}

// TestWriteConn sends one datagram toward RAddr or fails the test.
func (c *UDPConn) TestWriteConn(t testing.TB, data []byte) {
	c.mu.Lock()
	addr := &net.UDPAddr{
		IP:   c.RAddr.IP,
		Port: c.RAddr.Port,
	}
	c.mu.Unlock()

	n, err := c.WriteTo(data, addr)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Fatal("Data not fully written")
	}
}

// TestRequest writes data and returns the next datagram read back.
func (c *UDPConn) TestRequest(t testing.TB, data []byte) []byte {
	c.TestWriteConn(t, data)
	return c.TestReadConn(t)
}

func (c *UDPConn) Close() error {
	return nil
}

func (c *UDPConn) SetDeadline(t time.Time) error {
	return nil
}

func (c *UDPConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (c *UDPConn) SetWriteDeadline(t time.Time) error {
	return nil
}
