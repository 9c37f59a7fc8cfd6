package fakes

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// TCPConn fakes a stream socket over in-memory pipes.
type TCPConn struct {
	net.Conn
	LAddr net.TCPAddr
	RAddr net.TCPAddr

	Reader io.Reader
	Writer io.Writer

	mu sync.Mutex
}

func (c *TCPConn) LocalAddr() net.Addr {
	return &c.LAddr
}

func (c *TCPConn) RemoteAddr() net.Addr {
	return &c.RAddr
}

func (c *TCPConn) Read(p []byte) (n int, err error) {
	return c.Reader.Read(p)
}

func (c *TCPConn) Write(p []byte) (n int, err error) {
	return c.Writer.Write(p)
}

func (c *TCPConn) Close() error {
	return nil
}

// TestReadConn reads one chunk or fails the test.
func (c *TCPConn) TestReadConn(t testing.TB) []byte {
	chunk := make([]byte, 65355)
	n, err := c.Read(chunk)
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("No byte received")
	}
	return chunk[:n]
}

// TestWriteConn writes data fully or fails the test.
func (c *TCPConn) TestWriteConn(t testing.TB, data []byte) {
	n, err := c.Write(data)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Fatal("Data not fully written")
	}
}

// TestRequest writes data and returns the next chunk read back.
func (c *TCPConn) TestRequest(t testing.TB, data []byte) []byte {
	c.TestWriteConn(t, data)
	return c.TestReadConn(t)
}

func (c *TCPConn) SetDeadline(t time.Time) error {
	return nil
}

func (c *TCPConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (c *TCPConn) SetWriteDeadline(t time.Time) error {
	return nil
}

// TCPListener hands out prepared fake connections.
type TCPListener struct {
	LAddr net.TCPAddr
	Conns chan *TCPConn
}

// Accept returns the next prepared connection.
func (l *TCPListener) Accept() (net.Conn, error) {
	return <-l.Conns, nil
}

func (l *TCPListener) Close() error {
	return nil
}

// Addr returns the listener's bound address.
func (l *TCPListener) Addr() net.Addr {
	return &l.LAddr
}
