package fakes

import (
	"net"
	"testing"
)

// TestConnection is what UDPConn and TCPConn share for driving a fake
// peer from a test.
type TestConnection interface {
	TestReadConn(t testing.TB) []byte
	TestWriteConn(t testing.TB, data []byte)
	TestRequest(t testing.TB, data []byte) []byte
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}
