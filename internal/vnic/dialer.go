package vnic

import (
	"fmt"
	"net"
)

// netCallbackConn adapts a *net.TCPConn to CallbackConn.
type netCallbackConn struct {
	conn net.Conn
}

func (c netCallbackConn) Read(p []byte) (int, error)  { return c.conn.Read(p) }
func (c netCallbackConn) Write(p []byte) (int, error) { return c.conn.Write(p) }
func (c netCallbackConn) Close() error                { return c.conn.Close() }

func (c netCallbackConn) LocalPort() uint16 {
	if tcpAddr, ok := c.conn.LocalAddr().(*net.TCPAddr); ok {
		return uint16(tcpAddr.Port)
	}

	return 0
}

// NetDialer dials real TCP connections for the VNIC's CallbackDialer,
// used by vnicd against a connector's callback listener.
type NetDialer struct{}

// Dial connects to the application's callback listener at address:port.
func (NetDialer) Dial(address string, port uint16) (CallbackConn, error) {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, fmt.Errorf("dial callback %s:%d: %w", address, port, err)
	}

	return netCallbackConn{conn: conn}, nil
}
