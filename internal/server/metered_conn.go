package server

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"
)

// meteredConn counts bytes crossing the socket into Prometheus counters.
type meteredConn struct {
	net.Conn
	in  prometheus.Counter
	out prometheus.Counter
}

func (c *meteredConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.in.Add(float64(n))
	}
	return n, err
}

func (c *meteredConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.out.Add(float64(n))
	}
	return n, err
}
