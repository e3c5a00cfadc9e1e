package netio

import (
	"context"
	"net"
	"time"
)

// DialTCP connects to addr with a bounded timeout, grounded on the
// teacher's btconn dial helper which hands back a plain net.Conn for
// the peer connection state machine to wrap.
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr)
}

// ListenTCP binds a TCP listener on addr (host:port, port 0 for
// ephemeral). No core component calls it; the peer manager opens no
// inbound listener.
func ListenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
