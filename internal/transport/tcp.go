package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPTransport dials host:port on Connect, performing a short reachability
// probe first so a dead host fails fast with KindUnreachable rather than
// hanging for the full connect-timeout (§4.1).
type TCPTransport struct {
	Host           string
	Port           uint16
	ProbeTimeout   time.Duration
	ConnectTimeout time.Duration

	dc *deadlineConn
}

func NewTCPTransport(host string, port uint16) *TCPTransport {
	return &TCPTransport{
		Host:           host,
		Port:           port,
		ProbeTimeout:   1500 * time.Millisecond,
		ConnectTimeout: 5 * time.Second,
	}
}

func (t *TCPTransport) addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

func (t *TCPTransport) Connect(ctx context.Context) error {
	if t.dc != nil && !t.dc.closed {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, t.ProbeTimeout)
	defer cancel()
	var d net.Dialer
	probe, err := d.DialContext(probeCtx, "tcp", t.addr())
	if err != nil {
		return newErr(KindUnreachable, fmt.Errorf("reachability probe to %s failed: %w", t.addr(), err))
	}
	probe.Close()

	connectCtx, cancel2 := context.WithTimeout(ctx, t.ConnectTimeout)
	defer cancel2()
	conn, err := d.DialContext(connectCtx, "tcp", t.addr())
	if err != nil {
		if connectCtx.Err() != nil {
			return newErr(KindHandshakeTimeout, err)
		}
		return newErr(KindIOError, err)
	}

	t.dc = &deadlineConn{rw: conn, setDL: conn.SetDeadline}
	return nil
}

func (t *TCPTransport) ReadExact(ctx context.Context, buf []byte) error {
	if t.dc == nil {
		return newErr(KindClosed, nil)
	}
	return t.dc.ReadExact(ctx, buf)
}

func (t *TCPTransport) WriteAll(ctx context.Context, b []byte) error {
	if t.dc == nil {
		return newErr(KindClosed, nil)
	}
	return t.dc.WriteAll(ctx, b)
}

func (t *TCPTransport) Close() error {
	if t.dc == nil {
		return nil
	}
	err := t.dc.Close()
	t.dc = nil
	return err
}
