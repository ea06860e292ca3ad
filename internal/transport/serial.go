package transport

import (
	"context"
	"fmt"
	"time"

	goserial "github.com/goburrow/serial"
)

// SerialTransport opens an RS-485/RS-232 serial port, 8-N-1 unless
// overridden (§4.1). goburrow/serial applies its read/write timeout at
// Open time rather than per-call, so Connect bakes the caller's
// connect-timeout in as the port's I/O timeout; ReadExact/WriteAll still
// honor the per-call ctx for the purposes of the Transport contract but
// rely on the port's own timeout to actually unblock.
type SerialTransport struct {
	Port     string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E", "O"
	Timeout  time.Duration

	dc *deadlineConn
}

func NewSerialTransport(port string, baudRate int) *SerialTransport {
	return &SerialTransport{
		Port:     port,
		BaudRate: baudRate,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  2 * time.Second,
	}
}

func (t *SerialTransport) Connect(ctx context.Context) error {
	if t.dc != nil && !t.dc.closed {
		return nil
	}

	timeout := t.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}

	port, err := goserial.Open(&goserial.Config{
		Address:  t.Port,
		BaudRate: t.BaudRate,
		DataBits: t.DataBits,
		StopBits: t.StopBits,
		Parity:   t.Parity,
		Timeout:  timeout,
	})
	if err != nil {
		return newErr(KindUnreachable, fmt.Errorf("open serial port %s: %w", t.Port, err))
	}

	t.dc = &deadlineConn{rw: port}
	return nil
}

func (t *SerialTransport) ReadExact(ctx context.Context, buf []byte) error {
	if t.dc == nil {
		return newErr(KindClosed, nil)
	}
	return t.dc.ReadExact(ctx, buf)
}

func (t *SerialTransport) WriteAll(ctx context.Context, b []byte) error {
	if t.dc == nil {
		return newErr(KindClosed, nil)
	}
	return t.dc.WriteAll(ctx, b)
}

func (t *SerialTransport) Close() error {
	if t.dc == nil {
		return nil
	}
	err := t.dc.Close()
	t.dc = nil
	return err
}
