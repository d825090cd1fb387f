// Package serial provides the UART Link: a byte-level, non-blocking-read
// connection between the at package and the physical u-blox modem.
//
// Port never blocks on Read: a background goroutine drains the OS serial
// descriptor into a buffer, and ReadAvailable/HasData only ever inspect that
// buffer. This goroutine is a boundary adapter for the hardware descriptor,
// not part of the single-threaded core described by the connection FSM and
// socket layer.
package serial

import (
	"sync"

	"github.com/tarm/serial"
)

// Config holds the parameters used to open the UART. The zero value is
// overridden by the per-platform defaultConfig (see serial_linux.go et al).
type Config struct {
	port string
	baud int
}

// Option modifies a Config built by New.
type Option func(*Config)

// WithPort overrides the serial device path.
func WithPort(port string) Option {
	return func(c *Config) {
		c.port = port
	}
}

// WithBaud overrides the baud rate. The modem requires 115200 8-N-1; this
// exists mainly for loopback testing against slower fakes.
func WithBaud(baud int) Option {
	return func(c *Config) {
		c.baud = baud
	}
}

// Port is the UART Link (C1). It satisfies the at.Link interface.
type Port struct {
	sp *serial.Port

	mu     sync.Mutex
	buf    []byte
	closed chan struct{}
}

// New opens the serial port described by opts, defaulting to the platform's
// defaultConfig (115200 8-N-1) when an option is not supplied.
func New(opts ...Option) (*Port, error) {
	cfg := defaultConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	sp, err := serial.OpenPort(&serial.Config{Name: cfg.port, Baud: cfg.baud})
	if err != nil {
		return nil, err
	}
	p := &Port{sp: sp, closed: make(chan struct{})}
	go p.readLoop()
	return p, nil
}

// readLoop continuously drains the serial descriptor into p.buf. It is the
// only goroutine in the module and exists solely because the underlying fd
// read is blocking; ReadAvailable itself never blocks.
func (p *Port) readLoop() {
	tmp := make([]byte, 4096)
	for {
		n, err := p.sp.Read(tmp)
		if n > 0 {
			p.mu.Lock()
			p.buf = append(p.buf, tmp[:n]...)
			p.mu.Unlock()
		}
		if err != nil {
			close(p.closed)
			return
		}
	}
}

// Write sends data to the modem. It is a single logical write; callers that
// need prompt-and-payload semantics (at.SendOptions.DataAfterPrompt) rely on
// this not being fragmented.
func (p *Port) Write(data []byte) (int, error) {
	return p.sp.Write(data)
}

// ReadAvailable drains and returns whatever bytes have arrived since the
// last call. It never blocks, returning a nil slice if nothing is buffered.
func (p *Port) ReadAvailable() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		return nil
	}
	out := p.buf
	p.buf = nil
	return out
}

// HasData reports whether ReadAvailable would return a non-empty slice.
func (p *Port) HasData() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf) > 0
}

// Close releases the underlying serial descriptor.
func (p *Port) Close() error {
	return p.sp.Close()
}
