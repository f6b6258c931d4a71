// Package serial provides at.Port implementations backed by real serial
// devices, using github.com/tarm/serial and go.bug.st/serial as
// alternative transports.
package serial

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// Config holds the parameters needed to open a serial device. The
// platform-specific defaultConfig (see serial_linux.go etc.) supplies a
// reasonable starting point for each OS.
type Config struct {
	port string
	baud int
}

// Option configures a Port created by New.
type Option func(*Config)

// WithPort sets the device path (e.g. "/dev/ttyUSB0", "COM1").
func WithPort(port string) Option {
	return func(c *Config) {
		c.port = port
	}
}

// WithBaud sets the baud rate.
func WithBaud(baud int) Option {
	return func(c *Config) {
		c.baud = baud
	}
}

// Port is an at.Port backed by github.com/tarm/serial. The underlying
// device is not opened until Open is called, so a Port can be
// constructed and handed to at.New before the device is available.
type Port struct {
	mu   sync.Mutex
	cfg  Config
	port *serial.Port
}

// New creates a Port using the platform default configuration, modified
// by opts.
func New(opts ...Option) *Port {
	cfg := defaultConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Port{cfg: cfg}
}

// Open opens the underlying device. Open is safe to call again after a
// matching Close.
func (p *Port) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port != nil {
		return nil
	}
	sp, err := serial.OpenPort(&serial.Config{
		Name:        p.cfg.port,
		Baud:        p.cfg.baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return errors.WithMessage(err, "serial: open "+p.cfg.port)
	}
	p.port = sp
	return nil
}

// Close closes the underlying device, unblocking any in-flight Read.
func (p *Port) Close() error {
	p.mu.Lock()
	sp := p.port
	p.port = nil
	p.mu.Unlock()
	if sp == nil {
		return nil
	}
	return sp.Close()
}

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	sp := p.port
	p.mu.Unlock()
	if sp == nil {
		return 0, errors.New("serial: not open")
	}
	return sp.Read(b)
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	sp := p.port
	p.mu.Unlock()
	if sp == nil {
		return 0, errors.New("serial: not open")
	}
	return sp.Write(b)
}
