package serial

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	bugst "go.bug.st/serial"
)

// BugstPort is an at.Port backed by go.bug.st/serial, an alternative to
// Port for platforms or devices where tarm/serial's cgo-free driver
// doesn't behave (e.g. USB CDC-ACM modems needing explicit mode
// control). Close reliably unblocks a concurrent in-flight Read, which
// tarm/serial's underlying driver does not guarantee on every platform.
type BugstPort struct {
	mu   sync.Mutex
	cfg  Config
	port bugst.Port
}

// NewBugst creates a BugstPort using the platform default configuration,
// modified by opts. The device is not opened until Open is called.
func NewBugst(opts ...Option) *BugstPort {
	cfg := defaultConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &BugstPort{cfg: cfg}
}

func (p *BugstPort) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port != nil {
		return nil
	}
	sp, err := bugst.Open(p.cfg.port, &bugst.Mode{BaudRate: p.cfg.baud})
	if err != nil {
		return errors.WithMessage(err, "serial: open "+p.cfg.port)
	}
	if err := sp.SetReadTimeout(100 * time.Millisecond); err != nil {
		sp.Close()
		return errors.WithMessage(err, "serial: set read timeout")
	}
	p.port = sp
	return nil
}

func (p *BugstPort) Close() error {
	p.mu.Lock()
	sp := p.port
	p.port = nil
	p.mu.Unlock()
	if sp == nil {
		return nil
	}
	return sp.Close()
}

func (p *BugstPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	sp := p.port
	p.mu.Unlock()
	if sp == nil {
		return 0, errors.New("serial: not open")
	}
	return sp.Read(b)
}

func (p *BugstPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	sp := p.port
	p.mu.Unlock()
	if sp == nil {
		return 0, errors.New("serial: not open")
	}
	return sp.Write(b)
}
