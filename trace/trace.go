// Package trace provides a decorator for an at.Port that logs all opens,
// closes, reads and writes.
package trace

import (
	"log"

	"github.com/kgibson-labs/atchannel/at"
)

// Trace wraps an at.Port, writing every Open, Close, Read and Write to
// a logger. It implements at.Port itself, so it can be dropped in
// wherever a Port is expected.
type Trace struct {
	port at.Port
	l    *log.Logger
	wfmt string
	rfmt string
}

// Option modifies a Trace object created by New.
type Option func(*Trace)

// New wraps port in a Trace that logs to l.
func New(port at.Port, l *log.Logger, opts ...Option) *Trace {
	t := &Trace{port: port, l: l, wfmt: "w: %s", rfmt: "r: %s"}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ReadFormat sets the format used for read logs.
func ReadFormat(format string) Option {
	return func(t *Trace) {
		t.rfmt = format
	}
}

// WriteFormat sets the format used for write logs.
func WriteFormat(format string) Option {
	return func(t *Trace) {
		t.wfmt = format
	}
}

func (t *Trace) Open() error {
	err := t.port.Open()
	t.l.Printf("open: err=%v", err)
	return err
}

func (t *Trace) Close() error {
	err := t.port.Close()
	t.l.Printf("close: err=%v", err)
	return err
}

func (t *Trace) Read(p []byte) (n int, err error) {
	n, err = t.port.Read(p)
	if n > 0 {
		t.l.Printf(t.rfmt, p[:n])
	}
	return n, err
}

func (t *Trace) Write(p []byte) (n int, err error) {
	n, err = t.port.Write(p)
	if n > 0 {
		t.l.Printf(t.wfmt, p[:n])
	}
	return n, err
}
