// Package at provides a low level driver for talking to AT-command
// modems (GSM/LTE modules such as SIM800, Telit) over a byte-oriented
// Port. It separates the modem's byte stream into command responses,
// unsolicited result codes (URCs) and inline raw/hex binary payloads,
// and gives the caller a synchronous "send command, receive response"
// contract with timeouts.
package at

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Channel represents a modem managed using AT commands over a Port.
//
// Commands are issued with Command or CommandFormatted. At most one
// command may be in flight at a time; Command blocks until the response
// arrives, the configured timeout elapses, or the channel closes.
//
// Channel tolerates repeated Open/Close cycles; Free releases it
// permanently.
type Channel struct {
	port Port

	// engine-owned state: touched only from within engineLoop, either
	// directly (the rawCh/ioErrCh/armCh cases) or via a hookCh closure.
	parser            *parser
	channelClassifier Classifier
	urcHandler        func(line []byte)
	current           *pendingCommand

	armCh   chan *armRequest
	hookCh  chan func()
	rawCh   chan []byte
	ioErrCh chan error
	quit    chan struct{}
	closed  chan struct{}

	isOpen atomic.Bool

	lifecycleMu sync.Mutex
	readerStop  chan struct{}
	readerDone  chan struct{}
	readChunk   int

	turn chan struct{} // single-token semaphore enforcing one in-flight command

	cfgMu             sync.Mutex
	oneShotClassifier Classifier
	oneShotDataprompt bool
	timeout           time.Duration

	freeOnce sync.Once
}

type pendingCommand struct {
	done chan response
}

type response struct {
	resp []byte
	err  error
}

type armRequest struct {
	classifier Classifier
	dataprompt bool
	result     chan response
}

// Option configures a Channel created by New.
type Option func(*Channel)

// WithBufferSize sets the capacity of the response buffer (default 256).
func WithBufferSize(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.parser = newParser(n)
		}
	}
}

// WithReadChunkSize sets the size of the read buffer used by the reader
// goroutine (default 64).
func WithReadChunkSize(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.readChunk = n
		}
	}
}

// WithTimeout sets the default per-command timeout (default 0, meaning
// wait forever). Equivalent to calling SetTimeout after New.
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.timeout = d
	}
}

// New creates a Channel bound to port. The channel is not usable for
// commands until Open succeeds.
func New(port Port, opts ...Option) *Channel {
	c := &Channel{
		port:      port,
		parser:    newParser(256),
		readChunk: 64,
		armCh:     make(chan *armRequest),
		hookCh:    make(chan func()),
		rawCh:     make(chan []byte, 16),
		ioErrCh:   make(chan error, 1),
		quit:      make(chan struct{}),
		closed:    make(chan struct{}),
		turn:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.engineLoop()
	return c
}

// Closed returns a channel that is closed once Free has fully torn down
// the Channel.
func (c *Channel) Closed() <-chan struct{} {
	return c.closed
}

// Open opens the underlying port and starts the reader goroutine. Open
// is a no-op if the channel is already open.
func (c *Channel) Open() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.isOpen.Load() {
		return nil
	}
	if err := c.port.Open(); err != nil {
		return errors.WithMessage(err, "at: open port")
	}
	// Drain any error left over from the reader goroutine of a prior
	// Close, so the engine can't pick it up as belonging to a command
	// issued after this Open.
	select {
	case <-c.ioErrCh:
	default:
	}
	c.readerStop = make(chan struct{})
	c.readerDone = make(chan struct{})
	c.isOpen.Store(true)
	go c.readerLoop(c.readerStop, c.readerDone)
	return nil
}

// Close closes the underlying port, failing any in-flight command with
// ErrNoDevice. Close is idempotent and the channel may be reopened with
// Open.
func (c *Channel) Close() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if !c.isOpen.Load() {
		return nil
	}
	c.isOpen.Store(false)
	err := c.port.Close()
	if c.readerDone != nil {
		<-c.readerDone
	}
	c.failCurrent(ErrNoDevice)
	if err != nil {
		return errors.WithMessage(err, "at: close port")
	}
	return nil
}

// Free closes the channel (if open) and permanently stops its
// goroutines. Free is idempotent; the Channel must not be used again
// afterwards.
func (c *Channel) Free() {
	c.freeOnce.Do(func() {
		_ = c.Close()
		close(c.quit)
		<-c.closed
	})
}

// SetCallbacks installs the channel-level line classifier and URC
// handler, replacing whatever is currently set. Either may be nil.
// handleURC must not block and must not call back into the Channel.
func (c *Channel) SetCallbacks(classifier Classifier, handleURC func(line []byte)) {
	c.runOnEngine(func() {
		c.channelClassifier = classifier
		c.urcHandler = handleURC
	})
}

// SetCommandClassifier installs a one-shot classifier consumed by the
// next Command/CommandFormatted call.
func (c *Channel) SetCommandClassifier(classifier Classifier) {
	c.cfgMu.Lock()
	c.oneShotClassifier = classifier
	c.cfgMu.Unlock()
}

// ExpectDataprompt arms a one-shot flag telling the parser to use the
// DATAPROMPT state for the next command, so a bare "> " is recognised as
// a complete terminal line without waiting for a line ending.
func (c *Channel) ExpectDataprompt() {
	c.cfgMu.Lock()
	c.oneShotDataprompt = true
	c.cfgMu.Unlock()
}

// SetTimeout sets the per-command timeout applied to every subsequent
// Command/CommandFormatted call. Zero means wait forever (subject to the
// context passed to Command).
func (c *Channel) SetTimeout(d time.Duration) {
	c.cfgMu.Lock()
	c.timeout = d
	c.cfgMu.Unlock()
}

// TruncatedLines returns the number of response lines that have
// overflowed the response buffer and been silently truncated since the
// channel was created.
func (c *Channel) TruncatedLines() uint64 {
	return c.parser.buf.truncatedCount()
}

// Command issues payload to the modem verbatim and waits for the
// response. payload should already include whatever line termination the
// modem expects (see CommandFormatted for a convenience wrapper that
// appends "\r\n").
//
// The returned slice is a copy owned by the caller; later commands on
// this Channel do not overwrite it.
func (c *Channel) Command(ctx context.Context, payload []byte) ([]byte, error) {
	if !c.isOpen.Load() {
		return nil, ErrNoDevice
	}

	select {
	case c.turn <- struct{}{}:
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.turn }()

	return c.exchange(ctx, payload)
}

// DataPromptCommand issues payload1 and, once the modem has responded
// with the data prompt it was armed to expect, writes payload2 and waits
// for the command's real terminal response. The two phases run under a
// single held turn, so no other Command can interleave between the
// prompt and the payload that answers it — the pattern used by SMS
// text/PDU submission (AT+CMGS, the prompt, then the message body and
// Ctrl-Z).
func (c *Channel) DataPromptCommand(ctx context.Context, payload1, payload2 []byte) ([]byte, error) {
	if !c.isOpen.Load() {
		return nil, ErrNoDevice
	}

	select {
	case c.turn <- struct{}{}:
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.turn }()

	c.cfgMu.Lock()
	c.oneShotDataprompt = true
	c.cfgMu.Unlock()

	if _, err := c.exchange(ctx, payload1); err != nil {
		return nil, err
	}
	return c.exchange(ctx, payload2)
}

// exchange arms the parser with whatever one-shot classifier/dataprompt/
// timeout is currently configured, writes payload and waits for the
// corresponding terminal line. The caller must already hold c.turn.
func (c *Channel) exchange(ctx context.Context, payload []byte) ([]byte, error) {
	if !c.isOpen.Load() {
		return nil, ErrNoDevice
	}

	c.cfgMu.Lock()
	classifier := c.oneShotClassifier
	c.oneShotClassifier = nil
	dataprompt := c.oneShotDataprompt
	c.oneShotDataprompt = false
	timeout := c.timeout
	c.cfgMu.Unlock()

	result := make(chan response, 1)
	req := &armRequest{classifier: classifier, dataprompt: dataprompt, result: result}

	select {
	case c.armCh <- req:
	case <-c.closed:
		return nil, ErrClosed
	}

	if _, err := c.port.Write(payload); err != nil {
		c.disarm(result)
		return nil, errors.WithMessage(err, "at: write command")
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case r := <-result:
		if r.err != nil {
			return nil, r.err
		}
		return r.resp, nil
	case <-waitCtx.Done():
		c.disarm(result)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	case <-c.closed:
		c.disarm(result)
		return nil, ErrClosed
	}
}

// CommandFormatted formats cmd with args and appends "\r\n" before
// sending it, as a convenience wrapper over Command.
func (c *Channel) CommandFormatted(ctx context.Context, format string, args ...interface{}) ([]byte, error) {
	cmd := fmt.Sprintf(format, args...)
	return c.Command(ctx, []byte(cmd+"\r\n"))
}

// disarm tells the engine to abandon the pending command identified by
// result, if it is still the current one (it may already have completed
// concurrently), and resets the parser.
func (c *Channel) disarm(result chan response) {
	c.runOnEngine(func() {
		if c.current != nil && c.current.done == result {
			c.current = nil
		}
		c.parser.reset()
	})
}

// failCurrent fails the in-flight command, if any, with err and resets
// the parser. Used by Close (not the engine's own reader-error path,
// which handles this inline since it already runs on the engine).
func (c *Channel) failCurrent(err error) {
	c.runOnEngine(func() {
		if c.current != nil {
			c.current.done <- response{err: err}
			c.current = nil
		}
		c.parser.reset()
	})
}

// runOnEngine runs fn on the engine goroutine and waits for it to
// complete, unless the channel has already been freed.
func (c *Channel) runOnEngine(fn func()) {
	done := make(chan struct{})
	select {
	case c.hookCh <- func() {
		fn()
		close(done)
	}:
		<-done
	case <-c.closed:
	}
}

// engineLoop is the single goroutine that owns the parser and the
// channel-level hooks, serializing the command arbiter state instead of
// guarding it with a mutex: by construction, only this goroutine ever
// touches parser, channelClassifier, urcHandler or current.
func (c *Channel) engineLoop() {
	cbs := lineCallbacks{
		onURC:        c.handleURC,
		onResponse:   c.handleResponse,
		onFinalError: c.handleFinalError,
	}
	for {
		cbs.channelClassifier = c.channelClassifier
		select {
		case <-c.quit:
			if c.current != nil {
				c.current.done <- response{err: ErrClosed}
				c.current = nil
			}
			close(c.closed)
			return
		case req := <-c.armCh:
			c.parser.reset()
			c.parser.armNext(req.classifier, req.dataprompt)
			c.current = &pendingCommand{done: req.result}
		case data, ok := <-c.rawCh:
			if !ok {
				continue
			}
			for _, b := range data {
				c.parser.feed(b, cbs)
			}
		case err := <-c.ioErrCh:
			_ = err
			c.isOpen.Store(false)
			if c.current != nil {
				c.current.done <- response{err: ErrNoDevice}
				c.current = nil
			}
			c.parser.reset()
		case fn := <-c.hookCh:
			fn()
		}
	}
}

func (c *Channel) handleURC(line []byte) {
	if c.urcHandler != nil {
		c.urcHandler(line)
	}
}

func (c *Channel) handleResponse(line []byte) {
	if c.current != nil {
		out := append([]byte(nil), line...)
		c.current.done <- response{resp: out}
		c.current = nil
	}
}

// handleFinalError delivers a Final (error-class) terminal line as a
// typed error rather than a successful response.
func (c *Channel) handleFinalError(line []byte) {
	if c.current != nil {
		c.current.done <- response{err: newFinalError(string(line))}
		c.current = nil
	}
}

// readerLoop is the port driver glue: it repeatedly reads bytes from
// the transport and feeds them to the engine via rawCh, until stop is
// closed or the port reports a fatal error.
func (c *Channel) readerLoop(stop, done chan struct{}) {
	defer close(done)
	buf := make([]byte, c.readChunk)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := c.port.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case c.rawCh <- chunk:
			case <-stop:
				return
			case <-c.quit:
				return
			}
		}
		if err != nil {
			select {
			case c.ioErrCh <- err:
			case <-stop:
			case <-c.quit:
			}
			return
		}
	}
}
