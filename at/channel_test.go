package at

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakePort is a hand-written stand-in for a serial Port: it does not
// emulate a real modem, only the byte patterns needed to exercise
// Channel.
type fakePort struct {
	cmdSet       map[string][]string
	echo         bool
	errOnWrite   bool
	closeOnWrite bool
	closed       bool
	r            chan []byte
}

func newFakePort(cmdSet map[string][]string) *fakePort {
	return &fakePort{cmdSet: cmdSet, r: make(chan []byte, 16)}
}

func (f *fakePort) Open() error { return nil }

func (f *fakePort) Close() error {
	if !f.closed {
		f.closed = true
		close(f.r)
	}
	return nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	data, ok := <-f.r
	if !ok {
		return 0, errors.New("closed")
	}
	n := copy(p, data)
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	if f.closed {
		return 0, errors.New("closed")
	}
	if f.closeOnWrite {
		f.closeOnWrite = false
		f.Close()
		return len(p), nil
	}
	if f.errOnWrite {
		return 0, errors.New("write error")
	}
	if f.echo {
		f.r <- p
	}
	v := f.cmdSet[string(p)]
	if len(v) == 0 {
		f.r <- []byte("\r\nERROR\r\n")
	} else {
		for _, l := range v {
			if len(l) == 0 {
				continue
			}
			f.r <- []byte(l)
		}
	}
	return len(p), nil
}

// setupChannel assumes ATE0 (echo disabled), as the core parser has no
// echo-suppression logic of its own: stripping command echo is a modem
// personality/init concern layered on top of Channel, not this package's.
func setupChannel(cmdSet map[string][]string) (*Channel, *fakePort) {
	fp := newFakePort(cmdSet)
	c := New(fp)
	c.Open()
	return c, fp
}

func teardownChannel(c *Channel) {
	c.Free()
}

func TestChannelNew(t *testing.T) {
	fp := newFakePort(nil)
	c := New(fp)
	defer teardownChannel(c)
	select {
	case <-c.Closed():
		t.Error("channel closed immediately after New")
	default:
	}
}

func TestChannelCommandOK(t *testing.T) {
	cmdSet := map[string][]string{
		"AT\r\n": {"OK\r\n"},
	}
	c, fp := setupChannel(cmdSet)
	defer teardownChannel(c)
	defer fp.Close()

	resp, err := c.CommandFormatted(context.Background(), "AT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp) != "" {
		t.Errorf("resp = %q, want empty", resp)
	}
}

func TestChannelCommandIntermediateLines(t *testing.T) {
	cmdSet := map[string][]string{
		"ATINFO\r\n": {"info1\r\n", "info2\r\n", "INFO: info3\r\n", "\r\n", "OK\r\n"},
	}
	c, fp := setupChannel(cmdSet)
	defer teardownChannel(c)
	defer fp.Close()

	resp, err := c.CommandFormatted(context.Background(), "ATINFO")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "info1\ninfo2\nINFO: info3"
	if string(resp) != want {
		t.Errorf("resp = %q, want %q", resp, want)
	}
}

func TestChannelCommandErrors(t *testing.T) {
	cmdSet := map[string][]string{
		"ATERR\r\n": {"ERROR\r\n"},
		"ATCMS\r\n": {"+CMS ERROR: 204\r\n"},
		"ATCME\r\n": {"+CME ERROR: 42\r\n"},
	}
	c, fp := setupChannel(cmdSet)
	defer teardownChannel(c)
	defer fp.Close()

	patterns := []struct {
		cmd     string
		wantErr error
	}{
		{"ATERR", ErrError},
		{"ATCMS", CMSError("204")},
		{"ATCME", CMEError("42")},
	}
	for _, p := range patterns {
		_, err := c.CommandFormatted(context.Background(), p.cmd)
		if err != p.wantErr {
			t.Errorf("cmd %s: err = %v, want %v", p.cmd, err, p.wantErr)
		}
	}
}

func TestChannelCommandURCDoesNotCompleteCommand(t *testing.T) {
	cmdSet := map[string][]string{
		"ATRING\r\n": {"RING\r\n", "OK\r\n"},
	}
	c, fp := setupChannel(cmdSet)
	defer teardownChannel(c)
	defer fp.Close()

	var urcs []string
	c.SetCallbacks(nil, func(line []byte) {
		urcs = append(urcs, string(line))
	})

	resp, err := c.CommandFormatted(context.Background(), "ATRING")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp) != "" {
		t.Errorf("resp = %q, want empty", resp)
	}
	if len(urcs) != 1 || urcs[0] != "RING" {
		t.Errorf("urcs = %v, want [RING]", urcs)
	}
}

func TestChannelCommandTimeout(t *testing.T) {
	cmdSet := map[string][]string{
		"ATSTALL\r\n": {""}, // no response at all
	}
	c, fp := setupChannel(cmdSet)
	defer teardownChannel(c)
	defer fp.Close()

	c.SetTimeout(10 * time.Millisecond)
	_, err := c.CommandFormatted(context.Background(), "ATSTALL")
	if err != ErrTimeout {
		t.Errorf("err = %v, want ErrTimeout", err)
	}

	// channel must still be usable after a timeout.
	fp.cmdSet["AT\r\n"] = []string{"OK\r\n"}
	_, err = c.CommandFormatted(context.Background(), "AT")
	if err != nil {
		t.Errorf("command after timeout failed: %v", err)
	}
}

func TestChannelCommandContextCancelled(t *testing.T) {
	c, fp := setupChannel(nil)
	defer teardownChannel(c)
	defer fp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.CommandFormatted(ctx, "AT")
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestChannelCommandWriteError(t *testing.T) {
	c, fp := setupChannel(nil)
	defer teardownChannel(c)
	defer fp.Close()

	fp.errOnWrite = true
	_, err := c.CommandFormatted(context.Background(), "AT")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestChannelCommandClosedBeforeRequest(t *testing.T) {
	c, _ := setupChannel(nil)
	defer teardownChannel(c)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := c.CommandFormatted(context.Background(), "AT")
	if err != ErrNoDevice {
		t.Errorf("err = %v, want ErrNoDevice", err)
	}
}

func TestChannelCommandClosedOnWrite(t *testing.T) {
	c, fp := setupChannel(nil)
	defer teardownChannel(c)
	fp.closeOnWrite = true
	_, err := c.CommandFormatted(context.Background(), "AT")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestChannelReopen(t *testing.T) {
	cmdSet := map[string][]string{
		"AT\r\n": {"OK\r\n"},
	}
	fp := newFakePort(cmdSet)
	c := New(fp)
	defer teardownChannel(c)

	if err := c.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := c.CommandFormatted(context.Background(), "AT"); err != nil {
		t.Fatalf("first command: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fp2 := newFakePort(cmdSet)
	c.port = fp2
	if err := c.Open(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := c.CommandFormatted(context.Background(), "AT"); err != nil {
		t.Fatalf("command after reopen: %v", err)
	}
}

func TestChannelExpectDataprompt(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CMGS\r\n": {"\r\n> "},
	}
	c, fp := setupChannel(cmdSet)
	defer teardownChannel(c)
	defer fp.Close()

	c.ExpectDataprompt()
	resp, err := c.CommandFormatted(context.Background(), "AT+CMGS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp) != "> " {
		t.Errorf("resp = %q, want \"> \"", resp)
	}
}

func TestChannelSetCommandClassifierRawDataFollows(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+RAW\r\n": {"+RAW: 3\r\n", "XYZ\r\n", "OK\r\n"},
	}
	c, fp := setupChannel(cmdSet)
	defer teardownChannel(c)
	defer fp.Close()

	c.SetCommandClassifier(fixedClassifier{line: []byte("+RAW: 3"), kind: RawDataFollows(3)})
	resp, err := c.CommandFormatted(context.Background(), "AT+RAW")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "+RAW: 3\nXYZ"
	if string(resp) != want {
		t.Errorf("resp = %q, want %q", resp, want)
	}
}

func TestChannelTruncatedLines(t *testing.T) {
	cmdSet := map[string][]string{
		"AT\r\n":  {"0123456789\r\n", "OK\r\n"},
		"AT2\r\n": {"OK\r\n"},
	}
	fp := newFakePort(cmdSet)
	c := New(fp, WithBufferSize(4), WithTimeout(10*time.Millisecond))
	if err := c.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer teardownChannel(c)
	defer fp.Close()

	// The oversized intermediate line fills the response buffer, so its
	// terminal OK never arrives intact; this command is expected to time
	// out, matching the overflowed line's soft-failure semantics.
	if _, err := c.CommandFormatted(context.Background(), "AT"); err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if c.TruncatedLines() == 0 {
		t.Error("expected TruncatedLines() > 0 after overflowing an oversized line")
	}

	// A subsequent command on the same channel is unaffected: the
	// timeout resets the parser, so overflow degrades only the command
	// that triggered it.
	if _, err := c.CommandFormatted(context.Background(), "AT2"); err != nil {
		t.Fatalf("command after overflow: %v", err)
	}
}

func TestChannelCloseFailsInFlightCommand(t *testing.T) {
	cmdSet := map[string][]string{
		"ATSTALL\r\n": {""},
	}
	c, fp := setupChannel(cmdSet)
	defer teardownChannel(c)

	done := make(chan struct{})
	var cmdErr error
	go func() {
		_, cmdErr = c.CommandFormatted(context.Background(), "ATSTALL")
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	fp.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("command did not return after Close")
	}
	if cmdErr != ErrNoDevice {
		t.Errorf("cmdErr = %v, want ErrNoDevice", cmdErr)
	}
}
