package at

import (
	"errors"
	"strings"
)

var (
	// ErrClosed indicates an operation cannot be performed because the
	// channel has been freed.
	ErrClosed = errors.New("channel closed")

	// ErrNoDevice indicates the channel is not open, or was closed while
	// a command was in flight.
	ErrNoDevice = errors.New("no device")

	// ErrTimeout indicates the configured timeout elapsed before a
	// terminal line was observed.
	ErrTimeout = errors.New("timeout")

	// ErrNoMemory indicates an allocation failure in New.
	ErrNoMemory = errors.New("no memory")

	// ErrError indicates the modem returned a generic AT ERROR.
	ErrError = errors.New("ERROR")
)

// CMEError indicates a CME Error was returned by the modem. The value is
// the error value, in string form, which may be the numeric or textual
// form depending on the modem configuration.
type CMEError string

// CMSError indicates a CMS Error was returned by the modem. The value is
// the error value, in string form, which may be the numeric or textual
// form depending on the modem configuration.
type CMSError string

func (e CMEError) Error() string {
	return "CME Error: " + string(e)
}

func (e CMSError) Error() string {
	return "CMS Error: " + string(e)
}

// newFinalError builds the error value corresponding to a Final (error
// class) terminal line. line has already had its trailing newline
// removed by finalize; it may still contain earlier Intermediate lines
// joined with '\n' so only the last line is inspected.
func newFinalError(line string) error {
	if idx := strings.LastIndexByte(line, '\n'); idx >= 0 {
		line = line[idx+1:]
	}
	switch {
	case strings.HasPrefix(line, "+CME ERROR:"):
		return CMEError(strings.TrimSpace(line[len("+CME ERROR:"):]))
	case strings.HasPrefix(line, "+CMS ERROR:"):
		return CMSError(strings.TrimSpace(line[len("+CMS ERROR:"):]))
	default:
		return ErrError
	}
}
