package at

// Port is the byte-in/byte-out transport abstraction the core sees the
// modem through. Everything serial-port specific (baud rate, parity,
// flow control, device paths) is the concern of a Port implementation,
// never of the Channel.
//
// Close must unblock a concurrent, in-flight Read: the reader goroutine
// blocks in Read and relies on Close to interrupt it. Both serial.Port
// and serial.BugstPort in this repo satisfy that requirement, since
// it's how the underlying libraries behave when the descriptor is
// closed out from under a blocked read.
type Port interface {
	// Open prepares the transport for Read/Write. Open must be safe to
	// call again after a matching Close (Channel.Open/Close cycles).
	Open() error

	// Close releases the transport and unblocks any in-flight Read.
	Close() error

	// Read reads into p, returning the number of bytes read. Read may
	// return n > 0 with a non-nil err (e.g. EOF); the caller processes
	// the bytes before treating err as fatal.
	Read(p []byte) (int, error)

	// Write writes p to the transport. Short writes are the transport's
	// concern; Command treats any non-nil err as fatal to that command.
	Write(p []byte) (int, error)
}
