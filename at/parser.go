package at

// parserState is the parser's current position in the byte-level
// response state machine.
type parserState int

const (
	stateIdle parserState = iota
	stateReadLine
	stateDataPrompt
	stateRawData
	stateHexData
)

// parser is the byte-level AT response parser. It consumes bytes one at
// a time (feed) and drives transitions between IDLE, READ_LINE,
// DATAPROMPT, RAWDATA and HEXDATA, invoking callbacks when a URC line or
// a terminal response line has been fully assembled.
//
// A parser is owned exclusively by a single goroutine (the Channel's
// engine loop); it has no internal locking.
type parser struct {
	state      parserState
	dataLeft   int
	haveNibble bool
	nibble     byte
	skipLF     bool // a CR ended the line that entered RAWDATA; the LF pairing with it is not payload

	perCommand Classifier // one-shot, installed by armNext, cleared on completion/timeout

	buf *responseBuffer
}

func newParser(bufSize int) *parser {
	return &parser{buf: newResponseBuffer(bufSize)}
}

// reset returns the parser to its initial IDLE state, as happens on
// every command completion and on timeout.
func (p *parser) reset() {
	p.state = stateIdle
	p.dataLeft = 0
	p.haveNibble = false
	p.skipLF = false
	p.perCommand = nil
	p.buf.reset()
}

// armNext arms the parser for the next command: it installs the one-shot
// per-command classifier (nil if none) and transitions out of IDLE into
// READ_LINE or, if dataprompt is requested, DATAPROMPT.
func (p *parser) armNext(classifier Classifier, dataprompt bool) {
	p.perCommand = classifier
	if dataprompt {
		p.state = stateDataPrompt
	} else {
		p.state = stateReadLine
	}
}

// lineCallbacks bundles the three callbacks feed invokes. They run
// synchronously from within feed/handleLine, on the caller's goroutine,
// and must not block.
type lineCallbacks struct {
	channelClassifier Classifier
	onURC             func(line []byte)
	onResponse        func(line []byte)
	onFinalError      func(line []byte)
}

// feed consumes a single byte, advancing the state machine and firing
// cbs.onURC / cbs.onResponse as whole lines or terminal responses are
// assembled.
func (p *parser) feed(b byte, cbs lineCallbacks) {
	switch p.state {
	case stateIdle, stateReadLine, stateDataPrompt:
		p.feedLine(b, cbs)
	case stateRawData:
		p.feedRawData(b, cbs)
	case stateHexData:
		p.feedHexData(b, cbs)
	}
}

func (p *parser) feedLine(b byte, cbs lineCallbacks) {
	cr := b == '\r'
	if cr {
		b = '\n'
	}
	if b != '\n' {
		p.buf.append(b)
	}
	lineDone := b == '\n'
	viaPrompt := false
	if !lineDone && p.state == stateDataPrompt {
		cur := p.buf.currentLine()
		if len(cur) == 2 && cur[0] == '>' && cur[1] == ' ' {
			lineDone = true
			viaPrompt = true
		}
	}
	if lineDone {
		p.handleLine(cbs, viaPrompt)
		// A CRLF pair is a single line ending: if this line entered
		// RAWDATA on its CR, the LF that follows is not payload.
		p.skipLF = cr && p.state == stateRawData
	}
}

// handleLine classifies and dispatches a complete line. viaPrompt is
// true when this call was triggered by the
// bare two-byte "> " shortcut rather than a line ending, which is the
// one case where a FinalOk line is retained in the response instead of
// dropped: the caller needs to see the prompt text to know the modem is
// ready for raw data.
func (p *parser) handleLine(cbs lineCallbacks, viaPrompt bool) {
	if p.buf.lineEmpty() {
		return
	}
	line := p.buf.currentLine()
	inPrompt := p.state == stateDataPrompt
	k := classifyCascade(line, inPrompt, p.perCommand, cbs.channelClassifier)

	if k.kind == kindUrc || p.state == stateIdle {
		if cbs.onURC != nil {
			cbs.onURC(append([]byte(nil), line...))
		}
		p.buf.discardLine()
		return
	}

	switch k.kind {
	case kindFinalOk:
		if viaPrompt {
			p.buf.commitLine()
		} else {
			p.buf.discardLine()
		}
		resp := p.buf.finalize()
		if cbs.onResponse != nil {
			cbs.onResponse(resp)
		}
		p.reset()
	case kindFinal:
		p.buf.commitLine()
		resp := p.buf.finalize()
		if cbs.onFinalError != nil {
			cbs.onFinalError(resp)
		}
		p.reset()
	case kindIntermediate:
		p.buf.commitLine()
	case kindRawDataFollows:
		p.buf.commitLine()
		if k.n <= 0 {
			p.state = stateReadLine
			break
		}
		p.dataLeft = k.n
		p.state = stateRawData
	case kindHexDataFollows:
		p.buf.commitLine()
		if k.n <= 0 {
			p.state = stateReadLine
			break
		}
		p.dataLeft = k.n
		p.haveNibble = false
		p.state = stateHexData
	default:
		// Unknown should not reach here: the cascade always resolves to
		// at least Intermediate via the built-in default. Treat
		// defensively as Intermediate to avoid desynchronising state.
		p.buf.commitLine()
	}
}

func (p *parser) feedRawData(b byte, cbs lineCallbacks) {
	if p.skipLF {
		p.skipLF = false
		if b == '\n' {
			return
		}
	}
	p.buf.append(b)
	p.dataLeft--
	if p.dataLeft == 0 {
		p.buf.commitLine()
		p.state = stateReadLine
	}
}

func (p *parser) feedHexData(b byte, cbs lineCallbacks) {
	v, ok := hexNibble(b)
	if ok {
		if !p.haveNibble {
			p.nibble = v
			p.haveNibble = true
		} else {
			p.buf.append((p.nibble << 4) | v)
			p.haveNibble = false
			p.dataLeft--
		}
	}
	if p.dataLeft == 0 {
		p.buf.commitLine()
		p.state = stateReadLine
	}
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}
