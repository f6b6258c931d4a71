package at

import "strings"

// LineKind classifies a single line received from the modem.
//
// Kind is one of Unknown, Intermediate, FinalOk, Final or Urc. The
// RawDataFollows and HexDataFollows kinds additionally carry the number
// of bytes (N) of binary payload that the parser should switch into
// RAWDATA/HEXDATA mode to collect; they are never produced by the
// built-in default classifier, only by custom Classifiers installed by a
// modem personality or a per-command hook.
type LineKind struct {
	kind kind
	n    int
}

type kind int

const (
	kindUnknown kind = iota
	kindIntermediate
	kindFinalOk
	kindFinal
	kindUrc
	kindRawDataFollows
	kindHexDataFollows
)

// Unknown is the zero value of LineKind: "I have no opinion", letting the
// next layer of the classifier cascade decide.
var Unknown = LineKind{kind: kindUnknown}

// Intermediate marks a line as part of the response body, preceding the
// terminal line.
var Intermediate = LineKind{kind: kindIntermediate}

// FinalOk marks the terminal success line ("OK", or the bare data prompt
// while armed for one). It is dropped from the returned response, except
// for a bare "> " prompt completed without a line ending, which is kept.
var FinalOk = LineKind{kind: kindFinalOk}

// Final marks a terminal error-class line ("ERROR", "NO CARRIER",
// "+CME ERROR:", "+CMS ERROR:"). Unlike FinalOk it is retained in the
// parser's finalized response. Channel.Command does not return that
// response: it returns a nil slice and an error built from the line
// (ErrError, CMEError or CMSError), so earlier Intermediate lines of an
// error-terminated response are not returned to the caller.
var Final = LineKind{kind: kindFinal}

// Urc marks a line as an unsolicited result code, delivered to the URC
// handler instead of accumulating into the current response.
var Urc = LineKind{kind: kindUrc}

// RawDataFollows indicates the line announces n bytes of raw binary
// payload, to be collected verbatim (no line-ending interpretation)
// before parsing resumes.
func RawDataFollows(n int) LineKind {
	return LineKind{kind: kindRawDataFollows, n: n}
}

// HexDataFollows indicates the line announces n bytes of binary payload
// encoded as 2n ASCII hex digits, to be decoded before parsing resumes.
func HexDataFollows(n int) LineKind {
	return LineKind{kind: kindHexDataFollows, n: n}
}

// IsUnknown reports whether k carries no classification, i.e. the next
// layer of the cascade should be consulted.
func (k LineKind) IsUnknown() bool { return k.kind == kindUnknown }

// Classifier labels a line received from the modem. line is the raw,
// NUL-free line content (no trailing CR/LF). Classifiers must be pure
// and must not block: they run on the Channel's engine goroutine.
type Classifier interface {
	ClassifyLine(line []byte) LineKind
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(line []byte) LineKind

// ClassifyLine calls f(line).
func (f ClassifierFunc) ClassifyLine(line []byte) LineKind {
	return f(line)
}

// PrefixInTable reports whether line begins with any of the given
// prefixes. It is provided as a helper for custom Classifiers, matching
// the table-driven style of the built-in default.
func PrefixInTable(line []byte, prefixes []string) bool {
	s := string(line)
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

var (
	urcPrefixes   = []string{"RING"}
	okPrefixes    = []string{"OK"}
	errPrefixes   = []string{"ERROR", "NO CARRIER", "+CME ERROR:", "+CMS ERROR:"}
	promptPrefixes = []string{"> "}
)

// defaultClassify implements the built-in default layer of the
// classifier cascade. inPrompt is true when the parser is
// currently in the DATAPROMPT state, which is the only time the bare
// "> " prompt is recognised as FinalOk; otherwise "> " classifies as a
// normal Intermediate line.
func defaultClassify(line []byte, inPrompt bool) LineKind {
	switch {
	case PrefixInTable(line, urcPrefixes):
		return Urc
	case PrefixInTable(line, okPrefixes):
		return FinalOk
	case inPrompt && PrefixInTable(line, promptPrefixes):
		return FinalOk
	case PrefixInTable(line, errPrefixes):
		return Final
	default:
		return Intermediate
	}
}

// classifyCascade runs the three-layer classification cascade:
// per-command hook, then channel-level hook, then the built-in
// default. The first definite (non-Unknown) result wins.
func classifyCascade(line []byte, inPrompt bool, perCommand, channelLevel Classifier) LineKind {
	if perCommand != nil {
		if k := perCommand.ClassifyLine(line); !k.IsUnknown() {
			return k
		}
	}
	if channelLevel != nil {
		if k := channelLevel.ClassifyLine(line); !k.IsUnknown() {
			return k
		}
	}
	return defaultClassify(line, inPrompt)
}
