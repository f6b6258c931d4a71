// Package gsm provides a driver for GSM modems, built on at.Channel.
package gsm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kgibson-labs/atchannel/at"
	"github.com/warthog618/sms/encoding/pdumode"
)

// GSM decorates an at.Channel with GSM specific functionality: modem
// capability checks, text/PDU mode SMS configuration and SMS sending.
type GSM struct {
	*at.Channel
	sca     pdumode.SMSCAddress
	pduMode bool
}

// New creates a GSM modem driver over port. port must be opened (via
// Open) before Init is called.
func New(port at.Port, opts ...at.Option) *GSM {
	return &GSM{Channel: at.New(port, opts...)}
}

// SetSCA sets the SMSC address used when transmitting SMSs in PDU mode.
//
// This overrides the default set in the SIM.
func (g *GSM) SetSCA(sca pdumode.SMSCAddress) {
	g.sca = sca
}

// SetPDUMode sets the GSM modem to use PDU mode when transmitting SMSs.
//
// This must be called before Init.
func (g *GSM) SetPDUMode() {
	g.pduMode = true
}

// Init initialises the GSM modem: disables echo, confirms +CGSM
// capability via +GCAP, and configures text or PDU mode.
func (g *GSM) Init(ctx context.Context) error {
	if _, err := g.CommandFormatted(ctx, "ATE0"); err != nil {
		return err
	}
	resp, err := g.CommandFormatted(ctx, "AT+GCAP")
	if err != nil {
		return err
	}
	capabilities := make(map[string]bool)
	for _, l := range splitLines(resp) {
		if hasInfoPrefix(l, "+GCAP") {
			for _, c := range strings.Split(trimInfoPrefix(l, "+GCAP"), ",") {
				capabilities[c] = true
			}
		}
	}
	if !capabilities["+CGSM"] {
		return ErrNotGSMCapable
	}
	cmds := []string{
		"+CMGF=1", // text mode
		"+CMEE=2", // textual errors
	}
	if g.pduMode {
		cmds[0] = "+CMGF=0" // pdu mode
	}
	for _, cmd := range cmds {
		if _, err := g.CommandFormatted(ctx, "AT"+cmd); err != nil {
			return err
		}
	}
	return nil
}

// smsCommand sends an AT+CMGS-style two-stage command: cmd1 (e.g.
// "+CMGS=\"12345\"") is sent first and the modem is expected to reply
// with a data prompt, after which body (the message text or PDU hex
// string) is sent terminated with Ctrl-Z.
func (g *GSM) smsCommand(ctx context.Context, cmd1, body string) ([]byte, error) {
	return g.DataPromptCommand(ctx, []byte("AT"+cmd1+"\r"), []byte(body+"\x1a"))
}

// SendSMS sends an SMS message to number in text mode.
//
// The returned string is the message reference (mr) on success.
func (g *GSM) SendSMS(ctx context.Context, number string, message string) (string, error) {
	if g.pduMode {
		return "", ErrWrongMode
	}
	resp, err := g.smsCommand(ctx, fmt.Sprintf(`+CMGS="%s"`, number), message)
	if err != nil {
		return "", err
	}
	return parseMR(resp)
}

// SendSMSPDU sends tpdu, the binary TPDU, as a PDU-mode SMS.
//
// The returned string is the message reference (mr) on success.
func (g *GSM) SendSMSPDU(ctx context.Context, tpdu []byte) (string, error) {
	if !g.pduMode {
		return "", ErrWrongMode
	}
	pdu := pdumode.PDU{SMSC: g.sca, TPDU: tpdu}
	s, err := pdu.MarshalHexString()
	if err != nil {
		return "", err
	}
	resp, err := g.smsCommand(ctx, fmt.Sprintf("+CMGS=%d", len(tpdu)), s)
	if err != nil {
		return "", err
	}
	return parseMR(resp)
}

// parseMR extracts the message reference from a +CMGS response,
// ignoring any other lines (URC noise that slipped through, etc.).
func parseMR(resp []byte) (string, error) {
	for _, l := range splitLines(resp) {
		if hasInfoPrefix(l, "+CMGS") {
			return trimInfoPrefix(l, "+CMGS"), nil
		}
	}
	return "", ErrMalformedResponse
}

func splitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	return strings.Split(string(b), "\n")
}

// hasInfoPrefix returns true if line begins with the info prefix for cmd,
// e.g. "+CMGS:" for cmd "+CMGS".
func hasInfoPrefix(line, cmd string) bool {
	return strings.HasPrefix(line, cmd+":")
}

// trimInfoPrefix removes cmd's info prefix, if present, and any
// intervening space from line.
func trimInfoPrefix(line, cmd string) string {
	return strings.TrimLeft(strings.TrimPrefix(line, cmd+":"), " ")
}

var (
	// ErrNotGSMCapable indicates that the modem does not support the GSM
	// command set, as determined from the GCAP response.
	ErrNotGSMCapable = errors.New("modem is not GSM capable")

	// ErrNotPINReady indicates the modem SIM card is not ready to perform operations.
	ErrNotPINReady = errors.New("modem is not PIN Ready")

	// ErrMalformedResponse indicates the modem returned a badly formed
	// response.
	ErrMalformedResponse = errors.New("modem returned malformed response")

	// ErrWrongMode indicates the GSM modem is operating in the wrong mode and so cannot support the command.
	ErrWrongMode = errors.New("modem is in the wrong mode")
)
