package sshexpect

import (
	"regexp"

	"github.com/otops/backhaul/internal/errors"
)

// Responder is a pattern → response rule for interactive prompts.
// While a command runs, every responder is tested against the freshly
// accumulated output; on a match its response is transmitted and the scan
// window restarts, so the same responder can fire again on a later
// occurrence of the prompt.
//
// Responders are stateless and safe to reuse across command executions.
type Responder struct {
	pattern  *regexp.Regexp
	response string
}

// NewResponder compiles pattern and returns the responder.
// An unparsable pattern fails here, never at match time.
func NewResponder(pattern, response string) (*Responder, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Invalid responder pattern: "+pattern,
			"Responder patterns must be valid regular expressions")
	}
	return &Responder{pattern: re, response: response}, nil
}

// Matches reports whether the responder's pattern occurs in output.
func (r *Responder) Matches(output string) bool {
	return r.pattern.MatchString(output)
}

// Response returns the text to transmit when the pattern matches.
func (r *Responder) Response() string {
	return r.response
}

// fingerprintResponder answers the first-connection host key confirmation.
// A fresh host always asks this before any password prompt.
var fingerprintResponder = &Responder{
	pattern:  regexp.MustCompile(`(?i)are you sure you want to continue connecting .+yes/no.*`),
	response: "yes\n",
}

// FingerprintResponder returns the built-in responder that confirms an
// unknown host key with "yes".
func FingerprintResponder() *Responder {
	return fingerprintResponder
}

// LoginPasswordResponder answers SSH login password prompts that carry text
// between the word and the colon, such as "Password for admin@host:" or
// "password :". Bare "password:" prompts without trailing whitespace are
// matched by SudoPasswordResponder instead.
func LoginPasswordResponder(password string) *Responder {
	return &Responder{
		pattern:  regexp.MustCompile(`(?i)password\s.*:`),
		response: password + "\n",
	}
}

// SudoPasswordResponder answers the sudo password prompt.
func SudoPasswordResponder(password string) *Responder {
	return &Responder{
		pattern:  regexp.MustCompile(`(?i)password:`),
		response: password + "\n",
	}
}
