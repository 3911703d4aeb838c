package sshexpect

import (
	"fmt"
	"strings"
	"time"

	"github.com/otops/backhaul/internal/errors"
	"github.com/otops/backhaul/internal/logger"
)

const (
	// Session tokens: shell environment variables used purely as liveness
	// probes for each hop. The target token can only exist while nested
	// inside a live gateway shell; if either disappears, that hop is dead
	// and must be rebuilt from scratch.
	gatewaySessionVar = "__GATEWAY_SESSION"
	targetSessionVar  = "__TARGET_SESSION"
	sessionVarValue   = "__OK__"

	// TargetExitCodeDelimiter scopes target command markers away from the
	// gateway bookkeeping delimiter so output parsing at the two hops can
	// never be confused.
	TargetExitCodeDelimiter = "__TARGET_EXITCODE"

	// targetConnectDelimiter scopes the nested `ssh` launch itself. If this
	// marker ever decodes to a real exit code, the ssh process died instead
	// of reaching the target shell.
	targetConnectDelimiter = "__SSH_TARGET_CONNECTION_EXITCODE"

	// tokenProbeTimeout bounds session-token bookkeeping commands.
	tokenProbeTimeout = 10 * time.Second
)

// SessionState tracks which hops this session believes are live. Every
// verification point reconciles this belief against the remote shell's
// observed truth (the session token), rather than trusting either alone.
type SessionState int

const (
	SessionUnconnected SessionState = iota
	SessionGatewayReady
	SessionTargetReady
)

// SessionOptions configures both hops of a Session.
type SessionOptions struct {
	// GatewayPrompt and TargetPrompt detect shell readiness on each hop.
	// Defaults to DefaultShellPromptPattern.
	GatewayPrompt string
	TargetPrompt  string

	// ConnectTimeout bounds the gateway transport dial. Default 60s.
	ConnectTimeout time.Duration

	// PromptTimeout bounds the wait for each hop's shell prompt. Default 90s.
	PromptTimeout time.Duration

	// HideOutput suppresses live transcript logging for bookkeeping commands.
	HideOutput bool
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.GatewayPrompt == "" {
		o.GatewayPrompt = DefaultShellPromptPattern
	}
	if o.TargetPrompt == "" {
		o.TargetPrompt = DefaultShellPromptPattern
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 60 * time.Second
	}
	if o.PromptTimeout == 0 {
		o.PromptTimeout = 90 * time.Second
	}
	return o
}

// Session presents a single logical "target shell" built from two physical
// hops: a persistent gateway shell, and a second interactive shell nested
// inside it via an `ssh` command issued through the gateway's channel.
//
// A Session owns exactly one gateway connection for its whole life and at
// most one target hop is active at a time. Not safe for concurrent use.
type Session struct {
	gateway ShellConn
	opts    SessionOptions
	log     logger.Logger
	state   SessionState
}

// NewSession wraps an unconnected (or already connected) gateway shell
// connection into a two-hop session.
func NewSession(gateway ShellConn, opts SessionOptions, log logger.Logger) *Session {
	if log == nil {
		log = logger.Default()
	}
	return &Session{
		gateway: gateway,
		opts:    opts.withDefaults(),
		log:     log,
	}
}

// State returns which hops the session currently believes are live.
func (s *Session) State() SessionState {
	return s.state
}

// verifyToken queries the current shell for a session variable. The probe
// relies on csh `$?VAR` substitution: the shell echoes "exists: 1" when the
// variable is set and "exists: 0" when it is not. The probe proves
// shell-level identity, not network health.
func (s *Session) verifyToken(varName string) error {
	probe := FormatCommand(fmt.Sprintf("echo exists: $?%s", varName), DefaultExitCodeDelimiter, false)
	outcome, err := s.gateway.Run(probe, RunOptions{
		Timeout:    tokenProbeTimeout,
		HideOutput: s.opts.HideOutput,
	})
	if err != nil {
		return err
	}
	if !tokenSet(outcome.Output) {
		return errors.New(errors.ErrSSH,
			fmt.Sprintf("Session variable %s is not set in the current shell", varName), "")
	}
	return nil
}

func tokenSet(probeOutput string) bool {
	// The PTY echoes the probe command itself; only the result line
	// "exists: 1"/"exists: 0" without the $? reference counts.
	for _, line := range strings.Split(probeOutput, "\n") {
		if strings.TrimSpace(line) == "exists: 1" {
			return true
		}
	}
	return false
}

// VerifyGatewayToken checks that the gateway shell still carries its session
// token. Failure means the shell state diverged from expectation after a
// connection that appeared to succeed.
func (s *Session) VerifyGatewayToken() error {
	if err := s.verifyToken(gatewaySessionVar); err != nil {
		s.state = SessionUnconnected
		return errors.WrapWithCode(err, errors.ErrGatewaySession,
			"Gateway shell session is inactive: unable to verify its session variable",
			"Close the session and reconnect from scratch")
	}
	return nil
}

// VerifyTargetToken checks that the nested target shell still carries its
// session token. A command must never be executed believing it is nested
// when it is not.
func (s *Session) VerifyTargetToken() error {
	if err := s.verifyToken(targetSessionVar); err != nil {
		if s.state == SessionTargetReady {
			s.state = SessionGatewayReady
		}
		return errors.WrapWithCode(err, errors.ErrTargetSession,
			"Target shell session is inactive: unable to verify its session variable",
			"Rebuild the target hop before running commands")
	}
	return nil
}

// EstablishGateway connects the gateway hop if it is not already connected,
// then sets the gateway session token and immediately verifies it.
// Idempotent: an already-connected gateway is left alone.
func (s *Session) EstablishGateway() error {
	if s.gateway.Connected() {
		return nil
	}

	err := s.gateway.Connect(ConnectOptions{
		ConnectTimeout: s.opts.ConnectTimeout,
		PromptTimeout:  s.opts.PromptTimeout,
		PromptPattern:  s.opts.GatewayPrompt,
	})
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrGatewayConn,
			"Could not establish the gateway connection",
			"Check the gateway host is reachable and the password is right").
			WithTranscript(errors.TranscriptOf(err))
	}

	mark := FormatCommand(setEnvCommand(gatewaySessionVar, sessionVarValue), DefaultExitCodeDelimiter, false)
	if _, err := s.gateway.Run(mark, RunOptions{Timeout: tokenProbeTimeout, HideOutput: s.opts.HideOutput}); err != nil {
		return errors.WrapWithCode(err, errors.ErrGatewayConn,
			"Could not mark the gateway session", "")
	}

	if err := s.VerifyGatewayToken(); err != nil {
		return err
	}

	s.state = SessionGatewayReady
	s.log.Debug("[session] gateway hop ready")
	return nil
}

// EstablishTarget launches a nested interactive `ssh` to the target from
// inside the gateway shell, not over a new physical connection. Host-key
// confirmation and the password prompt are answered by responders, and the
// call breaks early as soon as the target shell prompt appears (the nested
// ssh process never exits while the hop is live). Any real exit code from
// the ssh command is a connection failure. On success the target session
// token is set inside the nested shell and verified.
//
// Precondition: the gateway token must be verifiable. A nested hop must
// never be attempted from a session nobody trusts.
func (s *Session) EstablishTarget(target Endpoint) error {
	if err := s.VerifyGatewayToken(); err != nil {
		return errors.WrapWithCode(err, errors.ErrTargetConn,
			"Target connections may only be made from a verified gateway session",
			"Establish the gateway hop first")
	}

	hop := FormatCommand(fmt.Sprintf("ssh %s@%s", target.User, target.HopHost()),
		targetConnectDelimiter, false)
	outcome, err := s.gateway.Run(hop, RunOptions{
		Responders: []*Responder{
			FingerprintResponder(),
			LoginPasswordResponder(target.Secret),
		},
		BreakOn:    s.opts.TargetPrompt,
		Timeout:    s.opts.PromptTimeout,
		HideOutput: s.opts.HideOutput,
	})
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrTargetConn,
			fmt.Sprintf("Nested SSH to %s failed", target.HopHost()),
			"Check the target is reachable from the gateway").
			WithTranscript(errors.TranscriptOf(err))
	}
	if outcome.Kind != OutcomeEarlyBreak {
		return errors.New(errors.ErrTargetConn,
			fmt.Sprintf("Nested SSH to %s exited (code %d) instead of reaching the target prompt",
				target.HopHost(), outcome.ExitCode),
			"Check the target credentials and its shell prompt pattern").
			WithTranscript(outcome.Output)
	}

	mark := FormatCommand(setEnvCommand(targetSessionVar, sessionVarValue), TargetExitCodeDelimiter, false)
	if _, err := s.gateway.Run(mark, RunOptions{Timeout: tokenProbeTimeout, HideOutput: s.opts.HideOutput}); err != nil {
		return errors.WrapWithCode(err, errors.ErrTargetConn,
			"Could not mark the target session", "").
			WithTranscript(errors.TranscriptOf(err))
	}

	if err := s.VerifyTargetToken(); err != nil {
		return errors.WrapWithCode(err, errors.ErrTargetConn,
			"Target session variable could not be verified after establishing the hop", "")
	}

	s.state = SessionTargetReady
	s.log.Debug("[session] target hop ready: %s", target.HopHost())
	return nil
}

// Connect establishes the gateway hop then the target hop, in that order.
// A failure at the target hop leaves the gateway hop intact; the caller
// decides whether to retry the target or tear everything down.
func (s *Session) Connect(target Endpoint) error {
	if err := s.EstablishGateway(); err != nil {
		return err
	}
	return s.EstablishTarget(target)
}

// RunAtTarget executes a command in the nested target shell. The target
// token is re-verified first, guarding against silently dropped hops.
func (s *Session) RunAtTarget(cmd Command) (Outcome, error) {
	if err := s.VerifyTargetToken(); err != nil {
		return Outcome{}, err
	}
	formatted := FormatCommand(cmd.Command, TargetExitCodeDelimiter, false)
	return s.gateway.Run(formatted, RunOptions{
		Responders: cmd.Responders,
		BreakOn:    cmd.BreakOn,
		Timeout:    cmd.Timeout,
		HideOutput: cmd.HideOutput,
	})
}

// RunAsRootAtTarget executes a command in the nested target shell wrapped in
// a sudo-to-root invocation, answering the sudo prompt with password.
func (s *Session) RunAsRootAtTarget(cmd Command, password string) (Outcome, error) {
	if err := s.VerifyTargetToken(); err != nil {
		return Outcome{}, err
	}
	formatted := FormatCommand(cmd.Command, TargetExitCodeDelimiter, true)
	responders := append([]*Responder{SudoPasswordResponder(password)}, cmd.Responders...)
	return s.gateway.Run(formatted, RunOptions{
		Responders: responders,
		BreakOn:    cmd.BreakOn,
		Timeout:    cmd.Timeout,
		HideOutput: cmd.HideOutput,
	})
}

// RunScriptAtTargetAsRoot executes a bash script as root in the nested
// target shell via the heredoc convention.
func (s *Session) RunScriptAtTargetAsRoot(script Script, password string) (Outcome, error) {
	if err := s.VerifyTargetToken(); err != nil {
		return Outcome{}, err
	}

	var formatted FormattedCommand
	var err error
	if script.FromFile {
		formatted, err = FormatScriptFile(script.Source, script.Args, TargetExitCodeDelimiter, true)
		if err != nil {
			return Outcome{}, err
		}
	} else {
		formatted = FormatScript(script.Source, script.Args, TargetExitCodeDelimiter, true)
	}

	responders := append([]*Responder{SudoPasswordResponder(password)}, script.Responders...)
	return s.gateway.Run(formatted, RunOptions{
		Responders: responders,
		BreakOn:    script.BreakOn,
		Timeout:    script.Timeout,
		HideOutput: script.HideOutput,
	})
}

// ExitTarget leaves the nested shell and returns to the gateway shell.
// Best-effort: a target that is already gone is tolerated. The gateway
// token is re-verified afterwards to confirm the hop boundary is intact.
func (s *Session) ExitTarget() error {
	if s.state == SessionTargetReady {
		// `exit` terminates the nested shell before any marker could
		// print, so it is sent raw rather than through Run.
		if err := s.gateway.Send("exit", sendSettleWait); err != nil {
			s.log.Warn("[session] exit of target shell failed: %v", err)
		}
		s.state = SessionGatewayReady
	}

	// Regardless of the target, confirm we are back on the gateway.
	return s.VerifyGatewayToken()
}

// Close exits the target hop best-effort, then unconditionally closes the
// gateway connection. The session is unusable afterwards: its gateway
// connection cannot be reconnected in place.
func (s *Session) Close() error {
	if s.gateway.Connected() {
		if err := s.ExitTarget(); err != nil {
			s.log.Debug("[session] close: target exit skipped: %v", err)
		}
	}
	s.state = SessionUnconnected
	return s.gateway.Close()
}
