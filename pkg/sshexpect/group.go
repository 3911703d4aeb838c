package sshexpect

import (
	"time"

	"github.com/otops/backhaul/internal/errors"
	"github.com/otops/backhaul/internal/logger"
)

// GroupOptions configures a serial run across many targets.
type GroupOptions struct {
	// GatewayPrompt and TargetPrompt detect shell readiness on each hop.
	GatewayPrompt string
	TargetPrompt  string

	// ConnectTimeout bounds the gateway dial. Default 60s.
	ConnectTimeout time.Duration

	// PromptTimeout bounds the wait for shell prompts after each hop. Default 90s.
	PromptTimeout time.Duration

	// HideOutput suppresses live transcript logging.
	HideOutput bool
}

// Group runs commands against an ordered sequence of targets, all reached
// through one shared gateway connection. Targets are processed strictly in
// input order; the protocol is half-duplex per gateway shell, so there is no
// parallel dispatch within a Group. Independent Groups with their own
// gateway connections may run concurrently.
//
// Target-level failures are isolated: they produce a failed ExecutionResult
// for that target and the iteration continues, force-closing the shared
// session first so the next target starts from a clean gateway reconnect.
// Gateway-level failures abort the whole batch: the shared resource is
// unusable and continuing risks misattributing output to the wrong host.
type Group struct {
	gateway Endpoint
	targets []Endpoint
	opts    GroupOptions
	log     logger.Logger

	// dial builds the gateway's shell connection; overridable in tests.
	dial func(Endpoint) ShellConn

	session *Session
}

// NewGroup builds a serial runner over the given gateway and targets.
func NewGroup(gateway Endpoint, targets []Endpoint, opts GroupOptions, log logger.Logger) (*Group, error) {
	if len(targets) == 0 {
		return nil, errors.New(errors.ErrConfig,
			"Target list must not be empty",
			"Provide at least one target endpoint")
	}
	if log == nil {
		log = logger.Default()
	}
	g := &Group{
		gateway: gateway,
		targets: targets,
		opts:    opts,
		log:     log,
	}
	g.dial = func(e Endpoint) ShellConn {
		return NewConn(e, log)
	}
	return g, nil
}

// Targets returns the endpoints in the order they will be processed.
func (g *Group) Targets() []Endpoint {
	return g.targets
}

// connect makes sure both hops are up for the given target, building a
// fresh session (and gateway connection) if the previous one was closed.
func (g *Group) connect(target Endpoint) error {
	if g.session == nil {
		g.session = NewSession(g.dial(g.gateway), SessionOptions{
			GatewayPrompt:  g.opts.GatewayPrompt,
			TargetPrompt:   g.opts.TargetPrompt,
			ConnectTimeout: g.opts.ConnectTimeout,
			PromptTimeout:  g.opts.PromptTimeout,
			HideOutput:     g.opts.HideOutput,
		}, g.log)
	}
	return g.session.Connect(target)
}

// reset force-closes the shared session so the next target starts from a
// clean gateway reconnect instead of inheriting corrupted state.
func (g *Group) reset() {
	if g.session != nil {
		g.session.Close()
		g.session = nil
	}
}

// gatewayLevel reports whether err invalidates the shared gateway resource.
func gatewayLevel(err error) bool {
	return errors.IsAnyCode(err, errors.ErrGatewayConn, errors.ErrGatewaySession)
}

// targetLevel reports whether err is recoverable at the group boundary:
// the target is skipped but the batch continues.
func targetLevel(err error) bool {
	return errors.IsAnyCode(err,
		errors.ErrTargetConn,
		errors.ErrTargetSession,
		errors.ErrCommandTimeout,
		errors.ErrExitMarker,
		errors.ErrPromptTimeout,
		errors.ErrNotFound,
	)
}

// RunTarget connects the nested hop for one target and executes the steps
// in order, collecting an (output, exit code) pair per step. Every step is
// validated before touching the network; an unrecognized descriptor fails
// fast with an INVALID_COMMAND error.
//
// Target-level failures are converted into a failed ExecutionResult.
// Gateway-level failures (and invalid steps) are returned as errors and
// signal that the whole batch is unsafe to continue blindly.
func (g *Group) RunTarget(target Endpoint, steps []Step) (ExecutionResult, error) {
	for _, step := range steps {
		if step == nil {
			return ExecutionResult{}, errors.New(errors.ErrInvalidCommand,
				"Nil step in target step list", "")
		}
		if err := step.validate(); err != nil {
			return ExecutionResult{}, err
		}
	}

	if err := g.connect(target); err != nil {
		if gatewayLevel(err) {
			return ExecutionResult{}, err
		}
		g.log.Warn("[group] %s: target hop failed: %v", target.Host, err)
		return ExecutionResult{Success: false, Err: err}, nil
	}

	outputs := make([]CommandOutput, 0, len(steps))
	for _, step := range steps {
		outcome, err := g.runStep(target, step)
		if err != nil {
			if gatewayLevel(err) {
				return ExecutionResult{}, err
			}
			if targetLevel(err) {
				g.log.Warn("[group] %s: step failed: %v", target.Host, err)
				return ExecutionResult{Success: false, Outputs: outputs, Err: err}, nil
			}
			return ExecutionResult{}, err
		}
		outputs = append(outputs, CommandOutput{
			Output:     outcome.Output,
			ExitCode:   outcome.ExitCode,
			EarlyBreak: outcome.Kind == OutcomeEarlyBreak,
		})
	}

	if err := g.session.ExitTarget(); err != nil {
		if gatewayLevel(err) {
			return ExecutionResult{}, err
		}
		return ExecutionResult{Success: false, Outputs: outputs, Err: err}, nil
	}

	return ExecutionResult{Success: true, Outputs: outputs}, nil
}

func (g *Group) runStep(target Endpoint, step Step) (Outcome, error) {
	switch s := step.(type) {
	case Command:
		if s.RunAsRoot {
			return g.session.RunAsRootAtTarget(s, target.Secret)
		}
		return g.session.RunAtTarget(s)
	case Script:
		return g.session.RunScriptAtTargetAsRoot(s, target.Secret)
	default:
		// Unreachable while Step stays sealed.
		return Outcome{}, errors.New(errors.ErrInvalidCommand,
			"Unrecognized step type in target step list", "")
	}
}

// RunAllTargets applies RunTarget to every target in input order, returning
// a mapping from target host to result with exactly one entry per attempted
// target. After a target-level session defect the shared session is
// force-closed so the next target reconnects cleanly. A gateway-level
// failure aborts: targets after the failing one are not attempted and the
// error is returned alongside the results collected so far.
func (g *Group) RunAllTargets(steps []Step) (map[string]ExecutionResult, error) {
	results := make(map[string]ExecutionResult, len(g.targets))
	for _, target := range g.targets {
		result, err := g.RunTarget(target, steps)
		if err != nil {
			return results, err
		}
		results[target.Host] = result

		if result.Err != nil && errors.IsAnyCode(result.Err, errors.ErrTargetConn, errors.ErrTargetSession) {
			g.log.Info("[group] resetting shared session after defect on %s", target.Host)
			g.reset()
		}
	}
	return results, nil
}

// Close releases the shared gateway connection.
func (g *Group) Close() {
	g.reset()
}
