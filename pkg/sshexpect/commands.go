package sshexpect

import (
	"strings"
	"time"

	"github.com/otops/backhaul/internal/errors"
)

// Step is one unit of work to execute on a target: a Command or a Script.
// The Group validates every step before touching the network.
type Step interface {
	validate() error
}

// Command is a regular shell command to run on a target.
type Command struct {
	// Command is the shell command to run.
	Command string

	// HideOutput suppresses live transcript logging.
	HideOutput bool

	// Responders handle interactive prompts the command may produce.
	Responders []*Responder

	// BreakOn optionally ends the wait early on a textual marker.
	BreakOn string

	// Timeout bounds the execution. Default 30s.
	Timeout time.Duration

	// RunAsRoot wraps the command in a sudo-to-root invocation.
	RunAsRoot bool
}

func (c Command) validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return errors.New(errors.ErrInvalidCommand,
			"Empty command in target step list",
			"Every step needs a command to run")
	}
	return nil
}

// Script is a multi-line bash script to run on a target, embedded in a
// heredoc. Source is either the script text or a local file path, depending
// on FromFile.
type Script struct {
	Source     string
	Args       []string
	FromFile   bool
	HideOutput bool
	Responders []*Responder
	BreakOn    string

	// Timeout bounds the execution. Default 60s.
	Timeout time.Duration

	RunAsRoot bool
}

func (s Script) validate() error {
	if strings.TrimSpace(s.Source) == "" {
		return errors.New(errors.ErrInvalidCommand,
			"Empty script in target step list",
			"Provide script text or a script file path")
	}
	if !s.RunAsRoot {
		return errors.New(errors.ErrInvalidCommand,
			"Scripts must run as root",
			"Set RunAsRoot on the script step")
	}
	return nil
}

// CommandOutput is the result of one step: the cleaned output and the exit
// code, or EarlyBreak when the step ended on its break pattern instead of a
// real process exit.
type CommandOutput struct {
	Output     string
	ExitCode   int
	EarlyBreak bool
}

// ExecutionResult holds the outcome of executing a list of steps on one
// target. Immutable after creation: one is produced per target per run.
type ExecutionResult struct {
	Success bool
	Outputs []CommandOutput
	Err     error
}
