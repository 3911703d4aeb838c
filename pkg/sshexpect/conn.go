package sshexpect

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"regexp"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/otops/backhaul/internal/errors"
	"github.com/otops/backhaul/internal/logger"
)

// DefaultShellPromptPattern matches "user@host ... $" style prompts. Prompt
// patterns are configuration: batches against appliances with different shell
// banners supply their own.
const DefaultShellPromptPattern = `[^@\s]+@[^;\s]+[:\s].*[$#%>]`

const (
	// pollInterval bounds the busy-wait between channel reads.
	pollInterval = 100 * time.Millisecond

	// sendSettleWait gives the remote side time to start consuming a line
	// before the next read races it.
	sendSettleWait = 100 * time.Millisecond

	// responderSettleWait debounces responders: after transmitting a
	// response, wait this long so the remote consumes it before the same
	// prompt can be matched again.
	responderSettleWait = 500 * time.Millisecond

	// shellBannerWait lets the remote shell flush its login banner before
	// the prompt wait starts.
	shellBannerWait = 1 * time.Second
)

// ConnState tracks the lifecycle of a Conn: Unconnected → Connected → Closed.
// There is no reconnect-in-place; construct a fresh Conn to retry.
type ConnState int

const (
	StateUnconnected ConnState = iota
	StateConnected
	StateClosed
)

// ConnectOptions configures the connect handshake.
type ConnectOptions struct {
	// ConnectTimeout bounds the TCP dial and SSH handshake. Default 60s.
	ConnectTimeout time.Duration

	// PromptTimeout bounds the wait for the shell prompt after the shell
	// opens. Default 60s.
	PromptTimeout time.Duration

	// PromptPattern detects shell readiness. Default DefaultShellPromptPattern.
	PromptPattern string
}

func (o ConnectOptions) withDefaults() ConnectOptions {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 60 * time.Second
	}
	if o.PromptTimeout == 0 {
		o.PromptTimeout = 60 * time.Second
	}
	if o.PromptPattern == "" {
		o.PromptPattern = DefaultShellPromptPattern
	}
	return o
}

// RunOptions configures one Run call.
type RunOptions struct {
	// Responders are tested in order against freshly accumulated output;
	// order is priority (host-key confirmation before password).
	Responders []*Responder

	// BreakOn is an optional pattern that ends the wait early with an
	// EarlyBreak outcome instead of a command exit. Used when the desired
	// signal is not a shell exit, e.g. "now inside nested shell".
	BreakOn string

	// Timeout bounds the whole call. Default 30s.
	Timeout time.Duration

	// HideOutput suppresses debug logging of the live transcript.
	HideOutput bool
}

func (o RunOptions) withDefaults() RunOptions {
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// OutcomeKind tags how a Run call ended.
type OutcomeKind int

const (
	// OutcomeCompleted means the exit marker appeared; ExitCode is valid.
	OutcomeCompleted OutcomeKind = iota

	// OutcomeEarlyBreak means the BreakOn pattern matched before any exit
	// marker; ExitCode is meaningless.
	OutcomeEarlyBreak
)

// Outcome is the tagged result of a Run call. Timeouts and a missing exit
// marker are reported as errors, not outcomes.
type Outcome struct {
	Kind     OutcomeKind
	ExitCode int
	Output   string
}

// ShellConn is the contract the session layer needs from an interactive
// shell connection. *Conn is the real implementation; tests substitute
// scripted fakes.
type ShellConn interface {
	Connect(opts ConnectOptions) error
	Send(text string, wait time.Duration) error
	Run(cmd FormattedCommand, opts RunOptions) (Outcome, error)
	Connected() bool
	Close() error
}

// Conn owns one raw authenticated interactive shell on one host: a
// PTY-backed persistent channel, not one-shot command execution. It is
// created, connected once, used for many command executions, and explicitly
// closed. Not safe for concurrent use: the protocol assumes strict
// half-duplex turn-taking with the remote shell.
type Conn struct {
	endpoint Endpoint
	log      logger.Logger

	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	state   ConnState

	// mu guards pending and readErr, shared with the reader goroutine.
	mu      sync.Mutex
	pending bytes.Buffer
	readErr error
}

// NewConn builds an unconnected Conn for the endpoint.
func NewConn(endpoint Endpoint, log logger.Logger) *Conn {
	if log == nil {
		log = logger.Default()
	}
	return &Conn{endpoint: endpoint, log: log}
}

// Connect authenticates, allocates a pseudo-terminal, starts an interactive
// shell, and waits for the shell prompt pattern before declaring the
// connection ready. Raw shells buffer a login banner and are not
// immediately command-ready.
func (c *Conn) Connect(opts ConnectOptions) error {
	if c.state != StateUnconnected {
		return errors.New(errors.ErrSSH,
			fmt.Sprintf("Connection to %s is not in a connectable state", c.endpoint.Host),
			"Construct a fresh connection instead of reconnecting in place")
	}
	opts = opts.withDefaults()

	settings := resolveEndpoint(c.endpoint)
	config := &ssh.ClientConfig{
		User: settings.user,
		Auth: []ssh.AuthMethod{
			ssh.Password(c.endpoint.Secret),
			ssh.KeyboardInteractive(passwordChallenge(c.endpoint.Secret)),
		},
		// The appliances live on isolated station networks and present
		// self-signed keys; first contact happens through this tool.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         opts.ConnectTimeout,
	}

	conn, err := net.DialTimeout("tcp", settings.address(), opts.ConnectTimeout)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("Can't reach '%s' at %s", c.endpoint.Host, settings.address()),
			"Make sure the host is reachable: ping <host>")
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, settings.address(), config)
	if err != nil {
		conn.Close()
		return errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("SSH handshake with '%s' didn't go through", c.endpoint.Host),
			"Check the configured password for this machine")
	}
	c.client = ssh.NewClient(sshConn, chans, reqs)

	session, err := c.client.NewSession()
	if err != nil {
		c.client.Close()
		return errors.WrapWithCode(err, errors.ErrSSH,
			"Failed to create SSH session", "The host may limit concurrent sessions")
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 80, 40, modes); err != nil {
		session.Close()
		c.client.Close()
		return errors.WrapWithCode(err, errors.ErrSSH,
			"Failed to allocate PTY",
			"The remote host may not support pseudo-terminals")
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		c.client.Close()
		return errors.Wrap(err, "Failed to open shell stdin")
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		c.client.Close()
		return errors.Wrap(err, "Failed to open shell stdout")
	}

	if err := session.Shell(); err != nil {
		session.Close()
		c.client.Close()
		return errors.WrapWithCode(err, errors.ErrSSH,
			"Failed to start interactive shell",
			"Check the user has shell access on the remote host")
	}

	c.session = session
	c.stdin = stdin
	c.state = StateConnected
	go c.readLoop(stdout)

	// Let the login banner land before watching for the prompt.
	time.Sleep(shellBannerWait)

	if _, err := c.Expect(opts.PromptPattern, opts.PromptTimeout); err != nil {
		transcript := errors.TranscriptOf(err)
		c.Close()
		return errors.WrapWithCode(err, errors.ErrPromptTimeout,
			fmt.Sprintf("Shell prompt on '%s' never matched pattern %q within %s",
				c.endpoint.Host, opts.PromptPattern, opts.PromptTimeout),
			"Adjust the prompt pattern for this host's shell banner").
			WithTranscript(transcript)
	}

	c.log.Debug("[conn] shell ready on %s", c.endpoint.Host)
	return nil
}

// readLoop drains the shell's stdout into the pending buffer. With a PTY,
// stderr is merged into the same stream.
func (c *Conn) readLoop(stdout io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.pending.Write(buf[:n])
			c.mu.Unlock()
		}
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
	}
}

// take drains and returns whatever output has accumulated since the last take.
func (c *Conn) take() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending.Len() == 0 {
		return ""
	}
	out := c.pending.String()
	c.pending.Reset()
	return out
}

// Connected reports whether the shell channel is usable.
func (c *Conn) Connected() bool {
	if c.state != StateConnected {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr == nil
}

func (c *Conn) ensureReady() error {
	if !c.Connected() {
		return errors.New(errors.ErrSSH,
			fmt.Sprintf("Shell channel to %s is not active or already closed", c.endpoint.Host),
			"Construct and connect a fresh connection")
	}
	return nil
}

// Send writes text plus a newline to the shell, then sleeps wait to give the
// remote side time to begin processing before the next read.
func (c *Conn) Send(text string, wait time.Duration) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	if _, err := c.stdin.Write([]byte(text + "\n")); err != nil {
		return errors.Wrap(err, "Failed to write to shell channel")
	}
	if wait > 0 {
		time.Sleep(wait)
	}
	return nil
}

// Expect poll-reads the channel, accumulating output until pattern matches or
// timeout elapses. The returned string includes the match. On timeout the
// error carries whatever was captured, for diagnostics.
func (c *Conn) Expect(pattern string, timeout time.Duration) (string, error) {
	if err := c.ensureReady(); err != nil {
		return "", err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrConfig,
			"Invalid expect pattern: "+pattern, "")
	}

	var output string
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if chunk := c.take(); chunk != "" {
			output += chunk
			if re.MatchString(output) {
				return output, nil
			}
		}
		time.Sleep(pollInterval)
	}

	return "", errors.New(errors.ErrPromptTimeout,
		fmt.Sprintf("Timed out after %s waiting for pattern %q", timeout, pattern),
		"").WithTranscript(output)
}

// Run transmits a formatted command and processes its output until the exit
// marker appears, the optional break pattern matches, or the timeout
// elapses. Responders are applied to freshly accumulated output as it
// arrives; each transmitted response is followed by a settle wait so the
// prompt cannot be answered twice before the remote consumed the first
// response.
func (c *Conn) Run(cmd FormattedCommand, opts RunOptions) (Outcome, error) {
	if err := c.ensureReady(); err != nil {
		return Outcome{}, err
	}
	opts = opts.withDefaults()

	var breakRe *regexp.Regexp
	if opts.BreakOn != "" {
		var err error
		breakRe, err = regexp.Compile(opts.BreakOn)
		if err != nil {
			return Outcome{}, errors.WrapWithCode(err, errors.ErrConfig,
				"Invalid break pattern: "+opts.BreakOn, "")
		}
	}
	exitRe := regexp.MustCompile(regexp.QuoteMeta(cmd.Delimiter) + `:(\d+)`)

	if err := c.Send(cmd.Text, sendSettleWait); err != nil {
		return Outcome{}, err
	}

	// transcript accumulates everything for the final result; window holds
	// only the output since the last responder fired, which is what
	// responders and markers are matched against. Resetting the window per
	// response re-arms responders for later occurrences while bounding
	// rescanning of already-resolved output.
	var transcript, window bytes.Buffer
	deadline := time.Now().Add(opts.Timeout)
	earlyBreak := false

scan:
	for {
		if chunk := c.take(); chunk != "" {
			window.WriteString(chunk)
			if !opts.HideOutput {
				c.log.Debug("[conn] %s", chunk)
			}
		}

		for _, responder := range opts.Responders {
			if responder.Matches(window.String()) {
				if !opts.HideOutput {
					c.log.Debug("[conn] responder fired: %q", responder.Response())
				}
				if err := c.Send(responder.Response(), responderSettleWait); err != nil {
					return Outcome{}, err
				}
				transcript.Write(window.Bytes())
				window.Reset()
				window.WriteString(c.take())
				break
			}
		}

		if exitRe.MatchString(window.String()) {
			break scan
		}
		if breakRe != nil && breakRe.MatchString(window.String()) {
			earlyBreak = true
			break scan
		}

		// Deadline check happens after the drain and match checks, so a
		// marker that landed during the last poll sleep still counts as
		// completion rather than a timeout.
		if time.Now().After(deadline) {
			return Outcome{}, errors.New(errors.ErrCommandTimeout,
				fmt.Sprintf("Command did not complete within %s (marker %s)",
					opts.Timeout, cmd.Delimiter),
				"Raise the command timeout or check the remote host's load").
				WithTranscript(transcript.String() + window.String())
		}

		time.Sleep(pollInterval)
	}

	// Final drain, in case the shell flushed more right after the match.
	transcript.Write(window.Bytes())
	transcript.WriteString(c.take())
	full := transcript.String()

	if earlyBreak {
		return Outcome{Kind: OutcomeEarlyBreak, Output: full}, nil
	}

	code, cleaned, err := ExtractExitCode(full, cmd.Delimiter)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeCompleted, ExitCode: code, Output: cleaned}, nil
}

// Close releases the shell channel and the underlying transport.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	if c.session != nil {
		c.session.Close()
	}
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// passwordChallenge satisfies keyboard-interactive auth by answering every
// question with the endpoint's secret; some appliance SSH daemons only offer
// this method.
func passwordChallenge(secret string) ssh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = secret
		}
		return answers, nil
	}
}
