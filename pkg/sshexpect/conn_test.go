package sshexpect

import (
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otops/backhaul/internal/errors"
	"github.com/otops/backhaul/internal/logger"
)

func TestNewConn_StartsUnconnected(t *testing.T) {
	c := NewConn(Endpoint{Host: "10.0.0.1", User: "admin"}, logger.Noop())

	assert.False(t, c.Connected())
	assert.Equal(t, StateUnconnected, c.state)
}

func TestConn_RejectsUseBeforeConnect(t *testing.T) {
	c := NewConn(Endpoint{Host: "10.0.0.1"}, logger.Noop())

	err := c.Send("whoami", 0)
	assert.Error(t, err)

	_, err = c.Run(FormatCommand("whoami", DefaultExitCodeDelimiter, false), RunOptions{})
	assert.Error(t, err)

	_, err = c.Expect(DefaultShellPromptPattern, time.Second)
	assert.Error(t, err)
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	c := NewConn(Endpoint{Host: "10.0.0.1"}, logger.Noop())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.Connected())
}

func TestConn_NoReconnectAfterClose(t *testing.T) {
	c := NewConn(Endpoint{Host: "10.0.0.1"}, logger.Noop())
	require.NoError(t, c.Close())

	err := c.Connect(ConnectOptions{})
	assert.Error(t, err)
}

func TestConnectOptions_Defaults(t *testing.T) {
	opts := ConnectOptions{}.withDefaults()

	assert.Equal(t, 60*time.Second, opts.ConnectTimeout)
	assert.Equal(t, 60*time.Second, opts.PromptTimeout)
	assert.Equal(t, DefaultShellPromptPattern, opts.PromptPattern)

	custom := ConnectOptions{ConnectTimeout: time.Second, PromptPattern: `\$`}.withDefaults()
	assert.Equal(t, time.Second, custom.ConnectTimeout)
	assert.Equal(t, `\$`, custom.PromptPattern)
}

func TestRunOptions_Defaults(t *testing.T) {
	opts := RunOptions{}.withDefaults()
	assert.Equal(t, 30*time.Second, opts.Timeout)
}

func TestDefaultShellPromptPattern(t *testing.T) {
	re := regexp.MustCompile(DefaultShellPromptPattern)

	prompts := []string{
		"admin@guardian:~$ ",
		"root@cmc-station:/home/admin# ",
		"admin@10.0.0.5 ~ %",
		"operator@appliance:~>",
	}
	for _, p := range prompts {
		assert.True(t, re.MatchString(p), "prompt %q", p)
	}

	assert.False(t, re.MatchString("Last login: Mon Aug 25 09:14:02"))
	assert.False(t, re.MatchString("Password:"))
}

// scriptStep is one exchange with the scripted remote shell: when a line
// containing trigger is written to stdin, reply lands in the pending buffer
// as if the remote had produced it. Each step fires at most once.
type scriptStep struct {
	trigger string
	reply   string
}

// scriptedStdin stands in for the shell's stdin pipe and plays the remote
// side of the conversation. Replies arrive synchronously with the write, so
// tests stay deterministic without a reader goroutine.
type scriptedStdin struct {
	conn  *Conn
	steps []scriptStep

	mu     sync.Mutex
	writes []string
}

func (s *scriptedStdin) Write(p []byte) (int, error) {
	line := strings.TrimSuffix(string(p), "\n")
	s.mu.Lock()
	s.writes = append(s.writes, line)
	var reply string
	for i, step := range s.steps {
		if step.trigger != "" && strings.Contains(line, step.trigger) {
			reply = step.reply
			s.steps[i].trigger = ""
			break
		}
	}
	s.mu.Unlock()
	if reply != "" {
		s.conn.mu.Lock()
		s.conn.pending.WriteString(reply)
		s.conn.mu.Unlock()
	}
	return len(p), nil
}

func (s *scriptedStdin) Close() error { return nil }

// sentCount reports how many written lines contain text.
func (s *scriptedStdin) sentCount(text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.writes {
		if strings.Contains(w, text) {
			n++
		}
	}
	return n
}

func newScriptedConn(steps []scriptStep) (*Conn, *scriptedStdin) {
	c := &Conn{
		endpoint: Endpoint{Host: "cmc-station", User: "admin"},
		log:      logger.Noop(),
		state:    StateConnected,
	}
	stdin := &scriptedStdin{conn: c, steps: steps}
	c.stdin = stdin
	return c, stdin
}

func TestConn_Run_ResponderThenMarker(t *testing.T) {
	cmd := FormatCommand("nozomi-backup --full", DefaultExitCodeDelimiter, true)
	c, stdin := newScriptedConn([]scriptStep{
		{trigger: "nozomi-backup", reply: "Password:"},
		{trigger: "hunter2", reply: "backup written\n" + DefaultExitCodeDelimiter + ":0\n"},
	})

	outcome, err := c.Run(cmd, RunOptions{
		Responders: []*Responder{SudoPasswordResponder("hunter2")},
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome.Kind)
	assert.Equal(t, 0, outcome.ExitCode)
	assert.Contains(t, outcome.Output, "backup written")
	// The window reset after the response keeps the same prompt occurrence
	// from being answered twice.
	assert.Equal(t, 1, stdin.sentCount("hunter2"))
}

func TestConn_Run_BreakOnYieldsEarlyBreak(t *testing.T) {
	cmd := FormatCommand("ssh admin@192.168.1.12", "__SSH_TARGET_CONNECTION_EXITCODE", false)
	c, _ := newScriptedConn([]scriptStep{
		{trigger: "ssh admin@192.168.1.12", reply: "Last login: Mon Aug 25\nadmin@guardian:~$ "},
	})

	outcome, err := c.Run(cmd, RunOptions{
		BreakOn: DefaultShellPromptPattern,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeEarlyBreak, outcome.Kind)
	assert.Contains(t, outcome.Output, "admin@guardian")
}

func TestConn_Run_TimeoutCarriesTranscript(t *testing.T) {
	cmd := FormatCommand("vars-backup.sh", DefaultExitCodeDelimiter, false)
	c, _ := newScriptedConn([]scriptStep{
		{trigger: "vars-backup.sh", reply: "Collecting environment...\n"},
	})

	_, err := c.Run(cmd, RunOptions{Timeout: 300 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCommandTimeout))
	assert.Contains(t, errors.TranscriptOf(err), "Collecting environment")
}

func TestConn_Run_MarkerInBufferBeatsDeadline(t *testing.T) {
	// The marker is already in the buffer by the time the deadline has
	// passed; it must count as completion, not a timeout.
	cmd := FormatCommand("true", DefaultExitCodeDelimiter, false)
	c, _ := newScriptedConn([]scriptStep{
		{trigger: "true", reply: DefaultExitCodeDelimiter + ":0\n"},
	})

	outcome, err := c.Run(cmd, RunOptions{Timeout: time.Nanosecond})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome.Kind)
	assert.Equal(t, 0, outcome.ExitCode)
}

// TestConn_Live exercises a real interactive shell end to end. It only runs
// when pointed at a reachable SSH host:
//
//	BACKHAUL_TEST_SSH_HOST=10.0.0.1 BACKHAUL_TEST_SSH_USER=admin \
//	BACKHAUL_TEST_SSH_PASSWORD=... go test ./pkg/sshexpect/ -run Live
func TestConn_Live(t *testing.T) {
	host := os.Getenv("BACKHAUL_TEST_SSH_HOST")
	if host == "" {
		t.Skip("BACKHAUL_TEST_SSH_HOST not set; skipping live SSH test")
	}

	c := NewConn(Endpoint{
		Host:   host,
		User:   os.Getenv("BACKHAUL_TEST_SSH_USER"),
		Secret: os.Getenv("BACKHAUL_TEST_SSH_PASSWORD"),
	}, logger.Default())
	require.NoError(t, c.Connect(ConnectOptions{}))
	defer c.Close()

	assert.True(t, c.Connected())

	outcome, err := c.Run(FormatCommand("echo live-test", DefaultExitCodeDelimiter, false), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome.Kind)
	assert.Equal(t, 0, outcome.ExitCode)
	assert.Contains(t, outcome.Output, "live-test")
}
