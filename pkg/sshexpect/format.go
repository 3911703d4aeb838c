package sshexpect

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/otops/backhaul/internal/errors"
	"github.com/otops/backhaul/internal/util"
)

// DefaultExitCodeDelimiter marks the exit status line appended to every
// formatted command. Callers that multiplex several logical streams over the
// same shell (e.g. gateway bookkeeping vs. target commands) supply their own
// delimiters so output parsing can never be confused between them.
const DefaultExitCodeDelimiter = "__EXITCODE"

// FormattedCommand is the exact bytes to transmit to an interactive shell,
// paired with the delimiter needed to decode the result. Produce one fresh
// per logical command; never reuse across hosts.
type FormattedCommand struct {
	Text      string
	Delimiter string
}

// FormatCommand wraps a shell command so its exit status is reported on a
// marker line: `<command>; echo <delimiter>:$?`. The reported code is that of
// the original command, not of the echo. With asRoot the whole thing is
// wrapped in a sudo-to-root invocation; the resulting password prompt is the
// caller's to answer via a Responder.
func FormatCommand(command, delimiter string, asRoot bool) FormattedCommand {
	full := fmt.Sprintf("%s; echo %s:$?", strings.TrimSpace(command), delimiter)
	if asRoot {
		full = "sudo su root -c " + full
	}
	return FormattedCommand{Text: full, Delimiter: delimiter}
}

// FormatScript embeds a script body in a heredoc passed to a subshell, with
// positional arguments shell-quoted, and the usual exit marker appended after
// the heredoc closes.
func FormatScript(content string, args []string, delimiter string, asRoot bool) FormattedCommand {
	cmd := fmt.Sprintf("'bash -s %s' << \"EOF\" ; echo %s:$? \n%s\n\"EOF\"\n",
		util.ShellQuoteAll(args), delimiter, content)
	if asRoot {
		cmd = "sudo su root -c " + cmd
	}
	return FormattedCommand{Text: cmd, Delimiter: delimiter}
}

// FormatScriptFile reads a local script file and formats it like FormatScript.
// A missing file fails with a NOT_FOUND error.
func FormatScriptFile(path string, args []string, delimiter string, asRoot bool) (FormattedCommand, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FormattedCommand{}, errors.WrapWithCode(err, errors.ErrNotFound,
				"Script not found: "+path,
				"Check the script path in your configuration")
		}
		return FormattedCommand{}, errors.WrapWithCode(err, errors.ErrNotFound,
			"Cannot read script: "+path, "Check file permissions")
	}
	return FormatScript(string(content), args, delimiter, asRoot), nil
}

// ExtractExitCode locates `<delimiter>:<digits>` in raw output and returns
// the code plus the output truncated to exclude the marker and anything after
// it. The delimiter never appearing is an expected, recoverable condition
// (e.g. early termination) reported as an EXIT_MARKER error.
func ExtractExitCode(output, delimiter string) (int, string, error) {
	re := regexp.MustCompile(regexp.QuoteMeta(delimiter) + `:(\d+)`)
	loc := re.FindStringSubmatchIndex(output)
	if loc == nil {
		return 0, "", errors.New(errors.ErrExitMarker,
			"Could not find exit code delimiter "+delimiter+" in output",
			"The command may have terminated early or the shell swallowed the marker")
	}

	code, err := strconv.Atoi(output[loc[2]:loc[3]])
	if err != nil {
		// Unreachable: the pattern only matches digits.
		return 0, "", errors.Wrap(err, "Malformed exit code in output")
	}

	return code, output[:loc[0]], nil
}

// setEnvCommand returns the raw shell command that marks a session with an
// environment variable, csh-style: `setenv KEY VALUE`. The appliances' login
// shell is csh, hence setenv rather than export.
func setEnvCommand(key, value string) string {
	return fmt.Sprintf("setenv %s %s", key, value)
}
