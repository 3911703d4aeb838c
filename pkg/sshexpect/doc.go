// Package sshexpect drives interactive remote shells over SSH.
//
// Unlike one-shot command execution, everything here happens inside a single
// persistent PTY-backed shell channel: commands are formatted with an
// exit-code marker so their completion can be detected in an unstructured
// output stream, interactive prompts (host-key confirmation, passwords, sudo)
// are answered by pattern-based responders, and a second shell can be nested
// inside the first to reach hosts that are only visible from a jump host.
//
// The building blocks, bottom up:
//
//   - Responder: a pattern → response rule for interactive prompts.
//   - FormatCommand / FormatScript: turn a logical command into the exact
//     bytes to transmit, with an exit-code marker appended.
//   - Conn: one authenticated interactive shell on one host, with
//     send/expect/run primitives.
//   - Session: the two-hop gateway → target contract, with shell-variable
//     tokens guarding each hop.
//   - Group: serial execution across many targets sharing one gateway
//     connection, with per-target failure isolation.
package sshexpect
