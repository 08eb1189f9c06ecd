// Package device drives an interactive CLI session on the VPN concentrator.
package device

import (
	"context"
	"fmt"
	"strings"
)

// Command is one line sent to the device CLI.
type Command struct {
	Line string
	// PasswordPrompt means the device answers Line with a password prompt,
	// which is answered with Secret (used by "enable").
	PasswordPrompt bool
	Secret         string
}

// Session is an open management session.
type Session interface {
	// Run executes cmds in order and returns one output per command.
	Run(ctx context.Context, cmds []Command) ([]string, error)
	Close() error
}

// Dialer opens fresh management sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// CommandError is a command rejected by the device itself.
type CommandError struct {
	Command string
	Output  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("device rejected %q: %s", e.Command, firstErrorLine(e.Output))
}

// AuthError is a login the device refused.
type AuthError struct {
	User string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.User, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

var errorMarkers = []string{
	"ERROR:",
	"% Invalid",
	"% Incomplete",
	"% Ambiguous",
	"% Unknown",
	"% Bad",
}

// rejected reports whether output carries a vendor error marker.
func rejected(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		for _, marker := range errorMarkers {
			if strings.HasPrefix(line, marker) {
				return true
			}
		}
	}
	return false
}

func firstErrorLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		for _, marker := range errorMarkers {
			if strings.HasPrefix(line, marker) {
				return line
			}
		}
	}
	return strings.TrimSpace(output)
}
