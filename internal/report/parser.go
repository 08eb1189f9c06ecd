// Package report turns the concentrator's remote-access session report into
// typed session records.
package report

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mohit83k/gatekeeper/internal/model"
)

// HeaderLines is the number of non-blank preamble lines the report emits
// before per-session rows begin.
const HeaderLines = 3

// pairPattern matches one "Label: value |" cell of a session row.
var pairPattern = regexp.MustCompile(`\s+([a-zA-Z ]+): ([a-zA-Z0-9.\-_ ]+) [|]+`)

// ParseError reports a report body that cannot be interpreted.
type ParseError struct {
	Lines  int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed session report (%d lines): %s", e.Lines, e.Reason)
}

// Parse converts a report body into sessions keyed by username. Rows without
// a Username cell are dropped. Rows repeating a username are merged into the
// existing record, later cells winning.
func Parse(body string) (model.Sessions, error) {
	if strings.TrimSpace(body) == "" {
		return nil, &ParseError{Reason: "empty report body"}
	}

	lines := nonBlankLines(body)
	if len(lines) < HeaderLines {
		return nil, &ParseError{
			Lines:  len(lines),
			Reason: fmt.Sprintf("expected at least %d header lines", HeaderLines),
		}
	}

	sessions := make(model.Sessions)
	for _, line := range lines[HeaderLines:] {
		rec := parseLine(line)
		username, ok := rec[model.UsernameKey]
		if !ok || username == "" {
			continue
		}

		existing, ok := sessions[username]
		if !ok {
			sessions[username] = rec
			continue
		}
		for label, value := range rec {
			existing[label] = value
		}
	}
	return sessions, nil
}

func parseLine(line string) model.Attributes {
	rec := make(model.Attributes)
	for _, m := range pairPattern.FindAllStringSubmatch(line, -1) {
		label := strings.TrimSpace(m[1])
		if label == "" {
			continue
		}
		rec[label] = strings.TrimSpace(m[2])
	}
	return rec
}

func nonBlankLines(body string) []string {
	raw := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	lines := raw[:0]
	for _, l := range raw {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
