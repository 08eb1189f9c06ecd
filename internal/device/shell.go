package device

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"
)

const (
	// hostname> / hostname# / hostname(config)#
	promptExpr   = `^[\w.\-/]+(\([\w\-]+\))?[>#] ?$`
	passwordExpr = `(?i)password: ?$`
)

var (
	promptPattern = regexp.MustCompile(promptExpr)
	// A wrong enable secret is answered with another password prompt.
	anyPrompt = regexp.MustCompile(promptExpr + `|` + passwordExpr)
)

const defaultCommandTimeout = 30 * time.Second

type chunk struct {
	data []byte
	err  error
}

// shell speaks to a line-oriented device CLI over a pair of streams. Reads
// happen on a pump goroutine so every wait can be bounded by a timeout.
type shell struct {
	in      io.Writer
	chunks  chan chunk
	done    chan struct{}
	buf     strings.Builder
	timeout time.Duration
	err     error
}

func newShell(in io.Writer, out io.Reader, timeout time.Duration) *shell {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	s := &shell{
		in:      in,
		chunks:  make(chan chunk, 16),
		done:    make(chan struct{}),
		timeout: timeout,
	}
	go s.pump(out)
	return s
}

func (s *shell) pump(out io.Reader) {
	defer close(s.chunks)
	buf := make([]byte, 4096)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !s.deliver(chunk{data: data}) {
				return
			}
		}
		if err == nil && n == 0 {
			// Zero bytes without an error means the peer went away.
			err = io.EOF
		}
		if err != nil {
			s.deliver(chunk{err: err})
			return
		}
	}
}

func (s *shell) deliver(c chunk) bool {
	select {
	case s.chunks <- c:
		return true
	case <-s.done:
		return false
	}
}

// stop releases the pump goroutine once nobody reads from it anymore.
func (s *shell) stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// expect reads until the accumulated output ends with a line matching
// pattern and returns everything read, including that line.
func (s *shell) expect(ctx context.Context, pattern *regexp.Regexp) (string, error) {
	if s.err != nil {
		return "", s.err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	for !pattern.MatchString(lastLine(s.buf.String())) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", fmt.Errorf("waiting for %s after %s: %w", pattern, s.timeout, os.ErrDeadlineExceeded)
		case c, ok := <-s.chunks:
			if !ok {
				s.err = io.EOF
				return "", s.err
			}
			if c.err != nil {
				s.err = c.err
				return "", c.err
			}
			s.buf.Write(c.data)
		}
	}

	out := s.buf.String()
	s.buf.Reset()
	return out, nil
}

func (s *shell) send(line string) error {
	if _, err := io.WriteString(s.in, line+"\n"); err != nil {
		return err
	}
	return nil
}

// Run executes cmds in order. Each output keeps the echoed command line and
// drops the trailing prompt.
func (s *shell) Run(ctx context.Context, cmds []Command) ([]string, error) {
	outputs := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		out, err := s.exec(ctx, cmd)
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (s *shell) exec(ctx context.Context, cmd Command) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if err := s.send(cmd.Line); err != nil {
		return "", err
	}

	if cmd.PasswordPrompt {
		out, err := s.expect(ctx, anyPrompt)
		if err != nil {
			return "", err
		}
		// An already privileged session answers enable with its prompt.
		if !promptPattern.MatchString(lastLine(out)) {
			if err := s.send(cmd.Secret); err != nil {
				return "", err
			}
			if out, err = s.expect(ctx, anyPrompt); err != nil {
				return "", err
			}
		}
		body := stripPrompt(out)
		if rejected(body) || !strings.HasSuffix(strings.TrimSpace(lastLine(out)), "#") {
			return "", &CommandError{Command: cmd.Line, Output: body}
		}
		return body, nil
	}

	out, err := s.expect(ctx, promptPattern)
	if err != nil {
		return "", err
	}
	body := stripPrompt(out)
	if rejected(body) {
		return "", &CommandError{Command: cmd.Line, Output: body}
	}
	return body, nil
}

func lastLine(s string) string {
	if i := strings.LastIndexAny(s, "\r\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func stripPrompt(out string) string {
	out = strings.ReplaceAll(out, "\r\n", "\n")
	out = strings.TrimRight(out, "\n")
	if i := strings.LastIndex(out, "\n"); i >= 0 {
		return out[:i+1]
	}
	return ""
}
