package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"syscall"
	"testing"

	"github.com/mohit83k/gatekeeper/internal/device"
	"github.com/mohit83k/gatekeeper/internal/logger"
	"github.com/mohit83k/gatekeeper/internal/model"
	"github.com/mohit83k/gatekeeper/internal/report"
)

const sampleReport = "show vpn-sessiondb full remote\nSession Type: Remote\n------\n   Username: alice   | Index: 1  |\n"

// --- Mocks ---

type mockLogger struct {
	warnings []string
	debugs   int
}

func (l *mockLogger) Debug(string)                            { l.debugs++ }
func (l *mockLogger) Info(string)                             {}
func (l *mockLogger) Warn(msg string)                         { l.warnings = append(l.warnings, msg) }
func (l *mockLogger) Error(error)                             {}
func (l *mockLogger) WithFields(map[string]any) logger.Logger { return l }

type mockSession struct {
	outputs []string
	err     error
	cmds    []device.Command
	closed  bool
}

func (s *mockSession) Run(_ context.Context, cmds []device.Command) ([]string, error) {
	s.cmds = cmds
	return s.outputs, s.err
}

func (s *mockSession) Close() error {
	s.closed = true
	return nil
}

// mockDialer hands out one scripted step per Dial.
type mockDialer struct {
	steps    []step
	dials    int
	sessions []*mockSession
}

type step struct {
	dialErr error
	runErr  error
	report  string
}

func (d *mockDialer) Dial(context.Context) (device.Session, error) {
	st := d.steps[d.dials]
	d.dials++
	if st.dialErr != nil {
		return nil, st.dialErr
	}
	sess := &mockSession{err: st.runErr}
	if st.runErr == nil {
		sess.outputs = []string{"enable\n", "terminal pager 0\n", st.report}
	}
	d.sessions = append(d.sessions, sess)
	return sess, nil
}

func ok() step { return step{report: sampleReport} }

// --- Tests ---

func TestFetch_Success(t *testing.T) {
	dialer := &mockDialer{steps: []step{ok()}}
	log := &mockLogger{}
	f := NewFetcher(dialer, "s3cret", log)

	got, err := f.Fetch(context.Background(), NewRetryBudget(3))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	want := model.Sessions{"alice": {"Username": "alice", "Index": "1"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected sessions: %+v", got)
	}

	cmds := dialer.sessions[0].cmds
	if len(cmds) != 3 || cmds[0].Secret != "s3cret" || cmds[1].Line != pagerCommand || cmds[2].Line != reportCommand {
		t.Errorf("unexpected command sequence: %+v", cmds)
	}
	if !dialer.sessions[0].closed {
		t.Error("expected session to be closed")
	}
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	timeout := fmt.Errorf("waiting for prompt: %w", os.ErrDeadlineExceeded)

	for n := 0; n < 4; n++ {
		t.Run(fmt.Sprintf("%d failures", n), func(t *testing.T) {
			steps := make([]step, 0, n+1)
			for i := 0; i < n; i++ {
				if i%2 == 0 {
					steps = append(steps, step{runErr: io.EOF})
				} else {
					steps = append(steps, step{runErr: timeout})
				}
			}
			steps = append(steps, ok())

			dialer := &mockDialer{steps: steps}
			log := &mockLogger{}
			f := NewFetcher(dialer, "", log)

			if _, err := f.Fetch(context.Background(), NewRetryBudget(5)); err != nil {
				t.Fatalf("expected success, got: %v", err)
			}
			if len(log.warnings) != n {
				t.Errorf("expected %d retry warnings, got %d: %v", n, len(log.warnings), log.warnings)
			}
			if dialer.dials != n+1 {
				t.Errorf("expected %d dials, got %d", n+1, dialer.dials)
			}
		})
	}
}

func TestFetch_DisconnectOnOpen(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNRESET}
	steps := []step{{dialErr: refused}, {dialErr: io.EOF}, ok()}

	t.Run("budget of three succeeds", func(t *testing.T) {
		dialer := &mockDialer{steps: steps}
		f := NewFetcher(dialer, "", &mockLogger{})

		if _, err := f.Fetch(context.Background(), NewRetryBudget(3)); err != nil {
			t.Fatalf("expected success on third attempt, got: %v", err)
		}
		if dialer.dials != 3 {
			t.Errorf("expected 3 dials, got %d", dialer.dials)
		}
	})

	t.Run("budget of two fails", func(t *testing.T) {
		dialer := &mockDialer{steps: steps}
		f := NewFetcher(dialer, "", &mockLogger{})

		_, err := f.Fetch(context.Background(), NewRetryBudget(2))
		var ferr *FatalError
		if !errors.As(err, &ferr) {
			t.Fatalf("expected FatalError, got %v", err)
		}
		if dialer.dials != 2 {
			t.Errorf("expected no attempt beyond the budget, got %d dials", dialer.dials)
		}
	})
}

func TestFetch_RetryWarningCountsFailedAttempts(t *testing.T) {
	timeout := fmt.Errorf("read: %w", os.ErrDeadlineExceeded)
	dialer := &mockDialer{steps: []step{{runErr: io.EOF}, {runErr: timeout}, ok()}}
	log := &mockLogger{}
	f := NewFetcher(dialer, "", log)

	if _, err := f.Fetch(context.Background(), NewRetryBudget(3)); err != nil {
		t.Fatalf("expected success, got: %v", err)
	}

	want := []string{
		"abruptly disconnected from device, reconnecting (failed attempt 1 of 3)",
		"execution expired, retrying (failed attempt 2 of 3)",
	}
	if !reflect.DeepEqual(log.warnings, want) {
		t.Errorf("unexpected warnings: %q", log.warnings)
	}
}

func TestFetch_SharedBudget(t *testing.T) {
	timeout := fmt.Errorf("read: %w", os.ErrDeadlineExceeded)
	dialer := &mockDialer{steps: []step{{runErr: io.EOF}, {runErr: timeout}, {runErr: io.EOF}, ok()}}
	log := &mockLogger{}
	f := NewFetcher(dialer, "", log)

	_, err := f.Fetch(context.Background(), NewRetryBudget(3))
	if err == nil {
		t.Fatal("expected failure once disconnects and timeouts exhaust the budget")
	}
	if dialer.dials != 3 {
		t.Errorf("expected 3 dials, got %d", dialer.dials)
	}
	if len(log.warnings) != 2 {
		t.Errorf("expected 2 retry warnings, got %d", len(log.warnings))
	}
}

func TestFetch_VendorErrorIsFatal(t *testing.T) {
	rejected := &device.CommandError{Command: "enable", Output: "Invalid password"}
	dialer := &mockDialer{steps: []step{{runErr: rejected}, ok()}}
	f := NewFetcher(dialer, "wrong", &mockLogger{})

	_, err := f.Fetch(context.Background(), NewRetryBudget(3))

	var ferr *FatalError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected FatalError, got %v", err)
	}
	var cerr *device.CommandError
	if !errors.As(err, &cerr) {
		t.Errorf("expected CommandError to be wrapped, got %v", err)
	}
	if dialer.dials != 1 {
		t.Errorf("expected no retry, got %d dials", dialer.dials)
	}
}

func TestFetch_AuthErrorIsFatal(t *testing.T) {
	dialer := &mockDialer{steps: []step{{dialErr: &device.AuthError{User: "gk", Err: errors.New("unable to authenticate")}}, ok()}}
	f := NewFetcher(dialer, "", &mockLogger{})

	if _, err := f.Fetch(context.Background(), NewRetryBudget(3)); err == nil {
		t.Fatal("expected error")
	}
	if dialer.dials != 1 {
		t.Errorf("expected no retry, got %d dials", dialer.dials)
	}
}

func TestFetch_MalformedReportIsFatal(t *testing.T) {
	dialer := &mockDialer{steps: []step{{report: "too short\n"}, ok()}}
	f := NewFetcher(dialer, "", &mockLogger{})

	_, err := f.Fetch(context.Background(), NewRetryBudget(3))

	var perr *report.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError to be wrapped, got %v", err)
	}
	if dialer.dials != 1 {
		t.Errorf("expected no retry, got %d dials", dialer.dials)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want outcome
	}{
		{nil, succeeded},
		{io.EOF, disconnected},
		{fmt.Errorf("wrapped: %w", io.ErrUnexpectedEOF), disconnected},
		{&net.OpError{Op: "read", Err: syscall.ECONNRESET}, disconnected},
		{os.ErrDeadlineExceeded, timedOut},
		{fmt.Errorf("opening shell after 10s: %w", os.ErrDeadlineExceeded), timedOut},
		{context.DeadlineExceeded, timedOut},
		{context.Canceled, failed},
		{&device.CommandError{Command: "x"}, failed},
		{errors.New("something else"), failed},
	}
	for _, c := range cases {
		if got := classify(c.err); got != c.want {
			t.Errorf("classify(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestRetryBudget(t *testing.T) {
	b := NewRetryBudget(2)
	if !b.Consume() {
		t.Fatal("expected a second attempt to be allowed")
	}
	if b.Consume() {
		t.Fatal("expected budget to be exhausted")
	}
	if b.Consume() || b.Remaining() != 0 {
		t.Errorf("expected remaining to stay at zero, got %d", b.Remaining())
	}
	if b.Used() != 2 {
		t.Errorf("expected 2 used, got %d", b.Used())
	}

	if NewRetryBudget(0).Max() != 1 {
		t.Error("expected a budget of at least one attempt")
	}
}
