// Package fetcher pulls the remote-access session report from the device,
// retrying while the device is unreachable.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/mohit83k/gatekeeper/internal/device"
	"github.com/mohit83k/gatekeeper/internal/logger"
	"github.com/mohit83k/gatekeeper/internal/model"
	"github.com/mohit83k/gatekeeper/internal/report"
)

const (
	pagerCommand  = "terminal pager 0"
	reportCommand = "show vpn-sessiondb full remote"

	// reportIndex is the position of the report in the command outputs.
	reportIndex = 2
)

// FatalError ends the fetch without further retries.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fetcher runs the session report against the device.
type Fetcher struct {
	Dialer       device.Dialer
	EnableSecret string
	Logger       logger.Logger
}

// NewFetcher returns a Fetcher using dialer for every attempt.
func NewFetcher(dialer device.Dialer, enableSecret string, log logger.Logger) *Fetcher {
	return &Fetcher{
		Dialer:       dialer,
		EnableSecret: enableSecret,
		Logger:       log,
	}
}

type outcome int

const (
	succeeded outcome = iota
	disconnected
	timedOut
	failed
)

// Fetch returns the current sessions. Each transient failure consumes one
// attempt from budget and restarts the sequence on a new connection.
func (f *Fetcher) Fetch(ctx context.Context, budget *RetryBudget) (model.Sessions, error) {
	for {
		body, err := f.attempt(ctx)
		switch classify(err) {
		case succeeded:
			sessions, err := report.Parse(body)
			if err != nil {
				return nil, &FatalError{Reason: "could not read session list from device", Err: err}
			}
			return sessions, nil

		case disconnected:
			if !budget.Consume() {
				return nil, &FatalError{Reason: "too many connection failures", Err: err}
			}
			f.Logger.Warn(fmt.Sprintf("abruptly disconnected from device, reconnecting (failed attempt %d of %d)", budget.Used(), budget.Max()))
			f.Logger.WithFields(map[string]any{"err": err.Error()}).Debug("ssh disconnect")

		case timedOut:
			if !budget.Consume() {
				return nil, &FatalError{Reason: "too many command timeouts", Err: err}
			}
			f.Logger.Warn(fmt.Sprintf("execution expired, retrying (failed attempt %d of %d)", budget.Used(), budget.Max()))
			f.Logger.WithFields(map[string]any{"err": err.Error()}).Debug("ssh execution expired")

		default:
			var ferr *FatalError
			if errors.As(err, &ferr) {
				return nil, ferr
			}
			var cerr *device.CommandError
			if errors.As(err, &cerr) {
				return nil, &FatalError{Reason: "error from device", Err: err}
			}
			return nil, &FatalError{Reason: "device session failed", Err: err}
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context) (string, error) {
	sess, err := f.Dialer.Dial(ctx)
	if err != nil {
		return "", err
	}
	defer sess.Close()

	outputs, err := sess.Run(ctx, []device.Command{
		{Line: "enable", PasswordPrompt: true, Secret: f.EnableSecret},
		{Line: pagerCommand},
		{Line: reportCommand},
	})
	if err != nil {
		return "", err
	}
	if len(outputs) <= reportIndex {
		return "", &FatalError{Reason: fmt.Sprintf("expected %d command outputs, got %d", reportIndex+1, len(outputs))}
	}
	return outputs[reportIndex], nil
}

// classify sorts an attempt error into the retry policy. A read that ends
// with no bytes (EOF) is a disconnect, not a failure of the library.
func classify(err error) outcome {
	if err == nil {
		return succeeded
	}

	var cerr *device.CommandError
	var aerr *device.AuthError
	var ferr *FatalError
	if errors.As(err, &cerr) || errors.As(err, &aerr) || errors.As(err, &ferr) || errors.Is(err, context.Canceled) {
		return failed
	}

	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return timedOut
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return timedOut
	}

	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return disconnected
	}

	var operr *net.OpError
	if errors.As(err, &operr) {
		return disconnected
	}
	return failed
}
