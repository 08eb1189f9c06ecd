package runner

import (
	"errors"

	"github.com/mohit83k/gatekeeper/internal/fetcher"
	"github.com/mohit83k/gatekeeper/internal/guard"
	"github.com/mohit83k/gatekeeper/internal/logger"
	"github.com/mohit83k/gatekeeper/internal/publish"
)

// ExitCode maps the result of Run to a process exit status. A busy lock is
// not a failure: another run is already doing the work.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var busy *guard.BusyError
	if errors.As(err, &busy) {
		return 0
	}
	return 1
}

// Report logs the outcome of Run at the severity its kind deserves.
func Report(log logger.Logger, device, lockPath string, err error) {
	if err == nil {
		return
	}

	var (
		busy      *guard.BusyError
		integrity *guard.IntegrityError
		fatal     *fetcher.FatalError
		perr      *publish.Error
	)
	switch {
	case errors.As(err, &integrity):
		log.WithFields(map[string]any{"lock": lockPath, "fatal": true}).Error(err)
	case errors.As(err, &busy):
		log.WithFields(map[string]any{"lock": lockPath}).Warn(err.Error())
	case errors.As(err, &fatal):
		log.WithFields(map[string]any{"device": device, "fatal": true}).Error(err)
	case errors.As(err, &perr):
		log.WithFields(map[string]any{"endpoint": perr.Endpoint, "status": perr.StatusCode}).Error(err)
	default:
		log.WithFields(map[string]any{"device": device, "lock": lockPath, "fatal": true}).Error(err)
	}
}
