// Package guard keeps runs from overlapping by holding a lock file for the
// length of a run.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// settleWindow is how long an empty lock file is assumed to be mid-creation
// by its owner rather than corrupt.
const settleWindow = 2 * time.Second

// ErrNotHeld is returned when releasing a lock this process does not hold.
var ErrNotHeld = errors.New("lock not held")

// Record is the ownership marker written into the lock file.
type Record struct {
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// BusyError means another live run holds the lock.
type BusyError struct {
	Path   string
	Holder *Record
}

func (e *BusyError) Error() string {
	if e.Holder == nil {
		return fmt.Sprintf("could not acquire lock (%s)", e.Path)
	}
	return fmt.Sprintf("could not acquire lock (%s): held by pid %d on %s since %s",
		e.Path, e.Holder.PID, e.Holder.Host, e.Holder.AcquiredAt.Format(time.RFC3339))
}

// IntegrityError means the lock file no longer reflects a consistent owner:
// it is corrupt, left by a dead process, or was replaced while held.
type IntegrityError struct {
	Path   string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("lock integrity violated (%s): %s", e.Path, e.Reason)
}

// Guard acquires the lock file at Path.
type Guard struct {
	Path       string
	Retries    int
	RetryDelay time.Duration

	host  string
	pid   int
	alive func(pid int) bool
}

// New returns a Guard that makes 1+retries acquisition attempts spaced by
// delay.
func New(path string, retries int, delay time.Duration) *Guard {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Guard{
		Path:       path,
		Retries:    retries,
		RetryDelay: delay,
		host:       host,
		pid:        os.Getpid(),
		alive:      processAlive,
	}
}

// Acquire takes the lock or reports why it could not.
func (g *Guard) Acquire(ctx context.Context) (*Lock, error) {
	var holder *Record
	for attempt := 0; attempt <= g.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(g.RetryDelay):
			}
		}

		lock, err := g.create()
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		holder, err = g.inspect()
		if err != nil {
			return nil, err
		}
	}
	return nil, &BusyError{Path: g.Path, Holder: holder}
}

func (g *Guard) create() (*Lock, error) {
	f, err := os.OpenFile(g.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	rec := Record{
		Token:      uuid.NewString(),
		PID:        g.pid,
		Host:       g.host,
		AcquiredAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err == nil {
		_, err = f.Write(append(data, '\n'))
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(g.Path)
		return nil, fmt.Errorf("failed to write lock record: %w", err)
	}

	return &Lock{path: g.Path, token: rec.Token, held: true}, nil
}

// inspect decides whether an existing lock file belongs to a live holder.
// A missing file (released meanwhile) is reported as a nil holder.
func (g *Guard) inspect() (*Record, error) {
	info, err := os.Stat(g.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat lock file: %w", err)
	}

	rec, err := readRecord(g.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		if info.Size() == 0 && time.Since(info.ModTime()) < settleWindow {
			return nil, nil
		}
		return nil, &IntegrityError{Path: g.Path, Reason: err.Error()}
	}

	if rec.Token == "" || rec.PID <= 0 {
		return nil, &IntegrityError{Path: g.Path, Reason: "lock record has no owner"}
	}
	if rec.Host == g.host {
		if rec.PID == g.pid {
			return nil, &IntegrityError{Path: g.Path, Reason: fmt.Sprintf("lock claims this process (pid %d) which never acquired it", rec.PID)}
		}
		if !g.alive(rec.PID) {
			return nil, &IntegrityError{Path: g.Path, Reason: fmt.Sprintf("lock held by pid %d which is no longer running", rec.PID)}
		}
	}
	return rec, nil
}

// Lock is a held lock. Release must be called exactly once.
type Lock struct {
	path  string
	token string
	held  bool
}

// Held reports whether the lock is still held by this handle.
func (l *Lock) Held() bool { return l != nil && l.held }

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Verify checks that the lock file still carries this handle's token.
func (l *Lock) Verify() error {
	if !l.Held() {
		return ErrNotHeld
	}
	return l.verify()
}

func (l *Lock) verify() error {
	rec, err := readRecord(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &IntegrityError{Path: l.path, Reason: "lock file removed while held"}
	}
	if err != nil {
		return &IntegrityError{Path: l.path, Reason: err.Error()}
	}
	if rec.Token != l.token {
		return &IntegrityError{Path: l.path, Reason: fmt.Sprintf("lock was stolen by pid %d on %s", rec.PID, rec.Host)}
	}
	return nil
}

// Release removes the lock file. A stolen lock is left in place for its new
// owner and reported as an IntegrityError.
func (l *Lock) Release() error {
	if !l.Held() {
		return ErrNotHeld
	}
	l.held = false

	if err := l.verify(); err != nil {
		return err
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unreadable lock record: %w", err)
	}
	return &rec, nil
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
