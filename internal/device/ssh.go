package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config describes how to reach and log in to the device.
type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	KnownHostsFile string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// SSHDialer opens interactive SSH shells on the device.
type SSHDialer struct {
	cfg      Config
	hostKeys ssh.HostKeyCallback
}

// NewSSHDialer prepares a dialer. Without a known_hosts file the host key is
// not verified.
func NewSSHDialer(cfg Config) (*SSHDialer, error) {
	callback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		callback = cb
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &SSHDialer{cfg: cfg, hostKeys: callback}, nil
}

// Addr returns host:port of the device.
func (d *SSHDialer) Addr() string {
	return net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
}

func (d *SSHDialer) clientConfig() *ssh.ClientConfig {
	password := d.cfg.Password
	return &ssh.ClientConfig{
		User: d.cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: d.hostKeys,
		Timeout:         d.cfg.ConnectTimeout,
	}
}

// Dial connects, authenticates and waits for the first CLI prompt.
func (d *SSHDialer) Dial(ctx context.Context) (Session, error) {
	addr := d.Addr()

	dialCtx := ctx
	if d.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.cfg.ConnectTimeout)
		defer cancel()
	}

	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	if d.cfg.ConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.cfg.ConnectTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, d.clientConfig())
	if err != nil {
		_ = conn.Close()
		if isAuthFailure(err) {
			return nil, &AuthError{User: d.cfg.Username, Err: err}
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)
	sess, err := openShell(ctx, client, d.setupTimeout(), d.cfg.CommandTimeout)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return sess, nil
}

type sshSession struct {
	*shell
	client  *ssh.Client
	session *ssh.Session
}

// setupTimeout bounds opening the session channel, PTY and shell.
func (d *SSHDialer) setupTimeout() time.Duration {
	if d.cfg.ConnectTimeout > 0 {
		return d.cfg.ConnectTimeout
	}
	return defaultCommandTimeout
}

// openShell starts a shell and waits for the first prompt. The channel
// requests have no timeout of their own, so the client is closed if they do
// not complete within setup.
func openShell(ctx context.Context, client *ssh.Client, setup, timeout time.Duration) (*sshSession, error) {
	timer := time.AfterFunc(setup, func() { _ = client.Close() })

	pipes, err := startShell(client)
	if !timer.Stop() {
		if pipes != nil {
			_ = pipes.session.Close()
		}
		return nil, fmt.Errorf("opening shell after %s: %w", setup, os.ErrDeadlineExceeded)
	}
	if err != nil {
		return nil, err
	}

	s := &sshSession{
		shell:   newShell(pipes.stdin, pipes.stdout, timeout),
		client:  client,
		session: pipes.session,
	}
	if _, err := s.expect(ctx, promptPattern); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("waiting for login prompt: %w", err)
	}
	return s, nil
}

type shellPipes struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func startShell(client *ssh.Client) (*shellPipes, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 38400,
		ssh.TTY_OP_OSPEED: 38400,
	}
	if err := session.RequestPty("vt100", 0, 511, modes); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	if err := session.Shell(); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}
	return &shellPipes{session: session, stdin: stdin, stdout: stdout}, nil
}

func (s *sshSession) Close() error {
	s.stop()
	_ = s.session.Close()
	err := s.client.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}
