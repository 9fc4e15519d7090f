// Package remote opens SSH connections to monitored machines.
package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/labstack/gommon/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

type Config struct {
	Port           int
	Timeout        time.Duration
	KnownHostsPath string
	UseAgent       bool
}

type Dialer struct {
	cfg Config
	log *log.Logger
}

func NewDialer(cfg Config, logger *log.Logger) *Dialer {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &Dialer{cfg: cfg, log: logger}
}

// Conn is an authenticated SSH client to one machine.
type Conn struct {
	client *ssh.Client
	addr   string
}

func (d *Dialer) Dial(ctx context.Context, addr, user, password string) (*Conn, error) {
	hostKeyCallback, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	// an empty password means key-only auth
	var authMethods []ssh.AuthMethod
	if password != "" {
		authMethods = append(authMethods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if d.cfg.UseAgent {
		// the agent must stay reachable until the handshake has signed
		if conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK")); err == nil {
			defer conn.Close()
			signers, err := agent.NewClient(conn).Signers()
			if err == nil && len(signers) > 0 {
				authMethods = append(authMethods, ssh.PublicKeys(preferRSASHA2(signers)...))
			}
		} else {
			d.log.Debugf("ssh agent unavailable: %v", err)
		}
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no SSH credentials for %s", addr)
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.cfg.Timeout,
	}

	target := withPort(addr, d.cfg.Port)
	d.log.Debugf("dialing SSH client to %s", target)

	nd := net.Dialer{Timeout: d.cfg.Timeout}
	netConn, err := nd.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if d.cfg.Timeout > 0 {
		netConn.SetDeadline(time.Now().Add(d.cfg.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(netConn, target, config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", target, err)
	}
	netConn.SetDeadline(time.Time{})

	return &Conn{client: ssh.NewClient(c, chans, reqs), addr: target}, nil
}

func (d *Dialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.cfg.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(d.cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

// Run executes cmd in a fresh session and returns stdout. Cancelling ctx
// kills the session.
func (c *Conn) Run(ctx context.Context, cmd string) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Signal(ssh.SIGKILL)
			session.Close()
		case <-done:
		}
	}()

	out, err := session.Output(cmd)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return out, fmt.Errorf("%q exited with status %d", cmd, exitErr.ExitStatus())
		}
		return out, fmt.Errorf("run %q: %w", cmd, err)
	}
	return out, nil
}

// NewSession opens a raw session for callers that need streaming I/O or
// signals.
func (c *Conn) NewSession() (*ssh.Session, error) {
	return c.client.NewSession()
}

func (c *Conn) Addr() string { return c.addr }

func (c *Conn) Close() error {
	return c.client.Close()
}

func withPort(addr string, port int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func preferRSASHA2(signers []ssh.Signer) []ssh.Signer {
	var out []ssh.Signer
	for _, signer := range signers {
		if signer.PublicKey().Type() == ssh.KeyAlgoRSA {
			if algSigner, ok := signer.(ssh.AlgorithmSigner); ok {
				if mas, err := ssh.NewSignerWithAlgorithms(
					algSigner,
					[]string{
						ssh.KeyAlgoRSASHA256,
						ssh.KeyAlgoRSASHA512,
						ssh.KeyAlgoRSA,
					},
				); err == nil {
					out = append(out, mas)
					continue
				}
			}
		}
		out = append(out, signer)
	}
	return out
}
