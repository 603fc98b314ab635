package multipath

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	apperrors "kv-shepherd.io/storjanitor/internal/pkg/errors"
)

// SSHRunner executes commands on cluster nodes over SSH. OpenShift nodes
// accept key auth for the core user; host keys are not pinned because
// node reinstalls rotate them.
type SSHRunner struct {
	User    string
	KeyFile string
	Port    int
	Timeout time.Duration
}

// Run executes one command on a node and returns combined output.
func (r *SSHRunner) Run(ctx context.Context, node, command string) (string, error) {
	key, err := os.ReadFile(r.KeyFile)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeNodeExecFailed, "read ssh key", 0)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeNodeExecFailed, "parse ssh key", 0)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	port := r.Port
	if port <= 0 {
		port = 22
	}

	cfg := &ssh.ClientConfig{
		User:            r.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // node host keys rotate on reinstall
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(node, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeNodeExecFailed,
			fmt.Sprintf("dial %s", addr), 0)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return "", apperrors.Wrap(err, apperrors.CodeNodeExecFailed,
			fmt.Sprintf("ssh handshake with %s", addr), 0)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeNodeExecFailed, "open ssh session", 0)
	}
	defer session.Close()

	// Kill the session if the context ends while the command runs.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
			client.Close()
		case <-done:
		}
	}()

	out, err := session.CombinedOutput(command)
	if err != nil {
		if ctx.Err() != nil {
			return string(out), ctx.Err()
		}
		return string(out), apperrors.Wrap(err, apperrors.CodeNodeExecFailed,
			fmt.Sprintf("run %q on %s", command, node), 0)
	}
	return string(out), nil
}
