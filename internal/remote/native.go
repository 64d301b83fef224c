package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// NativeTransport runs commands with the in-process SSH client.
type NativeTransport struct {
	hostKeys       HostKeyPolicy
	connectTimeout time.Duration
	logger         zerolog.Logger
}

// NewNativeTransport creates a transport that dials with connectTimeout and
// verifies host keys according to hostKeys.
func NewNativeTransport(hostKeys HostKeyPolicy, connectTimeout time.Duration, logger zerolog.Logger) *NativeTransport {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return &NativeTransport{
		hostKeys:       hostKeys,
		connectTimeout: connectTimeout,
		logger:         logger.With().Str("component", "ssh_native").Logger(),
	}
}

// Run implements Transport. Each call opens its own connection and session.
func (t *NativeTransport) Run(ctx context.Context, target Target, cmd Command) ([]byte, error) {
	client, err := t.dial(ctx, target)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session on %s: %w", target.Addr(), err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	line := cmd.String()
	t.logger.Debug().Str("host", target.Addr()).Str("command", line).Msg("running remote command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	select {
	case <-ctx.Done():
		// Closing the client unblocks session.Run.
		client.Close()
		<-done
		return nil, ctx.Err()
	case err = <-done:
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), commandFailed(target, cmd, exitErr.ExitStatus(), stderr.String())
		}
		return stdout.Bytes(), fmt.Errorf("run %s on %s: %w", cmd.Program, target.Addr(), err)
	}
	return stdout.Bytes(), nil
}

func (t *NativeTransport) dial(ctx context.Context, target Target) (*ssh.Client, error) {
	keyBytes, err := os.ReadFile(target.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", target.KeyPath, err)
	}

	hostKeyCallback, err := t.hostKeys.Callback()
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         t.connectTimeout,
	}

	addr := target.Addr()
	dialer := net.Dialer{Timeout: t.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	// Bound the handshake by the same timeout as the dial.
	if err := conn.SetDeadline(time.Now().Add(t.connectTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}
