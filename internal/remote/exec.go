package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// sshConnectionFailure is the exit status the ssh binary uses for its own errors.
const sshConnectionFailure = 255

// ExecTransport runs commands through the system ssh binary. Arguments are
// passed as a vector, never through a local shell.
type ExecTransport struct {
	binary         string
	hostKeys       HostKeyPolicy
	connectTimeout time.Duration
	logger         zerolog.Logger
}

// NewExecTransport creates a transport that invokes binary (default "ssh").
func NewExecTransport(binary string, hostKeys HostKeyPolicy, connectTimeout time.Duration, logger zerolog.Logger) *ExecTransport {
	if binary == "" {
		binary = "ssh"
	}
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return &ExecTransport{
		binary:         binary,
		hostKeys:       hostKeys,
		connectTimeout: connectTimeout,
		logger:         logger.With().Str("component", "ssh_exec").Logger(),
	}
}

// Args returns the argument vector passed to the ssh binary.
func (t *ExecTransport) Args(target Target, cmd Command) ([]string, error) {
	hostKeyOpts, err := t.hostKeys.SSHOptions()
	if err != nil {
		return nil, err
	}

	port := target.Port
	if port == 0 {
		port = 22
	}
	timeout := int(t.connectTimeout.Round(time.Second) / time.Second)
	if timeout < 1 {
		timeout = 1
	}

	args := []string{
		"-i", target.KeyPath,
		"-p", strconv.Itoa(port),
		"-o", "ConnectTimeout=" + strconv.Itoa(timeout),
		"-o", "BatchMode=yes",
	}
	args = append(args, hostKeyOpts...)
	return append(args, target.User+"@"+target.Host, cmd.String()), nil
}

// Run implements Transport.
func (t *ExecTransport) Run(ctx context.Context, target Target, cmd Command) ([]byte, error) {
	args, err := t.Args(target, cmd)
	if err != nil {
		return nil, err
	}

	c := exec.CommandContext(ctx, t.binary, args...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	t.logger.Debug().
		Str("command", t.binary).
		Strs("args", args).
		Msg("executing ssh command")

	err = c.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == sshConnectionFailure {
			return nil, fmt.Errorf("ssh to %s: %w: %s", target.Addr(), err, strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), commandFailed(target, cmd, exitErr.ExitCode(), stderr.String())
	}
	return nil, fmt.Errorf("run %s: %w", t.binary, err)
}
