package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSSH stands in for the ssh binary: it echoes its final argument, or
// fails depending on the remote command.
const fakeSSH = `#!/bin/sh
for last; do :; done
case "$last" in
  fail*) echo "rsync: permission denied" >&2; exit 23 ;;
  unreachable*) echo "ssh: connect to host 10.0.0.9 port 22: Connection refused" >&2; exit 255 ;;
esac
echo "$last"
`

func writeFakeSSH(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ssh")
	require.NoError(t, os.WriteFile(path, []byte(fakeSSH), 0700))
	return path
}

func TestExecTransport_Args(t *testing.T) {
	target := Target{Host: "10.0.0.9", Port: 22, User: "ec2-user", KeyPath: "/home/me/.ssh/ops.pem"}

	transport := NewExecTransport("", HostKeyPolicy{Mode: HostKeyInsecure}, 5*time.Second, zerolog.Nop())
	args, err := transport.Args(target, MirrorCommand("/home/ec2-user/", "/data/backup/ec2-user-home/", true))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-i", "/home/me/.ssh/ops.pem",
		"-p", "22",
		"-o", "ConnectTimeout=5",
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"ec2-user@10.0.0.9",
		"sudo rsync -av --delete /home/ec2-user/ /data/backup/ec2-user-home/",
	}, args)

	transport = NewExecTransport("ssh", HostKeyPolicy{Mode: HostKeyKnownHosts, KnownHostsFile: "/etc/known"}, 500*time.Millisecond, zerolog.Nop())
	args, err = transport.Args(Target{Host: "h", Port: 2222, User: "u", KeyPath: "k"}, ProbeCommand())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-i", "k",
		"-p", "2222",
		"-o", "ConnectTimeout=1",
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=yes",
		"-o", "UserKnownHostsFile=/etc/known",
		"u@h",
		"echo ready",
	}, args)
}

func TestExecTransport_Run(t *testing.T) {
	transport := NewExecTransport(writeFakeSSH(t), HostKeyPolicy{}, time.Second, zerolog.Nop())
	target := Target{Host: "10.0.0.9", User: "ec2-user", KeyPath: "k"}

	out, err := transport.Run(context.Background(), target, ProbeCommand())
	require.NoError(t, err)
	assert.Equal(t, "echo ready\n", string(out))

	_, err = transport.Run(context.Background(), target, Command{Program: "fail"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandFailed)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 23, exitErr.Status)
	assert.Contains(t, exitErr.Stderr, "permission denied")

	_, err = transport.Run(context.Background(), target, Command{Program: "unreachable"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCommandFailed)
	assert.Contains(t, err.Error(), "Connection refused")
}

func TestExecTransport_MissingBinary(t *testing.T) {
	transport := NewExecTransport(filepath.Join(t.TempDir(), "no-ssh"), HostKeyPolicy{}, time.Second, zerolog.Nop())
	_, err := transport.Run(context.Background(), Target{Host: "h"}, ProbeCommand())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCommandFailed)
}

func TestNewTransport(t *testing.T) {
	tr, err := NewTransport(TransportNative, "", HostKeyPolicy{}, time.Second, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &NativeTransport{}, tr)

	tr, err = NewTransport(TransportExec, "ssh", HostKeyPolicy{}, time.Second, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &ExecTransport{}, tr)

	_, err = NewTransport("telnet", "", HostKeyPolicy{}, time.Second, zerolog.Nop())
	assert.Error(t, err)
}
