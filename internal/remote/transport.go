package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Transport selection values.
const (
	TransportNative = "native"
	TransportExec   = "exec"
)

// ErrCommandFailed is returned when a remote command ran and exited non-zero.
var ErrCommandFailed = errors.New("remote command failed")

// Target addresses one instance over SSH.
type Target struct {
	Host    string
	Port    int
	User    string
	KeyPath string
}

// Addr returns host:port.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Transport carries one command to a target and returns its standard output.
// A command that exits non-zero yields an error wrapping ErrCommandFailed and
// an *ExitError; connection failures are returned as-is.
type Transport interface {
	Run(ctx context.Context, target Target, cmd Command) ([]byte, error)
}

// ExitError reports a remote command's non-zero exit status.
type ExitError struct {
	Status int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("exit status %d", e.Status)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func commandFailed(target Target, cmd Command, status int, stderr string) error {
	return fmt.Errorf("%w: %s on %s: %w", ErrCommandFailed, cmd.Program, target.Addr(), &ExitError{
		Status: status,
		Stderr: stderr,
	})
}

// NewTransport builds the transport named by kind.
func NewTransport(kind, binary string, hostKeys HostKeyPolicy, connectTimeout time.Duration, logger zerolog.Logger) (Transport, error) {
	switch kind {
	case "", TransportNative:
		return NewNativeTransport(hostKeys, connectTimeout, logger), nil
	case TransportExec:
		return NewExecTransport(binary, hostKeys, connectTimeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown ssh transport %q", kind)
	}
}
