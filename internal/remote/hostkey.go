package remote

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Host key policies.
const (
	HostKeyInsecure   = "insecure"
	HostKeyKnownHosts = "known_hosts"
)

// HostKeyPolicy decides how server host keys are verified. The same policy
// applies to the readiness probe and to the backup commands.
type HostKeyPolicy struct {
	Mode           string
	KnownHostsFile string
}

// Callback returns the ssh.HostKeyCallback for the native transport.
func (p HostKeyPolicy) Callback() (ssh.HostKeyCallback, error) {
	switch p.Mode {
	case "", HostKeyInsecure:
		return ssh.InsecureIgnoreHostKey(), nil
	case HostKeyKnownHosts:
		if p.KnownHostsFile == "" {
			return nil, errors.New("host key policy known_hosts requires a known_hosts file")
		}
		if _, err := os.Stat(p.KnownHostsFile); err != nil {
			return nil, fmt.Errorf("known_hosts file not found: %w", err)
		}
		callback, err := knownhosts.New(p.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("parse known_hosts: %w", err)
		}
		return callback, nil
	default:
		return nil, fmt.Errorf("unknown host key policy %q", p.Mode)
	}
}

// SSHOptions returns the equivalent -o options for the ssh binary.
func (p HostKeyPolicy) SSHOptions() ([]string, error) {
	switch p.Mode {
	case "", HostKeyInsecure:
		return []string{
			"-o", "StrictHostKeyChecking=no",
			"-o", "UserKnownHostsFile=/dev/null",
		}, nil
	case HostKeyKnownHosts:
		if p.KnownHostsFile == "" {
			return nil, errors.New("host key policy known_hosts requires a known_hosts file")
		}
		return []string{
			"-o", "StrictHostKeyChecking=yes",
			"-o", "UserKnownHostsFile=" + p.KnownHostsFile,
		}, nil
	default:
		return nil, fmt.Errorf("unknown host key policy %q", p.Mode)
	}
}
