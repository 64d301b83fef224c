package remote

import (
	"github.com/kballard/go-shellquote"
)

// Command is a remote command held as an argument vector. It is only turned
// into a shell string at the transport boundary, where every argument is quoted.
type Command struct {
	Sudo    bool
	Program string
	Args    []string
}

// Argv returns the full argument vector, including sudo when requested.
func (c Command) Argv() []string {
	argv := make([]string, 0, len(c.Args)+2)
	if c.Sudo {
		argv = append(argv, "sudo")
	}
	argv = append(argv, c.Program)
	return append(argv, c.Args...)
}

// String renders the command as a single quoted string for the remote shell.
func (c Command) String() string {
	return shellquote.Join(c.Argv()...)
}

// ProbeCommand is the trivial command used to check that a host accepts logins.
func ProbeCommand() Command {
	return Command{Program: "echo", Args: []string{"ready"}}
}

// MkdirCommand creates dir and any missing parents.
func MkdirCommand(dir string, sudo bool) Command {
	return Command{Sudo: sudo, Program: "mkdir", Args: []string{"-p", dir}}
}

// MirrorCommand mirrors src into dest with rsync, deleting files in dest that
// no longer exist in src.
func MirrorCommand(src, dest string, sudo bool) Command {
	return Command{Sudo: sudo, Program: "rsync", Args: []string{"-av", "--delete", src, dest}}
}
