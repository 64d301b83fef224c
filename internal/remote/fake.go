package remote

import (
	"context"
	"sync"
)

// FakeTransport is an in-memory Transport for unit tests.
type FakeTransport struct {
	mu sync.Mutex

	// Calls records "<host> <command>" for every Run in order.
	Calls []string
	// ProbeFailures is how many probes fail per host before one succeeds.
	// A negative count fails every probe.
	ProbeFailures map[string]int
	// ExitStatus makes commands whose program matches the key exit non-zero.
	ExitStatus map[string]int
	// Output is returned as stdout for successful commands by program.
	Output map[string]string
}

// NewFakeTransport creates a transport on which every command succeeds.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		ProbeFailures: map[string]int{},
		ExitStatus:    map[string]int{},
		Output:        map[string]string{},
	}
}

// CallsFor returns the commands run on host.
func (f *FakeTransport) CallsFor(host string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	prefix := host + " "
	for _, c := range f.Calls {
		if len(c) > len(prefix) && c[:len(prefix)] == prefix {
			out = append(out, c[len(prefix):])
		}
	}
	return out
}

// Run implements Transport.
func (f *FakeTransport) Run(ctx context.Context, target Target, cmd Command) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, target.Host+" "+cmd.String())

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cmd.Program == "echo" {
		if n := f.ProbeFailures[target.Host]; n != 0 {
			if n > 0 {
				f.ProbeFailures[target.Host] = n - 1
			}
			return nil, &fakeDialError{addr: target.Addr()}
		}
	}
	if status, ok := f.ExitStatus[cmd.Program]; ok {
		return nil, commandFailed(target, cmd, status, cmd.Program+" failed")
	}
	return []byte(f.Output[cmd.Program]), nil
}

type fakeDialError struct {
	addr string
}

func (e *fakeDialError) Error() string {
	return "dial tcp " + e.addr + ": connect: connection refused"
}
