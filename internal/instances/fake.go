package instances

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FakeProvider is an in-memory Provider for unit tests. State transitions
// complete when the matching wait is called.
type FakeProvider struct {
	mu        sync.Mutex
	instances map[string]Instance

	// Calls records every provider call as "<op> <arg>" in order.
	Calls []string

	FindErr  error
	StartErr map[string]error
	StopErr  map[string]error
	WaitErr  map[string]error
}

// NewFakeProvider creates a provider holding the given instances.
func NewFakeProvider(insts ...Instance) *FakeProvider {
	f := &FakeProvider{
		instances: make(map[string]Instance, len(insts)),
		StartErr:  map[string]error{},
		StopErr:   map[string]error{},
		WaitErr:   map[string]error{},
	}
	for _, inst := range insts {
		f.instances[inst.ID] = inst
	}
	return f
}

// Instance returns the current view of id.
func (f *FakeProvider) Instance(id string) Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instances[id]
}

// CallsFor returns the recorded calls whose argument is id.
func (f *FakeProvider) CallsFor(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.Calls {
		if op, arg, _ := strings.Cut(c, " "); arg == id {
			out = append(out, op)
		}
	}
	return out
}

func (f *FakeProvider) record(op, arg string) {
	f.Calls = append(f.Calls, op+" "+arg)
}

// FindByNameTag implements Provider. Results are sorted by id.
func (f *FakeProvider) FindByNameTag(_ context.Context, tag string) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("find", tag)
	if f.FindErr != nil {
		return nil, f.FindErr
	}

	var out []Instance
	for _, inst := range f.instances {
		if inst.Name == tag && inst.State.Backupable() {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Describe implements Provider.
func (f *FakeProvider) Describe(_ context.Context, id string) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("describe", id)
	inst, ok := f.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return inst, nil
}

// Start implements Provider.
func (f *FakeProvider) Start(_ context.Context, id string) error {
	return f.transition("start", id, f.StartErr, StatePending)
}

// WaitUntilRunning implements Provider.
func (f *FakeProvider) WaitUntilRunning(_ context.Context, id string) error {
	return f.transition("wait-running", id, f.WaitErr, StateRunning)
}

// Stop implements Provider.
func (f *FakeProvider) Stop(_ context.Context, id string) error {
	return f.transition("stop", id, f.StopErr, StateStopping)
}

// WaitUntilStopped implements Provider.
func (f *FakeProvider) WaitUntilStopped(_ context.Context, id string) error {
	return f.transition("wait-stopped", id, f.WaitErr, StateStopped)
}

func (f *FakeProvider) transition(op, id string, errs map[string]error, next State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(op, id)
	inst, ok := f.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if err := errs[id]; err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrPowerTransition, op, id, err)
	}
	inst.State = next
	f.instances[id] = inst
	return nil
}
