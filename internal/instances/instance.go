// Package instances locates EC2 instances by Name tag and manages their power state.
package instances

import (
	"context"
	"errors"
)

// State is the EC2 instance lifecycle state name.
type State string

const (
	StatePending      State = "pending"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateShuttingDown State = "shutting-down"
	StateTerminated   State = "terminated"
)

// Backupable reports whether instances in this state are candidates for backup.
func (s State) Backupable() bool {
	return s == StateRunning || s == StateStopped
}

// ErrInstanceNotFound is returned when an instance id does not resolve to an instance.
var ErrInstanceNotFound = errors.New("instance not found")

// ErrPowerTransition is returned when a start or stop request or its wait fails.
var ErrPowerTransition = errors.New("power transition failed")

// Instance is a transient view of one EC2 instance.
type Instance struct {
	ID        string
	Name      string
	State     State
	PrivateIP string
	KeyName   string
}

// Provider is the cloud control surface used by the locator and power controller.
// Keep it small so tests can substitute an in-memory implementation.
type Provider interface {
	// FindByNameTag returns instances whose Name tag equals tag and whose
	// state is running or stopped, across all result pages.
	FindByNameTag(ctx context.Context, tag string) ([]Instance, error)

	// Describe returns the current view of a single instance.
	Describe(ctx context.Context, id string) (Instance, error)

	Start(ctx context.Context, id string) error
	WaitUntilRunning(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	WaitUntilStopped(ctx context.Context, id string) error
}
