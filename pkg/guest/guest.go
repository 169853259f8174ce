// Package guest models one provisioned execution target. A guest wraps a
// connector with identity (name, role), a lifecycle state machine and the
// reboot bookkeeping the execute step relies on. Provision phases create
// guests; prepare, execute and finish only borrow them.
package guest

import (
	"context"
	"fmt"

	"github.com/mensylisir/testxm/pkg/connector"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/runner"
)

// State is a guest lifecycle state.
type State string

const (
	StateNotProvisioned State = "not-provisioned"
	StateProvisioning   State = "provisioning"
	StateReady          State = "ready"
	StateUnreachable    State = "unreachable"
	StateRemoved        State = "removed"
)

// validTransitions encodes the lifecycle: not-provisioned -> provisioning ->
// ready -> {unreachable | removed}. Unreachable guests may recover to ready.
var validTransitions = map[State][]State{
	StateNotProvisioned: {StateProvisioning},
	StateProvisioning:   {StateReady, StateNotProvisioned, StateRemoved},
	StateReady:          {StateUnreachable, StateRemoved},
	StateUnreachable:    {StateReady, StateRemoved},
	StateRemoved:        {},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Provision how values, shared by guest records and the provision phases.
const (
	HowLocal     = "local"
	HowConnect   = "connect"
	HowContainer = "container"
)

// Guest is one provisioned target. Implementations are not safe for
// concurrent use; the dispatcher serializes all work on one guest.
type Guest interface {
	Name() string
	Role() string
	// Hostname is the name the guest reports for itself, probed at connect
	// time. Falls back to the address until the guest is reachable.
	Hostname() string
	State() State
	// Facts is nil until Connect succeeds.
	Facts() *runner.Facts
	// RebootCount is the total number of completed reboots of this guest
	// during the run. The executor diffs it around each test to enforce
	// the per-test reboot budget and to fill TMT_REBOOT_COUNT.
	RebootCount() int

	Connect(ctx context.Context) error
	Execute(ctx context.Context, cmd string, opts *connector.ExecOptions) (stdout, stderr []byte, err error)
	Push(ctx context.Context, localPath, remotePath string) error
	Pull(ctx context.Context, remotePath, localPath string) error
	// Reboot restarts the guest and blocks until it is reachable again.
	// Soft asks the guest to reboot itself; hard power-cycles the backend.
	Reboot(ctx context.Context, hard bool) error
	Remove(ctx context.Context) error
	IsReady(ctx context.Context) bool

	// Record returns the serializable form written to guests.yaml so a
	// resumed run can rebuild this guest without re-provisioning.
	Record() Record
}

// ProvisionError means the backend failed to deliver a usable guest.
type ProvisionError struct {
	Guest string
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning guest %q failed: %v", e.Guest, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// UnreachableError means the guest stopped answering and reconnect attempts
// were exhausted. Phases targeting the guest fail; siblings continue.
type UnreachableError struct {
	Guest string
	Err   error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("guest %q is unreachable: %v", e.Guest, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// transition moves the state machine, rejecting illegal moves.
func (b *base) transition(to State) error {
	if b.state == to {
		return nil
	}
	if !CanTransition(b.state, to) {
		return fmt.Errorf("guest %q: illegal state transition %s -> %s", b.name, b.state, to)
	}
	logger.Get().Debugf("Guest %s: %s -> %s", b.name, b.state, to)
	b.state = to
	return nil
}
