package vm

import (
	"errors"

	"github.com/duvisor/duvisor/internal/vcpu"
)

// ErrNoTrampoline is returned by UnimplementedRunner, standing in for the
// real HU-mode world-switch trampoline: hand-written RISC-V assembly that
// saves/restores Context at the fixed byte offsets vcpu.Context publishes,
// issues the hardware instruction that enters the guest, and returns
// control once a delegated trap fires. No assembly exists anywhere in this
// module on purpose — build-time assembly offset generation for that
// trampoline is an explicit out-of-scope concern (spec.md §1), so it is an
// external collaborator this package calls through vcpu.GuestRunner rather
// than reimplements.
var ErrNoTrampoline = errors.New("vm: no world-switch trampoline wired; vcpu.GuestRunner must be supplied by the platform build")

// UnimplementedRunner satisfies vcpu.GuestRunner for configurations that
// never actually enter a guest (unit tests, tooling that only exercises
// the device models). A real deployment replaces this with a
// platform-specific implementation backed by the trampoline.
type UnimplementedRunner struct{}

// EnterGuest always fails; see ErrNoTrampoline.
func (UnimplementedRunner) EnterGuest(ctx *vcpu.Context) error { return ErrNoTrampoline }

var _ vcpu.GuestRunner = UnimplementedRunner{}
