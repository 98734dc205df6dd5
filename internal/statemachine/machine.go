package statemachine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/domain"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/repository"
)

// ErrNoTransition marks a (state, event) pair with no edge. It is wrapped
// in a NO_TRANSITION AppError.
var ErrNoTransition = errors.New("no transition")

// Store is the persistence the machine needs.
type Store interface {
	UpdateState(ctx context.Context, change repository.StateChange) (bool, error)
}

// Listener observes committed transitions.
type Listener interface {
	PostStateTransition(ctx context.Context, vm *domain.VM, from domain.State, event domain.Event)
}

// Machine applies transitions.
type Machine struct {
	store     Store
	listeners []Listener
	now       func() time.Time
}

// New creates a Machine.
func New(store Store, listeners ...Listener) *Machine {
	return &Machine{store: store, listeners: listeners, now: time.Now}
}

// Transition moves vm along the edge for event, setting the host according
// to hostID. On success vm is updated in place.
//
// It returns (false, err) with err wrapping ErrNoTransition when the table
// has no edge, and (false, nil) when another writer changed the record
// first. Callers treat the latter as a lost race.
func (m *Machine) Transition(ctx context.Context, vm *domain.VM, event domain.Event, hostID *int64) (bool, error) {
	from := vm.State
	next, ok := NextState(from, event)
	if !ok {
		return false, apperrors.NoTransition(string(from), string(event)).
			WithParam(apperrors.ParamVMUUID, vm.UUID).
			WithCause(ErrNoTransition)
	}

	host, last := hostChange(vm, event, next, hostID)
	if next == from && domain.SameID(host, vm.HostID) && domain.SameID(last, vm.LastHostID) {
		return true, nil
	}

	now := m.now()
	won, err := m.store.UpdateState(ctx, repository.StateChange{
		VMID:       vm.ID,
		FromState:  from,
		FromHostID: vm.HostID,
		ToState:    next,
		HostID:     host,
		LastHostID: last,
		At:         now,
	})
	if err != nil {
		return false, err
	}
	if !won {
		logger.Debug("State transition lost compare-and-set",
			zap.Int64("vm_id", vm.ID),
			zap.String("from", string(from)),
			zap.String("event", string(event)),
		)
		return false, nil
	}

	vm.State = next
	vm.HostID = host
	vm.LastHostID = last
	vm.UpdatedAt = now

	logger.Debug("State transition",
		zap.Int64("vm_id", vm.ID),
		zap.String("from", string(from)),
		zap.String("event", string(event)),
		zap.String("to", string(next)),
		zap.Int64("host_id", vm.HostIDValue()),
	)

	for _, l := range m.listeners {
		l.PostStateTransition(ctx, vm, from, event)
	}
	return true, nil
}

// IsNoTransition reports whether err came from a missing table edge.
func IsNoTransition(err error) bool {
	return errors.Is(err, ErrNoTransition)
}
