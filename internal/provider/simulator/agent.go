package simulator

import (
	"context"
	"fmt"

	"vmconductor.io/conductor/internal/domain"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/provider"
)

// Agent simulates host agents.
type Agent struct{ s *Simulator }

// Send implements provider.AgentManager.
func (a *Agent) Send(_ context.Context, hostID int64, cmd provider.Command) (*provider.Answer, error) {
	if err := a.s.enter("agent." + cmd.CommandName()); err != nil {
		return nil, err
	}

	a.s.mu.Lock()
	intercept := a.s.intercept
	down := a.s.down.Has(hostID)
	a.s.mu.Unlock()

	if intercept != nil {
		if ans, err, handled := intercept(hostID, cmd); handled {
			return ans, err
		}
	}
	if down {
		return nil, apperrors.ResourceUnavailable(apperrors.ScopeHost, hostID,
			fmt.Sprintf("agent on host %d is unreachable", hostID))
	}

	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	on := a.s.instancesOn(hostID)

	switch c := cmd.(type) {
	case provider.StartCommand:
		on[c.InstanceName] = domain.PowerOn
		return &provider.Answer{
			Result:     true,
			PowerState: domain.PowerOn,
			Metadata: map[string]string{
				provider.DetailControlIP: fmt.Sprintf("169.254.%d.%d", byte(hostID), byte(c.VMID)),
			},
		}, nil
	case provider.StopCommand:
		delete(on, c.InstanceName)
		return &provider.Answer{Result: true, PowerState: domain.PowerOff}, nil
	case provider.RebootCommand:
		if on[c.InstanceName] != domain.PowerOn {
			return &provider.Answer{Result: false, Details: "instance is not running"}, nil
		}
		return &provider.Answer{Result: true, PowerState: domain.PowerOn}, nil
	case provider.PrepareForMigrationCommand:
		return &provider.Answer{Result: true}, nil
	case provider.MigrateCommand:
		return a.migrate(on, c.InstanceName, c.DestHostID)
	case provider.MigrateWithStorageCommand:
		return a.migrate(on, c.InstanceName, c.DestHostID)
	case provider.CheckVirtualMachineCommand:
		st, ok := on[c.InstanceName]
		if !ok {
			return &provider.Answer{Result: true, PowerState: domain.PowerOff}, nil
		}
		return &provider.Answer{Result: true, PowerState: st}, nil
	case provider.ScaleVMCommand, provider.PlugNicCommand, provider.UnplugNicCommand, provider.CleanupCommand:
		return &provider.Answer{Result: true}, nil
	default:
		return &provider.Answer{Result: false, NoRetry: true, Details: "unsupported command " + cmd.CommandName()}, nil
	}
}

// migrate moves an instance between host tables. Caller holds the lock.
func (a *Agent) migrate(src map[string]domain.PowerState, name string, destHostID int64) (*provider.Answer, error) {
	if _, ok := src[name]; !ok {
		return &provider.Answer{Result: false, Details: "instance not found on source"}, nil
	}
	delete(src, name)
	a.s.instancesOn(destHostID)[name] = domain.PowerOn
	return &provider.Answer{Result: true, PowerState: domain.PowerOn}, nil
}
