// Package agent is the command/answer surface of the simulated host. Each
// method takes one command and returns one answer. Expected failures such
// as a missing VM are encoded in the answer; a returned error means the
// operation was aborted by a store failure.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/simhost/internal/lifecycle"
	"github.com/spin-stack/simhost/internal/router"
	"github.com/spin-stack/simhost/internal/secgroup"
	"github.com/spin-stack/simhost/internal/vm"
)

// Answer is the generic command result.
type Answer struct {
	Result  bool   `json:"result"`
	Details string `json:"details,omitempty"`
}

// VMSpec describes the VM of a start command.
type VMSpec struct {
	Name     string   `json:"name"`
	CPUs     int64    `json:"cpus"`
	Speed    int64    `json:"speed"`
	MaxRAM   int64    `json:"max_ram"`
	BootArgs string   `json:"boot_args,omitempty"`
	NICs     []vm.NIC `json:"nics,omitempty"`
}

// StartCommand starts a VM on a host.
type StartCommand struct {
	VM VMSpec `json:"vm"`
}

// MigrateCommand moves a VM to another host.
type MigrateCommand struct {
	VMName       string `json:"vm_name"`
	DestHostGUID string `json:"dest_host_guid"`
}

// VMStateAnswer answers a VM state check.
type VMStateAnswer struct {
	Answer
	State       vm.RunState `json:"state"`
	ConsolePort int         `json:"console_port"`
}

// SecurityGroupRuleAnswer answers a rule update.
type SecurityGroupRuleAnswer struct {
	Answer
	Applied       bool   `json:"applied"`
	Reason        string `json:"reason,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// RouterAnswer answers a router status query or priority bump.
type RouterAnswer struct {
	Answer
	State router.RedundantState `json:"state,omitempty"`
}

// HostFinder resolves host GUIDs.
type HostFinder interface {
	FindHostByGUID(ctx context.Context, guid string) (*vm.Host, error)
}

// Agent dispatches commands to the lifecycle manager, the rule reconciler
// and the router stub. It also tracks which hosts are administratively
// disabled.
type Agent struct {
	vms   *lifecycle.Manager
	rules *secgroup.Reconciler
	hosts HostFinder

	mu       sync.RWMutex
	disabled map[string]bool
}

// Option configures an Agent.
type Option func(*Agent)

// WithDisabledHosts marks hosts as disabled at construction.
func WithDisabledHosts(guids ...string) Option {
	return func(a *Agent) {
		for _, g := range guids {
			a.disabled[g] = true
		}
	}
}

// New creates an agent.
func New(vms *lifecycle.Manager, rules *secgroup.Reconciler, hosts HostFinder, opts ...Option) *Agent {
	a := &Agent{
		vms:      vms,
		rules:    rules,
		hosts:    hosts,
		disabled: make(map[string]bool),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// answer converts a lifecycle result into an Answer. Only store failures
// are returned as errors.
func answer(err error) (Answer, error) {
	if err == nil {
		return Answer{Result: true}, nil
	}
	if f, ok := lifecycle.IsFailure(err); ok {
		return Answer{Details: f.Reason}, nil
	}
	return Answer{}, err
}

// Start handles a start command for hostGUID. The CPU clock of the VM is
// its CPU count times the per-CPU speed.
func (a *Agent) Start(ctx context.Context, hostGUID string, cmd StartCommand) (Answer, error) {
	return answer(a.vms.Start(ctx, lifecycle.StartSpec{
		Name:        cmd.VM.Name,
		NICs:        cmd.VM.NICs,
		CPUHz:       cmd.VM.CPUs * cmd.VM.Speed,
		MemoryBytes: cmd.VM.MaxRAM,
		BootArgs:    cmd.VM.BootArgs,
		HostGUID:    hostGUID,
	}))
}

// Stop handles a stop command.
func (a *Agent) Stop(ctx context.Context, name string) (Answer, error) {
	return answer(a.vms.Stop(ctx, name))
}

// Reboot handles a reboot command.
func (a *Agent) Reboot(ctx context.Context, name string) (Answer, error) {
	ans, err := answer(a.vms.Reboot(ctx, name))
	if err == nil && ans.Result {
		ans.Details = "Rebooted " + name
	}
	return ans, err
}

// Migrate handles a migrate command received by the source host.
func (a *Agent) Migrate(ctx context.Context, srcHostGUID string, cmd MigrateCommand) (Answer, error) {
	return answer(a.vms.Migrate(ctx, cmd.VMName, srcHostGUID, cmd.DestHostGUID))
}

// ListVMs returns the VMs placed on hostGUID.
func (a *Agent) ListVMs(ctx context.Context, hostGUID string) (map[string]vm.Record, error) {
	return a.vms.GetVMs(ctx, hostGUID)
}

// ListVMStates returns the run states of the VMs placed on hostGUID.
func (a *Agent) ListVMStates(ctx context.Context, hostGUID string) (map[string]vm.RunState, error) {
	return a.vms.GetVMStates(ctx, hostGUID)
}

// CheckVMState returns the state and console port of a VM.
func (a *Agent) CheckVMState(ctx context.Context, name string) (VMStateAnswer, error) {
	rec, err := a.vms.CheckVMState(ctx, name)
	if err != nil {
		ans, err := answer(err)
		return VMStateAnswer{Answer: ans}, err
	}
	return VMStateAnswer{
		Answer:      Answer{Result: true},
		State:       rec.State,
		ConsolePort: rec.ConsolePort,
	}, nil
}

// ApplySecurityRules reconciles a rule update for hostGUID.
func (a *Agent) ApplySecurityRules(ctx context.Context, hostGUID string, cmd secgroup.Command) SecurityGroupRuleAnswer {
	res := a.rules.Apply(ctx, hostGUID, cmd, a.Enabled(hostGUID))
	ans := SecurityGroupRuleAnswer{
		Answer:        Answer{Result: res.Accepted},
		Applied:       res.Applied,
		Reason:        res.Reason,
		FailureReason: res.FailureReason,
	}
	if !res.Accepted {
		ans.Details = res.Reason
	}
	return ans
}

// SyncSecurityGroups returns the committed rule versions of hostGUID.
func (a *Agent) SyncSecurityGroups(hostGUID string) map[string]secgroup.Entry {
	return a.rules.Sync(hostGUID)
}

// CleanupRules drops rule entries of VMs no longer placed on hostGUID.
func (a *Agent) CleanupRules(ctx context.Context, hostGUID string) (Answer, error) {
	if _, err := a.rules.Cleanup(ctx, hostGUID, a.vms); err != nil {
		return Answer{}, fmt.Errorf("unable to clean up rules: %w", err)
	}
	return Answer{Result: true}, nil
}

// Enabled reports whether hostGUID accepts rule commands.
func (a *Agent) Enabled(hostGUID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return !a.disabled[hostGUID]
}

// SetEnabled enables or disables a known host.
func (a *Agent) SetEnabled(ctx context.Context, hostGUID string, enabled bool) (Answer, error) {
	if _, err := a.hosts.FindHostByGUID(ctx, hostGUID); err != nil {
		if errdefs.IsNotFound(err) {
			return Answer{Details: "can't find host:" + hostGUID}, nil
		}
		return Answer{}, err
	}

	a.mu.Lock()
	if enabled {
		delete(a.disabled, hostGUID)
	} else {
		a.disabled[hostGUID] = true
	}
	a.mu.Unlock()

	log.G(ctx).WithField("host", hostGUID).WithField("enabled", enabled).Info("host agent state changed")
	return Answer{Result: true}, nil
}

// CheckRouter reports the redundant state of a router.
func (a *Agent) CheckRouter(ctx context.Context, name string) RouterAnswer {
	st, err := router.Check(name)
	if err != nil {
		log.G(ctx).WithError(err).Debug("router check rejected")
		return RouterAnswer{Answer: Answer{Details: err.Error()}}
	}
	return RouterAnswer{Answer: Answer{Result: true, Details: st.Details}, State: st.State}
}

// BumpPriority bumps the priority of a router.
func (a *Agent) BumpPriority(ctx context.Context, name string) RouterAnswer {
	st, err := router.BumpPriority(name)
	if err != nil {
		log.G(ctx).WithError(err).Debug("router priority bump rejected")
		return RouterAnswer{Answer: Answer{Details: err.Error()}}
	}
	return RouterAnswer{Answer: Answer{Result: true, Details: st.Details}, State: st.State}
}
