// Package lifecycle implements the simulated VM lifecycle: start, stop,
// reboot and migrate commands applied to persisted VM records.
//
// A VM is either absent (no record), Running or Stopped. Commands for the
// same VM name are serialized; commands for different VMs run in parallel.
// Every mutation is written to the record store before the command reports
// success.
package lifecycle

import (
	"context"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/moby/locker"

	"github.com/spin-stack/simhost/internal/bootargs"
	"github.com/spin-stack/simhost/internal/hooks"
	"github.com/spin-stack/simhost/internal/metrics"
	"github.com/spin-stack/simhost/internal/records"
	"github.com/spin-stack/simhost/internal/vm"
)

// PortAllocator hands out console ports.
type PortAllocator interface {
	Allocate(ctx context.Context, owner string) (int, error)
	Release(ctx context.Context, port int) error
	Prune(ctx context.Context, keep func(ctx context.Context, port int, owner string) (bool, error)) ([]int, error)
}

// StartSpec describes a VM to start.
type StartSpec struct {
	Name        string
	NICs        []vm.NIC
	CPUHz       int64
	MemoryBytes int64
	BootArgs    string
	HostGUID    string
}

// Manager applies lifecycle commands to the record store.
type Manager struct {
	store    records.Store
	ports    PortAllocator
	notifier hooks.Notifier
	metrics  metrics.Provider
	locks    *locker.Locker
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier sets the receiver of system VM notifications.
func WithNotifier(n hooks.Notifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

// WithMetrics sets the metrics provider.
func WithMetrics(p metrics.Provider) Option {
	return func(m *Manager) {
		m.metrics = p
	}
}

// NewManager creates a lifecycle manager.
func NewManager(store records.Store, ports PortAllocator, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		ports:    ports,
		notifier: hooks.LogNotifier{},
		metrics:  metrics.NoopProvider{},
		locks:    locker.New(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) lock(name string) func() {
	m.locks.Lock(name)
	return func() {
		_ = m.locks.Unlock(name)
	}
}

func (m *Manager) observe(op Op, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		if _, ok := IsFailure(err); ok {
			outcome = "failure"
		}
	}
	m.metrics.IncrementVMOperation(string(op), outcome)
	m.metrics.ObserveVMOperationDuration(string(op), time.Since(start))
}

// Start creates the VM as Running if it does not exist, or moves a Stopped
// VM to Running. Starting a Running VM changes nothing. Once the VM is
// Running, a secondary storage VM triggers the system VM start hook.
func (m *Manager) Start(ctx context.Context, spec StartSpec) (err error) {
	defer func(start time.Time) { m.observe(OpStart, start, err) }(time.Now())
	defer m.lock(spec.Name)()

	ctx = log.WithLogger(ctx, log.G(ctx).WithField("vm", spec.Name))

	host, err := m.store.FindHostByGUID(ctx, spec.HostGUID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return notFound("can't find host")
		}
		return opError(OpStart, spec.Name, err)
	}

	rec, err := m.store.FindVMByName(ctx, spec.Name)
	switch {
	case errdefs.IsNotFound(err):
		rec, err = m.create(ctx, spec, host)
		if err != nil {
			return err
		}
	case err != nil:
		return opError(OpStart, spec.Name, err)
	case rec.State == vm.StateStopped:
		rec, err = m.resume(ctx, OpStart, rec)
		if err != nil {
			return err
		}
	default:
		log.G(ctx).Debug("vm already running")
	}

	if rec.State == vm.StateRunning && vm.KindFromName(spec.Name) == vm.KindSecondaryStorage {
		m.notifier.OnSystemVMStart(ctx, systemVMStart(rec.ID, spec))
	}
	return nil
}

func (m *Manager) create(ctx context.Context, spec StartSpec, host *vm.Host) (*vm.Record, error) {
	port, err := m.allocatePort(ctx, OpStart, spec.Name)
	if err != nil {
		return nil, err
	}

	rec, err := m.store.PersistVM(ctx, &vm.Record{
		Name:        spec.Name,
		Kind:        vm.KindFromName(spec.Name),
		State:       vm.StateRunning,
		CPUHz:       spec.CPUHz,
		MemoryBytes: spec.MemoryBytes,
		ConsolePort: port,
		HostID:      host.ID,
	})
	if err != nil {
		m.releasePort(ctx, port)
		return nil, opError(OpStart, spec.Name, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"id":           rec.ID,
		"kind":         rec.Kind,
		"system":       rec.Kind.IsSystemVM(),
		"host":         host.GUID,
		"console_port": port,
	}).Info("vm created")
	return rec, nil
}

func (m *Manager) allocatePort(ctx context.Context, op Op, name string) (int, error) {
	port, err := m.ports.Allocate(ctx, name)
	if err != nil {
		if errdefs.IsResourceExhausted(err) {
			return vm.NoConsolePort, &Failure{Reason: "Unable to allocate VNC port", Err: err}
		}
		return vm.NoConsolePort, opError(op, name, err)
	}
	if port < 0 {
		return vm.NoConsolePort, &Failure{Reason: "Unable to allocate VNC port", Err: errdefs.ErrResourceExhausted}
	}
	return port, nil
}

func (m *Manager) releasePort(ctx context.Context, port int) {
	if port < 0 {
		return
	}
	if err := m.ports.Release(ctx, port); err != nil {
		log.G(ctx).WithError(err).WithField("port", port).Warn("failed to release console port")
	}
}

// resume moves a stored VM to Running. A VM without a console port gets a
// new one, written in the same update as the state change.
func (m *Manager) resume(ctx context.Context, op Op, cur *vm.Record) (*vm.Record, error) {
	port, fresh := cur.ConsolePort, false
	if port < 0 {
		p, err := m.allocatePort(ctx, op, cur.Name)
		if err != nil {
			return nil, err
		}
		port, fresh = p, true
	}

	var from vm.RunState
	rec, err := m.store.UpdateVM(ctx, cur.Name, func(r *vm.Record) error {
		from = r.State
		r.State = vm.StateRunning
		r.ConsolePort = port
		return nil
	})
	if err != nil {
		if fresh {
			m.releasePort(ctx, port)
		}
		return nil, opError(op, cur.Name, err)
	}
	log.G(ctx).WithFields(log.Fields{
		"from":         from,
		"to":           vm.StateRunning,
		"console_port": port,
	}).Debug("vm state transition")
	return rec, nil
}

func systemVMStart(id uint64, spec StartSpec) hooks.SystemVMStart {
	opts := bootargs.Parse(spec.BootArgs)
	ev := hooks.SystemVMStart{
		ID:     id,
		ZoneID: opts.ZoneID,
		PodID:  opts.PodID,
		Name:   opts.Name,
		Type:   opts.Type,
		URL:    opts.URL,
	}
	if nic := vm.ManagementNIC(spec.NICs); nic != nil {
		ev.IP = nic.IP
		ev.MAC = nic.MAC
		ev.Netmask = nic.Netmask
	}
	return ev
}

// Stop moves the VM to Stopped and gives its console port back. Stopping an
// unknown VM succeeds without side effects; the system VM stop hook only
// fires for a stored record.
func (m *Manager) Stop(ctx context.Context, name string) (err error) {
	defer func(start time.Time) { m.observe(OpStop, start, err) }(time.Now())
	defer m.lock(name)()

	ctx = log.WithLogger(ctx, log.G(ctx).WithField("vm", name))

	var (
		from vm.RunState
		port = vm.NoConsolePort
	)
	rec, err := m.store.UpdateVM(ctx, name, func(cur *vm.Record) error {
		from, port = cur.State, cur.ConsolePort
		cur.State = vm.StateStopped
		cur.ConsolePort = vm.NoConsolePort
		return nil
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			log.G(ctx).Debug("stop of unknown vm ignored")
			return nil
		}
		return opError(OpStop, name, err)
	}
	log.G(ctx).WithField("from", from).WithField("to", vm.StateStopped).Debug("vm state transition")
	m.releasePort(ctx, port)

	if rec.Kind == vm.KindSecondaryStorage {
		m.notifier.OnSystemVMStop(ctx, rec.ID)
	}
	return nil
}

// Reboot forces the VM to Running, assigning a console port if it was
// stopped. Rebooting an unknown VM succeeds.
func (m *Manager) Reboot(ctx context.Context, name string) (err error) {
	defer func(start time.Time) { m.observe(OpReboot, start, err) }(time.Now())
	defer m.lock(name)()

	ctx = log.WithLogger(ctx, log.G(ctx).WithField("vm", name))

	rec, err := m.store.FindVMByName(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			log.G(ctx).Debug("reboot of unknown vm ignored")
			return nil
		}
		return opError(OpReboot, name, err)
	}
	_, err = m.resume(ctx, OpReboot, rec)
	return err
}

// Migrate moves the VM from srcHostGUID to destHostGUID. The VM must
// currently be placed on srcHostGUID.
func (m *Manager) Migrate(ctx context.Context, name, srcHostGUID, destHostGUID string) (err error) {
	defer func(start time.Time) { m.observe(OpMigrate, start, err) }(time.Now())
	defer m.lock(name)()

	ctx = log.WithLogger(ctx, log.G(ctx).WithField("vm", name))

	rec, err := m.store.FindVMByNameAndHost(ctx, name, srcHostGUID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return notFound("can't find vm:%s on host:%s", name, srcHostGUID)
		}
		return opError(OpMigrate, name, err)
	}

	dest, err := m.store.FindHostByGUID(ctx, destHostGUID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return notFound("can't find host:%s", destHostGUID)
		}
		return opError(OpMigrate, name, err)
	}

	srcID := rec.HostID
	_, err = m.store.UpdateVM(ctx, name, func(cur *vm.Record) error {
		if cur.HostID != srcID {
			return notFound("can't find vm:%s on host:%s", name, srcHostGUID)
		}
		cur.HostID = dest.ID
		return nil
	})
	if err != nil {
		if f, ok := IsFailure(err); ok {
			return f
		}
		return opError(OpMigrate, name, err)
	}

	log.G(ctx).WithField("from", srcHostGUID).WithField("to", destHostGUID).Info("vm migrated")
	return nil
}

// GetVMs returns the VMs placed on hostGUID keyed by name.
func (m *Manager) GetVMs(ctx context.Context, hostGUID string) (map[string]vm.Record, error) {
	recs, err := m.store.FindVMsByHost(ctx, hostGUID)
	if err != nil {
		return nil, opError(OpQuery, "*", err)
	}
	out := make(map[string]vm.Record, len(recs))
	for _, r := range recs {
		out[r.Name] = r
	}
	return out, nil
}

// GetVMStates returns the run state of every VM placed on hostGUID.
func (m *Manager) GetVMStates(ctx context.Context, hostGUID string) (map[string]vm.RunState, error) {
	recs, err := m.store.FindVMsByHost(ctx, hostGUID)
	if err != nil {
		return nil, opError(OpQuery, "*", err)
	}
	out := make(map[string]vm.RunState, len(recs))
	for _, r := range recs {
		out[r.Name] = r.State
	}
	return out, nil
}

// CheckVMState returns the stored record of name.
func (m *Manager) CheckVMState(ctx context.Context, name string) (*vm.Record, error) {
	rec, err := m.store.FindVMByName(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, notFound("can't find vm:%s", name)
		}
		return nil, opError(OpQuery, name, err)
	}
	return rec, nil
}

// PlacedOn reports whether name is currently placed on hostGUID.
func (m *Manager) PlacedOn(ctx context.Context, name, hostGUID string) (bool, error) {
	_, err := m.store.FindVMByNameAndHost(ctx, name, hostGUID)
	switch {
	case err == nil:
		return true, nil
	case errdefs.IsNotFound(err):
		return false, nil
	default:
		return false, opError(OpQuery, name, err)
	}
}

// ReleaseOrphanPorts gives back console ports whose owner has no record or
// whose record no longer holds the port. Such allocations are left behind
// when the process dies between allocating a port and persisting the VM.
func (m *Manager) ReleaseOrphanPorts(ctx context.Context) ([]int, error) {
	return m.ports.Prune(ctx, func(ctx context.Context, port int, owner string) (bool, error) {
		defer m.lock(owner)()

		rec, err := m.store.FindVMByName(ctx, owner)
		switch {
		case errdefs.IsNotFound(err):
			return false, nil
		case err != nil:
			return false, opError(OpQuery, owner, err)
		}
		return rec.ConsolePort == port, nil
	})
}
