// Package records is the durable store for simulated VM and host records.
// Every mutation is a single bbolt transaction: it is either fully visible
// or rolled back.
package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/spin-stack/simhost/internal/boltstore"
	"github.com/spin-stack/simhost/internal/vm"
)

const (
	vmBucket   = "vms"
	hostBucket = "hosts"
)

// Store is the record store consumed by the lifecycle manager.
type Store interface {
	FindHostByGUID(ctx context.Context, guid string) (*vm.Host, error)
	PersistHost(ctx context.Context, host *vm.Host) (*vm.Host, error)
	ListHosts(ctx context.Context) ([]vm.Host, error)

	FindVMByName(ctx context.Context, name string) (*vm.Record, error)
	FindVMByNameAndHost(ctx context.Context, name, hostGUID string) (*vm.Record, error)
	FindVMsByHost(ctx context.Context, hostGUID string) ([]vm.Record, error)
	PersistVM(ctx context.Context, rec *vm.Record) (*vm.Record, error)
	UpdateVM(ctx context.Context, name string, fn func(*vm.Record) error) (*vm.Record, error)
}

// Records implements Store on top of two typed key-value stores.
type Records struct {
	vms   boltstore.Store[vm.Record]
	hosts boltstore.Store[vm.Host]
}

var _ Store = (*Records)(nil)

// New creates a record store from existing key-value stores.
func New(vms boltstore.Store[vm.Record], hosts boltstore.Store[vm.Host]) *Records {
	return &Records{vms: vms, hosts: hosts}
}

// Open opens the bolt-backed record store in the database at dbPath.
func Open(dbPath string) (*Records, error) {
	vms, err := boltstore.NewBoltStore[vm.Record](dbPath, vmBucket)
	if err != nil {
		return nil, fmt.Errorf("open vm store: %w", err)
	}
	hosts, err := boltstore.NewBoltStore[vm.Host](dbPath, hostBucket)
	if err != nil {
		_ = vms.Close()
		return nil, fmt.Errorf("open host store: %w", err)
	}
	return New(vms, hosts), nil
}

// Close releases both underlying stores.
func (r *Records) Close() error {
	return errors.Join(r.vms.Close(), r.hosts.Close())
}

// FindHostByGUID returns the host with the given GUID or an errdefs not-found error.
func (r *Records) FindHostByGUID(ctx context.Context, guid string) (*vm.Host, error) {
	h, err := r.hosts.Get(ctx, guid)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("host %s: %w", guid, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("find host %s: %w", guid, err)
	}
	return h, nil
}

// PersistHost stores a host, assigning it an ID. Persisting a GUID that is
// already known returns the existing record unchanged.
func (r *Records) PersistHost(ctx context.Context, host *vm.Host) (*vm.Host, error) {
	if host.GUID == "" {
		return nil, fmt.Errorf("host guid is required: %w", errdefs.ErrInvalidArgument)
	}
	if existing, err := r.hosts.Get(ctx, host.GUID); err == nil {
		return existing, nil
	} else if !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("find host %s: %w", host.GUID, err)
	}

	id, err := r.hosts.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate host id: %w", err)
	}
	return r.hosts.Update(ctx, host.GUID, func(cur *vm.Host) (*vm.Host, error) {
		if cur != nil {
			return cur, nil
		}
		h := *host
		h.ID = id
		return &h, nil
	})
}

// ListHosts returns every known host ordered by GUID.
func (r *Records) ListHosts(ctx context.Context) ([]vm.Host, error) {
	var hosts []vm.Host
	err := r.hosts.Scan(ctx, "", func(_ string, h *vm.Host) error {
		hosts = append(hosts, *h)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	return hosts, nil
}

// FindVMByName returns the VM with the given name or an errdefs not-found error.
func (r *Records) FindVMByName(ctx context.Context, name string) (*vm.Record, error) {
	rec, err := r.vms.Get(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("vm %s: %w", name, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("find vm %s: %w", name, err)
	}
	return rec, nil
}

// FindVMByNameAndHost returns the VM only if it is currently placed on hostGUID.
func (r *Records) FindVMByNameAndHost(ctx context.Context, name, hostGUID string) (*vm.Record, error) {
	host, err := r.FindHostByGUID(ctx, hostGUID)
	if err != nil {
		return nil, err
	}
	rec, err := r.FindVMByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec.HostID != host.ID {
		return nil, fmt.Errorf("vm %s on host %s: %w", name, hostGUID, errdefs.ErrNotFound)
	}
	return rec, nil
}

// FindVMsByHost returns the VMs placed on hostGUID. An unknown host has no VMs.
func (r *Records) FindVMsByHost(ctx context.Context, hostGUID string) ([]vm.Record, error) {
	host, err := r.FindHostByGUID(ctx, hostGUID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []vm.Record
	err = r.vms.Scan(ctx, "", func(_ string, rec *vm.Record) error {
		if rec.HostID == host.ID {
			out = append(out, *rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list vms of host %s: %w", hostGUID, err)
	}
	return out, nil
}

// PersistVM stores a new VM record and assigns its ID. A record with the
// same name must not exist.
func (r *Records) PersistVM(ctx context.Context, rec *vm.Record) (*vm.Record, error) {
	id, err := r.vms.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate vm id: %w", err)
	}
	return r.vms.Update(ctx, rec.Name, func(cur *vm.Record) (*vm.Record, error) {
		if cur != nil {
			return nil, fmt.Errorf("vm %s: %w", rec.Name, errdefs.ErrAlreadyExists)
		}
		out := *rec
		out.ID = id
		return &out, nil
	})
}

// UpdateVM applies fn to the stored record inside one transaction. If fn
// returns an error nothing is written.
func (r *Records) UpdateVM(ctx context.Context, name string, fn func(*vm.Record) error) (*vm.Record, error) {
	return r.vms.Update(ctx, name, func(cur *vm.Record) (*vm.Record, error) {
		if cur == nil {
			return nil, fmt.Errorf("vm %s: %w", name, errdefs.ErrNotFound)
		}
		if err := fn(cur); err != nil {
			return nil, err
		}
		return cur, nil
	})
}
