// Package hooks carries system VM start/stop notifications out of the
// lifecycle manager.
package hooks

import (
	"context"
	"sync"

	"github.com/containerd/log"
)

// SystemVMStart is sent after a secondary storage VM reaches Running.
// Network fields are empty when the VM had no management NIC.
type SystemVMStart struct {
	ID      uint64
	IP      string
	MAC     string
	Netmask string
	ZoneID  int64
	PodID   int64
	Name    string
	Type    string
	URL     string
}

// Notifier receives system VM notifications. Implementations must be fast
// and must not call back into the lifecycle manager.
type Notifier interface {
	OnSystemVMStart(ctx context.Context, ev SystemVMStart)
	OnSystemVMStop(ctx context.Context, id uint64)
}

// LogNotifier logs every notification.
type LogNotifier struct{}

func (LogNotifier) OnSystemVMStart(ctx context.Context, ev SystemVMStart) {
	log.G(ctx).WithFields(log.Fields{
		"id":      ev.ID,
		"ip":      ev.IP,
		"mac":     ev.MAC,
		"netmask": ev.Netmask,
		"zone":    ev.ZoneID,
		"pod":     ev.PodID,
		"name":    ev.Name,
		"type":    ev.Type,
		"url":     ev.URL,
	}).Info("system vm started")
}

func (LogNotifier) OnSystemVMStop(ctx context.Context, id uint64) {
	log.G(ctx).WithField("id", id).Info("system vm stopped")
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu     sync.Mutex
	starts []SystemVMStart
	stops  []uint64
}

func (r *Recorder) OnSystemVMStart(_ context.Context, ev SystemVMStart) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, ev)
}

func (r *Recorder) OnSystemVMStop(_ context.Context, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, id)
}

// Starts returns a copy of the recorded start notifications.
func (r *Recorder) Starts() []SystemVMStart {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SystemVMStart(nil), r.starts...)
}

// Stops returns a copy of the recorded stop notifications.
func (r *Recorder) Stops() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.stops...)
}

var (
	_ Notifier = LogNotifier{}
	_ Notifier = (*Recorder)(nil)
)
