// Package vm defines the records the simulated host keeps for its VMs and
// hosts, and the role classification derived from a VM's name.
package vm

import (
	"fmt"
	"strings"
)

// RunState is the run state the simulator assigns to a VM.
type RunState int

const (
	// StateStopped is the state of a VM after a stop command.
	StateStopped RunState = iota
	// StateRunning is the state of a VM after a start or reboot command.
	StateRunning
)

func (s RunState) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateRunning:
		return "Running"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText encodes the state by name so persisted records stay readable.
func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *RunState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Stopped":
		*s = StateStopped
	case "Running":
		*s = StateRunning
	default:
		return fmt.Errorf("unknown run state %q", string(b))
	}
	return nil
}

// Kind is the infrastructure role of a VM. It is fixed by the name prefix
// and never changes for the lifetime of a record.
type Kind int

const (
	KindUnknown Kind = iota
	KindSecondaryStorage
	KindConsoleProxy
	KindDomainRouter
	KindUser
)

var kindPrefixes = []struct {
	prefix string
	kind   Kind
}{
	{"s-", KindSecondaryStorage},
	{"v-", KindConsoleProxy},
	{"r-", KindDomainRouter},
	{"i-", KindUser},
}

// KindFromName classifies a VM by its name prefix.
func KindFromName(name string) Kind {
	for _, p := range kindPrefixes {
		if strings.HasPrefix(name, p.prefix) {
			return p.kind
		}
	}
	return KindUnknown
}

func (k Kind) String() string {
	switch k {
	case KindSecondaryStorage:
		return "SecondaryStorageVm"
	case KindConsoleProxy:
		return "ConsoleProxy"
	case KindDomainRouter:
		return "DomainRouter"
	case KindUser:
		return "User"
	default:
		return ""
	}
}

// IsSystemVM reports whether the kind is an infrastructure VM.
func (k Kind) IsSystemVM() bool {
	return k == KindSecondaryStorage || k == KindConsoleProxy || k == KindDomainRouter
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name; an empty name is KindUnknown.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "SecondaryStorageVm":
		*k = KindSecondaryStorage
	case "ConsoleProxy":
		*k = KindConsoleProxy
	case "DomainRouter":
		*k = KindDomainRouter
	case "User":
		*k = KindUser
	case "":
		*k = KindUnknown
	default:
		return fmt.Errorf("unknown vm kind %q", string(b))
	}
	return nil
}

// NoConsolePort is the console port of a VM that holds none. Running VMs
// always hold a port; stopped VMs give theirs back.
const NoConsolePort = -1

// Record is the persisted state of one simulated VM.
type Record struct {
	ID          uint64   `json:"id"`
	Name        string   `json:"name"`
	Kind        Kind     `json:"kind"`
	State       RunState `json:"state"`
	CPUHz       int64    `json:"cpu_hz"`
	MemoryBytes int64    `json:"memory_bytes"`
	ConsolePort int      `json:"console_port"`
	HostID      uint64   `json:"host_id"`
}

// Host is a simulated hypervisor host. The lifecycle code only reads hosts.
type Host struct {
	ID   uint64 `json:"id"`
	GUID string `json:"guid"`
	Name string `json:"name,omitempty"`
}

// TrafficType identifies what a NIC carries.
type TrafficType string

const (
	TrafficGuest      TrafficType = "Guest"
	TrafficManagement TrafficType = "Management"
	TrafficPublic     TrafficType = "Public"
	TrafficControl    TrafficType = "Control"
	TrafficStorage    TrafficType = "Storage"
)

// NIC describes one network interface of a VM being started.
type NIC struct {
	Type    TrafficType `json:"type"`
	IP      string      `json:"ip,omitempty"`
	MAC     string      `json:"mac,omitempty"`
	Netmask string      `json:"netmask,omitempty"`
}

// ManagementNIC returns the last NIC carrying management traffic, or nil.
func ManagementNIC(nics []NIC) *NIC {
	var found *NIC
	for i := range nics {
		if nics[i].Type == TrafficManagement {
			found = &nics[i]
		}
	}
	return found
}
