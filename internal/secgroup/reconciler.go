// Package secgroup decides whether security-group rule updates must be
// reprogrammed on a simulated host.
//
// # Synchronization Model
//
// Each host owns one rule table: VM name mapped to the last committed
// Version. Tables live in a sync.Map keyed by host GUID and are created on
// first use. Every table carries its own mutex, so a decision for one host
// never waits on another host.
//
// Within a table the decision and the write happen under the same lock,
// which makes concurrent updates for the same host linearizable. Snapshots
// copy the table under the lock and never expose the live map.
//
// No firewall is touched. "Apply" only means the caller is told that the
// rule set carried new information.
package secgroup

import (
	"context"
	"sync"

	"github.com/containerd/log"

	"github.com/spin-stack/simhost/internal/metrics"
)

// Reason classifies one decision.
type Reason string

const (
	ReasonNew                 Reason = "seqno_new"
	ReasonIncreasedSigChanged Reason = "seqno_increased_sig_changed"
	ReasonIncreasedSigSame    Reason = "seqno_increased_sig_same"
	ReasonDecreased           Reason = "seqno_decreased"
	ReasonSameSigChanged      Reason = "seqno_same_sig_changed"
	ReasonSameSigSame         Reason = "seqno_same_sig_same"
)

// ReasonDisabled is reported when the host agent is administratively disabled.
const ReasonDisabled = "Disabled"

// FailureCannotBridgeFirewall is the failure reason of a disabled host.
const FailureCannotBridgeFirewall = "CANNOT_BRIDGE_FIREWALL"

// Rule is one ingress or egress rule. Its content is carried for logging only.
type Rule struct {
	Protocol  string   `json:"protocol"`
	StartPort int      `json:"start_port"`
	EndPort   int      `json:"end_port"`
	CIDRs     []string `json:"cidrs,omitempty"`
}

// Command is a rule-update notification for one VM.
type Command struct {
	VMName     string `json:"vm_name"`
	VMID       uint64 `json:"vm_id"`
	Signature  string `json:"signature"`
	SeqNum     int64  `json:"seq_num"`
	GuestIP    string `json:"guest_ip,omitempty"`
	Ingress    []Rule `json:"ingress,omitempty"`
	Egress     []Rule `json:"egress,omitempty"`
	TotalCIDRs int    `json:"total_cidrs"`
}

// Version is the committed rule version of one VM on one host.
type Version struct {
	Signature string
	VMID      uint64
	Seq       int64
}

// Entry is the exported view of a Version.
type Entry struct {
	VMID uint64 `json:"vm_id"`
	Seq  int64  `json:"seq"`
}

// Result is the outcome of Apply.
type Result struct {
	// Accepted is false only when the host is disabled.
	Accepted bool
	// Applied reports that the rule set must be (re)programmed.
	Applied bool
	// Stored reports that the table entry was written.
	Stored        bool
	Reason        string
	FailureReason string
}

// VMLocator reports VM placement. It is consulted by Cleanup.
type VMLocator interface {
	PlacedOn(ctx context.Context, name, hostGUID string) (bool, error)
}

type table struct {
	mu       sync.Mutex
	versions map[string]Version
}

// Reconciler holds the per-host rule tables.
type Reconciler struct {
	tables  sync.Map // host GUID -> *table
	metrics metrics.Provider
}

// New creates an empty reconciler. A nil provider disables metrics.
func New(mp metrics.Provider) *Reconciler {
	if mp == nil {
		mp = metrics.NoopProvider{}
	}
	return &Reconciler{metrics: mp}
}

func (r *Reconciler) table(hostGUID string) *table {
	if t, ok := r.tables.Load(hostGUID); ok {
		return t.(*table)
	}
	t, _ := r.tables.LoadOrStore(hostGUID, &table{versions: make(map[string]Version)})
	return t.(*table)
}

// decide applies the decision table to an incoming (seq, sig) pair. It
// returns the reason, whether the entry must be stored and whether the
// rules must be reprogrammed.
func decide(cur Version, found bool, seq int64, sig string) (reason Reason, store, apply bool) {
	switch {
	case !found:
		return ReasonNew, true, true
	case seq > cur.Seq && sig != cur.Signature:
		return ReasonIncreasedSigChanged, true, true
	case seq > cur.Seq:
		return ReasonIncreasedSigSame, true, false
	case seq < cur.Seq:
		return ReasonDecreased, false, false
	case sig != cur.Signature:
		return ReasonSameSigChanged, true, true
	default:
		return ReasonSameSigSame, false, false
	}
}

// Apply reconciles cmd against the table of hostGUID. When enabled is false
// the table is not consulted and the command is rejected.
func (r *Reconciler) Apply(ctx context.Context, hostGUID string, cmd Command, enabled bool) Result {
	if !enabled {
		r.metrics.IncrementRuleRejection(ReasonDisabled)
		log.G(ctx).WithField("host", hostGUID).WithField("vm", cmd.VMName).Info("security group rules rejected, host disabled")
		return Result{Reason: ReasonDisabled, FailureReason: FailureCannotBridgeFirewall}
	}

	t := r.table(hostGUID)
	t.mu.Lock()
	cur, found := t.versions[cmd.VMName]
	reason, store, apply := decide(cur, found, cmd.SeqNum, cmd.Signature)
	if store {
		t.versions[cmd.VMName] = Version{Signature: cmd.Signature, VMID: cmd.VMID, Seq: cmd.SeqNum}
	}
	t.mu.Unlock()

	r.metrics.IncrementRuleDecision(string(reason))

	action := "do nothing"
	if apply {
		action = "updated iptables"
	}
	fields := log.Fields{
		"host":          hostGUID,
		"vm":            cmd.VMName,
		"seq":           cmd.SeqNum,
		"signature":     cmd.Signature,
		"guest_ip":      cmd.GuestIP,
		"ingress_rules": len(cmd.Ingress),
		"egress_rules":  len(cmd.Egress),
		"total_cidrs":   cmd.TotalCIDRs,
		"action":        action,
		"reason":        reason,
	}
	if found {
		fields["current_seq"] = cur.Seq
		fields["current_signature"] = cur.Signature
	}
	log.G(ctx).WithFields(fields).Info("programmed network rules for vm")

	return Result{Accepted: true, Applied: apply, Stored: store, Reason: string(reason)}
}

// Sync returns the committed entries of hostGUID keyed by VM name. An
// unknown host yields an empty map.
func (r *Reconciler) Sync(hostGUID string) map[string]Entry {
	out := make(map[string]Entry)
	v, ok := r.tables.Load(hostGUID)
	if !ok {
		return out
	}
	t := v.(*table)
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, ver := range t.versions {
		out[name] = Entry{VMID: ver.VMID, Seq: ver.Seq}
	}
	return out
}

// Lookup returns the committed version of one VM.
func (r *Reconciler) Lookup(hostGUID, vmName string) (Version, bool) {
	v, ok := r.tables.Load(hostGUID)
	if !ok {
		return Version{}, false
	}
	t := v.(*table)
	t.mu.Lock()
	defer t.mu.Unlock()
	ver, ok := t.versions[vmName]
	return ver, ok
}

// Cleanup drops the entries of hostGUID whose VM is no longer placed on
// that host and returns the removed names. An entry rewritten while the
// placement was being checked is kept.
func (r *Reconciler) Cleanup(ctx context.Context, hostGUID string, locator VMLocator) ([]string, error) {
	v, ok := r.tables.Load(hostGUID)
	if !ok {
		return nil, nil
	}
	t := v.(*table)

	t.mu.Lock()
	snapshot := make(map[string]Version, len(t.versions))
	for name, ver := range t.versions {
		snapshot[name] = ver
	}
	t.mu.Unlock()

	var stale []string
	for name := range snapshot {
		placed, err := locator.PlacedOn(ctx, name, hostGUID)
		if err != nil {
			return nil, err
		}
		if !placed {
			stale = append(stale, name)
		}
	}

	var removed []string
	t.mu.Lock()
	for _, name := range stale {
		if cur, ok := t.versions[name]; ok && cur == snapshot[name] {
			delete(t.versions, name)
			removed = append(removed, name)
		}
	}
	t.mu.Unlock()

	if len(removed) > 0 {
		log.G(ctx).WithField("host", hostGUID).WithField("removed", removed).Info("removed stale security group entries")
	}
	return removed, nil
}
