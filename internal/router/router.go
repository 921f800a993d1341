// Package router reports redundant virtual router status.
//
// The status is derived from the router id embedded in the name
// ("r-<id>-VM"): even ids are MASTER, odd ids are BACKUP. There is no
// election and no state. The same name always yields the same answer.
package router

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
)

// RedundantState is the role of a router in a redundant pair.
type RedundantState string

const (
	StateMaster RedundantState = "MASTER"
	StateBackup RedundantState = "BACKUP"
)

// Status is the answer to a router query.
type Status struct {
	State   RedundantState `json:"state"`
	Details string         `json:"details"`
}

// ID extracts the numeric router id, the second "-" separated field of name.
func ID(name string) (int, error) {
	fields := strings.Split(name, "-")
	if len(fields) < 2 {
		return 0, fmt.Errorf("router name %q has no id: %w", name, errdefs.ErrInvalidArgument)
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("router name %q has no numeric id: %w", name, errdefs.ErrInvalidArgument)
	}
	return id, nil
}

func stateOf(id int) RedundantState {
	if id%2 == 0 {
		return StateMaster
	}
	return StateBackup
}

// Check returns the redundant state of the named router. The details
// string is the same for both states.
func Check(name string) (Status, error) {
	id, err := ID(name)
	if err != nil {
		return Status{}, err
	}
	return Status{State: stateOf(id), Details: "Status: MASTER & Bumped: NO"}, nil
}

// BumpPriority reports the state of the named router after a priority bump.
func BumpPriority(name string) (Status, error) {
	id, err := ID(name)
	if err != nil {
		return Status{}, err
	}
	state := stateOf(id)
	return Status{State: state, Details: fmt.Sprintf("Status: %s & Bumped: YES", state)}, nil
}
