// Package activation implements the push device activation state machine.
//
// The machine drives the local device through registration with the push
// backend, registration updates and deregistration. Application and platform
// code feed it events; backend and delegate completions come back as events
// too. A single worker applies events one at a time, persisting the state and
// the pending queue before any side effect runs, so the machine resumes where
// it left off after a restart.
package activation

import (
	"errors"
	"fmt"
)

// State is the activation state of the local device.
type State uint8

const (
	// NotActivated is the initial state: no registration exists or is in progress.
	NotActivated State = iota
	// WaitingForPushDeviceDetails waits for the platform push token.
	WaitingForPushDeviceDetails
	// WaitingForDeviceRegistration waits for the backend to register the device.
	WaitingForDeviceRegistration
	// WaitingForNewPushDeviceDetails is the activated resting state.
	WaitingForNewPushDeviceDetails
	// WaitingForRegistrationSync waits for the backend to accept an updated registration.
	WaitingForRegistrationSync
	// WaitingForDeregistration waits for the backend to remove the registration.
	WaitingForDeregistration
)

// ErrUnknownState is returned when a persisted state name is not recognised.
var ErrUnknownState = errors.New("unknown activation state")

var stateNames = [...]string{
	NotActivated:                   "NotActivated",
	WaitingForPushDeviceDetails:    "WaitingForPushDeviceDetails",
	WaitingForDeviceRegistration:   "WaitingForDeviceRegistration",
	WaitingForNewPushDeviceDetails: "WaitingForNewPushDeviceDetails",
	WaitingForRegistrationSync:     "WaitingForRegistrationSync",
	WaitingForDeregistration:       "WaitingForDeregistration",
}

// States lists every state in declaration order.
var States = []State{
	NotActivated,
	WaitingForPushDeviceDetails,
	WaitingForDeviceRegistration,
	WaitingForNewPushDeviceDetails,
	WaitingForRegistrationSync,
	WaitingForDeregistration,
}

// String returns the stable name used for persistence.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// ParseState parses a persisted state name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return NotActivated, fmt.Errorf("%w: %q", ErrUnknownState, name)
}

// IsActivated reports whether the device holds a committed registration.
func (s State) IsActivated() bool {
	switch s {
	case WaitingForNewPushDeviceDetails, WaitingForRegistrationSync, WaitingForDeregistration:
		return true
	default:
		return false
	}
}

// inFlight reports whether a delegate or backend call is outstanding in s.
func (s State) inFlight() bool {
	switch s {
	case WaitingForPushDeviceDetails, WaitingForDeviceRegistration,
		WaitingForRegistrationSync, WaitingForDeregistration:
		return true
	default:
		return false
	}
}
