package activation

import "github.com/relaypush/relaypush/pkg/push"

// Disposition says what the machine does with an event in a given state.
type Disposition uint8

const (
	// Handled events are applied and removed from the queue.
	Handled Disposition = iota
	// Deferred events stay queued until a call in flight resolves.
	Deferred
	// Unhandled events are dropped without changing state.
	Unhandled
)

func (d Disposition) String() string {
	switch d {
	case Handled:
		return "handled"
	case Deferred:
		return "deferred"
	case Unhandled:
		return "unhandled"
	default:
		return "unknown"
	}
}

// Outcome is the result of applying one event to one state.
type Outcome struct {
	Next        State
	Disposition Disposition
	Effects     []Effect
}

func handled(next State, effects ...Effect) Outcome {
	return Outcome{Next: next, Disposition: Handled, Effects: effects}
}

// Transition computes the outcome of ev in state s. It has no side effects,
// so the same pair always yields the same outcome.
func Transition(s State, ev Event) Outcome {
	switch s {
	case NotActivated:
		switch ev.(type) {
		case CalledActivate:
			return handled(WaitingForPushDeviceDetails, RequestPushDetails{})
		case CalledDeactivate:
			return handled(NotActivated, NotifyDeactivated{})
		}

	case WaitingForPushDeviceDetails:
		switch e := ev.(type) {
		case CalledActivate:
			return handled(WaitingForPushDeviceDetails)
		case CalledDeactivate:
			return handled(NotActivated, NotifyDeactivated{})
		case GotPushDeviceDetails:
			return handled(WaitingForDeviceRegistration,
				StageCandidate{Recipient: e.Recipient}, RegisterCandidate{})
		case GotNewPushDeviceDetails:
			return handled(WaitingForDeviceRegistration,
				StageCandidate{Recipient: e.Recipient}, RegisterCandidate{})
		case GettingPushDeviceDetailsFailed:
			return handled(NotActivated, NotifyActivated{Err: reasonOrDefault(e.Reason)})
		}

	case WaitingForDeviceRegistration:
		switch e := ev.(type) {
		case CalledActivate:
			return handled(WaitingForDeviceRegistration)
		case GotDeviceRegistration:
			return handled(WaitingForNewPushDeviceDetails,
				CommitCandidate{IdentityToken: e.IdentityToken}, NotifyActivated{})
		case GettingDeviceRegistrationFailed:
			return handled(WaitingForPushDeviceDetails,
				DiscardCandidate{}, NotifyActivated{Err: reasonOrDefault(e.Reason)}, RequestPushDetails{})
		}

	case WaitingForNewPushDeviceDetails:
		switch e := ev.(type) {
		case CalledActivate:
			return handled(WaitingForNewPushDeviceDetails, NotifyActivated{})
		case CalledDeactivate:
			return handled(WaitingForDeregistration, Deregister{})
		case GotNewPushDeviceDetails:
			return handled(WaitingForRegistrationSync,
				StageCandidate{Recipient: e.Recipient}, SyncCandidate{})
		case GotPushDeviceDetails:
			return handled(WaitingForRegistrationSync,
				StageCandidate{Recipient: e.Recipient}, SyncCandidate{})
		}

	case WaitingForRegistrationSync:
		switch e := ev.(type) {
		case RegistrationSynced:
			return handled(WaitingForNewPushDeviceDetails, CommitCandidate{})
		case SyncRegistrationFailed:
			return handled(WaitingForNewPushDeviceDetails,
				DiscardCandidate{}, NotifyUpdateFailed{Err: reasonOrDefault(e.Reason)})
		}

	case WaitingForDeregistration:
		switch e := ev.(type) {
		case CalledDeactivate:
			return handled(WaitingForDeregistration)
		case Deregistered:
			return handled(NotActivated, ClearIdentity{}, NotifyDeactivated{})
		case DeregistrationFailed:
			return handled(WaitingForNewPushDeviceDetails, NotifyDeactivated{Err: reasonOrDefault(e.Reason)})
		}
	}

	// Application events arriving while a backend call is in flight wait for it.
	if s.inFlight() && fromApplication(ev) {
		return Outcome{Next: s, Disposition: Deferred}
	}
	return Outcome{Next: s, Disposition: Unhandled}
}

// resumeEffect returns the call that is outstanding in s, or nil.
func resumeEffect(s State) Effect {
	switch s {
	case WaitingForPushDeviceDetails:
		return RequestPushDetails{}
	case WaitingForDeviceRegistration:
		return RegisterCandidate{}
	case WaitingForRegistrationSync:
		return SyncCandidate{}
	case WaitingForDeregistration:
		return Deregister{}
	}
	return nil
}

// completes reports whether ev is the result of the call outstanding in s.
func completes(s State, ev Event) bool {
	switch ev.(type) {
	case GotPushDeviceDetails, GotNewPushDeviceDetails, GettingPushDeviceDetailsFailed:
		return s == WaitingForPushDeviceDetails
	case GotDeviceRegistration, GettingDeviceRegistrationFailed:
		return s == WaitingForDeviceRegistration
	case RegistrationSynced, SyncRegistrationFailed:
		return s == WaitingForRegistrationSync
	case Deregistered, DeregistrationFailed:
		return s == WaitingForDeregistration
	}
	return false
}

// persistFailureEffect picks the delegate callback that reports a failed
// commit of ev received in state s.
func persistFailureEffect(s State, ev Event, err *push.ErrorInfo) Effect {
	switch ev.(type) {
	case CalledDeactivate, Deregistered, DeregistrationFailed:
		return NotifyDeactivated{Err: err}
	case CalledActivate, GettingPushDeviceDetailsFailed, GotDeviceRegistration, GettingDeviceRegistrationFailed:
		return NotifyActivated{Err: err}
	case GotPushDeviceDetails, GotNewPushDeviceDetails:
		if s == WaitingForPushDeviceDetails {
			return NotifyActivated{Err: err}
		}
	}
	return NotifyUpdateFailed{Err: err}
}

func reasonOrDefault(reason *push.ErrorInfo) *push.ErrorInfo {
	if reason != nil {
		return reason
	}
	return push.NewErrorInfo(push.CodeInternal, 0, "unspecified failure")
}
