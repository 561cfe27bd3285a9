package activation

import "github.com/relaypush/relaypush/pkg/push"

// Effect is a side effect requested by a transition. Identity effects are
// applied atomically with the state change; the rest run after the new
// record has been persisted.
type Effect interface {
	isEffect()
}

// RequestPushDetails asks the delegate for the platform push address.
type RequestPushDetails struct{}

// StageCandidate prepares a new identity version carrying Recipient.
// A nil Recipient keeps the committed address.
type StageCandidate struct {
	Recipient map[string]string
}

// RegisterCandidate registers the staged identity with the backend for the first time.
type RegisterCandidate struct{}

// SyncCandidate sends the staged identity to the backend as an update.
type SyncCandidate struct{}

// CommitCandidate promotes the staged identity to the committed one.
// A non-nil IdentityToken replaces the committed token.
type CommitCandidate struct {
	IdentityToken *push.IdentityTokenDetails
}

// DiscardCandidate drops the staged identity, keeping the last known-good one.
type DiscardCandidate struct{}

// Deregister removes the registration from the backend.
type Deregister struct{}

// ClearIdentity forgets the identity token and push address. ID and secret are kept.
type ClearIdentity struct{}

// NotifyActivated reports the activation result to the delegate.
type NotifyActivated struct {
	Err *push.ErrorInfo
}

// NotifyDeactivated reports the deactivation result to the delegate.
type NotifyDeactivated struct {
	Err *push.ErrorInfo
}

// NotifyUpdateFailed reports a failed registration update to the delegate.
type NotifyUpdateFailed struct {
	Err *push.ErrorInfo
}

func (RequestPushDetails) isEffect() {}
func (StageCandidate) isEffect()     {}
func (RegisterCandidate) isEffect()  {}
func (SyncCandidate) isEffect()      {}
func (CommitCandidate) isEffect()    {}
func (DiscardCandidate) isEffect()   {}
func (Deregister) isEffect()         {}
func (ClearIdentity) isEffect()      {}
func (NotifyActivated) isEffect()    {}
func (NotifyDeactivated) isEffect()  {}
func (NotifyUpdateFailed) isEffect() {}
