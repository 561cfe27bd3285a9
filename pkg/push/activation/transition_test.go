package activation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/pkg/push"
	"github.com/relaypush/relaypush/pkg/push/activation"
)

type expectation struct {
	next        activation.State
	disposition activation.Disposition
}

func handledTo(s activation.State) expectation {
	return expectation{next: s, disposition: activation.Handled}
}

var deferredExp = expectation{disposition: activation.Deferred}

// table lists every accepted or deferred pair; all other pairs are unhandled.
var table = map[activation.State]map[string]expectation{
	activation.NotActivated: {
		"CalledActivate":   handledTo(activation.WaitingForPushDeviceDetails),
		"CalledDeactivate": handledTo(activation.NotActivated),
	},
	activation.WaitingForPushDeviceDetails: {
		"CalledActivate":                 handledTo(activation.WaitingForPushDeviceDetails),
		"CalledDeactivate":               handledTo(activation.NotActivated),
		"GotPushDeviceDetails":           handledTo(activation.WaitingForDeviceRegistration),
		"GotNewPushDeviceDetails":        handledTo(activation.WaitingForDeviceRegistration),
		"GettingPushDeviceDetailsFailed": handledTo(activation.NotActivated),
	},
	activation.WaitingForDeviceRegistration: {
		"CalledActivate":                  handledTo(activation.WaitingForDeviceRegistration),
		"GotDeviceRegistration":           handledTo(activation.WaitingForNewPushDeviceDetails),
		"GettingDeviceRegistrationFailed": handledTo(activation.WaitingForPushDeviceDetails),
		"CalledDeactivate":                deferredExp,
		"GotPushDeviceDetails":            deferredExp,
		"GotNewPushDeviceDetails":         deferredExp,
	},
	activation.WaitingForNewPushDeviceDetails: {
		"CalledActivate":          handledTo(activation.WaitingForNewPushDeviceDetails),
		"CalledDeactivate":        handledTo(activation.WaitingForDeregistration),
		"GotNewPushDeviceDetails": handledTo(activation.WaitingForRegistrationSync),
		"GotPushDeviceDetails":    handledTo(activation.WaitingForRegistrationSync),
	},
	activation.WaitingForRegistrationSync: {
		"RegistrationSynced":      handledTo(activation.WaitingForNewPushDeviceDetails),
		"SyncRegistrationFailed":  handledTo(activation.WaitingForNewPushDeviceDetails),
		"CalledActivate":          deferredExp,
		"CalledDeactivate":        deferredExp,
		"GotPushDeviceDetails":    deferredExp,
		"GotNewPushDeviceDetails": deferredExp,
	},
	activation.WaitingForDeregistration: {
		"CalledDeactivate":        handledTo(activation.WaitingForDeregistration),
		"Deregistered":            handledTo(activation.NotActivated),
		"DeregistrationFailed":    handledTo(activation.WaitingForNewPushDeviceDetails),
		"CalledActivate":          deferredExp,
		"GotPushDeviceDetails":    deferredExp,
		"GotNewPushDeviceDetails": deferredExp,
	},
}

func TestTransition_EveryPair(t *testing.T) {
	for _, s := range activation.States {
		for _, ev := range activation.AllEvents() {
			t.Run(s.String()+"/"+ev.Name(), func(t *testing.T) {
				out := activation.Transition(s, ev)

				exp, ok := table[s][ev.Name()]
				if !ok {
					assert.Equal(t, activation.Unhandled, out.Disposition)
					assert.Equal(t, s, out.Next)
					assert.Empty(t, out.Effects)
					return
				}

				assert.Equal(t, exp.disposition, out.Disposition)
				if exp.disposition == activation.Deferred {
					assert.Equal(t, s, out.Next)
					assert.Empty(t, out.Effects)
					return
				}
				assert.Equal(t, exp.next, out.Next)
			})
		}
	}
}

func TestTransition_Deterministic(t *testing.T) {
	for _, s := range activation.States {
		for _, ev := range activation.AllEvents() {
			assert.Equal(t, activation.Transition(s, ev), activation.Transition(s, ev))
		}
	}
}

func TestTransition_OnlyApplicationEventsAreDeferred(t *testing.T) {
	completions := []activation.Event{
		activation.GettingPushDeviceDetailsFailed{},
		activation.GotDeviceRegistration{},
		activation.GettingDeviceRegistrationFailed{},
		activation.Deregistered{},
		activation.DeregistrationFailed{},
		activation.RegistrationSynced{},
		activation.SyncRegistrationFailed{},
	}
	for _, s := range activation.States {
		for _, ev := range completions {
			assert.NotEqual(t, activation.Deferred, activation.Transition(s, ev).Disposition, "%s in %s", ev.Name(), s)
		}
	}
}

func TestTransition_Effects(t *testing.T) {
	reason := push.NewErrorInfo(push.CodeUnreachable, 0, "offline")
	token := &push.IdentityTokenDetails{Token: "tok"}
	recipient := map[string]string{push.RecipientTransportType: push.TransportFCM}

	tests := []struct {
		name    string
		state   activation.State
		event   activation.Event
		effects []activation.Effect
	}{
		{
			name:    "activate requests push details",
			state:   activation.NotActivated,
			event:   activation.CalledActivate{},
			effects: []activation.Effect{activation.RequestPushDetails{}},
		},
		{
			name:    "deactivate when not activated reports success",
			state:   activation.NotActivated,
			event:   activation.CalledDeactivate{},
			effects: []activation.Effect{activation.NotifyDeactivated{}},
		},
		{
			name:  "push details stage and register a candidate",
			state: activation.WaitingForPushDeviceDetails,
			event: activation.GotPushDeviceDetails{Recipient: recipient},
			effects: []activation.Effect{
				activation.StageCandidate{Recipient: recipient},
				activation.RegisterCandidate{},
			},
		},
		{
			name:    "push details failure reports activation error",
			state:   activation.WaitingForPushDeviceDetails,
			event:   activation.GettingPushDeviceDetailsFailed{Reason: reason},
			effects: []activation.Effect{activation.NotifyActivated{Err: reason}},
		},
		{
			name:  "registration commits the candidate with the token",
			state: activation.WaitingForDeviceRegistration,
			event: activation.GotDeviceRegistration{IdentityToken: token},
			effects: []activation.Effect{
				activation.CommitCandidate{IdentityToken: token},
				activation.NotifyActivated{},
			},
		},
		{
			name:  "registration failure discards and retries push details",
			state: activation.WaitingForDeviceRegistration,
			event: activation.GettingDeviceRegistrationFailed{Reason: reason},
			effects: []activation.Effect{
				activation.DiscardCandidate{},
				activation.NotifyActivated{Err: reason},
				activation.RequestPushDetails{},
			},
		},
		{
			name:    "activate when activated reports success",
			state:   activation.WaitingForNewPushDeviceDetails,
			event:   activation.CalledActivate{},
			effects: []activation.Effect{activation.NotifyActivated{}},
		},
		{
			name:    "deactivate when activated deregisters",
			state:   activation.WaitingForNewPushDeviceDetails,
			event:   activation.CalledDeactivate{},
			effects: []activation.Effect{activation.Deregister{}},
		},
		{
			name:  "new push details sync the registration",
			state: activation.WaitingForNewPushDeviceDetails,
			event: activation.GotNewPushDeviceDetails{Recipient: recipient},
			effects: []activation.Effect{
				activation.StageCandidate{Recipient: recipient},
				activation.SyncCandidate{},
			},
		},
		{
			name:    "sync success commits",
			state:   activation.WaitingForRegistrationSync,
			event:   activation.RegistrationSynced{},
			effects: []activation.Effect{activation.CommitCandidate{}},
		},
		{
			name:  "sync failure keeps the last good identity",
			state: activation.WaitingForRegistrationSync,
			event: activation.SyncRegistrationFailed{Reason: reason},
			effects: []activation.Effect{
				activation.DiscardCandidate{},
				activation.NotifyUpdateFailed{Err: reason},
			},
		},
		{
			name:    "deregistration clears the identity",
			state:   activation.WaitingForDeregistration,
			event:   activation.Deregistered{},
			effects: []activation.Effect{activation.ClearIdentity{}, activation.NotifyDeactivated{}},
		},
		{
			name:    "deregistration failure reports deactivation error",
			state:   activation.WaitingForDeregistration,
			event:   activation.DeregistrationFailed{Reason: reason},
			effects: []activation.Effect{activation.NotifyDeactivated{Err: reason}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := activation.Transition(tt.state, tt.event)
			require.Equal(t, activation.Handled, out.Disposition)
			assert.Equal(t, tt.effects, out.Effects)
		})
	}
}

func TestTransition_FailureWithoutReasonStillReportsError(t *testing.T) {
	out := activation.Transition(activation.WaitingForPushDeviceDetails, activation.GettingPushDeviceDetailsFailed{})
	require.Len(t, out.Effects, 1)

	notify, ok := out.Effects[0].(activation.NotifyActivated)
	require.True(t, ok)
	require.NotNil(t, notify.Err)
	assert.Equal(t, push.CodeInternal, notify.Err.Code)
}

func TestParseState(t *testing.T) {
	for _, s := range activation.States {
		parsed, err := activation.ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := activation.ParseState("Bogus")
	assert.ErrorIs(t, err, activation.ErrUnknownState)
	assert.Equal(t, "State(42)", activation.State(42).String())
}

func TestState_IsActivated(t *testing.T) {
	assert.False(t, activation.NotActivated.IsActivated())
	assert.False(t, activation.WaitingForPushDeviceDetails.IsActivated())
	assert.False(t, activation.WaitingForDeviceRegistration.IsActivated())
	assert.True(t, activation.WaitingForNewPushDeviceDetails.IsActivated())
	assert.True(t, activation.WaitingForRegistrationSync.IsActivated())
	assert.True(t, activation.WaitingForDeregistration.IsActivated())
}

func TestEventCodec(t *testing.T) {
	events := []activation.Event{
		activation.CalledActivate{},
		activation.GotPushDeviceDetails{Recipient: map[string]string{"deviceToken": "abc"}},
		activation.GotDeviceRegistration{IdentityToken: &push.IdentityTokenDetails{Token: "tok"}},
		activation.DeregistrationFailed{Reason: push.NewErrorInfo(push.CodeForbidden, 403, "denied")},
		activation.GotNewPushDeviceDetails{},
	}

	for _, ev := range events {
		t.Run(ev.Name(), func(t *testing.T) {
			raw, err := activation.MarshalEvent(ev)
			require.NoError(t, err)

			decoded, err := activation.UnmarshalEvent(raw)
			require.NoError(t, err)
			assert.Equal(t, ev, decoded)
		})
	}
}

func TestEventCodec_Envelope(t *testing.T) {
	raw, err := activation.MarshalEvent(activation.CalledDeactivate{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"CalledDeactivate"}`, string(raw))

	raw, err = activation.MarshalEvent(activation.SyncRegistrationFailed{Reason: push.NewErrorInfo(push.CodeTimeout, 0, "slow")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"SyncRegistrationFailed","data":{"reason":{"code":50003,"message":"slow"}}}`, string(raw))

	_, err = activation.UnmarshalEvent([]byte(`{"type":"Nope"}`))
	assert.ErrorIs(t, err, activation.ErrUnknownEvent)
}
