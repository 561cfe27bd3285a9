package agent

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaypush/relaypush/pkg/push"
	"github.com/relaypush/relaypush/pkg/push/activation"
)

// Outcome is one delegate result.
type Outcome struct {
	Kind string
	Err  *push.ErrorInfo
}

// Outcome kinds.
const (
	OutcomeActivated    = "activated"
	OutcomeDeactivated  = "deactivated"
	OutcomeUpdateFailed = "update_failed"
)

// Retry delays after failed activations.
const (
	retryStep     = time.Second
	maxRetryDelay = 30 * time.Second
)

// StaticDelegate answers push detail requests with a fixed recipient and
// forwards activation results to Outcomes. After a failed activation the
// machine asks again; answers are then delayed linearly up to maxRetryDelay.
type StaticDelegate struct {
	logger zerolog.Logger

	mu        sync.Mutex
	machine   *activation.Machine
	recipient map[string]string
	failures  int

	outcomes chan Outcome
}

var _ activation.Delegate = (*StaticDelegate)(nil)

// NewStaticDelegate creates a delegate. Attach the machine with Bind before starting it.
func NewStaticDelegate(recipient map[string]string, logger zerolog.Logger) *StaticDelegate {
	return &StaticDelegate{
		logger:    logger,
		recipient: maps.Clone(recipient),
		outcomes:  make(chan Outcome, 16),
	}
}

// Bind attaches the machine that receives push detail results.
func (d *StaticDelegate) Bind(m *activation.Machine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.machine = m
}

// SetRecipient replaces the recipient and reports it to the machine as new push details.
func (d *StaticDelegate) SetRecipient(recipient map[string]string) {
	d.mu.Lock()
	d.recipient = maps.Clone(recipient)
	m := d.machine
	d.mu.Unlock()

	if m != nil {
		m.SendEvent(activation.GotNewPushDeviceDetails{Recipient: maps.Clone(recipient)})
	}
}

// Outcomes delivers activation results. Results are dropped when nobody reads them.
func (d *StaticDelegate) Outcomes() <-chan Outcome {
	return d.outcomes
}

// RequestPushDeviceDetails implements activation.Delegate.
func (d *StaticDelegate) RequestPushDeviceDetails(context.Context) {
	d.mu.Lock()
	m, recipient := d.machine, maps.Clone(d.recipient)
	delay := min(time.Duration(d.failures)*retryStep, maxRetryDelay)
	d.mu.Unlock()

	if m == nil {
		return
	}

	var ev activation.Event = activation.GotPushDeviceDetails{Recipient: recipient}
	if recipient[push.RecipientTransportType] == "" {
		ev = activation.GettingPushDeviceDetailsFailed{
			Reason: push.NewErrorInfo(push.CodeBadRequest, 0, "no push recipient configured"),
		}
	}

	if delay == 0 {
		m.SendEvent(ev)
		return
	}
	d.logger.Debug().Dur("delay", delay).Msg("delaying push details after failed activation")
	time.AfterFunc(delay, func() { m.SendEvent(ev) })
}

// DidActivate implements activation.Delegate.
func (d *StaticDelegate) DidActivate(err *push.ErrorInfo) {
	d.report(OutcomeActivated, err)
}

// DidDeactivate implements activation.Delegate.
func (d *StaticDelegate) DidDeactivate(err *push.ErrorInfo) {
	d.report(OutcomeDeactivated, err)
}

// DidFailUpdate implements activation.Delegate.
func (d *StaticDelegate) DidFailUpdate(err *push.ErrorInfo) {
	d.report(OutcomeUpdateFailed, err)
}

func (d *StaticDelegate) report(kind string, err *push.ErrorInfo) {
	if kind == OutcomeActivated {
		d.mu.Lock()
		if err != nil {
			d.failures++
		} else {
			d.failures = 0
		}
		d.mu.Unlock()
	}

	if err != nil {
		d.logger.Warn().Str("outcome", kind).Err(err).Msg("push activation result")
	} else {
		d.logger.Info().Str("outcome", kind).Msg("push activation result")
	}

	select {
	case d.outcomes <- Outcome{Kind: kind, Err: err}:
	default:
	}
}
