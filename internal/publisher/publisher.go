// Package publisher implements the Publisher role of §4.1: a single
// request/reply endpoint that validates an admission request, canonicalizes
// it, and fans it out to the Sender (Report channel) and every Worker
// (Fan-out channel) before replying to the caller.
package publisher

import (
	"context"
	"time"

	"github.com/alecthomas/errors"
	"github.com/google/uuid"

	"github.com/dglo/hitspool/internal/bus"
	"github.com/dglo/hitspool/internal/logging"
	"github.com/dglo/hitspool/internal/message"
)

// StatusNotifier emits the REQUEST ERROR status for requests rejected at
// admission, satisfying spec.md §7's "Unknown hub ... REQUEST ERROR status
// emitted" disposition without routing the rejection through the Sender.
type StatusNotifier interface {
	EmitStatus(ctx context.Context, status message.Status) error
}

// Config controls admission behavior.
type Config struct {
	// Hubs is the full configured hub roster, used both to validate an
	// explicit "hubs" list and to canonicalize an omitted one into "every
	// known hub" before the request reaches the Fan-out channel.
	Hubs []string `hcl:"hubs" help:"Full roster of hub shorthosts this deployment dispatches to."`
}

// Publisher implements the §4.1 admission and fan-out contract.
type Publisher struct {
	config   Config
	known    map[string]bool
	sender   bus.ReportSink
	fanout   *bus.Fanout
	notifier StatusNotifier
}

// New constructs a Publisher. sender is the Report-channel sink the single
// INITIAL is sent to; fanout is published to afterward so every Worker sees
// the same canonicalized request. notifier delivers the REQUEST ERROR status
// for an unknown-hub rejection; it may be nil, in which case that status is
// only logged.
func New(config Config, sender bus.ReportSink, fanout *bus.Fanout, notifier StatusNotifier) *Publisher {
	known := make(map[string]bool, len(config.Hubs))
	for _, h := range config.Hubs {
		known[h] = true
	}
	return &Publisher{config: config, known: known, sender: sender, fanout: fanout, notifier: notifier}
}

// Admit implements §4.1's four-step behavior and is wired directly as
// httpbus.AlertHandler.Admit.
func (p *Publisher) Admit(ctx context.Context, req message.AlertRequest) error {
	logger := logging.FromContext(ctx)

	if err := req.Validate(); err != nil {
		return errors.WithStack(err)
	}
	if err := req.ValidateHubs(p.known); err != nil {
		p.rejectUnknownHub(ctx, req, err)
		return errors.WithStack(err)
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	prefix := req.NormalizedPrefix()

	tickRange, err := req.TickRange()
	if err != nil {
		return errors.Wrap(err, "invalid time range")
	}

	// An omitted "hubs" list means "every configured hub": resolve it now so
	// every downstream consumer (Sender, every Worker) sees the same
	// explicit roster rather than each independently reinterpreting "empty
	// means everyone" — only the Publisher knows the full roster.
	hubs := req.Hubs
	if len(hubs) == 0 {
		hubs = p.config.Hubs
	}

	msg := message.Report{
		MsgType:        message.KindInitial,
		RequestID:      req.RequestID,
		Username:       req.Username,
		Prefix:         prefix,
		StartTicks:     tickRange.Start,
		StopTicks:      tickRange.Stop,
		DestinationDir: req.Copy,
		Hubs:           hubs,
		Version:        message.CurrentVersion,
	}

	if err := p.sender.SendReport(ctx, msg); err != nil {
		return errors.Wrap(err, "notify sender")
	}
	p.fanout.Publish(msg)

	logger.InfoContext(ctx, "Admitted request", "request_id", msg.RequestID, "username", msg.Username, "hubs", hubs)
	return nil
}

// rejectUnknownHub implements §7's "Unknown hub ... REQUEST ERROR status
// emitted" disposition. The request never reaches the Sender, so the status
// is delivered straight from the Publisher rather than via the RequestMonitor.
func (p *Publisher) rejectUnknownHub(ctx context.Context, req message.AlertRequest, cause error) {
	logger := logging.FromContext(ctx)

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	year := time.Now().UTC().Year()
	var startTime, stopTime string
	if tickRange, err := req.TickRange(); err == nil {
		startTime = tickRange.Start.ToTime(year).UTC().String()
		stopTime = tickRange.Stop.ToTime(year).UTC().String()
	}

	status := message.NewStatus(message.StatusValue{
		RequestID:      requestID,
		Username:       req.Username,
		Prefix:         req.NormalizedPrefix(),
		StartTime:      startTime,
		StopTime:       stopTime,
		DestinationDir: req.Copy,
		UpdateTime:     time.Now().UTC().String(),
		Status:         message.StatusRequestError,
	})

	logger.WarnContext(ctx, "Rejecting request with unknown hub", "request_id", requestID, "error", cause)
	if p.notifier == nil {
		return
	}
	if err := p.notifier.EmitStatus(ctx, status); err != nil {
		logger.ErrorContext(ctx, "Failed to emit REQUEST ERROR status", "error", err)
	}
}
