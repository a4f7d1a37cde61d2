package requestmonitor

import (
	"context"
	"time"

	"github.com/alecthomas/errors"

	"github.com/dglo/hitspool/internal/bus"
	"github.com/dglo/hitspool/internal/logging"
	"github.com/dglo/hitspool/internal/message"
	"github.com/dglo/hitspool/internal/tick"
)

// Notifier emits the status JSON and one-shot e-mail side effects of §4.3.
type Notifier interface {
	EmitStatus(ctx context.Context, status message.Status) error
	EmitAdmissionEmail(ctx context.Context, rec *Record) error
}

// PackageJob describes one hub-leg's completed directory, ready to be
// archived and handed to SPADE per §4.4.
type PackageJob struct {
	RequestID string
	Prefix    string
	Host      string
	CopyDir   string
	TimeTag   string
}

// Packager schedules §4.4's tar + semaphore + move, off the serializer
// thread.
type Packager interface {
	Package(ctx context.Context, job PackageJob)
}

// Config controls the RequestMonitor's timing.
type Config struct {
	StatePath       string        `hcl:"state-path" help:"Path to the hsrequests.db durable state file."`
	ExpireSeconds   time.Duration `hcl:"expire-seconds" help:"How long a request may remain non-terminal before expiry forces it FAILED." default:"900s"`
	MinPollInterval time.Duration `hcl:"min-poll-interval" help:"How often the expiry scan runs." default:"1s"`
}

// Monitor is the Sender's single-threaded serializer: the sole mutator of
// the durable RequestRecord store (spec.md §4.3, §5).
type Monitor struct {
	store    *store
	notifier Notifier
	packager Packager
	config   Config

	records map[string]*Record
}

// New opens the durable store (replaying any surviving records) and
// constructs a Monitor. Callers must call Run to start processing.
func New(ctx context.Context, config Config, notifier Notifier, packager Packager) (*Monitor, error) {
	st, err := openStore(config.StatePath)
	if err != nil {
		return nil, errors.Wrap(err, "open request store")
	}
	records, err := st.loadAll()
	if err != nil {
		return nil, errors.Join(errors.Wrap(err, "load request records"), st.close())
	}
	logging.FromContext(ctx).InfoContext(ctx, "Resumed request monitor", "requests", len(records))
	return &Monitor{store: st, notifier: notifier, packager: packager, config: config, records: records}, nil
}

// Close releases the durable store.
func (m *Monitor) Close() error {
	return errors.WithStack(m.store.close())
}

// Run drains source until ctx is cancelled or a store write fails. Per §7,
// a state-store write error is fatal: the serializer must never apply a
// transition it could not persist, so Run returns the error for the caller
// to treat as a reason to exit the process; restart replays from the last
// durable state via New.
func (m *Monitor) Run(ctx context.Context, source bus.ReportSource) error {
	logger := logging.FromContext(ctx)

	msgCh := make(chan message.Report)
	go func() {
		defer close(msgCh)
		for {
			msg, ok := source.Next(ctx)
			if !ok {
				return
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	interval := m.config.MinPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			if err := m.handle(ctx, msg); err != nil {
				logger.ErrorContext(ctx, "Failed to persist request transition, exiting", "error", err)
				return errors.WithStack(err)
			}

		case <-ticker.C:
			if err := m.expireOnce(ctx); err != nil {
				logger.ErrorContext(ctx, "Failed to persist expiry transition, exiting", "error", err)
				return errors.WithStack(err)
			}
		}
	}
}

// handle applies one dequeued message, per §4.3(1)-(6).
func (m *Monitor) handle(ctx context.Context, msg message.Report) error {
	logger := logging.FromContext(ctx).With("request_id", msg.RequestID, "msgtype", msg.MsgType, "host", msg.Host)

	if err := msg.Validate(); err != nil {
		logger.WarnContext(ctx, "Received bad message", "error", err)
		return nil
	}
	if err := msg.CheckVersion(); err != nil {
		logger.WarnContext(ctx, "Rejecting stale protocol version", "version", msg.Version)
		return nil
	}

	rec, existed := m.records[msg.RequestID]
	if !existed {
		switch msg.MsgType {
		case message.KindWorking:
			logger.WarnContext(ctx, "WORKING with no active request")
			return nil
		case message.KindInitial:
			rec = m.createRecord(msg)
			m.records[rec.RequestID] = rec
			if err := m.store.put(rec); err != nil {
				return errors.WithStack(err)
			}
			if err := m.notifier.EmitStatus(ctx, m.statusFor(rec, message.StatusQueued, nil, nil)); err != nil {
				logger.ErrorContext(ctx, "Failed to emit QUEUED status", "error", err)
			}
			if err := m.notifier.EmitAdmissionEmail(ctx, rec); err != nil {
				logger.ErrorContext(ctx, "Failed to send admission email", "error", err)
			}
			return nil
		default:
			logger.WarnContext(ctx, "unexpected "+string(msg.MsgType)+" (no active request)")
			rec = m.createSyntheticRecord(msg)
			logger.WarnContext(ctx, "was not initialized", "request_id", msg.RequestID)
			m.records[rec.RequestID] = rec
		}
	} else if msg.MsgType == message.KindInitial {
		logger.DebugContext(ctx, "duplicate INITIAL, ignoring")
		return nil
	}

	leg, legExisted := rec.HubLegs[msg.Host]
	if !legExisted {
		if msg.MsgType == message.KindWorking {
			logger.WarnContext(ctx, "WORKING for unknown hub-leg")
			return nil
		}
		leg = &HubLeg{State: LegInitial}
		rec.HubLegs[msg.Host] = leg
	}

	wasDone := leg.State == LegDone
	m.applyLegTransition(ctx, rec, leg, msg)

	if !wasDone && leg.State == LegDone && msg.CopyDir != nil {
		m.packager.Package(ctx, PackageJob{
			RequestID: rec.RequestID,
			Prefix:    rec.Prefix,
			Host:      msg.Host,
			CopyDir:   *msg.CopyDir,
			TimeTag:   timeTag(rec.CreatedAt.Year(), rec.StartTick),
		})
	}

	if rec.AllTerminal() {
		return m.finalize(ctx, rec)
	}
	return errors.WithStack(m.store.put(rec))
}

// applyLegTransition implements the §4.3(4) transition table for a single
// hub-leg, given its current state.
func (m *Monitor) applyLegTransition(ctx context.Context, rec *Record, leg *HubLeg, msg message.Report) {
	logger := logging.FromContext(ctx).With("request_id", rec.RequestID, "host", msg.Host)

	switch leg.State {
	case LegInitial:
		switch msg.MsgType {
		case message.KindStarted:
			leg.State = LegInProgress
			m.maybeAnnounceInProgress(ctx, rec)
		case message.KindWorking:
			leg.State = LegInProgress
			m.maybeAnnounceInProgress(ctx, rec)
		case message.KindDone:
			logger.WarnContext(ctx, "DONE without a START message")
			leg.State = LegDone
			leg.Reason = msg.Reason
			m.maybeAnnounceInProgress(ctx, rec)
		case message.KindFailed:
			logger.WarnContext(ctx, "FAILED without a START message")
			leg.State = LegFailed
			leg.Reason = msg.Reason
			m.maybeAnnounceInProgress(ctx, rec)
		}

	case LegInProgress:
		switch msg.MsgType {
		case message.KindStarted:
			logger.WarnContext(ctx, "duplicate STARTED")
		case message.KindWorking:
			rec.ExpiryDeadline = now().Add(m.config.ExpireSeconds)
		case message.KindDone:
			leg.State = LegDone
			leg.Reason = msg.Reason
		case message.KindFailed:
			leg.State = LegFailed
			leg.Reason = msg.Reason
		}

	case LegDone, LegFailed:
		switch msg.MsgType {
		case message.KindStarted:
			logger.WarnContext(ctx, "late STARTED for terminal hub-leg")
		case message.KindWorking:
			// Ignored: a keepalive after terminal state carries no information.
		case message.KindDone, message.KindFailed:
			logger.WarnContext(ctx, "late message for terminal hub-leg, ignoring")
		}
	}
}

// maybeAnnounceInProgress implements "emit IN_PROGRESS status once" —
// the first time any hub-leg leaves INITIAL.
func (m *Monitor) maybeAnnounceInProgress(ctx context.Context, rec *Record) {
	if rec.AnnouncedInProgress {
		return
	}
	rec.AnnouncedInProgress = true
	if err := m.notifier.EmitStatus(ctx, m.statusFor(rec, message.StatusInProgress, nil, nil)); err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "Failed to emit IN_PROGRESS status", "error", err)
	}
}

// finalize applies §4.3(5): emit the final status, then delete the record.
// Packaging was already triggered per hub-leg as each DONE arrived.
func (m *Monitor) finalize(ctx context.Context, rec *Record) error {
	status, success, failed := rec.Aggregate()
	if err := m.notifier.EmitStatus(ctx, m.statusFor(rec, status, success, failed)); err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "Failed to emit terminal status", "error", err)
	}
	delete(m.records, rec.RequestID)
	return errors.WithStack(m.store.delete(rec.RequestID))
}

func (m *Monitor) statusFor(rec *Record, status string, success, failed []string) message.Status {
	value := message.StatusValue{
		RequestID:      rec.RequestID,
		Username:       rec.Username,
		Prefix:         rec.Prefix,
		StartTime:      rec.StartTick.ToTime(rec.CreatedAt.Year()).UTC().String(),
		StopTime:       rec.StopTick.ToTime(rec.CreatedAt.Year()).UTC().String(),
		DestinationDir: rec.DestinationDir,
		UpdateTime:     now().UTC().String(),
		Status:         status,
	}
	if len(success) > 0 {
		value.Success = joinComma(success)
	}
	if len(failed) > 0 {
		value.Failed = joinComma(failed)
	}
	return message.NewStatus(value)
}

func (m *Monitor) createRecord(msg message.Report) *Record {
	rec := &Record{
		RequestID:      msg.RequestID,
		Prefix:         msg.Prefix,
		Username:       msg.Username,
		StartTick:      msg.StartTicks,
		StopTick:       msg.StopTicks,
		DestinationDir: msg.DestinationDir,
		HubLegs:        make(map[string]*HubLeg, len(msg.Hubs)),
		ExpiryDeadline: now().Add(m.config.ExpireSeconds),
		CreatedAt:      now(),
	}
	for _, host := range msg.Hubs {
		rec.HubLegs[host] = &HubLeg{State: LegInitial}
	}
	return rec
}

func (m *Monitor) createSyntheticRecord(msg message.Report) *Record {
	rec := &Record{
		RequestID:      msg.RequestID,
		Prefix:         msg.Prefix,
		Username:       msg.Username,
		StartTick:      msg.StartTicks,
		StopTick:       msg.StopTicks,
		DestinationDir: msg.DestinationDir,
		HubLegs:        make(map[string]*HubLeg, 1),
		ExpiryDeadline: now().Add(m.config.ExpireSeconds),
		CreatedAt:      now(),
		Synthetic:      true,
	}
	return rec
}

// expireOnce scans for records whose deadline has passed, forcing every
// outstanding hub-leg to FAILED("timeout") and taking the normal
// completion path, per §4.3 Expiry.
func (m *Monitor) expireOnce(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	nowTime := now()
	for id, rec := range m.records {
		if nowTime.Before(rec.ExpiryDeadline) {
			continue
		}
		changed := false
		for host, leg := range rec.HubLegs {
			if leg.State.Terminal() {
				continue
			}
			logger.WarnContext(ctx, "expiring outstanding hub-leg", "request_id", id, "host", host)
			leg.State = LegFailed
			leg.Reason = "timeout"
			changed = true
		}
		if !changed {
			continue
		}
		if rec.AllTerminal() {
			if err := m.finalize(ctx, rec); err != nil {
				return errors.WithStack(err)
			}
			continue
		}
		if err := m.store.put(rec); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func joinComma(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "," + p
	}
	return out
}

// timeTag renders a request's start tick as the YYYYMMDD_HHMMSS component of
// the archive basename `<prefix?>HS_<category>_<timetag>_<host>.tar` (§4.4).
func timeTag(year int, start tick.Tick) string {
	return start.ToTime(year).UTC().Format("20060102_150405")
}

// now is a seam for tests.
var now = time.Now
