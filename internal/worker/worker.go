// Package worker implements the Worker role of §4.2: turning one hub's
// local hit-spool into a hard-linked staging directory, handing it to the
// external copy agent, and reporting progress on the Report channel.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/errors"

	"github.com/dglo/hitspool/internal/bus"
	"github.com/dglo/hitspool/internal/jobscheduler"
	"github.com/dglo/hitspool/internal/logging"
	"github.com/dglo/hitspool/internal/message"
	"github.com/dglo/hitspool/internal/spool"
	"github.com/dglo/hitspool/internal/tick"
)

// FanoutSource is the Worker's read side of the Fan-out channel: every
// INITIAL the Publisher appends, whether delivered in-process via
// bus.Fanout or streamed over HTTP via httpbus.FanoutStream.
type FanoutSource interface {
	Next(ctx context.Context) (message.Report, bool)
}

// CopyAgent is the external, out-of-scope remote file-copy collaborator
// (e.g. an rsync-style transfer tool) that moves the staging directory to
// destinationDir.
type CopyAgent interface {
	Copy(ctx context.Context, stagingDir, destinationDir string) error
}

// Config controls one Worker instance, which represents a single hub.
type Config struct {
	Host              string        `hcl:"host" help:"This worker's hub shorthost, e.g. ichub01."`
	SpoolDir          string        `hcl:"spool-dir" help:"Directory containing HitSpool-<n>.dat slices and the metadata sidecar."`
	MetadataFile      string        `hcl:"metadata-file,optional" help:"Metadata sidecar filename within spool-dir." default:"HsInterface.q8030"`
	StagingRoot       string        `hcl:"staging-root" help:"Root directory per-request staging subdirectories are created under."`
	MaxSpan           tick.Tick     `hcl:"max-span,optional" help:"Maximum requestable tick span; 0 disables clamping."`
	KeepaliveInterval time.Duration `hcl:"keepalive-interval,optional" help:"How often WORKING is emitted while the copy agent runs." default:"60s"`
	CopyConcurrency   int           `hcl:"copy-concurrency,optional" help:"Number of copy-agent invocations allowed to run in parallel." default:"1"`
}

// Worker drives one hub's side of every request it sees on the Fan-out
// channel.
type Worker struct {
	config    Config
	sink      bus.ReportSink
	copyAgent CopyAgent
	resolve   jobscheduler.Scheduler
	copy      jobscheduler.Scheduler
}

// New constructs a Worker. The resolve pool runs with concurrency 1 so slice
// linking for this host is strictly FIFO, per §4.2's "never link the same
// slice twice concurrently"; copy invocations run on a separate pool sized by
// config.CopyConcurrency.
func New(ctx context.Context, config Config, sink bus.ReportSink, copyAgent CopyAgent) *Worker {
	if config.CopyConcurrency <= 0 {
		config.CopyConcurrency = 1
	}
	if config.MetadataFile == "" {
		config.MetadataFile = "HsInterface.q8030"
	}
	return &Worker{
		config:    config,
		sink:      sink,
		copyAgent: copyAgent,
		resolve:   jobscheduler.New(ctx, jobscheduler.Config{Concurrency: 1}),
		copy:      jobscheduler.New(ctx, jobscheduler.Config{Concurrency: config.CopyConcurrency}),
	}
}

// Run subscribes to source and processes every INITIAL it sees until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context, source FanoutSource) error {
	logger := logging.FromContext(ctx).With("host", w.config.Host)
	for {
		msg, ok := source.Next(ctx)
		if !ok {
			return nil
		}
		if msg.MsgType != message.KindInitial {
			continue
		}
		if !containsHost(msg.Hubs, w.config.Host) {
			continue
		}
		logger.InfoContext(ctx, "Accepted request", "request_id", msg.RequestID)
		// One queue per hub (there is exactly one: this Worker), so requests
		// for this host process in strict FIFO order even though the
		// subscribe loop itself never blocks on them.
		w.resolve.Submit(w.config.Host, msg.RequestID, func(ctx context.Context) error {
			return w.process(ctx, msg)
		})
	}
}

func containsHost(hubs []string, host string) bool {
	if len(hubs) == 0 {
		return true // an omitted hub list means "all hubs"
	}
	for _, h := range hubs {
		if h == host {
			return true
		}
	}
	return false
}

// process implements the §4.2 per-request algorithm.
func (w *Worker) process(ctx context.Context, msg message.Report) error {
	logger := logging.FromContext(ctx).With("request_id", msg.RequestID, "host", w.config.Host)

	// The year a request's ticks fall in is never carried on the wire (§6);
	// anchoring to the year of receipt, captured once up front, matches the
	// RequestMonitor's same convention and avoids a year-boundary shift if
	// processing this request happens to straddle midnight on Dec 31.
	receivedAt := now()

	md, err := w.readMetadata()
	if err != nil {
		return w.fail(ctx, msg, "could not read spool metadata: "+err.Error())
	}

	window := tick.Range{Start: msg.StartTicks, Stop: msg.StopTicks}
	matched, clamped, err := md.Resolve(window, w.config.MaxSpan)
	if err != nil {
		return w.fail(ctx, msg, "data not in spool")
	}

	timeTag := msg.StartTicks.ToTime(receivedAt.Year()).UTC().Format("20060102_150405")
	stagingDir := filepath.Join(w.config.StagingRoot, fmt.Sprintf("%s_%s_%s", msg.Prefix, timeTag, w.config.Host))

	linkedAny := false
	for _, slice := range matched {
		src := filepath.Join(w.config.SpoolDir, spool.FileName(slice.Number))
		if _, err := spool.LinkOrCopy(src, stagingDir); err != nil {
			logger.WarnContext(ctx, "failed to link slice, skipping", "slice", slice.Number, "error", err)
			continue
		}
		if !linkedAny {
			linkedAny = true
			if err := w.sink.SendReport(ctx, started(msg, w.config.Host)); err != nil {
				logger.ErrorContext(ctx, "failed to send STARTED", "error", err)
			}
		}
	}
	if !linkedAny {
		return w.fail(ctx, msg, "no slices could be linked")
	}

	if err := w.runCopyWithKeepalive(ctx, msg, stagingDir); err != nil {
		_ = os.RemoveAll(stagingDir) //nolint:errcheck
		return w.fail(ctx, msg, err.Error())
	}

	done := msg
	done.MsgType = message.KindDone
	done.Host = w.config.Host
	copyDir := msg.DestinationDir
	done.CopyDir = &copyDir
	if clamped {
		done.Reason = "request clamped to maximum span"
	}
	if err := w.sink.SendReport(ctx, done); err != nil {
		logger.ErrorContext(ctx, "failed to send DONE", "error", err)
	}

	return errors.WithStack(os.RemoveAll(stagingDir))
}

// runCopyWithKeepalive invokes the copy agent on its own bounded pool while
// emitting WORKING on the calling goroutine every keepalive interval.
func (w *Worker) runCopyWithKeepalive(ctx context.Context, msg message.Report, stagingDir string) error {
	logger := logging.FromContext(ctx)
	done := make(chan error, 1)
	w.copy.Submit(msg.RequestID, w.config.Host, func(ctx context.Context) error {
		err := w.copyAgent.Copy(ctx, stagingDir, msg.DestinationDir)
		done <- err
		return errors.WithStack(err)
	})

	interval := w.config.KeepaliveInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return errors.WithStack(err)
		case <-ticker.C:
			working := msg
			working.MsgType = message.KindWorking
			working.Host = w.config.Host
			if err := w.sink.SendReport(ctx, working); err != nil {
				logger.ErrorContext(ctx, "failed to send WORKING", "error", err)
			}
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
	}
}

func (w *Worker) fail(ctx context.Context, msg message.Report, reason string) error {
	logging.FromContext(ctx).WarnContext(ctx, "request failed", "request_id", msg.RequestID, "host", w.config.Host, "reason", reason)
	failed := msg
	failed.MsgType = message.KindFailed
	failed.Host = w.config.Host
	failed.Reason = reason
	return errors.WithStack(w.sink.SendReport(ctx, failed))
}

func (w *Worker) readMetadata() (spool.Metadata, error) {
	f, err := os.Open(filepath.Join(w.config.SpoolDir, w.config.MetadataFile)) //nolint:gosec
	if err != nil {
		return spool.Metadata{}, errors.Wrap(err, "open metadata sidecar")
	}
	defer f.Close() //nolint:errcheck
	return spool.Parse(f)
}

func started(msg message.Report, host string) message.Report {
	s := msg
	s.MsgType = message.KindStarted
	s.Host = host
	return s
}

// now is a seam for tests.
var now = time.Now
