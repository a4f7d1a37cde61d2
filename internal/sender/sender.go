// Package sender wires the RequestMonitor, notification sink and packager
// together into the Sender process described in §4.3-§4.4.
package sender

import (
	"context"

	"github.com/alecthomas/errors"

	"github.com/dglo/hitspool/internal/bus"
	"github.com/dglo/hitspool/internal/jobscheduler"
	"github.com/dglo/hitspool/internal/logging"
	"github.com/dglo/hitspool/internal/notify"
	"github.com/dglo/hitspool/internal/packaging"
	"github.com/dglo/hitspool/internal/requestmonitor"
)

// Config aggregates every sub-component the Sender process needs.
type Config struct {
	Monitor   requestmonitor.Config `embed:"" hcl:"monitor,block" prefix:"monitor-"`
	Notify    notify.Config         `embed:"" hcl:"notify,block" prefix:"notify-"`
	Packaging packaging.Config      `embed:"" hcl:"packaging,block" prefix:"packaging-"`
	Scheduler jobscheduler.Config   `embed:"" hcl:"scheduler,block" prefix:"scheduler-"`
}

// Sender owns the assembled RequestMonitor and runs it until the Report
// channel closes or a durable write fails.
type Sender struct {
	monitor *requestmonitor.Monitor
}

// New assembles a Sender: a Packager backed by its own scheduler, a
// notify.Service (with an optional S3-compatible mirror), and the
// RequestMonitor serializer wired to both.
func New(ctx context.Context, config Config, objectSink *notify.ObjectSink) (*Sender, error) {
	scheduler := jobscheduler.New(ctx, config.Scheduler)
	pkg := packaging.New(config.Packaging, scheduler)
	notifier := notify.New(config.Notify, objectSink)

	monitor, err := requestmonitor.New(ctx, config.Monitor, notifier, pkg)
	if err != nil {
		return nil, errors.Wrap(err, "construct request monitor")
	}
	return &Sender{monitor: monitor}, nil
}

// Close releases the durable state store.
func (s *Sender) Close() error {
	return errors.WithStack(s.monitor.Close())
}

// Run drains source (the Report channel) until ctx is cancelled or the
// serializer hits an unrecoverable store error.
func (s *Sender) Run(ctx context.Context, source bus.ReportSource) error {
	logging.FromContext(ctx).InfoContext(ctx, "Starting sender")
	return errors.WithStack(s.monitor.Run(ctx, source))
}
