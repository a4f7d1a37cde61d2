package bus

import (
	"context"

	"github.com/dglo/hitspool/internal/message"
)

// AlertClient is the client side of the Alert request/reply channel.
type AlertClient interface {
	// SendAlert submits req and returns nil once the literal "DONE\0" reply
	// is received, or an error describing the rejection.
	SendAlert(ctx context.Context, req message.AlertRequest) error
}

// ReportSink is the write side of the Report push/pull channel, used by
// both the Publisher (for the single INITIAL report) and every Worker (for
// STARTED/WORKING/DONE/FAILED).
type ReportSink interface {
	SendReport(ctx context.Context, msg message.Report) error
}

// ReportSource is the Sender's read side of the Report channel: a queue of
// (message, arrival order) pairs fed by one or more socket-reader threads,
// per §5.
type ReportSource interface {
	// Next blocks until a message is available or ctx is cancelled.
	Next(ctx context.Context) (message.Report, bool)
}
