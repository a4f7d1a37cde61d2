package httpbus

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/alecthomas/errors"

	"github.com/dglo/hitspool/internal/message"
)

// ReportClient is an HTTP client for the Report push/pull channel, used by
// both the Publisher and every Worker to push messages to the Sender.
type ReportClient struct {
	baseURL string
	client  *http.Client
}

// NewReportClient creates a client that POSTs to baseURL.
func NewReportClient(baseURL string) *ReportClient {
	return &ReportClient{baseURL: baseURL, client: &http.Client{}}
}

// SendReport implements bus.ReportSink. Per §5, sends from the serializer's
// critical section must be non-blocking and drop-on-full-after-logging;
// callers enforce that with a context deadline, not this client.
func (c *ReportClient) SendReport(ctx context.Context, msg message.Report) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal report")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create report request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send report")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode != http.StatusAccepted {
		return errors.Errorf("report rejected with status %d", resp.StatusCode)
	}
	return nil
}

// ReportQueue is the Sender-side HTTP handler for the Report channel: every
// inbound POST is pushed onto a single, bounded, in-memory queue that the
// RequestMonitor's serializer goroutine drains one message at a time. This
// is the "one socket-reader thread per inbound socket, pushing onto the
// serializer queue" shape of §5 collapsed onto net/http's own per-request
// goroutines, which already play that role.
type ReportQueue struct {
	ch chan queuedReport
}

type queuedReport struct {
	msg message.Report
}

// NewReportQueue creates a queue with the given buffer size.
func NewReportQueue(buffer int) *ReportQueue {
	return &ReportQueue{ch: make(chan queuedReport, buffer)}
}

var _ http.Handler = (*ReportQueue)(nil)

func (q *ReportQueue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var msg message.Report
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "malformed JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	select {
	case q.ch <- queuedReport{msg: msg}:
		w.WriteHeader(http.StatusAccepted)
	default:
		// Queue full: block until the serializer frees a slot. §5's
		// non-blocking rule covers sends *from the serializer thread*; an
		// inbound HTTP handler blocking on a full queue is backpressure on
		// the reporting process.
		q.ch <- queuedReport{msg: msg}
		w.WriteHeader(http.StatusAccepted)
	}
}

// Next implements bus.ReportSource for the RequestMonitor's serializer loop.
func (q *ReportQueue) Next(ctx context.Context) (message.Report, bool) {
	select {
	case qr := <-q.ch:
		return qr.msg, true
	case <-ctx.Done():
		return message.Report{}, false
	}
}

// Push enqueues msg directly, bypassing HTTP — used by tests that feed the
// Sender in-process.
func (q *ReportQueue) Push(msg message.Report) {
	q.ch <- queuedReport{msg: msg}
}
