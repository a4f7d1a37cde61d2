package httpbus

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"

	"github.com/alecthomas/errors"

	"github.com/dglo/hitspool/internal/bus"
	"github.com/dglo/hitspool/internal/message"
)

// FanoutHandler streams every published INITIAL report to a long-lived GET
// connection, one line of JSON per message, flushing after each write so a
// Worker sees it as soon as it is published — the same blocking-follower
// shape as a response spool streamed to many concurrent readers, applied to
// an unbounded log instead of a single response body.
type FanoutHandler struct {
	Fanout *bus.Fanout
}

var _ http.Handler = (*FanoutHandler)(nil)

func (h *FanoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.Fanout.Subscribe()
	enc := json.NewEncoder(w)
	for {
		msg, ok := sub.Next(r.Context())
		if !ok {
			return
		}
		if err := enc.Encode(msg); err != nil {
			return
		}
		flusher.Flush()
	}
}

// FanoutSubscriber is a Worker-side client for the Fan-out channel.
type FanoutSubscriber struct {
	url    string
	client *http.Client
}

// NewFanoutSubscriber creates a subscriber that streams from url.
func NewFanoutSubscriber(url string) *FanoutSubscriber {
	return &FanoutSubscriber{url: url, client: &http.Client{}}
}

// Subscribe connects and returns a function yielding one message per call,
// blocking until the next is published, ctx is cancelled, or the
// connection drops.
func (s *FanoutSubscriber) Subscribe(ctx context.Context) (next func() (message.Report, bool, error), closeFn func() error, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create fanout subscribe request")
	}
	resp, err := s.client.Do(req) //nolint:bodyclose // closed via closeFn
	if err != nil {
		return nil, nil, errors.Wrap(err, "subscribe to fanout")
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close() //nolint:errcheck
		return nil, nil, errors.Errorf("fanout subscribe rejected with status %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	next = func() (message.Report, bool, error) {
		var msg message.Report
		if err := bus.ReadJSONLine(reader, &msg); err != nil {
			return message.Report{}, false, nil //nolint:nilerr // EOF / connection close ends the stream
		}
		return msg, true, nil
	}
	return next, resp.Body.Close, nil
}

// FanoutStream adapts Subscribe's (next, closeFn) pair to the single-method
// shape consumers of the in-process bus.Fanout already use, so the Worker
// doesn't need to know whether it's wired in-process or over HTTP.
type FanoutStream struct {
	next    func() (message.Report, bool, error)
	closeFn func() error
}

// SubscribeStream connects and returns a FanoutStream.
func (s *FanoutSubscriber) SubscribeStream(ctx context.Context) (*FanoutStream, error) {
	next, closeFn, err := s.Subscribe(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &FanoutStream{next: next, closeFn: closeFn}, nil
}

// Next blocks until the next message arrives or the stream ends.
func (f *FanoutStream) Next(_ context.Context) (message.Report, bool) {
	msg, ok, _ := f.next()
	return msg, ok
}

// Close releases the underlying HTTP connection.
func (f *FanoutStream) Close() error {
	return errors.WithStack(f.closeFn())
}
