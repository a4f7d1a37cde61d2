package bus

import (
	"context"
	"sync"

	"github.com/dglo/hitspool/internal/message"
)

// Fanout is the Publisher-side half of the Fan-out channel: a single writer
// (the Publisher) appends INITIAL requests, and any number of Worker
// subscribers each see every request, blocking when caught up to the
// writer. This mirrors the single-writer/many-reader-follow shape of a
// response spool that streams one write to many concurrent readers: here
// the "response" is unbounded and every record, not just the latest, must
// reach every subscriber.
type Fanout struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []message.Report
	closed  bool
}

// NewFanout creates an empty Fanout.
func NewFanout() *Fanout {
	f := &Fanout{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Publish appends msg and wakes any subscriber blocked waiting for it.
func (f *Fanout) Publish(msg message.Report) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.entries = append(f.entries, msg)
	f.cond.Broadcast()
}

// Close marks the fanout closed; further Publish calls are dropped, and Next
// returns false once a subscriber has read every entry published before Close.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
}

// Subscribe returns a Subscription that will see every entry published from
// now on (not historical ones — each Worker process subscribes once at
// startup and stays subscribed for its lifetime).
func (f *Fanout) Subscribe() *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &Subscription{fanout: f, cursor: len(f.entries)}
}

// Subscription tracks one subscriber's read position in the fanout log.
type Subscription struct {
	fanout *Fanout
	cursor int
}

// Next blocks until the next entry is available, ctx is cancelled, or the
// fanout is closed. ok is false only on cancellation/close.
func (s *Subscription) Next(ctx context.Context) (msg message.Report, ok bool) {
	f := s.fanout
	f.mu.Lock()
	defer f.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				f.mu.Lock()
				f.cond.Broadcast()
				f.mu.Unlock()
			case <-done:
			}
		}()
	}

	for s.cursor >= len(f.entries) && !f.closed {
		if ctx != nil && ctx.Err() != nil {
			return message.Report{}, false
		}
		f.cond.Wait()
	}
	if s.cursor >= len(f.entries) {
		return message.Report{}, false
	}
	msg = f.entries[s.cursor]
	s.cursor++
	return msg, true
}
