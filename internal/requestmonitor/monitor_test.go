package requestmonitor_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/dglo/hitspool/internal/logging"
	"github.com/dglo/hitspool/internal/message"
	"github.com/dglo/hitspool/internal/requestmonitor"
)

type fakeNotifier struct {
	mu       sync.Mutex
	statuses []message.Status
	emails   int
}

func (f *fakeNotifier) EmitStatus(_ context.Context, status message.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeNotifier) EmitAdmissionEmail(_ context.Context, _ *requestmonitor.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails++
	return nil
}

func (f *fakeNotifier) snapshot() []message.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]message.Status, len(f.statuses))
	copy(out, f.statuses)
	return out
}

type fakePackager struct {
	mu   sync.Mutex
	jobs []requestmonitor.PackageJob
}

func (f *fakePackager) Package(_ context.Context, job requestmonitor.PackageJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
}

type fakeSource struct {
	ch chan message.Report
}

func newFakeSource() *fakeSource { return &fakeSource{ch: make(chan message.Report, 64)} }

func (s *fakeSource) push(msg message.Report) { s.ch <- msg }

func (s *fakeSource) Next(ctx context.Context) (message.Report, bool) {
	select {
	case msg := <-s.ch:
		return msg, true
	case <-ctx.Done():
		return message.Report{}, false
	}
}

func newTestMonitor(t *testing.T, expireSeconds time.Duration) (*requestmonitor.Monitor, *fakeNotifier, *fakePackager) {
	t.Helper()
	_, ctx := logging.Configure(t.Context(), logging.Config{Level: slog.LevelError})
	notifier := &fakeNotifier{}
	packager := &fakePackager{}
	mon, err := requestmonitor.New(ctx, requestmonitor.Config{
		StatePath:       filepath.Join(t.TempDir(), "hsrequests.db"),
		ExpireSeconds:   expireSeconds,
		MinPollInterval: 20 * time.Millisecond,
	}, notifier, packager)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = mon.Close() }) //nolint:errcheck
	return mon, notifier, packager
}

func reportMsg(kind message.Kind, reqID, host string) message.Report {
	return message.Report{
		MsgType:        kind,
		RequestID:      reqID,
		Username:       "u",
		Prefix:         "SNALERT",
		StartTicks:     9876543210000,
		StopTicks:      9889988998000,
		DestinationDir: "/tmp/dest",
		Host:           host,
		Version:        message.CurrentVersion,
	}
}

func copyDirPtr(p string) *string { return &p }

// waitFor polls cond until it reports true or timeout elapses, failing the
// test otherwise. The Monitor's serializer loop runs on its own goroutine,
// so tests observe its effects asynchronously.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestHappyPathTwoHubs(t *testing.T) {
	mon, notifier, packager := newTestMonitor(t, time.Minute)
	source := newFakeSource()

	ctx, cancel := context.WithCancel(context.Background())
	_, ctx = logging.Configure(ctx, logging.Config{Level: slog.LevelError})
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx, source) }()

	initial := reportMsg(message.KindInitial, "r1", "")
	initial.Hubs = []string{"ichub01", "ichub66"}
	source.push(initial)

	for _, host := range []string{"ichub01", "ichub66"} {
		source.push(reportMsg(message.KindStarted, "r1", host))
	}
	for _, host := range []string{"ichub01", "ichub66"} {
		m := reportMsg(message.KindDone, "r1", host)
		m.CopyDir = copyDirPtr("/staging/" + host)
		source.push(m)
	}

	waitFor(t, time.Second, func() bool { return len(notifier.snapshot()) == 3 })
	cancel()
	assert.NoError(t, <-done)

	statuses := notifier.snapshot()
	assert.Equal(t, message.StatusQueued, statuses[0].Value.Status)
	assert.Equal(t, message.StatusInProgress, statuses[1].Value.Status)
	assert.Equal(t, message.StatusSuccess, statuses[2].Value.Status)
	assert.Equal(t, "1,66", statuses[2].Value.Success)

	assert.Equal(t, 2, len(packager.jobs))
}

func TestDoneBeforeStarted(t *testing.T) {
	mon, notifier, packager := newTestMonitor(t, time.Minute)
	source := newFakeSource()

	ctx, cancel := context.WithCancel(context.Background())
	_, ctx = logging.Configure(ctx, logging.Config{Level: slog.LevelError})
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx, source) }()

	initial := reportMsg(message.KindInitial, "r2", "")
	initial.Hubs = []string{"ichub01"}
	source.push(initial)

	m := reportMsg(message.KindDone, "r2", "ichub01")
	m.CopyDir = copyDirPtr("/staging/ichub01")
	source.push(m)

	// DONE on a hub-leg that never saw STARTED still leaves INITIAL, so
	// IN_PROGRESS is announced on the way to the terminal status.
	waitFor(t, time.Second, func() bool { return len(notifier.snapshot()) == 3 })
	cancel()
	assert.NoError(t, <-done)

	statuses := notifier.snapshot()
	assert.Equal(t, message.StatusQueued, statuses[0].Value.Status)
	assert.Equal(t, message.StatusInProgress, statuses[1].Value.Status)
	assert.Equal(t, message.StatusSuccess, statuses[2].Value.Status)
	assert.Equal(t, "1", statuses[2].Value.Success)
	assert.Equal(t, 1, len(packager.jobs))
}

func TestMissingInitialCreatesSynthetic(t *testing.T) {
	mon, notifier, _ := newTestMonitor(t, time.Minute)
	source := newFakeSource()

	ctx, cancel := context.WithCancel(context.Background())
	_, ctx = logging.Configure(ctx, logging.Config{Level: slog.LevelError})
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx, source) }()

	source.push(reportMsg(message.KindStarted, "orphan", "ichub01"))
	m := reportMsg(message.KindDone, "orphan", "ichub01")
	m.CopyDir = copyDirPtr("/staging/ichub01")
	source.push(m)

	// STARTED on the synthetic record still announces IN_PROGRESS once, then
	// DONE completes it. No QUEUED is ever emitted: INITIAL never arrived.
	waitFor(t, time.Second, func() bool { return len(notifier.snapshot()) == 2 })
	cancel()
	assert.NoError(t, <-done)

	statuses := notifier.snapshot()
	assert.Equal(t, message.StatusInProgress, statuses[0].Value.Status)
	assert.Equal(t, message.StatusSuccess, statuses[1].Value.Status)
}

func TestBadHubsRejectedUpstream(t *testing.T) {
	var req message.AlertRequest
	err := req.UnmarshalJSON([]byte(`{"start":1,"stop":2,"copy":"/dest","username":"u","hubs":"not_a_hub"}`))
	assert.NoError(t, err)
	assert.Error(t, req.Validate())
}

func TestExpiry(t *testing.T) {
	mon, notifier, _ := newTestMonitor(t, 100*time.Millisecond)
	source := newFakeSource()

	ctx, cancel := context.WithCancel(context.Background())
	_, ctx = logging.Configure(ctx, logging.Config{Level: slog.LevelError})
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx, source) }()

	initial := reportMsg(message.KindInitial, "r5", "")
	initial.Hubs = []string{"ichub01", "ichub66"}
	source.push(initial)

	dm := reportMsg(message.KindDone, "r5", "ichub01")
	dm.CopyDir = copyDirPtr("/staging/ichub01")
	source.push(dm)

	waitFor(t, 2*time.Second, func() bool { return len(notifier.snapshot()) == 3 })
	cancel()
	assert.NoError(t, <-done)

	statuses := notifier.snapshot()
	final := statuses[len(statuses)-1]
	assert.Equal(t, message.StatusPartial, final.Value.Status)
	assert.Equal(t, "1", final.Value.Success)
	assert.Equal(t, "66", final.Value.Failed)
}

func TestDuplicateDoneIsNoOp(t *testing.T) {
	mon, notifier, packager := newTestMonitor(t, time.Minute)
	source := newFakeSource()

	ctx, cancel := context.WithCancel(context.Background())
	_, ctx = logging.Configure(ctx, logging.Config{Level: slog.LevelError})
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx, source) }()

	initial := reportMsg(message.KindInitial, "r6", "")
	initial.Hubs = []string{"ichub01", "ichub66"}
	source.push(initial)
	source.push(reportMsg(message.KindStarted, "r6", "ichub01"))

	done01 := reportMsg(message.KindDone, "r6", "ichub01")
	done01.CopyDir = copyDirPtr("/staging/ichub01")
	source.push(done01)

	// Wait for ichub01's leg to reach DONE (QUEUED + IN_PROGRESS seen) before
	// replaying the same DONE message; the request is still open since
	// ichub66 hasn't reported.
	waitFor(t, time.Second, func() bool { return len(notifier.snapshot()) == 2 })
	source.push(done01)

	done66 := reportMsg(message.KindDone, "r6", "ichub66")
	done66.CopyDir = copyDirPtr("/staging/ichub66")
	source.push(done66)

	waitFor(t, time.Second, func() bool { return len(notifier.snapshot()) == 3 })
	cancel()
	assert.NoError(t, <-done)

	statuses := notifier.snapshot()
	final := statuses[len(statuses)-1]
	assert.Equal(t, message.StatusSuccess, final.Value.Status)
	assert.Equal(t, "1,66", final.Value.Success)

	// The duplicate DONE for ichub01 must not have produced a second
	// packaging job.
	assert.Equal(t, 2, len(packager.jobs))
}
