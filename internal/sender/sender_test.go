package sender_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/dglo/hitspool/internal/bus/httpbus"
	"github.com/dglo/hitspool/internal/jobscheduler"
	"github.com/dglo/hitspool/internal/logging"
	"github.com/dglo/hitspool/internal/message"
	"github.com/dglo/hitspool/internal/packaging"
	"github.com/dglo/hitspool/internal/requestmonitor"
	"github.com/dglo/hitspool/internal/sender"
)

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("file %s did not appear in time", path)
}

// TestSenderHappyPath exercises the full Sender assembly end to end: a
// single hub-leg's INITIAL/STARTED/DONE sequence on the Report channel
// drives the RequestMonitor to completion and hands the copied directory to
// the Packager, which lands a tar/semaphore pair in the SPADE directory.
func TestSenderHappyPath(t *testing.T) {
	_, ctx := logging.Configure(t.Context(), logging.Config{Level: slog.LevelError})

	copyDir := filepath.Join(t.TempDir(), "ichub01")
	assert.NoError(t, os.MkdirAll(copyDir, 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(copyDir, "HitSpool-0.dat"), []byte("hits"), 0o640))

	spadeDir := t.TempDir()

	s, err := sender.New(ctx, sender.Config{
		Monitor: requestmonitor.Config{
			StatePath:       filepath.Join(t.TempDir(), "hsrequests.db"),
			ExpireSeconds:   time.Minute,
			MinPollInterval: 20 * time.Millisecond,
		},
		Packaging: packaging.Config{
			SpadeDir:   spadeDir,
			StagingDir: t.TempDir(),
		},
		Scheduler: jobscheduler.Config{Concurrency: 2},
	}, nil)
	assert.NoError(t, err)
	defer s.Close() //nolint:errcheck

	queue := httpbus.NewReportQueue(8)
	go func() { _ = s.Run(ctx, queue) }()

	queue.Push(message.Report{
		MsgType:    message.KindInitial,
		RequestID:  "r1",
		Prefix:     "SNALERT",
		StartTicks: 1000,
		StopTicks:  2000,
		Hubs:       []string{"ichub01"},
		Version:    message.CurrentVersion,
	})
	queue.Push(message.Report{
		MsgType:    message.KindStarted,
		RequestID:  "r1",
		Host:       "ichub01",
		StartTicks: 1000,
		StopTicks:  2000,
		Version:    message.CurrentVersion,
	})
	queue.Push(message.Report{
		MsgType:    message.KindDone,
		RequestID:  "r1",
		Host:       "ichub01",
		StartTicks: 1000,
		StopTicks:  2000,
		CopyDir:    &copyDir,
		Version:    message.CurrentVersion,
	})

	// 1000 ticks (100ns) past the start of the current year, formatted to
	// second precision, rounds down to the year's very first second.
	timeTag := time.Now().UTC().Format("2006") + "0101_000000"
	waitForFile(t, filepath.Join(spadeDir, "HS_SNALERT_"+timeTag+"_ichub01.tar"))
	waitForFile(t, filepath.Join(spadeDir, "HS_SNALERT_"+timeTag+"_ichub01.sem"))
}
