package worker

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/alecthomas/errors"
)

// RsyncCopyAgent is a concrete CopyAgent backed by rsync, provided as the
// default transport for the standalone hsworker binary. The remote-copy
// protocol itself is out of scope (§1): this is just enough to drive a real
// transfer end to end, following the same exec.CommandContext + captured
// stderr shape as the packaging tar step.
type RsyncCopyAgent struct {
	// ExtraArgs are appended after the default "-a" flag, e.g. "--bwlimit=..."
	// or remote-shell options for a non-local destination.
	ExtraArgs []string
}

var _ CopyAgent = (*RsyncCopyAgent)(nil)

// Copy rsyncs the contents of stagingDir into destinationDir.
func (a *RsyncCopyAgent) Copy(ctx context.Context, stagingDir, destinationDir string) error {
	args := append([]string{"-a"}, a.ExtraArgs...)
	args = append(args, stagingDir+"/", destinationDir+"/")

	cmd := exec.CommandContext(ctx, "rsync", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.Errorf("rsync failed: %w: %s", err, stderr.String())
	}
	return nil
}
