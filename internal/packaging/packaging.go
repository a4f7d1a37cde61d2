// Package packaging implements §4.4: turning a Worker's delivered per-hub
// directory into a tar archive plus semaphore pair in the SPADE ingest
// directory, off the RequestMonitor's serializer thread.
package packaging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/alecthomas/errors"

	"github.com/dglo/hitspool/internal/jobscheduler"
	"github.com/dglo/hitspool/internal/logging"
	"github.com/dglo/hitspool/internal/requestmonitor"
)

// Config controls archive naming and the ingest handoff.
type Config struct {
	SpadeDir     string `hcl:"spade-dir" help:"SPADE ingest directory tar/semaphore pairs are moved into."`
	StagingDir   string `hcl:"staging-dir" help:"Scratch directory archives are built in before the atomic move."`
	WriteMetaXML bool   `hcl:"write-meta-xml,optional" help:"Use a .meta.xml semaphore instead of a bare .sem file."`
	FilePrefix   string `hcl:"file-prefix,optional" help:"Optional site-specific text prepended to every archive basename."`
}

// Packager schedules §4.4's work onto a bounded pool, one queue per request
// so two hub-legs of the same request never race the SPADE move, while legs
// of different requests package concurrently.
type Packager struct {
	config    Config
	scheduler jobscheduler.Scheduler
}

var _ requestmonitor.Packager = (*Packager)(nil)

// New constructs a Packager backed by scheduler.
func New(config Config, scheduler jobscheduler.Scheduler) *Packager {
	return &Packager{config: config, scheduler: scheduler.WithQueuePrefix("packaging")}
}

// Package schedules the archive+semaphore+move for job, never blocking the
// caller (the RequestMonitor's serializer thread).
func (p *Packager) Package(ctx context.Context, job requestmonitor.PackageJob) {
	p.scheduler.Submit(job.RequestID, job.Host, func(ctx context.Context) error {
		if err := p.run(ctx, job); err != nil {
			logging.FromContext(ctx).ErrorContext(ctx, "Packaging failed, data left in place for manual recovery",
				"request_id", job.RequestID, "host", job.Host, "copy_dir", job.CopyDir, "error", err,
				"operator_action", "put the data manually in the SPADE directory")
		}
		return nil
	})
}

func (p *Packager) basename(job requestmonitor.PackageJob) string {
	category := job.Prefix
	if category == "" {
		category = "ANON"
	}
	return fmt.Sprintf("%sHS_%s_%s_%s", p.config.FilePrefix, category, job.TimeTag, job.Host)
}

func (p *Packager) run(ctx context.Context, job requestmonitor.PackageJob) error {
	logger := logging.FromContext(ctx)
	base := p.basename(job)

	if err := os.MkdirAll(p.config.StagingDir, 0o755); err != nil {
		return errors.Wrap(err, "create staging dir")
	}
	stagedTar := filepath.Join(p.config.StagingDir, base+".tar")
	if err := p.createTar(ctx, job.CopyDir, stagedTar); err != nil {
		return errors.Wrap(err, "create tar")
	}

	semName := base + ".sem"
	if p.config.WriteMetaXML {
		semName = base + ".meta.xml"
	}
	stagedSem := filepath.Join(p.config.StagingDir, semName)
	if err := p.createSemaphore(stagedSem, job); err != nil {
		return errors.Wrap(err, "create semaphore")
	}

	finalTar := filepath.Join(p.config.SpadeDir, base+".tar")
	if err := moveFile(stagedTar, finalTar); err != nil {
		return errors.Wrap(err, "move tar into spade dir")
	}
	finalSem := filepath.Join(p.config.SpadeDir, semName)
	if err := moveFile(stagedSem, finalSem); err != nil {
		return errors.Wrap(err, "move semaphore into spade dir")
	}

	logger.InfoContext(ctx, "Packaged hub-leg into SPADE", "request_id", job.RequestID, "host", job.Host, "tar", finalTar)
	return nil
}

// createTar archives copyDir, as a top-level directory entry, into dstTar, following the teacher's
// subprocess-streaming shape minus the zstd stage (see SPEC_FULL.md).
func (p *Packager) createTar(ctx context.Context, copyDir, dstTar string) error {
	out, err := os.Create(dstTar) //nolint:gosec
	if err != nil {
		return errors.Wrap(err, "create tar output file")
	}
	defer out.Close() //nolint:errcheck

	cmd := exec.CommandContext(ctx, "tar", "-cpf", "-", "-C", filepath.Dir(copyDir), filepath.Base(copyDir))
	cmd.Stdout = out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.Errorf("tar failed: %w: %s", err, stderr.String())
	}
	return nil
}

func (p *Packager) createSemaphore(path string, job requestmonitor.PackageJob) error {
	var content string
	if p.config.WriteMetaXML {
		content = fmt.Sprintf("<?xml version=\"1.0\"?>\n<metadata>\n  <request_id>%s</request_id>\n  <host>%s</host>\n</metadata>\n", job.RequestID, job.Host)
	} else {
		content = ""
	}
	return errors.Wrap(os.WriteFile(path, []byte(content), 0o644), "write semaphore file") //nolint:gosec
}

// moveFile renames src to dst, falling back to copy-then-remove across
// filesystem boundaries, same shape as spool.LinkOrCopy's fallback.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src) //nolint:gosec
	if err != nil {
		return errors.WithStack(err)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst) //nolint:gosec
	if err != nil {
		return errors.Join(errors.WithStack(err), in.Close())
	}
	if _, err := io.Copy(out, in); err != nil {
		return errors.Join(errors.WithStack(err), out.Close())
	}
	if err := out.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Remove(src))
}
