// Command hsworker runs one Worker (§4.2): it subscribes to the Publisher's
// Fan-out channel, resolves each request against its local hit-spool, and
// reports progress to the Sender over the Report channel.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/dglo/hitspool/internal/bus/httpbus"
	"github.com/dglo/hitspool/internal/config"
	"github.com/dglo/hitspool/internal/logging"
	"github.com/dglo/hitspool/internal/metrics"
	"github.com/dglo/hitspool/internal/worker"
)

var cli struct {
	Config *os.File `hcl:"-" help:"Configuration file path." placeholder:"PATH"`

	FanoutURL     string         `hcl:"fanout-url" help:"Base URL of hspublisher's Fan-out stream endpoint."`
	SenderURL     string         `hcl:"sender-url" help:"Base URL of hssender's Report channel endpoint."`
	RsyncArgs     []string       `hcl:"rsync-args,optional" help:"Extra arguments passed to rsync, e.g. remote-shell options."`
	Worker        worker.Config  `embed:"" hcl:"worker,block" prefix:"worker-"`
	LoggingConfig logging.Config `embed:"" hcl:"logging,block" prefix:"log-"`
	MetricsConfig metrics.Config `embed:"" hcl:"metrics,block" prefix:"metrics-"`
}

func main() {
	kctx := kong.Parse(&cli, kong.DefaultEnvars("HSWORKER"))
	if cli.Config != nil {
		kctx.FatalIfErrorf(config.Overlay(&cli, cli.Config))
	}

	ctx := context.Background()
	logger, ctx := logging.Configure(ctx, cli.LoggingConfig)

	metricsClient, err := metrics.New(ctx, cli.MetricsConfig)
	kctx.FatalIfErrorf(err, "failed to create metrics client")
	defer func() {
		if err := metricsClient.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close metrics client", "error", err)
		}
	}()
	kctx.FatalIfErrorf(metricsClient.ServeMetrics(ctx), "failed to start metrics server")

	sink := httpbus.NewReportClient(cli.SenderURL)
	copyAgent := &worker.RsyncCopyAgent{ExtraArgs: cli.RsyncArgs}
	w := worker.New(ctx, cli.Worker, sink, copyAgent)

	subscriber := httpbus.NewFanoutSubscriber(cli.FanoutURL)
	stream, err := subscriber.SubscribeStream(ctx)
	kctx.FatalIfErrorf(err, "failed to subscribe to fanout")
	defer stream.Close() //nolint:errcheck

	logger.InfoContext(ctx, "Starting hsworker", "host", cli.Worker.Host, "fanout_url", cli.FanoutURL)
	err = w.Run(ctx, stream)
	kctx.FatalIfErrorf(err)
	fmt.Fprintln(os.Stderr, "hsworker exiting") //nolint:forbidigo
}
