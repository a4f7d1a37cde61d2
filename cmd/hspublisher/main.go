// Command hspublisher runs the Publisher role of §4.1: it accepts admission
// requests over the Alert channel, hands each one to the Sender over the
// Report channel, and fans it out to every Worker over the Fan-out channel.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/dglo/hitspool/internal/bus"
	"github.com/dglo/hitspool/internal/bus/httpbus"
	"github.com/dglo/hitspool/internal/config"
	"github.com/dglo/hitspool/internal/httputil"
	"github.com/dglo/hitspool/internal/logging"
	"github.com/dglo/hitspool/internal/metrics"
	"github.com/dglo/hitspool/internal/notify"
	"github.com/dglo/hitspool/internal/publisher"
)

var cli struct {
	Config *os.File `hcl:"-" help:"Configuration file path." placeholder:"PATH"`

	Bind          string           `hcl:"bind" default:"127.0.0.1:9080" help:"Bind address for the Alert and Fan-out endpoints."`
	SenderURL     string           `hcl:"sender-url" help:"Base URL of hssender's Report channel endpoint."`
	Publisher     publisher.Config `embed:"" hcl:"publisher,block" prefix:"publisher-"`
	Notify        notify.Config    `embed:"" hcl:"notify,block" prefix:"notify-"`
	LoggingConfig logging.Config   `embed:"" hcl:"logging,block" prefix:"log-"`
	MetricsConfig metrics.Config   `embed:"" hcl:"metrics,block" prefix:"metrics-"`
}

func main() {
	kctx := kong.Parse(&cli, kong.DefaultEnvars("HSPUBLISHER"))
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

	sender := httpbus.NewReportClient(cli.SenderURL)
	fanout := bus.NewFanout()
	notifier := notify.New(cli.Notify, nil)
	pub := publisher.New(cli.Publisher, sender, fanout, notifier)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /_liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck
	})
	mux.Handle("POST /alert", &httpbus.AlertHandler{Admit: pub.Admit})
	mux.Handle("GET /fanout", &httpbus.FanoutHandler{Fanout: fanout})

	var handler http.Handler = mux
	handler = otelhttp.NewMiddleware(cli.MetricsConfig.ServiceName,
		otelhttp.WithMeterProvider(otel.GetMeterProvider()),
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
	)(handler)
	handler = httputil.LoggingMiddleware(handler)

	logger.InfoContext(ctx, "Starting hspublisher", "bind", cli.Bind)
	server := &http.Server{
		Addr:              cli.Bind,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // the fanout stream is long-lived
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	kctx.FatalIfErrorf(server.ListenAndServe())
	fmt.Fprintln(os.Stderr, "hspublisher exiting") //nolint:forbidigo
}
