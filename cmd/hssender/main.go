// Command hssender runs the Sender role (§4.3-§4.4): it drains the Report
// channel through the RequestMonitor serializer, emits status notifications,
// and hands completed hub-legs to the Packager for delivery into SPADE.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/dglo/hitspool/internal/bus/httpbus"
	"github.com/dglo/hitspool/internal/config"
	"github.com/dglo/hitspool/internal/httputil"
	"github.com/dglo/hitspool/internal/logging"
	"github.com/dglo/hitspool/internal/metrics"
	"github.com/dglo/hitspool/internal/notify"
	"github.com/dglo/hitspool/internal/sender"
)

var cli struct {
	Config *os.File `hcl:"-" help:"Configuration file path." placeholder:"PATH"`

	Bind          string                  `hcl:"bind" default:"127.0.0.1:9090" help:"Bind address for the Report channel endpoint."`
	ReportBuffer  int                     `hcl:"report-buffer" default:"4096" help:"Size of the inbound Report channel queue."`
	ObjectSink    notify.ObjectSinkConfig `embed:"" hcl:"object-sink,block" prefix:"object-sink-"`
	ObjectSinkOn  bool                    `hcl:"object-sink-enabled,optional" help:"Mirror status JSON to the configured S3-compatible bucket."`
	Sender        sender.Config           `embed:"" hcl:"sender,block" prefix:"sender-"`
	LoggingConfig logging.Config          `embed:"" hcl:"logging,block" prefix:"log-"`
	MetricsConfig metrics.Config          `embed:"" hcl:"metrics,block" prefix:"metrics-"`
}

func main() {
	kctx := kong.Parse(&cli, kong.DefaultEnvars("HSSENDER"))
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

	var objectSink *notify.ObjectSink
	if cli.ObjectSinkOn {
		objectSink, err = notify.NewObjectSink(ctx, cli.ObjectSink)
		kctx.FatalIfErrorf(err, "failed to construct object sink")
	}

	s, err := sender.New(ctx, cli.Sender, objectSink)
	kctx.FatalIfErrorf(err, "failed to construct sender")
	defer func() {
		if err := s.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close sender", "error", err)
		}
	}()

	queue := httpbus.NewReportQueue(cli.ReportBuffer)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := s.Run(runCtx, queue); err != nil {
			logger.ErrorContext(runCtx, "Sender stopped", "error", err)
			cancel()
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /_liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck
	})
	mux.Handle("POST /report", queue)

	var handler http.Handler = mux
	handler = otelhttp.NewMiddleware(cli.MetricsConfig.ServiceName,
		otelhttp.WithMeterProvider(otel.GetMeterProvider()),
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
	)(handler)
	handler = httputil.LoggingMiddleware(handler)

	logger.InfoContext(ctx, "Starting hssender", "bind", cli.Bind)
	server := &http.Server{
		Addr:              cli.Bind,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	kctx.FatalIfErrorf(server.ListenAndServe())
}
