// Package notify implements the Sender's outbound side of the operator
// notification channel: status JSON delivery and admission e-mail, plus an
// optional durable mirror of the status stream. The receiving system
// ("I3Live") is an external collaborator; this package only produces what it
// consumes.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alecthomas/errors"

	"github.com/dglo/hitspool/internal/logging"
	"github.com/dglo/hitspool/internal/message"
	"github.com/dglo/hitspool/internal/requestmonitor"
)

// Config controls notification delivery.
type Config struct {
	ClusterName   string   `hcl:"cluster-name" help:"Cluster name stamped on every notification header."`
	StatusURL     string   `hcl:"status-url,optional" help:"HTTP endpoint the status JSON is POSTed to. Empty disables delivery (status is still logged)."`
	SMTPHost      string   `hcl:"smtp-host,optional" help:"SMTP relay host:port for admission e-mail. Empty disables e-mail."`
	AlertEmailDev []string `hcl:"alert-email-dev,optional" help:"Recipients for non-SNALERT requests."`
	AlertEmailSN  []string `hcl:"alert-email-sn,optional" help:"Recipients for SNALERT requests."`
	FromAddress   string   `hcl:"from-address,optional" help:"Envelope sender for admission e-mail." default:"hitspool@icecube.wisc.edu"`
}

// Service is the concrete requestmonitor.Notifier used by the Sender
// process. A nil ObjectSink disables the S3 mirror.
type Service struct {
	config     Config
	httpClient *http.Client
	mailer     mailer
	objectSink *ObjectSink
}

var _ requestmonitor.Notifier = (*Service)(nil)

// New constructs a Service. objectSink may be nil.
func New(config Config, objectSink *ObjectSink) *Service {
	return &Service{
		config:     config,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		mailer:     smtpMailer{host: config.SMTPHost},
		objectSink: objectSink,
	}
}

// EmitStatus delivers status to the configured HTTP endpoint (if any),
// mirrors it to the object sink (if any), and always logs it, satisfying
// §4.3's "status JSON sent to the notification sink" for every transition.
func (s *Service) EmitStatus(ctx context.Context, status message.Status) error {
	logger := logging.FromContext(ctx)
	body, err := json.Marshal(status)
	if err != nil {
		return errors.Wrap(err, "marshal status")
	}
	logger.InfoContext(ctx, "Emitting status", "request_id", status.Value.RequestID, "status", status.Value.Status)

	var errs []error
	if s.config.StatusURL != "" {
		if err := s.post(ctx, body); err != nil {
			errs = append(errs, errors.Wrap(err, "post status"))
		}
	}
	if s.objectSink != nil {
		if err := s.objectSink.Put(ctx, status); err != nil {
			errs = append(errs, errors.Wrap(err, "mirror status"))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.WithStack(errors.Join(errs...))
}

func (s *Service) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.StatusURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build status request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "send status request")
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 300 {
		return errors.Errorf("status sink returned %d", resp.StatusCode)
	}
	return nil
}

// EmitAdmissionEmail sends the one-shot admission e-mail on the first
// admitted message for a request, per §4.3(1) and the Notification e-mail
// triggering Open Question (resolved: only a real INITIAL triggers it, a
// synthetic record from a late STARTED does not, since only the INITIAL
// handler calls this method).
func (s *Service) EmitAdmissionEmail(ctx context.Context, rec *requestmonitor.Record) error {
	if s.config.SMTPHost == "" {
		return nil
	}
	recipients := s.config.AlertEmailDev
	if rec.Prefix == message.PrefixSNAlert {
		recipients = s.config.AlertEmailSN
	}
	if len(recipients) == 0 {
		return nil
	}
	n := buildNotification(s.config.ClusterName, rec)
	return errors.WithStack(s.mailer.Send(ctx, s.config.FromAddress, recipients, n))
}

// Notification is the two-tier e-mail payload: a short subject for paging
// systems and a full body for the archived record, mirroring
// HsUtil.assemble_email_dict's split between the alert summary and the
// full request detail.
type Notification struct {
	Subject string
	Body    string
	Quiet   bool // suppress paging; informational only
}

func buildNotification(clusterName string, rec *requestmonitor.Record) Notification {
	subject := fmt.Sprintf("[%s] HitSpool request %s admitted (%s)", clusterName, rec.RequestID, rec.Prefix)
	body := fmt.Sprintf(
		"HitSpool request %s\nuser: %s\nprefix: %s\ndestination: %s\nhubs: %d\n",
		rec.RequestID, rec.Username, rec.Prefix, rec.DestinationDir, len(rec.HubLegs))
	return Notification{Subject: subject, Body: body, Quiet: rec.Synthetic}
}
