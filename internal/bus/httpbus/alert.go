// Package httpbus implements the Alert, Fan-out and Report channels over
// plain HTTP, following the same client/server split as a remote
// object-store cache: a small http.Client wrapper on one side, an
// http.Handler on the other.
package httpbus

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/alecthomas/errors"

	"github.com/dglo/hitspool/internal/message"
)

// doneReply is the literal acknowledgement spec.md §4.1/§6 requires.
var doneReply = []byte("DONE\x00")

// AlertClient is an HTTP client for the Alert request/reply channel.
type AlertClient struct {
	baseURL string
	client  *http.Client
}

// NewAlertClient creates a client that POSTs to baseURL.
func NewAlertClient(baseURL string) *AlertClient {
	return &AlertClient{baseURL: baseURL, client: &http.Client{}}
}

// SendAlert implements bus.AlertClient.
func (c *AlertClient) SendAlert(ctx context.Context, req message.AlertRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "marshal alert request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create alert request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "send alert request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read alert reply")
	}

	if resp.StatusCode != http.StatusOK {
		var reply message.AlertReply
		if jsonErr := json.Unmarshal(respBody, &reply); jsonErr == nil && reply.Error != "" {
			return errors.Errorf("alert rejected: %s", reply.Error)
		}
		return errors.Errorf("alert rejected with status %d", resp.StatusCode)
	}
	if !bytes.Equal(respBody, doneReply) {
		return errors.Errorf("unexpected alert reply %q", respBody)
	}
	return nil
}

// AlertHandler adapts a Publisher's admission function to http.Handler.
type AlertHandler struct {
	// Admit validates and dispatches req, returning an error describing the
	// rejection if admission fails.
	Admit func(ctx context.Context, req message.AlertRequest) error
}

var _ http.Handler = (*AlertHandler)(nil)

func (h *AlertHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req message.AlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAlertError(w, "malformed JSON: "+err.Error())
		return
	}

	if err := h.Admit(r.Context(), req); err != nil {
		writeAlertError(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doneReply) //nolint:errcheck
}

func writeAlertError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(message.AlertReply{Error: msg}) //nolint:errcheck
}
