// Package message defines the JSON wire schemas exchanged over the Alert,
// Fan-out and Report channels, and the status JSON sent to the notification
// sink.
package message

import (
	"encoding/json"

	"github.com/alecthomas/errors"

	"github.com/dglo/hitspool/internal/tick"
)

// CurrentVersion is the protocol version emitted by this implementation and
// the minimum version accepted on the Report channel.
const CurrentVersion = 1

// Prefix values recognised as categorical; anything else is treated as an
// operator-supplied free-form prefix.
const (
	PrefixSNAlert = "SNALERT"
	PrefixHESE    = "HESE"
	PrefixAnon    = "ANON"
)

// Kind enumerates the five report-message kinds carried on the Report
// channel, plus the INITIAL kind also used on the Fan-out channel.
type Kind string

const (
	KindInitial Kind = "INITIAL"
	KindStarted Kind = "STARTED"
	KindWorking Kind = "WORKING"
	KindDone    Kind = "DONE"
	KindFailed  Kind = "FAILED"
)

// ErrBadMessage is wrapped by every schema-validation failure.
var ErrBadMessage = errors.New("bad message")

// AlertRequest is the JSON body of a client request to the Publisher.
type AlertRequest struct {
	StartNanos     int64    `json:"start"`
	StopNanos      int64    `json:"stop"`
	Copy           string   `json:"copy"`
	RequestID      string   `json:"request_id"`
	Username       string   `json:"username"`
	Prefix         string   `json:"prefix"`
	Hubs           []string `json:"hubs,omitempty"`
	hubsWasInvalid bool     // set by UnmarshalJSON when "hubs" is present but not a list
}

// AlertReply is returned on validation failure. On success the raw bytes
// "DONE\0" are written instead (see bus/httpbus).
type AlertReply struct {
	Error string `json:"error"`
}

// UnmarshalJSON accepts "hubs" as either a JSON array or, per §7/scenario 4,
// records any other shape (e.g. a bare string) as invalid rather than
// failing to decode outright, so Validate can report it as a bad message
// instead of the caller seeing an opaque JSON decode error.
func (r *AlertRequest) UnmarshalJSON(data []byte) error {
	type alias AlertRequest
	var raw struct {
		alias
		Hubs json.RawMessage `json:"hubs,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.WithStack(err)
	}
	*r = AlertRequest(raw.alias)
	if len(raw.Hubs) == 0 {
		return nil
	}
	var hubs []string
	if err := json.Unmarshal(raw.Hubs, &hubs); err != nil {
		r.hubsWasInvalid = true
		return nil
	}
	r.Hubs = hubs
	return nil
}

// Validate checks required fields and numeric convertibility. It does not
// check hub membership against a known-hubs list; callers do that with
// ValidateHubs once they have the roster.
func (r *AlertRequest) Validate() error {
	if r.hubsWasInvalid {
		return errors.Wrap(ErrBadMessage, `"hubs" must be a list of hub names`)
	}
	if r.Copy == "" {
		return errors.Wrap(ErrBadMessage, `missing "copy" destination directory`)
	}
	if r.Username == "" {
		return errors.Wrap(ErrBadMessage, `missing "username"`)
	}
	if r.StartNanos < 0 || r.StopNanos < 0 {
		return errors.Wrap(ErrBadMessage, "negative time bounds")
	}
	if r.StartNanos > r.StopNanos {
		return errors.Wrap(ErrBadMessage, "start after stop")
	}
	return nil
}

// ValidateHubs rejects any hub not present in known.
func (r *AlertRequest) ValidateHubs(known map[string]bool) error {
	for _, h := range r.Hubs {
		if !known[h] {
			return errors.Wrap(ErrBadMessage, "unknown hub "+h)
		}
	}
	return nil
}

// NormalizedPrefix returns r.Prefix, or PrefixAnon if it was left blank.
func (r *AlertRequest) NormalizedPrefix() string {
	if r.Prefix == "" {
		return PrefixAnon
	}
	return r.Prefix
}

// TickRange converts the nanosecond start/stop on the wire into a tick.Range.
func (r *AlertRequest) TickRange() (tick.Range, error) {
	return tick.NewRange(tick.FromNanoseconds(r.StartNanos), tick.FromNanoseconds(r.StopNanos))
}

// Report is a single INITIAL/STARTED/WORKING/DONE/FAILED message on the
// Report channel (also used, restricted to msgtype INITIAL, on the Fan-out
// channel).
type Report struct {
	MsgType        Kind     `json:"msgtype"`
	RequestID      string   `json:"request_id"`
	Username       string   `json:"username"`
	Prefix         string   `json:"prefix"`
	StartTicks     tick.Tick `json:"start_ticks"`
	StopTicks      tick.Tick `json:"stop_ticks"`
	CopyDir        *string  `json:"copy_dir,omitempty"`
	DestinationDir string   `json:"destination_dir"`
	Extract        bool     `json:"extract,omitempty"`
	Host           string   `json:"host"`
	Hubs           []string `json:"hubs,omitempty"`
	Version        int      `json:"version"`

	// Reason carries a human-readable failure/clamp explanation for FAILED
	// messages and truncation metadata on DONE messages. Not part of the
	// original I3Live wire format kept by spec.md, but needed so §4.2's
	// "truncation is reported in the DONE message's metadata" has somewhere
	// to live; omitted from the JSON entirely when empty so the wire shape
	// matches spec.md §6 exactly for the common case.
	Reason string `json:"reason,omitempty"`
}

// Validate applies the §4.3(1) schema check: msgtype, request_id, and
// (except for WORKING) start_ticks/stop_ticks must be present.
func (m *Report) Validate() error {
	if m.MsgType == "" {
		return errors.Wrap(ErrBadMessage, "missing msgtype")
	}
	switch m.MsgType {
	case KindInitial, KindStarted, KindWorking, KindDone, KindFailed:
	default:
		return errors.Wrap(ErrBadMessage, "unknown msgtype "+string(m.MsgType))
	}
	if m.RequestID == "" {
		return errors.Wrap(ErrBadMessage, "missing request_id")
	}
	if m.MsgType != KindWorking {
		if m.StartTicks == 0 && m.StopTicks == 0 {
			return errors.Wrap(ErrBadMessage, "missing start_ticks/stop_ticks")
		}
	}
	return nil
}

// CheckVersion applies §4.3(2): version absent (zero) or less than
// CurrentVersion is rejected.
func (m *Report) CheckVersion() error {
	if m.Version < CurrentVersion {
		return errors.Wrap(ErrBadMessage, "stale protocol version")
	}
	return nil
}
