// Package requestmonitor implements the Sender's request-aggregation state
// machine: a durable, single-threaded serializer of per-hub report messages
// into per-request state (spec.md §4.3).
package requestmonitor

import (
	"sort"
	"time"

	"github.com/dglo/hitspool/internal/tick"
)

// LegState is a hub-leg's position in its monotone state machine.
type LegState int

const (
	LegInitial LegState = iota
	LegQueued
	LegInProgress
	LegDone
	LegFailed
)

func (s LegState) String() string {
	switch s {
	case LegInitial:
		return "INITIAL"
	case LegQueued:
		return "QUEUED"
	case LegInProgress:
		return "IN_PROGRESS"
	case LegDone:
		return "DONE"
	case LegFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is DONE or FAILED.
func (s LegState) Terminal() bool { return s == LegDone || s == LegFailed }

// HubLeg is one Worker's progress on a Request.
type HubLeg struct {
	State  LegState
	Reason string // failure/clamp explanation, set on FAILED and informational DONE
}

// Record is one durable RequestRecord. Synthetic marks a record created from
// a non-INITIAL message with no prior INITIAL, per §4.3(3).
type Record struct {
	RequestID      string
	Prefix         string
	Username       string
	StartTick      tick.Tick
	StopTick       tick.Tick
	DestinationDir string
	HubLegs        map[string]*HubLeg
	ExpiryDeadline time.Time
	CreatedAt      time.Time
	Synthetic      bool

	// AnnouncedInProgress is set once the IN_PROGRESS status has been sent,
	// so §4.3(4)'s "once, not once per hub" rule is enforced without
	// re-scanning every leg on each transition. Persisted so a crash after
	// announcing but before the next transition doesn't re-announce on
	// replay.
	AnnouncedInProgress bool
}

// AllTerminal reports whether every known hub-leg has reached DONE or
// FAILED.
func (r *Record) AllTerminal() bool {
	for _, leg := range r.HubLegs {
		if !leg.State.Terminal() {
			return false
		}
	}
	return len(r.HubLegs) > 0
}

// Aggregate computes the terminal status and the comma-joined hub-tail
// lists required by §4.3(5) and §6's status JSON success/failed fields.
// Hub host names are expected in the "ichubNN" / "ithubNN" shorthost form;
// hubTail returns the numeric suffix, matching scenario 1's success="1,66".
func (r *Record) Aggregate() (status string, success, failed []string) {
	hosts := make([]string, 0, len(r.HubLegs))
	for host := range r.HubLegs {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	for _, host := range hosts {
		tail := hubTail(host)
		switch r.HubLegs[host].State {
		case LegDone:
			success = append(success, tail)
		case LegFailed:
			failed = append(failed, tail)
		}
	}
	switch {
	case len(failed) == 0:
		status = "SUCCESS"
	case len(success) == 0:
		status = "FAIL"
	default:
		status = "PARTIAL"
	}
	return status, success, failed
}

// hubTail extracts the trailing digits of a hub shorthost, e.g. "ichub01"
// -> "1", "ichub66" -> "66". Non-numeric suffixes are returned unchanged.
func hubTail(host string) string {
	i := len(host)
	for i > 0 && host[i-1] >= '0' && host[i-1] <= '9' {
		i--
	}
	tail := host[i:]
	if tail == "" {
		return host
	}
	// Strip any leading zero so "01" reads as "1", matching scenario 1.
	j := 0
	for j < len(tail)-1 && tail[j] == '0' {
		j++
	}
	return tail[j:]
}
