// Package spool reads a Worker's rolling hit-spool metadata and resolves a
// requested tick window against it.
package spool

import (
	"bufio"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/alecthomas/errors"

	"github.com/dglo/hitspool/internal/tick"
)

// ErrDataNotInSpool is returned when a requested window overlaps no slice
// currently retained by the spool.
var ErrDataNotInSpool = errors.New("data not in spool")

// ErrUnparseable is wrapped when the metadata sidecar cannot be parsed; per
// §4.2, unparseable metadata is treated as an empty spool: the Worker fails
// every request while it cannot be parsed (with a "could not read spool
// metadata" reason rather than ErrDataNotInSpool).
var ErrUnparseable = errors.New("unparseable spool metadata")

// SliceInfo describes one numbered HitSpool-<n>.dat file's tick coverage.
type SliceInfo struct {
	Number int
	Range  tick.Range
}

// Metadata is the parsed contents of a spool's info.txt-like sidecar: the
// circular log's current write-head slice number and the tick range
// covered by every slice still on disk.
type Metadata struct {
	Head   int
	Slices []SliceInfo
}

// Parse reads the line-oriented sidecar format:
//
//	cur_slice=<n>
//	<number> <start_tick> <stop_tick>
//	...
//
// One line per retained slice, in no particular order — slice numbers wrap
// around the ring, so file-number order does not imply tick order. Any
// parse failure returns ErrUnparseable, per §4.2's "treated as empty".
func Parse(r io.Reader) (Metadata, error) {
	scanner := bufio.NewScanner(r)
	var md Metadata
	headSeen := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "cur_slice="); ok {
			head, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil {
				return Metadata{}, errors.Wrap(ErrUnparseable, "bad cur_slice line")
			}
			md.Head = head
			headSeen = true
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return Metadata{}, errors.Wrap(ErrUnparseable, "malformed slice line "+line)
		}
		number, err := strconv.Atoi(fields[0])
		if err != nil {
			return Metadata{}, errors.Wrap(ErrUnparseable, "bad slice number "+fields[0])
		}
		start, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return Metadata{}, errors.Wrap(ErrUnparseable, "bad start tick "+fields[1])
		}
		stop, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return Metadata{}, errors.Wrap(ErrUnparseable, "bad stop tick "+fields[2])
		}
		r, err := tick.NewRange(tick.Tick(start), tick.Tick(stop))
		if err != nil {
			return Metadata{}, errors.Wrap(ErrUnparseable, "inverted slice range")
		}
		md.Slices = append(md.Slices, SliceInfo{Number: number, Range: r})
	}
	if err := scanner.Err(); err != nil {
		return Metadata{}, errors.Wrap(ErrUnparseable, "read metadata")
	}
	if !headSeen {
		return Metadata{}, errors.Wrap(ErrUnparseable, "missing cur_slice line")
	}
	return md, nil
}

// Resolve finds every slice whose range overlaps window, per §4.2(1): a
// slice is included in full even if it only partially overlaps. Ring
// wrap-around is a non-issue here because each slice carries its own
// absolute tick range rather than an implied position from its file
// number — the ring's write-head pointer (Metadata.Head) only matters for
// distinguishing "not yet written" numbers from genuinely absent ones, so
// callers never need to walk file numbers in numeric order to find
// coverage. The result is ordered oldest-to-newest by start tick, the order
// the Worker links them into the staging directory.
//
// If maxSpan > 0 and window exceeds it, the window is clamped to maxSpan
// ticks (anchored at window.Start) before matching, and clamped is true.
func (md Metadata) Resolve(window tick.Range, maxSpan tick.Tick) (matched []SliceInfo, clamped bool, err error) {
	window, clamped = window.Clamp(maxSpan)

	for _, s := range md.Slices {
		if s.Range.Overlaps(window) {
			matched = append(matched, s)
		}
	}
	if len(matched) == 0 {
		return nil, clamped, errors.WithStack(ErrDataNotInSpool)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Range.Start < matched[j].Range.Start })
	return matched, clamped, nil
}
