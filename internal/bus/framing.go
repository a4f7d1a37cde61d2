// Package bus defines the three message-bus channel shapes described in
// spec.md §2: the Alert request/reply channel, the Fan-out publish/subscribe
// channel, and the Report many-to-one push/pull channel.
package bus

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/alecthomas/errors"
)

// WriteJSONLine marshals v as a single line-delimited JSON record, the wire
// framing used by the Fan-out and Report channels.
func WriteJSONLine(w io.Writer, v any) error {
	bw := bufio.NewWriter(w)
	if err := json.NewEncoder(bw).Encode(v); err != nil {
		return errors.Wrap(err, "encode json line")
	}
	return errors.WithStack(bw.Flush())
}

// ReadJSONLine reads and unmarshals a single line-delimited JSON record.
func ReadJSONLine(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return errors.WithStack(err)
	}
	if jerr := json.Unmarshal(line, v); jerr != nil {
		return errors.Wrap(jerr, "decode json line")
	}
	return nil
}
