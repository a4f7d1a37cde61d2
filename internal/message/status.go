package message

import "time"

// Status values for the "status" field of the status JSON, per §6/§7.
const (
	StatusQueued       = "QUEUED"
	StatusInProgress   = "IN PROGRESS"
	StatusSuccess      = "SUCCESS"
	StatusFail         = "FAIL"
	StatusPartial      = "PARTIAL"
	StatusRequestError = "REQUEST ERROR"
)

// StatusValue is the "value" object of the status JSON sent to the
// notification sink.
type StatusValue struct {
	RequestID      string `json:"request_id"`
	Username       string `json:"username"`
	Prefix         string `json:"prefix"`
	StartTime      string `json:"start_time"`
	StopTime       string `json:"stop_time"`
	DestinationDir string `json:"destination_dir"`
	UpdateTime     string `json:"update_time"`
	Status         string `json:"status"`
	Success        string `json:"success,omitempty"`
	Failed         string `json:"failed,omitempty"`
}

// Status is the full envelope sent to the I3Live-shaped notification sink.
type Status struct {
	Service string      `json:"service"`
	Varname string      `json:"varname"`
	Prio    int         `json:"prio"`
	Time    string      `json:"time"`
	Value   StatusValue `json:"value"`
}

// NewStatus builds a Status envelope with the current time formatted the
// way the notification sink expects.
func NewStatus(value StatusValue) Status {
	return Status{
		Service: "hitspool",
		Varname: "hsrequest_info",
		Prio:    1,
		Time:    now().UTC().Format("2006-01-02 15:04:05"),
		Value:   value,
	}
}

// now is a seam for tests.
var now = time.Now
