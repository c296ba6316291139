package firehose

import (
	"encoding/json"
	"time"
)

// Frame is one message read from a relay connection.
type Frame struct {
	Relay      string
	Data       []byte
	ReceivedAt time.Time
}

// SequenceFunc extracts the relay sequence carried by a frame, if any.
type SequenceFunc func(data []byte) (int64, bool)

type sequenceProbe struct {
	Seq    *int64 `json:"seq"`
	TimeUS *int64 `json:"time_us"`
}

// JSONSequence reads "seq" (repo commit streams) or "time_us" (jetstream).
func JSONSequence(data []byte) (int64, bool) {
	var probe sequenceProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return 0, false
	}
	switch {
	case probe.Seq != nil:
		return *probe.Seq, true
	case probe.TimeUS != nil:
		return *probe.TimeUS, true
	default:
		return 0, false
	}
}
