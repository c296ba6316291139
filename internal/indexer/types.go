package indexer

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNoRelay        = errors.New("at least one relay url is required")
	ErrNoProcessor    = errors.New("processor is required")
	ErrAlreadyRunning = errors.New("indexing service already running")
	ErrStopping       = errors.New("indexing service is stopping")
	ErrBackpressure   = errors.New("event queue full")
	ErrQueueClosed    = errors.New("event queue closed")
	ErrNotFound       = errors.New("not found")
	ErrUnknownFrame   = errors.New("unrecognized frame")
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// Operation is a single record-level change extracted from a commit.
type Operation struct {
	RepoDID     string          `json:"repoDid"`
	Collection  string          `json:"collection"`
	RecordKey   string          `json:"recordKey"`
	Action      Action          `json:"action"`
	CID         string          `json:"cid,omitempty"`
	// Rev is the commit revision (a per-repo TID). Unlike Sequence it is
	// comparable across relays.
	Rev         string          `json:"rev,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Sequence    int64           `json:"sequence"`
	OriginRelay string          `json:"originRelay"`
	ObservedAt  time.Time       `json:"observedAt"`

	// DecodeErr is set when the record could not be decoded or validated.
	// Such operations skip the processor and are dead-lettered.
	DecodeErr error `json:"-"`
}

// Path returns collection/rkey.
func (op Operation) Path() string {
	if op.RecordKey == "" {
		return op.Collection
	}
	return op.Collection + "/" + op.RecordKey
}

// DedupKey identifies the same logical change regardless of which relay
// delivered it.
func (op Operation) DedupKey() string {
	return strings.Join([]string{op.RepoDID, op.Collection, op.RecordKey, op.CID}, "|")
}

// URI returns the at:// URI of the record.
func (op Operation) URI() string {
	return "at://" + op.RepoDID + "/" + op.Path()
}

type QueueItem struct {
	Operation     Operation `json:"operation"`
	Attempts      int       `json:"attempts"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
	FirstFailedAt time.Time `json:"firstFailedAt,omitempty"`
}

type Cursor struct {
	Consumer  string    `json:"consumer"`
	Relay     string    `json:"relay"`
	Sequence  int64     `json:"sequence"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type DeadLetterEntry struct {
	ID            string     `json:"id"`
	Operation     Operation  `json:"operation"`
	LastError     string     `json:"lastError"`
	Class         ErrorClass `json:"class"`
	Attempts      int        `json:"attempts"`
	FirstFailedAt time.Time  `json:"firstFailedAt"`
	LastFailedAt  time.Time  `json:"lastFailedAt"`
}

type RelayStatus struct {
	Name           string `json:"name"`
	URL            string `json:"url"`
	Connected      bool   `json:"connected"`
	LastSequence   *int64 `json:"lastSequence,omitempty"`
	CursorSequence *int64 `json:"cursorSequence,omitempty"`
	ErrorCount     int64  `json:"errorCount"`
	Reconnects     int64  `json:"reconnects"`
}

type ServiceStatus struct {
	State              State         `json:"state"`
	Running            bool          `json:"running"`
	EventsProcessed    int64         `json:"eventsProcessed"`
	Errors             int64         `json:"errors"`
	DuplicatesFiltered int64         `json:"duplicatesFiltered"`
	Retries            int64         `json:"retries"`
	DeadLettered       int64         `json:"deadLettered"`
	QueueDepth         int           `json:"queueDepth"`
	QueueCapacity      int           `json:"queueCapacity"`
	RelayStatuses      []RelayStatus `json:"relayStatuses,omitempty"`
}
