package indexer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/relayindex/internal/firehose"
)

// RecordValidator checks a decoded record against its collection's schema.
// It returns nil for collections it has no schema for.
type RecordValidator interface {
	Validate(collection string, value json.RawMessage) error
}

// CommitHandler turns raw relay frames into per-record operations.
type CommitHandler struct {
	validator RecordValidator
	now       func() time.Time
}

func NewCommitHandler(validator RecordValidator) *CommitHandler {
	return &CommitHandler{validator: validator, now: time.Now}
}

// wireFrame covers both the repo-commit stream and jetstream shapes.
type wireFrame struct {
	Seq  *int64            `json:"seq"`
	Repo string            `json:"repo"`
	Rev  string            `json:"rev"`
	Time string            `json:"time"`
	Ops  []json.RawMessage `json:"ops"`

	DID    string          `json:"did"`
	TimeUS int64           `json:"time_us"`
	Kind   string          `json:"kind"`
	Commit json.RawMessage `json:"commit"`
}

type repoOp struct {
	Action string          `json:"action"`
	Path   string          `json:"path"`
	CID    *string         `json:"cid"`
	Record json.RawMessage `json:"record"`
}

type jetstreamCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	CID        string          `json:"cid"`
	Record     json.RawMessage `json:"record"`
}

// ParseCommit decodes frame into zero or more operations. Only a frame whose
// envelope cannot be read yields an error; a bad individual record is
// returned with DecodeErr set.
func (h *CommitHandler) ParseCommit(frame firehose.Frame) ([]Operation, error) {
	var wire wireFrame
	if err := json.Unmarshal(frame.Data, &wire); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	observedAt := frame.ReceivedAt
	if observedAt.IsZero() {
		observedAt = h.now().UTC()
	}

	switch {
	case wire.Kind != "":
		if wire.Kind != "commit" {
			return nil, nil
		}
		return []Operation{h.parseJetstream(wire, frame.Relay, observedAt)}, nil
	case wire.Repo != "" && wire.Seq != nil:
		ops := make([]Operation, 0, len(wire.Ops))
		for _, raw := range wire.Ops {
			op := h.parseRepoOp(raw, wire.Repo, *wire.Seq, frame.Relay, observedAt)
			op.Rev = wire.Rev
			ops = append(ops, op)
		}
		return ops, nil
	default:
		return nil, ErrUnknownFrame
	}
}

func (h *CommitHandler) parseRepoOp(raw json.RawMessage, repo string, seq int64, relay string, observedAt time.Time) Operation {
	op := Operation{
		RepoDID:     repo,
		Sequence:    seq,
		OriginRelay: relay,
		ObservedAt:  observedAt,
	}
	var wire repoOp
	if err := json.Unmarshal(raw, &wire); err != nil {
		op.DecodeErr = decodeError("op", err)
		return op
	}
	op.Action = Action(wire.Action)
	if wire.CID != nil {
		op.CID = *wire.CID
	}
	collection, rkey, err := ParsePath(wire.Path)
	op.Collection, op.RecordKey = collection, rkey
	if err != nil {
		op.DecodeErr = decodeError(wire.Path, err)
		return op
	}
	h.attachRecord(&op, wire.Record)
	return op
}

func (h *CommitHandler) parseJetstream(wire wireFrame, relay string, observedAt time.Time) Operation {
	op := Operation{
		RepoDID:     wire.DID,
		Sequence:    wire.TimeUS,
		OriginRelay: relay,
		ObservedAt:  observedAt,
	}
	var commit jetstreamCommit
	if err := json.Unmarshal(wire.Commit, &commit); err != nil {
		op.DecodeErr = decodeError("commit", err)
		return op
	}
	op.Action = Action(commit.Operation)
	op.Collection = commit.Collection
	op.RecordKey = commit.RKey
	op.CID = commit.CID
	op.Rev = commit.Rev
	if op.Collection == "" || op.RecordKey == "" {
		op.DecodeErr = decodeError(op.Path(), errors.New("missing collection or rkey"))
		return op
	}
	h.attachRecord(&op, commit.Record)
	return op
}

func (h *CommitHandler) attachRecord(op *Operation, record json.RawMessage) {
	if !op.Action.Valid() {
		op.DecodeErr = decodeError(op.Path(), fmt.Errorf("unknown action %q", op.Action))
		return
	}
	if op.Action == ActionDelete {
		return
	}
	record = bytes.TrimSpace(record)
	if len(record) == 0 || bytes.Equal(record, []byte("null")) {
		op.DecodeErr = decodeError(op.Path(), errors.New("missing record"))
		return
	}
	if record[0] != '{' {
		op.DecodeErr = decodeError(op.Path(), errors.New("record is not an object"))
		return
	}
	op.Value = append(json.RawMessage(nil), record...)
}

// Validate runs the schema check on op's record, recording a failure as a
// permanent DecodeErr. Call it only for operations the filter accepted.
func (h *CommitHandler) Validate(op *Operation) {
	if h.validator == nil || op.DecodeErr != nil || op.Action == ActionDelete || len(op.Value) == 0 {
		return
	}
	if err := h.validator.Validate(op.Collection, op.Value); err != nil {
		op.DecodeErr = Permanent(fmt.Errorf("validate %s: %w", op.Path(), err))
	}
}

// ParsePath splits collection/rkey. Segments past the record key are ignored.
func ParsePath(path string) (collection, rkey string, err error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", "", fmt.Errorf("%w: empty path", ErrInvalidInput)
	}
	parts := strings.SplitN(path, "/", 3)
	collection = parts[0]
	if len(parts) > 1 {
		rkey = parts[1]
	}
	if collection == "" || rkey == "" {
		return collection, rkey, fmt.Errorf("%w: malformed path %q", ErrInvalidInput, path)
	}
	return collection, rkey, nil
}

func decodeError(subject string, err error) error {
	return Permanent(fmt.Errorf("decode %s: %w", subject, err))
}
