// Package sink holds the processors that materialize indexed records.
package sink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/agentworkforce/relayindex/internal/indexer"
)

// Sink is a Processor that owns resources.
type Sink interface {
	indexer.Processor
	Close() error
}

// Multi fans each operation out to every sink in order and stops at the first
// failure, so a retry replays the whole chain. Sinks must be idempotent.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Multi{sinks: out}
}

func (m *Multi) Process(ctx context.Context, op indexer.Operation) error {
	for _, s := range m.sinks {
		if err := s.Process(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes one debug record per operation.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Process(ctx context.Context, op indexer.Operation) error {
	s.logger.DebugContext(ctx, "record indexed",
		"uri", op.URI(),
		"action", op.Action,
		"cid", op.CID,
		"seq", op.Sequence,
		"bytes", len(op.Value))
	return nil
}

func (s *LogSink) Close() error { return nil }
