package indexer

import (
	"fmt"

	"github.com/agentworkforce/relayindex/internal/firehose"
)

// Status is a point-in-time snapshot. Relay statuses are included only in
// multi-relay mode.
func (s *Service) Status() ServiceStatus {
	s.mu.Lock()
	state, run := s.state, s.run
	s.mu.Unlock()

	status := ServiceStatus{
		State:              state,
		Running:            state == StateRunning,
		EventsProcessed:    s.counters.processed.Load(),
		Errors:             s.counters.errors.Load(),
		DuplicatesFiltered: s.counters.duplicates.Load(),
		Retries:            s.counters.retries.Load(),
		DeadLettered:       s.counters.deadLettered.Load(),
		QueueCapacity:      s.cfg.QueueSize,
	}
	if run != nil && state != StateStopped {
		status.QueueDepth = run.queue.Depth()
	}
	if s.multiRelay {
		status.RelayStatuses = s.Relays()
	}
	return status
}

// Relays reports every configured relay regardless of mode.
func (s *Service) Relays() []RelayStatus {
	out := make([]RelayStatus, 0, len(s.relays))
	for _, relay := range s.relays {
		src := relay.source.Status()
		rs := RelayStatus{
			Name:       relay.name,
			URL:        relay.url,
			Connected:  src.Connected,
			ErrorCount: src.ErrorCount + relay.frameErrors.Load(),
			Reconnects: src.Reconnects,
		}
		if src.HasSequence {
			seq := src.LastSequence
			rs.LastSequence = &seq
		}
		if committed, ok := s.cursors.Committed(s.cfg.ConsumerName, relay.url); ok {
			rs.CursorSequence = &committed
		}
		out = append(out, rs)
	}
	return out
}

// deriveRelayNames names relays by host, suffixing repeats with -2, -3, ...
func deriveRelayNames(urls []string) []string {
	names := make([]string, len(urls))
	used := make(map[string]int, len(urls))
	for i, url := range urls {
		base := firehose.RelayName(url)
		used[base]++
		if n := used[base]; n > 1 {
			names[i] = fmt.Sprintf("%s-%d", base, n)
			continue
		}
		names[i] = base
	}
	return names
}
