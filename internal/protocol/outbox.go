package protocol

import (
	"bufio"
	"encoding/json"
	"sort"
	"strings"

	"github.com/lattice-run/lattice/pkg/models"
)

// outboxKey identifies an event for dedup purposes: (event_type, timestamp).
type outboxKey struct {
	eventType models.ProtocolEventType
	timestamp int64
}

func keyOf(e models.ProtocolEvent) outboxKey {
	return outboxKey{eventType: e.EventType, timestamp: e.Timestamp.UnixNano()}
}

// ParseOutbox parses raw newline-delimited JSON event bodies (no LATTICE_EVENT
// prefix) as written to /workspace/.lattice/outbox.jsonl.
func ParseOutbox(raw string) ([]models.ProtocolEvent, error) {
	var events []models.ProtocolEvent
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e models.ProtocolEvent
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, ErrMalformedEvent
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Reconcile merges a streamed event list with the durable outbox per the
// wire protocol's reconciliation rule:
//
//   - Index outbox events by (event_type, timestamp).
//   - For each streamed event whose key is present in the index, replace it
//     with the outbox copy (outbox is written after the event fully
//     resolved, so it is treated as more complete).
//   - Append outbox-only events.
//   - Sort the merged list by timestamp ascending.
//
// Reconcile is idempotent: reconciling an already-reconciled list against
// the same outbox returns an identical result.
func Reconcile(streamed, outbox []models.ProtocolEvent) []models.ProtocolEvent {
	index := make(map[outboxKey]models.ProtocolEvent, len(outbox))
	used := make(map[outboxKey]bool, len(outbox))
	for _, e := range outbox {
		index[keyOf(e)] = e
	}

	merged := make([]models.ProtocolEvent, 0, len(streamed)+len(outbox))
	for _, e := range streamed {
		k := keyOf(e)
		if replacement, ok := index[k]; ok {
			merged = append(merged, replacement)
			used[k] = true
			continue
		}
		merged = append(merged, e)
	}

	for _, e := range outbox {
		if !used[keyOf(e)] {
			merged = append(merged, e)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged
}
