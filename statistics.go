package plexus

import (
	"context"
	"sort"
	"sync"
)

// MessageEvent is emitted on every tracked status transition when event
// sending is enabled. The observer package bridges these onto OTEL counters.
type MessageEvent struct {
	ChannelID  string
	MetaDataID int
	Status     Status
	Count      int64
}

// EventSink receives message events.
type EventSink interface {
	MessageEvent(ev MessageEvent)
}

type statKey struct {
	metaDataID int
	serverID   string
}

// Statistics holds the authoritative in-memory counters of tracked statuses
// for one channel, keyed by (metaDataId, serverId).
type Statistics struct {
	channelID      string
	allowNegatives bool
	sendEvents     bool
	sink           EventSink

	mu     sync.Mutex
	counts map[statKey]*StatSnapshot
}

// StatisticsOption configures a Statistics.
type StatisticsOption func(*Statistics)

// WithEventSink enables MessageEvent emission to sink on every tracked
// transition.
func WithEventSink(sink EventSink) StatisticsOption {
	return func(s *Statistics) {
		s.sink = sink
		s.sendEvents = sink != nil
	}
}

// WithAllowNegatives disables flooring decrements at zero. Used when seeding
// from persisted rows that may be ahead of memory.
func WithAllowNegatives() StatisticsOption {
	return func(s *Statistics) { s.allowNegatives = true }
}

// NewStatistics returns empty statistics for channelID.
func NewStatistics(channelID string, opts ...StatisticsOption) *Statistics {
	s := &Statistics{
		channelID: channelID,
		counts:    make(map[statKey]*StatSnapshot),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Seed loads persisted rows into memory, replacing current counts.
func (s *Statistics) Seed(rows []StatSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[statKey]*StatSnapshot, len(rows))
	for _, r := range rows {
		row := r
		s.counts[statKey{r.MetaDataID, r.ServerID}] = &row
	}
}

func (s *Statistics) row(metaDataID int, serverID string) *StatSnapshot {
	k := statKey{metaDataID, serverID}
	row, ok := s.counts[k]
	if !ok {
		row = &StatSnapshot{MetaDataID: metaDataID, ServerID: serverID}
		s.counts[k] = row
	}
	return row
}

func (r *StatSnapshot) bump(status Status, delta int64, floor bool) {
	var p *int64
	switch status {
	case StatusReceived:
		p = &r.Received
	case StatusFiltered:
		p = &r.Filtered
	case StatusSent:
		p = &r.Sent
	case StatusError:
		p = &r.Errored
	default:
		return
	}
	*p += delta
	if floor && *p < 0 {
		*p = 0
	}
}

// UpdateStatus records a transition for (metaDataId, serverId): the previous
// tracked status (if any) is decremented, the new tracked status incremented.
// Transitions where neither side is tracked are ignored entirely.
func (s *Statistics) UpdateStatus(metaDataID int, serverID string, status Status, previous Status) {
	if !status.Tracked() && !previous.Tracked() {
		return
	}
	s.mu.Lock()
	row := s.row(metaDataID, serverID)
	if previous.Tracked() {
		row.bump(previous, -1, !s.allowNegatives)
	}
	if status.Tracked() {
		row.bump(status, 1, !s.allowNegatives)
	}
	s.mu.Unlock()

	if s.sendEvents && status.Tracked() {
		s.sink.MessageEvent(MessageEvent{
			ChannelID:  s.channelID,
			MetaDataID: metaDataID,
			Status:     status,
			Count:      1,
		})
	}
}

// Connector returns the summed counts for one metaDataId across servers.
func (s *Statistics) Connector(metaDataID int) StatSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StatSnapshot{MetaDataID: metaDataID}
	for k, row := range s.counts {
		if k.metaDataID != metaDataID {
			continue
		}
		out.Received += row.Received
		out.Filtered += row.Filtered
		out.Sent += row.Sent
		out.Errored += row.Errored
	}
	return out
}

// ChannelTotals returns the channel-aggregate view. Aggregation is
// asymmetric: RECEIVED comes only from the source, SENT only from
// destinations, FILTERED and ERROR from all connectors.
func (s *Statistics) ChannelTotals() StatSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out StatSnapshot
	for k, row := range s.counts {
		if k.metaDataID == 0 {
			out.Received += row.Received
		} else {
			out.Sent += row.Sent
		}
		out.Filtered += row.Filtered
		out.Errored += row.Errored
	}
	return out
}

// Reset zeroes counters in scope.
func (s *Statistics) Reset(scope StatScope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, row := range s.counts {
		if scope.MetaDataID >= 0 && k.metaDataID != scope.MetaDataID {
			continue
		}
		if scope.ServerID != "" && k.serverID != scope.ServerID {
			continue
		}
		*row = StatSnapshot{MetaDataID: k.metaDataID, ServerID: k.serverID}
	}
}

// --- Accumulator ---

type accKey struct {
	metaDataID int
	serverID   string
	status     Status
}

// Accumulator batches statistics increments and flushes them as database
// updates. Flush orders updates by metaDataId ascending so the channel
// aggregate row (metaDataId 0) is always touched first, preventing deadlocks
// between concurrent channel-level and destination-level flushes.
type Accumulator struct {
	channelID string

	mu      sync.Mutex
	pending map[accKey]int64
}

// NewAccumulator returns an empty accumulator for channelID.
func NewAccumulator(channelID string) *Accumulator {
	return &Accumulator{
		channelID: channelID,
		pending:   make(map[accKey]int64),
	}
}

// Increment coalesces n into the pending delta for (metaDataId, serverId,
// status). Non-tracked statuses are ignored.
func (a *Accumulator) Increment(metaDataID int, serverID string, status Status, n int64) {
	if !status.Tracked() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[accKey{metaDataID, serverID, status}] += n
}

// Len returns the number of pending entries.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Flush writes all pending deltas through tx and clears the batch. Updates
// are sorted by metaDataId ascending (0 first).
func (a *Accumulator) Flush(ctx context.Context, tx Tx) error {
	a.mu.Lock()
	keys := make([]accKey, 0, len(a.pending))
	for k := range a.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].metaDataID != keys[j].metaDataID {
			return keys[i].metaDataID < keys[j].metaDataID
		}
		if keys[i].serverID != keys[j].serverID {
			return keys[i].serverID < keys[j].serverID
		}
		return keys[i].status < keys[j].status
	})
	deltas := make([]int64, len(keys))
	for i, k := range keys {
		deltas[i] = a.pending[k]
	}
	a.pending = make(map[accKey]int64)
	a.mu.Unlock()

	for i, k := range keys {
		if deltas[i] == 0 {
			continue
		}
		if err := tx.IncrementStatistic(ctx, a.channelID, k.metaDataID, k.serverID, k.status, deltas[i]); err != nil {
			return err
		}
	}
	return nil
}
