// Package publish implements C9: a pull-on-demand fan-out of
// SystemState snapshots to subscribers, coalescing rapid updates into
// the latest version rather than queuing every intermediate one.
package publish

import (
	"context"
	"time"

	"github.com/solarwatt/core/internal/aggregator"
	"github.com/solarwatt/core/internal/stdkeys"
)

// KeyFilter selects which StandardKeys a subscriber cares about; nil
// means "everything" (§4.9's `filter` predicate).
type KeyFilter func(stdkeys.Key) bool

// Publisher polls the aggregator's versioned SystemState and fans out
// Snapshots to subscribers at their own pace.
type Publisher struct {
	agg      *aggregator.Aggregator
	interval time.Duration
}

func New(agg *aggregator.Aggregator, pollInterval time.Duration) *Publisher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Publisher{agg: agg, interval: pollInterval}
}

// Subscribe returns a channel of Snapshots filtered by key, coalesced:
// the channel has capacity 1 and a full channel is drained before the
// newer snapshot is pushed, so a slow subscriber only ever sees the
// latest version, never a backlog (§4.9).
func (p *Publisher) Subscribe(ctx context.Context, filter KeyFilter) <-chan aggregator.Snapshot {
	out := make(chan aggregator.Snapshot, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		var lastVersion uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := p.agg.Snapshot()
				if snap.Version == lastVersion {
					continue
				}
				lastVersion = snap.Version
				if filter != nil {
					snap = applyFilter(snap, filter)
				}
				select {
				case out <- snap:
				default:
					select {
					case <-out:
					default:
					}
					out <- snap
				}
			}
		}
	}()

	return out
}

func applyFilter(snap aggregator.Snapshot, filter KeyFilter) aggregator.Snapshot {
	values := make(map[stdkeys.Key]stdkeys.Value, len(snap.Values))
	for k, v := range snap.Values {
		if filter(k) {
			values[k] = v
		}
	}
	snap.Values = values
	return snap
}
