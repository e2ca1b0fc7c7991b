package poll

import (
	"context"
	"fmt"
	"nextcloud-notifier/pkg/notifier"
)

// BatchSize is the maximum number of events handed to the sink at once.
// Discord accepts at most 10 embeds per webhook message.
const BatchSize = 10

// Sink delivers a batch of events. A returned error means none of the batch
// may be considered delivered.
type Sink interface {
	Send(ctx context.Context, events []*notifier.Event) error
}

// Dispatcher hands events to a sink in fixed-size batches.
type Dispatcher struct {
	sink      Sink
	batchSize int
}

// NewDispatcher creates a dispatcher; batchSize <= 0 selects BatchSize.
func NewDispatcher(sink Sink, batchSize int) *Dispatcher {
	if batchSize <= 0 {
		batchSize = BatchSize
	}
	return &Dispatcher{sink: sink, batchSize: batchSize}
}

// Dispatch sends events in order and commits each batch to known only after
// the sink accepted it. It stops at the first failed batch; the events of that
// batch and all following ones stay unknown. It returns the number of events
// delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, events []*notifier.Event, known KnownKeys) (int, error) {
	sent := 0
	for start := 0; start < len(events); start += d.batchSize {
		end := min(start+d.batchSize, len(events))
		batch := events[start:end]

		if err := d.sink.Send(ctx, batch); err != nil {
			return sent, fmt.Errorf("send batch %d-%d of %d: %w", start+1, end, len(events), err)
		}
		Commit(batch, known)
		sent += len(batch)
	}
	return sent, nil
}
