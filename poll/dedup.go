package poll

import "nextcloud-notifier/pkg/notifier"

// KnownKeys is the set of delivery keys already dispatched (or primed).
// It only grows during a run and is not persisted.
type KnownKeys map[string]struct{}

// Has reports whether key is known.
func (k KnownKeys) Has(key string) bool {
	_, ok := k[key]
	return ok
}

// Filter returns the events whose keys are not known, preserving order.
func Filter(events []*notifier.Event, known KnownKeys) []*notifier.Event {
	var fresh []*notifier.Event
	for _, ev := range events {
		if !known.Has(ev.Key()) {
			fresh = append(fresh, ev)
		}
	}
	return fresh
}

// Commit marks the events' keys as known.
func Commit(events []*notifier.Event, known KnownKeys) {
	for _, ev := range events {
		known[ev.Key()] = struct{}{}
	}
}
