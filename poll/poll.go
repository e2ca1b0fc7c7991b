// Package poll turns the activity feed into batched notifications.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"nextcloud-notifier/pkg/notifier"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the scheduler's lifecycle state.
type State int32

// Scheduler states.
const (
	StatePriming State = iota
	StatePolling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePriming:
		return "priming"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Feed fetches activities newest first.
type Feed interface {
	Activities(ctx context.Context, limit int) ([]notifier.Activity, error)
}

// Enricher attaches resolver fields to an event.
type Enricher interface {
	Enrich(ctx context.Context, ev *notifier.Event) error
}

// Recorder receives pipeline measurements.
type Recorder interface {
	Tick(outcome string)
	ActivitiesFetched(n int)
	EventsSkipped(reason string, n int)
	EventsDispatched(n int)
	BatchFailed()
	EnrichFailed()
	KnownKeys(n int)
}

type nopRecorder struct{}

func (nopRecorder) Tick(string)               {}
func (nopRecorder) ActivitiesFetched(int)     {}
func (nopRecorder) EventsSkipped(string, int) {}
func (nopRecorder) EventsDispatched(int)      {}
func (nopRecorder) BatchFailed()              {}
func (nopRecorder) EnrichFailed()             {}
func (nopRecorder) KnownKeys(int)             {}

// Options configures a Monitor.
type Options struct {
	Recorder     Recorder
	Blacklist    []notifier.Action // Actions never dispatched
	Interval     time.Duration     // Sleep between ticks
	FetchLimit   int               // Activities fetched per tick
	PrimingLimit int               // Activities fetched when priming, FetchLimit+2 if zero, never below FetchLimit
	BatchSize    int               // Events per sink call, BatchSize if zero
	RunOnce      bool              // Skip priming, run one tick and stop
}

// Monitor is the poll scheduler. All pipeline state is owned by the goroutine
// running Run; only State and Trigger may be called from elsewhere.
type Monitor struct {
	feed       Feed
	shares     ShareSource
	enricher   Enricher
	dispatcher *Dispatcher
	recorder   Recorder
	logger     *slog.Logger
	known      KnownKeys
	reshares   *ReshareCache
	blacklist  []notifier.Action
	trigger    chan struct{}
	state      atomic.Int32
	interval   time.Duration
	fetchLimit int
	primeLimit int
	runOnce    bool
}

// New creates a new poll monitor.
func New(feed Feed, shares ShareSource, enricher Enricher, sink Sink, logger *slog.Logger, opts Options) *Monitor {
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 3
	}
	if opts.PrimingLimit <= 0 {
		opts.PrimingLimit = opts.FetchLimit + 2
	}
	// Priming must cover at least the polling window or history is replayed.
	opts.PrimingLimit = max(opts.PrimingLimit, opts.FetchLimit)
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}

	m := &Monitor{
		feed:       feed,
		shares:     shares,
		enricher:   enricher,
		dispatcher: NewDispatcher(sink, opts.BatchSize),
		recorder:   opts.Recorder,
		logger:     logger,
		known:      make(KnownKeys),
		reshares:   NewReshareCache(),
		blacklist:  opts.Blacklist,
		trigger:    make(chan struct{}, 1),
		interval:   opts.Interval,
		fetchLimit: opts.FetchLimit,
		primeLimit: opts.PrimingLimit,
		runOnce:    opts.RunOnce,
	}
	if opts.RunOnce {
		m.state.Store(int32(StatePolling))
	}
	return m
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Trigger asks the loop to start the next tick now. It never blocks and
// never runs a tick itself.
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled (or after one tick in run-once mode).
// Tick failures are logged and retried on the next scheduled tick; in
// run-once mode the tick's error is returned.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.state.Store(int32(StateStopped))

	m.logger.Info("Starting poll loop",
		"interval", m.interval.String(),
		"fetch_limit", m.fetchLimit,
		"run_once", m.runOnce)

	for {
		if ctx.Err() != nil {
			m.logger.Info("Context cancelled, stopping poll loop", "error", ctx.Err())
			return nil
		}

		err := m.Tick(ctx)
		if err != nil {
			m.logger.Warn("Tick failed", "state", m.State().String(), "error", err)
		}

		if m.runOnce {
			m.logger.Info("Run-once tick finished, stopping")
			return err
		}

		if !m.sleep(ctx) {
			m.logger.Info("Context cancelled, stopping poll loop", "error", ctx.Err())
			return nil
		}
	}
}

// sleep waits for the interval, a trigger or cancellation; it returns false
// when cancelled.
func (m *Monitor) sleep(ctx context.Context) bool {
	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-m.trigger:
		m.logger.Info("Poll triggered")
		return true
	}
}

// Tick runs one cycle of the current state.
func (m *Monitor) Tick(ctx context.Context) error {
	logger := m.logger.With("tick_id", uuid.NewString())

	var err error
	switch m.State() {
	case StatePriming:
		err = m.prime(ctx, logger)
	case StatePolling:
		err = m.poll(ctx, logger)
	default:
		return errors.New("monitor stopped")
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.recorder.Tick(outcome)
	m.recorder.KnownKeys(len(m.known))
	return err
}

// prime records the keys of current events without dispatching them so that
// history is not replayed after a restart.
func (m *Monitor) prime(ctx context.Context, logger *slog.Logger) error {
	activities, err := m.feed.Activities(ctx, m.primeLimit)
	if err != nil {
		return fmt.Errorf("prime: %w", err)
	}
	m.recorder.ActivitiesFetched(len(activities))

	events := flattenAll(activities)
	Commit(events, m.known)
	m.state.Store(int32(StatePolling))

	logger.Info("Initial events recorded",
		"activities", len(activities),
		"events", len(events),
		"known_keys", len(m.known))
	return nil
}

func (m *Monitor) poll(ctx context.Context, logger *slog.Logger) error {
	if err := m.reshares.Refresh(ctx, m.shares); err != nil {
		return err
	}

	activities, err := m.feed.Activities(ctx, m.fetchLimit)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	m.recorder.ActivitiesFetched(len(activities))

	events := flattenAll(activities)
	total := len(events)

	events = m.dropBlacklisted(events)
	blacklisted := total - len(events)

	fresh := Filter(events, m.known)
	m.recorder.EventsSkipped("blacklisted", blacklisted)
	m.recorder.EventsSkipped("known", len(events)-len(fresh))

	logger.Debug("Events compared",
		"activities", len(activities),
		"events", total,
		"blacklisted", blacklisted,
		"new", len(fresh),
		"public_prefixes", m.reshares.Len())

	if len(fresh) == 0 {
		return nil
	}

	for _, ev := range fresh {
		ev.FolderURL = m.reshares.Resolve(ev.FileDir())
		ev.FileURL = m.reshares.ResolveFile(ev.FilePath)

		if !ev.Action.Downloadable() {
			continue
		}
		if err := m.enricher.Enrich(ctx, ev); err != nil {
			// The event still goes out, just without extra fields.
			m.recorder.EnrichFailed()
			logger.Warn("Metadata resolution failed", "key", ev.Key(), "file_id", ev.FileID, "error", err)
		}
	}

	sent, err := m.dispatcher.Dispatch(ctx, fresh, m.known)
	m.recorder.EventsDispatched(sent)
	if err != nil {
		m.recorder.BatchFailed()
		logger.Warn("Dispatch incomplete, remaining events retried next tick",
			"sent", sent,
			"pending", len(fresh)-sent)
		return fmt.Errorf("dispatch: %w", err)
	}

	logger.Info("New events dispatched", "count", sent, "known_keys", len(m.known))
	return nil
}

func (m *Monitor) dropBlacklisted(events []*notifier.Event) []*notifier.Event {
	if len(m.blacklist) == 0 {
		return events
	}
	kept := events[:0:0]
	for _, ev := range events {
		if !slices.Contains(m.blacklist, ev.Action) {
			kept = append(kept, ev)
		}
	}
	return kept
}
