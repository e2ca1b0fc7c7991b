package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"nextcloud-notifier/pkg/notifier"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// staticFeed serves a fixed newest-first activity list.
type staticFeed struct {
	mu         sync.Mutex
	activities []notifier.Activity
	err        error
	limits     []int
}

func (f *staticFeed) Activities(_ context.Context, limit int) ([]notifier.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	return f.activities[:min(limit, len(f.activities))], nil
}

func (f *staticFeed) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.limits)
}

type staticShares struct {
	received []notifier.Share
	reshares map[string][]notifier.Share
	err      error
}

func (s *staticShares) SharedWithMe(context.Context) ([]notifier.Share, error) {
	return s.received, s.err
}

func (s *staticShares) Reshares(_ context.Context, path string) ([]notifier.Share, error) {
	return s.reshares[path], nil
}

// recordingSink records delivered batches; failAt makes the n-th call (1-based) fail.
type recordingSink struct {
	mu      sync.Mutex
	batches [][]*notifier.Event
	calls   int
	failAt  map[int]bool
}

func (s *recordingSink) Send(_ context.Context, events []*notifier.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failAt[s.calls] {
		return errors.New("webhook returned HTTP 500")
	}
	s.batches = append(s.batches, events)
	return nil
}

func (s *recordingSink) delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

type countingEnricher struct {
	enriched []string
	err      error
}

func (e *countingEnricher) Enrich(_ context.Context, ev *notifier.Event) error {
	e.enriched = append(e.enriched, ev.Key())
	if e.err != nil {
		return e.err
	}
	ev.Fields = append(ev.Fields, notifier.Field{Name: "Size", Value: "1 B", Inline: true})
	return nil
}

func activity(id int64, action notifier.Action, files int) notifier.Activity {
	a := notifier.Activity{
		ID:        id,
		User:      "admin",
		Action:    action,
		App:       notifier.FilesApp,
		CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	for i := 0; i < files; i++ {
		fid := strconv.FormatInt(id*100+int64(i), 10)
		a.Files = append(a.Files, notifier.FileRef{ID: fid, Path: fmt.Sprintf("/Team/docs/f%s.txt", fid)})
	}
	return a
}

func newTestMonitor(feed Feed, sink Sink, opts Options) (*Monitor, *countingEnricher) {
	enricher := &countingEnricher{}
	m := New(feed, &staticShares{}, enricher, sink, testLogger(), opts)
	return m, enricher
}

func TestFlatten(t *testing.T) {
	a := activity(7, notifier.ActionChanged, 3)
	a.DisplayName = "Admin Person"

	events := Flatten(a)
	if len(events) != 3 {
		t.Fatalf("Flatten() returned %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.FileID != a.Files[i].ID || ev.FilePath != a.Files[i].Path {
			t.Errorf("event %d file = %s %s, want %+v", i, ev.FileID, ev.FilePath, a.Files[i])
		}
		if ev.ActivityID != 7 || ev.User != "admin" || ev.DisplayName != "Admin Person" ||
			ev.Action != notifier.ActionChanged || !ev.CreatedAt.Equal(a.CreatedAt) {
			t.Errorf("event %d lost activity fields: %+v", i, ev)
		}
	}
}

func TestFlattenFallsBackToUserName(t *testing.T) {
	a := activity(8, notifier.ActionCreated, 2)
	a.DisplayName = ""

	for i, ev := range Flatten(a) {
		if ev.DisplayName != "admin" {
			t.Errorf("event %d DisplayName = %q, want user id %q", i, ev.DisplayName, "admin")
		}
	}
}

func TestFlattenSkipsOtherApps(t *testing.T) {
	a := activity(7, "comments", 2)
	a.App = "comments"
	if events := Flatten(a); len(events) != 0 {
		t.Errorf("Flatten() returned %d events for a comments activity", len(events))
	}
}

func TestFlattenAllOrdersOldestActivityFirst(t *testing.T) {
	activities := []notifier.Activity{activity(3, notifier.ActionCreated, 2), activity(2, notifier.ActionCreated, 1)}
	events := flattenAll(activities)

	want := []string{"200", "300", "301"}
	if len(events) != len(want) {
		t.Fatalf("flattenAll() returned %d events", len(events))
	}
	for i, id := range want {
		if events[i].FileID != id {
			t.Errorf("events[%d].FileID = %s, want %s", i, events[i].FileID, id)
		}
	}
}

func TestFilterIsIdempotent(t *testing.T) {
	events := Flatten(activity(1, notifier.ActionCreated, 5))
	known := KnownKeys{}
	Commit(events[1:3], known)

	once := Filter(events, known)
	twice := Filter(once, known)

	if len(once) != 3 {
		t.Fatalf("Filter() kept %d events, want 3", len(once))
	}
	if len(twice) != len(once) {
		t.Fatalf("Filter() not idempotent: %d then %d", len(once), len(twice))
	}
	for i := range once {
		if once[i] != twice[i] {
			t.Errorf("Filter() changed order at %d", i)
		}
	}
	if once[0] != events[0] || once[1] != events[3] || once[2] != events[4] {
		t.Error("Filter() did not preserve order")
	}
}

func TestDispatchBatchBoundaries(t *testing.T) {
	tests := []struct {
		events    int
		batchSize int
		wantCalls int
	}{
		{events: 0, batchSize: 10, wantCalls: 0},
		{events: 6, batchSize: 10, wantCalls: 1},
		{events: 10, batchSize: 10, wantCalls: 1},
		{events: 11, batchSize: 10, wantCalls: 2},
		{events: 25, batchSize: 4, wantCalls: 7},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_by_%d", tt.events, tt.batchSize), func(t *testing.T) {
			events := Flatten(activity(1, notifier.ActionCreated, tt.events))
			sink := &recordingSink{}
			known := KnownKeys{}

			sent, err := NewDispatcher(sink, tt.batchSize).Dispatch(context.Background(), events, known)
			if err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
			if sink.calls != tt.wantCalls {
				t.Errorf("sink called %d times, want %d", sink.calls, tt.wantCalls)
			}
			for i, b := range sink.batches {
				if len(b) > tt.batchSize {
					t.Errorf("batch %d has %d events, max %d", i, len(b), tt.batchSize)
				}
			}
			if sent != tt.events || len(known) != tt.events {
				t.Errorf("sent %d, known %d, want %d", sent, len(known), tt.events)
			}
		})
	}
}

func TestDispatchFailedBatchIsNotCommitted(t *testing.T) {
	events := Flatten(activity(1, notifier.ActionCreated, 25))
	sink := &recordingSink{failAt: map[int]bool{2: true}}
	known := KnownKeys{}

	sent, err := NewDispatcher(sink, 10).Dispatch(context.Background(), events, known)
	if err == nil {
		t.Fatal("Dispatch() expected error")
	}
	if sent != 10 || len(known) != 10 {
		t.Errorf("sent %d, known %d, want only the first batch", sent, len(known))
	}
	if sink.calls != 2 {
		t.Errorf("sink called %d times, want to stop after the failed batch", sink.calls)
	}
	for _, ev := range events[10:] {
		if known.Has(ev.Key()) {
			t.Fatalf("event %s committed without delivery", ev.Key())
		}
	}
}

func TestReshareCache(t *testing.T) {
	src := &staticShares{
		received: []notifier.Share{{Path: "/Team"}, {Path: "/Other"}},
		reshares: map[string][]notifier.Share{
			"/Team": {
				{Path: "/Team", URL: "https://cloud.example/s/team"},
				{Path: "/Team/Projects/", URL: "https://cloud.example/s/proj"},
				{Path: "/Team/Private"},
			},
			"/Other": {{Path: "/Other/Shared", URL: "https://cloud.example/s/other?lang=en"}},
		},
	}

	c := NewReshareCache()
	if got := c.Resolve("/Team/a.txt"); got != "" {
		t.Errorf("Resolve() before Refresh = %q", got)
	}
	if err := c.Refresh(context.Background(), src); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	tests := []struct {
		path string
		want string
	}{
		{path: "/Team/notes", want: "https://cloud.example/s/team?path=%2Fnotes"},
		{path: "/Team/Projects/2024", want: "https://cloud.example/s/proj?path=%2F2024"},
		{path: "/Team/Projects", want: "https://cloud.example/s/proj?path=%2F"},
		{path: "/Team/Private/x", want: "https://cloud.example/s/team?path=%2FPrivate%2Fx"},
		{path: "/Teamwork/x", want: ""},
		{path: "/Other/Shared/a", want: "https://cloud.example/s/other?lang=en&path=%2Fa"},
		{path: "/Elsewhere", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := c.Resolve(tt.path); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}

	if got, want := c.ResolveFile("/Team/Projects/2024/plan.md"), "https://cloud.example/s/proj?files=plan.md&path=%2F2024"; got != want {
		t.Errorf("ResolveFile() = %q, want %q", got, want)
	}
	if got, want := c.ResolveFile("/Team/top.md"), "https://cloud.example/s/team?files=top.md&path=%2F"; got != want {
		t.Errorf("ResolveFile() = %q, want %q", got, want)
	}

	if err := c.Refresh(context.Background(), &staticShares{}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got := c.Resolve("/Team/notes"); got != "" {
		t.Errorf("Resolve() after empty refresh = %q, want none", got)
	}
}

func TestPrimingRecordsWithoutDispatching(t *testing.T) {
	feed := &staticFeed{activities: []notifier.Activity{
		activity(2, notifier.ActionCreated, 3),
		activity(1, notifier.ActionDeleted, 1),
	}}
	sink := &recordingSink{}
	m, _ := newTestMonitor(feed, sink, Options{FetchLimit: 3})

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if len(m.known) != 4 {
		t.Errorf("known keys = %d, want 4", len(m.known))
	}
	if sink.calls != 0 {
		t.Errorf("priming dispatched %d batches", sink.calls)
	}
	if m.State() != StatePolling {
		t.Errorf("State() = %s, want polling", m.State())
	}
	if feed.limits[0] != 5 {
		t.Errorf("priming fetched %d activities, want the larger window of 5", feed.limits[0])
	}
}

func TestPrimingWindowNeverSmallerThanPolling(t *testing.T) {
	feed := &staticFeed{activities: []notifier.Activity{
		activity(3, notifier.ActionCreated, 1),
		activity(2, notifier.ActionCreated, 1),
		activity(1, notifier.ActionCreated, 1),
	}}
	sink := &recordingSink{}
	m, _ := newTestMonitor(feed, sink, Options{FetchLimit: 3, PrimingLimit: 1})

	for i := 0; i < 2; i++ {
		if err := m.Tick(context.Background()); err != nil {
			t.Fatalf("Tick() %d error = %v", i, err)
		}
	}

	if sink.delivered() != 0 {
		t.Errorf("delivered %d historical events after priming an unchanged feed", sink.delivered())
	}
	if feed.limits[0] != 3 {
		t.Errorf("priming fetched %d activities, want at least the polling window of 3", feed.limits[0])
	}
}

func TestPrimingFailureStaysPriming(t *testing.T) {
	feed := &staticFeed{err: errors.New("HTTP 502")}
	m, _ := newTestMonitor(feed, &recordingSink{}, Options{})

	if err := m.Tick(context.Background()); err == nil {
		t.Fatal("Tick() expected error")
	}
	if m.State() != StatePriming {
		t.Errorf("State() = %s, want priming", m.State())
	}
}

func TestEndToEndSingleActivity(t *testing.T) {
	feed := &staticFeed{activities: []notifier.Activity{activity(1, notifier.ActionCreated, 6)}}
	sink := &recordingSink{}
	m, enricher := newTestMonitor(feed, sink, Options{FetchLimit: 3, RunOnce: true})

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if sink.calls != 1 || len(sink.batches[0]) != 6 {
		t.Fatalf("sink got %d calls, want one batch of 6", sink.calls)
	}
	if len(enricher.enriched) != 6 {
		t.Errorf("enriched %d events, want 6", len(enricher.enriched))
	}
	if len(m.known) != 6 {
		t.Errorf("known keys = %d, want 6", len(m.known))
	}

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick() error = %v", err)
	}
	if sink.calls != 1 {
		t.Errorf("re-polling an unchanged feed dispatched again (%d calls)", sink.calls)
	}
}

func TestPollDispatchesOnlyNewEvents(t *testing.T) {
	feed := &staticFeed{activities: []notifier.Activity{activity(1, notifier.ActionCreated, 2)}}
	sink := &recordingSink{}
	m, _ := newTestMonitor(feed, sink, Options{FetchLimit: 3})

	if err := m.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	feed.activities = append([]notifier.Activity{activity(2, notifier.ActionChanged, 1)}, feed.activities...)
	if err := m.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	if sink.delivered() != 1 {
		t.Fatalf("delivered %d events, want only the new one", sink.delivered())
	}
	if got := sink.batches[0][0].ActivityID; got != 2 {
		t.Errorf("delivered event of activity %d, want 2", got)
	}
}

func TestPollBlacklistAndDeletedFiles(t *testing.T) {
	feed := &staticFeed{activities: []notifier.Activity{
		activity(3, notifier.ActionChanged, 1),
		activity(2, notifier.ActionDeleted, 2),
		activity(1, notifier.ActionCreated, 1),
	}}
	sink := &recordingSink{}
	m, enricher := newTestMonitor(feed, sink, Options{
		FetchLimit: 3,
		RunOnce:    true,
		Blacklist:  []notifier.Action{notifier.ActionChanged},
	})

	if err := m.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	if sink.delivered() != 3 {
		t.Errorf("delivered %d events, want 3 (changed is blacklisted)", sink.delivered())
	}
	for _, b := range sink.batches {
		for _, ev := range b {
			if ev.Action == notifier.ActionChanged {
				t.Errorf("blacklisted event %s dispatched", ev.Key())
			}
		}
	}
	if len(enricher.enriched) != 1 {
		t.Errorf("enriched %d events, want only the created one", len(enricher.enriched))
	}
}

func TestPollEnrichFailureStillDispatches(t *testing.T) {
	feed := &staticFeed{activities: []notifier.Activity{activity(1, notifier.ActionCreated, 2)}}
	sink := &recordingSink{}
	m, enricher := newTestMonitor(feed, sink, Options{RunOnce: true})
	enricher.err = errors.New("direct link expired")

	if err := m.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sink.delivered() != 2 {
		t.Errorf("delivered %d events, want 2 un-enriched events", sink.delivered())
	}
}

func TestPollFailedBatchRetriedNextTick(t *testing.T) {
	feed := &staticFeed{activities: []notifier.Activity{activity(1, notifier.ActionCreated, 4)}}
	sink := &recordingSink{failAt: map[int]bool{1: true}}
	m, _ := newTestMonitor(feed, sink, Options{RunOnce: true})

	if err := m.Tick(context.Background()); err == nil {
		t.Fatal("Tick() expected dispatch error")
	}
	if len(m.known) != 0 {
		t.Fatalf("known keys = %d after failed batch, want 0", len(m.known))
	}

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick() error = %v", err)
	}
	if sink.delivered() != 4 || len(m.known) != 4 {
		t.Errorf("delivered %d, known %d, want 4 each", sink.delivered(), len(m.known))
	}
}

func TestPollSetsShareLinks(t *testing.T) {
	feed := &staticFeed{activities: []notifier.Activity{activity(1, notifier.ActionDeleted, 1)}}
	sink := &recordingSink{}
	shares := &staticShares{
		received: []notifier.Share{{Path: "/Team"}},
		reshares: map[string][]notifier.Share{"/Team": {{Path: "/Team", URL: "https://cloud.example/s/t"}}},
	}
	m := New(feed, shares, &countingEnricher{}, sink, testLogger(), Options{RunOnce: true})

	if err := m.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	ev := sink.batches[0][0]
	if ev.FolderURL != "https://cloud.example/s/t?path=%2Fdocs" {
		t.Errorf("FolderURL = %q", ev.FolderURL)
	}
	if ev.FileURL != "https://cloud.example/s/t?files=f100.txt&path=%2Fdocs" {
		t.Errorf("FileURL = %q", ev.FileURL)
	}
}

func TestPollShareFailureAbortsTick(t *testing.T) {
	feed := &staticFeed{activities: []notifier.Activity{activity(1, notifier.ActionCreated, 1)}}
	sink := &recordingSink{}
	m := New(feed, &staticShares{err: errors.New("HTTP 401")}, &countingEnricher{}, sink, testLogger(), Options{RunOnce: true})

	if err := m.Tick(context.Background()); err == nil {
		t.Fatal("Tick() expected error")
	}
	if len(feed.limits) != 0 || sink.calls != 0 {
		t.Error("tick continued after share listing failed")
	}
}

func TestRunStopsPromptlyOnCancel(t *testing.T) {
	feed := &staticFeed{}
	m, _ := newTestMonitor(feed, &recordingSink{}, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Let the first tick finish and the loop enter its sleep.
	deadline := time.Now().Add(2 * time.Second)
	for m.State() != StatePolling && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop within a second of cancellation")
	}
	if m.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", m.State())
	}
}

func TestTriggerWakesLoop(t *testing.T) {
	feed := &staticFeed{}
	m, _ := newTestMonitor(feed, &recordingSink{}, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for m.State() != StatePolling && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	m.Trigger()
	m.Trigger() // Coalesced with the pending trigger.

	for feed.calls() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := feed.calls(); got < 2 {
		t.Errorf("feed fetched %d times, want a triggered second tick", got)
	}
}

func TestRunOnceStopsAfterOneTick(t *testing.T) {
	feed := &staticFeed{activities: []notifier.Activity{activity(1, notifier.ActionCreated, 1)}}
	sink := &recordingSink{}
	m, _ := newTestMonitor(feed, sink, Options{Interval: time.Hour, RunOnce: true})

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sink.delivered() != 1 {
		t.Errorf("delivered %d events, want 1 (run-once skips priming)", sink.delivered())
	}
}

func TestRunOnceReturnsTickError(t *testing.T) {
	tests := []struct {
		name string
		feed *staticFeed
		sink *recordingSink
	}{
		{
			name: "feed failure",
			feed: &staticFeed{err: errors.New("HTTP 503")},
			sink: &recordingSink{},
		},
		{
			name: "dispatch failure",
			feed: &staticFeed{activities: []notifier.Activity{activity(1, notifier.ActionCreated, 1)}},
			sink: &recordingSink{failAt: map[int]bool{1: true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMonitor(tt.feed, tt.sink, Options{Interval: time.Hour, RunOnce: true})
			if err := m.Run(context.Background()); err == nil {
				t.Error("Run() should return the failed tick's error in run-once mode")
			}
			if m.State() != StateStopped {
				t.Errorf("State() = %s, want stopped", m.State())
			}
		})
	}
}
