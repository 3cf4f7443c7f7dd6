package mindmap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mindspark/api/internal/fetch"
	"mindspark/api/internal/realtime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fetchResult struct {
	content string
	err     error
}

type pendingFetch struct {
	url   string
	reply chan fetchResult
}

func (p *pendingFetch) respond(content string, err error) {
	p.reply <- fetchResult{content: content, err: err}
}

// gatedFetcher parks every call until the test answers it.
type gatedFetcher struct {
	calls chan *pendingFetch
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{calls: make(chan *pendingFetch, 16)}
}

func (f *gatedFetcher) Fetch(ctx context.Context, url string) (string, error) {
	p := &pendingFetch{url: url, reply: make(chan fetchResult, 1)}
	select {
	case f.calls <- p:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-p.reply:
		return r.content, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *gatedFetcher) next(t *testing.T) *pendingFetch {
	t.Helper()
	select {
	case p := <-f.calls:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a fetch")
		return nil
	}
}

func (f *gatedFetcher) assertIdle(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case p := <-f.calls:
		t.Fatalf("unexpected fetch of %s", p.url)
	case <-time.After(wait):
	}
}

type failingFeed struct{ err error }

func (f failingFeed) Subscribe(context.Context, string, string) (*realtime.Subscription, error) {
	return nil, f.err
}

type harness struct {
	ctrl    *Controller
	hub     *realtime.Hub
	fetcher *gatedFetcher
	logs    *observer.ObservedLogs
}

func newHarness(t *testing.T, spaceID, initialURL string, delay time.Duration) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		hub:     realtime.NewHub(),
		fetcher: newGatedFetcher(),
		logs:    logs,
	}
	h.ctrl = New(spaceID, initialURL, Options{
		Feed:       h.hub,
		Fetcher:    h.fetcher,
		Logger:     zap.New(core),
		FetchDelay: delay,
	})
	t.Cleanup(func() {
		h.ctrl.Teardown()
		_ = h.hub.Close()
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func (h *harness) publish(t *testing.T, event realtime.ChangeEvent) {
	t.Helper()
	if err := h.hub.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

// waitForLog blocks until message has been logged n times.
func (h *harness) waitForLog(t *testing.T, message string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.logs.FilterMessage(message).Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for log %q", message)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitForState(t *testing.T, c *Controller, desc string, ok func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		state := c.State()
		if ok(state) {
			return state
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last state %s", desc, state)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// settle returns once the loop has finished handling everything sent before.
// Retry is a no-op while generating, so it only acts as a barrier.
func settle(t *testing.T, c *Controller) {
	t.Helper()
	if c.State().Status != StatusGenerating {
		t.Fatal("settle is only valid while generating")
	}
	if !c.Retry() {
		t.Fatal("controller loop is not running")
	}
}

func mindmapEvent(spaceID, url string) realtime.ChangeEvent {
	return realtime.ChangeEvent{
		Type:     realtime.EventUpdate,
		Table:    realtime.TableLearningSpace,
		RecordID: spaceID,
		New:      map[string]any{"id": spaceID, "mindmap": url},
	}
}

func TestNewInitialState(t *testing.T) {
	for _, spaceID := range []string{"sp1", "ls_cq2v0f0", ""} {
		generating := New(spaceID, "", Options{})
		if got := generating.State(); got.Status != StatusGenerating || got.URL != "" || got.Fetch != FetchIdle {
			t.Fatalf("New(%q, \"\") = %+v, want Generating", spaceID, got)
		}
		ready := New(spaceID, "http://x", Options{})
		if got := ready.State(); got.Status != StatusReady || got.URL != "http://x" || got.Fetch != FetchIdle {
			t.Fatalf("New(%q, \"http://x\") = %+v, want Ready(http://x)", spaceID, got)
		}
		generating.Teardown()
		ready.Teardown()
	}
}

func TestNewTreatsBlankURLAsGenerating(t *testing.T) {
	c := New("sp1", "   ", Options{})
	defer c.Teardown()
	if c.State().Status != StatusGenerating {
		t.Fatalf("expected Generating for blank url, got %s", c.State())
	}
}

func TestChangeForOtherSpaceIsIgnored(t *testing.T) {
	h := newHarness(t, "sp1", "", time.Millisecond)
	h.start(t)
	before := h.ctrl.State()

	h.ctrl.OnChange(mindmapEvent("sp2", "https://cdn/other.html"))
	h.ctrl.OnChange(realtime.ChangeEvent{Type: realtime.EventUpdate, Table: "student_profile", RecordID: "sp1", New: map[string]any{"mindmap": "https://cdn/x.html"}})
	settle(t, h.ctrl)

	if got := h.ctrl.State(); got != before {
		t.Fatalf("state changed from %+v to %+v", before, got)
	}
	h.fetcher.assertIdle(t, 20*time.Millisecond)
}

func TestChangeWithoutMindmapIsIgnored(t *testing.T) {
	h := newHarness(t, "sp1", "", time.Millisecond)
	h.start(t)
	before := h.ctrl.State()

	for _, event := range []realtime.ChangeEvent{
		mindmapEvent("sp1", ""),
		mindmapEvent("sp1", "  "),
		{Type: realtime.EventUpdate, Table: realtime.TableLearningSpace, RecordID: "sp1", New: map[string]any{"title": "Cells"}},
		{Type: realtime.EventUpdate, Table: realtime.TableLearningSpace, RecordID: "sp1", New: map[string]any{"mindmap": nil}},
		{Type: realtime.EventUpdate, Table: realtime.TableLearningSpace, RecordID: "sp1", New: map[string]any{"mindmap": 42}},
		{Type: realtime.EventDelete, Table: realtime.TableLearningSpace, RecordID: "sp1"},
	} {
		h.ctrl.OnChange(event)
	}
	settle(t, h.ctrl)

	if got := h.ctrl.State(); got != before {
		t.Fatalf("state changed from %+v to %+v", before, got)
	}
}

func TestChangeMatchesRecordIDFromNewValues(t *testing.T) {
	h := newHarness(t, "sp1", "", time.Millisecond)
	h.start(t)

	h.ctrl.OnChange(realtime.ChangeEvent{
		Type:  realtime.EventUpdate,
		Table: realtime.TableLearningSpace,
		New:   map[string]any{"id": "sp1", "mindmap": "https://cdn/x.html"},
	})
	waitForState(t, h.ctrl, "Ready", func(s State) bool { return s.Status == StatusReady })
	h.fetcher.next(t).respond("<html>ok</html>", nil)
}

func TestNotificationTransitionsToReadyAndReplacesURL(t *testing.T) {
	h := newHarness(t, "sp1", "", time.Millisecond)
	h.start(t)

	h.publish(t, mindmapEvent("sp1", "https://cdn/a.html"))
	state := waitForState(t, h.ctrl, "Ready(a)", func(s State) bool { return s.URL == "https://cdn/a.html" })
	if state.Status != StatusReady {
		t.Fatalf("expected Ready, got %s", state)
	}
	h.fetcher.next(t).respond("<html>a</html>", nil)
	waitForState(t, h.ctrl, "Loaded(a)", func(s State) bool { return s.Fetch == FetchLoaded })

	h.publish(t, mindmapEvent("sp1", "https://cdn/b.html"))
	state = waitForState(t, h.ctrl, "Ready(b)", func(s State) bool { return s.URL == "https://cdn/b.html" })
	if state.Status != StatusReady {
		t.Fatalf("expected to stay Ready, got %s", state)
	}
	p := h.fetcher.next(t)
	if p.url != "https://cdn/b.html" {
		t.Fatalf("expected fetch of b, got %s", p.url)
	}
	p.respond("<html>b</html>", nil)
	state = waitForState(t, h.ctrl, "Loaded(b)", func(s State) bool { return s.Content == "<html>b</html>" })
	if state.Fetch != FetchLoaded || state.Error != "" {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestRepeatedURLDoesNotRefetch(t *testing.T) {
	h := newHarness(t, "sp1", "", time.Millisecond)
	h.start(t)

	h.publish(t, mindmapEvent("sp1", "https://cdn/x.html"))
	h.fetcher.next(t).respond("<html>ok</html>", nil)
	loaded := waitForState(t, h.ctrl, "Loaded", func(s State) bool { return s.Fetch == FetchLoaded })

	h.ctrl.OnChange(mindmapEvent("sp1", "https://cdn/x.html"))
	h.fetcher.assertIdle(t, 30*time.Millisecond)
	if got := h.ctrl.State(); got != loaded {
		t.Fatalf("state changed from %+v to %+v", loaded, got)
	}
}

func TestFetchWaitsForDelay(t *testing.T) {
	const delay = 100 * time.Millisecond
	h := newHarness(t, "sp1", "", delay)
	h.start(t)

	published := time.Now()
	h.publish(t, mindmapEvent("sp1", "https://cdn/x.html"))
	p := h.fetcher.next(t)
	if elapsed := time.Since(published); elapsed < delay {
		t.Fatalf("fetch issued after %s, want at least %s", elapsed, delay)
	}
	p.respond("<html>ok</html>", nil)
}

func TestNewerURLCancelsPendingDelayedFetch(t *testing.T) {
	h := newHarness(t, "sp1", "", 50*time.Millisecond)
	h.start(t)

	h.ctrl.OnChange(mindmapEvent("sp1", "https://cdn/a.html"))
	h.ctrl.OnChange(mindmapEvent("sp1", "https://cdn/b.html"))

	p := h.fetcher.next(t)
	if p.url != "https://cdn/b.html" {
		t.Fatalf("expected only b to be fetched, got %s", p.url)
	}
	p.respond("<html>b</html>", nil)
	h.fetcher.assertIdle(t, 100*time.Millisecond)
}

func TestStartFetchesImmediatelyWhenReady(t *testing.T) {
	h := newHarness(t, "sp1", "https://cdn/x.html", time.Hour)
	h.start(t)

	p := h.fetcher.next(t)
	if p.url != "https://cdn/x.html" {
		t.Fatalf("unexpected fetch url %s", p.url)
	}
	p.respond("<html>ok</html>", nil)
	state := waitForState(t, h.ctrl, "Loaded", func(s State) bool { return s.Fetch == FetchLoaded })
	if state.Content != "<html>ok</html>" {
		t.Fatalf("unexpected content %q", state.Content)
	}
}

func TestEmptyBodyIsEmptyContentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(" \n\t "))
	}))
	defer srv.Close()

	c := New("sp1", srv.URL+"/x.html", Options{
		Feed:    realtime.NewHub(),
		Fetcher: fetch.NewClient(fetch.WithHTTPClient(srv.Client())),
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Teardown()

	state := waitForState(t, c, "Failed", func(s State) bool { return s.Fetch == FetchFailed })
	if state.Error != "empty mindmap content received" {
		t.Fatalf("unexpected error %q", state.Error)
	}
	if !state.Retryable || state.Content != "" {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestOversizedBodyFailsInsteadOfTruncating(t *testing.T) {
	body := "<html><body>" + strings.Repeat("x", 100) + "</body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := New("sp1", srv.URL+"/x.html", Options{
		Feed:    realtime.NewHub(),
		Fetcher: fetch.NewClient(fetch.WithHTTPClient(srv.Client()), fetch.WithMaxBytes(32)),
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Teardown()

	state := waitForState(t, c, "Failed", func(s State) bool { return s.Fetch != FetchIdle && s.Fetch != FetchLoading })
	if state.Fetch != FetchFailed {
		t.Fatalf("expected Failed, got %s with %d content bytes", state, len(state.Content))
	}
	if state.Error != "mindmap content exceeds 32 bytes" || state.Retryable || state.Content != "" {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestFailureKeepsPreviousContentAndRetryRecovers(t *testing.T) {
	h := newHarness(t, "sp1", "https://cdn/x.html", time.Millisecond)
	h.start(t)

	h.fetcher.next(t).respond("<html>ok</html>", nil)
	waitForState(t, h.ctrl, "Loaded", func(s State) bool { return s.Fetch == FetchLoaded })

	h.ctrl.Retry()
	h.fetcher.next(t).respond("", &fetch.NetworkError{Err: errors.New("connection reset")})
	state := waitForState(t, h.ctrl, "Failed", func(s State) bool { return s.Fetch == FetchFailed })
	if state.Content != "<html>ok</html>" {
		t.Fatalf("expected previous content kept, got %q", state.Content)
	}
	if state.Error != "network error: connection reset" {
		t.Fatalf("unexpected error %q", state.Error)
	}

	h.ctrl.Retry()
	h.fetcher.next(t).respond("<html>v2</html>", nil)
	state = waitForState(t, h.ctrl, "Loaded again", func(s State) bool { return s.Fetch == FetchLoaded })
	if state.Content != "<html>v2</html>" || state.Error != "" || state.Retryable {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestRetryStateReportsLoading(t *testing.T) {
	h := newHarness(t, "sp1", "https://cdn/x.html", time.Millisecond)
	h.start(t)

	h.fetcher.next(t).respond("", &fetch.HTTPError{Status: 404})
	failed := waitForState(t, h.ctrl, "Failed", func(s State) bool { return s.Fetch == FetchFailed })

	state, ok := h.ctrl.RetryState()
	if !ok {
		t.Fatal("expected retry to reach the loop")
	}
	if state.Fetch != FetchLoading || state.Version <= failed.Version {
		t.Fatalf("expected a newer Loading snapshot, got %+v (failed at v%d)", state, failed.Version)
	}
	h.fetcher.next(t).respond("<html>ok</html>", nil)
	waitForState(t, h.ctrl, "Loaded", func(s State) bool { return s.Fetch == FetchLoaded })
}

func TestRetryStateAfterTeardown(t *testing.T) {
	h := newHarness(t, "sp1", "", time.Millisecond)
	h.start(t)
	h.ctrl.Teardown()

	if _, ok := h.ctrl.RetryState(); ok {
		t.Fatal("expected retry to be refused after teardown")
	}
}

func TestRetryWithoutURLIsNoop(t *testing.T) {
	h := newHarness(t, "sp1", "", time.Millisecond)
	h.start(t)
	before := h.ctrl.State()

	if !h.ctrl.Retry() {
		t.Fatal("expected retry to reach the loop")
	}
	h.fetcher.assertIdle(t, 20*time.Millisecond)
	if got := h.ctrl.State(); got != before {
		t.Fatalf("state changed from %+v to %+v", before, got)
	}
}

func TestStaleCompletionIsDiscarded(t *testing.T) {
	h := newHarness(t, "sp1", "", time.Millisecond)
	h.start(t)

	h.publish(t, mindmapEvent("sp1", "https://cdn/old.html"))
	stale := h.fetcher.next(t)

	h.publish(t, mindmapEvent("sp1", "https://cdn/new.html"))
	waitForState(t, h.ctrl, "Ready(new)", func(s State) bool { return s.URL == "https://cdn/new.html" })
	current := h.fetcher.next(t)
	before := waitForState(t, h.ctrl, "Loading(new)", func(s State) bool { return s.Fetch == FetchLoading })

	stale.respond("<html>old</html>", nil)
	h.waitForLog(t, "discarding stale mindmap fetch", 1)
	if got := h.ctrl.State(); got != before {
		t.Fatalf("stale completion changed state from %+v to %+v", before, got)
	}

	current.respond("<html>new</html>", nil)
	state := waitForState(t, h.ctrl, "Loaded(new)", func(s State) bool { return s.Fetch == FetchLoaded })
	if state.Content != "<html>new</html>" {
		t.Fatalf("unexpected content %q", state.Content)
	}
}

func TestTeardownDiscardsPendingCompletion(t *testing.T) {
	h := newHarness(t, "sp1", "https://cdn/x.html", time.Millisecond)
	h.start(t)

	p := h.fetcher.next(t)
	before := h.ctrl.State()
	h.ctrl.Teardown()

	p.respond("<html>late</html>", nil)
	time.Sleep(20 * time.Millisecond)
	if got := h.ctrl.State(); got != before {
		t.Fatalf("state changed after teardown from %+v to %+v", before, got)
	}
	if h.ctrl.OnChange(mindmapEvent("sp1", "https://cdn/y.html")) {
		t.Fatal("expected OnChange to be refused after teardown")
	}
	if h.ctrl.Retry() {
		t.Fatal("expected Retry to be refused after teardown")
	}
}

// stubbornFetcher ignores cancellation, like a request the transport cannot
// abort.
type stubbornFetcher struct {
	started chan struct{}
	release chan struct{}
}

func (f *stubbornFetcher) Fetch(context.Context, string) (string, error) {
	close(f.started)
	<-f.release
	return "<html>late</html>", nil
}

func TestTeardownDoesNotWaitForInFlightFetch(t *testing.T) {
	f := &stubbornFetcher{started: make(chan struct{}), release: make(chan struct{})}
	c := New("sp1", "https://cdn/x.html", Options{Feed: realtime.NewHub(), Fetcher: f})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-f.started
	before := c.State()

	stopped := make(chan struct{})
	go func() {
		c.Teardown()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Teardown blocked on an in-flight fetch")
	}

	close(f.release)
	time.Sleep(20 * time.Millisecond)
	if got := c.State(); got != before {
		t.Fatalf("state changed after teardown from %+v to %+v", before, got)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := newHarness(t, "sp1", "", time.Millisecond)
	h.start(t)

	h.ctrl.Teardown()
	h.ctrl.Teardown()
	select {
	case <-h.ctrl.Done():
	default:
		t.Fatal("expected loop to be stopped")
	}
	if h.hub.SubscriberCount(realtime.TableLearningSpace, "sp1") != 0 {
		t.Fatal("expected subscription to be released")
	}
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, ErrTornDown) {
		t.Fatalf("expected ErrTornDown, got %v", err)
	}
}

func TestTeardownBeforeStart(t *testing.T) {
	c := New("sp1", "", Options{})
	c.Teardown()
	c.Teardown()
	if _, ok := <-c.Updates(); ok {
		t.Fatal("expected updates channel to be closed")
	}
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, "sp1", "", time.Millisecond)
	h.start(t)
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestContextCancelStopsLoop(t *testing.T) {
	hub := realtime.NewHub()
	defer hub.Close()
	c := New("sp1", "", Options{Feed: hub, Fetcher: newGatedFetcher()})

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop on context cancel")
	}
	c.Teardown()
}

func TestSubscriptionErrorLeavesStateAndKeepsLoop(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := newGatedFetcher()
	c := New("sp1", "", Options{
		Feed:       failingFeed{err: errors.New("channel error")},
		Fetcher:    f,
		Logger:     zap.New(core),
		FetchDelay: time.Millisecond,
	})
	defer c.Teardown()

	err := c.Start(context.Background())
	var subErr *SubscriptionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubscriptionError, got %v", err)
	}
	if subErr.Reason() != "channel error" || subErr.SpaceID != "sp1" {
		t.Fatalf("unexpected subscription error %+v", subErr)
	}
	if logs.FilterMessage("mindmap subscription failed").Len() != 1 {
		t.Fatal("expected subscription failure to be logged")
	}
	if c.State().Status != StatusGenerating {
		t.Fatalf("expected Generating to persist, got %s", c.State())
	}

	// Notifications handed over directly are still applied.
	c.OnChange(mindmapEvent("sp1", "https://cdn/x.html"))
	f.next(t).respond("<html>ok</html>", nil)
	waitForState(t, c, "Loaded", func(s State) bool { return s.Fetch == FetchLoaded })
}

func TestMissingFeedIsSubscriptionError(t *testing.T) {
	c := New("sp1", "", Options{Fetcher: newGatedFetcher()})
	defer c.Teardown()
	var subErr *SubscriptionError
	if err := c.Start(context.Background()); !errors.As(err, &subErr) {
		t.Fatalf("expected SubscriptionError, got %v", err)
	}
}

func TestUpdatesDeliverLatestSnapshotAndClose(t *testing.T) {
	h := newHarness(t, "sp1", "https://cdn/x.html", time.Millisecond)
	h.start(t)

	h.fetcher.next(t).respond("<html>ok</html>", nil)
	waitForState(t, h.ctrl, "Loaded", func(s State) bool { return s.Fetch == FetchLoaded })

	var last State
	select {
	case last = <-h.ctrl.Updates():
	case <-time.After(time.Second):
		t.Fatal("expected a pending update")
	}
	if last.Fetch != FetchLoaded || last.Version != h.ctrl.State().Version {
		t.Fatalf("expected latest snapshot, got %+v", last)
	}

	h.ctrl.Teardown()
	for range h.ctrl.Updates() {
	}
}

// The delivery scenario: a space starts generating, receives its artifact,
// loads it, and a later refetch fails while a stale completion arrives late.
func TestDeliveryScenario(t *testing.T) {
	h := newHarness(t, "sp1", "", 20*time.Millisecond)
	h.start(t)

	if got := h.ctrl.State(); got.Status != StatusGenerating {
		t.Fatalf("expected Generating, got %s", got)
	}

	// An earlier artifact URL whose fetch will complete late.
	h.publish(t, mindmapEvent("sp1", "https://cdn/old.html"))
	stale := h.fetcher.next(t)

	h.publish(t, realtime.ChangeEvent{
		Type:     realtime.EventUpdate,
		Table:    realtime.TableLearningSpace,
		RecordID: "sp1",
		New:      map[string]any{"id": "sp1", "mindmap": "https://cdn/x.html"},
	})
	state := waitForState(t, h.ctrl, "Ready(x)", func(s State) bool { return s.URL == "https://cdn/x.html" })
	if state.Status != StatusReady {
		t.Fatalf("expected Ready, got %s", state)
	}

	first := h.fetcher.next(t)
	if first.url != "https://cdn/x.html" {
		t.Fatalf("unexpected fetch url %s", first.url)
	}
	first.respond("<html>ok</html>", nil)
	state = waitForState(t, h.ctrl, "Loaded", func(s State) bool { return s.Fetch == FetchLoaded })
	if state.Content != "<html>ok</html>" {
		t.Fatalf("unexpected content %q", state.Content)
	}

	h.ctrl.Retry()
	second := h.fetcher.next(t)

	stale.respond("<html>old</html>", nil)
	h.waitForLog(t, "discarding stale mindmap fetch", 1)

	second.respond("", &fetch.HTTPError{Status: http.StatusNotFound})
	state = waitForState(t, h.ctrl, "Failed", func(s State) bool { return s.Fetch == FetchFailed })
	if state.Error != "HTTP 404" {
		t.Fatalf("expected Failed(HTTP 404), got %q", state.Error)
	}
	if state.URL != "https://cdn/x.html" || state.Content != "<html>ok</html>" {
		t.Fatalf("unexpected state after failure %+v", state)
	}
	if got := state.String(); got != "Ready(https://cdn/x.html) Failed(HTTP 404)" {
		t.Fatalf("unexpected rendering %q", got)
	}
}
