// Package mindmap drives delivery of a generated mind-map artifact to one
// view: it waits for the learning space to receive an artifact URL, fetches
// the document and keeps the latest outcome.
package mindmap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mindspark/api/internal/fetch"
	"mindspark/api/internal/realtime"
)

// DefaultFetchDelay gives artifact storage time to catch up with the record
// that points at it.
const DefaultFetchDelay = time.Second

var (
	ErrAlreadyStarted = errors.New("mindmap controller already started")
	ErrTornDown       = errors.New("mindmap controller torn down")
)

// Subscriber is the part of a change feed the controller needs.
type Subscriber interface {
	Subscribe(ctx context.Context, table, recordID string) (*realtime.Subscription, error)
}

type Options struct {
	Feed       Subscriber
	Fetcher    fetch.Fetcher
	Logger     *zap.Logger
	FetchDelay time.Duration
}

type completion struct {
	url     string
	content string
	err     error
}

// Controller owns the state of one mind-map view. All transitions happen on
// a single loop goroutine that drains change events, retry requests and
// fetch completions; fetch goroutines only report back.
type Controller struct {
	spaceID string
	feed    Subscriber
	fetcher fetch.Fetcher
	logger  *zap.Logger
	delay   time.Duration

	events      chan realtime.ChangeEvent
	retries     chan chan<- State
	completions chan completion
	updates     chan State
	quit        chan struct{}
	done        chan struct{}

	snapshot atomic.Pointer[State]
	state    State // loop-owned

	mu       sync.Mutex
	started  bool
	tornDown bool
	cancel   context.CancelFunc
	sub      *realtime.Subscription
	stopOnce sync.Once
}

// New initializes a controller: Ready when initialURL is set, Generating
// otherwise. Nothing is subscribed or fetched until Start.
func New(spaceID, initialURL string, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	delay := opts.FetchDelay
	if delay <= 0 {
		delay = DefaultFetchDelay
	}
	c := &Controller{
		spaceID:     spaceID,
		feed:        opts.Feed,
		fetcher:     opts.Fetcher,
		logger:      logger.With(zap.String("space_id", spaceID)),
		delay:       delay,
		events:      make(chan realtime.ChangeEvent),
		retries:     make(chan chan<- State),
		completions: make(chan completion),
		updates:     make(chan State, 1),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		state:       initialState(spaceID, initialURL),
	}
	snap := c.state
	c.snapshot.Store(&snap)
	return c
}

func (c *Controller) SpaceID() string {
	return c.spaceID
}

// State returns the latest snapshot. Safe from any goroutine.
func (c *Controller) State() State {
	return *c.snapshot.Load()
}

// Updates delivers a snapshot after each transition. Only the newest
// undelivered snapshot is kept. The channel closes once the loop stops.
func (c *Controller) Updates() <-chan State {
	return c.updates
}

// Done is closed when the loop has stopped.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Start subscribes to changes of the learning space and runs the loop until
// ctx ends or Teardown is called. A Ready controller fetches right away.
//
// A failed subscription is returned as *SubscriptionError but the loop still
// runs: the view keeps its current state and Retry keeps working.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tornDown {
		return ErrTornDown
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	var subErr *SubscriptionError
	if c.feed == nil {
		subErr = &SubscriptionError{SpaceID: c.spaceID, Err: errors.New("no change feed configured")}
	} else if sub, err := c.feed.Subscribe(loopCtx, realtime.TableLearningSpace, c.spaceID); err != nil {
		subErr = &SubscriptionError{SpaceID: c.spaceID, Err: err}
	} else {
		c.sub = sub
	}

	var events <-chan realtime.ChangeEvent
	if c.sub != nil {
		events = c.sub.Events()
	}
	go c.run(loopCtx, events)

	if subErr != nil {
		c.logger.Error("mindmap subscription failed", zap.String("reason", subErr.Reason()))
		return subErr
	}
	c.logger.Debug("mindmap subscription established")
	return nil
}

// OnChange hands a change notification to the loop. Events for other tables
// or records, and events without a mindmap URL, leave the state untouched.
// It returns false once the controller has stopped or before Start.
func (c *Controller) OnChange(event realtime.ChangeEvent) bool {
	if !c.running() {
		return false
	}
	select {
	case c.events <- event:
		return true
	case <-c.done:
		return false
	}
}

// Retry refetches the current URL. Without a URL it does nothing.
func (c *Controller) Retry() bool {
	return c.requestRetry(nil)
}

// RetryState is Retry that also returns the snapshot taken right after the
// loop handled the request, so a Ready view reports Loading.
func (c *Controller) RetryState() (State, bool) {
	reply := make(chan State, 1)
	if !c.requestRetry(reply) {
		return c.State(), false
	}
	return <-reply, true
}

func (c *Controller) requestRetry(reply chan<- State) bool {
	if !c.running() {
		return false
	}
	select {
	case c.retries <- reply:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.tornDown
}

// Teardown releases the subscription and stops the loop. When it returns
// no further state change is observable. Safe to call more than once.
func (c *Controller) Teardown() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.tornDown = true
		started := c.started
		cancel := c.cancel
		sub := c.sub
		c.mu.Unlock()

		close(c.quit)
		if !started {
			close(c.updates)
			close(c.done)
			return
		}
		cancel()
		if sub != nil {
			sub.Close()
		}
		<-c.done
		c.logger.Debug("mindmap controller torn down")
	})
}

func (c *Controller) run(ctx context.Context, events <-chan realtime.ChangeEvent) {
	defer close(c.done)
	defer close(c.updates)

	// At most one delayed fetch is pending; a newer URL replaces it.
	var (
		timer  *time.Timer
		timerC <-chan time.Time
		dueURL string
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerC, dueURL = nil, nil, ""
	}
	defer stopTimer()

	if c.state.Status == StatusReady {
		c.fetchContent(ctx, c.state.URL)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.quit:
			return

		case event, ok := <-events:
			if !ok {
				c.logger.Warn("mindmap change feed closed")
				events = nil
				continue
			}
			url, changed := c.applyChange(event)
			if !changed {
				continue
			}
			stopTimer()
			timer = time.NewTimer(c.delay)
			timerC = timer.C
			dueURL = url

		case <-timerC:
			url := dueURL
			timer, timerC, dueURL = nil, nil, ""
			if url == c.state.URL {
				c.fetchContent(ctx, url)
			}

		case reply := <-c.retries:
			if c.state.Status == StatusReady {
				stopTimer()
				c.fetchContent(ctx, c.state.URL)
			}
			if reply != nil {
				reply <- c.state
			}

		case done := <-c.completions:
			c.applyCompletion(done)
		}
	}
}

// applyChange returns the new URL when event moved the view to it.
func (c *Controller) applyChange(event realtime.ChangeEvent) (string, bool) {
	if event.Table != realtime.TableLearningSpace || recordID(event) != c.spaceID {
		return "", false
	}
	url, ok := event.StringField("mindmap")
	if !ok || url == c.state.URL {
		return "", false
	}
	c.logger.Info("mindmap url received", zap.String("url", url), zap.String("event_type", string(event.Type)))
	c.state.Status = StatusReady
	c.state.URL = url
	c.publish()
	return url, true
}

func recordID(event realtime.ChangeEvent) string {
	if event.RecordID != "" {
		return event.RecordID
	}
	id, _ := event.StringField("id")
	return id
}

// fetchContent marks the view Loading and fetches url off the loop. The
// completion carries url so a stale result can be recognized.
func (c *Controller) fetchContent(ctx context.Context, url string) {
	c.state.Fetch = FetchLoading
	c.publish()

	c.logger.Debug("fetching mindmap content", zap.String("url", url))
	go func() {
		content, err := c.fetcher.Fetch(ctx, url)
		select {
		case c.completions <- completion{url: url, content: content, err: err}:
		case <-c.quit:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) applyCompletion(done completion) {
	if done.url != c.state.URL {
		c.logger.Debug("discarding stale mindmap fetch", zap.String("url", done.url), zap.String("current_url", c.state.URL))
		return
	}
	if done.err != nil {
		c.state.Fetch = FetchFailed
		c.state.Error = fetch.Reason(done.err)
		c.state.Retryable = fetch.IsRetryable(done.err)
		c.logger.Warn("mindmap fetch failed", zap.String("url", done.url), zap.Error(done.err))
		c.publish()
		return
	}
	c.state.Fetch = FetchLoaded
	c.state.Content = done.content
	c.state.Error = ""
	c.state.Retryable = false
	c.logger.Info("mindmap content loaded", zap.String("url", done.url), zap.Int("bytes", len(done.content)))
	c.publish()
}

// publish stores a snapshot and offers it on the updates channel, replacing
// any snapshot the reader has not taken yet.
func (c *Controller) publish() {
	c.state.Version++
	snap := c.state
	c.snapshot.Store(&snap)
	select {
	case c.updates <- snap:
		return
	default:
	}
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- snap:
	default:
	}
}
