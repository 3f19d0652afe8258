package pipeline

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/minisoc/internal/telemetry"
	"github.com/lvonguyen/minisoc/internal/telemetry/normalization"
)

// Line is one raw line handed to Ingest. A zero ObservedAt means now; any
// other value is held within the skew tolerance of now.
type Line struct {
	Text       string
	ObservedAt time.Time
}

// Coordinator merges many feeds into one ordered stream for a Processor.
//
// Each feed has a bounded channel and a pump goroutine. A single merge
// goroutine holds a reorder heap keyed by (timestamp, arrival) and releases
// events up to the low watermark: the smallest latest-timestamp among
// attached feeds that have not stalled. When the heap is full the merger
// stops reading, so producers block on their feed channel.
//
// Detector windows are closed in event time. The flush timer advances the
// last released timestamp by the wall time that passed since that release,
// so a stream that trails the server clock correlates as it would in a
// replay while silent streams still see their windows close.
type Coordinator struct {
	cfg    Config
	norm   *normalization.Normalizer
	proc   *Processor
	logger *zap.Logger
	clock  func() time.Time

	in   chan feedMsg
	ctrl chan ctrlMsg
	done chan struct{}

	started atomic.Bool
	closing atomic.Bool
	cancel  context.CancelFunc
	pumps   sync.WaitGroup

	mu     sync.Mutex
	feeds  map[*Feed]struct{}
	shared map[string]*Feed

	closeOnce sync.Once
	closeErr  error
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the wall clock used for stall detection, observation
// times and the flush horizon.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// NewCoordinator creates a coordinator. Call Start before opening feeds.
func NewCoordinator(cfg Config, norm *normalization.Normalizer, proc *Processor, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if norm == nil || proc == nil {
		return nil, errors.New("pipeline: normalizer and processor are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:    cfg,
		norm:   norm,
		proc:   proc,
		logger: logger,
		clock:  time.Now,
		in:     make(chan feedMsg),
		ctrl:   make(chan ctrlMsg),
		done:   make(chan struct{}),
		feeds:  make(map[*Feed]struct{}),
		shared: make(map[string]*Feed),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start launches the merge goroutine. Cancelling ctx stops it after a
// final release and flush.
func (c *Coordinator) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	m := &merger{
		Coordinator: c,
		states:      make(map[*Feed]*feedState),
	}
	go m.run(ctx)
}

// Done is closed when the merge goroutine has exited.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Stats returns pipeline counters.
func (c *Coordinator) Stats() Stats { return c.proc.Stats() }

// OpenFeed attaches a new feed. Its events hold the watermark until it
// closes or stalls.
func (c *Coordinator) OpenFeed(source string) (*Feed, error) {
	if !c.started.Load() {
		return nil, errors.New("pipeline: coordinator not started")
	}
	if c.closing.Load() {
		return nil, ErrClosed
	}
	f := &Feed{
		source:   source,
		coord:    c,
		ch:       make(chan telemetry.Event, c.cfg.FeedBuffer),
		closed:   make(chan struct{}),
		detached: make(chan struct{}),
	}
	ack := make(chan struct{})
	select {
	case c.ctrl <- ctrlMsg{op: opAttach, feed: f, ack: ack}:
	case <-c.done:
		return nil, ErrClosed
	}
	<-ack

	// Registration and Close's sweep are ordered by c.mu, so every pump
	// Close waits for was started before it looked.
	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		f.Close()
		select {
		case c.ctrl <- ctrlMsg{op: opDetach, feed: f}:
		case <-c.done:
		}
		return nil, ErrClosed
	}
	c.feeds[f] = struct{}{}
	c.pumps.Add(1)
	c.mu.Unlock()

	go c.pump(f)
	c.logger.Debug("Feed attached", zap.String("source", source))
	return f, nil
}

// Ingest pushes lines through a long-lived feed shared by every caller for
// the same source. It returns how many lines were accepted before an error.
func (c *Coordinator) Ingest(ctx context.Context, source string, lines []Line) (int, error) {
	f, err := c.sharedFeed(source)
	if err != nil {
		return 0, err
	}
	// Batches for one source stay contiguous and in order.
	f.ingestMu.Lock()
	defer f.ingestMu.Unlock()
	for i, l := range lines {
		if err := f.Push(ctx, l.Text, l.ObservedAt); err != nil {
			return i, err
		}
	}
	return len(lines), nil
}

func (c *Coordinator) sharedFeed(source string) (*Feed, error) {
	c.mu.Lock()
	f, ok := c.shared[source]
	c.mu.Unlock()
	if ok {
		return f, nil
	}

	f, err := c.OpenFeed(source)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.shared[source]; ok {
		f.Close()
		return existing, nil
	}
	c.shared[source] = f
	return f, nil
}

// Close closes every feed, waits for their buffered lines to reach the
// merger, then releases everything left and runs a final flush.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if !c.started.Load() {
			c.closing.Store(true)
			close(c.done)
			return
		}

		c.mu.Lock()
		c.closing.Store(true)
		for f := range c.feeds {
			f.Close()
		}
		c.mu.Unlock()

		drained := make(chan struct{})
		go func() {
			c.pumps.Wait()
			close(drained)
		}()

		select {
		case <-drained:
			select {
			case c.ctrl <- ctrlMsg{op: opShutdown}:
			case <-c.done:
			case <-ctx.Done():
				c.cancel()
				c.closeErr = fmt.Errorf("pipeline: close: %w", ctx.Err())
				return
			}
		case <-ctx.Done():
			c.cancel()
			c.closeErr = fmt.Errorf("pipeline: close: %w", ctx.Err())
			return
		}

		select {
		case <-c.done:
		case <-ctx.Done():
			c.closeErr = fmt.Errorf("pipeline: close: %w", ctx.Err())
		}
		c.cancel()
	})
	return c.closeErr
}

func (c *Coordinator) pump(f *Feed) {
	defer c.pumps.Done()
	defer close(f.detached)

	forward := func(ev telemetry.Event) bool {
		select {
		case c.in <- feedMsg{feed: f, ev: ev}:
			return true
		case <-c.done:
			return false
		}
	}

	for {
		select {
		case ev := <-f.ch:
			if !forward(ev) {
				return
			}
		case <-f.closed:
			for drained := false; !drained; {
				select {
				case ev := <-f.ch:
					if !forward(ev) {
						return
					}
				default:
					drained = true
				}
			}
			c.mu.Lock()
			delete(c.feeds, f)
			if c.shared[f.source] == f {
				delete(c.shared, f.source)
			}
			c.mu.Unlock()
			select {
			case c.ctrl <- ctrlMsg{op: opDetach, feed: f}:
			case <-c.done:
			}
			return
		}
	}
}

// Feed is one producer's handle into the coordinator. Push is safe for
// concurrent use; lines from concurrent callers interleave in arrival order.
type Feed struct {
	source   string
	coord    *Coordinator
	seq      atomic.Uint64
	ch       chan telemetry.Event
	closed   chan struct{}
	detached chan struct{}
	once     sync.Once

	// sendMu orders sends before Close: Push holds it shared across the
	// send, Close takes it exclusively, so nothing is queued after the
	// pump's final drain.
	sendMu   sync.RWMutex
	isClosed bool
	ingestMu sync.Mutex
}

// Source returns the feed's source name.
func (f *Feed) Source() string { return f.source }

// Push normalizes a line and queues it. It blocks while the feed is full and
// fails with ErrBackpressure when ctx ends first.
func (f *Feed) Push(ctx context.Context, text string, observedAt time.Time) error {
	f.sendMu.RLock()
	defer f.sendMu.RUnlock()
	if f.isClosed {
		return ErrFeedClosed
	}
	c := f.coord
	ev := c.norm.Normalize(telemetry.RawLine{
		Source:     f.source,
		Seq:        f.seq.Add(1),
		Text:       text,
		ObservedAt: c.norm.Observed(observedAt, c.clock()),
	})

	select {
	case f.ch <- ev:
		c.proc.stats.lines.Add(1)
		c.proc.deps.Metrics.LinesIngested.WithLabelValues(f.source).Inc()
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		c.proc.stats.backpressure.Add(1)
		c.proc.deps.Metrics.Backpressure.WithLabelValues(f.source).Inc()
		return fmt.Errorf("%w: %s: %v", ErrBackpressure, f.source, ctx.Err())
	}
}

// Close stops accepting lines. It waits for in-flight pushes; buffered lines
// are still delivered before the feed detaches.
func (f *Feed) Close() {
	f.once.Do(func() {
		f.sendMu.Lock()
		f.isClosed = true
		close(f.closed)
		f.sendMu.Unlock()
	})
}

// Detached is closed once the feed's buffered lines were handed over.
func (f *Feed) Detached() <-chan struct{} { return f.detached }

// =============================================================================
// Merge stage
// =============================================================================

type ctrlOp int

const (
	opAttach ctrlOp = iota
	opDetach
	opShutdown
)

type ctrlMsg struct {
	op   ctrlOp
	feed *Feed
	ack  chan struct{}
}

type feedMsg struct {
	feed *Feed
	ev   telemetry.Event
}

type feedState struct {
	maxTS       time.Time
	lastArrival time.Time
	stalled     bool
}

type pending struct {
	ev      telemetry.Event
	arrival uint64
}

type reorderHeap []pending

func (h reorderHeap) Len() int { return len(h) }
func (h reorderHeap) Less(i, j int) bool {
	if !h[i].ev.Timestamp.Equal(h[j].ev.Timestamp) {
		return h[i].ev.Timestamp.Before(h[j].ev.Timestamp)
	}
	return h[i].arrival < h[j].arrival
}
func (h reorderHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *reorderHeap) Push(x any)   { *h = append(*h, x.(pending)) }
func (h *reorderHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// merger is the state owned by the merge goroutine.
type merger struct {
	*Coordinator
	states       map[*Feed]*feedState
	heap         reorderHeap
	arrivals     uint64
	lastReleased time.Time
	releasedAt   time.Time // wall time lastReleased last advanced
}

func (m *merger) run(ctx context.Context) {
	defer close(m.done)

	tick := time.NewTicker(m.cfg.tickInterval())
	defer tick.Stop()
	flush := time.NewTicker(m.cfg.FlushInterval)
	defer flush.Stop()

	for {
		in := m.in
		if m.heap.Len() >= m.cfg.ReorderCapacity {
			in = nil
		}

		select {
		case <-ctx.Done():
			m.finish(context.WithoutCancel(ctx))
			return
		case msg := <-in:
			m.accept(msg)
		case msg := <-m.ctrl:
			switch msg.op {
			case opAttach:
				m.states[msg.feed] = &feedState{lastArrival: m.clock()}
				close(msg.ack)
			case opDetach:
				delete(m.states, msg.feed)
				m.logger.Debug("Feed detached", zap.String("source", msg.feed.source))
			case opShutdown:
				m.finish(ctx)
				return
			}
			m.proc.stats.feeds.Store(int64(len(m.states)))
			m.proc.deps.Metrics.ActiveFeeds.Set(float64(len(m.states)))
		case <-tick.C:
			m.checkStalls()
		case <-flush.C:
			if now, ok := m.eventNow(); ok {
				m.proc.Flush(ctx, now)
			}
		}
		m.release(ctx, false)
	}
}

func (m *merger) accept(msg feedMsg) {
	m.arrivals++
	heap.Push(&m.heap, pending{ev: msg.ev, arrival: m.arrivals})

	if st, ok := m.states[msg.feed]; ok {
		st.lastArrival = m.clock()
		st.stalled = false
		if msg.ev.Timestamp.After(st.maxTS) {
			st.maxTS = msg.ev.Timestamp
		}
	}
}

func (m *merger) checkStalls() {
	now := m.clock()
	for f, st := range m.states {
		if !st.stalled && now.Sub(st.lastArrival) > m.cfg.StallGrace {
			st.stalled = true
			m.proc.stats.stalls.Add(1)
			m.proc.deps.Metrics.StalledFeedsTotal.Inc()
			m.logger.Debug("Feed stalled", zap.String("source", f.source))
		}
	}
}

// watermark returns the release bound. ok is false when no feed constrains
// ordering and everything may be released.
func (m *merger) watermark() (wm time.Time, ok bool) {
	for _, st := range m.states {
		if st.stalled {
			continue
		}
		if !ok || st.maxTS.Before(wm) {
			wm, ok = st.maxTS, true
		}
	}
	return wm, ok
}

func (m *merger) release(ctx context.Context, all bool) {
	wm, bounded := m.watermark()
	if all {
		bounded = false
	}
	if bounded && !wm.IsZero() {
		m.proc.deps.Metrics.WatermarkLag.Set(m.clock().Sub(wm).Seconds())
	}

	var batch []telemetry.Event
	for m.heap.Len() > 0 {
		if bounded && m.heap[0].ev.Timestamp.After(wm) {
			break
		}
		p := heap.Pop(&m.heap).(pending)
		if p.ev.Timestamp.Before(m.lastReleased) {
			m.proc.stats.late.Add(1)
		} else {
			m.lastReleased = p.ev.Timestamp
			m.releasedAt = m.clock()
		}
		batch = append(batch, p.ev)
	}

	m.proc.stats.buffered.Store(int64(m.heap.Len()))
	m.proc.deps.Metrics.ReorderBuffered.Set(float64(m.heap.Len()))
	if len(batch) > 0 {
		m.proc.Process(ctx, batch)
	}
}

// eventNow is the flush horizon in event time. ok is false until an event
// has been released.
func (m *merger) eventNow() (time.Time, bool) {
	if m.releasedAt.IsZero() {
		return time.Time{}, false
	}
	idle := m.clock().Sub(m.releasedAt)
	if idle < 0 {
		idle = 0
	}
	return m.lastReleased.Add(idle), true
}

func (m *merger) finish(ctx context.Context) {
	m.release(ctx, true)

	if now, ok := m.eventNow(); ok {
		// Past every window so open episodes emit their summaries.
		if horizon := closingHorizon(m.lastReleased, m.proc.Engine()); horizon.After(now) {
			now = horizon
		}
		m.proc.Flush(ctx, now)
	}
	m.logger.Info("Pipeline drained", zap.Uint64("events", m.proc.stats.events.Load()))
}
