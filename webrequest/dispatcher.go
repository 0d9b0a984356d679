/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package webrequest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/acronis/go-webqueue/internal/capability"
	"github.com/acronis/go-webqueue/log"
	"github.com/acronis/go-webqueue/retry"
)

// Default dispatcher settings.
const (
	DefaultMaxConcurrency             = 5
	DefaultHungRequestCleanupInterval = 10 * time.Second
)

// Settings are runtime-adjustable dispatcher parameters.
// They take effect on the next scheduling pass.
type Settings struct {
	// MaxConcurrency is the maximum number of requests that may be in flight at once.
	// Zero holds all requests in the pending list.
	MaxConcurrency int

	// HungRequestCleanupInterval is how often in-flight requests are checked for handles
	// that finished without notifying. DefaultHungRequestCleanupInterval is used if zero.
	HungRequestCleanupInterval time.Duration

	// Clock provides timers. SystemClock is used if nil.
	Clock Clock
}

// DispatcherOpts represents options for Dispatcher.
type DispatcherOpts struct {
	// MaxConcurrency is the maximum number of requests that may be in flight at once.
	// DefaultMaxConcurrency is used if zero. Use Dispatcher.Configure to set it to zero.
	MaxConcurrency int

	// HungRequestCleanupInterval is how often in-flight requests are checked for handles
	// that finished without notifying. DefaultHungRequestCleanupInterval is used if zero.
	HungRequestCleanupInterval time.Duration

	// Clock provides timers. SystemClock is used if nil.
	Clock Clock

	// RetryPolicy produces the backoff of every request. retry.DefaultPolicy is used if nil.
	RetryPolicy retry.Policy

	// Logger is used for logging. Logging is disabled if nil.
	Logger log.FieldLogger

	// MetricsCollector collects metrics. Metrics are disabled if nil.
	MetricsCollector MetricsCollector
}

// Stats is a snapshot of dispatcher lists sizes.
type Stats struct {
	Pending   int
	Blocked   int
	Executing int
}

// Dispatcher is an admission-controlled queue of requests.
// It fires pending requests in priority order (oldest first among equal priorities)
// while the number of in-flight requests is below the configured maximum.
type Dispatcher struct {
	transport   Transport
	retryPolicy retry.Policy
	logger      log.FieldLogger
	metrics     MetricsCollector
	probe       *capability.Probe

	mu        sync.Mutex
	settings  Settings
	seq       uint64
	pending   []*Request
	blocked   []*Request
	executing []*Request
	active    map[*Request]struct{}
	hungTimer Timer
	closed    bool
}

// NewDispatcher creates a new Dispatcher with default options.
func NewDispatcher(transport Transport) *Dispatcher {
	return NewDispatcherWithOpts(transport, DispatcherOpts{})
}

// NewDispatcherWithOpts creates a new Dispatcher with the given options.
func NewDispatcherWithOpts(transport Transport, opts DispatcherOpts) *Dispatcher {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = retry.DefaultPolicy
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetricsCollector
	}
	return &Dispatcher{
		transport:   transport,
		retryPolicy: opts.RetryPolicy,
		logger:      opts.Logger,
		metrics:     opts.MetricsCollector,
		probe:       capability.NewProbe(),
		settings: normalizeSettings(Settings{
			MaxConcurrency:             opts.MaxConcurrency,
			HungRequestCleanupInterval: opts.HungRequestCleanupInterval,
			Clock:                      opts.Clock,
		}),
		active: make(map[*Request]struct{}),
	}
}

func normalizeSettings(s Settings) Settings {
	if s.HungRequestCleanupInterval <= 0 {
		s.HungRequestCleanupInterval = DefaultHungRequestCleanupInterval
	}
	if s.Clock == nil {
		s.Clock = SystemClock{}
	}
	return s
}

// Configure changes dispatcher settings. New settings take effect on the next scheduling pass,
// which happens on the next enqueue or slot release.
func (d *Dispatcher) Configure(s Settings) error {
	if s.MaxConcurrency < 0 {
		return fmt.Errorf("max concurrency must be non-negative, got %d", s.MaxConcurrency)
	}
	d.mu.Lock()
	d.settings = normalizeSettings(s)
	d.mu.Unlock()
	return nil
}

// Settings returns current dispatcher settings.
func (d *Dispatcher) Settings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// Stats returns sizes of dispatcher lists.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Pending: len(d.pending), Blocked: len(d.blocked), Executing: len(d.executing)}
}

// Close aborts all started and not yet settled requests and stops the hung request watchdog.
// Requests cannot be started on a closed dispatcher.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	stopTimer(d.hungTimer)
	d.hungTimer = nil
	reqs := make([]*Request, 0, len(d.active))
	for r := range d.active {
		reqs = append(reqs, r)
	}
	d.mu.Unlock()

	sort.Slice(reqs, func(i, j int) bool { return reqs[i].seq < reqs[j].seq })
	for _, r := range reqs {
		_ = r.Abort()
	}
}

func (d *Dispatcher) nextSeq() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	return d.seq
}

// enqueueLocked inserts the request into the pending list keeping (priority desc, age asc) order.
// It does nothing if the request is aborted or already queued.
func (d *Dispatcher) enqueueLocked(r *Request) bool {
	if r.aborted || r.list != listNone {
		return false
	}
	prio := r.priorityLocked()
	idx := sort.Search(len(d.pending), func(i int) bool {
		p := d.pending[i].priorityLocked()
		return p < prio || (p == prio && d.pending[i].seq > r.seq)
	})
	d.pending = append(d.pending, nil)
	copy(d.pending[idx+1:], d.pending[idx:])
	d.pending[idx] = r
	r.list = listPending
	r.state = StateQueued
	d.updateQueueMetricsLocked()
	return true
}

// removeFromActiveQueuesLocked removes the request from pending and executing lists.
// Blocked requests are removed only when their predicate settles.
func (d *Dispatcher) removeFromActiveQueuesLocked(r *Request) {
	switch r.list {
	case listPending:
		d.pending = removeRequest(d.pending, r)
	case listExecuting:
		d.executing = removeRequest(d.executing, r)
	default:
		return
	}
	r.list = listNone
	d.updateQueueMetricsLocked()
}

func removeRequest(list []*Request, r *Request) []*Request {
	for i := range list {
		if list[i] == r {
			copy(list[i:], list[i+1:])
			list[len(list)-1] = nil
			return list[:len(list)-1]
		}
	}
	return list
}

func (d *Dispatcher) updateQueueMetricsLocked() {
	d.metrics.SetQueueSizes(len(d.pending), len(d.blocked), len(d.executing))
}

// schedule moves requests from the head of the pending list to the blocked list
// and evaluates their block predicates while there are free slots.
func (d *Dispatcher) schedule() {
	for {
		d.mu.Lock()
		if d.closed || len(d.pending) == 0 || len(d.executing) >= d.settings.MaxConcurrency {
			d.mu.Unlock()
			return
		}
		r := d.pending[0]
		d.pending = removeRequest(d.pending, r)
		d.blocked = append(d.blocked, r)
		r.list = listBlocked
		r.state = StateBlocked
		pred := r.blockUntil
		var ctx context.Context
		if pred != nil {
			ctx, r.blockCancel = context.WithCancel(context.Background())
		}
		d.updateQueueMetricsLocked()
		d.mu.Unlock()

		if pred == nil {
			d.settleBlock(r, nil)
			continue
		}
		go func() {
			d.settleBlock(r, evalBlockPredicate(ctx, pred))
		}()
	}
}

func evalBlockPredicate(ctx context.Context, pred BlockPredicate) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return pred(ctx)
}

func (d *Dispatcher) settleBlock(r *Request, err error) {
	d.mu.Lock()
	d.blocked = removeRequest(d.blocked, r)
	if r.list == listBlocked {
		r.list = listNone
	}
	if r.blockCancel != nil {
		r.blockCancel()
		r.blockCancel = nil
	}
	d.updateQueueMetricsLocked()

	if err != nil {
		d.mu.Unlock()
		r.respond(nil, "_blockRequestUntil rejected: "+err.Error())
		return
	}

	if len(d.executing) < d.settings.MaxConcurrency && !r.aborted {
		d.executing = append(d.executing, r)
		r.list = listExecuting
		d.scheduleHungCleanupLocked()
		d.updateQueueMetricsLocked()
		d.mu.Unlock()
		r.fire()
		return
	}

	requeued := d.enqueueLocked(r)
	d.mu.Unlock()
	if requeued {
		d.schedule()
	}
}

// scheduleHungCleanupLocked keeps the watchdog timer armed only while there are executing requests.
func (d *Dispatcher) scheduleHungCleanupLocked() {
	if d.closed {
		return
	}
	if len(d.executing) > 0 && d.hungTimer == nil {
		d.hungTimer = d.settings.Clock.AfterFunc(d.settings.HungRequestCleanupInterval, d.cleanupHungRequests)
	} else if len(d.executing) == 0 && d.hungTimer != nil {
		d.hungTimer.Stop()
		d.hungTimer = nil
	}
}

func (d *Dispatcher) cleanupHungRequests() {
	type inFlight struct {
		r *Request
		h Handle
	}
	d.mu.Lock()
	d.hungTimer = nil
	candidates := make([]inFlight, 0, len(d.executing))
	for _, r := range d.executing {
		if r.handle != nil {
			candidates = append(candidates, inFlight{r, r.handle})
		}
	}
	d.mu.Unlock()

	for _, c := range candidates {
		if c.h.ReadyState() != ReadyStateDone {
			continue
		}
		c.r.logger.Warn("found a completed request that has not invoked its callbacks, responding manually")
		c.r.respond(c.h, "")
	}

	d.mu.Lock()
	d.scheduleHungCleanupLocked()
	d.mu.Unlock()
}

var defaultDispatcher atomic.Pointer[Dispatcher]

// SetDefault sets the process-wide dispatcher returned by Default.
func SetDefault(d *Dispatcher) {
	defaultDispatcher.Store(d)
}

// Default returns the process-wide dispatcher set by SetDefault, or nil if it has not been set.
func Default() *Dispatcher {
	return defaultDispatcher.Load()
}
