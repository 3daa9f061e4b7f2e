package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrQueueClosed is returned for work submitted after Close, or still waiting when Close ran.
var ErrQueueClosed = errors.New("command queue closed")

// Task is one unit of work run inside a lane.
type Task func(ctx context.Context) error

// Option configures a CommandQueue.
type Option func(*CommandQueue)

// WithLogger sets the logger used for queue diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(cq *CommandQueue) { cq.logger = logger }
}

// ticket is a caller waiting for a lane slot. ready is closed on admission.
type ticket struct {
	seq      uint64
	ready    chan struct{}
	queuedAt time.Time
}

type lane struct {
	limit   int
	active  int
	waiting []*ticket
}

// CommandQueue admits work per lane in FIFO order. Lanes are independent.
type CommandQueue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	seq    uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New creates a queue; lanes appear on first use with a limit of one.
func New(opts ...Option) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(cq)
	}
	return cq
}

// laneLocked returns the named lane, creating it. cq.mu must be held.
func (cq *CommandQueue) laneLocked(name string) *lane {
	l, ok := cq.lanes[name]
	if !ok {
		l = &lane{limit: 1}
		cq.lanes[name] = l
	}
	return l
}

// Run blocks until task has had its turn in laneName and returns its error.
//
// While waiting, a cancelled ctx withdraws the task and Run returns ctx.Err() without
// running it. Once started the task receives a context that ends with ctx or Close.
func (cq *CommandQueue) Run(ctx context.Context, laneName string, task Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "parley.commandqueue", "commandqueue.run",
		attribute.String("lane", laneName),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, cq.logger).With().Str("lane", laneName).Logger()

	t, err := cq.admit(ctx, laneName)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	wait := time.Since(t.queuedAt)
	span.SetAttributes(attribute.Int64("wait_ms", wait.Milliseconds()))
	if wait > time.Second {
		logger.Debug().Dur("wait", wait).Uint64("seq", t.seq).Msg("Lane slot acquired after waiting")
	}

	start := time.Now()
	err = cq.execute(ctx, task)
	duration := time.Since(start)
	pending := cq.release(laneName)

	observability.RecordQueueCompletion(laneName, duration, err == nil, pending)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Err(err).Dur("duration", duration).Msg("Lane task failed")
		return err
	}
	logger.Debug().Dur("duration", duration).Msg("Lane task finished")
	return nil
}

// admit reserves a slot in the lane, waiting behind earlier tickets if it is full.
func (cq *CommandQueue) admit(ctx context.Context, laneName string) (*ticket, error) {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrQueueClosed
	}
	cq.seq++
	t := &ticket{seq: cq.seq, ready: make(chan struct{}), queuedAt: time.Now()}
	l := cq.laneLocked(laneName)
	l.waiting = append(l.waiting, t)
	cq.dispatchLocked(l)
	pending := len(l.waiting)
	cq.mu.Unlock()

	observability.RecordQueueEnqueue(laneName, pending)

	select {
	case <-t.ready:
		return t, nil
	case <-ctx.Done():
		return nil, cq.abandon(laneName, t, ctx.Err())
	case <-cq.ctx.Done():
		return nil, cq.abandon(laneName, t, ErrQueueClosed)
	}
}

// abandon withdraws a waiting ticket. A ticket admitted in the meantime gives its slot back.
func (cq *CommandQueue) abandon(laneName string, t *ticket, cause error) error {
	cq.mu.Lock()
	l := cq.laneLocked(laneName)
	for i, w := range l.waiting {
		if w == t {
			l.waiting = append(l.waiting[:i], l.waiting[i+1:]...)
			observability.SetQueueSize(laneName, len(l.waiting))
			cq.mu.Unlock()
			return cause
		}
	}
	cq.mu.Unlock()

	cq.release(laneName)
	return cause
}

// dispatchLocked admits waiting tickets while the lane has room. cq.mu must be held.
func (cq *CommandQueue) dispatchLocked(l *lane) {
	for !cq.closed && l.active < l.limit && len(l.waiting) > 0 {
		t := l.waiting[0]
		l.waiting = l.waiting[1:]
		l.active++
		cq.wg.Add(1)
		close(t.ready)
	}
}

// release frees one slot and reports how many tickets are still waiting.
func (cq *CommandQueue) release(laneName string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	l := cq.laneLocked(laneName)
	l.active--
	cq.dispatchLocked(l)
	cq.wg.Done()
	return len(l.waiting)
}

func (cq *CommandQueue) execute(ctx context.Context, task Task) (err error) {
	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(runCtx)
}

// SetLimit changes how many tasks of a lane may run at once. Values below one mean one.
func (cq *CommandQueue) SetLimit(laneName string, limit int) {
	if limit < 1 {
		limit = 1
	}
	cq.mu.Lock()
	defer cq.mu.Unlock()

	l := cq.laneLocked(laneName)
	l.limit = limit
	cq.dispatchLocked(l)
}

// Pending returns how many tasks are waiting in a lane.
func (cq *CommandQueue) Pending(laneName string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if l, ok := cq.lanes[laneName]; ok {
		return len(l.waiting)
	}
	return 0
}

// Active returns how many tasks of a lane are running.
func (cq *CommandQueue) Active(laneName string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if l, ok := cq.lanes[laneName]; ok {
		return l.active
	}
	return 0
}

// Close rejects new work, cancels running tasks and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	cq.closed = true
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}
