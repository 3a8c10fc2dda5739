package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"copytrade-core/internal/events"
	"copytrade-core/internal/relationship"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/venue"
)

// Task is one admitted replica ready for venue submission.
type Task struct {
	Session      db.Session
	Relationship db.Relationship
	Signal       db.TradeSignal
	Qty          float64
}

// Outcome is a terminal session handed to the metrics aggregator. Result is
// the authoritative last attempt, nil when the order never reached the venue.
type Outcome struct {
	Session  db.Session
	Result   *db.ExecutionResult
	Platform string
}

// OutcomeSink consumes terminal sessions.
type OutcomeSink func(ctx context.Context, o Outcome)

const laneBuffer = 64

// lane serializes dispatch for one relationship. Tasks drain in enqueue
// order, so a follower's replicas execute in signal-arrival order even while
// other followers run in parallel.
type lane struct {
	tasks chan Task
}

// Dispatcher fans admitted replicas out to venue adapters. Concurrency is
// bounded per venue, not per follower: each platform gets a worker budget so
// a thousand followers on one venue cannot stampede its rate limits.
type Dispatcher struct {
	queries  *db.Queries
	store    *relationship.Store
	registry *venue.Registry
	bus      *events.Bus
	retry    *Coordinator
	sink     OutcomeSink

	perVenue int64

	mu    sync.Mutex
	lanes map[string]*lane
	sems  map[string]*semaphore.Weighted

	wg      sync.WaitGroup
	closed  bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewDispatcher creates a dispatcher. workersPerVenue bounds concurrent
// submissions per platform; values below 1 default to 4.
func NewDispatcher(queries *db.Queries, store *relationship.Store, registry *venue.Registry, bus *events.Bus, retry *Coordinator, workersPerVenue int, sink OutcomeSink) *Dispatcher {
	if workersPerVenue < 1 {
		workersPerVenue = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		queries:  queries,
		store:    store,
		registry: registry,
		bus:      bus,
		retry:    retry,
		sink:     sink,
		perVenue: int64(workersPerVenue),
		lanes:    make(map[string]*lane),
		sems:     make(map[string]*semaphore.Weighted),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Enqueue appends a task to its relationship's lane, creating the lane on
// first use. Blocks when the lane is full rather than reordering.
func (d *Dispatcher) Enqueue(task Task) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher closed")
	}
	ln, ok := d.lanes[task.Relationship.ID]
	if !ok {
		ln = &lane{tasks: make(chan Task, laneBuffer)}
		d.lanes[task.Relationship.ID] = ln
		d.wg.Add(1)
		go d.run(ln)
	}
	d.mu.Unlock()

	select {
	case ln.tasks <- task:
		return nil
	case <-d.baseCtx.Done():
		return d.baseCtx.Err()
	}
}

// Shutdown stops the lanes. In-flight venue calls finish; queued tasks are
// abandoned and resolved by startup recovery on the next boot.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) run(ln *lane) {
	defer d.wg.Done()
	for {
		select {
		case <-d.baseCtx.Done():
			return
		case task := <-ln.tasks:
			d.execute(d.baseCtx, task)
		}
	}
}

func (d *Dispatcher) semFor(platform string) *semaphore.Weighted {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.sems[platform]
	if !ok {
		sem = semaphore.NewWeighted(d.perVenue)
		d.sems[platform] = sem
	}
	return sem
}

func (d *Dispatcher) execute(ctx context.Context, task Task) {
	s := task.Session
	rel := task.Relationship

	// Dispatch boundary: the relationship may have left active while the
	// task sat in its lane.
	if status, ok := d.store.Status(rel.ID); !ok || status != db.RelationshipActive {
		if !ok {
			status = "unknown"
		}
		d.Finalize(ctx, s, db.SessionCancelled, fmt.Sprintf("relationship %s", status), nil, rel.Platform)
		return
	}

	if !s.DeadlineAt.IsZero() && time.Now().After(s.DeadlineAt) {
		d.Finalize(ctx, s, db.SessionCancelled, "latency bound exceeded before submission", nil, rel.Platform)
		return
	}

	adapter, err := d.registry.Get(rel.Platform)
	if err != nil {
		d.Finalize(ctx, s, db.SessionFailed, err.Error(), nil, rel.Platform)
		return
	}

	// Expected slippage against the live quote, when the adapter has one.
	// An order that would already breach the tolerance never reaches the venue.
	if maxSlip := effectiveMaxSlippage(rel); maxSlip > 0 && task.Signal.Price > 0 {
		if qp, ok := adapter.(venue.QuoteProvider); ok {
			if quote := qp.Quote(task.Signal.Symbol); quote > 0 {
				expected := math.Abs(quote-task.Signal.Price) / task.Signal.Price
				if expected > maxSlip {
					d.Finalize(ctx, s, db.SessionCancelled,
						fmt.Sprintf("expected slippage %.4f exceeds tolerance %.4f", expected, maxSlip), nil, rel.Platform)
					return
				}
			}
		}
	}

	sem := d.semFor(rel.Platform)
	if err := sem.Acquire(ctx, 1); err != nil {
		return // shutting down, startup recovery resolves the session
	}
	defer sem.Release(1)

	if err := d.registry.Wait(ctx, rel.Platform); err != nil {
		return
	}

	submitAt := time.Now()
	s.Status = db.SessionExecuting
	s.ReplicationDelay = submitAt.Sub(task.Signal.SignalTime).Milliseconds()
	if err := d.queries.UpdateSession(ctx, s); err != nil {
		log.Printf("dispatcher: mark executing %s: %v", s.ID, err)
	}
	if d.bus != nil {
		d.bus.Publish(events.EventSessionExecuting, s)
	}

	req := venue.ReplicaRequest{
		FollowerID:     rel.FollowerID,
		RelationshipID: rel.ID,
		Symbol:         task.Signal.Symbol,
		Side:           venue.Side(task.Signal.Side),
		Type:           venue.OrderType(task.Signal.OrderType),
		Qty:            task.Qty,
		Price:          task.Signal.Price,
		StopLoss:       task.Signal.StopLoss,
		TakeProfit:     task.Signal.TakeProfit,
		Leverage:       task.Signal.Leverage,
		ClientID:       s.ID,
	}

	var lastResult *db.ExecutionResult
	fill, retries, err := d.retry.Execute(ctx, s.DeadlineAt,
		func() error {
			// Retry boundary: cancel instead of re-submitting once the
			// relationship is no longer active.
			if status, ok := d.store.Status(rel.ID); !ok || status != db.RelationshipActive {
				return &errCancelled{status: status}
			}
			return nil
		},
		func(ctx context.Context, attempt int) (venue.SubmitResult, error) {
			res, submitErr := adapter.SubmitReplicaOrder(ctx, req)
			lastResult = d.recordAttempt(ctx, s, task.Signal, attempt, res, submitErr)
			return res, submitErr
		})

	s.RetryCount = retries

	var cancelled *errCancelled
	switch {
	case err == nil:
		d.complete(ctx, s, rel, task, fill, lastResult)
	case errors.As(err, &cancelled):
		d.Finalize(ctx, s, db.SessionCancelled, cancelled.Error(), lastResult, rel.Platform)
	default:
		d.Finalize(ctx, s, db.SessionFailed, err.Error(), lastResult, rel.Platform)
	}
}

// complete closes out a filled session, enforcing the partial-fill setting.
func (d *Dispatcher) complete(ctx context.Context, s db.Session, rel db.Relationship, task Task, fill venue.SubmitResult, result *db.ExecutionResult) {
	if fill.FilledQty < task.Qty && !rel.Settings.AllowPartialFills {
		msg := fmt.Sprintf("partial fill %.4f/%.4f rejected by replication settings", fill.FilledQty, task.Qty)
		d.Finalize(ctx, s, db.SessionFailed, msg, result, rel.Platform)
		return
	}
	if task.Signal.Price > 0 {
		s.Slippage = (fill.FillPrice - task.Signal.Price) / task.Signal.Price
	}
	if task.Qty > 0 {
		s.FillQuality = fill.FilledQty / task.Qty
	}
	d.Finalize(ctx, s, db.SessionCompleted, "", result, rel.Platform)
}

// Finalize persists a terminal status, publishes the session event, and hands
// the outcome to the sink. Also used by the engine for sessions that never
// reach dispatch (sizing underflow, risk rejections).
func (d *Dispatcher) Finalize(ctx context.Context, s db.Session, status, errorMessage string, result *db.ExecutionResult, platform string) {
	s.Status = status
	s.ErrorMessage = errorMessage
	if err := d.queries.UpdateSession(ctx, s); err != nil {
		log.Printf("dispatcher: finalize %s as %s: %v", s.ID, status, err)
	}
	if d.bus != nil {
		d.bus.Publish(sessionEvent(status), s)
	}
	if status != db.SessionCompleted && errorMessage != "" {
		log.Printf("dispatcher: session %s %s: %s", s.ID, status, errorMessage)
	}
	if d.sink != nil {
		d.sink(ctx, Outcome{Session: s, Result: result, Platform: platform})
	}
}

// recordAttempt appends one ExecutionResult row and returns it.
func (d *Dispatcher) recordAttempt(ctx context.Context, s db.Session, sig db.TradeSignal, attempt int, res venue.SubmitResult, submitErr error) *db.ExecutionResult {
	row := db.ExecutionResult{
		ID:               uuid.NewString(),
		SessionID:        s.ID,
		Attempt:          attempt,
		Success:          submitErr == nil,
		OrderID:          res.OrderID,
		FilledQty:        res.FilledQty,
		FillPrice:        res.FillPrice,
		RemainingQty:     res.RemainingQty,
		Fees:             res.Fees,
		ReplicationDelay: time.Since(sig.SignalTime).Milliseconds(),
		CreatedAt:        time.Now().UTC(),
	}
	if submitErr != nil {
		row.ErrorMessage = submitErr.Error()
	} else if sig.Price > 0 {
		row.Slippage = (res.FillPrice - sig.Price) / sig.Price
	}
	if err := d.queries.AppendResult(ctx, row); err != nil {
		log.Printf("dispatcher: append result for %s attempt %d: %v", s.ID, attempt, err)
	}
	return &row
}

func effectiveMaxSlippage(rel db.Relationship) float64 {
	max := rel.Settings.MaxSlippage
	if rel.Limits.MaxSlippage > 0 && (max == 0 || rel.Limits.MaxSlippage < max) {
		max = rel.Limits.MaxSlippage
	}
	return max
}

func sessionEvent(status string) events.Event {
	switch status {
	case db.SessionCompleted:
		return events.EventSessionCompleted
	case db.SessionCancelled:
		return events.EventSessionCancelled
	default:
		return events.EventSessionFailed
	}
}
