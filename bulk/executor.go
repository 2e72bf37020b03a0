package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/AlfredDev/surge/adaptive"
	"github.com/AlfredDev/surge/metering"
	"github.com/AlfredDev/surge/pool"
	"github.com/AlfredDev/surge/throttle"
)

// Executor splits a record sequence into batches and dispatches them in
// parallel chunks. Chunk width follows the adaptive rate controller;
// server throttle signals feed back into the throttle tracker and the
// controller, and throttled batches are re-enqueued to the tail of the
// queue with bounded attempts.
type Executor struct {
	pool    *pool.Pool
	tracker *throttle.Tracker
	ctrl    *adaptive.Controller
	coord   *Coordinator
	meter   *metering.Meter
	logger  zerolog.Logger
}

// NewExecutor wires an executor to its collaborators. Explicit
// composition; there is no registry or locator behind this.
func NewExecutor(p *pool.Pool, tracker *throttle.Tracker, ctrl *adaptive.Controller, coord *Coordinator, logger zerolog.Logger) *Executor {
	return &Executor{
		pool:    p,
		tracker: tracker,
		ctrl:    ctrl,
		coord:   coord,
		logger:  logger.With().Str("component", "executor").Logger(),
	}
}

// SetMeter attaches an optional operation meter. Call before Execute.
func (e *Executor) SetMeter(m *metering.Meter) { e.meter = m }

type batch struct {
	index    int
	offset   int
	records  []pool.Record
	attempts int
}

type outcome struct {
	identity string
	resp     *pool.Response
	err      error
}

// Execute runs one bulk operation over records. Record order is
// preserved within a batch; batches complete in no particular order.
// CreatedIDs come back in input order for creates.
//
// On cancellation the returned Result is partial with Cancelled set and
// the error is nil; the counts cover only completed batches. A batch
// failure with ContinueOnError disabled returns the partial Result
// wrapped in an AbortedError after in-flight batches drain.
func (e *Executor) Execute(ctx context.Context, entity string, records []pool.Record, op pool.Operation, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	start := time.Now()
	res := &Result{}
	if len(records) == 0 {
		res.Duration = time.Since(start)
		return res, nil
	}

	queue := make([]*batch, 0, (len(records)+opts.BatchSize-1)/opts.BatchSize)
	for off := 0; off < len(records); off += opts.BatchSize {
		end := off + opts.BatchSize
		if end > len(records) {
			end = len(records)
		}
		queue = append(queue, &batch{index: len(queue), offset: off, records: records[off:end]})
	}
	createdByBatch := make([][]string, len(queue))

	primary := e.pool.Identities()[0].Name
	flags := opts.flags()

	e.logger.Info().
		Str("entity", entity).
		Str("operation", string(op)).
		Int("records", len(records)).
		Int("batches", len(queue)).
		Msg("bulk operation starting")

	var (
		aborted    bool
		abortCause error
	)

	for len(queue) > 0 && !aborted {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		width := e.chunkWidth(primary, opts, len(queue))
		chunk := queue[:width]
		queue = queue[width:]

		outcomes := make([]outcome, len(chunk))
		g, gctx := errgroup.WithContext(ctx)
		for i, b := range chunk {
			i, b := i, b
			g.Go(func() error {
				outcomes[i] = e.runBatch(gctx, entity, op, flags, opts.SlotTimeout, b)
				return nil
			})
		}
		_ = g.Wait()

		var requeue []*batch
		for i := range outcomes {
			out := outcomes[i]
			b := chunk[i]

			switch {
			case out.err != nil:
				kind := classify(out.err)
				switch kind {
				case KindCancelled:
					res.Cancelled = true
				case KindAcquireTimeout, KindCoordinatorExhausted:
					b.attempts++
					if b.attempts < opts.MaxAttempts {
						requeue = append(requeue, b)
					} else {
						e.failBatch(res, b, kind, out.identity, out.err.Error())
					}
				case KindPoolDrained:
					aborted = true
					abortCause = out.err
					e.failBatch(res, b, kind, out.identity, out.err.Error())
				default:
					if kind == KindUnclassified {
						res.UnclassifiedErrors++
						kind = KindBatchFatal
					}
					e.failBatch(res, b, kind, out.identity, out.err.Error())
					if e.meter != nil && out.identity != "" {
						e.meter.RecordBatch(out.identity, 0, len(b.records))
					}
					if !opts.ContinueOnError {
						aborted = true
						abortCause = out.err
					}
				}

			case out.resp.Throttled:
				e.tracker.MarkThrottled(out.identity, out.resp.RetryAfter)
				e.ctrl.RecordThrottle(out.identity, out.resp.RetryAfter)
				if e.meter != nil {
					e.meter.RecordThrottle(out.identity)
				}
				b.attempts++
				if b.attempts < opts.MaxAttempts {
					requeue = append(requeue, b)
				} else {
					e.failBatch(res, b, KindThrottled, out.identity,
						fmt.Sprintf("throttled on every attempt (%d)", b.attempts))
				}

			default:
				e.ctrl.RecordSuccess(out.identity)
				succeeded := len(b.records) - len(out.resp.Failures)
				res.SuccessCount += succeeded
				res.FailureCount += len(out.resp.Failures)
				for _, f := range out.resp.Failures {
					res.Errors = append(res.Errors, RecordError{
						Index:    b.offset + f.Index,
						Identity: out.identity,
						Kind:     KindBatchPartialFailure,
						Code:     f.Code,
						Message:  f.Message,
					})
				}
				switch op {
				case pool.OpCreate:
					createdByBatch[b.index] = out.resp.CreatedIDs
				case pool.OpUpsert:
					res.CreatedCount += out.resp.CreatedCount
					res.UpdatedCount += out.resp.UpdatedCount
				}
				if e.meter != nil {
					e.meter.RecordBatch(out.identity, succeeded, len(out.resp.Failures))
				}
				if len(out.resp.Failures) > 0 && !opts.ContinueOnError {
					aborted = true
					abortCause = res.Errors[len(res.Errors)-1]
				}
			}
		}
		queue = append(queue, requeue...)

		if res.Cancelled {
			break
		}
	}

	if op == pool.OpCreate {
		for _, ids := range createdByBatch {
			res.CreatedIDs = append(res.CreatedIDs, ids...)
		}
	}
	if ctx.Err() != nil {
		res.Cancelled = true
	}
	res.Duration = time.Since(start)

	e.logger.Info().
		Int("succeeded", res.SuccessCount).
		Int("failed", res.FailureCount).
		Bool("cancelled", res.Cancelled).
		Dur("duration", res.Duration).
		Msg("bulk operation finished")

	if aborted {
		return res, &AbortedError{Result: res, Cause: abortCause}
	}
	return res, nil
}

// chunkWidth bounds the next chunk by the controller's recommendation,
// the pool's total, the caller's cap, and what is left in the queue.
func (e *Executor) chunkWidth(primary string, opts Options, queued int) int {
	width := e.ctrl.Parallelism(primary, e.pool.IdentityHint(primary))
	if total := e.pool.TotalRecommendedParallelism(); total < width {
		width = total
	}
	if opts.MaxParallelBatches > 0 && width > opts.MaxParallelBatches {
		width = opts.MaxParallelBatches
	}
	if width < 1 {
		width = 1
	}
	if width > queued {
		width = queued
	}
	return width
}

// runBatch executes one batch: dispatch slot, then channel, then the
// wire call. Deferred releases run in reverse acquisition order.
func (e *Executor) runBatch(ctx context.Context, entity string, op pool.Operation, flags pool.RequestFlags, slotTimeout time.Duration, b *batch) outcome {
	slot, err := e.coord.Acquire(ctx, slotTimeout)
	if err != nil {
		return outcome{err: err}
	}
	defer slot.Release()

	pc, err := e.pool.Acquire(ctx)
	if err != nil {
		return outcome{err: err}
	}
	defer pc.Release()

	resp, err := pc.Execute(ctx, &pool.Request{
		EntityType: entity,
		Operation:  op,
		Records:    b.records,
		Flags:      flags,
	})
	if err != nil {
		return outcome{identity: pc.Identity(), err: err}
	}
	return outcome{identity: pc.Identity(), resp: resp}
}

// failBatch marks every record of the batch failed with the given kind.
func (e *Executor) failBatch(res *Result, b *batch, kind Kind, identity, message string) {
	res.FailureCount += len(b.records)
	for i := range b.records {
		res.Errors = append(res.Errors, RecordError{
			Index:    b.offset + i,
			Identity: identity,
			Kind:     kind,
			Message:  message,
		})
	}
}
