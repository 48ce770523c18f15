// Package batcher coalesces concurrent predict requests for one model into
// batches, bounded by max_batch_size and batch_timeout_us. Requests in one
// batch share fate: any failure fails them all.
package batcher

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/NetEase-Media/grps/internal/apis"
	"github.com/NetEase-Media/grps/internal/converter"
	"github.com/NetEase-Media/grps/internal/infra/metrics"
	"github.com/NetEase-Media/grps/internal/infra/pool"
	"github.com/NetEase-Media/grps/internal/inferer"
	"github.com/NetEase-Media/grps/internal/logger"
	"github.com/NetEase-Media/grps/internal/serving"
)

// taskQueueSize bounds how many requests can wait for a batch slot before
// callers block.
const taskQueueSize = 1024

type task struct {
	inp *apis.GrpsMessage
	out *apis.GrpsMessage
	ctx *serving.GrpsContext
}

// DynamicBatcher is the per-model batching front of one inferer.
type DynamicBatcher struct {
	name         string
	maxBatchSize int
	timeout      time.Duration
	conv         converter.Converter // nil in no-converter mode
	inf          inferer.ModelInferer
	workers      *pool.Pool
	clk          clock.Clock

	tasks chan *task
	done  chan struct{}
	idle  chan struct{} // closed when the scheduler exits
}

// New builds a stopped batcher for one model. Each batcher owns a worker pool
// sized maxConcurrency: batches must not compete with the predict tasks that
// are blocked waiting on them, or a full predict pool deadlocks the batch.
func New(name string, maxBatchSize, batchTimeoutUs, maxConcurrency int, conv converter.Converter,
	inf inferer.ModelInferer, clk clock.Clock) *DynamicBatcher {
	b := &DynamicBatcher{
		name:         name,
		maxBatchSize: maxBatchSize,
		timeout:      time.Duration(batchTimeoutUs) * time.Microsecond,
		conv:         conv,
		inf:          inf,
		workers:      pool.New(maxConcurrency),
		clk:          clk,
		tasks:        make(chan *task, taskQueueSize),
		done:         make(chan struct{}),
		idle:         make(chan struct{}),
	}
	logger.Server().Infof("DynamicBatcher(%s) init, max_batch_size: %d, batch_timeout_us: %d",
		name, maxBatchSize, batchTimeoutUs)
	return b
}

// Start launches the scheduler.
func (b *DynamicBatcher) Start() {
	go b.schedule()
}

// Stop terminates the scheduler. Requests still queued fail with a context
// error and their futures resolve.
func (b *DynamicBatcher) Stop() {
	logger.Server().Infof("DynamicBatcher(%s) stop", b.name)
	close(b.done)
	<-b.idle
	b.workers.Stop()
}

// Infer enqueues one request and blocks until its batch completes. The
// response, or the error recorded on ctx, reflects the whole batch's outcome.
func (b *DynamicBatcher) Infer(inp *apis.GrpsMessage, ctx *serving.GrpsContext) (*apis.GrpsMessage, error) {
	future := serving.NewFuture()
	ctx.SetBatcherFuture(future)
	t := &task{inp: inp, ctx: ctx}
	select {
	case b.tasks <- t:
	case <-b.done:
		return nil, errors.New("batcher stopped")
	}
	future.Wait()
	if ctx.HasErr() {
		return nil, errors.New(ctx.ErrMsg())
	}
	return t.out, nil
}

// schedule forms batches: take one task, drain more without blocking, then
// wait out the remainder of a single absolute deadline for stragglers. Late
// arrivals after the deadline go to the next batch.
func (b *DynamicBatcher) schedule() {
	defer close(b.idle)
	for {
		var first *task
		select {
		case first = <-b.tasks:
		case <-b.done:
			b.failPending()
			return
		}

		batch := []*task{first}
		batch = b.drain(batch)

		if len(batch) < b.maxBatchSize {
			timer := b.clk.Timer(b.timeout)
		fill:
			for len(batch) < b.maxBatchSize {
				select {
				case t := <-b.tasks:
					batch = append(batch, t)
				case <-timer.C:
					break fill
				case <-b.done:
					timer.Stop()
					b.failBatch(batch, "batcher stopped")
					b.failPending()
					return
				}
			}
			timer.Stop()
		}

		tasks := batch
		b.workers.Submit(func() { b.process(tasks) })
	}
}

func (b *DynamicBatcher) drain(batch []*task) []*task {
	for len(batch) < b.maxBatchSize {
		select {
		case t := <-b.tasks:
			batch = append(batch, t)
		default:
			return batch
		}
	}
	return batch
}

func (b *DynamicBatcher) failPending() {
	for {
		select {
		case t := <-b.tasks:
			t.ctx.SetErrMsg("batcher stopped")
			t.ctx.BatcherFutureNotify()
		default:
			return
		}
	}
}

func (b *DynamicBatcher) failBatch(batch []*task, msg string) {
	for _, t := range batch {
		t.ctx.SetErrMsg(msg)
		t.ctx.BatcherFutureNotify()
	}
}

func allErr(ctxs []*serving.GrpsContext) bool {
	for _, ctx := range ctxs {
		if !ctx.HasErr() {
			return false
		}
	}
	return true
}

// checkAndNotify short-circuits a batch whose every context already carries
// an error (a streaming batch that finished via stream_respond also lands
// here with resolved futures).
func checkAndNotify(ctxs []*serving.GrpsContext) bool {
	if !allErr(ctxs) {
		return false
	}
	for _, ctx := range ctxs {
		ctx.BatcherFutureNotify()
	}
	return true
}

// process runs one batch through the three-step discipline. Any error is
// recorded on every context in the batch.
func (b *DynamicBatcher) process(tasks []*task) {
	inps := make([]*apis.GrpsMessage, len(tasks))
	ctxs := make([]*serving.GrpsContext, len(tasks))
	for i, t := range tasks {
		inps[i] = t.inp
		ctxs[i] = t.ctx
	}
	metrics.BatchSize.WithLabelValues(b.name).Observe(float64(len(tasks)))

	fail := func(err error) {
		logger.Server().Errorf("DynamicBatcher(%s) batch inference process failed, error: %v", b.name, err)
		for _, ctx := range ctxs {
			ctx.SetErrMsg(err.Error())
			ctx.BatcherFutureNotify()
		}
	}
	// A panic in user converter or inferer code must still resolve every
	// future in the batch, or the waiting requests hang forever.
	defer func() {
		if r := recover(); r != nil {
			fail(fmt.Errorf("panic: %v", r))
		}
	}()

	var outs []*apis.GrpsMessage
	if b.conv == nil {
		begin := time.Now()
		rawOut, err := b.inf.BatchInfer(ctxs, inps)
		if err != nil {
			fail(err)
			return
		}
		if checkAndNotify(ctxs) {
			return
		}
		var ok bool
		outs, ok = rawOut.([]*apis.GrpsMessage)
		if !ok {
			fail(fmt.Errorf("batch_infer returned %T, want []*apis.GrpsMessage in no-converter mode", rawOut))
			return
		}
		logger.Server().Infof("DynamicBatcher(%s), batch_size: %d, model_infer time: %d us",
			b.name, len(inps), time.Since(begin).Microseconds())
	} else {
		begin := time.Now()
		preOut, err := b.conv.BatchPreprocess(inps, ctxs)
		if err != nil {
			fail(err)
			return
		}
		if checkAndNotify(ctxs) {
			return
		}
		preDone := time.Now()

		inferOut, err := b.inf.BatchInfer(ctxs, preOut)
		if err != nil {
			fail(err)
			return
		}
		if checkAndNotify(ctxs) {
			return
		}
		inferDone := time.Now()

		outs, err = b.conv.BatchPostprocess(inferOut, ctxs)
		if err != nil {
			fail(err)
			return
		}
		if checkAndNotify(ctxs) {
			return
		}
		logger.Server().Infof("DynamicBatcher(%s), batch_size: %d, preprocess time: %d us,"+
			" model_infer time: %d us, postprocess time: %d us",
			b.name, len(inps), preDone.Sub(begin).Microseconds(),
			inferDone.Sub(preDone).Microseconds(), time.Since(inferDone).Microseconds())
	}

	if len(outs) != len(tasks) {
		fail(fmt.Errorf("batch produced %d outputs for %d requests", len(outs), len(tasks)))
		return
	}
	for i, out := range outs {
		tasks[i].out = out
	}
	for _, ctx := range ctxs {
		ctx.BatcherFutureNotify()
	}
}
