package inferer

import (
	"fmt"
	"sync"

	"github.com/NetEase-Media/grps/internal/apis"
	"github.com/NetEase-Media/grps/internal/converter"
	"github.com/NetEase-Media/grps/internal/logger"
	"github.com/NetEase-Media/grps/internal/serving"
)

// trtInferer owns a pool of execution workers, one per requested CUDA
// stream. Each worker holds its own engine instance (and, inside the runtime,
// its own stream and device buffers); requests are dispatched round-robin
// under a submission lock and the submitting goroutine blocks until its job
// completes.
type trtInferer struct {
	bridge converter.Converter

	path    string
	device  string
	args    map[string]interface{}
	streams int

	mu      sync.Mutex
	next    int
	workers []*trtWorker
}

type trtJob struct {
	in   interface{}
	out  interface{}
	err  error
	done chan struct{}
}

type trtWorker struct {
	module Module
	jobs   chan *trtJob
}

func (w *trtWorker) loop() {
	for job := range w.jobs {
		job.out, job.err = w.module.Forward(job.in)
		close(job.done)
	}
}

// NewTrtInferer builds a tensorrt inferer. The stream count comes from
// inferer_args.streams, default 1.
func NewTrtInferer() ModelInferer {
	return &trtInferer{bridge: converter.NewTrtConverter()}
}

func (t *trtInferer) Init(path, device string, args map[string]interface{}) error {
	if path == "" {
		return fmt.Errorf("trt inferer init failed, model path is empty")
	}
	t.path = path
	t.device = device
	t.args = args
	t.streams = 1
	if v, ok := args["streams"]; ok {
		n, ok := v.(int)
		if !ok || n <= 0 {
			return fmt.Errorf("trt inferer init failed, invalid streams: %v", v)
		}
		t.streams = n
	}
	return nil
}

func (t *trtInferer) Load() error {
	rt, err := runtimeFor("tensorrt")
	if err != nil {
		return err
	}
	t.workers = make([]*trtWorker, t.streams)
	for i := range t.workers {
		module, err := rt.LoadModule(t.path, t.device, t.args)
		if err != nil {
			return fmt.Errorf("load trt engine %s on %s (stream %d): %w", t.path, t.device, i, err)
		}
		w := &trtWorker{module: module, jobs: make(chan *trtJob)}
		t.workers[i] = w
		go w.loop()
	}
	logger.Server().Infof("loaded trt engine %s, device: %s, streams: %d", t.path, t.device, t.streams)
	return nil
}

// submit hands the job to the next worker round-robin and blocks until that
// worker completes it.
func (t *trtInferer) submit(in interface{}) (interface{}, error) {
	job := &trtJob{in: in, done: make(chan struct{})}
	t.mu.Lock()
	w := t.workers[t.next]
	t.next = (t.next + 1) % len(t.workers)
	t.mu.Unlock()
	w.jobs <- job
	<-job.done
	return job.out, job.err
}

func (t *trtInferer) Infer(ctx *serving.GrpsContext, inp interface{}) (interface{}, error) {
	if msg, ok := inp.(*apis.GrpsMessage); ok {
		pre, err := t.bridge.Preprocess(msg, ctx)
		if err != nil {
			return nil, err
		}
		out, err := t.submit(pre)
		if err != nil {
			return nil, err
		}
		return t.bridge.Postprocess(out, ctx)
	}
	return t.submit(inp)
}

func (t *trtInferer) BatchInfer(ctxs []*serving.GrpsContext, inp interface{}) (interface{}, error) {
	if msgs, ok := inp.([]*apis.GrpsMessage); ok {
		pre, err := t.bridge.BatchPreprocess(msgs, ctxs)
		if err != nil {
			return nil, err
		}
		out, err := t.submit(pre)
		if err != nil {
			return nil, err
		}
		return t.bridge.BatchPostprocess(out, ctxs)
	}
	return t.submit(inp)
}

// Close drains the worker pool. Safe to call once after the last Infer.
func (t *trtInferer) Close() {
	for _, w := range t.workers {
		close(w.jobs)
	}
}
