package executor

import (
	"strings"
	"sync/atomic"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/NetEase-Media/grps/internal/apis"
	"github.com/NetEase-Media/grps/internal/conf"
	"github.com/NetEase-Media/grps/internal/inferer"
	"github.com/NetEase-Media/grps/internal/serving"
)

// suffixInferer appends a configured marker to str_data, making node order
// observable in the output.
type suffixInferer struct {
	suffix string
}

func (s *suffixInferer) Init(path, device string, args map[string]interface{}) error {
	if v, ok := args["suffix"].(string); ok {
		s.suffix = v
	}
	return nil
}

func (s *suffixInferer) Load() error { return nil }

func (s *suffixInferer) Infer(ctx *serving.GrpsContext, inp interface{}) (interface{}, error) {
	msg := inp.(*apis.GrpsMessage)
	return &apis.GrpsMessage{StrData: msg.StrData + s.suffix}, nil
}

func (s *suffixInferer) BatchInfer(ctxs []*serving.GrpsContext, inp interface{}) (interface{}, error) {
	msgs := inp.([]*apis.GrpsMessage)
	outs := make([]*apis.GrpsMessage, len(msgs))
	for i, m := range msgs {
		outs[i] = &apis.GrpsMessage{StrData: m.StrData + s.suffix}
	}
	return outs, nil
}

// ctxErrInferer reports failure through the context error slot instead of a
// returned error, the way user preprocess code does.
type ctxErrInferer struct{}

func (c *ctxErrInferer) Init(path, device string, args map[string]interface{}) error { return nil }
func (c *ctxErrInferer) Load() error                                                 { return nil }

func (c *ctxErrInferer) Infer(ctx *serving.GrpsContext, inp interface{}) (interface{}, error) {
	ctx.SetErrMsg("bad input tensor")
	return inp, nil
}

func (c *ctxErrInferer) BatchInfer(ctxs []*serving.GrpsContext, inp interface{}) (interface{}, error) {
	return inp, nil
}

var instanceCount int64

func init() {
	inferer.Register("test_suffix", func() inferer.ModelInferer {
		atomic.AddInt64(&instanceCount, 1)
		return &suffixInferer{}
	})
	inferer.Register("test_ctx_err", func() inferer.ModelInferer { return &ctxErrInferer{} })
}

func suffixModel(name, suffix string) conf.ModelConf {
	return conf.ModelConf{
		Name:        name,
		Version:     "1",
		Device:      "cpu",
		InfererType: "customized",
		InfererName: "test_suffix",
		InfererPath: "models/" + name,
		InfererArgs: map[string]interface{}{"suffix": suffix},
	}
}

func newExecutor(t *testing.T, cfg *conf.Conf) *Executor {
	t.Helper()
	e, err := New(cfg, clock.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func TestPipelineRunsNodesInOrder(t *testing.T) {
	cfg := &conf.Conf{Inference: conf.InferenceConf{
		Models: []conf.ModelConf{suffixModel("first", "-a"), suffixModel("second", "-b")},
		Dag: conf.DagConf{Type: "sequential", Nodes: []conf.NodeConf{
			{Name: "node_first", Type: "model", Model: "first-1"},
			{Name: "node_second", Type: "model", Model: "second-1"},
		}},
	}}
	e := newExecutor(t, cfg)

	out, err := e.Infer(&apis.GrpsMessage{StrData: "in"}, serving.New(), "")
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if out.StrData != "in-a-b" {
		t.Fatalf("out = %q, want in-a-b", out.StrData)
	}
}

func TestInferWithModelNameBypassesPipeline(t *testing.T) {
	cfg := &conf.Conf{Inference: conf.InferenceConf{
		Models: []conf.ModelConf{suffixModel("first", "-a"), suffixModel("second", "-b")},
		Dag: conf.DagConf{Type: "sequential", Nodes: []conf.NodeConf{
			{Name: "node_first", Type: "model", Model: "first-1"},
			{Name: "node_second", Type: "model", Model: "second-1"},
		}},
	}}
	e := newExecutor(t, cfg)

	out, err := e.Infer(&apis.GrpsMessage{StrData: "in"}, serving.New(), "second-1")
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if out.StrData != "in-b" {
		t.Fatalf("out = %q, want in-b", out.StrData)
	}
}

func TestUnknownModelName(t *testing.T) {
	cfg := &conf.Conf{Inference: conf.InferenceConf{
		Models: []conf.ModelConf{suffixModel("first", "-a")},
		Dag: conf.DagConf{Type: "sequential", Nodes: []conf.NodeConf{
			{Name: "node_first", Type: "model", Model: "first-1"},
		}},
	}}
	e := newExecutor(t, cfg)

	if _, err := e.Infer(&apis.GrpsMessage{}, serving.New(), "nope-1"); err == nil {
		t.Fatal("unknown model name accepted")
	}
}

func TestDagNodeWithUnknownModelRejected(t *testing.T) {
	cfg := &conf.Conf{Inference: conf.InferenceConf{
		Models: []conf.ModelConf{suffixModel("first", "-a")},
		Dag: conf.DagConf{Type: "sequential", Nodes: []conf.NodeConf{
			{Name: "node", Type: "model", Model: "missing-1"},
		}},
	}}
	if _, err := New(cfg, clock.New()); err == nil {
		t.Fatal("dag referencing a missing model accepted")
	}
}

func TestContextErrShortCircuitsPipeline(t *testing.T) {
	cfg := &conf.Conf{Inference: conf.InferenceConf{
		Models: []conf.ModelConf{
			{
				Name: "broken", Version: "1", Device: "cpu",
				InfererType: "customized", InfererName: "test_ctx_err",
				InfererPath: "models/broken",
			},
			suffixModel("after", "-b"),
		},
		Dag: conf.DagConf{Type: "sequential", Nodes: []conf.NodeConf{
			{Name: "node_broken", Type: "model", Model: "broken-1"},
			{Name: "node_after", Type: "model", Model: "after-1"},
		}},
	}}
	e := newExecutor(t, cfg)

	ctx := serving.New()
	_, err := e.Infer(&apis.GrpsMessage{StrData: "in"}, ctx, "")
	if err == nil {
		t.Fatal("pipeline ignored context error")
	}
	if !strings.Contains(err.Error(), "bad input tensor") {
		t.Fatalf("err = %v, want the context error message", err)
	}
	if !ctx.HasErr() {
		t.Fatal("context lost its error flag")
	}
}

func TestCustomizedInfererGetsFreshInstancePerModel(t *testing.T) {
	before := atomic.LoadInt64(&instanceCount)
	cfg := &conf.Conf{Inference: conf.InferenceConf{
		Models: []conf.ModelConf{suffixModel("one", "-1"), suffixModel("two", "-2")},
		Dag: conf.DagConf{Type: "sequential", Nodes: []conf.NodeConf{
			{Name: "node_one", Type: "model", Model: "one-1"},
			{Name: "node_two", Type: "model", Model: "two-1"},
		}},
	}}
	newExecutor(t, cfg)

	if got := atomic.LoadInt64(&instanceCount) - before; got != 2 {
		t.Fatalf("built %d inferer instances, want 2", got)
	}
}

func TestBatchedModelServesThroughBatcher(t *testing.T) {
	m := suffixModel("batched", "-b")
	m.Batching = &conf.BatchingConf{Type: "dynamic", MaxBatchSize: 4, BatchTimeoutUs: 5_000}
	cfg := &conf.Conf{Inference: conf.InferenceConf{
		Models: []conf.ModelConf{m},
		Dag: conf.DagConf{Type: "sequential", Nodes: []conf.NodeConf{
			{Name: "node_batched", Type: "model", Model: "batched-1"},
		}},
	}}
	e := newExecutor(t, cfg)

	out, err := e.Infer(&apis.GrpsMessage{StrData: "in"}, serving.New(), "")
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if out.StrData != "in-b" {
		t.Fatalf("out = %q, want in-b", out.StrData)
	}
}
